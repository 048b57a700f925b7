// Package history fetches, decrypts and merges paginated room history.
package history

import (
	"context"
	"errors"
	"slices"

	"e2e_room_chat/internal/cryptographic/encryption"
	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 20

type (
	// Fetcher retrieves one page of room history. skip counts back from the
	// newest message.
	Fetcher interface {
		FetchMessages(ctx context.Context, roomID string, skip, limit int) ([]model.Message, error)
	}

	Resolver interface {
		Resolve(version int) (*encryption.Key, error)
	}

	// Pager owns the session's message buffer and paging state. Apart from
	// FetchPage, its methods must be called from the session goroutine.
	Pager struct {
		roomID   string
		fetcher  Fetcher
		pageSize int

		buffer   *Buffer
		hasMore  bool
		inFlight bool
	}
)

func NewPager(roomID string, fetcher Fetcher, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{
		roomID:   roomID,
		fetcher:  fetcher,
		pageSize: pageSize,
		buffer:   NewBuffer(),
		hasMore:  true,
	}
}

func (p *Pager) PageSize() int   { return p.pageSize }
func (p *Pager) HasMore() bool   { return p.hasMore }
func (p *Pager) InFlight() bool  { return p.inFlight }
func (p *Pager) Buffer() *Buffer { return p.buffer }
func (p *Pager) RoomID() string  { return p.roomID }

// FetchPage requests one page and returns it oldest first. A limit of zero
// uses the page size. It touches no pager state and may run off the session
// goroutine.
func (p *Pager) FetchPage(ctx context.Context, skip, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = p.pageSize
	}
	page, err := p.fetcher.FetchMessages(ctx, p.roomID, skip, limit)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(page, model.Compare)
	return page, nil
}

// StartInitial marks the first page as in flight. It fails only when
// another fetch is outstanding.
func (p *Pager) StartInitial() bool {
	if p.inFlight {
		return false
	}
	p.inFlight = true
	p.hasMore = true
	return true
}

// StartBackfill marks a backfill as in flight and returns the skip to
// request. Requests while one is outstanding or after exhaustion are
// refused, not queued.
func (p *Pager) StartBackfill() (skip int, ok bool) {
	if p.inFlight || !p.hasMore {
		return 0, false
	}
	p.inFlight = true
	return p.buffer.Len(), true
}

// Complete finishes the outstanding fetch: it clears the in-flight flag,
// updates hasMore and merges the decrypted page. It returns how many
// messages were new.
func (p *Pager) Complete(page []model.Message, err error, ring Resolver) (int, error) {
	p.inFlight = false
	if err != nil {
		log.Warn("history fetch failed", zap.String("room", p.roomID), zap.Error(err))
		return 0, err
	}
	if len(page) < p.pageSize {
		p.hasMore = false
	}
	return p.buffer.Merge(DecryptPage(page, ring)), nil
}

// AddLive decrypts a message delivered in real time and buffers it unless
// its id is already present.
func (p *Pager) AddLive(m model.Message, ring Resolver) (model.DecryptedMessage, bool) {
	d := Decrypt(m, ring)
	return d, p.buffer.Insert(d)
}

func open(key *encryption.Key, m model.Message) (string, error) {
	ct, nonce, err := m.Sealed()
	if err != nil {
		return "", appErrors.DecryptionFailed(err)
	}
	return encryption.DecryptString(key, ct, nonce)
}

// DecryptPage resolves each message under its own key version.
func DecryptPage(page []model.Message, ring Resolver) []model.DecryptedMessage {
	out := make([]model.DecryptedMessage, len(page))
	for i, m := range page {
		out[i] = Decrypt(m, ring)
	}
	return out
}

// Decrypt renders m, substituting a placeholder when its key is unknown or
// authentication fails.
func Decrypt(m model.Message, ring Resolver) model.DecryptedMessage {
	d := model.DecryptedMessage{Message: m}

	key, err := ring.Resolve(m.KeyVersion)
	if err != nil {
		d.Content = model.UnknownKeyPlaceholder(m.KeyVersion)
		d.KeyMissing = true
		return d
	}

	text, err := open(key, m)
	if err != nil {
		if !errors.Is(err, appErrors.ErrDecryptionFailed) {
			err = appErrors.DecryptionFailed(err)
		}
		log.Debug("message failed to decrypt", zap.String("id", m.ID), zap.Int("version", m.KeyVersion), zap.Error(err))
		d.Content = model.FailedDecryptPlaceholder
		return d
	}

	d.Content = text
	d.Decrypted = true
	return d
}
