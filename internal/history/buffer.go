package history

import (
	"slices"

	"e2e_room_chat/internal/model"
)

// Buffer is the ordered, id-deduplicated message list of a room session.
// Entries are kept ordered by (createdAt, id) whichever path delivered
// them, so live delivery racing a backfill cannot reorder or duplicate.
type Buffer struct {
	items []model.DecryptedMessage
	ids   map[string]struct{}
}

func NewBuffer() *Buffer {
	return &Buffer{ids: make(map[string]struct{})}
}

func (b *Buffer) Len() int {
	return len(b.items)
}

func (b *Buffer) Contains(id string) bool {
	_, ok := b.ids[id]
	return ok
}

// Insert adds m unless its id is already buffered.
func (b *Buffer) Insert(m model.DecryptedMessage) bool {
	if b.Contains(m.ID) {
		return false
	}
	pos, _ := slices.BinarySearchFunc(b.items, m, func(e, t model.DecryptedMessage) int {
		return model.Compare(e.Message, t.Message)
	})
	b.items = slices.Insert(b.items, pos, m)
	b.ids[m.ID] = struct{}{}
	return true
}

// Merge inserts every message of page and returns how many were new.
func (b *Buffer) Merge(page []model.DecryptedMessage) int {
	added := 0
	for _, m := range page {
		if b.Insert(m) {
			added++
		}
	}
	return added
}

// Messages returns a copy safe to hand to the rendering layer.
func (b *Buffer) Messages() []model.DecryptedMessage {
	return slices.Clone(b.items)
}

// Refresh re-decrypts entries that were rendered as unknown-key placeholders
// and returns how many now resolve.
func (b *Buffer) Refresh(ring Resolver) int {
	healed := 0
	for i, m := range b.items {
		if !m.KeyMissing {
			continue
		}
		d := Decrypt(m.Message, ring)
		if d.KeyMissing {
			continue
		}
		b.items[i] = d
		healed++
	}
	return healed
}
