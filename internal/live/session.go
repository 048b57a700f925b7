package live

import (
	"errors"
	"slices"

	"e2e_room_chat/internal/cryptographic/encryption"
	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/history"
	"e2e_room_chat/internal/keyring"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Session is the state of one joined room: its key ring, message buffer
	// and presence. It is created on join and dropped on leave or kick.
	Session struct {
		roomID string
		userID string

		ring  *keyring.Ring
		dist  *keyring.Distributor
		pager *history.Pager

		online []string

		// sendBlocked holds the rotation failure that blocks sending until a
		// version >= blockedVersion is ingested.
		sendBlocked    error
		blockedVersion int
	}

	// Outcome lists the effects the channel must carry out after Apply.
	Outcome struct {
		Changed      bool
		FetchInitial bool
		Kicked       bool
		Warnings     []error
	}

	// View is a read-only snapshot for the rendering layer.
	View struct {
		RoomID      string
		State       State
		Messages    []model.DecryptedMessage
		Online      []string
		KeyVersion  int
		Keyed       bool
		HasMore     bool
		LoadingMore bool
		SendBlocked error
	}
)

func NewSession(roomID, userID string, identity keyring.Unwrapper, fetcher history.Fetcher, pageSize int) *Session {
	ring := keyring.NewRing(roomID)
	return &Session{
		roomID: roomID,
		userID: userID,
		ring:   ring,
		dist:   keyring.NewDistributor(identity, ring),
		pager:  history.NewPager(roomID, fetcher, pageSize),
	}
}

func (s *Session) Ring() *keyring.Ring   { return s.ring }
func (s *Session) Pager() *history.Pager { return s.pager }
func (s *Session) Online() []string      { return slices.Clone(s.online) }
func (s *Session) SendBlocked() error    { return s.sendBlocked }

// Apply transitions the session for one event and reports the effects.
func (s *Session) Apply(ev Event) Outcome {
	switch e := ev.(type) {
	case KeysDelivered:
		updates, errs := s.dist.IngestKeys(e.Keys)
		added := slices.ContainsFunc(updates, func(u keyring.RingUpdate) bool { return u.Added })
		if added {
			s.keysChanged()
		}
		return Outcome{Changed: added, FetchInitial: true, Warnings: errs}

	case MessageReceived:
		m := e.Message
		if m.RoomID != "" && m.RoomID != s.roomID {
			log.Debug("dropping message for another room", zap.String("room", m.RoomID))
			return Outcome{}
		}
		_, added := s.pager.AddLive(m, s.ring)
		return Outcome{Changed: added}

	case PresenceChanged:
		s.online = slices.Clone(e.Users)
		return Outcome{Changed: true}

	case Kicked:
		return Outcome{Kicked: true}

	case KeyRotated:
		u, err := s.dist.IngestRotation(e.Rotation)
		if err != nil {
			if s.sendBlocked == nil || e.Rotation.NewKeyVersion > s.blockedVersion {
				s.blockedVersion = e.Rotation.NewKeyVersion
			}
			s.sendBlocked = err
			return Outcome{Changed: true, Warnings: []error{err}}
		}
		if u.Added {
			s.keysChanged()
		}
		return Outcome{Changed: true}

	case ServerError:
		return Outcome{Warnings: []error{errors.New("server: " + e.Message)}}
	}
	return Outcome{}
}

// keysChanged heals placeholders and lifts a send block once a version at
// least as new as the failed rotation is present.
func (s *Session) keysChanged() {
	if healed := s.pager.Buffer().Refresh(s.ring); healed > 0 {
		log.Debug("placeholders healed", zap.Int("count", healed))
	}
	if s.sendBlocked != nil {
		if cur, ok := s.ring.CurrentVersion(); ok && cur >= s.blockedVersion {
			log.Info("send unblocked", zap.Int("version", cur))
			s.sendBlocked = nil
		}
	}
}

// Seal encrypts text under the current key for sending.
func (s *Session) Seal(text string) (model.OutgoingMessage, error) {
	if s.sendBlocked != nil {
		return model.OutgoingMessage{}, s.sendBlocked
	}
	version, key, err := s.ring.Current()
	if err != nil {
		return model.OutgoingMessage{}, err
	}
	ct, nonce, err := encryption.EncryptString(key, text)
	if err != nil {
		return model.OutgoingMessage{}, appErrors.Wrap(appErrors.CodeInternal, "encrypt message", err)
	}
	return model.OutgoingMessage{
		RoomID:     s.roomID,
		Ciphertext: model.EncodeSealed(ct),
		Nonce:      model.EncodeSealed(nonce),
		KeyVersion: version,
	}, nil
}

func (s *Session) View(state State) View {
	v := View{
		RoomID:      s.roomID,
		State:       state,
		Messages:    s.pager.Buffer().Messages(),
		Online:      s.Online(),
		HasMore:     s.pager.HasMore(),
		LoadingMore: s.pager.InFlight(),
		SendBlocked: s.sendBlocked,
	}
	v.KeyVersion, v.Keyed = s.ring.CurrentVersion()
	return v
}
