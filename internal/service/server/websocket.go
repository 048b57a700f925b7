package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 256 << 10

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "userId cannot be empty", http.StatusBadRequest)
			return
		}

		if s.hub.connected(userID) {
			http.Error(w, "duplicated userId", http.StatusConflict)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(userID, conn)
		if !s.hub.register(c) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated userId"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		s.metrics.conns.Inc()
		log.Info("user connected", zap.String("user", userID))

		go c.writePump()
		s.processWSMessage(c)
	}
}

func (s *HttpServer) processWSMessage(c *client) {
	defer func() {
		c.close()
		room := s.hub.unregister(c)
		s.hub.broadcastPresence(room)
		s.metrics.conns.Dec()
		log.Info("user disconnected", zap.String("user", c.userID))
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.String("user", c.userID), zap.Error(err))
			return
		}
		// Any inbound frame proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			s.reject(c, "", appErrors.InvalidArg("malformed frame"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err = s.dispatch(ctx, c, env)
		cancel()
		if err != nil {
			s.reject(c, env.Event, err)
		}
	}
}

func (s *HttpServer) reject(c *client, event string, err error) {
	s.metrics.rejected.WithLabelValues(event).Inc()
	msg := err.Error()
	if appErrors.CodeOf(err) == appErrors.CodeInternal || appErrors.CodeOf(err) == appErrors.CodeUnknown {
		log.Error("event failed", zap.String("user", c.userID), zap.String("event", event), zap.Error(err))
		msg = event + " failed"
	}
	c.emit(model.EventError, model.ErrorEvent{Message: msg})
}

func (s *HttpServer) dispatch(ctx context.Context, c *client, env model.Envelope) error {
	switch env.Event {
	case model.EventJoinRoom:
		var p model.JoinRoom
		if err := env.Decode(&p); err != nil {
			return appErrors.InvalidArg(err.Error())
		}
		return s.joinRoom(ctx, c, p.RoomID)

	case model.EventChatMessage:
		var out model.OutgoingMessage
		if err := env.Decode(&out); err != nil {
			return appErrors.InvalidArg(err.Error())
		}
		return s.chatMessage(ctx, c, out)
	}
	return appErrors.InvalidArg("unsupported event " + env.Event)
}

// joinRoom answers with the caller's wrapped entry of every key version,
// then announces the new presence set to the room.
func (s *HttpServer) joinRoom(ctx context.Context, c *client, roomID string) error {
	if _, err := s.membership(ctx, roomID, c.userID); err != nil {
		return err
	}

	// Join before reading bundles so a rotation saved meanwhile reaches c
	// through its fan-out. A version seen twice is ingested once.
	prev := s.hub.join(c, roomID)
	s.hub.broadcastPresence(prev)

	bundles, err := s.repo.Bundles(ctx, roomID)
	if err != nil {
		s.hub.leave(roomID, c.userID)
		return err
	}
	keys := make([]model.WrappedKey, 0, len(bundles))
	for _, b := range bundles {
		if k, ok := b.Entry(c.userID); ok {
			keys = append(keys, k)
		}
	}

	s.metrics.joins.Inc()
	c.emit(model.EventRoomKeys, model.RoomKeys{Keys: keys})
	s.hub.broadcastPresence(roomID)
	log.Info("room joined", zap.String("room", roomID), zap.String("user", c.userID), zap.Int("versions", len(keys)))
	return nil
}

// chatMessage stores the ciphertext as is and echoes it to every joined
// member, the sender included.
func (s *HttpServer) chatMessage(ctx context.Context, c *client, out model.OutgoingMessage) error {
	roomID := s.hub.roomOf(c)
	if roomID == "" || roomID != out.RoomID {
		return appErrors.Forbidden("join the room before sending")
	}
	if out.KeyVersion < 0 || len(out.Ciphertext) == 0 || len(out.Nonce) == 0 {
		return appErrors.InvalidArg("message needs ciphertext, nonce and a key version")
	}

	m := model.Message{
		ID:         s.newID(),
		RoomID:     roomID,
		SenderID:   c.userID,
		KeyVersion: out.KeyVersion,
		Ciphertext: out.Ciphertext,
		Nonce:      out.Nonce,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.SaveMessage(ctx, m); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return appErrors.Wrap(appErrors.CodeUnavailable, "store message", err)
		}
		return err
	}
	s.metrics.messages.Inc()
	s.hub.broadcast(roomID, model.EventChatMessage, m)
	return nil
}
