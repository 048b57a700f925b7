package server

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBacklog = 64
)

type (
	// client is one websocket connection. Writes go through send and are
	// performed by writePump only.
	client struct {
		userID string
		conn   *websocket.Conn
		send   chan []byte

		once sync.Once
		done chan struct{}
	}

	// hub tracks connected users and which room each has joined. A user has
	// at most one connection and one joined room.
	hub struct {
		mu     sync.Mutex
		mapper map[string]*client
		joined map[*client]string
		rooms  map[string]map[string]*client
	}
)

func newClient(userID string, conn *websocket.Conn) *client {
	return &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBacklog),
		done:   make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue drops the connection when the client cannot keep up.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		log.Warn("client send backlog full, dropping connection", zap.String("user", c.userID))
		c.close()
		return false
	}
}

func (c *client) emit(event string, payload any) bool {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Error("marshal event failed", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *client) writePump() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write to client failed", zap.String("user", c.userID), zap.Error(err))
				return
			}
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func newHub() *hub {
	return &hub{
		mapper: make(map[string]*client),
		joined: make(map[*client]string),
		rooms:  make(map[string]map[string]*client),
	}
}

// register fails when the user already has a connection.
func (h *hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mapper[c.userID]; ok {
		return false
	}
	h.mapper[c.userID] = c
	return true
}

func (h *hub) connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mapper[userID]
	return ok
}

// unregister forgets c and returns the room it had joined.
func (h *hub) unregister(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mapper[c.userID] == c {
		delete(h.mapper, c.userID)
	}
	return h.detach(c)
}

// join moves c into roomID and returns the room it left, if any.
func (h *hub) join(c *client, roomID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.detach(c)
	if prev == roomID {
		prev = ""
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[c.userID] = c
	h.joined[c] = roomID
	return prev
}

func (h *hub) detach(c *client) string {
	roomID, ok := h.joined[c]
	if !ok {
		return ""
	}
	delete(h.joined, c)
	if members := h.rooms[roomID]; members[c.userID] == c {
		delete(members, c.userID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	return roomID
}

// leave removes userID from roomID and returns its connection, or nil when
// the user had not joined that room.
func (h *hub) leave(roomID, userID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.rooms[roomID][userID]
	if !ok {
		return nil
	}
	h.detach(c)
	return c
}

func (h *hub) roomOf(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.joined[c]
}

func (h *hub) online(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.rooms[roomID]))
	for u := range h.rooms[roomID] {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

func (h *hub) member(roomID, userID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID][userID]
}

func (h *hub) broadcast(roomID, event string, payload any) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Error("marshal event failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (h *hub) broadcastPresence(roomID string) {
	if roomID == "" {
		return
	}
	h.broadcast(roomID, model.EventOnlineUsers, model.OnlineUsers{Users: h.online(roomID)})
}
