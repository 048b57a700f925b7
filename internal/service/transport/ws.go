package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/live"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type (
	// WSDialer opens the relay's real-time channel for one user.
	WSDialer struct {
		target string
		dialer *websocket.Dialer
	}

	// WSConn adapts a websocket to live.Conn. Frames are JSON envelopes.
	WSConn struct {
		conn   *websocket.Conn
		events chan model.Envelope

		writeMu sync.Mutex
		once    sync.Once
		done    chan struct{}
	}
)

var (
	_ live.Dialer = (*WSDialer)(nil)
	_ live.Conn   = (*WSConn)(nil)
)

// NewWSDialer derives the websocket URL from the relay's HTTP URL.
func NewWSDialer(serverURL, userID string) (*WSDialer, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, appErrors.InvalidArg("bad server url: " + err.Error())
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, appErrors.InvalidArg("unsupported server url scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"userId": []string{userID}}.Encode()

	return &WSDialer{target: u.String(), dialer: websocket.DefaultDialer}, nil
}

func (d *WSDialer) Dial(ctx context.Context) (live.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, appErrors.InvalidArg("user already connected")
		}
		return nil, appErrors.Wrap(appErrors.CodeUnavailable, "dial relay", err)
	}
	return NewWSConn(conn), nil
}

// NewWSConn starts the read and keepalive pumps for conn.
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn:   conn,
		events: make(chan model.Envelope, 64),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

func (c *WSConn) Events() <-chan model.Envelope { return c.events }

func (c *WSConn) Emit(ctx context.Context, env model.Envelope) error {
	select {
	case <-c.done:
		return live.ErrDisconnected
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(&env)
	c.writeMu.Unlock()
	if err != nil {
		c.Close()
		return appErrors.Wrap(appErrors.CodeUnavailable, "emit "+env.Event, err)
	}
	return nil
}

// Close is idempotent. The events channel closes once the read pump exits.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		// WriteControl may run concurrently with WriteJSON.
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) readPump() {
	defer close(c.events)
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("relay connection lost", zap.Error(err))
			} else {
				log.Debug("relay connection closed", zap.Error(err))
			}
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("skipping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) pingPump() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
