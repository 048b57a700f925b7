// Package live runs a joined room: it consumes real-time events, keeps the
// session's ring, buffer and presence current, and sends messages.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/history"
	"e2e_room_chat/internal/keyring"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateKicked
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateKicked:
		return "kicked"
	}
	return "unknown"
}

var (
	ErrKicked       = appErrors.Forbidden("you were removed from this room")
	ErrNotJoined    = errors.New("live: channel is not joined")
	ErrDisconnected = errors.New("live: connection closed")
)

type (
	// Conn is one real-time connection to the relay.
	Conn interface {
		Emit(ctx context.Context, env model.Envelope) error
		// Events is closed when the connection drops.
		Events() <-chan model.Envelope
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Conn, error)
	}

	// Listener receives snapshots and warnings. Calls are made from the
	// channel goroutine and must not block.
	Listener interface {
		OnView(View)
		OnWarning(error)
	}

	Options struct {
		RoomID   string
		UserID   string
		Dialer   Dialer
		Identity keyring.Unwrapper
		Fetcher  history.Fetcher
		PageSize int
		Listener Listener
	}

	Channel struct {
		opts  Options
		state atomic.Int32

		cmds    chan command
		results chan pageResult

		mu    sync.Mutex
		alive chan struct{} // closed when no loop is running
		gen   uint64
	}

	command struct {
		fn    func(l *loop) error
		reply chan error
	}

	// loop is what a command sees of the running session.
	loop struct {
		ctx  context.Context
		gen  uint64
		sess *Session
		conn Conn
	}

	pageResult struct {
		gen  uint64
		page []model.Message
		err  error
	}
)

type nopListener struct{}

func (nopListener) OnView(View)     {}
func (nopListener) OnWarning(error) {}

func NewChannel(opts Options) *Channel {
	if opts.Listener == nil {
		opts.Listener = nopListener{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = history.DefaultPageSize
	}
	alive := make(chan struct{})
	close(alive)
	return &Channel{
		opts:    opts,
		cmds:    make(chan command),
		results: make(chan pageResult, 1),
		alive:   alive,
	}
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug("channel state", zap.String("room", c.opts.RoomID),
			zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Run connects, joins the room and processes events until ctx is canceled
// (leaving the room, returns nil), the connection drops (ErrDisconnected)
// or we are kicked (ErrKicked). Every Run starts a fresh session.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(StateConnecting)
	conn, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	defer conn.Close()

	sess := NewSession(c.opts.RoomID, c.opts.UserID, c.opts.Identity, c.opts.Fetcher, c.opts.PageSize)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	alive := make(chan struct{})
	c.alive = alive
	c.mu.Unlock()
	defer close(alive)

	c.setState(StateJoined)
	join, err := model.NewEnvelope(model.EventJoinRoom, model.JoinRoom{RoomID: c.opts.RoomID})
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if err := conn.Emit(ctx, join); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	log.Info("joined room", zap.String("room", c.opts.RoomID), zap.String("user", c.opts.UserID))
	c.publish(sess)

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			c.teardown(StateDisconnected)
			return nil

		case env, ok := <-events:
			if !ok {
				c.teardown(StateDisconnected)
				return ErrDisconnected
			}
			ev, err := DecodeEvent(env)
			if err != nil {
				log.Warn("dropping event", zap.String("event", env.Event), zap.Error(err))
				continue
			}

			out := sess.Apply(ev)
			for _, w := range out.Warnings {
				log.Warn("room event", zap.String("room", c.opts.RoomID), zap.Error(w))
				c.opts.Listener.OnWarning(w)
			}
			if out.Kicked {
				log.Info("kicked from room", zap.String("room", c.opts.RoomID))
				conn.Close()
				c.teardown(StateKicked)
				c.opts.Listener.OnWarning(ErrKicked)
				return ErrKicked
			}
			if out.FetchInitial && sess.Pager().StartInitial() {
				c.fetch(ctx, gen, sess.Pager(), 0)
				out.Changed = true
			}
			if out.Changed {
				c.publish(sess)
			}

		case res := <-c.results:
			if res.gen != gen {
				log.Debug("dropping stale page", zap.Uint64("gen", res.gen))
				continue
			}
			added, err := sess.Pager().Complete(res.page, res.err, sess.Ring())
			if err != nil {
				c.opts.Listener.OnWarning(err)
			}
			log.Debug("page merged", zap.Int("added", added), zap.Bool("more", sess.Pager().HasMore()))
			c.publish(sess)

		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn(&loop{ctx: ctx, gen: gen, sess: sess, conn: conn})
		}
	}
}

// teardown discards the session. Pending fetch goroutines see ctx canceled
// and their completions are dropped by generation.
func (c *Channel) teardown(final State) {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	c.setState(final)
	c.opts.Listener.OnView(View{RoomID: c.opts.RoomID, State: final})
}

func (c *Channel) publish(sess *Session) {
	c.opts.Listener.OnView(sess.View(c.State()))
}

func (c *Channel) fetch(ctx context.Context, gen uint64, pager *history.Pager, skip int) {
	go func() {
		page, err := pager.FetchPage(ctx, skip, 0)
		select {
		case c.results <- pageResult{gen: gen, page: page, err: err}:
		case <-ctx.Done():
		}
	}()
}

// do runs fn on the channel goroutine.
func (c *Channel) do(ctx context.Context, fn func(l *loop) error) error {
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case c.cmds <- command{fn: fn, reply: reply}:
	case <-alive:
		return ErrNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encrypts text under the current room key and emits it. The message
// is not shown until the relay echoes it back.
func (c *Channel) Send(ctx context.Context, text string) error {
	return c.do(ctx, func(l *loop) error {
		out, err := l.sess.Seal(text)
		if err != nil {
			return err
		}
		env, err := model.NewEnvelope(model.EventChatMessage, out)
		if err != nil {
			return err
		}
		return l.conn.Emit(ctx, env)
	})
}

// Backfill requests the next older page. It reports false when a fetch is
// already in flight or history is exhausted.
func (c *Channel) Backfill(ctx context.Context) (bool, error) {
	var started bool
	err := c.do(ctx, func(l *loop) error {
		skip, ok := l.sess.Pager().StartBackfill()
		if !ok {
			return nil
		}
		// The fetch belongs to the session, not to the caller's request.
		c.fetch(l.ctx, l.gen, l.sess.Pager(), skip)
		started = true
		c.publish(l.sess)
		return nil
	})
	return started, err
}

// CurrentVersion reports the key version new messages would use.
func (c *Channel) CurrentVersion(ctx context.Context) (version int, ok bool, err error) {
	err = c.do(ctx, func(l *loop) error {
		version, ok = l.sess.Ring().CurrentVersion()
		return nil
	})
	return version, ok, err
}

// Snapshot returns the current view of the session.
func (c *Channel) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func(l *loop) error {
		v = l.sess.View(c.State())
		return nil
	})
	return v, err
}
