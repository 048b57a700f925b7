package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"slices"
	"sync"
	"testing"
	"time"

	"e2e_room_chat/internal/cryptographic/wrap"
	"e2e_room_chat/internal/keyring"
	"e2e_room_chat/internal/live"
	"e2e_room_chat/internal/service/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type device struct {
	priv *rsa.PrivateKey
}

func (d device) Unwrap(wrapped []byte) ([]byte, error) { return wrap.UnwrapKey(d.priv, wrapped) }

type viewLog struct {
	mu   sync.Mutex
	last live.View
}

func (l *viewLog) OnView(v live.View) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = v
}

func (l *viewLog) OnWarning(error) {}

func (l *viewLog) contents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.last.Messages))
	for i, m := range l.last.Messages {
		out[i] = m.Content
	}
	return out
}

func (l *viewLog) version() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last.KeyVersion
}

type member struct {
	api  *transport.API
	ch   *live.Channel
	view *viewLog
	done chan error
}

func join(t *testing.T, r *relay, user string, dev device) *member {
	t.Helper()
	api, err := transport.NewAPI(r.srv.URL, user, time.Second)
	require.NoError(t, err)
	dialer, err := transport.NewWSDialer(r.srv.URL, user)
	require.NoError(t, err)

	m := &member{api: api, view: &viewLog{}, done: make(chan error, 1)}
	m.ch = live.NewChannel(live.Options{
		RoomID:   "room-1",
		UserID:   user,
		Dialer:   dialer,
		Identity: dev,
		Fetcher:  api,
		Listener: m.view,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { m.done <- m.ch.Run(ctx) }()
	require.Eventually(t, func() bool { return m.ch.State() == live.StateJoined }, 2*time.Second, 5*time.Millisecond)
	return m
}

func TestRelayEndToEnd(t *testing.T) {
	alice := device{}
	bob := device{}
	var err error
	alice.priv, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	bob.priv, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	r := newRelay(t)
	r.members("room-1", "alice", "bob")
	recipients := map[string]*rsa.PublicKey{"alice": &alice.priv.PublicKey, "bob": &bob.priv.PublicKey}

	a := join(t, r, "alice", alice)
	b1, err := keyring.Issue("room-1", 1, recipients)
	require.NoError(t, err)
	require.NoError(t, a.api.PostBundle(context.Background(), b1))

	b := join(t, r, "bob", bob)
	require.Eventually(t, func() bool { return a.view.version() == 1 && b.view.version() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.ch.Send(context.Background(), "hello bob"))
	require.Eventually(t, func() bool {
		return slices.Equal(b.view.contents(), []string{"hello bob"})
	}, 2*time.Second, 5*time.Millisecond)

	b2, err := keyring.Issue("room-1", 2, recipients)
	require.NoError(t, err)
	require.NoError(t, b.api.PostBundle(context.Background(), b2))
	require.Eventually(t, func() bool { return a.view.version() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.ch.Send(context.Background(), "after rotation"))
	require.Eventually(t, func() bool {
		return slices.Equal(b.view.contents(), []string{"hello bob", "after rotation"})
	}, 2*time.Second, 5*time.Millisecond)

	stored := r.repo.Messages("room-1")
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[0].KeyVersion)
	assert.Equal(t, 2, stored[1].KeyVersion)
	assert.NotContains(t, string(stored[1].Ciphertext), "after rotation")

	require.NoError(t, a.api.Kick(context.Background(), "room-1", "bob"))
	select {
	case err := <-b.done:
		assert.ErrorIs(t, err, live.ErrKicked)
	case <-time.After(2 * time.Second):
		t.Fatal("bob was not kicked")
	}
	assert.Equal(t, live.StateKicked, b.ch.State())
	assert.Empty(t, b.view.contents())
}
