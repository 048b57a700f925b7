package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/service/transport"

	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type relay struct {
	t    *testing.T
	srv  *httptest.Server
	repo *memRepo
	s    *HttpServer
}

func newRelay(t *testing.T, opts ...Option) *relay {
	t.Helper()
	var seq atomic.Int64
	repo := newMemRepo()
	base := []Option{
		WithClock(func() time.Time { return epoch.Add(time.Duration(seq.Load()) * time.Second) }),
		WithIDs(func() string { return fmt.Sprintf("m%03d", seq.Add(1)) }),
	}
	s := NewHttpServer(repo, append(base, opts...)...)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &relay{t: t, srv: srv, repo: repo, s: s}
}

func (r *relay) members(roomID string, users ...string) {
	for _, u := range users {
		require.NoError(r.t, r.repo.AddMember(context.Background(), roomID, u))
	}
}

func (r *relay) request(method, path, user string, body any) (int, []byte) {
	r.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(r.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, rd)
	require.NoError(r.t, err)
	if user != "" {
		req.Header.Set(transport.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(r.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(r.t, err)
	return resp.StatusCode, data
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *relay) dial(user string) *peer {
	r.t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws?userId=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(r.t, err)
	r.t.Cleanup(func() { conn.Close() })
	return &peer{t: r.t, conn: conn}
}

func (p *peer) send(event string, payload any) {
	p.t.Helper()
	env, err := model.NewEnvelope(event, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(&env))
}

// next reads until an envelope of the given event arrives.
func (p *peer) next(event string) model.Envelope {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env model.Envelope
		require.NoError(p.t, p.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func (p *peer) presence(want ...string) {
	p.t.Helper()
	for {
		var on model.OnlineUsers
		require.NoError(p.t, p.next(model.EventOnlineUsers).Decode(&on))
		if assert.ObjectsAreEqual(want, on.Users) {
			return
		}
	}
}

func (p *peer) join(roomID string) model.RoomKeys {
	p.t.Helper()
	p.send(model.EventJoinRoom, model.JoinRoom{RoomID: roomID})
	var keys model.RoomKeys
	require.NoError(p.t, p.next(model.EventRoomKeys).Decode(&keys))
	return keys
}

func bundle(version int, users ...string) model.WrappedKeyBundle {
	b := model.WrappedKeyBundle{RoomID: "room-1", Version: version, Keys: map[string][]byte{}}
	for _, u := range users {
		b.Keys[u] = []byte(fmt.Sprintf("%s-v%d", u, version))
	}
	return b
}

func TestPutPublicKey(t *testing.T) {
	r := newRelay(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubKey, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := json.Marshal(pubKey)
	require.NoError(t, err)
	privKey, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	private, err := json.Marshal(privKey)
	require.NoError(t, err)

	status, _ := r.request(http.MethodPut, "/users/alice/publicKey", "bob", pub)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = r.request(http.MethodPut, "/users/alice/publicKey", "alice", private)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = r.request(http.MethodPut, "/users/alice/publicKey", "alice", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = r.request(http.MethodPut, "/users/alice/publicKey", "alice", pub)
	require.Equal(t, http.StatusNoContent, status)

	r.members("room-1", "alice", "bob")
	status, body := r.request(http.MethodGet, "/rooms/room-1/members/keys", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &keys))
	assert.JSONEq(t, string(pub), string(keys["alice"]))
	assert.NotContains(t, keys, "bob")

	status, _ = r.request(http.MethodGet, "/rooms/room-1/members/keys", "eve", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestGetMessagesPaging(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice")
	for i := 0; i < 25; i++ {
		require.NoError(t, r.repo.SaveMessage(context.Background(), model.Message{
			ID: fmt.Sprintf("h%03d", i), RoomID: "room-1", KeyVersion: 1,
			Ciphertext: model.EncodeSealed([]byte{byte(i)}), Nonce: "AAAAAAAAAAAAAAAA", CreatedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}

	page := func(query string) []model.Message {
		status, body := r.request(http.MethodGet, "/rooms/room-1/messages"+query, "alice", nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var out []model.Message
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}

	newest := page("?skip=0&limit=20")
	require.Len(t, newest, 20)
	assert.Equal(t, "h005", newest[0].ID)
	assert.Equal(t, "h024", newest[19].ID)

	older := page("?skip=20&limit=20")
	require.Len(t, older, 5)
	assert.Equal(t, "h000", older[0].ID)

	assert.Empty(t, page("?skip=40&limit=20"))
	assert.Len(t, page(""), 20)

	for _, q := range []string{"?skip=-1", "?limit=0", "?limit=101", "?skip=x"} {
		status, _ := r.request(http.MethodGet, "/rooms/room-1/messages"+q, "alice", nil)
		assert.Equal(t, http.StatusBadRequest, status, q)
	}

	status, _ := r.request(http.MethodGet, "/rooms/room-1/messages", "eve", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = r.request(http.MethodGet, "/rooms/nowhere/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = r.request(http.MethodGet, "/rooms/room-1/messages", "", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAddMember(t *testing.T) {
	r := newRelay(t)

	status, _ := r.request(http.MethodPost, "/rooms/room-1/members/bob", "alice", nil)
	require.Equal(t, http.StatusNoContent, status)
	room, err := r.repo.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, room.Members)

	status, _ = r.request(http.MethodPost, "/rooms/room-1/members/eve", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestJoinRoomDeliversOwnEntries(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")
	require.NoError(t, r.repo.SaveBundle(context.Background(), bundle(1, "alice", "bob")))
	require.NoError(t, r.repo.SaveBundle(context.Background(), bundle(2, "bob")))
	require.NoError(t, r.repo.SaveBundle(context.Background(), bundle(3, "alice", "bob")))

	alice := r.dial("alice")
	keys := alice.join("room-1")
	assert.Equal(t, []model.WrappedKey{
		{Version: 1, WrappedKey: []byte("alice-v1")},
		{Version: 3, WrappedKey: []byte("alice-v3")},
	}, keys.Keys)
	alice.presence("alice")

	bob := r.dial("bob")
	assert.Len(t, bob.join("room-1").Keys, 3)
	alice.presence("alice", "bob")
	bob.presence("alice", "bob")
}

func TestJoinRoomRejected(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice")

	eve := r.dial("eve")
	eve.send(model.EventJoinRoom, model.JoinRoom{RoomID: "room-1"})
	var e model.ErrorEvent
	require.NoError(t, eve.next(model.EventError).Decode(&e))
	assert.Contains(t, e.Message, "not a member")

	eve.send(model.EventJoinRoom, model.JoinRoom{RoomID: "nowhere"})
	require.NoError(t, eve.next(model.EventError).Decode(&e))
	assert.Contains(t, e.Message, "not found")

	eve.send("teleport", nil)
	require.NoError(t, eve.next(model.EventError).Decode(&e))
	assert.Contains(t, e.Message, "unsupported")
}

func TestChatMessageEchoedToRoom(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")

	alice, bob := r.dial("alice"), r.dial("bob")
	alice.join("room-1")
	bob.join("room-1")

	out := model.OutgoingMessage{RoomID: "room-1", Ciphertext: "c2VhbGVk", Nonce: "AAAAAAAAAAAAAAAA", KeyVersion: 4}
	alice.send(model.EventChatMessage, out)

	for _, p := range []*peer{alice, bob} {
		var m model.Message
		require.NoError(t, p.next(model.EventChatMessage).Decode(&m))
		assert.Equal(t, "m001", m.ID)
		assert.Equal(t, "alice", m.SenderID)
		assert.Equal(t, 4, m.KeyVersion)
		assert.Equal(t, "c2VhbGVk", m.Ciphertext)
		assert.False(t, m.CreatedAt.IsZero())
	}

	stored := r.repo.Messages("room-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "m001", stored[0].ID)
}

func TestChatMessageRequiresJoin(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice")
	r.members("room-2", "alice")

	alice := r.dial("alice")
	msg := model.OutgoingMessage{RoomID: "room-1", Ciphertext: "eA==", Nonce: "bg==", KeyVersion: 1}
	alice.send(model.EventChatMessage, msg)
	alice.next(model.EventError)

	alice.join("room-2")
	alice.send(model.EventChatMessage, msg)
	alice.next(model.EventError)

	alice.join("room-1")
	alice.send(model.EventChatMessage, model.OutgoingMessage{RoomID: "room-1", KeyVersion: 1})
	alice.next(model.EventError)
	assert.Empty(t, r.repo.Messages("room-1"))
}

func TestPostBundleFansOut(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob", "carol")
	status, _ := r.request(http.MethodPost, "/rooms/room-1/keys", "alice", bundle(1, "alice", "bob", "carol"))
	require.Equal(t, http.StatusCreated, status)

	alice, bob := r.dial("alice"), r.dial("bob")
	alice.join("room-1")
	bob.join("room-1")

	status, _ = r.request(http.MethodPost, "/rooms/room-1/keys", "alice", bundle(2, "alice", "bob", "carol"))
	require.Equal(t, http.StatusCreated, status)

	for _, p := range []struct {
		peer *peer
		user string
	}{{alice, "alice"}, {bob, "bob"}} {
		var rot model.KeyRotation
		require.NoError(t, p.peer.next(model.EventRoomKeyUpdated).Decode(&rot))
		assert.Equal(t, 2, rot.NewKeyVersion)
		assert.Equal(t, []byte(p.user+"-v2"), rot.WrappedKey)
	}

	room, err := r.repo.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, room.CurrentKeyVersion)
}

func TestRotationDuringJoinReachesJoiner(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")
	require.NoError(t, r.repo.SaveBundle(context.Background(), bundle(1, "alice", "bob")))

	// Version 2 lands after bob's bundle snapshot is taken but before his
	// roomKeys reply goes out.
	posted := make(chan int, 1)
	r.repo.mu.Lock()
	r.repo.afterBundles = func() {
		data, _ := json.Marshal(bundle(2, "alice", "bob"))
		req, _ := http.NewRequest(http.MethodPost, r.srv.URL+"/rooms/room-1/keys", bytes.NewReader(data))
		req.Header.Set(transport.UserHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			posted <- 0
			return
		}
		resp.Body.Close()
		posted <- resp.StatusCode
	}
	r.repo.mu.Unlock()

	bob := r.dial("bob")
	bob.send(model.EventJoinRoom, model.JoinRoom{RoomID: "room-1"})

	versions := map[int]bool{}
	bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env model.Envelope
		require.NoError(t, bob.conn.ReadJSON(&env))
		if env.Event == model.EventRoomKeyUpdated {
			var rot model.KeyRotation
			require.NoError(t, env.Decode(&rot))
			versions[rot.NewKeyVersion] = true
		}
		if env.Event == model.EventRoomKeys {
			var keys model.RoomKeys
			require.NoError(t, env.Decode(&keys))
			for _, k := range keys.Keys {
				versions[k.Version] = true
			}
			break
		}
	}
	assert.Equal(t, http.StatusCreated, <-posted)
	assert.Equal(t, map[int]bool{1: true, 2: true}, versions)
}

func TestPostBundleRejected(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")
	require.NoError(t, r.repo.SaveBundle(context.Background(), bundle(3, "alice", "bob")))

	cases := map[string]struct {
		user   string
		bundle model.WrappedKeyBundle
		status int
	}{
		"stale version":  {"alice", bundle(3, "alice"), http.StatusBadRequest},
		"older version":  {"alice", bundle(1, "alice"), http.StatusBadRequest},
		"non member":     {"alice", bundle(4, "alice", "eve"), http.StatusBadRequest},
		"no recipients":  {"alice", bundle(4), http.StatusBadRequest},
		"other room":     {"alice", model.WrappedKeyBundle{RoomID: "room-2", Version: 4, Keys: map[string][]byte{"alice": {1}}}, http.StatusBadRequest},
		"caller outside": {"eve", bundle(4, "alice"), http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			status, _ := r.request(http.MethodPost, "/rooms/room-1/keys", tc.user, tc.bundle)
			assert.Equal(t, tc.status, status)
		})
	}
}

func TestKick(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")

	alice, bob := r.dial("alice"), r.dial("bob")
	alice.join("room-1")
	bob.join("room-1")
	alice.presence("alice", "bob")

	status, _ := r.request(http.MethodPost, "/rooms/room-1/kick/bob", "alice", nil)
	require.Equal(t, http.StatusNoContent, status)

	var kicked model.YouAreKicked
	require.NoError(t, bob.next(model.EventYouAreKicked).Decode(&kicked))
	assert.Equal(t, "room-1", kicked.RoomID)
	alice.presence("alice")

	bob.send(model.EventChatMessage, model.OutgoingMessage{RoomID: "room-1", Ciphertext: "eA==", Nonce: "bg=="})
	bob.next(model.EventError)

	bob.send(model.EventJoinRoom, model.JoinRoom{RoomID: "room-1"})
	bob.next(model.EventError)

	status, _ = r.request(http.MethodPost, "/rooms/room-1/kick/bob", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDisconnectUpdatesPresence(t *testing.T) {
	r := newRelay(t)
	r.members("room-1", "alice", "bob")
	alice, bob := r.dial("alice"), r.dial("bob")
	alice.join("room-1")
	bob.join("room-1")
	alice.presence("alice", "bob")

	bob.conn.Close()
	alice.presence("alice")
}

func TestDuplicateConnection(t *testing.T) {
	r := newRelay(t)
	r.dial("alice")

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws?userId=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRelay(t, WithMetrics(true))
	r.members("room-1", "alice")
	r.dial("alice").join("room-1")

	status, body := r.request(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "e2e_chat_room_joins_total 1")
	assert.Contains(t, string(body), "e2e_chat_connections 1")

	off := newRelay(t)
	status, _ = off.request(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
