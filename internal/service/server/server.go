// Package server is the reference relay: it stores opaque ciphertext and
// wrapped key bundles and fans real-time events out to joined members.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/history"
	"e2e_room_chat/internal/identity"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/service/transport"
	"e2e_room_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxPageSize  = 100
	maxBodyBytes = 1 << 20
	opTimeout    = 10 * time.Second
)

type (
	HttpServer struct {
		repo    Repository
		hub     *hub
		metrics *metrics

		registry    *prometheus.Registry
		exposeStats bool

		upgrader websocket.Upgrader
		newID    func() string
		now      func() time.Time
	}

	Option func(*HttpServer)
)

// WithMetrics mounts /metrics.
func WithMetrics(enabled bool) Option {
	return func(s *HttpServer) { s.exposeStats = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *HttpServer) { s.now = now }
}

func WithIDs(newID func() string) Option {
	return func(s *HttpServer) { s.newID = newID }
}

func NewHttpServer(repo Repository, opts ...Option) *HttpServer {
	reg := prometheus.NewRegistry()
	s := &HttpServer{
		repo:     repo,
		hub:      newHub(),
		metrics:  newMetrics(reg),
		registry: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/publicKey", s.PutPublicKey()).Methods(http.MethodPut)
	r.HandleFunc("/rooms/{id}/messages", s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/members/keys", s.GetMemberKeys()).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/members/{userId}", s.AddMember()).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/keys", s.PostBundle()).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}/kick/{userId}", s.Kick()).Methods(http.MethodPost)
	if s.exposeStats {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves on addr until ctx is canceled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func caller(r *http.Request) string {
	return r.Header.Get(transport.UserHeader)
}

// membership loads the room and checks userID belongs to it.
func (s *HttpServer) membership(ctx context.Context, roomID, userID string) (*model.Room, error) {
	if userID == "" {
		return nil, appErrors.Forbidden("missing " + transport.UserHeader)
	}
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsMember(userID) {
		return nil, appErrors.ErrNotMember
	}
	return room, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch appErrors.CodeOf(err) {
	case appErrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case appErrors.CodeNotFound:
		status = http.StatusNotFound
	case appErrors.CodePermissionDenied:
		status = http.StatusForbidden
	case appErrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error(op+" failed", zap.Error(err))
		http.Error(w, op+" failed", status)
		return
	}
	log.Debug(op+" rejected", zap.Error(err))
	http.Error(w, err.Error(), status)
}

func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]

		if _, err := s.membership(ctx, roomID, caller(r)); err != nil {
			writeError(w, "get messages", err)
			return
		}

		skip, err := intParam(r, "skip", 0)
		if err != nil || skip < 0 {
			writeError(w, "get messages", appErrors.InvalidArg("skip must be a non-negative integer"))
			return
		}
		limit, err := intParam(r, "limit", history.DefaultPageSize)
		if err != nil || limit <= 0 || limit > maxPageSize {
			writeError(w, "get messages", appErrors.InvalidArg("limit must be between 1 and "+strconv.Itoa(maxPageSize)))
			return
		}

		page, err := s.repo.ListMessages(ctx, roomID, skip, limit)
		if err != nil {
			writeError(w, "get messages", err)
			return
		}
		if page == nil {
			page = []model.Message{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *HttpServer) PutPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]
		if caller(r) != userID {
			writeError(w, "put public key", appErrors.Forbidden("a user may only publish its own key"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, "put public key", appErrors.InvalidArg(err.Error()))
			return
		}
		// Never store a record that carries private material.
		if _, err := identity.ParsePublic(body); err != nil {
			writeError(w, "put public key", appErrors.InvalidArg(err.Error()))
			return
		}

		if err := s.repo.PutPublicKey(r.Context(), userID, body); err != nil {
			writeError(w, "put public key", err)
			return
		}
		log.Info("public key published", zap.String("user", userID))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetMemberKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		room, err := s.membership(ctx, mux.Vars(r)["id"], caller(r))
		if err != nil {
			writeError(w, "get member keys", err)
			return
		}
		keys, err := s.repo.PublicKeys(ctx, room.Members)
		if err != nil {
			writeError(w, "get member keys", err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

// AddMember invites userId. The first invite to an unknown room creates it
// with the caller as its first member.
func (s *HttpServer) AddMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		roomID, userID, by := vars["id"], vars["userId"], caller(r)

		_, err := s.membership(ctx, roomID, by)
		switch {
		case errors.Is(err, appErrors.ErrRoomNotFound) && by != "":
			if err := s.repo.AddMember(ctx, roomID, by); err != nil {
				writeError(w, "add member", err)
				return
			}
			log.Info("room created", zap.String("room", roomID), zap.String("by", by))
		case err != nil:
			writeError(w, "add member", err)
			return
		}

		if err := s.repo.AddMember(ctx, roomID, userID); err != nil {
			writeError(w, "add member", err)
			return
		}
		log.Info("member added", zap.String("room", roomID), zap.String("user", userID), zap.String("by", by))
		w.WriteHeader(http.StatusNoContent)
	}
}

// PostBundle accepts a new key version and sends each joined recipient its
// own wrapped entry.
func (s *HttpServer) PostBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["id"]

		room, err := s.membership(ctx, roomID, caller(r))
		if err != nil {
			writeError(w, "post bundle", err)
			return
		}

		var b model.WrappedKeyBundle
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&b); err != nil {
			writeError(w, "post bundle", appErrors.InvalidArg("bad bundle: "+err.Error()))
			return
		}
		if b.RoomID == "" {
			b.RoomID = roomID
		}
		if err := validateBundle(room, b); err != nil {
			writeError(w, "post bundle", err)
			return
		}

		if err := s.repo.SaveBundle(ctx, b); err != nil {
			writeError(w, "post bundle", err)
			return
		}
		s.metrics.rotations.Inc()
		log.Info("room key rotated", zap.String("room", roomID), zap.Int("version", b.Version),
			zap.Int("recipients", len(b.Keys)))

		for userID, wrapped := range b.Keys {
			if c := s.hub.member(roomID, userID); c != nil {
				c.emit(model.EventRoomKeyUpdated, model.KeyRotation{WrappedKey: wrapped, NewKeyVersion: b.Version})
			}
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func validateBundle(room *model.Room, b model.WrappedKeyBundle) error {
	if b.RoomID != room.ID {
		return appErrors.InvalidArg("bundle room does not match")
	}
	if b.Version < 0 {
		return appErrors.InvalidArg("key version must be non-negative")
	}
	if room.Keyed && b.Version <= room.CurrentKeyVersion {
		return appErrors.InvalidArg("key version is not above the room's current version")
	}
	if len(b.Keys) == 0 {
		return appErrors.InvalidArg("bundle has no recipients")
	}
	for userID, wrapped := range b.Keys {
		if !room.IsMember(userID) {
			return appErrors.InvalidArg("bundle recipient " + userID + " is not a member")
		}
		if len(wrapped) == 0 {
			return appErrors.InvalidArg("empty wrapped key for " + userID)
		}
	}
	return nil
}

func (s *HttpServer) Kick() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		roomID, userID := vars["id"], vars["userId"]

		room, err := s.membership(ctx, roomID, caller(r))
		if err != nil {
			writeError(w, "kick", err)
			return
		}
		if !room.IsMember(userID) {
			writeError(w, "kick", appErrors.NotFound(userID+" is not a member"))
			return
		}

		if err := s.repo.RemoveMember(ctx, roomID, userID); err != nil {
			writeError(w, "kick", err)
			return
		}
		s.metrics.kicks.Inc()
		log.Info("member kicked", zap.String("room", roomID), zap.String("user", userID), zap.String("by", caller(r)))

		if c := s.hub.leave(roomID, userID); c != nil {
			c.emit(model.EventYouAreKicked, model.YouAreKicked{RoomID: roomID})
		}
		s.hub.broadcastPresence(roomID)
		w.WriteHeader(http.StatusNoContent)
	}
}
