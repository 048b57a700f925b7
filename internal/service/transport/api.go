// Package transport talks to the relay: plain HTTP for history and key
// material, a websocket for real-time events.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/history"
	"e2e_room_chat/internal/model"
)

// UserHeader names the caller on HTTP requests to the relay.
const UserHeader = "X-User-ID"

type (
	// API is the relay's HTTP surface.
	API struct {
		base   *url.URL
		userID string
		client *http.Client
	}
)

var _ history.Fetcher = (*API)(nil)

func NewAPI(serverURL, userID string, timeout time.Duration) (*API, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, appErrors.InvalidArg("bad server url: " + err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, appErrors.InvalidArg("server url must be http or https")
	}
	return &API{
		base:   u,
		userID: userID,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (a *API) endpoint(query url.Values, segments ...string) string {
	u := *a.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// FetchMessages returns up to limit messages ending skip messages back from
// the newest one.
func (a *API) FetchMessages(ctx context.Context, roomID string, skip, limit int) ([]model.Message, error) {
	q := url.Values{
		"skip":  []string{strconv.Itoa(skip)},
		"limit": []string{strconv.Itoa(limit)},
	}
	var page []model.Message
	if err := a.do(ctx, http.MethodGet, a.endpoint(q, "rooms", roomID, "messages"), nil, &page); err != nil {
		return nil, err
	}
	return page, nil
}

// PutPublicKey publishes this device's public JWK.
func (a *API) PutPublicKey(ctx context.Context, jwk []byte) error {
	return a.do(ctx, http.MethodPut, a.endpoint(nil, "users", a.userID, "publicKey"), json.RawMessage(jwk), nil)
}

// MemberKeys returns the published public JWK of every room member.
func (a *API) MemberKeys(ctx context.Context, roomID string) (map[string]json.RawMessage, error) {
	keys := map[string]json.RawMessage{}
	if err := a.do(ctx, http.MethodGet, a.endpoint(nil, "rooms", roomID, "members", "keys"), nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (a *API) AddMember(ctx context.Context, roomID, userID string) error {
	return a.do(ctx, http.MethodPost, a.endpoint(nil, "rooms", roomID, "members", userID), nil, nil)
}

// PostBundle uploads a new key version. The relay rejects versions at or
// below the room's current one.
func (a *API) PostBundle(ctx context.Context, bundle model.WrappedKeyBundle) error {
	return a.do(ctx, http.MethodPost, a.endpoint(nil, "rooms", bundle.RoomID, "keys"), bundle, nil)
}

func (a *API) Kick(ctx context.Context, roomID, userID string) error {
	return a.do(ctx, http.MethodPost, a.endpoint(nil, "rooms", roomID, "kick", userID), nil, nil)
}

func (a *API) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set(UserHeader, a.userID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeUnavailable, method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		text = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict:
		return appErrors.InvalidArg(text)
	case http.StatusNotFound:
		return appErrors.NotFound(text)
	case http.StatusForbidden, http.StatusUnauthorized:
		return appErrors.Forbidden(text)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return appErrors.Unavailable(text)
	}
	return appErrors.Internal(text)
}
