package app

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/identity"
	"e2e_room_chat/internal/keyring"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Room is the joined room as the UI drives it.
	Room interface {
		Send(ctx context.Context, text string) error
		Backfill(ctx context.Context) (bool, error)
		CurrentVersion(ctx context.Context) (int, bool, error)
	}

	// RelayAPI is the part of the relay's HTTP surface the commands use.
	RelayAPI interface {
		MemberKeys(ctx context.Context, roomID string) (map[string]json.RawMessage, error)
		PostBundle(ctx context.Context, bundle model.WrappedKeyBundle) error
		AddMember(ctx context.Context, roomID, userID string) error
		Kick(ctx context.Context, roomID, userID string) error
	}

	// Commands interprets an input line: a slash command or a message.
	Commands struct {
		userID string
		roomID string
		room   Room
		api    RelayAPI
	}
)

var errQuit = errors.New("quit")

const helpText = "/rotate  issue a new room key | /invite <user> | /kick <user> | /quit"

func NewCommands(userID, roomID string, room Room, api RelayAPI) *Commands {
	return &Commands{userID: userID, roomID: roomID, room: room, api: api}
}

// Execute runs line and returns a notice for the status line.
func (c *Commands) Execute(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "/") {
		return "", c.room.Send(ctx, line)
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/rotate":
		return c.rotate(ctx)
	case "/invite":
		if len(args) != 1 {
			return "", appErrors.InvalidArg("usage: /invite <user>")
		}
		if err := c.api.AddMember(ctx, c.roomID, args[0]); err != nil {
			return "", err
		}
		return args[0] + " invited, run /rotate once they have published a key", nil
	case "/kick":
		if len(args) != 1 {
			return "", appErrors.InvalidArg("usage: /kick <user>")
		}
		if args[0] == c.userID {
			return "", appErrors.InvalidArg("cannot kick yourself")
		}
		if err := c.api.Kick(ctx, c.roomID, args[0]); err != nil {
			return "", err
		}
		return args[0] + " removed, run /rotate so they cannot read new messages", nil
	case "/help":
		return helpText, nil
	case "/quit":
		return "", errQuit
	}
	return "", appErrors.InvalidArg("unknown command " + name + ", try /help")
}

// rotate issues the next key version wrapped for every member that has
// published a public key.
func (c *Commands) rotate(ctx context.Context) (string, error) {
	current, keyed, err := c.room.CurrentVersion(ctx)
	if err != nil {
		return "", err
	}
	next := keyring.NextVersion(current, keyed)

	published, err := c.api.MemberKeys(ctx, c.roomID)
	if err != nil {
		return "", err
	}

	recipients := make(map[string]*rsa.PublicKey, len(published))
	var skipped []string
	for userID, record := range published {
		pub, err := identity.ParsePublic(record)
		if err != nil {
			log.Warn("skipping member with unusable key", zap.String("user", userID), zap.Error(err))
			skipped = append(skipped, userID)
			continue
		}
		recipients[userID] = pub
	}
	if _, ok := recipients[c.userID]; !ok {
		return "", appErrors.InvalidArg("your public key is not published in this room")
	}

	bundle, err := keyring.Issue(c.roomID, next, recipients)
	if err != nil {
		return "", err
	}
	if err := c.api.PostBundle(ctx, bundle); err != nil {
		return "", err
	}
	log.Info("room key rotated", zap.String("room", c.roomID), zap.Int("version", next),
		zap.Int("recipients", len(recipients)))

	notice := fmt.Sprintf("room key v%d issued to %d members", next, len(recipients))
	if len(skipped) > 0 {
		slices.Sort(skipped)
		notice += ", skipped " + strings.Join(skipped, ", ")
	}
	return notice, nil
}
