// Package room is the relay's mongo store: rooms and their members, the
// users' published keys, wrapped key bundles and encrypted messages.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/model"
	"e2e_room_chat/internal/utils/log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type (
	RoomRepo struct {
		rooms    *mongo.Collection
		users    *mongo.Collection
		bundles  *mongo.Collection
		messages *mongo.Collection
	}

	bundleDoc struct {
		RoomID  string            `bson:"room_id"`
		Version int               `bson:"version"`
		Keys    map[string][]byte `bson:"keys"`
	}
)

func NewRoomRepo(db *mongo.Database) *RoomRepo {
	return &RoomRepo{
		rooms:    db.Collection("rooms"),
		users:    db.Collection("users"),
		bundles:  db.Collection("bundles"),
		messages: db.Collection("messages"),
	}
}

// EnsureIndexes creates the indexes the history and bundle queries rely on.
func (r *RoomRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = r.bundles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	err := r.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, appErrors.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AddMember creates the room on first use.
func (r *RoomRepo) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := r.rooms.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{
			"$addToSet":    bson.M{"members": userID},
			"$setOnInsert": bson.M{"current_key_version": 0, "keyed": false},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *RoomRepo) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := r.rooms.UpdateOne(ctx, bson.M{"_id": roomID}, bson.M{"$pull": bson.M{"members": userID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return appErrors.ErrRoomNotFound
	}
	return nil
}

func (r *RoomRepo) PutPublicKey(ctx context.Context, userID string, jwk json.RawMessage) error {
	_, err := r.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"public_key": []byte(jwk)}},
		options.Update().SetUpsert(true),
	)
	return err
}

// PublicKeys returns the published key of each listed user that has one.
func (r *RoomRepo) PublicKeys(ctx context.Context, userIDs []string) (map[string]json.RawMessage, error) {
	cur, err := r.users.Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, err
	}
	var users []model.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(users))
	for _, u := range users {
		out[u.ID] = u.PublicKey
	}
	return out, nil
}

var errStaleVersion = appErrors.InvalidArg("key version is not above the room's current version")

// SaveBundle records a new key version. The version must be above the
// room's current one unless the room has never been keyed.
//
// The bundle is inserted before the room is advanced: the unique
// (room_id, version) index decides between concurrent rotations, and a room
// never names a version whose bundle is missing.
func (r *RoomRepo) SaveBundle(ctx context.Context, b model.WrappedKeyBundle) error {
	_, err := r.bundles.InsertOne(ctx, bundleDoc{RoomID: b.RoomID, Version: b.Version, Keys: b.Keys})
	if mongo.IsDuplicateKeyError(err) {
		return errStaleVersion
	}
	if err != nil {
		return err
	}

	filter := bson.M{
		"_id": b.RoomID,
		"$or": bson.A{
			bson.M{"keyed": false},
			bson.M{"current_key_version": bson.M{"$lt": b.Version}},
		},
	}
	res, err := r.rooms.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"current_key_version": b.Version, "keyed": true}})
	if err == nil && res.MatchedCount > 0 {
		return nil
	}

	_, derr := r.bundles.DeleteOne(context.WithoutCancel(ctx), bson.M{"room_id": b.RoomID, "version": b.Version})
	if derr != nil {
		log.Error("orphaned key bundle", zap.String("room", b.RoomID), zap.Int("version", b.Version), zap.Error(derr))
	}
	if err != nil {
		return err
	}
	if _, err := r.GetRoom(ctx, b.RoomID); err != nil {
		return err
	}
	return errStaleVersion
}

// Bundles returns every key version of the room, oldest first.
func (r *RoomRepo) Bundles(ctx context.Context, roomID string) ([]model.WrappedKeyBundle, error) {
	cur, err := r.bundles.Find(ctx, bson.M{"room_id": roomID}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []bundleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.WrappedKeyBundle, len(docs))
	for i, d := range docs {
		out[i] = model.WrappedKeyBundle{RoomID: d.RoomID, Version: d.Version, Keys: d.Keys}
	}
	return out, nil
}

func (r *RoomRepo) SaveMessage(ctx context.Context, m model.Message) error {
	_, err := r.messages.InsertOne(ctx, m)
	return err
}

// ListMessages returns up to limit messages ending skip messages back from
// the newest one, oldest first.
func (r *RoomRepo) ListMessages(ctx context.Context, roomID string, skip, limit int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))
	cur, err := r.messages.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, err
	}
	var page []model.Message
	if err := cur.All(ctx, &page); err != nil {
		return nil, err
	}
	slices.Reverse(page)
	return page, nil
}
