// Package mongodb implements dispatch.Store on a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/howaitoreivun/dispatch"
)

// Config holds the configuration for the MongoDB action store.
type Config struct {
	// Collection is the MongoDB collection where actions are stored.
	// Required.
	Collection *mongo.Collection

	// Horizon bounds how far ahead FetchSoonest looks.
	// Default: dispatch.DefaultHorizon (28 days).
	Horizon time.Duration
}

// Store implements dispatch.Store for MongoDB.
type Store struct {
	collection *mongo.Collection
	horizon    time.Duration
}

// actionDoc is the persisted shape of an action. Kind is stored by its
// symbolic name and extra as serialized JSON text, so documents stay
// readable independent of the Go enum values.
type actionDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Kind      string             `bson:"kind"`
	AuthorID  string             `bson:"author_id"`
	ChannelID string             `bson:"channel_id"`
	MessageID string             `bson:"message_id"`
	GuildID   string             `bson:"guild_id,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
	TriggerAt time.Time          `bson:"trigger_at"`
	Extra     string             `bson:"extra"`
}

// NewStore creates a new MongoDB action store with the given
// configuration.
func NewStore(config Config) (*Store, error) {
	if config.Collection == nil {
		return nil, errors.New("collection is required")
	}

	// Set defaults
	if config.Horizon == 0 {
		config.Horizon = dispatch.DefaultHorizon
	}

	return &Store{
		collection: config.Collection,
		horizon:    config.Horizon,
	}, nil
}

// EnsureIndexes creates the trigger-time index FetchSoonest sorts on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "trigger_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("ensure trigger_at index: %w", err)
	}
	return nil
}

// FetchSoonest returns the action with the smallest trigger_at inside
// the horizon, or nil when no document qualifies.
func (s *Store) FetchSoonest(ctx context.Context) (*dispatch.Action, error) {
	filter := bson.M{
		"trigger_at": bson.M{"$lt": time.Now().Add(s.horizon)},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "trigger_at", Value: 1}})

	var doc actionDoc
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// No pending action inside the horizon
			return nil, nil
		}
		return nil, fmt.Errorf("fetch soonest action: %w", err)
	}

	return docToAction(&doc)
}

// Insert persists the action and returns a copy carrying the assigned
// ObjectID.
func (s *Store) Insert(ctx context.Context, a *dispatch.Action) (*dispatch.Action, error) {
	raw, err := a.RawExtra()
	if err != nil {
		return nil, err
	}

	doc := actionDoc{
		Kind:      a.RawKind(),
		AuthorID:  a.AuthorID,
		ChannelID: a.ChannelID,
		MessageID: a.MessageID,
		GuildID:   a.GuildID,
		CreatedAt: a.CreatedAt,
		TriggerAt: a.TriggerAt,
		Extra:     string(raw),
	}

	result, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}

	id, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("unexpected inserted ID type %T", result.InsertedID)
	}

	stored := *a
	stored.ID = id
	return &stored, nil
}

// Delete removes an action by ObjectID. Deleting an absent document is a
// no-op.
func (s *Store) Delete(ctx context.Context, id any) error {
	objectID, ok := id.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected action ID type %T", id)
	}

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": objectID}); err != nil {
		return fmt.Errorf("delete action %s: %w", objectID.Hex(), err)
	}
	return nil
}

// docToAction converts a stored document back into a dispatch.Action.
func docToAction(doc *actionDoc) (*dispatch.Action, error) {
	kind, err := dispatch.ParseKind(doc.Kind)
	if err != nil {
		return nil, err
	}
	extra, err := dispatch.DecodeExtra(kind, []byte(doc.Extra))
	if err != nil {
		return nil, err
	}

	return &dispatch.Action{
		ID:        doc.ID,
		Kind:      kind,
		AuthorID:  doc.AuthorID,
		ChannelID: doc.ChannelID,
		MessageID: doc.MessageID,
		GuildID:   doc.GuildID,
		CreatedAt: doc.CreatedAt,
		TriggerAt: doc.TriggerAt,
		Extra:     extra,
	}, nil
}
