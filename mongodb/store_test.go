package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/howaitoreivun/dispatch"
)

func testCollection(t *testing.T) *mongo.Collection {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}

	collection := client.Database("dispatch_test").Collection("actions")
	collection.DeleteMany(ctx, bson.M{})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		collection.DeleteMany(ctx, bson.M{})
		client.Disconnect(ctx)
	})
	return collection
}

func TestNewStore(t *testing.T) {
	t.Run("requires collection", func(t *testing.T) {
		_, err := NewStore(Config{})
		if err == nil {
			t.Error("expected error when collection is nil")
		}
	})
}

func TestStoreRoundTrip(t *testing.T) {
	collection := testCollection(t)
	ctx := context.Background()

	store, err := NewStore(Config{Collection: collection})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("failed to ensure indexes: %v", err)
	}

	action, err := dispatch.NewAction(dispatch.KindReminder, "author", "channel", "message",
		time.Now().Add(2*time.Hour), dispatch.ReminderExtra{Content: "water the plants"})
	if err != nil {
		t.Fatalf("failed to build action: %v", err)
	}

	stored, err := store.Insert(ctx, action)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if stored.ID == nil {
		t.Fatal("stored action should carry an ObjectID")
	}
	if action.ID != nil {
		t.Error("insert must not mutate the input action")
	}

	fetched, err := store.FetchSoonest(ctx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected the inserted action")
	}
	if fetched.ID != stored.ID {
		t.Errorf("fetched ID %v, want %v", fetched.ID, stored.ID)
	}
	if fetched.Kind != dispatch.KindReminder {
		t.Errorf("fetched kind %v, want KindReminder", fetched.Kind)
	}
	extra, ok := fetched.Extra.(dispatch.ReminderExtra)
	if !ok {
		t.Fatalf("expected ReminderExtra, got %T", fetched.Extra)
	}
	if extra.Content != "water the plants" {
		t.Errorf("unexpected content: %q", extra.Content)
	}

	if err := store.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	fetched, err = store.FetchSoonest(ctx)
	if err != nil {
		t.Fatalf("fetch after delete failed: %v", err)
	}
	if fetched != nil {
		t.Errorf("store should be empty, got %+v", fetched)
	}

	// Deleting an absent document is a no-op
	if err := store.Delete(ctx, stored.ID); err != nil {
		t.Errorf("repeated delete should be a no-op, got %v", err)
	}
}

func TestStoreOrderingAndHorizon(t *testing.T) {
	collection := testCollection(t)
	ctx := context.Background()

	store, err := NewStore(Config{Collection: collection, Horizon: 24 * time.Hour})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	insert := func(messageID string, triggerAt time.Time) {
		t.Helper()
		a, err := dispatch.NewAction(dispatch.KindInfraction, "author", "channel", messageID,
			triggerAt, dispatch.InfractionExtra{TargetID: "42", Reason: "spam"})
		if err != nil {
			t.Fatalf("failed to build action: %v", err)
		}
		if _, err := store.Insert(ctx, a); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	insert("later", time.Now().Add(6*time.Hour))
	insert("sooner", time.Now().Add(2*time.Hour))
	insert("beyond-horizon", time.Now().Add(48*time.Hour))

	fetched, err := store.FetchSoonest(ctx)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fetched == nil || fetched.MessageID != "sooner" {
		t.Fatalf("expected the soonest row, got %+v", fetched)
	}
}
