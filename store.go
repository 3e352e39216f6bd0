package dispatch

import (
	"context"
	"time"
)

// DefaultHorizon is how far ahead stores look when picking the soonest
// pending action. Rows due further out are ignored until a later fetch;
// the dispatcher's periodic resync guarantees they are picked up once
// they enter the window.
const DefaultHorizon = 28 * 24 * time.Hour

// Store defines the persistence operations needed by the dispatcher.
// Any database can implement this interface.
//
// Implementations must be safe for concurrent use: Insert may be called
// from many goroutines while the run loop fetches and deletes.
type Store interface {
	// FetchSoonest returns the pending action with the smallest
	// TriggerAt within the store's bounded horizon, or nil when none
	// exists. An empty store is not an error.
	FetchSoonest(ctx context.Context) (*Action, error)

	// Insert persists a not-yet-stored action and returns the
	// canonical stored form with its ID assigned.
	Insert(ctx context.Context, a *Action) (*Action, error)

	// Delete removes an action by its store-assigned ID. Deleting an
	// absent ID is a no-op.
	Delete(ctx context.Context, id any) error
}
