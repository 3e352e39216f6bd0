package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestResyncSpecs(t *testing.T) {
	t.Run("accepts descriptors", func(t *testing.T) {
		for _, spec := range []string{"@daily", "@hourly", "@every 6h"} {
			_, err := New(Config{
				Store:      NewMockStore(),
				Notifier:   NewRecordingNotifier(),
				ResyncSpec: spec,
			})
			if err != nil {
				t.Errorf("spec %q: unexpected error: %v", spec, err)
			}
		}
	})

	t.Run("accepts six-field expressions", func(t *testing.T) {
		_, err := New(Config{
			Store:      NewMockStore(),
			Notifier:   NewRecordingNotifier(),
			ResyncSpec: "0 0 */6 * * *",
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("rejects five-field expressions", func(t *testing.T) {
		_, err := New(Config{
			Store:      NewMockStore(),
			Notifier:   NewRecordingNotifier(),
			ResyncSpec: "0 0 * * *",
		})
		if err == nil {
			t.Error("expected error for five-field expression")
		}
	})
}

// TestResyncPullsRowsIntoHorizon parks the run loop on a store whose
// horizon excludes the only pending row, then relies on the periodic
// resync to re-fetch once the row drifts into the window.
func TestResyncPullsRowsIntoHorizon(t *testing.T) {
	store := NewMockStore()
	store.horizon = 1 * time.Second

	notifier := NewRecordingNotifier()

	// Outside the 1s fetch horizon at start
	store.AddAction(testAction(t, "far", time.Now().Add(1500*time.Millisecond)))

	d, err := New(Config{
		Store:          store,
		Notifier:       notifier,
		FastPathWindow: 10 * time.Millisecond,
		ResyncSpec:     "* * * * * *", // every second
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(stopCtx)
	}()

	// The first fetch sees nothing and the loop parks on the
	// condition. Only the resync can wake it.
	time.Sleep(100 * time.Millisecond)
	if d.Active() != nil {
		t.Fatal("row outside the horizon should not be active yet")
	}

	fired := notifier.WaitFor(t, 5*time.Second)
	if fired.MessageID != "far" {
		t.Errorf("unexpected action fired: %q", fired.MessageID)
	}
}
