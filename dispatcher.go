package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotRunning is returned by CreateAction before Start or after Stop.
	ErrNotRunning = errors.New("dispatcher is not running")

	// ErrAlreadyPersisted is returned when CreateAction receives an
	// action that already carries a store ID.
	ErrAlreadyPersisted = errors.New("action already has a store ID")
)

// Config holds the configuration for a Dispatcher.
type Config struct {
	// Store is the required persistence layer for pending actions.
	Store Store

	// Notifier is the required sink for fired actions.
	Notifier Notifier

	// OnError is called when an error occurs inside the run loop
	// (failed fetch, failed delete after firing). Optional.
	OnError func(ctx context.Context, err error)

	// Logger receives structured run-loop events. Defaults to a no-op
	// logger.
	Logger *zerolog.Logger

	// FastPathWindow is the horizon under which a created action skips
	// persistence and fires from a dedicated one-off timer.
	// Default: 60 seconds.
	FastPathWindow time.Duration

	// FetchBackoff is how long the run loop waits before retrying a
	// failed fetch. Default: 5 seconds.
	FetchBackoff time.Duration

	// ResyncSpec is a cron expression (six fields, descriptors allowed)
	// for the periodic reschedule that pulls far-future rows into the
	// store's bounded fetch horizon. Default: "@daily".
	ResyncSpec string
}

// Dispatcher owns the single pending action being waited on and the
// wait/wake/reschedule protocol around it. At most one run-loop instance
// is live at a time; inserting an action that may be due sooner cancels
// the instance and starts a fresh one that re-fetches from the store.
type Dispatcher struct {
	store    Store
	notifier Notifier
	config   Config
	log      zerolog.Logger
	resync   cron.Schedule

	// mu guards active and the run-loop instance bookkeeping. cond
	// shares it and wakes an idle loop on reschedule.
	mu         sync.Mutex
	cond       *sync.Cond
	active     *Action
	instCancel context.CancelFunc

	// Lifecycle management
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Dispatcher with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Dispatcher, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Notifier == nil {
		return nil, errors.New("notifier is required")
	}

	// Set defaults
	if config.FastPathWindow == 0 {
		config.FastPathWindow = 60 * time.Second
	}
	if config.FetchBackoff == 0 {
		config.FetchBackoff = 5 * time.Second
	}
	if config.ResyncSpec == "" {
		config.ResyncSpec = "@daily"
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(config.ResyncSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid resync spec %q: %w", config.ResyncSpec, err)
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	d := &Dispatcher{
		store:    config.Store,
		notifier: config.Notifier,
		config:   config,
		log:      log,
		resync:   schedule,
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start launches the run loop. It's safe to call Start multiple times;
// subsequent calls are no-ops. The dispatcher runs until Stop is called
// or the context is canceled.
func (d *Dispatcher) Start(ctx context.Context) error {
	// Only start once
	if d.running.Swap(true) {
		return nil
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.mu.Lock()
	d.startInstanceLocked()
	d.mu.Unlock()

	d.wg.Add(1)
	go d.resyncLoop(d.ctx)

	return nil
}

// Stop gracefully stops the dispatcher. Any sleeping or idle run-loop
// instance is cancelled; pending fast-path timers are discarded without
// firing. It's safe to call Stop multiple times.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.running.Store(false)
		if d.cancel != nil {
			d.cancel()
		}

		// Wake a loop blocked on the condition so it can observe the
		// cancellation and exit.
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Clean shutdown
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// IsRunning returns true if the dispatcher is running.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Active returns the action the run loop is currently waiting on, or nil
// when the store is empty within the fetch horizon.
func (d *Dispatcher) Active() *Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Reschedule cancels the current run-loop instance, starts a fresh one
// and wakes any loop blocked waiting for work. The fresh instance
// re-fetches the true soonest-due action from the store, so calling this
// with no new actions converges to the same active action.
func (d *Dispatcher) Reschedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return
	}

	if d.instCancel != nil {
		d.instCancel()
	}
	d.startInstanceLocked()
	d.cond.Broadcast()
}

// startInstanceLocked spawns a new run-loop instance. Caller holds mu.
func (d *Dispatcher) startInstanceLocked() {
	instCtx, instCancel := context.WithCancel(d.ctx)
	d.instCancel = instCancel

	d.wg.Add(1)
	go d.runLoop(instCtx)
}

// CreateAction is the sole entry point for scheduling a new action.
//
// Actions due within FastPathWindow skip persistence entirely: a one-off
// timer hands them straight to the notifier and the input is returned
// without an ID. Such actions are lost if the process restarts before
// they fire; that risk is accepted for the short window.
//
// All other actions are persisted, and if the stored action is due at or
// before the one currently being waited on, a reschedule is triggered
// asynchronously so the run loop picks it up.
func (d *Dispatcher) CreateAction(ctx context.Context, a *Action) (*Action, error) {
	if !d.running.Load() {
		return nil, ErrNotRunning
	}
	if a == nil {
		return nil, errors.New("action is required")
	}
	if a.ID != nil {
		return nil, ErrAlreadyPersisted
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	delta := time.Until(a.TriggerAt)
	if delta <= d.config.FastPathWindow {
		d.wg.Add(1)
		go d.fireShort(delta, a)
		return a, nil
	}

	stored, err := d.store.Insert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}

	// Restart the run loop, but only if the new action is due at or
	// before the one currently being waited on.
	d.mu.Lock()
	preempts := d.active == nil || !d.active.TriggerAt.Before(stored.TriggerAt)
	d.mu.Unlock()
	if preempts {
		go d.Reschedule()
	}

	return stored, nil
}

// runLoop is one fetch→wait→fire instance. Superseded instances are
// cancelled, not paused: a cancelled instance exits without firing or
// touching the store.
func (d *Dispatcher) runLoop(ctx context.Context) {
	defer d.wg.Done()

	d.mu.Lock()
	for {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return
		}

		a, ok := d.fetchLocked(ctx)
		if !ok {
			d.mu.Unlock()
			return
		}
		d.active = a

		if a != nil {
			d.mu.Unlock()
			d.waitAndFire(ctx, a)
			return
		}

		// Empty store: block until a reschedule signals new work,
		// then re-fetch. The loop never fires on empty state.
		d.cond.Wait()
	}
}

// fetchLocked fetches the soonest-due action, retrying transient store
// errors with a backoff so the loop survives an unavailable store. The
// lock is released while backing off. Returns ok=false when the instance
// was cancelled.
func (d *Dispatcher) fetchLocked(ctx context.Context) (*Action, bool) {
	for {
		a, err := d.store.FetchSoonest(ctx)
		if err == nil {
			return a, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		d.handleError(ctx, fmt.Errorf("fetch soonest action: %w", err))
		d.log.Warn().Err(err).Dur("backoff", d.config.FetchBackoff).Msg("fetch failed, retrying")

		d.mu.Unlock()
		timer := time.NewTimer(d.config.FetchBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			d.mu.Lock()
			return nil, false
		}
		d.mu.Lock()

		if ctx.Err() != nil {
			return nil, false
		}
	}
}

// waitAndFire sleeps until the action is due, fires it, then restarts
// the loop to pick up the next soonest action. A trigger time already in
// the past means zero sleep.
func (d *Dispatcher) waitAndFire(ctx context.Context, a *Action) {
	if delay := time.Until(a.TriggerAt); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	// Claim the action under the lock that serializes instance
	// replacement: a cancellation that raced the timer must win, and a
	// fresh instance must never re-fetch a row that is being fired.
	d.mu.Lock()
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	err := d.store.Delete(ctx, a.ID)
	d.mu.Unlock()

	if err != nil {
		// The action still fires; a re-read row after restart is a
		// duplicate delivery, not a lost one.
		d.handleError(ctx, fmt.Errorf("delete fired action %v: %w", a.ID, err))
	}
	if err := d.notifier.Notify(ctx, a); err != nil {
		d.log.Warn().Err(err).Str("kind", a.RawKind()).Msg("notifier rejected fired action")
	}
	d.log.Debug().Str("kind", a.RawKind()).Time("trigger_at", a.TriggerAt).Msg("action fired")

	d.Reschedule()
}

// fireShort is the short-horizon fast path: sleep out the remaining
// delta and hand the action to the notifier, independent of the run loop
// and the store.
func (d *Dispatcher) fireShort(delay time.Duration, a *Action) {
	defer d.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			return
		}
	}
	if d.ctx.Err() != nil {
		return
	}

	if err := d.notifier.Notify(d.ctx, a); err != nil {
		d.log.Warn().Err(err).Str("kind", a.RawKind()).Msg("notifier rejected fast-path action")
	}
	d.log.Debug().Str("kind", a.RawKind()).Time("trigger_at", a.TriggerAt).Msg("fast-path action fired")
}

// handleError calls the OnError handler if configured.
func (d *Dispatcher) handleError(ctx context.Context, err error) {
	if d.config.OnError != nil {
		d.config.OnError(ctx, err)
	}
}
