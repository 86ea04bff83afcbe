// Package coordinator wires the connectivity monitor to the sync
// processor and the authentication cache.
//
// A settled transition to online triggers a session refresh followed by
// a queue drain; a transition to offline only flips the advisory
// offline flag; queue items stay pending, nothing is destroyed. The
// coordinator is the only component permitted to initiate a drain,
// apart from an explicit manual retry, and it holds the single-flight
// flag that keeps two drains from ever overlapping.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/terracadastre/fieldsync/internal/auth"
	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
	"github.com/terracadastre/fieldsync/internal/syncer"
)

// ErrDrainInProgress is returned when a drain is requested while one is
// already running. The running drain covers the request; this is not a
// failure.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrAuthRequired is returned when a drain is refused because the
// session expired and the user has not re-authenticated.
var ErrAuthRequired = errors.New("re-authentication required")

// Coordinator owns mode-dependent dispatch. Every other component is
// mode-agnostic and receives the current mode as an explicit input.
type Coordinator struct {
	monitor   *connectivity.Monitor
	authCache *auth.Cache
	processor *syncer.Processor
	store     *store.Store
	logger    *log.Logger

	draining     atomic.Bool
	authRequired atomic.Bool

	// OnEvent, when set, receives coordinator-level notifications
	// (mode changes, drain completion, forced re-authentication).
	OnEvent func(event string)
}

// New creates a Coordinator.
//
// If logger is nil, a default logger writing to stderr is used.
func New(monitor *connectivity.Monitor, authCache *auth.Cache, processor *syncer.Processor, st *store.Store, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		monitor:   monitor,
		authCache: authCache,
		processor: processor,
		store:     st,
		logger:    logger,
	}
}

// Run subscribes to connectivity transitions and reacts until the
// context is cancelled. Blocks; run it on its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	transitions := c.monitor.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case mode, ok := <-transitions:
			if !ok {
				return
			}
			c.handleTransition(ctx, mode)
		}
	}
}

// handleTransition reacts to one settled connectivity change.
func (c *Coordinator) handleTransition(ctx context.Context, mode connectivity.Mode) {
	c.logger.Printf("Connectivity: %s", mode)
	c.notify("mode:" + mode.String())

	switch mode {
	case connectivity.Online:
		c.onOnline(ctx)
	case connectivity.Offline:
		// No destructive action: pending items stay pending
		c.authCache.SetOfflineMode(true)
	}
}

// onOnline refreshes the session and, unless the session expired,
// drains the queue.
func (c *Coordinator) onOnline(ctx context.Context) {
	err := c.authCache.SyncWithServer(ctx)
	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		// Forced re-authentication: surface and stop. No automatic
		// retry of authentication is permitted.
		c.authRequired.Store(true)
		c.logger.Println("Session expired: re-authentication required, drain withheld")
		c.notify("auth_required")
		return

	case errors.Is(err, auth.ErrNoSession):
		c.logger.Println("No cached session: drain withheld until login")
		c.notify("auth_required")
		return

	case err != nil:
		// Transient validation trouble; the cached session stands and
		// the next transition retries
		c.logger.Printf("Warning: session refresh failed: %v", err)
		return
	}

	c.authCache.SetOfflineMode(false)
	c.authRequired.Store(false)

	if _, err := c.TriggerDrain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		c.logger.Printf("Warning: drain failed: %v", err)
	}
}

// TriggerDrain runs one drain pass if none is running.
//
// Re-entrant calls while a drain is active are no-ops returning
// ErrDrainInProgress. A drain is refused with ErrAuthRequired after an
// authentication expiry until a login or session refresh succeeds.
func (c *Coordinator) TriggerDrain(ctx context.Context) (*syncer.DrainResult, error) {
	if c.authRequired.Load() {
		return nil, ErrAuthRequired
	}
	if !c.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	result, err := c.processor.Drain(ctx, c.monitor.Current)
	if errors.Is(err, remote.ErrAuthExpired) {
		c.authRequired.Store(true)
		c.notify("auth_required")
		return result, err
	}
	if err != nil {
		return result, err
	}

	c.notify("drain_complete")
	return result, nil
}

// Draining reports whether a drain pass is currently running.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// AuthRequired reports whether the UI must force a re-login before any
// further sync activity.
func (c *Coordinator) AuthRequired() bool {
	return c.authRequired.Load()
}

// NotifyAuthenticated clears the forced re-authentication state after a
// successful login.
func (c *Coordinator) NotifyAuthenticated() {
	c.authRequired.Store(false)
}

// NotifyAuthExpired arms the forced re-authentication state from outside
// the coordinator's own refresh and drain paths. The startup bootstrap
// uses this when it clears an expired session before the first drain.
func (c *Coordinator) NotifyAuthExpired() {
	c.authRequired.Store(true)
	c.notify("auth_required")
}

// RetryFailedItem is the manual entry point for one failed queue item:
// the item returns to pending with its attempt count preserved and,
// when online, a drain is kicked off immediately.
func (c *Coordinator) RetryFailedItem(ctx context.Context, id string) error {
	item, err := c.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != schema.QueueFailed {
		return fmt.Errorf("queue item %s is %s, only failed items can be retried", id, item.Status)
	}

	status := schema.QueuePending
	note := "manual retry"
	if err := c.store.UpdateQueueItem(ctx, id, store.QueuePatch{
		Status: &status,
		Error:  &note,
	}); err != nil {
		return err
	}

	c.logger.Printf("Item %s queued for manual retry", id)

	if c.monitor.Current() == connectivity.Online {
		if _, err := c.TriggerDrain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			return err
		}
	}
	return nil
}

// notify forwards a coordinator event to the hook, if any.
func (c *Coordinator) notify(event string) {
	if c.OnEvent != nil {
		c.OnEvent(event)
	}
}
