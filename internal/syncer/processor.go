// Package syncer drains the pending-mutation queue against the remote
// authority.
//
// One drain is a single ordered pass over every eligible queue item.
// Items are processed strictly in created_at order so that dependent
// mutations on the same entity apply in the order they were created
// locally. The processor has exclusive write access to queue-item
// status, attempts, last_attempt, and error; no other component
// mutates them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
)

// DefaultAttemptCap is how many transient failures an item absorbs
// before it is demoted to failed and surfaced for manual intervention.
const DefaultAttemptCap = 5

// Config holds processor configuration.
type Config struct {
	// AttemptCap demotes items to failed after this many attempts
	// (default: DefaultAttemptCap).
	AttemptCap int

	// Logger for drain activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AttemptCap: DefaultAttemptCap,
		Logger:     log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Processed counts items the drain attempted.
	Processed int
	// Completed counts items accepted by the authority.
	Completed int
	// Failed counts items marked permanently failed.
	Failed int
	// Conflicts counts version conflicts routed to the resolver.
	Conflicts int
	// Requeued counts items left pending for a later drain after a
	// conflict rewrite.
	Requeued int
	// StoppedEarly is set when a transient network failure or a
	// connectivity drop ended the pass with items still untouched.
	StoppedEarly bool
}

// Processor consumes the sync queue in order and records every outcome.
type Processor struct {
	store  *store.Store
	client remote.Client
	config *Config

	// OnEvent, when set, receives a short description of each queue
	// transition. The status server uses it to feed live indicators.
	OnEvent func(event string, itemID string)
}

// New creates a Processor.
//
// The store must be opened and have its schema initialized. If config
// is nil, DefaultConfig is used.
func New(st *store.Store, client remote.Client, config *Config) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AttemptCap <= 0 {
		config.AttemptCap = DefaultAttemptCap
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Processor{
		store:  st,
		client: client,
		config: config,
	}
}

// Drain performs one ordered pass over the eligible queue.
//
// Single-flight is the coordinator's responsibility; Drain itself
// assumes it is the only running pass. The mode callback is consulted
// between items, never mid-call: an in-flight remote call completes or
// times out on its own, but no new item starts once the mode has
// flipped to offline.
//
// A transient network failure stops the remainder of the pass so a
// mid-drain outage doesn't burn through attempts on every waiting
// item. A permanent rejection is local to one mutation and the pass
// continues. remote.ErrAuthExpired aborts the pass with the items left
// pending, untouched.
func (p *Processor) Drain(ctx context.Context, mode func() connectivity.Mode) (*DrainResult, error) {
	result := &DrainResult{}

	items, err := p.store.ScanEligible(ctx, p.config.AttemptCap)
	if err != nil {
		return result, fmt.Errorf("failed to scan queue: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	p.config.Logger.Printf("Draining %d items", len(items))

	for _, item := range items {
		if mode != nil && mode() == connectivity.Offline {
			p.config.Logger.Println("Mode flipped to offline, stopping drain")
			result.StoppedEarly = true
			break
		}

		stop, err := p.processItem(ctx, item, result)
		if err != nil {
			return result, err
		}
		if stop {
			result.StoppedEarly = true
			break
		}
	}

	p.config.Logger.Printf("Drain finished: processed=%d completed=%d failed=%d conflicts=%d requeued=%d",
		result.Processed, result.Completed, result.Failed, result.Conflicts, result.Requeued)

	return result, nil
}

// processItem attempts one queue item. It returns stop=true when the
// remainder of the pass must not run (transient failure), and a non-nil
// error only for conditions that abort the drain outright
// (authentication expiry, local storage failure).
func (p *Processor) processItem(ctx context.Context, item *schema.SyncQueueItem, result *DrainResult) (bool, error) {
	mutation, err := schema.DecodeMutation(item)
	if err != nil {
		// Undecodable payload can never be replayed
		result.Failed++
		return false, p.failItem(ctx, item, item.Attempts+1, fmt.Sprintf("undecodable payload: %v", err))
	}

	result.Processed++
	attempts := item.Attempts + 1

	if err := p.markProcessing(ctx, item); err != nil {
		return false, err
	}

	applyRes, err := p.client.ApplyMutation(ctx, item.Kind, item.ReferenceID, item.Payload, expectedVersion(mutation))

	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		// Deferred, not attempted: no attempt consumed
		if revertErr := p.revertToPending(ctx, item, item.Attempts, "deferred: authentication required"); revertErr != nil {
			return true, revertErr
		}
		return true, remote.ErrAuthExpired

	case remote.IsTransient(err):
		return true, p.recordTransient(ctx, item, attempts, err, result)

	case err != nil:
		// Unclassified call failure: permanent for this item, the rest
		// of the queue is unaffected
		result.Failed++
		return false, p.failItem(ctx, item, attempts, err.Error())
	}

	switch applyRes.Outcome {
	case remote.Accepted:
		result.Completed++
		return false, p.completeItem(ctx, item, attempts, applyRes.NewVersion)

	case remote.Rejected:
		result.Failed++
		return false, p.failItem(ctx, item, attempts, applyRes.Reason)

	case remote.Conflict:
		result.Conflicts++
		return p.resolveConflict(ctx, item, mutation, attempts, applyRes, result)

	default:
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("unknown outcome %v", applyRes.Outcome))
	}
}

// markProcessing transitions an item and its entity into the in-flight state.
func (p *Processor) markProcessing(ctx context.Context, item *schema.SyncQueueItem) error {
	status := schema.QueueProcessing
	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{Status: &status}); err != nil {
		return fmt.Errorf("failed to mark item processing: %w", err)
	}
	if err := p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, schema.SyncSyncing); err != nil {
		p.config.Logger.Printf("Warning: failed to mark entity syncing: %v", err)
	}
	p.emit("processing", item.ID)
	return nil
}

// revertToPending puts an item back exactly where it was, with a note.
func (p *Processor) revertToPending(ctx context.Context, item *schema.SyncQueueItem, attempts int, note string) error {
	status := schema.QueuePending
	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:   &status,
		Attempts: &attempts,
		Error:    &note,
	}); err != nil {
		return fmt.Errorf("failed to revert item to pending: %w", err)
	}
	if err := p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, schema.SyncPending); err != nil {
		p.config.Logger.Printf("Warning: failed to reset entity status: %v", err)
	}
	p.emit("pending", item.ID)
	return nil
}

// recordTransient handles a timeout or unreachable authority: the item
// goes back to pending (or failed once past the attempt cap) and the
// drain stops.
func (p *Processor) recordTransient(ctx context.Context, item *schema.SyncQueueItem, attempts int, cause error, result *DrainResult) error {
	now := time.Now().UTC()
	msg := cause.Error()

	status := schema.QueuePending
	entityStatus := schema.SyncPending
	if attempts > p.config.AttemptCap {
		status = schema.QueueFailed
		entityStatus = schema.SyncError
		result.Failed++
		p.config.Logger.Printf("Item %s exceeded attempt cap (%d), demoting to failed", item.ID, p.config.AttemptCap)
	}

	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Error:       &msg,
	}); err != nil {
		return fmt.Errorf("failed to record transient failure: %w", err)
	}
	if err := p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, entityStatus); err != nil {
		p.config.Logger.Printf("Warning: failed to update entity status: %v", err)
	}

	p.config.Logger.Printf("Transient failure on %s (attempt %d): %v", item.ID, attempts, cause)
	p.emit(string(status), item.ID)
	return nil
}

// failItem marks an item permanently failed. Failed items stay visible
// until manually retried or purged by an external collaborator.
func (p *Processor) failItem(ctx context.Context, item *schema.SyncQueueItem, attempts int, reason string) error {
	now := time.Now().UTC()
	status := schema.QueueFailed

	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Error:       &reason,
	}); err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	if err := p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, schema.SyncError); err != nil {
		p.config.Logger.Printf("Warning: failed to mark entity errored: %v", err)
	}

	p.config.Logger.Printf("Item %s failed permanently: %s", item.ID, reason)
	p.emit("failed", item.ID)
	return nil
}

// completeItem marks an item completed and settles the entity it
// referenced. Completed items are never re-attempted.
func (p *Processor) completeItem(ctx context.Context, item *schema.SyncQueueItem, attempts int, newVersion int64) error {
	now := time.Now().UTC()
	status := schema.QueueCompleted
	empty := ""

	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Error:       &empty,
	}); err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}

	if err := p.settleEntity(ctx, item, newVersion); err != nil {
		return err
	}

	p.emit("completed", item.ID)
	return nil
}

// settleEntity reflects an accepted mutation in local entity state:
// deletes remove the row, everything else becomes synced, and
// collections additionally pick up the authority's stored version.
func (p *Processor) settleEntity(ctx context.Context, item *schema.SyncQueueItem, newVersion int64) error {
	switch item.Kind {
	case schema.KindDeleteMission:
		return p.store.DeleteMission(ctx, item.ReferenceID)
	case schema.KindDeleteCollection:
		return p.store.DeleteCollection(ctx, item.ReferenceID)
	case schema.KindDeletePhoto:
		return p.store.DeletePhoto(ctx, item.ReferenceID)

	case schema.KindCreateCollection, schema.KindUpdateCollection:
		if newVersion > 0 {
			coll, err := p.store.GetCollectionContext(ctx, item.ReferenceID)
			if err != nil {
				return fmt.Errorf("failed to load collection after accept: %w", err)
			}
			if coll.Version != newVersion {
				coll.Version = newVersion
			}
			coll.SyncStatus = schema.SyncSynced
			coll.UpdatedAt = time.Now().UTC()
			return p.store.PutCollectionContext(ctx, coll)
		}
		return p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, schema.SyncSynced)

	default:
		return p.store.SetSyncStatus(ctx, item.Kind, item.ReferenceID, schema.SyncSynced)
	}
}

// expectedVersion extracts the version a mutation was based on.
// Non-versioned mutations report zero.
func expectedVersion(m schema.Mutation) int64 {
	switch v := m.(type) {
	case *schema.UpdateCollection:
		return v.ExpectedVersion
	case *schema.DeleteCollection:
		return v.ExpectedVersion
	default:
		return 0
	}
}

// emit forwards a queue transition to the event hook, if any.
func (p *Processor) emit(event, itemID string) {
	if p.OnEvent != nil {
		p.OnEvent(event, itemID)
	}
}
