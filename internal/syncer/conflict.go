package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/resolve"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
)

// resolveConflict routes a version mismatch through the resolver and
// applies its decision to the local store. A rewritten payload is
// re-attempted once within the same drain; if the authority conflicts
// again the item stays pending for the next drain rather than looping.
func (p *Processor) resolveConflict(ctx context.Context, item *schema.SyncQueueItem, mutation schema.Mutation, attempts int, applyRes *remote.ApplyResult, result *DrainResult) (bool, error) {
	switch m := mutation.(type) {
	case *schema.UpdateCollection:
		return p.resolveCollectionConflict(ctx, item, &m.Collection, attempts, applyRes, result)
	case *schema.CreateCollection:
		// A conflicting create means the collection already exists
		// remotely; arbitrate exactly like an update
		return p.resolveCollectionConflict(ctx, item, &m.Collection, attempts, applyRes, result)
	case *schema.DeleteCollection:
		return p.resolveDeleteConflict(ctx, item, m, attempts, applyRes, result)
	default:
		// Missions and photos carry no version; a conflict here means
		// the server contract is broken for this item
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("unexpected version conflict on %s", item.Kind))
	}
}

// resolveCollectionConflict arbitrates a collection edit against the
// authority's current state.
func (p *Processor) resolveCollectionConflict(ctx context.Context, item *schema.SyncQueueItem, local *schema.PropertyCollection, attempts int, applyRes *remote.ApplyResult, result *DrainResult) (bool, error) {
	localFields, err := schema.CollectionFields(local)
	if err != nil {
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot extract local fields: %v", err))
	}

	remoteFields, err := schema.FieldsFromJSON(applyRes.RemotePayload)
	if err != nil {
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot decode remote payload: %v", err))
	}

	decision := resolve.Resolve(local.Version, localFields, applyRes.RemoteVersion, remoteFields)
	p.config.Logger.Printf("Conflict on %s: local v%d vs remote v%d -> %s",
		local.ID, local.Version, applyRes.RemoteVersion, decision.Kind)
	p.emit("conflict:"+decision.Kind.String(), item.ID)

	switch decision.Kind {
	case resolve.KeepLocal:
		// Local edit supersedes: overwrite remote, bumping its version
		// to localVersion+1
		rewritten := *local
		rewritten.Version = local.Version + 1
		rewritten.SyncStatus = schema.SyncPending
		rewritten.UpdatedAt = time.Now().UTC()
		return p.reapply(ctx, item, &rewritten, applyRes.RemoteVersion, attempts, result)

	case resolve.Merged:
		merged := *local
		if err := schema.ApplyCollectionFields(&merged, decision.Fields); err != nil {
			result.Failed++
			return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot apply merged fields: %v", err))
		}
		merged.Version = applyRes.RemoteVersion + 1
		merged.SyncStatus = schema.SyncPending
		merged.UpdatedAt = time.Now().UTC()
		return p.reapply(ctx, item, &merged, applyRes.RemoteVersion, attempts, result)

	case resolve.KeepRemote:
		return false, p.acceptRemote(ctx, item, local, attempts, applyRes, remoteFields, localFields, decision.Followup, result)

	default:
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("unknown decision %v", decision.Kind))
	}
}

// acceptRemote overwrites the local entity with the authority's state
// and completes the queue item. When followup is set, the local edit is
// preserved as a fresh, newly-versioned mutation instead of being
// silently dropped.
func (p *Processor) acceptRemote(ctx context.Context, item *schema.SyncQueueItem, local *schema.PropertyCollection, attempts int, applyRes *remote.ApplyResult, remoteFields, localFields map[string]any, followup bool, result *DrainResult) error {
	settled := *local
	if err := schema.ApplyCollectionFields(&settled, remoteFields); err != nil {
		result.Failed++
		return p.failItem(ctx, item, attempts, fmt.Sprintf("cannot apply remote fields: %v", err))
	}
	settled.Version = applyRes.RemoteVersion
	settled.SyncStatus = schema.SyncSynced
	settled.UpdatedAt = time.Now().UTC()

	if followup {
		// Overlay the local edit on the remote base and queue it as a
		// new mutation at the next version
		follow := settled
		if err := schema.ApplyCollectionFields(&follow, localFields); err != nil {
			result.Failed++
			return p.failItem(ctx, item, attempts, fmt.Sprintf("cannot build follow-up: %v", err))
		}
		follow.Version = applyRes.RemoteVersion + 1
		follow.SyncStatus = schema.SyncPending
		follow.UpdatedAt = time.Now().UTC()

		followItem, err := schema.EncodeMutation(&schema.UpdateCollection{
			Collection:      follow,
			ExpectedVersion: applyRes.RemoteVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to encode follow-up mutation: %w", err)
		}
		if err := p.store.EnqueueContext(ctx, followItem); err != nil {
			return fmt.Errorf("failed to enqueue follow-up mutation: %w", err)
		}
		if err := p.store.PutCollectionContext(ctx, &follow); err != nil {
			return fmt.Errorf("failed to store follow-up collection: %w", err)
		}
		result.Requeued++
		p.config.Logger.Printf("Local edit on %s preserved as follow-up v%d", local.ID, follow.Version)
	} else {
		if err := p.store.PutCollectionContext(ctx, &settled); err != nil {
			return fmt.Errorf("failed to store remote state: %w", err)
		}
	}

	// The original item is settled: remote state won
	now := time.Now().UTC()
	status := schema.QueueCompleted
	note := fmt.Sprintf("superseded by remote v%d", applyRes.RemoteVersion)
	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Error:       &note,
	}); err != nil {
		return fmt.Errorf("failed to complete superseded item: %w", err)
	}

	result.Completed++
	p.emit("completed", item.ID)
	return nil
}

// reapply rewrites the item's payload after a resolver decision and
// pushes it once more within the same drain.
func (p *Processor) reapply(ctx context.Context, item *schema.SyncQueueItem, coll *schema.PropertyCollection, expectedVersion int64, attempts int, result *DrainResult) (bool, error) {
	mutation := &schema.UpdateCollection{
		Collection:      *coll,
		ExpectedVersion: expectedVersion,
	}
	payload, err := json.Marshal(mutation)
	if err != nil {
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot rewrite payload: %v", err))
	}

	// Persist the rewrite first: if the process dies mid-reapply, the
	// next drain picks up the adjusted payload
	now := time.Now().UTC()
	status := schema.QueuePending
	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Payload:     payload,
	}); err != nil {
		return false, fmt.Errorf("failed to persist rewritten payload: %w", err)
	}
	if err := p.store.PutCollectionContext(ctx, coll); err != nil {
		return false, fmt.Errorf("failed to store resolved collection: %w", err)
	}

	retryAttempts := attempts + 1
	applyRes, err := p.client.ApplyMutation(ctx, schema.KindUpdateCollection, coll.ID, payload, expectedVersion)

	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		return true, remote.ErrAuthExpired
	case remote.IsTransient(err):
		return true, p.recordTransient(ctx, item, retryAttempts, err, result)
	case err != nil:
		result.Failed++
		return false, p.failItem(ctx, item, retryAttempts, err.Error())
	}

	switch applyRes.Outcome {
	case remote.Accepted:
		result.Completed++
		return false, p.completeItem(ctx, item, retryAttempts, applyRes.NewVersion)

	case remote.Rejected:
		result.Failed++
		return false, p.failItem(ctx, item, retryAttempts, applyRes.Reason)

	case remote.Conflict:
		// The authority moved again while we were resolving. Leave the
		// rewritten item pending; the next drain resolves against the
		// newer remote state.
		result.Requeued++
		p.config.Logger.Printf("Remote moved again on %s, deferring to next drain", coll.ID)
		return false, p.revertToPending(ctx, item, retryAttempts, fmt.Sprintf("conflict recurred at remote v%d", applyRes.RemoteVersion))

	default:
		result.Failed++
		return false, p.failItem(ctx, item, retryAttempts, fmt.Sprintf("unknown outcome %v", applyRes.Outcome))
	}
}

// resolveDeleteConflict arbitrates a stale delete: a strictly newer
// local intent forces the delete through at the authority's version;
// otherwise the remote edit wins and the entity is restored locally.
func (p *Processor) resolveDeleteConflict(ctx context.Context, item *schema.SyncQueueItem, m *schema.DeleteCollection, attempts int, applyRes *remote.ApplyResult, result *DrainResult) (bool, error) {
	if m.ExpectedVersion > applyRes.RemoteVersion {
		rewritten := &schema.DeleteCollection{
			ID:              m.ID,
			ExpectedVersion: applyRes.RemoteVersion,
		}
		payload, err := json.Marshal(rewritten)
		if err != nil {
			result.Failed++
			return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot rewrite delete payload: %v", err))
		}

		status := schema.QueuePending
		now := time.Now().UTC()
		if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
			Status:      &status,
			Attempts:    &attempts,
			LastAttempt: &now,
			Payload:     payload,
		}); err != nil {
			return false, fmt.Errorf("failed to persist rewritten delete: %w", err)
		}
		result.Requeued++
		return false, nil
	}

	// Remote edited past the version the delete was based on: the
	// entity survives with the authority's state
	remoteFields, err := schema.FieldsFromJSON(applyRes.RemotePayload)
	if err != nil {
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot decode remote payload: %v", err))
	}

	coll, err := p.store.GetCollectionContext(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Row already gone locally; rebuild it from the remote state
		coll = &schema.PropertyCollection{
			ID:        m.ID,
			CreatedAt: time.Now().UTC(),
		}
	} else if err != nil {
		return false, fmt.Errorf("failed to load collection for delete conflict: %w", err)
	}

	if err := schema.ApplyCollectionFields(coll, remoteFields); err != nil {
		result.Failed++
		return false, p.failItem(ctx, item, attempts, fmt.Sprintf("cannot apply remote fields: %v", err))
	}
	if coll.MissionID == "" {
		coll.MissionID = "unknown"
	}
	if coll.ParcelRef == "" {
		coll.ParcelRef = "unknown"
	}
	coll.Version = applyRes.RemoteVersion
	coll.SyncStatus = schema.SyncSynced
	coll.UpdatedAt = time.Now().UTC()

	if err := p.store.PutCollectionContext(ctx, coll); err != nil {
		return false, fmt.Errorf("failed to restore collection: %w", err)
	}

	now := time.Now().UTC()
	status := schema.QueueCompleted
	note := fmt.Sprintf("delete superseded by remote v%d", applyRes.RemoteVersion)
	if err := p.store.UpdateQueueItem(ctx, item.ID, store.QueuePatch{
		Status:      &status,
		Attempts:    &attempts,
		LastAttempt: &now,
		Error:       &note,
	}); err != nil {
		return false, fmt.Errorf("failed to complete superseded delete: %w", err)
	}

	result.Completed++
	p.emit("completed", item.ID)
	return false, nil
}
