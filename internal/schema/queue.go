package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueStatus is the lifecycle state of one queued mutation.
type QueueStatus string

const (
	// QueuePending means the mutation has not been applied remotely yet.
	QueuePending QueueStatus = "pending"
	// QueueProcessing means a drain is currently attempting the mutation.
	QueueProcessing QueueStatus = "processing"
	// QueueCompleted means the remote authority accepted the mutation.
	// Completed items are never re-attempted.
	QueueCompleted QueueStatus = "completed"
	// QueueFailed means the mutation was rejected permanently, or exceeded
	// the transient-failure attempt cap. Failed items stay visible until
	// manually retried or purged.
	QueueFailed QueueStatus = "failed"
)

// Valid reports whether s is one of the recognized queue statuses.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed:
		return true
	}
	return false
}

// MutationKind identifies which typed mutation a queue item carries.
//
// The kinds form a closed set: the queue itself is type-agnostic, but
// every payload decodes to exactly one of the variants below.
type MutationKind string

const (
	KindCreateMission    MutationKind = "create_mission"
	KindUpdateMission    MutationKind = "update_mission"
	KindDeleteMission    MutationKind = "delete_mission"
	KindCreateCollection MutationKind = "create_collection"
	KindUpdateCollection MutationKind = "update_collection"
	KindDeleteCollection MutationKind = "delete_collection"
	KindUploadPhoto      MutationKind = "upload_photo"
	KindDeletePhoto      MutationKind = "delete_photo"
)

// Valid reports whether k is one of the recognized mutation kinds.
func (k MutationKind) Valid() bool {
	switch k {
	case KindCreateMission, KindUpdateMission, KindDeleteMission,
		KindCreateCollection, KindUpdateCollection, KindDeleteCollection,
		KindUploadPhoto, KindDeletePhoto:
		return true
	}
	return false
}

// SyncQueueItem represents one pending mutation against one entity.
//
// Invariants:
//   - Attempts only increases.
//   - A completed item is never re-attempted.
//   - Processing order is CreatedAt ascending (FIFO), which guarantees
//     dependent mutations on the same entity apply in the order they
//     were created locally.
type SyncQueueItem struct {
	ID          string          `json:"id"`
	Kind        MutationKind    `json:"kind"`
	ReferenceID string          `json:"reference_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      QueueStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate checks if the SyncQueueItem has valid field values.
func (q *SyncQueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !q.Kind.Valid() {
		return fmt.Errorf("invalid mutation kind %q", q.Kind)
	}
	if q.ReferenceID == "" {
		return fmt.Errorf("reference_id is required")
	}
	if len(q.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !q.Status.Valid() {
		return fmt.Errorf("invalid queue status %q", q.Status)
	}
	if q.Attempts < 0 {
		return fmt.Errorf("attempts must be non-negative (got %d)", q.Attempts)
	}
	if q.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
