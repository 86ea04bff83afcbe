package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terracadastre/fieldsync/internal/schema"
)

// Enqueue appends a mutation to the sync queue.
func (s *Store) Enqueue(item *schema.SyncQueueItem) error {
	return s.EnqueueContext(context.Background(), item)
}

// EnqueueContext appends a mutation to the sync queue with context support.
func (s *Store) EnqueueContext(ctx context.Context, item *schema.SyncQueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}

	query := `
	INSERT INTO sync_queue (
		id, kind, reference_id, payload, status,
		attempts, last_attempt, error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		item.ID,
		string(item.Kind),
		item.ReferenceID,
		string(item.Payload),
		string(item.Status),
		item.Attempts,
		timeToNullString(item.LastAttempt),
		item.Error,
		item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	return nil
}

// ScanPending returns all pending queue items in created_at order.
func (s *Store) ScanPending(ctx context.Context) ([]*schema.SyncQueueItem, error) {
	return s.scanQueue(ctx, `status = 'pending'`)
}

// ScanEligible returns the items one drain pass should attempt, in
// created_at order: every pending item, plus failed items whose
// attempts have not exceeded the cap. Failed items past the cap stay
// visible for manual intervention but are skipped here.
func (s *Store) ScanEligible(ctx context.Context, attemptCap int) ([]*schema.SyncQueueItem, error) {
	where := fmt.Sprintf(`status = 'pending' OR (status = 'failed' AND attempts <= %d)`, attemptCap)
	return s.scanQueue(ctx, where)
}

// FailedItems returns all failed queue items in created_at order.
func (s *Store) FailedItems(ctx context.Context) ([]*schema.SyncQueueItem, error) {
	return s.scanQueue(ctx, `status = 'failed'`)
}

// scanQueue runs a queue query with the given WHERE clause,
// always ordered by created_at ascending (the drain order).
func (s *Store) scanQueue(ctx context.Context, where string) ([]*schema.SyncQueueItem, error) {
	query := `
	SELECT id, kind, reference_id, payload, status,
	       attempts, last_attempt, error, created_at
	FROM sync_queue
	WHERE ` + where + `
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	defer rows.Close()

	var items []*schema.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return items, nil
}

// GetQueueItem retrieves a single queue item by ID.
// Returns ErrNotFound if no item exists with that ID.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*schema.SyncQueueItem, error) {
	query := `
	SELECT id, kind, reference_id, payload, status,
	       attempts, last_attempt, error, created_at
	FROM sync_queue
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// QueuePatch describes a partial update to one queue item.
// Nil fields are left untouched.
type QueuePatch struct {
	Status      *schema.QueueStatus
	Attempts    *int
	LastAttempt *time.Time
	Error       *string
	Payload     json.RawMessage
}

// UpdateQueueItem applies a patch to one queue item in a single
// statement, so a crash mid-update leaves either the old row or the
// new row. Returns ErrNotFound if the item doesn't exist.
func (s *Store) UpdateQueueItem(ctx context.Context, id string, patch QueuePatch) error {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *patch.Attempts)
	}
	if patch.LastAttempt != nil {
		sets = append(sets, "last_attempt = ?")
		args = append(args, patch.LastAttempt.Format(time.RFC3339Nano))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(patch.Payload))
	}

	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE sync_queue SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check queue update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteQueueItem removes a queue item (external purge of failed items).
// Returns nil if the item doesn't exist (idempotent).
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// QueueDepth returns a count of queue items per status.
func (s *Store) QueueDepth(ctx context.Context) (map[schema.QueueStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	depth := make(map[schema.QueueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		depth[schema.QueueStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return depth, nil
}

// SaveSession overwrites the cached session singleton row.
func (s *Store) SaveSession(ctx context.Context, session *schema.CachedSession) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	query := `
	INSERT INTO session (id, user_id, username, display_name, role, token, cached_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		username = excluded.username,
		display_name = excluded.display_name,
		role = excluded.role,
		token = excluded.token,
		cached_at = excluded.cached_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		session.UserID,
		session.Username,
		session.DisplayName,
		session.Role,
		session.Token,
		session.CachedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession returns the cached session, or (nil, nil) if none is cached.
func (s *Store) GetSession(ctx context.Context) (*schema.CachedSession, error) {
	query := `
	SELECT user_id, username, display_name, role, token, cached_at
	FROM session
	WHERE id = 1
	`

	row := s.conn.QueryRowContext(ctx, query)

	var sess schema.CachedSession
	var displayName, role sql.NullString
	var cachedAt string

	err := row.Scan(
		&sess.UserID,
		&sess.Username,
		&displayName,
		&role,
		&sess.Token,
		&cachedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.DisplayName = displayName.String
	sess.Role = role.String
	sess.CachedAt = parseTime(cachedAt)

	return &sess, nil
}

// ClearSession removes the cached session.
// Returns nil if no session is cached (idempotent).
func (s *Store) ClearSession(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// scanQueueItem scans one queue row.
func scanQueueItem(row scanner) (*schema.SyncQueueItem, error) {
	var item schema.SyncQueueItem
	var kind, status, payload, createdAt string
	var lastAttempt, itemErr sql.NullString

	err := row.Scan(
		&item.ID,
		&kind,
		&item.ReferenceID,
		&payload,
		&status,
		&item.Attempts,
		&lastAttempt,
		&itemErr,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = schema.MutationKind(kind)
	item.Status = schema.QueueStatus(status)
	item.Payload = json.RawMessage(payload)
	item.LastAttempt = nullStringToTime(lastAttempt)
	item.Error = itemErr.String
	item.CreatedAt = parseTime(createdAt)

	return &item, nil
}
