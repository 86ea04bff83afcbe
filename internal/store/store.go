// Package store provides the durable local store for fieldsync.
//
// The store owns every entity table (missions, collections, photos),
// the sync queue, and the cached-session row. It is the sole locking
// boundary for persistence: the processor, resolver, and coordinator
// never touch storage except through the operations defined here.
//
// The database runs embedded SQLite with WAL mode so that status reads
// from the UI layer never block the serialized write path.
//
// Every operation is atomic per single row: a crash mid-write leaves
// either the old value or the new value, never a half-updated record.
// No cross-entity transactions are offered or needed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/terracadastre/fieldsync/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested entity or queue item does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with fieldsync-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open(".fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL lets status reads proceed while a drain is writing
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the filesystem path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	-- Entity tables
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT,
		assigned_agent TEXT,
		starts_at TEXT,
		ends_at TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		parcel_ref TEXT NOT NULL,
		address TEXT,
		owner_name TEXT,
		land_use TEXT,
		area_sqm REAL NOT NULL DEFAULT 0,
		notes TEXT,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		caption TEXT,
		captured_at TEXT,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Pending-mutation queue
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT,
		error TEXT,
		created_at TEXT NOT NULL
	);

	-- Singleton row for the cached session
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		display_name TEXT,
		role TEXT,
		token TEXT NOT NULL,
		cached_at TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_collections_mission ON collections(mission_id);
	CREATE INDEX IF NOT EXISTS idx_collections_status ON collections(sync_status);
	CREATE INDEX IF NOT EXISTS idx_photos_collection ON photos(collection_id);
	CREATE INDEX IF NOT EXISTS idx_photos_status ON photos(sync_status);

	-- Secondary ordering index: drain order is created_at ascending
	CREATE INDEX IF NOT EXISTS idx_queue_created ON sync_queue(created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// PutMission inserts or updates a mission.
func (s *Store) PutMission(m *schema.Mission) error {
	return s.PutMissionContext(context.Background(), m)
}

// PutMissionContext inserts or updates a mission with context support.
func (s *Store) PutMissionContext(ctx context.Context, m *schema.Mission) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mission: %w", err)
	}

	query := `
	INSERT INTO missions (
		id, name, region, assigned_agent, starts_at, ends_at,
		sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		region = excluded.region,
		assigned_agent = excluded.assigned_agent,
		starts_at = excluded.starts_at,
		ends_at = excluded.ends_at,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		m.ID,
		m.Name,
		m.Region,
		m.AssignedAgent,
		timeToNullString(m.StartsAt),
		timeToNullString(m.EndsAt),
		string(m.SyncStatus),
		m.CreatedAt.Format(time.RFC3339Nano),
		m.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mission: %w", err)
	}

	return nil
}

// GetMission retrieves a mission by ID.
// Returns ErrNotFound if no mission exists with that ID.
func (s *Store) GetMission(id string) (*schema.Mission, error) {
	return s.GetMissionContext(context.Background(), id)
}

// GetMissionContext retrieves a mission by ID with context support.
func (s *Store) GetMissionContext(ctx context.Context, id string) (*schema.Mission, error) {
	query := `
	SELECT id, name, region, assigned_agent, starts_at, ends_at,
	       sync_status, created_at, updated_at
	FROM missions
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)

	var m schema.Mission
	var region, assignedAgent sql.NullString
	var startsAt, endsAt sql.NullString
	var syncStatus, createdAt, updatedAt string

	err := row.Scan(
		&m.ID,
		&m.Name,
		&region,
		&assignedAgent,
		&startsAt,
		&endsAt,
		&syncStatus,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission %s: %w", id, err)
	}

	m.Region = region.String
	m.AssignedAgent = assignedAgent.String
	m.StartsAt = nullStringToTime(startsAt)
	m.EndsAt = nullStringToTime(endsAt)
	m.SyncStatus = schema.SyncStatus(syncStatus)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)

	return &m, nil
}

// DeleteMission removes a mission row.
// Returns nil if the mission doesn't exist (idempotent).
func (s *Store) DeleteMission(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM missions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mission %s: %w", id, err)
	}
	return nil
}

// PutCollection inserts or updates a property collection.
func (s *Store) PutCollection(c *schema.PropertyCollection) error {
	return s.PutCollectionContext(context.Background(), c)
}

// PutCollectionContext inserts or updates a property collection with context support.
func (s *Store) PutCollectionContext(ctx context.Context, c *schema.PropertyCollection) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid collection: %w", err)
	}

	query := `
	INSERT INTO collections (
		id, mission_id, parcel_ref, address, owner_name, land_use,
		area_sqm, notes, latitude, longitude, version,
		sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		mission_id = excluded.mission_id,
		parcel_ref = excluded.parcel_ref,
		address = excluded.address,
		owner_name = excluded.owner_name,
		land_use = excluded.land_use,
		area_sqm = excluded.area_sqm,
		notes = excluded.notes,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		version = excluded.version,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		c.ID,
		c.MissionID,
		c.ParcelRef,
		c.Address,
		c.OwnerName,
		c.LandUse,
		c.AreaSqm,
		c.Notes,
		c.Latitude,
		c.Longitude,
		c.Version,
		string(c.SyncStatus),
		c.CreatedAt.Format(time.RFC3339Nano),
		c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert collection: %w", err)
	}

	return nil
}

// GetCollection retrieves a property collection by ID.
// Returns ErrNotFound if no collection exists with that ID.
func (s *Store) GetCollection(id string) (*schema.PropertyCollection, error) {
	return s.GetCollectionContext(context.Background(), id)
}

// GetCollectionContext retrieves a property collection by ID with context support.
func (s *Store) GetCollectionContext(ctx context.Context, id string) (*schema.PropertyCollection, error) {
	query := `
	SELECT id, mission_id, parcel_ref, address, owner_name, land_use,
	       area_sqm, notes, latitude, longitude, version,
	       sync_status, created_at, updated_at
	FROM collections
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", id, err)
	}
	return c, nil
}

// ListCollectionsByStatus returns collections with the given sync status,
// ordered by updated_at descending.
func (s *Store) ListCollectionsByStatus(ctx context.Context, status schema.SyncStatus) ([]*schema.PropertyCollection, error) {
	query := `
	SELECT id, mission_id, parcel_ref, address, owner_name, land_use,
	       area_sqm, notes, latitude, longitude, version,
	       sync_status, created_at, updated_at
	FROM collections
	WHERE sync_status = ?
	ORDER BY updated_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*schema.PropertyCollection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return out, nil
}

// DeleteCollection removes a collection row.
// Returns nil if the collection doesn't exist (idempotent).
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", id, err)
	}
	return nil
}

// PutPhoto inserts or updates a photo record.
func (s *Store) PutPhoto(p *schema.Photo) error {
	return s.PutPhotoContext(context.Background(), p)
}

// PutPhotoContext inserts or updates a photo record with context support.
func (s *Store) PutPhotoContext(ctx context.Context, p *schema.Photo) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid photo: %w", err)
	}

	query := `
	INSERT INTO photos (
		id, collection_id, file_path, caption, captured_at,
		latitude, longitude, size_bytes,
		sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		collection_id = excluded.collection_id,
		file_path = excluded.file_path,
		caption = excluded.caption,
		captured_at = excluded.captured_at,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		size_bytes = excluded.size_bytes,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		p.ID,
		p.CollectionID,
		p.FilePath,
		p.Caption,
		timeToNullString(p.CapturedAt),
		p.Latitude,
		p.Longitude,
		p.SizeBytes,
		string(p.SyncStatus),
		p.CreatedAt.Format(time.RFC3339Nano),
		p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert photo: %w", err)
	}

	return nil
}

// GetPhoto retrieves a photo by ID.
// Returns ErrNotFound if no photo exists with that ID.
func (s *Store) GetPhoto(id string) (*schema.Photo, error) {
	return s.GetPhotoContext(context.Background(), id)
}

// GetPhotoContext retrieves a photo by ID with context support.
func (s *Store) GetPhotoContext(ctx context.Context, id string) (*schema.Photo, error) {
	query := `
	SELECT id, collection_id, file_path, caption, captured_at,
	       latitude, longitude, size_bytes,
	       sync_status, created_at, updated_at
	FROM photos
	WHERE id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)

	var p schema.Photo
	var caption, capturedAt sql.NullString
	var syncStatus, createdAt, updatedAt string

	err := row.Scan(
		&p.ID,
		&p.CollectionID,
		&p.FilePath,
		&caption,
		&capturedAt,
		&p.Latitude,
		&p.Longitude,
		&p.SizeBytes,
		&syncStatus,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get photo %s: %w", id, err)
	}

	p.Caption = caption.String
	p.CapturedAt = nullStringToTime(capturedAt)
	p.SyncStatus = schema.SyncStatus(syncStatus)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	return &p, nil
}

// DeletePhoto removes a photo row.
// Returns nil if the photo doesn't exist (idempotent).
func (s *Store) DeletePhoto(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete photo %s: %w", id, err)
	}
	return nil
}

// SetSyncStatus updates the sync status of the entity a mutation kind
// refers to. This is the write the processor uses to mark entities
// syncing/synced/error alongside queue-item transitions.
func (s *Store) SetSyncStatus(ctx context.Context, kind schema.MutationKind, id string, status schema.SyncStatus) error {
	table, err := tableForKind(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET sync_status = ?, updated_at = ? WHERE id = ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, string(status), time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return fmt.Errorf("failed to update sync status for %s %s: %w", table, id, err)
	}
	return nil
}

// tableForKind maps a mutation kind to the entity table it targets.
func tableForKind(kind schema.MutationKind) (string, error) {
	switch kind {
	case schema.KindCreateMission, schema.KindUpdateMission, schema.KindDeleteMission:
		return "missions", nil
	case schema.KindCreateCollection, schema.KindUpdateCollection, schema.KindDeleteCollection:
		return "collections", nil
	case schema.KindUploadPhoto, schema.KindDeletePhoto:
		return "photos", nil
	default:
		return "", fmt.Errorf("unknown mutation kind %q", kind)
	}
}

// scanner abstracts sql.Row and sql.Rows for the collection scan helper.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanCollection scans one collection row.
func scanCollection(row scanner) (*schema.PropertyCollection, error) {
	var c schema.PropertyCollection
	var address, ownerName, landUse, notes sql.NullString
	var syncStatus, createdAt, updatedAt string

	err := row.Scan(
		&c.ID,
		&c.MissionID,
		&c.ParcelRef,
		&address,
		&ownerName,
		&landUse,
		&c.AreaSqm,
		&notes,
		&c.Latitude,
		&c.Longitude,
		&c.Version,
		&syncStatus,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Address = address.String
	c.OwnerName = ownerName.String
	c.LandUse = landUse.String
	c.Notes = notes.String
	c.SyncStatus = schema.SyncStatus(syncStatus)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)

	return &c, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseTime parses an RFC3339 timestamp, returning the zero time on failure.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
