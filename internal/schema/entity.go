// Package schema provides the data structures for fieldsync's local store:
// domain entities captured in the field (missions, property collections,
// photos), the durable sync queue, and the cached session.
//
// Entities are CRDT-unfriendly on purpose: PropertyCollection carries a
// single integer version bumped on every locally committed edit, and the
// conflict resolver arbitrates on that version rather than on wall-clock
// timestamps, which cannot be trusted on offline devices.
package schema

import (
	"fmt"
	"time"
)

// SyncStatus describes where an entity stands relative to the remote authority.
type SyncStatus string

const (
	// SyncPending means the entity has local changes not yet applied remotely.
	SyncPending SyncStatus = "pending"
	// SyncSyncing means a mutation for the entity is currently in flight.
	SyncSyncing SyncStatus = "syncing"
	// SyncSynced means local and remote state agree.
	SyncSynced SyncStatus = "synced"
	// SyncError means the last attempt to apply the entity's mutation
	// failed permanently and needs manual attention.
	SyncError SyncStatus = "error"
)

// Valid reports whether s is one of the recognized sync statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced, SyncError:
		return true
	}
	return false
}

// Mission represents a field assignment: a set of properties to visit
// within a region, assigned to one field agent.
type Mission struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Assignment =====
	Name          string `json:"name"`
	Region        string `json:"region,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// ===== Scheduling =====
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	// ===== Sync State =====
	SyncStatus SyncStatus `json:"sync_status"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Mission has valid field values.
func (m *Mission) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !m.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", m.SyncStatus)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// PropertyCollection is one captured property record: the form data and
// GPS fix for a single parcel visited during a mission.
//
// Version is incremented on every locally committed edit and is the
// tie-breaker the conflict resolver uses when the remote authority
// reports a version mismatch.
type PropertyCollection struct {
	// ===== Core Identification =====
	ID        string `json:"id"`
	MissionID string `json:"mission_id"`

	// ===== Captured Form Data =====
	ParcelRef string  `json:"parcel_ref"`
	Address   string  `json:"address,omitempty"`
	OwnerName string  `json:"owner_name,omitempty"`
	LandUse   string  `json:"land_use,omitempty"`
	AreaSqm   float64 `json:"area_sqm,omitempty"`
	Notes     string  `json:"notes,omitempty"`

	// ===== GPS Fix =====
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// ===== Conflict Resolution =====
	Version int64 `json:"version"`

	// ===== Sync State =====
	SyncStatus SyncStatus `json:"sync_status"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the PropertyCollection has valid field values.
func (c *PropertyCollection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.MissionID == "" {
		return fmt.Errorf("mission_id is required")
	}
	if c.ParcelRef == "" {
		return fmt.Errorf("parcel_ref is required")
	}
	if c.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", c.Version)
	}
	if !c.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", c.SyncStatus)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Photo is one photograph captured for a property collection.
// The image bytes stay on disk at FilePath; only metadata lives in the store.
type Photo struct {
	// ===== Core Identification =====
	ID           string `json:"id"`
	CollectionID string `json:"collection_id"`

	// ===== Capture Metadata =====
	FilePath   string     `json:"file_path"`
	Caption    string     `json:"caption,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	Latitude   float64    `json:"latitude,omitempty"`
	Longitude  float64    `json:"longitude,omitempty"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`

	// ===== Sync State =====
	SyncStatus SyncStatus `json:"sync_status"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Photo has valid field values.
func (p *Photo) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.CollectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if p.FilePath == "" {
		return fmt.Errorf("file_path is required")
	}
	if !p.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", p.SyncStatus)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if p.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// CachedSession is the last known-good identity, persisted whenever an
// online authentication succeeds. It is never written from offline-only
// state: offline mode never fabricates a session.
type CachedSession struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role,omitempty"`
	Token       string    `json:"token"`
	CachedAt    time.Time `json:"cached_at"`
}

// Validate checks if the CachedSession has valid field values.
func (s *CachedSession) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if s.Username == "" {
		return fmt.Errorf("username is required")
	}
	if s.Token == "" {
		return fmt.Errorf("token is required")
	}
	if s.CachedAt.IsZero() {
		return fmt.Errorf("cached_at is required")
	}
	return nil
}
