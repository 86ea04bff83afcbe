// Package spool ingests captured photos from the device spool
// directory into the local store and the sync queue.
//
// The spool is laid out as one subdirectory per property collection:
//
//	<spool>/<collection-id>/site-north.jpg
//
// Camera apps write image files into the collection's subdirectory;
// the watcher picks them up, records a Photo row locally and enqueues
// an upload mutation. Rapid write events for the same file are
// debounced so a photo is ingested once, after the writer settles.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
)

// Config holds configuration for the spool watcher.
type Config struct {
	// Dir is the spool root directory. Created if missing.
	Dir string

	// DebounceInterval is how long a file must sit unchanged before it
	// is ingested. Batches the partial-write events camera apps emit.
	DebounceInterval time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher monitors the spool directory tree and ingests new photos.
type Watcher struct {
	store  *store.Store
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ingested   map[string]bool // filepath -> already recorded
	ingestedMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a spool watcher backed by st.
func New(st *store.Store, config *Config) (*Watcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		store:       st,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ingested:    make(map[string]bool),
	}, nil
}

// Start begins watching the spool tree and blocks until ctx is
// cancelled. Existing image files are ingested on startup so photos
// captured while the agent was down are not lost.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	// Watch existing collection subdirectories and sweep any files
	// already sitting in them.
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.config.Dir, entry.Name())
		if err := w.watcher.Add(dir); err != nil {
			w.config.Logger.Printf("Warning: failed to watch %s: %v", dir, err)
			continue
		}
		w.sweepDir(ctx, dir)
	}

	w.config.Logger.Printf("Watching spool: %s", w.config.Dir)

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processChangeQueue(ctx)

	<-ctx.Done()
	return w.stop()
}

// stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) stop() error {
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	w.config.Logger.Println("Spool watcher stopped")
	return nil
}

// sweepDir ingests image files already present in a collection
// subdirectory.
func (w *Watcher) sweepDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.config.Logger.Printf("Warning: failed to sweep %s: %v", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := w.ingest(ctx, path); err != nil {
			w.config.Logger.Printf("Error ingesting %s: %v", path, err)
		}
	}
}

// watchFileEvents monitors filesystem events and queues image changes.
func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// A new directory under the spool root is a new
			// collection: start watching it.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if filepath.Dir(event.Name) == filepath.Clean(w.config.Dir) {
						if err := w.watcher.Add(event.Name); err != nil {
							w.config.Logger.Printf("Warning: failed to watch %s: %v", event.Name, err)
						}
					}
					continue
				}
			}

			if !isImage(event.Name) {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a path. Repeated
// events for the same path overwrite the timestamp, coalescing into a
// single ingest once writes stop.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue ingests files whose last event is older than the
// debounce interval.
func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges ingests settled files from the change queue.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}

		if err := w.ingest(ctx, path); err != nil {
			// Keep the entry so the next tick retries, e.g. a photo
			// that arrived before its collection row was created
			w.config.Logger.Printf("Error ingesting %s: %v", path, err)
			w.changeQueue[path] = now
			continue
		}

		delete(w.changeQueue, path)
	}
}

// ingest records one spool file as a pending Photo and enqueues its
// upload. A path already ingested in this process is skipped.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	w.ingestedMu.Lock()
	done := w.ingested[path]
	w.ingestedMu.Unlock()
	if done {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted before it settled
			return nil
		}
		return fmt.Errorf("failed to stat spool file: %w", err)
	}

	collectionID := filepath.Base(filepath.Dir(path))
	if _, err := w.store.GetCollectionContext(ctx, collectionID); err != nil {
		return fmt.Errorf("spool file %s has no local collection %s: %w", path, collectionID, err)
	}

	captured := info.ModTime().UTC()
	now := time.Now().UTC()
	photo := &schema.Photo{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		FilePath:     path,
		CapturedAt:   &captured,
		SizeBytes:    info.Size(),
		SyncStatus:   schema.SyncPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := photo.Validate(); err != nil {
		return fmt.Errorf("invalid photo: %w", err)
	}

	item, err := schema.EncodeMutation(schema.UploadPhoto{Photo: *photo})
	if err != nil {
		return fmt.Errorf("failed to encode upload: %w", err)
	}

	if err := w.store.PutPhotoContext(ctx, photo); err != nil {
		return fmt.Errorf("failed to record photo: %w", err)
	}
	if err := w.store.EnqueueContext(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue upload: %w", err)
	}

	w.ingestedMu.Lock()
	w.ingested[path] = true
	w.ingestedMu.Unlock()

	w.config.Logger.Printf("Ingested photo %s (%d bytes) for collection %s", filepath.Base(path), info.Size(), collectionID)
	return nil
}

// isImage reports whether the filename has a recognized image
// extension.
func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
