package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/terracadastre/fieldsync/internal/auth"
	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
	"github.com/terracadastre/fieldsync/internal/syncer"
)

// fakeClient is a scriptable remote authority for coordinator tests.
type fakeClient struct {
	session  *remote.Session
	applyErr error

	// started and release, when set, make ApplyMutation block so a
	// drain can be held open mid-flight.
	started chan struct{}
	release chan struct{}

	applies int
}

func (c *fakeClient) Authenticate(ctx context.Context, username, password string) (*remote.Session, error) {
	if c.session == nil {
		return nil, errors.New("bad credentials")
	}
	return c.session, nil
}

func (c *fakeClient) ValidateSession(ctx context.Context, token string) (*remote.Session, error) {
	if c.session == nil {
		return nil, remote.ErrAuthExpired
	}
	return c.session, nil
}

func (c *fakeClient) ApplyMutation(ctx context.Context, kind schema.MutationKind, referenceID string, payload json.RawMessage, expectedVersion int64) (*remote.ApplyResult, error) {
	c.applies++
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	if c.applyErr != nil {
		return nil, c.applyErr
	}
	return &remote.ApplyResult{Outcome: remote.Accepted, NewVersion: 2}, nil
}

type fixture struct {
	store   *store.Store
	client  *fakeClient
	monitor *connectivity.Monitor
	coord   *Coordinator
}

func testCoordinator(t *testing.T, client *fakeClient) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	discard := log.New(io.Discard, "", 0)
	monitor := connectivity.NewMonitor(&connectivity.Config{
		DebounceInterval: time.Millisecond,
		Probe:            func(ctx context.Context) connectivity.Mode { return connectivity.Offline },
		Logger:           discard,
	})
	authCache := auth.NewCache(st, client, discard)
	processor := syncer.New(st, client, &syncer.Config{AttemptCap: 5, Logger: discard})

	return &fixture{
		store:   st,
		client:  client,
		monitor: monitor,
		coord:   New(monitor, authCache, processor, st, discard),
	}
}

// goOnline settles the monitor into the online mode without a probe loop.
func (f *fixture) goOnline() {
	now := time.Now()
	f.monitor.Observe(connectivity.Online, now)
	f.monitor.Observe(connectivity.Online, now.Add(time.Second))
}

// enqueueItem puts one collection and a pending update for it on the queue.
func (f *fixture) enqueueItem(t *testing.T) *schema.SyncQueueItem {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	coll := &schema.PropertyCollection{
		ID:         "col-1",
		MissionID:  "mis-1",
		ParcelRef:  "P-0007",
		Version:    1,
		SyncStatus: schema.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.store.PutCollection(coll); err != nil {
		t.Fatalf("PutCollection() failed: %v", err)
	}
	item, err := schema.EncodeMutation(&schema.UpdateCollection{Collection: *coll, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("EncodeMutation() failed: %v", err)
	}
	if err := f.store.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return item
}

// A second drain requested while one is in flight is a no-op returning
// ErrDrainInProgress; the running drain covers it.
func TestTriggerDrain_SingleFlight(t *testing.T) {
	client := &fakeClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := testCoordinator(t, client)
	f.goOnline()
	f.enqueueItem(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.TriggerDrain(context.Background())
		done <- err
	}()
	<-client.started

	if !f.coord.Draining() {
		t.Error("Draining() = false with a drain in flight")
	}
	if _, err := f.coord.TriggerDrain(context.Background()); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("second TriggerDrain() error = %v, want ErrDrainInProgress", err)
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("TriggerDrain() failed: %v", err)
	}
	if f.coord.Draining() {
		t.Error("Draining() = true after the drain finished")
	}
}

// An authentication expiry during a drain gates all further drains
// until the user logs back in.
func TestTriggerDrain_AuthExpiryGates(t *testing.T) {
	client := &fakeClient{applyErr: remote.ErrAuthExpired}
	f := testCoordinator(t, client)
	f.goOnline()
	f.enqueueItem(t)

	if _, err := f.coord.TriggerDrain(context.Background()); !errors.Is(err, remote.ErrAuthExpired) {
		t.Fatalf("TriggerDrain() error = %v, want ErrAuthExpired", err)
	}
	if !f.coord.AuthRequired() {
		t.Error("AuthRequired() = false after an expiry")
	}

	if _, err := f.coord.TriggerDrain(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("gated TriggerDrain() error = %v, want ErrAuthRequired", err)
	}
	if client.applies != 1 {
		t.Errorf("ApplyMutation called %d times, want 1 (gated drain must not reach the network)", client.applies)
	}

	client.applyErr = nil
	f.coord.NotifyAuthenticated()
	if f.coord.AuthRequired() {
		t.Error("AuthRequired() = true after NotifyAuthenticated()")
	}
	if _, err := f.coord.TriggerDrain(context.Background()); err != nil {
		t.Errorf("TriggerDrain() after re-login failed: %v", err)
	}
}

// A session that expires during the startup bootstrap arms the gate
// before the first drain, so no queued mutation reaches the authority
// until a login succeeds.
func TestTriggerDrain_ExpiredBootstrapWithholdsDrain(t *testing.T) {
	client := &fakeClient{}
	f := testCoordinator(t, client)
	f.goOnline()
	f.enqueueItem(t)

	stale := &remote.Session{
		UserID:    "u-1",
		Username:  "surveyor",
		Token:     "tok-stale",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := f.coord.authCache.SaveSession(context.Background(), stale); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	_, err := f.coord.authCache.Bootstrap(context.Background(), connectivity.Online)
	if !errors.Is(err, remote.ErrAuthExpired) {
		t.Fatalf("Bootstrap() error = %v, want ErrAuthExpired", err)
	}
	f.coord.NotifyAuthExpired()

	if !f.coord.AuthRequired() {
		t.Error("AuthRequired() = false after an expired bootstrap")
	}
	if _, err := f.coord.TriggerDrain(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("startup TriggerDrain() error = %v, want ErrAuthRequired", err)
	}
	if client.applies != 0 {
		t.Errorf("ApplyMutation called %d times before re-login, want 0", client.applies)
	}

	client.session = stale
	f.coord.NotifyAuthenticated()
	if _, err := f.coord.TriggerDrain(context.Background()); err != nil {
		t.Fatalf("TriggerDrain() after re-login failed: %v", err)
	}
	if client.applies != 1 {
		t.Errorf("ApplyMutation called %d times after re-login, want 1", client.applies)
	}
}

// Only failed items can be manually retried.
func TestRetryFailedItem_OnlyFailed(t *testing.T) {
	f := testCoordinator(t, &fakeClient{})
	item := f.enqueueItem(t)

	if err := f.coord.RetryFailedItem(context.Background(), item.ID); err == nil {
		t.Error("RetryFailedItem() on a pending item succeeded, want error")
	}
	if err := f.coord.RetryFailedItem(context.Background(), "no-such-item"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RetryFailedItem() on a missing item error = %v, want ErrNotFound", err)
	}
}

// A manual retry while offline requeues the item and waits for
// connectivity instead of calling out.
func TestRetryFailedItem_OfflineRequeues(t *testing.T) {
	f := testCoordinator(t, &fakeClient{})
	item := f.enqueueItem(t)

	failed := schema.QueueFailed
	attempts := 3
	if err := f.store.UpdateQueueItem(context.Background(), item.ID, store.QueuePatch{
		Status:   &failed,
		Attempts: &attempts,
	}); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	if err := f.coord.RetryFailedItem(context.Background(), item.ID); err != nil {
		t.Fatalf("RetryFailedItem() failed: %v", err)
	}
	if f.client.applies != 0 {
		t.Errorf("ApplyMutation called %d times while offline, want 0", f.client.applies)
	}

	got, err := f.store.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueuePending || got.Attempts != 3 {
		t.Errorf("item = %s attempts=%d, want pending attempts=3 preserved", got.Status, got.Attempts)
	}
	if got.Error != "manual retry" {
		t.Errorf("item note = %q, want manual retry", got.Error)
	}
}

// A manual retry while online requeues the item and drains immediately.
func TestRetryFailedItem_OnlineDrains(t *testing.T) {
	f := testCoordinator(t, &fakeClient{})
	f.goOnline()
	item := f.enqueueItem(t)

	failed := schema.QueueFailed
	attempts := 3
	if err := f.store.UpdateQueueItem(context.Background(), item.ID, store.QueuePatch{
		Status:   &failed,
		Attempts: &attempts,
	}); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	if err := f.coord.RetryFailedItem(context.Background(), item.ID); err != nil {
		t.Fatalf("RetryFailedItem() failed: %v", err)
	}
	if f.client.applies != 1 {
		t.Errorf("ApplyMutation called %d times, want 1", f.client.applies)
	}

	got, err := f.store.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueueCompleted {
		t.Errorf("retried item status = %s, want completed", got.Status)
	}
}

// A settled offline transition flips the advisory flag and nothing
// else: the queue is untouched.
func TestHandleTransition_OfflinePreservesQueue(t *testing.T) {
	f := testCoordinator(t, &fakeClient{})
	item := f.enqueueItem(t)

	var events []string
	f.coord.OnEvent = func(event string) { events = append(events, event) }

	f.coord.handleTransition(context.Background(), connectivity.Offline)

	got, err := f.store.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueuePending {
		t.Errorf("item status = %s after going offline, want pending", got.Status)
	}
	if len(events) != 1 || events[0] != "mode:offline" {
		t.Errorf("events = %v, want [mode:offline]", events)
	}
}

// A settled online transition refreshes the session and drains the
// queue in one motion.
func TestHandleTransition_OnlineRefreshesAndDrains(t *testing.T) {
	session := &remote.Session{
		UserID:    "u-1",
		Username:  "surveyor",
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	client := &fakeClient{session: session}
	f := testCoordinator(t, client)
	f.goOnline()
	item := f.enqueueItem(t)

	if err := f.coord.authCache.SaveSession(context.Background(), session); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	f.coord.handleTransition(context.Background(), connectivity.Online)

	if client.applies != 1 {
		t.Errorf("ApplyMutation called %d times, want 1", client.applies)
	}
	got, err := f.store.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueueCompleted {
		t.Errorf("item status = %s after the online transition, want completed", got.Status)
	}
}

// Coming online with an expired session withholds the drain and
// surfaces the forced re-authentication.
func TestHandleTransition_ExpiredSessionWithholdsDrain(t *testing.T) {
	client := &fakeClient{}
	f := testCoordinator(t, client)
	f.goOnline()
	f.enqueueItem(t)

	session := &remote.Session{
		UserID:    "u-1",
		Username:  "surveyor",
		Token:     "tok-stale",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := f.coord.authCache.SaveSession(context.Background(), session); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	var events []string
	f.coord.OnEvent = func(event string) { events = append(events, event) }

	f.coord.handleTransition(context.Background(), connectivity.Online)

	if client.applies != 0 {
		t.Errorf("ApplyMutation called %d times with an expired session, want 0", client.applies)
	}
	if !f.coord.AuthRequired() {
		t.Error("AuthRequired() = false after an expired session refresh")
	}

	want := []string{"mode:online", "auth_required"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}
