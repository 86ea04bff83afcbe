package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
)

// applyCall records one ApplyMutation invocation.
type applyCall struct {
	Kind            schema.MutationKind
	ReferenceID     string
	Payload         json.RawMessage
	ExpectedVersion int64
}

// scriptedClient dispatches each ApplyMutation call to a respond
// function, keyed by call index, and records every call for order
// assertions.
type scriptedClient struct {
	respond func(n int, call applyCall) (*remote.ApplyResult, error)
	calls   []applyCall
}

func (c *scriptedClient) Authenticate(ctx context.Context, username, password string) (*remote.Session, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedClient) ValidateSession(ctx context.Context, token string) (*remote.Session, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedClient) ApplyMutation(ctx context.Context, kind schema.MutationKind, referenceID string, payload json.RawMessage, expectedVersion int64) (*remote.ApplyResult, error) {
	call := applyCall{Kind: kind, ReferenceID: referenceID, Payload: payload, ExpectedVersion: expectedVersion}
	n := len(c.calls)
	c.calls = append(c.calls, call)
	return c.respond(n, call)
}

// accept responds to every call with an acceptance at the given version.
func accept(version int64) func(int, applyCall) (*remote.ApplyResult, error) {
	return func(int, applyCall) (*remote.ApplyResult, error) {
		return &remote.ApplyResult{Outcome: remote.Accepted, NewVersion: version}, nil
	}
}

func testSyncStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func testProcessor(st *store.Store, client remote.Client) *Processor {
	return New(st, client, &Config{
		AttemptCap: 5,
		Logger:     log.New(io.Discard, "", 0),
	})
}

func online() connectivity.Mode  { return connectivity.Online }
func offline() connectivity.Mode { return connectivity.Offline }

// syncCollection builds a collection with only parcel_ref and land_use
// populated, so its mutable field map is predictable in conflict tests.
func syncCollection(id string, version int64) *schema.PropertyCollection {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.PropertyCollection{
		ID:         id,
		MissionID:  "mis-1",
		ParcelRef:  "P-0042",
		LandUse:    "residential",
		Version:    version,
		SyncStatus: schema.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// enqueueUpdate stores the collection and queues an update mutation for
// it with an explicit creation time that fixes its drain position.
func enqueueUpdate(t *testing.T, st *store.Store, coll *schema.PropertyCollection, expectedVersion int64, createdAt time.Time) *schema.SyncQueueItem {
	t.Helper()
	if err := st.PutCollection(coll); err != nil {
		t.Fatalf("PutCollection() failed: %v", err)
	}
	item, err := schema.EncodeMutation(&schema.UpdateCollection{
		Collection:      *coll,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		t.Fatalf("EncodeMutation() failed: %v", err)
	}
	item.CreatedAt = createdAt
	if err := st.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return item
}

// Drain processes eligible items strictly in creation order and settles
// each accepted entity at the authority's stored version.
func TestDrain_OrderedPass(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(2)}
	p := testProcessor(st, client)

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"col-b", "col-a", "col-c"} {
		enqueueUpdate(t, st, syncCollection(id, 1), 1, base.Add(time.Duration(i)*time.Second))
	}

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Processed != 3 || result.Completed != 3 {
		t.Errorf("Drain() = %+v, want 3 processed, 3 completed", result)
	}

	want := []string{"col-b", "col-a", "col-c"}
	if len(client.calls) != len(want) {
		t.Fatalf("ApplyMutation called %d times, want %d", len(client.calls), len(want))
	}
	for i, call := range client.calls {
		if call.ReferenceID != want[i] {
			t.Errorf("call %d applied %s, want %s", i, call.ReferenceID, want[i])
		}
	}

	for _, id := range want {
		coll, err := st.GetCollection(id)
		if err != nil {
			t.Fatalf("GetCollection(%s) failed: %v", id, err)
		}
		if coll.Version != 2 || coll.SyncStatus != schema.SyncSynced {
			t.Errorf("collection %s = v%d %s, want v2 synced", id, coll.Version, coll.SyncStatus)
		}
	}
}

// An empty queue drains to a zero result without touching the network.
func TestDrain_EmptyQueue(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(1)}
	p := testProcessor(st, client)

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Processed != 0 || len(client.calls) != 0 {
		t.Errorf("Drain() on empty queue made %d calls, result %+v", len(client.calls), result)
	}
}

// Completed items are terminal: a second drain finds nothing eligible.
func TestDrain_CompletedNotReattempted(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(2)}
	p := testProcessor(st, client)

	enqueueUpdate(t, st, syncCollection("col-1", 1), 1, time.Now().UTC())
	if _, err := p.Drain(context.Background(), online); err != nil {
		t.Fatalf("first Drain() failed: %v", err)
	}

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("second drain processed %d items, want 0", result.Processed)
	}
	if len(client.calls) != 1 {
		t.Errorf("ApplyMutation called %d times across both drains, want 1", len(client.calls))
	}
}

// A transient failure stops the pass: earlier items keep their outcome,
// the failing item returns to pending with one attempt recorded, and
// items behind it are left untouched.
func TestDrain_TransientStopsPass(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: func(n int, call applyCall) (*remote.ApplyResult, error) {
		if n == 0 {
			return &remote.ApplyResult{Outcome: remote.Accepted, NewVersion: 2}, nil
		}
		return nil, remote.Transient(errors.New("dial tcp: connection refused"))
	}}
	p := testProcessor(st, client)

	base := time.Now().UTC().Add(-time.Minute)
	i1 := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, base)
	i2 := enqueueUpdate(t, st, syncCollection("col-2", 1), 1, base.Add(time.Second))
	i3 := enqueueUpdate(t, st, syncCollection("col-3", 1), 1, base.Add(2*time.Second))

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.StoppedEarly {
		t.Error("Drain() did not report stopping early")
	}
	if result.Completed != 1 {
		t.Errorf("Drain() completed %d items, want 1", result.Completed)
	}
	if len(client.calls) != 2 {
		t.Errorf("ApplyMutation called %d times, want 2", len(client.calls))
	}

	got1, err := st.GetQueueItem(context.Background(), i1.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got1.Status != schema.QueueCompleted {
		t.Errorf("first item status = %s, want completed", got1.Status)
	}

	got2, err := st.GetQueueItem(context.Background(), i2.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got2.Status != schema.QueuePending || got2.Attempts != 1 {
		t.Errorf("second item = %s attempts=%d, want pending attempts=1", got2.Status, got2.Attempts)
	}
	if got2.LastAttempt == nil {
		t.Error("second item has no last attempt recorded")
	}
	if got2.Error == "" {
		t.Error("second item has no error recorded")
	}

	got3, err := st.GetQueueItem(context.Background(), i3.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got3.Status != schema.QueuePending || got3.Attempts != 0 {
		t.Errorf("third item = %s attempts=%d, want pending attempts=0 untouched", got3.Status, got3.Attempts)
	}
}

// Authentication expiry aborts the drain without consuming an attempt:
// the in-flight item reverts to pending exactly as it was.
func TestDrain_AuthExpiredAborts(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: func(int, applyCall) (*remote.ApplyResult, error) {
		return nil, remote.ErrAuthExpired
	}}
	p := testProcessor(st, client)

	base := time.Now().UTC().Add(-time.Minute)
	i1 := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, base)
	enqueueUpdate(t, st, syncCollection("col-2", 1), 1, base.Add(time.Second))

	_, err := p.Drain(context.Background(), online)
	if !errors.Is(err, remote.ErrAuthExpired) {
		t.Fatalf("Drain() error = %v, want ErrAuthExpired", err)
	}
	if len(client.calls) != 1 {
		t.Errorf("ApplyMutation called %d times, want 1", len(client.calls))
	}

	got, err := st.GetQueueItem(context.Background(), i1.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueuePending || got.Attempts != 0 {
		t.Errorf("deferred item = %s attempts=%d, want pending attempts=0", got.Status, got.Attempts)
	}
	if got.Error != "deferred: authentication required" {
		t.Errorf("deferred item error = %q", got.Error)
	}
}

// A permanent rejection fails only the rejected item; the pass continues.
func TestDrain_RejectionContinues(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: func(n int, call applyCall) (*remote.ApplyResult, error) {
		if n == 0 {
			return &remote.ApplyResult{Outcome: remote.Rejected, Reason: "parcel_ref is required"}, nil
		}
		return &remote.ApplyResult{Outcome: remote.Accepted, NewVersion: 2}, nil
	}}
	p := testProcessor(st, client)

	base := time.Now().UTC().Add(-time.Minute)
	i1 := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, base)
	enqueueUpdate(t, st, syncCollection("col-2", 1), 1, base.Add(time.Second))

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Failed != 1 || result.Completed != 1 {
		t.Errorf("Drain() = %+v, want 1 failed, 1 completed", result)
	}

	got, err := st.GetQueueItem(context.Background(), i1.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueueFailed {
		t.Errorf("rejected item status = %s, want failed", got.Status)
	}
	if got.Error != "parcel_ref is required" {
		t.Errorf("rejected item error = %q", got.Error)
	}

	coll, err := st.GetCollection("col-1")
	if err != nil {
		t.Fatalf("GetCollection() failed: %v", err)
	}
	if coll.SyncStatus != schema.SyncError {
		t.Errorf("rejected entity status = %s, want error", coll.SyncStatus)
	}
}

// An item at the attempt cap is demoted to failed on the next transient
// failure instead of cycling through pending forever.
func TestDrain_AttemptCapDemotes(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: func(int, applyCall) (*remote.ApplyResult, error) {
		return nil, remote.Transient(errors.New("request timed out"))
	}}
	p := testProcessor(st, client)

	item := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, time.Now().UTC())
	attempts := 5
	failed := schema.QueueFailed
	if err := st.UpdateQueueItem(context.Background(), item.ID, store.QueuePatch{
		Status:   &failed,
		Attempts: &attempts,
	}); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Failed != 1 || !result.StoppedEarly {
		t.Errorf("Drain() = %+v, want 1 failed and stopped early", result)
	}

	got, err := st.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueueFailed || got.Attempts != 6 {
		t.Errorf("item = %s attempts=%d, want failed attempts=6", got.Status, got.Attempts)
	}
}

// An undecodable payload can never be replayed: the item fails without
// a network call and the pass moves on.
func TestDrain_UndecodablePayloadFails(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(2)}
	p := testProcessor(st, client)

	base := time.Now().UTC().Add(-time.Minute)
	i1 := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, base)
	if err := st.UpdateQueueItem(context.Background(), i1.ID, store.QueuePatch{
		Payload: json.RawMessage(`{"collection":`),
	}); err != nil {
		t.Fatalf("UpdateQueueItem() failed: %v", err)
	}
	enqueueUpdate(t, st, syncCollection("col-2", 1), 1, base.Add(time.Second))

	result, err := p.Drain(context.Background(), online)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if result.Failed != 1 || result.Completed != 1 {
		t.Errorf("Drain() = %+v, want 1 failed, 1 completed", result)
	}
	if len(client.calls) != 1 {
		t.Errorf("ApplyMutation called %d times, want 1", len(client.calls))
	}

	got, err := st.GetQueueItem(context.Background(), i1.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueueFailed {
		t.Errorf("undecodable item status = %s, want failed", got.Status)
	}
}

// A mode flip to offline between items ends the pass before the next
// remote call.
func TestDrain_OfflineStops(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(2)}
	p := testProcessor(st, client)

	item := enqueueUpdate(t, st, syncCollection("col-1", 1), 1, time.Now().UTC())

	result, err := p.Drain(context.Background(), offline)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if !result.StoppedEarly || result.Processed != 0 {
		t.Errorf("Drain() = %+v, want stopped early with nothing processed", result)
	}
	if len(client.calls) != 0 {
		t.Errorf("ApplyMutation called %d times while offline, want 0", len(client.calls))
	}

	got, err := st.GetQueueItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueuePending || got.Attempts != 0 {
		t.Errorf("item = %s attempts=%d, want pending attempts=0", got.Status, got.Attempts)
	}
}

// Queue transitions surface through the event hook in processing order.
func TestDrain_EmitsEvents(t *testing.T) {
	st := testSyncStore(t)
	client := &scriptedClient{respond: accept(2)}
	p := testProcessor(st, client)

	var events []string
	p.OnEvent = func(event, itemID string) {
		events = append(events, event)
	}

	enqueueUpdate(t, st, syncCollection("col-1", 1), 1, time.Now().UTC())
	if _, err := p.Drain(context.Background(), online); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	want := []string{"processing", "completed"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}
