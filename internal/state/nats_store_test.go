package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"snooze/internal/condition"
	"snooze/internal/config"
	"snooze/internal/domain"
	"snooze/test/testutil"
)

func newNATSTestStore(t *testing.T, prefix string) *NATSStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	t.Cleanup(stopNATS)

	store, err := NewNATSStore(config.NATSStoreConfig{
		URL:                []string{url},
		BucketPrefix:       prefix,
		AllowCreateBuckets: true,
		LockTTLSec:         5,
		LockWaitMS:         5,
	}, nil)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNATSStoreCRUDIntegration(t *testing.T) {
	store := newNATSTestStore(t, "crud")
	ctx := context.Background()

	opts := WriteOptions{Primary: []string{"hash"}, DuplicatePolicy: DuplicateUpdate, UpdateTime: true}
	result, err := store.Write(ctx, "record", []domain.Record{{"hash": "h1", "host": "web01"}}, opts)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(result.Added) != 1 {
		t.Fatalf("expected one added document, got %+v", result)
	}
	uid := result.Added[0].UID()

	result, err = store.Write(ctx, "record", []domain.Record{{"hash": "h1", "state": "ack"}}, opts)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if len(result.Updated) != 1 || result.Updated[0].UID() != uid {
		t.Fatalf("expected update of %s, got %+v", uid, result)
	}

	found, err := store.Search(ctx, "record", condition.Equals{Field: "hash", Value: "h1"}, SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if found.Count != 1 || found.Data[0]["host"] != "web01" || found.Data[0]["state"] != "ack" {
		t.Fatalf("unexpected search result: %+v", found)
	}

	scanned, err := store.Search(ctx, "record", condition.MustParse("host ~ web"), SearchOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if scanned.Count != 1 {
		t.Fatalf("expected scan to find document, got %d", scanned.Count)
	}

	if err := store.Increment(ctx, "record", map[string]any{"uid": uid}, map[string]int{"duplicates": 2}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	doc, err := store.GetOne(ctx, "record", map[string]any{"uid": uid})
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	if doc["duplicates"] != 2.0 {
		t.Fatalf("unexpected duplicates: %v", doc["duplicates"])
	}

	deleted, err := store.Delete(ctx, "record", condition.Equals{Field: "hash", Value: "h1"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Count != 1 {
		t.Fatalf("expected one deleted, got %d", deleted.Count)
	}
	if _, err := store.GetOne(ctx, "record", map[string]any{"uid": uid}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSStoreLockIntegration(t *testing.T) {
	store := newNATSTestStore(t, "locks")

	unlock, err := store.Lock(context.Background(), "hash.abc")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(ctx, "hash.abc"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	unlock()

	again, err := store.Lock(context.Background(), "hash.abc")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestNATSStoreChangeConsumerIntegration(t *testing.T) {
	store := newNATSTestStore(t, "changes")

	changes := make(chan string, 4)
	consumer, err := store.WatchCollections([]string{"rule"}, func(_ context.Context, collection, _ string, _ bool) error {
		changes <- collection
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer consumer.Close()

	if _, err := store.Write(context.Background(), "rule", []domain.Record{{"name": "r1"}}, WriteOptions{Primary: []string{"name"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-changes:
		if got != "rule" {
			t.Fatalf("unexpected collection %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("change was not received")
	}
}
