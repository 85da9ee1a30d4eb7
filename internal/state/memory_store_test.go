package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore() *MemoryStore {
	return NewMemoryStore(clock.Fixed(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
}

func TestMemoryStoreWriteInsertAndUpdateByUID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()

	result, err := store.Write(ctx, "record", []domain.Record{{"host": "a"}}, WriteOptions{})
	require.NoError(t, err)
	require.Len(t, result.Added, 1)
	uid := result.Added[0].UID()
	require.NotEmpty(t, uid)
	assert.Equal(t, clock.EpochSeconds(store.clock.Now()), result.Added[0][domain.FieldDateEpoch])

	result, err = store.Write(ctx, "record", []domain.Record{{"uid": uid, "state": "ack"}}, WriteOptions{})
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)

	doc, err := store.GetOne(ctx, "record", map[string]any{"uid": uid})
	require.NoError(t, err)
	assert.Equal(t, "a", doc["host"], "update merges into stored document")
	assert.Equal(t, "ack", doc["state"])
}

func TestMemoryStoreDuplicatePolicies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		policy   DuplicatePolicy
		check    func(t *testing.T, result WriteResult)
		expected int
	}{
		{DuplicateUpdate, func(t *testing.T, r WriteResult) { require.Len(t, r.Updated, 1) }, 1},
		{DuplicateReplace, func(t *testing.T, r WriteResult) { require.Len(t, r.Replaced, 1) }, 1},
		{DuplicateInsert, func(t *testing.T, r WriteResult) { require.Len(t, r.Added, 1) }, 2},
		{DuplicateReject, func(t *testing.T, r WriteResult) {
			require.Len(t, r.Rejected, 1)
			assert.NotEmpty(t, r.Rejected[0]["error"])
		}, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.policy), func(t *testing.T) {
			t.Parallel()
			store := newTestStore()
			opts := WriteOptions{Primary: []string{"hash"}, DuplicatePolicy: tc.policy}
			first, err := store.Write(ctx, "record", []domain.Record{{"hash": "h1", "keep": true}}, opts)
			require.NoError(t, err)
			require.Len(t, first.Added, 1)

			result, err := store.Write(ctx, "record", []domain.Record{{"hash": "h1", "extra": 1}}, opts)
			require.NoError(t, err)
			tc.check(t, result)

			all, err := store.Search(ctx, "record", condition.Equals{Field: "hash", Value: "h1"}, SearchOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, all.Count)
			if tc.policy == DuplicateReplace {
				assert.Equal(t, first.Added[0].UID(), all.Data[0].UID(), "replace keeps uid")
				assert.NotContains(t, all.Data[0], "keep")
			}
			if tc.policy == DuplicateUpdate {
				assert.Equal(t, true, all.Data[0]["keep"])
				assert.Equal(t, 1, all.Data[0]["extra"])
			}
		})
	}
}

func TestMemoryStoreUpdateTimeFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()
	result, err := store.Write(ctx, "record", []domain.Record{{"date_epoch": 10.0}}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, result.Added[0][domain.FieldDateEpoch])

	result, err = store.Write(ctx, "record", []domain.Record{{"date_epoch": 10.0}}, WriteOptions{UpdateTime: true})
	require.NoError(t, err)
	assert.NotEqual(t, 10.0, result.Added[0][domain.FieldDateEpoch])
}

func TestMemoryStoreSearchOrderingAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()
	docs := []domain.Record{
		{"name": "b", "n": 2.0},
		{"name": "a", "n": 1.0},
		{"name": "c", "n": 3.0},
		{"name": "d"},
	}
	_, err := store.Write(ctx, "rule", docs, WriteOptions{})
	require.NoError(t, err)

	result, err := store.Search(ctx, "rule", condition.Exists{Field: "n"}, SearchOptions{OrderBy: "name"})
	require.NoError(t, err)
	require.Equal(t, 3, result.Count)
	assert.Equal(t, []any{"a", "b", "c"}, names(result.Data))

	result, err = store.Search(ctx, "rule", nil, SearchOptions{OrderBy: "n", Desc: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Count)
	assert.Equal(t, []any{"b", "a"}, names(result.Data))

	result, err = store.Search(ctx, "missing", nil, SearchOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Count)
}

func TestMemoryStoreIndexedLookupMatchesScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()
	_, err := store.Write(ctx, "record", []domain.Record{
		{"hash": "h1", "host": "a"},
		{"hash": "h1", "host": "b"},
		{"hash": "h2", "host": "a"},
	}, WriteOptions{})
	require.NoError(t, err)

	indexed, err := store.Search(ctx, "record", condition.MustParse(`hash = h1 AND host = a`), SearchOptions{})
	require.NoError(t, err)
	scanned, err := store.Search(ctx, "record", condition.MustParse(`host = a AND SEARCH h1`), SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, indexed.Count)
	require.Equal(t, 1, scanned.Count)
	assert.Equal(t, indexed.Data[0].UID(), scanned.Data[0].UID())

	// stale index entries disappear after an update changes the hash
	uid := indexed.Data[0].UID()
	_, err = store.Write(ctx, "record", []domain.Record{{"uid": uid, "hash": "h3"}}, WriteOptions{})
	require.NoError(t, err)
	result, err := store.Search(ctx, "record", condition.Equals{Field: "hash", Value: "h1"}, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestMemoryStoreDeleteAndIncrement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()
	_, err := store.Write(ctx, "snooze", []domain.Record{{"name": "f1"}, {"name": "f2", "hits": 4.0}}, WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Increment(ctx, "snooze", map[string]any{"name": "f1"}, map[string]int{"hits": 1}))
	require.NoError(t, store.Increment(ctx, "snooze", map[string]any{"name": "f1"}, map[string]int{"hits": 1}))
	require.NoError(t, store.Increment(ctx, "snooze", map[string]any{"name": "f2"}, map[string]int{"hits": 1}))
	require.NoError(t, store.Increment(ctx, "nothing", map[string]any{"name": "f2"}, map[string]int{"hits": 1}))

	f1, err := store.GetOne(ctx, "snooze", map[string]any{"name": "f1"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, f1["hits"])
	f2, err := store.GetOne(ctx, "snooze", map[string]any{"name": "f2"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, f2["hits"])

	deleted, err := store.Delete(ctx, "snooze", condition.Equals{Field: "name", Value: "f1"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted.Count)
	_, err = store.GetOne(ctx, "snooze", map[string]any{"name": "f1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore()
	result, err := store.Write(ctx, "record", []domain.Record{{"tags": []any{"a"}}}, WriteOptions{})
	require.NoError(t, err)
	result.Added[0]["tags"] = "mutated"

	doc, err := store.GetOne(ctx, "record", map[string]any{"uid": result.Added[0].UID()})
	require.NoError(t, err)
	doc["tags"].([]any)[0] = "mutated"

	again, err := store.GetOne(ctx, "record", map[string]any{"uid": result.Added[0].UID()})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, again["tags"])
}

func TestMemoryStoreLockSerializesKey(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := store.Lock(context.Background(), "hash.h1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, store.locks.size(), "lock entries are released")
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	unlock, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Lock(ctx, "k")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	other, err := store.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func names(docs []domain.Record) []any {
	out := make([]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc["name"])
	}
	return out
}
