package housekeeping

import (
	"context"
	"strings"
	"testing"
	"time"

	"snooze/internal/aggregate"
	"snooze/internal/clock"
	"snooze/internal/config"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/pipeline"
	"snooze/internal/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func epoch(offset time.Duration) float64 {
	return clock.EpochSeconds(testNow.Add(offset))
}

func seed(t *testing.T, store state.Store, collection string, docs ...domain.Record) {
	t.Helper()
	_, err := store.Write(context.Background(), collection, docs, state.WriteOptions{})
	require.NoError(t, err)
}

func uids(t *testing.T, store state.Store, collection string) []string {
	t.Helper()
	result, err := store.Search(context.Background(), collection, nil, state.SearchOptions{OrderBy: "uid"})
	require.NoError(t, err)
	out := make([]string, 0, len(result.Data))
	for _, doc := range result.Data {
		out = append(out, doc.UID())
	}
	return out
}

func TestSweepExpiresRecordsAndComments(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(clock.Fixed(testNow))
	seed(t, store, pipeline.RecordCollection,
		domain.Record{"uid": "expired", "ttl": 60, "date_epoch": epoch(-2 * time.Minute)},
		domain.Record{"uid": "fresh", "ttl": 600, "date_epoch": epoch(-2 * time.Minute)},
		domain.Record{"uid": "forever", "ttl": -1, "date_epoch": epoch(-48 * time.Hour)},
		domain.Record{"uid": "no_ttl", "date_epoch": epoch(-48 * time.Hour)},
	)
	seed(t, store, aggregate.CommentCollection,
		domain.Record{"uid": "c_orphan", "record_uid": "expired", "date": epoch(-time.Minute)},
		domain.Record{"uid": "c_old", "record_uid": "fresh", "date": epoch(-3 * time.Hour)},
		domain.Record{"uid": "c_new", "record_uid": "fresh", "date": epoch(-time.Minute)},
	)

	reg := metrics.New()
	h, err := New(store, config.HousekeepingConfig{Schedule: "@every 1m", CommentTTLSec: 3600}, nil, reg, clock.Fixed(testNow))
	require.NoError(t, err)

	report, err := h.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Records: 1, Comments: 2}, report)
	assert.Equal(t, []string{"forever", "fresh", "no_ttl"}, uids(t, store, pipeline.RecordCollection))
	assert.Equal(t, []string{"c_new"}, uids(t, store, aggregate.CommentCollection))

	expected := `
# HELP snooze_records_expired_total number of documents removed by housekeeping per collection
# TYPE snooze_records_expired_total counter
snooze_records_expired_total{collection="comment"} 2
snooze_records_expired_total{collection="record"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "snooze_records_expired_total"))
}

func TestSweepKeepsCommentsWithoutRetention(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(clock.Fixed(testNow))
	seed(t, store, pipeline.RecordCollection, domain.Record{"uid": "r1"})
	seed(t, store, aggregate.CommentCollection,
		domain.Record{"uid": "c1", "record_uid": "r1", "date": epoch(-365 * 24 * time.Hour)},
	)

	h, err := New(store, config.HousekeepingConfig{Schedule: "@every 1m"}, nil, nil, clock.Fixed(testNow))
	require.NoError(t, err)

	report, err := h.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Comments)
	assert.Equal(t, []string{"c1"}, uids(t, store, aggregate.CommentCollection))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(state.NewMemoryStore(nil), config.HousekeepingConfig{Schedule: "every now and then"}, nil, nil, nil)
	require.Error(t, err)
}

func TestRunSweepsOnScheduleUntilCancelled(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(clock.RealClock{})
	seed(t, store, pipeline.RecordCollection,
		domain.Record{"uid": "expired", "ttl": 0, "date_epoch": clock.EpochSeconds(time.Now().Add(-time.Minute))},
	)
	h, err := New(store, config.HousekeepingConfig{Schedule: "@every 1s"}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool {
		result, err := store.Search(context.Background(), pipeline.RecordCollection, nil, state.SearchOptions{})
		return err == nil && result.Count == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("housekeeping did not stop")
	}
}
