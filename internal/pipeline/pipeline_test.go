package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"snooze/internal/clock"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/permanent"
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

type fakeStage struct {
	name      string
	process   func(pass *Pass) (Outcome, error)
	calls     int
	reloads   int
	reloadErr error
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Process(_ context.Context, pass *Pass) (Outcome, error) {
	s.calls++
	if s.process == nil {
		return Next(nil), nil
	}
	return s.process(pass)
}

func (s *fakeStage) Reload(context.Context) error {
	s.reloads++
	return s.reloadErr
}

func newTestPipeline(stages ...Stage) (*Pipeline, *state.MemoryStore, *metrics.Registry) {
	store := state.NewMemoryStore(clock.Fixed(testNow))
	reg := metrics.New()
	return New(store, stages, nil, reg, clock.Fixed(testNow)), store, reg
}

func storedRecords(t *testing.T, store state.Store) []domain.Record {
	t.Helper()
	result, err := store.Search(context.Background(), RecordCollection, nil, state.SearchOptions{})
	require.NoError(t, err)
	return result.Data
}

func TestProcessContinueWritesWithTimestamp(t *testing.T) {
	t.Parallel()

	tagger := &fakeStage{name: "rule", process: func(pass *Pass) (Outcome, error) {
		pass.Record["rules"] = []any{"r1"}
		return Next(nil), nil
	}}
	p, store, _ := newTestPipeline(tagger, &fakeStage{name: "snooze"})

	result, err := p.Process(context.Background(), domain.Record{"hash": "h1", "date_epoch": 10.0})
	require.NoError(t, err)
	assert.Equal(t, Continue, result.Outcome)
	assert.True(t, result.Stored)
	assert.Empty(t, result.Stage)

	docs := storedRecords(t, store)
	require.Len(t, docs, 1)
	assert.Equal(t, clock.EpochSeconds(testNow), docs[0]["date_epoch"])
	assert.Equal(t, []any{"r1"}, docs[0]["rules"])
}

func TestProcessOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		outcome    func(domain.Record) Outcome
		wantStored int
		wantEpoch  float64
	}{
		{"abort", func(domain.Record) Outcome { return Discard() }, 0, 0},
		{"abort and write", func(r domain.Record) Outcome { return WriteAndStop(r) }, 1, clock.EpochSeconds(testNow)},
		{"abort and update", func(r domain.Record) Outcome { return UpdateAndStop(r) }, 1, 10},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			first := &fakeStage{name: "snooze", process: func(pass *Pass) (Outcome, error) {
				return tc.outcome(pass.Record), nil
			}}
			last := &fakeStage{name: "notification"}
			p, store, _ := newTestPipeline(first, last)

			result, err := p.Process(context.Background(), domain.Record{"hash": "h1", "date_epoch": 10.0})
			require.NoError(t, err)
			assert.Equal(t, "snooze", result.Stage)
			assert.Zero(t, last.calls, "later stages must not run")

			docs := storedRecords(t, store)
			require.Len(t, docs, tc.wantStored)
			if tc.wantStored > 0 {
				assert.Equal(t, tc.wantEpoch, docs[0]["date_epoch"])
			}
		})
	}
}

func TestProcessReplacesAggregateByHash(t *testing.T) {
	t.Parallel()

	p, store, _ := newTestPipeline(&fakeStage{name: "aggregaterule"})
	ctx := context.Background()

	_, err := p.Process(ctx, domain.Record{"uid": "u1", "hash": "h1", "snoozed": "maintenance"})
	require.NoError(t, err)
	_, err = p.Process(ctx, domain.Record{"uid": "u1", "hash": "h1", "duplicates": 2})
	require.NoError(t, err)

	docs := storedRecords(t, store)
	require.Len(t, docs, 1)
	assert.Equal(t, 2, docs[0]["duplicates"])
	_, snoozed := docs[0]["snoozed"]
	assert.False(t, snoozed, "fields dropped by stages must not survive the write")
}

func TestProcessStageErrorRejectsRecord(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	failing := &fakeStage{name: "aggregaterule", process: func(*Pass) (Outcome, error) {
		return Outcome{}, boom
	}}
	p, store, reg := newTestPipeline(failing)

	_, err := p.Process(context.Background(), domain.Record{"hash": "h1"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stage aggregaterule")
	assert.Empty(t, storedRecords(t, store))

	expected := `
# HELP snooze_alert_rejected_total number of alerts rejected because of a processing error
# TYPE snooze_alert_rejected_total counter
snooze_alert_rejected_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "snooze_alert_rejected_total"))
	assert.False(t, permanent.Is(err), "stage errors stay retryable")
}

func TestProcessInvalidRecordIsPermanent(t *testing.T) {
	t.Parallel()

	stage := &fakeStage{name: "rule"}
	p, store, _ := newTestPipeline(stage)

	_, err := p.Process(context.Background(), domain.Record{"hash": "h1", "state": "sleeping"})
	require.Error(t, err)
	assert.True(t, permanent.Is(err))
	assert.Zero(t, stage.calls)
	assert.Empty(t, storedRecords(t, store))
}

func TestDeferredRunAfterWriteInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var store *state.MemoryStore
	locker := &fakeStage{name: "aggregaterule", process: func(pass *Pass) (Outcome, error) {
		pass.Defer(func() {
			docs, _ := store.Search(context.Background(), RecordCollection, nil, state.SearchOptions{})
			order = append(order, "first", strconv.Itoa(len(docs.Data)))
		})
		pass.Defer(func() { order = append(order, "second") })
		return Next(nil), nil
	}}
	var p *Pipeline
	p, store, _ = newTestPipeline(locker)

	_, err := p.Process(context.Background(), domain.Record{"hash": "h1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first", "1"}, order)
}

type failingWriteStore struct {
	state.Store
}

func (failingWriteStore) Write(context.Context, string, []domain.Record, state.WriteOptions) (state.WriteResult, error) {
	return state.WriteResult{}, errors.New("store unavailable")
}

func TestCommitCallbacksRunOnlyAfterWrite(t *testing.T) {
	t.Parallel()

	var committed []string
	notifier := func(pass *Pass) (Outcome, error) {
		pass.OnCommit(func(_ context.Context, stored domain.Record) error {
			committed = append(committed, stored.Hash())
			return nil
		})
		return Next(nil), nil
	}

	p, store, _ := newTestPipeline(&fakeStage{name: "notification", process: notifier})
	_, err := p.Process(context.Background(), domain.Record{"hash": "h1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, committed)
	require.Len(t, storedRecords(t, store), 1)

	discarding := New(store, []Stage{
		&fakeStage{name: "notification", process: notifier},
		&fakeStage{name: "snooze", process: func(*Pass) (Outcome, error) { return Discard(), nil }},
	}, nil, nil, clock.Fixed(testNow))
	_, err = discarding.Process(context.Background(), domain.Record{"hash": "h2"})
	require.NoError(t, err)

	broken := New(failingWriteStore{Store: store}, []Stage{&fakeStage{name: "notification", process: notifier}}, nil, nil, clock.Fixed(testNow))
	_, err = broken.Process(context.Background(), domain.Record{"hash": "h3"})
	require.Error(t, err)
	assert.False(t, permanent.Is(err))

	assert.Equal(t, []string{"h1"}, committed, "callbacks must not run for discarded records or failed writes")
}

func TestCommitFailureIsPermanent(t *testing.T) {
	t.Parallel()

	released := false
	stage := &fakeStage{name: "notification", process: func(pass *Pass) (Outcome, error) {
		pass.Defer(func() { released = true })
		pass.OnCommit(func(context.Context, domain.Record) error { return errors.New("queue full") })
		return Next(nil), nil
	}}
	p, store, _ := newTestPipeline(stage)

	result, err := p.Process(context.Background(), domain.Record{"hash": "h1"})
	require.Error(t, err)
	assert.True(t, permanent.Is(err))
	assert.Contains(t, err.Error(), "queue full")
	assert.True(t, result.Stored)
	assert.True(t, released)
	require.Len(t, storedRecords(t, store), 1)
}

func TestReload(t *testing.T) {
	t.Parallel()

	rule := &fakeStage{name: "rule"}
	snooze := &fakeStage{name: "snooze", reloadErr: errors.New("bad filter")}
	p, _, _ := newTestPipeline(rule, snooze)
	ctx := context.Background()

	require.NoError(t, p.Reload(ctx, "rule"))
	assert.Equal(t, 1, rule.reloads)
	assert.Equal(t, 0, snooze.reloads)

	err := p.Reload(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload snooze")
	assert.Equal(t, 2, rule.reloads)

	err = p.Reload(ctx, "rule", "ghost")
	require.ErrorIs(t, err, ErrUnknownStage)
	assert.Equal(t, 3, rule.reloads)
	assert.Equal(t, []string{"rule", "snooze"}, p.Stages())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abort_and_update", AbortAndUpdate.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
