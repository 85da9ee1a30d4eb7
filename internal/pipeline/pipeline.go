package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"snooze/internal/clock"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/permanent"
	"snooze/internal/state"
)

// RecordCollection is the collection processed records are stored in.
const RecordCollection = "record"

// ErrUnknownStage indicates a reload request for a stage the pipeline does not run.
var ErrUnknownStage = errors.New("unknown stage")

// Kind is the control signal a stage returns.
type Kind int

const (
	// Continue hands the record to the next stage.
	Continue Kind = iota
	// Abort discards the record without any write.
	Abort
	// AbortAndWrite stores the record with a refreshed date_epoch and stops.
	AbortAndWrite
	// AbortAndUpdate stores the record keeping its date_epoch and stops.
	AbortAndUpdate
)

// String returns the signal name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	case AbortAndWrite:
		return "abort_and_write"
	case AbortAndUpdate:
		return "abort_and_update"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is one stage result: the control signal plus the carried record.
// A nil Record keeps the record currently held by the pass.
type Outcome struct {
	Kind   Kind
	Record domain.Record
}

// Next continues with record.
func Next(record domain.Record) Outcome { return Outcome{Kind: Continue, Record: record} }

// Discard aborts without writing.
func Discard() Outcome { return Outcome{Kind: Abort} }

// WriteAndStop stores record with a new timestamp and stops.
func WriteAndStop(record domain.Record) Outcome { return Outcome{Kind: AbortAndWrite, Record: record} }

// UpdateAndStop stores record without touching its timestamp and stops.
func UpdateAndStop(record domain.Record) Outcome {
	return Outcome{Kind: AbortAndUpdate, Record: record}
}

// Pass is the state of one record travelling through the stages.
type Pass struct {
	Record domain.Record
	Now    time.Time

	deferred  []func()
	committed []func(ctx context.Context, stored domain.Record) error
}

// OnCommit registers fn to run once the record is written, before deferred releases.
// Callbacks never run for discarded records or failed writes.
// Params: callback receiving the stored record.
// Returns: none.
func (p *Pass) OnCommit(fn func(ctx context.Context, stored domain.Record) error) {
	if fn != nil {
		p.committed = append(p.committed, fn)
	}
}

// Commit runs commit callbacks in registration order, all of them even when one fails.
// Params: ctx and the stored record.
// Returns: joined callback errors.
func (p *Pass) Commit(ctx context.Context, stored domain.Record) error {
	var errs []error
	for _, fn := range p.committed {
		errs = append(errs, fn(ctx, stored))
	}
	p.committed = nil
	return errors.Join(errs...)
}

// Defer registers fn to run once the pass is finished, after the final write.
// Functions run in reverse registration order.
// Params: release callback.
// Returns: none.
func (p *Pass) Defer(fn func()) {
	if fn != nil {
		p.deferred = append(p.deferred, fn)
	}
}

func (p *Pass) release() {
	for i := len(p.deferred) - 1; i >= 0; i-- {
		p.deferred[i]()
	}
	p.deferred = nil
}

// Stage is one named pipeline step.
// Params: pass with the current record.
// Returns: outcome or a processing error rejecting the record.
type Stage interface {
	Name() string
	Process(ctx context.Context, pass *Pass) (Outcome, error)
	Reload(ctx context.Context) error
}

// Result describes what happened to one processed record.
type Result struct {
	Record  domain.Record
	Outcome Kind
	// Stage names the stage that stopped processing, empty when every stage continued.
	Stage  string
	Stored bool
}

// Pipeline runs records through the ordered stages and persists them.
type Pipeline struct {
	stages  []Stage
	store   state.Store
	logger  *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock
}

// New creates a pipeline over ordered stages.
// Params: store receives processed records; stages in run order; logger, metrics and clock dependencies.
// Returns: pipeline instance.
func New(store state.Store, stages []Stage, logger *slog.Logger, reg *metrics.Registry, clk clock.Clock) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Pipeline{
		stages:  append([]Stage(nil), stages...),
		store:   store,
		logger:  logger,
		metrics: reg,
		clock:   clk,
	}
}

// Stages returns stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, stage := range p.stages {
		names = append(names, stage.Name())
	}
	return names
}

// Process runs record through all stages and performs the storage action of the outcome.
// Params: ctx for store calls; record to process (owned by the pipeline from now on).
// Returns: processing result or error when a stage or the write failed; a failed commit
// callback returns the stored result together with a permanent error.
func (p *Pipeline) Process(ctx context.Context, record domain.Record) (Result, error) {
	p.metrics.AlertHit()
	if err := record.Validate(); err != nil {
		return Result{}, p.reject(record, "", permanent.Mark(err))
	}

	pass := &Pass{Record: record, Now: p.clock.Now()}
	defer pass.release()

	for _, stage := range p.stages {
		outcome, err := stage.Process(ctx, pass)
		if err != nil {
			return Result{}, p.reject(pass.Record, stage.Name(), fmt.Errorf("stage %s: %w", stage.Name(), err))
		}
		if outcome.Record != nil {
			pass.Record = outcome.Record
		}

		switch outcome.Kind {
		case Continue:
			continue
		case Abort:
			p.logger.Debug("record discarded", "record_uid", pass.Record.UID(), "stage", stage.Name())
			return Result{Record: pass.Record, Outcome: Abort, Stage: stage.Name()}, nil
		case AbortAndWrite, AbortAndUpdate:
			stored, err := p.write(ctx, pass.Record, outcome.Kind == AbortAndWrite)
			if err != nil {
				return Result{}, p.reject(pass.Record, stage.Name(), err)
			}
			p.logger.Debug("record stored early", "record_uid", stored.UID(), "stage", stage.Name(), "outcome", outcome.Kind.String())
			result := Result{Record: stored, Outcome: outcome.Kind, Stage: stage.Name(), Stored: true}
			return result, p.commit(ctx, pass, result)
		default:
			return Result{}, p.reject(pass.Record, stage.Name(), permanent.Mark(fmt.Errorf("stage %s: unsupported outcome %s", stage.Name(), outcome.Kind)))
		}
	}

	stored, err := p.write(ctx, pass.Record, true)
	if err != nil {
		return Result{}, p.reject(pass.Record, "", err)
	}
	result := Result{Record: stored, Outcome: Continue, Stored: true}
	return result, p.commit(ctx, pass, result)
}

// commit runs post-write callbacks; their failure is permanent because the record is already stored.
func (p *Pipeline) commit(ctx context.Context, pass *Pass, result Result) error {
	if err := pass.Commit(ctx, result.Record); err != nil {
		return p.reject(result.Record, result.Stage, permanent.Mark(fmt.Errorf("after write: %w", err)))
	}
	return nil
}

// write replaces the stored aggregate (same hash or uid) with record.
func (p *Pipeline) write(ctx context.Context, record domain.Record, updateTime bool) (domain.Record, error) {
	result, err := p.store.Write(ctx, RecordCollection, []domain.Record{record}, state.WriteOptions{
		Primary:         []string{domain.FieldHash},
		DuplicatePolicy: state.DuplicateReplace,
		UpdateTime:      updateTime,
	})
	if err != nil {
		return nil, err
	}
	for _, group := range [][]domain.Record{result.Added, result.Replaced, result.Updated} {
		if len(group) > 0 {
			return group[0], nil
		}
	}
	if len(result.Rejected) > 0 {
		return nil, permanent.Mark(fmt.Errorf("write %s: %v", RecordCollection, result.Rejected[0]["error"]))
	}
	return record, nil
}

func (p *Pipeline) reject(record domain.Record, stage string, err error) error {
	p.metrics.AlertRejected()
	p.logger.Error("record rejected", "record_uid", record.UID(), "stage", stage, "error", err)
	return err
}

// Reload reloads the named stages, every stage when names is empty.
// Params: ctx for store reads; stage names.
// Returns: joined reload errors, ErrUnknownStage for names not in the pipeline.
func (p *Pipeline) Reload(ctx context.Context, names ...string) error {
	pending := make(map[string]bool, len(names))
	for _, name := range names {
		pending[name] = true
	}

	var errs []error
	for _, stage := range p.stages {
		if len(names) > 0 && !pending[stage.Name()] {
			continue
		}
		delete(pending, stage.Name())
		if err := stage.Reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", stage.Name(), err))
		}
	}
	unknown := make([]string, 0, len(pending))
	for name := range pending {
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("reload %s: %w", name, ErrUnknownStage))
	}
	return errors.Join(errs...)
}
