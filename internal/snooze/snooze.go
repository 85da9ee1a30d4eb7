package snooze

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/pipeline"
	"snooze/internal/state"
	"snooze/internal/timeconstraint"
)

// Collection stores snooze filter definitions.
const Collection = "snooze"

// Filter is one loaded snooze filter.
type Filter struct {
	UID            string
	Name           string
	Enabled        bool
	Condition      condition.Condition
	TimeConstraint timeconstraint.Constraint
	Discard        bool
	Comment        string
	Hits           int
}

// Match reports whether the filter condition and time window both accept record.
// Params: record and fallback time for records without timestamp.
// Returns: true when the record must be snoozed.
func (f Filter) Match(record domain.Record, now time.Time) bool {
	return f.Condition.Match(record) && f.TimeConstraint.Match(record.Time(now))
}

// FromDocument decodes a stored snooze filter.
// Params: filter document.
// Returns: filter or decode error.
func FromDocument(doc domain.Record) (Filter, error) {
	cond, err := pipeline.DefinitionCondition(doc)
	if err != nil {
		return Filter{}, err
	}
	constraint, err := pipeline.DefinitionConstraint(doc)
	if err != nil {
		return Filter{}, err
	}
	discard, _ := doc["discard"].(bool)
	hits, _ := doc.Int("hits")
	return Filter{
		UID:            doc.UID(),
		Name:           doc.String("name"),
		Enabled:        pipeline.Enabled(doc),
		Condition:      cond,
		TimeConstraint: constraint,
		Discard:        discard,
		Comment:        doc.String("comment"),
		Hits:           hits,
	}, nil
}

// Plugin is the snooze filter pipeline stage.
type Plugin struct {
	store   state.Store
	logger  *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock

	filters atomic.Pointer[[]Filter]
}

// New creates the snooze stage.
// Params: store for definitions and records; logger, metrics and clock.
// Returns: plugin; call Reload to load filters.
func New(store state.Store, logger *slog.Logger, reg *metrics.Registry, clk clock.Clock) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	p := &Plugin{store: store, logger: logger.With("stage", Collection), metrics: reg, clock: clk}
	p.filters.Store(&[]Filter{})
	return p
}

// Name returns the stage name.
func (p *Plugin) Name() string { return Collection }

// Filters returns loaded filters in evaluation order.
func (p *Plugin) Filters() []Filter {
	return append([]Filter(nil), *p.filters.Load()...)
}

// Reload reads snooze filters from the store and swaps them in.
// Params: ctx for the store read.
// Returns: store error; invalid definitions are logged and skipped.
func (p *Plugin) Reload(ctx context.Context) error {
	docs, err := pipeline.LoadDefinitions(ctx, p.store, Collection)
	if err != nil {
		return err
	}
	filters := make([]Filter, 0, len(docs))
	for _, doc := range docs {
		filter, err := FromDocument(doc)
		if err != nil {
			p.logger.Warn("skip invalid snooze filter", "name", doc.String("name"), "uid", doc.UID(), "error", err)
			continue
		}
		filters = append(filters, filter)
	}
	p.filters.Store(&filters)
	p.logger.Info("snooze filters reloaded", "count", len(filters))
	return nil
}

// Process snoozes the record with the first matching filter.
// Params: ctx for store calls; pass holding the record.
// Returns: Continue when no filter matches, Abort for discard filters, AbortAndWrite otherwise.
func (p *Plugin) Process(ctx context.Context, pass *pipeline.Pass) (pipeline.Outcome, error) {
	record := pass.Record
	now := pass.Now
	if now.IsZero() {
		now = p.clock.Now()
	}

	for _, filter := range *p.filters.Load() {
		if !filter.Enabled || !filter.Match(record, now) {
			continue
		}
		p.logger.Debug("snooze filter matched", "filter", filter.Name, "hash", record.Hash())
		record[domain.FieldSnoozed] = filter.Name
		if err := p.store.Increment(ctx, Collection, hitFilter(filter), map[string]int{"hits": 1}); err != nil {
			return pipeline.Outcome{}, fmt.Errorf("count hit of %s: %w", filter.Name, err)
		}
		p.metrics.AlertSnoozed(filter.Name)

		if filter.Discard {
			if hash := record.Hash(); hash != "" {
				if _, err := p.store.Delete(ctx, pipeline.RecordCollection, condition.Equals{Field: domain.FieldHash, Value: hash}); err != nil {
					return pipeline.Outcome{}, fmt.Errorf("discard %s: %w", hash, err)
				}
			}
			return pipeline.Discard(), nil
		}
		return pipeline.WriteAndStop(record), nil
	}
	return pipeline.Next(nil), nil
}

// RetroApply deletes stored records matching the named enabled discard filters.
// Params: ctx for store calls; filter names.
// Returns: number of deleted records.
func (p *Plugin) RetroApply(ctx context.Context, names []string) (int, error) {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	deleted := 0
	for _, filter := range *p.filters.Load() {
		if !wanted[filter.Name] || !filter.Enabled || !filter.Discard {
			continue
		}
		result, err := p.store.Delete(ctx, pipeline.RecordCollection, filter.Condition)
		if err != nil {
			return deleted, fmt.Errorf("retro apply %s: %w", filter.Name, err)
		}
		p.logger.Info("snooze filter retro applied", "filter", filter.Name, "deleted", result.Count)
		deleted += result.Count
	}
	return deleted, nil
}

func hitFilter(filter Filter) map[string]any {
	if filter.UID != "" {
		return map[string]any{domain.FieldUID: filter.UID}
	}
	return map[string]any{"name": filter.Name}
}
