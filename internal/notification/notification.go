package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/notifyqueue"
	"snooze/internal/pipeline"
	"snooze/internal/state"
	"snooze/internal/timeconstraint"
)

// Collection stores notification definitions.
const Collection = "notification"

// Notification is one loaded notification definition.
type Notification struct {
	UID            string
	Name           string
	Enabled        bool
	Condition      condition.Condition
	TimeConstraint timeconstraint.Constraint
	Actions        []string
	Comment        string
}

// Match reports whether the notification accepts record at its alert time.
func (n Notification) Match(record domain.Record, now time.Time) bool {
	return n.Condition.Match(record) && n.TimeConstraint.Match(record.Time(now))
}

// FromDocument decodes a stored notification definition.
// Params: notification document.
// Returns: notification or decode error.
func FromDocument(doc domain.Record) (Notification, error) {
	cond, err := pipeline.DefinitionCondition(doc)
	if err != nil {
		return Notification{}, err
	}
	constraint, err := pipeline.DefinitionConstraint(doc)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		UID:            doc.UID(),
		Name:           doc.String("name"),
		Enabled:        pipeline.Enabled(doc),
		Condition:      cond,
		TimeConstraint: constraint,
		Actions:        doc.StringList("actions"),
		Comment:        doc.String("comment"),
	}, nil
}

// Plugin is the notification decision stage.
type Plugin struct {
	store    state.Store
	producer notifyqueue.Producer
	logger   *slog.Logger
	metrics  *metrics.Registry
	clock    clock.Clock

	notifications atomic.Pointer[[]Notification]
}

// New creates the notification stage.
// Params: definition store, decision producer, logger, metrics and clock.
// Returns: plugin; call Reload to load definitions.
func New(store state.Store, producer notifyqueue.Producer, logger *slog.Logger, reg *metrics.Registry, clk clock.Clock) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	p := &Plugin{store: store, producer: producer, logger: logger.With("stage", Collection), metrics: reg, clock: clk}
	p.notifications.Store(&[]Notification{})
	return p
}

// Name returns the stage name.
func (p *Plugin) Name() string { return Collection }

// Notifications returns loaded definitions in name order.
func (p *Plugin) Notifications() []Notification {
	return append([]Notification(nil), *p.notifications.Load()...)
}

// Reload reads notification definitions and swaps them in.
// Params: ctx for the store read.
// Returns: store error; invalid definitions are logged and skipped.
func (p *Plugin) Reload(ctx context.Context) error {
	docs, err := pipeline.LoadDefinitions(ctx, p.store, Collection)
	if err != nil {
		return err
	}
	loaded := make([]Notification, 0, len(docs))
	for _, doc := range docs {
		n, err := FromDocument(doc)
		if err != nil {
			p.logger.Warn("skip invalid notification", "name", doc.String("name"), "uid", doc.UID(), "error", err)
			continue
		}
		loaded = append(loaded, n)
	}
	p.notifications.Store(&loaded)
	p.logger.Info("notifications reloaded", "count", len(loaded))
	return nil
}

// Process records matching notifications on the record and enqueues their decisions once it is stored.
// Params: ctx unused before commit; pass holding the record.
// Returns: Continue; enqueue failures surface from the pass commit.
func (p *Plugin) Process(_ context.Context, pass *pipeline.Pass) (pipeline.Outcome, error) {
	record := pass.Record
	if record.String(domain.FieldSnoozed) != "" {
		return pipeline.Next(nil), nil
	}
	now := pass.Now
	if now.IsZero() {
		now = p.clock.Now()
	}

	var matched []Notification
	for _, n := range *p.notifications.Load() {
		if !n.Enabled || !n.Match(record, now) {
			continue
		}
		if !pipeline.AppendUnique(record, domain.FieldNotifications, n.Name) {
			continue
		}
		matched = append(matched, n)
	}
	if len(matched) > 0 {
		pass.OnCommit(func(ctx context.Context, stored domain.Record) error {
			return p.enqueue(ctx, stored, matched, now)
		})
	}
	return pipeline.Next(nil), nil
}

// enqueue publishes decisions for a stored record, continuing past failures.
func (p *Plugin) enqueue(ctx context.Context, stored domain.Record, matched []Notification, now time.Time) error {
	var errs []error
	for _, n := range matched {
		if p.producer != nil {
			decision := notifyqueue.NewDecision(stored, n.Name, n.Actions, now)
			if err := p.producer.Enqueue(ctx, decision); err != nil {
				p.logger.Error("notification decision lost", "notification", n.Name, "decision_id", decision.ID, "record_uid", stored.UID(), "error", err)
				errs = append(errs, fmt.Errorf("enqueue %s: %w", n.Name, err))
				continue
			}
			p.logger.Debug("notification queued", "notification", n.Name, "decision_id", decision.ID, "record_uid", stored.UID())
		}
		p.metrics.AlertNotified(n.Name)
	}
	return errors.Join(errs...)
}
