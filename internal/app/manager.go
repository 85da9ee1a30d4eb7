package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"snooze/internal/aggregate"
	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/config"
	"snooze/internal/domain"
	"snooze/internal/logging"
	"snooze/internal/metrics"
	"snooze/internal/modification"
	"snooze/internal/notification"
	"snooze/internal/notifyqueue"
	"snooze/internal/pipeline"
	"snooze/internal/rule"
	"snooze/internal/snooze"
	"snooze/internal/state"
)

// ErrStageDisabled is returned for operations of a stage missing from pipeline.stages.
var ErrStageDisabled = errors.New("stage is not enabled")

// definitionCollections lists collections owned by config definitions, in apply order.
var definitionCollections = []string{
	config.CollectionRule,
	config.CollectionAggregate,
	config.CollectionSnooze,
	config.CollectionNotification,
}

// preservedFields survive a config apply because the pipeline maintains them.
var preservedFields = []string{"hits"}

// Manager owns the pipeline and keeps stored definitions in sync with config.
// Params: store backend, stage plugins and runtime dependencies.
// Returns: record processor and admin operations.
type Manager struct {
	mu       sync.Mutex
	store    state.Store
	pipeline *pipeline.Pipeline
	snooze   *snooze.Plugin
	logger   *slog.Logger
	clock    clock.Clock
}

// NewManager builds the configured stages in order.
// Params: store backend (also used for aggregate locks), dictionary, decision producer, stage names, logger, metrics and clock.
// Returns: manager or error for unknown stage names.
func NewManager(
	backend state.Backend,
	dict modification.Dictionary,
	producer notifyqueue.Producer,
	stageNames []string,
	logger *slog.Logger,
	reg *metrics.Registry,
	clk clock.Clock,
) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Manager{store: backend, logger: logging.Component(logger, "manager"), clock: clk}
	stageLogger := logging.Component(logger, "pipeline")

	stages := make([]pipeline.Stage, 0, len(stageNames))
	for _, name := range stageNames {
		switch name {
		case config.StageRule:
			stages = append(stages, rule.New(backend, dict, stageLogger, reg))
		case config.StageAggregate:
			stages = append(stages, aggregate.New(backend, backend, stageLogger, reg, clk))
		case config.StageSnooze:
			m.snooze = snooze.New(backend, stageLogger, reg, clk)
			stages = append(stages, m.snooze)
		case config.StageNotification:
			stages = append(stages, notification.New(backend, producer, stageLogger, reg, clk))
		default:
			return nil, fmt.Errorf("stage %q: %w", name, pipeline.ErrUnknownStage)
		}
	}
	m.pipeline = pipeline.New(backend, stages, stageLogger, reg, clk)
	return m, nil
}

// Process runs one record through the pipeline.
func (m *Manager) Process(ctx context.Context, record domain.Record) (pipeline.Result, error) {
	return m.pipeline.Process(ctx, record)
}

// Stages returns stage names in run order.
func (m *Manager) Stages() []string {
	return m.pipeline.Stages()
}

// Reload reloads named stages (all when empty) from the store.
func (m *Manager) Reload(ctx context.Context, names ...string) error {
	return m.pipeline.Reload(ctx, names...)
}

// RetroApply deletes stored records matching the named discard snooze filters.
// Params: ctx and filter names.
// Returns: deleted count, ErrStageDisabled without a snooze stage.
func (m *Manager) RetroApply(ctx context.Context, names []string) (int, error) {
	if m.snooze == nil {
		return 0, fmt.Errorf("retro apply: %s %w", config.StageSnooze, ErrStageDisabled)
	}
	return m.snooze.RetroApply(ctx, names)
}

// ApplyConfig upserts config definitions by name, deletes removed ones and reloads every stage.
// Params: ctx for store calls; validated config snapshot.
// Returns: render, store or reload error.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	documents, err := cfg.Documents()
	if err != nil {
		return err
	}
	for _, collection := range definitionCollections {
		if err := m.syncCollection(ctx, collection, documents[collection]); err != nil {
			return err
		}
	}
	if err := m.pipeline.Reload(ctx); err != nil {
		return err
	}
	m.logger.Info("configuration applied",
		"rules", len(documents[config.CollectionRule]),
		"aggregates", len(documents[config.CollectionAggregate]),
		"snoozes", len(documents[config.CollectionSnooze]),
		"notifications", len(documents[config.CollectionNotification]),
	)
	return nil
}

// syncCollection makes the stored collection equal to docs, keyed by name.
func (m *Manager) syncCollection(ctx context.Context, collection string, docs []domain.Record) error {
	existing, err := m.store.Search(ctx, collection, nil, state.SearchOptions{})
	if err != nil {
		return fmt.Errorf("sync %s: %w", collection, err)
	}
	stored := make(map[string]domain.Record, len(existing.Data))
	for _, doc := range existing.Data {
		stored[doc.String("name")] = doc
	}

	wanted := make(map[string]bool, len(docs))
	for _, doc := range docs {
		name := doc.String("name")
		wanted[name] = true
		if previous, ok := stored[name]; ok {
			for _, field := range preservedFields {
				if value, has := previous[field]; has {
					doc[field] = value
				}
			}
		}
	}

	if len(docs) > 0 {
		result, err := m.store.Write(ctx, collection, docs, state.WriteOptions{
			Primary:         []string{"name"},
			DuplicatePolicy: state.DuplicateReplace,
		})
		if err != nil {
			return fmt.Errorf("sync %s: %w", collection, err)
		}
		if len(result.Rejected) > 0 {
			return fmt.Errorf("sync %s: %s: %v", collection, result.Rejected[0].String("name"), result.Rejected[0]["error"])
		}
	}

	var stale []any
	staleNames := make([]string, 0)
	for name, doc := range stored {
		if !wanted[name] && doc.UID() != "" {
			stale = append(stale, doc.UID())
			staleNames = append(staleNames, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if _, err := m.store.Delete(ctx, collection, condition.In{Field: domain.FieldUID, Values: stale}); err != nil {
		return fmt.Errorf("sync %s: %w", collection, err)
	}
	sort.Strings(staleNames)
	m.logger.Info("removed definitions", "collection", collection, "names", staleNames)
	return nil
}
