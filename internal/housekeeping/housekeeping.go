package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"snooze/internal/aggregate"
	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/config"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/pipeline"
	"snooze/internal/state"

	"github.com/robfig/cron/v3"
)

// Report counts documents removed by one sweep.
type Report struct {
	Records  int
	Comments int
}

// Housekeeper removes expired records and stale comments on a cron schedule.
type Housekeeper struct {
	store      state.Store
	logger     *slog.Logger
	metrics    *metrics.Registry
	clock      clock.Clock
	schedule   cron.Schedule
	expr       string
	commentTTL time.Duration
}

// New creates housekeeper from config.
// Params: store, housekeeping section, logger, metrics and clock.
// Returns: housekeeper or schedule parse error.
func New(store state.Store, cfg config.HousekeepingConfig, logger *slog.Logger, reg *metrics.Registry, clk clock.Clock) (*Housekeeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("housekeeping schedule %q: %w", cfg.Schedule, err)
	}
	return &Housekeeper{
		store:      store,
		logger:     logger,
		metrics:    reg,
		clock:      clk,
		schedule:   schedule,
		expr:       cfg.Schedule,
		commentTTL: time.Duration(cfg.CommentTTLSec) * time.Second,
	}, nil
}

// Run sweeps on schedule until ctx is done; overlapping runs are skipped.
// Params: ctx controlling lifetime.
// Returns: nil after the scheduler stopped.
func (h *Housekeeper) Run(ctx context.Context) error {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	scheduler.Schedule(h.schedule, cron.FuncJob(func() {
		if _, err := h.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("housekeeping sweep failed", "error", err)
		}
	}))
	scheduler.Start()
	h.logger.Info("housekeeping started", "schedule", h.expr)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	h.logger.Info("housekeeping stopped")
	return nil
}

// Sweep runs one expiry pass.
// Params: ctx for store calls.
// Returns: removal counts and joined store errors.
func (h *Housekeeper) Sweep(ctx context.Context) (Report, error) {
	now := h.clock.Now()
	var report Report
	var errs []error

	records, err := h.expireRecords(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	report.Records = records
	h.metrics.RecordsExpired(pipeline.RecordCollection, records)

	comments, err := h.cleanupComments(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	report.Comments = comments
	h.metrics.RecordsExpired(aggregate.CommentCollection, comments)

	if report.Records > 0 || report.Comments > 0 {
		h.logger.Info("housekeeping sweep done", "records", report.Records, "comments", report.Comments)
	} else {
		h.logger.Debug("housekeeping sweep done, nothing expired")
	}
	return report, errors.Join(errs...)
}

// expireRecords deletes records whose date_epoch + ttl is in the past. Negative ttl never expires.
func (h *Housekeeper) expireRecords(ctx context.Context, now time.Time) (int, error) {
	result, err := h.store.Search(ctx, pipeline.RecordCollection, condition.GreaterOrEquals{Field: domain.FieldTTL, Value: 0}, state.SearchOptions{})
	if err != nil {
		return 0, fmt.Errorf("expire records: %w", err)
	}
	nowEpoch := clock.EpochSeconds(now)
	var expired []any
	for _, doc := range result.Data {
		ttl, ok := doc.Float(domain.FieldTTL)
		if !ok || ttl < 0 {
			continue
		}
		last, _ := doc.Float(domain.FieldDateEpoch)
		if last+ttl <= nowEpoch && doc.UID() != "" {
			expired = append(expired, doc.UID())
		}
	}
	return h.deleteUIDs(ctx, pipeline.RecordCollection, expired)
}

// cleanupComments deletes comments of vanished records and, when comment_ttl_sec is set, old comments.
func (h *Housekeeper) cleanupComments(ctx context.Context, now time.Time) (int, error) {
	comments, err := h.store.Search(ctx, aggregate.CommentCollection, nil, state.SearchOptions{})
	if err != nil {
		return 0, fmt.Errorf("cleanup comments: %w", err)
	}
	if len(comments.Data) == 0 {
		return 0, nil
	}
	records, err := h.store.Search(ctx, pipeline.RecordCollection, nil, state.SearchOptions{})
	if err != nil {
		return 0, fmt.Errorf("cleanup comments: %w", err)
	}
	alive := make(map[string]bool, len(records.Data))
	for _, doc := range records.Data {
		alive[doc.UID()] = true
	}

	cutoff := clock.EpochSeconds(now.Add(-h.commentTTL))
	var stale []any
	for _, doc := range comments.Data {
		if doc.UID() == "" {
			continue
		}
		if !alive[doc.String("record_uid")] {
			stale = append(stale, doc.UID())
			continue
		}
		if h.commentTTL > 0 {
			if date, ok := doc.Float("date"); ok && date < cutoff {
				stale = append(stale, doc.UID())
			}
		}
	}
	return h.deleteUIDs(ctx, aggregate.CommentCollection, stale)
}

func (h *Housekeeper) deleteUIDs(ctx context.Context, collection string, uids []any) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	result, err := h.store.Delete(ctx, collection, condition.In{Field: domain.FieldUID, Values: uids})
	if err != nil {
		return result.Count, fmt.Errorf("delete expired %s: %w", collection, err)
	}
	return result.Count, nil
}
