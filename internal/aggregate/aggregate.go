package aggregate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/pipeline"
	"snooze/internal/state"
)

const (
	// Collection stores aggregate rule definitions.
	Collection = "aggregaterule"
	// CommentCollection receives automatic state-change comments.
	CommentCollection = "comment"
	// DefaultName tags records no aggregate rule matched.
	DefaultName = "default"

	// DefaultThrottle applies to stored rules without a throttle.
	DefaultThrottle = 15 * time.Minute
	// DefaultFlapping seeds flapping_countdown for stored rules without a flapping value.
	DefaultFlapping = 3
)

// Comment types written on aggregate updates.
const (
	CommentClose   = "close"
	CommentOpen    = "open"
	CommentEsc     = "esc"
	CommentComment = "comment"
)

// defaultRule handles records no aggregate rule matched.
var defaultRule = Rule{Name: DefaultName, Enabled: true, Condition: condition.AlwaysTrue{}, Throttle: 10 * time.Second, Flapping: 2}

// volatileFields are excluded from the default hash: identity, timing and aggregation bookkeeping.
var volatileFields = []string{
	domain.FieldUID,
	domain.FieldHash,
	domain.FieldDateEpoch,
	domain.FieldTimestamp,
	domain.FieldState,
	domain.FieldDuplicates,
	domain.FieldCommentCount,
	domain.FieldFlappingCountdown,
	domain.FieldSnoozed,
	domain.FieldNotifications,
	domain.FieldAggregate,
}

// Rule is one loaded aggregate rule.
// A negative Throttle throttles forever.
type Rule struct {
	UID       string
	Name      string
	Enabled   bool
	Condition condition.Condition
	Fields    []string
	Watch     []string
	Throttle  time.Duration
	Flapping  int
	Comment   string
}

// Hash computes the dedup key of record for this rule.
// Params: record to fingerprint.
// Returns: hex md5 of name and field=value pairs, values as canonical JSON.
func (r Rule) Hash(record domain.Record) string {
	parts := make([]string, 0, len(r.Fields))
	for _, field := range r.Fields {
		value, _ := record.Get(field)
		parts = append(parts, field+"="+string(domain.CanonicalJSON(value)))
	}
	return md5Hex(r.Name + "." + strings.Join(parts, "."))
}

// DefaultHash fingerprints a record no aggregate rule matched.
// Params: record with an optional raw payload.
// Returns: hex md5 of raw, or of the record without volatile fields.
func DefaultHash(record domain.Record) string {
	if raw, ok := record[domain.FieldRaw]; ok && raw != nil {
		if text, isString := raw.(string); isString {
			return md5Hex(text)
		}
		return md5Hex(string(domain.CanonicalJSON(raw)))
	}
	stable := make(map[string]any, len(record))
	for key, value := range record {
		stable[key] = value
	}
	for _, field := range volatileFields {
		delete(stable, field)
	}
	return md5Hex(string(domain.CanonicalJSON(stable)))
}

func md5Hex(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Plugin is the aggregation (dedup) pipeline stage.
type Plugin struct {
	store   state.Store
	locker  state.Locker
	logger  *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock

	rules atomic.Pointer[[]Rule]
}

// New creates the aggregate stage.
// Params: store for definitions, records and comments; locker guarding the per-hash critical section; logger, metrics, clock.
// Returns: plugin; call Reload to load rules.
func New(store state.Store, locker state.Locker, logger *slog.Logger, reg *metrics.Registry, clk clock.Clock) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	p := &Plugin{store: store, locker: locker, logger: logger.With("stage", Collection), metrics: reg, clock: clk}
	p.rules.Store(&[]Rule{})
	return p
}

// Name returns the stage name.
func (p *Plugin) Name() string { return Collection }

// Rules returns the loaded aggregate rules in evaluation order.
func (p *Plugin) Rules() []Rule {
	return append([]Rule(nil), *p.rules.Load()...)
}

// Reload reads aggregate rules from the store and swaps them in.
// Params: ctx for the store read.
// Returns: store error; invalid definitions are logged and skipped.
func (p *Plugin) Reload(ctx context.Context) error {
	docs, err := pipeline.LoadDefinitions(ctx, p.store, Collection)
	if err != nil {
		return err
	}
	rules := make([]Rule, 0, len(docs))
	for _, doc := range docs {
		rule, err := FromDocument(doc)
		if err != nil {
			p.logger.Warn("skip invalid aggregate rule", "name", doc.String("name"), "uid", doc.UID(), "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	p.rules.Store(&rules)
	p.logger.Info("aggregate rules reloaded", "count", len(rules))
	return nil
}

// FromDocument decodes a stored aggregate rule.
// Params: aggregate rule document; throttle in seconds.
// Returns: rule or condition decode error.
func FromDocument(doc domain.Record) (Rule, error) {
	cond, err := pipeline.DefinitionCondition(doc)
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{
		UID:       doc.UID(),
		Name:      doc.String("name"),
		Enabled:   pipeline.Enabled(doc),
		Condition: cond,
		Fields:    doc.StringList("fields"),
		Watch:     doc.StringList("watch"),
		Throttle:  DefaultThrottle,
		Flapping:  DefaultFlapping,
		Comment:   doc.String("comment"),
	}
	if seconds, ok := doc.Float("throttle"); ok {
		rule.Throttle = time.Duration(seconds * float64(time.Second))
	}
	if flapping, ok := doc.Int("flapping"); ok {
		rule.Flapping = flapping
	}
	return rule, nil
}

// Process hashes the record, then merges it into the stored aggregate with the same hash.
// The per-hash lock is held until the pipeline has written the record.
// Params: ctx for store and lock calls; pass holding the record.
// Returns: Continue with the merged record, or AbortAndUpdate for throttled, flapping and repeated close signals.
func (p *Plugin) Process(ctx context.Context, pass *pipeline.Pass) (pipeline.Outcome, error) {
	record := pass.Record
	rule, matched := p.match(record)
	var hash string
	if matched {
		hash = rule.Hash(record)
		p.metrics.AggregateHit(rule.Name)
	} else {
		hash = DefaultHash(record)
	}
	record[domain.FieldHash] = hash
	record[domain.FieldAggregate] = rule.Name

	unlock, err := p.locker.Lock(ctx, "hash."+hash)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("lock hash %s: %w", hash, err)
	}
	pass.Defer(unlock)

	existing, err := p.store.GetOne(ctx, pipeline.RecordCollection, map[string]any{domain.FieldHash: hash})
	switch {
	case errors.Is(err, state.ErrNotFound):
		p.logger.Debug("new aggregate", "hash", hash, "aggregate", rule.Name)
		record[domain.FieldDuplicates] = 1
		delete(record, domain.FieldSnoozed)
		delete(record, domain.FieldNotifications)
		return pipeline.Next(record), nil
	case err != nil:
		return pipeline.Outcome{}, fmt.Errorf("lookup aggregate %s: %w", hash, err)
	}

	now := pass.Now
	if now.IsZero() {
		now = p.clock.Now()
	}
	return p.update(ctx, rule, existing, record, now)
}

func (p *Plugin) match(record domain.Record) (Rule, bool) {
	for _, rule := range *p.rules.Load() {
		if rule.Enabled && rule.Condition.Match(record) {
			return rule, true
		}
	}
	return defaultRule, false
}

// update merges record into the aggregate and resolves the state transition.
func (p *Plugin) update(ctx context.Context, rule Rule, aggregate, record domain.Record, now time.Time) (pipeline.Outcome, error) {
	incomingState := record.State()

	merged := aggregate.Clone()
	for key, value := range record {
		merged[key] = value
	}
	merged[domain.FieldUID] = aggregate.UID()
	if stored, ok := aggregate[domain.FieldState]; ok {
		merged[domain.FieldState] = stored
	} else {
		delete(merged, domain.FieldState)
	}
	duplicates, _ := aggregate.Int(domain.FieldDuplicates)
	merged[domain.FieldDuplicates] = duplicates + 1
	if epoch, ok := aggregate.Float(domain.FieldDateEpoch); ok {
		merged[domain.FieldDateEpoch] = epoch
	} else {
		merged[domain.FieldDateEpoch] = clock.EpochSeconds(now)
	}
	delete(merged, domain.FieldNotificationFrom)
	// An aggregate without ttl never expires, and never-expire wins over the incoming ttl.
	if stored, present := aggregate[domain.FieldTTL]; !present || stored == nil {
		merged[domain.FieldTTL] = -1
	} else if ttl, ok := aggregate.Float(domain.FieldTTL); ok && ttl < 0 {
		merged[domain.FieldTTL] = stored
	}

	commentCount, _ := aggregate.Int(domain.FieldCommentCount)
	hash := merged.Hash()

	if incomingState == domain.StateClose {
		p.metrics.AlertClosed(rule.Name)
		if merged.State() == domain.StateClose {
			p.logger.Debug("close received for closed aggregate, discarding", "hash", hash)
			return pipeline.UpdateAndStop(merged), nil
		}
		message := fmt.Sprintf("Auto closed: Severity %s => %s", severityOf(aggregate), severityOf(record))
		if err := p.comment(ctx, aggregate, CommentClose, message, now); err != nil {
			return pipeline.Outcome{}, err
		}
		merged[domain.FieldState] = string(domain.StateClose)
		merged[domain.FieldCommentCount] = commentCount + 1
		p.logger.Debug("aggregate closed", "hash", hash)
		return pipeline.Next(merged), nil
	}

	countdown := func() int {
		if current, ok := aggregate.Int(domain.FieldFlappingCountdown); ok {
			return current - 1
		}
		return rule.Flapping - 1
	}

	changes := watchedChanges(rule.Watch, aggregate, merged)
	switch {
	case len(changes) > 0:
		var kind, message string
		switch merged.State() {
		case domain.StateClose:
			kind, message = CommentOpen, "Auto re-opened from watchlist: "+changes
			merged[domain.FieldState] = string(domain.StateOpen)
		case domain.StateAck:
			kind, message = CommentEsc, "Auto re-escalated from watchlist: "+changes
			merged[domain.FieldState] = string(domain.StateEsc)
		default:
			kind, message = CommentComment, "New escalation from watchlist: "+changes
		}
		if err := p.comment(ctx, aggregate, kind, message, now); err != nil {
			return pipeline.Outcome{}, err
		}
		merged[domain.FieldFlappingCountdown] = countdown()
	case merged.State() == domain.StateClose:
		if err := p.comment(ctx, aggregate, CommentOpen, "Auto re-opened", now); err != nil {
			return pipeline.Outcome{}, err
		}
		merged[domain.FieldState] = string(domain.StateOpen)
		merged[domain.FieldFlappingCountdown] = countdown()
	case throttled(rule.Throttle, aggregate, now):
		p.metrics.AlertThrottled(rule.Name)
		p.logger.Debug("duplicate within throttle, discarding", "hash", hash, "throttle", rule.Throttle)
		return pipeline.UpdateAndStop(merged), nil
	default:
		kind := CommentComment
		if merged.State() == domain.StateAck {
			kind = CommentEsc
			merged[domain.FieldState] = string(domain.StateEsc)
		}
		if err := p.comment(ctx, aggregate, kind, "New escalation", now); err != nil {
			return pipeline.Outcome{}, err
		}
		delete(merged, domain.FieldFlappingCountdown)
	}
	merged[domain.FieldCommentCount] = commentCount + 1

	if current, ok := merged.Int(domain.FieldFlappingCountdown); ok && current < 0 {
		p.metrics.AlertFlapping(rule.Name)
		p.logger.Debug("aggregate is flapping, discarding", "hash", hash, "countdown", current)
		return pipeline.UpdateAndStop(merged), nil
	}

	delete(merged, domain.FieldSnoozed)
	delete(merged, domain.FieldNotifications)
	return pipeline.Next(merged), nil
}

// comment stores an automatic comment on the aggregate.
func (p *Plugin) comment(ctx context.Context, aggregate domain.Record, kind, message string, now time.Time) error {
	doc := domain.Record{
		"record_uid": aggregate.UID(),
		"date":       clock.EpochSeconds(now),
		"auto":       true,
		"type":       kind,
		"message":    message,
	}
	if _, err := p.store.Write(ctx, CommentCollection, []domain.Record{doc}, state.WriteOptions{}); err != nil {
		return fmt.Errorf("write comment for %s: %w", aggregate.UID(), err)
	}
	return nil
}

// throttled reports whether an unchanged duplicate arrives within the throttle window.
func throttled(throttle time.Duration, aggregate domain.Record, now time.Time) bool {
	if throttle < 0 {
		return true
	}
	last, _ := aggregate.Float(domain.FieldDateEpoch)
	return clock.EpochSeconds(now)-last < throttle.Seconds()
}

// watchedChanges lists watched fields whose value differs, as "name (old => new)".
func watchedChanges(watch []string, aggregate, record domain.Record) string {
	var parts []string
	for _, field := range watch {
		previous, _ := aggregate.Get(field)
		current, _ := record.Get(field)
		if domain.Equal(previous, current) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s => %s)", field, domain.Stringify(previous), domain.Stringify(current)))
	}
	return strings.Join(parts, ", ")
}

func severityOf(record domain.Record) string {
	if severity := record.String(domain.FieldSeverity); severity != "" {
		return severity
	}
	return "unknown"
}
