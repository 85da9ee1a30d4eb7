package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/modification"
	"snooze/internal/timeconstraint"
)

// Collections holding definitions in the store.
const (
	CollectionRule         = "rule"
	CollectionAggregate    = "aggregaterule"
	CollectionSnooze       = "snooze"
	CollectionNotification = "notification"
)

// Match is the condition part shared by every definition: a query string
// (`if`) or an inline structured condition, never both.
type Match struct {
	If        string         `toml:"if"`
	Condition map[string]any `toml:"condition"`
}

// Resolve builds the condition of a definition.
// Returns: AlwaysTrue when neither form is set.
func (m Match) Resolve() (condition.Condition, error) {
	query := strings.TrimSpace(m.If)
	switch {
	case query != "" && len(m.Condition) > 0:
		return nil, errors.New("if and condition are mutually exclusive")
	case len(m.Condition) > 0:
		return condition.FromStructured(m.Condition)
	default:
		return condition.Parse(query)
	}
}

// RuleConfig describes one modification rule.
type RuleConfig struct {
	Name          string
	Enabled       bool
	Parent        string
	Match         Match
	Modifications []map[string]any
	Comment       string
}

// AggregateConfig describes one aggregate (dedup) rule.
// ThrottleSec 0 disables throttling; Flapping seeds the flap countdown.
type AggregateConfig struct {
	Name        string
	Enabled     bool
	Match       Match
	Fields      []string
	Watch       []string
	ThrottleSec int
	Flapping    int
	Comment     string
}

// SnoozeConfig describes one snooze filter.
type SnoozeConfig struct {
	Name    string
	Enabled bool
	Match   Match
	Time    map[string]any
	Discard bool
	Comment string
}

// NotificationConfig describes one notification decision definition.
type NotificationConfig struct {
	Name    string
	Enabled bool
	Match   Match
	Time    map[string]any
	Actions []string
	Comment string
}

type rawRuleConfig struct {
	Match
	Enabled      *bool            `toml:"enabled"`
	Parent       string           `toml:"parent"`
	Modification []map[string]any `toml:"modification"`
	Comment      string           `toml:"comment"`
}

type rawAggregateConfig struct {
	Match
	Enabled     *bool    `toml:"enabled"`
	Fields      []string `toml:"fields"`
	Watch       []string `toml:"watch"`
	ThrottleSec *int     `toml:"throttle_sec"`
	Flapping    *int     `toml:"flapping"`
	Comment     string   `toml:"comment"`
}

type rawSnoozeConfig struct {
	Match
	Enabled *bool          `toml:"enabled"`
	Time    map[string]any `toml:"time"`
	Discard bool           `toml:"discard"`
	Comment string         `toml:"comment"`
}

type rawNotificationConfig struct {
	Match
	Enabled *bool          `toml:"enabled"`
	Time    map[string]any `toml:"time"`
	Actions []string       `toml:"actions"`
	Comment string         `toml:"comment"`
}

// normalizeRawConfig converts raw TOML model to runtime config with definitions sorted by name.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:      raw.Service,
		Log:          raw.Log,
		Ingest:       raw.Ingest,
		Store:        raw.Store,
		KV:           raw.KV,
		Pipeline:     raw.Pipeline,
		Housekeeping: raw.Housekeeping,
		Notify:       raw.Notify,
	}
	for _, name := range sortedNames(raw.Rule) {
		body := raw.Rule[name]
		cfg.Rules = append(cfg.Rules, RuleConfig{
			Name:          name,
			Enabled:       enabled(body.Enabled),
			Parent:        strings.TrimSpace(body.Parent),
			Match:         body.Match,
			Modifications: body.Modification,
			Comment:       body.Comment,
		})
	}
	for _, name := range sortedNames(raw.Aggregate) {
		body := raw.Aggregate[name]
		throttle := DefaultThrottleSec
		if body.ThrottleSec != nil {
			throttle = *body.ThrottleSec
		}
		flapping := DefaultFlapping
		if body.Flapping != nil {
			flapping = *body.Flapping
		}
		cfg.Aggregates = append(cfg.Aggregates, AggregateConfig{
			Name:        name,
			Enabled:     enabled(body.Enabled),
			Match:       body.Match,
			Fields:      body.Fields,
			Watch:       body.Watch,
			ThrottleSec: throttle,
			Flapping:    flapping,
			Comment:     body.Comment,
		})
	}
	for _, name := range sortedNames(raw.Snooze) {
		body := raw.Snooze[name]
		cfg.Snoozes = append(cfg.Snoozes, SnoozeConfig{
			Name:    name,
			Enabled: enabled(body.Enabled),
			Match:   body.Match,
			Time:    body.Time,
			Discard: body.Discard,
			Comment: body.Comment,
		})
	}
	for _, name := range sortedNames(raw.Notification) {
		body := raw.Notification[name]
		cfg.Notifications = append(cfg.Notifications, NotificationConfig{
			Name:    name,
			Enabled: enabled(body.Enabled),
			Match:   body.Match,
			Time:    body.Time,
			Actions: body.Actions,
			Comment: body.Comment,
		})
	}
	return cfg, nil
}

// validateDefinitions checks names, conditions, constraints, modifications and the rule tree.
// Params: cfg snapshot.
// Returns: first validation error with definition path.
func validateDefinitions(cfg Config) error {
	ruleNames := make(map[string]string, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if _, dup := ruleNames[rule.Name]; dup {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		ruleNames[rule.Name] = rule.Parent
		if _, err := rule.Document(); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.Name, err)
		}
	}
	for _, rule := range cfg.Rules {
		if rule.Parent == "" {
			continue
		}
		if _, ok := ruleNames[rule.Parent]; !ok {
			return fmt.Errorf("rule.%s.parent references unknown rule %q", rule.Name, rule.Parent)
		}
		seen := map[string]struct{}{rule.Name: {}}
		for parent := rule.Parent; parent != ""; parent = ruleNames[parent] {
			if _, loop := seen[parent]; loop {
				return fmt.Errorf("rule.%s.parent forms a cycle", rule.Name)
			}
			seen[parent] = struct{}{}
		}
	}

	names := make(map[string]struct{}, len(cfg.Aggregates))
	for _, agg := range cfg.Aggregates {
		if _, dup := names[agg.Name]; dup {
			return fmt.Errorf("duplicate aggregate name %q", agg.Name)
		}
		names[agg.Name] = struct{}{}
		if agg.ThrottleSec < 0 {
			return fmt.Errorf("aggregate.%s.throttle_sec must be >=0", agg.Name)
		}
		if agg.Flapping < 0 {
			return fmt.Errorf("aggregate.%s.flapping must be >=0", agg.Name)
		}
		if _, err := agg.Document(); err != nil {
			return fmt.Errorf("aggregate.%s: %w", agg.Name, err)
		}
	}

	names = make(map[string]struct{}, len(cfg.Snoozes))
	for _, filter := range cfg.Snoozes {
		if _, dup := names[filter.Name]; dup {
			return fmt.Errorf("duplicate snooze name %q", filter.Name)
		}
		names[filter.Name] = struct{}{}
		if _, err := filter.Document(); err != nil {
			return fmt.Errorf("snooze.%s: %w", filter.Name, err)
		}
	}

	names = make(map[string]struct{}, len(cfg.Notifications))
	for _, notification := range cfg.Notifications {
		if _, dup := names[notification.Name]; dup {
			return fmt.Errorf("duplicate notification name %q", notification.Name)
		}
		names[notification.Name] = struct{}{}
		if _, err := notification.Document(); err != nil {
			return fmt.Errorf("notification.%s: %w", notification.Name, err)
		}
	}
	return nil
}

// Document renders the rule as the store document loaded by the rule stage.
func (r RuleConfig) Document() (domain.Record, error) {
	cond, err := r.Match.Resolve()
	if err != nil {
		return nil, err
	}
	raw := make([]any, 0, len(r.Modifications))
	for _, m := range r.Modifications {
		raw = append(raw, m)
	}
	mods, err := modification.ParseList(raw)
	if err != nil {
		return nil, err
	}
	structured := make([]any, 0, len(mods))
	for _, m := range mods {
		structured = append(structured, modification.ToStructured(m))
	}
	return domain.Record{
		"name":          r.Name,
		"enabled":       r.Enabled,
		"parent":        r.Parent,
		"condition":     condition.ToStructured(cond),
		"modifications": structured,
		"comment":       r.Comment,
	}, nil
}

// Document renders the aggregate rule as the store document loaded by the aggregate stage.
func (a AggregateConfig) Document() (domain.Record, error) {
	cond, err := a.Match.Resolve()
	if err != nil {
		return nil, err
	}
	return domain.Record{
		"name":      a.Name,
		"enabled":   a.Enabled,
		"condition": condition.ToStructured(cond),
		"fields":    stringsToAny(a.Fields),
		"watch":     stringsToAny(a.Watch),
		"throttle":  a.ThrottleSec,
		"flapping":  a.Flapping,
		"comment":   a.Comment,
	}, nil
}

// Document renders the snooze filter as the store document loaded by the snooze stage.
func (s SnoozeConfig) Document() (domain.Record, error) {
	cond, err := s.Match.Resolve()
	if err != nil {
		return nil, err
	}
	constraint, err := resolveConstraint(s.Time)
	if err != nil {
		return nil, err
	}
	return domain.Record{
		"name":            s.Name,
		"enabled":         s.Enabled,
		"condition":       condition.ToStructured(cond),
		"time_constraint": timeconstraint.ToStructured(constraint),
		"discard":         s.Discard,
		"comment":         s.Comment,
	}, nil
}

// Document renders the notification as the store document loaded by the notification stage.
func (n NotificationConfig) Document() (domain.Record, error) {
	cond, err := n.Match.Resolve()
	if err != nil {
		return nil, err
	}
	constraint, err := resolveConstraint(n.Time)
	if err != nil {
		return nil, err
	}
	return domain.Record{
		"name":            n.Name,
		"enabled":         n.Enabled,
		"condition":       condition.ToStructured(cond),
		"time_constraint": timeconstraint.ToStructured(constraint),
		"actions":         stringsToAny(n.Actions),
		"comment":         n.Comment,
	}, nil
}

// Documents renders every definition grouped by store collection.
// Params: validated config.
// Returns: collection name to documents.
func (c Config) Documents() (map[string][]domain.Record, error) {
	out := map[string][]domain.Record{
		CollectionRule:         {},
		CollectionAggregate:    {},
		CollectionSnooze:       {},
		CollectionNotification: {},
	}
	for _, rule := range c.Rules {
		doc, err := rule.Document()
		if err != nil {
			return nil, fmt.Errorf("rule.%s: %w", rule.Name, err)
		}
		out[CollectionRule] = append(out[CollectionRule], doc)
	}
	for _, agg := range c.Aggregates {
		doc, err := agg.Document()
		if err != nil {
			return nil, fmt.Errorf("aggregate.%s: %w", agg.Name, err)
		}
		out[CollectionAggregate] = append(out[CollectionAggregate], doc)
	}
	for _, filter := range c.Snoozes {
		doc, err := filter.Document()
		if err != nil {
			return nil, fmt.Errorf("snooze.%s: %w", filter.Name, err)
		}
		out[CollectionSnooze] = append(out[CollectionSnooze], doc)
	}
	for _, notification := range c.Notifications {
		doc, err := notification.Document()
		if err != nil {
			return nil, fmt.Errorf("notification.%s: %w", notification.Name, err)
		}
		out[CollectionNotification] = append(out[CollectionNotification], doc)
	}
	return out, nil
}

func resolveConstraint(raw map[string]any) (timeconstraint.Constraint, error) {
	if len(raw) == 0 {
		return timeconstraint.Always{}, nil
	}
	return timeconstraint.FromStructured(raw)
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringsToAny(items []string) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}
