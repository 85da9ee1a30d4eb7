package rule

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/metrics"
	"snooze/internal/modification"
	"snooze/internal/pipeline"
	"snooze/internal/state"
)

// Collection stores rule definitions.
const Collection = "rule"

// Rule is one loaded rule definition.
type Rule struct {
	UID           string
	Name          string
	Enabled       bool
	Parent        string
	Condition     condition.Condition
	Modifications []modification.Modification
	Comment       string
}

// forest is an immutable rule tree: flat rule table plus child adjacency by uid.
type forest struct {
	rules    map[string]Rule
	roots    []string
	children map[string][]string
}

// Plugin is the rule pipeline stage.
type Plugin struct {
	store   state.Store
	dict    modification.Dictionary
	logger  *slog.Logger
	metrics *metrics.Registry

	snapshot atomic.Pointer[forest]
}

// New creates rule stage with an empty rule set.
// Params: definition store, dictionary for KV_SET, logger and metrics.
// Returns: plugin; call Reload to load rules.
func New(store state.Store, dict modification.Dictionary, logger *slog.Logger, reg *metrics.Registry) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Plugin{store: store, dict: dict, logger: logger.With("stage", Collection), metrics: reg}
	p.snapshot.Store(&forest{})
	return p
}

// Name returns the stage name.
func (p *Plugin) Name() string { return Collection }

// Reload rebuilds the rule tree from the store and swaps it in.
// Params: ctx for the store read.
// Returns: store error; invalid definitions are logged and skipped.
func (p *Plugin) Reload(ctx context.Context) error {
	docs, err := pipeline.LoadDefinitions(ctx, p.store, Collection)
	if err != nil {
		return err
	}
	next := buildForest(docs, p.logger)
	p.snapshot.Store(next)
	p.logger.Info("rules reloaded", "count", len(next.rules), "roots", len(next.roots))
	return nil
}

// Rules returns loaded rules in evaluation order (depth first).
func (p *Plugin) Rules() []Rule {
	f := p.snapshot.Load()
	out := make([]Rule, 0, len(f.rules))
	f.walk(f.roots, func(r Rule) { out = append(out, r) }, map[string]bool{})
	return out
}

// Process applies matching rules to the record.
// Params: ctx for dictionary lookups; pass holding the record.
// Returns: Continue, or dictionary error.
func (p *Plugin) Process(ctx context.Context, pass *pipeline.Pass) (pipeline.Outcome, error) {
	f := p.snapshot.Load()
	if err := p.processRules(ctx, f, f.roots, pass.Record, map[string]bool{}); err != nil {
		return pipeline.Outcome{}, err
	}
	return pipeline.Next(nil), nil
}

func (p *Plugin) processRules(ctx context.Context, f *forest, uids []string, record domain.Record, seen map[string]bool) error {
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		rule := f.rules[uid]
		if !rule.Enabled || !rule.Condition.Match(record) {
			continue
		}
		seen[uid] = true
		pipeline.AppendUnique(record, domain.FieldRules, rule.Name)
		p.metrics.RuleHit(rule.Name)

		changed, err := modification.ApplyAll(ctx, record, rule.Modifications, p.dict)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if len(changed) > 0 {
			for _, m := range changed {
				p.logger.Debug("record modified", "rule", rule.Name, "record_uid", record.UID(), "modification", fmt.Sprint(m))
			}
		} else {
			p.logger.Debug("record not modified", "rule", rule.Name, "record_uid", record.UID())
		}

		if err := p.processRules(ctx, f, f.children[uid], record, seen); err != nil {
			return err
		}
	}
	return nil
}

// FromDocument decodes a stored rule definition.
// Params: rule document.
// Returns: rule or error wrapping the condition/modification decode error.
func FromDocument(doc domain.Record) (Rule, error) {
	cond, err := pipeline.DefinitionCondition(doc)
	if err != nil {
		return Rule{}, err
	}
	var mods []modification.Modification
	if raw := doc["modifications"]; raw != nil {
		list, ok := domain.AsList(raw)
		if !ok {
			return Rule{}, fmt.Errorf("modifications: %w: expected list, got %T", modification.ErrInvalid, raw)
		}
		if mods, err = modification.ParseList(list); err != nil {
			return Rule{}, err
		}
	}
	return Rule{
		UID:           doc.UID(),
		Name:          doc.String("name"),
		Enabled:       pipeline.Enabled(doc),
		Parent:        doc.String("parent"),
		Condition:     cond,
		Modifications: mods,
		Comment:       doc.String("comment"),
	}, nil
}

// buildForest decodes docs (already ordered by name) into a rule tree.
// A parent is referenced by uid or by name. Rules with an unknown parent are dropped.
func buildForest(docs []domain.Record, logger *slog.Logger) *forest {
	f := &forest{rules: make(map[string]Rule, len(docs)), children: make(map[string][]string)}
	order := make([]string, 0, len(docs))
	byName := make(map[string]string, len(docs))
	for _, doc := range docs {
		rule, err := FromDocument(doc)
		if err != nil {
			logger.Warn("skip invalid rule", "name", doc.String("name"), "uid", doc.UID(), "error", err)
			continue
		}
		if rule.UID == "" {
			rule.UID = rule.Name
		}
		f.rules[rule.UID] = rule
		order = append(order, rule.UID)
		if _, exists := byName[rule.Name]; !exists {
			byName[rule.Name] = rule.UID
		}
	}

	for _, uid := range order {
		rule := f.rules[uid]
		if rule.Parent == "" {
			f.roots = append(f.roots, uid)
			continue
		}
		parent := rule.Parent
		if _, ok := f.rules[parent]; !ok {
			resolved, found := byName[parent]
			if !found {
				logger.Warn("skip rule with unknown parent", "name", rule.Name, "parent", rule.Parent)
				continue
			}
			parent = resolved
		}
		f.children[parent] = append(f.children[parent], uid)
	}
	return f
}

func (f *forest) walk(uids []string, visit func(Rule), seen map[string]bool) {
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		visit(f.rules[uid])
		f.walk(f.children[uid], visit, seen)
	}
}
