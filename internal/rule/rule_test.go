package rule

import (
	"context"
	"errors"
	"testing"

	"snooze/internal/clock"
	"snooze/internal/domain"
	"snooze/internal/kv"
	"snooze/internal/modification"
	"snooze/internal/pipeline"
	"snooze/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlugin(t *testing.T, dict *kv.MemoryDictionary, docs ...domain.Record) *Plugin {
	t.Helper()
	store := state.NewMemoryStore(clock.RealClock{})
	if len(docs) > 0 {
		_, err := store.Write(context.Background(), Collection, docs, state.WriteOptions{})
		require.NoError(t, err)
	}
	var d modification.Dictionary
	if dict != nil {
		d = dict
	}
	p := New(store, d, nil, nil)
	require.NoError(t, p.Reload(context.Background()))
	return p
}

func process(t *testing.T, p *Plugin, record domain.Record) domain.Record {
	t.Helper()
	outcome, err := p.Process(context.Background(), &pipeline.Pass{Record: record})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome.Kind)
	return record
}

func TestSetPriorityScenario(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, nil, domain.Record{
		"uid":           "r1",
		"name":          "critical_priority",
		"condition":     map[string]any{"type": "=", "field": "severity", "value": "critical"},
		"modifications": []any{map[string]any{"type": "SET", "field": "priority", "value": "P1"}},
	})

	record := process(t, p, domain.Record{"severity": "critical"})
	assert.Equal(t, domain.Record{
		"severity": "critical",
		"priority": "P1",
		"rules":    []any{"critical_priority"},
	}, record)

	untouched := process(t, p, domain.Record{"severity": "warning"})
	assert.Equal(t, domain.Record{"severity": "warning"}, untouched)
}

func TestChildrenOnlyEvaluatedWhenParentMatches(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, nil,
		domain.Record{"uid": "p1", "name": "web", "condition": "host ~ web",
			"modifications": []any{map[string]any{"type": "SET", "field": "team", "value": "web"}}},
		domain.Record{"uid": "c1", "name": "web_critical", "parent": "p1", "condition": "severity = critical",
			"modifications": []any{map[string]any{"type": "SET", "field": "page", "value": true}}},
		domain.Record{"uid": "c2", "name": "web_any", "parent": "web"},
		domain.Record{"uid": "s1", "name": "zz_sibling", "condition": "severity = critical",
			"modifications": []any{map[string]any{"type": "SET", "field": "sibling", "value": "yes"}}},
	)

	record := process(t, p, domain.Record{"host": "web01", "severity": "critical"})
	assert.Equal(t, "web", record["team"])
	assert.Equal(t, true, record["page"])
	assert.Equal(t, "yes", record["sibling"])
	assert.Equal(t, []string{"web", "web_any", "web_critical", "zz_sibling"}, record.StringList("rules"))

	other := process(t, p, domain.Record{"host": "db01", "severity": "critical"})
	_, hasPage := other["page"]
	assert.False(t, hasPage, "child must not run when parent does not match")
	assert.Equal(t, []string{"zz_sibling"}, other.StringList("rules"))
}

func TestDisabledAndInvalidRulesSkipped(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, nil,
		domain.Record{"uid": "d1", "name": "disabled", "enabled": false,
			"modifications": []any{map[string]any{"type": "SET", "field": "x", "value": 1}}},
		domain.Record{"uid": "d2", "name": "disabled_child", "parent": "d1"},
		domain.Record{"uid": "i1", "name": "invalid", "condition": map[string]any{"type": "NOPE"}},
		domain.Record{"uid": "i2", "name": "orphan", "parent": "ghost"},
		domain.Record{"uid": "ok", "name": "valid"},
	)

	names := make([]string, 0)
	for _, r := range p.Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"disabled", "disabled_child", "valid"}, names)

	record := process(t, p, domain.Record{"host": "a"})
	_, hasX := record["x"]
	assert.False(t, hasX)
	assert.Equal(t, []string{"valid"}, record.StringList("rules"))
}

func TestRuleNamesAreDeduplicated(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, nil, domain.Record{"uid": "r1", "name": "tag"})
	record := process(t, p, domain.Record{"rules": []any{"tag"}})
	assert.Equal(t, []any{"tag"}, record["rules"])
}

func TestKVSetThroughDictionary(t *testing.T) {
	t.Parallel()

	dict := kv.NewMemoryDictionary()
	require.NoError(t, dict.Put(context.Background(), "owners", map[string]any{"web01": "team-web"}))
	p := newTestPlugin(t, dict, domain.Record{
		"uid":  "r1",
		"name": "owner",
		"modifications": []any{map[string]any{
			"type": "KV_SET", "dictionary": "owners", "field": "host", "out_field": "owner",
		}},
	})

	record := process(t, p, domain.Record{"host": "web01"})
	assert.Equal(t, "team-web", record["owner"])
}

type failingDictionary struct{}

func (failingDictionary) Get(context.Context, string, string) (any, bool, error) {
	return nil, false, errors.New("redis unavailable")
}

func TestDictionaryErrorRejectsRecord(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(clock.RealClock{})
	_, err := store.Write(context.Background(), Collection, []domain.Record{{
		"uid":  "r1",
		"name": "owner",
		"modifications": []any{map[string]any{
			"type": "KV_SET", "dictionary": "owners", "field": "host", "out_field": "owner",
		}},
	}}, state.WriteOptions{})
	require.NoError(t, err)

	p := New(store, failingDictionary{}, nil, nil)
	require.NoError(t, p.Reload(context.Background()))

	_, err = p.Process(context.Background(), &pipeline.Pass{Record: domain.Record{"host": "web01"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule owner")
}

func TestParentCycleTerminates(t *testing.T) {
	t.Parallel()

	p := newTestPlugin(t, nil,
		domain.Record{"uid": "root", "name": "root"},
		domain.Record{"uid": "a", "name": "a", "parent": "b"},
		domain.Record{"uid": "b", "name": "b", "parent": "a"},
	)
	record := process(t, p, domain.Record{})
	assert.Equal(t, []string{"root"}, record.StringList("rules"))
}
