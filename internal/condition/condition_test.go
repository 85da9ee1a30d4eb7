package condition

import (
	"testing"

	"snooze/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() domain.Record {
	return domain.Record{
		"host":     "web01",
		"severity": "critical",
		"count":    float64(5),
		"message":  "Disk /var is FULL",
		"tags":     []any{"prod", "db", float64(3)},
		"nested":   map[string]any{"items": []any{map[string]any{"name": "first"}}},
		"nothing":  nil,
	}
}

func TestMatchTable(t *testing.T) {
	t.Parallel()

	mustMatches := func(field, pattern string) Condition {
		node, err := NewMatches(field, pattern)
		require.NoError(t, err)
		return node
	}
	mustContains := func(field string, value any) Condition {
		node, err := NewContains(field, value)
		require.NoError(t, err)
		return node
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"always", AlwaysTrue{}, true},
		{"equals string", Equals{Field: "host", Value: "web01"}, true},
		{"equals int vs float", Equals{Field: "count", Value: int64(5)}, true},
		{"equals missing", Equals{Field: "missing", Value: "x"}, false},
		{"not equals", NotEquals{Field: "host", Value: "web02"}, true},
		{"not equals missing", NotEquals{Field: "missing", Value: "x"}, false},
		{"greater", GreaterThan{Field: "count", Value: 4}, true},
		{"greater equal bound", GreaterOrEquals{Field: "count", Value: 5}, true},
		{"lower", LowerThan{Field: "count", Value: 5}, false},
		{"lower equal", LowerOrEquals{Field: "count", Value: 5.0}, true},
		{"compare strings", GreaterThan{Field: "host", Value: "web00"}, true},
		{"compare mismatch", GreaterThan{Field: "host", Value: 3}, false},
		{"compare missing", LowerThan{Field: "missing", Value: 3}, false},
		{"matches insensitive search", mustMatches("message", "full"), true},
		{"matches slash sugar", mustMatches("message", "/var.*full/"), true},
		{"matches non string", mustMatches("count", "5"), false},
		{"matches nil", mustMatches("nothing", ".*"), false},
		{"exists", Exists{Field: "host"}, true},
		{"exists nil", Exists{Field: "nothing"}, false},
		{"exists nested path", Exists{Field: "nested.items.0.name"}, true},
		{"exists bad index", Exists{Field: "nested.items.4.name"}, false},
		{"search", Search{Value: "disk /VAR"}, true},
		{"search miss", Search{Value: "nope"}, false},
		{"contains scalar", mustContains("tags", "prod"), true},
		{"contains regex", mustContains("tags", "^d"), true},
		{"contains list any", mustContains("tags", []any{"staging", float64(3)}), true},
		{"contains miss", mustContains("tags", "staging"), false},
		{"contains scalar field", mustContains("host", "web"), true},
		{"in", In{Field: "severity", Values: []any{"warning", "critical"}}, true},
		{"in miss", In{Field: "severity", Values: []any{"warning"}}, false},
		{"in list field", In{Field: "tags", Values: []any{"db"}}, true},
		{"and", And{Conditions: []Condition{Exists{Field: "host"}, Equals{Field: "severity", Value: "critical"}}}, true},
		{"and empty", And{}, true},
		{"or", Or{Conditions: []Condition{Equals{Field: "host", Value: "x"}, Exists{Field: "count"}}}, true},
		{"or empty", Or{}, false},
		{"not missing", Not{Condition: Equals{Field: "missing", Value: 1}}, true},
		{"nested path equals", Equals{Field: "nested.items.0.name", Value: "first"}, true},
	}

	record := sampleRecord()
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.cond.Match(record))
		})
	}
}

func TestMatchNeverPanicsOnOddRecords(t *testing.T) {
	t.Parallel()

	records := []domain.Record{
		nil,
		{},
		{"host": map[string]any{"a": []any{nil}}},
		{"host": []any{}, "count": "five", "message": float64(1)},
	}
	conditions := []Condition{
		Equals{Field: "host.a.0", Value: nil},
		GreaterThan{Field: "count", Value: 1},
		Matches{Field: "message", Pattern: "("},
		Contains{Field: "host", Value: "x"},
		In{Field: "host", Values: nil},
		Search{Value: "x"},
		Not{},
	}
	for _, record := range records {
		for _, cond := range conditions {
			assert.NotPanics(t, func() { cond.Match(record) })
		}
	}
}

func TestSearchKeepsHTMLCharacters(t *testing.T) {
	t.Parallel()

	record := domain.Record{"message": "disk < 10% & rising", "url": "a<b>c"}
	for _, needle := range []string{"<", "&", "a<b>", "disk < 10%", "10% & RISING"} {
		if !(Search{Value: needle}).Match(record) {
			t.Fatalf("expected SEARCH %q to match %v", needle, record)
		}
	}
	if (Search{Value: "u003c"}).Match(record) {
		t.Fatalf("record text must not be HTML-escaped")
	}
}

func TestMatchesLiteralWithoutConstructor(t *testing.T) {
	t.Parallel()

	cond := Matches{Field: "message", Pattern: "disk"}
	if !cond.Match(sampleRecord()) {
		t.Fatalf("expected literal Matches to compile lazily")
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a := And{Conditions: []Condition{Equals{Field: "a", Value: int64(1)}}}
	b := And{Conditions: []Condition{Equals{Field: "a", Value: float64(1)}}}
	if !Equal(a, b) {
		t.Fatalf("expected numeric kinds to compare equal")
	}
	if Equal(a, Or{Conditions: a.Conditions}) {
		t.Fatalf("expected AND and OR to differ")
	}
}
