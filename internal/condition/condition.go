package condition

import (
	"regexp"
	"strings"

	"snooze/internal/domain"
)

// Kind is the wire discriminator of a condition node.
type Kind string

const (
	KindAlwaysTrue      Kind = "ALWAYS_TRUE"
	KindEquals          Kind = "="
	KindNotEquals       Kind = "!="
	KindGreaterThan     Kind = ">"
	KindLowerThan       Kind = "<"
	KindGreaterOrEquals Kind = ">="
	KindLowerOrEquals   Kind = "<="
	KindMatches         Kind = "MATCHES"
	KindExists          Kind = "EXISTS"
	KindSearch          Kind = "SEARCH"
	KindContains        Kind = "CONTAINS"
	KindIn              Kind = "IN"
	KindAnd             Kind = "AND"
	KindOr              Kind = "OR"
	KindNot             Kind = "NOT"
)

// Condition is one immutable node of a boolean expression over record fields.
// Match never panics: missing fields and type mismatches evaluate to false.
type Condition interface {
	Kind() Kind
	Match(record domain.Record) bool
	String() string
	condition()
}

// AlwaysTrue matches every record.
type AlwaysTrue struct{}

// Equals matches when field value equals Value.
type Equals struct {
	Field string
	Value any
}

// NotEquals matches when field exists and differs from Value.
type NotEquals struct {
	Field string
	Value any
}

// GreaterThan matches when field value > Value.
type GreaterThan struct {
	Field string
	Value any
}

// LowerThan matches when field value < Value.
type LowerThan struct {
	Field string
	Value any
}

// GreaterOrEquals matches when field value >= Value.
type GreaterOrEquals struct {
	Field string
	Value any
}

// LowerOrEquals matches when field value <= Value.
type LowerOrEquals struct {
	Field string
	Value any
}

// Matches runs a case-insensitive regex search on a string field.
type Matches struct {
	Field   string
	Pattern string
	re      *regexp.Regexp
}

// Exists matches when field is present and not null.
type Exists struct {
	Field string
}

// Search matches when Value is a substring of the record rendering.
type Search struct {
	Value any
}

// Contains matches when list field holds Value (or any of Value when it is a list).
// String values are case-insensitive regex searches on string elements.
type Contains struct {
	Field string
	Value any
	res   []*regexp.Regexp
}

// In matches when field value is a member of Values.
type In struct {
	Field  string
	Values []any
}

// And matches when every sub-condition matches; empty And is true.
type And struct {
	Conditions []Condition
}

// Or matches when any sub-condition matches; empty Or is false.
type Or struct {
	Conditions []Condition
}

// Not negates one sub-condition.
type Not struct {
	Condition Condition
}

// NewMatches compiles Matches node.
// Params: field path and pattern, optionally wrapped in /.../.
// Returns: node or InvalidError when pattern does not compile.
func NewMatches(field, pattern string) (Matches, error) {
	pattern = stripRegexSugar(pattern)
	re, err := compileInsensitive(pattern)
	if err != nil {
		return Matches{}, &InvalidError{Type: string(KindMatches), Args: pattern, Reason: err.Error()}
	}
	return Matches{Field: field, Pattern: pattern, re: re}, nil
}

// NewContains compiles Contains node.
// Params: list field path and scalar or list value.
// Returns: node or InvalidError when a string value is not a valid regex.
func NewContains(field string, value any) (Contains, error) {
	node := Contains{Field: field, Value: value}
	for _, item := range containsValues(value) {
		s, ok := item.(string)
		if !ok {
			node.res = append(node.res, nil)
			continue
		}
		re, err := compileInsensitive(s)
		if err != nil {
			return Contains{}, &InvalidError{Type: string(KindContains), Args: value, Reason: err.Error()}
		}
		node.res = append(node.res, re)
	}
	return node, nil
}

func (AlwaysTrue) Kind() Kind      { return KindAlwaysTrue }
func (Equals) Kind() Kind          { return KindEquals }
func (NotEquals) Kind() Kind       { return KindNotEquals }
func (GreaterThan) Kind() Kind     { return KindGreaterThan }
func (LowerThan) Kind() Kind       { return KindLowerThan }
func (GreaterOrEquals) Kind() Kind { return KindGreaterOrEquals }
func (LowerOrEquals) Kind() Kind   { return KindLowerOrEquals }
func (Matches) Kind() Kind         { return KindMatches }
func (Exists) Kind() Kind          { return KindExists }
func (Search) Kind() Kind          { return KindSearch }
func (Contains) Kind() Kind        { return KindContains }
func (In) Kind() Kind              { return KindIn }
func (And) Kind() Kind             { return KindAnd }
func (Or) Kind() Kind              { return KindOr }
func (Not) Kind() Kind             { return KindNot }

func (AlwaysTrue) condition()      {}
func (Equals) condition()          {}
func (NotEquals) condition()       {}
func (GreaterThan) condition()     {}
func (LowerThan) condition()       {}
func (GreaterOrEquals) condition() {}
func (LowerOrEquals) condition()   {}
func (Matches) condition()         {}
func (Exists) condition()          {}
func (Search) condition()          {}
func (Contains) condition()        {}
func (In) condition()              {}
func (And) condition()             {}
func (Or) condition()              {}
func (Not) condition()             {}

// Match always returns true.
func (AlwaysTrue) Match(domain.Record) bool { return true }

// Match compares field value and Value.
func (c Equals) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	if !ok {
		return false
	}
	return domain.Equal(value, c.Value)
}

// Match compares field value and Value.
func (c NotEquals) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	if !ok {
		return false
	}
	return !domain.Equal(value, c.Value)
}

// Match compares field value and Value.
func (c GreaterThan) Match(record domain.Record) bool {
	return compareField(record, KindGreaterThan, c.Field, c.Value, func(cmp int) bool { return cmp > 0 })
}

// Match compares field value and Value.
func (c LowerThan) Match(record domain.Record) bool {
	return compareField(record, KindLowerThan, c.Field, c.Value, func(cmp int) bool { return cmp < 0 })
}

// Match compares field value and Value.
func (c GreaterOrEquals) Match(record domain.Record) bool {
	return compareField(record, KindGreaterOrEquals, c.Field, c.Value, func(cmp int) bool { return cmp >= 0 })
}

// Match compares field value and Value.
func (c LowerOrEquals) Match(record domain.Record) bool {
	return compareField(record, KindLowerOrEquals, c.Field, c.Value, func(cmp int) bool { return cmp <= 0 })
}

// Match searches the regex in a string field.
func (c Matches) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	if !ok || value == nil {
		return false
	}
	s, isString := value.(string)
	if !isString {
		log().Warn("condition type mismatch", "op", string(KindMatches), "field", c.Field, "record_value", value)
		return false
	}
	re := c.regex()
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func (c Matches) regex() *regexp.Regexp {
	if c.re != nil {
		return c.re
	}
	re, err := compileInsensitive(stripRegexSugar(c.Pattern))
	if err != nil {
		log().Warn("condition regex does not compile", "pattern", c.Pattern, "error", err.Error())
		return nil
	}
	return re
}

// Match checks field presence.
func (c Exists) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	return ok && value != nil
}

// Match searches the value in the record rendering.
func (c Search) Match(record domain.Record) bool {
	needle := strings.ToLower(domain.Stringify(c.Value))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(string(domain.CanonicalJSON(record))), needle)
}

// Match checks list membership of one or several values.
func (c Contains) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	if !ok || value == nil {
		return false
	}
	items, isList := domain.AsList(value)
	if !isList {
		items = []any{value}
	}
	wanted := containsValues(c.Value)
	for i, want := range wanted {
		var re *regexp.Regexp
		if i < len(c.res) {
			re = c.res[i]
		} else if s, isString := want.(string); isString {
			compiled, err := compileInsensitive(s)
			if err == nil {
				re = compiled
			}
		}
		for _, item := range items {
			if re != nil {
				if s, isString := item.(string); isString && re.MatchString(s) {
					return true
				}
				continue
			}
			if domain.Equal(item, want) {
				return true
			}
		}
	}
	return false
}

// Match checks that field value is one of Values.
func (c In) Match(record domain.Record) bool {
	value, ok := record.Get(c.Field)
	if !ok {
		return false
	}
	candidates, isList := domain.AsList(value)
	if !isList {
		candidates = []any{value}
	}
	for _, candidate := range candidates {
		for _, member := range c.Values {
			if domain.Equal(candidate, member) {
				return true
			}
		}
	}
	return false
}

// Match requires all sub-conditions.
func (c And) Match(record domain.Record) bool {
	for _, sub := range c.Conditions {
		if sub == nil || !sub.Match(record) {
			return false
		}
	}
	return true
}

// Match requires one sub-condition.
func (c Or) Match(record domain.Record) bool {
	for _, sub := range c.Conditions {
		if sub != nil && sub.Match(record) {
			return true
		}
	}
	return false
}

// Match negates sub-condition.
func (c Not) Match(record domain.Record) bool {
	if c.Condition == nil {
		return true
	}
	return !c.Condition.Match(record)
}

// Equal reports whether two conditions have the same structured form.
func Equal(a, b Condition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return domain.Equal(ToStructured(a), ToStructured(b))
}

func compareField(record domain.Record, op Kind, field string, want any, accept func(int) bool) bool {
	value, ok := record.Get(field)
	if !ok || value == nil {
		return false
	}
	cmp, comparable := compareValues(value, want)
	if !comparable {
		log().Warn("condition type mismatch", "op", string(op), "field", field, "record_value", value, "value", want)
		return false
	}
	return accept(cmp)
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := domain.ToFloat(a); ok {
		fb, ok := domain.ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func containsValues(value any) []any {
	if list, ok := domain.AsList(value); ok {
		return list
	}
	return []any{value}
}

func stripRegexSugar(pattern string) string {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1]
	}
	return pattern
}

func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
