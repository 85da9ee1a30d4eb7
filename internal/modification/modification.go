// Package modification applies ordered field-level transformations to records.
package modification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"

	"snooze/internal/domain"
	"snooze/internal/templatefmt"
)

// ErrInvalid marks malformed structured modification definitions.
var ErrInvalid = errors.New("invalid modification")

// Kind is the wire discriminator of a modification.
type Kind string

const (
	KindSet         Kind = "SET"
	KindDelete      Kind = "DELETE"
	KindArrayAppend Kind = "ARRAY_APPEND"
	KindArrayDelete Kind = "ARRAY_DELETE"
	KindRegexParse  Kind = "REGEX_PARSE"
	KindRegexSub    Kind = "REGEX_SUB"
	KindKvSet       Kind = "KV_SET"
)

// Dictionary resolves keys of named key-value dictionaries.
type Dictionary interface {
	Get(ctx context.Context, dictionary, key string) (any, bool, error)
}

// Modification is one field-level transformation.
// Modify reports whether the record changed; errors are only returned for
// collaborator failures, field problems degrade to false.
type Modification interface {
	Kind() Kind
	Modify(ctx context.Context, record domain.Record, dict Dictionary) (bool, error)
	String() string
	modification()
}

// Set assigns Value (template-resolved when a string) to Field.
type Set struct {
	Field string
	Value any
}

// Delete removes Field.
type Delete struct {
	Field string
}

// ArrayAppend appends Value to list Field.
type ArrayAppend struct {
	Field string
	Value any
}

// ArrayDelete removes elements equal to Value from list Field.
type ArrayDelete struct {
	Field string
	Value any
}

// RegexParse merges named capture groups of Regex applied to Field.
type RegexParse struct {
	Field string
	Regex string
	re    *regexp.Regexp
}

// RegexSub writes Regex substitution of Field into OutField.
type RegexSub struct {
	Field    string
	OutField string
	Regex    string
	Sub      string
	re       *regexp.Regexp
}

// KvSet looks up Field value in Dictionary and writes the result to OutField.
type KvSet struct {
	Dictionary string
	Field      string
	OutField   string
}

// NewRegexParse compiles RegexParse.
func NewRegexParse(field, pattern string) (RegexParse, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RegexParse{}, fmt.Errorf("%w: REGEX_PARSE regex %q: %v", ErrInvalid, pattern, err)
	}
	return RegexParse{Field: field, Regex: pattern, re: re}, nil
}

// NewRegexSub compiles RegexSub; empty outField writes back to field.
func NewRegexSub(field, outField, pattern, sub string) (RegexSub, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RegexSub{}, fmt.Errorf("%w: REGEX_SUB regex %q: %v", ErrInvalid, pattern, err)
	}
	if outField == "" {
		outField = field
	}
	return RegexSub{Field: field, OutField: outField, Regex: pattern, Sub: sub, re: re}, nil
}

func (Set) Kind() Kind         { return KindSet }
func (Delete) Kind() Kind      { return KindDelete }
func (ArrayAppend) Kind() Kind { return KindArrayAppend }
func (ArrayDelete) Kind() Kind { return KindArrayDelete }
func (RegexParse) Kind() Kind  { return KindRegexParse }
func (RegexSub) Kind() Kind    { return KindRegexSub }
func (KvSet) Kind() Kind       { return KindKvSet }

func (Set) modification()         {}
func (Delete) modification()      {}
func (ArrayAppend) modification() {}
func (ArrayDelete) modification() {}
func (RegexParse) modification()  {}
func (RegexSub) modification()    {}
func (KvSet) modification()       {}

// Modify sets the field; reports change only for a truthy new value.
func (m Set) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	value, ok := resolveValue(m.Value, record)
	if !ok {
		return false, nil
	}
	previous, existed := record[field]
	record[field] = value
	return domain.Truthy(value) && (!existed || !domain.Equal(previous, value)), nil
}

// Modify removes the field.
func (m Delete) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	if _, exists := record[field]; !exists {
		return false, nil
	}
	delete(record, field)
	return true, nil
}

// Modify appends to list field.
func (m ArrayAppend) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	value, ok := resolveValue(m.Value, record)
	if !ok {
		return false, nil
	}
	list, isList := domain.AsList(record[field])
	if !isList {
		return false, nil
	}
	if items, many := domain.AsList(value); many {
		list = append(list, items...)
	} else {
		list = append(list, value)
	}
	record[field] = list
	return true, nil
}

// Modify removes matching elements from list field.
func (m ArrayDelete) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	value, ok := resolveValue(m.Value, record)
	if !ok {
		return false, nil
	}
	list, isList := domain.AsList(record[field])
	if !isList {
		return false, nil
	}
	kept := make([]any, 0, len(list))
	for _, item := range list {
		if !domain.Equal(item, value) {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(list) {
		return false, nil
	}
	record[field] = kept
	return true, nil
}

// Modify merges named groups into the record.
func (m RegexParse) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	source, ok := stringField(record, field, m.Kind())
	if !ok {
		return false, nil
	}
	re := m.compiled()
	if re == nil {
		return false, nil
	}
	match := re.FindStringSubmatch(source)
	if match == nil {
		return false, nil
	}
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		record[name] = match[i]
	}
	return true, nil
}

func (m RegexParse) compiled() *regexp.Regexp {
	if m.re != nil {
		return m.re
	}
	re, err := regexp.Compile(m.Regex)
	if err != nil {
		log().Warn("modification regex does not compile", "type", string(KindRegexParse), "regex", m.Regex, "error", err.Error())
		return nil
	}
	return re
}

// Modify writes substitution into output field.
func (m RegexSub) Modify(_ context.Context, record domain.Record, _ Dictionary) (bool, error) {
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	sub, ok := resolveString(m.Sub, record)
	if !ok {
		return false, nil
	}
	source, ok := stringField(record, field, m.Kind())
	if !ok {
		return false, nil
	}
	re := m.re
	if re == nil {
		compiled, err := regexp.Compile(m.Regex)
		if err != nil {
			log().Warn("modification regex does not compile", "type", string(KindRegexSub), "regex", m.Regex, "error", err.Error())
			return false, nil
		}
		re = compiled
	}
	out := m.OutField
	if out == "" {
		out = field
	}
	record[out] = re.ReplaceAllString(source, convertBackrefs(sub))
	return true, nil
}

// Modify copies dictionary value for the field into the output field.
func (m KvSet) Modify(ctx context.Context, record domain.Record, dict Dictionary) (bool, error) {
	dictionary, ok := resolveString(m.Dictionary, record)
	if !ok {
		return false, nil
	}
	field, ok := resolveString(m.Field, record)
	if !ok {
		return false, nil
	}
	out, ok := resolveString(m.OutField, record)
	if !ok {
		return false, nil
	}
	key, exists := record.Get(field)
	if !exists || key == nil {
		return false, nil
	}
	if dict == nil {
		log().Warn("modification has no dictionary backend", "type", string(KindKvSet), "dictionary", dictionary)
		return false, nil
	}
	value, found, err := dict.Get(ctx, dictionary, domain.Stringify(key))
	if err != nil {
		return false, fmt.Errorf("kv lookup %s[%v]: %w", dictionary, key, err)
	}
	if !found {
		return false, nil
	}
	log().Debug("found key-value", "dictionary", dictionary, "key", key, "value", value)
	record[out] = value
	return true, nil
}

// ApplyAll runs modifications in order.
// Params: context, record mutated in place, modifications and dictionary collaborator.
// Returns: modifications that reported a change, or the first collaborator error.
func ApplyAll(ctx context.Context, record domain.Record, modifications []Modification, dict Dictionary) ([]Modification, error) {
	var changed []Modification
	for _, m := range modifications {
		ok, err := m.Modify(ctx, record, dict)
		if err != nil {
			return changed, fmt.Errorf("apply %s: %w", m.Kind(), err)
		}
		if ok {
			changed = append(changed, m)
		}
	}
	return changed, nil
}

var (
	pkgLogger      atomic.Pointer[slog.Logger]
	backrefPattern = regexp.MustCompile(`\\(\d+)|\\g<(\w+)>`)
)

// SetLogger sets logger used for evaluation warnings.
func SetLogger(logger *slog.Logger) {
	pkgLogger.Store(logger)
}

func log() *slog.Logger {
	if logger := pkgLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}

func resolveString(text string, record domain.Record) (string, bool) {
	out, err := templatefmt.Resolve(text, record)
	if err != nil {
		log().Warn("modification template failed", "template", text, "error", err.Error())
		return "", false
	}
	return out, true
}

func resolveValue(value any, record domain.Record) (any, bool) {
	text, isString := value.(string)
	if !isString || !templatefmt.IsTemplate(text) {
		return value, true
	}
	return resolveString(text, record)
}

func stringField(record domain.Record, field string, kind Kind) (string, bool) {
	value, exists := record[field]
	if !exists || value == nil {
		return "", false
	}
	s, isString := value.(string)
	if !isString {
		log().Warn("modification type mismatch", "type", string(kind), "field", field, "record_value", value)
		return "", false
	}
	return s, true
}

func convertBackrefs(sub string) string {
	return backrefPattern.ReplaceAllString(sub, "$${$1$2}")
}
