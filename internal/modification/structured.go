package modification

import (
	"fmt"
	"strings"

	"snooze/internal/domain"
)

// FromStructured builds modification from its `type`-discriminated map.
// Params: map like {"type": "SET", "field": "priority", "value": "P1"}.
// Returns: modification or error wrapping ErrInvalid.
func FromStructured(raw map[string]any) (Modification, error) {
	tag, _ := raw["type"].(string)
	kind := Kind(strings.ToUpper(strings.TrimSpace(tag)))
	invalid := func(reason string) error {
		return fmt.Errorf("%w: type=%q args=%v: %s", ErrInvalid, tag, raw, reason)
	}
	str := func(key string, required bool) (string, error) {
		value, ok := raw[key]
		if !ok || value == nil {
			if required {
				return "", invalid(key + " is required")
			}
			return "", nil
		}
		s, ok := value.(string)
		if !ok {
			return "", invalid(key + " must be a string")
		}
		if required && strings.TrimSpace(s) == "" {
			return "", invalid(key + " is required")
		}
		return s, nil
	}
	value := func() (any, error) {
		v, ok := raw["value"]
		if !ok {
			return nil, invalid("value is required")
		}
		return v, nil
	}

	field, err := str("field", true)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSet, KindArrayAppend, KindArrayDelete:
		v, err := value()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindSet:
			return Set{Field: field, Value: v}, nil
		case KindArrayAppend:
			return ArrayAppend{Field: field, Value: v}, nil
		default:
			return ArrayDelete{Field: field, Value: v}, nil
		}
	case KindDelete:
		return Delete{Field: field}, nil
	case KindRegexParse:
		pattern, err := str("regex", true)
		if err != nil {
			return nil, err
		}
		return NewRegexParse(field, pattern)
	case KindRegexSub:
		pattern, err := str("regex", true)
		if err != nil {
			return nil, err
		}
		sub, err := str("sub", false)
		if err != nil {
			return nil, err
		}
		out, err := str("out_field", false)
		if err != nil {
			return nil, err
		}
		return NewRegexSub(field, out, pattern, sub)
	case KindKvSet:
		dictionary, err := str("dictionary", true)
		if err != nil {
			return nil, err
		}
		out, err := str("out_field", true)
		if err != nil {
			return nil, err
		}
		return KvSet{Dictionary: dictionary, Field: field, OutField: out}, nil
	default:
		return nil, invalid("unknown modification type")
	}
}

// FromAny builds modification from a structured map or the legacy list form.
// Params: map, or list like ["SET", "field", "value"].
// Returns: modification or error wrapping ErrInvalid.
func FromAny(raw any) (Modification, error) {
	switch typed := raw.(type) {
	case map[string]any:
		return FromStructured(typed)
	case domain.Record:
		return FromStructured(typed)
	case []any:
		if len(typed) == 0 {
			return nil, fmt.Errorf("%w: empty modification", ErrInvalid)
		}
		tag, _ := typed[0].(string)
		structured := map[string]any{"type": tag}
		keys := map[Kind][]string{
			KindSet:         {"field", "value"},
			KindDelete:      {"field"},
			KindArrayAppend: {"field", "value"},
			KindArrayDelete: {"field", "value"},
			KindRegexParse:  {"field", "regex"},
			KindRegexSub:    {"field", "out_field", "regex", "sub"},
			KindKvSet:       {"dictionary", "field", "out_field"},
		}[Kind(strings.ToUpper(tag))]
		if keys == nil {
			return nil, fmt.Errorf("%w: unknown modification type %q", ErrInvalid, tag)
		}
		if len(typed)-1 != len(keys) {
			return nil, fmt.Errorf("%w: %s takes %d arguments", ErrInvalid, tag, len(keys))
		}
		for i, key := range keys {
			structured[key] = typed[i+1]
		}
		return FromStructured(structured)
	default:
		return nil, fmt.Errorf("%w: unsupported modification representation %T", ErrInvalid, raw)
	}
}

// ParseList builds ordered modifications.
// Params: list of structured maps or legacy lists.
// Returns: modifications or error citing the failing index.
func ParseList(raw []any) ([]Modification, error) {
	out := make([]Modification, 0, len(raw))
	for i, item := range raw {
		m, err := FromAny(item)
		if err != nil {
			return nil, fmt.Errorf("modifications[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ToStructured renders modification as its `type`-discriminated map.
func ToStructured(m Modification) map[string]any {
	switch node := m.(type) {
	case Set:
		return map[string]any{"type": string(KindSet), "field": node.Field, "value": node.Value}
	case Delete:
		return map[string]any{"type": string(KindDelete), "field": node.Field}
	case ArrayAppend:
		return map[string]any{"type": string(KindArrayAppend), "field": node.Field, "value": node.Value}
	case ArrayDelete:
		return map[string]any{"type": string(KindArrayDelete), "field": node.Field, "value": node.Value}
	case RegexParse:
		return map[string]any{"type": string(KindRegexParse), "field": node.Field, "regex": node.Regex}
	case RegexSub:
		return map[string]any{"type": string(KindRegexSub), "field": node.Field, "out_field": node.OutField, "regex": node.Regex, "sub": node.Sub}
	case KvSet:
		return map[string]any{"type": string(KindKvSet), "dictionary": node.Dictionary, "field": node.Field, "out_field": node.OutField}
	default:
		return map[string]any{"type": string(m.Kind())}
	}
}

func (m Set) String() string         { return fmt.Sprintf("record[%s] = %#v", m.Field, m.Value) }
func (m Delete) String() string      { return fmt.Sprintf("del record[%s]", m.Field) }
func (m ArrayAppend) String() string { return fmt.Sprintf("record[%s].append(%#v)", m.Field, m.Value) }
func (m ArrayDelete) String() string { return fmt.Sprintf("record[%s].remove(%#v)", m.Field, m.Value) }
func (m RegexParse) String() string  { return fmt.Sprintf("record |= parse(record[%s], /%s/)", m.Field, m.Regex) }
func (m RegexSub) String() string {
	return fmt.Sprintf("record[%s] = sub(record[%s], /%s/, %q)", m.OutField, m.Field, m.Regex, m.Sub)
}
func (m KvSet) String() string {
	return fmt.Sprintf("record[%s] = kv[%s][record[%s]]", m.OutField, m.Dictionary, m.Field)
}
