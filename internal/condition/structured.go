package condition

import (
	"fmt"
	"strings"

	"snooze/internal/domain"
)

// FromAny builds condition from any persisted representation.
// Params: nil, query string, structured map or legacy list.
// Returns: condition or ErrParse/ErrInvalid wrapped error.
func FromAny(raw any) (Condition, error) {
	switch typed := raw.(type) {
	case nil:
		return AlwaysTrue{}, nil
	case Condition:
		return typed, nil
	case string:
		return Parse(typed)
	case map[string]any:
		return FromStructured(typed)
	case domain.Record:
		return FromStructured(typed)
	case []any:
		return FromLegacy(typed)
	default:
		return nil, &InvalidError{Args: raw, Reason: fmt.Sprintf("unsupported condition representation %T", raw)}
	}
}

// FromStructured builds condition from its `type`-discriminated map form.
// Params: map like {"type": "=", "field": "a", "value": 1}.
// Returns: condition or InvalidError citing the type tag and arguments.
func FromStructured(raw map[string]any) (Condition, error) {
	if len(raw) == 0 {
		return AlwaysTrue{}, nil
	}
	tag, _ := raw["type"].(string)
	kind := Kind(strings.ToUpper(strings.TrimSpace(tag)))
	invalid := func(reason string) error {
		return &InvalidError{Type: tag, Args: raw, Reason: reason}
	}
	field := func() (string, error) {
		value, ok := raw["field"].(string)
		if !ok || strings.TrimSpace(value) == "" {
			return "", invalid("field is required")
		}
		return value, nil
	}
	value := func() (any, error) {
		v, ok := raw["value"]
		if !ok {
			return nil, invalid("value is required")
		}
		return v, nil
	}

	switch kind {
	case KindAlwaysTrue:
		return AlwaysTrue{}, nil
	case KindEquals, KindNotEquals, KindGreaterThan, KindLowerThan, KindGreaterOrEquals, KindLowerOrEquals:
		f, err := field()
		if err != nil {
			return nil, err
		}
		v, err := value()
		if err != nil {
			return nil, err
		}
		return comparison(kind, f, v), nil
	case KindMatches:
		f, err := field()
		if err != nil {
			return nil, err
		}
		v, err := value()
		if err != nil {
			return nil, err
		}
		pattern, ok := v.(string)
		if !ok {
			return nil, invalid("value must be a regex string")
		}
		node, err := NewMatches(f, pattern)
		if err != nil {
			return nil, invalid(err.Error())
		}
		return node, nil
	case KindExists:
		f, err := field()
		if err != nil {
			return nil, err
		}
		return Exists{Field: f}, nil
	case KindSearch:
		v, err := value()
		if err != nil {
			return nil, err
		}
		return Search{Value: v}, nil
	case KindContains:
		f, err := field()
		if err != nil {
			return nil, err
		}
		v, err := value()
		if err != nil {
			return nil, err
		}
		node, err := NewContains(f, v)
		if err != nil {
			return nil, invalid(err.Error())
		}
		return node, nil
	case KindIn:
		f, err := field()
		if err != nil {
			return nil, err
		}
		v, err := value()
		if err != nil {
			return nil, err
		}
		list, ok := domain.AsList(v)
		if !ok {
			return nil, invalid("value must be a list")
		}
		return In{Field: f, Values: list}, nil
	case KindAnd, KindOr:
		items, ok := domain.AsList(raw["conditions"])
		if !ok {
			return nil, invalid("conditions must be a list")
		}
		subs := make([]Condition, 0, len(items))
		for i, item := range items {
			sub, err := FromAny(item)
			if err != nil {
				return nil, fmt.Errorf("%s conditions[%d]: %w", kind, i, err)
			}
			subs = append(subs, sub)
		}
		if kind == KindAnd {
			return And{Conditions: subs}, nil
		}
		return Or{Conditions: subs}, nil
	case KindNot:
		inner, ok := raw["condition"]
		if !ok || inner == nil {
			return nil, invalid("condition is required")
		}
		sub, err := FromAny(inner)
		if err != nil {
			return nil, fmt.Errorf("NOT condition: %w", err)
		}
		return Not{Condition: sub}, nil
	default:
		return nil, invalid("unknown condition type")
	}
}

// FromLegacy builds condition from the older list form.
// Params: list like ["AND", c1, c2], ["=", field, value], ["EXISTS", field].
// Returns: condition or InvalidError.
func FromLegacy(raw []any) (Condition, error) {
	if len(raw) == 0 {
		return AlwaysTrue{}, nil
	}
	tag, ok := raw[0].(string)
	if !ok {
		return nil, &InvalidError{Args: raw, Reason: "first element must be the operation"}
	}
	args := raw[1:]
	structured := map[string]any{"type": tag}
	switch Kind(strings.ToUpper(tag)) {
	case KindAnd, KindOr:
		structured["conditions"] = args
	case KindNot:
		if len(args) != 1 {
			return nil, &InvalidError{Type: tag, Args: raw, Reason: "NOT takes one condition"}
		}
		structured["condition"] = args[0]
	case KindExists:
		if len(args) != 1 {
			return nil, &InvalidError{Type: tag, Args: raw, Reason: "EXISTS takes one field"}
		}
		structured["field"] = args[0]
	case KindSearch:
		if len(args) != 1 {
			return nil, &InvalidError{Type: tag, Args: raw, Reason: "SEARCH takes one value"}
		}
		structured["value"] = args[0]
	case KindAlwaysTrue:
	default:
		if len(args) != 2 {
			return nil, &InvalidError{Type: tag, Args: raw, Reason: "binary operation takes field and value"}
		}
		structured["field"] = args[0]
		structured["value"] = args[1]
	}
	return FromStructured(structured)
}

// ToStructured renders condition as its `type`-discriminated map.
// Params: condition node.
// Returns: structured map; regexes render as their source pattern.
func ToStructured(c Condition) map[string]any {
	switch node := c.(type) {
	case nil, AlwaysTrue:
		return map[string]any{"type": string(KindAlwaysTrue)}
	case Equals:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case NotEquals:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case GreaterThan:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case LowerThan:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case GreaterOrEquals:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case LowerOrEquals:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case Matches:
		return fieldValue(node.Kind(), node.Field, node.Pattern)
	case Exists:
		return map[string]any{"type": string(KindExists), "field": node.Field}
	case Search:
		return map[string]any{"type": string(KindSearch), "value": node.Value}
	case Contains:
		return fieldValue(node.Kind(), node.Field, node.Value)
	case In:
		return fieldValue(node.Kind(), node.Field, node.Values)
	case And:
		return map[string]any{"type": string(KindAnd), "conditions": structuredList(node.Conditions)}
	case Or:
		return map[string]any{"type": string(KindOr), "conditions": structuredList(node.Conditions)}
	case Not:
		return map[string]any{"type": string(KindNot), "condition": ToStructured(node.Condition)}
	default:
		return map[string]any{"type": string(c.Kind())}
	}
}

func comparison(kind Kind, field string, value any) Condition {
	switch kind {
	case KindEquals:
		return Equals{Field: field, Value: value}
	case KindNotEquals:
		return NotEquals{Field: field, Value: value}
	case KindGreaterThan:
		return GreaterThan{Field: field, Value: value}
	case KindLowerThan:
		return LowerThan{Field: field, Value: value}
	case KindGreaterOrEquals:
		return GreaterOrEquals{Field: field, Value: value}
	default:
		return LowerOrEquals{Field: field, Value: value}
	}
}

func fieldValue(kind Kind, field string, value any) map[string]any {
	return map[string]any{"type": string(kind), "field": field, "value": value}
}

func structuredList(conditions []Condition) []any {
	out := make([]any, 0, len(conditions))
	for _, sub := range conditions {
		out = append(out, ToStructured(sub))
	}
	return out
}
