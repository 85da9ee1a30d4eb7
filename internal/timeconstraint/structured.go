package timeconstraint

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FromStructured builds constraint from its `type`-discriminated map.
// Params: map such as {"type": "time", "from": "23:00", "until": "02:00"}; nil/empty is Always.
// Returns: constraint or error wrapping ErrInvalid.
func FromStructured(raw map[string]any) (Constraint, error) {
	if len(raw) == 0 {
		return Always{}, nil
	}
	tag, _ := raw["type"].(string)
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: type=%q: %s", ErrInvalid, tag, fmt.Sprintf(format, args...))
	}

	switch Kind(tag) {
	case KindAlways, "":
		return Always{}, nil
	case KindDatetime:
		var out Datetime
		for _, bound := range []struct {
			key    string
			target **time.Time
		}{{"from", &out.From}, {"until", &out.Until}} {
			value, ok := raw[bound.key]
			if !ok || value == nil || value == "" {
				continue
			}
			parsed, err := parseDate(value)
			if err != nil {
				return nil, invalid("%s: %v", bound.key, err)
			}
			*bound.target = &parsed
		}
		return out, nil
	case KindTime:
		var out TimeRange
		for _, bound := range []struct {
			key    string
			target **TimeOfDay
		}{{"from", &out.From}, {"until", &out.Until}} {
			value, ok := raw[bound.key].(string)
			if !ok || strings.TrimSpace(value) == "" {
				continue
			}
			parsed, err := ParseTimeOfDay(value)
			if err != nil {
				return nil, invalid("%s: %v", bound.key, err)
			}
			*bound.target = &parsed
		}
		if zone, ok := raw["timezone"].(string); ok && zone != "" {
			location, err := time.LoadLocation(zone)
			if err != nil {
				return nil, invalid("timezone: %v", err)
			}
			out.Location = location
		}
		return out, nil
	case KindWeekdays:
		days, err := parseWeek(raw)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return Weekdays{Days: days}, nil
	case KindAnd, KindOr:
		items, ok := raw["constraints"].([]any)
		if !ok {
			return nil, invalid("constraints must be a list")
		}
		subs := make([]Constraint, 0, len(items))
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, invalid("constraints[%d] must be a map", i)
			}
			sub, err := FromStructured(m)
			if err != nil {
				return nil, fmt.Errorf("%s constraints[%d]: %w", tag, i, err)
			}
			subs = append(subs, sub)
		}
		if Kind(tag) == KindAnd {
			return And{Constraints: subs}, nil
		}
		return Or{Constraints: subs}, nil
	case KindNot:
		m, ok := raw["constraint"].(map[string]any)
		if !ok {
			return nil, invalid("constraint is required")
		}
		sub, err := FromStructured(m)
		if err != nil {
			return nil, fmt.Errorf("NOT constraint: %w", err)
		}
		return Not{Constraint: sub}, nil
	default:
		return nil, invalid("unknown constraint type")
	}
}

// ToStructured renders constraint as its `type`-discriminated map.
func ToStructured(c Constraint) map[string]any {
	switch node := c.(type) {
	case nil, Always:
		return map[string]any{"type": string(KindAlways)}
	case Datetime:
		out := map[string]any{"type": string(KindDatetime)}
		if node.From != nil {
			out["from"] = node.From.Format(time.RFC3339Nano)
		}
		if node.Until != nil {
			out["until"] = node.Until.Format(time.RFC3339Nano)
		}
		return out
	case TimeRange:
		out := map[string]any{"type": string(KindTime)}
		if node.From != nil {
			out["from"] = node.From.String()
		}
		if node.Until != nil {
			out["until"] = node.Until.String()
		}
		if node.Location != nil {
			out["timezone"] = node.Location.String()
		}
		return out
	case Weekdays:
		week := map[string]any{}
		for day, enabled := range node.Days {
			week[strconv.Itoa(int(day))] = enabled
		}
		return map[string]any{"type": string(KindWeekdays), "week": week}
	case And:
		return map[string]any{"type": string(KindAnd), "constraints": structuredList(node.Constraints)}
	case Or:
		return map[string]any{"type": string(KindOr), "constraints": structuredList(node.Constraints)}
	case Not:
		return map[string]any{"type": string(KindNot), "constraint": ToStructured(node.Constraint)}
	default:
		return map[string]any{"type": string(c.Kind())}
	}
}

func structuredList(constraints []Constraint) []any {
	out := make([]any, 0, len(constraints))
	for _, sub := range constraints {
		out = append(out, ToStructured(sub))
	}
	return out
}

func parseDate(value any) (time.Time, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
			if parsed, err := time.ParseInLocation(layout, strings.TrimSpace(typed), time.Local); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", typed)
	case float64:
		return time.Unix(int64(typed), 0).UTC(), nil
	case int64:
		return time.Unix(typed, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date %T", value)
	}
}

func parseWeek(raw map[string]any) (map[time.Weekday]bool, error) {
	days := map[time.Weekday]bool{}
	add := func(key any, enabled bool) error {
		var n int
		switch typed := key.(type) {
		case string:
			parsed, err := strconv.Atoi(typed)
			if err != nil {
				return fmt.Errorf("weekday %q is not a number", typed)
			}
			n = parsed
		case float64:
			n = int(typed)
		case int64:
			n = int(typed)
		case int:
			n = typed
		default:
			return fmt.Errorf("weekday %v has unsupported type %T", key, key)
		}
		if n < 0 || n > 6 {
			return fmt.Errorf("weekday %d out of range 0..6", n)
		}
		days[time.Weekday(n)] = enabled
		return nil
	}
	if week, ok := raw["week"].(map[string]any); ok {
		for key, value := range week {
			enabled, _ := value.(bool)
			if err := add(key, enabled); err != nil {
				return nil, err
			}
		}
		return days, nil
	}
	if list, ok := raw["weekdays"].([]any); ok {
		for _, item := range list {
			if err := add(item, true); err != nil {
				return nil, err
			}
		}
		return days, nil
	}
	return nil, fmt.Errorf("week map or weekdays list is required")
}
