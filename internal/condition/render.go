package condition

import (
	"sort"
	"strconv"
	"strings"

	"snooze/internal/domain"
)

func (AlwaysTrue) String() string        { return "" }
func (c Equals) String() string          { return c.Field + " = " + literal(c.Value) }
func (c NotEquals) String() string       { return c.Field + " != " + literal(c.Value) }
func (c GreaterThan) String() string     { return c.Field + " > " + literal(c.Value) }
func (c LowerThan) String() string       { return c.Field + " < " + literal(c.Value) }
func (c GreaterOrEquals) String() string { return c.Field + " >= " + literal(c.Value) }
func (c LowerOrEquals) String() string   { return c.Field + " <= " + literal(c.Value) }
func (c Matches) String() string {
	return c.Field + " MATCHES /" + strings.ReplaceAll(c.Pattern, "/", `\/`) + "/"
}
func (c Exists) String() string   { return c.Field + " EXISTS" }
func (c Search) String() string   { return "SEARCH " + literal(c.Value) }
func (c Contains) String() string { return c.Field + " CONTAINS " + literal(c.Value) }
func (c In) String() string       { return c.Field + " IN " + literal(c.Values) }

func (c And) String() string {
	return join(c.Conditions, " AND ", KindOr)
}

func (c Or) String() string {
	return join(c.Conditions, " OR ", "")
}

func (c Not) String() string {
	if c.Condition == nil {
		return "NOT ()"
	}
	switch c.Condition.Kind() {
	case KindAnd, KindOr:
		return "NOT (" + c.Condition.String() + ")"
	}
	return "NOT " + c.Condition.String()
}

func join(conditions []Condition, sep string, wrap Kind) string {
	parts := make([]string, 0, len(conditions))
	for _, sub := range conditions {
		if sub == nil {
			continue
		}
		text := sub.String()
		if text == "" {
			continue
		}
		if wrap != "" && sub.Kind() == wrap {
			text = "(" + text + ")"
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, sep)
}

func literal(value any) string {
	switch typed := value.(type) {
	case nil:
		return `""`
	case string:
		return quote(typed)
	case bool:
		return strconv.FormatBool(typed)
	case []any:
		items := make([]string, len(typed))
		for i := range typed {
			items[i] = literal(typed[i])
		}
		return "[" + strings.Join(items, ", ") + "]"
	case []string:
		items := make([]string, len(typed))
		for i := range typed {
			items[i] = quote(typed[i])
		}
		return "[" + strings.Join(items, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		items := make([]string, len(keys))
		for i, key := range keys {
			items[i] = quote(key) + ": " + literal(typed[key])
		}
		return "{" + strings.Join(items, ", ") + "}"
	}
	return domain.Stringify(value)
}

func quote(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + replacer.Replace(s) + `"`
}
