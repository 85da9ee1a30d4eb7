// Package timeconstraint evaluates temporal windows (date ranges, daily hours,
// weekdays and their boolean combinations) against alert timestamps.
package timeconstraint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid marks malformed structured constraint definitions.
var ErrInvalid = errors.New("invalid time constraint")

// Kind is the wire discriminator of a constraint node.
type Kind string

const (
	KindAlways   Kind = "ALWAYS"
	KindDatetime Kind = "datetime"
	KindTime     Kind = "time"
	KindWeekdays Kind = "weekdays"
	KindAnd      Kind = "AND"
	KindOr       Kind = "OR"
	KindNot      Kind = "NOT"
)

// Constraint is one immutable temporal predicate.
type Constraint interface {
	Kind() Kind
	Match(t time.Time) bool
	String() string
	constraint()
}

// Always matches any time; it is the default of snooze filters.
type Always struct{}

// Datetime matches a fixed date range; bounds are inclusive, no bound never matches.
type Datetime struct {
	From  *time.Time
	Until *time.Time
}

// TimeOfDay is a wall-clock time inside one day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// TimeRange matches a daily period; Until before From wraps over midnight.
type TimeRange struct {
	From     *TimeOfDay
	Until    *TimeOfDay
	Location *time.Location
}

// Weekdays matches enabled days, 0 = Sunday.
type Weekdays struct {
	Days map[time.Weekday]bool
}

// And matches when all constraints match.
type And struct {
	Constraints []Constraint
}

// Or matches when one constraint matches.
type Or struct {
	Constraints []Constraint
}

// Not negates one constraint.
type Not struct {
	Constraint Constraint
}

func (Always) Kind() Kind    { return KindAlways }
func (Datetime) Kind() Kind  { return KindDatetime }
func (TimeRange) Kind() Kind { return KindTime }
func (Weekdays) Kind() Kind  { return KindWeekdays }
func (And) Kind() Kind       { return KindAnd }
func (Or) Kind() Kind        { return KindOr }
func (Not) Kind() Kind       { return KindNot }

func (Always) constraint()    {}
func (Datetime) constraint()  {}
func (TimeRange) constraint() {}
func (Weekdays) constraint()  {}
func (And) constraint()       {}
func (Or) constraint()        {}
func (Not) constraint()       {}

// Match always returns true.
func (Always) Match(time.Time) bool { return true }

// Match checks fixed date bounds.
func (c Datetime) Match(t time.Time) bool {
	switch {
	case c.From != nil && c.Until != nil:
		return !t.Before(*c.From) && !t.After(*c.Until)
	case c.From != nil:
		return !t.Before(*c.From)
	case c.Until != nil:
		return !t.After(*c.Until)
	default:
		return false
	}
}

// Match checks daily period, handling midnight wraparound.
func (c TimeRange) Match(t time.Time) bool {
	if c.Location != nil {
		t = t.In(c.Location)
	}
	switch {
	case c.From != nil && c.Until != nil:
		start := c.From.on(t)
		end := c.Until.on(t)
		if end.Before(start) {
			day := 24 * time.Hour
			return within(t, start.Add(-day), end) || within(t, start, end.Add(day))
		}
		return within(t, start, end)
	case c.From != nil:
		return !t.Before(c.From.on(t))
	case c.Until != nil:
		return !t.After(c.Until.on(t))
	default:
		return true
	}
}

// Match looks up weekday of t.
func (c Weekdays) Match(t time.Time) bool {
	return c.Days[t.Weekday()]
}

// Match requires all constraints.
func (c And) Match(t time.Time) bool {
	for _, sub := range c.Constraints {
		if sub == nil || !sub.Match(t) {
			return false
		}
	}
	return true
}

// Match requires one constraint.
func (c Or) Match(t time.Time) bool {
	for _, sub := range c.Constraints {
		if sub != nil && sub.Match(t) {
			return true
		}
	}
	return false
}

// Match negates constraint.
func (c Not) Match(t time.Time) bool {
	if c.Constraint == nil {
		return false
	}
	return !c.Constraint.Match(t)
}

func (Always) String() string { return "always" }

func (c Datetime) String() string {
	return "(" + formatDate(c.From) + " -> " + formatDate(c.Until) + ")"
}

func (c TimeRange) String() string {
	return "(" + c.From.String() + " -> " + c.Until.String() + ")"
}

func (c Weekdays) String() string {
	names := make([]string, 0, len(c.Days))
	for _, day := range sortedDays(c.Days) {
		names = append(names, day.String())
	}
	return "(" + strings.Join(names, " ") + ")"
}

func (c And) String() string { return "(" + joinConstraints(c.Constraints, " & ") + ")" }
func (c Or) String() string  { return "(" + joinConstraints(c.Constraints, " | ") + ")" }
func (c Not) String() string {
	if c.Constraint == nil {
		return "!()"
	}
	return "!" + c.Constraint.String()
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
// Params: wall-clock text.
// Returns: parsed time of day or error.
func ParseTimeOfDay(text string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("time %q must be HH:MM or HH:MM:SS", text)
	}
	values := [3]int{}
	limits := [3]int{23, 59, 59}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("time %q has invalid component %q", text, part)
		}
		values[i] = n
	}
	return TimeOfDay{Hour: values[0], Minute: values[1], Second: values[2]}, nil
}

// String renders HH:MM:SS; nil renders empty.
func (d *TimeOfDay) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
}

func (d TimeOfDay) on(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, d.Second, 0, t.Location())
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func sortedDays(days map[time.Weekday]bool) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for day, enabled := range days {
		if enabled {
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinConstraints(constraints []Constraint, sep string) string {
	parts := make([]string, 0, len(constraints))
	for _, sub := range constraints {
		if sub != nil {
			parts = append(parts, sub.String())
		}
	}
	return strings.Join(parts, sep)
}
