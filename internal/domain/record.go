package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"snooze/internal/clock"

	"github.com/google/uuid"
)

// Reserved record field names.
const (
	FieldUID               = "uid"
	FieldHash              = "hash"
	FieldDateEpoch         = "date_epoch"
	FieldTimestamp         = "timestamp"
	FieldState             = "state"
	FieldTTL               = "ttl"
	FieldDuplicates        = "duplicates"
	FieldCommentCount      = "comment_count"
	FieldFlappingCountdown = "flapping_countdown"
	FieldSnoozed           = "snoozed"
	FieldNotifications     = "notifications"
	FieldNotificationFrom  = "notification_from"
	FieldRules             = "rules"
	FieldAggregate         = "aggregate"
	FieldRaw               = "raw"
	FieldSeverity          = "severity"
)

// State is the record lifecycle state.
type State string

const (
	StateEmpty State = ""
	StateAck   State = "ack"
	StateEsc   State = "esc"
	StateOpen  State = "open"
	StateClose State = "close"
)

// Record is one alert document: field name to JSON-like value.
type Record map[string]any

// NewRecord creates record with generated uid and ingestion defaults.
// Params: initial fields (copied) and ingestion time.
// Returns: normalized record.
func NewRecord(fields map[string]any, now time.Time) Record {
	record := make(Record, len(fields)+8)
	for key, value := range fields {
		record[key] = value
	}
	Normalize(record, now)
	return record
}

// Normalize fills missing ingestion defaults in place.
// Params: record and ingestion time.
// Returns: none.
func Normalize(record Record, now time.Time) {
	if s, _ := record[FieldUID].(string); s == "" {
		record[FieldUID] = uuid.NewString()
	}
	if _, ok := ToFloat(record[FieldDateEpoch]); !ok {
		record[FieldDateEpoch] = clock.EpochSeconds(now)
	}
	if _, ok := ParseTime(record[FieldTimestamp]); !ok {
		record[FieldTimestamp] = now.Format(time.RFC3339Nano)
	}
	defaults := [...][2]string{
		{"source", "unknown"},
		{"host", ""},
		{"message", ""},
		{"process", ""},
		{FieldSeverity, "unknown"},
		{"environment", "unknown"},
		{FieldState, ""},
	}
	for _, pair := range defaults {
		if _, ok := record[pair[0]]; !ok {
			record[pair[0]] = pair[1]
		}
	}
}

// UID returns record uid.
func (r Record) UID() string {
	s, _ := r[FieldUID].(string)
	return s
}

// Hash returns record dedup hash.
func (r Record) Hash() string {
	s, _ := r[FieldHash].(string)
	return s
}

// State returns record state.
func (r Record) State() State {
	s, _ := r[FieldState].(string)
	return State(s)
}

// String returns top-level string field or empty string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Int returns top-level numeric field truncated to int.
// Params: field name.
// Returns: value and presence flag.
func (r Record) Int(field string) (int, bool) {
	f, ok := ToFloat(r[field])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Float returns top-level numeric field.
func (r Record) Float(field string) (float64, bool) {
	return ToFloat(r[field])
}

// Get resolves dotted path inside record.
// Params: dotted path, numeric segments index lists.
// Returns: value and presence flag.
func (r Record) Get(path string) (any, bool) {
	return Dig(map[string]any(r), path)
}

// Pop removes field and returns previous value.
func (r Record) Pop(field string) any {
	value := r[field]
	delete(r, field)
	return value
}

// Clone returns deep copy of record containers.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

// Time returns alert time from timestamp, then date_epoch, then fallback.
// Params: fallback time used when neither field is parseable.
// Returns: resolved time.
func (r Record) Time(fallback time.Time) time.Time {
	if ts, ok := ParseTime(r[FieldTimestamp]); ok {
		return ts
	}
	if epoch, ok := ToFloat(r[FieldDateEpoch]); ok {
		return clock.FromEpochSeconds(epoch)
	}
	return fallback
}

// ParseTime parses RFC3339 strings, layout-free dates and epoch numbers.
// Params: raw timestamp value.
// Returns: parsed time and success flag.
func ParseTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		s := strings.TrimSpace(typed)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return clock.FromEpochSeconds(f), true
		}
		return time.Time{}, false
	default:
		if f, ok := ToFloat(value); ok {
			return clock.FromEpochSeconds(f), true
		}
		return time.Time{}, false
	}
}

// Dig resolves dotted path through maps and lists.
// Params: root value and path like "a.b.0.c".
// Returns: value and presence flag; any failure reports absence.
func Dig(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case Record:
			value, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = value
		case map[string]any:
			value, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		case []string:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// ToFloat converts numeric kinds into float64.
// Params: candidate value.
// Returns: float value and success flag; strings and bools are not numbers.
func ToFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Equal compares JSON-like values, numbers by value regardless of kind.
// Params: two values.
// Returns: true when values are semantically equal.
func Equal(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case []any:
		tb, ok := asList(b)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case []string:
		return Equal(stringsToAny(ta), b)
	case Record:
		return Equal(map[string]any(ta), b)
	case map[string]any:
		var tb map[string]any
		switch typed := b.(type) {
		case map[string]any:
			tb = typed
		case Record:
			tb = typed
		default:
			return false
		}
		if len(ta) != len(tb) {
			return false
		}
		for key, value := range ta {
			other, ok := tb[key]
			if !ok || !Equal(value, other) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Truthy reports whether value is non-empty in the JSON sense.
func Truthy(value any) bool {
	if value == nil {
		return false
	}
	if f, ok := ToFloat(value); ok {
		return f != 0 && !math.IsNaN(f)
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	case []string:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	case Record:
		return len(typed) > 0
	}
	return true
}

// Stringify renders scalar values as plain strings and containers as JSON.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	}
	if f, ok := ToFloat(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

// CanonicalJSON renders value as JSON with sorted map keys.
// Params: any JSON-like value.
// Returns: deterministic bytes; unsupported values fall back to fmt rendering.
// HTML characters are kept literal so text searches see the original values.
func CanonicalJSON(value any) []byte {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return []byte(fmt.Sprintf("%v", value))
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// SortedKeys returns map keys in ascending order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AsList converts list kinds into []any.
// Params: candidate value.
// Returns: list and success flag.
func AsList(value any) ([]any, bool) {
	return asList(value)
}

// StringList returns string members of list field.
func (r Record) StringList(field string) []string {
	list, ok := asList(r[field])
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asList(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []string:
		return stringsToAny(typed), true
	case []map[string]any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = typed[i]
		}
		return out, true
	default:
		return nil, false
	}
}

func stringsToAny(items []string) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case Record:
		return Record(cloneMap(typed))
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}
