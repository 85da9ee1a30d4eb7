package pipeline

import (
	"context"
	"fmt"

	"snooze/internal/condition"
	"snooze/internal/domain"
	"snooze/internal/state"
	"snooze/internal/timeconstraint"
)

// LoadDefinitions reads every stored definition of collection ordered by name.
// Params: ctx, store and collection name.
// Returns: definition documents or wrapped store error.
func LoadDefinitions(ctx context.Context, store state.Store, collection string) ([]domain.Record, error) {
	result, err := store.Search(ctx, collection, condition.AlwaysTrue{}, state.SearchOptions{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	return result.Data, nil
}

// Enabled reports the definition enabled flag, true when absent.
func Enabled(doc domain.Record) bool {
	value, ok := doc["enabled"]
	if !ok || value == nil {
		return true
	}
	enabled, isBool := value.(bool)
	return !isBool || enabled
}

// DefinitionCondition decodes the condition of a definition.
// Params: definition document.
// Returns: condition (AlwaysTrue when absent) or decode error.
func DefinitionCondition(doc domain.Record) (condition.Condition, error) {
	cond, err := condition.FromAny(doc["condition"])
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	return cond, nil
}

// DefinitionConstraint decodes the time constraint of a definition.
// Params: definition document.
// Returns: constraint (Always when absent) or decode error.
func DefinitionConstraint(doc domain.Record) (timeconstraint.Constraint, error) {
	switch raw := doc["time_constraint"].(type) {
	case nil:
		return timeconstraint.Always{}, nil
	case map[string]any:
		constraint, err := timeconstraint.FromStructured(raw)
		if err != nil {
			return nil, fmt.Errorf("time_constraint: %w", err)
		}
		return constraint, nil
	default:
		return nil, fmt.Errorf("time_constraint: %w: unsupported representation %T", timeconstraint.ErrInvalid, raw)
	}
}

// AppendUnique appends value to the string list stored in record[field].
// Params: record mutated in place; list field; value.
// Returns: true when the value was added.
func AppendUnique(record domain.Record, field, value string) bool {
	current := record.StringList(field)
	for _, existing := range current {
		if existing == value {
			return false
		}
	}
	list, _ := domain.AsList(record[field])
	record[field] = append(append([]any(nil), list...), value)
	return true
}
