package condition

import "fmt"

// Query is a backing-store query document in Mongo filter syntax.
type Query map[string]any

// ToStoreQuery translates condition into a store query document.
// Params: condition tree.
// Returns: query, or ErrNotImplemented for nodes without native translation;
// callers fall back to in-memory Match.
func ToStoreQuery(c Condition) (Query, error) {
	switch node := c.(type) {
	case nil, AlwaysTrue:
		return Query{}, nil
	case Equals:
		return Query{node.Field: node.Value}, nil
	case NotEquals:
		return Query{node.Field: map[string]any{"$ne": node.Value}}, nil
	case GreaterThan:
		return Query{node.Field: map[string]any{"$gt": node.Value}}, nil
	case LowerThan:
		return Query{node.Field: map[string]any{"$lt": node.Value}}, nil
	case GreaterOrEquals:
		return Query{node.Field: map[string]any{"$gte": node.Value}}, nil
	case LowerOrEquals:
		return Query{node.Field: map[string]any{"$lte": node.Value}}, nil
	case Matches:
		return Query{node.Field: map[string]any{"$regex": node.Pattern, "$options": "i"}}, nil
	case Exists:
		return Query{node.Field: map[string]any{"$exists": true}}, nil
	case And:
		subs, err := storeQueries(node.Conditions)
		if err != nil {
			return nil, err
		}
		return Query{"$and": subs}, nil
	case Or:
		subs, err := storeQueries(node.Conditions)
		if err != nil {
			return nil, err
		}
		return Query{"$or": subs}, nil
	case Not:
		sub, err := ToStoreQuery(node.Condition)
		if err != nil {
			return nil, err
		}
		return Query{"$nor": []any{sub}}, nil
	default:
		return nil, fmt.Errorf("%s: %w", c.Kind(), ErrNotImplemented)
	}
}

func storeQueries(conditions []Condition) ([]any, error) {
	out := make([]any, 0, len(conditions))
	for _, sub := range conditions {
		query, err := ToStoreQuery(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, query)
	}
	return out, nil
}

// EqualityOn reports the value required on field by a plain equality query.
// Params: condition and field name.
// Returns: value and true when the condition is `field = value` (possibly inside a top-level AND).
func EqualityOn(c Condition, field string) (any, bool) {
	query, err := ToStoreQuery(c)
	if err != nil {
		return nil, false
	}
	if value, ok := query[field]; ok {
		if _, operator := value.(map[string]any); !operator {
			return value, true
		}
	}
	subs, _ := query["$and"].([]any)
	for _, sub := range subs {
		subQuery, ok := sub.(Query)
		if !ok {
			continue
		}
		if value, ok := subQuery[field]; ok {
			if _, operator := value.(map[string]any); !operator {
				return value, true
			}
		}
	}
	return nil, false
}
