package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates absent document.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
	// ErrLockTimeout indicates a key lock could not be acquired before the context ended.
	ErrLockTimeout = errors.New("lock timeout")
)

// DuplicatePolicy selects what Write does when a document with the same primary exists.
type DuplicatePolicy string

const (
	DuplicateUpdate  DuplicatePolicy = "update"
	DuplicateReplace DuplicatePolicy = "replace"
	DuplicateInsert  DuplicatePolicy = "insert"
	DuplicateReject  DuplicatePolicy = "reject"
)

// SearchOptions controls ordering and paging of Search.
type SearchOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// SearchResult holds one page of documents and the total match count.
type SearchResult struct {
	Data  []domain.Record
	Count int
}

// WriteOptions controls duplicate handling of Write.
// Primary lists the dotted fields identifying a document besides its uid.
// UpdateTime refreshes date_epoch of every written document.
type WriteOptions struct {
	Primary         []string
	DuplicatePolicy DuplicatePolicy
	UpdateTime      bool
}

// WriteResult reports documents as stored, grouped by what happened to them.
type WriteResult struct {
	Added    []domain.Record
	Updated  []domain.Record
	Replaced []domain.Record
	Rejected []domain.Record
}

// DeleteResult reports deleted document count.
type DeleteResult struct {
	Count int
}

// Store provides document persistence grouped in named collections.
// Params: collection name, condition filters and write options.
// Returns: backend persistence behavior.
type Store interface {
	Search(ctx context.Context, collection string, cond condition.Condition, opts SearchOptions) (SearchResult, error)
	Write(ctx context.Context, collection string, docs []domain.Record, opts WriteOptions) (WriteResult, error)
	Delete(ctx context.Context, collection string, cond condition.Condition) (DeleteResult, error)
	GetOne(ctx context.Context, collection string, filter map[string]any) (domain.Record, error)
	Increment(ctx context.Context, collection string, filter map[string]any, fields map[string]int) error
	Close() error
}

// Locker serializes work on a key across workers.
// Lock blocks until the key is free or ctx ends (ErrLockTimeout).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Backend is a store that also provides key locking.
type Backend interface {
	Store
	Locker
}

// indexedFields are served by lookups instead of full scans.
var indexedFields = []string{domain.FieldUID, domain.FieldHash, "name"}

// indexLookup finds an equality on an indexed field in cond.
// Params: search condition.
// Returns: field, required value and true when an index can narrow the scan.
func indexLookup(cond condition.Condition) (string, any, bool) {
	if cond == nil {
		return "", nil, false
	}
	for _, field := range indexedFields {
		if value, ok := condition.EqualityOn(cond, field); ok {
			return field, value, true
		}
	}
	return "", nil, false
}

// matches evaluates cond against doc, nil meaning everything.
func matches(cond condition.Condition, doc domain.Record) bool {
	return cond == nil || cond.Match(doc)
}

// FilterCondition converts an equality filter map to a condition.
// Params: dotted field to required value.
// Returns: AND of equalities (AlwaysTrue for an empty filter).
func FilterCondition(filter map[string]any) condition.Condition {
	if len(filter) == 0 {
		return condition.AlwaysTrue{}
	}
	keys := domain.SortedKeys(filter)
	if len(keys) == 1 {
		return condition.Equals{Field: keys[0], Value: filter[keys[0]]}
	}
	conditions := make([]condition.Condition, 0, len(keys))
	for _, key := range keys {
		conditions = append(conditions, condition.Equals{Field: key, Value: filter[key]})
	}
	return condition.And{Conditions: conditions}
}

// primaryCondition builds the primary-key condition of doc.
// Returns: false when a primary field is absent or falsy.
func primaryCondition(doc domain.Record, primary []string) (condition.Condition, bool) {
	if len(primary) == 0 {
		return nil, false
	}
	filter := make(map[string]any, len(primary))
	for _, field := range primary {
		value, ok := doc.Get(field)
		if !ok || !domain.Truthy(value) {
			return nil, false
		}
		filter[field] = value
	}
	return FilterCondition(filter), true
}

type writeAction int

const (
	actionInsert writeAction = iota
	actionUpdate
	actionReplace
	actionReject
)

// writePlan is the resolved outcome of writing one document.
type writePlan struct {
	action writeAction
	doc    domain.Record
	target string
}

// prepareDoc copies doc and refreshes date_epoch when requested or missing.
func prepareDoc(doc domain.Record, opts WriteOptions, now time.Time) domain.Record {
	out := doc.Clone()
	delete(out, "error")
	if _, ok := domain.ToFloat(out[domain.FieldDateEpoch]); opts.UpdateTime || !ok {
		out[domain.FieldDateEpoch] = clock.EpochSeconds(now)
	}
	return out
}

// planWrite decides how doc is written.
// Params: prepared doc, stored doc with the same uid, stored doc with the same primary, policy.
// Returns: action, document to store, and the uid of the replaced/updated document.
func planWrite(doc, byUID, byPrimary domain.Record, policy DuplicatePolicy) writePlan {
	if byUID != nil {
		uid := byUID.UID()
		switch {
		case byPrimary != nil && byPrimary.UID() != uid:
			doc["error"] = "another document has the same primary, cannot update uid " + uid
			return writePlan{action: actionReject, doc: doc}
		case policy == DuplicateReplace:
			return writePlan{action: actionReplace, doc: doc, target: uid}
		default:
			return writePlan{action: actionUpdate, doc: merge(byUID, doc), target: uid}
		}
	}
	if byPrimary != nil {
		uid := byPrimary.UID()
		switch policy {
		case DuplicateInsert:
			doc[domain.FieldUID] = uuid.NewString()
			return writePlan{action: actionInsert, doc: doc}
		case DuplicateReject:
			doc["error"] = "another document exists with the same primary"
			return writePlan{action: actionReject, doc: doc}
		case DuplicateReplace:
			doc[domain.FieldUID] = uid
			return writePlan{action: actionReplace, doc: doc, target: uid}
		default:
			merged := merge(byPrimary, doc)
			merged[domain.FieldUID] = uid
			return writePlan{action: actionUpdate, doc: merged, target: uid}
		}
	}
	if doc.UID() == "" {
		doc[domain.FieldUID] = uuid.NewString()
	}
	return writePlan{action: actionInsert, doc: doc}
}

// record appends plan document to the matching result group.
func (r *WriteResult) record(plan writePlan) {
	doc := plan.doc.Clone()
	switch plan.action {
	case actionInsert:
		r.Added = append(r.Added, doc)
	case actionUpdate:
		r.Updated = append(r.Updated, doc)
	case actionReplace:
		r.Replaced = append(r.Replaced, doc)
	default:
		r.Rejected = append(r.Rejected, doc)
	}
}

func merge(base, overlay domain.Record) domain.Record {
	out := base.Clone()
	for key, value := range overlay {
		out[key] = value
	}
	return out
}

// sortRecords orders docs by field (date_epoch by default), uid breaking ties.
func sortRecords(docs []domain.Record, orderBy string, desc bool) {
	if orderBy == "" {
		orderBy = domain.FieldDateEpoch
	}
	sort.SliceStable(docs, func(i, j int) bool {
		left, _ := docs[i].Get(orderBy)
		right, _ := docs[j].Get(orderBy)
		cmp := compareOrder(left, right)
		if cmp == 0 {
			cmp = strings.Compare(docs[i].UID(), docs[j].UID())
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// compareOrder compares values for sorting; absent values sort first.
func compareOrder(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aNum := domain.ToFloat(a)
	bf, bNum := domain.ToFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(domain.Stringify(a), domain.Stringify(b))
}

// page sorts and slices docs.
// Returns: result with total count before paging.
func page(docs []domain.Record, opts SearchOptions) SearchResult {
	sortRecords(docs, opts.OrderBy, opts.Desc)
	total := len(docs)
	if opts.Offset > 0 {
		if opts.Offset >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return SearchResult{Data: docs, Count: total}
}

// incrementFields adds deltas to numeric fields of doc; absent or non-numeric fields start at 0.
func incrementFields(doc domain.Record, fields map[string]int) {
	for field, delta := range fields {
		current, _ := domain.ToFloat(doc[field])
		doc[field] = current + float64(delta)
	}
}
