package state

import (
	"context"
	"fmt"
	"sync"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/domain"
)

// MemoryStore keeps collections in process memory for single-instance mode.
// Params: in-memory collections, key locks and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu          sync.RWMutex
	clock       clock.Clock
	collections map[string]*memoryCollection
	locks       *keyLocks
}

type memoryCollection struct {
	docs  map[string]domain.Record
	index map[string]map[string]struct{}
}

// NewMemoryStore creates in-memory store.
// Params: clock (defaults to RealClock when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clock:       clk,
		collections: make(map[string]*memoryCollection),
		locks:       newKeyLocks(),
	}
}

func (s *MemoryStore) collection(name string, create bool) *memoryCollection {
	coll := s.collections[name]
	if coll == nil && create {
		coll = &memoryCollection{
			docs:  make(map[string]domain.Record),
			index: make(map[string]map[string]struct{}),
		}
		s.collections[name] = coll
	}
	return coll
}

// Search returns copies of matching documents.
// Params: collection, condition (nil matches all) and paging options.
// Returns: ordered page and total count.
func (s *MemoryStore) Search(_ context.Context, collection string, cond condition.Condition, opts SearchOptions) (SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collection(collection, false)
	if coll == nil {
		return SearchResult{}, nil
	}
	found := coll.find(cond)
	out := make([]domain.Record, 0, len(found))
	for _, doc := range found {
		out = append(out, doc.Clone())
	}
	return page(out, opts), nil
}

// Write stores documents according to uid, primary and duplicate policy.
// Params: collection, documents and write options.
// Returns: stored documents grouped by outcome.
func (s *MemoryStore) Write(_ context.Context, collection string, docs []domain.Record, opts WriteOptions) (WriteResult, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collection(collection, true)

	var result WriteResult
	for _, raw := range docs {
		doc := prepareDoc(raw, opts, now)
		var byUID, byPrimary domain.Record
		if uid := doc.UID(); uid != "" {
			byUID = coll.docs[uid]
		}
		if cond, ok := primaryCondition(doc, opts.Primary); ok {
			if found := coll.find(cond); len(found) > 0 {
				byPrimary = first(found)
			}
		}
		plan := planWrite(doc, byUID, byPrimary, opts.DuplicatePolicy)
		switch plan.action {
		case actionInsert:
			coll.put(plan.doc.Clone())
		case actionUpdate, actionReplace:
			coll.remove(plan.target)
			coll.put(plan.doc.Clone())
		}
		result.record(plan)
	}
	return result, nil
}

// Delete removes matching documents.
// Params: collection and condition (nil deletes all).
// Returns: deleted count.
func (s *MemoryStore) Delete(_ context.Context, collection string, cond condition.Condition) (DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collection(collection, false)
	if coll == nil {
		return DeleteResult{}, nil
	}
	found := coll.find(cond)
	for _, doc := range found {
		coll.remove(doc.UID())
	}
	return DeleteResult{Count: len(found)}, nil
}

// GetOne returns first document matching equality filter.
// Params: collection and dotted field filter.
// Returns: document copy or ErrNotFound.
func (s *MemoryStore) GetOne(ctx context.Context, collection string, filter map[string]any) (domain.Record, error) {
	result, err := s.Search(ctx, collection, FilterCondition(filter), SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("get %s %v: %w", collection, filter, ErrNotFound)
	}
	return result.Data[0], nil
}

// Increment adds deltas to numeric fields of every matching document.
// Params: collection, equality filter and field deltas.
// Returns: nil (in-memory update).
func (s *MemoryStore) Increment(_ context.Context, collection string, filter map[string]any, fields map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collection(collection, false)
	if coll == nil {
		return nil
	}
	for _, doc := range coll.find(FilterCondition(filter)) {
		incrementFields(doc, fields)
	}
	return nil
}

// Lock acquires in-process lock for key.
func (s *MemoryStore) Lock(ctx context.Context, key string) (func(), error) {
	return s.locks.lock(ctx, key)
}

// Close is a no-op for in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// find returns stored (not copied) documents matching cond, using index when possible.
func (c *memoryCollection) find(cond condition.Condition) []domain.Record {
	var out []domain.Record
	if field, value, ok := indexLookup(cond); ok {
		if field == domain.FieldUID {
			uid, _ := value.(string)
			if doc, exists := c.docs[uid]; exists && matches(cond, doc) {
				out = append(out, doc)
			}
			return out
		}
		for uid := range c.index[indexKey(field, value)] {
			if doc, exists := c.docs[uid]; exists && matches(cond, doc) {
				out = append(out, doc)
			}
		}
		return out
	}
	for _, doc := range c.docs {
		if matches(cond, doc) {
			out = append(out, doc)
		}
	}
	return out
}

func (c *memoryCollection) put(doc domain.Record) {
	uid := doc.UID()
	c.docs[uid] = doc
	for _, field := range indexedFields[1:] {
		value, ok := doc.Get(field)
		if !ok {
			continue
		}
		key := indexKey(field, value)
		if c.index[key] == nil {
			c.index[key] = make(map[string]struct{})
		}
		c.index[key][uid] = struct{}{}
	}
}

func (c *memoryCollection) remove(uid string) {
	doc, ok := c.docs[uid]
	if !ok {
		return
	}
	delete(c.docs, uid)
	for _, field := range indexedFields[1:] {
		value, ok := doc.Get(field)
		if !ok {
			continue
		}
		key := indexKey(field, value)
		delete(c.index[key], uid)
		if len(c.index[key]) == 0 {
			delete(c.index, key)
		}
	}
}

func indexKey(field string, value any) string {
	return field + "\x00" + string(domain.CanonicalJSON(value))
}

// first picks the oldest document so primary lookups are deterministic.
func first(docs []domain.Record) domain.Record {
	ordered := append([]domain.Record(nil), docs...)
	sortRecords(ordered, "", false)
	return ordered[0]
}
