package state

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"snooze/internal/clock"
	"snooze/internal/condition"
	"snooze/internal/config"
	"snooze/internal/domain"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const maxCASAttempts = 5

// NATSStore persists collections in JetStream KV buckets.
// Params: NATS connection, JetStream context, per-collection bucket handles and lock bucket.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	settings config.NATSStoreConfig
	clock    clock.Clock
	locks    nats.KeyValue
	owner    string

	mu      sync.Mutex
	buckets map[string]collectionBuckets
}

// collectionBuckets pairs document bucket (key = uid) with its index bucket
// (key = <field>.<md5(value)>.<uid>, empty value).
type collectionBuckets struct {
	data  nats.KeyValue
	index nats.KeyValue
}

type storedDoc struct {
	doc      domain.Record
	revision uint64
}

// NewNATSStore connects to NATS and opens the lock bucket.
// Params: NATS store settings and clock (RealClock when nil).
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig, clk clock.Clock) (*NATSStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	store := &NATSStore{
		nc:       nc,
		js:       js,
		settings: settings,
		clock:    clk,
		owner:    uuid.NewString(),
		buckets:  make(map[string]collectionBuckets),
	}
	locks, err := store.openBucket(settings.BucketPrefix+"_locks", time.Duration(settings.LockTTLSec)*time.Second)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.locks = locks
	return store, nil
}

// openBucket opens KV bucket, creating it when allowed.
// Params: bucket name and max entry age (0 = unlimited).
// Returns: bucket handle or open/create error.
func (s *NATSStore) openBucket(name string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := s.js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !s.settings.AllowCreateBuckets {
		return nil, fmt.Errorf("open bucket %q: %w", name, err)
	}
	kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		History: 1,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	return kv, nil
}

// bucketName maps collection to its data bucket name.
func (s *NATSStore) bucketName(collection string) string {
	return s.settings.BucketPrefix + "_" + collection
}

func (s *NATSStore) bucket(collection string) (collectionBuckets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[collection]; ok {
		return b, nil
	}
	if !validToken(collection) {
		return collectionBuckets{}, fmt.Errorf("invalid collection name %q", collection)
	}
	data, err := s.openBucket(s.bucketName(collection), 0)
	if err != nil {
		return collectionBuckets{}, err
	}
	index, err := s.openBucket(s.bucketName(collection)+"_idx", 0)
	if err != nil {
		return collectionBuckets{}, err
	}
	b := collectionBuckets{data: data, index: index}
	s.buckets[collection] = b
	return b, nil
}

// Search returns matching documents.
// Params: collection, condition (nil matches all) and paging options.
// Returns: ordered page and total count.
func (s *NATSStore) Search(ctx context.Context, collection string, cond condition.Condition, opts SearchOptions) (SearchResult, error) {
	b, err := s.bucket(collection)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search %s: %w", collection, err)
	}
	found, err := s.find(ctx, b, cond)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search %s: %w", collection, err)
	}
	docs := make([]domain.Record, 0, len(found))
	for _, item := range found {
		docs = append(docs, item.doc)
	}
	return page(docs, opts), nil
}

// Write stores documents according to uid, primary and duplicate policy.
// Concurrent writers are reconciled by KV revision checks.
// Params: collection, documents and write options.
// Returns: stored documents grouped by outcome.
func (s *NATSStore) Write(ctx context.Context, collection string, docs []domain.Record, opts WriteOptions) (WriteResult, error) {
	var result WriteResult
	b, err := s.bucket(collection)
	if err != nil {
		return result, fmt.Errorf("write %s: %w", collection, err)
	}
	now := s.clock.Now()
	for _, raw := range docs {
		var plan writePlan
		for attempt := 0; ; attempt++ {
			plan, err = s.writeOne(ctx, b, prepareDoc(raw, opts, now), opts)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrConflict) || attempt+1 >= maxCASAttempts {
				return result, fmt.Errorf("write %s: %w", collection, err)
			}
		}
		result.record(plan)
	}
	return result, nil
}

func (s *NATSStore) writeOne(ctx context.Context, b collectionBuckets, doc domain.Record, opts WriteOptions) (writePlan, error) {
	var byUID, byPrimary *storedDoc
	if uid := doc.UID(); uid != "" {
		stored, err := getDoc(b.data, uid)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return writePlan{}, err
		}
		byUID = stored
	}
	if cond, ok := primaryCondition(doc, opts.Primary); ok {
		found, err := s.find(ctx, b, cond)
		if err != nil {
			return writePlan{}, err
		}
		if len(found) > 0 {
			docs := make([]domain.Record, 0, len(found))
			for _, item := range found {
				docs = append(docs, item.doc)
			}
			oldest := first(docs).UID()
			for _, item := range found {
				if item.doc.UID() == oldest {
					byPrimary = item
				}
			}
		}
	}

	plan := planWrite(doc, recordOf(byUID), recordOf(byPrimary), opts.DuplicatePolicy)
	switch plan.action {
	case actionReject:
		return plan, nil
	case actionInsert:
		body, err := json.Marshal(plan.doc)
		if err != nil {
			return plan, fmt.Errorf("encode document: %w", err)
		}
		if _, err := b.data.Create(sanitizeKey(plan.doc.UID()), body); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return plan, ErrConflict
			}
			return plan, fmt.Errorf("create document: %w", err)
		}
		return plan, reindex(b.index, nil, plan.doc)
	default:
		previous := byPrimary
		if byUID != nil {
			previous = byUID
		}
		body, err := json.Marshal(plan.doc)
		if err != nil {
			return plan, fmt.Errorf("encode document: %w", err)
		}
		if _, err := b.data.Update(sanitizeKey(plan.target), body, previous.revision); err != nil {
			if isConflict(err) {
				return plan, ErrConflict
			}
			return plan, fmt.Errorf("update document: %w", err)
		}
		return plan, reindex(b.index, previous.doc, plan.doc)
	}
}

// Delete removes matching documents.
// Params: collection and condition (nil deletes all).
// Returns: deleted count.
func (s *NATSStore) Delete(ctx context.Context, collection string, cond condition.Condition) (DeleteResult, error) {
	b, err := s.bucket(collection)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete %s: %w", collection, err)
	}
	found, err := s.find(ctx, b, cond)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete %s: %w", collection, err)
	}
	count := 0
	for _, item := range found {
		if err := b.data.Delete(sanitizeKey(item.doc.UID()), nats.LastRevision(item.revision)); err != nil {
			if isConflict(err) || errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return DeleteResult{Count: count}, fmt.Errorf("delete %s: %w", collection, err)
		}
		count++
		if err := reindex(b.index, item.doc, nil); err != nil {
			return DeleteResult{Count: count}, fmt.Errorf("delete %s: %w", collection, err)
		}
	}
	return DeleteResult{Count: count}, nil
}

// GetOne returns first document matching equality filter.
// Params: collection and dotted field filter.
// Returns: document or ErrNotFound.
func (s *NATSStore) GetOne(ctx context.Context, collection string, filter map[string]any) (domain.Record, error) {
	result, err := s.Search(ctx, collection, FilterCondition(filter), SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("get %s %v: %w", collection, filter, ErrNotFound)
	}
	return result.Data[0], nil
}

// Increment adds deltas to numeric fields of every matching document using CAS updates.
// Params: collection, equality filter and field deltas.
// Returns: first non-conflict error.
func (s *NATSStore) Increment(ctx context.Context, collection string, filter map[string]any, fields map[string]int) error {
	b, err := s.bucket(collection)
	if err != nil {
		return fmt.Errorf("increment %s: %w", collection, err)
	}
	cond := FilterCondition(filter)
	found, err := s.find(ctx, b, cond)
	if err != nil {
		return fmt.Errorf("increment %s: %w", collection, err)
	}
	for _, item := range found {
		uid := item.doc.UID()
		current := item
		for attempt := 0; ; attempt++ {
			incrementFields(current.doc, fields)
			body, err := json.Marshal(current.doc)
			if err != nil {
				return fmt.Errorf("increment %s: encode: %w", collection, err)
			}
			_, err = b.data.Update(sanitizeKey(uid), body, current.revision)
			if err == nil {
				break
			}
			if !isConflict(err) || attempt+1 >= maxCASAttempts {
				return fmt.Errorf("increment %s: %w", collection, err)
			}
			current, err = getDoc(b.data, uid)
			if errors.Is(err, ErrNotFound) {
				break
			}
			if err != nil {
				return fmt.Errorf("increment %s: %w", collection, err)
			}
			if !matches(cond, current.doc) {
				break
			}
		}
	}
	return nil
}

// Lock acquires cluster-wide lock by creating key in lock bucket.
// Entries expire with the bucket TTL so a crashed holder cannot block forever.
// Params: context bounding the wait and lock key.
// Returns: unlock func or ErrLockTimeout.
func (s *NATSStore) Lock(ctx context.Context, key string) (func(), error) {
	wait := time.Duration(s.settings.LockWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	lockKey := sanitizeKey(key)
	for {
		rev, err := s.locks.Create(lockKey, []byte(s.owner))
		if err == nil {
			var once sync.Once
			return func() {
				once.Do(func() {
					_ = s.locks.Delete(lockKey, nats.LastRevision(rev))
				})
			}, nil
		}
		if !errors.Is(err, nats.ErrKeyExists) && !isConflict(err) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w: %v", key, ErrLockTimeout, ctx.Err())
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// find loads documents matching cond; index lookups narrow the candidates, everything else is a bucket scan.
func (s *NATSStore) find(ctx context.Context, b collectionBuckets, cond condition.Condition) ([]*storedDoc, error) {
	field, value, indexed := indexLookup(cond)
	if !indexed {
		return scan(ctx, b.data, cond)
	}
	var uids []string
	if field == domain.FieldUID {
		uid, _ := value.(string)
		if uid == "" {
			return nil, nil
		}
		uids = []string{uid}
	} else {
		keys, err := watchKeys(ctx, b.index, indexPrefix(field, value)+".*")
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			uids = append(uids, key[strings.LastIndexByte(key, '.')+1:])
		}
	}
	var out []*storedDoc
	for _, uid := range uids {
		stored, err := getDoc(b.data, uid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matches(cond, stored.doc) {
			out = append(out, stored)
		}
	}
	return out, nil
}

// scan reads every live document of bucket through a watcher.
func scan(ctx context.Context, kv nats.KeyValue, cond condition.Condition) ([]*storedDoc, error) {
	watcher, err := kv.WatchAll(nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch bucket: %w", err)
	}
	defer func() { _ = watcher.Stop() }()
	var out []*storedDoc
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		var doc domain.Record
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key(), err)
		}
		if matches(cond, doc) {
			out = append(out, &storedDoc{doc: doc, revision: entry.Revision()})
		}
	}
	return out, ctx.Err()
}

// watchKeys lists live keys matching subject pattern.
func watchKeys(ctx context.Context, kv nats.KeyValue, pattern string) ([]string, error) {
	watcher, err := kv.Watch(pattern, nats.IgnoreDeletes(), nats.MetaOnly(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch keys %s: %w", pattern, err)
	}
	defer func() { _ = watcher.Stop() }()
	var keys []string
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		keys = append(keys, entry.Key())
	}
	return keys, ctx.Err()
}

func getDoc(kv nats.KeyValue, uid string) (*storedDoc, error) {
	entry, err := kv.Get(sanitizeKey(uid))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", uid, err)
	}
	var doc domain.Record
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", uid, err)
	}
	return &storedDoc{doc: doc, revision: entry.Revision()}, nil
}

// reindex moves index entries of a document from previous to current version (nil = absent).
func reindex(index nats.KeyValue, previous, current domain.Record) error {
	for _, field := range indexedFields[1:] {
		var oldKey, newKey string
		if previous != nil {
			if value, ok := previous.Get(field); ok {
				oldKey = indexPrefix(field, value) + "." + sanitizeKey(previous.UID())
			}
		}
		if current != nil {
			if value, ok := current.Get(field); ok {
				newKey = indexPrefix(field, value) + "." + sanitizeKey(current.UID())
			}
		}
		if oldKey == newKey {
			continue
		}
		if oldKey != "" {
			if err := index.Delete(oldKey); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				return fmt.Errorf("drop index %s: %w", oldKey, err)
			}
		}
		if newKey != "" {
			if _, err := index.Put(newKey, nil); err != nil {
				return fmt.Errorf("put index %s: %w", newKey, err)
			}
		}
	}
	return nil
}

func indexPrefix(field string, value any) string {
	sum := md5.Sum(domain.CanonicalJSON(value))
	return sanitizeKey(field) + "." + hex.EncodeToString(sum[:])
}

func recordOf(stored *storedDoc) domain.Record {
	if stored == nil {
		return nil
	}
	return stored.doc
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// validToken reports whether name can be used inside bucket name.
func validToken(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// sanitizeKey replaces characters not allowed in KV keys.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.' || r == '=' || r == '/' {
			return r
		}
		return '_'
	}, key)
}
