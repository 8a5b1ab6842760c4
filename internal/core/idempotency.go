package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier duplicate detection for submitted
// operations: an in-memory LRU over recent keys, backed by a Postgres
// lookup against the event log for keys that aged out.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the cold-path lookup, implemented by the
// persistence layer.
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether the operation was already applied. The
// second return names the tier that caught it, "lru" or "postgres".
func (ic *IdempotencyChecker) IsDuplicate(opType, idempotencyKey string) (bool, string) {
	compositeKey := fmt.Sprintf("%s:%s", opType, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		return true, "lru"
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
		if err != nil {
			// Conservative on DB errors: treat as new so a database blip
			// cannot stall processing. The event-log unique index still
			// rejects the re-insert.
			return false, ""
		}
		if isDup {
			ic.lru.add(compositeKey)
			return true, "postgres"
		}
	}

	return false, ""
}

// MarkApplied records a key after the operation commits.
func (ic *IdempotencyChecker) MarkApplied(opType, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", opType, idempotencyKey))
}

// Warm preloads composite keys (snapshot restore / startup).
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns the cached composite keys for snapshotting.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// idempotencyLRU is not thread-safe; it is only touched from the engine
// goroutine.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(string))
		}
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}
