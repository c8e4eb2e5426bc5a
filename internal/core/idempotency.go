package core

import (
	"container/list"
	"time"

	"VaultEngine/internal/observability"
)

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU
// for recent keys, and Postgres (the operation log) behind it for anything
// that has aged out. Keys are composite, "type:key", because request ids
// are only unique per command type.
//
// Not safe for concurrent use. Only the core goroutine touches it.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker is the cold-tier lookup. A nil checker disables
// the cold tier, which tests rely on.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the command was already processed. A cold
// tier error is treated as "not a duplicate": the operation log's unique
// constraint still catches the rare false negative, whereas failing here
// would stall all ingestion on a DB blip.
func (ic *IdempotencyChecker) IsDuplicate(commandType, idempotencyKey string) bool {
	key := commandType + ":" + idempotencyKey

	if ic.lru.Contains(key) {
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, "lru").Inc()
		}
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return false
	}
	if isDup {
		ic.lru.Add(key)
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, "postgres").Inc()
		}
	}
	return isDup
}

// MarkProcessed records a key after the command has been applied.
func (ic *IdempotencyChecker) MarkProcessed(commandType, idempotencyKey string) {
	ic.lru.Add(commandType + ":" + idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// IdempotencyLRU is a plain LRU over composite keys. Not safe for
// concurrent use.
type IdempotencyLRU struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recent
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key is cached, promoting it on hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.entries[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key, evicting the oldest entry when over capacity.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.entries[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.entries[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.entries, oldest.Value.(string))
	}
}

// WarmFromKeys bulk-loads keys, most recent first, during recovery.
// Already-cached keys keep their position.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, ok := lru.entries[key]; ok {
			continue
		}
		lru.entries[key] = lru.order.PushFront(key)
		if lru.order.Len() > lru.capacity {
			oldest := lru.order.Back()
			lru.order.Remove(oldest)
			delete(lru.entries, oldest.Value.(string))
		}
	}
}

// GetAllKeys returns every cached key, most recent first. Snapshots
// persist this so dedup state survives restarts.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.order.Len())
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}

// Size returns the number of cached keys.
func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}
