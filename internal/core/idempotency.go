package core

import (
	"container/list"
	"context"

	"PerpSettle/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of trade ids.
// Not thread-safe: only the single settlement writer calls it.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: the account store's trades table
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker looks up trade ids that were committed before the
// LRU was populated, e.g. before a restart.
type DBIdempotencyChecker interface {
	IsTradeSettled(ctx context.Context, tradeID uuid.UUID) (bool, error)
	RecentTradeIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// IsDuplicate reports whether tradeID was already settled.
//
// A tier-2 lookup failure is returned to the caller: treating it as "not a
// duplicate" could settle a trade twice.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, tradeID uuid.UUID) (bool, error) {
	if ic.lru.Contains(tradeID) {
		ic.recordDuplicate("lru")
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}
	dup, err := ic.dbChecker.IsTradeSettled(ctx, tradeID)
	if err != nil {
		ic.logger.Error().Err(err).Str("trade_id", tradeID.String()).Msg("idempotency tier-2 lookup failed")
		return false, err
	}
	if dup {
		ic.recordDuplicate("postgres")
		ic.add(tradeID)
	}
	return dup, nil
}

// MarkProcessed adds tradeID to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(tradeID uuid.UUID) {
	ic.add(tradeID)
}

// Warm loads the most recent committed trade ids into the LRU.
func (ic *IdempotencyChecker) Warm(ctx context.Context) error {
	if ic.dbChecker == nil {
		return nil
	}
	ids, err := ic.dbChecker.RecentTradeIDs(ctx, ic.lru.capacity)
	if err != nil {
		return err
	}
	ic.lru.WarmFromKeys(ids)
	ic.reportSize()
	ic.logger.Info().Int("keys", len(ids)).Msg("idempotency LRU warmed")
	return nil
}

func (ic *IdempotencyChecker) add(tradeID uuid.UUID) {
	ic.lru.Add(tradeID)
	ic.reportSize()
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

func (ic *IdempotencyChecker) reportSize() {
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of trade ids.
type IdempotencyLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key uuid.UUID) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key uuid.UUID) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(uuid.UUID))
		lru.evictions++
	}
}

// WarmFromKeys loads keys ordered newest first, so the newest end up at
// the front of the list.
func (lru *IdempotencyLRU) WarmFromKeys(keys []uuid.UUID) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
