package data

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

// MemoryProcessedIndex is a bounded in-process dedup index.
// Entries expire after ttl; past capacity the oldest entries are dropped first.
type MemoryProcessedIndex struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = oldest
	entries  map[domain.MessageKey]*list.Element
	now      func() time.Time
}

type processedEntry struct {
	key domain.MessageKey
	at  time.Time
}

// NewMemoryProcessedIndex creates an in-memory processed index
func NewMemoryProcessedIndex(ttl time.Duration, capacity int) *MemoryProcessedIndex {
	return &MemoryProcessedIndex{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[domain.MessageKey]*list.Element),
		now:      time.Now,
	}
}

// MarkIfNew records key and reports whether it was absent
func (idx *MemoryProcessedIndex) MarkIfNew(ctx context.Context, key domain.MessageKey) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	idx.evictExpired(now)

	if _, ok := idx.entries[key]; ok {
		return false, nil
	}

	idx.entries[key] = idx.order.PushBack(&processedEntry{key: key, at: now})
	for idx.capacity > 0 && idx.order.Len() > idx.capacity {
		idx.removeFront()
	}
	return true, nil
}

// Len returns the number of tracked messages
func (idx *MemoryProcessedIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.order.Len()
}

func (idx *MemoryProcessedIndex) evictExpired(now time.Time) {
	if idx.ttl <= 0 {
		return
	}
	for idx.order.Len() > 0 {
		e := idx.order.Front().Value.(*processedEntry)
		if now.Sub(e.at) < idx.ttl {
			return
		}
		idx.removeFront()
	}
}

func (idx *MemoryProcessedIndex) removeFront() {
	front := idx.order.Front()
	idx.order.Remove(front)
	delete(idx.entries, front.Value.(*processedEntry).key)
}

// RedisProcessedIndex shares the dedup index between replicas
type RedisProcessedIndex struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisIndexOption configures a RedisProcessedIndex
type RedisIndexOption func(*RedisProcessedIndex)

// WithKeyPrefix overrides the key prefix (default "autoreply:processed")
func WithKeyPrefix(prefix string) RedisIndexOption {
	return func(r *RedisProcessedIndex) { r.prefix = prefix }
}

// WithIndexTTL sets how long a message stays marked (default 24h)
func WithIndexTTL(ttl time.Duration) RedisIndexOption {
	return func(r *RedisProcessedIndex) { r.ttl = ttl }
}

// NewRedisProcessedIndex creates a Redis-backed processed index
func NewRedisProcessedIndex(rdb redis.UniversalClient, opts ...RedisIndexOption) *RedisProcessedIndex {
	r := &RedisProcessedIndex{
		rdb:    rdb,
		prefix: "autoreply:processed",
		ttl:    24 * time.Hour,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// key: {prefix}:{account}:{chat}:{message}
func (r *RedisProcessedIndex) key(k domain.MessageKey) string {
	return r.prefix + ":" + k.String()
}

// MarkIfNew uses SET NX PX so check and mark are one round trip
func (r *RedisProcessedIndex) MarkIfNew(ctx context.Context, key domain.MessageKey) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(key), strconv.FormatInt(time.Now().UnixMilli(), 10), r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
