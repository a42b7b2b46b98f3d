package data

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

func key(id string) domain.MessageKey {
	return domain.MessageKey{AccountID: "acc-1", ChatID: "oc_1", MessageID: id}
}

func TestMemoryProcessedIndex_MarkOnce(t *testing.T) {
	idx := NewMemoryProcessedIndex(time.Hour, 100)
	ctx := context.Background()

	isNew, _ := idx.MarkIfNew(ctx, key("m1"))
	if !isNew {
		t.Error("Expected first mark to be new")
	}
	isNew, _ = idx.MarkIfNew(ctx, key("m1"))
	if isNew {
		t.Error("Expected second mark to be a duplicate")
	}

	other := domain.MessageKey{AccountID: "acc-2", ChatID: "oc_1", MessageID: "m1"}
	if isNew, _ := idx.MarkIfNew(ctx, other); !isNew {
		t.Error("Expected keys to be scoped per account")
	}
}

func TestMemoryProcessedIndex_ExpiresByAge(t *testing.T) {
	idx := NewMemoryProcessedIndex(time.Minute, 100)
	now := time.Unix(1_700_000_000, 0)
	idx.now = func() time.Time { return now }
	ctx := context.Background()

	idx.MarkIfNew(ctx, key("m1"))
	now = now.Add(2 * time.Minute)

	if isNew, _ := idx.MarkIfNew(ctx, key("m1")); !isNew {
		t.Error("Expected expired entry to be forgotten")
	}
}

func TestMemoryProcessedIndex_CapacityDropsOldest(t *testing.T) {
	idx := NewMemoryProcessedIndex(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		idx.MarkIfNew(ctx, key(strconv.Itoa(i)))
	}
	if idx.Len() != 3 {
		t.Errorf("Expected 3 entries, got %d", idx.Len())
	}

	if isNew, _ := idx.MarkIfNew(ctx, key("3")); isNew {
		t.Error("Expected newest entry to be retained")
	}
	if isNew, _ := idx.MarkIfNew(ctx, key("0")); !isNew {
		t.Error("Expected oldest entry to be evicted")
	}
}

func TestMemoryProcessedIndex_Concurrent(t *testing.T) {
	idx := NewMemoryProcessedIndex(time.Hour, 1000)
	var fresh atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if isNew, _ := idx.MarkIfNew(context.Background(), key("same")); isNew {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %d", fresh.Load())
	}
}

func TestCooldownRepo(t *testing.T) {
	r := NewCooldownRepo(5 * time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if r.Active("acc-1", "oc_dm", now) {
		t.Error("Expected no cooldown before any reply")
	}

	r.Touch("acc-1", "oc_dm", now)
	if !r.Active("acc-1", "oc_dm", now.Add(time.Minute)) {
		t.Error("Expected cooldown inside the window")
	}
	if r.Active("acc-1", "oc_dm", now.Add(6*time.Minute)) {
		t.Error("Expected cooldown to lapse after the window")
	}
	if r.Active("acc-1", "oc_other", now) {
		t.Error("Expected cooldown scoped per chat")
	}
}
