package resume

import (
	"context"
	"testing"
)

func TestMemoryStoreReplaySinceOrdersBySeq(t *testing.T) {
	m := NewMemoryStore(10)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := m.Store(ctx, "topic", i, []byte{byte(i)}); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	items, err := m.ReplaySince(ctx, "topic", 2, 10)
	if err != nil {
		t.Fatalf("ReplaySince: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items after seq 2, got %d", len(items))
	}
	if items[0][0] != 3 {
		t.Fatalf("expected first replayed item to carry seq 3's payload, got %v", items[0])
	}
}

func TestMemoryStoreEvictsOldestBeyondCapacity(t *testing.T) {
	m := NewMemoryStore(3)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := m.Store(ctx, "topic", i, []byte{byte(i)}); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	stats, err := m.Stats(ctx, "topic")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Size != 3 {
		t.Fatalf("expected ring capped at 3 entries, got %d", stats.Size)
	}
	if stats.MinSeq != 3 || stats.MaxSeq != 5 {
		t.Fatalf("expected seq range [3,5] after eviction, got [%d,%d]", stats.MinSeq, stats.MaxSeq)
	}
}

func TestMemoryStoreStatsOnEmptyTopic(t *testing.T) {
	m := NewMemoryStore(10)
	stats, err := m.Stats(context.Background(), "never-published")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.HasData {
		t.Fatalf("expected HasData=false for a topic with no entries, got %+v", stats)
	}
}
