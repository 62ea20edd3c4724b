package session

import (
	"testing"

	"github.com/vedacore/streamgateway/internal/metrics"
	"github.com/vedacore/streamgateway/internal/resume"
	"github.com/vedacore/streamgateway/internal/topic"
)

func newTestBroker(t *testing.T) *topic.Broker {
	t.Helper()
	seq := resume.NewSequencer(nil, "test:seq:", nil)
	store := resume.NewMemoryStore(10)
	return topic.New(seq, store, 10, metrics.NoOp{}, nil)
}

func TestAddRemoveSubscription(t *testing.T) {
	b := newTestBroker(t)
	sc := New("client-1", "tenant-1", []string{"stream:debug"})

	h := b.Subscribe("prices", 10)
	sc.AddSubscription("prices", h)

	if got, ok := sc.Handle("prices"); !ok || got != h {
		t.Fatalf("expected Handle to return the subscribed handle, got %v %v", got, ok)
	}
	if topics := sc.Topics(); len(topics) != 1 || topics[0] != "prices" {
		t.Fatalf("expected Topics() to report [prices], got %v", topics)
	}

	removed, ok := sc.RemoveSubscription("prices")
	if !ok || removed != h {
		t.Fatalf("expected RemoveSubscription to return the original handle")
	}
	if _, ok := sc.Handle("prices"); ok {
		t.Fatal("expected Handle to report absent after removal")
	}
}

func TestDrainAllClearsSubscriptionsAndReturnsAll(t *testing.T) {
	b := newTestBroker(t)
	sc := New("client-2", "tenant-1", nil)

	h1 := b.Subscribe("prices", 10)
	h2 := b.Subscribe("orders", 10)
	sc.AddSubscription("prices", h1)
	sc.AddSubscription("orders", h2)

	drained := sc.DrainAll()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained handles, got %d", len(drained))
	}
	if len(sc.Topics()) != 0 {
		t.Fatalf("expected no subscriptions left after DrainAll, got %v", sc.Topics())
	}
}
