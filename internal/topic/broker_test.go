package topic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vedacore/streamgateway/internal/envelope"
	"github.com/vedacore/streamgateway/internal/metrics"
	"github.com/vedacore/streamgateway/internal/resume"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	seq := resume.NewSequencer(nil, "test:seq:", nil)
	store := resume.NewMemoryStore(100)
	return New(seq, store, 100, metrics.NoOp{}, nil)
}

func TestPublishFanOutDelivers(t *testing.T) {
	b := newTestBroker(t)
	h := b.Subscribe("prices", 10)
	defer b.Unsubscribe(h)

	seq, err := b.Publish(context.Background(), "prices", []byte(`{"p":1}`), envelope.EventUpdate, 1)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first seq to be 1, got %d", seq)
	}

	msg, err := b.NextMessage(context.Background(), h, 15)
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Seq != 1 || env.Topic != "prices" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestFanOutDropsOldestWhenQueueFull(t *testing.T) {
	b := newTestBroker(t)
	h := b.Subscribe("ticks", 4)
	defer b.Unsubscribe(h)

	for i := 0; i < 10; i++ {
		if _, err := b.Publish(context.Background(), "ticks", []byte(`{}`), envelope.EventUpdate, 1); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	// 10 publishes into a capacity-4 queue: exactly 6 evictions, each
	// counted once, and the queue holds the 4 newest envelopes.
	snap := b.Snapshot()
	if snap.Dropped != 6 {
		t.Fatalf("expected exactly 6 dropped envelopes, got %d", snap.Dropped)
	}

	for want := uint64(7); want <= 10; want++ {
		msg, err := b.NextMessage(context.Background(), h, 15)
		if err != nil {
			t.Fatalf("NextMessage: %v", err)
		}
		var env envelope.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Seq != want {
			t.Fatalf("expected seq %d next, got %d", want, env.Seq)
		}
	}
}

func TestUnsubscribeRemovesEmptyTopic(t *testing.T) {
	b := newTestBroker(t)
	h := b.Subscribe("only", 10)
	b.Unsubscribe(h)

	snap := b.Snapshot()
	if _, ok := snap.Topics["only"]; ok {
		t.Fatalf("expected topic to be garbage-collected after last unsubscribe, got %+v", snap.Topics)
	}
}

func TestReplaySinceReturnsOnlyNewerEntries(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "log", []byte(`{}`), envelope.EventUpdate, 1); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	items := b.ReplaySince(ctx, "log", 3, 10)
	if len(items) != 2 {
		t.Fatalf("expected 2 entries after seq 3, got %d", len(items))
	}
	var env envelope.Envelope
	if err := json.Unmarshal(items[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Seq != 4 {
		t.Fatalf("expected first replayed entry to be seq 4, got %d", env.Seq)
	}
}

func TestHeartbeatPublishesHeartbeatEvent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	b.Heartbeat(ctx, envelope.SyntheticHeartbeatTopic)

	items := b.ReplaySince(ctx, envelope.SyntheticHeartbeatTopic, 0, 10)
	if len(items) != 1 {
		t.Fatalf("expected one heartbeat entry, got %d", len(items))
	}
	var env envelope.Envelope
	if err := json.Unmarshal(items[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != envelope.EventHeartbeat {
		t.Fatalf("expected heartbeat event, got %q", env.Event)
	}
}
