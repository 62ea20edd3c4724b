// Package topic implements the in-process topic broker: topic registry,
// envelope assembly, fan-out with drop-oldest backpressure, heartbeats, and
// statistics. Each subscriber owns a bounded queue with a single writer
// (the broker) and a single reader (the connection forwarder).
package topic

import (
	"context"
	"sync"
	"time"

	"github.com/vedacore/streamgateway/internal/envelope"
	"github.com/vedacore/streamgateway/internal/metrics"
	"github.com/vedacore/streamgateway/internal/resume"
	"go.uber.org/zap"
)

const defaultQueueCapacity = 1024

// Sequencer issues the next seq for a topic. Satisfied by
// *resume.Sequencer; declared locally so this package doesn't import
// resume's concrete type into its exported API.
type Sequencer interface {
	NextSeq(topic string) uint64
}

// Handle is the non-owning reference an endpoint holds to its subscriber
// queue. The broker owns the Queue; Handle is how callers read it and
// later hand it back to Unsubscribe.
type Handle struct {
	topic string
	queue *Queue
}

type subscription struct {
	subs map[*Queue]struct{}
}

// Broker maintains topic -> subscriber-queue-set, assembles envelopes,
// fans them out, and mirrors published envelopes into an in-memory ring in
// addition to the configured Resume Store.
type Broker struct {
	logger *zap.Logger
	seq    Sequencer
	resume resume.Store
	ring   resume.Store // always an in-memory mirror, independent of resume backend
	m      metrics.Metrics

	mu     sync.Mutex
	topics map[string]*subscription

	published uint64
	dropped   uint64
}

// New builds a Broker. ringSize bounds the in-memory mirror kept
// regardless of which resume.Store backend is active.
func New(seq Sequencer, store resume.Store, ringSize int, m metrics.Metrics, logger *zap.Logger) *Broker {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Broker{
		logger: logger,
		seq:    seq,
		resume: store,
		ring:   resume.NewMemoryStore(ringSize),
		m:      m,
		topics: make(map[string]*subscription),
	}
}

// Subscribe registers a new bounded subscriber queue for topic and returns
// a handle the caller uses to read and later unsubscribe.
func (b *Broker) Subscribe(topic string, maxQueue int) *Handle {
	if maxQueue <= 0 {
		maxQueue = defaultQueueCapacity
	}
	q := NewQueue(maxQueue)

	b.mu.Lock()
	sub, ok := b.topics[topic]
	if !ok {
		sub = &subscription{subs: make(map[*Queue]struct{})}
		b.topics[topic] = sub
	}
	sub.subs[q] = struct{}{}
	count := len(sub.subs)
	b.mu.Unlock()

	b.m.SetTopicSubscribers(topic, count)
	return &Handle{topic: topic, queue: q}
}

// Unsubscribe removes the handle's queue, drains it, and garbage-collects
// the topic entry if it becomes empty.
func (b *Broker) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	sub, ok := b.topics[h.topic]
	if ok {
		delete(sub.subs, h.queue)
		if len(sub.subs) == 0 {
			delete(b.topics, h.topic)
		}
	}
	b.mu.Unlock()

	h.queue.Drain()
}

// Publish assigns a seq, builds and serializes the envelope once, appends
// it to the resume store and in-memory ring, then fans it out.
func (b *Broker) Publish(ctx context.Context, topicName string, payload []byte, event string, v int) (uint64, error) {
	if event == "" {
		event = envelope.EventUpdate
	}
	seq := b.seq.NextSeq(topicName)
	env := envelope.New(topicName, seq, event, payload, v)
	data, err := env.Marshal()
	if err != nil {
		return 0, err
	}

	if b.resume != nil {
		if err := b.resume.Store(ctx, topicName, seq, data); err != nil && b.logger != nil {
			b.logger.Warn("broker: resume store write failed", zap.String("topic", topicName), zap.Error(err))
		}
	}
	if err := b.ring.Store(ctx, topicName, seq, data); err != nil && b.logger != nil {
		b.logger.Warn("broker: ring mirror write failed", zap.String("topic", topicName), zap.Error(err))
	}

	b.fanOut(topicName, data)
	return seq, nil
}

// Heartbeat publishes an empty heartbeat envelope to topic.
func (b *Broker) Heartbeat(ctx context.Context, topicName string) {
	b.Publish(ctx, topicName, []byte("{}"), envelope.EventHeartbeat, 1)
}

// fanOut implements drop-oldest backpressure: for each subscriber queue,
// try a non-blocking send; on a full queue, evict the oldest entry
// (counting it as dropped) and retry once; a second failure drops the new
// message instead. The subscriber list is snapshotted under a short-lived
// lock so the lock is never held during queue operations.
func (b *Broker) fanOut(topicName string, data []byte) {
	b.mu.Lock()
	sub, ok := b.topics[topicName]
	var queues []*Queue
	if ok {
		queues = make([]*Queue, 0, len(sub.subs))
		for q := range sub.subs {
			queues = append(queues, q)
		}
	}
	b.mu.Unlock()

	dropped := 0
	for _, q := range queues {
		if q.TrySend(data) {
			continue
		}
		// Queue full: evict the oldest entry and retry once. Each discarded
		// envelope is counted exactly once, whether it is the evicted head
		// or a new message whose retry lost to a racing refill.
		if _, evicted := q.TryRecv(); evicted {
			dropped++
		}
		if !q.TrySend(data) {
			dropped++
		}
	}

	b.mu.Lock()
	b.published++
	b.dropped += uint64(dropped)
	b.mu.Unlock()

	b.m.IncMessagesPublished(topicName)
	if dropped > 0 {
		b.m.AddMessagesDropped(topicName, dropped)
	}
}

// NextMessage reads the next envelope from h, or synthesizes an idle
// heartbeat if none arrives within heartbeatSecs.
func (b *Broker) NextMessage(ctx context.Context, h *Handle, heartbeatSecs int) ([]byte, error) {
	if heartbeatSecs <= 0 {
		heartbeatSecs = 15
	}
	timer := time.NewTimer(time.Duration(heartbeatSecs) * time.Second)
	defer timer.Stop()

	select {
	case msg := <-h.queue.Recv():
		return msg, nil
	case <-timer.C:
		hb := envelope.Heartbeat()
		return hb.Marshal()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplaySince consults the Resume Store first; if it returns nothing, it
// scans the in-memory ring for envelopes with seq > lastSeq.
func (b *Broker) ReplaySince(ctx context.Context, topicName string, lastSeq uint64, limit int) [][]byte {
	if b.resume != nil {
		if items, err := b.resume.ReplaySince(ctx, topicName, lastSeq, limit); err == nil && len(items) > 0 {
			return items
		}
	}
	items, _ := b.ring.ReplaySince(ctx, topicName, lastSeq, limit)
	return items
}

// ResumeStats reports the Resume Store's occupancy for topicName, used to
// detect buffer exhaustion at handshake.
func (b *Broker) ResumeStats(ctx context.Context, topicName string) resume.Stats {
	if b.resume != nil {
		if stats, err := b.resume.Stats(ctx, topicName); err == nil && stats.HasData {
			return stats
		}
	}
	stats, _ := b.ring.Stats(ctx, topicName)
	return stats
}

// Stats is the broker-wide snapshot returned by debug endpoints.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
	Topics      map[string]int
}

// Snapshot returns broker-wide counters.
func (b *Broker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make(map[string]int, len(b.topics))
	total := 0
	for name, sub := range b.topics {
		topics[name] = len(sub.subs)
		total += len(sub.subs)
	}
	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Subscribers: total,
		Topics:      topics,
	}
}
