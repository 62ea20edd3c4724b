// Package ingest hosts external producer adapters: a generic
// interval-driven background harness for well-known topics and a
// core-NATS subscriber that forwards inbound subject traffic into the
// topic broker.
package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/metrics"
)

// Publisher is the subset of *topic.Broker a producer needs. Declared
// locally so this package doesn't import topic's exported API surface
// beyond what it calls.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, event string, v int) (uint64, error)
}

// ProduceFunc computes the next payload for a harness tick. Returning an
// error triggers the harness's backoff.
type ProduceFunc func(ctx context.Context, tick uint64) (json.RawMessage, error)

// HarnessStats is the counter snapshot returned by Harness.Stats.
type HarnessStats struct {
	Published     uint64
	Errors        uint64
	BackoffEvents uint64
	StartedAt     time.Time
	LastPublish   time.Time
	LastError     string
}

// Harness runs ProduceFunc on an interval with jitter, publishing each
// result to Topic via Publisher, and applies exponential backoff capped
// at 10s on error. It never replays missed ticks.
type Harness struct {
	topic      string
	intervalMs int
	event      string
	produce    ProduceFunc
	publisher  Publisher
	m          metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	tick    uint64
	stats   HarnessStats
	cancel  context.CancelFunc
	running bool
}

// NewHarness builds a Harness for topic, ticking every intervalMs (±250ms
// jitter, 100ms floor).
func NewHarness(topic string, intervalMs int, event string, produce ProduceFunc, publisher Publisher, m metrics.Metrics, logger *zap.Logger) *Harness {
	if intervalMs <= 0 {
		intervalMs = 2000
	}
	if event == "" {
		event = "update"
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Harness{topic: topic, intervalMs: intervalMs, event: event, produce: produce, publisher: publisher, m: m, logger: logger}
}

// Start launches the background loop if not already running. It returns
// false if the harness is already running.
func (h *Harness) Start(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.stats.StartedAt = time.Now()
	go h.loop(runCtx)
	return true
}

// Stop cancels the background loop. It is safe to call on an already
// stopped harness.
func (h *Harness) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	h.running = false
}

// Stats returns a snapshot of the harness's counters.
func (h *Harness) Stats() HarnessStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Harness) loop(ctx context.Context) {
	backoff := 0 * time.Second
	for {
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			h.mu.Lock()
			h.stats.BackoffEvents++
			h.mu.Unlock()
		}

		h.mu.Lock()
		h.tick++
		tick := h.tick
		h.mu.Unlock()

		payload, err := h.produce(ctx, tick)
		if err != nil {
			h.m.IncIngestErrors("harness")
			h.mu.Lock()
			h.stats.Errors++
			h.stats.LastError = err.Error()
			if backoff <= 0 {
				backoff = time.Second
			} else {
				backoff *= 2
			}
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Warn("ingest: harness tick failed, backing off",
					zap.String("topic", h.topic), zap.Duration("backoff", backoff), zap.Error(err))
			}
			continue
		}

		if _, err := h.publisher.Publish(ctx, h.topic, payload, h.event, 1); err != nil {
			h.m.IncIngestErrors("harness")
			h.mu.Lock()
			h.stats.Errors++
			h.stats.LastError = err.Error()
			backoff = min(max(2*backoff, time.Second), 10*time.Second)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Warn("ingest: harness publish failed, backing off",
					zap.String("topic", h.topic), zap.Duration("backoff", backoff), zap.Error(err))
			}
			continue
		}
		h.m.IncIngestMessages("harness")

		h.mu.Lock()
		h.stats.Published++
		h.stats.LastPublish = time.Now()
		h.stats.LastError = ""
		backoff = 0
		h.mu.Unlock()

		jitter := time.Duration(rand.Intn(500)-250) * time.Millisecond
		sleep := time.Duration(h.intervalMs)*time.Millisecond + jitter
		if sleep < 100*time.Millisecond {
			sleep = 100 * time.Millisecond
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}
