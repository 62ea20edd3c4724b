// Package ratelimit implements per-tenant admission control: a token
// bucket for request rate (QPS) and a counter for concurrent connections,
// with idle-tenant garbage collection. Each tenant is guarded by its own
// mutex, so the hot path never contends on a global lock.
package ratelimit

import (
	"sync"
	"time"
)

// Limits is the mutable configuration for one tenant.
type Limits struct {
	QPSRate         float64
	Burst           float64
	ConnectionLimit int
}

// DefaultLimits bundles the defaults applied to newly observed tenants.
func DefaultLimits(qps float64, burst float64, connLimit int) Limits {
	return Limits{QPSRate: qps, Burst: burst, ConnectionLimit: connLimit}
}

// bucket implements a monotonic-clock token bucket. All fields are
// guarded by the owning tenant's mutex.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, limits Limits) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(limits.Burst, b.tokens+elapsed*limits.QPSRate)
	b.lastRefill = now
}

func (b *bucket) allow(now time.Time, limits Limits, cost float64) bool {
	b.refill(now, limits)
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// tenant holds one tenant's live state: limits, bucket, connection count,
// and last-activity timestamp used for GC.
type tenant struct {
	mu           sync.Mutex
	limits       Limits
	customLimits bool
	bkt          bucket
	activeConns  int
	lastActivity time.Time
}

// Limiter is the per-tenant admission registry. It is safe for concurrent
// use; each tenant is guarded independently so one tenant's traffic never
// blocks another's.
type Limiter struct {
	defaults Limits
	idleTTL  time.Duration

	mu      sync.Mutex
	tenants map[string]*tenant

	nowFn func() time.Time
}

// New builds a Limiter. defaults seed every tenant observed for the first
// time; idleTTL controls idle-tenant GC (RATE_LIMITER_IDLE_TTL).
func New(defaults Limits, idleTTL time.Duration) *Limiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		defaults: defaults,
		idleTTL:  idleTTL,
		tenants:  make(map[string]*tenant),
		nowFn:    time.Now,
	}
}

func (l *Limiter) getOrCreate(tenantID string) *tenant {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tenantID]
	if !ok {
		now := l.nowFn()
		t = &tenant{
			limits:       l.defaults,
			bkt:          bucket{tokens: l.defaults.Burst, lastRefill: now},
			lastActivity: now,
		}
		l.tenants[tenantID] = t
	}
	return t
}

// AllowQPS consumes cost tokens from tenantID's bucket. No queueing: a
// refusal is immediate and carries no side effect beyond touching
// last-activity.
func (l *Limiter) AllowQPS(tenantID string, cost float64) bool {
	if cost <= 0 {
		cost = 1.0
	}
	t := l.getOrCreate(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := l.nowFn()
	t.lastActivity = now
	return t.bkt.allow(now, t.limits, cost)
}

// AllowConnection admits a new connection if tenantID is under its
// connection_limit. Callers that admit must pair this with
// RemoveConnection on disconnect.
func (l *Limiter) AllowConnection(tenantID string) bool {
	t := l.getOrCreate(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = l.nowFn()
	if t.activeConns >= t.limits.ConnectionLimit {
		return false
	}
	t.activeConns++
	return true
}

// RemoveConnection releases one connection slot for tenantID. It is safe
// to call on a tenant that has already been garbage-collected (a no-op).
func (l *Limiter) RemoveConnection(tenantID string) {
	l.mu.Lock()
	t, ok := l.tenants[tenantID]
	l.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if t.activeConns > 0 {
		t.activeConns--
	}
	t.lastActivity = l.nowFn()
	t.mu.Unlock()
}

// Snapshot reports the values used for X-RateLimit-* response headers.
type Snapshot struct {
	Limit     int
	Remaining int
}

// Snapshot returns tenantID's current bucket occupancy rounded down to a
// whole-token remaining count.
func (l *Limiter) Snapshot(tenantID string) Snapshot {
	t := l.getOrCreate(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bkt.refill(l.nowFn(), t.limits)
	return Snapshot{
		Limit:     int(t.limits.Burst),
		Remaining: int(t.bkt.tokens),
	}
}

// SetLimits overrides tenantID's limits. Updating rate or burst resets
// the bucket to full.
func (l *Limiter) SetLimits(tenantID string, limits Limits) {
	t := l.getOrCreate(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = limits
	t.customLimits = true
	t.bkt = bucket{tokens: limits.Burst, lastRefill: l.nowFn()}
}

// Status is the per-tenant state returned by GetStatus.
type Status struct {
	TenantID        string
	QPSRate         float64
	Burst           float64
	ConnectionLimit int
	ActiveConns     int
	TokensRemaining float64
	LastActivity    time.Time
}

// GetStatus returns tenantID's current status without mutating its bucket
// beyond the refill needed to report accurate remaining tokens.
func (l *Limiter) GetStatus(tenantID string) Status {
	t := l.getOrCreate(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := l.nowFn()
	t.bkt.refill(now, t.limits)
	return Status{
		TenantID:        tenantID,
		QPSRate:         t.limits.QPSRate,
		Burst:           t.limits.Burst,
		ConnectionLimit: t.limits.ConnectionLimit,
		ActiveConns:     t.activeConns,
		TokensRemaining: t.bkt.tokens,
		LastActivity:    t.lastActivity,
	}
}

// CollectIdle removes tenants matching every idle condition: zero active
// connections, default (non-custom) limits, a full bucket, and no
// activity for idleTTL. It returns the number of tenants removed and
// should be called periodically from a background goroutine owned by the
// server.
func (l *Limiter) CollectIdle() int {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, t := range l.tenants {
		if !t.mu.TryLock() {
			continue
		}
		t.bkt.refill(now, t.limits)
		idle := now.Sub(t.lastActivity) > l.idleTTL
		bucketFull := t.bkt.tokens >= t.limits.Burst
		eligible := t.activeConns == 0 && !t.customLimits && bucketFull && idle
		t.mu.Unlock()
		if eligible {
			delete(l.tenants, id)
			removed++
		}
	}
	return removed
}

// TenantCount reports the number of tenants currently tracked, for debug
// endpoints and tests.
func (l *Limiter) TenantCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tenants)
}
