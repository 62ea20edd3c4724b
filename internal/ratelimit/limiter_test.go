package ratelimit

import (
	"testing"
	"time"
)

func TestAllowQPSConsumesTokensAndRefuses(t *testing.T) {
	l := New(Limits{QPSRate: 1, Burst: 2, ConnectionLimit: 10}, time.Minute)

	if !l.AllowQPS("tenant-a", 1) {
		t.Fatal("expected first request to be allowed")
	}
	if !l.AllowQPS("tenant-a", 1) {
		t.Fatal("expected second request to be allowed (within burst)")
	}
	if l.AllowQPS("tenant-a", 1) {
		t.Fatal("expected third request to be refused once burst is exhausted")
	}
}

func TestAllowQPSRefillsOverTime(t *testing.T) {
	l := New(Limits{QPSRate: 10, Burst: 1, ConnectionLimit: 10}, time.Minute)
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	if !l.AllowQPS("tenant-b", 1) {
		t.Fatal("expected first request to be allowed")
	}
	if l.AllowQPS("tenant-b", 1) {
		t.Fatal("expected bucket to be empty immediately after")
	}

	now = now.Add(200 * time.Millisecond) // 10 tok/s * 0.2s = 2 tokens, capped at burst 1
	if !l.AllowQPS("tenant-b", 1) {
		t.Fatal("expected bucket to have refilled after 200ms at 10 tok/s")
	}
}

func TestAllowConnectionRespectsLimit(t *testing.T) {
	l := New(Limits{QPSRate: 10, Burst: 10, ConnectionLimit: 2}, time.Minute)

	if !l.AllowConnection("tenant-c") || !l.AllowConnection("tenant-c") {
		t.Fatal("expected first two connections to be admitted")
	}
	if l.AllowConnection("tenant-c") {
		t.Fatal("expected third connection to be refused at the connection limit")
	}

	l.RemoveConnection("tenant-c")
	if !l.AllowConnection("tenant-c") {
		t.Fatal("expected a connection slot to free up after RemoveConnection")
	}
}

func TestSetLimitsResetsBucketToFull(t *testing.T) {
	l := New(Limits{QPSRate: 1, Burst: 1, ConnectionLimit: 10}, time.Minute)
	l.AllowQPS("tenant-d", 1)

	l.SetLimits("tenant-d", Limits{QPSRate: 1, Burst: 5, ConnectionLimit: 10})
	snap := l.Snapshot("tenant-d")
	if snap.Remaining != 5 {
		t.Fatalf("expected bucket reset to full burst (5), got %d", snap.Remaining)
	}
}

func TestCollectIdleRemovesOnlyFullyIdleTenants(t *testing.T) {
	l := New(Limits{QPSRate: 1, Burst: 1, ConnectionLimit: 10}, time.Second)
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	l.AllowConnection("idle-tenant")
	l.RemoveConnection("idle-tenant") // zero conns, full bucket, touched lastActivity
	l.AllowConnection("busy-tenant")
	l.SetLimits("custom-tenant", Limits{QPSRate: 1, Burst: 1, ConnectionLimit: 10})

	now = now.Add(10 * time.Second)
	removed := l.CollectIdle()

	if removed != 1 {
		t.Fatalf("expected exactly one tenant removed, got %d (tenant count %d)", removed, l.TenantCount())
	}
	if l.TenantCount() != 2 {
		t.Fatalf("expected busy and custom tenants to survive, got count %d", l.TenantCount())
	}
}

func TestCollectIdleRefillsDrainedBucketBeforeEligibilityCheck(t *testing.T) {
	l := New(Limits{QPSRate: 1, Burst: 1, ConnectionLimit: 10}, time.Second)
	now := time.Unix(0, 0)
	l.nowFn = func() time.Time { return now }

	l.AllowConnection("drained-tenant")
	l.AllowQPS("drained-tenant", 1) // exhausts the burst right before going idle
	l.RemoveConnection("drained-tenant")

	now = now.Add(10 * time.Second) // far more than enough time to refill at 1 tok/s
	removed := l.CollectIdle()

	if removed != 1 {
		t.Fatalf("expected the drained tenant to be GC-eligible once refilled, got removed=%d (tenant count %d)", removed, l.TenantCount())
	}
}
