package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// fakeRedis is an in-memory RedisClient covering the commands the Auditor
// issues. TTLs are accepted but never expire.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	sets map[string]map[string]struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   make(map[string]string),
		sets: make(map[string]map[string]struct{}),
	}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = stringValue(value)
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.kv[key]; exists {
		return goredis.NewBoolResult(false, nil)
	}
	f.kv[key] = stringValue(value)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	var added int64
	for _, m := range members {
		s := stringValue(m)
		if _, dup := set[s]; !dup {
			set[s] = struct{}{}
			added++
		}
	}
	return goredis.NewIntResult(added, nil)
}

func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) *goredis.BoolCmd {
	return goredis.NewBoolResult(true, nil)
}

// auditValues returns the stored audit entries whose key carries prefix.
func (f *fakeRedis) auditValues(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k, v := range f.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func TestCheckAndMarkJTISingleUse(t *testing.T) {
	a := NewAuditor(newFakeRedis(), true, 30)
	ctx := context.Background()

	if used := a.CheckAndMarkJTI(ctx, "jti-once", time.Minute); used {
		t.Fatal("expected a fresh jti to report unused on first check")
	}
	if used := a.CheckAndMarkJTI(ctx, "jti-once", time.Minute); !used {
		t.Fatal("expected the same jti to report already used on second check")
	}
	if used := a.CheckAndMarkJTI(ctx, "jti-other", time.Minute); used {
		t.Fatal("expected an unrelated jti to be unaffected")
	}
}

func TestRecordStoresEntryAndIndexes(t *testing.T) {
	fake := newFakeRedis()
	a := NewAuditor(fake, true, 30)

	a.Record(context.Background(), Record{
		JTI: "jti-1", TenantID: "tenant-1", Region: "eu",
		EventType: EventValidated, Success: true,
	})

	if got := fake.auditValues("token_audit:jti-1:"); len(got) != 1 {
		t.Fatalf("expected one stored audit entry, got %d", len(got))
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sets["token_tenant_idx:tenant-1"]) != 1 {
		t.Fatalf("expected the tenant index to reference the entry, got %v", fake.sets)
	}
	if len(fake.sets["token_region_idx:eu"]) != 1 {
		t.Fatalf("expected the region index to reference the entry, got %v", fake.sets)
	}
}

func TestRecordKeepsSameSecondOutcomesDistinct(t *testing.T) {
	fake := newFakeRedis()
	a := NewAuditor(fake, true, 30)
	ctx := context.Background()

	a.Record(ctx, Record{JTI: "jti-2", TenantID: "tenant-1", EventType: EventValidated, Success: true})
	a.Record(ctx, Record{JTI: "jti-2", TenantID: "tenant-1", EventType: EventReplayAttempted, Success: false})

	if got := fake.auditValues("token_audit:jti-2:"); len(got) != 2 {
		t.Fatalf("expected two distinct audit entries for back-to-back outcomes, got %d", len(got))
	}
}

func TestDisabledAuditorNeverMarksJTIs(t *testing.T) {
	a := NewAuditor(nil, true, 30)
	ctx := context.Background()

	if a.CheckAndMarkJTI(ctx, "jti-x", time.Minute) || a.CheckAndMarkJTI(ctx, "jti-x", time.Minute) {
		t.Fatal("expected a nil-client auditor to always report unused")
	}
}
