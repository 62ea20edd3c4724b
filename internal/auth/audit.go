package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventType enumerates token lifecycle events recorded for incident
// response.
type EventType string

const (
	EventIssued           EventType = "issued"
	EventValidated        EventType = "validated"
	EventExpired          EventType = "expired"
	EventRevoked          EventType = "revoked"
	EventReplayAttempted  EventType = "replay_attempted"
	EventInvalidSignature EventType = "invalid_signature"

	// EventRejected covers claim-level rejections (wrong audience, wrong
	// topic, query TTL exceeded, missing tenant); the specific kind is
	// carried in the record's ErrorDetail.
	EventRejected EventType = "rejected"
)

// Record is one audit trail entry, stored for TOKEN_AUDIT_RETENTION_DAYS.
type Record struct {
	JTI           string    `json:"jti"`
	Subject       string    `json:"sub"`
	TenantID      string    `json:"tid"`
	Topic         string    `json:"topic,omitempty"`
	IssuedAt      int64     `json:"iat"`
	ExpireAt      int64     `json:"exp"`
	Region        string    `json:"region,omitempty"`
	EventType     EventType `json:"event_type"`
	EventTime     int64     `json:"event_timestamp"`
	ClientIPHash  string    `json:"client_ip_hash,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Success       bool      `json:"success"`
	ErrorDetail   string    `json:"error_details,omitempty"`
}

// RedisClient is the subset of the go-redis API the Auditor issues,
// satisfied by *goredis.Client. Tests substitute an in-memory fake the
// same way resume tests swap Store implementations.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
}

// Auditor records token lifecycle events in Redis and tracks JTIs for
// single-use enforcement. It fails open: a Redis error never blocks the
// auth decision, only the record.
type Auditor struct {
	client    RedisClient
	enabled   bool
	retention time.Duration

	auditPrefix  string
	jtiPrefix    string
	tenantPrefix string
	regionPrefix string
}

// NewAuditor builds an Auditor. client may be nil, in which case auditing
// is a no-op and JTI checks always report unused (callers typically treat
// a nil client as "auditing disabled" at the config layer instead).
func NewAuditor(client RedisClient, enabled bool, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Auditor{
		client:       client,
		enabled:      enabled && client != nil,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		auditPrefix:  "token_audit",
		jtiPrefix:    "token_jti",
		tenantPrefix: "token_tenant_idx",
		regionPrefix: "token_region_idx",
	}
}

// Record stores an audit entry and, for ISSUED events carrying a topic,
// tracks the JTI for replay prevention.
func (a *Auditor) Record(ctx context.Context, rec Record) {
	if !a.enabled {
		return
	}
	rec.EventTime = time.Now().Unix()

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	// The key suffix is nanoseconds so two outcomes for the same jti in
	// the same second (a validation and its immediate replay) keep
	// distinct entries.
	key := fmt.Sprintf("%s:%s:%d", a.auditPrefix, rec.JTI, time.Now().UnixNano())
	a.client.Set(ctx, key, data, a.retention)
	tenantKey := fmt.Sprintf("%s:%s", a.tenantPrefix, rec.TenantID)
	a.client.SAdd(ctx, tenantKey, key)
	a.client.Expire(ctx, tenantKey, a.retention)
	if rec.Region != "" {
		regionKey := fmt.Sprintf("%s:%s", a.regionPrefix, rec.Region)
		a.client.SAdd(ctx, regionKey, key)
		a.client.Expire(ctx, regionKey, a.retention)
	}

	if rec.EventType == EventIssued && rec.Topic != "" {
		ttl := rec.ExpireAt - rec.IssuedAt
		if ttl < 300 {
			ttl = 300
		}
		a.MarkJTIUsed(ctx, rec.JTI, time.Duration(ttl)*time.Second)
	}
}

// CheckAndMarkJTI reports whether jti was already used and, if not, marks
// it used with ttl in the same round trip. SETNX keeps the check-and-mark
// atomic under concurrent requests carrying the same token.
func (a *Auditor) CheckAndMarkJTI(ctx context.Context, jti string, ttl time.Duration) (alreadyUsed bool) {
	if !a.enabled {
		return false
	}
	key := fmt.Sprintf("%s:%s", a.jtiPrefix, jti)
	ok, err := a.client.SetNX(ctx, key, "used", ttl).Result()
	if err != nil {
		return false
	}
	return !ok
}

// MarkJTIUsed marks jti used without the replay check, used internally
// when recording an ISSUED event (issuance itself is never a replay).
func (a *Auditor) MarkJTIUsed(ctx context.Context, jti string, ttl time.Duration) {
	if !a.enabled {
		return
	}
	key := fmt.Sprintf("%s:%s", a.jtiPrefix, jti)
	a.client.Set(ctx, key, "used", ttl)
}

func hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

func truncateUserAgent(ua string) string {
	const maxLen = 200
	if len(ua) > maxLen {
		return ua[:maxLen]
	}
	return ua
}
