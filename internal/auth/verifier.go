package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source distinguishes where the caller pulled the bearer token from,
// since query-sourced tokens carry a tighter TTL cap and deprecation
// headers.
type Source int

const (
	SourceHeader Source = iota
	SourceQuery
)

// maxQueryTokenLifetime is 10 minutes plus 30s clock skew, the ceiling for
// tokens carried in a query parameter.
const maxQueryTokenLifetime = 630 * time.Second

// insecureSecretPatterns are substrings that disqualify a production
// signing secret.
var insecureSecretPatterns = []string{
	"dev", "test", "example", "secret", "default", "insecure", "fallback", "demo", "local",
}

// VerifierConfig configures one Verifier instance. Exactly one of JWKSURL
// or HMACSecret must be set; NewVerifier enforces that and the
// secret-strength rules at construction time rather than at first use.
type VerifierConfig struct {
	JWKSURL       string
	HMACSecret    string
	Audience      string
	Issuer        string
	Leeway        time.Duration
	RequireTenant bool
	Production    bool
}

// Verifier validates bearer tokens against one configured key source.
type Verifier struct {
	cfg     VerifierConfig
	keyfunc jwt.Keyfunc
	auditor *Auditor
}

// NewVerifier builds a Verifier. It fails at startup on configuration
// errors: both JWKS and HMAC configured, neither configured in
// production, or (in production) an HMAC secret that is too short or
// matches a known-weak pattern.
func NewVerifier(cfg VerifierConfig, auditor *Auditor) (*Verifier, error) {
	if cfg.JWKSURL != "" && cfg.HMACSecret != "" {
		return nil, fmt.Errorf("auth: configure AUTH_JWKS_URL or AUTH_JWT_SECRET, not both")
	}
	if cfg.JWKSURL == "" && cfg.HMACSecret == "" {
		if cfg.Production {
			return nil, fmt.Errorf("auth: production requires AUTH_JWKS_URL or AUTH_JWT_SECRET")
		}
		cfg.HMACSecret = "dev-insecure-fallback-secret-do-not-use-in-production"
	}
	if cfg.HMACSecret != "" {
		if err := validateSecretStrength(cfg.HMACSecret, cfg.Production); err != nil {
			return nil, err
		}
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}

	v := &Verifier{cfg: cfg, auditor: auditor}
	if cfg.JWKSURL != "" {
		keyfunc, err := newJWKSKeyfunc(cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("auth: jwks setup: %w", err)
		}
		v.keyfunc = keyfunc
	} else {
		secret := []byte(cfg.HMACSecret)
		v.keyfunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}
	}
	return v, nil
}

func validateSecretStrength(secret string, production bool) error {
	lower := strings.ToLower(secret)
	if production {
		if len(secret) < 32 {
			return fmt.Errorf("auth: JWT secret must be at least 32 characters in production")
		}
		for _, pattern := range insecureSecretPatterns {
			if strings.Contains(lower, pattern) {
				return fmt.Errorf("auth: JWT secret contains an insecure pattern")
			}
		}
		return nil
	}
	if len(secret) < 16 {
		return fmt.Errorf("auth: JWT secret must be at least 16 characters")
	}
	return nil
}

// VerifyInput bundles the inputs to Verify.
type VerifyInput struct {
	Token         string
	ExpectedTopic string
	Source        Source
	ClientIP      string
	UserAgent     string
	Endpoint      string
}

// Verify decodes token, enforces audience/topic/TTL constraints and JTI
// single-use, and returns a Context on success. Every rejection path
// records an audit event before returning.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (Context, error) {
	claims := jwt.MapClaims{}
	algs := []string{"HS256"}
	if v.cfg.JWKSURL != "" {
		algs = []string{"RS256", "ES256"}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(in.Token, claims, v.keyfunc, parserOpts...)
	if err != nil || !token.Valid {
		sentinel := ErrInvalidToken
		if errors.Is(err, jwt.ErrTokenExpired) {
			sentinel = ErrExpiredToken
		}
		v.auditor.Record(ctx, Record{
			JTI: "unknown", EventType: EventInvalidSignature, Success: false,
			ErrorDetail: errString(err), ClientIPHash: hashIP(in.ClientIP),
			UserAgent: truncateUserAgent(in.UserAgent), Endpoint: in.Endpoint,
		})
		return Context{}, fmt.Errorf("auth: %w: %s", sentinel, errString(err))
	}

	iat := claimInt(claims, "iat")
	exp := claimInt(claims, "exp")

	// The audience check stays out of the parser options so a mismatch maps
	// to ErrWrongAudience instead of the parser's generic invalid-token error.
	wantAud := v.cfg.Audience
	if wantAud == "" {
		wantAud = "stream"
	}
	aud, _ := claims.GetAudience()
	if !containsAud(aud, wantAud) {
		v.recordRejection(ctx, claims, in, "wrong_audience")
		return Context{}, fmt.Errorf("auth: %w: token audience does not include %q", ErrWrongAudience, wantAud)
	}

	topic := claimStr(claims, "topic")
	if in.ExpectedTopic != "" && topic != in.ExpectedTopic {
		v.recordRejection(ctx, claims, in, "wrong_topic")
		return Context{}, fmt.Errorf("auth: %w: token topic %q does not match %q", ErrWrongTopic, topic, in.ExpectedTopic)
	}

	if in.Source == SourceQuery {
		if time.Duration(exp-iat)*time.Second > maxQueryTokenLifetime {
			v.recordRejection(ctx, claims, in, "query_ttl_exceeded")
			return Context{}, fmt.Errorf("auth: %w: query-sourced token TTL exceeds %s", ErrQueryTTLExceeded, maxQueryTokenLifetime)
		}
	}

	jti := claimStr(claims, "jti")
	ttl := exp - iat
	if ttl < 300 {
		ttl = 300
	}
	if v.auditor.CheckAndMarkJTI(ctx, jti, time.Duration(ttl)*time.Second) {
		v.auditor.Record(ctx, Record{
			JTI: jti, TenantID: tenantFromClaims(claims), Topic: topic,
			IssuedAt: iat, ExpireAt: exp, EventType: EventReplayAttempted,
			Success: false, ErrorDetail: "jti already used",
		})
		return Context{}, fmt.Errorf("auth: %w", ErrReplayAttempted)
	}

	tenantID := tenantFromClaims(claims)
	if v.cfg.RequireTenant && tenantID == "" {
		v.recordRejection(ctx, claims, in, "tenant_missing")
		return Context{}, fmt.Errorf("auth: %w", ErrTenantMissing)
	}

	actx := Context{
		JTI:          jti,
		Subject:      claimStr(claims, "sub"),
		TenantID:     tenantID,
		Topic:        topic,
		Region:       claimStr(claims, "region"),
		Role:         claimStr(claims, "role"),
		IssuedAt:     iat,
		ExpireAt:     exp,
		Scopes:       strings.Fields(claimStr(claims, "scope")),
		QuerySourced: in.Source == SourceQuery,
	}

	v.auditor.Record(ctx, Record{
		JTI: jti, Subject: actx.Subject, TenantID: tenantID, Topic: topic,
		IssuedAt: iat, ExpireAt: exp, Region: actx.Region,
		EventType: EventValidated, Success: true,
		ClientIPHash: hashIP(in.ClientIP), UserAgent: truncateUserAgent(in.UserAgent),
		Endpoint: in.Endpoint,
	})
	return actx, nil
}

// recordRejection appends an audit record for a claim-level rejection, so
// every verification outcome leaves a trail entry, not just signature
// failures, replays, and successes.
func (v *Verifier) recordRejection(ctx context.Context, claims jwt.MapClaims, in VerifyInput, detail string) {
	v.auditor.Record(ctx, Record{
		JTI:          claimStr(claims, "jti"),
		Subject:      claimStr(claims, "sub"),
		TenantID:     tenantFromClaims(claims),
		Topic:        claimStr(claims, "topic"),
		IssuedAt:     claimInt(claims, "iat"),
		ExpireAt:     claimInt(claims, "exp"),
		Region:       claimStr(claims, "region"),
		EventType:    EventRejected,
		Success:      false,
		ErrorDetail:  detail,
		ClientIPHash: hashIP(in.ClientIP),
		UserAgent:    truncateUserAgent(in.UserAgent),
		Endpoint:     in.Endpoint,
	})
}

func tenantFromClaims(claims jwt.MapClaims) string {
	if tid := claimStr(claims, "tid"); tid != "" {
		return tid
	}
	if tid := nestedClaimStr(claims, "user_metadata", "tenant_id"); tid != "" {
		return tid
	}
	return nestedClaimStr(claims, "app_metadata", "tenant_id")
}

func nestedClaimStr(claims jwt.MapClaims, parent, key string) string {
	m, ok := claims[parent].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func claimStr(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func claimInt(claims jwt.MapClaims, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func containsAud(aud []string, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return "invalid token"
	}
	return err.Error()
}
