package auth

import "errors"

// Sentinel errors for each auth-failure kind. Verify wraps one of these
// into the error it returns so endpoints can map failures to the matching
// problem-document code via errors.Is instead of string-matching Verify's
// message.
var (
	ErrInvalidToken     = errors.New("invalid_token")
	ErrExpiredToken     = errors.New("expired_token")
	ErrWrongAudience    = errors.New("wrong_audience")
	ErrWrongTopic       = errors.New("wrong_topic")
	ErrQueryTTLExceeded = errors.New("query_ttl_exceeded")
	ErrTenantMissing    = errors.New("tenant_missing")
	ErrReplayAttempted  = errors.New("replay_attempted")
)
