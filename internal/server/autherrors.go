package server

import (
	"errors"
	"net/http"

	"github.com/vedacore/streamgateway/internal/auth"
)

// sourceLabel reports the handshake-metrics label for the token source a
// request carried its bearer token on.
func sourceLabel(source auth.Source) string {
	if source == auth.SourceQuery {
		return "query"
	}
	return "header"
}

// mapAuthError maps one of Verify's sentinel errors to its
// problem-document code and HTTP status, instead of collapsing every
// failure into codeInvalidToken/401. It is shared by the HTTP, SSE, and
// WebSocket edges.
func mapAuthError(err error) (code string, status int) {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return codeExpiredToken, http.StatusUnauthorized
	case errors.Is(err, auth.ErrWrongAudience):
		return codeWrongAudience, http.StatusUnauthorized
	case errors.Is(err, auth.ErrWrongTopic):
		return codeWrongTopic, http.StatusForbidden
	case errors.Is(err, auth.ErrQueryTTLExceeded):
		return codeQueryTTLExceeded, http.StatusUnauthorized
	case errors.Is(err, auth.ErrTenantMissing):
		return codeTenantMissing, http.StatusUnauthorized
	case errors.Is(err, auth.ErrReplayAttempted):
		return codeReplayAttempted, http.StatusUnauthorized
	default:
		return codeInvalidToken, http.StatusUnauthorized
	}
}
