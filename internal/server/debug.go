package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/auth"
)

const debugScope = "stream:debug"

// requireDebugAccess gates the three debug endpoints behind the admin or
// owner role, or the stream:debug scope. When the request arrives over a
// verified mTLS connection (the listener requests client certs on every
// connection when a CA file is set, but only this surface reads them), the
// client identity is added to the admin-access audit log line.
func (s *Server) requireDebugAccess(w http.ResponseWriter, r *http.Request) (auth.Context, bool) {
	token, source, _ := extractToken(r)
	if token == "" {
		writeProblem(w, http.StatusUnauthorized, codeMissingToken, "missing bearer token")
		return auth.Context{}, false
	}
	actx, err := s.verifier.Verify(r.Context(), auth.VerifyInput{Token: token, Source: source})
	if err != nil {
		code, status := mapAuthError(err)
		writeProblem(w, status, code, err.Error())
		return auth.Context{}, false
	}
	if actx.Role != "admin" && actx.Role != "owner" && !actx.HasScope(debugScope) {
		writeProblem(w, http.StatusForbidden, codeAdminRequired, "admin role or stream:debug scope required")
		return auth.Context{}, false
	}

	fields := []zap.Field{zap.String("sub", actx.Subject), zap.String("endpoint", r.URL.Path)}
	if r.TLS != nil && IsMTLSConnection(*r.TLS) {
		identity := auth.ExtractMTLS(r.TLS)
		fields = append(fields,
			zap.String("mtls_common_name", identity.CommonName),
			zap.String("mtls_fingerprint", GetClientCertFingerprint(*r.TLS)),
		)
	}
	s.logger.Info("server: admin access granted", fields...)
	return actx, true
}

// handleStats serves GET /stream/_stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDebugAccess(w, r); !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"broker":       s.broker.Snapshot(),
		"connections":  atomic.LoadInt64(&s.connsOpen),
		"total_conns":  atomic.LoadInt64(&s.connsTotal),
		"tenant_count": s.limiter.TenantCount(),
	})
}

// handleTopics serves GET /stream/_topics.
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDebugAccess(w, r); !ok {
		return
	}
	snapshot := s.broker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"topics": snapshot.Topics})
}

// handleResumeStats serves GET /stream/_resume?topic=….
func (s *Server) handleResumeStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireDebugAccess(w, r); !ok {
		return
	}
	topicName := r.URL.Query().Get("topic")
	if topicName == "" {
		writeProblem(w, http.StatusBadRequest, codeTopicNotAllowed, "topic query parameter is required")
		return
	}
	stats := s.broker.ResumeStats(r.Context(), topicName)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"topic":    topicName,
		"size":     stats.Size,
		"min_seq":  stats.MinSeq,
		"max_seq":  stats.MaxSeq,
		"has_data": stats.HasData,
	})
}
