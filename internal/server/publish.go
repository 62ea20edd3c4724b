package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vedacore/streamgateway/internal/auth"
	"github.com/vedacore/streamgateway/internal/envelope"
)

const publishScope = "stream:publish"

// handlePublish serves POST /stream/publish/{topic} with a bearer token
// carrying the stream:publish scope.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublisherEnabled {
		writeProblem(w, http.StatusForbidden, codeScopeMissing, "publisher endpoint disabled")
		return
	}
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, codeScopeMissing, "method not allowed")
		return
	}
	topicName := strings.TrimPrefix(r.URL.Path, "/stream/publish/")
	topicName = strings.Trim(topicName, "/")
	if !s.isTopicAllowed(topicName) {
		writeProblem(w, http.StatusForbidden, codeTopicNotAllowed, "topic is not in the allowlist")
		return
	}

	token, source, _ := extractToken(r)
	if token == "" {
		writeProblem(w, http.StatusUnauthorized, codeMissingToken, "missing bearer token")
		return
	}
	actx, err := s.verifier.Verify(r.Context(), auth.VerifyInput{
		Token: token, Source: source, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), Endpoint: r.URL.Path,
	})
	if err != nil {
		code, status := mapAuthError(err)
		writeProblem(w, status, code, err.Error())
		return
	}
	if !actx.HasScope(publishScope) {
		writeProblem(w, http.StatusForbidden, codeScopeMissing, "token lacks stream:publish scope")
		return
	}

	if !s.limiter.AllowQPS(actx.TenantID, 2.0) { // publish costs more than a read
		snap := s.limiter.Snapshot(actx.TenantID)
		w.Header().Set("Retry-After", "1")
		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(snap.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(snap.Remaining))
		writeProblem(w, http.StatusTooManyRequests, codePublishLimit, "publish rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, envelope.MaxPayloadBytes+1))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, codePayloadTooLarge, "failed to read body")
		return
	}
	if len(body) > envelope.MaxPayloadBytes {
		writeProblem(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "payload exceeds 65536 bytes")
		return
	}
	if !json.Valid(body) {
		writeProblem(w, http.StatusBadRequest, codePayloadTooLarge, "payload must be valid JSON")
		return
	}

	seq, err := s.broker.Publish(r.Context(), topicName, body, envelope.EventUpdate, 1)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, codeBrokerUnavailable, err.Error())
		return
	}

	snapshot := s.broker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":           true,
		"topic":        topicName,
		"payload_size": len(body),
		"subscribers":  snapshot.Topics[topicName],
		"seq":          seq,
		"ts":           time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDevPublish serves POST /_dev_publish/{topic}?token=<shared-secret>,
// enabled only outside production by STREAM_DEV_PUBLISH_ENABLED.
func (s *Server) handleDevPublish(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DevPublishEnabled || strings.EqualFold(s.cfg.Environment, "production") {
		writeProblem(w, http.StatusForbidden, codeScopeMissing, "dev publish disabled")
		return
	}
	if r.URL.Query().Get("token") != s.cfg.DevPublishToken || s.cfg.DevPublishToken == "" {
		writeProblem(w, http.StatusForbidden, codeInvalidToken, "invalid dev publish token")
		return
	}
	topicName := strings.TrimPrefix(r.URL.Path, "/_dev_publish/")
	topicName = strings.Trim(topicName, "/")
	if !s.isTopicAllowed(topicName) {
		writeProblem(w, http.StatusForbidden, codeTopicNotAllowed, "topic is not in the allowlist")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, envelope.MaxPayloadBytes+1))
	if err != nil || len(body) > envelope.MaxPayloadBytes || !json.Valid(body) {
		writeProblem(w, http.StatusBadRequest, codePayloadTooLarge, "invalid payload")
		return
	}

	seq, err := s.broker.Publish(r.Context(), topicName, body, envelope.EventUpdate, 1)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, codeBrokerUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "topic": topicName, "seq": seq})
}
