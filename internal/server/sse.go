package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vedacore/streamgateway/internal/auth"
	"github.com/vedacore/streamgateway/internal/envelope"
)

const heartbeatInterval = 15 * time.Second

// handleSSE serves GET /api/v1/stream?topic=<name>&token=<jwt>.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	topicName := r.URL.Query().Get("topic")
	s.serveSSE(w, r, topicName)
}

// handleSSELegacy serves GET /stream/{topic}?token=<jwt>.
func (s *Server) handleSSELegacy(w http.ResponseWriter, r *http.Request) {
	topicName := strings.TrimPrefix(r.URL.Path, "/stream/")
	topicName = strings.Trim(topicName, "/")
	s.serveSSE(w, r, topicName)
}

// serveSSE drives the AUTH -> ADMIT -> SUBSCRIBE -> [RESUME?] -> LIVE ->
// TERMINATED state machine for one SSE connection.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, topicName string) {
	start := time.Now()
	ctx := r.Context()

	token, source, deprecated := extractToken(r)
	label := sourceLabel(source)
	recordHandshake := func(outcome string) {
		s.metrics.ObserveHandshakeSeconds("sse", label, outcome, time.Since(start).Seconds())
	}

	if topicName == "" {
		recordHandshake(codeTopicNotAllowed)
		writeProblem(w, http.StatusBadRequest, codeTopicNotAllowed, "topic is required")
		return
	}
	if !s.isTopicAllowed(topicName) {
		recordHandshake(codeTopicNotAllowed)
		writeProblem(w, http.StatusForbidden, codeTopicNotAllowed, "topic is not in the allowlist")
		return
	}

	// AUTH
	if token == "" {
		recordHandshake(codeMissingToken)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeProblem(w, http.StatusUnauthorized, codeMissingToken, "missing bearer token")
		return
	}
	actx, err := s.verifier.Verify(ctx, auth.VerifyInput{
		Token: token, ExpectedTopic: topicName, Source: source,
		ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), Endpoint: r.URL.Path,
	})
	if err != nil {
		code, status := mapAuthError(err)
		s.metrics.IncAuthFailures("sse")
		recordHandshake(code)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeProblem(w, status, code, err.Error())
		return
	}

	// ADMIT
	if !s.limiter.AllowConnection(actx.TenantID) {
		s.metrics.IncRateLimited(actx.TenantID, "connections")
		recordHandshake(codeConnectionLimit)
		w.Header().Set("Retry-After", "1")
		w.Header().Set("X-RateLimit-Limit-Type", "connections")
		writeProblem(w, http.StatusTooManyRequests, codeConnectionLimit, "connection limit exceeded")
		return
	}
	defer s.limiter.RemoveConnection(actx.TenantID)

	if !s.limiter.AllowQPS(actx.TenantID, 1) {
		s.metrics.IncRateLimited(actx.TenantID, "qps")
		recordHandshake(codeQPSLimit)
		snap := s.limiter.Snapshot(actx.TenantID)
		w.Header().Set("Retry-After", "1")
		w.Header().Set("X-RateLimit-Limit-Type", "qps")
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(snap.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(snap.Remaining))
		writeProblem(w, http.StatusTooManyRequests, codeQPSLimit, "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		recordHandshake(codeBrokerUnavailable)
		writeProblem(w, http.StatusInternalServerError, codeBrokerUnavailable, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Vary", "Authorization, Accept")
	if s.cfg.CORSOrigin != "" {
		h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Headers", "Cache-Control, Last-Event-ID, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	}
	if deprecated {
		h.Set("Warning", `299 - "token query parameter is deprecated"`)
		h.Set("Deprecation", "true")
		h.Set("Sunset", "Wed, 31 Dec 2026 00:00:00 GMT")
	}
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	// SUBSCRIBE before the resume read: a publish that races the replay
	// lands in the live queue instead of falling into a gap between the
	// replay cursor and the first live frame.
	handle := s.broker.Subscribe(topicName, 1024)
	defer s.broker.Unsubscribe(handle)
	s.trackConnOpen()
	defer s.trackConnClose()
	s.metrics.IncConnectionsOpened("sse")
	defer s.metrics.IncConnectionsClosed("sse")

	fmt.Fprintf(bw, "retry: 15000\n\n")
	bw.Flush()
	flusher.Flush()

	// RESUME
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		if lastSeq, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
			stats := s.broker.ResumeStats(ctx, topicName)
			if stats.HasData && lastSeq < stats.MinSeq-1 {
				recordHandshake("buffer_exhausted")
				fmt.Fprintf(bw, "event: reset\ndata: \"full-resync\"\n\n")
				bw.Flush()
				flusher.Flush()
				return
			}
			for _, env := range s.broker.ReplaySince(ctx, topicName, lastSeq, 0) {
				writeSSEFrame(bw, env)
			}
			bw.Flush()
			flusher.Flush()
		}
	}

	recordHandshake("success")

	// LIVE
	for {
		if source == auth.SourceQuery && time.Now().Unix() > actx.ExpireAt {
			fmt.Fprintf(bw, "event: error\ndata: {\"code\":\"token_expired\",\"message\":\"query token expired\"}\n\n")
			bw.Flush()
			flusher.Flush()
			return
		}

		msg, err := s.broker.NextMessage(ctx, handle, 15)
		if err != nil {
			return // client disconnected (ctx cancelled)
		}
		seq, event := peekSeqEvent(msg)
		if event == envelope.EventHeartbeat && seq == 0 {
			// Framing-level ping: keeps intermediaries from closing the
			// connection even if the client ignores heartbeat events.
			fmt.Fprint(bw, ": ping\n\n")
		}
		fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, msg)
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()

		if err := ctx.Err(); err != nil {
			return
		}
	}
}

func writeSSEFrame(bw *bufio.Writer, envJSON []byte) {
	seq, event := peekSeqEvent(envJSON)
	fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, envJSON)
}

// peekSeqEvent extracts seq/event without a full unmarshal, since the
// envelope bytes are already serialized JSON destined straight for the
// wire.
func peekSeqEvent(data []byte) (uint64, string) {
	var partial struct {
		Seq   uint64 `json:"seq"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return 0, "update"
	}
	return partial.Seq, partial.Event
}

// extractToken implements header-wins precedence and reports whether the
// token came from the deprecated query-parameter path.
func extractToken(r *http.Request) (token string, source auth.Source, deprecated bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), auth.SourceHeader, false
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, auth.SourceQuery, true
	}
	return "", auth.SourceHeader, false
}
