package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/auth"
	"github.com/vedacore/streamgateway/internal/session"
	"github.com/vedacore/streamgateway/internal/topic"
)

// wsCommand is the tagged command shape for inbound text frames; the live
// loop dispatches on Action exhaustively, with unknown actions answered by
// an error frame instead of a close.
type wsCommand struct {
	Action  string          `json:"action"`
	Topics  []string        `json:"topics"`
	Payload json.RawMessage `json:"payload"`
}

type wsResponse struct {
	Event         string          `json:"event,omitempty"`
	OK            *bool           `json:"ok,omitempty"`
	Error         string          `json:"error,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	TS            string          `json:"ts,omitempty"`
	Seq           uint64          `json:"seq"`
	Subscriptions []string        `json:"subscriptions,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Stats         map[string]any  `json:"stats,omitempty"`
}

// handleWS serves GET /ws?token=<jwt> and /api/v1/ws?token=<jwt>.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	token, source, _ := extractToken(r)
	label := sourceLabel(source)
	recordHandshake := func(outcome string) {
		s.metrics.ObserveHandshakeSeconds("ws", label, outcome, time.Since(start).Seconds())
	}

	if token == "" {
		recordHandshake(codeMissingToken)
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	actx, err := s.verifier.Verify(ctx, auth.VerifyInput{
		Token: token, Source: source, ClientIP: r.RemoteAddr, UserAgent: r.UserAgent(), Endpoint: r.URL.Path,
	})
	if err != nil {
		code, status := mapAuthError(err)
		s.metrics.IncAuthFailures("ws")
		recordHandshake(code)
		http.Error(w, err.Error(), status)
		return
	}
	if !s.limiter.AllowConnection(actx.TenantID) {
		recordHandshake(codeConnectionLimit)
		http.Error(w, "connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := gobwasws.UpgradeHTTP(r, w)
	if err != nil {
		s.limiter.RemoveConnection(actx.TenantID)
		recordHandshake("upgrade_failed")
		s.logger.Warn("server: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer s.limiter.RemoveConnection(actx.TenantID)

	s.trackConnOpen()
	defer s.trackConnClose()
	s.metrics.IncConnectionsOpened("ws")
	defer s.metrics.IncConnectionsClosed("ws")
	recordHandshake("success")

	clientID := uuid.New().String()
	sc := session.New(clientID, actx.TenantID, actx.Scopes)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// terminate tears down the whole connection: cancelling connCtx stops
	// every forwarder, and closing conn unblocks the read loop immediately
	// rather than waiting out its read deadline.
	var closeOnce sync.Once
	terminate := func() {
		closeOnce.Do(func() {
			cancel()
			conn.Close()
		})
	}

	var writeMu sync.Mutex
	writeFrame := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return wsutil.WriteServerMessage(conn, gobwasws.OpText, data)
	}

	writeFrame(wsResponse{Event: "welcome", ClientID: clientID, TenantID: actx.TenantID,
		TS: time.Now().UTC().Format(time.RFC3339), Seq: 0})

	var wg sync.WaitGroup
	defer func() {
		cancel()
		for _, h := range sc.DrainAll() {
			s.broker.Unsubscribe(h)
		}
		wg.Wait()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op == gobwasws.OpClose {
			return
		}
		if op != gobwasws.OpText {
			continue // binary frames are not accepted by the core
		}
		sc.Touch()

		if !s.limiter.AllowQPS(actx.TenantID, 0.1) {
			writeFrame(wsResponse{OK: boolPtr(false), Error: "rate_limited"})
			continue
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			writeFrame(wsResponse{OK: boolPtr(false), Error: "unknown_action"})
			continue
		}

		switch cmd.Action {
		case "subscribe":
			s.wsSubscribe(connCtx, &wg, sc, writeFrame, terminate, cmd.Topics)
		case "unsubscribe":
			s.wsUnsubscribe(sc, writeFrame, cmd.Topics)
		case "ping":
			writeFrame(wsResponse{Event: "pong", Payload: cmd.Payload, Seq: 0})
		case "stats":
			writeFrame(wsResponse{Event: "stats", Stats: s.wsClientStats(sc)})
		default:
			writeFrame(wsResponse{OK: boolPtr(false), Error: "unknown_action"})
		}
	}
}

func (s *Server) wsSubscribe(ctx context.Context, wg *sync.WaitGroup, sc *session.Context, writeFrame func(any) error, terminate func(), topics []string) {
	for _, t := range topics {
		if _, already := sc.Handle(t); already {
			continue
		}
		if !s.isTopicAllowed(t) {
			continue
		}
		h := s.broker.Subscribe(t, 1024)
		sc.AddSubscription(t, h)
		wg.Add(1)
		go s.wsForward(ctx, wg, sc, t, h, writeFrame, terminate)
	}
	writeFrame(wsResponse{Event: "subscribed", Subscriptions: sc.Topics()})
}

func (s *Server) wsUnsubscribe(sc *session.Context, writeFrame func(any) error, topics []string) {
	for _, t := range topics {
		if h, ok := sc.RemoveSubscription(t); ok {
			s.broker.Unsubscribe(h)
		}
	}
	writeFrame(wsResponse{Event: "unsubscribed", Subscriptions: sc.Topics()})
}

// wsForward is the per-topic forwarder task: it reads from h and writes
// frames until the topic is unsubscribed or a write fails. A send failure
// terminates the whole connection via terminate, since the transport is
// shared by every subscription.
func (s *Server) wsForward(ctx context.Context, wg *sync.WaitGroup, sc *session.Context, topicName string, h *topic.Handle, writeFrame func(any) error, terminate func()) {
	defer wg.Done()
	for {
		if current, stillSubscribed := sc.Handle(topicName); !stillSubscribed || current != h {
			return
		}
		msg, err := s.broker.NextMessage(ctx, h, 15)
		if err != nil {
			return
		}
		if err := writeFrame(json.RawMessage(msg)); err != nil {
			terminate()
			return
		}
	}
}

func (s *Server) wsClientStats(sc *session.Context) map[string]any {
	return map[string]any{
		"client_id":      sc.ClientID,
		"tenant_id":      sc.TenantID,
		"subscriptions":  sc.Topics(),
		"connected_at":   sc.ConnectedAt,
		"last_activity":  sc.LastActivityAt,
		"broker":         s.broker.Snapshot(),
	}
}

func boolPtr(b bool) *bool { return &b }
