// Package server wires the topic broker, rate limiter, token verifier,
// resume store, and sequencer into SSE and WebSocket delivery endpoints,
// plus the publish, debug, and health HTTP surface around them.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/auth"
	"github.com/vedacore/streamgateway/internal/config"
	"github.com/vedacore/streamgateway/internal/ingest"
	"github.com/vedacore/streamgateway/internal/metrics"
	"github.com/vedacore/streamgateway/internal/ratelimit"
	"github.com/vedacore/streamgateway/internal/resume"
	"github.com/vedacore/streamgateway/internal/topic"
)

// Server holds every dependency-injected component; nothing in this
// package lives in a package-level singleton.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	broker    *topic.Broker
	limiter   *ratelimit.Limiter
	verifier  *auth.Verifier
	auditor   *auth.Auditor
	sequencer *resume.Sequencer
	resumeSt  resume.Store
	metrics   metrics.Metrics

	redisClient *goredis.Client
	natsIngest  *ingest.NATSIngest
	harness     *ingest.Harness
	promReg     *prometheus.Registry

	allowedTopics map[string]struct{}

	connsOpen  int64
	connsTotal int64

	gcDone chan struct{}
}

// New builds every core component from cfg and returns a ready-to-start
// Server.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	var m metrics.Metrics = metrics.NoOp{}
	var promReg *prometheus.Registry
	if cfg.MetricsEnabled {
		promReg = prometheus.NewRegistry()
		m = metrics.NewPrometheus(promReg)
	}

	// Redis keys carry the environment segment so staging and production
	// never share resume windows or sequence counters.
	envSegment := strings.ToLower(cfg.Environment) + ":"
	store, redisClient := resume.NewStore(resume.Options{
		Backend:   cfg.ResumeBackend,
		RedisURL:  cfg.RedisURL,
		Prefix:    cfg.ResumeRedisPrefix + envSegment,
		TTL:       cfg.ResumeTTL,
		MaxItems:  cfg.ResumeMaxItems,
		RingItems: resume.DefaultRingSize,
	}, logger)

	sequencer := resume.NewSequencer(redisClient, cfg.SeqRedisPrefix+envSegment, logger)
	broker := topic.New(sequencer, store, resume.DefaultRingSize, m, logger)

	limiter := ratelimit.New(
		ratelimit.DefaultLimits(cfg.RateLimitQPS, cfg.RateLimitBurst, cfg.RateLimitConnections),
		cfg.RateLimiterIdleTTL,
	)

	// A nil *goredis.Client must stay a nil interface inside the Auditor,
	// or its enabled check would see a non-nil client and panic on use.
	var auditClient auth.RedisClient
	if redisClient != nil {
		auditClient = redisClient
	}
	auditor := auth.NewAuditor(auditClient, cfg.TokenAuditingEnabled, cfg.TokenAuditRetentionDays)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		JWKSURL:       cfg.JWKSURL,
		HMACSecret:    cfg.JWTSecret,
		Audience:      cfg.AuthAudience,
		Issuer:        cfg.AuthIssuer,
		Leeway:        cfg.AuthLeewaySec,
		RequireTenant: cfg.RequireTenant,
		Production:    strings.EqualFold(cfg.Environment, "production"),
	}, auditor)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedTopics))
	for _, t := range cfg.AllowedTopics {
		allowed[t] = struct{}{}
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		broker:        broker,
		limiter:       limiter,
		verifier:      verifier,
		auditor:       auditor,
		sequencer:     sequencer,
		resumeSt:      store,
		metrics:       m,
		redisClient:   redisClient,
		promReg:       promReg,
		allowedTopics: allowed,
		gcDone:        make(chan struct{}),
	}

	if cfg.NATSEnabled {
		natsIngest, err := ingest.NewNATSIngest(ingest.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: "stream.ingest",
		}, broker, m, logger)
		if err != nil {
			logger.Warn("server: nats ingest unavailable, continuing without it", zap.Error(err))
		} else {
			s.natsIngest = natsIngest
		}
	}

	if cfg.ProducerHarnessEnabled {
		s.harness = ingest.NewHarness(
			cfg.ProducerHarnessTopic, cfg.ProducerHarnessIntervalMs, "moon_update",
			sampleMoonChainPayload, broker, m, logger,
		)
	}

	return s, nil
}

// Start runs the HTTP listener (TLS if configured), the health server,
// the tenant-GC loop, and, if configured, the producer ingest adapter.
// It blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := NewTLSConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}

	var ln net.Listener
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, tlsConfig)
		if err != nil {
			return fmt.Errorf("server: listen tls on %s: %w", s.cfg.ListenAddr, err)
		}
	} else {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
		}
		s.logger.Warn("server: TLS disabled, not recommended for production")
	}

	go s.startHealthServer()
	go s.gcLoop()

	if s.natsIngest != nil {
		if err := s.natsIngest.Start(ctx); err != nil {
			s.logger.Warn("server: nats ingest failed to start", zap.Error(err))
		}
	}
	if s.harness != nil {
		s.harness.Start(ctx)
	}

	httpServer := &http.Server{
		Handler:      s.mux(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: 0, // streaming responses manage their own deadlines
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("streamgateway started",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("tls", tlsConfig != nil),
	)
	return httpServer.Serve(ln)
}

// mux builds the main HTTP route table, factored out so tests can exercise
// handlers via httptest without standing up a real listener.
func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleSSELegacy)
	mux.HandleFunc("/api/v1/stream", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	mux.HandleFunc("/stream/publish/", s.handlePublish)
	mux.HandleFunc("/_dev_publish/", s.handleDevPublish)
	mux.HandleFunc("/stream/_stats", s.handleStats)
	mux.HandleFunc("/stream/_topics", s.handleTopics)
	mux.HandleFunc("/stream/_resume", s.handleResumeStats)
	return mux
}

func (s *Server) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/_health", s.handleHealth)
	mux.HandleFunc("/ws/health", s.handleHealth)
	if s.promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	http.ListenAndServe(s.cfg.HealthAddr, mux)
}

// gcLoop periodically collects idle tenants from the rate limiter.
func (s *Server) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.CollectIdle(); n > 0 {
				s.logger.Debug("server: collected idle tenants", zap.Int("count", n))
			}
		case <-s.gcDone:
			return
		}
	}
}

// Close releases the Redis connection and NATS ingest, and stops the GC
// loop.
func (s *Server) Close() error {
	close(s.gcDone)
	if s.harness != nil {
		s.harness.Stop()
	}
	if s.natsIngest != nil {
		s.natsIngest.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	return s.resumeSt.Close()
}

func (s *Server) isTopicAllowed(topicName string) bool {
	if len(s.allowedTopics) == 0 {
		return true
	}
	_, ok := s.allowedTopics[topicName]
	return ok
}

func (s *Server) trackConnOpen() { atomic.AddInt64(&s.connsOpen, 1); atomic.AddInt64(&s.connsTotal, 1) }
func (s *Server) trackConnClose() { atomic.AddInt64(&s.connsOpen, -1) }
