package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/config"
	"github.com/vedacore/streamgateway/internal/ratelimit"
)

const testSecret = "integration-test-hmac-secret-32chars!!"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:           ":0",
		HealthAddr:           ":0",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		DrainTimeout:         time.Second,
		RateLimitQPS:         100,
		RateLimitBurst:       100,
		RateLimitConnections: 50,
		RateLimiterIdleTTL:   time.Minute,
		ResumeBackend:        "memory",
		ResumeTTL:            time.Hour,
		ResumeMaxItems:       1000,
		ResumeRedisPrefix:    "test:resume:",
		SeqRedisPrefix:       "test:seq:",
		JWTSecret:            testSecret,
		AuthLeewaySec:        5 * time.Second,
		RequireTenant:        true,
		PublisherEnabled:     true,
		AllowedTopics:        []string{"prices"},
		TokenAuditingEnabled: false,
		Environment:          "test",
		MetricsEnabled:       false,
	}
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func signTestToken(t *testing.T, scopes string) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"aud":   "stream",
		"sub":   "user-1",
		"tid":   "tenant-1",
		"topic": "prices",
		"scope": scopes,
		"jti":   "jti-" + now.Format(time.RFC3339Nano),
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestHandlePublishRequiresScope(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.mux())
	defer ts.Close()

	token := signTestToken(t, "stream:debug") // missing stream:publish
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream/publish/prices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Body = http.NoBody

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", resp.StatusCode)
	}
}

func TestHandlePublishSucceeds(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.mux())
	defer ts.Close()

	publishToken := signTestToken(t, "stream:publish")
	body := []byte(`{"price": 100}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream/publish/prices", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+publishToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", out)
	}
}

func TestHandlePublishRejectsDisallowedTopic(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.mux())
	defer ts.Close()

	token := signTestToken(t, "stream:publish")
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream/publish/not-allowed", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed topic, got %d", resp.StatusCode)
	}
}

func TestHandlePublishRateLimitCarriesRetryHeaders(t *testing.T) {
	srv := newTestServer(t)
	// One publish (cost 2.0) drains the whole burst; the next is refused.
	srv.limiter.SetLimits("tenant-1", ratelimit.Limits{QPSRate: 0.001, Burst: 2, ConnectionLimit: 50})
	ts := httptest.NewServer(srv.mux())
	defer ts.Close()

	token := signTestToken(t, "stream:publish")
	post := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stream/publish/prices", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		return resp
	}

	first := post()
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first publish to succeed, got %d", first.StatusCode)
	}

	second := post()
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected second publish to be rate limited, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rate-limit refusal")
	}
	if second.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected X-RateLimit-Remaining: 0, got %q", second.Header.Get("X-RateLimit-Remaining"))
	}
	var problem map[string]any
	if err := json.NewDecoder(second.Body).Decode(&problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if problem["code"] != "publish_limit" {
		t.Fatalf("expected publish_limit code, got %+v", problem)
	}
}

func TestHandleHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/_health", srv.handleHealth)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/_health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
