package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/vitalsync/internal/middleware"
	"github.com/hitoshi/vitalsync/internal/model"
)

func newTestRouter(deps *RouterDeps) http.Handler {
	if deps.HealthChecker == nil {
		deps.HealthChecker = &mockHealthChecker{}
	}
	if deps.Clients == nil {
		deps.Clients = newMockClientLookup(
			&mockOAuthClient{provider: model.ProviderWithings},
			&mockOAuthClient{provider: model.ProviderGoogle},
		)
	}
	if deps.Credentials == nil {
		deps.Credentials = &mockCredentialLister{}
	}
	if deps.Sync == nil {
		deps.Sync = &mockSyncRunner{}
	}
	if deps.SyncRuns == nil {
		deps.SyncRuns = &mockSyncRunLister{}
	}
	if deps.Ingester == nil {
		deps.Ingester = &mockIngester{}
	}
	deps.IntegrationConfig.SettingsURL = testSettingsURL
	return NewRouter(deps)
}

func TestNewRouter_Routes(t *testing.T) {
	router := newTestRouter(&RouterDeps{})

	tests := []struct {
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/integrations/withings/connect", "", http.StatusTemporaryRedirect},
		{http.MethodGet, "/integrations/google/callback?error=access_denied", "", http.StatusTemporaryRedirect},
		{http.MethodGet, "/api/integrations", "", http.StatusOK},
		{http.MethodPost, "/api/integrations/withings/disconnect", "", http.StatusOK},
		{http.MethodPost, "/api/sync/withings", "", http.StatusOK},
		{http.MethodGet, "/api/sync/withings/runs", "", http.StatusOK},
		{http.MethodPost, "/api/measurements", `{"measurements":[]}`, http.StatusOK},
		{http.MethodGet, "/api/sync/withings", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/metrics", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewRouter_SecurityHeadersAndCORS(t *testing.T) {
	router := newTestRouter(&RouterDeps{CORSAllowedOrigin: "http://localhost:3000", HTTPSOnly: true})

	req := httptest.NewRequest(http.MethodGet, "/api/integrations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("expected Strict-Transport-Security for HTTPS deployment")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNewRouter_RecoversFromPanic(t *testing.T) {
	router := newTestRouter(&RouterDeps{
		Sync: &mockSyncRunner{
			runFn: func(ctx context.Context, p model.Provider) (*model.SyncSummary, error) {
				panic("boom")
			},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sync/withings", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestNewRouter_HealthUnavailable(t *testing.T) {
	router := newTestRouter(&RouterDeps{
		HealthChecker: &mockHealthChecker{err: errors.New("connection refused")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to response")
	}
}

func TestNewRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := newTestRouter(&RouterDeps{MetricsGatherer: reg})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "router_test_total 1") {
		t.Errorf("metrics body does not contain counter: %s", w.Body.String())
	}
}

func TestNewRouter_SyncRateLimit(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		SyncRate:        1.0 / 60,
		SyncBurst:       1,
		IngestRate:      1,
		IngestBurst:     1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	router := newTestRouter(&RouterDeps{RateLimiter: rl})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/api/sync/withings", "/api/sync/withings", "/api/sync/google"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	// プロバイダーごとに独立したバケット
	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, codes[i], want[i])
		}
	}
}
