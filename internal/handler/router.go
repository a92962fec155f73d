package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/vitalsync/internal/metrics"
	"github.com/hitoshi/vitalsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string                  // カンマ区切りで複数指定可
	HTTPSOnly         bool                    // trueの場合はHSTSヘッダーを付与する
	RateLimiter       *middleware.RateLimiter // nilの場合はレート制限なし

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer // nilの場合は/metricsを公開しない

	// 連携
	Clients           ClientLookup
	Credentials       CredentialLister
	IntegrationConfig IntegrationHandlerConfig

	// 同期
	Sync     SyncRunner
	SyncRuns SyncRunLister

	// 測定値受信
	Ingester MeasurementIngester
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//
// 同期トリガーと測定値受信にはそれぞれ専用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HTTPSOnly))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	integrationHandler := NewIntegrationHandler(deps.Clients, deps.Credentials, deps.IntegrationConfig)
	syncHandler := NewSyncHandler(deps.Sync, deps.SyncRuns)
	measurementHandler := NewMeasurementHandler(deps.Ingester)

	syncLimit := passthrough
	ingestLimit := passthrough
	if deps.RateLimiter != nil {
		syncLimit = deps.RateLimiter.SyncMiddleware()
		ingestLimit = deps.RateLimiter.IngestMiddleware()
	}

	// --- 運用 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- OAuthフロー（ブラウザ遷移） ---
	r.Route("/integrations/{provider}", func(r chi.Router) {
		r.Get("/connect", integrationHandler.Connect)
		r.Get("/callback", integrationHandler.Callback)
	})

	// --- API ---
	r.Route("/api", func(r chi.Router) {
		r.Get("/integrations", integrationHandler.List)
		r.Post("/integrations/{provider}/disconnect", integrationHandler.Disconnect)

		r.Route("/sync/{provider}", func(r chi.Router) {
			r.With(syncLimit).Post("/", syncHandler.Sync)
			r.Get("/runs", syncHandler.ListRuns)
		})

		r.With(ingestLimit).Post("/measurements", measurementHandler.Ingest)
	})

	return r
}

func passthrough(next http.Handler) http.Handler { return next }
