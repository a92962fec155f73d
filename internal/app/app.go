// Package app はアプリケーションの初期化とサブコマンドの実行を提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/vitalsync/internal/config"
	"github.com/hitoshi/vitalsync/internal/database"
	"github.com/hitoshi/vitalsync/internal/handler"
	"github.com/hitoshi/vitalsync/internal/ingest"
	"github.com/hitoshi/vitalsync/internal/logger"
	"github.com/hitoshi/vitalsync/internal/metrics"
	"github.com/hitoshi/vitalsync/internal/middleware"
	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/oauth"
	"github.com/hitoshi/vitalsync/internal/provider"
	"github.com/hitoshi/vitalsync/internal/reconcile"
	"github.com/hitoshi/vitalsync/internal/repository"
	"github.com/hitoshi/vitalsync/internal/syncrun"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, rest)
	case CommandSync:
		return runSync(cfg, rest)
	default:
		return runServe(cfg)
	}
}

// services はserveとsyncで共有するドメインコンポーネント。
type services struct {
	credentials  *repository.PostgresCredentialRepo
	syncRuns     *repository.PostgresSyncRunRepo
	clients      *oauth.Registry
	orchestrator *syncrun.Orchestrator
	ingester     *ingest.Service
}

// buildServices はDB接続から全ドメインコンポーネントをワイヤリングする。
func buildServices(cfg *config.Config, db *sql.DB, recorder metrics.Recorder) *services {
	// 1. リポジトリ
	measurementRepo := repository.NewPostgresMeasurementRepo(db)
	credentialRepo := repository.NewPostgresCredentialRepo(db)
	syncRunRepo := repository.NewPostgresSyncRunRepo(db)

	providerHTTP := &http.Client{Timeout: cfg.ProviderHTTPTimeout}
	oauthDeps := oauth.Deps{
		Store:      credentialRepo,
		HTTPClient: providerHTTP,
		Logger:     slog.Default(),
		Metrics:    recorder,
	}

	// 2. OAuthクライアント（カレンダー連携は設定がある場合のみ）
	withingsClient := oauth.NewWithingsClient(oauth.WithingsConfig{
		ClientID:     cfg.WithingsClientID,
		ClientSecret: cfg.WithingsClientSecret,
		RedirectURL:  cfg.WithingsRedirectURL,
	}, oauthDeps)

	clients := []oauth.Client{withingsClient}
	if cfg.GoogleEnabled() {
		clients = append(clients, oauth.NewGoogleClient(oauth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, oauthDeps))
	}

	// 3. 測定値の取得
	fetchers := provider.NewRegistry(
		provider.NewWithingsFetcher(provider.WithingsFetcherConfig{
			RequestsPerSecond: cfg.ProviderRatePerSec,
		}, withingsClient, providerHTTP, slog.Default()),
	)

	// 4. 突合と同期制御
	engine := reconcile.NewEngine(measurementRepo, reconcile.Options{}, slog.Default())
	orchestrator := syncrun.NewOrchestrator(fetchers, engine, syncRunRepo, recorder, slog.Default(), syncrun.Config{
		Lookback:       cfg.SyncLookback,
		FetchAttempts:  cfg.SyncFetchAttempts,
		RetryBaseDelay: cfg.SyncRetryBaseDelay,
	})

	return &services{
		credentials:  credentialRepo,
		syncRuns:     syncRunRepo,
		clients:      oauth.NewRegistry(clients...),
		orchestrator: orchestrator,
		ingester:     ingest.NewService(measurementRepo, recorder, slog.Default()),
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newMetricsRegistry はランタイムメトリクスを含むPrometheusレジストリを生成する。
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクスとドメインコンポーネント
	reg := newMetricsRegistry()
	collector := metrics.NewCollector(reg)
	svc := buildServices(cfg, db, collector)

	// 3. レート制限（設定はreq/min単位なのでreq/secに変換する）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitSync > 0 {
		rateLimiterCfg.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60)
		rateLimiterCfg.SyncBurst = cfg.RateLimitSync
	}
	if cfg.RateLimitIngest > 0 {
		rateLimiterCfg.IngestRate = rate.Limit(float64(cfg.RateLimitIngest) / 60)
		rateLimiterCfg.IngestBurst = cfg.RateLimitIngest
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 4. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HTTPSOnly:         cfg.CookieSecure,
		RateLimiter:       rateLimiter,

		HealthChecker:   db,
		MetricsGatherer: reg,

		Clients:     svc.clients,
		Credentials: svc.credentials,
		IntegrationConfig: handler.IntegrationHandlerConfig{
			SettingsURL:  cfg.SettingsURL,
			CookieSecure: cfg.CookieSecure,
		},

		Sync:     svc.orchestrator,
		SyncRuns: svc.syncRuns,

		Ingester: svc.ingester,
	})

	// 5. HTTPサーバーの起動
	// 同期はプロバイダーAPIの再試行を含むため、書き込みタイムアウトは長めにとる
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Any("providers", svc.clients.Providers()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runSync はプロバイダーの同期を1回実行して終了する。
// 外部スケジューラ（cron等）から定期実行するためのサブコマンド。
func runSync(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: sync <provider>\n%s", Usage)
	}
	p, ok := model.ParseProvider(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownProvider, args[0])
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := buildServices(cfg, db, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := svc.orchestrator.Run(ctx, p)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("sync finished",
		slog.String("provider", string(p)),
		slog.Int("total_measurements", summary.MeasurementsSeen),
		slog.Int("new_records", summary.Inserted),
		slog.Int("duplicates_removed", summary.DuplicatesRemoved),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしの場合はすべての未適用マイグレーションを適用し、
// "down [steps]" の場合は直近のマイグレーションを戻す（既定1件）。
func runMigrate(cfg *config.Config, args []string) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if len(args) > 0 && args[0] == "down" {
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rollback steps %q: %w", args[1], err)
			}
			steps = n
		}
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", steps))
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
