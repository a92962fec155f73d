// Package syncrun はプロバイダーからの取得と突合を1回の同期実行としてまとめ、
// 結果を同期ログに記録する。
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/vitalsync/internal/metrics"
	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/provider"
	"github.com/hitoshi/vitalsync/internal/repository"
)

const (
	// DefaultLookback は同期対象期間の既定値（30日）。
	DefaultLookback = 30 * 24 * time.Hour
	// DefaultFetchAttempts は取得段階の既定の最大試行回数。
	DefaultFetchAttempts = 3
	// DefaultRetryBaseDelay は再試行の初回待機時間。
	DefaultRetryBaseDelay = time.Second
	// DefaultRetryMaxDelay は再試行の待機時間の上限。
	DefaultRetryMaxDelay = 30 * time.Second
)

// FetcherLookup はプロバイダーに対応するFetcherを返す。provider.Registryが満たす。
type FetcherLookup interface {
	Get(p model.Provider) (provider.Fetcher, error)
}

// Reconciler は取得した測定値を突合する。reconcile.Engineが満たす。
type Reconciler interface {
	Reconcile(ctx context.Context, ms []model.Measurement) (model.ReconciliationResult, error)
}

// Config はオーケストレーターの設定。ゼロ値の項目は既定値が使われる。
type Config struct {
	Lookback       time.Duration
	FetchAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Orchestrator は同期実行を制御する。
// 同一プロバイダーの実行は直列化し、異なるプロバイダーは並行して実行できる。
type Orchestrator struct {
	fetchers   FetcherLookup
	reconciler Reconciler
	runs       repository.SyncRunRepository
	metrics    metrics.Recorder
	logger     *slog.Logger
	config     Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[model.Provider]*sync.Mutex
}

// NewOrchestrator はOrchestratorを生成する。metricsはnilでもよい。
func NewOrchestrator(
	fetchers FetcherLookup,
	reconciler Reconciler,
	runs repository.SyncRunRepository,
	recorder metrics.Recorder,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if config.Lookback <= 0 {
		config.Lookback = DefaultLookback
	}
	if config.FetchAttempts <= 0 {
		config.FetchAttempts = DefaultFetchAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetchers:   fetchers,
		reconciler: reconciler,
		runs:       runs,
		metrics:    recorder,
		logger:     logger,
		config:     config,
		now:        time.Now,
		sleep:      sleepContext,
		locks:      make(map[model.Provider]*sync.Mutex),
	}
}

// Run はプロバイダーの同期を1回実行する。
//  1. [now-Lookback, now] の測定値を全て取得する（一時的なエラーは再試行する）
//  2. 取得した測定値を突合する
//  3. 結果を同期ログに記録する
//
// 未知または同期非対応のプロバイダーはmodel.ErrUnknownProvider / model.ErrSyncUnsupportedを返し、
// 同期ログには記録しない。それ以外の失敗は*model.SyncErrorで返す。
func (o *Orchestrator) Run(ctx context.Context, p model.Provider) (*model.SyncSummary, error) {
	fetcher, err := o.fetchers.Get(p)
	if err != nil {
		return nil, err
	}

	lock := o.providerLock(p)
	lock.Lock()
	defer lock.Unlock()

	started := o.now()
	end := started
	start := end.Add(-o.config.Lookback)

	o.logger.Info("sync started",
		slog.String("provider", string(p)),
		slog.Time("window_start", start),
		slog.Time("window_end", end),
	)

	// 1. 取得
	ms, err := o.fetchWithRetry(ctx, fetcher, start, end)
	if err != nil {
		return nil, o.fail(ctx, p, model.SyncStageFetch, err, model.ReconciliationResult{}, started)
	}

	// 2. 突合
	result, err := o.reconciler.Reconcile(ctx, ms)
	if err != nil {
		var partial model.ReconciliationResult
		var reconcileErr *model.ReconcileError
		if errors.As(err, &reconcileErr) {
			partial = reconcileErr.Partial
		}
		o.recordCounts(partial)
		return nil, o.fail(ctx, p, model.SyncStageReconcile, err, partial, started)
	}

	// 3. 記録
	summary := &model.SyncSummary{
		MeasurementsSeen:  len(ms),
		Inserted:          result.Inserted,
		DuplicatesRemoved: result.DuplicatesRemoved,
	}
	o.appendRun(ctx, &model.SyncRun{
		Provider:        p,
		Status:          model.SyncStatusSuccess,
		RecordsAffected: result.Inserted,
	})
	o.recordCounts(result)
	if o.metrics != nil {
		o.metrics.RecordSyncRun(string(p), string(model.SyncStatusSuccess), o.now().Sub(started))
	}

	o.logger.Info("sync completed",
		slog.String("provider", string(p)),
		slog.Int("measurements", summary.MeasurementsSeen),
		slog.Int("inserted", summary.Inserted),
		slog.Int("duplicates_removed", summary.DuplicatesRemoved),
		slog.Duration("duration", o.now().Sub(started)),
	)
	return summary, nil
}

// fetchWithRetry はシーケンスを最後まで読み出す。
// 一時的な*model.FetchErrorの場合は指数バックオフでFetchAttempts回まで取得をやり直す。
func (o *Orchestrator) fetchWithRetry(ctx context.Context, fetcher provider.Fetcher, start, end time.Time) ([]model.Measurement, error) {
	var lastErr error
	for attempt := 0; attempt < o.config.FetchAttempts; attempt++ {
		ms, err := provider.Collect(fetcher.Fetch(ctx, start, end))
		if err == nil {
			return ms, nil
		}
		lastErr = err

		var fetchErr *model.FetchError
		if !errors.As(err, &fetchErr) || !fetchErr.Transient || attempt == o.config.FetchAttempts-1 {
			return nil, err
		}

		delay := provider.CalculateBackoff(o.config.RetryBaseDelay, o.config.RetryMaxDelay, attempt)
		o.logger.Warn("transient fetch error, retrying",
			slog.String("provider", string(fetcher.Provider())),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if o.metrics != nil {
			o.metrics.RecordFetchRetry(string(fetcher.Provider()))
		}
		if err := o.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry wait interrupted: %w", err)
		}
	}
	return nil, lastErr
}

// fail は失敗を同期ログとメトリクスに記録し、*model.SyncErrorを返す。
func (o *Orchestrator) fail(ctx context.Context, p model.Provider, stage model.SyncStage, cause error, partial model.ReconciliationResult, started time.Time) error {
	o.logger.Error("sync failed",
		slog.String("provider", string(p)),
		slog.String("stage", string(stage)),
		slog.String("error", cause.Error()),
	)

	o.appendRun(ctx, &model.SyncRun{
		Provider:        p,
		Status:          model.SyncStatusError,
		RecordsAffected: partial.Inserted,
		Detail:          fmt.Sprintf("%s: %v", stage, cause),
	})
	if o.metrics != nil {
		o.metrics.RecordSyncRun(string(p), string(model.SyncStatusError), o.now().Sub(started))
	}

	return &model.SyncError{Provider: p, Stage: stage, Err: cause}
}

// appendRun は同期ログを追記する。書き込みに失敗してもログを残すだけで、元の結果は変えない。
func (o *Orchestrator) appendRun(ctx context.Context, run *model.SyncRun) {
	if err := o.runs.Append(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to append sync run",
			slog.String("provider", string(run.Provider)),
			slog.String("status", string(run.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordCounts(r model.ReconciliationResult) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordMeasurementsInserted(string(model.SourceWithings), r.Inserted)
	o.metrics.RecordDuplicatesRemoved(r.DuplicatesRemoved)
}

func (o *Orchestrator) providerLock(p model.Provider) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[p]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[p] = lock
	}
	return lock
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合はその時点でエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
