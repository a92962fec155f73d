// Package reconcile は信頼度の高い取得元の測定値を保存し、
// 信頼度の低い取得元に残る近似重複を取り除く。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/repository"
)

const (
	// DuplicateWindow は重複とみなす測定時刻の差の上限（両端を含む）。
	DuplicateWindow = 30 * time.Minute

	// WeightTolerance は重複とみなす体重差（ポンド）。差がこの値未満の場合に重複となる。
	WeightTolerance = 0.5

	// AuthoritativeSource は突合の基準となる取得元。
	AuthoritativeSource = model.SourceWithings

	// LowerTrustSource は重複時に削除される取得元。
	LowerTrustSource = model.SourceAppleHealth
)

// Options は突合ルールの調整値。ゼロ値の項目は既定値が使われる。
type Options struct {
	Window        time.Duration
	Tolerance     float64
	Authoritative model.Source
	LowerTrust    model.Source
}

// Engine は測定値の突合を行う。
type Engine struct {
	store  repository.MeasurementRepository
	opts   Options
	logger *slog.Logger
}

// NewEngine はEngineを生成する。
func NewEngine(store repository.MeasurementRepository, opts Options, logger *slog.Logger) *Engine {
	if opts.Window <= 0 {
		opts.Window = DuplicateWindow
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = WeightTolerance
	}
	if opts.Authoritative == "" {
		opts.Authoritative = AuthoritativeSource
	}
	if opts.LowerTrust == "" {
		opts.LowerTrust = LowerTrustSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, opts: opts, logger: logger}
}

// Reconcile は測定値を順に処理する。
//  1. (timestamp, source) が未登録なら挿入する
//  2. 信頼度の低い取得元で、時刻が±Window以内かつ体重差がTolerance未満の行を全て削除する
//
// 信頼度の高い取得元の行は削除しない。同じ入力で再実行しても状態は変わらない。
// ストア操作が失敗した場合は、それまでの件数を持つ*model.ReconcileErrorを返す。
func (e *Engine) Reconcile(ctx context.Context, ms []model.Measurement) (model.ReconciliationResult, error) {
	var result model.ReconciliationResult

	for i := range ms {
		m := ms[i]
		if m.Source != e.opts.Authoritative {
			return result, &model.ReconcileError{
				Partial: result,
				Err:     fmt.Errorf("measurement at %s has source %q, want %q", m.Timestamp.Format(time.RFC3339), m.Source, e.opts.Authoritative),
			}
		}

		inserted, err := e.store.InsertIfAbsent(ctx, &m)
		if err != nil {
			return result, &model.ReconcileError{Partial: result, Err: fmt.Errorf("failed to insert measurement: %w", err)}
		}
		if inserted {
			result.Inserted++
		}

		removed, err := e.store.DeleteNearDuplicates(ctx, repository.DuplicateQuery{
			Source:    e.opts.LowerTrust,
			Around:    m.Timestamp,
			Window:    e.opts.Window,
			Weight:    m.Weight,
			Tolerance: e.opts.Tolerance,
		})
		if err != nil {
			return result, &model.ReconcileError{Partial: result, Err: fmt.Errorf("failed to delete near duplicates: %w", err)}
		}
		result.DuplicatesRemoved += removed

		if removed > 0 {
			e.logger.Debug("near duplicates removed",
				slog.Time("timestamp", m.Timestamp),
				slog.Float64("weight", m.Weight),
				slog.Int("removed", removed),
			)
		}
	}

	return result, nil
}
