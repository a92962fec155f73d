// Package ingest はスマートフォンのヘルスデータ連携や手入力から送られる測定値を受け付ける。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vitalsync/internal/metrics"
	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/repository"
)

// MaxBatchSize は1回のリクエストで受け付ける測定値の上限。
const MaxBatchSize = 500

// ErrInvalidMeasurement は受信した測定値が不正であることを示す。
var ErrInvalidMeasurement = errors.New("invalid measurement")

// Result は受信処理の結果。
type Result struct {
	Received int
	Inserted int
}

// Service は測定値の受信処理を提供する。
type Service struct {
	store   repository.MeasurementRepository
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(store repository.MeasurementRepository, recorder metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, metrics: recorder, logger: logger}
}

// Ingest は測定値を検証してから保存する。
// 検証に失敗した場合は1件も保存せず、ErrInvalidMeasurementをラップして返す。
// 同じ (timestamp, source) の再送は無視されるため、同じバッチを何度送っても結果は変わらない。
func (s *Service) Ingest(ctx context.Context, ms []model.Measurement) (Result, error) {
	result := Result{Received: len(ms)}

	if len(ms) > MaxBatchSize {
		return result, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrInvalidMeasurement, len(ms), MaxBatchSize)
	}
	for i := range ms {
		if err := validate(&ms[i]); err != nil {
			return result, fmt.Errorf("%w: item %d: %v", ErrInvalidMeasurement, i, err)
		}
	}

	inserted := make(map[model.Source]int)
	for i := range ms {
		m := ms[i]
		m.Timestamp = m.Timestamp.UTC()
		m.Weight = model.RoundWeight(m.Weight)

		ok, err := s.store.InsertIfAbsent(ctx, &m)
		if err != nil {
			return result, fmt.Errorf("failed to store measurement: %w", err)
		}
		if ok {
			result.Inserted++
			inserted[m.Source]++
		}
	}

	if s.metrics != nil {
		for source, n := range inserted {
			s.metrics.RecordMeasurementsInserted(string(source), n)
		}
	}

	s.logger.Info("measurements ingested",
		slog.Int("received", result.Received),
		slog.Int("inserted", result.Inserted),
	)
	return result, nil
}

// validate は受信した測定値1件を検証する。
// 信頼度の高い取得元の測定値は同期でのみ保存されるため、ここでは受け付けない。
func validate(m *model.Measurement) error {
	if !m.Source.Valid() {
		return fmt.Errorf("unknown source %q", m.Source)
	}
	if m.Source == model.SourceWithings {
		return fmt.Errorf("source %q is only accepted through provider sync", m.Source)
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if m.Timestamp.After(time.Now().Add(24 * time.Hour)) {
		return errors.New("timestamp is in the future")
	}
	if m.Weight <= 0 {
		return errors.New("weight must be positive")
	}
	if m.BodyFatPct != nil && (*m.BodyFatPct < 0 || *m.BodyFatPct > 100) {
		return errors.New("body fat percentage must be between 0 and 100")
	}
	return nil
}
