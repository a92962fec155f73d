package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vitalsync/internal/model"
)

// PostgresMeasurementRepo はPostgreSQLを使用した測定値リポジトリ。
type PostgresMeasurementRepo struct {
	db *sql.DB
}

// NewPostgresMeasurementRepo はPostgresMeasurementRepoを生成する。
func NewPostgresMeasurementRepo(db *sql.DB) *PostgresMeasurementRepo {
	return &PostgresMeasurementRepo{db: db}
}

// InsertIfAbsent は (measured_at, source) の一意制約に対してON CONFLICT DO NOTHINGで挿入する。
// IDとCreatedAtが未設定の場合はここで採番する。
func (r *PostgresMeasurementRepo) InsertIfAbsent(ctx context.Context, m *model.Measurement) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var bodyFat sql.NullFloat64
	if m.BodyFatPct != nil {
		bodyFat = sql.NullFloat64{Float64: *m.BodyFatPct, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO measurements (id, measured_at, weight_lbs, body_fat_pct, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (measured_at, source) DO NOTHING`,
		m.ID, m.Timestamp, m.Weight, bodyFat, string(m.Source), m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert measurement: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

// DeleteNearDuplicates は時刻窓と体重差の条件に一致する測定値を1文で削除する。
// 時刻窓の両端は削除対象に含む。
func (r *PostgresMeasurementRepo) DeleteNearDuplicates(ctx context.Context, q DuplicateQuery) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM measurements
		 WHERE source = $1
		   AND measured_at BETWEEN $2 AND $3
		   AND ABS(weight_lbs - $4) < $5`,
		string(q.Source), q.Around.Add(-q.Window), q.Around.Add(q.Window), q.Weight, q.Tolerance,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicate measurements: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// ListBetween は測定時刻が [start, end] の測定値を時刻の昇順で返す。
func (r *PostgresMeasurementRepo) ListBetween(ctx context.Context, start, end time.Time) ([]model.Measurement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, measured_at, weight_lbs, body_fat_pct, source, created_at
		 FROM measurements
		 WHERE measured_at BETWEEN $1 AND $2
		 ORDER BY measured_at ASC, source ASC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var measurements []model.Measurement
	for rows.Next() {
		var m model.Measurement
		var bodyFat sql.NullFloat64
		var source string
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Weight, &bodyFat, &source, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.Source = model.Source(source)
		if bodyFat.Valid {
			v := bodyFat.Float64
			m.BodyFatPct = &v
		}
		measurements = append(measurements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}

	return measurements, nil
}

// compile-time interface check
var _ MeasurementRepository = (*PostgresMeasurementRepo)(nil)
