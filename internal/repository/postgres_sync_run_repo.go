package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/vitalsync/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行ログリポジトリ。
type PostgresSyncRunRepo struct {
	db *sql.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db *sql.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// Append は同期実行ログを1件追加する。IDとRunAtが未設定の場合はここで採番する。
func (r *PostgresSyncRunRepo) Append(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.RunAt.IsZero() {
		run.RunAt = time.Now()
	}

	var detail sql.NullString
	if run.Detail != "" {
		detail = sql.NullString{String: run.Detail, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, provider, status, records_affected, detail, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, string(run.Provider), string(run.Status), run.RecordsAffected, detail, run.RunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync run: %w", err)
	}
	return nil
}

// ListRecent はプロバイダーの同期実行ログをrun_at降順で最大limit件返す。
func (r *PostgresSyncRunRepo) ListRecent(ctx context.Context, provider model.Provider, limit int) ([]*model.SyncRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, provider, status, records_affected, detail, run_at
		 FROM sync_runs
		 WHERE provider = $1
		 ORDER BY run_at DESC
		 LIMIT $2`,
		string(provider), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		run := &model.SyncRun{}
		var p, status string
		var detail sql.NullString
		if err := rows.Scan(&run.ID, &p, &status, &run.RecordsAffected, &detail, &run.RunAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.Provider = model.Provider(p)
		run.Status = model.SyncStatus(status)
		run.Detail = detail.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync runs: %w", err)
	}

	return runs, nil
}

// compile-time interface check
var _ SyncRunRepository = (*PostgresSyncRunRepo)(nil)
