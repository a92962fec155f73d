// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/vitalsync/internal/model"
)

// DuplicateQuery は信頼度の低い取得元から重複候補を削除する条件。
// Sourceが一致し、測定時刻が Around±Window の範囲にあり、
// 体重の差の絶対値がTolerance未満の行が対象になる。
type DuplicateQuery struct {
	Source    model.Source
	Around    time.Time
	Window    time.Duration
	Weight    float64
	Tolerance float64
}

// MeasurementRepository は測定値の永続化インターフェース。
// 各メソッドは単一のSQL文で実行され、並行する書き込みに対してアトミックである。
type MeasurementRepository interface {
	// InsertIfAbsent は (timestamp, source) が未登録の場合のみ測定値を挿入する。
	// 新しい行が作成された場合にtrueを返す。
	InsertIfAbsent(ctx context.Context, m *model.Measurement) (bool, error)

	// DeleteNearDuplicates はqに一致する測定値を全て削除し、削除件数を返す。
	DeleteNearDuplicates(ctx context.Context, q DuplicateQuery) (int, error)

	// ListBetween は測定時刻が [start, end] の測定値を時刻順に返す。
	ListBetween(ctx context.Context, start, end time.Time) ([]model.Measurement, error)
}

// CredentialRepository はOAuth認可情報（トークンストア）の永続化インターフェース。
// ビジネスロジックは持たない。
type CredentialRepository interface {
	// FindByProvider はプロバイダーの認可情報を取得する。見つからない場合はnilを返す。
	FindByProvider(ctx context.Context, provider model.Provider) (*model.Credential, error)

	// Upsert は認可情報を保存する。既存の行はアトミックに上書きされる。
	Upsert(ctx context.Context, cred *model.Credential) error

	// DeleteByProvider はプロバイダーの認可情報を削除する。存在しない場合もエラーにしない。
	DeleteByProvider(ctx context.Context, provider model.Provider) error

	// List は保存されている全ての認可情報を返す。
	List(ctx context.Context) ([]*model.Credential, error)
}

// SyncRunRepository は同期実行ログの永続化インターフェース。追記専用。
type SyncRunRepository interface {
	// Append は同期実行ログを1件追加する。
	Append(ctx context.Context, run *model.SyncRun) error

	// ListRecent はプロバイダーの同期実行ログを新しい順に最大limit件返す。
	ListRecent(ctx context.Context, provider model.Provider, limit int) ([]*model.SyncRun, error)
}
