package model

import "time"

// SyncStatus は同期実行の結果ステータス。
type SyncStatus string

const (
	// SyncStatusSuccess は同期が正常に完了したことを示す。
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusError は同期が失敗したことを示す。
	SyncStatusError SyncStatus = "error"
)

// SyncRun は同期実行1回分の監査記録。追記のみで更新・削除はしない。
type SyncRun struct {
	ID              string
	Provider        Provider
	Status          SyncStatus
	RecordsAffected int
	Detail          string // エラー時の詳細。成功時は空
	RunAt           time.Time
}

// SyncSummary は同期実行の結果を呼び出し元に返すための集計。
type SyncSummary struct {
	MeasurementsSeen  int
	Inserted          int
	DuplicatesRemoved int
}
