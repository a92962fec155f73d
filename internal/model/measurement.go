// Package model はドメインモデルを定義する。
package model

import (
	"math"
	"time"
)

// PoundsPerKilogram はkgからポンドへの換算係数。
const PoundsPerKilogram = 2.20462262

// Source は測定値の取得元を表す。
// 取得元をまたいだ同一性は推定でしか判定できないため、
// 測定値は (timestamp, source) の組でのみ一意に識別される。
type Source string

const (
	// SourceWithings は体重計プロバイダー（Withings）から同期された測定値。
	// 重複判定では信頼できる取得元として扱う。
	SourceWithings Source = "withings"
	// SourceAppleHealth はスマートフォンのヘルスデータ連携から受信した測定値。
	// 体重計の値を中継で再観測することがあるため、信頼度の低い取得元として扱う。
	SourceAppleHealth Source = "apple_health"
	// SourceManual は手入力された測定値。
	SourceManual Source = "manual"
)

// Valid は定義済みの取得元かどうかを返す。
func (s Source) Valid() bool {
	switch s {
	case SourceWithings, SourceAppleHealth, SourceManual:
		return true
	default:
		return false
	}
}

// Measurement は1回の体重測定を表す。
// 作成後に更新されることはなく、重複と判定された場合のみ削除される。
type Measurement struct {
	ID         string
	Timestamp  time.Time
	Weight     float64  // ポンド
	BodyFatPct *float64 // 体脂肪率（%）。未計測の場合はnil
	Source     Source
	CreatedAt  time.Time
}

// ReconciliationResult は突合処理1回分の集計結果。
type ReconciliationResult struct {
	Inserted          int
	DuplicatesRemoved int
}

// KilogramsToPounds はkgをポンドに換算し、小数点以下2桁に丸める。
func KilogramsToPounds(kg float64) float64 {
	return RoundWeight(kg * PoundsPerKilogram)
}

// RoundWeight は重量を小数点以下2桁に丸める。
func RoundWeight(v float64) float64 {
	return math.Round(v*100) / 100
}
