package provider

import "time"

// FetchResult はステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功。
	FetchResultOK FetchResult = iota
	// FetchResultStop は再試行しても回復しない失敗（認可切れ、不正なパラメータなど）。
	FetchResultStop
	// FetchResultBackoff は時間をおいて再試行すべき失敗（レート制限、サーバーエラー）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

// withingsStatusRateLimited はWithings APIが返すレート制限超過のステータス。
const withingsStatusRateLimited = 601

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 401 || statusCode == 403 || statusCode == 404:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	case statusCode >= 400:
		return FetchResultStop
	default:
		return FetchResultUnknown
	}
}

// ClassifyWithingsStatus はWithings APIのレスポンス本文のstatusを取得結果に分類する。
// WithingsはエラーでもHTTP 200を返すため、HTTPステータスとは別に判定する。
func ClassifyWithingsStatus(status int) FetchResult {
	switch {
	case status == 0:
		return FetchResultOK
	case status == withingsStatusRateLimited:
		return FetchResultBackoff
	case status == 2554 || status == 2555:
		// 不明なエラー・タイムアウト
		return FetchResultBackoff
	default:
		return FetchResultStop
	}
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// attempt=0でbase、以降2倍ずつ増加し、maxDelayで頭打ちになる。
func CalculateBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
