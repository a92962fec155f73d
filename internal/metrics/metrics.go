// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// 同期オーケストレーター、OAuthアダプタ、受信サービスから利用する。
type Recorder interface {
	RecordSyncRun(provider, status string, duration time.Duration)
	RecordFetchRetry(provider string)
	RecordMeasurementsInserted(source string, count int)
	RecordDuplicatesRemoved(count int)
	RecordTokenRefresh(provider string, success bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncRuns             *prometheus.CounterVec
	syncDuration         *prometheus.HistogramVec
	fetchRetries         *prometheus.CounterVec
	measurementsInserted *prometheus.CounterVec
	duplicatesRemoved    prometheus.Counter
	tokenRefreshes       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsync_sync_runs_total",
			Help: "プロバイダー・結果別の同期実行回数",
		}, []string{"provider", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vitalsync_sync_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsync_fetch_retries_total",
			Help: "一時的なエラーによる取得の再試行回数",
		}, []string{"provider"}),
		measurementsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsync_measurements_inserted_total",
			Help: "取得元別の新規保存された測定値の数",
		}, []string{"source"}),
		duplicatesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalsync_duplicates_removed_total",
			Help: "突合で削除された近似重複の数",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsync_token_refreshes_total",
			Help: "プロバイダー・結果別のトークン更新回数",
		}, []string{"provider", "result"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncDuration,
		c.fetchRetries,
		c.measurementsInserted,
		c.duplicatesRemoved,
		c.tokenRefreshes,
	)

	return c
}

// RecordSyncRun は同期実行の結果と所要時間を記録する。
func (c *Collector) RecordSyncRun(provider, status string, duration time.Duration) {
	c.syncRuns.WithLabelValues(provider, status).Inc()
	c.syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFetchRetry は取得の再試行を記録する。
func (c *Collector) RecordFetchRetry(provider string) {
	c.fetchRetries.WithLabelValues(provider).Inc()
}

// RecordMeasurementsInserted は新規保存された測定値数を記録する。
func (c *Collector) RecordMeasurementsInserted(source string, count int) {
	c.measurementsInserted.WithLabelValues(source).Add(float64(count))
}

// RecordDuplicatesRemoved は削除された近似重複の数を記録する。
func (c *Collector) RecordDuplicatesRemoved(count int) {
	c.duplicatesRemoved.Add(float64(count))
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
