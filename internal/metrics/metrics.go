// Package metrics はPrometheusメトリクスの収集を提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder はメトリクス収集のインターフェース。
// 同期オーケストレータとライブ更新チャネルから利用する。
type Recorder interface {
	RecordSyncSuccess(origin string)
	RecordSyncFailure(origin string, kind string)
	RecordSyncRetry()
	RecordSyncLatency(duration time.Duration)
	RecordChannelReconnect()
	RecordChannelGiveUp()
	SetQuotaCount(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess       *prometheus.CounterVec
	syncFailure       *prometheus.CounterVec
	syncRetry         prometheus.Counter
	syncLatency       prometheus.Histogram
	channelReconnects prometheus.Counter
	channelGiveUps    prometheus.Counter
	quotaCount        prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anisync_sync_success_total",
			Help: "同期成功の合計数（起動元別）",
		}, []string{"origin"}),
		syncFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anisync_sync_failure_total",
			Help: "同期の終端失敗の合計数（起動元・エラー種別別）",
		}, []string{"origin", "kind"}),
		syncRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anisync_sync_retry_total",
			Help: "bot検証によるリトライの合計数",
		}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anisync_sync_latency_seconds",
			Help:    "同期試行全体のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		channelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anisync_channel_reconnect_total",
			Help: "ライブ更新チャネルの再接続試行の合計数",
		}),
		channelGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anisync_channel_giveup_total",
			Help: "再接続上限到達によりチャネルを諦めた回数",
		}),
		quotaCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anisync_quota_count",
			Help: "当日の同期実行回数",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFailure,
		c.syncRetry,
		c.syncLatency,
		c.channelReconnects,
		c.channelGiveUps,
		c.quotaCount,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(origin string) {
	c.syncSuccess.WithLabelValues(origin).Inc()
}

// RecordSyncFailure は同期の終端失敗を記録する。
func (c *Collector) RecordSyncFailure(origin string, kind string) {
	c.syncFailure.WithLabelValues(origin, kind).Inc()
}

// RecordSyncRetry はbot検証によるリトライを記録する。
func (c *Collector) RecordSyncRetry() {
	c.syncRetry.Inc()
}

// RecordSyncLatency は同期試行のレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordChannelReconnect はチャネルの再接続試行を記録する。
func (c *Collector) RecordChannelReconnect() {
	c.channelReconnects.Inc()
}

// RecordChannelGiveUp はチャネルの再接続放棄を記録する。
func (c *Collector) RecordChannelGiveUp() {
	c.channelGiveUps.Inc()
}

// SetQuotaCount は当日の同期実行回数を記録する。
func (c *Collector) SetQuotaCount(count int) {
	c.quotaCount.Set(float64(count))
}

// compile-time interface check
var _ Recorder = (*Collector)(nil)

// NopRecorder は何も記録しないRecorder実装。メトリクス不要なホスト向け。
type NopRecorder struct{}

func (NopRecorder) RecordSyncSuccess(string)         {}
func (NopRecorder) RecordSyncFailure(string, string) {}
func (NopRecorder) RecordSyncRetry()                 {}
func (NopRecorder) RecordSyncLatency(time.Duration)  {}
func (NopRecorder) RecordChannelReconnect()          {}
func (NopRecorder) RecordChannelGiveUp()             {}
func (NopRecorder) SetQuotaCount(int)                {}

var _ Recorder = NopRecorder{}
