// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthEvent(event, result string)
	RecordNotificationAdded(source string)
	IncStreamSubscribers()
	DecStreamSubscribers()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordAnnouncementFetch(result string)
	RecordCleanupDeleted(kind string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents        *prometheus.CounterVec
	notificationAdded *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
	httpStatus        *prometheus.CounterVec
	requestLatency    prometheus.Histogram
	announceFetch     *prometheus.CounterVec
	cleanupDeleted    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagepro_auth_events_total",
			Help: "認証イベント（login, signup, logout等）の結果別の合計数",
		}, []string{"event", "result"}),
		notificationAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagepro_notifications_added_total",
			Help: "追加された通知の発生元別の合計数",
		}, []string{"source"}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engagepro_stream_subscribers",
			Help: "接続中の通知ストリーム購読者数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagepro_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engagepro_request_latency_seconds",
			Help:    "APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		announceFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagepro_announcement_fetch_total",
			Help: "お知らせフィード取得の結果別の合計数",
		}, []string{"result"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagepro_cleanup_deleted_total",
			Help: "クリーンアップで削除されたレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.notificationAdded,
		c.streamSubscribers,
		c.httpStatus,
		c.requestLatency,
		c.announceFetch,
		c.cleanupDeleted,
	)

	return c
}

// RecordAuthEvent は認証イベントを記録する。resultはsuccessまたはfailure。
func (c *Collector) RecordAuthEvent(event, result string) {
	c.authEvents.WithLabelValues(event, result).Inc()
}

// RecordNotificationAdded は通知の追加を記録する。
func (c *Collector) RecordNotificationAdded(source string) {
	c.notificationAdded.WithLabelValues(source).Inc()
}

// IncStreamSubscribers はストリーム購読者数を1増やす。
func (c *Collector) IncStreamSubscribers() {
	c.streamSubscribers.Inc()
}

// DecStreamSubscribers はストリーム購読者数を1減らす。
func (c *Collector) DecStreamSubscribers() {
	c.streamSubscribers.Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordAnnouncementFetch はお知らせフィード取得の結果を記録する。
func (c *Collector) RecordAnnouncementFetch(result string) {
	c.announceFetch.WithLabelValues(result).Inc()
}

// RecordCleanupDeleted はクリーンアップの削除件数を記録する。
func (c *Collector) RecordCleanupDeleted(kind string, count int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中に一部のメトリクスが失敗しても、取得できた分は返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

var _ MetricsCollector = (*Collector)(nil)
