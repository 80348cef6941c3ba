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
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthEvent(event, outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordEmail(kind, outcome string)
	RecordExternalLatency(service string, duration time.Duration)
	RecordCleanupDeleted(resource string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents      *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	emails          *prometheus.CounterVec
	externalLatency *prometheus.HistogramVec
	cleanupDeleted  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "algoritmia_auth_events_total",
			Help: "認証イベント（signup, login等）の結果別件数",
		}, []string{"event", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "algoritmia_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "algoritmia_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "algoritmia_emails_total",
			Help: "メール送信の種別・結果別件数",
		}, []string{"kind", "outcome"}),
		externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "algoritmia_external_request_duration_seconds",
			Help:    "外部サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "algoritmia_cleanup_deleted_total",
			Help: "クリーンアップで削除した行数",
		}, []string{"resource"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.httpStatus,
		c.requestLatency,
		c.emails,
		c.externalLatency,
		c.cleanupDeleted,
	)

	return c
}

// RecordAuthEvent は認証イベントを記録する。outcomeにはsuccessまたはエラーコードを渡す。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordEmail はメール送信結果を記録する。
func (c *Collector) RecordEmail(kind, outcome string) {
	c.emails.WithLabelValues(kind, outcome).Inc()
}

// RecordExternalLatency は外部サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordExternalLatency(service string, duration time.Duration) {
	c.externalLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCleanupDeleted はクリーンアップで削除した行数を加算する。
func (c *Collector) RecordCleanupDeleted(resource string, count int64) {
	c.cleanupDeleted.WithLabelValues(resource).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordAuthEvent(string, string)              {}
func (NopCollector) RecordHTTPStatus(int)                        {}
func (NopCollector) RecordRequestLatency(time.Duration)          {}
func (NopCollector) RecordEmail(string, string)                  {}
func (NopCollector) RecordExternalLatency(string, time.Duration) {}
func (NopCollector) RecordCleanupDeleted(string, int64)          {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
