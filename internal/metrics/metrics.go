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
// サービス層・Webhook処理・通知ディスパッチャから利用する。
type MetricsCollector interface {
	RecordRequestSubmitted()
	RecordDecision(decision string)
	RecordBooking(outcome string)
	RecordWebhookEvent(eventType, outcome string)
	RecordWebhookLatency(duration time.Duration)
	RecordNotification(kind, result string)
	RecordHTTPStatus(statusCode int)
}

// 即時予約の結果ラベル。
const (
	BookingBooked              = "booked"
	BookingConflict            = "conflict"
	BookingInsufficientCredits = "insufficient_credits"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requestsSubmitted prometheus.Counter
	decisions         *prometheus.CounterVec
	bookings          *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	webhookLatency    prometheus.Histogram
	notifications     *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studiobook_requests_submitted_total",
			Help: "受け付けた予約リクエストの合計数",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studiobook_request_decisions_total",
			Help: "オペレーターによる承認・却下の合計数",
		}, []string{"decision"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studiobook_bookings_total",
			Help: "即時予約の結果別の合計数",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studiobook_webhook_events_total",
			Help: "決済Webhookイベントの種別・処理結果別の合計数",
		}, []string{"type", "outcome"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studiobook_webhook_latency_seconds",
			Help:    "決済Webhook処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studiobook_notifications_total",
			Help: "通知の種類・送信結果別の合計数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studiobook_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.requestsSubmitted,
		c.decisions,
		c.bookings,
		c.webhookEvents,
		c.webhookLatency,
		c.notifications,
		c.httpStatus,
	)

	return c
}

// RecordRequestSubmitted は予約リクエストの受付を記録する。
func (c *Collector) RecordRequestSubmitted() {
	c.requestsSubmitted.Inc()
}

// RecordDecision はオペレーターの判断（approve/decline）を記録する。
func (c *Collector) RecordDecision(decision string) {
	c.decisions.WithLabelValues(decision).Inc()
}

// RecordBooking は即時予約の結果を記録する。
func (c *Collector) RecordBooking(outcome string) {
	c.bookings.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordWebhookLatency はWebhook処理時間を記録する。
func (c *Collector) RecordWebhookLatency(duration time.Duration) {
	c.webhookLatency.Observe(duration.Seconds())
}

// RecordNotification は通知の送信結果を記録する。
func (c *Collector) RecordNotification(kind, result string) {
	c.notifications.WithLabelValues(kind, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

var _ MetricsCollector = (*Collector)(nil)

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordRequestSubmitted()            {}
func (Nop) RecordDecision(string)              {}
func (Nop) RecordBooking(string)               {}
func (Nop) RecordWebhookEvent(string, string)  {}
func (Nop) RecordWebhookLatency(time.Duration) {}
func (Nop) RecordNotification(string, string)  {}
func (Nop) RecordHTTPStatus(int)               {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
