// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/flowgate/internal/forward"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowgate"

// outcomeSuccess は成功した転送のoutcomeラベル値。失敗時は失敗種別を使う。
const outcomeSuccess = "success"

// Metrics はゲートウェイのコレクタ一式。
type Metrics struct {
	registry *prometheus.Registry

	forwardTotal    *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpInFlight    prometheus.Gauge
}

// New は専用のレジストリにコレクタを登録したMetricsを生成する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		forwardTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "requests_total",
				Help:      "Total number of forwarded operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		forwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "duration_seconds",
				Help:      "Duration of forwarded operations including token acquisition.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"operation"},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credential",
				Name:      "refresh_total",
				Help:      "Total number of token requests sent to the identity provider.",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "credential",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of token requests sent to the identity provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of inbound HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight inbound HTTP requests.",
			},
		),
	}

	m.registry.MustRegister(
		m.forwardTotal,
		m.forwardDuration,
		m.refreshTotal,
		m.refreshDuration,
		m.httpRequests,
		m.httpInFlight,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry はコレクタを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はメトリクスを公開するHTTPハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveForward は転送結果を記録する。
func (m *Metrics) ObserveForward(_ context.Context, req forward.Request, res *forward.Result, elapsed time.Duration) {
	outcome := outcomeSuccess
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
	}
	m.forwardTotal.WithLabelValues(req.Operation, outcome).Inc()
	m.forwardDuration.WithLabelValues(req.Operation).Observe(elapsed.Seconds())
}

// ObserveRefresh はトークン取得の結果を記録する。credential.RefreshHookとして使用する。
func (m *Metrics) ObserveRefresh(err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(elapsed.Seconds())
}

// GinMiddleware は受信したリクエストを記録するミドルウェアを返す。
// ルートが一致しない場合は"unmatched"として集計する。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
