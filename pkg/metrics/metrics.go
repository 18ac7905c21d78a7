package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイが公開するメトリクスの集合。
type Metrics struct {
	// registry はメトリクスを登録するレジストリ。
	registry *prometheus.Registry
	// httpRequests はHTTPリクエスト数（method, route, status別）。
	httpRequests *prometheus.CounterVec
	// httpDuration はHTTPリクエストの処理時間。
	httpDuration *prometheus.HistogramVec
	// authFailures は認証失敗数（原因別）。
	authFailures *prometheus.CounterVec
	// upstreamRequests は下流サービス呼び出し数（service, outcome別）。
	upstreamRequests *prometheus.CounterVec
	// upstreamDuration は下流サービス呼び出しの所要時間。
	upstreamDuration *prometheus.HistogramVec
	// serviceHealth は下流サービスの最新ヘルス状態（1=healthy, 0=unhealthy）。
	serviceHealth *prometheus.GaugeVec
	// breakerState はサーキットブレーカーの状態（0=closed, 1=half-open, 2=open）。
	breakerState *prometheus.GaugeVec
	// cacheLookups はキャッシュ参照数（result別）。
	cacheLookups *prometheus.CounterVec
}

// New は新しいレジストリにメトリクスを登録して返す。
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected authentication attempts by reason.",
		}, []string{"reason"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of calls to downstream services by outcome.",
		}, []string{"service", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to downstream services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		serviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy",
			Help:      "Result of the last health probe per downstream service.",
		}, []string{"service"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_breaker_state",
			Help:      "Circuit breaker state per downstream service (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.authFailures,
		m.upstreamRequests,
		m.upstreamDuration,
		m.serviceHealth,
		m.breakerState,
		m.cacheLookups,
	)
	return m
}

// Registry は内部のレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はテキスト形式でメトリクスを出力するhttp.Handlerを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware はHTTPリクエスト数と処理時間を記録するGinミドルウェアを返す。
// ルートが未登録の場合はパスの爆発を防ぐため "unmatched" として記録する。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveAuthFailure は認証失敗を原因別に記録する。
// 記録系のメソッドはnilレシーバーでも呼び出せる。
func (m *Metrics) ObserveAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// ObserveUpstream は下流サービス呼び出しの結果と所要時間を記録する。
func (m *Metrics) ObserveUpstream(service, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(service, outcome).Inc()
	m.upstreamDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// SetServiceHealth は下流サービスのヘルス状態を記録する。
func (m *Metrics) SetServiceHealth(service string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.serviceHealth.WithLabelValues(service).Set(v)
}

// SetBreakerState はサーキットブレーカーの状態を記録する。
func (m *Metrics) SetBreakerState(service string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(state)
}

// ObserveCacheLookup はキャッシュ参照の結果（hit, miss, error）を記録する。
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
