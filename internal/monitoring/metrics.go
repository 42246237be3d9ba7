package monitoring

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsService interface {
	// HTTP metrics
	RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration)
	IncrementHTTPErrors(method, endpoint string, errorType string)

	// Trade metrics
	RecordTrade(direction, status string, volumeUsdt float64, duration time.Duration)
	IncrementTradeErrors(direction, errorCode string)

	// Pool metrics
	RecordPoolReserves(kloji, usdt float64)
	RecordKlojiPrice(price float64)

	// External side effects
	RecordNotification(success bool)
	RecordSettlement(success bool, duration time.Duration)

	// Cache metrics
	RecordCacheOperation(operation string, hit bool)

	// System metrics
	RecordSystemMetrics()
}

type prometheusMetrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec

	// Trade metrics
	tradesTotal      *prometheus.CounterVec
	tradeDuration    *prometheus.HistogramVec
	tradeErrorsTotal *prometheus.CounterVec
	tradeVolumeTotal prometheus.Counter

	// Pool metrics
	poolReserveGauge *prometheus.GaugeVec
	klojiPriceGauge  prometheus.Gauge

	// External side effects
	notificationsTotal *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	settlementDuration prometheus.Histogram

	// Cache metrics
	cacheOperationsTotal *prometheus.CounterVec

	// System metrics
	memoryUsageGauge    prometheus.Gauge
	goroutineCountGauge prometheus.Gauge
	uptimeGauge         prometheus.Gauge

	startTime time.Time
}

func NewPrometheusMetrics() MetricsService {
	m := &prometheusMetrics{
		startTime: time.Now(),
	}

	m.initMetrics()
	return m
}

func (m *prometheusMetrics) initMetrics() {
	// HTTP metrics
	m.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchange_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.httpErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_http_errors_total",
			Help: "Total number of HTTP errors",
		},
		[]string{"method", "endpoint", "error_type"},
	)

	// Trade metrics
	m.tradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_trades_total",
			Help: "Total number of trades by direction and status",
		},
		[]string{"direction", "status"},
	)

	m.tradeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchange_api_trade_duration_seconds",
			Help:    "Trade settlement duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"direction"},
	)

	m.tradeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_trade_errors_total",
			Help: "Total number of trade failures by error code",
		},
		[]string{"direction", "error_code"},
	)

	m.tradeVolumeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_api_trade_volume_usdt_total",
			Help: "Total traded volume in USDT",
		},
	)

	// Pool metrics
	m.poolReserveGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_api_pool_reserve",
			Help: "Current pool reserve balance per token",
		},
		[]string{"token"},
	)

	m.klojiPriceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_api_kloji_price_usdt",
			Help: "Current KLOJI price in USDT",
		},
	)

	// External side effects
	m.notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_notifications_total",
			Help: "Total number of trade notifications published",
		},
		[]string{"status"},
	)

	m.settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_settlements_total",
			Help: "Total number of on-chain settlement attempts",
		},
		[]string{"status"},
	)

	m.settlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exchange_api_settlement_duration_seconds",
			Help:    "On-chain settlement duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)

	// Cache metrics
	m.cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_api_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"},
	)

	// System metrics
	m.memoryUsageGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_api_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
	)

	m.goroutineCountGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_api_goroutines",
			Help: "Current number of goroutines",
		},
	)

	m.uptimeGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_api_uptime_seconds",
			Help: "Service uptime in seconds",
		},
	)
}

func (m *prometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, httpStatusLabel(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *prometheusMetrics) IncrementHTTPErrors(method, endpoint string, errorType string) {
	m.httpErrorsTotal.WithLabelValues(method, endpoint, errorType).Inc()
}

func (m *prometheusMetrics) RecordTrade(direction, status string, volumeUsdt float64, duration time.Duration) {
	m.tradesTotal.WithLabelValues(direction, status).Inc()
	m.tradeDuration.WithLabelValues(direction).Observe(duration.Seconds())
	if volumeUsdt > 0 {
		m.tradeVolumeTotal.Add(volumeUsdt)
	}
}

func (m *prometheusMetrics) IncrementTradeErrors(direction, errorCode string) {
	m.tradeErrorsTotal.WithLabelValues(direction, errorCode).Inc()
}

func (m *prometheusMetrics) RecordPoolReserves(kloji, usdt float64) {
	m.poolReserveGauge.WithLabelValues("KLOJI").Set(kloji)
	m.poolReserveGauge.WithLabelValues("USDT").Set(usdt)
}

func (m *prometheusMetrics) RecordKlojiPrice(price float64) {
	m.klojiPriceGauge.Set(price)
}

func (m *prometheusMetrics) RecordNotification(success bool) {
	m.notificationsTotal.WithLabelValues(successLabel(success)).Inc()
}

func (m *prometheusMetrics) RecordSettlement(success bool, duration time.Duration) {
	m.settlementsTotal.WithLabelValues(successLabel(success)).Inc()
	m.settlementDuration.Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordCacheOperation(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

func (m *prometheusMetrics) RecordSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsageGauge.Set(float64(memStats.Alloc))
	m.goroutineCountGauge.Set(float64(runtime.NumGoroutine()))
	m.uptimeGauge.Set(time.Since(m.startTime).Seconds())
}

func httpStatusLabel(statusCode int) string {
	switch {
	case statusCode < 300:
		return "2xx"
	case statusCode < 400:
		return "3xx"
	case statusCode < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// StartSystemMetricsRecording refreshes system gauges on an interval
func StartSystemMetricsRecording(metrics MetricsService, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			metrics.RecordSystemMetrics()
		}
	}()
}
