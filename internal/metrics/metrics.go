// Package metrics owns the prometheus collectors exported on /-/metrics.
// Collectors is nil-safe so components can run without instrumentation.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "media_cache"

	// OutcomeHit 等为 requests_total 的 outcome 标签取值。
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomePassthrough = "passthrough"
	OutcomeFallback    = "fallback"
	OutcomeUnavailable = "unavailable"
)

// Collectors 聚合进程内全部指标，使用独立 Registry 以便测试重复创建。
type Collectors struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	originFetches  *prometheus.CounterVec
	originDuration prometheus.Histogram
	preloadItems   *prometheus.CounterVec
	servedBytes    *prometheus.CounterVec
}

// StatsFunc 返回当前代际的条目数与字节数，供 gauge 采集时调用。
type StatsFunc func(ctx context.Context) (entries, bytes int64, err error)

// New 创建并注册全部指标。
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests partitioned by route kind, cache outcome and status code",
		}, []string{"kind", "outcome", "code"}),
		originFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_fetches_total",
			Help:      "Whole-object origin fetches partitioned by result",
		}, []string{"result"}),
		originDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_fetch_duration_seconds",
			Help:      "Latency of whole-object origin fetches including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		preloadItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_items_total",
			Help:      "Background population items partitioned by outcome",
		}, []string{"outcome"}),
		servedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_bytes_total",
			Help:      "Body bytes written to clients partitioned by route kind",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		c.requests,
		c.originFetches,
		c.originDuration,
		c.preloadItems,
		c.servedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RegisterStore 以 GaugeFunc 导出存储占用，采集失败时返回 0。
func (c *Collectors) RegisterStore(stats StatsFunc) {
	if c == nil || stats == nil {
		return
	}
	read := func(pick func(entries, bytes int64) int64) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			entries, bytes, err := stats(ctx)
			if err != nil {
				return 0
			}
			return float64(pick(entries, bytes))
		}
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Resources stored under the current cache generation",
		}, read(func(entries, _ int64) int64 { return entries })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_bytes",
			Help:      "Body bytes stored under the current cache generation",
		}, read(func(_, bytes int64) int64 { return bytes })),
	)
}

// ObserveRequest 记录一次代理响应。
func (c *Collectors) ObserveRequest(kind, outcome string, status int, bodyBytes int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(kind, outcome, strconv.Itoa(status)).Inc()
	if bodyBytes > 0 {
		c.servedBytes.WithLabelValues(kind).Add(float64(bodyBytes))
	}
}

// ObserveFetch 记录一次回源结果与耗时。
func (c *Collectors) ObserveFetch(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.originFetches.WithLabelValues(result).Inc()
	c.originDuration.Observe(elapsed.Seconds())
}

// ObservePreload 记录后台预取单项结果。
func (c *Collectors) ObservePreload(outcome string) {
	if c == nil {
		return
	}
	c.preloadItems.WithLabelValues(outcome).Inc()
}

// Handler 返回 prometheus exposition handler。
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gatherer 暴露底层 Registry，供测试读取指标值。
func (c *Collectors) Gatherer() prometheus.Gatherer {
	return c.registry
}
