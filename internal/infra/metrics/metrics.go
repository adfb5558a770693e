// Package metrics 提供 carina 的 Prometheus 指标。
//
// 所有方法对 nil 接收者安全：测试与不需要指标的调用方可以直接传 nil。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carina"

// Metrics 持有一组注册在独立 Registry 上的指标。
type Metrics struct {
	reg *prometheus.Registry

	CacheLookups     *prometheus.CounterVec
	ManifestStrategy *prometheus.CounterVec
	CrawlPageFailure prometheus.Counter
	Transform        *prometheus.CounterVec
	TransformSeconds *prometheus.HistogramVec
	ProxyRequests    *prometheus.CounterVec
}

// New 创建指标并注册到新的 Registry（附带 Go 运行时与进程指标）。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by operation and result (hit, miss, bypass, error)",
		}, []string{"op", "result"}),
		ManifestStrategy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_strategy_total",
			Help:      "Manifest strategy attempts by outcome",
		}, []string{"strategy", "outcome"}),
		CrawlPageFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_page_failures_total",
			Help:      "Gallery pages that failed during the manifest crawl",
		}),
		Transform: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_total",
			Help:      "Image transforms by backend and outcome",
		}, []string{"backend", "outcome"}),
		TransformSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Duration of successful image transforms",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"backend"}),
		ProxyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Image proxy responses by mode (stream, transformed, original, error)",
		}, []string{"mode"}),
	}
}

// Handler 返回 /metrics 的 exposition handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(op, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ManifestAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.ManifestStrategy.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) CrawlPageFailed() {
	if m == nil {
		return
	}
	m.CrawlPageFailure.Inc()
}

// TransformDone 记录一次变换；seconds 只在成功时计入直方图。
func (m *Metrics) TransformDone(backend, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Transform.WithLabelValues(backend, outcome).Inc()
	if outcome == "ok" {
		m.TransformSeconds.WithLabelValues(backend).Observe(seconds)
	}
}

func (m *Metrics) ProxyServed(mode string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(mode).Inc()
}
