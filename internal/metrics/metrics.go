package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation 标识被统计的分区操作。
type CacheOperation string

const (
	CacheOperationMatch  CacheOperation = "match"
	CacheOperationPut    CacheOperation = "put"
	CacheOperationOpen   CacheOperation = "open"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult 描述一次分区操作的结果。
type CacheResult string

const (
	CacheResultHit   CacheResult = "hit"
	CacheResultMiss  CacheResult = "miss"
	CacheResultOK    CacheResult = "ok"
	CacheResultError CacheResult = "error"
)

// Recorder 把拦截、分区读写、后台刷新与生命周期事件发布为 Prometheus 指标。
// 所有方法均允许 nil 接收者，未启用指标时调用方无需判空。
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
}

// NewRecorder 构建 Recorder；reg 为空时创建独立 registry，避免与全局默认 registerer 冲突。
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgecache",
		Name:      "requests_total",
		Help:      "Intercepted requests by classification and response source.",
	}, []string{"class", "source"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgecache",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgecache",
		Name:      "cache_operations_total",
		Help:      "Partition operations executed by the cache manager.",
	}, []string{"partition", "operation", "result"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgecache",
		Name:      "background_refresh_total",
		Help:      "Background image refreshes by result.",
	}, []string{"result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgecache",
		Name:      "lifecycle_events_total",
		Help:      "Install and activate events by result.",
	}, []string{"event", "result"})

	reg.MustRegister(requests, requestLatency, cacheOperations, refreshes, lifecycle)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		cacheOperations: cacheOperations,
		refreshes:       refreshes,
		lifecycle:       lifecycle,
	}
}

// Handler 暴露 recorder 所属 registry 的 Prometheus HTTP handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer 返回底层 gatherer，供测试读取指标。
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest 记录一次拦截的分类、响应来源与耗时。
func (r *Recorder) ObserveRequest(class, source string, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	r.requests.WithLabelValues(classLabel, normalizeLabel(source)).Inc()
	r.requestLatency.WithLabelValues(classLabel).Observe(duration.Seconds())
}

// ObserveCache 记录一次分区操作。
func (r *Recorder) ObserveCache(partition string, operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(partition), normalizeLabel(string(operation)), normalizeLabel(string(result))).Inc()
}

// ObserveRefresh 记录后台刷新结果：stored、skipped 或 error。
func (r *Recorder) ObserveRefresh(result string) {
	if r == nil {
		return
	}
	r.refreshes.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveLifecycle 记录 install/activate 事件。
func (r *Recorder) ObserveLifecycle(event string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.lifecycle.WithLabelValues(normalizeLabel(event), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
