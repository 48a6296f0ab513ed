// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 编排服务指标
//
// 同时实现 scheduler.Recorder、recovery.Recorder 和 agent.Recorder。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 派发指标
	DispatchTotal *prometheus.CounterVec

	// Agent 存活指标
	HeartbeatsTotal     *prometheus.CounterVec
	AgentsSweptTotal   prometheus.Counter
	OrphansRecovered   *prometheus.CounterVec
	SweepCycleDuration prometheus.Histogram
	SweepCyclesTotal   *prometheus.CounterVec
}

// NewMetrics 在独立的 Registry 上创建指标实例，附带 Go 运行时和进程指标
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Task outcome dispatch attempts by result",
			},
			[]string{"result"},
		),
		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_heartbeats_total",
				Help:      "Agent heartbeats received, split by whether they were reconnections",
			},
			[]string{"reconnected"},
		),
		AgentsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agents_swept_total",
				Help:      "Agents marked offline by the stale sweep",
			},
		),
		OrphansRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphan_outcomes_recovered_total",
				Help:      "Orphaned task outcomes processed by recovery, by action",
			},
			[]string{"action"},
		),
		SweepCycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_cycle_duration_seconds",
				Help:      "Liveness sweep cycle duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		SweepCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_cycles_total",
				Help:      "Liveness sweep cycles by outcome",
			},
			[]string{"result"},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := wrapWriter(w)
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath 把路径中的 id 段替换为占位符，避免高基数
//
// /api/v1/agent/a-1/heartbeat -> /api/v1/agent/{id}/heartbeat
// /api/v1/taskaction/cancel/o-1 -> /api/v1/taskaction/cancel/{id}
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return path
	}
	idAt := 3
	if parts[2] == "taskaction" {
		idAt = 4
	}
	if len(parts) > idAt {
		parts[idAt] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DispatchResult 记录一次派发结果
func (m *Metrics) DispatchResult(result string) {
	m.DispatchTotal.WithLabelValues(result).Inc()
}

// Heartbeat 记录一次心跳
func (m *Metrics) Heartbeat(reconnected bool) {
	m.HeartbeatsTotal.WithLabelValues(strconv.FormatBool(reconnected)).Inc()
}

// AgentsSwept 记录清扫置为离线的 Agent 数
func (m *Metrics) AgentsSwept(stale int) {
	m.AgentsSweptTotal.Add(float64(stale))
}

// OrphanRecovered 记录一条孤儿记录的恢复动作
func (m *Metrics) OrphanRecovered(action string) {
	m.OrphansRecovered.WithLabelValues(action).Inc()
}

// SweepCycle 记录清扫周期
func (m *Metrics) SweepCycle(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepCyclesTotal.WithLabelValues(result).Inc()
	m.SweepCycleDuration.Observe(duration.Seconds())
}
