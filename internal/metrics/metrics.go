// ============================================================================
// acceptq Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集連線、佇列、worker 的運行指標，以 Prometheus 格式暴露
//
// 指標分類:
//
//   1. 連線計數器 (Counter)：
//      - acceptq_connections_accepted_total{kind}: 成功 accept 的連線數
//      - acceptq_accept_errors_total{kind}: accept 失敗次數
//      - acceptq_tls_handshake_errors_total: TLS 握手失敗次數
//      - acceptq_jobs_regenerated_total{kind,mode}: 補上的 acceptor（fresh / self）
//      - acceptq_keepalive_expired_total: keep-alive 到期關閉的閒置連線
//
//   2. 佇列 (Gauge / Counter)：
//      - acceptq_queue_length: 佇列中的 job 數
//      - acceptq_queue_waiting_workers: 阻塞在 Get 的 worker 數
//      - acceptq_queue_full_total: Put 因容量而等待的次數
//      - acceptq_queue_enqueued_total / acceptq_queue_dispatched_total
//
//   3. Worker 與請求：
//      - acceptq_workers: 目前 worker 數
//      - acceptq_idle_connections: poller 中的閒置連線
//      - acceptq_serve_errors_total: 服務過程的錯誤
//      - acceptq_requests_total{code}
//      - acceptq_request_duration_seconds (Histogram)
//
// Prometheus 查詢示例:
//
//   # 每秒請求數
//   rate(acceptq_requests_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, rate(acceptq_request_duration_seconds_bucket[5m]))
//
//   # worker 不足：佇列有 job 但沒有 worker 在等
//   acceptq_queue_length > 0 and acceptq_queue_waiting_workers == 0
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/acceptq/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acceptq"

// Collector Prometheus 指標收集器。它同時實作 job、jobqueue、poller、worker
// 與 dispatch 各自的 Observer 介面。
type Collector struct {
	// 連線相關指標
	accepted         *prometheus.CounterVec
	acceptErrors     *prometheus.CounterVec
	handshakeErrors  prometheus.Counter
	regenerated      *prometheus.CounterVec
	keepAliveExpired prometheus.Counter

	// 佇列指標
	queueLength    prometheus.Gauge
	waitingWorkers prometheus.Gauge
	queueFull      prometheus.Counter
	enqueued       prometheus.Counter
	dispatched     prometheus.Counter

	// worker 與請求指標
	workers         prometheus.Gauge
	idleConnections prometheus.Gauge
	serveErrors     prometheus.Counter
	requests        *prometheus.CounterVec
	requestLatency  prometheus.Histogram
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用
// prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}, []string{"kind"}),
		acceptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accepts",
		}, []string{"kind"}),
		handshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Total number of failed TLS handshakes",
		}),
		regenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_regenerated_total",
			Help:      "Total number of acceptor jobs put back into the queue",
		}, []string{"kind", "mode"}),
		keepAliveExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_expired_total",
			Help:      "Total number of idle connections closed by keep-alive expiry",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Current number of queued jobs",
		}),
		waitingWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting_workers",
			Help:      "Current number of workers waiting for a job",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_full_total",
			Help:      "Total number of times a producer waited on a full queue",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of jobs put into the queue",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dispatched_total",
			Help:      "Total number of jobs handed to workers",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Current number of workers",
		}),
		idleConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_connections",
			Help:      "Current number of idle keep-alive connections",
		}),
		serveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serve_errors_total",
			Help:      "Total number of errors while serving connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of served requests by status code",
		}, []string{"code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.accepted,
		c.acceptErrors,
		c.handshakeErrors,
		c.regenerated,
		c.keepAliveExpired,
		c.queueLength,
		c.waitingWorkers,
		c.queueFull,
		c.enqueued,
		c.dispatched,
		c.workers,
		c.idleConnections,
		c.serveErrors,
		c.requests,
		c.requestLatency,
	)
	return c
}

// ============================================================================
// job.Observer
// ============================================================================

// ObserveAccept 記錄成功 accept
func (c *Collector) ObserveAccept(kind types.JobKind) {
	c.accepted.WithLabelValues(string(kind)).Inc()
}

// ObserveAcceptError 記錄 accept 失敗
func (c *Collector) ObserveAcceptError(kind types.JobKind) {
	c.acceptErrors.WithLabelValues(string(kind)).Inc()
}

// ObserveHandshakeError 記錄 TLS 握手失敗
func (c *Collector) ObserveHandshakeError() {
	c.handshakeErrors.Inc()
}

// ObserveRegenerate 記錄 acceptor 回到佇列；self 表示停機時放回自己
func (c *Collector) ObserveRegenerate(kind types.JobKind, self bool) {
	mode := "fresh"
	if self {
		mode = "self"
	}
	c.regenerated.WithLabelValues(string(kind), mode).Inc()
}

// ============================================================================
// jobqueue.Observer
// ============================================================================

// ObserveEnqueue 記錄任務加入佇列
func (c *Collector) ObserveEnqueue(length int) {
	c.enqueued.Inc()
	c.queueLength.Set(float64(length))
}

// ObserveDispatch 記錄任務分派
func (c *Collector) ObserveDispatch(length, waiting int) {
	c.dispatched.Inc()
	c.queueLength.Set(float64(length))
	c.waitingWorkers.Set(float64(waiting))
}

// ObserveFull 記錄佇列已滿
func (c *Collector) ObserveFull() {
	c.queueFull.Inc()
}

// ============================================================================
// poller.Observer / worker.Observer / dispatch.Observer
// ============================================================================

// ObserveIdle 更新閒置連線數
func (c *Collector) ObserveIdle(n int) {
	c.idleConnections.Set(float64(n))
}

// ObserveKeepAliveExpired 記錄 keep-alive 到期
func (c *Collector) ObserveKeepAliveExpired() {
	c.keepAliveExpired.Inc()
}

// ObserveWorkers 更新 worker 數
func (c *Collector) ObserveWorkers(n int) {
	c.workers.Set(float64(n))
}

// ObserveServeError 記錄服務錯誤
func (c *Collector) ObserveServeError() {
	c.serveErrors.Inc()
}

// ObserveRequest 記錄完成的請求
func (c *Collector) ObserveRequest(status int, elapsed time.Duration) {
	c.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	c.requestLatency.Observe(elapsed.Seconds())
}

// UpdateQueueStats 以快照更新佇列 gauge
func (c *Collector) UpdateQueueStats(length, waiting int) {
	c.queueLength.Set(float64(length))
	c.waitingWorkers.Set(float64(waiting))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler returns the /metrics handler for g; nil uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server 是 /metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
func NewServer(port int, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start 在背景啟動伺服器
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown 優雅關閉伺服器
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
