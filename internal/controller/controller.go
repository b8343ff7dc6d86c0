// ============================================================================
// acceptq 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝並協調所有模組，負責啟動順序與優雅關閉
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Listener: 每個監聽位址一個（TCP 或 TLS）
//   - JobQueue: 有界 FIFO，放著「等待 accept 的 job」與「有資料可讀的連線」
//   - WorkerPool: 從佇列取 job，accept / 處理請求，依壓力擴充
//   - Poller: 停放閒置的 keep-alive 連線，可讀時放回佇列
//   - Dispatcher: HTTP/1.x 請求處理
//   - Admin server (gRPC) 與 Prometheus metrics（可選）
//
// 啟動流程 Start(ctx):
//   1. 開啟所有 listener（任一失敗則關閉已開啟者並返回錯誤）
//   2. 每個 listener 放入 accept_jobs 個 acceptor job
//   3. 啟動 Worker Pool
//   4. 啟動 admin server 與 metrics server，健康狀態設為 SERVING
//
// 關閉流程 Stop():
//   1. 健康狀態改為 NOT_SERVING，停止條件 ShouldStop() 變為 true
//   2. 關閉 listener：阻塞中的 accept 以 ErrListenerClosed 返回
//   3. 停止 Worker Pool（喚醒所有阻塞在 Get 的 worker）
//   4. 停止 Poller（關閉所有閒置連線）
//   5. 清空佇列，關閉剩餘 job
//   6. 關閉 admin / metrics server
//
// 並發安全:
//   - stopping 為 atomic.Bool，worker 與 job 在熱路徑上讀取
//   - mu 保護 listeners / started / stopped
//
// ============================================================================

package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/acceptq/internal/dispatch"
	"github.com/ChuLiYu/acceptq/internal/job"
	"github.com/ChuLiYu/acceptq/internal/jobqueue"
	"github.com/ChuLiYu/acceptq/internal/listener"
	"github.com/ChuLiYu/acceptq/internal/metrics"
	"github.com/ChuLiYu/acceptq/internal/poller"
	"github.com/ChuLiYu/acceptq/internal/server"
	"github.com/ChuLiYu/acceptq/internal/worker"
	"github.com/ChuLiYu/acceptq/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted Start 被呼叫第二次
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrNoListeners 設定中沒有任何監聽位址
	ErrNoListeners = errors.New("controller: no listeners configured")
	// ErrStopped 已停止的 controller 無法再啟動
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// 預設值
const (
	DefaultQueueCapacity = 1024
	DefaultAcceptJobs    = 1
	DefaultMetricsPort   = 9090
)

// ListenerConfig 單一監聽位址的設定
type ListenerConfig struct {
	Address        string       // host:port
	CertFile       string       // TLS 憑證；與 KeyFile 同時設定時啟用 TLS
	KeyFile        string       // TLS 私鑰
	TLSConfig      *tls.Config  // 直接提供的 TLS 設定，優先於檔案
	AcceptJobs     int          // 預先放入佇列的 acceptor 數量
	MaxConnections int          // 同時連線上限，0 = 不限制
	Handler        http.Handler // 此 listener 專用的應用；nil 使用 Config.Handler
}

// IsTLS reports whether the listener serves TLS.
func (l ListenerConfig) IsTLS() bool {
	return l.TLSConfig != nil || (l.CertFile != "" && l.KeyFile != "")
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled  bool
	Port     int                  // /metrics 端口；0 表示只註冊指標、不啟動 HTTP server
	Registry *prometheus.Registry // nil 使用預設 registry
}

// Config Controller 配置
type Config struct {
	Listeners      []ListenerConfig
	Job            job.Config
	QueueCapacity  int           // 佇列容量，0 使用預設值
	MinWorkers     int           // 初始 worker 數
	MaxWorkers     int           // worker 上限
	SpawnDelay     time.Duration // 每次擴充後的等待時間
	MaxHeaderBytes int64         // 請求標頭上限
	Handler        http.Handler  // 預設應用
	AdminAddr      string        // admin gRPC 位址，空字串表示停用
	Metrics        MetricsConfig
	Logger         *slog.Logger
}

// withDefaults 對零值欄位套用預設值
func (c Config) withDefaults() Config {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = worker.DefaultMinWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = max(worker.DefaultMaxWorkers, c.MinWorkers)
	}
	if c.SpawnDelay == 0 {
		c.SpawnDelay = worker.DefaultSpawnDelay
	}
	d := job.DefaultConfig()
	if c.Job.ReadTimeout == 0 {
		c.Job.ReadTimeout = d.ReadTimeout
	}
	if c.Job.WriteTimeout == 0 {
		c.Job.WriteTimeout = d.WriteTimeout
	}
	if c.Job.KeepAliveMax == 0 {
		c.Job.KeepAliveMax = d.KeepAliveMax
	}
	if c.Job.BufferSize == 0 {
		c.Job.BufferSize = d.BufferSize
	}
	if c.Job.HandshakeTimeout == 0 {
		c.Job.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Job.KeepAlive == nil {
		c.Job.KeepAlive = d.KeepAlive
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	ls := make([]ListenerConfig, len(c.Listeners))
	for i, l := range c.Listeners {
		if l.AcceptJobs == 0 {
			l.AcceptJobs = DefaultAcceptJobs
		}
		ls[i] = l
	}
	c.Listeners = ls
	return c
}

// Validate 回報第一個不合法的欄位
func (c Config) Validate() error {
	if len(c.Listeners) == 0 {
		return ErrNoListeners
	}
	if err := c.Job.Validate(); err != nil {
		return err
	}
	seeded := 0
	for i, l := range c.Listeners {
		switch {
		case l.Address == "":
			return fmt.Errorf("listener %d: address is required", i)
		case l.AcceptJobs < 1:
			return fmt.Errorf("listener %s: accept jobs must be at least 1, got %d", l.Address, l.AcceptJobs)
		case l.MaxConnections < 0:
			return fmt.Errorf("listener %s: max connections must not be negative", l.Address)
		case l.TLSConfig == nil && (l.CertFile == "") != (l.KeyFile == ""):
			return fmt.Errorf("listener %s: cert_file and key_file must be set together", l.Address)
		}
		seeded += l.AcceptJobs
	}
	switch {
	case c.QueueCapacity < 0:
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	case c.QueueCapacity > 0 && c.QueueCapacity < seeded:
		return fmt.Errorf("queue capacity %d cannot hold %d accept jobs", c.QueueCapacity, seeded)
	case c.MinWorkers < 1:
		return fmt.Errorf("min workers must be at least 1, got %d", c.MinWorkers)
	case c.MaxWorkers < c.MinWorkers:
		return fmt.Errorf("max workers (%d) below min workers (%d)", c.MaxWorkers, c.MinWorkers)
	case c.SpawnDelay < 0:
		return fmt.Errorf("spawn delay must not be negative, got %s", c.SpawnDelay)
	case c.MaxHeaderBytes < 0:
		return fmt.Errorf("max header bytes must not be negative, got %d", c.MaxHeaderBytes)
	}
	return nil
}

// openListener 是 controller 持有的監聽 socket
type openListener struct {
	cfg    ListenerConfig
	tcp    *listener.TCP
	tls    *listener.TLS
	closer io.Closer
}

// Controller 核心控制器
type Controller struct {
	config Config
	log    *slog.Logger

	queue      *jobqueue.Queue
	poller     *poller.Poller
	dispatcher *dispatch.HTTP
	pool       *worker.Pool
	collector  *metrics.Collector // metrics 停用時為 nil
	metricsSrv *metrics.Server
	admin      *server.Server

	mu        sync.Mutex
	listeners []*openListener
	started   bool
	stopped   bool
	startTime time.Time

	stopping atomic.Bool // 停止條件，見 ShouldStop
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置，零值欄位使用預設值
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 設定不合法
func New(config Config) (*Controller, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		config: config,
		log:    config.Logger,
	}

	// 1. metrics collector
	if config.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
		if config.Metrics.Registry != nil {
			reg, gatherer = config.Metrics.Registry, config.Metrics.Registry
		}
		c.collector = metrics.NewCollector(reg)
		if config.Metrics.Port > 0 {
			c.metricsSrv = metrics.NewServer(config.Metrics.Port, gatherer)
		}
	}

	// 2. 佇列、poller、dispatcher、pool
	var (
		queueOpts  []jobqueue.Option
		pollerOpts []poller.Option
		httpOpts   = []dispatch.HTTPOption{dispatch.WithLogger(c.log)}
		poolOpts   = []worker.Option{worker.WithLogger(c.log), worker.WithSpawnDelay(config.SpawnDelay)}
	)
	if c.collector != nil {
		queueOpts = append(queueOpts, jobqueue.WithObserver(c.collector))
		pollerOpts = append(pollerOpts, poller.WithObserver(c.collector))
		httpOpts = append(httpOpts, dispatch.WithObserver(c.collector))
		poolOpts = append(poolOpts, worker.WithObserver(c.collector))
	}
	if config.MaxHeaderBytes > 0 {
		httpOpts = append(httpOpts, dispatch.WithMaxHeaderBytes(config.MaxHeaderBytes))
	}

	c.queue = jobqueue.New(config.QueueCapacity, queueOpts...)
	c.poller = poller.New(c.queue, pollerOpts...)
	c.dispatcher = dispatch.NewHTTP(config.Handler, httpOpts...)
	c.pool = worker.NewPool(c.queue, c.dispatcher, c.poller, c, poolOpts...)

	// 3. admin server
	if config.AdminAddr != "" {
		c.admin = server.New(config.AdminAddr, c, c.log)
	}
	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 開啟 listener
//  2. 放入 acceptor job
//  3. 啟動 Worker Pool、admin server、metrics server
//
// 返回值：
//   - error: 啟動失敗的錯誤；失敗時已開啟的資源都會被釋放
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 開啟 listener
	for _, lc := range c.config.Listeners {
		ol, err := c.open(ctx, lc)
		if err != nil {
			c.closeListeners()
			c.listeners = nil
			return err
		}
		c.listeners = append(c.listeners, ol)
	}

	// 2. 每個 listener 放入 accept_jobs 個 acceptor
	for _, ol := range c.listeners {
		for i := 0; i < ol.cfg.AcceptJobs; i++ {
			c.queue.Put(c.newAcceptor(ol), false)
		}
	}

	// 3. 啟動 Worker Pool
	if err := c.pool.Start(c.config.MinWorkers, c.config.MaxWorkers); err != nil {
		c.closeListeners()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 4. admin 與 metrics
	if c.admin != nil {
		if err := c.admin.Start(); err != nil {
			c.log.Error("admin server not started", "error", err)
		} else {
			c.admin.SetServing(true)
		}
	}
	if c.metricsSrv != nil {
		c.metricsSrv.Start()
	}

	c.started = true
	c.log.Info("Controller started",
		"listeners", len(c.listeners),
		"minWorkers", c.config.MinWorkers,
		"maxWorkers", c.config.MaxWorkers,
		"queueCapacity", c.config.QueueCapacity)
	return nil
}

// open 開啟單一 listener
func (c *Controller) open(ctx context.Context, lc ListenerConfig) (*openListener, error) {
	var opts []listener.Option
	if lc.MaxConnections > 0 {
		opts = append(opts, listener.WithMaxConnections(lc.MaxConnections))
	}

	if !lc.IsTLS() {
		ln, err := listener.Listen(ctx, lc.Address, opts...)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", lc.Address, err)
		}
		c.log.Info("listening", "address", ln.Addr().String(), "kind", types.KindTCP)
		return &openListener{cfg: lc, tcp: ln, closer: ln}, nil
	}

	cfg := lc.TLSConfig
	if cfg == nil {
		loaded, err := listener.LoadTLSConfig(lc.CertFile, lc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		cfg = loaded
	}
	ln, err := listener.ListenTLS(ctx, lc.Address, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", lc.Address, err)
	}
	c.log.Info("listening", "address", ln.Addr().String(), "kind", types.KindTLS)
	return &openListener{cfg: lc, tls: ln, closer: ln}, nil
}

// newAcceptor 為 listener 建立一個等待 accept 的 job
func (c *Controller) newAcceptor(ol *openListener) job.Job {
	opts := []job.Option{job.WithLogger(c.log)}
	if c.collector != nil {
		opts = append(opts, job.WithObserver(c.collector))
	}
	var app job.Application
	if ol.cfg.Handler != nil {
		app = ol.cfg.Handler
	}
	if ol.tls != nil {
		return job.NewTLSJob(app, ol.tls, c.queue, c, c.config.Job, opts...)
	}
	return job.NewTCPJob(app, ol.tcp, c.queue, c, c.config.Job, opts...)
}

// closeListeners 關閉所有 listener；呼叫者需持有 c.mu
func (c *Controller) closeListeners() {
	for _, ol := range c.listeners {
		if err := ol.closer.Close(); err != nil {
			c.log.Debug("close listener", "address", ol.cfg.Address, "error", err)
		}
	}
}

// ShouldStop 是全域停止條件，job 與 worker 在每次決策前讀取
func (c *Controller) ShouldStop() bool {
	return c.stopping.Load()
}

// Stop 優雅停止 Controller
//
// 順序很重要：先翻轉停止條件再關 listener，accept 中的 job 才會把自己
// 放回佇列而不是補一個新的 acceptor。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	// 1. 健康狀態與停止條件
	if c.admin != nil {
		c.admin.SetServing(false)
	}
	c.stopping.Store(true)
	// pool 停止後沒有人 Get，佇列滿時的 Put 必須能通過
	c.queue.Unblock()

	if started {
		// 2. 關閉 listener
		c.mu.Lock()
		c.closeListeners()
		c.mu.Unlock()

		// 3. 停止 worker 與 poller
		c.pool.Stop()
		c.poller.Stop()

		// 4. 清空佇列
		closed := 0
		for _, j := range c.queue.Drain() {
			if worker.IsWake(j) {
				continue
			}
			_ = j.Close()
			closed++
		}
		c.log.Debug("queue drained", "jobs", closed)
	}

	// 5. admin 與 metrics
	if c.admin != nil {
		c.admin.Stop()
	}
	if c.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.metricsSrv.Shutdown(ctx); err != nil {
			c.log.Warn("metrics server shutdown", "error", err)
		}
		cancel()
	}

	c.log.Info("Controller stopped")
}

// Addrs 返回所有 listener 實際綁定的位址（依設定順序）
func (c *Controller) Addrs() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]net.Addr, 0, len(c.listeners))
	for _, ol := range c.listeners {
		if ol.tls != nil {
			addrs = append(addrs, ol.tls.Addr())
		} else {
			addrs = append(addrs, ol.tcp.Addr())
		}
	}
	return addrs
}

// AdminAddr 返回 admin server 的位址；停用或尚未啟動時為 nil
func (c *Controller) AdminAddr() net.Addr {
	if c.admin == nil {
		return nil
	}
	return c.admin.Addr()
}

// Stats 返回系統執行期統計
func (c *Controller) Stats() types.Stats {
	c.mu.Lock()
	listeners := len(c.listeners)
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime).Truncate(time.Second)
	}
	c.mu.Unlock()

	st := types.Stats{
		QueueLength:    c.queue.Len(),
		QueueCapacity:  c.queue.Capacity(),
		WaitingWorkers: c.queue.WaitingWorkers(),
		Workers:        c.pool.WorkerCount(),
		IdleConns:      c.poller.Len(),
		Listeners:      listeners,
		Stopping:       c.ShouldStop(),
		Uptime:         uptime.String(),
	}
	if c.collector != nil {
		c.collector.UpdateQueueStats(st.QueueLength, st.WaitingWorkers)
	}
	return st
}
