// ============================================================================
// acceptq Worker Pool - 動態擴充的 worker 群
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 Worker goroutine 的生命週期，並在所有 worker 都忙碌時擴充
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Start(min, max)-->
//   └─────────────┘
//   ┌──────────────────────────────┐
//   │   Pool                       │
//   │  ┌────────┐                  │
//   │  │Worker 1│←── source.Get()  │
//   │  │Worker 2│←── source.Get()  │──→ dispatch.Handler
//   │  │Worker n│←── source.Get()  │──→ IdleSink (poller)
//   │  └────────┘                  │
//   │  supervisor ←── WaitNoWaiters│
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 綁定佇列、handler、idle sink、停止條件
//   2. Start(min, max) - 啟動 min 個 Worker 與一個 supervisor
//   3. supervisor: 佇列回報「沒有 worker 在等」→ 若未達 max 就再啟動一個，
//      之後等待 spawnDelay，避免瞬間暴增
//   4. Stop() - 取消 context、喚醒阻塞在 Get 的 worker、等待全部退出
//
// 並發控制:
//   - WaitGroup: 追蹤所有 Worker 與 supervisor
//   - Mutex: 保護 workers / started / stopped
//
// 錯誤處理:
//   - ErrPoolStarted: 重複啟動
//   - ErrPoolClosed: 已停止的 Pool 無法再啟動
//   - ErrPoolNotStarted: Scale 於啟動前呼叫
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/acceptq/internal/dispatch"
	"github.com/ChuLiYu/acceptq/internal/job"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 設定
// ============================================================================

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithObserver sets the pool observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.obs = o
		}
	}
}

// WithSpawnDelay sets the pause after each growth step.
func WithSpawnDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.spawnDelay = d
		}
	}
}

// WithClock overrides the time source used to stamp idle jobs.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 管理多個並發的 Worker，並依佇列壓力擴充
type Pool struct {
	source  JobSource        // 任務來源（jobqueue）
	handler dispatch.Handler // 請求處理器
	idle    IdleSink         // 閒置連線的去處（poller）
	stopper job.Stopper      // 全域停止條件

	log        *slog.Logger
	obs        Observer
	spawnDelay time.Duration
	now        func() time.Time

	mu         sync.Mutex
	workers    []*Worker
	minWorkers int
	maxWorkers int
	started    bool
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers
	supWg  sync.WaitGroup // supervisor
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool。idle 為 nil 時閒置連線直接關閉；
// stopper 為 nil 時只有 Stop() 會讓 worker 退出。
func NewPool(source JobSource, handler dispatch.Handler, idle IdleSink, stopper job.Stopper, opts ...Option) *Pool {
	if idle == nil {
		idle = closeIdle
	}
	if stopper == nil {
		stopper = job.StopperFunc(func() bool { return false })
	}
	p := &Pool{
		source:     source,
		handler:    handler,
		idle:       idle,
		stopper:    stopper,
		log:        slog.Default(),
		obs:        noopObserver{},
		spawnDelay: DefaultSpawnDelay,
		now:        time.Now,
		workers:    make([]*Worker, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動 minWorkers 個 Worker 與擴充用的 supervisor
func (p *Pool) Start(minWorkers, maxWorkers int) error {
	if minWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1, got %d", minWorkers)
	}
	if maxWorkers < minWorkers {
		return fmt.Errorf("max workers (%d) below min workers (%d)", maxWorkers, minWorkers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted // 防止重複啟動
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.minWorkers = minWorkers
	p.maxWorkers = maxWorkers
	for i := 0; i < minWorkers; i++ {
		p.spawnLocked()
	}
	p.started = true

	p.supWg.Add(1)
	go p.supervise()

	p.log.Info("worker pool started", "minWorkers", minWorkers, "maxWorkers", maxWorkers)
	return nil
}

// spawnLocked 啟動一個 Worker；呼叫者需持有 p.mu
func (p *Pool) spawnLocked() {
	w := newWorker(len(p.workers), p)
	p.workers = append(p.workers, w)
	p.obs.ObserveWorkers(len(p.workers))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(p.ctx)
	}()
}

// supervise 在所有 worker 都忙碌時擴充 Pool
func (p *Pool) supervise() {
	defer p.supWg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}
		if p.atMax() {
			select {
			case <-time.After(noWaitersPoll):
				continue
			case <-p.ctx.Done():
				return
			}
		}
		if !p.source.WaitNoWaiters(noWaitersPoll) {
			continue
		}
		if p.stopper.ShouldStop() {
			return
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		grew := false
		if len(p.workers) < p.maxWorkers {
			p.spawnLocked()
			grew = true
			p.log.Info("all workers busy, starting another", "workers", len(p.workers))
		}
		p.mu.Unlock()

		if grew && p.spawnDelay > 0 {
			select {
			case <-time.After(p.spawnDelay):
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) atMax() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) >= p.maxWorkers
}

// Scale 立即把 worker 數量提高到 n（不超過 max）
func (p *Pool) Scale(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	for len(p.workers) < n && len(p.workers) < p.maxWorkers {
		p.spawnLocked()
	}
	return nil
}

// Stop 停止 Pool
// 關閉流程：
//  1. 標記 stopped，取消 worker 的 context（中斷等待中的 accept）
//  2. 對每個 worker 強制放入一個喚醒 job，讓阻塞在 Get 的 worker 返回
//  3. 等待 supervisor 與所有 Worker 結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	count := len(p.workers)
	p.mu.Unlock()

	p.cancel()
	p.supWg.Wait()

	for i := 0; i < count; i++ {
		p.source.Put(wakeJob{}, true)
	}
	p.wg.Wait()
	p.obs.ObserveWorkers(0)

	p.log.Info("worker pool stopped", "workers", count)
}

// WorkerCount 返回當前 Worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy 返回目前持有 job（accept 中或處理請求中）的 Worker 數量
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.State() == StateServing {
			n++
		}
	}
	return n
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// IsWake reports whether j is a wake-up placeholder left in the source by Stop.
func IsWake(j job.Job) bool {
	_, ok := j.(wakeJob)
	return ok
}
