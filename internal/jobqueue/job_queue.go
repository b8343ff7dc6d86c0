// ============================================================================
// acceptq 任務佇列 - 有界阻塞 FIFO
// ============================================================================
//
// Package: internal/jobqueue
// 文件: job_queue.go
// 功能: 在 worker 之間分發連線任務（job），提供容量背壓
//
// 同步模型:
//   一個 sync.Mutex 搭配三個 sync.Cond：
//   - notEmpty : Get() 在佇列為空時等待
//   - notFull  : 非強制 Put() 在佇列滿時等待
//   - noWaiters: Put() 發現沒有 worker 在等待時廣播，供 Pool 擴充 worker
//
// Put(job, force):
//   1. job.Touch(now)（keep-alive 計時起點）
//   2. 非強制且 capacity > 0：等待 len < capacity
//   3. 加到佇列尾端
//   4. waitThreads == 0 → 廣播 noWaiters
//   5. Signal notEmpty
//
// Get():
//   1. waitThreads++，等待佇列非空，waitThreads--
//   2. 取出佇列頭（FIFO）
//   3. 佇列仍非空且有其他等待者 → 再 Signal notEmpty（連鎖喚醒）
//   4. Signal notFull
//
// 保證:
//   - Put 永不丟棄 job；容量不足時阻塞而不是報錯
//   - Get 永不回傳 nil；同一個 job 在被 Put 回來之前只會交給一個 worker
//
// 關閉:
//   Unblock() 之後容量不再限制 Put，所有等待 notFull 的呼叫立即返回。
//   停止流程中沒有人再 Get，非強制 Put 否則會永遠卡住。
//
// ============================================================================

package jobqueue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
)

var log = slog.Default()

// Observer receives queue events, typically for metrics.
type Observer interface {
	ObserveEnqueue(length int)
	ObserveDispatch(length, waiting int)
	ObserveFull()
}

type noopObserver struct{}

func (noopObserver) ObserveEnqueue(int)       {}
func (noopObserver) ObserveDispatch(int, int) {}
func (noopObserver) ObserveFull()             {}

// Option configures a Queue.
type Option func(*Queue)

// WithObserver sets the queue observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithClock overrides the time source used to stamp jobs.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is a bounded, thread-safe FIFO of jobs.
type Queue struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	noWaiters *sync.Cond

	jobs        []job.Job
	capacity    int
	waitThreads int
	// noWaitSeq counts "no waiting worker" events; WaitNoWaiters watches it to
	// tell a real signal from a spurious or timer wake-up.
	noWaitSeq uint64
	// unblocked 之後所有 Put 都視為強制
	unblocked bool

	observer Observer
	now      func() time.Time
}

// New creates a queue. A capacity of 0 means unbounded.
func New(capacity int, opts ...Option) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue{
		jobs:     make([]job.Job, 0),
		capacity: capacity,
		observer: noopObserver{},
		now:      time.Now,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.noWaiters = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Put appends j to the queue. Unless force is set, it blocks while the queue
// is at capacity.
func (q *Queue) Put(j job.Job, force bool) {
	j.Touch(q.now())

	q.mu.Lock()
	defer q.mu.Unlock()

	if !force && q.capacity > 0 {
		for len(q.jobs) >= q.capacity && !q.unblocked {
			log.Warn("job queue full", "capacity", q.capacity)
			q.observer.ObserveFull()
			q.notFull.Wait()
		}
	}

	q.jobs = append(q.jobs, j)
	q.observer.ObserveEnqueue(len(q.jobs))

	if q.waitThreads == 0 {
		log.Debug("no waiting workers left")
		q.noWaitSeq++
		q.noWaiters.Broadcast()
	}

	q.notEmpty.Signal()
}

// Get removes and returns the oldest job, blocking while the queue is empty.
func (q *Queue) Get() job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.waitThreads++
	log.Debug("wait for job", "available", len(q.jobs))

	for len(q.jobs) == 0 {
		q.notEmpty.Wait()
	}

	q.waitThreads--

	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]

	log.Debug("fetch job", "waiting", q.waitThreads, "queued", len(q.jobs))
	q.observer.ObserveDispatch(len(q.jobs), q.waitThreads)

	if len(q.jobs) > 0 && q.waitThreads > 0 {
		q.notEmpty.Signal()
	}
	q.notFull.Signal()

	return j
}

// WaitNoWaiters blocks until a Put finds no worker waiting in Get, or until
// timeout elapses. It reports whether the signal was observed. It returns true
// at once while jobs are queued and no worker is waiting, so a signal raised
// between two calls is not lost. A non-positive timeout waits forever.
func (q *Queue) WaitNoWaiters(timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) > 0 && q.waitThreads == 0 {
		return true
	}

	seq := q.noWaitSeq
	expired := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			expired = true
			q.mu.Unlock()
			q.noWaiters.Broadcast()
		})
		defer timer.Stop()
	}

	for q.noWaitSeq == seq && !expired {
		q.noWaiters.Wait()
	}
	return q.noWaitSeq != seq
}

// Unblock lifts the capacity limit for good and wakes every Put waiting for
// room. Used during shutdown, when no worker drains the queue any more.
func (q *Queue) Unblock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unblocked {
		return
	}
	q.unblocked = true
	log.Debug("job queue unblocked", "queued", len(q.jobs))
	q.notFull.Broadcast()
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Capacity returns the configured capacity; 0 means unbounded.
func (q *Queue) Capacity() int { return q.capacity }

// WaitingWorkers returns the number of callers blocked in Get.
func (q *Queue) WaitingWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitThreads
}

// Drain removes and returns every queued job without blocking.
func (q *Queue) Drain() []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.jobs
	q.jobs = make([]job.Job, 0)
	q.notFull.Broadcast()
	return drained
}
