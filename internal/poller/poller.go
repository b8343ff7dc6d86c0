// ============================================================================
// acceptq Poller - 閒置 keep-alive 連線的看守者
// ============================================================================
//
// Package: internal/poller
// 文件: poller.go
// 功能: worker 處理完請求後，若連線上沒有待讀資料，就把 job 交給 poller，
//       worker 立即回到佇列取下一個 job。
//
// 運作方式:
//   Add(job) 為每個閒置 job 啟動一個 watcher goroutine：
//   1. 截止時間 = now + job.MsecToTimeout(now)
//   2. 在該截止時間內 Peek 1 byte
//      - 有資料     → queue.Put(job, false)，交回 worker
//      - 逾時 / EOF → 關閉連線（keep-alive 到期）
//   3. MsecToTimeout <= 0 的 job 直接關閉
//
// 停止:
//   Stop() 把所有 watcher 的讀取截止時間設為「現在」，watcher 自己關閉 job。
//   只有 watcher 會碰 job 的狀態，所以不需要額外鎖住 job。
//
// ============================================================================

package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
)

var log = slog.Default()

// Observer receives poller events.
type Observer interface {
	ObserveIdle(n int)
	ObserveKeepAliveExpired()
}

type noopObserver struct{}

func (noopObserver) ObserveIdle(int)          {}
func (noopObserver) ObserveKeepAliveExpired() {}

// Option configures a Poller.
type Option func(*Poller)

// WithObserver sets the poller observer.
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClock overrides the time source used for keep-alive deadlines.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// Poller parks idle keep-alive jobs until they become readable or expire.
type Poller struct {
	queue job.Queue

	mu      sync.Mutex
	parked  map[string]net.Conn
	stopped bool
	wg      sync.WaitGroup

	observer Observer
	now      func() time.Time
}

// New creates a poller that hands readable jobs back to queue.
func New(queue job.Queue, opts ...Option) *Poller {
	p := &Poller{
		queue:    queue,
		parked:   make(map[string]net.Conn),
		observer: noopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add takes ownership of an idle, connected job.
func (p *Poller) Add(j job.Job) {
	conn := j.Conn()
	if conn == nil {
		return
	}

	now := p.now()
	msec := j.MsecToTimeout(now)
	if msec <= 0 {
		log.Debug("keep-alive already elapsed", "jobID", j.ID(), "peer", j.PeerAddr())
		p.expire(j)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = j.Close()
		return
	}
	p.parked[j.ID()] = conn
	n := len(p.parked)
	p.wg.Add(1)
	p.mu.Unlock()
	p.observer.ObserveIdle(n)

	deadline := now.Add(time.Duration(msec) * time.Millisecond)
	go p.watch(j, deadline)
}

func (p *Poller) watch(j job.Job, deadline time.Time) {
	defer p.wg.Done()

	readable := p.wait(j, deadline)

	p.mu.Lock()
	delete(p.parked, j.ID())
	n := len(p.parked)
	stopped := p.stopped
	p.mu.Unlock()
	p.observer.ObserveIdle(n)

	switch {
	case stopped:
		_ = j.Close()
	case readable:
		log.Debug("idle connection readable", "jobID", j.ID())
		p.queue.Put(j, false)
	default:
		p.expire(j)
	}
}

// wait blocks until the job has buffered input, the deadline passes, or the
// peer closes the connection.
func (p *Poller) wait(j job.Job, deadline time.Time) bool {
	rw, err := j.Stream(context.Background())
	if err != nil {
		return false
	}
	if rw.Reader.Buffered() > 0 {
		return true
	}
	// Stop 在持鎖時把截止時間改成現在，這裡也必須持鎖設定，否則會覆蓋掉
	p.mu.Lock()
	stopped := p.stopped
	if !stopped {
		err = j.Conn().SetReadDeadline(deadline)
	}
	p.mu.Unlock()
	if stopped || err != nil {
		return false
	}
	_, err = rw.Reader.Peek(1)
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	if !errors.Is(err, io.EOF) {
		log.Debug("idle connection error", "jobID", j.ID(), "error", err)
	}
	return false
}

func (p *Poller) expire(j job.Job) {
	log.Debug("keep-alive expired", "jobID", j.ID(), "peer", j.PeerAddr())
	_ = j.Close()
	p.observer.ObserveKeepAliveExpired()
}

// Len returns the number of parked jobs.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

// Stop wakes every watcher, closes all parked jobs and waits for the watchers
// to exit. Jobs added afterwards are closed immediately.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, conn := range p.parked {
		_ = conn.SetReadDeadline(time.Now())
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Info("poller stopped")
}
