// ============================================================================
// acceptq Worker - Connection Serving Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Takes jobs from the queue and serves their requests. Each Worker
//           runs in its own goroutine.
//
// How it works:
//   1. Get a job from the source (blocking wait)
//   2. Stream(): the first call accepts a connection and enqueues the next
//      acceptor, so the listener is never left without one
//   3. Wait up to the read timeout for request bytes
//      - nothing arrives → hand the job to the idle sink (poller)
//   4. Serve one request with the write timeout applied
//   5. After the request:
//      - error or no keep-alive → close
//      - bytes already buffered  → Put back into the source
//      - otherwise               → idle sink
//   6. Repeat until the stop predicate is true
//
// Error Handling:
//   - accept / handshake errors: the job already re-queued its replacement,
//     the worker just drops it
//   - ErrShuttingDown: silent drop, the job re-queued itself
//   - handler panic: recovered, the connection is closed
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/acceptq/internal/dispatch"
	"github.com/ChuLiYu/acceptq/internal/job"
)

// Worker is one serving goroutine of the pool.
type Worker struct {
	id      int
	source  JobSource
	handler dispatch.Handler
	idle    IdleSink
	stopper job.Stopper
	log     *slog.Logger
	obs     Observer
	now     func() time.Time

	state  atomic.Int32
	served atomic.Int64
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:      id,
		source:  p.source,
		handler: p.handler,
		idle:    p.idle,
		stopper: p.stopper,
		log:     p.log.With("worker", id),
		obs:     p.obs,
		now:     p.now,
	}
}

// ID returns the worker number.
func (w *Worker) ID() int { return w.id }

// State returns what the worker is doing right now.
func (w *Worker) State() State { return State(w.state.Load()) }

// Served returns the number of requests this worker has handled.
func (w *Worker) Served() int64 { return w.served.Load() }

// Run is the main loop. It returns once the stop predicate is true or ctx is
// done, checked between jobs.
func (w *Worker) Run(ctx context.Context) {
	defer w.state.Store(int32(StateStopped))
	w.log.Debug("worker started")

	for !w.shouldStop(ctx) {
		w.state.Store(int32(StateWaiting))
		j := w.source.Get()

		w.state.Store(int32(StateServing))
		w.process(ctx, j)
	}
	w.log.Debug("worker stopped")
}

func (w *Worker) shouldStop(ctx context.Context) bool {
	return w.stopper.ShouldStop() || ctx.Err() != nil
}

func (w *Worker) process(ctx context.Context, j job.Job) {
	defer func() {
		if r := recover(); r != nil {
			var trace [4096]byte
			n := runtime.Stack(trace[:], false)
			w.log.Error("panic while serving job",
				"jobID", j.ID(),
				"panic", r,
				"stack", string(trace[:n]))
			w.obs.ObserveServeError()
			_ = j.Close()
		}
	}()

	if _, err := j.Stream(ctx); err != nil {
		w.streamFailed(j, err)
		return
	}

	if !dispatch.Pending(j) && !w.awaitInput(j) {
		return
	}

	if err := j.SetWriteTimeout(); err != nil {
		w.log.Debug("set write timeout", "jobID", j.ID(), "error", err)
	}
	keepAlive, err := w.handler.ServeJob(ctx, j)
	j.Clear()
	w.served.Add(1)

	switch {
	case err != nil:
		w.log.Debug("request failed", "jobID", j.ID(), "peer", j.PeerAddr(), "error", err)
		w.obs.ObserveServeError()
		_ = j.Close()
	case !keepAlive || w.shouldStop(ctx):
		_ = j.Close()
	case dispatch.Pending(j):
		w.source.Put(j, false)
	default:
		j.Touch(w.now())
		w.idle.Add(j)
	}
}

// awaitInput waits up to the read timeout for the next request. It reports
// whether input arrived; otherwise the job has been handed off or closed.
func (w *Worker) awaitInput(j job.Job) bool {
	rw, err := j.Stream(context.Background())
	if err != nil {
		_ = j.Close()
		return false
	}
	if err := j.SetReadTimeout(); err != nil {
		_ = j.Close()
		return false
	}
	if _, err := rw.Reader.Peek(1); err != nil {
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			if w.shouldStop(context.Background()) {
				_ = j.Close()
				return false
			}
			j.Touch(w.now())
			w.idle.Add(j)
		case errors.Is(err, io.EOF):
			_ = j.Close()
		default:
			w.log.Debug("read failed", "jobID", j.ID(), "error", err)
			_ = j.Close()
		}
		return false
	}
	return true
}

func (w *Worker) streamFailed(j job.Job, err error) {
	switch {
	case errors.Is(err, job.ErrShuttingDown), errors.Is(err, job.ErrListenerClosed):
		w.log.Debug("job discarded during shutdown", "jobID", j.ID())
	case errors.Is(err, context.Canceled):
		w.log.Debug("accept cancelled", "jobID", j.ID())
	case errors.Is(err, job.ErrHandshake):
		w.log.Debug("tls handshake failed", "jobID", j.ID(), "error", err)
		w.obs.ObserveServeError()
	default:
		w.log.Warn("accept failed", "jobID", j.ID(), "error", err)
		w.obs.ObserveServeError()
	}
}
