// ============================================================================
// acceptq Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where workers take jobs from and where they hand them back.
//
// Motivation:
//   The pool only needs three things from the queue: a blocking Get, a Put for
//   jobs that still have buffered input, and the "no worker is waiting" signal
//   that drives pool growth. Keeping that behind an interface lets tests drive
//   workers without a real queue.
//
// ============================================================================

package worker

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
)

// JobSource is the queue the pool serves from. *jobqueue.Queue implements it.
type JobSource interface {
	// Get blocks until a job is available. It never returns nil.
	Get() job.Job

	// Put hands a job back, blocking while the source is full unless force is
	// set.
	Put(j job.Job, force bool)

	// WaitNoWaiters blocks until a Put found no worker waiting in Get, or until
	// timeout. It reports whether the signal was seen. Queued jobs with no
	// waiting worker count as a signal.
	WaitNoWaiters(timeout time.Duration) bool
}

// IdleSink receives connected jobs that have no pending input.
// *poller.Poller implements it.
type IdleSink interface {
	Add(j job.Job)
}

// IdleSinkFunc adapts a function to IdleSink.
type IdleSinkFunc func(j job.Job)

// Add implements IdleSink.
func (f IdleSinkFunc) Add(j job.Job) { f(j) }

// closeIdle is the sink used when no poller is configured.
var closeIdle = IdleSinkFunc(func(j job.Job) { _ = j.Close() })

// wakeJob is pushed into the source during Stop so that workers blocked in Get
// return and observe the stop flag. It never accepts a connection.
type wakeJob struct{ job.Job }

func (wakeJob) ID() string      { return "wake" }
func (wakeJob) Touch(time.Time) {}
func (wakeJob) Conn() net.Conn  { return nil }
func (wakeJob) Close() error    { return nil }
func (wakeJob) Served() int     { return 0 }
func (wakeJob) Stream(context.Context) (*bufio.ReadWriter, error) {
	return nil, job.ErrShuttingDown
}
