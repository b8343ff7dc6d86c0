package job

import (
	"bufio"
	"context"
	"fmt"

	"github.com/ChuLiYu/acceptq/pkg/types"
)

// TCPJob is a job over a plain TCP socket.
type TCPJob struct {
	base
	listener Listener
}

// NewTCPJob creates a job that will accept its connection from ln.
func NewTCPJob(app Application, ln Listener, q Queue, stop Stopper, cfg Config, opts ...Option) *TCPJob {
	return &TCPJob{
		base:     newBase(types.KindTCP, app, q, stop, cfg, opts),
		listener: ln,
	}
}

// IsEncrypted returns false.
func (j *TCPJob) IsEncrypted() bool { return false }

// Listener returns the listener the job accepts from.
func (j *TCPJob) Listener() Listener { return j.listener }

func (j *TCPJob) accept(ctx context.Context) error {
	j.log.Debug("accept")

	conn, err := j.listener.Accept(acceptContext(ctx))
	if err != nil {
		j.state = types.StateFailed
		j.opts.observer.ObserveAcceptError(j.kind)
		return fmt.Errorf("%w: %w", ErrAccept, err)
	}
	j.attach(conn)
	if err := markCloseOnExec(conn); err != nil {
		j.log.Warn("failed to set close-on-exec", "error", err)
	}
	j.opts.observer.ObserveAccept(j.kind)

	j.log.Debug("connection accepted", "peer", j.PeerAddr())
	return nil
}

// Stream returns the connection stream, accepting on first use. Whatever the
// accept outcome, a replacement acceptor is enqueued before Stream returns.
func (j *TCPJob) Stream(ctx context.Context) (*bufio.ReadWriter, error) {
	if j.serving() {
		return j.rw, nil
	}

	if err := j.accept(ctx); err != nil {
		j.Regenerate()
		j.log.Debug("error in accept", "error", err)
		return nil, err
	}

	stopping := j.stopper.ShouldStop()
	if stopping {
		conn := j.detach()
		j.regenerate(j, true, nil)
		_ = conn.Close()
		return nil, ErrShuttingDown
	}
	j.regenerate(j, false, j.fresh)

	return j.serve(j.conn), nil
}

// Regenerate implements Job.
func (j *TCPJob) Regenerate() {
	j.regenerate(j, j.stopper.ShouldStop(), j.fresh)
}

func (j *TCPJob) fresh() Job {
	return NewTCPJob(j.request.app, j.listener, j.queue, j.stopper, j.cfg, j.opts.asList()...)
}
