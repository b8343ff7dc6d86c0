package job

import (
	"bufio"
	"context"
	"fmt"

	"github.com/ChuLiYu/acceptq/pkg/types"
)

// HandshakeState is the TLS sub-state of an accepted connection.
type HandshakeState int

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakeInProgress
	HandshakeComplete
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInProgress:
		return "in_progress"
	case HandshakeComplete:
		return "complete"
	default:
		return "not_started"
	}
}

// TLSJob is a job over a TLS connection. It regenerates its replacement before
// the handshake so a slow peer cannot throttle accepting new connections.
type TLSJob struct {
	base
	listener  TLSListener
	handshake HandshakeState
}

// NewTLSJob creates a TLS job that will accept its connection from ln.
func NewTLSJob(app Application, ln TLSListener, q Queue, stop Stopper, cfg Config, opts ...Option) *TLSJob {
	return &TLSJob{
		base:     newBase(types.KindTLS, app, q, stop, cfg, opts),
		listener: ln,
	}
}

// IsEncrypted returns true.
func (j *TLSJob) IsEncrypted() bool { return true }

// Listener returns the listener the job accepts from.
func (j *TLSJob) Listener() TLSListener { return j.listener }

// HandshakeState returns the current handshake sub-state.
func (j *TLSJob) HandshakeState() HandshakeState { return j.handshake }

// accept does not mark close-on-exec yet; that happens after the handshake.
func (j *TLSJob) accept(ctx context.Context) error {
	j.log.Debug("accept (tls)")

	conn, err := j.listener.Accept(acceptContext(ctx))
	if err != nil {
		j.state = types.StateFailed
		j.opts.observer.ObserveAcceptError(j.kind)
		return fmt.Errorf("%w: %w", ErrAccept, err)
	}
	j.attach(conn)
	j.handshake = HandshakeNotStarted
	j.opts.observer.ObserveAccept(j.kind)

	j.log.Debug("connection accepted (tls)", "peer", j.PeerAddr())
	return nil
}

func (j *TLSJob) doHandshake(ctx context.Context) error {
	ctx = acceptContext(ctx)
	if j.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.HandshakeTimeout)
		defer cancel()
	}

	j.handshake = HandshakeInProgress
	tlsConn, err := j.listener.Handshake(ctx, j.conn)
	if err != nil {
		j.log.Warn("tls handshake failed", "peer", j.PeerAddr(), "error", err)
		j.handshake = HandshakeNotStarted
		j.state = types.StateFailed
		j.opts.observer.ObserveHandshakeError()
		if j.conn != nil {
			_ = j.conn.Close()
			j.conn = nil
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	j.handshake = HandshakeComplete
	j.log.Debug("tls handshake ready")

	if err := markCloseOnExec(tlsConn); err != nil {
		j.log.Warn("failed to set close-on-exec", "error", err)
	}
	j.serve(tlsConn)
	if err := j.SetReadTimeout(); err != nil {
		j.log.Debug("failed to set read timeout", "error", err)
	}
	return nil
}

// Stream returns the decrypted stream. On first use it accepts, regenerates a
// replacement, and then handshakes unless the server is stopping.
func (j *TLSJob) Stream(ctx context.Context) (*bufio.ReadWriter, error) {
	if j.serving() {
		return j.rw, nil
	}

	if err := j.accept(ctx); err != nil {
		j.log.Debug("error in accept", "error", err)
		j.Regenerate()
		return nil, err
	}

	stopping := j.stopper.ShouldStop()
	if stopping {
		// handshake skipped; the accepted socket is abandoned
		conn := j.detach()
		j.handshake = HandshakeNotStarted
		j.regenerate(j, true, nil)
		_ = conn.Close()
		return nil, ErrShuttingDown
	}
	j.regenerate(j, false, j.fresh)

	if err := j.doHandshake(ctx); err != nil {
		return nil, err
	}
	return j.rw, nil
}

// Regenerate implements Job.
func (j *TLSJob) Regenerate() {
	j.regenerate(j, j.stopper.ShouldStop(), j.fresh)
}

func (j *TLSJob) fresh() Job {
	return NewTLSJob(j.request.app, j.listener, j.queue, j.stopper, j.cfg, j.opts.asList()...)
}
