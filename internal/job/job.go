// ============================================================================
// acceptq Job - 連線任務抽象
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: One Job wraps one connection's accept-and-serve lifecycle.
//
// Lifecycle:
//   AcceptPending ──Stream()──► Accepted ──(tls) handshake──► Serving
//        │                         │
//        └── accept error ──► Failed └── Close() ──► Closed
//
//   The first Stream() call accepts a connection and regenerates a replacement
//   job into the queue before the caller starts blocking on request I/O, so
//   there is always one more pending accept per served connection.
//
// Ownership:
//   A job is owned by the queue while queued and by exactly one worker after
//   Get(). Parser, request and socket state are therefore never locked.
//
// ============================================================================

package job

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/acceptq/pkg/types"
	"github.com/rs/xid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAccept wraps every failure returned by Listener.Accept.
	ErrAccept = errors.New("job: accept failed")
	// ErrHandshake wraps every TLS handshake failure.
	ErrHandshake = errors.New("job: tls handshake failed")
	// ErrNotConnected is returned by socket accessors before accept.
	ErrNotConnected = errors.New("job: socket not connected")
	// ErrShuttingDown is returned by Stream when a connection was accepted while
	// the server is stopping; the job has been handed back to the queue.
	ErrShuttingDown = errors.New("job: server is shutting down")
	// ErrListenerClosed is returned by listeners once closed.
	ErrListenerClosed = errors.New("job: listener closed")
	// ErrNoDescriptor is returned by Fd for connections without an OS socket.
	ErrNoDescriptor = errors.New("job: connection has no descriptor")
)

// ============================================================================
// 協作者介面
// ============================================================================

// Application is the opaque application handle a job serves. It is passed
// through unchanged to regenerated jobs.
type Application any

// Listener accepts connections for plain jobs.
type Listener interface {
	// Accept blocks until a connection arrives, the listener is closed or ctx
	// is done.
	Accept(ctx context.Context) (net.Conn, error)
}

// TLSListener additionally performs the server side of a TLS handshake.
type TLSListener interface {
	Listener
	Handshake(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// Queue receives regenerated jobs.
type Queue interface {
	Put(j Job, force bool)
}

// Stopper is the process-wide shutdown predicate.
type Stopper interface {
	ShouldStop() bool
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func() bool

// ShouldStop implements Stopper.
func (f StopperFunc) ShouldStop() bool { return f() }

// Parser is incremental request-parsing state, reset between requests.
type Parser interface {
	Reset()
}

// Observer receives job lifecycle events, typically for metrics.
type Observer interface {
	ObserveAccept(kind types.JobKind)
	ObserveAcceptError(kind types.JobKind)
	ObserveHandshakeError()
	ObserveRegenerate(kind types.JobKind, self bool)
}

type noopObserver struct{}

func (noopObserver) ObserveAccept(types.JobKind) {}
func (noopObserver) ObserveAcceptError(types.JobKind) {}
func (noopObserver) ObserveHandshakeError() {}
func (noopObserver) ObserveRegenerate(types.JobKind, bool) {}

// Request is the in-progress or most recent request of a job.
type Request struct {
	app Application
	// Current is the parsed request; nil between requests.
	Current *http.Request
}

// Application returns the handle the job was created for.
func (r *Request) Application() Application { return r.app }

// Clear drops the parsed request but keeps the application.
func (r *Request) Clear() { r.Current = nil }

// Job is the capability set shared by plain and encrypted jobs.
type Job interface {
	ID() string
	Kind() types.JobKind
	State() types.JobState

	// Stream accepts (and for TLS handshakes) on first use and returns the
	// buffered connection stream. Later calls return the same stream.
	Stream(ctx context.Context) (*bufio.ReadWriter, error)
	Conn() net.Conn
	Fd() (uintptr, error)
	SetReadTimeout() error
	SetWriteTimeout() error
	IsEncrypted() bool
	PeerAddr() string
	ServerAddr() string
	// Regenerate enqueues a replacement acceptor, or this job itself when the
	// server is stopping.
	Regenerate()
	Close() error

	Clear()
	Touch(now time.Time)
	LastAccess() time.Time
	MsecToTimeout(now time.Time) int64
	KeepAliveTimeout() time.Duration
	Config() Config
	Request() *Request
	SetParser(p Parser)
	Parser() Parser
	Served() int
	IncServed() int
}

// ============================================================================
// Options
// ============================================================================

// Option configures a job. Options are inherited by regenerated jobs.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the job logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), observer: noopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) asList() []Option {
	return []Option{WithLogger(o.logger), WithObserver(o.observer)}
}

// ============================================================================
// base: 抽象 Job 的共用狀態
// ============================================================================

type base struct {
	id    string
	kind  types.JobKind
	state types.JobState
	cfg   Config
	opts  options
	log   *slog.Logger

	queue   Queue
	stopper Stopper

	conn net.Conn
	rw   *bufio.ReadWriter

	parser     Parser
	request    Request
	lastAccess time.Time
	served     int
}

func newBase(kind types.JobKind, app Application, q Queue, stop Stopper, cfg Config, opts []Option) base {
	o := buildOptions(opts)
	id := xid.New().String()
	if stop == nil {
		stop = StopperFunc(func() bool { return false })
	}
	return base{
		id:      id,
		kind:    kind,
		state:   types.StateAcceptPending,
		cfg:     cfg,
		opts:    o,
		log:     o.logger.With("jobID", id, "kind", string(kind)),
		queue:   q,
		stopper: stop,
		request: Request{app: app},
	}
}

func (b *base) ID() string { return b.id }
func (b *base) Kind() types.JobKind { return b.kind }
func (b *base) State() types.JobState { return b.state }
func (b *base) Conn() net.Conn { return b.conn }
func (b *base) Config() Config { return b.cfg }
func (b *base) Request() *Request { return &b.request }
func (b *base) SetParser(p Parser) { b.parser = p }
func (b *base) Parser() Parser { return b.parser }
func (b *base) Served() int { return b.served }
func (b *base) LastAccess() time.Time { return b.lastAccess }
func (b *base) Touch(now time.Time) { b.lastAccess = now }
func (b *base) IncServed() int { b.served++; return b.served }
func (b *base) serving() bool { return b.conn != nil && b.state == types.StateServing }

// Clear resets parser state and the request between two requests.
func (b *base) Clear() {
	if b.parser != nil {
		b.parser.Reset()
	}
	b.request.Clear()
}

// KeepAliveTimeout delegates to the configured policy.
func (b *base) KeepAliveTimeout() time.Duration {
	if b.cfg.KeepAlive == nil {
		return 0
	}
	return b.cfg.KeepAlive.KeepAliveTimeout()
}

// MsecToTimeout returns the milliseconds left in the keep-alive window. The
// last access time has one second resolution; the extra second absorbs the
// rounding. Zero or negative means the window has already elapsed.
func (b *base) MsecToTimeout(now time.Time) int64 {
	return (b.lastAccess.Unix()-now.Unix()+1)*1000 +
		b.KeepAliveTimeout().Milliseconds() -
		b.cfg.ReadTimeout.Milliseconds()
}

// SetReadTimeout applies the read timeout before a read phase.
func (b *base) SetReadTimeout() error {
	if b.conn == nil {
		return ErrNotConnected
	}
	return b.conn.SetDeadline(time.Now().Add(b.cfg.ReadTimeout))
}

// SetWriteTimeout applies the write timeout before a write phase.
func (b *base) SetWriteTimeout() error {
	if b.conn == nil {
		return ErrNotConnected
	}
	return b.conn.SetDeadline(time.Now().Add(b.cfg.WriteTimeout))
}

// Fd returns the underlying socket descriptor.
func (b *base) Fd() (uintptr, error) {
	if b.conn == nil {
		return 0, ErrNotConnected
	}
	return descriptor(b.conn)
}

// PeerAddr returns the remote address, or "" before accept.
func (b *base) PeerAddr() string {
	if b.conn == nil || b.conn.RemoteAddr() == nil {
		return ""
	}
	return b.conn.RemoteAddr().String()
}

// ServerAddr returns the local address, or "" before accept.
func (b *base) ServerAddr() string {
	if b.conn == nil || b.conn.LocalAddr() == nil {
		return ""
	}
	return b.conn.LocalAddr().String()
}

// Close closes the connection. Closing an unaccepted job is a no-op.
func (b *base) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.rw = nil
	b.state = types.StateClosed
	return err
}

func (b *base) attach(conn net.Conn) {
	b.conn = conn
	b.state = types.StateAccepted
}

func (b *base) serve(conn net.Conn) *bufio.ReadWriter {
	b.conn = conn
	b.rw = bufio.NewReadWriter(
		bufio.NewReaderSize(conn, b.cfg.BufferSize),
		bufio.NewWriterSize(conn, b.cfg.BufferSize),
	)
	b.state = types.StateServing
	return b.rw
}

// detach abandons a freshly accepted connection so the job can be handed back
// to the queue as a pending acceptor. The caller closes the returned conn after
// the job has left its hands.
func (b *base) detach() net.Conn {
	conn := b.conn
	b.conn = nil
	b.rw = nil
	b.state = types.StateAcceptPending
	return conn
}

// regenerate enqueues self when stopping, otherwise a replacement built by
// fresh. The stopping flag is sampled once by the caller so the decision and
// any preceding detach agree.
func (b *base) regenerate(self Job, stopping bool, fresh func() Job) {
	if b.queue == nil {
		return
	}
	if stopping {
		b.log.Debug("server stopping, requeue acceptor")
		b.opts.observer.ObserveRegenerate(b.kind, true)
		b.queue.Put(self, true)
		return
	}
	b.opts.observer.ObserveRegenerate(b.kind, false)
	b.queue.Put(fresh(), false)
}

// acceptContext derives the context used for a blocking accept.
func acceptContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
