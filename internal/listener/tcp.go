// ============================================================================
// acceptq Listener - 可取消的 accept
// ============================================================================
//
// Package: internal/listener
// 文件: tcp.go
// 功能: 為 job 提供 Accept(ctx)；關閉 listener 時讓所有等待中的 accept 返回
//
// 關閉約定:
//   Close() 之後，所有阻塞在 Accept 的呼叫都返回 job.ErrListenerClosed。
//   這是 controller 停機時喚醒「等待 accept 的 worker」的唯一方式。
//
// ============================================================================

package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
	"golang.org/x/net/netutil"
)

var log = slog.Default()

// DefaultKeepAlivePeriod is the TCP keep-alive period of accepted sockets.
const DefaultKeepAlivePeriod = 3 * time.Minute

// Option configures a listener.
type Option func(*settings)

type settings struct {
	maxConns  int
	keepAlive time.Duration
}

// WithMaxConnections caps simultaneously open connections; 0 disables the cap.
func WithMaxConnections(n int) Option {
	return func(s *settings) { s.maxConns = n }
}

// WithKeepAlivePeriod sets the TCP keep-alive period; negative disables it.
func WithKeepAlivePeriod(d time.Duration) Option {
	return func(s *settings) { s.keepAlive = d }
}

func buildSettings(opts []Option) settings {
	s := settings{keepAlive: DefaultKeepAlivePeriod}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TCP is a plain listener whose Accept honours context cancellation.
type TCP struct {
	ln        net.Listener
	closed    chan struct{}
	closeOnce sync.Once
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string, opts ...Option) (*TCP, error) {
	s := buildSettings(opts)
	lc := net.ListenConfig{KeepAlive: s.keepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Info("listening", "address", ln.Addr().String(), "maxConnections", s.maxConns)
	return wrap(ln, s), nil
}

// New wraps an existing net.Listener.
func New(ln net.Listener, opts ...Option) *TCP {
	return wrap(ln, buildSettings(opts))
}

func wrap(ln net.Listener, s settings) *TCP {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return &TCP{ln: ln, closed: make(chan struct{})}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Accept waits for the next connection. It returns ctx.Err() when ctx is done
// and job.ErrListenerClosed once the listener is closed.
func (l *TCP) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, job.ErrListenerClosed
	default:
	}

	if ctx == nil || ctx.Done() == nil {
		conn, err := l.ln.Accept()
		return conn, l.mapErr(err)
	}

	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, l.mapErr(r.err)
	case <-ctx.Done():
		go discard(ch)
		return nil, ctx.Err()
	case <-l.closed:
		go discard(ch)
		return nil, job.ErrListenerClosed
	}
}

// discard closes a connection accepted after its caller gave up.
func discard(ch <-chan acceptResult) {
	r := <-ch
	if r.conn != nil {
		log.Debug("drop connection accepted after cancel", "peer", r.conn.RemoteAddr().String())
		_ = r.conn.Close()
	}
}

func (l *TCP) mapErr(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-l.closed:
		return job.ErrListenerClosed
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return job.ErrListenerClosed
	}
	return err
}

// Addr returns the bound address.
func (l *TCP) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener. It is safe to call more than once.
func (l *TCP) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
		log.Info("listener closed", "address", l.ln.Addr().String())
	})
	return err
}
