package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
)

const (
	// DefaultMaxHeaderBytes bounds the request line plus headers.
	DefaultMaxHeaderBytes = 1 << 20
	// unread request bodies up to this size are discarded to keep the
	// connection reusable; larger ones close it
	maxDrainBytes = 256 << 10
)

// Observer receives one event per completed request.
type Observer interface {
	ObserveRequest(status int, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(int, time.Duration) {}

// ============================================================================
// parser: 每個 job 一份的請求解析狀態
// ============================================================================

type parser struct {
	max int64
	lr  *io.LimitedReader
	br  *bufio.Reader
}

func newParser(src io.Reader, max int64, size int) *parser {
	lr := &io.LimitedReader{R: src, N: max}
	return &parser{max: max, lr: lr, br: bufio.NewReaderSize(lr, size)}
}

// Reset re-arms the header limit for the next request.
func (p *parser) Reset() { p.lr.N = p.max }

// Buffered returns the number of read-ahead bytes.
func (p *parser) Buffered() int { return p.br.Buffered() }

// unlimit lifts the header limit once the header has been parsed.
func (p *parser) unlimit() { p.lr.N = math.MaxInt64 }

func (p *parser) exhausted() bool { return p.lr.N <= 0 }

// ============================================================================
// HTTP
// ============================================================================

// HTTPOption configures the HTTP adapter.
type HTTPOption func(*HTTP)

// WithMaxHeaderBytes sets the request header limit.
func WithMaxHeaderBytes(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxHeaderBytes = n
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		if l != nil {
			h.log = l
		}
	}
}

// WithObserver sets the request observer.
func WithObserver(o Observer) HTTPOption {
	return func(h *HTTP) {
		if o != nil {
			h.observer = o
		}
	}
}

// HTTP serves HTTP/1.x requests from jobs with an http.Handler. A job whose
// application handle is itself an http.Handler is served by that handler.
type HTTP struct {
	handler        http.Handler
	maxHeaderBytes int64
	log            *slog.Logger
	observer       Observer
}

// NewHTTP creates an adapter with h as the default handler.
func NewHTTP(h http.Handler, opts ...HTTPOption) *HTTP {
	if h == nil {
		h = http.NotFoundHandler()
	}
	d := &HTTP{
		handler:        h,
		maxHeaderBytes: DefaultMaxHeaderBytes,
		log:            slog.Default(),
		observer:       noopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *HTTP) parserFor(j job.Job, src io.Reader) *parser {
	if p, ok := j.Parser().(*parser); ok {
		return p
	}
	p := newParser(src, d.maxHeaderBytes, j.Config().BufferSize)
	j.SetParser(p)
	return p
}

func (d *HTTP) handlerFor(j job.Job) http.Handler {
	if h, ok := j.Request().Application().(http.Handler); ok && h != nil {
		return h
	}
	return d.handler
}

// ServeJob reads one request from j, runs the handler and writes the response.
func (d *HTTP) ServeJob(ctx context.Context, j job.Job) (bool, error) {
	rw, err := j.Stream(ctx)
	if err != nil {
		return false, err
	}
	p := d.parserFor(j, rw.Reader)
	start := time.Now()

	req, err := http.ReadRequest(p.br)
	if err != nil {
		return false, d.readFailed(j, rw.Writer, p, err)
	}
	p.unlimit()

	req.RemoteAddr = j.PeerAddr()
	if tc, ok := j.Conn().(*tls.Conn); ok {
		st := tc.ConnectionState()
		req.TLS = &st
	}
	req = req.WithContext(ctx)
	j.Request().Current = req

	served := j.IncServed()
	maxReq := j.Config().KeepAliveMax
	keepAlive := !req.Close && served < maxReq

	w := newResponseWriter()
	d.handlerFor(j).ServeHTTP(w, req)

	if req.Body != nil {
		n, err := io.CopyN(io.Discard, req.Body, maxDrainBytes+1)
		if n > maxDrainBytes || (err != nil && !errors.Is(err, io.EOF)) {
			keepAlive = false
		}
		_ = req.Body.Close()
	}
	if hasToken(w.header.Get("Connection"), "close") {
		keepAlive = false
	}

	if keepAlive {
		w.header.Set("Keep-Alive", fmt.Sprintf("timeout=%d, max=%d",
			int(j.KeepAliveTimeout()/time.Second), maxReq-served))
		if !req.ProtoAtLeast(1, 1) {
			w.header.Set("Connection", "keep-alive")
		}
	}

	status, err := w.writeTo(rw.Writer, req, keepAlive)
	if err != nil {
		return false, fmt.Errorf("write response: %w", err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return false, fmt.Errorf("flush response: %w", err)
	}

	elapsed := time.Since(start)
	d.observer.ObserveRequest(status, elapsed)
	d.log.Debug("request served",
		"jobID", j.ID(),
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"served", served,
		"keepAlive", keepAlive,
		"elapsed", elapsed)
	return keepAlive, nil
}

// readFailed answers unparseable requests where a reply still makes sense.
func (d *HTTP) readFailed(j job.Job, out *bufio.Writer, p *parser, err error) error {
	var ne net.Error
	switch {
	case err == io.EOF && !p.exhausted():
		// peer closed between requests
		return nil
	case p.exhausted():
		d.writeStatus(out, http.StatusRequestHeaderFieldsTooLarge)
		return ErrHeaderTooLarge
	case errors.As(err, &ne), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("read request: %w", err)
	default:
		d.log.Debug("malformed request", "jobID", j.ID(), "error", err)
		d.writeStatus(out, http.StatusBadRequest)
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
}

func (d *HTTP) writeStatus(out *bufio.Writer, status int) {
	d.observer.ObserveRequest(status, 0)
	_, _ = fmt.Fprintf(out, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status))
	_ = out.Flush()
}

func hasToken(v, token string) bool {
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ============================================================================
// responseWriter: 在記憶體中收集回應
// ============================================================================

type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: make(http.Header)}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// writeTo serializes the collected response and returns its status code.
func (w *responseWriter) writeTo(out *bufio.Writer, req *http.Request, keepAlive bool) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	minor := 1
	if !req.ProtoAtLeast(1, 1) {
		minor = 0
	}
	withBody := bodyAllowed(w.status)

	h := w.header.Clone()
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if withBody {
		if h.Get("Content-Type") == "" && w.body.Len() > 0 {
			h.Set("Content-Type", http.DetectContentType(w.body.Bytes()))
		}
		h.Set("Content-Length", strconv.Itoa(w.body.Len()))
	}
	if !keepAlive && !hasToken(h.Get("Connection"), "close") {
		h.Set("Connection", "close")
	}

	if _, err := fmt.Fprintf(out, "HTTP/1.%d %03d %s\r\n", minor, w.status, http.StatusText(w.status)); err != nil {
		return w.status, err
	}
	if err := h.Write(out); err != nil {
		return w.status, err
	}
	if _, err := out.WriteString("\r\n"); err != nil {
		return w.status, err
	}
	if withBody && req.Method != http.MethodHead {
		if _, err := out.Write(w.body.Bytes()); err != nil {
			return w.status, err
		}
	}
	return w.status, nil
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
