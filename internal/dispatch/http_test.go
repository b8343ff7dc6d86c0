package dispatch

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type chanListener struct{ conns chan net.Conn }

func (l *chanListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func servingJob(t *testing.T, cfg job.Config, app job.Application) (job.Job, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	ln := &chanListener{conns: make(chan net.Conn, 1)}
	ln.conns <- server

	j := job.NewTCPJob(app, ln, nil, nil, cfg)
	_, err := j.Stream(context.Background())
	require.NoError(t, err)
	return j, client
}

type serveResult struct {
	keepAlive bool
	err       error
}

func serveAsync(d *HTTP, j job.Job) <-chan serveResult {
	ch := make(chan serveResult, 1)
	go func() {
		ka, err := d.ServeJob(context.Background(), j)
		ch <- serveResult{ka, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan serveResult) serveResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("ServeJob did not return")
		return serveResult{}
	}
}

func hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "hello "+r.URL.Path)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []int
}

func (s *statusRecorder) ObserveRequest(status int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

// ============================================================================
// Request handling
// ============================================================================

func TestServeKeepAliveRequest(t *testing.T) {
	rec := &statusRecorder{}
	d := NewHTTP(http.HandlerFunc(hello), WithObserver(rec))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET /a HTTP/1.1\r\nHost: example\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello /a", string(body))
	assert.Equal(t, "timeout=15, max=999", resp.Header.Get("Keep-Alive"))
	assert.False(t, resp.Close)

	r := wait(t, res)
	require.NoError(t, r.err)
	assert.True(t, r.keepAlive)
	assert.Equal(t, 1, j.Served())
	require.NotNil(t, j.Request().Current)
	assert.Equal(t, "/a", j.Request().Current.URL.Path)
	assert.Equal(t, []int{http.StatusOK}, rec.statuses)

	j.Clear()
	assert.Nil(t, j.Request().Current)
}

func TestPipelinedRequests(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)
	br := bufio.NewReader(client)

	go func() {
		_, _ = io.WriteString(client,
			"GET /one HTTP/1.1\r\nHost: x\r\n\r\nGET /two HTTP/1.1\r\nHost: x\r\n\r\n")
	}()

	res := serveAsync(d, j)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello /one", string(body))
	require.True(t, wait(t, res).keepAlive)

	assert.True(t, Pending(j), "second request is already buffered")
	j.Clear()

	res = serveAsync(d, j)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, "hello /two", string(body))
	require.True(t, wait(t, res).keepAlive)
	assert.Equal(t, 2, j.Served())
	assert.False(t, Pending(j))
}

func TestHTTP10ClosesByDefault(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.True(t, resp.Close)
	assert.Empty(t, resp.Header.Get("Keep-Alive"))

	r := wait(t, res)
	require.NoError(t, r.err)
	assert.False(t, r.keepAlive)
}

func TestHTTP10KeepAlive(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.True(t, wait(t, res).keepAlive)
}

func TestConnectionCloseRequest(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.True(t, resp.Close)
	assert.False(t, wait(t, res).keepAlive)
}

func TestHandlerRequestsClose(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusAccepted)
	}))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.False(t, wait(t, res).keepAlive)
}

func TestKeepAliveMax(t *testing.T) {
	cfg := job.DefaultConfig()
	cfg.KeepAliveMax = 2
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, cfg, nil)
	br := bufio.NewReader(client)

	for i, want := range []bool{true, false} {
		res := serveAsync(d, j)
		_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		_, _ = io.ReadAll(resp.Body)
		assert.Equal(t, want, wait(t, res).keepAlive, "request %d", i+1)
		j.Clear()
	}
}

func TestHeadOmitsBody(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "HEAD /x HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodHead, "/x", nil)
	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello /x")), resp.ContentLength)
	assert.True(t, wait(t, res).keepAlive)
}

func TestUnreadBodyIsDrained(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	go func() {
		_, _ = io.WriteString(client, "POST /p HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nabcde")
	}()
	res := serveAsync(d, j)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, wait(t, res).keepAlive)
	assert.False(t, Pending(j))
}

func TestApplicationHandlerWins(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "app")
	})
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), app)

	res := serveAsync(d, j)
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "app", string(body))
	wait(t, res)
}

// ============================================================================
// Errors
// ============================================================================

func TestHeaderTooLarge(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello), WithMaxHeaderBytes(64))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	go func() {
		_, _ = io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\nX-Long: "+
			strings.Repeat("a", 200)+"\r\n\r\n")
	}()
	res := serveAsync(d, j)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)

	r := wait(t, res)
	assert.ErrorIs(t, r.err, ErrHeaderTooLarge)
	assert.False(t, r.keepAlive)
}

func TestMalformedRequest(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	go func() { _, _ = io.WriteString(client, "this is not http\r\n\r\n") }()
	res := serveAsync(d, j)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r := wait(t, res)
	assert.ErrorIs(t, r.err, ErrMalformedRequest)
}

func TestPeerCloseBetweenRequests(t *testing.T) {
	d := NewHTTP(http.HandlerFunc(hello))
	j, client := servingJob(t, job.DefaultConfig(), nil)

	res := serveAsync(d, j)
	require.NoError(t, client.Close())

	r := wait(t, res)
	assert.NoError(t, r.err)
	assert.False(t, r.keepAlive)
}

func TestHandlerFunc(t *testing.T) {
	called := false
	h := HandlerFunc(func(context.Context, job.Job) (bool, error) {
		called = true
		return true, nil
	})
	ka, err := h.ServeJob(context.Background(), nil)
	assert.NoError(t, err)
	assert.True(t, ka)
	assert.True(t, called)
}

func TestPendingOnUnconnectedJob(t *testing.T) {
	assert.False(t, Pending(job.NewTCPJob(nil, nil, nil, nil, job.DefaultConfig())))
}
