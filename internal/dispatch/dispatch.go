// ============================================================================
// acceptq Dispatch - 把一個已連線的 job 交給應用程式
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatch.go
// 功能: Handler 介面，以及建立在 net/http 之上的最小 HTTP/1.x 轉接器
//
// HTTP 轉接器:
//   - 每個 job 持有一個 parser：io.LimitedReader（header 上限）+ bufio.Reader
//   - parser.Reset() 在每個請求之間重設上限（由 job.Clear() 觸發）
//   - 回應先寫入記憶體，再手動寫出狀態列、header 與 Content-Length
//   - 是否保持連線：HTTP/1.0 無 keep-alive、Connection: close、
//     或已達 KeepAliveMax 時關閉
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"

	"github.com/ChuLiYu/acceptq/internal/job"
	"github.com/ChuLiYu/acceptq/pkg/types"
)

// Handler serves one request on a connected job. It reports whether the
// connection may be kept alive for another request.
type Handler interface {
	ServeJob(ctx context.Context, j job.Job) (keepAlive bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j job.Job) (bool, error)

// ServeJob implements Handler.
func (f HandlerFunc) ServeJob(ctx context.Context, j job.Job) (bool, error) { return f(ctx, j) }

var (
	// ErrHeaderTooLarge is returned when a request header exceeds the limit.
	ErrHeaderTooLarge = errors.New("dispatch: request header too large")
	// ErrMalformedRequest is returned for requests that cannot be parsed.
	ErrMalformedRequest = errors.New("dispatch: malformed request")
)

// Buffered is implemented by parsers that read ahead of the connection stream.
type Buffered interface {
	Buffered() int
}

// Pending reports whether j already holds unread request bytes, either in its
// stream buffer or in its parser.
func Pending(j job.Job) bool {
	if b, ok := j.Parser().(Buffered); ok && b.Buffered() > 0 {
		return true
	}
	if j.State() != types.StateServing {
		return false
	}
	rw, err := j.Stream(context.Background())
	if err != nil || rw == nil {
		return false
	}
	return rw.Reader.Buffered() > 0
}
