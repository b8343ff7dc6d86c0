// Package types 定義了 acceptq 系統中共用的領域模型
package types

// JobKind 連線任務的傳輸類型
type JobKind string

const (
	KindTCP JobKind = "tcp" // 明文 TCP 連線
	KindTLS JobKind = "tls" // 加密 TLS 連線
)

// JobState 連線任務的生命週期狀態
type JobState string

// 定義任務狀態常數
const (
	StateAcceptPending JobState = "accept_pending" // 尚未 accept：任務在佇列中等待新連線
	StateAccepted      JobState = "accepted"       // 已 accept，TLS 尚未完成握手
	StateServing       JobState = "serving"        // 可讀寫：正在處理請求
	StateFailed        JobState = "failed"         // accept 或握手失敗
	StateClosed        JobState = "closed"         // 連線已關閉
)

// String implements fmt.Stringer.
func (s JobState) String() string { return string(s) }

// Connected reports whether a socket has been accepted for this state.
func (s JobState) Connected() bool {
	return s == StateAccepted || s == StateServing
}

// Stats 系統執行期統計，由 controller 彙整
type Stats struct {
	QueueLength    int    `json:"queue_length" yaml:"queue_length"`       // 佇列中的任務數
	QueueCapacity  int    `json:"queue_capacity" yaml:"queue_capacity"`   // 佇列容量（0 = 無上限）
	WaitingWorkers int    `json:"waiting_workers" yaml:"waiting_workers"` // 阻塞在 Get 的 worker 數
	Workers        int    `json:"workers" yaml:"workers"`                 // 已啟動的 worker 數
	IdleConns      int    `json:"idle_conns" yaml:"idle_conns"`           // poller 中等待的 keep-alive 連線
	Listeners      int    `json:"listeners" yaml:"listeners"`             // 監聽 socket 數
	Stopping       bool   `json:"stopping" yaml:"stopping"`               // 是否正在關閉
	Uptime         string `json:"uptime" yaml:"uptime"`
}
