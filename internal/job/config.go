package job

import (
	"fmt"
	"time"
)

// 預設值沿用原始伺服器的設定：讀取逾時很短，讓閒置連線盡快交給 poller。
const (
	DefaultReadTimeout      = 10 * time.Millisecond
	DefaultWriteTimeout     = 10 * time.Second
	DefaultKeepAliveMax     = 1000
	DefaultBufferSize       = 16384
	DefaultKeepAliveTimeout = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// KeepAlivePolicy provides the configured keep-alive duration.
type KeepAlivePolicy interface {
	KeepAliveTimeout() time.Duration
}

// FixedKeepAlive is a KeepAlivePolicy returning a constant duration.
type FixedKeepAlive time.Duration

// KeepAliveTimeout implements KeepAlivePolicy.
func (f FixedKeepAlive) KeepAliveTimeout() time.Duration { return time.Duration(f) }

// Config holds the process-wide tunables shared by every job. It is built once
// at startup and never mutated afterwards, so jobs read it without locking.
type Config struct {
	ReadTimeout      time.Duration   // applied before each read phase
	WriteTimeout     time.Duration   // applied before each write phase
	KeepAliveMax     int             // maximum requests served per connection
	BufferSize       int             // socket buffer size in bytes
	HandshakeTimeout time.Duration   // upper bound for a TLS handshake
	KeepAlive        KeepAlivePolicy // keep-alive window provider
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		KeepAliveMax:     DefaultKeepAliveMax,
		BufferSize:       DefaultBufferSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		KeepAlive:        FixedKeepAlive(DefaultKeepAliveTimeout),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.ReadTimeout <= 0:
		return fmt.Errorf("job config: read timeout must be positive, got %s", c.ReadTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("job config: write timeout must be positive, got %s", c.WriteTimeout)
	case c.KeepAliveMax <= 0:
		return fmt.Errorf("job config: keep-alive max must be positive, got %d", c.KeepAliveMax)
	case c.BufferSize <= 0:
		return fmt.Errorf("job config: buffer size must be positive, got %d", c.BufferSize)
	case c.HandshakeTimeout < 0:
		return fmt.Errorf("job config: handshake timeout must not be negative, got %s", c.HandshakeTimeout)
	case c.KeepAlive == nil:
		return fmt.Errorf("job config: keep-alive policy is required")
	}
	return nil
}
