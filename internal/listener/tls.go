package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// TLS is a TCP listener that also performs server-side TLS handshakes. Accept
// returns the raw connection; the job decides when to handshake.
type TLS struct {
	*TCP
	config *tls.Config
}

// ListenTLS opens a TCP listener on addr serving TLS with cfg.
func ListenTLS(ctx context.Context, addr string, cfg *tls.Config, opts ...Option) (*TLS, error) {
	if cfg == nil {
		return nil, errors.New("listen tls: nil tls config")
	}
	tcp, err := Listen(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &TLS{TCP: tcp, config: cfg}, nil
}

// NewTLS wraps an existing TCP listener.
func NewTLS(tcp *TCP, cfg *tls.Config) *TLS {
	return &TLS{TCP: tcp, config: cfg}
}

// Handshake runs the server handshake on conn and returns the encrypted
// connection. On failure conn is left open for the caller to close.
func (l *TLS) Handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if conn == nil {
		return nil, errors.New("tls handshake: nil connection")
	}
	tc := tls.Server(conn, l.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// LoadTLSConfig builds a server configuration from PEM files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s/%s: %w", certFile, keyFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
