package job

import (
	"crypto/tls"
	"net"
	"syscall"
)

// rawConn unwraps TLS connections and returns the syscall view of conn.
func rawConn(conn net.Conn) (syscall.RawConn, error) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNoDescriptor
	}
	return sc.SyscallConn()
}

func descriptor(conn net.Conn) (uintptr, error) {
	raw, err := rawConn(conn)
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := raw.Control(func(s uintptr) { fd = s }); err != nil {
		return 0, err
	}
	return fd, nil
}

// markCloseOnExec sets FD_CLOEXEC on the connection's descriptor. Connections
// without a descriptor (in-memory pipes) are left alone.
func markCloseOnExec(conn net.Conn) error {
	raw, err := rawConn(conn)
	if err == ErrNoDescriptor {
		return nil
	}
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) { setCloseOnExec(fd) })
}
