package server

import (
	"net"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// SafeConn wraps a net.Conn so frames are never interleaved on the wire and
// Close is idempotent. In normal operation only the session's writer
// goroutine writes, but shutdown paths may race with it.
type SafeConn struct {
	conn      net.Conn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteMessage frames msg with the given type and writes it in one call.
func (sc *SafeConn) WriteMessage(frameType uint8, msg *protocol.Message) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteMessage(sc.conn, frameType, msg)
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close closes the underlying connection once
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
