package quic

import (
	"net"

	"github.com/goburrow/quic/transport"
)

// EventConnAccept and EventConnClose share transport.Event's Type field so
// a Handler can switch over connection- and stream-level events together,
// as cmd/quince does.
const (
	EventConnAccept = transport.EventConnAccept
	EventConnClose  = transport.EventConnClose
)

// Conn is the application-facing view of a QUIC connection multiplexed
// over a socket context. Its methods call straight into the underlying
// transport.Conn without queuing or locking, so they are safe only on the
// socket's event-loop goroutine, which is where Handler.Serve runs.
type Conn interface {
	// RemoteAddr returns the address of the peer.
	RemoteAddr() net.Addr
	// Stream returns (creating if necessary) the stream with the given
	// id, for the application to Read from or Write to.
	Stream(id uint64) *transport.Stream
	// Close begins closing the connection, optionally with an
	// application-level error code and reason.
	Close(errCode uint64, reason string)
}

// Handler reacts to connection and stream events raised by a Client or
// Server's event loop.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// remoteConn is one multiplexed connection: the transport state machine
// plus the socket-level bookkeeping (peer address, logging) the quic
// package layers on top.
type remoteConn struct {
	addr *net.UDPAddr
	scid []byte
	conn *transport.Conn

	// pendingEvents is reused across serviceConn calls to avoid an
	// allocation on every wakeup; it is only ever touched by the socket
	// context's single event-loop goroutine.
	pendingEvents []transport.Event
	closed        bool
}

func newRemoteConn(addr *net.UDPAddr, scid []byte, conn *transport.Conn) *remoteConn {
	return &remoteConn{addr: addr, scid: scid, conn: conn}
}

func (c *remoteConn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *remoteConn) Stream(id uint64) *transport.Stream {
	st, err := c.conn.Stream(id)
	if err != nil {
		return nil
	}
	return st
}

func (c *remoteConn) Close(errCode uint64, reason string) {
	c.conn.Close(true, errCode, reason)
}
