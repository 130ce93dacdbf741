package quic

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/goburrow/quic/transport"
)

// cidLength is the size, in bytes, of the connection ids this socket
// context mints for itself. It must stay fixed for the life of the
// socket: short-header packets do not carry their DCID length on the
// wire, so DecodeHeader must be told what to expect.
const cidLength = 16

// socketContext owns one UDP socket and every transport.Conn multiplexed
// over it. It follows the single cooperative loop the transport package
// itself is built around: receive, react, attempt_send, recompute timer.
// Connections are created, fed and drained only on this loop, and the
// Handler is invoked from it; Conn methods called from any other goroutine
// are not synchronized with it.
type socketContext struct {
	udp *net.UDPConn

	config   *transport.Config
	isClient bool

	handlerMu sync.RWMutex
	handler   Handler

	logger  *logger
	metrics *metrics

	mu    sync.Mutex
	conns map[string]*remoteConn

	connectRequests chan connectRequest

	group  *errgroup.Group
	cancel context.CancelFunc
}

func newSocketContext(udp *net.UDPConn, config *transport.Config, isClient bool) *socketContext {
	tuneSocketBuffers(udp)
	return &socketContext{
		udp:             udp,
		config:          config,
		isClient:        isClient,
		conns:           make(map[string]*remoteConn),
		connectRequests: make(chan connectRequest, 8),
	}
}

// tuneSocketBuffers raises the kernel socket buffer sizes past Go's
// default so a burst of datagrams across many multiplexed connections
// does not get dropped by the kernel before recvLoop ever sees it.
func tuneSocketBuffers(udp *net.UDPConn) {
	const wantBufSize = 4 << 20 // 4 MiB
	sc, err := udp.SyscallConn()
	if err != nil {
		return
	}
	sc.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, wantBufSize)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, wantBufSize)
	})
}

func (s *socketContext) setHandler(h Handler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *socketContext) getHandler() Handler {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	return h
}

func newConnID() ([]byte, error) {
	b := make([]byte, cidLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func connKey(cid []byte) string {
	return string(cid)
}

// connectRequest asks the event loop to dial a new outbound connection.
// It is the only way application goroutines (Client.Connect) reach into
// socket state: the request is queued and the event loop goroutine, and
// only that goroutine, ever constructs or registers a transport.Conn.
type connectRequest struct {
	addr   *net.UDPAddr
	result chan connectResult
}

type connectResult struct {
	rc  *remoteConn
	err error
}

// requestConnect blocks until the event loop has dialed addr (or the
// context is cancelled), returning the newly registered connection.
func (s *socketContext) requestConnect(ctx context.Context, addr *net.UDPAddr) (*remoteConn, error) {
	req := connectRequest{addr: addr, result: make(chan connectResult, 1)}
	select {
	case s.connectRequests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.rc, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doConnect starts a new client connection to addr, registering it under
// a freshly minted source connection id so incoming replies can be
// routed back to it once the handshake gets underway. Only the event
// loop goroutine may call this.
func (s *socketContext) doConnect(addr *net.UDPAddr) (*remoteConn, error) {
	scid, err := newConnID()
	if err != nil {
		return nil, err
	}
	tr, err := transport.Connect(scid, s.config)
	if err != nil {
		return nil, err
	}
	rc := newRemoteConn(addr, scid, tr)
	s.addConn(rc)
	if s.logger != nil {
		s.logger.attachLogger(rc)
	}
	if s.metrics != nil {
		s.metrics.connOpened()
	}
	s.flushOutbound(rc)
	return rc, nil
}

// accept admits a new server-side connection for an Initial packet whose
// destination CID does not match any connection this socket already
// knows about. odcid is the client's original, randomly chosen DCID,
// which the transport layer must echo back in its transport parameters.
func (s *socketContext) accept(addr *net.UDPAddr, odcid []byte) (*remoteConn, error) {
	scid, err := newConnID()
	if err != nil {
		return nil, err
	}
	tr, err := transport.Accept(scid, odcid, s.config)
	if err != nil {
		return nil, err
	}
	rc := newRemoteConn(addr, scid, tr)
	s.addConn(rc)
	// The client keeps addressing its Initial retransmits to odcid until
	// it sees our first reply and switches to our scid, so route on both.
	s.mu.Lock()
	s.conns[connKey(odcid)] = rc
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.attachLogger(rc)
	}
	if s.metrics != nil {
		s.metrics.connOpened()
	}
	return rc, nil
}

func (s *socketContext) addConn(rc *remoteConn) {
	s.mu.Lock()
	s.conns[connKey(rc.scid)] = rc
	s.mu.Unlock()
}

func (s *socketContext) removeConn(rc *remoteConn, odcid []byte) {
	s.mu.Lock()
	delete(s.conns, connKey(rc.scid))
	if len(odcid) > 0 {
		delete(s.conns, connKey(odcid))
	}
	s.mu.Unlock()
}

func (s *socketContext) findConn(dcid []byte) *remoteConn {
	s.mu.Lock()
	rc := s.conns[connKey(dcid)]
	s.mu.Unlock()
	return rc
}

func (s *socketContext) snapshotConns() []*remoteConn {
	s.mu.Lock()
	out := make([]*remoteConn, 0, len(s.conns))
	seen := make(map[*remoteConn]bool, len(s.conns))
	for _, rc := range s.conns {
		if !seen[rc] {
			seen[rc] = true
			out = append(out, rc)
		}
	}
	s.mu.Unlock()
	return out
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// run drives the socket until ctx is cancelled or an unrecoverable I/O
// error occurs. It splits the work across two goroutines coordinated by
// an errgroup: one blocks on the kernel's recvfrom, the other owns every
// transport.Conn and is the only goroutine allowed to call into one.
func (s *socketContext) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	datagrams := make(chan datagram, 256)
	g.Go(func() error {
		defer close(datagrams)
		return s.recvLoop(gctx, datagrams)
	})
	g.Go(func() error {
		return s.eventLoop(gctx, datagrams)
	})
	return g.Wait()
}

func (s *socketContext) close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.udp.Close()
	if s.group != nil {
		s.group.Wait()
	}
	return err
}

func (s *socketContext) recvLoop(ctx context.Context, out chan<- datagram) error {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		s.udp.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- datagram{data: data, addr: addr}:
		case <-ctx.Done():
			return nil
		}
	}
}

// eventLoop is the single goroutine that ever calls into a transport.Conn.
// It wakes on whichever comes first: a datagram to consume, or the
// earliest timer deadline across every connection it owns.
func (s *socketContext) eventLoop(ctx context.Context, in <-chan datagram) error {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		s.armTimer(timer)
		select {
		case <-ctx.Done():
			return nil
		case dg, ok := <-in:
			if !ok {
				return nil
			}
			s.handleDatagram(dg)
		case req := <-s.connectRequests:
			rc, err := s.doConnect(req.addr)
			req.result <- connectResult{rc: rc, err: err}
		case <-timer.C:
			s.handleTimeouts()
		}
		s.reapClosed()
	}
}

func (s *socketContext) armTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := s.nextTimeout()
	if d < 0 {
		d = time.Second
	}
	timer.Reset(d)
}

func (s *socketContext) nextTimeout() time.Duration {
	var min time.Duration = -1
	for _, rc := range s.snapshotConns() {
		d := rc.conn.Timeout()
		if d < 0 {
			continue
		}
		if min < 0 || d < min {
			min = d
		}
	}
	return min
}

func (s *socketContext) handleDatagram(dg datagram) {
	dcid, isLong, err := transport.DecodeHeader(dg.data, cidLength)
	if err != nil {
		if s.metrics != nil {
			s.metrics.packetDropped()
		}
		return
	}
	rc := s.findConn(dcid)
	if rc == nil {
		if s.isClient || !isLong || dg.data[0]&0x30 != 0 {
			// A server only accepts on an Initial packet (long-header type
			// bits 0x30 clear); it would have no keys to read any other
			// packet with. A client never accepts inbound connections at all.
			if s.metrics != nil {
				s.metrics.packetDropped()
			}
			return
		}
		rc, err = s.accept(dg.addr, dcid)
		if err != nil {
			if s.metrics != nil {
				s.metrics.packetDropped()
			}
			return
		}
	}
	if s.metrics != nil {
		s.metrics.packetReceived()
	}
	wasEstablished := rc.conn.IsEstablished()
	if _, err := rc.conn.Write(dg.data); err != nil {
		s.logError("connection %x: %v", rc.scid, err)
	}
	s.serviceConn(rc, wasEstablished)
}

func (s *socketContext) handleTimeouts() {
	for _, rc := range s.snapshotConns() {
		if rc.conn.Timeout() != 0 {
			continue
		}
		wasEstablished := rc.conn.IsEstablished()
		// An empty Write still runs the connection's checkTimeout path;
		// it is the only exported hook that does.
		if _, err := rc.conn.Write(nil); err != nil {
			s.logError("connection %x: %v", rc.scid, err)
		}
		s.serviceConn(rc, wasEstablished)
	}
}

// serviceConn drains a connection's outgoing datagrams and application
// events after something changed its state, following up with the
// connect/close bookkeeping events a Handler expects alongside the
// transport's own stream events.
func (s *socketContext) serviceConn(rc *remoteConn, wasEstablished bool) {
	s.flushOutbound(rc)

	events := rc.conn.Events(rc.pendingEvents[:0])
	if !wasEstablished && rc.conn.IsEstablished() {
		events = append(events, transport.Event{Type: transport.EventConnAccept})
	}
	closing := rc.conn.IsClosed()
	if closing {
		events = append(events, transport.Event{Type: transport.EventConnClose})
	}
	rc.pendingEvents = events[:0]

	if len(events) > 0 {
		if h := s.getHandler(); h != nil {
			h.Serve(rc, events)
		}
	}
	if closing {
		rc.closed = true
	}
}

func (s *socketContext) flushOutbound(rc *remoteConn) {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, err := rc.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := s.udp.WriteToUDP(buf[:n], rc.addr); err != nil {
			s.logError("write to %s: %v", rc.addr, err)
			return
		}
		if s.metrics != nil {
			s.metrics.packetSent()
		}
	}
}

func (s *socketContext) reapClosed() {
	for _, rc := range s.snapshotConns() {
		if rc.closed {
			s.removeConn(rc, rc.conn.OriginalDestinationCID())
			if s.logger != nil {
				s.logger.detachLogger(rc)
			}
			if s.metrics != nil {
				s.metrics.connClosed()
			}
		}
	}
}

func (s *socketContext) logError(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.log(levelError, format, args...)
	}
}
