package quic

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goburrow/quic/transport"
)

// Server accepts inbound QUIC connections on a single UDP socket,
// admitting a new transport.Conn the first time an Initial packet
// arrives for a connection id it has not seen before.
type Server struct {
	config  *transport.Config
	socket  *socketContext
	logger  *logger
	handler Handler
	metrics *metrics

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewServer returns a Server ready to have a handler and logger attached
// before ListenAndServe opens its socket.
func NewServer(config *transport.Config) *Server {
	if config == nil {
		config = transport.NewConfig()
	}
	return &Server{
		config: config,
		logger: &logger{level: levelOff},
	}
}

// SetHandler installs the callback invoked with connection and stream
// events as they occur.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
	if s.socket != nil {
		s.socket.setHandler(h)
	}
}

// SetLogger enables qlog-style connection tracing at the given verbosity
// (0=off 1=error 2=info 3=debug 4=trace), writing to w.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.logger.level = logLevel(level)
	s.logger.setWriter(w)
}

// SetMetrics registers Prometheus collectors for this server's socket
// under reg.
func (s *Server) SetMetrics(reg prometheus.Registerer) {
	s.metrics = newMetrics(reg)
	if s.socket != nil {
		s.socket.metrics = s.metrics
	}
}

// ListenAndServe binds addr and runs the accept/event loop until Close is
// called or the socket fails. It blocks for the lifetime of the server.
func (s *Server) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.socket = newSocketContext(udp, s.config, false)
	s.socket.logger = s.logger
	s.socket.handler = s.handler
	s.socket.metrics = s.metrics

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return s.socket.run(ctx)
}

// Close stops the accept/event loop, unblocking ListenAndServe.
func (s *Server) Close() error {
	if s.socket == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.socket.close()
	})
	return err
}
