package quic

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goburrow/quic/transport"
)

var errClientNotListening = errors.New("quic: client is not listening, call ListenAndServe first")

// Client dials outbound QUIC connections over a single UDP socket. A
// Client may have many connections multiplexed over it at once; which
// connection a given datagram belongs to is tracked by connection id,
// not by the 4-tuple, so it tolerates the peer changing address.
type Client struct {
	config  *transport.Config
	socket  *socketContext
	logger  *logger
	handler Handler
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	runErr chan error
}

// NewClient returns a Client ready to have a handler and logger attached
// before ListenAndServe opens its socket.
func NewClient(config *transport.Config) *Client {
	if config == nil {
		config = transport.NewConfig()
	}
	return &Client{
		config: config,
		logger: &logger{level: levelOff},
	}
}

// SetHandler installs the callback invoked with connection and stream
// events as they occur. It may be called at any time, including while
// ListenAndServe is already running.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
	if c.socket != nil {
		c.socket.setHandler(h)
	}
}

// SetLogger enables qlog-style connection tracing at the given verbosity
// (0=off 1=error 2=info 3=debug 4=trace), writing to w.
func (c *Client) SetLogger(level int, w io.Writer) {
	c.logger.level = logLevel(level)
	c.logger.setWriter(w)
}

// SetMetrics registers Prometheus collectors for this client's socket
// under reg.
func (c *Client) SetMetrics(reg prometheus.Registerer) {
	c.metrics = newMetrics(reg)
	if c.socket != nil {
		c.socket.metrics = c.metrics
	}
}

// ListenAndServe opens the client's local UDP socket on addr (commonly
// "0.0.0.0:0" to let the kernel pick a port) and starts its event loop in
// the background. It returns once the socket is bound; use Close to stop
// the loop.
func (c *Client) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	c.socket = newSocketContext(udp, c.config, true)
	c.socket.logger = c.logger
	c.socket.handler = c.handler
	c.socket.metrics = c.metrics
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.runErr = make(chan error, 1)
	go func() {
		c.runErr <- c.socket.run(c.ctx)
	}()
	return nil
}

// Connect dials a new connection to addr and returns once its Initial
// packet has been sent. The handshake itself completes asynchronously;
// its result is reported to the Handler as an EventConnAccept event.
func (c *Client) Connect(addr string) error {
	if c.socket == nil {
		return errClientNotListening
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = c.socket.requestConnect(c.ctx, udpAddr)
	return err
}

// Close stops the event loop and closes the underlying socket, waiting
// for any in-flight work to settle.
func (c *Client) Close() error {
	if c.socket == nil {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.socket.close()
	if c.runErr != nil {
		if runErr := <-c.runErr; runErr != nil && err == nil {
			err = runErr
		}
	}
	return err
}
