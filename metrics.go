package quic

import "github.com/prometheus/client_golang/prometheus"

// metrics exposes Prometheus counters and gauges for one socket context.
// Every method is safe to call from the event loop goroutine only; the
// underlying collectors are themselves safe for concurrent Collect calls
// by a registry's scrape handler running on another goroutine.
type metrics struct {
	packetsReceived prometheus.Counter
	packetsSent     prometheus.Counter
	packetsDropped  prometheus.Counter
	connsActive     prometheus.Gauge
	connsTotal      prometheus.Counter
}

// newMetrics builds and registers a metrics set under reg, prefixing
// every collector with "quic_". Passing a nil registry is fine; the
// collectors are still created and usable, just never scraped.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_packets_received_total",
			Help: "UDP datagrams routed to a connection.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_packets_sent_total",
			Help: "UDP datagrams written to the socket.",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_packets_dropped_total",
			Help: "Datagrams dropped before reaching any connection: undecodable headers, or no matching or acceptable connection.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_connections_active",
			Help: "Connections currently tracked by the socket context.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_connections_total",
			Help: "Connections accepted or dialed over the lifetime of the socket.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsReceived, m.packetsSent, m.packetsDropped, m.connsActive, m.connsTotal)
	}
	return m
}

func (m *metrics) packetReceived() { m.packetsReceived.Inc() }
func (m *metrics) packetSent()     { m.packetsSent.Inc() }
func (m *metrics) packetDropped()  { m.packetsDropped.Inc() }

func (m *metrics) connOpened() {
	m.connsTotal.Inc()
	m.connsActive.Inc()
}

func (m *metrics) connClosed() {
	m.connsActive.Dec()
}
