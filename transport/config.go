package transport

import "crypto/tls"

// Config carries everything needed to establish a new connection: the
// QUIC version to speak, the local transport parameters to advertise,
// and the TLS configuration driving the handshake.
type Config struct {
	Version uint32
	Params  Parameters
	TLS     *tls.Config
}

// NewConfig returns a Config with Version and Params defaulted, ready to
// have TLS filled in by the caller.
func NewConfig() *Config {
	c := &Config{
		Version: Version1,
	}
	c.Params.init()
	return c
}
