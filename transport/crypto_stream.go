package transport

// cryptoStream carries the CRYPTO frames of a single packet number space:
// an ordered, reliable byte stream addressed by frame offset rather than
// a stream id, used to move TLS handshake bytes across the connection.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-cryptographic-handshake
type cryptoStream struct {
	send sendBuffer
	recv recvBuffer
}

// pushRecv buffers data received in a CRYPTO frame for later consumption
// by the TLS handshake driver via popRecv.
func (c *cryptoStream) pushRecv(data []byte, offset uint64, fin bool) error {
	return c.recv.push(data, int64(offset), fin)
}

// popRecv returns the next contiguous chunk of handshake data ready for
// the TLS state machine, if any.
func (c *cryptoStream) popRecv() []byte {
	data, _ := c.recv.pop(1 << 20)
	return data
}

// pushSend queues handshake data generated by the TLS state machine for
// transmission.
func (c *cryptoStream) pushSend(data []byte) {
	c.send.push(data, c.send.length, false)
}

// popSend returns up to max bytes of handshake data ready to (re)send.
func (c *cryptoStream) popSend(max int) (data []byte, offset uint64, fin bool) {
	d, off, f := c.send.popSend(max)
	return d, uint64(off), f
}
