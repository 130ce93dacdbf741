package transport

// flowControl tracks one direction pair of flow control limits: how much
// more we will accept from the peer (recv side) and how much more the
// peer has told us we may send (send side). The same type backs both the
// connection-wide limit and each stream's own limit.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-4
type flowControl struct {
	recvMax     uint64 // limit advertised to the peer so far
	recvWindow  uint64 // auto-tuning increment, fixed to the initial limit
	received    uint64 // total bytes counted via addRecv
	maxRecvNext uint64 // candidate value for the next MAX_DATA/MAX_STREAM_DATA

	sendMax uint64 // limit the peer has advertised to us
	sent    uint64 // total bytes counted via addSend
}

func (f *flowControl) init(maxRecv, maxSend uint64) {
	f.recvMax = maxRecv
	f.recvWindow = maxRecv
	f.maxRecvNext = maxRecv
	f.sendMax = maxSend
}

// canRecv returns how many more bytes we will accept before violating the
// limit we advertised.
func (f *flowControl) canRecv() uint64 {
	if f.received >= f.recvMax {
		return 0
	}
	return f.recvMax - f.received
}

func (f *flowControl) addRecv(n int) {
	f.received += uint64(n)
}

// shouldUpdateMaxRecv reports whether half of the current receive window
// has been consumed, at which point the window should be extended rather
// than waiting for it to be fully exhausted.
func (f *flowControl) shouldUpdateMaxRecv() bool {
	if f.recvWindow == 0 {
		return false
	}
	if f.received < f.recvMax-f.recvWindow/2 {
		return false
	}
	f.maxRecvNext = f.recvMax + f.recvWindow
	return true
}

// commitMaxRecv is called once the MAX_DATA/MAX_STREAM_DATA frame
// advertising maxRecvNext has actually been queued for sending.
func (f *flowControl) commitMaxRecv() {
	f.recvMax = f.maxRecvNext
}

func (f *flowControl) setMaxSend(max uint64) {
	if max > f.sendMax {
		f.sendMax = max
	}
}

// canSend returns how many more bytes the peer currently allows us to
// send.
func (f *flowControl) canSend() uint64 {
	if f.sent >= f.sendMax {
		return 0
	}
	return f.sendMax - f.sent
}

func (f *flowControl) addSend(n int) {
	f.sent += uint64(n)
}
