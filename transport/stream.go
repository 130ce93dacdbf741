package transport

import "io"

// Stream is a single QUIC stream: an ordered, reliable (within its own
// offset space) byte stream multiplexed over a connection.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-2
type Stream struct {
	id uint64

	send sendBuffer
	recv recvBuffer

	flow     flowControl
	connFlow *flowControl // shared with the owning Conn, for read-credit bookkeeping

	updateMaxData bool // whether a MAX_STREAM_DATA needs to be sent
}

func newStream(id uint64) *Stream {
	return &Stream{id: id}
}

// ID returns the stream's identifier.
func (st *Stream) ID() uint64 {
	return st.id
}

// pushRecv buffers data arriving in a STREAM frame and updates the
// stream-level receive window, queuing a MAX_STREAM_DATA update once
// half of it has been consumed.
func (st *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	if err := st.recv.push(data, int64(offset), fin); err != nil {
		return err
	}
	st.flow.addRecv(len(data))
	if st.flow.shouldUpdateMaxRecv() {
		st.updateMaxData = true
	}
	return nil
}

// popSend returns up to max bytes of data pending (re)transmission.
func (st *Stream) popSend(max int) (data []byte, offset uint64, fin bool) {
	d, off, f := st.send.popSend(max)
	return d, uint64(off), f
}

// ackMaxData is called once a MAX_STREAM_DATA frame for this stream has
// been acknowledged by the peer.
func (st *Stream) ackMaxData() {
	st.updateMaxData = false
	st.flow.commitMaxRecv()
}

// Write queues application data for sending on this stream, subject to
// the peer's advertised stream-level flow control limit.
func (st *Stream) Write(b []byte) (int, error) {
	if uint64(len(b)) > st.flow.canSend() {
		return 0, errFlowControl
	}
	if err := st.send.push(b, st.send.length, false); err != nil {
		return 0, err
	}
	st.flow.addSend(len(b))
	return len(b), nil
}

// Close marks the stream as finished: no more data will be written.
func (st *Stream) Close() error {
	return st.send.push(nil, st.send.length, true)
}

// Read copies already-received, in-order data into b.
func (st *Stream) Read(b []byte) (int, error) {
	data, fin := st.recv.pop(len(b))
	n := copy(b, data)
	if n == 0 && fin {
		return 0, io.EOF
	}
	return n, nil
}

func (st *Stream) String() string {
	connCredit := uint64(0)
	if st.connFlow != nil {
		connCredit = st.connFlow.canSend()
	}
	return sprint("id=", st.id, " send.length=", st.send.length, " recv.read=", st.recv.read, " conn.canSend=", connCredit)
}
