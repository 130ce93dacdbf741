package transport

// sendBuffer and recvBuffer implement the outbound and inbound halves of
// a reliable byte stream shared by CRYPTO data and application STREAM
// data (Section 2.2 of the transport draft treats CRYPTO streams as
// STREAM-like but frame-addressed rather than id-addressed).
//
// Each tracks byte ranges, not individual bytes: pending/in-flight/acked
// for the send side, received/delivered for the receive side. The send
// side releases its acknowledged prefix on ack (trim); the receive side
// keeps every byte it has buffered for the life of the stream.

// sendBuffer is the Pending/InFlight/Acked/Lost state machine for one
// direction of outbound data (Section 4.5.1: outbound buffer).
type sendBuffer struct {
	buf     []byte // buf[i] holds stream byte at offset base+i
	base    int64
	length  int64 // offset one past the last byte written
	pending rangeSet
	acked   rangeSet

	finSet     bool
	finOffset  int64
	finPending bool
	finAcked   bool
}

// push buffers data at the given stream offset and marks it (or
// re-marks it, for retransmission after loss) pending. offset must not
// be beyond the current end of buffered data, i.e. gaps
// in application writes are not supported; retransmission always
// resupplies a previously-written range.
func (b *sendBuffer) push(data []byte, offset int64, fin bool) error {
	end := offset + int64(len(data))
	if end > b.length {
		if offset > b.length {
			return newError(InternalError, "send buffer gap")
		}
		grow := data[b.length-offset:]
		b.buf = append(b.buf, grow...)
		b.length = end
	} else if len(data) > 0 {
		copyStart := max64(offset, b.base)
		if copyStart < end {
			copy(b.buf[copyStart-b.base:end-b.base], data[copyStart-offset:])
		}
	}
	for _, g := range b.acked.notContaining(offset, end) {
		b.pending.add(g.start, g.end)
	}
	if fin {
		if b.finSet && b.finOffset != end {
			return newError(FinalSizeError, "")
		}
		b.finSet = true
		b.finOffset = end
		if !b.finAcked {
			b.finPending = true
		}
	}
	return nil
}

// popSend returns up to max bytes of the earliest pending data (or the
// empty FIN marker if all data has been sent and only FIN remains
// pending), moving it from pending to in-flight.
func (b *sendBuffer) popSend(max int) (data []byte, offset int64, fin bool) {
	if len(b.pending) > 0 {
		r := b.pending[0]
		end := r.end
		if end-r.start > int64(max) {
			end = r.start + int64(max)
		}
		data = b.buf[r.start-b.base : end-b.base]
		b.pending.removeLessThan(end)
		fin = b.finSet && end == b.finOffset
		if fin {
			b.finPending = false
		}
		return data, r.start, fin
	}
	if b.finPending {
		b.finPending = false
		return nil, b.finOffset, true
	}
	return nil, 0, false
}

// ack records [offset, offset+length) as acknowledged by the peer.
func (b *sendBuffer) ack(offset int64, length uint64) {
	end := offset + int64(length)
	b.acked.add(offset, end)
	b.pending.remove(offset, end)
	if b.finSet && end == b.finOffset {
		b.finAcked = true
	}
	b.trim()
}

// trim releases the prefix of buf that has been fully acknowledged.
func (b *sendBuffer) trim() {
	if len(b.acked) == 0 || b.acked[0].start != b.base {
		return
	}
	newBase := b.acked[0].end
	if newBase <= b.base {
		return
	}
	b.buf = b.buf[newBase-b.base:]
	b.base = newBase
}

// complete reports whether all data, including FIN, has been
// acknowledged.
func (b *sendBuffer) complete() bool {
	if !b.finSet || !b.finAcked {
		return false
	}
	return len(b.acked) == 1 && b.acked[0].start <= b.base && b.acked[0].end >= b.finOffset
}

// recvBuffer reassembles out-of-order inbound data and tracks how much
// has been delivered to the application (Section 4.5.2: inbound buffer).
type recvBuffer struct {
	buf      []byte
	base     int64
	read     int64 // offset up to which data has been delivered
	received rangeSet

	finSet       bool
	finOffset    int64
	maxOffsetSeen int64
}

// push records data arriving at offset, growing the reassembly buffer as
// needed and validating it against any previously-declared final size.
func (b *recvBuffer) push(data []byte, offset int64, fin bool) error {
	end := offset + int64(len(data))
	if b.finSet && end > b.finOffset {
		return newError(FinalSizeError, "")
	}
	if fin {
		if b.finSet && b.finOffset != end {
			return newError(FinalSizeError, "")
		}
		b.finSet = true
		b.finOffset = end
	}
	if end > b.maxOffsetSeen {
		b.maxOffsetSeen = end
	}
	if len(data) == 0 {
		return nil
	}
	if end > b.base+int64(len(b.buf)) {
		grown := make([]byte, end-b.base)
		copy(grown, b.buf)
		b.buf = grown
	}
	if offset >= b.base {
		copy(b.buf[offset-b.base:end-b.base], data)
	} else if end > b.base {
		copy(b.buf[0:end-b.base], data[b.base-offset:])
	}
	b.received.add(offset, end)
	return nil
}

// pop returns the next contiguous chunk of data ready for delivery,
// advancing the read cursor, and whether the stream has ended.
func (b *recvBuffer) pop(max int) (data []byte, fin bool) {
	for _, r := range b.received {
		if r.start <= b.read && r.end > b.read {
			end := r.end
			if end-b.read > int64(max) {
				end = b.read + int64(max)
			}
			data = append([]byte(nil), b.buf[b.read-b.base:end-b.base]...)
			b.read = end
			fin = b.finSet && b.read == b.finOffset
			return data, fin
		}
	}
	return nil, b.finSet && b.read == b.finOffset
}

// reset applies a RESET_STREAM final size, returning the number of
// previously-uncounted bytes the connection-level flow controller should
// now credit.
func (b *recvBuffer) reset(finalSize uint64) (int, error) {
	fs := int64(finalSize)
	if b.finSet && b.finOffset != fs {
		return 0, newError(FinalSizeError, "")
	}
	if fs < b.maxOffsetSeen {
		return 0, newError(FinalSizeError, "")
	}
	delta := fs - b.maxOffsetSeen
	b.maxOffsetSeen = fs
	b.finSet = true
	b.finOffset = fs
	return int(delta), nil
}
