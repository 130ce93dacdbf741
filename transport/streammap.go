package transport

// Stream id low bits encode who opened it and whether it is
// bidirectional, per https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-2.1
const (
	streamIDInitiatorMask = 0x1
	streamIDDirMask       = 0x2

	streamIDClientInitiated = 0x0
	streamIDServerInitiated = 0x1
	streamIDBidi            = 0x0
	streamIDUni             = 0x2
)

// isStreamLocal reports whether id was (or would be) opened by the local
// endpoint.
func isStreamLocal(id uint64, isClient bool) bool {
	initiator := id & streamIDInitiatorMask
	if isClient {
		return initiator == streamIDClientInitiated
	}
	return initiator == streamIDServerInitiated
}

// isStreamBidi reports whether id names a bidirectional stream.
func isStreamBidi(id uint64) bool {
	return id&streamIDDirMask == streamIDBidi
}

// streamIndex returns the ordinal of id among streams of its own
// type+direction, counting from 0.
func streamIndex(id uint64) uint64 {
	return id >> 2
}

// streamMap owns every Stream of a connection, indexed by id, and
// enforces the MAX_STREAMS limits in both directions.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-4.6
type streamMap struct {
	streams map[uint64]*Stream

	// Limits on streams the peer may open, advertised to them via our
	// own transport parameters / MAX_STREAMS frames.
	localMaxStreamsBidi uint64
	localMaxStreamsUni  uint64

	// Limits on streams we may open, learned from the peer.
	peerMaxStreamsBidi uint64
	peerMaxStreamsUni  uint64

	// Count of locally-opened streams of each type. create checks
	// peerMaxStreamsBidi/Uni against the stream's index, not these counts.
	localOpenedBidi uint64
	localOpenedUni  uint64
}

func (m *streamMap) init(maxStreamsBidi, maxStreamsUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.localMaxStreamsBidi = maxStreamsBidi
	m.localMaxStreamsUni = maxStreamsUni
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

// create opens a new stream, validating it against the appropriate
// MAX_STREAMS limit depending on who is opening it.
func (m *streamMap) create(id uint64, local, bidi bool) (*Stream, error) {
	idx := streamIndex(id)
	if local {
		if bidi {
			if idx >= m.peerMaxStreamsBidi {
				return nil, newError(StreamLimitError, sprint("bidi stream limit ", m.peerMaxStreamsBidi))
			}
			m.localOpenedBidi++
		} else {
			if idx >= m.peerMaxStreamsUni {
				return nil, newError(StreamLimitError, sprint("uni stream limit ", m.peerMaxStreamsUni))
			}
			m.localOpenedUni++
		}
	} else {
		if bidi {
			if idx >= m.localMaxStreamsBidi {
				return nil, newError(StreamLimitError, sprint("bidi stream limit ", m.localMaxStreamsBidi))
			}
		} else {
			if idx >= m.localMaxStreamsUni {
				return nil, newError(StreamLimitError, sprint("uni stream limit ", m.localMaxStreamsUni))
			}
		}
	}
	st := newStream(id)
	m.streams[id] = st
	return st, nil
}

func (m *streamMap) setPeerMaxStreamsBidi(n uint64) {
	if n > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = n
	}
}

func (m *streamMap) setPeerMaxStreamsUni(n uint64) {
	if n > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = n
	}
}

// hasFlushable reports whether any stream has data, a FIN or a
// MAX_STREAM_DATA update waiting to be sent.
func (m *streamMap) hasFlushable() bool {
	for _, st := range m.streams {
		if len(st.send.pending) > 0 || st.send.finPending {
			return true
		}
		if st.updateMaxData {
			return true
		}
	}
	return false
}
