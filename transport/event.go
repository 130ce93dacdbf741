package transport

// EventType identifies what kind of Event was raised by a Conn.
type EventType uint8

// Event kinds raised by Conn.Events.
const (
	// EventStream is raised when a stream has newly-readable data.
	EventStream EventType = iota
	// EventStreamReset is raised when the peer reset a stream we were
	// receiving.
	EventStreamReset
	// EventStreamStop is raised when the peer asked us to stop sending on
	// a stream.
	EventStreamStop
	// EventStreamComplete is raised once all data written to a stream,
	// including its FIN, has been acknowledged.
	EventStreamComplete
	// EventConnAccept is raised once, the first time a connection's
	// handshake completes (client or server side).
	EventConnAccept
	// EventConnClose is raised once a connection has fully drained and
	// will no longer send or receive anything.
	EventConnClose
)

func (t EventType) String() string {
	switch t {
	case EventStream:
		return "stream"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamComplete:
		return "stream_complete"
	case EventConnAccept:
		return "conn_accept"
	case EventConnClose:
		return "conn_close"
	}
	return "unknown"
}

// Event is a notification of something an application needs to react to:
// data arrived on a stream, a stream was reset or stopped, or a stream's
// writes all got acknowledged.
type Event struct {
	Type      EventType
	StreamID  uint64
	ErrorCode uint64
}

func newStreamRecvEvent(streamID uint64) Event {
	return Event{Type: EventStream, StreamID: streamID}
}

func newStreamResetEvent(streamID, errorCode uint64) Event {
	return Event{Type: EventStreamReset, StreamID: streamID, ErrorCode: errorCode}
}

func newStreamStopEvent(streamID, errorCode uint64) Event {
	return Event{Type: EventStreamStop, StreamID: streamID, ErrorCode: errorCode}
}

func newStreamCompleteEvent(streamID uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: streamID}
}
