package transport

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"time"
)

// Event names follow the qlog QUIC event catalogue so a log consumer
// built against qlog tooling recognizes them unchanged.
// https://quicwg.org/base-drafts/draft-ietf-quic-qlog-quic-events.html
const (
	logEventPacketReceived  = "packet_received"
	logEventPacketSent      = "packet_sent"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
	// logEventConnectionStateUpdated traces transitions of connState,
	// mirroring qlog's connectivity:connection_state_updated event.
	logEventConnectionStateUpdated = "connection_state_updated"
)

// String names a connState the way a log line or qlog trace would want
// to see it; it plays no part in protocol logic.
func (st connState) String() string {
	switch st {
	case stateStart:
		return "start"
	case stateWaitingHandshake:
		return "waiting_handshake"
	case stateHandshakeConfirming:
		return "handshake_confirming"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LogEvent is one qlog-flavored trace record: a timestamped, named
// event carrying a handful of key/value fields.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tm time.Time, tp string) LogEvent {
	return LogEvent{
		Time:   tm,
		Type:   tp,
		Fields: make([]LogField, 0, 8),
	}
}

func (e *LogEvent) addField(k string, v interface{}) {
	e.Fields = append(e.Fields, newLogField(k, v))
}

func (e LogEvent) String() string {
	var buf bytes.Buffer
	buf.WriteString(e.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(e.Type)
	for _, f := range e.Fields {
		buf.WriteByte(' ')
		buf.WriteString(f.String())
	}
	return buf.String()
}

// LogField is one field of a LogEvent: either a string or a number,
// never both. Str == "" means the value lives in Num.
type LogField struct {
	Key string
	Str string
	Num uint64
}

func newLogField(key string, val interface{}) LogField {
	f := LogField{Key: key}
	switch val := val.(type) {
	case int:
		f.Num = uint64(val)
	case int8:
		f.Num = uint64(val)
	case int16:
		f.Num = uint64(val)
	case int32:
		f.Num = uint64(val)
	case int64:
		f.Num = uint64(val)
	case uint:
		f.Num = uint64(val)
	case uint8:
		f.Num = uint64(val)
	case uint16:
		f.Num = uint64(val)
	case uint32:
		f.Num = uint64(val)
	case uint64:
		f.Num = val
	case bool:
		f.Str = strconv.FormatBool(val)
	case string:
		f.Str = val
	case []byte:
		f.Str = hex.EncodeToString(val)
	case []uint32:
		f.Str = formatUint32List(val)
	default:
		panic("unsupported type for log field")
	}
	return f
}

func formatUint32List(vs []uint32) string {
	b := make([]byte, 0, 32)
	b = append(b, '[')
	for i, v := range vs {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, uint64(v), 10)
	}
	b = append(b, ']')
	return string(b)
}

func (f LogField) String() string {
	if f.Str == "" {
		return f.Key + "=" + strconv.FormatUint(f.Num, 10)
	}
	return f.Key + "=" + f.Str
}

// newLogEventState traces a connState transition as a qlog connectivity
// event, so a trace consumer can reconstruct the connection's lifecycle
// without inferring it from packet/frame traffic alone.
func newLogEventState(tm time.Time, old, new connState) LogEvent {
	e := newLogEvent(tm, logEventConnectionStateUpdated)
	e.addField("old", old.String())
	e.addField("new", new.String())
	return e
}

// Log packets

func newLogEventPacket(tm time.Time, tp string, p *packet) LogEvent {
	e := newLogEvent(tm, tp)
	logPacket(&e, p)
	return e
}

func logPacket(e *LogEvent, p *packet) {
	e.addField("packet_type", p.typ.String())
	if p.header.version > 0 {
		e.addField("version", p.header.version)
	}
	if len(p.header.dcid) > 0 {
		e.addField("dcid", p.header.dcid)
	}
	if len(p.header.scid) > 0 {
		e.addField("scid", p.header.scid)
	}
	if p.packetNumber > 0 {
		e.addField("packet_number", p.packetNumber)
	}
	if p.payloadLen > 0 {
		e.addField("payload_length", p.payloadLen)
	}
	if len(p.supportedVersions) > 0 {
		e.addField("supported_versions", p.supportedVersions)
	}
	if len(p.token) > 0 {
		e.addField("stateless_reset_token", p.token)
	}
}

// Log frames

func newLogEventFrame(tm time.Time, tp string, f frame) LogEvent {
	e := newLogEvent(tm, tp)
	switch f := f.(type) {
	case *paddingFrame:
		e.addField("frame_type", "padding")
	case *pingFrame:
		e.addField("frame_type", "ping")
	case *ackFrame:
		logFrameAck(&e, f)
	case *resetStreamFrame:
		logFrameResetStream(&e, f)
	case *stopSendingFrame:
		logFrameStopSending(&e, f)
	case *cryptoFrame:
		logFrameCrypto(&e, f)
	case *newTokenFrame:
		logFrameNewToken(&e, f)
	case *streamFrame:
		logFrameStream(&e, f)
	case *maxDataFrame:
		logFrameMaxData(&e, f)
	case *maxStreamDataFrame:
		logFrameMaxStreamData(&e, f)
	case *maxStreamsFrame:
		logFrameMaxStreams(&e, f)
	case *dataBlockedFrame:
		logFrameDataBlocked(&e, f)
	case *streamDataBlockedFrame:
		logFrameStreamDataBlocked(&e, f)
	case *streamsBlockedFrame:
		logFrameStreamsBlocked(&e, f)
	case *connectionCloseFrame:
		logFrameConnectionClose(&e, f)
	case *handshakeDoneFrame:
		e.addField("frame_type", "handshake_done")
	}
	return e
}

func logFrameAck(e *LogEvent, f *ackFrame) {
	e.addField("frame_type", "ack")
	e.addField("ack_delay", f.ackDelay)
}

func logFrameResetStream(e *LogEvent, f *resetStreamFrame) {
	e.addField("frame_type", "reset_stream")
	e.addField("stream_id", f.streamID)
	e.addField("error_code", f.errorCode)
	e.addField("final_size", f.finalSize)
}

func logFrameStopSending(e *LogEvent, f *stopSendingFrame) {
	e.addField("frame_type", "stop_sending")
	e.addField("stream_id", f.streamID)
	e.addField("error_code", f.errorCode)
}

func logFrameCrypto(e *LogEvent, f *cryptoFrame) {
	e.addField("frame_type", "crypto")
	e.addField("offset", f.offset)
	e.addField("length", len(f.data))
}

func logFrameNewToken(e *LogEvent, f *newTokenFrame) {
	e.addField("frame_type", "new_token")
	e.addField("token", f.token)
}

func logFrameStream(e *LogEvent, f *streamFrame) {
	e.addField("frame_type", "stream")
	e.addField("stream_id", f.streamID)
	e.addField("offset", f.offset)
	e.addField("length", len(f.data))
	e.addField("fin", f.fin)
}

func logFrameMaxData(e *LogEvent, f *maxDataFrame) {
	e.addField("frame_type", "max_data")
	e.addField("maximum", f.maximumData)
}

func logFrameMaxStreamData(e *LogEvent, f *maxStreamDataFrame) {
	e.addField("frame_type", "max_stream_data")
	e.addField("stream_id", f.streamID)
	e.addField("maximum", f.maximumData)
}

func logFrameMaxStreams(e *LogEvent, f *maxStreamsFrame) {
	e.addField("frame_type", "max_streams")
	e.addField("stream_type", streamTypeLabel(f.bidi))
	e.addField("maximum", f.maximumStreams)
}

func logFrameDataBlocked(e *LogEvent, f *dataBlockedFrame) {
	e.addField("frame_type", "data_blocked")
	e.addField("limit", f.dataLimit)
}

func logFrameStreamDataBlocked(e *LogEvent, f *streamDataBlockedFrame) {
	e.addField("frame_type", "stream_data_blocked")
	e.addField("stream_id", f.streamID)
	e.addField("limit", f.dataLimit)
}

func logFrameStreamsBlocked(e *LogEvent, f *streamsBlockedFrame) {
	e.addField("frame_type", "streams_blocked")
	e.addField("stream_type", streamTypeLabel(f.bidi))
	e.addField("limit", f.streamLimit)
}

func logFrameConnectionClose(e *LogEvent, f *connectionCloseFrame) {
	e.addField("frame_type", "connection_close")
	if f.application {
		e.addField("error_space", "application")
	} else {
		e.addField("error_space", "transport")
	}
	e.addField("error_code", errorCodeString(f.errorCode))
	e.addField("raw_error_code", f.errorCode)
	e.addField("reason", string(f.reasonPhrase))
	if f.frameType > 0 {
		e.addField("trigger_frame_type", f.frameType)
	}
}

func streamTypeLabel(bidi bool) string {
	if bidi {
		return "bidirectional"
	}
	return "unidirectional"
}

func logUnknownFrame(e *LogEvent, frameType uint64, b []byte) {
	e.addField("frame_type", "unknown")
	e.addField("raw_frame_type", frameType)
	e.addField("raw", b)
}
