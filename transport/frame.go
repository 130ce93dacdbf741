package transport

import (
	"fmt"
	"time"
)

// Frame type codes.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#frame-types
const (
	frameTypePadding            = 0x00
	frameTypePing               = 0x01
	frameTypeAck                = 0x02
	frameTypeAckECN             = 0x03
	frameTypeResetStream        = 0x04
	frameTypeStopSending        = 0x05
	frameTypeCrypto             = 0x06
	frameTypeNewToken           = 0x07
	frameTypeStream             = 0x08
	frameTypeStreamEnd          = 0x0f
	frameTypeMaxData            = 0x10
	frameTypeMaxStreamData      = 0x11
	frameTypeMaxStreamsBidi     = 0x12
	frameTypeMaxStreamsUni      = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b
	frameTypeConnectionClose    = 0x1c
	frameTypeApplicationClose   = 0x1d
	frameTypeHanshakeDone       = 0x1e
)

// stream frame type bits, layered on top of frameTypeStream.
const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

// frame is any decoded QUIC frame. Concrete types are value-receiver-free
// (pointer receivers throughout) so a frame can be stored, compared by
// type in a switch, and replayed unchanged on loss.
type frame interface {
	encode(b []byte) (int, error)
	encodedLen() int
	decode(b []byte) (int, error)
	String() string
}

// isFrameAckEliciting reports whether receiving a frame of this type
// requires the receiver to eventually send an ACK.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#generating-acks
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	}
	return true
}

// encodeFrames writes each frame in frames to b in order, returning the
// total bytes written.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

// outgoingPacket tracks the frames placed in a packet that has been (or
// is about to be) sent, so loss recovery can resend or release them.
type outgoingPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	ackEliciting bool
	inFlight     bool
	frames       []frame
}

func newOutgoingPacket(pn uint64, now time.Time) *outgoingPacket {
	return &outgoingPacket{packetNumber: pn, timeSent: now}
}

func (op *outgoingPacket) addFrame(f frame) {
	op.frames = append(op.frames, f)
	typ := frameTypeOf(f)
	if isFrameAckEliciting(typ) {
		op.ackEliciting = true
		op.inFlight = true
	}
}

func (op *outgoingPacket) String() string {
	return fmt.Sprintf("pn=%d size=%d frames=%d", op.packetNumber, op.size, len(op.frames))
}

// frameTypeOf returns the wire type code of a concrete frame value,
// used by recovery bookkeeping that only has the frame interface.
func frameTypeOf(f frame) uint64 {
	switch f.(type) {
	case *paddingFrame:
		return frameTypePadding
	case *pingFrame:
		return frameTypePing
	case *ackFrame:
		return frameTypeAck
	case *resetStreamFrame:
		return frameTypeResetStream
	case *stopSendingFrame:
		return frameTypeStopSending
	case *cryptoFrame:
		return frameTypeCrypto
	case *newTokenFrame:
		return frameTypeNewToken
	case *streamFrame:
		return frameTypeStream
	case *maxDataFrame:
		return frameTypeMaxData
	case *maxStreamDataFrame:
		return frameTypeMaxStreamData
	case *maxStreamsFrame:
		return frameTypeMaxStreamsBidi
	case *dataBlockedFrame:
		return frameTypeDataBlocked
	case *streamDataBlockedFrame:
		return frameTypeStreamDataBlocked
	case *streamsBlockedFrame:
		return frameTypeStreamsBlockedBidi
	case *connectionCloseFrame:
		return frameTypeConnectionClose
	case *handshakeDoneFrame:
		return frameTypeHanshakeDone
	}
	return 0xff
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = frameTypePadding
	}
	return f.length, nil
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	f.length = n
	if n == 0 {
		n = 1 // consume the single PADDING byte already matched by the caller
	}
	return n, nil
}

func (f *paddingFrame) String() string { return "padding" }

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encodedLen() int { return 1 }

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

func (f *pingFrame) decode(b []byte) (int, error) {
	return 1, nil
}

func (f *pingFrame) String() string { return "ping" }

// --- ACK ---

type ackRangeGap struct {
	gap    uint64
	length uint64
}

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRangeGap
}

// maxAckRanges bounds how many non-contiguous ranges a single ACK frame
// reports. The receiver's rangeSet is trimmed by removeUntil as packets
// are acknowledged, so it rarely grows this large in practice, but an
// unresponsive or malicious peer could otherwise force an unbounded
// number of gaps into every outgoing ACK.
const maxAckRanges = 32

// newAckFrame builds an ACK frame's ranges from the received-packet
// rangeSet, listing them from largest to smallest as the wire format
// requires, and reporting at most maxAckRanges of them.
func newAckFrame(ackDelay uint64, recv rangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	if len(recv) == 0 {
		return f
	}
	last := recv[len(recv)-1]
	f.largestAck = uint64(last.end - 1)
	f.firstAckRange = uint64(last.size() - 1)
	prevStart := last.start
	for i := len(recv) - 2; i >= 0 && len(f.ranges) < maxAckRanges-1; i-- {
		r := recv[i]
		gap := uint64(prevStart-r.end) - 1
		length := uint64(r.size() - 1)
		f.ranges = append(f.ranges, ackRangeGap{gap, length})
		prevStart = r.start
	}
	return f
}

// toRangeSet reconstructs the set of acknowledged packet numbers,
// returning nil if the frame's ranges are internally inconsistent.
func (f *ackFrame) toRangeSet() rangeSet {
	var s rangeSet
	high := int64(f.largestAck)
	low := high - int64(f.firstAckRange)
	if low < 0 {
		return nil
	}
	s.add(low, high+1)
	for _, r := range f.ranges {
		high = low - int64(r.gap) - 2
		low = high - int64(r.length)
		if high < 0 || low < 0 || high < low {
			return nil
		}
		s.add(low, high+1)
	}
	return s
}

func (f *ackFrame) encodedLen() int {
	n := 1 + varintLen(f.largestAck) + varintLen(f.ackDelay) + varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.length)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	n += putVarint(b[n:], frameTypeAck)
	n += putVarint(b[n:], f.largestAck)
	n += putVarint(b[n:], f.ackDelay)
	n += putVarint(b[n:], uint64(len(f.ranges)))
	n += putVarint(b[n:], f.firstAckRange)
	for _, r := range f.ranges {
		n += putVarint(b[n:], r.gap)
		n += putVarint(b[n:], r.length)
	}
	return n, nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	n := 0
	var typ uint64
	if m := getVarint(b[n:], &typ); m == 0 {
		return 0, errShortBuffer
	} else {
		n += m
	}
	var count uint64
	if m := getVarint(b[n:], &f.largestAck); m == 0 {
		return 0, errShortBuffer
	} else {
		n += m
	}
	if m := getVarint(b[n:], &f.ackDelay); m == 0 {
		return 0, errShortBuffer
	} else {
		n += m
	}
	if m := getVarint(b[n:], &count); m == 0 {
		return 0, errShortBuffer
	} else {
		n += m
	}
	if m := getVarint(b[n:], &f.firstAckRange); m == 0 {
		return 0, errShortBuffer
	} else {
		n += m
	}
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < count; i++ {
		var gap, length uint64
		m := getVarint(b[n:], &gap)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		f.ranges = append(f.ranges, ackRangeGap{gap, length})
	}
	if typ == frameTypeAckECN {
		var ect0, ect1, ecnce uint64
		for _, v := range []*uint64{&ect0, &ect1, &ecnce} {
			m := getVarint(b[n:], v)
			if m == 0 {
				return 0, errShortBuffer
			}
			n += m
		}
	}
	return n, nil
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("largest=%d delay=%d first_range=%d ranges=%d", f.largestAck, f.ackDelay, f.firstAckRange, len(f.ranges))
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID, errorCode, finalSize}
}

func (f *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeResetStream)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	n += putVarint(b[n:], f.finalSize)
	return n, nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	for _, v := range []*uint64{&f.streamID, &f.errorCode, &f.finalSize} {
		m := getVarint(b[n:], v)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	return n, nil
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("stream=%d error=%d final_size=%d", f.streamID, f.errorCode, f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID, errorCode}
}

func (f *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeStopSending)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	return n, nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	for _, v := range []*uint64{&f.streamID, &f.errorCode} {
		m := getVarint(b[n:], v)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	return n, nil
}

func (f *stopSendingFrame) String() string {
	return fmt.Sprintf("stream=%d error=%d", f.streamID, f.errorCode)
}

// --- CRYPTO ---

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{offset: offset, data: data}
}

func (f *cryptoFrame) encodedLen() int {
	return 1 + varintLen(f.offset) + varintLenOf(f.data)
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeCrypto)
	n += putVarint(b[n:], f.offset)
	n2 := appendVarintBytes(b[:n], f.data)
	return len(n2), nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	m := getVarint(b[n:], &f.offset)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	data, m := getVarintBytes(b[n:])
	if m == 0 {
		return 0, errShortBuffer
	}
	f.data = data
	n += m
	return n, nil
}

func (f *cryptoFrame) String() string {
	return fmt.Sprintf("offset=%d length=%d", f.offset, len(f.data))
}

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) encodedLen() int { return 1 + varintLenOf(f.token) }

func (f *newTokenFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeNewToken)
	n2 := appendVarintBytes(b[:n], f.token)
	return len(n2), nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	token, m := getVarintBytes(b[n:])
	if m == 0 {
		return 0, errShortBuffer
	}
	f.token = token
	n += m
	return n, nil
}

func (f *newTokenFrame) String() string { return fmt.Sprintf("length=%d", len(f.token)) }

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	n += varintLenOf(f.data)
	return n
}

func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := uint64(frameTypeStream | streamFlagLen)
	if f.offset > 0 {
		typ |= streamFlagOff
	}
	if f.fin {
		typ |= streamFlagFin
	}
	n := putVarint(b, typ)
	n += putVarint(b[n:], f.streamID)
	if f.offset > 0 {
		n += putVarint(b[n:], f.offset)
	}
	n2 := appendVarintBytes(b[:n], f.data)
	return len(n2), nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	f.offset = 0
	if typ&streamFlagOff != 0 {
		m = getVarint(b[n:], &f.offset)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	f.fin = typ&streamFlagFin != 0
	if typ&streamFlagLen != 0 {
		data, m := getVarintBytes(b[n:])
		if m == 0 {
			return 0, errShortBuffer
		}
		f.data = data
		n += m
	} else {
		f.data = b[n:]
		n = len(b)
	}
	return n, nil
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("stream=%d offset=%d length=%d fin=%v", f.streamID, f.offset, len(f.data), f.fin)
}

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{max} }

func (f *maxDataFrame) encodedLen() int { return 1 + varintLen(f.maximumData) }

func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeMaxData)
	n += putVarint(b[n:], f.maximumData)
	return n, nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	m := getVarint(b[n:], &f.maximumData)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *maxDataFrame) String() string { return fmt.Sprintf("maximum=%d", f.maximumData) }

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID, max}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeMaxStreamData)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.maximumData)
	return n, nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	for _, v := range []*uint64{&f.streamID, &f.maximumData} {
		m := getVarint(b[n:], v)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	return n, nil
}

func (f *maxStreamDataFrame) String() string {
	return fmt.Sprintf("stream=%d maximum=%d", f.streamID, f.maximumData)
}

// --- MAX_STREAMS ---

type maxStreamsFrame struct {
	bidi           bool
	maximumStreams uint64
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{bidi, max}
}

func (f *maxStreamsFrame) encodedLen() int { return 1 + varintLen(f.maximumStreams) }

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := uint64(frameTypeMaxStreamsUni)
	if f.bidi {
		typ = frameTypeMaxStreamsBidi
	}
	n := putVarint(b, typ)
	n += putVarint(b[n:], f.maximumStreams)
	return n, nil
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	f.bidi = typ == frameTypeMaxStreamsBidi
	m := getVarint(b[n:], &f.maximumStreams)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *maxStreamsFrame) String() string {
	return fmt.Sprintf("bidi=%v maximum=%d", f.bidi, f.maximumStreams)
}

// --- DATA_BLOCKED ---

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{limit} }

func (f *dataBlockedFrame) encodedLen() int { return 1 + varintLen(f.dataLimit) }

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeDataBlocked)
	n += putVarint(b[n:], f.dataLimit)
	return n, nil
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	m := getVarint(b[n:], &f.dataLimit)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *dataBlockedFrame) String() string { return fmt.Sprintf("limit=%d", f.dataLimit) }

// --- STREAM_DATA_BLOCKED ---

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID, limit}
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeStreamDataBlocked)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.dataLimit)
	return n, nil
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	for _, v := range []*uint64{&f.streamID, &f.dataLimit} {
		m := getVarint(b[n:], v)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	return n, nil
}

func (f *streamDataBlockedFrame) String() string {
	return fmt.Sprintf("stream=%d limit=%d", f.streamID, f.dataLimit)
}

// --- STREAMS_BLOCKED ---

type streamsBlockedFrame struct {
	bidi        bool
	streamLimit uint64
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{bidi, limit}
}

func (f *streamsBlockedFrame) encodedLen() int { return 1 + varintLen(f.streamLimit) }

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := uint64(frameTypeStreamsBlockedUni)
	if f.bidi {
		typ = frameTypeStreamsBlockedBidi
	}
	n := putVarint(b, typ)
	n += putVarint(b[n:], f.streamLimit)
	return n, nil
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	f.bidi = typ == frameTypeStreamsBlockedBidi
	m := getVarint(b[n:], &f.streamLimit)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *streamsBlockedFrame) String() string {
	return fmt.Sprintf("bidi=%v limit=%d", f.bidi, f.streamLimit)
}

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reasonPhrase []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: application, errorCode: errorCode, frameType: frameType, reasonPhrase: reasonPhrase}
}

func (f *connectionCloseFrame) encodedLen() int {
	n := 1 + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLenOf(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := uint64(frameTypeConnectionClose)
	if f.application {
		typ = frameTypeApplicationClose
	}
	n := putVarint(b, typ)
	n += putVarint(b[n:], f.errorCode)
	if !f.application {
		n += putVarint(b[n:], f.frameType)
	}
	n2 := appendVarintBytes(b[:n], f.reasonPhrase)
	return len(n2), nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	f.application = typ == frameTypeApplicationClose
	m := getVarint(b[n:], &f.errorCode)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if !f.application {
		m = getVarint(b[n:], &f.frameType)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	reason, m := getVarintBytes(b[n:])
	if m == 0 {
		return 0, errShortBuffer
	}
	f.reasonPhrase = reason
	n += m
	return n, nil
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("app=%v error=%s reason=%s", f.application, errorCodeString(f.errorCode), f.reasonPhrase)
}

// --- HANDSHAKE_DONE ---

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encodedLen() int { return 1 }

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypeHanshakeDone
	return 1, nil
}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	return 1, nil
}

func (f *handshakeDoneFrame) String() string { return "handshake_done" }
