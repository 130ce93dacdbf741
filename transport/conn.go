package transport

import (
	"bytes"
	"crypto/rand"
	"io"
	"time"
)

// connState tracks where a connection sits in its lifecycle, following
// the phases laid out for a QUIC connection: an attempt that hasn't
// heard from the peer yet, a handshake in flight, the handshake
// completing locally (keys installed, but not yet confirmed by the
// peer), full two-way confirmation, and finally the three ways a
// connection winds down.
type connState uint8

const (
	// stateStart is the initial state of both client and server
	// connections, before any packet has been exchanged that lets the
	// peer's address be trusted.
	stateStart connState = iota
	// stateWaitingHandshake is entered once the server has seen a
	// Handshake-space packet from the client (or the client has sent
	// one), but the TLS handshake has not yet completed.
	stateWaitingHandshake
	// stateHandshakeConfirming is entered when the local TLS handshake
	// finishes and 1-RTT keys are usable, but the handshake is not yet
	// confirmed: the server still owes its peer a HANDSHAKE_DONE frame,
	// and the client is still waiting to see one (or an ack for its own
	// 1-RTT data) before it may discard its Handshake packet number
	// space for good.
	stateHandshakeConfirming
	// stateConnected is the steady state: handshake confirmed on both
	// sides, only the Application packet number space remains.
	stateConnected
	// stateClosing is entered when the application asks to close the
	// connection, or when a local error forces it closed. A connection
	// in this state replies to one more incoming datagram with its
	// CONNECTION_CLOSE frame before moving on to stateDraining.
	stateClosing
	// stateDraining is entered either from stateClosing (after that one
	// reply) or immediately upon receiving the peer's own
	// CONNECTION_CLOSE. No further packets are sent; incoming packets
	// are silently discarded until the drain period elapses.
	stateDraining
	// stateClosed is terminal: the connection object is inert and
	// should be removed from whatever owns it.
	stateClosed
)

func (st connState) established() bool {
	return st == stateHandshakeConfirming || st == stateConnected
}

func (st connState) closingOrDraining() bool {
	return st == stateClosing || st == stateDraining
}

// Conn is a QUIC connection. It performs no I/O of its own: Write
// consumes bytes arriving from the peer and Read produces bytes ready
// to go out, so the caller is free to schedule actual socket I/O
// however it likes (see the root package's event loop).
type Conn struct {
	isClient bool
	version  uint32

	scid  []byte // Source CID
	dcid  []byte // Destination CID. Replaced once the peer's real CID is learned.
	odcid []byte // Original destination CID, echoed back in transport parameters.
	rscid []byte // Retry source CID, set once a Retry has been processed.
	token []byte // Stateless retry token.

	packetNumberSpaces [packetSpaceCount]packetNumberSpace
	streams            streamMap

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  lossRecovery
	flow      flowControl

	state                 connState
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	ackElicitingSent      bool // An ACK-eliciting packet has been sent since the last received packet.
	derivedInitialSecrets bool
	updateMaxData         bool // A MAX_DATA frame needs to be sent.

	closeFrame   *connectionCloseFrame // Set once Close or a fatal error is raised.
	closePending bool                  // closeFrame is owed to the peer on the next Read.

	idleTimer     time.Time // Idle timeout expiration time.
	drainingTimer time.Time // Closing/draining period expiration time.

	events []Event
	// Application callback for qlog-style tracing.
	logEventFn func(LogEvent)
}

// Connect creates a client connection.
func Connect(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	c := &Conn{
		version:     config.Version,
		isClient:    isClient,
		localParams: config.Params,
		state:       stateStart,
	}
	c.handshake.init(c, config.TLS)
	now := c.time() // Depends on handshake TLS config
	for i := range c.packetNumberSpaces {
		c.packetNumberSpaces[i].init()
	}
	c.streams.init(c.localParams.InitialMaxStreamsBidi, c.localParams.InitialMaxStreamsUni)
	c.recovery.init(now)
	c.flow.init(c.localParams.InitialMaxData, 0)
	if len(scid) > 0 {
		c.scid = append(c.scid[:0], scid...)
	}
	c.localParams.InitialSourceCID = c.scid // SCID is fixed, so we can keep its reference.
	if len(odcid) > 0 {
		c.odcid = append(c.odcid[:0], odcid...)
		c.localParams.OriginalDestinationCID = c.odcid
		c.localParams.RetrySourceCID = c.scid
		c.didRetry = true // odcid must not be overwritten again.
	} else {
		c.localParams.OriginalDestinationCID = nil
		c.localParams.RetrySourceCID = nil
	}
	if isClient {
		// A stateless reset token must never be sent by a client.
		c.localParams.StatelessResetToken = nil
		// The client picks a random first destination connection id.
		c.dcid = make([]byte, MaxCIDLength)
		if err := c.rand(c.dcid); err != nil {
			return nil, err
		}
		c.deriveInitialKeyMaterial(c.dcid)
	}
	c.handshake.setTransportParams(&c.localParams)
	return c, nil
}

// Write consumes data received from the peer.
func (c *Conn) Write(b []byte) (int, error) {
	now := c.time()
	switch c.state {
	case stateClosed:
		return 0, nil
	case stateClosing:
		// A peer is still talking to us after we asked to close: answer
		// this one datagram with our CONNECTION_CLOSE, then go quiet.
		c.closePending = true
		c.setState(stateDraining)
		c.setDraining(now)
		c.checkTimeout(now)
		return len(b), nil
	case stateDraining:
		// Already said our piece; absorb anything else silently.
		c.checkTimeout(now)
		return len(b), nil
	}
	n := 0
	for n < len(b) {
		i, err := c.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		n += i
		if c.state.closingOrDraining() {
			break
		}
	}
	c.checkTimeout(now)
	return n, nil
}

func (c *Conn) deriveInitialKeyMaterial(cid []byte) {
	aead := initialAEAD{}
	aead.init(cid)
	space := &c.packetNumberSpaces[packetSpaceInitial]
	if c.isClient {
		space.opener, space.sealer = aead.server, aead.client
	} else {
		space.opener, space.sealer = aead.client, aead.server
	}
	c.derivedInitialSecrets = true
}

func (c *Conn) recv(b []byte, now time.Time) (int, error) {
	p := packet{
		header: packetHeader{
			dcil: uint8(len(c.scid)),
		},
	}
	_, err := p.decodeHeader(b)
	if err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return c.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return c.recvPacketRetry(b, &p, now)
	case packetTypeInitial:
		return c.recvPacketInitial(b, &p, now)
	case packetTypeZeroRTT:
		return 0, newError(InternalError, "zerortt packet not supported")
	case packetTypeHandshake:
		return c.recvPacketHandshake(b, &p, now)
	case packetTypeShort:
		return c.recvPacketShort(b, &p, now)
	default:
		panic(sprint("unsupported packet type ", p.typ))
	}
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#version-negotiation
func (c *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	// VN packets are only ever sent by a server.
	if !c.isClient || c.didVersionNegotiation || c.state != stateStart ||
		!bytes.Equal(p.header.dcid, c.scid) || !bytes.Equal(p.header.scid, c.dcid) {
		debug("dropped packet %v", p)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	debug("received packet %v", p)
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	if newVersion == 0 {
		return 0, newError(InternalError, sprint("unsupported version ", p.supportedVersions))
	}
	c.version = newVersion
	c.didVersionNegotiation = true
	// Reset connection state so the client can send another Initial.
	c.gotPeerCID = false
	c.recovery.dropUnackedData(packetSpaceInitial)
	c.packetNumberSpaces[packetSpaceInitial].reset()
	c.handshake.reset()
	c.handshake.setTransportParams(&c.localParams)
	c.logPacketReceived(p, now)
	return p.headerLen + n, nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#validate-handshake
func (c *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	// Retry packets are only ever sent by a server, and its SCID must
	// differ from the client's current DCID.
	if !c.isClient || c.didRetry || c.state != stateStart ||
		!bytes.Equal(p.header.dcid, c.scid) || bytes.Equal(p.header.scid, c.dcid) {
		debug("dropped packet %v", p)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	_, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	// Verify token and integrity tag.
	if len(p.token) == 0 || !verifyRetryIntegrity(b, c.dcid) {
		return 0, errInvalidToken
	}
	debug("received packet %v", p)
	c.didRetry = true
	c.token = append(c.token[:0], p.token...)
	// dcid => odcid, header.scid => the new dcid.
	c.odcid = append(c.odcid[:0], c.dcid...)
	c.dcid = append(c.dcid[:0], p.header.scid...)
	c.rscid = c.dcid // DCID is now fixed.
	c.deriveInitialKeyMaterial(c.dcid)
	// Reset connection state so the client can send another Initial.
	c.gotPeerCID = false
	c.recovery.dropUnackedData(packetSpaceInitial)
	c.packetNumberSpaces[packetSpaceInitial].reset()
	c.handshake.reset()
	c.handshake.setTransportParams(&c.localParams)
	c.logPacketReceived(p, now)
	return len(b), nil // p.headerLen + bodyLen + retryIntegrityTagLen
}

func (c *Conn) recvPacketInitial(b []byte, p *packet, now time.Time) (int, error) {
	if c.gotPeerCID && (!bytes.Equal(p.header.dcid, c.scid) || !bytes.Equal(p.header.scid, c.dcid)) {
		debug("dropped packet %v", p)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	if !c.derivedInitialSecrets { // Server side
		c.deriveInitialKeyMaterial(p.header.dcid)
	}
	if !c.gotPeerCID {
		if c.isClient {
			if len(c.odcid) == 0 {
				c.odcid = append(c.odcid[:0], c.dcid...)
			}
		} else {
			if !c.didRetry {
				c.odcid = append(c.odcid[:0], p.header.dcid...)
				c.localParams.OriginalDestinationCID = c.odcid
				c.handshake.setTransportParams(&c.localParams)
			}
		}
		// Replace the randomly generated destination connection ID with
		// the one the server actually chose.
		c.dcid = append(c.dcid[:0], p.header.scid...)
		c.gotPeerCID = true
	}
	return c.recvPacket(b, p, packetSpaceInitial, now)
}

func (c *Conn) recvPacketHandshake(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, c.scid) || !bytes.Equal(p.header.scid, c.dcid) {
		debug("dropped packet %v", p)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	return c.recvPacket(b, p, packetSpaceHandshake, now)
}

func (c *Conn) recvPacketShort(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, c.scid) {
		debug("dropped packet %v", p)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	return c.recvPacket(b, p, packetSpaceApplication, now)
}

func (c *Conn) recvPacket(b []byte, p *packet, space packetSpace, now time.Time) (int, error) {
	pnSpace := &c.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		debug("dropped undecryptable packet %v space=%v", p, space)
		c.logPacketDropped(p, now)
		return len(b), nil
	}
	payload, length, err := pnSpace.decryptPacket(b, p)
	if err != nil {
		return 0, err
	}
	debug("decrypted packet %v payload=%d", p, len(payload))
	if pnSpace.isPacketReceived(p.packetNumber) {
		c.logPacketDropped(p, now)
		return length, nil
	}
	c.logPacketReceived(p, now)
	if err = c.recvFrames(payload, space, now); err != nil {
		return 0, err
	}

	c.processAckedPackets(space)
	pnSpace.onPacketReceived(p.packetNumber, now)

	if c.localParams.MaxIdleTimeout > 0 {
		c.idleTimer = now.Add(c.localParams.MaxIdleTimeout)
	}
	// A Handshake packet from the client has been processed successfully,
	// so the Initial space can go and the client's address is verified.
	if !c.isClient && space == packetSpaceHandshake && c.state == stateStart {
		c.setState(stateWaitingHandshake)
		c.dropPacketSpace(packetSpaceInitial)
	}
	c.ackElicitingSent = false
	return length, nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#frames
// recvFrames marks the packet number space ack-elicited if any frame
// decoded from b is itself ack-eliciting.
func (c *Conn) recvFrames(b []byte, space packetSpace, now time.Time) error {
	var ackElicited = false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return newError(FrameEncodingError, "")
		}
		var err error
		// TODO: Check allowed frames for current packet type
		switch {
		case typ == frameTypePadding:
			n, err = c.recvFramePadding(b, now)
		case typ == frameTypePing:
			c.recvFramePing(now)
		case typ == frameTypeAck:
			n, err = c.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			n, err = c.recvFrameResetStream(b, now)
		case typ == frameTypeStopSending:
			n, err = c.recvFrameStopSending(b, now)
		case typ == frameTypeCrypto:
			n, err = c.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			n, err = c.recvFrameNewToken(b, now)
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = c.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			n, err = c.recvFrameMaxData(b, now)
		case typ == frameTypeMaxStreamData:
			n, err = c.recvFrameMaxStreamData(b, now)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			n, err = c.recvFrameMaxStreams(b, now)
		case typ == frameTypeDataBlocked:
			n, err = c.recvFrameDataBlocked(b, now)
		case typ == frameTypeStreamDataBlocked:
			n, err = c.recvFrameStreamDataBlocked(b, now)
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			n, err = c.recvFrameStreamsBlocked(b, now)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = c.recvFrameConnectionClose(b, space, now)
		case typ == frameTypeHanshakeDone:
			n, err = c.recvFrameHandshakeDone(b, now)
		default:
			return newError(FrameEncodingError, sprint("unsupported frame ", typ))
		}
		if err != nil {
			debug("error processing frame 0x%x: %v", typ, err)
			return err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	if ackElicited {
		c.packetNumberSpaces[space].ackElicited = true
	}
	return nil
}

func (c *Conn) recvFramePadding(b []byte, now time.Time) (int, error) {
	var f paddingFrame
	n, err := f.decode(b)
	c.logFrameProcessed(&f, now)
	return n, err
}

func (c *Conn) recvFramePing(now time.Time) {
	var f pingFrame
	c.logFrameProcessed(&f, now)
}

func (c *Conn) recvFrameAck(b []byte, space packetSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, sprint("invalid ack ranges ", f.String()))
	}
	ackDelay := time.Duration((1<<c.peerParams.AckDelayExponent)*f.ackDelay) * time.Microsecond
	c.recovery.onAckReceived(ranges, ackDelay, space, now)

	if !c.packetNumberSpaces[space].firstPacketAcked {
		c.packetNumberSpaces[space].firstPacketAcked = true
		// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#name-handshake-confirmed
		// The client treats the first ack of a 1-RTT packet as proof the
		// server has its data, which is as good as a HANDSHAKE_DONE.
		if c.isClient && space == packetSpaceApplication && c.state == stateHandshakeConfirming {
			c.dropPacketSpace(packetSpaceHandshake)
			c.setState(stateConnected)
		}
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a RESET_STREAM frame to abruptly terminate
// the sending part of a stream.
func (c *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, c.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to reset our send-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("reset stream ", f.streamID))
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	mayRecv, err := st.recv.reset(f.finalSize)
	if err != nil {
		return 0, err
	}
	if c.flow.canRecv() < uint64(mayRecv) {
		return 0, errFlowControl
	}
	c.flow.addRecv(mayRecv)
	c.addEvent(newStreamResetEvent(f.streamID, f.errorCode))
	c.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a STOP_SENDING frame to communicate that incoming data
// is being discarded on receipt at application request.
func (c *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, c.isClient)
	if local && c.streams.get(f.streamID) == nil {
		return 0, newError(StreamStateError, sprint("stop sending stream ", f.streamID))
	}
	bidi := isStreamBidi(f.streamID)
	if !bidi {
		debug("peer attempted to stop sending their receive-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("stop sending stream ", f.streamID))
	}
	// TODO: block writing data to the stream?
	c.addEvent(newStreamStopEvent(f.streamID, f.errorCode))
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameCrypto(b []byte, space packetSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	err = c.packetNumberSpaces[space].cryptoStream.pushRecv(f.data, f.offset, false)
	if err != nil {
		return 0, err
	}
	err = c.doHandshake()
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameNewToken(b []byte, now time.Time) (int, error) {
	// TODO
	var f newTokenFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, c.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to sent to our stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, "writing not permitted")
	}
	if c.flow.canRecv() < uint64(len(f.data)) {
		return 0, errFlowControl
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	err = st.pushRecv(f.data, f.offset, f.fin)
	if err != nil {
		return 0, err
	}
	debug("stream %d received %v", f.streamID, &st.recv)
	c.flow.addRecv(len(f.data))
	c.addEvent(newStreamRecvEvent(f.streamID))
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	c.flow.setMaxSend(f.maximumData)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.flow.setMaxSend(f.maximumData)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxStreams(b []byte, now time.Time) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.bidi {
		c.streams.setPeerMaxStreamsBidi(f.maximumStreams)
	} else {
		c.streams.setPeerMaxStreamsUni(f.maximumStreams)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// TODO
func (c *Conn) recvFrameDataBlocked(b []byte, now time.Time) (int, error) {
	var f dataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// TODO
func (c *Conn) recvFrameStreamDataBlocked(b []byte, now time.Time) (int, error) {
	var f streamDataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// TODO
func (c *Conn) recvFrameStreamsBlocked(b []byte, now time.Time) (int, error) {
	var f streamsBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameConnectionClose(b []byte, space packetSpace, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("receiving frame 0x%x: %s (%s)", b[0], &f, errorCodeString(f.errorCode))
	// The peer has already started closing: we owe it nothing further,
	// go straight to draining.
	c.setState(stateDraining)
	c.setDraining(now)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !c.isClient {
		return 0, newError(ProtocolViolation, "unexpected handshake done frame")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if c.state == stateHandshakeConfirming {
		// The server's HANDSHAKE_DONE is itself the confirmation.
		c.dropPacketSpace(packetSpaceHandshake)
		c.setState(stateConnected)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// processAckedPackets is called after every received packet and releases
// the frames of any packets that recovery has marked acknowledged.
func (c *Conn) processAckedPackets(space packetSpace) {
	pnSpace := &c.packetNumberSpaces[space]
	c.recovery.drainAcked(space, func(f frame) {
		switch f := f.(type) {
		case *ackFrame:
			// Stop acking packets once their receipt is itself confirmed.
			pnSpace.recvPacketNeedAck.removeUntil(f.largestAck)
		case *cryptoFrame:
			pnSpace.cryptoStream.send.ack(f.offset, uint64(len(f.data)))
		case *streamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.send.ack(f.offset, uint64(len(f.data)))
				if st.send.complete() {
					c.addEvent(newStreamCompleteEvent(f.streamID))
					// TODO: Garbage collect the stream
				}
			}
		case *maxDataFrame:
			c.updateMaxData = false
		case *maxStreamDataFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.ackMaxData()
			}
		}
	})
}

func (c *Conn) doHandshake() error {
	if c.state.established() || c.state.closingOrDraining() || c.state == stateClosed {
		return nil
	}
	err := c.handshake.doHandshake()
	if err != nil {
		return err
	}
	if c.handshake.HandshakeComplete() {
		params := c.handshake.peerTransportParams()
		debug("peer transport params: %+v", params)
		if err := c.validatePeerTransportParams(params); err != nil {
			return err
		}
		c.flow.setMaxSend(params.InitialMaxData)
		c.streams.setPeerMaxStreamsBidi(params.InitialMaxStreamsBidi)
		c.streams.setPeerMaxStreamsUni(params.InitialMaxStreamsUni)
		c.recovery.maxAckDelay = params.MaxAckDelay
		c.peerParams = *params
		// TODO: early app frames
		// 1-RTT keys are usable now, but the handshake isn't confirmed
		// until the server has sent, or the client has seen, proof the
		// other side has moved on (see recvFrameAck/recvFrameHandshakeDone
		// and sendFrameHandshakeDone).
		c.setState(stateHandshakeConfirming)
	}
	return nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-authenticating-connection-i
//
// Client                                                  Server
// Initial: DCID=S1, SCID=C1 ->
//                                     <- Retry: DCID=C1, SCID=S2
// Initial: DCID=S2, SCID=C1 ->
//                                   <- Initial: DCID=C1, SCID=S3
//                              ...
// 1-RTT: DCID=S3 ->
//                                              <- 1-RTT: DCID=C1
// Client:
//   initial_source_connection_id = C1
// Server without Retry:
//   original_destination_connection_id = S1
//   initial_source_connection_id = S3
//   retry_source_connection_id = nil
// Server with Retry:
//   original_destination_connection_id = S1
//   retry_source_connection_id = S2
//   initial_source_connection_id = S3
func (c *Conn) validatePeerTransportParams(p *Parameters) error {
	if p == nil {
		return newError(TransportParameterError, "")
	}
	if len(p.InitialSourceCID) == 0 || !bytes.Equal(p.InitialSourceCID, c.dcid) {
		return newError(TransportParameterError, "initial source cid")
	}
	if c.isClient {
		if !bytes.Equal(p.OriginalDestinationCID, c.odcid) {
			return newError(TransportParameterError, "original destination cid")
		}
	} else {
		if len(p.OriginalDestinationCID) > 0 {
			return newError(TransportParameterError, "original destination cid")
		}
		if len(p.StatelessResetToken) > 0 {
			return newError(TransportParameterError, "reset token")
		}
	}
	if len(c.rscid) > 0 && !bytes.Equal(p.RetrySourceCID, c.rscid) {
		return newError(TransportParameterError, "retry source cid")
	}
	return nil
}

// Read produces data ready to be sent to the peer.
func (c *Conn) Read(b []byte) (int, error) {
	now := c.time()
	if c.state == stateClosed {
		return 0, nil
	}
	if c.state == stateDraining && !c.closePending {
		return 0, nil
	}
	if !c.state.closingOrDraining() {
		if err := c.doHandshake(); err != nil {
			return 0, err
		}
	}
	space := c.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	n, err := c.send(b, space, now)
	if err != nil {
		return 0, err
	}
	// Coalesce packets when possible.
	// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#packet-coalesce
	if space < packetSpaceApplication {
		avail := minInt(c.maxPacketSize(), len(b))
		if avail-n >= 96 { // Enough for a handshake packet
			nextSpace := c.writeSpace()
			if nextSpace < packetSpaceCount && nextSpace > space {
				m, err := c.send(b[n:avail], nextSpace, now)
				if err != nil {
					return 0, err
				}
				return n + m, nil
			}
		}
	}
	return n, nil
}

func (c *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	pnSpace := &c.packetNumberSpaces[space]
	if !pnSpace.canEncrypt() {
		return 0, newError(InternalError, sprint("cannot encrypt space ", space.String()))
	}
	avail := minInt(c.maxPacketSize(), len(b))
	p := packet{
		typ: packetTypeFromSpace(space),
		header: packetHeader{
			version: c.version,
			dcid:    c.dcid,
			scid:    c.scid,
		},
		token:        c.token,
		packetNumber: pnSpace.nextPacketNumber,
		pnLen:        packetNumberLength(pnSpace.nextPacketNumber, c.recovery.largestAcked[space]),
		payloadLen:   avail,
	}
	overhead := pnSpace.sealer.aead.Overhead()
	pktOverhead := p.encodedLen() + overhead - p.payloadLen
	if p.typ != packetTypeShort {
		// The long-header Length field, and so payloadLen, also covers
		// the packet number.
		pktOverhead += p.pnLen
	}
	left := avail - pktOverhead
	if left <= minPayloadLength {
		return 0, errShortBuffer
	}
	c.processLostPackets(space)
	op := newOutgoingPacket(p.packetNumber, now)
	p.payloadLen = c.sendFrames(op, space, left, now)
	if len(op.frames) == 0 {
		return 0, nil
	}
	left -= p.payloadLen
	// Pad client initial packet
	// FIXME: Should pad after packets are coalesced. Currently ack only frame is padded.
	if c.isClient && p.typ == packetTypeInitial {
		n := MinInitialPacketSize - pktOverhead - p.payloadLen
		if n > 0 {
			if n > left {
				return 0, errShortBuffer
			}
			op.addFrame(newPaddingFrame(n))
			p.payloadLen += n
			left -= n
		}
	}
	if p.payloadLen < minPayloadLength {
		n := minPayloadLength - p.payloadLen
		if n > left {
			return 0, errShortBuffer
		}
		op.addFrame(newPaddingFrame(n))
		p.payloadLen += n
		left -= n
	}
	p.payloadLen += overhead
	if p.typ != packetTypeShort {
		p.payloadLen += p.pnLen
	}
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	n, err := encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	n += payloadOffset + overhead
	if n != p.encodedLen() || n > len(b) {
		return 0, newError(InternalError, sprint("encoded payload length ", n, " exceeded buffer capacity ", len(b)))
	}
	pnSpace.encryptPacket(b[:n], &p)
	op.size = uint64(n)
	debug("sending packet %s %s", &p, op)
	c.onPacketSent(op, space)
	// TODO: Log real payload length without crypto overhead
	c.logPacketSent(&p, op.frames, now)
	// On the client, drop Initial state after sending a Handshake packet.
	if c.isClient && p.typ == packetTypeHandshake && c.state == stateStart {
		c.setState(stateWaitingHandshake)
		c.dropPacketSpace(packetSpaceInitial)
	}
	return n, nil
}

func (c *Conn) writeSpace() packetSpace {
	// On error or probe, send in the latest space available.
	if c.closeFrame != nil || c.recovery.probes > 0 {
		return c.handshake.writeSpace()
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		// Application space is only usable once the handshake has
		// completed locally, even if it's not confirmed yet.
		if i == packetSpaceApplication && !c.state.established() {
			continue
		}
		if c.packetNumberSpaces[i].ready() {
			return i
		}
		if len(c.recovery.lost[i]) > 0 {
			return i
		}
	}
	if c.state.established() && c.streams.hasFlushable() {
		return packetSpaceApplication
	}
	return packetSpaceCount
}

func (c *Conn) maxPacketSize() int {
	if c.state.established() && c.peerParams.MaxUDPPayloadSize > 0 {
		n := int(c.peerParams.MaxUDPPayloadSize)
		if n >= MinInitialPacketSize && n <= MaxPacketSize {
			return n
		}
	}
	return MinInitialPacketSize
}

func (c *Conn) processLostPackets(space packetSpace) {
	pnSpace := &c.packetNumberSpaces[space]
	c.recovery.drainLost(space, func(f frame) {
		debug("lost frame %v", f)
		switch f := f.(type) {
		case *ackFrame:
			pnSpace.ackElicited = true
		case *cryptoFrame:
			err := pnSpace.cryptoStream.send.push(f.data, f.offset, false)
			if err != nil {
				debug("process lost crypto frame %s: %v", f, err)
			}
		case *streamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				err := st.send.push(f.data, f.offset, f.fin)
				if err != nil {
					debug("process lost stream frame %s: %v", f, err)
				}
			}
		case *handshakeDoneFrame:
			// The server's confirmation never arrived: go back to
			// owing one, so sendFrameHandshakeDone retries it.
			if c.state == stateConnected {
				c.setState(stateHandshakeConfirming)
			}
		}
	})
}

func (c *Conn) sendFrames(op *outgoingPacket, space packetSpace, left int, now time.Time) int {
	pnSpace := &c.packetNumberSpaces[space]
	payloadLen := 0
	// CONNECTION_CLOSE
	if c.closeFrame != nil && c.closePending {
		n := c.closeFrame.encodedLen()
		if left >= n {
			op.addFrame(c.closeFrame)
			payloadLen += n
			left -= n
			c.closePending = false
			c.setDraining(now)
		}
	}
	if !c.state.closingOrDraining() && c.state != stateClosed {
		// ACK
		if f := c.sendFrameAck(pnSpace, now); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				pnSpace.ackElicited = false
			}
		}
		// CRYPTO
		if f := c.sendFrameCrypto(pnSpace, left); f != nil {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		if space == packetSpaceApplication {
			// HANDSHAKE_DONE
			if f := c.sendFrameHandshakeDone(); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					c.setState(stateConnected)
				}
			}
			// MAX_DATA
			if f := c.sendFrameMaxData(); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					c.updateMaxData = true
					c.flow.commitMaxRecv()
				}
			}
			// MAX_STREAM_DATA
			for id, st := range c.streams.streams {
				if f := c.sendFrameMaxStreamData(id, st); f != nil {
					n := f.encodedLen()
					if left >= n {
						op.addFrame(f)
						payloadLen += n
						left -= n
						st.flow.commitMaxRecv()
					}
				}
			}
			// STREAM
			// TODO: support stream priority
			for id, st := range c.streams.streams {
				if f := c.sendFrameStream(id, st, left); f != nil {
					n := f.encodedLen()
					op.addFrame(f)
					payloadLen += n
					left -= n
					c.flow.addSend(len(f.data))
				}
			}
		}
		// PING
		if c.recovery.probes > 0 && left >= 1 {
			f := &pingFrame{}
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
			c.recovery.probes--
		}
	}
	return payloadLen
}

func (c *Conn) onPacketSent(op *outgoingPacket, space packetSpace) {
	c.recovery.onPacketSent(op, space)
	c.packetNumberSpaces[space].nextPacketNumber++
	// (Re)start the idle timer on the first ACK-eliciting packet sent
	// since the last received packet.
	if op.ackEliciting {
		if !c.ackElicitingSent && c.localParams.MaxIdleTimeout > 0 {
			c.idleTimer = op.timeSent.Add(c.localParams.MaxIdleTimeout)
		}
		c.ackElicitingSent = true
	}
}

// Timeout returns the amount of time until the next timeout event.
// A negative timeout means the timer should be disarmed.
func (c *Conn) Timeout() time.Duration {
	if c.state == stateClosed {
		return -1
	}
	var deadline time.Time
	for _, t := range []time.Time{c.drainingTimer, c.recovery.lossDetectionTimer, c.idleTimer} {
		if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
			deadline = t
		}
	}
	if deadline.IsZero() {
		return -1
	}
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

func (c *Conn) checkTimeout(now time.Time) {
	if !c.drainingTimer.IsZero() && !now.Before(c.drainingTimer) {
		debug("closing/draining period expired")
		c.setState(stateClosed)
		return
	}
	if !c.idleTimer.IsZero() && !now.Before(c.idleTimer) {
		debug("idle timeout expired")
		c.setState(stateClosed)
		return
	}
	c.recovery.onLossDetectionTimeout(now)
}

// Close asks the connection to shut down, sending errCode (interpreted
// as an application or a transport error code depending on app) and an
// optional human-readable reason to the peer.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#draining
func (c *Conn) Close(app bool, errCode uint64, reason string) {
	if c.state.closingOrDraining() || c.state == stateClosed {
		return
	}
	debug("closing connection code=%d", errCode)
	c.closeFrame = &connectionCloseFrame{
		application:  app,
		errorCode:    errCode,
		reasonPhrase: []byte(reason),
	}
	c.closePending = true
	c.setState(stateClosing)
}

// IsEstablished reports whether 1-RTT keys are usable, whether or not
// the handshake has been fully confirmed by both sides yet.
func (c *Conn) IsEstablished() bool {
	return c.state.established()
}

// IsClosed reports whether the connection is done and will neither send
// nor receive any more packets.
func (c *Conn) IsClosed() bool {
	return c.state == stateClosed
}

// OriginalDestinationCID returns the destination CID the client used in
// its very first Initial packet, or nil if none has been recorded yet. A
// client records it when the server's first Initial or a Retry arrives; a
// server takes it from Accept, or else from the client's first Initial.
func (c *Conn) OriginalDestinationCID() []byte {
	return c.odcid
}

// Events consumes received events. It appends to the provided slice and
// clears its own buffer.
func (c *Conn) Events(events []Event) []Event {
	events = append(events, c.events...)
	for i := range c.events {
		c.events[i] = Event{}
	}
	c.events = c.events[:0]
	return events
}

// Stream returns an existing stream or creates one locally if it does
// not exist yet. Client-initiated streams have even-numbered IDs;
// server-initiated streams have odd-numbered IDs.
func (c *Conn) Stream(id uint64) (*Stream, error) {
	return c.getOrCreateStream(id, true)
}

func (c *Conn) sendFrameAck(pnSpace *packetNumberSpace, now time.Time) *ackFrame {
	if pnSpace.ackElicited {
		ackDelay := uint64(now.Sub(pnSpace.largestRecvPacketTime).Microseconds())
		ackDelay /= 1 << c.peerParams.AckDelayExponent
		return newAckFrame(ackDelay, pnSpace.recvPacketNeedAck)
	}
	return nil
}

func (c *Conn) sendFrameCrypto(pnSpace *packetNumberSpace, left int) *cryptoFrame {
	left -= maxCryptoFrameOverhead
	if left > 0 {
		data, offset, _ := pnSpace.cryptoStream.popSend(left)
		if len(data) > 0 {
			return newCryptoFrame(data, offset)
		}
	}
	return nil
}

func (c *Conn) sendFrameStream(id uint64, st *Stream, left int) *streamFrame {
	allowed := int(c.flow.canSend())
	left -= maxStreamFrameOverhead
	if left > allowed {
		left = allowed
	}
	if left > 0 {
		data, offset, fin := st.popSend(left)
		if len(data) > 0 {
			debug("stream: %v", st)
			return newStreamFrame(id, data, offset, fin)
		}
	}
	return nil
}

func (c *Conn) sendFrameMaxData() *maxDataFrame {
	if c.updateMaxData || c.flow.shouldUpdateMaxRecv() {
		return newMaxDataFrame(c.flow.maxRecvNext)
	}
	return nil
}

func (c *Conn) sendFrameMaxStreamData(id uint64, st *Stream) *maxStreamDataFrame {
	if st.updateMaxData {
		return newMaxStreamDataFrame(id, st.flow.maxRecvNext)
	}
	return nil
}

func (c *Conn) sendFrameHandshakeDone() *handshakeDoneFrame {
	// HANDSHAKE_DONE is sent only by the server, and only once it has
	// completed its own handshake but not yet confirmed it.
	if c.isClient || c.state != stateHandshakeConfirming {
		return nil
	}
	return &handshakeDoneFrame{}
}

func (c *Conn) setDraining(now time.Time) {
	if c.drainingTimer.IsZero() {
		c.drainingTimer = now.Add(c.recovery.probeTimeout() * 3)
	}
}

func (c *Conn) getOrCreateStream(id uint64, local bool) (*Stream, error) {
	st := c.streams.get(id)
	if st != nil {
		return st, nil
	}
	if local != isStreamLocal(id, c.isClient) {
		return nil, newError(StreamStateError, sprint("invalid type of stream ", id))
	}
	bidi := isStreamBidi(id)
	st, err := c.streams.create(id, local, bidi)
	if err != nil {
		return nil, err
	}
	var maxRecv, maxSend uint64
	if local {
		if bidi {
			maxRecv = c.localParams.InitialMaxStreamDataBidiLocal
			maxSend = c.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxRecv = 0
			maxSend = c.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if bidi {
			maxRecv = c.localParams.InitialMaxStreamDataBidiRemote
			maxSend = c.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv = c.localParams.InitialMaxStreamDataUni
			maxSend = 0
		}
	}
	st.flow.init(maxRecv, maxSend)
	// Manually set connection flow control so reads update it too.
	st.connFlow = &c.flow
	return st, nil
}

func (c *Conn) dropPacketSpace(space packetSpace) {
	c.packetNumberSpaces[space].drop()
	c.recovery.dropUnackedData(space)
	debug("dropped space=%v", space)
}

// setState transitions to new, tracing the change if a log handler is
// attached. A no-op transition (new == c.state) is not logged.
func (c *Conn) setState(new connState) {
	if new == c.state {
		return
	}
	old := c.state
	c.state = new
	if c.logEventFn != nil {
		c.logEventFn(newLogEventState(c.time(), old, new))
	}
}

func (c *Conn) addEvent(e Event) {
	c.events = append(c.events, e)
}

// rand uses tls.Config.Rand if available.
func (c *Conn) rand(b []byte) error {
	var err error
	if c.handshake.tlsConfig != nil && c.handshake.tlsConfig.Rand != nil {
		_, err = io.ReadFull(c.handshake.tlsConfig.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

// time uses tls.Config.Time if available.
func (c *Conn) time() time.Time {
	if c.handshake.tlsConfig != nil && c.handshake.tlsConfig.Time != nil {
		return c.handshake.tlsConfig.Time()
	}
	return time.Now()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// OnLogEvent sets the handler invoked for qlog-style packet/frame trace
// events, or clears it when fn is nil.
func (c *Conn) OnLogEvent(fn func(LogEvent)) {
	c.logEventFn = fn
}

func (c *Conn) logPacketDropped(p *packet, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketDropped, p)
		c.logEventFn(e)
	}
}

func (c *Conn) logPacketReceived(p *packet, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketReceived, p)
		c.logEventFn(e)
	}
}

func (c *Conn) logPacketSent(p *packet, frames []frame, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketSent, p)
		c.logEventFn(e)
		for _, f := range frames {
			e = newLogEventFrame(now, logEventFramesProcessed, f)
			c.logEventFn(e)
		}
	}
}

func (c *Conn) logFrameProcessed(f frame, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEventFrame(now, logEventFramesProcessed, f)
		c.logEventFn(e)
	}
}
