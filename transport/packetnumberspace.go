package transport

import "time"

// packetNumberSpace holds everything specific to one packet number space:
// its keys, the next packet number to send, which received packet
// numbers still need acknowledging, and the CRYPTO stream carrying
// handshake data for that encryption level.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#packet-numbers
type packetNumberSpace struct {
	opener *packetProtection
	sealer *packetProtection

	nextPacketNumber uint64
	largestRecvPn    int64 // -1 if nothing received yet
	largestAckedPn   int64 // -1 if nothing acked by peer yet; outgoing packet numbers are sized from lossRecovery.largestAcked instead

	recvPacketNeedAck     rangeSet
	ackElicited           bool
	firstPacketAcked      bool
	largestRecvPacketTime time.Time

	cryptoStream cryptoStream
}

func (p *packetNumberSpace) init() {
	p.largestRecvPn = -1
	p.largestAckedPn = -1
}

// reset clears per-space state after version negotiation or Retry
// require the client to restart this space's handshake flight, keeping
// the keys (after a Retry the caller derives new ones just before).
func (p *packetNumberSpace) reset() {
	opener, sealer := p.opener, p.sealer
	*p = packetNumberSpace{opener: opener, sealer: sealer}
	p.init()
}

// drop discards the keys and crypto buffers of a space once the
// handshake no longer needs it (Section 4.9 of transport, Section 4.9 of
// the TLS mapping).
func (p *packetNumberSpace) drop() {
	p.opener = nil
	p.sealer = nil
	p.cryptoStream = cryptoStream{}
	p.recvPacketNeedAck = nil
}

func (p *packetNumberSpace) canDecrypt() bool { return p.opener != nil }
func (p *packetNumberSpace) canEncrypt() bool { return p.sealer != nil }

// ready reports whether this space has anything to send beyond
// retransmissions already tracked by the loss recovery module.
func (p *packetNumberSpace) ready() bool {
	if p.ackElicited {
		return true
	}
	if len(p.cryptoStream.send.pending) > 0 || p.cryptoStream.send.finPending {
		return true
	}
	return false
}

// isPacketReceived reports whether pn has already been processed. Once
// our ACK of pn is itself confirmed, removeUntil drops it from
// recvPacketNeedAck; treating anything at or below largestRecvPn as a
// duplicate after that point trades perfect handling of extreme
// reordering across an ACK boundary for a much simpler receive path.
func (p *packetNumberSpace) isPacketReceived(pn uint64) bool {
	if p.recvPacketNeedAck.contains(int64(pn)) {
		return true
	}
	if lowest, ok := p.recvPacketNeedAck.min(); ok {
		return int64(pn) < lowest
	}
	return int64(pn) <= p.largestRecvPn
}

func (p *packetNumberSpace) onPacketReceived(pn uint64, now time.Time) {
	p.recvPacketNeedAck.add(int64(pn), int64(pn)+1)
	if int64(pn) > p.largestRecvPn {
		p.largestRecvPn = int64(pn)
		p.largestRecvPacketTime = now
	}
}

// decryptPacket removes header protection and AEAD-decrypts a received
// packet in place, filling in p.packetNumber and returning the plaintext
// payload and the total number of bytes this packet occupied in b.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.4.2
func (p *packetNumberSpace) decryptPacket(b []byte, pkt *packet) ([]byte, int, error) {
	if _, err := pkt.decodeBody(b); err != nil {
		return nil, 0, err
	}
	pnOffset := pkt.headerLen
	sampleOffset := pnOffset + 4
	if sampleOffset+hpSampleLength > len(b) {
		return nil, 0, errShortBuffer
	}
	mask, err := p.opener.hp.mask(b[sampleOffset : sampleOffset+hpSampleLength])
	if err != nil {
		return nil, 0, err
	}
	if pkt.typ == packetTypeShort {
		b[0] ^= mask[0] & 0x1f
	} else {
		b[0] ^= mask[0] & 0x0f
	}
	pnLen := int(b[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	truncated := decodeTruncatedPacketNumber(b[pnOffset:], pnLen)
	expected := uint64(0)
	if p.largestRecvPn >= 0 {
		expected = uint64(p.largestRecvPn) + 1
	}
	pkt.packetNumber = decodePacketNumber(expected, truncated, pnLen)
	pkt.pnLen = pnLen

	header := b[:pnOffset+pnLen]
	cipherLen := pkt.payloadLen - pnLen
	if cipherLen < 0 || pnOffset+pnLen+cipherLen > len(b) {
		return nil, 0, errShortBuffer
	}
	ciphertext := b[pnOffset+pnLen : pnOffset+pnLen+cipherLen]
	plaintext, err := p.opener.open(ciphertext[:0:0], pkt.packetNumber, header, ciphertext)
	if err != nil {
		return nil, 0, err
	}
	pkt.headerLen = pnOffset + pnLen
	return plaintext, pnOffset + pkt.payloadLen, nil
}

// encryptPacket AEAD-seals the plaintext payload already written at
// b[pnOffset+pnLen:] in place and applies header protection, using pkt's
// header fields (set by packet.encode) to locate the packet number and
// build the additional authenticated data.
func (p *packetNumberSpace) encryptPacket(b []byte, pkt *packet) error {
	pnOffset := pkt.headerLen
	pnLen := pkt.pnLen
	header := b[:pnOffset+pnLen]
	plaintextLen := len(b) - pnOffset - pnLen - p.sealer.Overhead()
	plaintext := append([]byte(nil), b[pnOffset+pnLen:pnOffset+pnLen+plaintextLen]...)
	dst := b[pnOffset+pnLen : pnOffset+pnLen]
	p.sealer.aead.Seal(dst, p.sealer.nonce(pkt.packetNumber), plaintext, header)

	sampleOffset := pnOffset + 4
	if sampleOffset+hpSampleLength > len(b) {
		return errShortBuffer
	}
	mask, err := p.sealer.hp.mask(b[sampleOffset : sampleOffset+hpSampleLength])
	if err != nil {
		return err
	}
	if pkt.typ == packetTypeShort {
		b[0] ^= mask[0] & 0x1f
	} else {
		b[0] ^= mask[0] & 0x0f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}
