package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// Size limits.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-14
const (
	MaxCIDLength = 20
	// MinInitialPacketSize is the minimum size of a client's first Initial
	// packet (anti-amplification), and the default path MTU assumption
	// before max_udp_payload_size has been negotiated.
	MinInitialPacketSize = 1200
	// MaxPacketSize bounds the UDP payload this implementation will ever
	// build or accept.
	MaxPacketSize = 65527

	minPayloadLength      = 4 // smallest protected payload: enough room for a truncated packet number sample
	maxCryptoFrameOverhead = 16
	maxStreamFrameOverhead = 24
)

// Version1 is the only QUIC version understood by this implementation.
const Version1 = 0x00000001

func versionSupported(v uint32) bool {
	return v == Version1
}

type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0-rtt"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "1-rtt"
	}
	return "unknown"
}

// packetTypeFromSpace returns the long/short header packet type that
// carries data for the given packet number space.
func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

// long header type bits, as they appear (unprotected) on the wire.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-17.2
const (
	longTypeInitial   = 0x00
	longTypeZeroRTT   = 0x01
	longTypeHandshake = 0x02
	longTypeRetry     = 0x03

	headerFormLong  = 0x80
	headerFixedBit  = 0x40
	retryIntegrityTagLen = 16
)

// packetHeader holds the connection identifiers of a packet. dcil is the
// expected length of a short header's destination CID and must be set by
// the caller (it is not carried on the wire for short headers).
type packetHeader struct {
	dcil    uint8
	version uint32
	dcid    []byte
	scid    []byte
}

// packet is a single QUIC packet, long or short header, in various stages
// of decode/encode. Frame payloads are never stored here; the caller
// decodes frames from the decrypted payload.
type packet struct {
	typ               packetType
	header            packetHeader
	token             []byte
	packetNumber      uint64
	pnLen             int // truncated packet-number length in bytes, 1-4
	payloadLen        int // long header: value of the Length field (pn + ciphertext); short: ciphertext length when encoding, pn + ciphertext once decoded
	supportedVersions []uint32
	headerLen         int // bytes consumed/produced by the header, excluding pnLen; decryptPacket extends it past the packet number
}

func (p *packet) String() string {
	return fmt.Sprintf("%s dcid=%x scid=%x pn=%d", p.typ, p.header.dcid, p.header.scid, p.packetNumber)
}

// DecodeHeader peeks at a raw datagram's destination connection id,
// without a transport.Conn to decode into, so a socket context can
// demultiplex an incoming datagram to the right connection (or decide it
// needs a new one) before any decryption happens. dcidLen is the length
// of short-header DCIDs this socket expects of itself; it is ignored for
// long-header packets, which carry their own length.
func DecodeHeader(b []byte, dcidLen int) (dcid []byte, isLongHeader bool, err error) {
	var p packet
	p.header.dcil = uint8(dcidLen)
	if _, err := p.decodeHeader(b); err != nil {
		return nil, false, err
	}
	return p.header.dcid, p.typ != packetTypeShort, nil
}

// decodeHeader parses enough of the packet to identify its type and
// connection IDs. It returns the number of header bytes consumed (not
// including token/length, which decodeBody accounts for).
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	first := b[0]
	if first&headerFormLong == 0 {
		// Short header: 0 1 S R R K PP
		dcil := int(p.header.dcil)
		if len(b) < 1+dcil {
			return 0, errShortBuffer
		}
		p.typ = packetTypeShort
		p.header.dcid = b[1 : 1+dcil]
		p.pnLen = int(first&0x03) + 1
		p.headerLen = 1 + dcil
		return p.headerLen, nil
	}
	// Long header: 1 1 TT RR PP, version(4), dcil(1), dcid, scil(1), scid
	if len(b) < 6 {
		return 0, errShortBuffer
	}
	version := binary.BigEndian.Uint32(b[1:5])
	off := 5
	dcil := int(b[off])
	off++
	if len(b[off:]) < dcil+1 {
		return 0, errShortBuffer
	}
	dcid := b[off : off+dcil]
	off += dcil
	scil := int(b[off])
	off++
	if len(b[off:]) < scil {
		return 0, errShortBuffer
	}
	scid := b[off : off+scil]
	off += scil
	p.header.version = version
	p.header.dcid = dcid
	p.header.scid = scid
	if version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (first >> 4) & 0x03 {
		case longTypeInitial:
			p.typ = packetTypeInitial
		case longTypeZeroRTT:
			p.typ = packetTypeZeroRTT
		case longTypeHandshake:
			p.typ = packetTypeHandshake
		case longTypeRetry:
			p.typ = packetTypeRetry
		}
		p.pnLen = int(first&0x03) + 1
	}
	p.headerLen = off
	return off, nil
}

// decodeBody parses the type-specific fields following the header
// identified by decodeHeader: token and length for Initial, length for
// Handshake, supported versions for Version Negotiation, the retry token
// for Retry. It updates p.headerLen to include these fields and returns
// the number of bytes consumed by this call.
func (p *packet) decodeBody(b []byte) (int, error) {
	rest := b[p.headerLen:]
	start := len(rest)
	switch p.typ {
	case packetTypeVersionNegotiation:
		if len(rest)%4 != 0 {
			return 0, newError(FrameEncodingError, "version negotiation length")
		}
		p.supportedVersions = p.supportedVersions[:0]
		for i := 0; i+4 <= len(rest); i += 4 {
			p.supportedVersions = append(p.supportedVersions, binary.BigEndian.Uint32(rest[i:i+4]))
		}
		return start, nil
	case packetTypeRetry:
		if len(rest) < retryIntegrityTagLen {
			return 0, errShortBuffer
		}
		p.token = rest[:len(rest)-retryIntegrityTagLen]
		return start, nil
	case packetTypeInitial:
		tok, n := getVarintBytes(rest)
		if n == 0 {
			return 0, errShortBuffer
		}
		p.token = tok
		rest = rest[n:]
		p.headerLen += n
		fallthrough
	case packetTypeHandshake, packetTypeZeroRTT:
		var length uint64
		n := getVarint(rest, &length)
		if n == 0 {
			return 0, errShortBuffer
		}
		p.payloadLen = int(length)
		p.headerLen += n
		return start - len(rest) + n, nil
	case packetTypeShort:
		p.payloadLen = len(rest)
		return 0, nil
	}
	return 0, newError(InternalError, "unknown packet type")
}

// encodedLen returns the total size, in bytes, this packet will occupy
// once encoded, including the payload bytes already recorded in
// p.payloadLen. Callers set payloadLen (for long headers, the Length
// field value, which includes the packet number) and, for short headers,
// pnLen before calling this to size the datagram being assembled.
func (p *packet) encodedLen() int {
	switch p.typ {
	case packetTypeShort:
		return 1 + len(p.header.dcid) + p.pnLen + p.payloadLen
	default:
		n := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
		if p.typ == packetTypeInitial {
			n += varintLenOf(p.token)
		}
		n += varintLen(uint64(p.payloadLen))
		return n + p.payloadLen
	}
}

func varintLenOf(b []byte) int {
	return varintLen(uint64(len(b))) + len(b)
}

// encode writes the packet header (everything up to and including the
// cleartext, not-yet-protected packet number) to b and returns the
// offset of the payload, i.e. len(b) consumed by the header.
func (p *packet) encode(b []byte) (int, error) {
	if len(b) < p.encodedLen() {
		return 0, errShortBuffer
	}
	if p.typ == packetTypeShort {
		b[0] = headerFixedBit | byte(p.pnLen-1)
		off := 1
		off += copy(b[off:], p.header.dcid)
		p.headerLen = off
		off += encodePacketNumber(b[off:], p.packetNumber, p.pnLen)
		return off, nil
	}
	b[0] = headerFormLong | headerFixedBit | byte(p.pnLen-1)
	switch p.typ {
	case packetTypeInitial:
		b[0] |= longTypeInitial << 4
	case packetTypeZeroRTT:
		b[0] |= longTypeZeroRTT << 4
	case packetTypeHandshake:
		b[0] |= longTypeHandshake << 4
	}
	binary.BigEndian.PutUint32(b[1:5], p.header.version)
	off := 5
	b[off] = byte(len(p.header.dcid))
	off++
	off += copy(b[off:], p.header.dcid)
	b[off] = byte(len(p.header.scid))
	off++
	off += copy(b[off:], p.header.scid)
	if p.typ == packetTypeInitial {
		b2 := appendVarintBytes(b[:off], p.token)
		off = len(b2)
	}
	off += putVarint(b[off:], uint64(p.payloadLen))
	p.headerLen = off
	off += encodePacketNumber(b[off:], p.packetNumber, p.pnLen)
	return off, nil
}

// verifyRetryIntegrity validates the 16-byte integrity tag appended to a
// Retry packet, computed as an AES-128-GCM tag over a pseudo-packet built
// from the original destination CID and the Retry packet without its tag.
// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#section-5.8
var retryIntegrityKey = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
var retryIntegrityNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}

func verifyRetryIntegrity(pkt []byte, odcid []byte) bool {
	if len(pkt) < retryIntegrityTagLen {
		return false
	}
	body := pkt[:len(pkt)-retryIntegrityTagLen]
	tag := pkt[len(pkt)-retryIntegrityTagLen:]
	pseudo := make([]byte, 0, 1+len(odcid)+len(body))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, body...)
	block, err := aes.NewCipher(retryIntegrityKey)
	if err != nil {
		return false
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return false
	}
	expected := aead.Seal(nil, retryIntegrityNonce, nil, pseudo)
	if len(expected) != len(tag) {
		return false
	}
	var diff byte
	for i := range tag {
		diff |= tag[i] ^ expected[i]
	}
	return diff == 0
}
