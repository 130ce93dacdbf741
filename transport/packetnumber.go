package transport

// Packet number encoding: truncation and reconstruction.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#appendix-A

// packetNumberLength returns the minimum number of bytes (1-4) needed to
// unambiguously represent pn given that the peer has acknowledged up to
// largestAcked (-1 if nothing has been acknowledged yet in this space).
// The sender must use enough bits so that the receiver's decode window,
// twice the gap since largestAcked, cannot mistake pn for a smaller value.
func packetNumberLength(pn uint64, largestAcked int64) int {
	numUnacked := pn
	if largestAcked >= 0 {
		numUnacked = pn - uint64(largestAcked)
	}
	switch {
	case numUnacked < (1 << 7):
		return 1
	case numUnacked < (1 << 15):
		return 2
	case numUnacked < (1 << 23):
		return 3
	default:
		return 4
	}
}

// encodePacketNumber writes the low pnLen bytes of pn to b and returns
// pnLen.
func encodePacketNumber(b []byte, pn uint64, pnLen int) int {
	switch pnLen {
	case 1:
		b[0] = byte(pn)
	case 2:
		b[0] = byte(pn >> 8)
		b[1] = byte(pn)
	case 3:
		b[0] = byte(pn >> 16)
		b[1] = byte(pn >> 8)
		b[2] = byte(pn)
	default:
		b[0] = byte(pn >> 24)
		b[1] = byte(pn >> 16)
		b[2] = byte(pn >> 8)
		b[3] = byte(pn)
	}
	return pnLen
}

func decodeTruncatedPacketNumber(b []byte, pnLen int) uint64 {
	var v uint64
	for i := 0; i < pnLen; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// decodePacketNumber reconstructs the full packet number closest to
// expected (the value after the largest packet number processed so far
// in this space, or 0 if none) from its truncated wire form.
func decodePacketNumber(expected uint64, truncated uint64, pnLen int) uint64 {
	pnBits := uint(pnLen * 8)
	pnWin := uint64(1) << pnBits
	pnHalfWin := pnWin / 2
	candidate := (expected &^ (pnWin - 1)) | truncated
	switch {
	case candidate+pnHalfWin <= expected && candidate < (maxVarint-pnWin):
		return candidate + pnWin
	case candidate > expected+pnHalfWin && candidate >= pnWin:
		return candidate - pnWin
	default:
		return candidate
	}
}
