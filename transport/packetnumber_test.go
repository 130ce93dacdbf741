package transport

import "testing"

func TestPacketNumberRoundTrip(t *testing.T) {
	cases := []struct {
		expected uint64
		pn       uint64
	}{
		{0, 0},
		{0, 1},
		{1000, 1001},
		{1000, 1000},
		{1 << 20, 1<<20 + 5},
		{0x6b1f, 0x6c58}, // gap of 314 from the largest acked: needs a 2-byte packet number
	}
	for _, c := range cases {
		pnLen := packetNumberLength(c.pn, int64(c.expected)-1)
		var buf [4]byte
		encodePacketNumber(buf[:], c.pn, pnLen)
		truncated := decodeTruncatedPacketNumber(buf[:], pnLen)
		got := decodePacketNumber(c.expected, truncated, pnLen)
		if got != c.pn {
			t.Errorf("decodePacketNumber(%d, truncate(%d, %d)) = %d, want %d", c.expected, c.pn, pnLen, got, c.pn)
		}
	}
}

func TestPacketNumberLengthGrowsWithGap(t *testing.T) {
	if n := packetNumberLength(10, 9); n != 1 {
		t.Errorf("small gap: got pnLen %d, want 1", n)
	}
	if n := packetNumberLength(1<<20, -1); n <= 1 {
		t.Errorf("no ack yet, large pn: got pnLen %d, want > 1", n)
	}
}
