package transport

// numberRange is an inclusive-exclusive [start, end) range of packet
// numbers or stream offsets.
type numberRange struct {
	start, end int64
}

func (r numberRange) size() int64 { return r.end - r.start }

// rangeSet is an ordered set of numberRanges with no gaps smaller than 1
// and no overlaps, used to track received packet numbers (for ACK
// generation) and received stream-data gaps (for flow control holes).
// Grounded on the x/net/internal/quic rangeset: a sorted slice with
// binary-search-free linear scans, adequate for the small range counts a
// single connection accumulates between ACKs.
type rangeSet []numberRange

// add records [start, end) as received, merging with adjacent ranges.
func (s *rangeSet) add(start, end int64) {
	if start >= end {
		return
	}
	r := *s
	i := 0
	for i < len(r) && r[i].end < start {
		i++
	}
	j := i
	for j < len(r) && r[j].start <= end {
		j++
	}
	if i == j {
		*s = append(r[:i], append([]numberRange{{start, end}}, r[i:]...)...)
		return
	}
	if r[i].start < start {
		start = r[i].start
	}
	if r[j-1].end > end {
		end = r[j-1].end
	}
	r[i] = numberRange{start, end}
	*s = append(r[:i+1], r[j:]...)
}

// contains reports whether v has been recorded.
func (s rangeSet) contains(v int64) bool {
	for _, r := range s {
		if v >= r.start && v < r.end {
			return true
		}
		if v < r.start {
			break
		}
	}
	return false
}

// min returns the smallest recorded value and true, or (0, false) if empty.
func (s rangeSet) min() (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[0].start, true
}

// max returns the largest recorded value and true, or (0, false) if empty.
func (s rangeSet) max() (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].end - 1, true
}

// removeLessThan discards all ranges (or partial ranges) below v.
func (s *rangeSet) removeLessThan(v int64) {
	r := *s
	i := 0
	for i < len(r) && r[i].end <= v {
		i++
	}
	r = r[i:]
	if len(r) > 0 && r[0].start < v {
		r[0].start = v
	}
	*s = r
}

// numRanges reports how many disjoint ranges are currently tracked.
func (s rangeSet) numRanges() int { return len(s) }

// isEmpty reports whether the set holds no values.
func (s rangeSet) isEmpty() bool { return len(s) == 0 }

// remove discards [start, end) from the set, splitting a range if the
// removed interval falls in its middle.
func (s *rangeSet) remove(start, end int64) {
	if start >= end {
		return
	}
	var out []numberRange
	for _, r := range *s {
		if r.end <= start || r.start >= end {
			out = append(out, r)
			continue
		}
		if r.start < start {
			out = append(out, numberRange{r.start, start})
		}
		if r.end > end {
			out = append(out, numberRange{end, r.end})
		}
	}
	*s = out
}

// removeUntil discards all values <= v, e.g. after a peer's cumulative ACK
// confirms receipt of everything up to and including v.
func (s *rangeSet) removeUntil(v uint64) {
	s.removeLessThan(int64(v) + 1)
}

// notContaining returns the subranges of [start, end) that are not
// recorded in s, preserving order. Used to find the portion of a byte
// range still needing (re)transmission once some of it has been acked.
func (s rangeSet) notContaining(start, end int64) []numberRange {
	var gaps []numberRange
	cur := start
	for _, r := range s {
		if r.end <= cur {
			continue
		}
		if r.start >= end {
			break
		}
		if r.start > cur {
			gaps = append(gaps, numberRange{cur, r.start})
		}
		if r.end > cur {
			cur = r.end
		}
	}
	if cur < end {
		gaps = append(gaps, numberRange{cur, end})
	}
	return gaps
}

// min64 and max64 are small helpers kept next to the range-set logic that
// uses them most.
func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
