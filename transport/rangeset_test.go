package transport

import "testing"

func TestRangeSetAddMerge(t *testing.T) {
	var s rangeSet
	s.add(0, 1)
	s.add(2, 3)
	s.add(1, 2)
	if got := s.numRanges(); got != 1 {
		t.Fatalf("after merging adjacent ranges: numRanges = %d, want 1", got)
	}
	mn, ok := s.min()
	if !ok || mn != 0 {
		t.Fatalf("min = %d, %v, want 0, true", mn, ok)
	}
	mx, ok := s.max()
	if !ok || mx != 2 {
		t.Fatalf("max = %d, %v, want 2, true", mx, ok)
	}
}

func TestRangeSetDisjoint(t *testing.T) {
	var s rangeSet
	s.add(10, 20)
	s.add(30, 40)
	if s.numRanges() != 2 {
		t.Fatalf("numRanges = %d, want 2", s.numRanges())
	}
	if !s.contains(15) || s.contains(25) || !s.contains(35) {
		t.Fatalf("contains() mismatched: %v", s)
	}
}

func TestRangeSetRemoveLessThan(t *testing.T) {
	var s rangeSet
	s.add(0, 10)
	s.add(20, 30)
	s.removeLessThan(25)
	if got, want := len(s), 1; got != want {
		t.Fatalf("numRanges after removeLessThan = %d, want %d", got, want)
	}
	if s[0].start != 25 || s[0].end != 30 {
		t.Fatalf("remaining range = %v, want {25 30}", s[0])
	}
}
