package bisect

// search is binary search over commits ordered oldest first. The last
// commit is the known-bad boundary and the known-good boundary sits just
// before index 0. Skipped commits are routed around, never used as
// evidence.
type search struct {
	n       int
	lo, hi  int
	skipped map[int]bool
}

func newSearch(n int) *search {
	return &search{n: n, lo: -1, hi: n - 1, skipped: make(map[int]bool)}
}

func (s *search) clone() *search {
	c := &search{n: s.n, lo: s.lo, hi: s.hi, skipped: make(map[int]bool, len(s.skipped))}
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	return c
}

// next returns the untested commit closest to the middle of the open
// range, preferring the older one on ties.
func (s *search) next() (int, bool) {
	mid := (s.lo + s.hi) / 2
	best := -1
	for i := s.lo + 1; i < s.hi; i++ {
		if s.skipped[i] {
			continue
		}
		if best < 0 || abs(i-mid) < abs(best-mid) {
			best = i
		}
	}
	return best, best >= 0
}

func (s *search) record(i int, o Outcome) {
	switch o {
	case Good:
		s.lo = i
	case Bad:
		s.hi = i
	default:
		s.skipped[i] = true
	}
}

// following returns the commits that would be tested after i, one per
// possible outcome of i.
func (s *search) following(i int) []int {
	var out []int
	for _, o := range []Outcome{Good, Bad} {
		c := s.clone()
		c.record(i, o)
		if j, ok := c.next(); ok {
			out = append(out, j)
		}
	}
	return out
}

// remaining returns the indices that may hold the first bad commit: the
// skipped ones still inside the range plus the bad boundary.
func (s *search) remaining() []int {
	var out []int
	for i := s.lo + 1; i <= s.hi; i++ {
		out = append(out, i)
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
