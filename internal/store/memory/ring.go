package memory

// ring is a fixed-size circular buffer of cache entries for one key.
// Not safe for concurrent use; Cache guards it.
type ring struct {
	buf  []string
	cap  int
	pos  int // next write position
	full bool
}

func newRing(capacity int) *ring {
	return &ring{
		buf: make([]string, capacity),
		cap: capacity,
	}
}

// push records entry as the most recent, overwriting the oldest when full.
func (r *ring) push(entry string) {
	r.buf[r.pos] = entry
	r.pos = (r.pos + 1) % r.cap
	if r.pos == 0 && !r.full {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// newest returns up to limit entries, most recent first. limit <= 0 means all.
func (r *ring) newest(limit int) []string {
	n := r.len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		// walk backwards from the last written slot
		idx := (r.pos - 1 - i + r.cap) % r.cap
		out[i] = r.buf[idx]
	}
	return out
}
