package bridge

import "sync"

// Ring is a bounded byte scrollback buffer. Writes beyond the budget
// silently evict the oldest bytes, so a snapshot always holds the most
// recent budget-worth of output.
type Ring struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

// DefaultScrollbackBytes is the ring budget when none is configured.
const DefaultScrollbackBytes = 256 * 1024

// NewRing creates a ring with the given byte budget.
func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultScrollbackBytes
	}
	return &Ring{limit: limit}
}

// Write appends p, evicting from the front once the budget is exceeded.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.limit {
		r.buf = append(r.buf[:0], p[len(p)-r.limit:]...)
		return len(p), nil
	}
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.limit; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the current contents.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Len returns the current size in bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
