// Package dedup suppresses near-identical events re-announced within a short window.
package dedup

import "time"

// DefaultTTL is the window used when none is configured.
const DefaultTTL = 100 * time.Millisecond

type seen struct {
	fp uint64
	at time.Time
}

// Window remembers recently admitted fingerprints. It is not safe for
// concurrent use; the buffer consumer is its only caller.
type Window struct {
	ttl   time.Duration
	last  map[uint64]time.Time
	order []seen
	head  int
}

// NewWindow creates a window of the given duration. A non-positive ttl
// admits everything.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		ttl:  ttl,
		last: make(map[uint64]time.Time),
	}
}

// TTL returns the window duration.
func (w *Window) TTL() time.Duration { return w.ttl }

// Admit reports whether an event with fingerprint fp observed at at should be
// let through. A suppressed lookup does not refresh the stored time.
func (w *Window) Admit(fp uint64, at time.Time) bool {
	if w.ttl <= 0 {
		return true
	}
	w.evict(at)

	if prev, ok := w.last[fp]; ok && at.Sub(prev) < w.ttl {
		return false
	}

	w.last[fp] = at
	w.order = append(w.order, seen{fp: fp, at: at})
	return true
}

// Len returns the number of fingerprints currently remembered.
func (w *Window) Len() int { return len(w.last) }

// evict drops entries older than the window, oldest first. A queue entry
// only removes its map key if that key was not re-admitted later.
func (w *Window) evict(now time.Time) {
	for w.head < len(w.order) {
		e := w.order[w.head]
		if now.Sub(e.at) < w.ttl {
			break
		}
		if at, ok := w.last[e.fp]; ok && at.Equal(e.at) {
			delete(w.last, e.fp)
		}
		w.order[w.head] = seen{}
		w.head++
	}

	if w.head > 64 && w.head*2 > len(w.order) {
		n := copy(w.order, w.order[w.head:])
		w.order = w.order[:n]
		w.head = 0
	}
}
