// Package upstream tracks the health of a set of peers and selects among
// the live ones with priority-aware round-robin. The resolver uses it to
// rotate across nameservers and to park servers that keep failing.
//
// Failure accounting uses a sliding window: errors accumulate only while
// they arrive within ErrorWindow of the first one; once MaxErrors is
// reached the peer is declared dead for DeadTime and then given a clean
// slate.
package upstream

import "time"

// Default failure-window parameters.
const (
	DefaultErrorWindow = 10 * time.Second
	DefaultDeadTime    = 300 * time.Second
	DefaultMaxErrors   = 10
)

// Policy bundles the failure-window knobs so embedders can override them.
type Policy struct {
	ErrorWindow time.Duration
	DeadTime    time.Duration
	MaxErrors   int
}

// DefaultPolicy returns the standard failure window.
func DefaultPolicy() Policy {
	return Policy{
		ErrorWindow: DefaultErrorWindow,
		DeadTime:    DefaultDeadTime,
		MaxErrors:   DefaultMaxErrors,
	}
}

// Health is the per-peer failure state. Embed it in the peer struct and
// report send failures and successes through Fail and OK.
type Health struct {
	Priority int

	errCount  int
	firstErr  time.Time
	deadUntil time.Time
}

// Fail records one error at time now. When MaxErrors errors accumulate
// within ErrorWindow the peer is marked dead for DeadTime.
func (h *Health) Fail(now time.Time, p Policy) {
	if h.errCount == 0 || now.Sub(h.firstErr) > p.ErrorWindow {
		// Stale window: restart the count from this error.
		h.errCount = 1
		h.firstErr = now
		return
	}
	h.errCount++
	if h.errCount >= p.MaxErrors {
		h.deadUntil = now.Add(p.DeadTime)
		h.errCount = 0
		h.firstErr = time.Time{}
	}
}

// OK clears accumulated errors after a successful exchange.
func (h *Health) OK() {
	h.errCount = 0
	h.firstErr = time.Time{}
}

// Alive reports whether the peer may be used at time now. A dead peer
// revives once DeadTime elapses.
func (h *Health) Alive(now time.Time) bool {
	if h.deadUntil.IsZero() {
		return true
	}
	if now.After(h.deadUntil) {
		h.deadUntil = time.Time{}
		return true
	}
	return false
}

// Revive clears the dead mark; used when every peer of a set has failed
// and the caller has nothing better to try.
func (h *Health) Revive() {
	h.deadUntil = time.Time{}
	h.errCount = 0
	h.firstErr = time.Time{}
}

// Peer is implemented by anything carrying a Health.
type Peer interface {
	Up() *Health
}

// Pick selects the next live peer after *cursor, preferring higher
// Priority, and advances the cursor. When every peer is dead the whole set
// is revived and the first peer returned; the second result is false only
// for an empty set.
func Pick[T Peer](now time.Time, cursor *int, peers []T) (T, bool) {
	var zero T
	if len(peers) == 0 {
		return zero, false
	}

	best := -1 << 31
	alive := 0
	for _, p := range peers {
		if p.Up().Alive(now) {
			alive++
			if p.Up().Priority > best {
				best = p.Up().Priority
			}
		}
	}

	if alive == 0 {
		for _, p := range peers {
			p.Up().Revive()
		}
		*cursor = 0
		return peers[0], true
	}

	for i := 1; i <= len(peers); i++ {
		idx := (*cursor + i) % len(peers)
		p := peers[idx]
		if p.Up().Alive(now) && p.Up().Priority == best {
			*cursor = idx
			return p, true
		}
	}

	// Unreachable while alive > 0; keep the compiler satisfied.
	return zero, false
}
