// Package ratelimit implements the relay's two-axis abuse controls: a
// per-room, per-address join strike/ban window, and a global per-address
// room-ownership cap.
package ratelimit

import "sync"

// OwnershipCap is the fixed number of rooms a single address may own
// concurrently.
const OwnershipCap = 3

type joinState struct {
	strikes     int
	windowStart int64 // unix nanos; zero value means "never started"
	bannedUntil int64
}

// RoomLimiter tracks join attempts for a single room, keyed by the
// requesting address. Strikes accumulate within a fixed window; crossing
// the threshold bans the address for a configured duration that outlives
// the window.
type RoomLimiter struct {
	mu       sync.Mutex
	states   map[string]*joinState
	maxUsers int
	perN     int64 // nanoseconds
	banFor   int64 // nanoseconds
}

// NewRoomLimiter builds a join limiter with the given thresholds.
func NewRoomLimiter(maxUsers int, perNSeconds, banForSeconds int64) *RoomLimiter {
	return &RoomLimiter{
		states:   make(map[string]*joinState),
		maxUsers: maxUsers,
		perN:     perNSeconds * 1e9,
		banFor:   banForSeconds * 1e9,
	}
}

// Allow reports whether a join attempt from address at time nowUnixNano is
// permitted, recording the strike or ban as a side effect. now is passed
// in (rather than read from time.Now() internally) so tests can drive the
// window deterministically.
func (l *RoomLimiter) Allow(address string, nowUnixNano int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[address]
	if !ok {
		st = &joinState{}
		l.states[address] = st
	}

	if nowUnixNano < st.bannedUntil {
		return false
	}

	if nowUnixNano-st.windowStart < l.perN {
		st.strikes++
		if st.strikes >= l.maxUsers {
			st.bannedUntil = nowUnixNano + l.banFor
			return false
		}
		return true
	}

	st.strikes = 0
	st.windowStart = nowUnixNano
	return true
}

// OwnershipCounter tracks how many rooms each address currently owns.
// Entries at zero are dropped.
type OwnershipCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewOwnershipCounter returns an empty ownership counter.
func NewOwnershipCounter() *OwnershipCounter {
	return &OwnershipCounter{counts: make(map[string]int)}
}

// Count returns the number of rooms currently owned by address (0 if absent).
func (o *OwnershipCounter) Count(address string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[address]
}

// TryOwn checks the fixed cap and, if address is under it, increments its
// ownership count, both under one critical section, so concurrent callers
// for the same address can never all observe room to spare. It reports
// whether the increment happened.
func (o *OwnershipCounter) TryOwn(address string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts[address] >= OwnershipCap {
		return false
	}
	o.counts[address]++
	return true
}

// Deown decrements address's ownership count, dropping the entry at zero.
func (o *OwnershipCounter) Deown(address string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.counts[address]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(o.counts, address)
		return
	}
	o.counts[address] = n
}
