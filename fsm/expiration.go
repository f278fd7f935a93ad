package fsm

// ExpirationScheduler defers the leave-event for a persistent member
// whose session has dropped, giving it expirationDuration to rejoin
// before it is declared gone (spec §4.1 session close semantics).
//
// Real timers cannot run inside Apply -- it must stay deterministic and
// side-effect free beyond state mutation and event publication. Instead,
// a member that loses its session records the logical time at which it
// becomes eligible for expiry (expireAt). A background sweep, driven the
// same way the teacher's ttlTicker drives proposeDeleteStaleLeader,
// periodically proposes a sweep command carrying the current time; every
// replica applies the same carried-in time, so the eventual leave fires
// identically everywhere even though wall-clock Now() is never read
// inside Apply itself.

// scheduleExpiration arms m's expiry relative to now (a value captured
// by the proposer, not read inside Apply). A zero expiration means
// immediate expiry, handled by the caller without arming a timer at all.
func (f *fsm) scheduleExpiration(m *member, now int64) {
	m.ExpireAt = now + f.expiration.Nanoseconds()
}

// cancelExpiration disarms any pending expiry, used when a persistent
// member rebinds via Join before its timer fires.
func (f *fsm) cancelExpiration(m *member) {
	m.ExpireAt = 0
}

func (m *member) expirationArmed() bool {
	return m.ExpireAt != 0
}
