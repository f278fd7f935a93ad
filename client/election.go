package client

import (
	"sync"

	"github.com/buybackoff/atomix/fsm"
)

// Term identifies a single leader tenure (spec §4.3): Number increments
// every time the computed leader identity changes, Leader is nil when
// the group is currently empty.
type Term struct {
	Number uint64
	Leader *fsm.GroupMemberInfo
}

// TermListener is notified every time ElectionEngine computes a new term.
type TermListener func(Term)

// ElectionEngine derives the current leader purely from the ascending
// order of member index -- the member with the lowest (oldest) index is
// leader -- recomputing on every local membership change with no
// server-side leader entity or additional coordination (spec §4.3). This
// deliberately does not reuse the teacher's server-side leaderBackend
// (fsm/leader.go in the teacher repo): that type races candidates
// through a dedicated replicated leader slot, which has no place once
// leadership is defined as a pure function of client-visible state.
type ElectionEngine struct {
	mu        sync.Mutex
	term      Term
	listeners []TermListener
}

// NewElectionEngine attaches to c, recomputing the term on every local
// join/leave observed by c.
func NewElectionEngine(c *GroupClient) *ElectionEngine {
	e := &ElectionEngine{}

	c.OnJoin(func(fsm.GroupMemberInfo) { e.recompute(c) })
	c.OnLeave(func(string) { e.recompute(c) })

	e.recompute(c)
	return e
}

// OnTermChange registers a listener invoked whenever the computed leader
// identity changes. It does not fire for the listener's own registration.
func (e *ElectionEngine) OnTermChange(fn TermListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *ElectionEngine) Current() Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

func (e *ElectionEngine) recompute(c *GroupClient) {
	members := c.Members()

	var leader *fsm.GroupMemberInfo
	for i := range members {
		m := members[i]
		if leader == nil || m.Index < leader.Index {
			leader = &m
		}
	}

	e.mu.Lock()
	if leader == nil {
		// spec §4.3: an empty member set emits no term at all -- the
		// leader slot goes vacant in place, and the next join elects
		// with term = previous+1 (via the changed branch below, since
		// sameLeader(nil, non-nil) is false).
		e.term.Leader = nil
		e.mu.Unlock()
		return
	}

	changed := !sameLeader(e.term.Leader, leader)
	if changed {
		e.term.Number++
		e.term.Leader = leader
	}
	term := e.term
	listeners := append([]TermListener(nil), e.listeners...)
	e.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(term)
		}
	}
}

func sameLeader(a, b *fsm.GroupMemberInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.MemberID == b.MemberID
}
