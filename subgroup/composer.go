// Package subgroup implements SubGroupComposer (spec §4.5): derived
// views over a GroupClient's membership, filtered by predicate or
// reshaped into a consistent-hash ring or a fixed partition scheme.
package subgroup

import (
	"sync"

	"github.com/buybackoff/atomix/client"
	"github.com/buybackoff/atomix/fsm"
)

// Filter decides whether a member belongs in a derived sub-group.
type Filter func(fsm.GroupMemberInfo) bool

// SubGroup is a filtered, continuously-updated view of a GroupClient's
// membership (spec §4.5). It derives its contents entirely from c's
// existing mirror and callback chain; it never talks to the runtime.
type SubGroup struct {
	filter Filter

	mu      sync.RWMutex
	members map[string]fsm.GroupMemberInfo
}

// NewSubGroup derives a SubGroup from c by predicate, registering onto
// c's join/leave callback chain so several SubGroups, an
// ElectionEngine, and a TaskRouter can all observe the same client.
func NewSubGroup(c *client.GroupClient, filter Filter) *SubGroup {
	sg := &SubGroup{filter: filter, members: make(map[string]fsm.GroupMemberInfo)}

	for _, m := range c.Members() {
		if filter(m) {
			sg.members[m.MemberID] = m
		}
	}

	c.OnJoin(func(m fsm.GroupMemberInfo) {
		if !filter(m) {
			return
		}
		sg.mu.Lock()
		sg.members[m.MemberID] = m
		sg.mu.Unlock()
	})
	c.OnLeave(func(id string) {
		sg.mu.Lock()
		delete(sg.members, id)
		sg.mu.Unlock()
	})

	return sg
}

func (sg *SubGroup) Members() []fsm.GroupMemberInfo {
	sg.mu.RLock()
	defer sg.mu.RUnlock()

	out := make([]fsm.GroupMemberInfo, 0, len(sg.members))
	for _, m := range sg.members {
		out = append(out, m)
	}
	return out
}
