package fsm

// AckMode controls how a task's completion is delivered. Only "direct"
// (complete the submitter's future) is implemented by the wire contract
// in spec §6; "broadcast" is a client-side convenience over repeated
// direct submits (spec §9 Open Question) and carries no extra
// state-machine behavior.
const (
	AckModeDirect    = "direct"
	AckModeBroadcast = "broadcast"
)

// task is the authoritative, server-owned record for one unit of work.
// Exactly one task per member may be "pending" (head-of-line); the rest
// sit in that member's backlog in submission order (spec §3).
type task struct {
	Index            uint64 `json:"index"`
	SubmitterSession uint64 `json:"submitterSession"`
	TargetMember     string `json:"targetMember"`
	Payload          []byte `json:"payload"`
	AckMode          string `json:"ackMode"`
}

// GroupTask is the wire payload of a "task" event (spec §6).
type GroupTask struct {
	Index    uint64 `json:"index"`
	MemberID string `json:"memberId"`
	Payload  []byte `json:"payload"`
}

func (t *task) groupTask(memberID string) GroupTask {
	return GroupTask{Index: t.Index, MemberID: memberID, Payload: t.Payload}
}

// promoteNext pops the next backlog entry into Pending, if any is queued
// and no task is currently pending. Returns the promoted task, or nil.
func (m *member) promoteNext() *task {
	if m.Pending != nil || len(m.Backlog) == 0 {
		return nil
	}
	next := m.Backlog[0]
	m.Backlog = m.Backlog[1:]
	m.Pending = next
	return next
}

// enqueue appends t to the member's queue, promoting it immediately to
// Pending if the member has no task in flight (spec §4.1 Submit).
func (m *member) enqueue(t *task) (promoted bool) {
	if m.Pending == nil {
		m.Pending = t
		return true
	}
	m.Backlog = append(m.Backlog, t)
	return false
}

// drainAll removes the pending task and the entire backlog, returning
// them in delivery order, for forced-fail on member removal (spec §4.1
// session close semantics, rule 2 in "Ordering rules").
func (m *member) drainAll() []*task {
	var drained []*task
	if m.Pending != nil {
		drained = append(drained, m.Pending)
		m.Pending = nil
	}
	drained = append(drained, m.Backlog...)
	m.Backlog = nil
	return drained
}
