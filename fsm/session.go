package fsm

import "sort"

// EventName enumerates the wire events published to sessions (spec §6).
type EventName string

const (
	EventJoin  EventName = "join"
	EventLeave EventName = "leave"
	EventTask  EventName = "task"
	EventAck   EventName = "ack"
	EventFail  EventName = "fail"
)

// Event is the payload fanned out to a listening session. Exactly one of
// the optional fields is populated, matching the Name.
type Event struct {
	Name     EventName        `json:"name"`
	Member   *GroupMemberInfo `json:"member,omitempty"`
	MemberID string           `json:"memberId,omitempty"`
	Task     *GroupTask       `json:"task,omitempty"`
}

// sessionRegistryEntrySize is the per-session buffer depth. Like the
// teacher's leaderc/memberc channels, delivery is best-effort: a session
// that is not being drained loses events rather than blocking Apply.
const sessionRegistryEntrySize = 64

type sessionEntry struct {
	active bool
	events chan Event
}

// sessionRegistry tracks sessionId -> listening state and fans events out
// to active sessions only (spec §4.2). It never reorders; ordering is the
// caller's responsibility (ops.go emits events in the order spec §4.1
// requires before calling into the registry).
type sessionRegistry struct {
	sessions map[uint64]*sessionEntry
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[uint64]*sessionEntry)}
}

// listen registers session as active and returns its event channel. A
// session already registered is simply reactivated -- this lets a client
// that reconnects under the same session id resume receiving events.
func (r *sessionRegistry) listen(session uint64) <-chan Event {
	e, ok := r.sessions[session]
	if !ok {
		e = &sessionEntry{events: make(chan Event, sessionRegistryEntrySize)}
		r.sessions[session] = e
	}
	e.active = true
	return e.events
}

// close marks session inactive. Returns true if it transitioned from
// active to inactive, which is the trigger the caller uses to drive
// GroupStateMachine.onSessionClose exactly once.
func (r *sessionRegistry) close(session uint64) bool {
	e, ok := r.sessions[session]
	if !ok || !e.active {
		return false
	}
	e.active = false
	close(e.events)
	delete(r.sessions, session)
	return true
}

func (r *sessionRegistry) isActive(session uint64) bool {
	e, ok := r.sessions[session]
	return ok && e.active
}

// activeCount reports how many sessions are currently listening, used
// only for the /metrics gauge.
func (r *sessionRegistry) activeCount() int {
	n := 0
	for _, e := range r.sessions {
		if e.active {
			n++
		}
	}
	return n
}

// publish delivers ev to session if it is active. Silently dropped
// otherwise, per spec §7 propagation policy ("event delivery failures
// are silently dropped").
func (r *sessionRegistry) publish(session uint64, ev Event) {
	e, ok := r.sessions[session]
	if !ok || !e.active {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// publishAll fans ev out to every active session, in ascending session-id
// order so that replay of this log entry is observably identical across
// replicas (spec §4.1 determinism rule).
func (r *sessionRegistry) publishAll(ev Event) {
	ids := make([]uint64, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.publish(id, ev)
	}
}
