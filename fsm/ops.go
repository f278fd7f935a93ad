package fsm

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/compose/canoe"
)

var joinOp = "JOIN"
var leaveOp = "LEAVE"
var listenOp = "LISTEN"
var closeSessionOp = "CLOSE_SESSION"
var setPropertyOp = "SET_PROPERTY"
var removePropertyOp = "REMOVE_PROPERTY"
var submitOp = "SUBMIT"
var ackOp = "ACK"
var expireSweepOp = "EXPIRE_SWEEP"

// command is the envelope every Propose call wraps its payload in,
// exactly the shape of the teacher's fsm/ops.go command type, extended
// with the bookkeeping the spec's Replication Runtime contract needs:
// RequestID/Proposer correlate a result back to the single waiting
// caller (if any), Session carries the originating client session, and
// Time carries a proposer-captured logical timestamp for the handful of
// ops that must compare against it deterministically during Apply.
type command struct {
	Op        string          `json:"op"`
	RequestID uint64          `json:"requestId"`
	Proposer  uint64          `json:"proposer"`
	Session   uint64          `json:"session"`
	Time      int64           `json:"time"`
	Data      json.RawMessage `json:"data"`
}

// Apply completes the canoe.FSM requirement. It is called once per log
// entry, in identical order, on every replica (spec §4.1 "Determinism").
func (f *fsm) Apply(logEntry canoe.LogData) error {
	var cmd command
	if err := json.Unmarshal(logEntry, &cmd); err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()

	f.metrics.ObserveApply(cmd.Op)
	defer f.refreshGaugeMetrics()

	switch cmd.Op {
	case joinOp:
		return f.applyJoin(cmd)
	case leaveOp:
		return f.applyLeave(cmd)
	case listenOp:
		return f.applyListen(cmd)
	case closeSessionOp:
		return f.applyCloseSession(cmd)
	case setPropertyOp:
		return f.applySetProperty(cmd)
	case removePropertyOp:
		return f.applyRemoveProperty(cmd)
	case submitOp:
		return f.applySubmit(cmd)
	case ackOp:
		return f.applyAck(cmd)
	case expireSweepOp:
		return f.applyExpireSweep(cmd)
	default:
		return ErrorUnknownOperation
	}
}

func (f *fsm) proposeCmd(op string, session uint64, logicalTime int64, data interface{}) (uint64, chan pendingResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, nil, err
	}

	requestID, waiter := f.newRequest()

	cmd := &command{
		Op:        op,
		RequestID: requestID,
		Proposer:  f.UniqueID(),
		Session:   session,
		Time:      logicalTime,
		Data:      payload,
	}

	cmdData, err := json.Marshal(cmd)
	if err != nil {
		f.forgetRequest(requestID)
		return 0, nil, err
	}

	if err := f.raft.Propose(cmdData); err != nil {
		f.forgetRequest(requestID)
		return 0, nil, err
	}

	return requestID, waiter, nil
}

// await blocks the caller context on the result of a previously proposed
// command, bounded so a caller can never wedge on a runtime that drops a
// reply (spec §5 "Suspension points").
func await(waiter chan pendingResult, timeout time.Duration) (interface{}, error) {
	select {
	case res := <-waiter:
		return res.value, res.err
	case <-time.After(timeout):
		return nil, ErrSessionClosed
	}
}

const defaultAwait = 5 * time.Second

// ---- Join ----

// JoinRequest is the data half of a Join command (spec §4.1). The
// member id is always supplied by the caller -- the state machine never
// mints ids (spec §4.1 bullet 1).
type JoinRequest struct {
	MemberID   string `json:"memberId"`
	Address    string `json:"address,omitempty"`
	Persistent bool   `json:"persistent"`
}

func (f *fsm) Join(req JoinRequest) (GroupMemberInfo, error) {
	_, waiter, err := f.proposeCmd(joinOp, 0, 0, req)
	if err != nil {
		return GroupMemberInfo{}, err
	}
	v, err := await(waiter, defaultAwait)
	if err != nil {
		return GroupMemberInfo{}, err
	}
	return v.(GroupMemberInfo), nil
}

func (f *fsm) applyJoin(cmd command) error {
	var req JoinRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}

	m, exists := f.members[req.MemberID]
	if !exists {
		idx := f.nextIndex
		f.nextIndex++
		m = &member{
			ID:         req.MemberID,
			Index:      idx,
			Address:    req.Address,
			Persistent: req.Persistent,
			Session:    cmd.Session,
		}
		f.members[req.MemberID] = m
		info := m.info()
		f.sessions.publishAll(Event{Name: EventJoin, Member: &info})
		f.resolve(cmd.RequestID, cmd.Proposer, info, nil)
		return nil
	}

	if !m.Persistent {
		f.resolve(cmd.RequestID, cmd.Proposer, GroupMemberInfo{}, ErrEphemeralExists)
		return nil
	}

	// Rebinding join: always republish so clients recompute locality and
	// re-run their election (spec §4.1 ordering rule 3).
	m.Session = cmd.Session
	m.Address = req.Address
	f.cancelExpiration(m)
	info := m.info()
	f.sessions.publishAll(Event{Name: EventJoin, Member: &info})
	f.resolve(cmd.RequestID, cmd.Proposer, info, nil)
	return nil
}

// ---- Leave ----

type leaveCmd struct {
	MemberID string `json:"memberId"`
}

func (f *fsm) Leave(memberID string) error {
	_, waiter, err := f.proposeCmd(leaveOp, 0, 0, leaveCmd{MemberID: memberID})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

func (f *fsm) applyLeave(cmd command) error {
	var req leaveCmd
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}

	if _, ok := f.members[req.MemberID]; !ok {
		f.resolve(cmd.RequestID, cmd.Proposer, nil, ErrUnknownMember)
		return nil
	}

	fails, leaveEvent := f.removeMember(req.MemberID)
	for _, ev := range fails {
		f.sessions.publish(ev.submitter, ev.event)
	}
	f.sessions.publishAll(leaveEvent)

	f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
	return nil
}

// addressedEvent pairs a fail event with the session it must be
// unicast to (the task's original submitter), as opposed to leave
// events, which always fan out to every active session.
type addressedEvent struct {
	submitter uint64
	event     Event
}

// removeMember deletes a member and force-fails every task it was
// holding (pending and backlog), returning the fail events in delivery
// order together with the leave event -- never published by the caller
// until every fail has been emitted (spec §4.1 ordering rule 2).
func (f *fsm) removeMember(id string) ([]addressedEvent, Event) {
	m := f.members[id]
	delete(f.members, id)

	drained := m.drainAll()
	fails := make([]addressedEvent, 0, len(drained))
	for _, t := range drained {
		gt := t.groupTask(id)
		fails = append(fails, addressedEvent{submitter: t.SubmitterSession, event: Event{Name: EventFail, Task: &gt}})
	}

	return fails, Event{Name: EventLeave, MemberID: id}
}

// ---- Listen ----

func (f *fsm) Listen(session uint64) ([]GroupMemberInfo, error) {
	_, waiter, err := f.proposeCmd(listenOp, session, 0, struct{}{})
	if err != nil {
		return nil, err
	}
	v, err := await(waiter, defaultAwait)
	if err != nil {
		return nil, err
	}
	return v.([]GroupMemberInfo), nil
}

// Members is a local, non-replicated read of the current bound
// membership, used by the HTTP status surface -- it does not go through
// Propose/Apply because it has no ordering requirement against
// concurrent commands, the same way GetProperty reads directly.
func (f *fsm) Members() []GroupMemberInfo {
	f.Lock()
	defer f.Unlock()

	ids := make([]string, 0, len(f.members))
	for id, m := range f.members {
		if m.bound() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]GroupMemberInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.members[id].info())
	}
	return out
}

func (f *fsm) Member(memberID string) (GroupMemberInfo, bool) {
	f.Lock()
	defer f.Unlock()

	m, ok := f.members[memberID]
	if !ok || !m.bound() {
		return GroupMemberInfo{}, false
	}
	return m.info(), true
}

func (f *fsm) applyListen(cmd command) error {
	f.sessions.listen(cmd.Session)

	ids := make([]string, 0, len(f.members))
	for id, m := range f.members {
		if m.bound() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	snapshot := make([]GroupMemberInfo, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, f.members[id].info())
	}

	f.resolve(cmd.RequestID, cmd.Proposer, snapshot, nil)
	return nil
}

// ---- CloseSession ----

func (f *fsm) CloseSession(session uint64) error {
	_, waiter, err := f.proposeCmd(closeSessionOp, session, time.Now().UnixNano(), struct{}{})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

// applyCloseSession implements spec §4.1 "Session close semantics":
// ephemeral members bound to the session are removed outright; their
// leave events are deferred until every affected member has been
// processed, so clients observe a consistent batch of leaves rather than
// an interleaving. Persistent members are unbound and either declared
// gone immediately (expiration == 0) or armed with a deferred-expiry
// timer.
func (f *fsm) applyCloseSession(cmd command) error {
	closed := f.sessions.close(cmd.Session)
	if !closed {
		// Idempotent: a session already closed (or never opened)
		// produces no further state change.
		f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
		return nil
	}

	var affected []string
	for id, m := range f.members {
		if m.Session == cmd.Session {
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)

	var deferredLeaves []Event

	for _, id := range affected {
		m := f.members[id]

		if !m.Persistent {
			fails, leaveEvent := f.removeMember(id)
			for _, ev := range fails {
				f.sessions.publish(ev.submitter, ev.event)
			}
			deferredLeaves = append(deferredLeaves, leaveEvent)
			continue
		}

		m.Session = 0
		if f.expiration == 0 {
			fails, leaveEvent := f.removeMember(id)
			for _, ev := range fails {
				f.sessions.publish(ev.submitter, ev.event)
			}
			deferredLeaves = append(deferredLeaves, leaveEvent)
			continue
		}

		f.scheduleExpiration(m, cmd.Time)
	}

	for _, ev := range deferredLeaves {
		f.sessions.publishAll(ev)
	}

	f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
	return nil
}

// ---- SetProperty / RemoveProperty ----

type propertyCmd struct {
	Member string `json:"member,omitempty"`
	Name   string `json:"name"`
	Value  []byte `json:"value,omitempty"`
}

func (f *fsm) SetProperty(memberID, name string, value []byte) error {
	_, waiter, err := f.proposeCmd(setPropertyOp, 0, 0, propertyCmd{Member: memberID, Name: name, Value: value})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

func (f *fsm) applySetProperty(cmd command) error {
	var req propertyCmd
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}
	err := f.setProperty(req.Member, req.Name, req.Value)
	f.resolve(cmd.RequestID, cmd.Proposer, nil, err)
	return nil
}

func (f *fsm) RemoveProperty(memberID, name string) error {
	_, waiter, err := f.proposeCmd(removePropertyOp, 0, 0, propertyCmd{Member: memberID, Name: name})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

func (f *fsm) applyRemoveProperty(cmd command) error {
	var req propertyCmd
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}
	err := f.removeProperty(req.Member, req.Name)
	f.resolve(cmd.RequestID, cmd.Proposer, nil, err)
	return nil
}

// GetProperty is a pure read against this replica's already-applied
// state, the same way the teacher's Member()/Members()/Leader() read
// local state directly rather than round-tripping through Propose.
func (f *fsm) GetProperty(memberID, name string) ([]byte, bool, error) {
	f.Lock()
	defer f.Unlock()
	return f.getProperty(memberID, name)
}

// ---- Submit / Ack ----

// SubmitRequest is the data half of a Submit command (spec §4.1).
type SubmitRequest struct {
	SubmitterSession uint64 `json:"submitterSession"`
	TargetMember     string `json:"targetMember"`
	Payload          []byte `json:"payload"`
	AckMode          string `json:"ackMode"`
}

func (f *fsm) Submit(req SubmitRequest) (uint64, error) {
	if req.AckMode == "" {
		req.AckMode = AckModeDirect
	}
	_, waiter, err := f.proposeCmd(submitOp, req.SubmitterSession, 0, req)
	if err != nil {
		return 0, err
	}
	v, err := await(waiter, defaultAwait)
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (f *fsm) applySubmit(cmd command) error {
	var req SubmitRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}

	m, ok := f.members[req.TargetMember]
	if !ok {
		f.resolve(cmd.RequestID, cmd.Proposer, uint64(0), ErrUnknownMember)
		return nil
	}

	idx := f.nextIndex
	f.nextIndex++

	t := &task{
		Index:            idx,
		SubmitterSession: req.SubmitterSession,
		TargetMember:     req.TargetMember,
		Payload:          req.Payload,
		AckMode:          req.AckMode,
	}

	promoted := m.enqueue(t)
	if promoted && m.bound() {
		gt := t.groupTask(req.TargetMember)
		f.sessions.publish(m.Session, Event{Name: EventTask, Task: &gt})
	}

	f.resolve(cmd.RequestID, cmd.Proposer, idx, nil)
	return nil
}

type ackCmd struct {
	MemberID  string `json:"memberId"`
	TaskIndex uint64 `json:"taskIndex"`
	Succeeded bool   `json:"succeeded"`
}

func (f *fsm) Ack(memberID string, taskIndex uint64, succeeded bool) error {
	_, waiter, err := f.proposeCmd(ackOp, 0, 0, ackCmd{MemberID: memberID, TaskIndex: taskIndex, Succeeded: succeeded})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

func (f *fsm) applyAck(cmd command) error {
	var req ackCmd
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}

	m, ok := f.members[req.MemberID]
	if !ok {
		f.resolve(cmd.RequestID, cmd.Proposer, nil, ErrUnknownMember)
		return nil
	}

	if m.Pending == nil || m.Pending.Index != req.TaskIndex {
		// Duplicate or late ack: ignored, not an error (spec §4.1 Ack).
		f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
		return nil
	}

	t := m.Pending
	m.Pending = nil

	evName := EventAck
	if !req.Succeeded {
		evName = EventFail
	}
	gt := t.groupTask(req.MemberID)
	f.sessions.publish(t.SubmitterSession, Event{Name: evName, Task: &gt})

	if next := m.promoteNext(); next != nil && m.bound() {
		nextGt := next.groupTask(req.MemberID)
		f.sessions.publish(m.Session, Event{Name: EventTask, Task: &nextGt})
	}

	f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
	return nil
}

// ---- ExpireSweep ----
//
// The ExpirationScheduler (spec §4.1 "Session close semantics", deferred
// leave) never calls time.Now() inside Apply. Instead a background loop
// (fsm.go's run()) proposes this sweep on a fixed cadence, carrying the
// time it captured at propose time; every replica compares
// member.ExpireAt against that carried-in value, so the sweep is
// deterministic across replicas even though wall-clock time was read
// once, outside of Apply -- the same trick the teacher's
// proposeDeleteStaleLeader/applyDeleteStaleLeader uses.

func (f *fsm) proposeExpireSweep() error {
	_, waiter, err := f.proposeCmd(expireSweepOp, 0, time.Now().UnixNano(), struct{}{})
	if err != nil {
		return err
	}
	_, err = await(waiter, defaultAwait)
	return err
}

func (f *fsm) applyExpireSweep(cmd command) error {
	var expired []string
	for id, m := range f.members {
		if m.bound() || !m.expirationArmed() {
			continue
		}
		if cmd.Time >= m.ExpireAt {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	for _, id := range expired {
		fails, leaveEvent := f.removeMember(id)
		for _, ev := range fails {
			f.sessions.publish(ev.submitter, ev.event)
		}
		f.sessions.publishAll(leaveEvent)
	}

	f.resolve(cmd.RequestID, cmd.Proposer, nil, nil)
	return nil
}
