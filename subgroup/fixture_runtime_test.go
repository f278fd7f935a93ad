package subgroup

import (
	"context"
	"sync"
	"time"

	"github.com/buybackoff/atomix/fsm"
	"github.com/buybackoff/atomix/runtime"
)

const (
	assertEventuallyTimeout = 2 * time.Second
	assertEventuallyTick    = 10 * time.Millisecond
)

// fixtureRuntime is the same minimal in-memory runtime.Runtime double
// used in client's own tests, duplicated here rather than exported from
// client: it exists purely to drive client.GroupClient for these
// package's tests and has no reason to be part of client's public API.
type fixtureRuntime struct {
	mu      sync.Mutex
	members []fsm.GroupMemberInfo
	events  chan fsm.Event
}

func newFixtureRuntime(initial ...fsm.GroupMemberInfo) *fixtureRuntime {
	return &fixtureRuntime{members: initial, events: make(chan fsm.Event, 16)}
}

func (r *fixtureRuntime) push(ev fsm.Event) { r.events <- ev }

func (r *fixtureRuntime) OpenSession(ctx context.Context) (runtime.SessionID, error) { return 1, nil }
func (r *fixtureRuntime) CloseSession(ctx context.Context, session runtime.SessionID) error {
	return nil
}
func (r *fixtureRuntime) Heartbeat(session runtime.SessionID) error { return nil }

func (r *fixtureRuntime) Join(ctx context.Context, session runtime.SessionID, req fsm.JoinRequest) (fsm.GroupMemberInfo, error) {
	r.mu.Lock()
	info := fsm.GroupMemberInfo{MemberID: req.MemberID, Address: req.Address, Index: uint64(len(r.members))}
	r.members = append(r.members, info)
	r.mu.Unlock()
	r.events <- fsm.Event{Name: fsm.EventJoin, Member: &info}
	return info, nil
}

func (r *fixtureRuntime) Leave(ctx context.Context, memberID string) error { return nil }

func (r *fixtureRuntime) Listen(ctx context.Context, session runtime.SessionID) ([]fsm.GroupMemberInfo, <-chan fsm.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := append([]fsm.GroupMemberInfo(nil), r.members...)
	return snapshot, r.events, nil
}

func (r *fixtureRuntime) SetProperty(ctx context.Context, memberID, name string, value []byte) error {
	return nil
}
func (r *fixtureRuntime) GetProperty(ctx context.Context, memberID, name string) ([]byte, bool, error) {
	return nil, false, nil
}
func (r *fixtureRuntime) RemoveProperty(ctx context.Context, memberID, name string) error {
	return nil
}

func (r *fixtureRuntime) Submit(ctx context.Context, session runtime.SessionID, targetMember string, payload []byte, ackMode string) (uint64, error) {
	return 1, nil
}

func (r *fixtureRuntime) Ack(ctx context.Context, memberID string, taskIndex uint64, succeeded bool) error {
	return nil
}

func (r *fixtureRuntime) UniqueID() uint64 { return 1 }
