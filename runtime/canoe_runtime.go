package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/Sirupsen/logrus"

	"github.com/buybackoff/atomix/fsm"
)

// DefaultLeaseTTL is how long a session may go without a Heartbeat call
// before CanoeRuntime declares it closed, mirroring the teacher's
// leader-TTL cadence (fsm's sweepInterval) but scoped to client sessions
// instead of a single leader slot.
const DefaultLeaseTTL = 10 * time.Second

const leaseSweepInterval = 2 * time.Second

// CanoeRuntime adapts a fsm.GroupFSM into the Runtime contract, adding
// the session-lease bookkeeping the replicated log itself has no concept
// of: a session is a runtime-local lease, backed by the state machine's
// own CloseSession command once the lease lapses.
type CanoeRuntime struct {
	fsm fsm.GroupFSM

	leaseTTL time.Duration
	localSeq uint64

	mu     sync.Mutex
	leases map[SessionID]time.Time

	stopc    chan struct{}
	stoppedc chan struct{}
}

// NewCanoeRuntime wraps an already-started fsm.GroupFSM. leaseTTL of zero
// selects DefaultLeaseTTL.
func NewCanoeRuntime(groupFSM fsm.GroupFSM, leaseTTL time.Duration) *CanoeRuntime {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}

	r := &CanoeRuntime{
		fsm:      groupFSM,
		leaseTTL: leaseTTL,
		leases:   make(map[SessionID]time.Time),
		stopc:    make(chan struct{}),
		stoppedc: make(chan struct{}),
	}

	go r.sweepLeases()

	return r
}

// Stop halts the lease sweeper. It does not touch the underlying FSM --
// callers still own Cleanup/Destroy on the fsm.GroupFSM directly.
func (r *CanoeRuntime) Stop() {
	close(r.stopc)
	<-r.stoppedc
}

func (r *CanoeRuntime) sweepLeases() {
	defer close(r.stoppedc)

	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopc:
			return
		case <-ticker.C:
			r.expireLapsedLeases()
		}
	}
}

func (r *CanoeRuntime) expireLapsedLeases() {
	now := time.Now()

	var lapsed []SessionID
	r.mu.Lock()
	for session, deadline := range r.leases {
		if now.After(deadline) {
			lapsed = append(lapsed, session)
			delete(r.leases, session)
		}
	}
	r.mu.Unlock()

	for _, session := range lapsed {
		if err := r.fsm.CloseSession(session); err != nil {
			log.WithFields(log.Fields{"package": "runtime", "session": session}).
				Errorf("closing lapsed session: %v", err)
		}
	}
}

// mintSessionID produces a runtime-local identifier: the node's own
// unique id in the high bits, a local monotonic counter in the low bits,
// so session ids never collide across nodes without any extra
// coordination -- the same shape as the teacher's per-node sequence
// numbers in etcd.go, generalized to a full uint64.
func (r *CanoeRuntime) mintSessionID() SessionID {
	local := atomic.AddUint64(&r.localSeq, 1)
	return (r.fsm.UniqueID() << 32) | (local & 0xffffffff)
}

func (r *CanoeRuntime) OpenSession(ctx context.Context) (SessionID, error) {
	session := r.mintSessionID()

	r.mu.Lock()
	r.leases[session] = time.Now().Add(r.leaseTTL)
	r.mu.Unlock()

	return session, nil
}

func (r *CanoeRuntime) CloseSession(ctx context.Context, session SessionID) error {
	r.mu.Lock()
	delete(r.leases, session)
	r.mu.Unlock()

	return r.fsm.CloseSession(session)
}

func (r *CanoeRuntime) Heartbeat(session SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leases[session]; !ok {
		return fsm.ErrSessionClosed
	}
	r.leases[session] = time.Now().Add(r.leaseTTL)
	return nil
}

func (r *CanoeRuntime) Join(ctx context.Context, session SessionID, req fsm.JoinRequest) (fsm.GroupMemberInfo, error) {
	v, err := call(ctx, func() (interface{}, error) {
		return r.fsm.Join(req)
	})
	if err != nil {
		return fsm.GroupMemberInfo{}, err
	}
	return v.(fsm.GroupMemberInfo), nil
}

func (r *CanoeRuntime) Leave(ctx context.Context, memberID string) error {
	_, err := call(ctx, func() (interface{}, error) {
		return nil, r.fsm.Leave(memberID)
	})
	return err
}

func (r *CanoeRuntime) Listen(ctx context.Context, session SessionID) ([]fsm.GroupMemberInfo, <-chan fsm.Event, error) {
	v, err := call(ctx, func() (interface{}, error) {
		return r.fsm.Listen(session)
	})
	if err != nil {
		return nil, nil, err
	}
	return v.([]fsm.GroupMemberInfo), r.fsm.Events(session), nil
}

func (r *CanoeRuntime) SetProperty(ctx context.Context, memberID, name string, value []byte) error {
	_, err := call(ctx, func() (interface{}, error) {
		return nil, r.fsm.SetProperty(memberID, name, value)
	})
	return err
}

func (r *CanoeRuntime) GetProperty(ctx context.Context, memberID, name string) ([]byte, bool, error) {
	return r.fsm.GetProperty(memberID, name)
}

func (r *CanoeRuntime) RemoveProperty(ctx context.Context, memberID, name string) error {
	_, err := call(ctx, func() (interface{}, error) {
		return nil, r.fsm.RemoveProperty(memberID, name)
	})
	return err
}

func (r *CanoeRuntime) Submit(ctx context.Context, session SessionID, targetMember string, payload []byte, ackMode string) (uint64, error) {
	v, err := call(ctx, func() (interface{}, error) {
		return r.fsm.Submit(fsm.SubmitRequest{
			SubmitterSession: session,
			TargetMember:     targetMember,
			Payload:          payload,
			AckMode:          ackMode,
		})
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (r *CanoeRuntime) Ack(ctx context.Context, memberID string, taskIndex uint64, succeeded bool) error {
	_, err := call(ctx, func() (interface{}, error) {
		return nil, r.fsm.Ack(memberID, taskIndex, succeeded)
	})
	return err
}

func (r *CanoeRuntime) UniqueID() uint64 {
	return r.fsm.UniqueID()
}
