package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/compose/canoe"
	"github.com/stretchr/testify/assert"

	"github.com/buybackoff/atomix/fsm"
)

// fakeGroupFSM is a minimal fsm.GroupFSM double recording CloseSession
// calls, letting the lease sweeper be tested without a real canoe.Node.
type fakeGroupFSM struct {
	closedSessions []uint64
	joinResult     fsm.GroupMemberInfo
}

func (f *fakeGroupFSM) UniqueID() uint64            { return 42 }
func (f *fakeGroupFSM) CompletedRestore() bool       { return true }
func (f *fakeGroupFSM) Cleanup() error               { return nil }
func (f *fakeGroupFSM) Destroy() error               { return nil }
func (f *fakeGroupFSM) Join(req fsm.JoinRequest) (fsm.GroupMemberInfo, error) {
	return f.joinResult, nil
}
func (f *fakeGroupFSM) Leave(memberID string) error { return nil }
func (f *fakeGroupFSM) Listen(session uint64) ([]fsm.GroupMemberInfo, error) {
	return nil, nil
}
func (f *fakeGroupFSM) Events(session uint64) <-chan fsm.Event { return nil }
func (f *fakeGroupFSM) CloseSession(session uint64) error {
	f.closedSessions = append(f.closedSessions, session)
	return nil
}
func (f *fakeGroupFSM) SetProperty(memberID, name string, value []byte) error { return nil }
func (f *fakeGroupFSM) GetProperty(memberID, name string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeGroupFSM) RemoveProperty(memberID, name string) error { return nil }
func (f *fakeGroupFSM) Submit(req fsm.SubmitRequest) (uint64, error) { return 0, nil }
func (f *fakeGroupFSM) Ack(memberID string, taskIndex uint64, succeeded bool) error { return nil }
func (f *fakeGroupFSM) Members() []fsm.GroupMemberInfo { return nil }
func (f *fakeGroupFSM) Member(memberID string) (fsm.GroupMemberInfo, bool) {
	return fsm.GroupMemberInfo{}, false
}
func (f *fakeGroupFSM) Snapshot() (canoe.SnapshotData, error) { return nil, nil }

func TestOpenSessionMintsUniqueIDs(t *testing.T) {
	r := NewCanoeRuntime(&fakeGroupFSM{}, time.Hour)
	defer r.Stop()

	s1, err := r.OpenSession(context.Background())
	assert.NoError(t, err)
	s2, err := r.OpenSession(context.Background())
	assert.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.Equal(t, uint64(42), s1>>32, "the high bits must carry the node's UniqueID")
}

func TestHeartbeatRejectsUnknownSession(t *testing.T) {
	r := NewCanoeRuntime(&fakeGroupFSM{}, time.Hour)
	defer r.Stop()

	err := r.Heartbeat(999)
	assert.ErrorIs(t, err, fsm.ErrSessionClosed)
}

func TestLapsedLeaseClosesSession(t *testing.T) {
	backing := &fakeGroupFSM{}
	r := NewCanoeRuntime(backing, 20*time.Millisecond)
	defer r.Stop()

	session, err := r.OpenSession(context.Background())
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, s := range backing.closedSessions {
			if s == session {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
