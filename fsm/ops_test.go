package fsm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/compose/canoe"
	"github.com/stretchr/testify/assert"
)

var testDataDir = "./test_data"

// newRawTestFSM builds a *fsm with a real canoe.Node (so UniqueID/resolve
// work) but never calls Start, mirroring the teacher's
// newRawTestFSM/newNonCurrentRunningTestFSM split in fsm_test.go: Apply
// is exercised directly against marshalled commands, never through a
// running raft loop.
func newRawTestFSM(t *testing.T) *fsm {
	t.Helper()

	newFSM := &fsm{
		expiration: 3 * time.Second,
		members:    make(map[string]*member),
		properties: make(map[string][]byte),
		sessions:   newSessionRegistry(),
		pending:    make(map[uint64]chan pendingResult),
		metrics:    noopMetrics{},
		stopc:      make(chan struct{}),
		stoppedc:   make(chan struct{}),
	}

	raftConfig := &canoe.NodeConfig{
		FSM:           newFSM,
		ClusterID:     0x2000,
		RaftPort:      21234,
		APIPort:       21235,
		BootstrapNode: true,
		DataDir:       testDataDir,
		SnapshotConfig: &canoe.SnapshotConfig{
			Interval: 20 * time.Second,
		},
	}

	node, err := canoe.NewNode(raftConfig)
	assert.NoError(t, err, "should be no error constructing the raw canoe node")
	newFSM.raft = node

	return newFSM
}

func marshalledTestCmd(t *testing.T, op string, session uint64, logicalTime int64, data interface{}) canoe.LogData {
	t.Helper()

	payload, err := json.Marshal(data)
	assert.NoError(t, err)

	cmd := &command{Op: op, Session: session, Time: logicalTime, Data: payload}
	cmdData, err := json.Marshal(cmd)
	assert.NoError(t, err)

	return canoe.LogData(cmdData)
}

func TestApplyJoin(t *testing.T) {
	f := newRawTestFSM(t)

	t.Run("first join creates a bound member with index 0", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, joinOp, 7, 0, JoinRequest{MemberID: "m1"})
		assert.NoError(t, f.Apply(cmdData))

		m, ok := f.members["m1"]
		assert.True(t, ok)
		assert.EqualValues(t, 0, m.Index)
		assert.EqualValues(t, 7, m.Session)
		assert.True(t, m.bound())
	})

	t.Run("second join on the same ephemeral id resolves EphemeralExists, not an error on replicas", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, joinOp, 9, 0, JoinRequest{MemberID: "m1"})
		// Apply itself never returns the business error -- it resolves the
		// local waiter, if any, and always returns nil so the log keeps
		// advancing identically on every replica.
		assert.NoError(t, f.Apply(cmdData))
		assert.EqualValues(t, 7, f.members["m1"].Session, "session should be unchanged by a rejected ephemeral join")
	})

	t.Run("persistent member may rebind after losing its session", func(t *testing.T) {
		f.members["p1"] = &member{ID: "p1", Index: 1, Persistent: true, Session: 0, ExpireAt: 123}
		cmdData := marshalledTestCmd(t, joinOp, 99, 0, JoinRequest{MemberID: "p1", Persistent: true})
		assert.NoError(t, f.Apply(cmdData))

		m := f.members["p1"]
		assert.EqualValues(t, 99, m.Session)
		assert.Zero(t, m.ExpireAt, "rebinding must cancel any armed expiration")
	})
}

func TestApplyLeave(t *testing.T) {
	f := newRawTestFSM(t)
	f.members["m1"] = &member{ID: "m1", Index: 0, Session: 5}
	f.sessions.listen(5)

	t.Run("leave removes the member and publishes a leave event", func(t *testing.T) {
		events := f.sessions.listen(5)
		cmdData := marshalledTestCmd(t, leaveOp, 0, 0, leaveCmd{MemberID: "m1"})
		assert.NoError(t, f.Apply(cmdData))

		_, exists := f.members["m1"]
		assert.False(t, exists)

		select {
		case ev := <-events:
			assert.Equal(t, EventLeave, ev.Name)
			assert.Equal(t, "m1", ev.MemberID)
		default:
			t.Fatal("expected a leave event to have been published")
		}
	})

	t.Run("leave of an unknown member is a safe no-op", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, leaveOp, 0, 0, leaveCmd{MemberID: "ghost"})
		assert.NoError(t, f.Apply(cmdData))
	})
}

func TestApplySubmitAndAck(t *testing.T) {
	f := newRawTestFSM(t)
	f.members["m1"] = &member{ID: "m1", Index: 0, Session: 5}

	t.Run("submit to a known member enqueues as pending and publishes a task event", func(t *testing.T) {
		events := f.sessions.listen(5)

		cmdData := marshalledTestCmd(t, submitOp, 3, 0, SubmitRequest{
			SubmitterSession: 3,
			TargetMember:     "m1",
			Payload:          []byte("hello"),
			AckMode:          AckModeDirect,
		})
		assert.NoError(t, f.Apply(cmdData))

		m := f.members["m1"]
		assert.NotNil(t, m.Pending)
		assert.Equal(t, []byte("hello"), m.Pending.Payload)

		select {
		case ev := <-events:
			assert.Equal(t, EventTask, ev.Name)
			assert.Equal(t, "m1", ev.Task.MemberID)
		default:
			t.Fatal("expected a task event to have been published")
		}
	})

	t.Run("submit to an unknown member is rejected without mutating state", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, submitOp, 3, 0, SubmitRequest{
			SubmitterSession: 3,
			TargetMember:     "ghost",
			Payload:          []byte("x"),
		})
		assert.NoError(t, f.Apply(cmdData))
	})

	t.Run("ack on the pending task resolves it and promotes the backlog", func(t *testing.T) {
		m := f.members["m1"]
		taskIndex := m.Pending.Index
		m.Backlog = append(m.Backlog, &task{Index: 99, TargetMember: "m1", SubmitterSession: 3, Payload: []byte("second")})

		submitterEvents := f.sessions.listen(3)
		memberEvents := f.sessions.listen(5)

		cmdData := marshalledTestCmd(t, ackOp, 0, 0, ackCmd{MemberID: "m1", TaskIndex: taskIndex, Succeeded: true})
		assert.NoError(t, f.Apply(cmdData))

		assert.NotNil(t, m.Pending, "the backlogged task should have been promoted")
		assert.EqualValues(t, 99, m.Pending.Index)

		select {
		case ev := <-submitterEvents:
			assert.Equal(t, EventAck, ev.Name)
		default:
			t.Fatal("expected an ack event to the submitter")
		}

		select {
		case ev := <-memberEvents:
			assert.Equal(t, EventTask, ev.Name)
			assert.EqualValues(t, 99, ev.Task.Index)
		default:
			t.Fatal("expected the promoted task to be published to the member")
		}
	})

	t.Run("ack with a mismatched task index is ignored", func(t *testing.T) {
		m := f.members["m1"]
		before := m.Pending

		cmdData := marshalledTestCmd(t, ackOp, 0, 0, ackCmd{MemberID: "m1", TaskIndex: 999999, Succeeded: true})
		assert.NoError(t, f.Apply(cmdData))

		assert.Equal(t, before, m.Pending, "a stale/duplicate ack must not alter the pending task")
	})
}

func TestApplyCloseSessionDefersLeaveAfterFail(t *testing.T) {
	f := newRawTestFSM(t)
	f.members["m1"] = &member{ID: "m1", Index: 0, Session: 5}
	f.members["m1"].Pending = &task{Index: 1, TargetMember: "m1", SubmitterSession: 3}
	f.sessions.listen(5)
	submitterEvents := f.sessions.listen(3)
	listenerEvents := f.sessions.listen(42)

	cmdData := marshalledTestCmd(t, closeSessionOp, 5, 1000, struct{}{})
	assert.NoError(t, f.Apply(cmdData))

	_, exists := f.members["m1"]
	assert.False(t, exists, "ephemeral member must be removed on session close")

	select {
	case ev := <-submitterEvents:
		assert.Equal(t, EventFail, ev.Name, "the pending task must be failed before the leave fans out")
	default:
		t.Fatal("expected a fail event for the orphaned pending task")
	}

	select {
	case ev := <-listenerEvents:
		assert.Equal(t, EventLeave, ev.Name)
		assert.Equal(t, "m1", ev.MemberID)
	default:
		t.Fatal("expected a leave event fanned out to every active listener")
	}
}

func TestApplyExpireSweep(t *testing.T) {
	f := newRawTestFSM(t)
	f.members["p1"] = &member{ID: "p1", Index: 0, Persistent: true, Session: 0, ExpireAt: 1000}
	listenerEvents := f.sessions.listen(1)

	t.Run("sweep before expiry leaves the member intact", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, expireSweepOp, 0, 999, struct{}{})
		assert.NoError(t, f.Apply(cmdData))
		_, exists := f.members["p1"]
		assert.True(t, exists)
	})

	t.Run("sweep at or after expiry removes the member and publishes leave", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, expireSweepOp, 0, 1000, struct{}{})
		assert.NoError(t, f.Apply(cmdData))

		_, exists := f.members["p1"]
		assert.False(t, exists)

		select {
		case ev := <-listenerEvents:
			assert.Equal(t, EventLeave, ev.Name)
		default:
			t.Fatal("expected a leave event once the expiry sweep removes the member")
		}
	})
}

func TestProperties(t *testing.T) {
	f := newRawTestFSM(t)
	f.members["m1"] = &member{ID: "m1", Index: 0, Session: 5}

	t.Run("global property set/get roundtrips", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, setPropertyOp, 0, 0, propertyCmd{Name: "region", Value: []byte("us-east")})
		assert.NoError(t, f.Apply(cmdData))

		v, ok, err := f.GetProperty("", "region")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("us-east"), v)
	})

	t.Run("member-scoped property requires an existing member", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, setPropertyOp, 0, 0, propertyCmd{Member: "ghost", Name: "k", Value: []byte("v")})
		assert.NoError(t, f.Apply(cmdData))

		_, ok, err := f.GetProperty("ghost", "k")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remove property clears it", func(t *testing.T) {
		cmdData := marshalledTestCmd(t, setPropertyOp, 0, 0, propertyCmd{Member: "m1", Name: "k", Value: []byte("v")})
		assert.NoError(t, f.Apply(cmdData))

		cmdData = marshalledTestCmd(t, removePropertyOp, 0, 0, propertyCmd{Member: "m1", Name: "k"})
		assert.NoError(t, f.Apply(cmdData))

		_, ok, err := f.GetProperty("m1", "k")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}
