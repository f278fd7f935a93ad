package fsm

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compose/canoe"
	"github.com/gorilla/mux"
	log "github.com/Sirupsen/logrus"
)

// sweepInterval drives the background proposal that sweeps expired
// persistent members, the same cadence the teacher uses for its
// ttlTicker/proposeDeleteStaleLeader loop.
const sweepInterval = 500 * time.Millisecond

type pendingResult struct {
	value interface{}
	err   error
}

// fsm is the GroupStateMachine (spec §4.1). It is the sole owner of the
// member table, the global property table, per-member task queues, and
// the session registry. Apply is invoked once per log entry, in
// identical order, on every replica -- no locking is required for that
// invariant alone, but the Mutex still guards state read by the local
// query methods (GetProperty, the HTTP status surface) running
// concurrently with Apply.
type fsm struct {
	sync.Mutex

	raft *canoe.Node

	expiration time.Duration

	members    map[string]*member
	properties map[string][]byte
	sessions   *sessionRegistry

	nextIndex  uint64
	requestSeq uint64
	pending    map[uint64]chan pendingResult

	metrics MetricsRecorder

	current bool

	stopc    chan struct{}
	stoppedc chan struct{}
}

// GroupFSM is the interface external callers (the runtime adapter, the
// HTTP status API, tests) drive the state machine through. It mirrors
// the teacher's SingleLeaderFSM shape, generalized from a single leader
// slot to the full group membership/property/task contract of spec §4.1.
type GroupFSM interface {
	UniqueID() uint64
	CompletedRestore() bool
	Cleanup() error
	Destroy() error

	Join(req JoinRequest) (GroupMemberInfo, error)
	Leave(memberID string) error
	Listen(session uint64) ([]GroupMemberInfo, error)
	Events(session uint64) <-chan Event
	CloseSession(session uint64) error

	// Members and Member are local, non-replicated reads of the current
	// mirror -- the HTTP status surface's equivalent of the teacher's
	// fsm.SingleLeaderFSM.Members()/Member(id) queries.
	Members() []GroupMemberInfo
	Member(memberID string) (GroupMemberInfo, bool)

	SetProperty(memberID, name string, value []byte) error
	GetProperty(memberID, name string) ([]byte, bool, error)
	RemoveProperty(memberID, name string) error

	Submit(req SubmitRequest) (uint64, error)
	Ack(memberID string, taskIndex uint64, succeeded bool) error

	Snapshot() (canoe.SnapshotData, error)
}

// Config configures a new GroupFSM and the canoe.Node it runs on.
type Config struct {
	RaftPort       int
	APIPort        int
	BootstrapPeers []string
	BootstrapNode  bool
	DataDir        string
	ClusterID      uint64

	// Expiration is how long a persistent member's session may stay
	// dropped before a deferred leave fires (spec §6 "expiration").
	Expiration time.Duration

	// Metrics receives activity counters/gauges as commands apply. Nil
	// disables metrics collection entirely.
	Metrics MetricsRecorder
}

// NewGroupFSM wires a fresh state machine onto a canoe.Node, exactly the
// way the teacher's NewGovernorFSM wires fsm onto canoe in fsm/fsm.go.
func NewGroupFSM(config *Config) (GroupFSM, error) {
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	newFSM := &fsm{
		expiration: config.Expiration,
		members:    make(map[string]*member),
		properties: make(map[string][]byte),
		sessions:   newSessionRegistry(),
		pending:    make(map[uint64]chan pendingResult),
		metrics:    metrics,
		stopc:      make(chan struct{}),
		stoppedc:   make(chan struct{}),
	}

	raftConfig := &canoe.NodeConfig{
		FSM:            newFSM,
		ClusterID:      config.ClusterID,
		RaftPort:       config.RaftPort,
		APIPort:        config.APIPort,
		BootstrapPeers: config.BootstrapPeers,
		BootstrapNode:  config.BootstrapNode,
		DataDir:        config.DataDir,
		SnapshotConfig: &canoe.SnapshotConfig{
			Interval: 20 * time.Second,
		},
	}

	node, err := canoe.NewNode(raftConfig)
	if err != nil {
		return nil, err
	}
	newFSM.raft = node

	if err := newFSM.start(); err != nil {
		return nil, err
	}

	return newFSM, nil
}

func (f *fsm) start() error {
	if err := f.raft.Start(); err != nil {
		return err
	}

	go func(f *fsm) {
		if err := f.run(); err != nil {
			log.WithFields(log.Fields{"package": "fsm"}).Errorf("sweep loop exited: %v", err)
		}
	}(f)

	f.Lock()
	f.current = true
	f.Unlock()

	return nil
}

// run is the background driver for the ExpirationScheduler: it proposes
// a sweep command on a fixed cadence, mirroring the teacher's ttlTicker
// loop in fsm/fsm.go's run().
func (f *fsm) run() error {
	defer close(f.stoppedc)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopc:
			return nil
		case <-ticker.C:
			if err := f.proposeExpireSweep(); err != nil {
				return err
			}
		}
	}
}

func (f *fsm) UniqueID() uint64 {
	return f.raft.UniqueID()
}

func (f *fsm) CompletedRestore() bool {
	f.Lock()
	defer f.Unlock()
	return f.current
}

func (f *fsm) Cleanup() error {
	if err := f.raft.Stop(); err != nil {
		return err
	}
	return f.awaitStop()
}

func (f *fsm) Destroy() error {
	if err := f.raft.Destroy(); err != nil {
		return err
	}
	if err := f.awaitStop(); err != nil {
		return ErrorTimedOutDestroy
	}
	return nil
}

func (f *fsm) awaitStop() error {
	close(f.stopc)
	select {
	case <-f.stoppedc:
	case <-time.After(10 * time.Second):
		return ErrorTimedOutCleanup
	}
	return nil
}

// newRequest mints a local-only request id and a waiter for its result.
// Only the proposing replica ever registers a waiter for a given id, so
// resolve (ops.go) is a no-op everywhere else -- the same "single local
// slot" trick as the teacher's gotInit channel, generalized to many
// in-flight requests.
func (f *fsm) newRequest() (uint64, chan pendingResult) {
	id := atomic.AddUint64(&f.requestSeq, 1)
	ch := make(chan pendingResult, 1)
	f.Lock()
	f.pending[id] = ch
	f.Unlock()
	return id, ch
}

func (f *fsm) forgetRequest(id uint64) {
	f.Lock()
	delete(f.pending, id)
	f.Unlock()
}

func (f *fsm) resolve(requestID, proposer uint64, value interface{}, err error) {
	if proposer != f.UniqueID() {
		return
	}
	f.Lock()
	ch, ok := f.pending[requestID]
	f.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- pendingResult{value: value, err: err}:
	default:
	}
}

func (f *fsm) Events(session uint64) <-chan Event {
	f.Lock()
	defer f.Unlock()
	return f.sessions.listen(session)
}

type fsmSnapshot struct {
	Members    map[string]*member `json:"members"`
	Properties map[string][]byte  `json:"properties"`
	NextIndex  uint64             `json:"nextIndex"`
}

func (f *fsm) Restore(data canoe.SnapshotData) error {
	var snap fsmSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()
	// Snapshots are only applied at startup, before any session has
	// registered, so there are no channel notifications to worry about.
	f.members = snap.Members
	f.properties = snap.Properties
	f.nextIndex = snap.NextIndex

	return nil
}

func (f *fsm) Snapshot() (canoe.SnapshotData, error) {
	f.Lock()
	defer f.Unlock()
	return json.Marshal(&fsmSnapshot{
		Members:    f.members,
		Properties: f.properties,
		NextIndex:  f.nextIndex,
	})
}

func (f *fsm) RegisterAPI(router *mux.Router) {
	return
}
