// Package runtime defines the contract spec §6 calls the "Replication
// Runtime" -- the externally provided, linearizable command/query layer
// with per-session events that the group-coordination core is built on
// top of -- and provides a concrete adapter over the same replicated-log
// library the teacher uses (github.com/compose/canoe).
package runtime

import (
	"context"

	"github.com/buybackoff/atomix/fsm"
)

// SessionID identifies a client's subscription to the group's event
// stream (spec §3 "Session"). Zero is never a valid session.
type SessionID = uint64

// Runtime is the external collaborator the group core consumes (spec
// §6): linearizable commands and queries, per-session event publish, and
// session lifecycle. GroupClient (client package) is built entirely
// against this interface -- it never imports canoe, and uses fsm only
// for its shared types, event names and errors.
type Runtime interface {
	// OpenSession establishes a new session and begins accepting
	// heartbeats for it. The runtime declares the session closed (and
	// notifies the state machine) if Heartbeat is not called at least
	// once per lease period.
	OpenSession(ctx context.Context) (SessionID, error)
	CloseSession(ctx context.Context, session SessionID) error
	Heartbeat(session SessionID) error

	Join(ctx context.Context, session SessionID, req fsm.JoinRequest) (fsm.GroupMemberInfo, error)
	Leave(ctx context.Context, memberID string) error

	// Listen registers session as a listener and returns the current
	// member snapshot plus the channel events will arrive on.
	Listen(ctx context.Context, session SessionID) ([]fsm.GroupMemberInfo, <-chan fsm.Event, error)

	SetProperty(ctx context.Context, memberID, name string, value []byte) error
	GetProperty(ctx context.Context, memberID, name string) ([]byte, bool, error)
	RemoveProperty(ctx context.Context, memberID, name string) error

	Submit(ctx context.Context, session SessionID, targetMember string, payload []byte, ackMode string) (uint64, error)
	Ack(ctx context.Context, memberID string, taskIndex uint64, succeeded bool) error

	UniqueID() uint64
}

// call runs fn on its own goroutine and returns as soon as either fn
// completes or ctx is cancelled. Cancellation detaches the caller from
// the result without retracting whatever command fn already proposed
// (spec §5 "Cancellation and timeouts") -- fn keeps running against the
// state machine to completion regardless.
func call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	type outcome struct {
		v   interface{}
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		return o.v, o.err
	}
}
