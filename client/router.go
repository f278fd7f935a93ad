package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/buybackoff/atomix/fsm"
)

// Future resolves once the task it was minted for is acknowledged or
// fails (spec §4.4).
type Future struct {
	done     chan struct{}
	index    uint64
	memberID string
	succeeded bool
	err      error
}

// Index is the task's replicated-log index, stable for the life of the
// task, suitable for correlating with Ack/Fail logging.
func (fut *Future) Index() uint64 { return fut.index }

// Wait blocks until the future resolves or ctx is cancelled.
func (fut *Future) Wait(ctx context.Context) (succeeded bool, err error) {
	select {
	case <-fut.done:
		return fut.succeeded, fut.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// TaskRouter submits tasks through a GroupClient and resolves a Future
// per task as the matching ack/fail event arrives on the client's event
// stream (spec §4.4 "Acknowledgement").
type TaskRouter struct {
	c *GroupClient

	mu      sync.Mutex
	pending map[uint64]*Future
}

// NewTaskRouter attaches to c by chaining onto its ack callback via
// OnAck. Ack callbacks a caller registers through OnAck, before or after
// constructing the router, keep running alongside it.
func NewTaskRouter(c *GroupClient) *TaskRouter {
	r := &TaskRouter{c: c, pending: make(map[uint64]*Future)}

	c.OnAck(func(memberID string, taskIndex uint64, succeeded bool) {
		var err error
		if !succeeded {
			err = fsm.ErrTaskFailed
		}
		r.resolve(taskIndex, memberID, succeeded, err)
	})

	return r
}

// Submit proposes a task targeted at memberID and returns a Future that
// resolves on the matching ack or fail.
func (r *TaskRouter) Submit(ctx context.Context, memberID string, payload []byte, ackMode string) (*Future, error) {
	index, err := r.c.rt.Submit(ctx, r.c.session, memberID, payload, ackMode)
	if err != nil {
		return nil, err
	}

	fut := &Future{done: make(chan struct{}), index: index, memberID: memberID}
	r.mu.Lock()
	r.pending[index] = fut
	r.mu.Unlock()

	return fut, nil
}

// Broadcast submits the same payload to every currently known member,
// resolving the Open Question in spec §9 ("should the router offer a
// broadcast convenience or leave fan-out to the caller") the way Atomix's
// GroupTaskQueue.submit(Object) does: iterate the current member
// snapshot and submit individually, returning one Future per member in
// the same order.
func (r *TaskRouter) Broadcast(ctx context.Context, payload []byte, ackMode string) ([]*Future, error) {
	members := r.c.Members()

	futures := make([]*Future, 0, len(members))
	for _, m := range members {
		fut, err := r.Submit(ctx, m.MemberID, payload, ackMode)
		if err != nil {
			return futures, errors.Wrapf(err, "broadcasting to %s", m.MemberID)
		}
		futures = append(futures, fut)
	}
	return futures, nil
}

func (r *TaskRouter) resolve(index uint64, memberID string, succeeded bool, err error) {
	r.mu.Lock()
	fut, ok := r.pending[index]
	if ok {
		delete(r.pending, index)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	fut.succeeded = succeeded
	fut.err = err
	close(fut.done)
}
