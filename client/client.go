// Package client implements GroupClient (spec §4.6): a local mirror of
// group membership kept current by consuming the event stream from a
// runtime.Runtime, with reconnect/relisten handled the way the teacher's
// ha/ha.go retries a lost etcd watch -- exponential backoff via
// github.com/cenk/backoff, never a tight loop.
package client

import (
	"context"
	"sort"
	"sync"

	"github.com/cenk/backoff"
	log "github.com/Sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/buybackoff/atomix/fsm"
	"github.com/buybackoff/atomix/runtime"
)

// JoinCallback, LeaveCallback, and TaskCallback let a caller observe
// membership and task-queue changes without polling Members().
type JoinCallback func(fsm.GroupMemberInfo)
type LeaveCallback func(memberID string)
type TaskCallback func(fsm.GroupTask)
type AckCallback func(memberID string, taskIndex uint64, succeeded bool)

// GroupClient mirrors server-owned membership locally, merging incoming
// events idempotently by index (spec §4.6 "merge rule": an event is
// applied only if its carried index is greater than the stored one).
type GroupClient struct {
	rt runtime.Runtime

	mu            sync.RWMutex
	session       runtime.SessionID
	members       map[string]fsm.GroupMemberInfo
	drained       chan struct{}
	joinWaiters   map[string][]joinWaiter
	localHandlers map[string]MessageHandler

	onJoin  JoinCallback
	onLeave LeaveCallback
	onTask  TaskCallback
	onAck   AckCallback

	cancel context.CancelFunc
	donec  chan struct{}
}

// joinWaiter blocks a Join call until the local mirror has merged a join
// event carrying index >= the waiter's target.
type joinWaiter struct {
	index uint64
	ch    chan struct{}
}

// Options configures optional callbacks. Any of them may be nil.
type Options struct {
	OnJoin  JoinCallback
	OnLeave LeaveCallback
	OnTask  TaskCallback
	OnAck   AckCallback
}

// Connect opens a session against rt and starts mirroring its member
// list, relistening automatically (with backoff) if the event stream
// ever drains out from under it.
func Connect(ctx context.Context, rt runtime.Runtime, opts Options) (*GroupClient, error) {
	session, err := rt.OpenSession(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening session")
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &GroupClient{
		rt:            rt,
		session:       session,
		members:       make(map[string]fsm.GroupMemberInfo),
		joinWaiters:   make(map[string][]joinWaiter),
		localHandlers: make(map[string]MessageHandler),
		onJoin:        opts.OnJoin,
		onLeave:       opts.OnLeave,
		onTask:        opts.OnTask,
		onAck:         opts.OnAck,
		cancel:        cancel,
		donec:         make(chan struct{}),
	}

	if err := c.listenOnce(cctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "initial listen")
	}

	go c.run(cctx)

	return c, nil
}

// Close tears down the background listen loop and closes the session.
func (c *GroupClient) Close(ctx context.Context) error {
	c.cancel()
	<-c.donec
	return c.rt.CloseSession(ctx, c.session)
}

func (c *GroupClient) SessionID() runtime.SessionID {
	return c.session
}

// OnJoin registers fn to run on every join observed by c, chaining onto
// any callback already registered so multiple derived views (a
// SubGroup, an ElectionEngine, a TaskRouter) can share one client.
func (c *GroupClient) OnJoin(fn JoinCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onJoin
	c.onJoin = func(m fsm.GroupMemberInfo) {
		if prev != nil {
			prev(m)
		}
		fn(m)
	}
}

func (c *GroupClient) OnLeave(fn LeaveCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onLeave
	c.onLeave = func(id string) {
		if prev != nil {
			prev(id)
		}
		fn(id)
	}
}

func (c *GroupClient) OnTask(fn TaskCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onTask
	c.onTask = func(t fsm.GroupTask) {
		if prev != nil {
			prev(t)
		}
		fn(t)
	}
}

func (c *GroupClient) OnAck(fn AckCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onAck
	c.onAck = func(memberID string, taskIndex uint64, succeeded bool) {
		if prev != nil {
			prev(memberID, taskIndex, succeeded)
		}
		fn(memberID, taskIndex, succeeded)
	}
}

// Members returns a point-in-time snapshot of the mirrored membership,
// sorted by member id for deterministic iteration by callers.
func (c *GroupClient) Members() []fsm.GroupMemberInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]fsm.GroupMemberInfo, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// Join proposes req and does not return until the client has itself
// observed the resulting join event in its own mirror (spec §5 / §8
// round-trip property) -- the command having committed server-side is
// not enough, since a caller acting on the returned GroupMemberInfo
// (e.g. calling Members() right after) must see it reflected locally.
func (c *GroupClient) Join(ctx context.Context, req fsm.JoinRequest) (fsm.GroupMemberInfo, error) {
	info, err := c.rt.Join(ctx, c.session, req)
	if err != nil {
		return fsm.GroupMemberInfo{}, err
	}

	if err := c.awaitJoin(ctx, info); err != nil {
		return fsm.GroupMemberInfo{}, err
	}
	return info, nil
}

// awaitJoin blocks until apply() merges a join event for info into the
// local mirror, or ctx is cancelled first.
func (c *GroupClient) awaitJoin(ctx context.Context, info fsm.GroupMemberInfo) error {
	c.mu.Lock()
	if stored, ok := c.members[info.MemberID]; ok && stored.Index >= info.Index {
		c.mu.Unlock()
		return nil
	}
	w := joinWaiter{index: info.Index, ch: make(chan struct{})}
	c.joinWaiters[info.MemberID] = append(c.joinWaiters[info.MemberID], w)
	c.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		c.removeJoinWaiter(info.MemberID, w.ch)
		return ctx.Err()
	}
}

func (c *GroupClient) removeJoinWaiter(memberID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.joinWaiters[memberID]
	for i, w := range waiters {
		if w.ch == ch {
			c.joinWaiters[memberID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.joinWaiters[memberID]) == 0 {
		delete(c.joinWaiters, memberID)
	}
}

// notifyJoinWaiters wakes any Join caller waiting for memberID's mirror
// entry to reach at least index. Callers must hold c.mu.
func (c *GroupClient) notifyJoinWaiters(memberID string, index uint64) {
	waiters := c.joinWaiters[memberID]
	if len(waiters) == 0 {
		return
	}
	remaining := waiters[:0]
	for _, w := range waiters {
		if index >= w.index {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(c.joinWaiters, memberID)
	} else {
		c.joinWaiters[memberID] = remaining
	}
}

func (c *GroupClient) Leave(ctx context.Context, memberID string) error {
	return c.rt.Leave(ctx, memberID)
}

func (c *GroupClient) SetProperty(ctx context.Context, memberID, name string, value []byte) error {
	return c.rt.SetProperty(ctx, memberID, name, value)
}

func (c *GroupClient) GetProperty(ctx context.Context, memberID, name string) ([]byte, bool, error) {
	return c.rt.GetProperty(ctx, memberID, name)
}

func (c *GroupClient) RemoveProperty(ctx context.Context, memberID, name string) error {
	return c.rt.RemoveProperty(ctx, memberID, name)
}

// listenOnce performs a single Listen call, replacing the local mirror
// with the returned snapshot and starting a fresh event pump.
func (c *GroupClient) listenOnce(ctx context.Context) error {
	snapshot, events, err := c.rt.Listen(ctx, c.session)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.members = make(map[string]fsm.GroupMemberInfo, len(snapshot))
	for _, m := range snapshot {
		c.members[m.MemberID] = m
	}
	c.mu.Unlock()

	drained := make(chan struct{})
	go c.pump(events, drained)

	c.mu.Lock()
	c.drained = drained
	c.mu.Unlock()

	return nil
}

// pump drains a single Listen call's event channel until it closes
// (runtime-side session close or relisten), applying each event to the
// local mirror and invoking the matching callback, then signals drained
// so run can relisten.
func (c *GroupClient) pump(events <-chan fsm.Event, drained chan struct{}) {
	defer close(drained)
	for ev := range events {
		c.apply(ev)
	}
}

func (c *GroupClient) apply(ev fsm.Event) {
	switch ev.Name {
	case fsm.EventJoin:
		if ev.Member == nil {
			return
		}
		c.mu.Lock()
		stored, exists := c.members[ev.Member.MemberID]
		if !exists || ev.Member.Index > stored.Index {
			c.members[ev.Member.MemberID] = *ev.Member
		}
		c.notifyJoinWaiters(ev.Member.MemberID, c.members[ev.Member.MemberID].Index)
		fn := c.onJoin
		c.mu.Unlock()
		if fn != nil {
			fn(*ev.Member)
		}
	case fsm.EventLeave:
		c.mu.Lock()
		delete(c.members, ev.MemberID)
		fn := c.onLeave
		c.mu.Unlock()
		if fn != nil {
			fn(ev.MemberID)
		}
	case fsm.EventTask:
		c.mu.Lock()
		fn := c.onTask
		c.mu.Unlock()
		if ev.Task != nil && fn != nil {
			fn(*ev.Task)
		}
	case fsm.EventAck:
		c.mu.Lock()
		fn := c.onAck
		c.mu.Unlock()
		if ev.Task != nil && fn != nil {
			fn(ev.Task.MemberID, ev.Task.Index, true)
		}
	case fsm.EventFail:
		c.mu.Lock()
		fn := c.onAck
		c.mu.Unlock()
		if ev.Task != nil && fn != nil {
			fn(ev.Task.MemberID, ev.Task.Index, false)
		}
	}
}

// run keeps the mirror alive for the lifetime of the client, relistening
// with backoff whenever the event pump exits early -- the runtime only
// ever drains the channel out from under the client on its own session
// expiry or a transient transport failure, never as a normal outcome.
func (c *GroupClient) run(ctx context.Context) {
	defer close(c.donec)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		c.mu.Lock()
		drained := c.drained
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-drained:
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		err := backoff.Retry(func() error {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return c.listenOnce(ctx)
		}, b)
		if err != nil {
			log.WithFields(log.Fields{"package": "client"}).Errorf("relisten failed: %v", err)
		}
		b.Reset()
	}
}
