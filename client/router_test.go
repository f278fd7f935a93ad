package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buybackoff/atomix/fsm"
)

func TestTaskRouterResolvesFutureOnAck(t *testing.T) {
	rt := newFakeRuntime(fsm.GroupMemberInfo{MemberID: "m1", Index: 0})
	c, err := Connect(context.Background(), rt, Options{})
	assert.NoError(t, err)
	defer c.Close(context.Background())

	router := NewTaskRouter(c)

	fut, err := router.Submit(context.Background(), "m1", []byte("payload"), fsm.AckModeDirect)
	assert.NoError(t, err)

	rt.events <- fsm.Event{Name: fsm.EventAck, Task: &fsm.GroupTask{Index: fut.Index(), MemberID: "m1"}}

	ok, err := fut.Wait(context.Background())
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskRouterResolvesFutureWithTaskFailedOnFailedAck(t *testing.T) {
	rt := newFakeRuntime(fsm.GroupMemberInfo{MemberID: "m1", Index: 0})
	c, err := Connect(context.Background(), rt, Options{})
	assert.NoError(t, err)
	defer c.Close(context.Background())

	router := NewTaskRouter(c)

	fut, err := router.Submit(context.Background(), "m1", []byte("payload"), fsm.AckModeDirect)
	assert.NoError(t, err)

	rt.events <- fsm.Event{Name: fsm.EventFail, Task: &fsm.GroupTask{Index: fut.Index(), MemberID: "m1"}}

	ok, err := fut.Wait(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, fsm.ErrTaskFailed)
}

func TestTaskRouterBroadcastFansOutToEveryMember(t *testing.T) {
	rt := newFakeRuntime(
		fsm.GroupMemberInfo{MemberID: "m1", Index: 0},
		fsm.GroupMemberInfo{MemberID: "m2", Index: 1},
	)
	c, err := Connect(context.Background(), rt, Options{})
	assert.NoError(t, err)
	defer c.Close(context.Background())

	router := NewTaskRouter(c)
	futures, err := router.Broadcast(context.Background(), []byte("payload"), fsm.AckModeBroadcast)
	assert.NoError(t, err)
	assert.Len(t, futures, 2)
}
