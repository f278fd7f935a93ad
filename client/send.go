package client

import (
	"github.com/buybackoff/atomix/fsm"
)

// MessageHandler receives a direct message sent to a locally-hosted
// member via Send.
type MessageHandler func(from string, payload []byte)

// RegisterLocal declares that memberID is hosted by this client's own
// process and wires handler to receive messages Send-ed to it. A second
// registration for the same id replaces the handler. Scoped to c, not a
// process-wide registry, so two unrelated GroupClient instances in the
// same process never collide over a shared member id.
func (c *GroupClient) RegisterLocal(memberID string, handler MessageHandler) {
	c.mu.Lock()
	c.localHandlers[memberID] = handler
	c.mu.Unlock()
}

// UnregisterLocal removes a member hosted by this client, typically
// paired with a call to Leave.
func (c *GroupClient) UnregisterLocal(memberID string) {
	c.mu.Lock()
	delete(c.localHandlers, memberID)
	c.mu.Unlock()
}

// Send delivers payload directly to memberID's locally-registered
// handler, bypassing the replicated log entirely. It returns
// fsm.ErrNotLocalMember if memberID is not hosted by this client's
// process -- Send is for intra-process delivery only; cross-process
// delivery is the caller's transport to build, same as the original's
// LocalMember.
func (c *GroupClient) Send(from, memberID string, payload []byte) error {
	c.mu.RLock()
	handler, ok := c.localHandlers[memberID]
	c.mu.RUnlock()

	if !ok {
		return fsm.ErrNotLocalMember
	}

	handler(from, payload)
	return nil
}
