package fsm

import (
	"github.com/pkg/errors"
)

// ErrorTimedOutCleanup/ErrorTimedOutDestroy survive from the teacher FSM
// lifecycle; canoe.Node shutdown still needs a bounded wait.
var ErrorTimedOutCleanup = errors.New("timed out during cleanup")
var ErrorTimedOutDestroy = errors.New("timed out during destroy")

var ErrorBadTimestamp = errors.New("a logical timestamp regressed relative to stored state")
var ErrorUnknownOperation = errors.New("unknown op")

// ErrEphemeralExists is returned when Join targets an existing
// non-persistent member under the same id (spec error kind).
var ErrEphemeralExists = errors.New("member exists and is not persistent")

// ErrUnknownMember is returned when a command targets a member that does
// not exist.
var ErrUnknownMember = errors.New("unknown member")

// ErrNotLocalMember is returned by direct-message delivery when the
// target member is not hosted by this process.
var ErrNotLocalMember = errors.New("member is not local to this process")

// ErrTaskFailed completes a task future on Ack(false) or on forced
// failure from member removal/session loss.
var ErrTaskFailed = errors.New("task failed")

// ErrSessionClosed indicates the session backing a pending request ended
// before a result could be delivered. Transient: callers may retry on a
// new session.
var ErrSessionClosed = errors.New("session closed")
