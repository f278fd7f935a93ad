// Package fsm implements the group coordination core's server plane: a
// deterministic state machine applied identically on every replica of
// the replicated log, covering group membership, properties, per-member
// task queues, session tracking, and session-loss expiration.
package fsm
