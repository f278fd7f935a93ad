package client

import "time"

const (
	assertEventuallyTimeout = 2 * time.Second
	assertEventuallyTick    = 10 * time.Millisecond
)
