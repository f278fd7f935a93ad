package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/buybackoff/atomix/client"
	"github.com/buybackoff/atomix/fsm"
	"github.com/buybackoff/atomix/runtime"
)

var (
	command  = flag.String("cmd", "listen", "one of: listen, join, submit")
	target   = flag.String("target", "", "member id to submit a task to (submit only)")
	payload  = flag.String("payload", "", "task payload (submit only)")
	persist  = flag.Bool("persistent", false, "join persistently (join only)")
	dataDir  = flag.String("data-dir", "./groupctl-data", "canoe data directory for the embedded single-node runtime")
	raftPort = flag.Int("raft-port", 9021, "canoe raft port for the embedded single-node runtime")
	apiPort  = flag.Int("canoe-api-port", 9022, "canoe internal API port for the embedded single-node runtime")
)

// dialLocalRuntime brings up a single-node, self-bootstrapping GroupFSM
// and wraps it in a CanoeRuntime, the way a smoke test or a local
// operator session runs without a separately deployed groupd. A CLI
// talking to an already-running cluster would instead dial an HTTP/RPC
// runtime.Runtime implementation; only the embedded single-node case is
// implemented here.
func dialLocalRuntime() (runtime.Runtime, func(), error) {
	groupFSM, err := fsm.NewGroupFSM(&fsm.Config{
		ClusterID:     1,
		RaftPort:      *raftPort,
		APIPort:       *apiPort,
		BootstrapNode: true,
		DataDir:       *dataDir,
		Expiration:    30 * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}

	rt := runtime.NewCanoeRuntime(groupFSM, 0)
	return rt, func() {
		rt.Stop()
		if err := groupFSM.Cleanup(); err != nil {
			log.WithFields(log.Fields{"package": "groupctl"}).Errorf("cleanup: %v", err)
		}
	}, nil
}

// groupctl is a small demonstration CLI over a GroupClient, in the
// spirit of the teacher's own single-purpose command binaries: it
// exercises join/listen/submit against a runtime.Runtime the way a real
// operator or a smoke test would, without any of the server plumbing.
func main() {
	flag.Parse()

	rt, closeRT, err := dialLocalRuntime()
	if err != nil {
		log.Fatalf("Error connecting to runtime: %v", err)
	}
	defer closeRT()

	ctx := context.Background()

	c, err := client.Connect(ctx, rt, client.Options{
		OnJoin:  func(m fsm.GroupMemberInfo) { fmt.Printf("+ join %s\n", m.MemberID) },
		OnLeave: func(id string) { fmt.Printf("- leave %s\n", id) },
		OnTask:  func(t fsm.GroupTask) { fmt.Printf("> task %d for %s\n", t.Index, t.MemberID) },
		OnAck:   func(id string, idx uint64, ok bool) { fmt.Printf("< ack %s/%d ok=%v\n", id, idx, ok) },
	})
	if err != nil {
		log.Fatalf("Error connecting client: %v", err)
	}
	defer c.Close(ctx)

	switch *command {
	case "join":
		memberID := uuid.NewString()
		info, err := c.Join(ctx, fsm.JoinRequest{MemberID: memberID, Persistent: *persist})
		if err != nil {
			log.Fatalf("Error joining: %v", err)
		}
		fmt.Printf("joined as %s (index %d)\n", info.MemberID, info.Index)
	case "submit":
		if *target == "" {
			fmt.Fprintln(os.Stderr, "-target is required for submit")
			os.Exit(2)
		}
		router := client.NewTaskRouter(c)
		fut, err := router.Submit(ctx, *target, []byte(*payload), fsm.AckModeDirect)
		if err != nil {
			log.Fatalf("Error submitting task: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		ok, err := fut.Wait(waitCtx)
		if err != nil {
			log.Fatalf("Error waiting for task result: %v", err)
		}
		fmt.Printf("task %d succeeded=%v\n", fut.Index(), ok)
	case "listen":
		fmt.Println("listening for group events, ctrl-C to exit")
		select {}
	default:
		fmt.Fprintf(os.Stderr, "unknown -cmd %q\n", *command)
		os.Exit(2)
	}
}
