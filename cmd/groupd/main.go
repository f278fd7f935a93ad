package main

import (
	"flag"
	"fmt"
	"net/http"

	log "github.com/Sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/buybackoff/atomix"
	"github.com/buybackoff/atomix/api"
	"github.com/buybackoff/atomix/fsm"
)

var configurationFile = flag.String("config", "./group.yml", "the yaml based configuration file.")

func main() {
	flag.Parse()

	configuration, err := atomix.LoadConfiguration(*configurationFile)
	if err != nil {
		log.Fatalf("Error loading groupd configuration: %v", err)
	}

	metrics := api.NewMetrics(prometheus.DefaultRegisterer)

	groupFSM, err := fsm.NewGroupFSM(&fsm.Config{
		ClusterID:      configuration.Raft.ClusterID,
		RaftPort:       configuration.Raft.RaftPort,
		APIPort:        configuration.Raft.APIPort,
		BootstrapPeers: configuration.Raft.BootstrapPeers,
		BootstrapNode:  configuration.Raft.BootstrapNode,
		DataDir:        configuration.Raft.DataDir,
		Expiration:     configuration.Group.Expiration(),
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf("Error creating new GroupFSM: %v", err)
	}

	router, err := api.Router(groupFSM)
	if err != nil {
		log.Fatalf("Error building API router: %v", err)
	}

	// Periodic maintenance -- logging whether the state machine has
	// completed its restore -- lives strictly outside the deterministic
	// core: it never proposes a command, it only reports existing state.
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		log.WithFields(log.Fields{"package": "groupd"}).Infof(
			"maintenance tick: restored=%v", groupFSM.CompletedRestore())
	}); err != nil {
		log.Fatalf("Error scheduling maintenance job: %v", err)
	}
	c.Start()
	defer c.Stop()

	log.WithFields(log.Fields{"package": "groupd"}).Infof(
		"serving group API on %s", configuration.API.Listen)
	if err := http.ListenAndServe(configuration.API.Listen, router); err != nil {
		log.Fatalf("Error serving API: %v", err)
	}

	fmt.Println("groupd exiting")
}
