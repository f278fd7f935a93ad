package atomix

import (
	"errors"
	"io/ioutil"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Configuration is the top-level groupd config file, loaded the same way
// the teacher's Configuration/LoadConfiguration loads postgres0.yml.
type Configuration struct {
	Raft  Raft  `yaml:"raft"`
	Group Group `yaml:"group"`
	API   API   `yaml:"api"`
}

// Raft configures the underlying canoe.Node.
type Raft struct {
	ClusterID      uint64   `yaml:"cluster_id"`
	RaftPort       int      `yaml:"raft_port"`
	APIPort        int      `yaml:"canoe_api_port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	BootstrapNode  bool     `yaml:"bootstrap_node"`
	DataDir        string   `yaml:"data_dir"`
}

// Group configures the domain-level behavior of the state machine and
// its derived sub-groups.
type Group struct {
	ExpirationSeconds int `yaml:"expiration_seconds"`

	VirtualNodes      int `yaml:"virtual_nodes"`
	PartitionCount    int `yaml:"partition_count"`
	ReplicationFactor int `yaml:"replication_factor"`
}

// API configures the HTTP status surface (api.Router).
type API struct {
	Listen string `yaml:"listen"`
}

// Expiration returns Group.ExpirationSeconds as a time.Duration.
func (g Group) Expiration() time.Duration {
	return time.Duration(g.ExpirationSeconds) * time.Second
}

// LoadConfiguration reads and validates a groupd config file.
func LoadConfiguration(path string) (Configuration, error) {
	var configuration Configuration

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return configuration, err
	}

	if err := yaml.Unmarshal(data, &configuration); err != nil {
		return configuration, err
	}

	if err := configuration.validate(); err != nil {
		return configuration, err
	}

	return configuration, nil
}

func (c *Configuration) validate() error {
	if c.Raft.DataDir == "" {
		return errors.New("raft data_dir must be set")
	}
	if c.Group.PartitionCount < 0 {
		return errors.New("group partition_count must not be negative")
	}
	if c.Group.ReplicationFactor < 0 {
		return errors.New("group replication_factor must not be negative")
	}
	return nil
}
