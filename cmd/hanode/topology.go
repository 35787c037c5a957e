package main

import (
	"fmt"
	"os"
	"time"

	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/raft"
	"gopkg.in/yaml.v3"
)

// Topology describes the whole deployment: consensus nodes and database
// servers. The same file is shared by all nodes.
type Topology struct {
	Nodes    map[raft.ServerId]TopologyNode `yaml:"nodes"`
	Database TopologyDatabase               `yaml:"database"`
}

type TopologyNode struct {
	LocalAddress  raft.ServerAddress `yaml:"localAddress"`
	PublicAddress raft.ServerAddress `yaml:"publicAddress"`
}

type TopologyDatabase struct {
	RoutingPolicy       dbcluster.RoutingPolicy `yaml:"routingPolicy"`
	HealthCheckInterval time.Duration           `yaml:"healthCheckInterval"`
	FailoverInterval    time.Duration           `yaml:"failoverInterval"`
	Servers             []TopologyDBServer      `yaml:"servers"`
}

type TopologyDBServer struct {
	Id             dbcluster.ServerId   `yaml:"id"`
	URL            string               `yaml:"url"`
	Role           dbcluster.ServerRole `yaml:"role"`
	Region         string               `yaml:"region"`
	Weight         float64              `yaml:"weight"`
	MaxConnections int                  `yaml:"maxConnections"`
}

func DefaultTopology() *Topology {
	return &Topology{
		Nodes: make(map[raft.ServerId]TopologyNode),
	}
}

func (t *Topology) LoadFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("cannot decode yaml data: %w", err)
	}

	return nil
}

func (t *Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("nodes must contain at least one node")
	}

	publicAddresses := make(map[raft.ServerAddress]raft.ServerId)

	for id, node := range t.Nodes {
		if node.LocalAddress == "" {
			return fmt.Errorf("nodes.%s.localAddress is required", id)
		}

		if node.PublicAddress == "" {
			return fmt.Errorf("nodes.%s.publicAddress is required", id)
		}

		if other, found := publicAddresses[node.PublicAddress]; found {
			return fmt.Errorf("nodes %s and %s share public address %s",
				other, id, node.PublicAddress)
		}

		publicAddresses[node.PublicAddress] = id
	}

	db := t.Database

	if db.RoutingPolicy != "" {
		if _, err := dbcluster.ParseRoutingPolicy(string(db.RoutingPolicy)); err != nil {
			return fmt.Errorf("database.routingPolicy: %w", err)
		}
	}

	ids := make(map[dbcluster.ServerId]bool)
	nbPrimaries := 0

	for i, server := range db.Servers {
		if server.Id == "" {
			return fmt.Errorf("database.servers[%d].id is required", i)
		}

		if ids[server.Id] {
			return fmt.Errorf("duplicate database server id %q", server.Id)
		}
		ids[server.Id] = true

		if server.URL == "" {
			return fmt.Errorf("database.servers[%d].url is required", i)
		}

		if !server.Role.Valid() {
			return fmt.Errorf("database.servers[%d].role: invalid role %q",
				i, server.Role)
		}

		if server.Role == dbcluster.ServerRolePrimary {
			nbPrimaries++
		}
	}

	if nbPrimaries > 1 {
		return fmt.Errorf("database servers contain %d primaries", nbPrimaries)
	}

	return nil
}

func (t *Topology) ServerSet() raft.ServerSet {
	servers := make(raft.ServerSet, len(t.Nodes))

	for id, node := range t.Nodes {
		servers[id] = raft.ServerData{
			LocalAddress:  node.LocalAddress,
			PublicAddress: node.PublicAddress,
		}
	}

	return servers
}

func (t *Topology) DBServerCfgs() []dbcluster.ServerCfg {
	cfgs := make([]dbcluster.ServerCfg, len(t.Database.Servers))

	for i, server := range t.Database.Servers {
		cfgs[i] = dbcluster.ServerCfg{
			Id:             server.Id,
			ConnectionURL:  server.URL,
			Role:           server.Role,
			Region:         server.Region,
			Weight:         server.Weight,
			MaxConnections: server.MaxConnections,
		}
	}

	return cfgs
}
