package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopologyData = `
nodes:
  node-1:
    localAddress: "0.0.0.0:9001"
    publicAddress: "10.0.0.1:9001"
  node-2:
    localAddress: "0.0.0.0:9001"
    publicAddress: "10.0.0.2:9001"
database:
  routingPolicy: least_loaded
  healthCheckInterval: 10s
  failoverInterval: 1m
  servers:
    - id: pg-1
      url: "postgres://app@10.0.1.1/app"
      role: primary
      region: eu-west
      weight: 2
    - id: pg-2
      url: "postgres://app@10.0.1.2/app"
      role: replica
      region: eu-west
      maxConnections: 50
`

func writeTopologyFile(t *testing.T, data string) string {
	filePath := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(data), 0644))

	return filePath
}

func TestTopologyLoadFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	topology := DefaultTopology()
	require.NoError(topology.LoadFile(writeTopologyFile(t, testTopologyData)))
	require.NoError(topology.Validate())

	assert.Len(topology.Nodes, 2)
	assert.Equal(raft.ServerAddress("10.0.0.2:9001"),
		topology.Nodes["node-2"].PublicAddress)

	db := topology.Database
	assert.Equal(dbcluster.RoutingPolicyLeastLoaded, db.RoutingPolicy)
	assert.Equal(10*time.Second, db.HealthCheckInterval)
	assert.Equal(time.Minute, db.FailoverInterval)

	servers := topology.ServerSet()
	assert.Equal(raft.ServerData{
		LocalAddress:  "0.0.0.0:9001",
		PublicAddress: "10.0.0.1:9001",
	}, servers["node-1"])

	cfgs := topology.DBServerCfgs()
	require.Len(cfgs, 2)
	assert.Equal(dbcluster.ServerId("pg-1"), cfgs[0].Id)
	assert.Equal("postgres://app@10.0.1.1/app", cfgs[0].ConnectionURL)
	assert.Equal(dbcluster.ServerRolePrimary, cfgs[0].Role)
	assert.Equal(2.0, cfgs[0].Weight)
	assert.Equal(dbcluster.ServerRoleReplica, cfgs[1].Role)
	assert.Equal(50, cfgs[1].MaxConnections)
}

func TestTopologyLoadFileErrors(t *testing.T) {
	topology := DefaultTopology()

	err := topology.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read")

	err = topology.LoadFile(writeTopologyFile(t, "nodes: [1, 2"))
	assert.ErrorContains(t, err, "cannot decode yaml data")
}

func TestTopologyValidate(t *testing.T) {
	node := func(address raft.ServerAddress) TopologyNode {
		return TopologyNode{LocalAddress: address, PublicAddress: address}
	}

	dbServer := func(id dbcluster.ServerId, role dbcluster.ServerRole) TopologyDBServer {
		return TopologyDBServer{
			Id:   id,
			URL:  "postgres://localhost/" + string(id),
			Role: role,
		}
	}

	tests := []struct {
		name     string
		topology Topology
		err      string
	}{
		{
			name: "no nodes",
			err:  "at least one node",
		},
		{
			name: "missing public address",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": {LocalAddress: "0.0.0.0:9001"},
				},
			},
			err: "nodes.node-1.publicAddress is required",
		},
		{
			name: "shared public address",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
					"node-2": node("10.0.0.1:9001"),
				},
			},
			err: "share public address",
		},
		{
			name: "invalid routing policy",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
				},
				Database: TopologyDatabase{RoutingPolicy: "round_robin"},
			},
			err: "database.routingPolicy",
		},
		{
			name: "duplicate server id",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
				},
				Database: TopologyDatabase{
					Servers: []TopologyDBServer{
						dbServer("pg-1", dbcluster.ServerRolePrimary),
						dbServer("pg-1", dbcluster.ServerRoleReplica),
					},
				},
			},
			err: `duplicate database server id "pg-1"`,
		},
		{
			name: "invalid role",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
				},
				Database: TopologyDatabase{
					Servers: []TopologyDBServer{
						dbServer("pg-1", "leader"),
					},
				},
			},
			err: "database.servers[0].role",
		},
		{
			name: "two primaries",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
				},
				Database: TopologyDatabase{
					Servers: []TopologyDBServer{
						dbServer("pg-1", dbcluster.ServerRolePrimary),
						dbServer("pg-2", dbcluster.ServerRolePrimary),
					},
				},
			},
			err: "2 primaries",
		},
		{
			name: "valid",
			topology: Topology{
				Nodes: map[raft.ServerId]TopologyNode{
					"node-1": node("10.0.0.1:9001"),
				},
				Database: TopologyDatabase{
					RoutingPolicy: dbcluster.RoutingPolicyClosestRegion,
					Servers: []TopologyDBServer{
						dbServer("pg-1", dbcluster.ServerRolePrimary),
						dbServer("pg-2", dbcluster.ServerRoleAnalytics),
					},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.topology.Validate()
			if test.err == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, test.err)
			}
		})
	}
}
