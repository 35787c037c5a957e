package raft

import (
	"time"

	"github.com/galdor/go-ha/pkg/health"
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

type ServerId string

type ServerAddress string

type ServerSet map[ServerId]ServerData

type ServerData struct {
	LocalAddress  ServerAddress `json:"localAddress"`
	PublicAddress ServerAddress `json:"publicAddress"`
}

type ServerState string

const (
	ServerStateFollower  ServerState = "follower"
	ServerStateCandidate ServerState = "candidate"
	ServerStateLeader    ServerState = "leader"
	ServerStateObserver  ServerState = "observer"
)

type ClusterState string

const (
	ClusterStateInitializing ClusterState = "initializing"
	ClusterStateStable       ClusterState = "stable"
	ClusterStateElection     ClusterState = "election"
	ClusterStateDegraded     ClusterState = "degraded"
	ClusterStateSplit        ClusterState = "split"
)

type Term int64

// LogIndex is the 0-based position of an entry in the log. It is also used to
// count entries (commit index, next index), in which case it designates the
// position right after the last entry concerned.
type LogIndex int64

type LogEntry struct {
	Term          Term          `json:"term"`
	TransactionId TransactionId `json:"transactionId,omitempty"`
	Data          []byte        `json:"data,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

type PersistentState struct {
	CurrentTerm Term       `json:"currentTerm"`
	VotedFor    ServerId   `json:"votedFor,omitempty"`
	Log         []LogEntry `json:"log,omitempty"`
}

type Peer struct {
	Id       ServerId
	Address  ServerAddress
	LastSeen time.Time
	Health   health.Status
}

type PeerStatus struct {
	Id       ServerId      `json:"id"`
	Address  ServerAddress `json:"address"`
	Health   health.Status `json:"health"`
	LastSeen *time.Time    `json:"lastSeen,omitempty"`
}

type Status struct {
	NodeId       ServerId     `json:"nodeId"`
	Role         ServerState  `json:"role"`
	LeaderId     ServerId     `json:"leaderId,omitempty"`
	Term         Term         `json:"term"`
	ClusterState ClusterState `json:"clusterState"`
	CommitIndex  LogIndex     `json:"commitIndex"`
	LastApplied  LogIndex     `json:"lastApplied"`
	LogLength    LogIndex     `json:"logLength"`
	Nodes        []PeerStatus `json:"nodes"`
}

func Quorum(nbServers int) int {
	return nbServers/2 + 1
}
