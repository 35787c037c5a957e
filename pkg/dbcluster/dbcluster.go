package dbcluster

import (
	"errors"
	"fmt"
	"time"
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

var (
	ErrNoPrimaryAvailable = errors.New("no primary available")
	ErrNoEligibleReplica  = errors.New("no eligible replica")
	ErrNoServerAvailable  = errors.New("no server available")
	ErrNoSession          = errors.New("no session available")
	ErrUnknownServer      = errors.New("unknown server")
)

type ServerId string

type ServerRole string

const (
	ServerRolePrimary   ServerRole = "primary"
	ServerRoleReplica   ServerRole = "replica"
	ServerRoleAnalytics ServerRole = "analytics"
)

func (r ServerRole) Valid() bool {
	switch r {
	case ServerRolePrimary, ServerRoleReplica, ServerRoleAnalytics:
		return true
	}

	return false
}

type ServerStatus string

const (
	ServerStatusOnline   ServerStatus = "online"
	ServerStatusDegraded ServerStatus = "degraded"
	ServerStatusOffline  ServerStatus = "offline"
	ServerStatusSyncing  ServerStatus = "syncing"
)

// Available servers can receive traffic.
func (s ServerStatus) Available() bool {
	return s == ServerStatusOnline || s == ServerStatusDegraded
}

type RoutingPolicy string

const (
	RoutingPolicyPrimaryOnly             RoutingPolicy = "primary_only"
	RoutingPolicyPrimaryWriteReplicaRead RoutingPolicy = "primary_write_replica_read"
	RoutingPolicyLeastLoaded             RoutingPolicy = "least_loaded"
	RoutingPolicyClosestRegion           RoutingPolicy = "closest_region"
	RoutingPolicyRandomReplica           RoutingPolicy = "random_replica"
)

var RoutingPolicies = []RoutingPolicy{
	RoutingPolicyPrimaryOnly,
	RoutingPolicyPrimaryWriteReplicaRead,
	RoutingPolicyLeastLoaded,
	RoutingPolicyClosestRegion,
	RoutingPolicyRandomReplica,
}

func ParseRoutingPolicy(s string) (RoutingPolicy, error) {
	for _, p := range RoutingPolicies {
		if string(p) == s {
			return p, nil
		}
	}

	return "", fmt.Errorf("unknown routing policy %q", s)
}

type TransactionKind string

const (
	TransactionKindRead      TransactionKind = "read"
	TransactionKindWrite     TransactionKind = "write"
	TransactionKindBatch     TransactionKind = "batch"
	TransactionKindAnalytics TransactionKind = "analytics"
)

func ParseTransactionKind(s string) (TransactionKind, error) {
	switch k := TransactionKind(s); k {
	case TransactionKindRead, TransactionKindWrite, TransactionKindBatch,
		TransactionKindAnalytics:
		return k, nil
	}

	return "", fmt.Errorf("unknown transaction kind %q", s)
}

// ServerDescriptor is a snapshot of the state of a database server.
// StatusSince is the time of the last status change.
type ServerDescriptor struct {
	Id                 ServerId     `json:"id"`
	ConnectionURL      string       `json:"-"`
	Role               ServerRole   `json:"role"`
	Region             string       `json:"region,omitempty"`
	Weight             float64      `json:"weight"`
	MaxConnections     int          `json:"maxConnections"`
	Status             ServerStatus `json:"status"`
	StatusSince        time.Time    `json:"statusSince"`
	CurrentConnections int          `json:"currentConnections"`
	LatencyMs          float64      `json:"latencyMs"`
	ErrorRatePct       float64      `json:"errorRatePct"`
	ReplicationLagS    float64      `json:"replicationLagS"`
	LastError          string       `json:"lastError,omitempty"`
	LastErrorTime      *time.Time   `json:"lastErrorTime,omitempty"`
	LastCheck          *time.Time   `json:"lastCheck,omitempty"`
}

func (d *ServerDescriptor) ConnectionFraction() float64 {
	if d.MaxConnections <= 0 {
		return 0
	}

	return float64(d.CurrentConnections) / float64(d.MaxConnections)
}

type FailoverRecord struct {
	Time         time.Time `json:"time"`
	FromServerId ServerId  `json:"fromServerId,omitempty"`
	ToServerId   ServerId  `json:"toServerId"`
	Reason       string    `json:"reason"`
}

type ClusterStatus struct {
	PrimaryId     ServerId           `json:"primaryId,omitempty"`
	RoutingPolicy RoutingPolicy      `json:"routingPolicy"`
	Servers       []ServerDescriptor `json:"servers"`
	LastFailover  *FailoverRecord    `json:"lastFailover,omitempty"`
}
