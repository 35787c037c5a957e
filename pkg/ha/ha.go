package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/raft"
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

type Cfg struct {
	NodeId  raft.ServerId
	Servers raft.ServerSet

	// Seed peers are added with JoinCluster once the node is started.
	SeedPeers []string

	DataDirectory string
	Store         raft.StateStore

	// If no transport is provided, an HTTP transport listening on the local
	// address of the node is used.
	Transport raft.PeerTransport

	Observer bool

	HeartbeatInterval   time.Duration
	MinElectionTimeout  time.Duration
	MaxElectionTimeout  time.Duration
	HealthCheckInterval time.Duration
	RPCTimeout          time.Duration
	TransactionTimeout  time.Duration

	ApplyFunc raft.LogApplyFunc

	Database DatabaseCfg

	Logger          Logger
	RaftLogger      Logger
	TransportLogger Logger
	DatabaseLogger  Logger
}

type DatabaseCfg struct {
	Servers       []dbcluster.ServerCfg
	RoutingPolicy dbcluster.RoutingPolicy

	HealthCheckInterval time.Duration
	FailoverInterval    time.Duration

	BackendFactory dbcluster.BackendFactory
}

// Context owns every component of a high-availability node. It is created
// once, started, and stopped at shutdown.
type Context struct {
	Cfg Cfg
	Log Logger

	Server    *raft.Server
	Manager   *raft.Manager
	DBCluster *dbcluster.Cluster

	httpTransport *raft.HTTPTransport

	mu      sync.Mutex
	started bool
}

type HealthReport struct {
	Healthy  bool           `json:"healthy"`
	Cluster  ClusterHealth  `json:"cluster"`
	Database DatabaseHealth `json:"database"`
}

type ClusterHealth struct {
	State    raft.ClusterState `json:"state"`
	Role     raft.ServerState  `json:"role"`
	LeaderId raft.ServerId     `json:"leaderId,omitempty"`
	Term     raft.Term         `json:"term"`
}

type DatabaseHealth struct {
	PrimaryId          dbcluster.ServerId     `json:"primaryId,omitempty"`
	PrimaryStatus      dbcluster.ServerStatus `json:"primaryStatus,omitempty"`
	NbServers          int                    `json:"nbServers"`
	NbAvailableServers int                    `json:"nbAvailableServers"`
}

type SubmitResult struct {
	Accepted   bool               `json:"accepted"`
	TxId       raft.TransactionId `json:"txId"`
	LeaderHint raft.ServerAddress `json:"leaderHint,omitempty"`
	Message    string             `json:"message"`
}

func New(cfg Cfg) (*Context, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.RaftLogger == nil {
		cfg.RaftLogger = cfg.Logger
	}

	if cfg.TransportLogger == nil {
		cfg.TransportLogger = cfg.RaftLogger
	}

	if cfg.DatabaseLogger == nil {
		cfg.DatabaseLogger = cfg.Logger
	}

	c := &Context{
		Cfg: cfg,
		Log: cfg.Logger,
	}

	transport := cfg.Transport
	if transport == nil {
		sdata, found := cfg.Servers[cfg.NodeId]
		if !found {
			return nil, fmt.Errorf("unknown node id %q", cfg.NodeId)
		}

		httpTransport, err := raft.NewHTTPTransport(raft.HTTPTransportCfg{
			Id:           cfg.NodeId,
			LocalAddress: sdata.LocalAddress,
			Logger:       cfg.TransportLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot create http transport: %w", err)
		}

		c.httpTransport = httpTransport
		transport = httpTransport
	}

	server, err := raft.NewServer(raft.ServerCfg{
		Id:      cfg.NodeId,
		Servers: cfg.Servers,

		DataDirectory: cfg.DataDirectory,
		Store:         cfg.Store,

		Transport: transport,

		Logger: cfg.RaftLogger,

		Observer: cfg.Observer,

		MinElectionTimeout:  cfg.MinElectionTimeout,
		MaxElectionTimeout:  cfg.MaxElectionTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		RPCTimeout:          cfg.RPCTimeout,
		TransactionTimeout:  cfg.TransactionTimeout,

		ApplyFunc: cfg.ApplyFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create raft server: %w", err)
	}

	c.Server = server
	c.Manager = raft.NewManager(server)

	dbCluster, err := dbcluster.NewCluster(dbcluster.ClusterCfg{
		RoutingPolicy:    cfg.Database.RoutingPolicy,
		FailoverInterval: cfg.Database.FailoverInterval,
		BackendFactory:   cfg.Database.BackendFactory,
		Logger:           cfg.DatabaseLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create database cluster: %w", err)
	}

	c.DBCluster = dbCluster

	return c, nil
}

// Start starts the consensus server, joins seed peers and connects to
// database servers. Database servers which cannot be initialized are logged
// and skipped.
func (c *Context) Start(ctx context.Context, errorChan chan<- error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("context already started")
	}

	if c.httpTransport != nil {
		if err := c.httpTransport.Start(c.Server, errorChan); err != nil {
			return fmt.Errorf("cannot start http transport: %w", err)
		}
	}

	if err := c.Server.Start(errorChan); err != nil {
		if c.httpTransport != nil {
			c.httpTransport.Stop()
		}

		return fmt.Errorf("cannot start raft server: %w", err)
	}

	for _, seed := range c.Cfg.SeedPeers {
		c.Manager.JoinCluster(seed)
	}

	for _, serverCfg := range c.Cfg.Database.Servers {
		if serverCfg.HealthCheckInterval == 0 {
			serverCfg.HealthCheckInterval = c.Cfg.Database.HealthCheckInterval
		}

		if err := c.DBCluster.AddServer(ctx, serverCfg); err != nil {
			c.Log.Error("cannot add database server %q: %v", serverCfg.Id, err)
		}
	}

	c.DBCluster.Start()

	c.started = true

	return nil
}

func (c *Context) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	c.DBCluster.Stop()
	c.Server.Stop()

	if c.httpTransport != nil {
		c.httpTransport.Stop()
	}

	c.started = false
}

// Health reports a node as healthy when the consensus cluster is stable with
// a known leader and when writes can be routed to a database primary.
func (c *Context) Health() HealthReport {
	status := c.Server.Status()
	dbStatus := c.DBCluster.Status()

	report := HealthReport{
		Cluster: ClusterHealth{
			State:    status.ClusterState,
			Role:     status.Role,
			LeaderId: status.LeaderId,
			Term:     status.Term,
		},

		Database: DatabaseHealth{
			PrimaryId: dbStatus.PrimaryId,
			NbServers: len(dbStatus.Servers),
		},
	}

	for _, d := range dbStatus.Servers {
		if d.Status.Available() {
			report.Database.NbAvailableServers++
		}

		if d.Id == dbStatus.PrimaryId {
			report.Database.PrimaryStatus = d.Status
		}
	}

	clusterHealthy := status.ClusterState == raft.ClusterStateStable &&
		status.LeaderId != ""

	databaseHealthy := len(dbStatus.Servers) == 0 ||
		report.Database.PrimaryStatus.Available()

	report.Healthy = clusterHealthy && databaseHealthy

	return report
}

func (c *Context) SubmitTransaction(ctx context.Context, id raft.TransactionId, data []byte) SubmitResult {
	result := c.Manager.ExecuteTransaction(ctx, id, data, nil)

	return SubmitResult{
		Accepted:   result.Success,
		TxId:       result.TransactionId,
		LeaderHint: result.LeaderHint,
		Message:    result.Message,
	}
}

func (c *Context) TransactionStatus(id raft.TransactionId) raft.TransactionStatus {
	return c.Manager.TransactionStatus(id)
}

func (c *Context) ClusterStatus() raft.Status {
	return c.Manager.Status()
}

func (c *Context) DBClusterStatus() dbcluster.ClusterStatus {
	return c.DBCluster.Status()
}

func (c *Context) ReadSession(ctx context.Context, region string) (*dbcluster.ServerSession, error) {
	return c.session(ctx, dbcluster.TransactionKindRead, region)
}

func (c *Context) WriteSession(ctx context.Context) (*dbcluster.ServerSession, error) {
	return c.session(ctx, dbcluster.TransactionKindWrite, "")
}

func (c *Context) AnalyticsSession(ctx context.Context) (*dbcluster.ServerSession, error) {
	return c.session(ctx, dbcluster.TransactionKindAnalytics, "")
}

func (c *Context) session(ctx context.Context, kind dbcluster.TransactionKind, region string) (*dbcluster.ServerSession, error) {
	session, err := c.DBCluster.Session(ctx, kind, region)
	if err != nil {
		if !errors.Is(err, dbcluster.ErrNoSession) {
			c.Log.Debug(1, "cannot route %s transaction: %v", kind, err)
		}

		return nil, err
	}

	return session, nil
}
