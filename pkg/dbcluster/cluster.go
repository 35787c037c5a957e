package dbcluster

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/utils"
	"golang.org/x/exp/slices"
)

type ClusterCfg struct {
	RoutingPolicy RoutingPolicy

	FailoverInterval      time.Duration
	DegradedFailoverDelay time.Duration
	MaxFailoverLag        time.Duration
	MaxFailoverHistory    int

	// Used for servers whose configuration does not provide a factory.
	BackendFactory BackendFactory

	RandSeed int64

	Logger Logger
}

type Cluster struct {
	Cfg ClusterCfg
	Log Logger

	mu              sync.Mutex
	servers         map[ServerId]*Server
	primaryId       ServerId
	routingPolicy   RoutingPolicy
	lastFailover    *FailoverRecord
	failoverHistory []FailoverRecord
	rand            *rand.Rand

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ServerSession is a session checked out of a server of the cluster.
type ServerSession struct {
	Session
	ServerId ServerId

	server *Server
}

func (s *ServerSession) Release() {
	s.server.Release(s.Session)
}

func NewCluster(cfg ClusterCfg) (*Cluster, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.RoutingPolicy == "" {
		cfg.RoutingPolicy = RoutingPolicyPrimaryWriteReplicaRead
	}

	if _, err := ParseRoutingPolicy(string(cfg.RoutingPolicy)); err != nil {
		return nil, err
	}

	if cfg.FailoverInterval == 0 {
		cfg.FailoverInterval = 60 * time.Second
	}

	if cfg.DegradedFailoverDelay == 0 {
		cfg.DegradedFailoverDelay = 300 * time.Second
	}

	if cfg.MaxFailoverLag == 0 {
		cfg.MaxFailoverLag = 60 * time.Second
	}

	if cfg.MaxFailoverHistory == 0 {
		cfg.MaxFailoverHistory = 100
	}

	if cfg.RandSeed == 0 {
		cfg.RandSeed = time.Now().UnixNano()
	}

	c := &Cluster{
		Cfg: cfg,
		Log: cfg.Logger,

		servers:       make(map[ServerId]*Server),
		routingPolicy: cfg.RoutingPolicy,
		rand:          rand.New(rand.NewSource(cfg.RandSeed)),
	}

	return c, nil
}

// Start starts the failover monitor.
func (c *Cluster) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.monitor(c.stopChan)
}

// Stop stops the failover monitor and closes all servers.
func (c *Cluster) Stop() {
	c.mu.Lock()
	if c.running {
		c.running = false
		close(c.stopChan)
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.mu.Unlock()

	for _, s := range servers {
		s.Close()
	}
}

func (c *Cluster) monitor(stopChan <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.Cfg.FailoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return

		case <-ticker.C:
			func() {
				defer utils.RecoverAndLog(c.Log, "failover monitor", nil)
				c.CheckFailover(time.Now())
			}()
		}
	}
}

// AddServer initializes a database server and adds it to the cluster. The
// server is not added if it cannot be initialized.
func (c *Cluster) AddServer(ctx context.Context, cfg ServerCfg) error {
	c.mu.Lock()
	_, found := c.servers[cfg.Id]
	c.mu.Unlock()

	if found {
		return fmt.Errorf("duplicate server %q", cfg.Id)
	}

	if cfg.BackendFactory == nil && c.Cfg.BackendFactory != nil {
		cfg.BackendFactory = c.Cfg.BackendFactory
	}

	if cfg.Logger == nil {
		cfg.Logger = c.Log
	}

	server, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("invalid server %q: %w", cfg.Id, err)
	}

	if err := server.Initialize(ctx); err != nil {
		return fmt.Errorf("cannot initialize server %q: %w", cfg.Id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.servers[cfg.Id]; found {
		go server.Close()
		return fmt.Errorf("duplicate server %q", cfg.Id)
	}

	if server.Role() == ServerRolePrimary {
		if c.primaryId == "" {
			c.primaryId = server.Cfg.Id
		} else {
			c.Log.Error("server %s configured as primary but %s is already "+
				"primary, adding it as replica", cfg.Id, c.primaryId)
			server.setRole(ServerRoleReplica)
		}
	}

	c.servers[cfg.Id] = server

	c.Log.Info("added database server %s", cfg.Id)

	return nil
}

// RemoveServer removes a server from the cluster, selecting a new primary
// first if it is the current one.
func (c *Cluster) RemoveServer(id ServerId) error {
	c.mu.Lock()

	server, found := c.servers[id]
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownServer, id)
	}

	if id == c.primaryId {
		if _, err := c.selectNewPrimary("primary removed"); err != nil {
			c.Log.Error("cannot replace primary %s: %v", id, err)
			c.primaryId = ""
		}
	}

	delete(c.servers, id)

	c.mu.Unlock()

	server.Close()

	c.Log.Info("removed database server %s", id)

	return nil
}

func (c *Cluster) Server(id ServerId) (*Server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, found := c.servers[id]
	return server, found
}

func (c *Cluster) PrimaryId() ServerId {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.primaryId
}

func (c *Cluster) RoutingPolicy() RoutingPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.routingPolicy
}

func (c *Cluster) SetRoutingPolicy(policy RoutingPolicy) error {
	if _, err := ParseRoutingPolicy(string(policy)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if policy != c.routingPolicy {
		c.Log.Info("routing policy: %s -> %s", c.routingPolicy, policy)
		c.routingPolicy = policy
	}

	return nil
}

// ServerForTransaction returns the server which should handle a transaction
// of a given kind.
func (c *Cluster) ServerForTransaction(kind TransactionKind, region string) (ServerDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, err := c.route(kind, region)
	if err != nil {
		return ServerDescriptor{}, err
	}

	return target.desc, nil
}

// Session routes a transaction and checks out a session on the selected
// server.
func (c *Cluster) Session(ctx context.Context, kind TransactionKind, region string) (*ServerSession, error) {
	c.mu.Lock()
	target, err := c.route(kind, region)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	session, err := target.server.Session(ctx)
	if err != nil {
		return nil, err
	}

	ss := ServerSession{
		Session:  session,
		ServerId: target.desc.Id,

		server: target.server,
	}

	return &ss, nil
}

func (c *Cluster) Status() ClusterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := ClusterStatus{
		PrimaryId:     c.primaryId,
		RoutingPolicy: c.routingPolicy,
		Servers:       make([]ServerDescriptor, 0, len(c.servers)),
	}

	for _, target := range c.snapshot() {
		status.Servers = append(status.Servers, target.desc)
	}

	if c.lastFailover != nil {
		record := *c.lastFailover
		status.LastFailover = &record
	}

	return status
}

// target associates a server with a snapshot of its descriptor so that a
// routing decision is taken on consistent values.
type target struct {
	server *Server
	desc   ServerDescriptor
}

// snapshot returns all servers ordered by identifier. It must be called with
// the cluster locked.
func (c *Cluster) snapshot() []target {
	targets := make([]target, 0, len(c.servers))

	for _, server := range c.servers {
		targets = append(targets, target{
			server: server,
			desc:   server.Descriptor(),
		})
	}

	slices.SortFunc(targets, func(a, b target) int {
		return strings.Compare(string(a.desc.Id), string(b.desc.Id))
	})

	return targets
}
