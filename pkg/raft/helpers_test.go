package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-ha/pkg/health"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t  *testing.T
	id ServerId
}

func (l testLogger) Debug(level int, format string, args ...interface{}) {
	if level > 1 {
		return
	}

	l.t.Logf("[%s] debug: "+format, append([]interface{}{l.id}, args...)...)
}

func (l testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("[%s] info: "+format, append([]interface{}{l.id}, args...)...)
}

func (l testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("[%s] error: "+format, append([]interface{}{l.id}, args...)...)
}

var errUnreachable = errors.New("peer unreachable")

// memNetwork routes RPCs between in-process servers.
type memNetwork struct {
	mu           sync.Mutex
	servers      map[ServerId]*Server
	isolated     map[ServerId]bool
	rejectAppend map[ServerId]bool

	// AppendEntries requests sent by a held server wait until the gate is
	// closed.
	gates map[ServerId]chan struct{}
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		servers:      make(map[ServerId]*Server),
		isolated:     make(map[ServerId]bool),
		rejectAppend: make(map[ServerId]bool),
		gates:        make(map[ServerId]chan struct{}),
	}
}

func (n *memNetwork) endpoint(id ServerId) *memEndpoint {
	return &memEndpoint{network: n, id: id}
}

func (n *memNetwork) isolate(id ServerId) {
	n.mu.Lock()
	n.isolated[id] = true
	n.mu.Unlock()
}

func (n *memNetwork) heal() {
	n.mu.Lock()
	n.isolated = make(map[ServerId]bool)
	n.mu.Unlock()
}

func (n *memNetwork) setRejectAppend(id ServerId, reject bool) {
	n.mu.Lock()
	n.rejectAppend[id] = reject
	n.mu.Unlock()
}

func (n *memNetwork) hold(id ServerId) {
	n.mu.Lock()
	n.gates[id] = make(chan struct{})
	n.mu.Unlock()
}

func (n *memNetwork) release(id ServerId) {
	n.mu.Lock()
	gate, found := n.gates[id]
	delete(n.gates, id)
	n.mu.Unlock()

	if found {
		close(gate)
	}
}

func (n *memNetwork) wait(ctx context.Context, from ServerId) error {
	n.mu.Lock()
	gate, found := n.gates[from]
	n.mu.Unlock()

	if !found {
		return nil
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *memNetwork) route(from, to ServerId) (*Server, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isolated[from] || n.isolated[to] {
		return nil, false, errUnreachable
	}

	server, found := n.servers[to]
	if !found {
		return nil, false, fmt.Errorf("unknown server %q", to)
	}

	return server, n.rejectAppend[to], nil
}

type memEndpoint struct {
	network *memNetwork
	id      ServerId
}

func (e *memEndpoint) RequestVote(ctx context.Context, peer Peer, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	server, _, err := e.network.route(e.id, peer.Id)
	if err != nil {
		return nil, err
	}

	return server.HandleRequestVote(req), nil
}

func (e *memEndpoint) AppendEntries(ctx context.Context, peer Peer, req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	if err := e.network.wait(ctx, e.id); err != nil {
		return nil, err
	}

	server, reject, err := e.network.route(e.id, peer.Id)
	if err != nil {
		return nil, err
	}

	if reject {
		return &RPCAppendEntriesResponse{Term: req.Term, Success: false}, nil
	}

	return server.HandleAppendEntries(req), nil
}

// simulatedTransport reproduces peers whose answers depend on their health
// classification: unhealthy peers never answer and degraded peers answer
// with a fixed probability. This is a simulation artifact used to exercise
// failure handling; the protocol itself never looks at peer health.
type simulatedTransport struct {
	PeerTransport

	mu          sync.Mutex
	rand        *rand.Rand
	health      map[ServerId]health.Status
	probability float64
}

func newSimulatedTransport(next PeerTransport, seed int64) *simulatedTransport {
	return &simulatedTransport{
		PeerTransport: next,
		rand:          rand.New(rand.NewSource(seed)),
		health:        make(map[ServerId]health.Status),
		probability:   0.5,
	}
}

func (t *simulatedTransport) setHealth(id ServerId, status health.Status) {
	t.mu.Lock()
	t.health[id] = status
	t.mu.Unlock()
}

func (t *simulatedTransport) answers(id ServerId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.health[id] {
	case health.StatusUnhealthy:
		return false
	case health.StatusDegraded:
		return t.rand.Float64() < t.probability
	default:
		return true
	}
}

func (t *simulatedTransport) RequestVote(ctx context.Context, peer Peer, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	if !t.answers(peer.Id) {
		return nil, errUnreachable
	}

	return t.PeerTransport.RequestVote(ctx, peer, req)
}

func (t *simulatedTransport) AppendEntries(ctx context.Context, peer Peer, req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	if !t.answers(peer.Id) {
		return nil, errUnreachable
	}

	return t.PeerTransport.AppendEntries(ctx, peer, req)
}

type testCluster struct {
	t       *testing.T
	network *memNetwork
	ids     []ServerId
	servers map[ServerId]*Server
	stores  map[ServerId]*MemoryStore
}

// newTestCluster creates n started servers whose timers are long enough to
// never fire during a test: elections and heartbeats are driven explicitly.
func newTestCluster(t *testing.T, n int, cfgFunc func(*ServerCfg)) *testCluster {
	network := newMemNetwork()

	servers := make(ServerSet)
	ids := make([]ServerId, n)

	for i := 0; i < n; i++ {
		id := ServerId(fmt.Sprintf("node-%d", i+1))
		ids[i] = id

		address := ServerAddress(fmt.Sprintf("127.0.0.1:%d", 9001+i))
		servers[id] = ServerData{LocalAddress: address, PublicAddress: address}
	}

	c := &testCluster{
		t:       t,
		network: network,
		ids:     ids,
		servers: make(map[ServerId]*Server),
		stores:  make(map[ServerId]*MemoryStore),
	}

	for _, id := range ids {
		store := NewMemoryStore()

		cfg := ServerCfg{
			Id:      id,
			Servers: servers,

			Store:     store,
			Transport: network.endpoint(id),

			Logger: testLogger{t: t, id: id},

			MinElectionTimeout:  time.Hour,
			MaxElectionTimeout:  time.Hour,
			HeartbeatInterval:   time.Hour,
			HealthCheckInterval: time.Hour,

			RPCTimeout:         100 * time.Millisecond,
			TransactionTimeout: time.Second,
		}

		if cfgFunc != nil {
			cfgFunc(&cfg)
		}

		server, err := NewServer(cfg)
		require.NoError(t, err)

		c.servers[id] = server
		c.stores[id] = store
		network.servers[id] = server
	}

	for _, id := range ids {
		require.NoError(t, c.servers[id].Start(nil))
	}

	t.Cleanup(c.stopAll)

	return c
}

func (c *testCluster) stopAll() {
	for _, server := range c.servers {
		server.Stop()
	}
}

func (c *testCluster) server(i int) *Server {
	return c.servers[c.ids[i]]
}

func (c *testCluster) leaders() []*Server {
	var leaders []*Server

	for _, id := range c.ids {
		if c.servers[id].IsLeader() {
			leaders = append(leaders, c.servers[id])
		}
	}

	return leaders
}

// elect forces an election on server i and waits for the other servers to
// learn about the new leader.
func (c *testCluster) elect(i int) *Server {
	server := c.server(i)
	server.startElection()
	require.True(c.t, server.IsLeader(), "%s did not win the election",
		server.Id)

	server.sendHeartbeats()

	return server
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

type failingStore struct {
	MemoryStore

	mu      sync.Mutex
	failing bool
}

func (s *failingStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *failingStore) Write(state PersistentState) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()

	if failing {
		return errors.New("disk full")
	}

	return s.MemoryStore.Write(state)
}
