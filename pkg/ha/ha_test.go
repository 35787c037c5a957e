package ha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(level int, format string, args ...interface{}) {
	if level > 1 {
		return
	}

	l.t.Logf("debug: "+format, args...)
}

func (l testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("info: "+format, args...)
}

func (l testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

var errUnreachable = errors.New("peer unreachable")

type unreachableTransport struct{}

func (unreachableTransport) RequestVote(ctx context.Context, peer raft.Peer, req *raft.RPCRequestVoteRequest) (*raft.RPCRequestVoteResponse, error) {
	return nil, errUnreachable
}

func (unreachableTransport) AppendEntries(ctx context.Context, peer raft.Peer, req *raft.RPCAppendEntriesRequest) (*raft.RPCAppendEntriesResponse, error) {
	return nil, errUnreachable
}

type fakeBackend struct {
	mu       sync.Mutex
	pingErr  error
	sessions int
}

func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pingErr
}

func (b *fakeBackend) ActiveConnections(ctx context.Context) (int, error) {
	return 1, nil
}

func (b *fakeBackend) ReplicationLag(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

func (b *fakeBackend) Acquire(ctx context.Context) (dbcluster.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sessions++

	return &fakeSession{backend: b}, nil
}

func (b *fakeBackend) Close() {
}

type fakeSession struct {
	backend *fakeBackend
}

func (s *fakeSession) Release() {
	s.backend.mu.Lock()
	s.backend.sessions--
	s.backend.mu.Unlock()
}

func newTestContext(t *testing.T, servers raft.ServerSet, backends map[dbcluster.ServerId]*fakeBackend) *Context {
	factory := func(ctx context.Context, cfg dbcluster.ServerCfg) (dbcluster.Backend, error) {
		b, found := backends[cfg.Id]
		if !found {
			return nil, errors.New("connection refused")
		}

		return b, nil
	}

	cfg := Cfg{
		NodeId:  "node-1",
		Servers: servers,

		Store:     raft.NewMemoryStore(),
		Transport: unreachableTransport{},

		HeartbeatInterval:   10 * time.Millisecond,
		MinElectionTimeout:  20 * time.Millisecond,
		MaxElectionTimeout:  40 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		RPCTimeout:          50 * time.Millisecond,

		Database: DatabaseCfg{
			Servers: []dbcluster.ServerCfg{
				{Id: "p1", Role: dbcluster.ServerRolePrimary, Region: "eu"},
				{Id: "r1", Role: dbcluster.ServerRoleReplica, Region: "eu"},
				{Id: "a1", Role: dbcluster.ServerRoleAnalytics, Region: "eu"},
			},
			RoutingPolicy:       dbcluster.RoutingPolicyPrimaryWriteReplicaRead,
			HealthCheckInterval: time.Hour,
			FailoverInterval:    time.Hour,
			BackendFactory:      factory,
		},

		Logger: testLogger{t: t},
	}

	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background(), nil))
	t.Cleanup(c.Stop)

	return c
}

func singleNode() raft.ServerSet {
	return raft.ServerSet{
		"node-1": {LocalAddress: "127.0.0.1:9001", PublicAddress: "127.0.0.1:9001"},
	}
}

func allBackends() map[dbcluster.ServerId]*fakeBackend {
	return map[dbcluster.ServerId]*fakeBackend{
		"p1": {},
		"r1": {},
		"a1": {},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Cfg{})
	assert.Error(t, err)

	_, err = New(Cfg{NodeId: "node-9", Servers: singleNode(),
		Logger: testLogger{t: t}})
	assert.ErrorContains(t, err, "unknown node id")

	_, err = New(Cfg{NodeId: "node-1", Servers: singleNode(),
		Store: raft.NewMemoryStore(), Transport: unreachableTransport{},
		Database: DatabaseCfg{RoutingPolicy: "round_robin"},
		Logger:   testLogger{t: t}})
	assert.ErrorContains(t, err, "routing policy")
}

func TestSingleNodeTransactions(t *testing.T) {
	c := newTestContext(t, singleNode(), allBackends())

	require.Eventually(t, func() bool {
		return c.Health().Healthy
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()

	result := c.SubmitTransaction(ctx, "", []byte("transfer 42"))
	require.True(t, result.Accepted, result.Message)
	assert.NotEmpty(t, result.TxId)
	assert.Empty(t, result.LeaderHint)

	assert.Equal(t, raft.TransactionStatusCommitted,
		c.TransactionStatus(result.TxId))
	assert.Equal(t, raft.TransactionStatusUnknown,
		c.TransactionStatus("missing"))

	status := c.ClusterStatus()
	assert.Equal(t, raft.ServerStateLeader, status.Role)
	assert.Equal(t, raft.ServerId("node-1"), status.LeaderId)
	assert.Equal(t, raft.LogIndex(1), status.CommitIndex)

	report := c.Health()
	assert.Equal(t, raft.ClusterStateStable, report.Cluster.State)
	assert.Equal(t, dbcluster.ServerId("p1"), report.Database.PrimaryId)
	assert.Equal(t, 3, report.Database.NbAvailableServers)
}

func TestFollowerRejectsTransactions(t *testing.T) {
	servers := singleNode()
	servers["node-2"] = raft.ServerData{
		LocalAddress:  "127.0.0.1:9002",
		PublicAddress: "127.0.0.1:9002",
	}

	c := newTestContext(t, servers, allBackends())

	// The other node never answers: no leader can be elected
	result := c.SubmitTransaction(context.Background(), "tx-1", []byte("a"))
	assert.False(t, result.Accepted)
	assert.Equal(t, raft.TransactionId("tx-1"), result.TxId)

	assert.False(t, c.Health().Healthy)
}

func TestSessions(t *testing.T) {
	backends := allBackends()
	c := newTestContext(t, singleNode(), backends)

	ctx := context.Background()

	session, err := c.WriteSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbcluster.ServerId("p1"), session.ServerId)
	session.Release()

	session, err = c.ReadSession(ctx, "eu")
	require.NoError(t, err)
	assert.Equal(t, dbcluster.ServerId("r1"), session.ServerId)
	session.Release()

	session, err = c.AnalyticsSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbcluster.ServerId("a1"), session.ServerId)
	session.Release()

	for _, b := range backends {
		assert.Equal(t, 0, b.sessions)
	}

	status := c.DBClusterStatus()
	assert.Equal(t, dbcluster.ServerId("p1"), status.PrimaryId)
	assert.Len(t, status.Servers, 3)
}

func TestStartWithUnreachableDatabase(t *testing.T) {
	backends := allBackends()
	delete(backends, "p1")

	c := newTestContext(t, singleNode(), backends)

	status := c.DBClusterStatus()
	assert.Len(t, status.Servers, 2)
	assert.Equal(t, dbcluster.ServerId(""), status.PrimaryId)

	_, err := c.WriteSession(context.Background())
	require.ErrorIs(t, err, dbcluster.ErrNoPrimaryAvailable)

	// Promotion is left to the failover monitor or to an operator
	require.NoError(t, c.DBCluster.Failover("r1", "operator request"))

	session, err := c.WriteSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dbcluster.ServerId("r1"), session.ServerId)
	session.Release()
}
