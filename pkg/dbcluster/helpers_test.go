package dbcluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

var errConnectionRefused = errors.New("connection refused")

type fakeBackend struct {
	mu          sync.Mutex
	pingErr     error
	panicMsg    string
	connections int
	lag         time.Duration
	maxSessions int
	sessions    int
	closed      bool
}

func (b *fakeBackend) setPingError(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) setLag(lag time.Duration) {
	b.mu.Lock()
	b.lag = lag
	b.mu.Unlock()
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.panicMsg != "" {
		panic(b.panicMsg)
	}

	return b.pingErr
}

func (b *fakeBackend) ActiveConnections(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connections, nil
}

func (b *fakeBackend) ReplicationLag(ctx context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lag, nil
}

func (b *fakeBackend) Acquire(ctx context.Context) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxSessions > 0 && b.sessions >= b.maxSessions {
		return nil, errors.New("pool exhausted")
	}

	b.sessions++

	return &fakeSession{backend: b}, nil
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type fakeSession struct {
	backend *fakeBackend
}

func (s *fakeSession) Release() {
	s.backend.mu.Lock()
	s.backend.sessions--
	s.backend.mu.Unlock()
}

// fakeBackends maps server identifiers to fake backends. Servers without a
// backend cannot connect.
type fakeBackends map[ServerId]*fakeBackend

func (bs fakeBackends) factory(ctx context.Context, cfg ServerCfg) (Backend, error) {
	b, found := bs[cfg.Id]
	if !found {
		return nil, errConnectionRefused
	}

	return b, nil
}

func testServerCfg(id ServerId, role ServerRole, region string) ServerCfg {
	return ServerCfg{
		Id:                  id,
		Role:                role,
		Region:              region,
		MaxConnections:      20,
		HealthCheckInterval: time.Hour,
	}
}

// defaultTopology is a primary and a replica in eu, a replica in us and an
// analytics server in eu.
func defaultTopology() []ServerCfg {
	return []ServerCfg{
		testServerCfg("p1", ServerRolePrimary, "eu"),
		testServerCfg("r1", ServerRoleReplica, "eu"),
		testServerCfg("r2", ServerRoleReplica, "us"),
		testServerCfg("a1", ServerRoleAnalytics, "eu"),
	}
}

func newTestCluster(t *testing.T, cfgFunc func(*ClusterCfg), servers ...ServerCfg) (*Cluster, fakeBackends) {
	backends := make(fakeBackends)
	for _, s := range servers {
		backends[s.Id] = &fakeBackend{}
	}

	cfg := ClusterCfg{
		RoutingPolicy:    RoutingPolicyPrimaryWriteReplicaRead,
		FailoverInterval: time.Hour,
		BackendFactory:   backends.factory,
		RandSeed:         1,
		Logger:           testLogger{t: t},
	}

	if cfgFunc != nil {
		cfgFunc(&cfg)
	}

	c, err := NewCluster(cfg)
	require.NoError(t, err)

	t.Cleanup(c.Stop)

	ctx := context.Background()

	for _, s := range servers {
		require.NoError(t, c.AddServer(ctx, s))

		// Measured latencies would make load scores depend on timing
		setDescriptor(t, c, s.Id, func(d *ServerDescriptor) {
			d.LatencyMs = 0
		})
	}

	return c, backends
}

func setDescriptor(t *testing.T, c *Cluster, id ServerId, fn func(*ServerDescriptor)) {
	server, found := c.Server(id)
	require.True(t, found, "unknown server %s", id)

	server.mu.Lock()
	fn(&server.descriptor)
	server.mu.Unlock()
}

func setStatus(t *testing.T, c *Cluster, id ServerId, status ServerStatus, since time.Time) {
	setDescriptor(t, c, id, func(d *ServerDescriptor) {
		d.Status = status
		d.StatusSince = since
	})
}

func setLoad(t *testing.T, c *Cluster, id ServerId, connections int, latencyMs, errorRatePct float64) {
	setDescriptor(t, c, id, func(d *ServerDescriptor) {
		d.CurrentConnections = connections
		d.LatencyMs = latencyMs
		d.ErrorRatePct = errorRatePct
	})
}

func roleOf(t *testing.T, c *Cluster, id ServerId) ServerRole {
	server, found := c.Server(id)
	require.True(t, found, "unknown server %s", id)

	return server.Role()
}
