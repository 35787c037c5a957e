package dbcluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/health"
)

const (
	MaxErrorRatePct       = 10.0
	MaxLatency            = 500 * time.Millisecond
	MaxReplicaLag         = 300 * time.Second
	DefaultMaxConnections = 20
)

type ServerCfg struct {
	Id             ServerId
	ConnectionURL  string
	Role           ServerRole
	Region         string
	Weight         float64
	MaxConnections int

	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	AcquireTimeout      time.Duration

	BackendFactory BackendFactory
	Logger         Logger
}

// Server wraps a database server: its connection pool, the prober which
// keeps its descriptor up to date and session checkout.
type Server struct {
	Cfg ServerCfg
	Log Logger

	mu             sync.Mutex
	descriptor     ServerDescriptor
	nbProbes       int
	nbFailedProbes int
	nbSessions     int

	backend Backend
	prober  *health.Prober
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.BackendFactory == nil {
		if cfg.ConnectionURL == "" {
			return nil, fmt.Errorf("missing or empty connection url")
		}

		cfg.BackendFactory = NewPgBackend
	}

	if cfg.Weight <= 0 {
		cfg.Weight = 1.0
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = time.Second
	}

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		descriptor: ServerDescriptor{
			Id:             cfg.Id,
			ConnectionURL:  cfg.ConnectionURL,
			Role:           cfg.Role,
			Region:         cfg.Region,
			Weight:         cfg.Weight,
			MaxConnections: cfg.MaxConnections,
			Status:         ServerStatusOffline,
			StatusSince:    time.Now(),
		},
	}

	return s, nil
}

// Initialize creates the connection pool and runs a first probe. On failure
// the server stays offline and the pool is released.
func (s *Server) Initialize(ctx context.Context) error {
	backend, err := s.Cfg.BackendFactory(ctx, s.Cfg)
	if err != nil {
		s.recordFailure(err)
		return fmt.Errorf("cannot create backend for %s: %w", s.Cfg.Id, err)
	}

	prober, err := health.NewProber(health.ProberCfg{
		Target:    "database server " + string(s.Cfg.Id),
		Interval:  s.Cfg.HealthCheckInterval,
		Timeout:   s.Cfg.ProbeTimeout,
		ProbeFunc: s.probe,
		OnResult:  s.onProbeResult,
		Logger:    s.Log,
	})
	if err != nil {
		backend.Close()
		return fmt.Errorf("cannot create prober: %w", err)
	}

	s.mu.Lock()
	s.backend = backend
	s.prober = prober
	s.mu.Unlock()

	if err := prober.Probe(ctx); err != nil {
		s.mu.Lock()
		s.backend = nil
		s.prober = nil
		s.mu.Unlock()

		backend.Close()

		return fmt.Errorf("cannot connect to %s: %w", s.Cfg.Id, err)
	}

	prober.Start()

	s.Log.Info("database server %s initialized (role %s, region %q)",
		s.Cfg.Id, s.Role(), s.Cfg.Region)

	return nil
}

func (s *Server) Close() {
	s.mu.Lock()
	prober := s.prober
	backend := s.backend
	s.prober = nil
	s.backend = nil
	s.mu.Unlock()

	if prober != nil {
		prober.Stop()
	}

	if backend != nil {
		backend.Close()
	}

	s.mu.Lock()
	s.setStatus(ServerStatusOffline)
	s.mu.Unlock()
}

// Probe runs a health check immediately.
func (s *Server) Probe(ctx context.Context) error {
	s.mu.Lock()
	prober := s.prober
	s.mu.Unlock()

	if prober == nil {
		return fmt.Errorf("server %s is not initialized", s.Cfg.Id)
	}

	return prober.Probe(ctx)
}

func (s *Server) probe(ctx context.Context) error {
	s.mu.Lock()
	backend := s.backend
	role := s.descriptor.Role
	s.mu.Unlock()

	if backend == nil {
		return fmt.Errorf("no backend")
	}

	start := time.Now()

	if err := backend.Ping(ctx); err != nil {
		return err
	}

	latency := time.Since(start)

	connections, err := backend.ActiveConnections(ctx)
	if err != nil {
		return err
	}

	var lag time.Duration
	if role == ServerRoleReplica {
		lag, err = backend.ReplicationLag(ctx)
		if err != nil {
			return err
		}
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nbProbes++

	d := &s.descriptor

	d.LatencyMs = float64(latency.Microseconds()) / 1000.0
	d.CurrentConnections = connections
	d.ReplicationLagS = lag.Seconds()
	d.ErrorRatePct = s.errorRate()
	d.LastCheck = &now

	s.setStatus(classifyStatus(d))

	return nil
}

func (s *Server) onProbeResult(err error) {
	if err != nil {
		s.recordFailure(err)
	}
}

func (s *Server) recordFailure(err error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nbProbes++
	s.nbFailedProbes++

	d := &s.descriptor

	d.ErrorRatePct = s.errorRate()
	d.LastError = err.Error()
	d.LastErrorTime = &now
	d.LastCheck = &now

	s.setStatus(ServerStatusOffline)
}

func (s *Server) errorRate() float64 {
	if s.nbProbes == 0 {
		return 0
	}

	return float64(s.nbFailedProbes) / float64(s.nbProbes) * 100.0
}

// classifyStatus computes the status of a server which answered its last
// probe.
func classifyStatus(d *ServerDescriptor) ServerStatus {
	if d.ErrorRatePct > MaxErrorRatePct {
		return ServerStatusDegraded
	}

	if d.LatencyMs > float64(MaxLatency.Milliseconds()) {
		return ServerStatusDegraded
	}

	if d.Role == ServerRoleReplica && d.ReplicationLagS > MaxReplicaLag.Seconds() {
		return ServerStatusDegraded
	}

	return ServerStatusOnline
}

func (s *Server) setStatus(status ServerStatus) {
	d := &s.descriptor

	if d.Status == status {
		return
	}

	s.Log.Info("database server %s: %s -> %s", d.Id, d.Status, status)

	d.Status = status
	d.StatusSince = time.Now()
}

func (s *Server) setRole(role ServerRole) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.descriptor.Role = role
}

// demote turns a primary into a replica. A demoted server which is still
// reachable must catch up with the new primary: it is syncing until its next
// successful probe.
func (s *Server) demote() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.descriptor.Role = ServerRoleReplica

	if s.descriptor.Status != ServerStatusOffline {
		s.setStatus(ServerStatusSyncing)
	}
}

func (s *Server) Descriptor() ServerDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.descriptor
}

func (s *Server) Role() ServerRole {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.descriptor.Role
}

func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.descriptor.Status
}

// Session checks out a connection. It fails with ErrNoSession when the
// server is offline or when its pool is exhausted.
func (s *Server) Session(ctx context.Context) (Session, error) {
	s.mu.Lock()
	backend := s.backend
	status := s.descriptor.Status
	s.mu.Unlock()

	if backend == nil || status == ServerStatusOffline {
		return nil, fmt.Errorf("%w: server %s is offline", ErrNoSession,
			s.Cfg.Id)
	}

	session, err := backend.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: server %s: %v", ErrNoSession, s.Cfg.Id, err)
	}

	s.mu.Lock()
	s.nbSessions++
	s.mu.Unlock()

	return session, nil
}

func (s *Server) Release(session Session) {
	if session == nil {
		return
	}

	session.Release()

	s.mu.Lock()
	if s.nbSessions > 0 {
		s.nbSessions--
	}
	s.mu.Unlock()
}

// NbSessions returns the number of sessions currently checked out.
func (s *Server) NbSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nbSessions
}
