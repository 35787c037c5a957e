package raft

import (
	"context"
	"fmt"
	"math/rand"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/health"
	"github.com/galdor/go-ha/pkg/utils"
)

type LogApplyFunc func(LogIndex, LogEntry) error

type ServerCfg struct {
	Id      ServerId
	Servers ServerSet

	DataDirectory string
	Store         StateStore

	Transport PeerTransport

	Logger Logger

	// An observer follows the leader but never votes nor runs for election.
	Observer bool

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration

	RPCTimeout         time.Duration
	TransactionTimeout time.Duration

	HealthThresholds health.Thresholds

	MaxTransactions int

	// ApplyFunc is called for each committed entry in log order, with the
	// server lock held; it must not call back into the server.
	ApplyFunc LogApplyFunc
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id            ServerId
	LocalAddress  ServerAddress
	PublicAddress ServerAddress

	mu sync.Mutex

	running       bool
	state         ServerState
	currentLeader ServerId
	clusterState  ClusterState
	lastContact   time.Time

	commitIndex LogIndex
	lastApplied LogIndex

	persistentState PersistentState
	dirty           bool

	peers map[ServerId]*Peer

	// Leader only
	nextIndex         map[ServerId]LogIndex
	matchIndex        map[ServerId]LogIndex
	heartbeatInFlight bool

	transactions *transactionCache

	// Internal
	persistentStore StateStore
	logStore        *LogStore
	transport       PeerTransport

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker // leader only
	electionTimer   *time.Timer  // follower or candidate only
	healthTicker    *time.Ticker

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	sdata, found := cfg.Servers[cfg.Id]
	if !found {
		return nil, fmt.Errorf("unknown server id %q", cfg.Id)
	}

	if cfg.Store == nil && !cfg.Observer && cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 1500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 3000 * time.Millisecond
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return nil, fmt.Errorf("maximum election timeout must be greater " +
			"or equal to minimum election timeout")
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 500 * time.Millisecond
	}

	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 500 * time.Millisecond
	}

	if cfg.TransactionTimeout == 0 {
		cfg.TransactionTimeout = 5 * time.Second
	}

	if cfg.HealthThresholds == (health.Thresholds{}) {
		cfg.HealthThresholds = health.DefaultThresholds
	}

	if cfg.MaxTransactions == 0 {
		cfg.MaxTransactions = 10_000
	}

	store := cfg.Store
	if store == nil && cfg.Observer {
		store = NewMemoryStore()
	} else if store == nil {
		dataDirectory := path.Join(cfg.DataDirectory, string(cfg.Id))
		storePath := path.Join(dataDirectory, "persistent-state.json")
		store = NewFileStore(storePath)
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  sdata.LocalAddress,
		PublicAddress: sdata.PublicAddress,

		state:        ServerStateFollower,
		clusterState: ClusterStateInitializing,

		peers: make(map[ServerId]*Peer),

		transactions: newTransactionCache(cfg.MaxTransactions),

		persistentStore: store,
		logStore:        NewLogStore(),
		transport:       cfg.Transport,

		randGenerator: rand.New(randSource),
	}

	if cfg.Observer {
		s.state = ServerStateObserver
	}

	for id, data := range cfg.Servers {
		if id == cfg.Id {
			continue
		}

		s.peers[id] = &Peer{
			Id:      id,
			Address: data.PublicAddress,
			Health:  health.StatusUnhealthy,
		}
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already started")
	}

	s.errorChan = errorChan

	// Persistent store
	if err := s.persistentStore.Open(); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}

	if err := s.persistentStore.Read(&s.persistentState); err != nil {
		s.persistentStore.Close()
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %q, "+
		"%d log entries", s.persistentState.CurrentTerm,
		s.persistentState.VotedFor, len(s.persistentState.Log))

	// Log store
	if err := s.logStore.Open(s.persistentState.Log); err != nil {
		s.persistentStore.Close()
		return fmt.Errorf("cannot open log store: %w", err)
	}
	s.persistentState.Log = nil

	// Timers
	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
	s.heartbeatTicker.Stop()

	s.electionTimer = time.NewTimer(s.electionTimeout())
	if s.state == ServerStateObserver {
		s.electionTimer.Stop()
	}

	s.healthTicker = time.NewTicker(s.Cfg.HealthCheckInterval)

	s.lastContact = time.Now()
	s.stopChan = make(chan struct{})
	s.running = true

	// Main
	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	s.Log.Debug(1, "stopping")

	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()

	s.shutdown()

	s.Log.Debug(1, "stopped")
}

func (s *Server) main() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return

		case <-s.heartbeatTicker.C:
			s.runTick("heartbeat", s.onHeartbeatTicker)

		case <-s.electionTimer.C:
			s.runTick("election timer", s.onElectionTimer)

		case <-s.healthTicker.C:
			s.runTick("health check", s.onHealthTicker)
		}
	}
}

// runTick runs a timer handler. A panic is logged and reported on the error
// channel if there is room for it; the main loop goes on.
func (s *Server) runTick(name string, fn func()) {
	var err error

	defer func() {
		if err == nil || s.errorChan == nil {
			return
		}

		select {
		case s.errorChan <- fmt.Errorf("raft %s: %w", name, err):
		default:
		}
	}()

	defer utils.RecoverAndLog(s.Log, "raft "+name, &err)

	fn()
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeatTicker.Stop()
	s.electionTimer.Stop()
	s.healthTicker.Stop()

	if s.dirty {
		s.persist()
	}

	s.logStore.Close()
	s.persistentStore.Close()
}

func (s *Server) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer utils.RecoverAndLog(s.Log, "raft background task", nil)

		fn()
	}()
}

func (s *Server) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stopChan := s.stopChan

	go func() {
		select {
		case <-stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func (s *Server) HandleRequestVote(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Term < s.persistentState.CurrentTerm {
		s.Log.Debug(1, "rejecting stale vote request %v (current term: %d)",
			req, s.persistentState.CurrentTerm)

		return &RPCRequestVoteResponse{
			Term:        s.persistentState.CurrentTerm,
			VoteGranted: false,
		}
	}

	if req.Term > s.persistentState.CurrentTerm {
		s.Log.Debug(1, "received vote request with term %d (current term: %d), "+
			"reverting to follower", req.Term, s.persistentState.CurrentTerm)

		s.stepDown(req.Term)
	}

	res := RPCRequestVoteResponse{
		Term: s.persistentState.CurrentTerm,
	}

	if peer, found := s.peers[req.CandidateId]; found {
		s.markPeerSeen(peer)
	}

	if s.state == ServerStateObserver {
		return &res
	}

	votedFor := s.persistentState.VotedFor

	noVoteGranted := votedFor == ""
	sameVoteGranted := votedFor == req.CandidateId
	logUpToDate := s.logStore.IsUpToDate(req.LastLogIndex, req.LastLogTerm)

	if !(noVoteGranted || sameVoteGranted) || !logUpToDate {
		return &res
	}

	s.persistentState.VotedFor = req.CandidateId
	if err := s.persist(); err != nil {
		// A vote which cannot be made durable is not granted
		return &res
	}

	s.Log.Debug(1, "granting vote to %s for term %d", req.CandidateId, req.Term)

	res.VoteGranted = true
	s.resetElectionTimer()

	return &res
}

func (s *Server) HandleAppendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Term < s.persistentState.CurrentTerm {
		s.Log.Debug(1, "rejecting stale append request %v (current term: %d)",
			req, s.persistentState.CurrentTerm)

		return &RPCAppendEntriesResponse{
			Term:    s.persistentState.CurrentTerm,
			Success: false,
		}
	}

	// A valid leader exists for this term (ours or a newer one)
	s.stepDown(req.Term)
	s.lastContact = time.Now()

	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s (term %d)", req.LeaderId, req.Term)
		s.currentLeader = req.LeaderId
	}

	if peer, found := s.peers[req.LeaderId]; found {
		s.markPeerSeen(peer)
	}

	if s.clusterState == ClusterStateElection ||
		s.clusterState == ClusterStateSplit {
		s.clusterState = ClusterStateStable
	}

	res := RPCAppendEntriesResponse{
		Term: s.persistentState.CurrentTerm,
	}

	prevTerm, found := s.logStore.Term(req.PrevLogIndex)
	if !found || prevTerm != req.PrevLogTerm {
		s.Log.Debug(2, "log does not match at index %d (term %d)",
			req.PrevLogIndex, req.PrevLogTerm)
		return &res
	}

	if s.logStore.Merge(req.PrevLogIndex+1, req.Entries) {
		s.persist()
	}

	lastNewIndex := req.PrevLogIndex + 1 + LogIndex(len(req.Entries))

	if req.LeaderCommit > s.commitIndex {
		commitIndex := min(req.LeaderCommit, lastNewIndex, s.logStore.Len())
		if commitIndex > s.commitIndex {
			s.commitIndex = commitIndex
			s.applyCommittedEntries()
		}
	}

	res.Success = true

	return &res
}

// stepDown adopts term if it is newer than the current one and reverts to
// follower. It must be called with the lock held.
func (s *Server) stepDown(term Term) {
	if term > s.persistentState.CurrentTerm {
		s.persistentState.CurrentTerm = term
		s.persistentState.VotedFor = ""
		s.currentLeader = ""
		s.persist()
	}

	switch s.state {
	case ServerStateObserver:
		return

	case ServerStateLeader:
		s.Log.Info("stepping down as leader in term %d",
			s.persistentState.CurrentTerm)

		s.heartbeatTicker.Stop()

		s.nextIndex = nil
		s.matchIndex = nil
	}

	s.state = ServerStateFollower

	// Rearm the election timer; if we do not receive any AppendEntries
	// request before the timer goes off, we will become candidate and start
	// an election.
	s.resetElectionTimer()
}

func (s *Server) resetElectionTimer() {
	if s.electionTimer == nil || s.state == ServerStateObserver {
		return
	}

	if s.state == ServerStateLeader {
		utils.Panicf("cannot reset election timer in state %v", s.state)
	}

	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	s.electionTimer.Reset(timeout)
}

func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := s.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

// persist writes the persistent state. Failures are logged and the write is
// retried on the next health tick.
func (s *Server) persist() error {
	state := PersistentState{
		CurrentTerm: s.persistentState.CurrentTerm,
		VotedFor:    s.persistentState.VotedFor,
		Log:         s.logStore.Entries(),
	}

	if err := s.persistentStore.Write(state); err != nil {
		s.dirty = true

		perr := &PersistenceError{Err: err}
		s.Log.Error("%v", perr)
		return perr
	}

	s.dirty = false
	return nil
}

func (s *Server) markPeerSeen(peer *Peer) {
	peer.LastSeen = time.Now()
	peer.Health = health.StatusHealthy
}

func (s *Server) onHealthTicker() {
	s.pingPeers()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		s.Log.Debug(1, "retrying to write persistent state")
		s.persist()
	}

	now := time.Now()
	nbUnhealthy := 0

	for _, peer := range s.peers {
		status := s.Cfg.HealthThresholds.ClassifySince(peer.LastSeen, now)
		if status != peer.Health {
			s.Log.Debug(1, "peer %s is now %s", peer.Id, status)
		}

		peer.Health = status

		if status == health.StatusUnhealthy {
			nbUnhealthy++
		}
	}

	s.updateClusterState(nbUnhealthy)
}

func (s *Server) updateClusterState(nbUnhealthy int) {
	var state ClusterState

	switch {
	case s.state == ServerStateCandidate:
		state = ClusterStateElection

	case nbUnhealthy*2 > len(s.peers):
		state = ClusterStateDegraded

	case s.currentLeader == "":
		// A majority of servers is reachable but nobody leads
		state = ClusterStateSplit

	default:
		state = ClusterStateStable
	}

	if state != s.clusterState {
		s.Log.Info("cluster state changed from %s to %s", s.clusterState, state)
		s.clusterState = state
	}
}

// Pinger is implemented by transports able to check the liveness of a peer
// without affecting the protocol state.
type Pinger interface {
	Ping(context.Context, Peer) error
}

// pingPeers checks peers we have not heard of since the last health tick.
func (s *Server) pingPeers() {
	pinger, ok := s.transport.(Pinger)
	if !ok {
		return
	}

	s.mu.Lock()
	threshold := time.Now().Add(-s.Cfg.HealthCheckInterval)

	var peers []Peer
	for _, peer := range s.peers {
		if peer.LastSeen.Before(threshold) {
			peers = append(peers, *peer)
		}
	}
	s.mu.Unlock()

	ctx, cancel := s.stopContext()
	defer cancel()

	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(peer Peer) {
			defer wg.Done()

			pctx, pcancel := context.WithTimeout(ctx, s.Cfg.RPCTimeout)
			defer pcancel()

			if err := pinger.Ping(pctx, peer); err != nil {
				s.Log.Debug(2, "cannot ping %s: %v", peer.Id, err)
				return
			}

			s.mu.Lock()
			if p, found := s.peers[peer.Id]; found {
				p.LastSeen = time.Now()
			}
			s.mu.Unlock()
		}(peer)
	}

	wg.Wait()
}

// AddPeer adds a peer to the set of servers. It returns false if the
// identifier or the address designates this server or a known peer.
func (s *Server) AddPeer(id ServerId, address ServerAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.Id || address == s.LocalAddress || address == s.PublicAddress {
		s.Log.Debug(1, "ignoring peer %s (%s): local server", id, address)
		return false
	}

	if _, found := s.peers[id]; found {
		return false
	}

	for _, peer := range s.peers {
		if peer.Address == address {
			s.Log.Debug(1, "ignoring peer %s: address %s already used by %s",
				id, address, peer.Id)
			return false
		}
	}

	s.Log.Info("adding peer %s (%s)", id, address)

	s.peers[id] = &Peer{
		Id:      id,
		Address: address,
		Health:  health.StatusUnhealthy,
	}

	if s.state == ServerStateLeader {
		s.nextIndex[id] = s.logStore.Len()
		s.matchIndex[id] = 0
	}

	return true
}

func (s *Server) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == ServerStateLeader
}

// Leader returns the identifier and address of the current leader if known.
func (s *Server) Leader() (ServerId, ServerAddress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.leader()
}

func (s *Server) leader() (ServerId, ServerAddress, bool) {
	if s.currentLeader == "" {
		return "", "", false
	}

	if s.currentLeader == s.Id {
		return s.Id, s.PublicAddress, true
	}

	var address ServerAddress
	if peer, found := s.peers[s.currentLeader]; found {
		address = peer.Address
	}

	return s.currentLeader, address, true
}

func (s *Server) Transaction(id TransactionId) (TransactionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, found := s.transactions.Get(id)
	if !found {
		return TransactionRecord{}, false
	}

	return *record, true
}

// LogEntries returns a copy of the log.
func (s *Server) LogEntries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.logStore.Entries()
}

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		NodeId:       s.Id,
		Role:         s.state,
		LeaderId:     s.currentLeader,
		Term:         s.persistentState.CurrentTerm,
		ClusterState: s.clusterState,
		CommitIndex:  s.commitIndex,
		LastApplied:  s.lastApplied,
		LogLength:    s.logStore.Len(),
		Nodes:        make([]PeerStatus, 0, len(s.peers)),
	}

	for _, peer := range s.peers {
		ps := PeerStatus{
			Id:      peer.Id,
			Address: peer.Address,
			Health:  peer.Health,
		}

		if !peer.LastSeen.IsZero() {
			lastSeen := peer.LastSeen
			ps.LastSeen = &lastSeen
		}

		status.Nodes = append(status.Nodes, ps)
	}

	sort.Slice(status.Nodes, func(i, j int) bool {
		return status.Nodes[i].Id < status.Nodes[j].Id
	})

	return status
}
