package raft

import (
	"context"
	"time"
)

func (s *Server) onElectionTimer() {
	s.mu.Lock()

	switch s.state {
	case ServerStateLeader, ServerStateObserver:
		s.mu.Unlock()
		return

	case ServerStateFollower:
		// The timer may have fired while an AppendEntries request was being
		// processed.
		if time.Since(s.lastContact) < s.Cfg.MinElectionTimeout {
			s.resetElectionTimer()
			s.mu.Unlock()
			return
		}

	case ServerStateCandidate:
		s.Log.Debug(1, "election timeout in term %d",
			s.persistentState.CurrentTerm)
	}

	s.mu.Unlock()

	s.startElection()
}

type voteResult struct {
	peerId ServerId
	res    *RPCRequestVoteResponse
	err    error
}

// startElection runs a full election round: it starts a new term, votes for
// ourselves and requests votes from all peers. It returns once a majority
// has been obtained, or when all peers have answered or timed out.
func (s *Server) startElection() {
	s.mu.Lock()

	if !s.running || s.state == ServerStateLeader ||
		s.state == ServerStateObserver {
		s.mu.Unlock()
		return
	}

	// Start a new term and vote for ourselves
	s.persistentState.CurrentTerm++
	s.persistentState.VotedFor = s.Id
	s.persist()

	term := s.persistentState.CurrentTerm

	s.Log.Debug(1, "starting election for term %d", term)

	s.state = ServerStateCandidate
	s.currentLeader = ""
	s.clusterState = ClusterStateElection

	// Rearm the election timer to detect an election timeout
	s.resetElectionTimer()

	req := RPCRequestVoteRequest{
		Term:         term,
		CandidateId:  s.Id,
		LastLogIndex: s.logStore.LastIndex(),
		LastLogTerm:  s.logStore.LastTerm(),
	}

	peers := s.peerList()
	nbServers := len(peers) + 1

	if nbServers == 1 {
		s.becomeLeader()
		s.mu.Unlock()
		return
	}

	s.mu.Unlock()

	ctx, cancel := s.stopContext()
	defer cancel()

	results := make(chan voteResult, len(peers))

	for _, peer := range peers {
		go func(peer Peer) {
			rctx, rcancel := context.WithTimeout(ctx, s.Cfg.RPCTimeout)
			defer rcancel()

			res, err := s.transport.RequestVote(rctx, peer, &req)
			results <- voteResult{peerId: peer.Id, res: res, err: err}
		}(peer)
	}

	nbVotes := 1

	for i := 0; i < len(peers); i++ {
		result := <-results

		if result.err != nil {
			s.Log.Debug(1, "cannot request vote from %s: %v",
				result.peerId, result.err)
			continue
		}

		s.mu.Lock()

		if peer, found := s.peers[result.peerId]; found {
			s.markPeerSeen(peer)
		}

		if result.res.Term > s.persistentState.CurrentTerm {
			s.Log.Debug(1, "peer %s has term %d (current term: %d), "+
				"reverting to follower", result.peerId, result.res.Term,
				s.persistentState.CurrentTerm)

			s.stepDown(result.res.Term)
			s.mu.Unlock()
			return
		}

		if s.state != ServerStateCandidate ||
			s.persistentState.CurrentTerm != term {
			// Someone else won, or a new election started
			s.mu.Unlock()
			return
		}

		if result.res.VoteGranted {
			nbVotes++
		}

		if nbVotes >= Quorum(nbServers) {
			s.Log.Info("obtained %d/%d votes, becoming leader",
				nbVotes, nbServers)

			s.becomeLeader()
			s.mu.Unlock()
			return
		}

		s.mu.Unlock()
	}

	s.Log.Debug(1, "election for term %d failed with %d/%d votes",
		term, nbVotes, nbServers)
}

// becomeLeader must be called with the lock held.
func (s *Server) becomeLeader() {
	s.state = ServerStateLeader
	s.currentLeader = s.Id
	s.clusterState = ClusterStateStable

	// Leaders do not hold elections
	s.electionTimer.Stop()

	s.nextIndex = make(map[ServerId]LogIndex)
	s.matchIndex = make(map[ServerId]LogIndex)

	for id := range s.peers {
		s.nextIndex[id] = s.logStore.Len()
		s.matchIndex[id] = 0
	}

	s.heartbeatTicker.Reset(s.Cfg.HeartbeatInterval)

	// Assert leadership immediately
	s.goBackground(s.sendHeartbeats)
}

func (s *Server) peerList() []Peer {
	peers := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, *peer)
	}

	return peers
}
