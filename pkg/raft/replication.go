package raft

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// onHeartbeatTicker starts a heartbeat round in the background so that a
// lagging follower never delays election and health ticks. A new round only
// starts once the previous one is over.
func (s *Server) onHeartbeatTicker() {
	s.mu.Lock()
	if s.state != ServerStateLeader || s.heartbeatInFlight {
		s.mu.Unlock()
		return
	}

	s.heartbeatInFlight = true
	s.mu.Unlock()

	s.goBackground(func() {
		defer func() {
			s.mu.Lock()
			s.heartbeatInFlight = false
			s.mu.Unlock()
		}()

		s.sendHeartbeats()
	})
}

// sendHeartbeats sends an AppendEntries request to every peer, carrying the
// entries each peer is missing, and waits for all of them.
func (s *Server) sendHeartbeats() {
	s.mu.Lock()
	if s.state != ServerStateLeader {
		s.mu.Unlock()
		return
	}

	term := s.persistentState.CurrentTerm
	peers := s.peerList()
	s.mu.Unlock()

	stopCtx, stopCancel := s.stopContext()
	defer stopCancel()

	// Followers walking back a long divergent log resume from their updated
	// next index on the following round.
	ctx, cancel := context.WithTimeout(stopCtx, s.Cfg.MinElectionTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(id ServerId) {
			defer wg.Done()
			s.replicatePeer(ctx, id, term)
		}(peer.Id)
	}

	wg.Wait()
}

// replicatePeer sends the entries a peer is missing, walking back its next
// index until the logs match. It returns true if the peer acknowledged every
// entry of our log at the time of the last request.
func (s *Server) replicatePeer(ctx context.Context, id ServerId, term Term) bool {
	for {
		s.mu.Lock()

		if s.state != ServerStateLeader ||
			s.persistentState.CurrentTerm != term {
			s.mu.Unlock()
			return false
		}

		peerPtr, found := s.peers[id]
		if !found {
			s.mu.Unlock()
			return false
		}
		peer := *peerPtr

		nextIndex := s.nextIndex[id]
		prevLogIndex := nextIndex - 1
		prevLogTerm, _ := s.logStore.Term(prevLogIndex)

		req := RPCAppendEntriesRequest{
			Term:         term,
			LeaderId:     s.Id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      s.logStore.EntriesFrom(nextIndex),
			LeaderCommit: s.commitIndex,
		}

		s.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, s.Cfg.RPCTimeout)
		res, err := s.transport.AppendEntries(rctx, peer, &req)
		cancel()

		if err != nil {
			s.Log.Debug(2, "cannot replicate to %s: %v", id, err)
			return false
		}

		s.mu.Lock()

		if res.Term > s.persistentState.CurrentTerm {
			s.Log.Debug(1, "peer %s has term %d (current term: %d), "+
				"reverting to follower", id, res.Term,
				s.persistentState.CurrentTerm)

			s.stepDown(res.Term)
			s.mu.Unlock()
			return false
		}

		if s.state != ServerStateLeader ||
			s.persistentState.CurrentTerm != term {
			s.mu.Unlock()
			return false
		}

		if p, found := s.peers[id]; found {
			s.markPeerSeen(p)
		}

		if res.Success {
			matchIndex := prevLogIndex + 1 + LogIndex(len(req.Entries))

			if matchIndex > s.matchIndex[id] {
				s.matchIndex[id] = matchIndex
			}

			if matchIndex > s.nextIndex[id] {
				s.nextIndex[id] = matchIndex
			}

			s.advanceCommitIndex()
			s.mu.Unlock()
			return true
		}

		// The logs do not match at prevLogIndex: retry one entry earlier
		// unless another request already moved the next index.
		if prevLogIndex < 0 || s.nextIndex[id] != nextIndex ||
			nextIndex <= s.matchIndex[id] {
			s.mu.Unlock()
			return false
		}

		s.nextIndex[id] = prevLogIndex
		s.mu.Unlock()

		if ctx.Err() != nil {
			return false
		}
	}
}

// advanceCommitIndex commits the highest entry of the current term stored on
// a majority of servers. It must be called with the lock held.
func (s *Server) advanceCommitIndex() {
	if s.state != ServerStateLeader {
		return
	}

	nbServers := len(s.peers) + 1

	for n := s.logStore.Len(); n > s.commitIndex; n-- {
		entry, _ := s.logStore.Entry(n - 1)
		if entry.Term != s.persistentState.CurrentTerm {
			// Entries from previous terms are only committed indirectly
			break
		}

		count := 1
		for id := range s.peers {
			if s.matchIndex[id] >= n {
				count++
			}
		}

		if count >= Quorum(nbServers) {
			s.Log.Debug(1, "committing entries up to index %d", n-1)

			s.commitIndex = n
			s.applyCommittedEntries()
			break
		}
	}
}

// applyCommittedEntries must be called with the lock held.
func (s *Server) applyCommittedEntries() {
	for s.lastApplied < s.commitIndex {
		index := s.lastApplied
		entry, _ := s.logStore.Entry(index)

		if s.Cfg.ApplyFunc != nil {
			if err := s.applyEntry(index, entry); err != nil {
				s.Log.Error("cannot apply entry %d: %v", index, err)
			}
		}

		if entry.TransactionId != "" {
			record, found := s.transactions.Get(entry.TransactionId)
			if found && record.LogIndex == index {
				record.Status = TransactionStatusCommitted
			}
		}

		s.lastApplied++
	}
}

func (s *Server) applyEntry(index LogIndex, entry LogEntry) (err error) {
	defer func() {
		if value := recover(); value != nil {
			err = fmt.Errorf("panic: %v", value)
		}
	}()

	return s.Cfg.ApplyFunc(index, entry)
}

// ApplyTransaction appends a command to the log and replicates it
// synchronously. It returns once the entry is stored on a majority of
// servers, in which case it is committed, or once every peer answered or
// timed out. If id is empty, it is derived from the content of data.
func (s *Server) ApplyTransaction(ctx context.Context, id TransactionId, data []byte) (TransactionRecord, error) {
	if id == "" {
		id = ContentTransactionId(data)
	}

	s.mu.Lock()

	if s.state != ServerStateLeader {
		leaderId, leaderAddress, _ := s.leader()
		s.mu.Unlock()

		return TransactionRecord{}, &NotLeaderError{
			LeaderId:      leaderId,
			LeaderAddress: leaderAddress,
		}
	}

	if record, found := s.transactions.Get(id); found &&
		record.Status != TransactionStatusFailed {
		s.Log.Debug(1, "transaction %s already submitted (%s)",
			id, record.Status)

		result := *record
		s.mu.Unlock()
		return result, nil
	}

	term := s.persistentState.CurrentTerm
	now := time.Now()

	index := s.logStore.AppendEntry(LogEntry{
		Term:          term,
		TransactionId: id,
		Data:          data,
		Timestamp:     now,
	})

	s.persist()

	record := &TransactionRecord{
		Id:          id,
		Status:      TransactionStatusPending,
		LogIndex:    index,
		SubmittedAt: now,
	}

	s.transactions.Add(record)

	peers := s.peerList()
	nbServers := len(peers) + 1

	s.Log.Debug(1, "replicating transaction %s at index %d", id, index)

	stopCtx, stopCancel := s.stopContext()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.Cfg.TransactionTimeout)

	go func() {
		select {
		case <-stopCtx.Done():
			cancel()
		case <-ctx.Done():
			stopCancel()
		}
	}()

	results := make(chan bool, len(peers))

	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(peerId ServerId) {
			defer wg.Done()
			results <- s.replicatePeer(ctx, peerId, term)
		}(peer.Id)
	}

	// Peers still replicating when the majority is reached keep going
	// until they are done or the transaction timeout expires.
	go func() {
		wg.Wait()
		cancel()
		close(results)
	}()

	nbAcks := 1
	for ok := range results {
		if ok {
			nbAcks++
		}

		if nbAcks >= Quorum(nbServers) {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceCommitIndex()

	// A newer leader may have replaced the entry while we were replicating
	// it: an index below the commit index is only ours if the entry stored
	// there is still the one we appended.
	entry, found := s.logStore.Entry(index)
	stored := found && entry.Term == term && entry.TransactionId == id

	if stored && s.commitIndex > index {
		record.Status = TransactionStatusCommitted

		s.Log.Debug(1, "transaction %s committed with %d/%d acks",
			id, nbAcks, nbServers)

		return *record, nil
	}

	record.Status = TransactionStatusFailed

	if s.state != ServerStateLeader || s.persistentState.CurrentTerm != term {
		leaderId, leaderAddress, _ := s.leader()

		s.Log.Error("transaction %s failed: leadership lost in term %d",
			id, term)

		return *record, &NotLeaderError{
			LeaderId:      leaderId,
			LeaderAddress: leaderAddress,
		}
	}

	s.Log.Error("transaction %s failed: %d/%d acks", id, nbAcks, nbServers)

	return *record, fmt.Errorf("transaction %s: %w", id, ErrNoQuorum)
}
