package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

type LeaderCache struct {
	Id          ServerId      `json:"id"`
	Address     ServerAddress `json:"address"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

type TransactionResult struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	TransactionId TransactionId `json:"transactionId"`
	LeaderHint    ServerAddress `json:"leaderHint,omitempty"`
}

type TransactionCallback func(TransactionResult)

// Manager wraps a server and exposes the operations used by clients. It never
// forwards transactions itself: callers are told where the leader is.
type Manager struct {
	Server *Server
	Log    Logger

	mu          sync.Mutex
	leaderCache LeaderCache
}

func NewManager(server *Server) *Manager {
	return &Manager{
		Server: server,
		Log:    server.Log,
	}
}

func (m *Manager) ExecuteTransaction(ctx context.Context, id TransactionId, data []byte, callback TransactionCallback) TransactionResult {
	result := m.executeTransaction(ctx, id, data)

	if callback != nil {
		callback(result)
	}

	return result
}

func (m *Manager) executeTransaction(ctx context.Context, id TransactionId, data []byte) TransactionResult {
	if id == "" {
		id = ContentTransactionId(data)
	}

	result := TransactionResult{TransactionId: id}

	record, err := m.Server.ApplyTransaction(ctx, id, data)
	if err != nil {
		var notLeaderErr *NotLeaderError

		switch {
		case errors.As(err, &notLeaderErr):
			if notLeaderErr.LeaderId == "" {
				result.Message = "no leader available"
				return result
			}

			m.updateLeaderCache(notLeaderErr.LeaderId,
				notLeaderErr.LeaderAddress)

			result.Message = fmt.Sprintf("forward to %s",
				notLeaderErr.LeaderAddress)
			result.LeaderHint = notLeaderErr.LeaderAddress

		case errors.Is(err, ErrNoQuorum):
			result.Message = "transaction not replicated on a majority of servers"

		default:
			result.Message = err.Error()
		}

		return result
	}

	m.updateLeaderCache(m.Server.Id, m.Server.PublicAddress)

	switch record.Status {
	case TransactionStatusCommitted:
		result.Success = true
		result.Message = "transaction committed"
	case TransactionStatusPending:
		result.Message = "transaction pending"
	default:
		result.Message = fmt.Sprintf("transaction %s", record.Status)
	}

	return result
}

func (m *Manager) updateLeaderCache(id ServerId, address ServerAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaderCache = LeaderCache{
		Id:          id,
		Address:     address,
		LastUpdated: time.Now(),
	}
}

func (m *Manager) LeaderCache() LeaderCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.leaderCache
}

func (m *Manager) TransactionStatus(id TransactionId) TransactionStatus {
	record, found := m.Server.Transaction(id)
	if !found {
		return TransactionStatusUnknown
	}

	return record.Status
}

// JoinCluster adds the server listening on seedAddress to the set of peers.
// No membership change is replicated: every server must be told about the
// new peer.
func (m *Manager) JoinCluster(seedAddress string) bool {
	host, portString, err := net.SplitHostPort(seedAddress)
	if err != nil {
		m.Log.Error("invalid seed address %q: %v", seedAddress, err)
		return false
	}

	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil || port == 0 {
		m.Log.Error("invalid port in seed address %q", seedAddress)
		return false
	}

	address := net.JoinHostPort(host, portString)
	id := ServerId(address)

	if !m.Server.AddPeer(id, ServerAddress(address)) {
		m.Log.Info("peer %s already known", id)
		return false
	}

	return true
}

func (m *Manager) Status() Status {
	return m.Server.Status()
}
