package raft

import (
	"errors"
	"fmt"
)

var ErrNoQuorum = errors.New("transaction not replicated on a majority of servers")

var ErrStopped = errors.New("server stopped")

// NotLeaderError is returned when a transaction is submitted to a server which
// is not the leader. The leader fields are empty when no leader is known.
type NotLeaderError struct {
	LeaderId      ServerId
	LeaderAddress ServerAddress
}

func (err *NotLeaderError) Error() string {
	if err.LeaderId == "" {
		return "not leader, no leader currently known"
	}

	return fmt.Sprintf("not leader, current leader is %s (%s)",
		err.LeaderId, err.LeaderAddress)
}
