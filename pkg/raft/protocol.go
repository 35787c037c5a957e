package raft

import (
	"encoding/json"
	"fmt"
)

type RPCMsgType string

const (
	RPCMsgTypeRequestVoteRequest    RPCMsgType = "requestVoteRequest"
	RPCMsgTypeRequestVoteResponse   RPCMsgType = "requestVoteResponse"
	RPCMsgTypeAppendEntriesRequest  RPCMsgType = "appendEntriesRequest"
	RPCMsgTypeAppendEntriesResponse RPCMsgType = "appendEntriesResponse"
)

type RPCMsg interface {
	GetType() RPCMsgType
	GetTerm() Term

	fmt.Stringer
}

type RPCRequestVoteRequest struct {
	Term         Term     `json:"term"`
	CandidateId  ServerId `json:"candidateId"`
	LastLogIndex LogIndex `json:"lastLogIndex"`
	LastLogTerm  Term     `json:"lastLogTerm"`
}

func (msg *RPCRequestVoteRequest) GetType() RPCMsgType {
	return RPCMsgTypeRequestVoteRequest
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type RPCRequestVoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"voteGranted"`
}

func (msg *RPCRequestVoteResponse) GetType() RPCMsgType {
	return RPCMsgTypeRequestVoteResponse
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

// PrevLogIndex is -1 when entries start at the beginning of the log.
type RPCAppendEntriesRequest struct {
	Term         Term       `json:"term"`
	LeaderId     ServerId   `json:"leaderId"`
	PrevLogIndex LogIndex   `json:"prevLogIndex"`
	PrevLogTerm  Term       `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit LogIndex   `json:"leaderCommit"`
}

func (msg *RPCAppendEntriesRequest) GetType() RPCMsgType {
	return RPCMsgTypeAppendEntriesRequest
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

type RPCAppendEntriesResponse struct {
	Term    Term `json:"term"`
	Success bool `json:"success"`
}

func (msg *RPCAppendEntriesResponse) GetType() RPCMsgType {
	return RPCMsgTypeAppendEntriesResponse
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v}",
		msg.Term, msg.Success)
}

func newRPCMsg(msgType RPCMsgType) (RPCMsg, error) {
	switch msgType {
	case RPCMsgTypeRequestVoteRequest:
		return &RPCRequestVoteRequest{}, nil
	case RPCMsgTypeRequestVoteResponse:
		return &RPCRequestVoteResponse{}, nil
	case RPCMsgTypeAppendEntriesRequest:
		return &RPCAppendEntriesRequest{}, nil
	case RPCMsgTypeAppendEntriesResponse:
		return &RPCAppendEntriesResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  RPCMsgType `json:"type"`
		Value RPCMsg     `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  RPCMsgType      `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	msg, err := newRPCMsg(value.Type)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", value.Type, err)
	}

	return msg, nil
}
