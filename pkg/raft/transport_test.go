package raft

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	voteRequests   []*RPCRequestVoteRequest
	appendRequests []*RPCAppendEntriesRequest
}

func (h *recordingHandler) HandleRequestVote(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
	h.voteRequests = append(h.voteRequests, req)
	return &RPCRequestVoteResponse{Term: req.Term, VoteGranted: true}
}

func (h *recordingHandler) HandleAppendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	h.appendRequests = append(h.appendRequests, req)
	return &RPCAppendEntriesResponse{Term: req.Term + 1, Success: false}
}

func newTestHTTPTransport(t *testing.T, id ServerId) *HTTPTransport {
	transport, err := NewHTTPTransport(HTTPTransportCfg{
		Id:           id,
		LocalAddress: "127.0.0.1:0",
		Logger:       testLogger{t: t, id: id},
	})
	require.NoError(t, err)

	return transport
}

func TestHTTPTransport(t *testing.T) {
	handler := &recordingHandler{}

	server := newTestHTTPTransport(t, "node-2")
	server.handler = handler

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	peer := Peer{
		Id:      "node-2",
		Address: ServerAddress(strings.TrimPrefix(httpServer.URL, "http://")),
	}

	client := newTestHTTPTransport(t, "node-1")
	ctx := testContext(t)

	voteRes, err := client.RequestVote(ctx, peer, &RPCRequestVoteRequest{
		Term: 3, CandidateId: "node-1", LastLogIndex: 4, LastLogTerm: 2})
	require.NoError(t, err)
	assert.True(t, voteRes.VoteGranted)
	assert.Equal(t, Term(3), voteRes.Term)

	appendRes, err := client.AppendEntries(ctx, peer, &RPCAppendEntriesRequest{
		Term: 3, LeaderId: "node-1", PrevLogIndex: -1,
		Entries: []LogEntry{{Term: 3, TransactionId: "tx-1",
			Data: []byte("a")}}})
	require.NoError(t, err)
	assert.False(t, appendRes.Success)
	assert.Equal(t, Term(4), appendRes.Term)

	require.Len(t, handler.voteRequests, 1)
	assert.Equal(t, ServerId("node-1"), handler.voteRequests[0].CandidateId)

	require.Len(t, handler.appendRequests, 1)
	require.Len(t, handler.appendRequests[0].Entries, 1)
	assert.Equal(t, []byte("a"), handler.appendRequests[0].Entries[0].Data)
	assert.Equal(t, LogIndex(-1), handler.appendRequests[0].PrevLogIndex)

	require.NoError(t, client.Ping(ctx, peer))
}

func TestHTTPTransportErrors(t *testing.T) {
	server := newTestHTTPTransport(t, "node-2")
	server.handler = &recordingHandler{}

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	res, err := http.Post(httpServer.URL, "application/json",
		strings.NewReader(`{"type":"requestVoteRequest","value":{}}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 400, res.StatusCode)

	req, err := http.NewRequest("POST", httpServer.URL,
		strings.NewReader(`{"type":"foo","value":{}}`))
	require.NoError(t, err)
	req.Header.Set("X-Raft-Source-Id", "node-1")

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 400, res.StatusCode)

	client := newTestHTTPTransport(t, "node-1")

	_, err = client.RequestVote(testContext(t), Peer{Id: "node-3",
		Address: "127.0.0.1:1"}, &RPCRequestVoteRequest{Term: 1})
	assert.Error(t, err)
}

func TestDecodeRPCMsg(t *testing.T) {
	data, err := EncodeRPCMsg(&RPCAppendEntriesRequest{
		Term: 2, LeaderId: "node-1", PrevLogIndex: 4, PrevLogTerm: 1,
		LeaderCommit: 3})
	require.NoError(t, err)

	msg, err := DecodeRPCMsg(data)
	require.NoError(t, err)

	req, ok := msg.(*RPCAppendEntriesRequest)
	require.True(t, ok)
	assert.Equal(t, LogIndex(4), req.PrevLogIndex)
	assert.Equal(t, RPCMsgTypeAppendEntriesRequest, req.GetType())

	_, err = DecodeRPCMsg([]byte(`{"type":"unknown","value":{}}`))
	assert.ErrorContains(t, err, "unknown message type")
}
