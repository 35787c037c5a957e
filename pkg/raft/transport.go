package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/galdor/go-ha/pkg/utils"
)

// PeerTransport carries RPCs to remote peers. Implementations must honor the
// context deadline; an error or a timeout counts as a refused vote or a failed
// append, never as a fatal condition.
type PeerTransport interface {
	RequestVote(context.Context, Peer, *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error)
	AppendEntries(context.Context, Peer, *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error)
}

// RPCHandler processes incoming RPCs. *Server implements it.
type RPCHandler interface {
	HandleRequestVote(*RPCRequestVoteRequest) *RPCRequestVoteResponse
	HandleAppendEntries(*RPCAppendEntriesRequest) *RPCAppendEntriesResponse
}

type HTTPTransportCfg struct {
	Id           ServerId
	LocalAddress ServerAddress

	Logger Logger
}

// HTTPTransport sends each RPC as a POST request whose body is the encoded
// message; the response body contains the encoded reply.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	httpServer *http.Server
	httpClient *http.Client

	handler RPCHandler
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		httpClient: newHTTPClient(),
	}

	return t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Start(handler RPCHandler, errorChan chan<- error) error {
	listener, err := net.Listen("tcp", string(t.Cfg.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.Cfg.LocalAddress, err)
	}

	t.Log.Info("listening on %s", listener.Addr())

	t.handler = handler

	t.httpServer = &http.Server{
		Addr:              string(t.Cfg.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	go func() {
		defer utils.RecoverAndLog(t.Log, "http server", nil)

		err := t.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errorChan != nil {
				errorChan <- fmt.Errorf("server error: %w", err)
			} else {
				t.Log.Error("server error: %v", err)
			}
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	if t.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)
}

func (t *HTTPTransport) RequestVote(ctx context.Context, peer Peer, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	msg, err := t.sendMsg(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	res, ok := msg.(*RPCRequestVoteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %v from %s", msg, peer.Id)
	}

	return res, nil
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, peer Peer, req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	msg, err := t.sendMsg(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	res, ok := msg.(*RPCAppendEntriesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %v from %s", msg, peer.Id)
	}

	return res, nil
}

func (t *HTTPTransport) sendMsg(ctx context.Context, peer Peer, msg RPCMsg) (RPCMsg, error) {
	t.Log.Debug(2, "sending %v to %s", msg, peer.Id)

	msgData, err := EncodeRPCMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(peer.Address),
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(msgData))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("X-Raft-Source-Id", string(t.Cfg.Id))

	res, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot send %v to %s: %w", msg, peer.Address, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response from %s: %w",
			peer.Address, err)
	}

	if res.StatusCode != 200 {
		text := string(body)
		if idx := strings.IndexAny(text, "\r\n"); idx > 0 {
			text = text[:idx]
		}

		if text != "" {
			text = ": " + text
		}

		return nil, fmt.Errorf("http request to %s failed with status %d%s",
			peer.Address, res.StatusCode, text)
	}

	resMsg, err := DecodeRPCMsg(body)
	if err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", peer.Address, err)
	}

	return resMsg, nil
}

// Ping checks that the peer transport answers.
func (t *HTTPTransport) Ping(ctx context.Context, peer Peer) error {
	uri := url.URL{
		Scheme: "http",
		Host:   string(peer.Address),
		Path:   "/ping",
	}

	req, err := http.NewRequestWithContext(ctx, "GET", uri.String(), nil)
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot ping %s: %w", peer.Address, err)
	}
	res.Body.Close()

	if res.StatusCode != 204 {
		return fmt.Errorf("ping to %s failed with status %d",
			peer.Address, res.StatusCode)
	}

	return nil
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" && req.URL.Path == "/ping" {
		w.WriteHeader(204)
		return
	}

	if req.Method != "POST" {
		t.replyError(w, 405, "unsupported method %s", req.Method)
		return
	}

	sourceId := req.Header.Get("X-Raft-Source-Id")
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty X-Raft-Source-Id header field")
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	t.Log.Debug(2, "received %v from %s", msg, sourceId)

	var res RPCMsg

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		res = t.handler.HandleRequestVote(msgv)
	case *RPCAppendEntriesRequest:
		res = t.handler.HandleAppendEntries(msgv)
	default:
		t.replyError(w, 400, "unexpected message %v", msg)
		return
	}

	resData, err := EncodeRPCMsg(res)
	if err != nil {
		t.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(resData)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
