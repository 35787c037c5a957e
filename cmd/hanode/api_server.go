package main

import (
	"errors"
	"strconv"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/raft"
	"github.com/galdor/go-service/pkg/shttp"
)

const defaultJournalListSize = 100

type APIServer struct {
	Service *Service
}

type TransactionSubmission struct {
	Id   raft.TransactionId `json:"id"`
	Data string             `json:"data"`
}

const maxFailoverReasonLength = 256

func (s *TransactionSubmission) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("data", s.Data)
}

func (r *JoinRequest) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("address", r.Address)
}

func (u *RoutingPolicyUpdate) ValidateJSON(v *ejson.Validator) {
	_, err := dbcluster.ParseRoutingPolicy(string(u.Policy))
	v.Check("policy", err == nil, "invalidRoutingPolicy",
		"invalid routing policy %q", u.Policy)
}

func (r *FailoverRequest) ValidateJSON(v *ejson.Validator) {
	v.Check("reason", len(r.Reason) <= maxFailoverReasonLength,
		"stringTooLong", "reason must not be longer than %d characters",
		maxFailoverReasonLength)
}

type TransactionInfo struct {
	Id     raft.TransactionId     `json:"id"`
	Status raft.TransactionStatus `json:"status"`
	Entry  *JournalEntry          `json:"entry,omitempty"`
}

type JoinRequest struct {
	Address string `json:"address"`
}

type RoutingPolicyUpdate struct {
	Policy dbcluster.RoutingPolicy `json:"policy"`
}

type FailoverRequest struct {
	Target dbcluster.ServerId `json:"target"`
	Reason string             `json:"reason"`
}

type FailoverResult struct {
	PrimaryId dbcluster.ServerId         `json:"primaryId"`
	Record    *dbcluster.FailoverRecord `json:"record,omitempty"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/health", "GET", api.hHealthGET)

	api.Route("/transactions", "GET", api.hTransactionsGET)
	api.Route("/transactions", "POST", api.hTransactionsPOST)
	api.Route("/transactions/:id", "GET", api.hTransactionGET)

	api.Route("/cluster/status", "GET", api.hClusterStatusGET)
	api.Route("/cluster/join", "POST", api.hClusterJoinPOST)

	api.Route("/db/status", "GET", api.hDBStatusGET)
	api.Route("/db/routing-policy", "PUT", api.hDBRoutingPolicyPUT)
	api.Route("/db/failover", "POST", api.hDBFailoverPOST)
	api.Route("/db/failovers", "GET", api.hDBFailoversGET)
	api.Route("/db/route", "GET", api.hDBRouteGET)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hHealthGET(h *shttp.Handler) {
	report := api.Service.ha.Health()

	status := 200
	if !report.Healthy {
		status = 503
	}

	h.ReplyJSON(status, report)
}

func (api *APIServer) hTransactionsGET(h *shttp.Handler) {
	n := defaultJournalListSize

	if s := h.QueryParameter("n"); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil || i <= 0 {
			h.ReplyError(400, "invalidQueryParameter",
				"invalid entry count %q", s)
			return
		}

		n = i
	}

	h.ReplyJSON(200, api.Service.journal.Last(n))
}

func (api *APIServer) hTransactionsPOST(h *shttp.Handler) {
	var submission TransactionSubmission
	if err := h.JSONRequestData(&submission); err != nil {
		return
	}

	result := api.Service.ha.SubmitTransaction(h.Request.Context(),
		submission.Id, []byte(submission.Data))

	status := 200
	switch {
	case result.Accepted:
	case result.LeaderHint != "":
		// The caller is expected to resubmit to the leader
		status = 421
	default:
		status = 503
	}

	h.ReplyJSON(status, result)
}

func (api *APIServer) hTransactionGET(h *shttp.Handler) {
	id := raft.TransactionId(h.PathVariable("id"))

	info := TransactionInfo{
		Id:     id,
		Status: api.Service.ha.TransactionStatus(id),
	}

	if entry, found := api.Service.journal.Get(id); found {
		info.Entry = &entry
	}

	if info.Status == raft.TransactionStatusUnknown && info.Entry == nil {
		h.ReplyError(404, "unknownTransaction", "unknown transaction %q", id)
		return
	}

	h.ReplyJSON(200, info)
}

func (api *APIServer) hClusterStatusGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.ha.ClusterStatus())
}

func (api *APIServer) hClusterJoinPOST(h *shttp.Handler) {
	var req JoinRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	if !api.Service.ha.Manager.JoinCluster(req.Address) {
		h.ReplyError(400, "joinRejected",
			"cannot add peer %q: invalid or already known address",
			req.Address)
		return
	}

	h.ReplyJSON(200, api.Service.ha.ClusterStatus())
}

func (api *APIServer) hDBStatusGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.ha.DBClusterStatus())
}

func (api *APIServer) hDBRoutingPolicyPUT(h *shttp.Handler) {
	var update RoutingPolicyUpdate
	if err := h.JSONRequestData(&update); err != nil {
		return
	}

	if err := api.Service.ha.DBCluster.SetRoutingPolicy(update.Policy); err != nil {
		h.ReplyError(400, "invalidRoutingPolicy", "%v", err)
		return
	}

	h.ReplyJSON(200, api.Service.ha.DBClusterStatus())
}

func (api *APIServer) hDBFailoverPOST(h *shttp.Handler) {
	var req FailoverRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	cluster := api.Service.ha.DBCluster

	if req.Target == "" {
		reason := req.Reason
		if reason == "" {
			reason = "manual failover"
		}

		if _, err := cluster.SelectNewPrimary(reason); err != nil {
			h.ReplyError(409, "noEligibleReplica", "%v", err)
			return
		}
	} else {
		err := cluster.Failover(req.Target, req.Reason)
		if errors.Is(err, dbcluster.ErrUnknownServer) {
			h.ReplyError(404, "unknownServer", "%v", err)
			return
		} else if err != nil {
			h.ReplyError(409, "failoverRejected", "%v", err)
			return
		}
	}

	result := FailoverResult{
		PrimaryId: cluster.PrimaryId(),
	}

	if record, found := cluster.LastFailover(); found {
		result.Record = &record
	}

	h.ReplyJSON(200, result)
}

func (api *APIServer) hDBFailoversGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.ha.DBCluster.FailoverHistory())
}

func (api *APIServer) hDBRouteGET(h *shttp.Handler) {
	kind := dbcluster.TransactionKindRead
	if s := h.QueryParameter("kind"); s != "" {
		k, err := dbcluster.ParseTransactionKind(s)
		if err != nil {
			h.ReplyError(400, "invalidQueryParameter", "%v", err)
			return
		}

		kind = k
	}

	descriptor, err := api.Service.ha.DBCluster.ServerForTransaction(kind,
		h.QueryParameter("region"))
	if err != nil {
		h.ReplyError(503, "noServerAvailable", "%v", err)
		return
	}

	h.ReplyJSON(200, descriptor)
}
