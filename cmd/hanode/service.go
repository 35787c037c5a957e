package main

import (
	"context"
	"fmt"
	"net"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-ha/pkg/dbcluster"
	"github.com/galdor/go-ha/pkg/ha"
	"github.com/galdor/go-ha/pkg/raft"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
	API     APICfg             `json:"api"`
}

type RaftCfg struct {
	// Nodes listed here override the ones of the topology file.
	Servers       raft.ServerSet `json:"servers"`
	TopologyFile  string         `json:"topologyFile"`
	DataDirectory string         `json:"dataDirectory"`
	SeedPeers     []string       `json:"seedPeers"`
	Observer      bool           `json:"observer"`

	HeartbeatIntervalMs  int `json:"heartbeatIntervalMs"`
	MinElectionTimeoutMs int `json:"minElectionTimeoutMs"`
	MaxElectionTimeoutMs int `json:"maxElectionTimeoutMs"`
}

type APICfg struct {
	Address     string `json:"address"`
	JournalSize int    `json:"journalSize"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	topology  *Topology
	journal   *Journal
	ha        *ha.Context
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
		}
	})

	if len(cfg.Servers) == 0 {
		v.CheckStringNotEmpty("topologyFile", cfg.TopologyFile)
	}

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return s.loadTopology()
}

func (s *Service) loadTopology() error {
	if s.topology != nil {
		return nil
	}

	topology := DefaultTopology()

	if filePath := s.Cfg.Raft.TopologyFile; filePath != "" {
		if err := topology.LoadFile(filePath); err != nil {
			return fmt.Errorf("cannot load topology: %w", err)
		}
	}

	for id, server := range s.Cfg.Raft.Servers {
		topology.Nodes[id] = TopologyNode{
			LocalAddress:  server.LocalAddress,
			PublicAddress: server.PublicAddress,
		}
	}

	if err := topology.Validate(); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	instanceId := raft.ServerId(s.Program.ArgumentValue("id"))
	if _, found := topology.Nodes[instanceId]; !found {
		return fmt.Errorf("unknown node %q", instanceId)
	}

	s.topology = topology

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := raft.ServerId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	address := s.Cfg.API.Address
	if address == "" {
		var localAddress raft.ServerAddress
		if err := s.loadTopology(); err == nil {
			localAddress = s.topology.Nodes[instanceId].LocalAddress
		}

		host, _, _ := net.SplitHostPort(string(localAddress))
		address = net.JoinHostPort(host, "8081")
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               address,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	if err := s.loadTopology(); err != nil {
		return err
	}

	journalSize := s.Cfg.API.JournalSize
	if journalSize == 0 {
		journalSize = 10_000
	}

	s.journal = NewJournal(journalSize)

	if err := s.initHA(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initHA() error {
	instanceId := s.Service.Program.ArgumentValue("id")

	logData := log.Data{
		"instance": instanceId,
	}

	db := s.topology.Database

	cfg := ha.Cfg{
		NodeId:  raft.ServerId(instanceId),
		Servers: s.topology.ServerSet(),

		SeedPeers: s.Cfg.Raft.SeedPeers,

		DataDirectory: s.Cfg.Raft.DataDirectory,

		Observer: s.Cfg.Raft.Observer,

		HeartbeatInterval:  milliseconds(s.Cfg.Raft.HeartbeatIntervalMs),
		MinElectionTimeout: milliseconds(s.Cfg.Raft.MinElectionTimeoutMs),
		MaxElectionTimeout: milliseconds(s.Cfg.Raft.MaxElectionTimeoutMs),

		ApplyFunc: s.journal.Apply,

		Database: ha.DatabaseCfg{
			Servers:             s.topology.DBServerCfgs(),
			RoutingPolicy:       db.RoutingPolicy,
			HealthCheckInterval: db.HealthCheckInterval,
			FailoverInterval:    db.FailoverInterval,
			BackendFactory:      dbcluster.NewPgBackend,
		},

		Logger:          s.Log.Child("ha", logData),
		RaftLogger:      s.Log.Child("raft", logData),
		TransportLogger: s.Log.Child("raft-transport", logData),
		DatabaseLogger:  s.Log.Child("dbcluster", logData),
	}

	haContext, err := ha.New(cfg)
	if err != nil {
		return fmt.Errorf("cannot create node: %w", err)
	}

	s.ha = haContext

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.ha.Start(context.Background(), ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start node: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.ha.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}

func milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
