package dbcluster

import (
	"context"
	"time"
)

// Session is a connection checked out of a backend pool. It must be returned
// with Server.Release.
type Session interface {
	Release()
}

// Backend is the connection pool of a single database server along with the
// queries used to probe it.
type Backend interface {
	Ping(context.Context) error
	ActiveConnections(context.Context) (int, error)
	ReplicationLag(context.Context) (time.Duration, error)

	// Acquire must not block longer than the acquisition timeout of the
	// server configuration.
	Acquire(context.Context) (Session, error)

	Close()
}

type BackendFactory func(context.Context, ServerCfg) (Backend, error)
