// Package registry lets dedicated servers announce their remote-control
// endpoints and controllers discover them.
package registry

import (
	"context"
	"errors"
)

// DefaultService is the service name dedicated servers register under when
// nothing else is configured.
const DefaultService = "dedicated"

var ErrNotRegistered = errors.New("instance not registered")

// Instance describes one dedicated server's remote-control endpoint.
type Instance struct {
	Addr     string `json:"addr"`
	Weight   int    `json:"weight"`   // for weighted balancing; <= 0 counts as 1
	Preamble string `json:"preamble"` // what the server announces, e.g. "GBXRemote 2 3.3"
	Name     string `json:"name,omitempty"`
}

type Registry interface {
	// Register announces an instance for ttl seconds, renewed until
	// Deregister or Close.
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}
