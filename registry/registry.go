// Package registry publishes the connect addresses of server invokers and
// lets clients find them by service name.
package registry

import (
	"context"
	"time"
)

// Endpoint is one published instance of a service.
type Endpoint struct {
	ID      string `json:"id"`      // unique per registration
	Address string `json:"address"` // connect address, host:port
	Version int    `json:"version"` // protocol version spoken at Address
}

type Registry interface {
	// Register publishes endpoint under service. The entry disappears ttl
	// after the registering process stops renewing it.
	Register(ctx context.Context, service string, endpoint Endpoint, ttl time.Duration) error
	Deregister(ctx context.Context, service string, address string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service on every change, starting
	// with the current one. The channel is closed when ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
	Close() error
}
