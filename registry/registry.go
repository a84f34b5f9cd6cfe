// Package registry lets servers announce the endpoints they listen on and lets
// callers find every live endpoint of a service for fan-out calls.
package registry

import "context"

// ServiceInstance is one announced endpoint.
type ServiceInstance struct {
	Addr     string
	ServerID string
	Version  string
}

type Registry interface {
	// Register announces instance under serviceName. Implementations with
	// leases expire the entry ttl seconds after the announcing process dies.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
