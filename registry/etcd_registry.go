package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/track-rpc/"

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// EtcdRegistry implements Registry using etcd v3 as a "distributed phonebook":
//
//	Key:   /track-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed automatically.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]lease // by registry key
}

// lease is a registration kept alive in the background until cancel.
type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: slog.Default(), leases: make(map[string]lease)}, nil
}

// Register puts the instance under a TTL lease and keeps the lease alive in
// the background until Deregister or Close. Registering the same service and
// address again replaces the earlier lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := servicePrefix(serviceName) + instance.Addr
	_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID))
	if err != nil {
		return err
	}

	// The keepalive must outlive the registering request.
	kaCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	prev, replaced := r.leases[key]
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		r.release(ctx, prev)
	}

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd lease keepalive ended", "service", serviceName, "addr", instance.Addr)
	}()
	return nil
}

// Deregister removes an instance and revokes its lease. Servers call it on
// Stop before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := servicePrefix(serviceName) + addr
	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.release(ctx, l)
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// release stops renewing a lease and revokes it, which also deletes every
// key still attached to it.
func (r *EtcdRegistry) release(ctx context.Context, l lease) {
	l.cancel()
	if _, err := r.client.Revoke(ctx, l.id); err != nil {
		r.logger.Warn("etcd lease revoke failed", "lease", int64(l.id), "err", err)
	}
}

// Watch uses etcd's server-push Watch API and re-fetches the full list on
// every change.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("etcd discover after watch event failed", "service", serviceName, "err", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance registered under /track-rpc/{serviceName}/.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", "key", string(kv.Key), "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close releases the etcd client. Leases still held stop being renewed and
// expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
