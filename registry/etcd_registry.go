// etcd is a strongly consistent key-value store. It is used as the phonebook
// of dedicated servers:
//
//	Key:   /gbx-controller/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a server dies, its lease expires
// and the entry disappears, so controllers never dial ghosts.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/gbx-controller/"

func servicePrefix(service string) string { return keyPrefix + service + "/" }

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    zerolog.Logger

	mu     sync.Mutex
	leases map[string]registration // key -> lease of instances registered here
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{
		client: c,
		log:    log.Logger.With().Str("component", "registry").Logger(),
		leases: make(map[string]registration),
	}, nil
}

// Register puts the instance under a fresh lease and keeps the lease alive
// in the background.
//
// The lease lives in the leases map keyed by etcd key, not on the struct, so
// several servers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := servicePrefix(service) + instance.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// KeepAlive outlives the registering call, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.log.Info().Str("key", key).Int64("ttl", ttl).Msg("registered")
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before
// the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := servicePrefix(service) + addr

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			return fmt.Errorf("revoke lease: %w", err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the service prefix.
// That is simpler than applying individual watch events and the lists are
// small.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn().Err(err).Str("service", service).Msg("rediscover after watch event")
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

// Close stops every keepalive and closes the etcd client. Leases expire on
// their own afterwards.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
