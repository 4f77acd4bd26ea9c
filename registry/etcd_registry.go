package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"binrpc/errors"
	"binrpc/logger"
	"github.com/puzpuzpuz/xsync/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key. An endpoint lives at
//
//	/binrpc/{service}/{address} = JSON Endpoint
//
// attached to a lease that is kept alive until Deregister or Close.
const KeyPrefix = "/binrpc/"

const minTTL = time.Second

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

type EtcdRegistry struct {
	client        *clientv3.Client
	log           *zap.SugaredLogger
	registrations *xsync.MapOf[string, *registration]
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &EtcdRegistry{
		client:        c,
		log:           logger.Named("registry"),
		registrations: xsync.NewMapOf[string, *registration](),
	}, nil
}

func serviceKey(service string) string {
	return KeyPrefix + service + "/"
}

func endpointKey(service string, address string) string {
	return serviceKey(service) + address
}

func (r *EtcdRegistry) Register(ctx context.Context, service string, endpoint Endpoint, ttl time.Duration) error {
	if ttl < minTTL {
		ttl = minTTL
	}
	lease, err := r.client.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return errors.Wrapf(err, "grant lease for %s", service)
	}
	val, err := json.Marshal(endpoint)
	if err != nil {
		return errors.WithStack(err)
	}
	key := endpointKey(service, endpoint.Address)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// the keep alive outlives ctx, it stops on Deregister or Close
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "keep alive %s", key)
	}
	go func() {
		for range ch {
		}
		if keepCtx.Err() == nil {
			r.log.Warnf("lease of %s lost", key)
		}
	}()
	if old, loaded := r.registrations.LoadAndStore(key, &registration{lease: lease.ID, cancel: cancel}); loaded {
		old.cancel()
	}
	r.log.Infof("registered %s at %s", service, endpoint.Address)
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, address string) error {
	key := endpointKey(service, address)
	if reg, ok := r.registrations.LoadAndDelete(key); ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.log.Debugf("revoke lease of %s: %v", key, err)
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var endpoint Endpoint
		if err := json.Unmarshal(kv.Value, &endpoint); err != nil {
			r.log.Warnf("skipping malformed entry %s: %v", strings.TrimPrefix(string(kv.Key), KeyPrefix), err)
			continue
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix())
		emit := func() bool {
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Debugf("watch %s: %v", service, err)
				return ctx.Err() == nil
			}
			select {
			case ch <- endpoints:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		// re-read the whole list rather than applying individual events
		for range watchChan {
			if !emit() {
				return
			}
		}
	}()
	return ch
}

// Close stops renewing every lease and closes the etcd client. Entries
// expire after their ttl.
func (r *EtcdRegistry) Close() error {
	r.registrations.Range(func(key string, reg *registration) bool {
		reg.cancel()
		r.registrations.Delete(key)
		return true
	})
	return errors.WithStack(r.client.Close())
}
