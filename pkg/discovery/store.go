package discovery

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is the minimal ZK-like surface the registry needs: put (optionally
// ephemeral, via an etcd lease), get, list-by-prefix, delete, and a
// callback-driven watch. Defined as an interface so tests substitute an
// in-memory fake instead of a live etcd cluster.
type Store interface {
	Put(ctx context.Context, path string, data []byte, ephemeral bool) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, path string) error
	Watch(ctx context.Context, path string, onEvent func(put bool, data []byte))
}

// leaseTTLSeconds is how long an ephemeral node survives without a
// keepalive heartbeat from the owning process.
const leaseTTLSeconds = 10

// EtcdStore implements Store against a live *clientv3.Client.
type EtcdStore struct {
	Client *clientv3.Client

	leases map[string]clientv3.LeaseID
}

// NewEtcdStore wraps an already-connected etcd client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{Client: client, leases: map[string]clientv3.LeaseID{}}
}

func (s *EtcdStore) Put(ctx context.Context, path string, data []byte, ephemeral bool) error {
	if !ephemeral {
		_, err := s.Client.Put(ctx, path, string(data))
		return err
	}

	lease, err := s.Client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	if _, err := s.Client.Put(ctx, path, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put %s: %w", path, err)
	}

	keepAlive, err := s.Client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive %s: %w", path, err)
	}

	s.leases[path] = lease.ID

	go func() {
		for range keepAlive {
			// drain keepalive acks; the channel closes on session loss,
			// and nothing here re-registers the node when that happens.
		}
	}()

	return nil
}

func (s *EtcdStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	resp, err := s.Client.Get(ctx, path)
	if err != nil {
		return nil, false, fmt.Errorf("discovery: get %s: %w", path, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	return resp.Kvs[0].Value, true, nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := s.Client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: list %s: %w", prefix, err)
	}

	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}

	return out, nil
}

func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	_, err := s.Client.Delete(ctx, path)
	return err
}

// Watch fires onEvent(true, data) on every put and onEvent(false, nil) on
// delete, until ctx is cancelled. Runs in the caller's goroutine.
func (s *EtcdStore) Watch(ctx context.Context, path string, onEvent func(put bool, data []byte)) {
	wc := s.Client.Watch(ctx, path, clientv3.WithPrefix())

	for resp := range wc {
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				onEvent(true, ev.Kv.Value)
			case clientv3.EventTypeDelete:
				onEvent(false, nil)
			}
		}
	}
}
