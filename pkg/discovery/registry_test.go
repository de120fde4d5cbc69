package discovery_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonegate/slgcore/pkg/discovery"
)

// fakeStore is an in-memory Store standing in for etcd in tests.
type fakeStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string][]func(bool, []byte)
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, watchers: map[string][]func(bool, []byte){}}
}

func (s *fakeStore) Put(_ context.Context, path string, data []byte, _ bool) error {
	s.mu.Lock()
	s.data[path] = data
	cbs := s.matchingWatchers(path)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(true, data)
	}

	return nil
}

func (s *fakeStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[path]

	return v, ok, nil
}

func (s *fakeStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string][]byte{}

	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}

	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.data, path)
	cbs := s.matchingWatchers(path)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(false, nil)
	}

	return nil
}

func (s *fakeStore) Watch(ctx context.Context, path string, onEvent func(bool, []byte)) {
	s.mu.Lock()
	s.watchers[path] = append(s.watchers[path], onEvent)
	s.mu.Unlock()
	<-ctx.Done() // block like the real etcd watch channel until ctx cancellation
}

func (s *fakeStore) matchingWatchers(path string) []func(bool, []byte) {
	var out []func(bool, []byte)

	for p, cbs := range s.watchers {
		if path == p || strings.HasPrefix(path, p) {
			out = append(out, cbs...)
		}
	}

	return out
}

func TestRegistry_DiscoverExactNode(t *testing.T) {
	store := newFakeStore()
	reg := discovery.NewRegistry(store, nil, nil)

	inst := discovery.ServiceInstance{ServiceKey: "IGameService#2", Address: "10.0.0.1:9000", ServerID: 2}
	require.NoError(t, reg.Register(context.Background(), inst))

	got, err := reg.Discover(context.Background(), "IGameService", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1:9000", got[0].Address)
	assert.Equal(t, discovery.StatusUp, got[0].Status)
}

func TestRegistry_DiscoverWildcardListsAllUp(t *testing.T) {
	store := newFakeStore()
	reg := discovery.NewRegistry(store, nil, nil)

	require.NoError(t, reg.Register(context.Background(), discovery.ServiceInstance{ServiceKey: "IGameService#1", Address: "a:1"}))
	require.NoError(t, reg.Register(context.Background(), discovery.ServiceInstance{ServiceKey: "IGameService#2", Address: "b:1"}))

	got, err := reg.Discover(context.Background(), "IGameService", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRegistry_UnregisterDrainsThenDeletes(t *testing.T) {
	store := newFakeStore()
	reg := discovery.NewRegistry(store, nil, nil)

	require.NoError(t, reg.Register(context.Background(), discovery.ServiceInstance{ServiceKey: "IGameService#2", Address: "a:1"}))

	require.NoError(t, reg.Unregister(context.Background(), "IGameService#2", time.Millisecond))

	_, ok, err := store.Get(context.Background(), discovery.NodePath("IGameService#2"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseServerID(t *testing.T) {
	id, ok := discovery.ParseServerID("IGameService_2")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestServiceInstance_JSONRoundTrip(t *testing.T) {
	inst := discovery.ServiceInstance{ServiceKey: "X#1", Address: "h:1", ServerID: 1, Weight: 5, Status: "UP", Metadata: map[string]string{"zone": "us"}}

	data, err := json.Marshal(inst)
	require.NoError(t, err)

	var got discovery.ServiceInstance
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, inst, got)
}
