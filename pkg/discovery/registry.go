package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/stonegate/slgcore/internal/mlog"
)

// Registry is the concrete discover()/register() surface of spec.md §4.7:
// an etcd-backed Store fronted by a redis secondary cache, with
// singleflight collapsing concurrent cache-fill misses for the same
// serviceKey, watch-driven re-reads, and an offline-callback hook fired on
// node deletion.
type Registry struct {
	store  Store
	redis  *redis.Client
	logger mlog.Logger

	group singleflight.Group

	mu        sync.Mutex
	cache     map[string][]ServiceInstance // serviceKey (or iface prefix) -> instances
	local     map[string]ServiceInstance   // serviceKey -> the instance this process registered
	watchers  map[string]struct{}          // serviceKeys already being watched
	onChange  []func(serviceKey string, instances []ServiceInstance)
	onOffline []func(serviceKey string)
}

// NewRegistry builds a Registry. redisClient may be nil, disabling the
// secondary cache.
func NewRegistry(store Store, redisClient *redis.Client, logger mlog.Logger) *Registry {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &Registry{
		store:    store,
		redis:    redisClient,
		logger:   logger,
		cache:    map[string][]ServiceInstance{},
		local:    map[string]ServiceInstance{},
		watchers: map[string]struct{}{},
	}
}

// OnChange registers a subscriber fired with the full, current address
// list whenever a watched serviceKey's node set changes.
func (r *Registry) OnChange(f func(serviceKey string, instances []ServiceInstance)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, f)
	r.mu.Unlock()
}

// OnOffline registers a subscriber fired with the serviceKey of a node
// deleted out from under a watcher.
func (r *Registry) OnOffline(f func(serviceKey string)) {
	r.mu.Lock()
	r.onOffline = append(r.onOffline, f)
	r.mu.Unlock()
}

// Register publishes inst as an ephemeral node and remembers it locally so
// ReregisterAll can republish it after a session loss.
func (r *Registry) Register(ctx context.Context, inst ServiceInstance) error {
	inst.Status = StatusUp
	inst.RegisterTime = nowMillis()

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("discovery: marshal instance: %w", err)
	}

	if err := r.store.Put(ctx, NodePath(inst.ServiceKey), data, true); err != nil {
		return err
	}

	r.mu.Lock()
	r.local[inst.ServiceKey] = inst
	r.mu.Unlock()

	r.logger.Infof("discovery: registered %s at %s", inst.ServiceKey, inst.Address)

	return nil
}

// ReregisterAll republishes every locally-registered instance. The registry
// does not detect a store session loss itself and never calls this on its
// own; it runs only when a caller invokes it.
func (r *Registry) ReregisterAll(ctx context.Context) {
	r.mu.Lock()
	instances := make([]ServiceInstance, 0, len(r.local))
	for _, inst := range r.local {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	for _, inst := range instances {
		if err := r.Register(ctx, inst); err != nil {
			r.logger.Errorf("discovery: reregister %s failed: %v", inst.ServiceKey, err)
		}
	}
}

// Unregister performs a graceful drain: flip status to DRAINING, wait
// drainTime, then delete the node.
func (r *Registry) Unregister(ctx context.Context, serviceKey string, drainTime time.Duration) error {
	r.mu.Lock()
	inst, ok := r.local[serviceKey]
	r.mu.Unlock()

	if ok {
		inst.Status = StatusDraining
		if data, err := json.Marshal(inst); err == nil {
			_ = r.store.Put(ctx, NodePath(serviceKey), data, true)
		}
	}

	if drainTime > 0 {
		select {
		case <-time.After(drainTime):
		case <-ctx.Done():
		}
	}

	if err := r.store.Delete(ctx, NodePath(serviceKey)); err != nil {
		return fmt.Errorf("discovery: unregister %s: %w", serviceKey, err)
	}

	r.mu.Lock()
	delete(r.local, serviceKey)
	r.mu.Unlock()

	return nil
}

// Discover implements spec.md §4.7's discover(iface#serverId): an exact
// node read when serverId != 0, else a prefix listing filtered to UP
// instances. Results are cached (redis first, then the store) and a watch
// is installed the first time a given key is discovered.
func (r *Registry) Discover(ctx context.Context, iface string, serverID int64) ([]ServiceInstance, error) {
	key := ServiceKey(iface, serverID)

	if cached, ok := r.readCache(key); ok {
		return cached, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		instances, ferr := r.fill(ctx, iface, serverID)
		if ferr != nil {
			return nil, ferr
		}

		r.writeCache(key, instances)
		r.ensureWatch(ctx, iface, serverID, key)

		return instances, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]ServiceInstance), nil
}

func (r *Registry) fill(ctx context.Context, iface string, serverID int64) ([]ServiceInstance, error) {
	if serverID != 0 {
		data, ok, err := r.store.Get(ctx, NodePath(ServiceKey(iface, serverID)))
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, nil
		}

		var inst ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("discovery: unmarshal instance: %w", err)
		}

		if inst.Status != StatusUp {
			return nil, nil
		}

		return []ServiceInstance{inst}, nil
	}

	prefix := Root + "/" + PathSafe(iface) + "_"

	children, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(children))

	for _, data := range children {
		var inst ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}

		if inst.Status == StatusUp {
			instances = append(instances, inst)
		}
	}

	return instances, nil
}

func (r *Registry) readCache(key string) ([]ServiceInstance, bool) {
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, true
	}
	r.mu.Unlock()

	if r.redis == nil {
		return nil, false
	}

	raw, err := r.redis.Get(context.Background(), redisCacheKey(key)).Result()
	if err != nil {
		return nil, false
	}

	var instances []ServiceInstance
	if err := json.Unmarshal([]byte(raw), &instances); err != nil {
		return nil, false
	}

	r.mu.Lock()
	r.cache[key] = instances
	r.mu.Unlock()

	return instances, true
}

func (r *Registry) writeCache(key string, instances []ServiceInstance) {
	r.mu.Lock()
	r.cache[key] = instances
	r.mu.Unlock()

	if r.redis == nil {
		return
	}

	data, err := json.Marshal(instances)
	if err != nil {
		return
	}

	r.redis.Set(context.Background(), redisCacheKey(key), data, 30*time.Second)
}

func (r *Registry) invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()

	if r.redis != nil {
		r.redis.Del(context.Background(), redisCacheKey(key))
	}
}

func redisCacheKey(key string) string { return "slgcore:discovery:" + key }

// Snapshot lists every instance currently registered under Root, for
// admin/ops introspection. Unlike Discover it bypasses the cache and
// singleflight group entirely, since it's a point-in-time dump rather than
// a hot lookup path.
func (r *Registry) Snapshot(ctx context.Context) ([]ServiceInstance, error) {
	children, err := r.store.List(ctx, Root+"/")
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(children))

	for _, data := range children {
		var inst ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}

		instances = append(instances, inst)
	}

	return instances, nil
}

// ensureWatch installs a watch on the discovered node(s) exactly once per
// key: re-reads on change, invalidates caches, fires subscribers, and — on
// delete of an exact (serverId != 0) node — fires the offline callback.
func (r *Registry) ensureWatch(ctx context.Context, iface string, serverID int64, key string) {
	r.mu.Lock()
	if _, already := r.watchers[key]; already {
		r.mu.Unlock()
		return
	}
	r.watchers[key] = struct{}{}
	r.mu.Unlock()

	var watchPath string
	if serverID != 0 {
		watchPath = NodePath(ServiceKey(iface, serverID))
	} else {
		watchPath = Root + "/" + PathSafe(iface) + "_"
	}

	go r.store.Watch(ctx, watchPath, func(put bool, data []byte) {
		r.invalidate(key)

		if !put && serverID != 0 {
			r.fireOffline(key)
			return
		}

		instances, err := r.fill(ctx, iface, serverID)
		if err != nil {
			r.logger.Errorf("discovery: watch re-read %s: %v", key, err)
			return
		}

		r.writeCache(key, instances)
		r.fireChange(key, instances)
	})
}

func (r *Registry) fireChange(serviceKey string, instances []ServiceInstance) {
	r.mu.Lock()
	subs := append([]func(string, []ServiceInstance){}, r.onChange...)
	r.mu.Unlock()

	for _, f := range subs {
		f(serviceKey, instances)
	}
}

func (r *Registry) fireOffline(serviceKey string) {
	r.mu.Lock()
	subs := append([]func(string){}, r.onOffline...)
	r.mu.Unlock()

	for _, f := range subs {
		f(serviceKey)
	}
}

// ParseServerID recovers the serverId suffix from a node name by splitting
// on the last '_', per spec.md §6 ("restoration splits on last `_`").
func ParseServerID(nodeName string) (int64, bool) {
	idx := strings.LastIndexByte(nodeName, '_')
	if idx < 0 {
		return 0, false
	}

	id, err := strconv.ParseInt(nodeName[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}
