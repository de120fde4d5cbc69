// Package discovery is the hierarchical-KV service registry (C7): a
// ZK-like store rooted at /rpc, backed concretely by etcd (the nearest
// hierarchical-KV-with-ephemeral-nodes-and-watch client in the retrieval
// pack — spec.md §4.7 treats the store as an external collaborator
// consumed through exactly this shape).
package discovery

import (
	"strings"
	"time"
)

// Root is the etcd path prefix every serviceKey is registered under.
const Root = "/rpc"

// StatusUp and StatusDraining are the two ServiceInstance.Status values
// discover() and graceful unregister care about.
const (
	StatusUp       = "UP"
	StatusDraining = "DRAINING"
)

// ServiceInstance is the JSON value stored at a registered node (spec.md
// §6 "Discovery path layout").
type ServiceInstance struct {
	ServiceKey   string            `json:"serviceKey"`
	Address      string            `json:"address"`
	ServerID     int64             `json:"serverId"`
	Weight       int               `json:"weight"`
	Status       string            `json:"status"`
	RegisterTime int64             `json:"registerTime"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ServiceKey builds the canonical "interfaceName#serverId" key.
func ServiceKey(iface string, serverID int64) string {
	return iface + "#" + intToString(serverID)
}

func intToString(n int64) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}

// PathSafe replaces '.', '#', ':' with '_' so a serviceKey is a legal node
// name (spec.md §6): "com.x.IGameService#2" -> "com_x_IGameService_2".
func PathSafe(serviceKey string) string {
	r := strings.NewReplacer(".", "_", "#", "_", ":", "_")
	return r.Replace(serviceKey)
}

// NodePath returns the full etcd key for a registered instance.
func NodePath(serviceKey string) string {
	return Root + "/" + PathSafe(serviceKey)
}

// nowMillis is exposed as a var so tests can freeze time without Date.now
// semantics leaking into production code paths.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
