package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/stonegate/slgcore/internal/mlog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConnection is a hub for the discovery/registry (C7) hierarchical KV
// store — the concrete stand-in for the spec's "ZK-like" store.
type EtcdConnection struct {
	Endpoints   string // comma-separated
	DialTimeout time.Duration
	Logger      mlog.Logger

	client *clientv3.Client
}

func (ec *EtcdConnection) Connect() error {
	ec.Logger.Info("connecting to etcd...")

	dialTimeout := ec.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(ec.Endpoints, ","),
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("store: connect etcd: %w", err)
	}

	ec.client = client

	ec.Logger.Info("connected to etcd")

	return nil
}

// GetClient returns the etcd client, connecting on first use.
func (ec *EtcdConnection) GetClient() (*clientv3.Client, error) {
	if ec.client == nil {
		if err := ec.Connect(); err != nil {
			return nil, err
		}
	}

	return ec.client, nil
}

// Close releases the underlying client.
func (ec *EtcdConnection) Close() error {
	if ec.client != nil {
		return ec.client.Close()
	}

	return nil
}
