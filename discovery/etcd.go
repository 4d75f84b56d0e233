// Package discovery provides etcd-backed seed bootstrap. It is
// deliberately narrow: once a node has learned a handful of peer
// addresses at startup, ongoing liveness tracking is SWIM's job, not
// etcd's. RegisterNode/WatchPeers exist so a fleet without static seeds
// can still find each other on first boot.
package discovery

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodesPrefix = "/zephyr/nodes/"

// NewClient dials an etcd cluster at the given endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a lease with the given TTL
// (seconds) and keeps it alive in the background. Callers should cancel
// the returned context.CancelFunc on shutdown to stop the keepalive
// goroutine, then revoke the lease.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}

	key := nodesPrefix + id
	if _, err := cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive %s: %w", id, err)
	}
	go func() {
		for range keepAlive {
			// drain acks; nothing to act on
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers does a one-shot read of every currently registered node,
// keyed by node ID. It is meant for seed bootstrap only: the caller
// hands the result to swim.Engine.Join and does not consult etcd again
// for liveness.
func GetPeers(cli *clientv3.Client, ctx context.Context) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: get peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := string(kv.Key)[len(nodesPrefix):]
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers streams the full node registry to onUpdate on every change.
// It is retained for parity with the teacher's original design but is
// not on SWIM's liveness path: a stale or dropped watch only affects
// discovery of brand-new nodes, never the failure detection of nodes
// already joined.
func WatchPeers(cli *clientv3.Client, onUpdate func(peers map[string]string)) {
	watchCh := cli.Watch(context.Background(), nodesPrefix, clientv3.WithPrefix())
	go func() {
		for range watchCh {
			peers, err := GetPeers(cli, context.Background())
			if err != nil {
				continue
			}
			onUpdate(peers)
		}
	}()
}
