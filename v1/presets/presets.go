// Package presets wires stores and buses into ready to use lock registries
// for the common deployments.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-lockreg/v1/lock"
	"github.com/mirkobrombin/go-lockreg/v1/store"
	"github.com/mirkobrombin/go-lockreg/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	storeTimeout     = 5 * time.Second
)

// NewInMemoryStandalone returns a registry whose store and bus live in the
// current process. Useful for tests and single-node deployments.
func NewInMemoryStandalone(namespace string, opts ...lock.Option) *lock.Registry {
	base := []lock.Option{lock.WithBus(syncbus.NewInMemoryBus())}
	return lock.NewRegistry(store.NewInMemory(), namespace, append(base, opts...)...)
}

// NewRedis returns a registry arbitrating through client. Releases are
// broadcast over Redis pub/sub behind a circuit breaker. The caller keeps
// ownership of client.
func NewRedis(client redis.UniversalClient, namespace string, opts ...lock.Option) *lock.Registry {
	bus := syncbus.NewCircuitBreaker(syncbus.NewRedisBus(client), breakerThreshold, breakerCooldown)
	base := []lock.Option{lock.WithBus(bus)}
	return lock.NewRegistry(store.NewRedis(client, store.WithTimeout(storeTimeout)), namespace, append(base, opts...)...)
}

// NewEtcd returns a registry arbitrating through an etcd cluster. Waiters
// rely on polling unless a bus is supplied with lock.WithBus.
func NewEtcd(client *clientv3.Client, namespace string, opts ...lock.Option) *lock.Registry {
	return lock.NewRegistry(store.NewEtcd(client, storeTimeout), namespace, opts...)
}
