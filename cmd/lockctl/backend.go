package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-lockreg/v1/store"
	"github.com/mirkobrombin/go-lockreg/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// backend bundles the store and optional bus a registry runs on.
type backend struct {
	store   store.Store
	bus     syncbus.Bus
	closers []func() error
}

func openBackend(ctx context.Context, cfg *Config) (*backend, error) {
	b := &backend{}
	switch cfg.Backend {
	case "memory":
		b.store = store.NewInMemory()
		b.bus = syncbus.NewInMemoryBus()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			DialTimeout: cfg.DialTimeout,
		})
		pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		b.store = store.NewRedis(client, store.WithTimeout(cfg.DialTimeout))
		b.bus = syncbus.NewRedisBus(client)
		b.closers = append(b.closers, client.Close)
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd %v: %w", cfg.EtcdEndpoints, err)
		}
		b.store = store.NewEtcd(client, cfg.DialTimeout)
		b.closers = append(b.closers, client.Close)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Timeout(cfg.DialTimeout))
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
		b.bus = syncbus.NewNATSBus(nc)
		b.closers = append(b.closers, func() error {
			nc.Close()
			return nil
		})
	}
	if _, local := b.bus.(*syncbus.InMemoryBus); b.bus != nil && !local {
		b.bus = syncbus.NewCircuitBreaker(b.bus, breakerThreshold, breakerCooldown)
	}
	return b, nil
}

// Close releases every connection opened by openBackend.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}
