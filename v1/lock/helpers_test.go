package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockreg/v1/store"
	"github.com/mirkobrombin/go-lockreg/v1/syncbus"
)

func owner(id string) context.Context {
	return WithOwner(context.Background(), id)
}

func newTestRegistry(t *testing.T, s store.Store, namespace string, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	r := NewRegistry(s, namespace, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// newRedisBackend returns a store backed by miniredis. The server clock only
// moves through FastForward.
func newRedisBackend(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return store.NewRedis(client), mr
}

func namespace() string {
	return uuid.NewString()
}

// flakyStore wraps a Store and fails every call while broken is set.
type flakyStore struct {
	store.Store
	broken atomic.Bool
}

var errBackendDown = errors.New("backend down")

func (s *flakyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.broken.Load() {
		return false, errBackendDown
	}
	return s.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (s *flakyStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if s.broken.Load() {
		return false, errBackendDown
	}
	return s.Store.DeleteIfValue(ctx, key, value)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// slowBus delays Subscribe and Publish by delay unless ctx ends first.
type slowBus struct {
	*syncbus.InMemoryBus
	delay time.Duration
}

func (b *slowBus) wait(ctx context.Context) error {
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *slowBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.InMemoryBus.Subscribe(ctx, key)
}

func (b *slowBus) Publish(ctx context.Context, key string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	return b.InMemoryBus.Publish(ctx, key)
}
