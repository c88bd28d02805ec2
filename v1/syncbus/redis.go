package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-lockreg/v1/errors"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus with Redis pub/sub. Each key maps to one Redis
// channel shared by all local subscribers of that key.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

func mapBusErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	default:
		return err
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, "1").Err(); err != nil {
		return mapBusErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so a publish issued afterwards is observed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapBusErr(err)
	}
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		watch(ctx, func() { _ = b.Unsubscribe(context.Background(), key, ch) })
		return ch, nil
	}
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	ps := b.client.Subscribe(cctx, key)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, mapBusErr(err)
	}

	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		// lost the race with a concurrent subscriber for the same key
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		_ = ps.Close()
	} else {
		sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
		b.subs[key] = sub
		b.mu.Unlock()
		go b.dispatch(key, sub)
	}
	watch(ctx, func() { _ = b.Unsubscribe(context.Background(), key, ch) })
	return ch, nil
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		if b.subs[key] != sub {
			b.mu.Unlock()
			return
		}
		for _, c := range sub.chans {
			select {
			case c <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()

	if err := sub.pubsub.Close(); err != nil {
		return mapBusErr(err)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
