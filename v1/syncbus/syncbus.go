// Package syncbus carries lightweight notifications between registries so a
// waiter can retry as soon as a lease is released instead of sleeping out its
// whole poll interval. Delivery is best effort: a lost message only delays a
// waiter until its next poll.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a keyed pub/sub channel. Channels returned by Subscribe have a
// buffer of one and are closed on Unsubscribe or when the subscribe context is
// done.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports bus activity counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus for registries sharing a
// process.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	// delivery stays under mu so Unsubscribe cannot close a channel mid-send
	b.mu.Lock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range b.subs[key] {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	watch(ctx, func() { _ = b.Unsubscribe(context.Background(), key, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Unknown channels are ignored.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// watch runs fn once ctx is done. Contexts that can never be cancelled do not
// start a goroutine.
func watch(ctx context.Context, fn func()) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		fn()
	}()
}
