package lock

import (
	"context"
	"math"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lockreg/v1/metrics"
	"github.com/mirkobrombin/go-lockreg/v1/store"
	"github.com/mirkobrombin/go-lockreg/v1/syncbus"
)

const tracerName = "github.com/mirkobrombin/go-lockreg/v1/lock"

const (
	// DefaultLeaseDuration is the TTL applied to a store key on acquisition.
	DefaultLeaseDuration = 60 * time.Second
	// DefaultPollInterval is the delay between two distributed acquisition
	// attempts of a waiting caller.
	DefaultPollInterval = 100 * time.Millisecond
)

// Registry hands out one Lock per resource name within a namespace and keeps
// them cached until an idle sweep removes them.
type Registry struct {
	namespace string
	store     store.Store
	id        string
	lease     time.Duration
	poll      time.Duration
	bus       syncbus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	locks *xsync.MapOf[string, *Lock]

	sweepInterval time.Duration
	sweepMaxIdle  time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithLeaseDuration sets the TTL applied to store keys on acquisition.
// Non-positive values are ignored.
func WithLeaseDuration(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithPollInterval sets how long a blocked caller waits between two
// distributed acquisition attempts. Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithLogger sets the logger used by the registry and its locks.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBus publishes release notifications on bus and lets waiters retry as
// soon as a notification for their key arrives.
func WithBus(bus syncbus.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans for acquisitions and releases,
// using the global tracer provider at the time the option is applied.
func WithTracing() Option {
	return func(r *Registry) {
		r.tracer = otel.Tracer(tracerName)
	}
}

// WithSweeper starts a background goroutine evicting locks idle for longer
// than maxIdle every interval. It stops on Close.
func WithSweeper(interval, maxIdle time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = interval
		r.sweepMaxIdle = maxIdle
	}
}

// NewRegistry returns a Registry whose locks live under namespace in s.
func NewRegistry(s store.Store, namespace string, opts ...Option) *Registry {
	r := &Registry{
		namespace: namespace,
		store:     s,
		id:        uuid.NewString(),
		lease:     DefaultLeaseDuration,
		poll:      DefaultPollInterval,
		logger:    slog.Default(),
		now:       time.Now,
		locks:     xsync.NewMapOf[string, *Lock](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "lockreg", "namespace", namespace)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.sweepInterval > 0 {
		r.wg.Add(1)
		go r.sweeper(ctx)
	}
	return r
}

// Namespace returns the key prefix of the registry.
func (r *Registry) Namespace() string {
	return r.namespace
}

// LeaseDuration returns the TTL applied on acquisition.
func (r *Registry) LeaseDuration() time.Duration {
	return r.lease
}

// Obtain returns the lock for name, creating it on first use. It never
// contacts the store.
//
// A caller keeping a *Lock across an eviction may end up with a different
// object than a later Obtain for the same name. Both still exclude each other
// through the store, but holds are not reentrant across the two objects, so
// an owner should acquire and release through the same *Lock.
func (r *Registry) Obtain(name string) *Lock {
	l, loaded := r.locks.LoadOrCompute(name, func() *Lock {
		return newLock(r, name)
	})
	if !loaded {
		metrics.CachedLocksGauge.WithLabelValues(r.namespace).Inc()
	}
	l.touch()
	return l
}

// Len returns the number of cached locks.
func (r *Registry) Len() int {
	return r.locks.Size()
}

// EvictIdleOlderThan removes cached locks that are neither held nor being
// acquired and were last used more than maxIdle ago. A non-positive maxIdle
// evicts every unheld lock. It returns the number of evicted entries.
func (r *Registry) EvictIdleOlderThan(maxIdle time.Duration) int {
	cutoff := int64(math.MaxInt64)
	if maxIdle > 0 {
		cutoff = r.now().Add(-maxIdle).UnixNano()
	}
	stale := func(l *Lock) bool {
		return l.lastUsedNano() <= cutoff && !l.inUse()
	}

	evicted := 0
	r.locks.Range(func(name string, l *Lock) bool {
		if !stale(l) {
			return true
		}
		r.locks.Compute(name, func(cur *Lock, loaded bool) (*Lock, bool) {
			if !loaded {
				return cur, true
			}
			if cur != l || !stale(cur) {
				return cur, false
			}
			evicted++
			return cur, true
		})
		return true
	})

	if evicted > 0 {
		metrics.EvictionCounter.WithLabelValues(r.namespace).Add(float64(evicted))
		metrics.CachedLocksGauge.WithLabelValues(r.namespace).Sub(float64(evicted))
		r.logger.Debug("evicted idle locks", "count", evicted, "max_idle", maxIdle)
	}
	return evicted
}

func (r *Registry) sweeper(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.EvictIdleOlderThan(r.sweepMaxIdle)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background sweeper. Cached locks and held leases are left
// untouched.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
	return nil
}

// reinstate puts l back into the cache if an eviction removed it while a
// caller still had a reference.
func (r *Registry) reinstate(l *Lock) {
	if _, loaded := r.locks.LoadOrStore(l.name, l); !loaded {
		metrics.CachedLocksGauge.WithLabelValues(r.namespace).Inc()
	}
}
