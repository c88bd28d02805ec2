package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	lockerrors "github.com/mirkobrombin/go-lockreg/v1/errors"
	"github.com/mirkobrombin/go-lockreg/v1/metrics"
)

var (
	// ErrNotOwner is returned by Unlock when the caller does not hold the lock.
	ErrNotOwner = errors.New("lock: not held by caller")
	// ErrLeaseExpired is returned by Unlock when the store key had already
	// expired or been claimed by another holder. Local state is cleared anyway.
	ErrLeaseExpired = errors.New("lock: lease was released in the store due to expiration")
	// ErrInterrupted is returned when the context is cancelled while waiting.
	ErrInterrupted = errors.New("lock: interrupted while acquiring")
	// ErrNoOwner is returned when the context carries no owner id.
	ErrNoOwner = errors.New("lock: context has no owner")
)

// State describes the local view of a Lock.
type State int

const (
	Unheld State = iota
	// Acquiring means a local caller passed the local gate and is contending
	// for the store key.
	Acquiring
	Held
)

func (s State) String() string {
	switch s {
	case Unheld:
		return "unheld"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// publishTimeout bounds a release notification.
const publishTimeout = 5 * time.Second

type acquireMode int

const (
	modeTry acquireMode = iota
	modeTimeout
	modeBlocking
	modeInterruptible
)

// Lock is a reentrant lease lock for one resource name. Locks are created by
// Registry.Obtain and must not be copied.
type Lock struct {
	r    *Registry
	name string
	key  string

	// gate serializes local contenders and stays acquired for the whole hold.
	gate *semaphore.Weighted

	mu        sync.Mutex
	owner     string
	holds     int
	token     string
	acquiring bool

	pending  atomic.Int32
	lastUsed atomic.Int64
}

func newLock(r *Registry, name string) *Lock {
	return &Lock{
		r:    r,
		name: name,
		key:  r.namespace + ":" + name,
		gate: semaphore.NewWeighted(1),
	}
}

// Name returns the resource name guarded by the lock.
func (l *Lock) Name() string { return l.name }

// Key returns the store key of the lock.
func (l *Lock) Key() string { return l.key }

// State returns the local state of the lock.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.holds > 0:
		return Held
	case l.acquiring:
		return Acquiring
	default:
		return Unheld
	}
}

// IsHeld reports whether some owner in this registry holds the lock.
func (l *Lock) IsHeld() bool {
	return l.State() == Held
}

// HoldCount returns how many times the current owner acquired the lock.
func (l *Lock) HoldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds
}

func (l *Lock) String() string {
	return fmt.Sprintf("Lock[key=%s, state=%s]", l.key, l.State())
}

func (l *Lock) touch() {
	l.lastUsed.Store(l.r.now().UnixNano())
}

func (l *Lock) lastUsedNano() int64 {
	return l.lastUsed.Load()
}

func (l *Lock) inUse() bool {
	if l.pending.Load() > 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds > 0 || l.acquiring
}

// Lock blocks until the lock is acquired. Cancellation of ctx is ignored;
// only store failures end the wait.
func (l *Lock) Lock(ctx context.Context) error {
	_, err := l.acquire(ctx, modeBlocking, 0)
	return err
}

// LockInterruptibly blocks until the lock is acquired or ctx is done, in
// which case ErrInterrupted is returned and the lock is left untouched.
func (l *Lock) LockInterruptibly(ctx context.Context) error {
	_, err := l.acquire(ctx, modeInterruptible, 0)
	return err
}

// TryLock makes a single acquisition attempt without waiting.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	return l.acquire(ctx, modeTry, 0)
}

// TryLockTimeout retries acquisition until it succeeds or timeout elapses.
// It returns false without error on timeout and ErrInterrupted if ctx is
// cancelled first.
func (l *Lock) TryLockTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return l.acquire(ctx, modeTry, 0)
	}
	return l.acquire(ctx, modeTimeout, timeout)
}

// RemainingTTL returns the remaining lease of the store key.
func (l *Lock) RemainingTTL(ctx context.Context) (time.Duration, bool, error) {
	ttl, ok, err := l.r.store.TTL(ctx, l.key)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", lockerrors.ErrStoreUnavailable, err)
	}
	return ttl, ok, nil
}

// reenter increments the hold count when owner already holds the lock.
func (l *Lock) reenter(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holds > 0 && l.owner == owner {
		l.holds++
		return true
	}
	return false
}

func (l *Lock) acquire(ctx context.Context, mode acquireMode, timeout time.Duration) (bool, error) {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return false, ErrNoOwner
	}
	l.touch()
	if l.reenter(owner) {
		l.record(metrics.ResultReentrant)
		return true, nil
	}

	var span trace.Span
	if l.r.tracer != nil {
		ctx, span = l.r.tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("lock.key", l.key),
			attribute.String("lock.owner", owner),
		))
		defer span.End()
	}

	l.pending.Add(1)
	defer l.pending.Add(-1)
	l.r.reinstate(l)

	start := time.Now()
	ok, result, err := l.contend(ctx, mode, timeout, owner)
	l.touch()
	l.record(result)
	if span != nil {
		span.SetAttributes(attribute.String("lock.result", result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if ok {
		metrics.AcquireWait.WithLabelValues(l.r.namespace).Observe(time.Since(start).Seconds())
		l.r.logger.Debug("lock acquired", "key", l.key, "owner", owner, "wait", time.Since(start))
	} else if err != nil {
		l.r.logger.Debug("lock acquisition failed", "key", l.key, "owner", owner, "error", err)
	}
	return ok, err
}

// contend runs the local gate and the distributed attempts. It reports the
// metrics result alongside the outcome.
func (l *Lock) contend(ctx context.Context, mode acquireMode, timeout time.Duration, owner string) (bool, string, error) {
	waitCtx := ctx
	var deadline time.Time
	switch mode {
	case modeBlocking:
		waitCtx = context.WithoutCancel(ctx)
	case modeTimeout:
		deadline = time.Now().Add(timeout)
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if mode == modeTry {
		if !l.gate.TryAcquire(1) {
			return false, metrics.ResultBusy, nil
		}
	} else if err := l.gate.Acquire(waitCtx, 1); err != nil {
		return l.interrupted(ctx, mode, err)
	}
	l.setAcquiring(true)

	token := l.r.id + ":" + owner + ":" + uuid.NewString()
	var (
		wake       chan struct{}
		subscribed bool
	)
	for {
		won, err := l.r.store.SetIfAbsent(waitCtx, l.key, token, l.r.lease)
		if err != nil {
			l.abort()
			if waitCtx.Err() != nil {
				return l.interrupted(ctx, mode, err)
			}
			return false, metrics.ResultError, fmt.Errorf("%w: acquire %s: %w", lockerrors.ErrStoreUnavailable, l.key, err)
		}
		if won {
			l.commit(owner, token)
			return true, metrics.ResultAcquired, nil
		}
		if mode == modeTry {
			l.abort()
			return false, metrics.ResultBusy, nil
		}
		if !subscribed && l.r.bus != nil {
			subscribed = true
			subCtx, cancel := context.WithCancel(waitCtx)
			defer cancel()
			ch, err := l.r.bus.Subscribe(subCtx, unlockTopic(l.key))
			if err != nil {
				l.r.logger.Debug("unlock subscription failed", "key", l.key, "error", err)
			} else {
				wake = ch
			}
		}
		if err := l.pause(waitCtx, wake, deadline); err != nil {
			l.abort()
			return l.interrupted(ctx, mode, err)
		}
	}
}

// interrupted classifies a wait that ended early. The caller's context wins
// over the private deadline of TryLockTimeout.
func (l *Lock) interrupted(ctx context.Context, mode acquireMode, cause error) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, metrics.ResultInterrupted, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if mode == modeTimeout {
		return false, metrics.ResultTimeout, nil
	}
	return false, metrics.ResultError, fmt.Errorf("%w: acquire %s: %w", lockerrors.ErrStoreUnavailable, l.key, cause)
}

// pause waits for the poll interval, a release notification, the deadline or
// ctx, whichever comes first.
func (l *Lock) pause(ctx context.Context, wake <-chan struct{}, deadline time.Time) error {
	d := l.r.poll
	if !deadline.IsZero() {
		left := time.Until(deadline)
		if left <= 0 {
			return context.DeadlineExceeded
		}
		if left < d {
			d = left
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lock) setAcquiring(v bool) {
	l.mu.Lock()
	l.acquiring = v
	l.mu.Unlock()
}

func (l *Lock) commit(owner, token string) {
	l.mu.Lock()
	l.owner = owner
	l.token = token
	l.holds = 1
	l.acquiring = false
	l.mu.Unlock()
}

func (l *Lock) abort() {
	l.setAcquiring(false)
	l.gate.Release(1)
}

func (l *Lock) record(result string) {
	metrics.AcquireCounter.WithLabelValues(l.r.namespace, result).Inc()
}

// Unlock releases one hold of the lock. When the last hold is released the
// store key is deleted if it still carries this holder's token; otherwise
// ErrLeaseExpired is returned after clearing the local state.
func (l *Lock) Unlock(ctx context.Context) error {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return ErrNoOwner
	}
	l.touch()

	l.mu.Lock()
	if l.holds == 0 || l.owner != owner {
		l.mu.Unlock()
		metrics.ReleaseCounter.WithLabelValues(l.r.namespace, metrics.ResultNotOwner).Inc()
		return fmt.Errorf("%w: %s", ErrNotOwner, l.key)
	}
	l.holds--
	if l.holds > 0 {
		l.mu.Unlock()
		metrics.ReleaseCounter.WithLabelValues(l.r.namespace, metrics.ResultReentrant).Inc()
		return nil
	}
	token := l.token
	l.owner, l.token = "", ""
	l.mu.Unlock()

	var span trace.Span
	if l.r.tracer != nil {
		ctx, span = l.r.tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
			attribute.String("lock.key", l.key),
			attribute.String("lock.owner", owner),
		))
		defer span.End()
	}

	sctx := context.WithoutCancel(ctx)
	deleted, err := l.r.store.DeleteIfValue(sctx, l.key, token)
	l.gate.Release(1)

	switch {
	case err != nil:
		err = fmt.Errorf("%w: release %s: %w", lockerrors.ErrStoreUnavailable, l.key, err)
		metrics.ReleaseCounter.WithLabelValues(l.r.namespace, metrics.ResultError).Inc()
		l.r.logger.Error("lock release failed", "key", l.key, "owner", owner, "error", err)
	case !deleted:
		err = fmt.Errorf("%w: %s", ErrLeaseExpired, l.key)
		metrics.ReleaseCounter.WithLabelValues(l.r.namespace, metrics.ResultExpired).Inc()
		l.r.logger.Warn("lease expired before release", "key", l.key, "owner", owner)
	default:
		metrics.ReleaseCounter.WithLabelValues(l.r.namespace, metrics.ResultReleased).Inc()
		l.r.logger.Debug("lock released", "key", l.key, "owner", owner)
		if l.r.bus != nil {
			go l.notifyReleased(sctx)
		}
	}
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// notifyReleased wakes remote waiters. It runs off the Unlock path so a slow
// broker only delays waiters until their next poll.
func (l *Lock) notifyReleased(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := l.r.bus.Publish(ctx, unlockTopic(l.key)); err != nil {
		l.r.logger.Debug("unlock notification failed", "key", l.key, "error", err)
	}
}

func unlockTopic(key string) string {
	return "unlock:" + key
}
