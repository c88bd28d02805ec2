package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-lockreg/v1/errors"
	"github.com/mirkobrombin/go-lockreg/v1/store"
	"github.com/mirkobrombin/go-lockreg/v1/syncbus"
)

func TestLockUnlockRepeatedly(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	ctx := owner("a")
	for i := 0; i < 10; i++ {
		l := r.Obtain("foo")
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if r.Len() != 1 {
			t.Fatalf("expected 1 cached lock, got %d", r.Len())
		}
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	}
	r.EvictIdleOlderThan(-time.Second)
	if r.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", r.Len())
	}
}

func TestLockInterruptiblyRepeatedly(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	ctx := owner("a")
	for i := 0; i < 10; i++ {
		l := r.Obtain("foo")
		if err := l.LockInterruptibly(ctx); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	}
}

func TestReentrantLock(t *testing.T) {
	s := store.NewInMemory()
	r := newTestRegistry(t, s, namespace())
	a, b := owner("a"), owner("b")

	l1 := r.Obtain("foo")
	if err := l1.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	l2 := r.Obtain("foo")
	if l2 != l1 {
		t.Fatal("expected the same lock")
	}
	if err := l2.LockInterruptibly(a); err != nil {
		t.Fatalf("reentrant lock: %v", err)
	}
	if l1.HoldCount() != 2 {
		t.Fatalf("expected hold count 2, got %d", l1.HoldCount())
	}

	if err := l2.Unlock(a); err != nil {
		t.Fatalf("first unlock: %v", err)
	}
	if !l1.IsHeld() {
		t.Fatal("lock released after first of two unlocks")
	}
	if _, found, _ := l1.RemainingTTL(context.Background()); !found {
		t.Fatal("store key removed while still reentrant-held")
	}
	if ok, err := l1.TryLock(b); err != nil || ok {
		t.Fatalf("other owner acquired a reentrant-held lock: ok %v err %v", ok, err)
	}

	if err := l1.Unlock(a); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("store key left after final unlock")
	}
	if ok, err := l1.TryLock(b); err != nil || !ok {
		t.Fatalf("other owner could not acquire: ok %v err %v", ok, err)
	}
	_ = l1.Unlock(b)
}

func TestTwoLocks(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	ctx := owner("a")
	for i := 0; i < 10; i++ {
		l1 := r.Obtain("foo")
		l2 := r.Obtain("bar")
		if l1 == l2 {
			t.Fatal("expected distinct locks")
		}
		if err := l1.LockInterruptibly(ctx); err != nil {
			t.Fatalf("lock foo: %v", err)
		}
		if err := l2.LockInterruptibly(ctx); err != nil {
			t.Fatalf("lock bar: %v", err)
		}
		_ = l2.Unlock(ctx)
		_ = l1.Unlock(ctx)
	}
}

func TestSecondOwnerFailsToGetLock(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	a := owner("a")
	l := r.Obtain("foo")
	if err := l.LockInterruptibly(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	type result struct {
		locked    bool
		unlockErr error
	}
	done := make(chan result, 1)
	go func() {
		b := owner("b")
		locked, _ := r.Obtain("foo").TryLockTimeout(b, 50*time.Millisecond)
		done <- result{locked: locked, unlockErr: r.Obtain("foo").Unlock(b)}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second owner never returned")
	}
	if res.locked {
		t.Fatal("second owner acquired a held lock")
	}
	if !errors.Is(res.unlockErr, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", res.unlockErr)
	}
	if err := l.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestSecondOwnerWaitsForRelease(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	assertHandOff(t, r, r)
}

func TestTwoRegistriesSameNamespace(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	assertHandOff(t, newTestRegistry(t, s, ns), newTestRegistry(t, s, ns))
}

func TestTwoRegistriesSameNamespaceRedis(t *testing.T) {
	s, _ := newRedisBackend(t)
	ns := namespace()
	assertHandOff(t, newTestRegistry(t, s, ns), newTestRegistry(t, s, ns))
}

// assertHandOff holds foo through r1 while a second owner blocks on r2, then
// checks the waiter gets the lock only after release.
func assertHandOff(t *testing.T, r1, r2 *Registry) {
	t.Helper()
	a := owner("a")
	l1 := r1.Obtain("foo")
	if err := l1.LockInterruptibly(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	var locked atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		b := owner("b")
		l2 := r2.Obtain("foo")
		close(started)
		if err := l2.LockInterruptibly(b); err != nil {
			finished <- err
			return
		}
		locked.Store(true)
		<-release
		finished <- l2.Unlock(b)
	}()

	<-started
	time.Sleep(50 * time.Millisecond)
	if locked.Load() {
		t.Fatal("second owner acquired while first still holds")
	}
	if err := l1.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	waitFor(t, 5*time.Second, locked.Load, "second owner never acquired")
	close(release)
	if err := <-finished; err != nil {
		t.Fatalf("second owner: %v", err)
	}
	r1.EvictIdleOlderThan(-time.Second)
	r2.EvictIdleOlderThan(-time.Second)
	if r1.Len() != 0 || r2.Len() != 0 {
		t.Fatalf("expected empty caches, got %d and %d", r1.Len(), r2.Len())
	}
}

func TestWrongOwnerUnlock(t *testing.T) {
	s := store.NewInMemory()
	r := newTestRegistry(t, s, namespace())
	a := owner("a")
	l := r.Obtain("foo")
	if err := l.LockInterruptibly(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Unlock(owner("b")) }()
	err := <-errCh
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if errors.Is(err, ErrLeaseExpired) {
		t.Fatal("not-owner must be distinct from lease expiry")
	}
	if !l.IsHeld() || l.HoldCount() != 1 {
		t.Fatalf("wrong-owner unlock changed state: %v holds %d", l.State(), l.HoldCount())
	}
	if s.Len() != 1 {
		t.Fatal("wrong-owner unlock touched the store key")
	}
	if err := l.Unlock(a); err != nil {
		t.Fatalf("owner unlock: %v", err)
	}
	if err := l.Unlock(a); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("unlock of unheld lock: expected ErrNotOwner, got %v", err)
	}
}

func TestEquals(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns)
	r3 := newTestRegistry(t, s, namespace())
	a, b := owner("a"), owner("b")

	l1, l2 := r1.Obtain("foo"), r1.Obtain("foo")
	if l1 != l2 {
		t.Fatal("same registry must return the same lock")
	}
	_ = l1.Lock(a)
	_ = l2.Lock(a)
	_ = l1.Unlock(a)
	_ = l2.Unlock(a)

	l1, l2 = r1.Obtain("foo"), r2.Obtain("foo")
	if l1 == l2 {
		t.Fatal("different registries must not share locks")
	}
	_ = l1.Lock(a)
	if ok, _ := l2.TryLock(b); ok {
		t.Fatal("same namespace must contend")
	}
	_ = l1.Unlock(a)

	l1, l2 = r1.Obtain("foo"), r3.Obtain("foo")
	if err := l1.Lock(a); err != nil {
		t.Fatalf("lock r1: %v", err)
	}
	if ok, err := l2.TryLock(b); err != nil || !ok {
		t.Fatalf("different namespace must not contend: ok %v err %v", ok, err)
	}
	_ = l1.Unlock(a)
	_ = l2.Unlock(b)
}

func TestExpireTwoRegistries(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns, WithLeaseDuration(30*time.Millisecond))
	r2 := newTestRegistry(t, s, ns, WithLeaseDuration(30*time.Millisecond))
	a, b := owner("a"), owner("b")
	l1, l2 := r1.Obtain("foo"), r2.Obtain("foo")

	if ok, _ := l1.TryLock(a); !ok {
		t.Fatal("first registry should acquire")
	}
	if ok, _ := l2.TryLock(b); ok {
		t.Fatal("second registry should be excluded")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, found, _ := l1.RemainingTTL(context.Background())
		return !found
	}, "foo key did not expire")
	if ok, _ := l2.TryLock(b); !ok {
		t.Fatal("second registry should acquire after expiry")
	}
	if ok, _ := l1.TryLock(owner("c")); ok {
		t.Fatal("first registry still holds locally and must refuse other owners")
	}
	if err := l1.Unlock(a); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
	if err := l2.Unlock(b); err != nil {
		t.Fatalf("unlock r2: %v", err)
	}
}

func TestUnlockAfterExpiry(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace(), WithLeaseDuration(time.Millisecond))
	a := owner("a")
	l := r.Obtain("foo")
	if ok, err := l.TryLock(a); err != nil || !ok {
		t.Fatalf("trylock: ok %v err %v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)
	err := l.Unlock(a)
	if !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
	if errors.Is(err, ErrNotOwner) {
		t.Fatal("lease expiry must be distinct from not-owner")
	}
	if l.State() != Unheld {
		t.Fatalf("local state not cleared: %v", l.State())
	}
	if ok, err := l.TryLock(owner("b")); err != nil || !ok {
		t.Fatalf("lock unusable after expiry: ok %v err %v", ok, err)
	}
}

func TestUnlockAfterExpiryRedis(t *testing.T) {
	s, mr := newRedisBackend(t)
	r := newTestRegistry(t, s, namespace(), WithLeaseDuration(100*time.Millisecond))
	a := owner("a")
	l := r.Obtain("foo")
	if ok, err := l.TryLock(a); err != nil || !ok {
		t.Fatalf("trylock: ok %v err %v", ok, err)
	}
	mr.FastForward(time.Second)
	if err := l.Unlock(a); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestUnlockAfterLeaseStolen(t *testing.T) {
	s, mr := newRedisBackend(t)
	ns := namespace()
	r1 := newTestRegistry(t, s, ns, WithLeaseDuration(100*time.Millisecond))
	r2 := newTestRegistry(t, s, ns)
	a, b := owner("a"), owner("b")
	if ok, _ := r1.Obtain("foo").TryLock(a); !ok {
		t.Fatal("first acquire failed")
	}
	mr.FastForward(time.Second)
	if ok, _ := r2.Obtain("foo").TryLock(b); !ok {
		t.Fatal("second registry should claim expired lease")
	}
	if err := r1.Obtain("foo").Unlock(a); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
	if !mr.Exists(ns + ":foo") {
		t.Fatal("stale holder deleted the new holder's key")
	}
	if err := r2.Obtain("foo").Unlock(b); err != nil {
		t.Fatalf("new holder unlock: %v", err)
	}
}

func TestExpireNotChanged(t *testing.T) {
	s, mr := newRedisBackend(t)
	ns := namespace()
	r := newTestRegistry(t, s, ns, WithLeaseDuration(10*time.Second))
	other := newTestRegistry(t, s, ns)
	a := owner("a")
	l := r.Obtain("foo")
	if err := l.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)
	before := mr.TTL(ns + ":foo")

	if ok, err := other.Obtain("foo").TryLockTimeout(owner("b"), 40*time.Millisecond); err != nil || ok {
		t.Fatalf("contender: ok %v err %v", ok, err)
	}
	if ok, err := r.Obtain("foo").TryLock(owner("c")); err != nil || ok {
		t.Fatalf("local contender: ok %v err %v", ok, err)
	}
	if err := l.Lock(a); err != nil {
		t.Fatalf("reentrant lock: %v", err)
	}
	if after := mr.TTL(ns + ":foo"); after != before {
		t.Fatalf("ttl changed from %v to %v", before, after)
	}
	_ = l.Unlock(a)
	_ = l.Unlock(a)
}

func TestTryLockTimeoutWaitsForRelease(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns)
	a := owner("a")
	l1 := r1.Obtain("foo")
	if err := l1.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l1.Unlock(a)
	}()
	ok, err := r2.Obtain("foo").TryLockTimeout(owner("b"), 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquisition before timeout: ok %v err %v", ok, err)
	}
}

func TestTryLockTimeoutRespectsDeadline(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns, WithPollInterval(time.Second))
	a := owner("a")
	if err := r1.Obtain("foo").Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	start := time.Now()
	ok, err := r2.Obtain("foo").TryLockTimeout(owner("b"), 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout: ok %v err %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout overshot by poll interval: %v", elapsed)
	}
	if r2.Obtain("foo").State() != Unheld {
		t.Fatal("timed out acquisition left state behind")
	}
}

func TestLockInterruptiblyCancelled(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	a := owner("a")
	l := r.Obtain("foo")
	if err := l.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(owner("b"), 30*time.Millisecond)
	defer cancel()
	err := l.LockInterruptibly(ctx)
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrInterrupted wrapping deadline, got %v", err)
	}
	if !l.IsHeld() || l.HoldCount() != 1 {
		t.Fatalf("interrupted acquisition changed state: %v holds %d", l.State(), l.HoldCount())
	}
	if err := l.Unlock(owner("b")); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("interrupted owner must not hold the lock, got %v", err)
	}
	if err := l.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestLockInterruptiblyCancelledAcrossRegistries(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns)
	if err := r1.Obtain("foo").Lock(owner("a")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithCancel(owner("b"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	l2 := r2.Obtain("foo")
	if err := l2.LockInterruptibly(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if l2.State() != Unheld {
		t.Fatalf("interrupted acquisition left state %v", l2.State())
	}
	if ok, _ := l2.TryLock(owner("c")); ok {
		t.Fatal("r1 still holds the lease")
	}
}

func TestLockIgnoresCancellation(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns)
	a := owner("a")
	l1 := r1.Obtain("foo")
	if err := l1.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithCancel(owner("b"))
	cancel()
	done := make(chan error, 1)
	go func() { done <- r2.Obtain("foo").Lock(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Lock returned before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	_ = l1.Unlock(a)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lock never acquired")
	}
	if err := r2.Obtain("foo").Unlock(ctx); err != nil {
		t.Fatalf("unlock with cancelled context: %v", err)
	}
}

func TestMissingOwner(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), namespace())
	l := r.Obtain("foo")
	if err := l.Lock(context.Background()); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
	if _, err := l.TryLock(WithOwner(context.Background(), "")); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner for empty id, got %v", err)
	}
	if err := l.Unlock(context.Background()); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
	ctx := NewOwner(context.Background())
	if id, ok := OwnerFrom(ctx); !ok || id == "" {
		t.Fatal("NewOwner did not attach an id")
	}
}

func TestStoreUnavailable(t *testing.T) {
	s := &flakyStore{Store: store.NewInMemory()}
	r := newTestRegistry(t, s, namespace())
	a := owner("a")
	l := r.Obtain("foo")

	s.broken.Store(true)
	if err := l.Lock(a); !errors.Is(err, lockerrors.ErrStoreUnavailable) || !errors.Is(err, errBackendDown) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if l.State() != Unheld {
		t.Fatalf("failed acquisition left state %v", l.State())
	}

	s.broken.Store(false)
	if ok, err := l.TryLock(a); err != nil || !ok {
		t.Fatalf("lock unusable after store recovered: ok %v err %v", ok, err)
	}
	s.broken.Store(true)
	if err := l.Unlock(a); !errors.Is(err, lockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on release, got %v", err)
	}
	if l.State() != Unheld {
		t.Fatalf("failed release must still clear local state, got %v", l.State())
	}
}

func TestStateTransitions(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns)
	a, b := owner("a"), owner("b")
	l2 := r2.Obtain("foo")
	if l2.State() != Unheld {
		t.Fatalf("new lock state %v", l2.State())
	}
	if err := r1.Obtain("foo").Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithCancel(b)
	defer cancel()
	go func() { _ = l2.LockInterruptibly(ctx) }()
	waitFor(t, time.Second, func() bool { return l2.State() == Acquiring }, "waiter never reached acquiring")
	if n := r2.EvictIdleOlderThan(-time.Second); n != 0 {
		t.Fatal("lock being acquired was evicted")
	}
	cancel()
	waitFor(t, time.Second, func() bool { return l2.State() == Unheld }, "cancelled waiter left state")
	if Held.String() != "held" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	regs := []*Registry{
		newTestRegistry(t, s, ns, WithPollInterval(time.Millisecond)),
		newTestRegistry(t, s, ns, WithPollInterval(time.Millisecond)),
	}
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		total   atomic.Int32
	)
	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		r := regs[i%2]
		ctx := NewOwner(context.Background())
		g.Go(func() error {
			for j := 0; j < 10; j++ {
				l := r.Obtain("counter")
				if err := l.Lock(ctx); err != nil {
					return err
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				total.Add(1)
				inside.Add(-1)
				if err := l.Unlock(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if maxSeen.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen.Load())
	}
	if total.Load() != 80 {
		t.Fatalf("expected 80 critical sections, got %d", total.Load())
	}
}

func TestBusWakesRemoteWaiter(t *testing.T) {
	s := store.NewInMemory()
	bus := syncbus.NewInMemoryBus()
	ns := namespace()
	r1 := newTestRegistry(t, s, ns, WithBus(bus))
	r2 := newTestRegistry(t, s, ns, WithBus(bus), WithPollInterval(time.Minute))
	a := owner("a")
	if err := r1.Obtain("foo").Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r2.Obtain("foo").Lock(owner("b")) }()
	waitFor(t, time.Second, func() bool { return r2.Obtain("foo").State() == Acquiring }, "waiter never started")
	// let the waiter fail its first attempt and subscribe
	time.Sleep(20 * time.Millisecond)

	if err := r1.Obtain("foo").Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by the release notification")
	}
}

func TestLockString(t *testing.T) {
	r := newTestRegistry(t, store.NewInMemory(), "ns")
	if got := r.Obtain("foo").String(); got != "Lock[key=ns:foo, state=unheld]" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestSlowBusSubscribeRespectsTimeout(t *testing.T) {
	s := store.NewInMemory()
	ns := namespace()
	bus := &slowBus{InMemoryBus: syncbus.NewInMemoryBus(), delay: 2 * time.Second}
	r1 := newTestRegistry(t, s, ns)
	r2 := newTestRegistry(t, s, ns, WithBus(bus))
	if err := r1.Obtain("foo").Lock(owner("a")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	start := time.Now()
	ok, err := r2.Obtain("foo").TryLockTimeout(owner("b"), 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout: ok %v err %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("TryLockTimeout blocked on bus subscribe for %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(owner("c"), 50*time.Millisecond)
	defer cancel()
	start = time.Now()
	if err := r2.Obtain("foo").LockInterruptibly(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("LockInterruptibly blocked on bus subscribe for %v", elapsed)
	}
}

func TestSlowBusPublishDoesNotDelayUnlock(t *testing.T) {
	bus := &slowBus{InMemoryBus: syncbus.NewInMemoryBus(), delay: 2 * time.Second}
	r := newTestRegistry(t, store.NewInMemory(), namespace(), WithBus(bus))
	a := owner("a")
	l := r.Obtain("foo")
	if err := l.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	start := time.Now()
	if err := l.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Unlock waited on the release notification for %v", elapsed)
	}
	if ok, err := l.TryLock(owner("b")); err != nil || !ok {
		t.Fatalf("lock not free after unlock: ok %v err %v", ok, err)
	}
}
