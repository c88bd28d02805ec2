// Package lock provides a registry of reentrant, lease-based distributed
// locks coordinated through a shared store.Store.
//
// A Registry is scoped to a namespace. Obtain returns one *Lock per resource
// name and always the same object for the same name, which is what makes
// reentrancy work. Registries that share a namespace and a store exclude each
// other at the store level; registries with different namespaces never
// contend.
//
// Go has no goroutine identity, so the holder of a lock is identified by an
// owner id carried in the context:
//
//	ctx := lock.NewOwner(context.Background())
//	l := reg.Obtain("orders:42")
//	if err := l.Lock(ctx); err != nil {
//		return err
//	}
//	defer l.Unlock(ctx)
//
// The store key is created with the registry lease duration on first
// acquisition and is never renewed. Unlock reports ErrLeaseExpired when the
// lease ran out before the release, which is distinct from ErrNotOwner.
package lock
