// Package store defines the atomic key-value primitives the lock registry
// needs from its arbitration medium, together with in-memory, Redis and etcd
// implementations.
//
// A Store only has to offer three operations: create a key with a TTL when it
// is absent, delete a key when it still holds an expected value, and report the
// remaining TTL of a key. Both mutating operations must be atomic on the
// backend, otherwise two holders can observe the same lease.
package store
