package store

import (
	"context"
	stdErrors "errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	lockerrors "github.com/mirkobrombin/go-lockreg/v1/errors"
)

const defaultEtcdOpTimeout = 5 * time.Second

// Etcd implements Store on an etcd cluster. Expiry is carried by an etcd
// lease attached to each key, so TTLs have whole-second granularity.
type Etcd struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcd returns an Etcd store using client. A non-positive timeout selects
// the default of five seconds.
func NewEtcd(client *clientv3.Client, timeout time.Duration) *Etcd {
	if timeout <= 0 {
		timeout = defaultEtcdOpTimeout
	}
	return &Etcd{client: client, timeout: timeout}
}

func mapEtcdErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, clientv3.ErrNoAvailableEndpoints):
		return lockerrors.ErrConnectionClosed
	default:
		return err
	}
}

// leaseSeconds rounds ttl up to whole seconds, never below one.
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SetIfAbsent implements Store.SetIfAbsent. A non-positive ttl creates a key
// without a lease.
func (s *Etcd) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var opts []clientv3.OpOption
	var leaseID clientv3.LeaseID
	if ttl > 0 {
		grant, err := s.client.Grant(cctx, leaseSeconds(ttl))
		if err != nil {
			return false, mapEtcdErr(err)
		}
		leaseID = grant.ID
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		return false, mapEtcdErr(err)
	}
	if !resp.Succeeded && leaseID != clientv3.NoLease {
		_, _ = s.client.Revoke(cctx, leaseID)
	}
	return resp.Succeeded, nil
}

// DeleteIfValue implements Store.DeleteIfValue and revokes the lease that was
// attached to the deleted key.
func (s *Etcd) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(key), "=", value)).
		Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, mapEtcdErr(err)
	}
	if !resp.Succeeded {
		return false, nil
	}
	if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
		if id := clientv3.LeaseID(rng.Kvs[0].Lease); id != clientv3.NoLease {
			_, _ = s.client.Revoke(cctx, id)
		}
	}
	return true, nil
}

// TTL implements Store.TTL.
func (s *Etcd) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(cctx, key)
	if err != nil {
		return 0, false, mapEtcdErr(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	id := clientv3.LeaseID(resp.Kvs[0].Lease)
	if id == clientv3.NoLease {
		return NoExpiry, true, nil
	}
	ttl, err := s.client.TimeToLive(cctx, id)
	if err != nil {
		return 0, false, mapEtcdErr(err)
	}
	if ttl.TTL < 0 {
		return 0, false, nil
	}
	return time.Duration(ttl.TTL) * time.Second, true, nil
}
