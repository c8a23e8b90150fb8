// Package lock implements a record-level advisory lock on top of the store's
// atomic multi-op primitive. The lock is a single map entry
// "locked" -> [ownerId, leaseExpiryMs] living inside a designated bin of the
// record it protects, so acquire, mutate and release can ride one atomic
// multi-op. Leases bound the damage of a crashed holder: an expired lease can
// be taken over with an optimistic generation check.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/subkeys/store"
)

const lockEntryKey = "locked"

// Manager hands out advisory locks on records of one store. All locks taken
// through a Manager share its lock bin name and lease duration.
type Manager struct {
	store         store.Store
	binName       string
	maxLockTime   time.Duration
	retryInterval time.Duration
	log           *slog.Logger

	// processID makes owner tokens unique across processes.
	processID string
}

// Lock is a granted lock. Record carries the bins read atomically at acquire
// time (with none requested it holds only the lock bin's write result; a
// reentrant acquire reads the whole record) and Generation the record
// generation observed under the lock.
type Lock struct {
	Key        *store.Key
	Owner      string
	Record     *store.Record
	Generation uint32
}

// NewManager returns a Manager locking through binName with the given lease
// duration. retryInterval is the poll interval while waiting for a held lock;
// it defaults to 1ms. A nil logger means slog.Default().
func NewManager(s store.Store, binName string, maxLockTime, retryInterval time.Duration, logger *slog.Logger) *Manager {
	if retryInterval <= 0 {
		retryInterval = time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         s,
		binName:       binName,
		maxLockTime:   maxLockTime,
		retryInterval: retryInterval,
		log:           logger,
		processID:     uuid.NewString(),
	}
}

type ownerCtxKey struct{}

// WithOwner pins the owner token used by lock acquisitions under ctx. Two
// acquisitions with the same owner token are reentrant: the second sees the
// first's lease as its own.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// ownerToken returns the ctx-pinned owner, or a fresh token scoped to this
// acquisition.
func (m *Manager) ownerToken(ctx context.Context) string {
	if o, ok := ctx.Value(ownerCtxKey{}).(string); ok && o != "" {
		return o
	}
	return m.processID + "-" + uuid.NewString()
}

// acquireOp builds the map put that grants the lock: CREATE_ONLY on the entry
// so a held lock fails the whole multi-op with ResultElementExists.
func (m *Manager) acquireOp(owner string, now time.Time) *store.Operation {
	mp := store.NewMapPolicy(store.Unordered, store.MapWriteFlagsCreateOnly)
	lease := []any{owner, now.Add(m.maxLockTime).UnixMilli()}
	return store.MapPutOp(mp, m.binName, lockEntryKey, lease)
}

// releaseOp builds the removal of this owner's lease. The value-range bounds
// pin the owner so a foreign lease (left by a takeover that displaced us) is
// never touched.
func (m *Manager) releaseOp(owner string) *store.Operation {
	begin := []any{owner, int64(math.MinInt64)}
	end := []any{owner, int64(math.MaxInt64)}
	return store.MapRemoveByValueRangeOp(m.binName, begin, end, store.TypeRank)
}

// Acquire takes the lock on key, atomically reading binNames under it. It
// polls a held live lease every retryInterval until timeout elapses, then
// fails with ResultTimeout. An expired lease is taken over under a generation
// check. Returns (nil, nil) when the record does not exist; the caller
// decides whether to create it.
func (m *Manager) Acquire(ctx context.Context, key *store.Key, timeout time.Duration, binNames ...string) (*Lock, error) {
	owner := m.ownerToken(ctx)
	start := time.Now()

	for {
		now := time.Now()
		ops := []*store.Operation{m.acquireOp(owner, now)}
		for _, b := range binNames {
			ops = append(ops, store.GetOp(b))
		}
		wp := store.NewWritePolicy()
		wp.RecordExistsAction = store.UpdateOnly

		rec, err := m.store.Operate(ctx, wp, key, ops...)
		if err == nil {
			return &Lock{Key: key, Owner: owner, Record: rec, Generation: rec.Generation}, nil
		}

		switch store.CodeOf(err) {
		case store.ResultKeyNotFound:
			return nil, nil
		case store.ResultElementExists:
			lk, err := m.contend(ctx, key, owner, start, timeout, binNames)
			if err != nil || lk != nil {
				return lk, err
			}
			// Lease vanished or takeover lost a race; go again.
		default:
			return nil, err
		}
	}
}

// contend handles an already-held lock: reentrant success, live-lease wait,
// or expired-lease takeover. A nil, nil return means "retry the acquire".
func (m *Manager) contend(ctx context.Context, key *store.Key, owner string, start time.Time, timeout time.Duration, binNames []string) (*Lock, error) {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.NewError(store.ResultKeyNotFound, "locked record vanished")
	}

	lockOwner, lockExpiry, ok := leaseOf(rec, m.binName)
	if !ok {
		// Released between our failed put and the read.
		return nil, nil
	}
	if lockOwner == owner {
		return &Lock{Key: key, Owner: owner, Record: rec, Generation: rec.Generation}, nil
	}

	now := time.Now()
	if now.UnixMilli() < lockExpiry {
		if timeout > 0 && now.Sub(start) >= timeout {
			return nil, store.NewError(store.ResultTimeout, "lock acquisition timed out")
		}
		if err := sleep(ctx, m.retryInterval); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// Lease expired: force the put without CREATE_ONLY, guarded by the
	// generation observed on the stale lease.
	m.log.Debug("taking over expired lease", "key", key.String(), "holder", lockOwner)
	wp := store.NewWritePolicy()
	wp.GenerationPolicy = store.ExpectGenEqual
	wp.Generation = rec.Generation

	mp := store.NewMapPolicy(store.Unordered, store.MapWriteFlagsDefault)
	lease := []any{owner, now.Add(m.maxLockTime).UnixMilli()}
	ops := []*store.Operation{store.MapPutOp(mp, m.binName, lockEntryKey, lease)}
	for _, b := range binNames {
		ops = append(ops, store.GetOp(b))
	}
	taken, err := m.store.Operate(ctx, wp, key, ops...)
	if err != nil {
		if store.CodeOf(err) == store.ResultGenerationError {
			// Someone else took it first.
			return nil, nil
		}
		return nil, err
	}
	return &Lock{Key: key, Owner: owner, Record: taken, Generation: taken.Generation}, nil
}

// Release drops the lock when lk's owner still holds it. Returns true iff
// exactly one lease entry was removed.
func (m *Manager) Release(ctx context.Context, lk *Lock) (bool, error) {
	return m.UpdateAndRelease(ctx, nil, lk, 0)
}

// UpdateAndRelease applies ops and drops the lock in one atomic multi-op,
// optionally under a generation check. Returns true iff this owner's lease
// was removed.
func (m *Manager) UpdateAndRelease(ctx context.Context, policy *store.WritePolicy, lk *Lock, expectedGeneration uint32, ops ...*store.Operation) (bool, error) {
	all := make([]*store.Operation, 0, len(ops)+1)
	all = append(all, ops...)
	all = append(all, m.releaseOp(lk.Owner))
	if expectedGeneration > 0 {
		if policy == nil {
			policy = store.NewWritePolicy()
		}
		policy.GenerationPolicy = store.ExpectGenEqual
		policy.Generation = expectedGeneration
	}
	rec, err := m.store.Operate(ctx, policy, lk.Key, all...)
	if err != nil || rec == nil {
		return false, err
	}
	return len(rec.GetList(m.binName)) == 1, nil
}

// PerformUnderLock composes [acquire, ops..., release] into one atomic
// multi-op, so the mutation happens if and only if the lock was free. A held
// lock is retried per the policy's MaxRetries/SleepBetweenRetries within
// TotalTimeout; exhaustion surfaces as ResultTimeout.
func (m *Manager) PerformUnderLock(ctx context.Context, policy *store.WritePolicy, key *store.Key, ops ...*store.Operation) (*store.Record, error) {
	owner := m.ownerToken(ctx)

	maxRetries := 0
	sleepBetween := time.Duration(0)
	if policy != nil {
		maxRetries = policy.MaxRetries
		sleepBetween = policy.SleepBetweenRetries
		if policy.TotalTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, policy.TotalTimeout)
			defer cancel()
		}
	}
	if sleepBetween <= 0 {
		sleepBetween = m.retryInterval
	}

	all := make([]*store.Operation, 0, len(ops)+2)
	all = append(all, m.acquireOp(owner, time.Now()))
	all = append(all, ops...)
	all = append(all, m.releaseOp(owner))

	var rec *store.Record
	b := retry.WithMaxRetries(uint64(maxRetries), retry.NewConstant(sleepBetween))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		// Refresh the lease timestamp on every attempt.
		all[0] = m.acquireOp(owner, time.Now())
		r, err := m.store.Operate(ctx, policy, key, all...)
		if err != nil {
			if store.CodeOf(err) == store.ResultElementExists {
				return retry.RetryableError(err)
			}
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || store.CodeOf(err) == store.ResultElementExists {
			return nil, store.WrapError(store.ResultTimeout, err)
		}
		return nil, err
	}
	return rec, nil
}

// leaseOf digs the [owner, expiry] lease out of the record's lock bin.
func leaseOf(rec *store.Record, binName string) (string, int64, bool) {
	entries, ok := rec.Bins[binName].([]store.MapEntry)
	if !ok || len(entries) == 0 {
		return "", 0, false
	}
	for _, e := range entries {
		if k, _ := e.Key.(string); k != lockEntryKey {
			continue
		}
		lease, ok := e.Value.([]any)
		if !ok || len(lease) != 2 {
			return "", 0, false
		}
		owner, _ := lease[0].(string)
		expiry, _ := lease[1].(int64)
		return owner, expiry, true
	}
	return "", 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
