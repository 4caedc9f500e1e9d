// Package lock provides the distributed lock guarding cross-process
// pipeline creation. Locks are leases: they expire after their TTL even if
// the owner never releases them.
package lock

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
)

// DefaultPollInterval is how often a waiting Lock call retries.
const DefaultPollInterval = 25 * time.Millisecond

// Locker acquires and releases named leases.
type Locker interface {
	// Lock acquires resource for ttl, retrying for at most wait. It returns
	// the owner id needed to release the lease, or ErrLockTimeout.
	Lock(ctx context.Context, resource string, ttl, wait time.Duration) (string, error)
	// Release frees resource if id still owns it.
	Release(ctx context.Context, resource, id string) error
}

// acquire calls try until it succeeds, the wait budget is spent, or ctx ends.
func acquire(ctx context.Context, wait, poll time.Duration, try func(context.Context) (bool, error)) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errspkg.ErrLockTimeout
		}
		sleep := min(poll, remaining)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryLease
	now  func() time.Time
	Poll time.Duration
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryLease), now: time.Now}
}

func (m *Memory) Lock(ctx context.Context, resource string, ttl, wait time.Duration) (string, error) {
	id := ids.CreateULID()
	err := acquire(ctx, wait, m.Poll, func(context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		if lease, ok := m.held[resource]; ok && lease.expires.After(now) {
			return false, nil
		}
		m.held[resource] = memoryLease{owner: id, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Release(_ context.Context, resource, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.held[resource]
	if !ok || lease.owner != id {
		return errspkg.ErrLockNotHeld
	}
	delete(m.held, resource)
	return nil
}
