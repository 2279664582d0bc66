package taskqueue

import (
	"context"
	"sync"
)

// HostLimiter bounds how many tasks run concurrently against one target
// host. It is the single piece of mutable state shared across workers and
// is injected into the pool rather than read from package state.
//
// Each host gets a counting semaphore of the configured capacity, created
// lazily under the lock. Workers park on the semaphore channel when a host
// is saturated; blocked acquirers are woken in FIFO order by the runtime.
type HostLimiter struct {
	mu       sync.Mutex
	capacity int
	sems     map[string]chan struct{}
}

// NewHostLimiter creates a limiter allowing capacity concurrent tasks per
// host. Capacity below 1 is clamped to 1.
func NewHostLimiter(capacity int) *HostLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &HostLimiter{
		capacity: capacity,
		sems:     make(map[string]chan struct{}),
	}
}

// Acquire blocks until a slot for the host is free or ctx is done.
func (l *HostLimiter) Acquire(ctx context.Context, host string) error {
	sem := l.sem(host)
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one slot for the host.
func (l *HostLimiter) Release(host string) {
	sem := l.sem(host)
	select {
	case <-sem:
	default:
		// Release without matching Acquire is a programming error; do not
		// block the worker over it.
	}
}

// InFlight reports how many slots are currently held for the host.
func (l *HostLimiter) InFlight(host string) int {
	return len(l.sem(host))
}

func (l *HostLimiter) sem(host string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[host]
	if !ok {
		sem = make(chan struct{}, l.capacity)
		l.sems[host] = sem
	}
	return sem
}
