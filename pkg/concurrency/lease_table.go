package concurrency

import (
	"context"
	"sync"
	"time"

	"dexgrid/internal/core"
)

// LeaseTable implements the grid engine's "shadow lock" pattern: a set of
// string keys (slot ids or chain order ids) each held until an expiration
// deadline, with a background refresher that extends the deadline while
// the holder's work is still in progress (spec §4.7, §5 "shadow locks").
//
// Unlike a sync.Mutex, a lease never blocks a second caller — Acquire
// reports whether the key was already held so callers can decide how to
// react (skip, wait, or treat as a conflict) rather than deadlocking.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]time.Time
	logger core.Logger
}

// NewLeaseTable builds an empty lease table.
func NewLeaseTable(logger core.Logger) *LeaseTable {
	return &LeaseTable{
		leases: make(map[string]time.Time),
		logger: logger,
	}
}

// Acquire installs a lease for key expiring at now+ttl, unless one is
// already held and unexpired, in which case it returns false.
func (lt *LeaseTable) Acquire(key string, ttl time.Duration) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if exp, held := lt.leases[key]; held && time.Now().Before(exp) {
		return false
	}
	lt.leases[key] = time.Now().Add(ttl)
	return true
}

// AcquireAll acquires leases for every key, first checking all of them
// and installing none if any key is contended, so a caller never holds a
// partial set.
func (lt *LeaseTable) AcquireAll(keys []string, ttl time.Duration) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := time.Now()
	for _, k := range keys {
		if exp, held := lt.leases[k]; held && now.Before(exp) {
			return false
		}
	}
	deadline := now.Add(ttl)
	for _, k := range keys {
		lt.leases[k] = deadline
	}
	return true
}

// Release drops the lease for key regardless of its expiration.
func (lt *LeaseTable) Release(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.leases, key)
}

// ReleaseAll drops every lease in keys.
func (lt *LeaseTable) ReleaseAll(keys []string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, k := range keys {
		delete(lt.leases, k)
	}
}

// Held reports whether key currently has an unexpired lease.
func (lt *LeaseTable) Held(key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	exp, ok := lt.leases[key]
	return ok && time.Now().Before(exp)
}

// Refresh extends every key's deadline to now+ttl; keys no longer held
// are silently ignored, since the pass they belonged to may have already
// released them.
func (lt *LeaseTable) Refresh(keys []string, ttl time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	deadline := time.Now().Add(ttl)
	for _, k := range keys {
		if _, held := lt.leases[k]; held {
			lt.leases[k] = deadline
		}
	}
}

// StartRefresher runs a background goroutine that calls Refresh(keys, ttl)
// every interval until ctx is cancelled. Callers acquire their leases,
// start the refresher, defer its cancel func, and defer ReleaseAll so a
// long-running sync pass never loses its locks to a premature expiry
// (spec §4.7 "lease-refresher runs at LOCK_TIMEOUT/3").
func (lt *LeaseTable) StartRefresher(ctx context.Context, keys []string, ttl, interval time.Duration) context.CancelFunc {
	refreshCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				lt.Refresh(keys, ttl)
			}
		}
	}()
	return cancel
}

// Len reports the number of leases currently tracked, expired or not.
func (lt *LeaseTable) Len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.leases)
}
