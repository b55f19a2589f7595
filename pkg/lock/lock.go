// Package lock implements an advisory, in-memory distributed lock manager
// (spec §5: "Lock manager — mutex + condition variable for blocking
// waits"). It is a supplemented capability grounded on the original
// implementation's dfs/locks.c: shared/exclusive resource locks with
// timeout-bounded acquisition and periodic TTL expiry.
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitalio/constellation/pkg/cerrors"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/rs/zerolog"
)

// Mode is a lock's sharing mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Held is an acquired lock handle.
type Held struct {
	LockID     string
	Resource   string
	Mode       Mode
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time // zero means no expiration
}

// Manager grants advisory locks over named resources.
type Manager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	held  map[string][]*Held // resource -> held locks (multiple only if all Shared)
	byID  map[string]*Held

	sweepEvery time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup

	logger zerolog.Logger
}

// New constructs an empty Manager. sweepEvery governs the expiry-sweep
// background task (spec §5: "expiration is swept periodically").
func New(sweepEvery time.Duration) *Manager {
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	m := &Manager{
		held:       make(map[string][]*Held),
		byID:       make(map[string]*Held),
		sweepEvery: sweepEvery,
		logger:     log.WithComponent("lock"),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the expiry-sweep background task.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepExpired()
			}
		}
	}()
}

// Stop signals the sweep task and wakes any blocked waiters so they observe
// shutdown promptly.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()
}

// Acquire attempts to lock resource in mode, owned by ownerID. timeout==0 is
// non-blocking (TryAcquire semantics); timeout>0 blocks up to timeout for
// compatibility (spec §5, §7 Timeout kind).
func (m *Manager) Acquire(resource string, mode Mode, ownerID string, timeout time.Duration) (*Held, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for !m.compatibleLocked(resource, mode) {
		if timeout <= 0 {
			return nil, fmt.Errorf("resource %s locked: %w", resource, cerrors.Timeout)
		}
		if !m.waitUntilLocked(deadline) {
			return nil, fmt.Errorf("resource %s: %w", resource, cerrors.Timeout)
		}
	}

	h := &Held{
		LockID:     "lock-" + uuid.NewString(),
		Resource:   resource,
		Mode:       mode,
		OwnerID:    ownerID,
		AcquiredAt: time.Now(),
	}
	if timeout > 0 {
		h.ExpiresAt = h.AcquiredAt.Add(timeout)
	}

	m.held[resource] = append(m.held[resource], h)
	m.byID[h.LockID] = h
	return h, nil
}

// TryAcquire is Acquire with a zero timeout (non-blocking).
func (m *Manager) TryAcquire(resource string, mode Mode, ownerID string) (*Held, error) {
	return m.Acquire(resource, mode, ownerID, 0)
}

func (m *Manager) compatibleLocked(resource string, mode Mode) bool {
	existing := m.held[resource]
	if len(existing) == 0 {
		return true
	}
	if mode == Exclusive {
		return false
	}
	for _, h := range existing {
		if h.Mode == Exclusive {
			return false
		}
	}
	return true
}

// waitUntilLocked blocks on the condition variable until signaled or
// deadline passes. Caller must hold m.mu. Returns false on timeout or
// shutdown.
func (m *Manager) waitUntilLocked(deadline time.Time) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		m.mu.Lock()
		close(done)
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	for {
		select {
		case <-done:
			return false
		default:
		}
		m.cond.Wait()
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
}

// Release drops a held lock and wakes any waiters.
func (m *Manager) Release(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byID[lockID]
	if !ok {
		return fmt.Errorf("lock %s: %w", lockID, cerrors.NotFound)
	}

	locks := m.held[h.Resource]
	for i, l := range locks {
		if l.LockID == lockID {
			locks = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(locks) == 0 {
		delete(m.held, h.Resource)
	} else {
		m.held[h.Resource] = locks
	}
	delete(m.byID, lockID)

	m.cond.Broadcast()
	return nil
}

// Renew extends a held lock's expiration by additional.
func (m *Manager) Renew(lockID string, additional time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byID[lockID]
	if !ok {
		return fmt.Errorf("lock %s: %w", lockID, cerrors.NotFound)
	}
	if !h.ExpiresAt.IsZero() {
		h.ExpiresAt = h.ExpiresAt.Add(additional)
	}
	return nil
}

// IsHeld reports whether resource currently has any lock.
func (m *Manager) IsHeld(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held[resource]) > 0
}

// sweepExpired removes locks whose TTL has elapsed (spec §5).
func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for resource, locks := range m.held {
		kept := locks[:0]
		for _, h := range locks {
			if !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt) {
				delete(m.byID, h.LockID)
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(m.held, resource)
		} else {
			m.held[resource] = kept
		}
	}
	m.cond.Broadcast()
}
