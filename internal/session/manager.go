// manager.go owns the session registry and the per-resource lock table.
//
// The two maps are created and destroyed together: there is never an
// observable moment where a session exists without its lock or a lock
// without its session. Initialisation (opening the database, refreshing the
// schema) runs outside the critical section so one session's I/O never
// blocks another; if it fails, registration is rolled back atomically.

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// aggressiveTimeout reclaims abandoned locks faster than the main timeout.
// Sessions serving live requests are touched on every access, so only a
// caller that has stopped talking entirely crosses this threshold.
const aggressiveTimeout = 5 * time.Minute

// sweepInterval is the background tick that bounds lock staleness when no
// requests arrive to trigger an inline sweep.
const sweepInterval = time.Minute

// InitFunc prepares a newly bound session: it opens the database, bootstraps
// the table when requested, and refreshes the schema descriptor. It runs
// outside the manager's critical section.
type InitFunc func(ctx context.Context, s *Session) error

// Manager creates, tracks, mutates and expires sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[ResourceKey]string

	timeout time.Duration // main inactivity threshold; <= 0 disables sweeping
	init    InitFunc
	now     func() time.Time
}

// NewManager returns a Manager with the given inactivity timeout. The init
// function may be nil, in which case sessions are registered without schema
// initialisation (useful in tests).
func NewManager(timeout time.Duration, init InitFunc) *Manager {
	return &Manager{
		sessions: map[string]*Session{},
		locks:    map[ResourceKey]string{},
		timeout:  timeout,
		init:     init,
		now:      time.Now,
	}
}

// Open creates a session for the given payload. It fails with
// ErrResourceConflict when the resolved resource is owned by a live session.
// Registration and lock acquisition happen in one critical section; schema
// initialisation follows outside it and rolls the registration back on error.
func (m *Manager) Open(ctx context.Context, payload Payload) (*Session, error) {
	binding, err := payload.Normalize()
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		id:        newSessionID(),
		createdAt: now,
		binding:   binding,
		lastSeen:  now,
		metaDirty: true,
	}
	key := binding.Key()

	m.mu.Lock()
	m.sweepLocked(now)
	if owner, ok := m.locks[key]; ok {
		if _, live := m.sessions[owner]; live {
			m.mu.Unlock()
			return nil, ErrResourceConflict
		}
	}
	m.sessions[s.id] = s
	m.locks[key] = s.id
	m.mu.Unlock()

	if err := m.initialize(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.id)
		if m.locks[key] == s.id {
			delete(m.locks, key)
		}
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Get returns the session for id, or nil when unknown or expired. When touch
// is true the session's last-active time is extended; read-only probes that
// must not extend liveness pass false.
func (m *Manager) Get(id string, touch bool) *Session {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
	s := m.sessions[id]
	if s != nil && touch {
		s.touch(m.now())
	}
	return s
}

// Mutate rebinds an existing session to a new resource. When the new resource
// is owned by a different live session it fails with ErrResourceConflict
// unless force is set, in which case the other session is evicted entirely
// and the lock transfers atomically - there is no window where the resource
// is unlocked and claimable by a third party. If schema initialisation fails
// after the rebind, the previous binding and lock are restored and the
// failure propagates.
func (m *Manager) Mutate(ctx context.Context, id string, payload Payload, force bool) (*Session, error) {
	binding, err := payload.Normalize()
	if err != nil {
		return nil, err
	}

	now := m.now()
	m.mu.Lock()
	m.sweepLocked(now)
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	oldBinding := s.Binding()
	oldKey := oldBinding.Key()
	newKey := binding.Key()

	if newKey != oldKey {
		if owner, ok := m.locks[newKey]; ok && owner != id {
			if _, live := m.sessions[owner]; live {
				if !force {
					m.mu.Unlock()
					return nil, ErrResourceConflict
				}
				delete(m.sessions, owner)
			}
		}
	}

	s.setBinding(binding, now)
	m.locks[newKey] = id
	if newKey != oldKey && m.locks[oldKey] == id {
		delete(m.locks, oldKey)
	}
	m.mu.Unlock()

	if err := m.initialize(ctx, s); err != nil {
		m.mu.Lock()
		s.setBinding(oldBinding, now)
		m.locks[oldKey] = id
		if newKey != oldKey && m.locks[newKey] == id {
			delete(m.locks, newKey)
		}
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Close removes a session and releases its lock. Closing an unknown session
// is a no-op; the return value reports whether anything was removed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	delete(m.sessions, id)
	key := s.Binding().Key()
	if m.locks[key] == id {
		delete(m.locks, key)
	}
	return true
}

// ForceRelease evicts whichever live session owns the given resource,
// releasing its lock. Returns true when a session was evicted.
func (m *Manager) ForceRelease(key ResourceKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
	owner, ok := m.locks[key]
	if !ok {
		return false
	}
	if _, live := m.sessions[owner]; !live {
		delete(m.locks, key)
		return false
	}
	delete(m.sessions, owner)
	delete(m.locks, key)
	return true
}

// List returns a snapshot of all sessions without touching them.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// Owner returns the id of the session holding the given resource, if any.
func (m *Manager) Owner(key ResourceKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.locks[key]
	return id, ok
}

// Sweep removes expired sessions as of `now` and returns how many were
// reclaimed. Sweeping is disabled entirely when the main timeout is <= 0.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

// sweepLocked applies the main timeout plus the shorter aggressive threshold
// so abandoned locks are reclaimed well before the main timeout fires.
// Callers hold m.mu.
func (m *Manager) sweepLocked(now time.Time) int {
	if m.timeout <= 0 {
		return 0
	}
	cutoff := m.timeout
	if aggressiveTimeout < cutoff {
		cutoff = aggressiveTimeout
	}

	var expired []string
	for id, s := range m.sessions {
		if now.Sub(s.lastSeenAt()) > cutoff {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s := m.sessions[id]
		delete(m.sessions, id)
		key := s.Binding().Key()
		if m.locks[key] == id {
			delete(m.locks, key)
		}
	}
	return len(expired)
}

// StartSweeper runs a best-effort periodic sweep until ctx is cancelled.
// Inline sweeps already run on every lock-sensitive operation; the ticker
// only bounds staleness when no requests arrive.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}

func (m *Manager) initialize(ctx context.Context, s *Session) error {
	if m.init == nil {
		return nil
	}
	if err := m.init(ctx, s); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	return nil
}

// newSessionID returns an opaque unique token. Dashes are stripped to match
// the compact hex form clients already store.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
