package session

import (
	"sync"
	"time"

	"github.com/kiyeovo/core/internal/metrics"
)

// IdleTimeout is the default session idle lifetime swept by the cleanup loop.
const IdleTimeout = 30 * time.Minute

// cleanupInterval is how often the background sweep runs.
const cleanupInterval = 30 * time.Second

// Manager is the sole mutator of the live sessions and pending-exchange
// maps (section 5: "SessionManager is the only mutator of sessions and
// pending_exchanges").
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]*PendingKeyExchange

	idleTimeout time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewManager creates a Manager and starts its background cleanup loop.
func NewManager() *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		pending:     make(map[string]*PendingKeyExchange),
		idleTimeout: IdleTimeout,
		stopCleanup: make(chan struct{}),
	}
	m.cleanupTicker = time.NewTicker(cleanupInterval)
	go m.runCleanup()
	return m
}

func (m *Manager) runCleanup() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	for peerID, s := range m.sessions {
		if now.Sub(s.LastUsed()) > m.idleTimeout {
			delete(m.sessions, peerID)
			metrics.SessionsExpired.Inc()
		}
	}
	for peerID, p := range m.pending {
		if p.Expired(now) {
			delete(m.pending, peerID)
		}
	}
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(m.Count()))
}

// Close stops the cleanup loop. Live sessions are left for the caller to
// dispose of (there is no per-session resource to release beyond memory).
func (m *Manager) Close() {
	m.cleanupTicker.Stop()
	close(m.stopCleanup)
}

// Get returns the live session for peerID, if any.
func (m *Manager) Get(peerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Put installs (or replaces) the live session for peerID.
func (m *Manager) Put(peerID string, s *Session) {
	m.mu.Lock()
	m.sessions[peerID] = s
	active := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Set(float64(active))
}

// Clear removes the session for peerID, per the "clear on any verification
// failure that implies desynchronization" invariant.
func (m *Manager) Clear(peerID string) {
	m.mu.Lock()
	_, existed := m.sessions[peerID]
	delete(m.sessions, peerID)
	active := len(m.sessions)
	m.mu.Unlock()
	if existed {
		metrics.SessionsClosed.Inc()
		metrics.SessionsActive.Set(float64(active))
	}
}

// GetPending returns the pending key exchange for peerID, if any and not expired.
func (m *Manager) GetPending(peerID string) (*PendingKeyExchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[peerID]
	if !ok {
		return nil, false
	}
	if p.Expired(time.Now()) {
		delete(m.pending, peerID)
		return nil, false
	}
	return p, true
}

// PutPending installs a pending key exchange for peerID, replacing any existing one.
func (m *Manager) PutPending(peerID string, p *PendingKeyExchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[peerID] = p
}

// ClearPending removes the pending key exchange for peerID.
func (m *Manager) ClearPending(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, peerID)
}

// Count returns the number of live sessions, for metrics/status reporting.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PendingCount returns the number of in-flight (not yet expired) key
// exchanges, for status/observability reporting.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, p := range m.pending {
		if !p.Expired(now) {
			n++
		}
	}
	return n
}
