package storage

import (
	"log/slog"
	"sync"

	"github.com/kalambet/profiles/internal/profile"
)

// Mirror persists every change applied to a profile.Store so the last known
// profiles stay readable while the backend is unreachable. The mirror is
// write-only from the store's point of view: it never seeds the cache.
type Mirror struct {
	db     *Store
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewMirror creates a Mirror writing to db.
func NewMirror(db *Store, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{db: db, logger: logger}
}

// Attach subscribes the mirror to s. Attaching again replaces the previous
// subscription.
func (m *Mirror) Attach(s *profile.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.unsubscribe = s.Subscribe(m.apply)
}

// Detach stops mirroring.
func (m *Mirror) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// apply writes one change. Failures are logged and never reach the store.
func (m *Mirror) apply(ch profile.Change) {
	if err := m.db.SaveProfiles(ch.Entries); err != nil {
		m.logger.Error("mirroring profiles failed", "op", ch.Op, "version", ch.Version, "entries", len(ch.Entries), "error", err)
		return
	}
	if err := m.db.SetSyncState(ch.Version, ch.Op); err != nil {
		m.logger.Warn("recording mirror state failed", "version", ch.Version, "error", err)
	}
}
