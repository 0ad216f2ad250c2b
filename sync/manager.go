package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Acidburn0zzz/realm-core/internal/metadata"
)

// Manager owns the set of sync sessions, one per local database path,
// together with the shared transport and the persistent file-action
// store consulted by the host application on startup.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	transport   Transport
	store       *metadata.Store
	recoveryDir string
	logger      *slog.Logger
}

// NewManager creates a manager. store may be nil, in which case file
// actions scheduled by error recovery are logged and dropped.
func NewManager(transport Transport, store *metadata.Store, recoveryDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:    make(map[string]*Session),
		transport:   transport,
		store:       store,
		recoveryDir: recoveryDir,
		logger:      logger,
	}
}

// OpenSession returns an external reference to the session for path,
// creating and reviving it as needed. Multiple callers opening the
// same path share one underlying session; the session closes per its
// stop policy when the last reference is released.
func (m *Manager) OpenSession(path string, cfg Config) *SessionRef {
	m.mu.Lock()
	session, ok := m.sessions[path]
	if !ok {
		session = newSession(m, m.transport, path, cfg, m.logger)
		m.sessions[path] = session
	}

	ref := session.acquireExternalReference()
	m.mu.Unlock()

	if session.ReviveIfNeeded() {
		// Reviving from Inactive needs a credential before the bind
		// can carry a valid token.
		if user := session.User(); user != nil {
			user.RefreshCustomData(session.handleRefresh())
		}
	}

	return ref
}

// ExistingSession returns the registered session for path, or nil.
func (m *Manager) ExistingSession(path string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[path]
}

// SessionsForUser returns the sessions owned by the given user.
func (m *Manager) SessionsForUser(user *User) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, session := range m.sessions {
		if session.User() == user {
			out = append(out, session)
		}
	}

	return out
}

// LogOutUser deactivates every session owned by user and marks the
// user logged out.
func (m *Manager) LogOutUser(user *User) {
	user.LogOut()

	for _, session := range m.SessionsForUser(user) {
		session.LogOut()
	}
}

// HandleReconnect tells every session that network connectivity was
// regained.
func (m *Manager) HandleReconnect() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.HandleReconnect()
	}
}

// ShutdownAndWait drives every session to Inactive and waits for the
// transport layer to confirm termination.
func (m *Manager) ShutdownAndWait() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.ShutdownAndWait()
	}

	if m.transport != nil {
		m.transport.WaitForSessionTerminations()
	}
}

// unregisterSession removes a fully inactive session from the
// registry. Sessions still holding external references stay
// registered so a later revive finds the same object.
func (m *Manager) unregisterSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.Path()]
	if !ok || current != s {
		return
	}

	if s.externalRefCount() > 0 {
		return
	}

	delete(m.sessions, s.Path())
}

// recoveryFilePath reserves a unique path for a pre-deletion backup
// copy. dir overrides the manager default when non-empty.
func (m *Manager) recoveryFilePath(dir string) string {
	if dir == "" {
		dir = m.recoveryDir
	}

	name := fmt.Sprintf("recovered_realm-%s-%s.realm",
		time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])

	return filepath.Join(dir, name)
}

// performMetadataUpdate persists a scheduled file action.
func (m *Manager) performMetadataUpdate(action metadata.FileAction) {
	if m.store == nil {
		m.logger.Warn("no metadata store configured, dropping file action",
			slog.String("original_path", action.OriginalPath))

		return
	}

	if err := m.store.Put(action); err != nil {
		m.logger.Error("persisting file action",
			slog.String("original_path", action.OriginalPath), slog.Any("error", err))
	}
}
