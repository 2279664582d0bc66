package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshauth"
)

// ErrSessionNotFound is returned for unknown or already-ended session ids.
var ErrSessionNotFound = errors.New("terminal session not found")

// DefaultIdleTimeout evicts sessions with no inbound frames for 30 minutes.
const DefaultIdleTimeout = 30 * time.Minute

// touchPersistInterval throttles last-activity writes to the database; the
// in-memory value is always current and is what the watchdog reads.
const touchPersistInterval = 10 * time.Second

// Session is one live interactive shell. The manager owns every status
// mutation; a session never returns to active once it has left it.
type Session struct {
	ID           string
	ServerID     uint
	Actor        string
	CredentialID *string
	StartedAt    time.Time

	Terminal *Terminal
	client   *ssh.Client
	done     chan struct{}

	mu            sync.Mutex
	status        string
	lastActivity  time.Time
	lastPersisted time.Time
}

// Status returns the current session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Done is closed when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manager tracks live terminal sessions, persists their records and runs
// idle eviction. Each session holds one dedicated SSH connection driven by
// the caller's I/O loop; there is no shared concurrency ceiling.
type Manager struct {
	db          *gorm.DB
	resolver    *sshauth.Resolver
	emitter     *audit.Emitter
	idleTimeout time.Duration
	nowFn       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(db *gorm.DB, resolver *sshauth.Resolver, emitter *audit.Emitter, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		db:          db,
		resolver:    resolver,
		emitter:     emitter,
		idleTimeout: idleTimeout,
		nowFn:       time.Now,
		sessions:    make(map[string]*Session),
	}
}

// SetNowFunc sets the clock function used for testing idle eviction.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
}

// Open resolves a credential, connects, starts a PTY shell and registers an
// active session. A non-empty credentialID overrides the server's default
// credential source.
func (m *Manager) Open(ctx context.Context, srv *database.Server, credentialID, actor string) (*Session, error) {
	target := *srv
	if credentialID != "" {
		target.CredentialID = &credentialID
	}

	cred, err := m.resolver.Resolve(&target)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	defer cred.Scrub()

	client, err := sshauth.Dial(ctx, &target, cred)
	if err != nil {
		return nil, err
	}
	cred.Scrub()

	term, err := NewTerminal(client)
	if err != nil {
		client.Close()
		return nil, err
	}

	now := m.nowFn()
	sess := &Session{
		ID:           uuid.New().String(),
		ServerID:     srv.ID,
		Actor:        actor,
		CredentialID: target.CredentialID,
		StartedAt:    now,
		Terminal:     term,
		client:       client,
		done:         make(chan struct{}),
		status:       database.SessionActive,
		lastActivity: now,
	}
	if cred.Source != sshauth.SourceVault {
		sess.CredentialID = nil
	}

	row := database.TerminalSession{
		ID:           sess.ID,
		ServerID:     srv.ID,
		Actor:        actor,
		CredentialID: sess.CredentialID,
		Status:       database.SessionActive,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := m.db.Create(&row).Error; err != nil {
		term.Close()
		client.Close()
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.emitter.Emit(actor, audit.ActionSessionOpened, audit.TargetSession, sess.ID,
		fmt.Sprintf("server=%d", srv.ID))
	log.Printf("[terminal] session %s opened (server=%d actor=%s)", sess.ID, srv.ID, actor)
	return sess, nil
}

// Touch records inbound activity on the session. The in-memory timestamp is
// always advanced; the database row is refreshed at most every few seconds.
func (m *Manager) Touch(sess *Session) {
	now := m.nowFn()
	persist := false

	sess.mu.Lock()
	if sess.status == database.SessionActive && now.After(sess.lastActivity) {
		sess.lastActivity = now
		if now.Sub(sess.lastPersisted) >= touchPersistInterval {
			sess.lastPersisted = now
			persist = true
		}
	}
	sess.mu.Unlock()

	if persist {
		if err := m.db.Model(&database.TerminalSession{}).
			Where("id = ?", sess.ID).
			Update("last_activity", now).Error; err != nil {
			log.Printf("[terminal] session %s: persist activity: %v", sess.ID, err)
		}
	}
}

// Get returns a live session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Close is the caller-initiated graceful close.
func (m *Manager) Close(sessionID, actor string) error {
	sess := m.Get(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	m.terminate(sess, database.SessionClosed, "closed by "+actor, audit.ActionSessionClosed)
	return nil
}

// HandleRemoteClose ends a session after the remote side stopped producing
// output. A clean EOF is a normal closure; anything else is a remote error.
func (m *Manager) HandleRemoteClose(sess *Session, err error) {
	if err == nil || errors.Is(err, io.EOF) {
		m.terminate(sess, database.SessionClosed, "remote shell exited", audit.ActionSessionClosed)
		return
	}
	m.terminate(sess, database.SessionError, "connection error", audit.ActionSessionError)
}

// EvictIdle force-closes sessions whose idle time exceeds the timeout and
// releases their connections. Returns the number of sessions evicted.
// Called periodically by the scheduler.
func (m *Manager) EvictIdle() int {
	cutoff := m.nowFn().Add(-m.idleTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, sess := range m.sessions {
		if sess.Status() == database.SessionActive && sess.LastActivity().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range idle {
		log.Printf("[terminal] session %s idle since %s, evicting",
			sess.ID, sess.LastActivity().Format(time.RFC3339))
		m.terminate(sess, database.SessionTimeout, "idle timeout", audit.ActionSessionTimeout)
	}
	return len(idle)
}

// terminate moves a session out of active exactly once, closes the PTY and
// the SSH connection, persists the terminal status and emits one audit
// event. Later calls with any status are no-ops.
func (m *Manager) terminate(sess *Session, status, reason, action string) {
	sess.mu.Lock()
	if sess.status != database.SessionActive {
		sess.mu.Unlock()
		return
	}
	sess.status = status
	sess.mu.Unlock()

	sess.Terminal.Close()
	sess.client.Close()
	close(sess.done)

	now := m.nowFn()
	if err := m.db.Model(&database.TerminalSession{}).
		Where("id = ? AND status = ?", sess.ID, database.SessionActive).
		Updates(map[string]interface{}{
			"status":   status,
			"reason":   reason,
			"ended_at": &now,
		}).Error; err != nil {
		log.Printf("[terminal] session %s: persist status: %v", sess.ID, err)
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	m.emitter.Emit(sess.Actor, action, audit.TargetSession, sess.ID, reason)
	log.Printf("[terminal] session %s ended: status=%s reason=%s", sess.ID, status, reason)
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop force-closes every live session, for shutdown.
func (m *Manager) Stop() {
	m.mu.RLock()
	var all []*Session
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	for _, sess := range all {
		m.terminate(sess, database.SessionClosed, "server shutdown", audit.ActionSessionClosed)
	}
}

// ListOptions filters session listings.
type ListOptions struct {
	ServerID uint
	Actor    string
	Status   string
	Limit    int
	Offset   int
}

// List returns persisted session records matching the options, newest first.
func (m *Manager) List(opts ListOptions) ([]database.TerminalSession, error) {
	tx := m.db.Model(&database.TerminalSession{})
	if opts.ServerID > 0 {
		tx = tx.Where("server_id = ?", opts.ServerID)
	}
	if opts.Actor != "" {
		tx = tx.Where("actor = ?", opts.Actor)
	}
	if opts.Status != "" {
		tx = tx.Where("status = ?", opts.Status)
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	var sessions []database.TerminalSession
	if err := tx.Order("started_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
