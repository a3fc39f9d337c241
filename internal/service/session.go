// Package service owns the session registry and the per-session lifecycle:
// creation, QR pairing, auto-reconnect, corruption recovery and teardown.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/aM5431/wasel/config"
	"github.com/aM5431/wasel/internal/health"
	"github.com/aM5431/wasel/internal/model"
	"github.com/aM5431/wasel/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session id")
)

// Callbacks are how the scheduler/API caller observes a session. Any field
// may be nil.
type Callbacks struct {
	OnQR           func(sessionID string, png []byte)
	OnConnected    func(info model.SessionInfo)
	OnDisconnected func(sessionID string, reason DisconnectReason)
	OnMessage      func(sessionID string, msg transport.MessageEvent)
}

// DisconnectReason is delivered on every disconnect. Corrupted means the
// session state was discarded and a fresh create with IsNew is required.
type DisconnectReason struct {
	Message   string
	Corrupted bool
	LoggedOut bool
}

type Options struct {
	// IsNew wipes any existing credential state first, for deliberate
	// re-pairing.
	IsNew bool
}

// Manager is the session registry plus lifecycle state machine. Construct one
// per process and inject it; all mutation is serialized on its mutex.
type Manager struct {
	cfg      *config.Config
	log      zerolog.Logger
	factory  transport.Factory
	versions transport.VersionResolver
	health   *health.Monitor

	mu       sync.Mutex
	sessions map[string]*model.Session
	qrCache  map[string][]byte

	renderQR func(code string) ([]byte, error)
}

func NewManager(cfg *config.Config, log zerolog.Logger, factory transport.Factory, versions transport.VersionResolver, monitor *health.Monitor) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "session").Logger(),
		factory:  factory,
		versions: versions,
		health:   monitor,
		sessions: make(map[string]*model.Session),
		qrCache:  make(map[string][]byte),
		renderQR: func(code string) ([]byte, error) {
			return qrcode.Encode(code, qrcode.Medium, 512)
		},
	}
}

// CreateSession opens (or reuses) the connection for a session. Calling it
// while the session is already connected returns the existing handle
// unchanged.
func (m *Manager) CreateSession(ctx context.Context, id string, cb Callbacks, opts Options) (*model.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok && sess.Socket != nil && sess.Socket.Connected() {
		m.mu.Unlock()
		return sess, nil
	}
	retryCount := 0
	if prev, ok := m.sessions[id]; ok {
		retryCount = prev.RetryCount
	}
	m.mu.Unlock()

	if opts.IsNew {
		// Clean slate for deliberate re-pairing.
		m.RemoveSession(id)
		retryCount = 0
	}

	dir := m.credsDir(id)
	version := m.versions.Resolve(ctx)

	m.health.StartMonitoring(id)
	tuning := m.health.OptimalSettings(id)

	sess := &model.Session{
		ID:         id,
		Status:     model.StatusConnecting,
		RetryCount: retryCount,
		CredsDir:   dir,
	}

	m.mu.Lock()
	if old, ok := m.sessions[id]; ok && old.Socket != nil {
		// At most one live socket per session.
		old.Socket.Close()
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	sock, err := m.openSocket(ctx, id, dir, version, tuning)
	if err != nil && errors.Is(err, transport.ErrCredsCorrupt) {
		// Corrupt credential files: wipe the directory and retry once.
		// Connect failures never reach this branch; those keep the stored
		// credentials so the next attempt can resume the pairing.
		m.log.Warn().Err(err).Str("session", id).Msg("credential load failed, recreating directory")
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.log.Error().Err(rmErr).Str("session", id).Msg("failed to delete credential directory")
		}
		sock, err = m.openSocket(ctx, id, dir, version, tuning)
	}
	if err != nil {
		m.mu.Lock()
		sess.Status = model.StatusDisconnected
		m.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}

	m.mu.Lock()
	if m.sessions[id] != sess {
		// Lost a race with a concurrent create or removal; the registry
		// entry owns the socket, so this one must not stay alive.
		cur := m.sessions[id]
		m.mu.Unlock()
		sock.Close()
		if cur != nil {
			return cur, nil
		}
		return nil, fmt.Errorf("create session %s: %w", id, ErrSessionNotFound)
	}
	sess.Socket = sock
	if sock.Connected() {
		sess.Status = model.StatusConnected
		sess.RetryCount = 0
		if ident := sock.Identity(); ident != nil {
			sess.PhoneNumber = ident.PhoneNumber
			sess.Name = ident.Name
			sess.Device = ident.Device
		}
	}
	m.mu.Unlock()

	go m.consumeEvents(sess, sock, cb)

	m.log.Info().Str("session", id).Bool("is_new", opts.IsNew).Msg("session created")
	return sess, nil
}

func (m *Manager) openSocket(ctx context.Context, id, dir string, version transport.Version, tuning health.Settings) (transport.Socket, error) {
	return m.factory.NewSocket(ctx, transport.Config{
		SessionID:         id,
		CredsDir:          dir,
		Version:           version,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		QueryTimeout:      m.cfg.QueryTimeout,
		QRTimeout:         m.cfg.QRTimeout,
		KeepAliveInterval: tuning.KeepAliveInterval,
	})
}

// consumeEvents is the single consumer of one socket's event stream. It runs
// until the socket is closed.
func (m *Manager) consumeEvents(sess *model.Session, sock transport.Socket, cb Callbacks) {
	for evt := range sock.Events() {
		switch e := evt.(type) {
		case transport.QREvent:
			m.handleQR(sess, e, cb)
		case transport.ConnectedEvent:
			m.handleConnected(sess, e, cb)
		case transport.CredsSavedEvent:
			m.log.Debug().Str("session", sess.ID).Msg("credentials persisted")
		case transport.MessageEvent:
			m.handleMessage(sess, e, cb)
		case transport.LogLineEvent:
			// Fallback detection: the corruption can manifest as an internal
			// log line without a close event.
			m.log.Error().Str("session", sess.ID).Str("line", e.Line).Msg("corruption signature in transport log")
			m.recoverCorrupted(sess, cb)
			return
		case transport.DisconnectedEvent:
			m.handleDisconnect(sess, e, cb)
		}
	}
}

func (m *Manager) handleQR(sess *model.Session, e transport.QREvent, cb Callbacks) {
	png, err := m.renderQR(e.Code)
	if err != nil {
		m.log.Error().Err(err).Str("session", sess.ID).Msg("failed to render qr code")
		return
	}
	m.mu.Lock()
	m.qrCache[sess.ID] = png
	sess.Status = model.StatusQRPending
	m.mu.Unlock()
	m.log.Info().Str("session", sess.ID).Msg("qr code issued, waiting for scan")
	if cb.OnQR != nil {
		cb.OnQR(sess.ID, png)
	}
}

func (m *Manager) handleConnected(sess *model.Session, e transport.ConnectedEvent, cb Callbacks) {
	m.mu.Lock()
	delete(m.qrCache, sess.ID)
	sess.Status = model.StatusConnected
	sess.RetryCount = 0
	sess.PhoneNumber = e.Identity.PhoneNumber
	sess.Name = e.Identity.Name
	sess.Device = e.Identity.Device
	info := model.SessionInfo{
		SessionID:   sess.ID,
		PhoneNumber: sess.PhoneNumber,
		Name:        sess.Name,
		Connected:   true,
	}
	m.mu.Unlock()

	m.log.Info().Str("session", sess.ID).Str("phone", info.PhoneNumber).Msg("session connected")
	if cb.OnConnected != nil {
		cb.OnConnected(info)
	}
}

func (m *Manager) handleMessage(sess *model.Session, e transport.MessageEvent, cb Callbacks) {
	if cb.OnMessage == nil || e.FromMe {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			text := fmt.Sprint(r)
			if transport.IsCorruptionText(text) {
				m.log.Error().Str("session", sess.ID).Str("panic", text).Msg("corruption signature in message callback")
			} else {
				m.log.Warn().Str("session", sess.ID).Str("panic", text).Msg("message callback panicked")
			}
		}
	}()
	cb.OnMessage(sess.ID, e)
}

func (m *Manager) handleDisconnect(sess *model.Session, e transport.DisconnectedEvent, cb Callbacks) {
	m.mu.Lock()
	current := m.sessions[sess.ID] == sess
	m.mu.Unlock()
	if !current {
		// Deliberate teardown or a replaced socket; nothing to react to.
		return
	}

	m.health.RecordEvent(sess.ID, health.EventFailure)

	m.mu.Lock()
	sess.Status = model.StatusDisconnected
	m.mu.Unlock()

	reason := DisconnectReason{Message: errText(e.Err)}

	switch {
	case e.Kind == transport.CloseCorrupted || transport.IsCorruptionError(e.Err):
		m.recoverCorrupted(sess, cb)
		return

	case e.Kind == transport.CloseLoggedOut:
		reason.LoggedOut = true
		m.log.Warn().Str("session", sess.ID).Msg("logged out, scheduling removal")
		time.AfterFunc(m.cfg.LogoutRemoveDelay, func() {
			m.RemoveSession(sess.ID)
		})

	default:
		m.scheduleReconnect(sess, cb)
	}

	if cb.OnDisconnected != nil {
		cb.OnDisconnected(sess.ID, reason)
	}
}

// scheduleReconnect enqueues a bounded-backoff reconnect job if the health
// monitor permits another attempt and the retry budget is not exhausted.
func (m *Manager) scheduleReconnect(sess *model.Session, cb Callbacks) {
	if !m.health.ShouldAttemptConnection(sess.ID) {
		m.log.Warn().Str("session", sess.ID).Msg("health monitor denied reconnect, leaving session disconnected")
		return
	}
	if sess.RetryCount >= m.cfg.MaxReconnectAttempts {
		m.log.Warn().Str("session", sess.ID).Int("attempts", sess.RetryCount).Msg("reconnect budget exhausted, leaving session disconnected")
		return
	}

	m.health.RecordEvent(sess.ID, health.EventReconnect)

	m.mu.Lock()
	sess.RetryCount++
	attempt := sess.RetryCount
	m.mu.Unlock()

	delay := reconnectDelay(attempt, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
	m.log.Info().Str("session", sess.ID).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if _, err := m.CreateSession(ctx, sess.ID, cb, Options{}); err != nil {
			m.log.Error().Err(err).Str("session", sess.ID).Msg("reconnect attempt failed")
		}
	})
}

// reconnectDelay doubles per attempt starting from base, capped at max.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// recoverCorrupted is terminal: record the fatal event, tear the session
// down completely, then tell the caller exactly once. Re-pairing requires a
// fresh CreateSession with IsNew.
func (m *Manager) recoverCorrupted(sess *model.Session, cb Callbacks) {
	m.health.RecordEvent(sess.ID, health.EventFatalError)

	m.mu.Lock()
	sess.Status = model.StatusCorrupted
	m.mu.Unlock()

	m.log.Error().Str("session", sess.ID).Msg("session corrupted, discarding all state")
	m.RemoveSession(sess.ID)

	if cb.OnDisconnected != nil {
		cb.OnDisconnected(sess.ID, DisconnectReason{
			Message:   "session corrupted, re-pair required",
			Corrupted: true,
		})
	}
}

// RemoveSession tears a session down completely: socket, registry entry, QR
// cache, health record and the on-disk credential directory. Every step is
// best-effort and the call is idempotent.
func (m *Manager) RemoveSession(id string) {
	if err := validateID(id); err != nil {
		// The id becomes a filesystem path below; never let a malformed one
		// reach RemoveAll.
		m.log.Error().Err(err).Str("session", id).Msg("refusing to remove session with invalid id")
		return
	}

	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	delete(m.qrCache, id)
	if sess != nil {
		sess.Status = model.StatusRemoved
	}
	m.mu.Unlock()

	if sess != nil && sess.Socket != nil {
		sess.Socket.Close()
	}

	m.health.Cleanup(id)

	// Give the OS a moment to release file locks before deleting.
	time.Sleep(m.cfg.CleanupGraceDelay)
	dir := m.credsDir(id)
	if err := os.RemoveAll(dir); err != nil {
		m.log.Error().Err(err).Str("session", id).Str("dir", dir).Msg("failed to delete credential directory")
	}

	m.log.Info().Str("session", id).Msg("session removed")
}

// DisconnectSession closes the socket and drops the registry entry but keeps
// the on-disk credentials, so a later CreateSession resumes without
// re-pairing.
func (m *Manager) DisconnectSession(id string) {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	delete(m.qrCache, id)
	if sess != nil {
		sess.Status = model.StatusDisconnected
	}
	m.mu.Unlock()

	if sess == nil {
		return
	}
	if sess.Socket != nil {
		sess.Socket.Close()
	}
	m.log.Info().Str("session", id).Msg("session disconnected, credentials kept")
}

func (m *Manager) GetSession(id string) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) IsConnected(id string) bool {
	sess := m.GetSession(id)
	return sess != nil && sess.Socket != nil && sess.Socket.Connected()
}

func (m *Manager) GetSessionInfo(id string) *model.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[id]
	if sess == nil {
		return nil
	}
	return &model.SessionInfo{
		SessionID:   sess.ID,
		PhoneNumber: sess.PhoneNumber,
		Name:        sess.Name,
		Connected:   sess.Socket != nil && sess.Socket.Connected(),
	}
}

// GetQRCode returns the cached pairing image, or nil when the session is not
// waiting for a scan.
func (m *Manager) GetQRCode(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qrCache[id]
}

func (m *Manager) GetAllSessions() []model.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, model.SessionInfo{
			SessionID:   sess.ID,
			PhoneNumber: sess.PhoneNumber,
			Name:        sess.Name,
			Connected:   sess.Socket != nil && sess.Socket.Connected(),
		})
	}
	return out
}

// RestoreSessions re-creates every session that left a credential directory
// behind. Failures are logged per session and do not stop the scan.
func (m *Manager) RestoreSessions(ctx context.Context, cb Callbacks) error {
	entries, err := os.ReadDir(m.cfg.CredsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan credential root: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := m.CreateSession(ctx, id, cb, Options{}); err != nil {
			m.log.Error().Err(err).Str("session", id).Msg("failed to restore session")
			continue
		}
		restored++
	}
	m.log.Info().Int("restored", restored).Msg("session restore finished")
	return nil
}

func (m *Manager) credsDir(id string) string {
	return filepath.Join(m.cfg.CredsRoot, id)
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
