// Package health keeps a per-session failure history and decides whether
// reconnecting a session is currently advisable.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventFailure    EventKind = "failure"
	EventReconnect  EventKind = "reconnect"
	EventFatalError EventKind = "fatal_error"
)

type Event struct {
	Kind EventKind
	At   time.Time
}

// Settings are socket tuning parameters derived from recent failure history.
type Settings struct {
	KeepAliveInterval time.Duration
}

type Config struct {
	// FailureWindow and FailureThreshold bound the reconnect rate: once the
	// window holds that many failures, further attempts are denied until the
	// old entries age out.
	FailureWindow    time.Duration
	FailureThreshold int

	BaseKeepAlive     time.Duration
	DegradedKeepAlive time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseKeepAlive <= 0 {
		c.BaseKeepAlive = 20 * time.Second
	}
	if c.DegradedKeepAlive <= 0 {
		c.DegradedKeepAlive = 45 * time.Second
	}
	return c
}

// Monitor holds one append-only event log per session. All methods are safe
// for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	records map[string][]Event
	log     zerolog.Logger

	now func() time.Time
}

func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		records: make(map[string][]Event),
		log:     log.With().Str("component", "health").Logger(),
		now:     time.Now,
	}
}

// StartMonitoring initializes the log for a session. Calling it again for a
// known session keeps the existing history.
func (m *Monitor) StartMonitoring(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		m.records[id] = nil
	}
}

func (m *Monitor) RecordEvent(id string, kind EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = append(m.records[id], Event{Kind: kind, At: m.now()})
	if kind == EventFatalError {
		m.log.Error().Str("session", id).Msg("fatal error recorded, reconnects disabled")
	}
}

// ShouldAttemptConnection is false forever once a fatal_error is on record,
// and false while the recent window holds too many failures. A session with
// no history may always attempt.
func (m *Monitor) ShouldAttemptConnection(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.records[id]
	cutoff := m.now().Add(-m.cfg.FailureWindow)
	recent := 0
	for _, e := range events {
		if e.Kind == EventFatalError {
			return false
		}
		if e.Kind == EventFailure && e.At.After(cutoff) {
			recent++
		}
	}
	return recent < m.cfg.FailureThreshold
}

// OptimalSettings stretches the keepalive cadence when the session has been
// failing recently, to stop a flapping link from burning reconnect budget.
func (m *Monitor) OptimalSettings(id string) Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.FailureWindow)
	recent := 0
	for _, e := range m.records[id] {
		if e.Kind == EventFailure && e.At.After(cutoff) {
			recent++
		}
	}
	if recent >= m.cfg.FailureThreshold/2 && recent > 0 {
		return Settings{KeepAliveInterval: m.cfg.DegradedKeepAlive}
	}
	return Settings{KeepAliveInterval: m.cfg.BaseKeepAlive}
}

// Cleanup discards the session's log. A later StartMonitoring begins fresh.
func (m *Monitor) Cleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// Events returns a copy of the session's event log, oldest first.
func (m *Monitor) Events(id string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.records[id]))
	copy(out, m.records[id])
	return out
}
