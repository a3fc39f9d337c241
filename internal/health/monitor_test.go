package health

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// testMonitor returns a monitor with a controllable clock.
func testMonitor(cfg Config) (*Monitor, func(d time.Duration)) {
	m := NewMonitor(cfg, zerolog.Nop())
	now := time.Now()
	m.now = func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return m, advance
}

func TestFatalErrorIsTerminal(t *testing.T) {
	m, _ := testMonitor(Config{})
	m.StartMonitoring("s1")
	assert.True(t, m.ShouldAttemptConnection("s1"))

	m.RecordEvent("s1", EventFatalError)
	assert.False(t, m.ShouldAttemptConnection("s1"))

	// Subsequent events never resurrect the session.
	m.RecordEvent("s1", EventReconnect)
	m.RecordEvent("s1", EventFailure)
	assert.False(t, m.ShouldAttemptConnection("s1"))

	// Explicit removal plus a fresh start does.
	m.Cleanup("s1")
	m.StartMonitoring("s1")
	assert.True(t, m.ShouldAttemptConnection("s1"))
}

func TestFailureRateIsBounded(t *testing.T) {
	m, advance := testMonitor(Config{FailureWindow: time.Minute, FailureThreshold: 3})
	m.StartMonitoring("s1")

	m.RecordEvent("s1", EventFailure)
	m.RecordEvent("s1", EventFailure)
	assert.True(t, m.ShouldAttemptConnection("s1"))

	m.RecordEvent("s1", EventFailure)
	assert.False(t, m.ShouldAttemptConnection("s1"), "threshold reached inside window")

	// Old failures age out of the window.
	advance(2 * time.Minute)
	assert.True(t, m.ShouldAttemptConnection("s1"))
}

func TestStartMonitoringKeepsHistory(t *testing.T) {
	m, _ := testMonitor(Config{})
	m.StartMonitoring("s1")
	m.RecordEvent("s1", EventFatalError)

	m.StartMonitoring("s1")
	assert.False(t, m.ShouldAttemptConnection("s1"))
	assert.Len(t, m.Events("s1"), 1)
}

func TestOptimalSettingsAdaptToFailures(t *testing.T) {
	m, _ := testMonitor(Config{
		FailureWindow:     time.Minute,
		FailureThreshold:  4,
		BaseKeepAlive:     20 * time.Second,
		DegradedKeepAlive: 45 * time.Second,
	})
	m.StartMonitoring("s1")

	assert.Equal(t, 20*time.Second, m.OptimalSettings("s1").KeepAliveInterval)

	m.RecordEvent("s1", EventFailure)
	m.RecordEvent("s1", EventFailure)
	assert.Equal(t, 45*time.Second, m.OptimalSettings("s1").KeepAliveInterval)
}

func TestCleanupIsPerSession(t *testing.T) {
	m, _ := testMonitor(Config{})
	m.StartMonitoring("s1")
	m.StartMonitoring("s2")
	m.RecordEvent("s1", EventFatalError)
	m.RecordEvent("s2", EventFailure)

	m.Cleanup("s1")
	assert.Empty(t, m.Events("s1"))
	assert.Len(t, m.Events("s2"), 1)
}
