package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aM5431/wasel/internal/model"
	"github.com/aM5431/wasel/internal/transport"
)

type sentRecord struct {
	to      string
	payload transport.Payload
	at      time.Time
}

type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	sends     []sentRecord
	// onSend decides the outcome of each send; nil means success.
	onSend func(p transport.Payload) error
}

func (s *fakeSocket) Send(ctx context.Context, to string, p transport.Payload) (*transport.SendResult, error) {
	s.mu.Lock()
	s.sends = append(s.sends, sentRecord{to: to, payload: p, at: time.Now()})
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		if err := onSend(p); err != nil {
			return nil, err
		}
	}
	return &transport.SendResult{MessageID: "MSG", Timestamp: time.Now()}, nil
}

func (s *fakeSocket) Close()                             {}
func (s *fakeSocket) Logout(ctx context.Context) error   { return nil }
func (s *fakeSocket) Identity() *transport.Identity      { return nil }
func (s *fakeSocket) Events() <-chan transport.Event     { return nil }
func (s *fakeSocket) QueryAddressExistence(ctx context.Context, to string) (bool, error) {
	return true, nil
}
func (s *fakeSocket) FetchParticipatingGroups(ctx context.Context) ([]transport.GroupInfo, error) {
	return nil, nil
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) recorded() []sentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentRecord, len(s.sends))
	copy(out, s.sends)
	return out
}

type fakeRegistry struct {
	sessions map[string]*model.Session
}

func (r *fakeRegistry) GetSession(id string) *model.Session {
	return r.sessions[id]
}

func newTestQueue(cfg Config, sock *fakeSocket) *Queue {
	reg := &fakeRegistry{sessions: map[string]*model.Session{}}
	if sock != nil {
		reg.sessions["s1"] = &model.Session{ID: "s1", Status: model.StatusConnected, Socket: sock}
	}
	return NewQueue(reg, cfg, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConfigDefaults(t *testing.T) {
	q := NewQueue(&fakeRegistry{}, Config{}, zerolog.Nop())
	assert.Equal(t, 3*time.Second, q.cfg.Pacing)
	assert.Equal(t, 2*time.Second, q.cfg.RetryDelay)
	assert.Equal(t, 2, q.cfg.MaxRetries, "zero-value config keeps the retry budget")

	q = NewQueue(&fakeRegistry{}, Config{MaxRetries: -1}, zerolog.Nop())
	assert.Zero(t, q.cfg.MaxRetries, "negative disables retries")
}

func TestSendRetryBudget(t *testing.T) {
	sock := &fakeSocket{
		connected: true,
		onSend:    func(transport.Payload) error { return errors.New("stream error: timed out") },
	}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, sock)

	res, err := q.SendText("s1", "+20 106-628-4516", "hello")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Len(t, sock.recorded(), 3, "initial attempt plus two retries")
}

func TestCorruptionShortCircuitsRetries(t *testing.T) {
	sock := &fakeSocket{
		connected: true,
		onSend:    func(transport.Payload) error { return errors.New("failed to decrypt message: Bad MAC") },
	}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, sock)

	_, err := q.SendText("s1", "201066284516", "hello")
	require.ErrorIs(t, err, ErrSessionCorrupted)
	assert.Len(t, sock.recorded(), 1, "corruption must never enter the retry branch")
}

func TestSendUnavailableSessionIsUndeliverable(t *testing.T) {
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, nil)

	res, err := q.SendText("missing", "201066284516", "hello")
	assert.Nil(t, res)
	assert.NoError(t, err)

	// Present but unauthenticated counts the same.
	sock := &fakeSocket{connected: false}
	q = newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, sock)
	res, err = q.SendText("s1", "201066284516", "hello")
	assert.Nil(t, res)
	assert.NoError(t, err)
	assert.Empty(t, sock.recorded())
}

func TestRecipientNormalizedAtSendTime(t *testing.T) {
	sock := &fakeSocket{connected: true}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 0}, sock)

	_, err := q.SendText("s1", "+20 106-628-4516", "hello")
	require.NoError(t, err)
	require.Len(t, sock.recorded(), 1)
	assert.Equal(t, "201066284516@s.whatsapp.net", sock.recorded()[0].to)
}

func TestQueuePacingAndOrder(t *testing.T) {
	const pacing = 50 * time.Millisecond
	sock := &fakeSocket{connected: true}
	q := newTestQueue(Config{Pacing: pacing, RetryDelay: time.Millisecond, MaxRetries: 0}, sock)

	recipients := []string{"2010000001", "2010000002", "2010000003"}
	for _, r := range recipients {
		q.Enqueue(Task{SessionID: "s1", Recipient: r, Payload: transport.TextPayload{Text: "reminder"}})
	}

	waitFor(t, func() bool { return len(sock.recorded()) == 3 }, "queue never drained")

	sends := sock.recorded()
	for i, r := range recipients {
		assert.Equal(t, r+"@s.whatsapp.net", sends[i].to, "FIFO enqueue order")
	}
	for i := 1; i < len(sends); i++ {
		gap := sends[i].at.Sub(sends[i-1].at)
		assert.GreaterOrEqual(t, gap, pacing-10*time.Millisecond,
			"sends %d and %d closer than the pacing delay", i-1, i)
	}
}

func TestPoisonedTaskDoesNotBlockQueue(t *testing.T) {
	var calls int
	sock := &fakeSocket{connected: true}
	sock.onSend = func(p transport.Payload) error {
		calls++
		if calls == 1 {
			return errors.New("stream error: unavailable")
		}
		return nil
	}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: -1}, sock)

	q.Enqueue(Task{SessionID: "s1", Recipient: "2010000001", Payload: transport.TextPayload{Text: "a"}})
	q.Enqueue(Task{SessionID: "s1", Recipient: "2010000002", Payload: transport.TextPayload{Text: "b"}})

	waitFor(t, func() bool { return len(sock.recorded()) == 2 }, "second task never processed")
	assert.Zero(t, q.Pending())
}

func TestQueuedTextResolvesSpintax(t *testing.T) {
	sock := &fakeSocket{connected: true}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 0}, sock)

	q.Enqueue(Task{SessionID: "s1", Recipient: "2010000001", Payload: transport.TextPayload{Text: "{hi|hi} there"}})

	waitFor(t, func() bool { return len(sock.recorded()) == 1 }, "task never processed")
	text, ok := sock.recorded()[0].payload.(transport.TextPayload)
	require.True(t, ok)
	assert.Equal(t, "hi there", text.Text)
}

func TestMediaFallsBackToCaption(t *testing.T) {
	sock := &fakeSocket{connected: true}
	sock.onSend = func(p transport.Payload) error {
		if _, ok := p.(transport.MediaPayload); ok {
			return errors.New("media upload failed")
		}
		return nil
	}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: -1}, sock)

	err := q.SendMediaWithFallback("s1", "2010000001", transport.MediaPayload{
		Kind:    transport.MediaImage,
		URL:     "https://example.com/prayer.png",
		Caption: "Fajr in 10 minutes",
	})
	require.NoError(t, err)

	sends := sock.recorded()
	require.Len(t, sends, 2)
	_, isMedia := sends[0].payload.(transport.MediaPayload)
	text, isText := sends[1].payload.(transport.TextPayload)
	assert.True(t, isMedia)
	require.True(t, isText)
	assert.Equal(t, "Fajr in 10 minutes", text.Text)
}

func TestMediaFallbackDoesNotMaskCorruption(t *testing.T) {
	sock := &fakeSocket{
		connected: true,
		onSend:    func(transport.Payload) error { return errors.New("Bad MAC error") },
	}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2}, sock)

	err := q.SendMediaWithFallback("s1", "2010000001", transport.MediaPayload{
		Kind:    transport.MediaImage,
		Data:    []byte{0x89, 0x50},
		Caption: "caption",
	})
	require.ErrorIs(t, err, ErrSessionCorrupted)
	assert.Len(t, sock.recorded(), 1, "no text fallback after corruption")
}

func TestSendButtons(t *testing.T) {
	sock := &fakeSocket{connected: true}
	q := newTestQueue(Config{Pacing: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 0}, sock)

	_, err := q.SendButtons("s1", "2010000001", transport.ButtonsPayload{
		Text:    "Subscribe?",
		Buttons: []transport.Button{{ID: "yes", Text: "Yes"}, {ID: "no", Text: "No"}},
	})
	require.NoError(t, err)
	require.Len(t, sock.recorded(), 1)
	p, ok := sock.recorded()[0].payload.(transport.ButtonsPayload)
	require.True(t, ok)
	assert.Len(t, p.Buttons, 2)
}
