// Package dispatch serializes all outbound sends through one paced FIFO so
// the messaging network never sees a burst, and applies the per-send retry
// policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aM5431/wasel/internal/helper"
	"github.com/aM5431/wasel/internal/model"
	"github.com/aM5431/wasel/internal/transport"
)

// ErrSessionCorrupted is terminal: the send hit the corruption signature and
// the session must be re-paired. Callers must not retry.
var ErrSessionCorrupted = errors.New("session corrupted, re-pair required")

// Registry resolves a session id to its live handle at send time.
type Registry interface {
	GetSession(id string) *model.Session
}

// Task is one queued outbound message. The queue owns it exclusively until
// it reaches a terminal outcome; tasks are not persisted across restarts.
type Task struct {
	ID        string
	SessionID string
	Recipient string
	Payload   transport.Payload
	Attempt   int
}

type Config struct {
	// Pacing is the minimum spacing between any two sends, enforced after
	// every task regardless of outcome.
	Pacing time.Duration
	// RetryDelay and MaxRetries govern the per-send retry budget for
	// transient errors. Zero MaxRetries takes the default budget of two;
	// a negative value disables retries.
	RetryDelay time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Pacing <= 0 {
		c.Pacing = 3 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Queue is the global outbound FIFO with a single drain loop.
type Queue struct {
	registry Registry
	cfg      Config
	log      zerolog.Logger
	limiter  *rate.Limiter

	mu         sync.Mutex
	tasks      []Task
	processing bool
}

func NewQueue(registry Registry, cfg Config, log zerolog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "dispatch").Logger(),
		limiter:  rate.NewLimiter(rate.Every(cfg.Pacing), 1),
	}
}

// Enqueue appends a task and starts the drain loop if it is idle.
func (q *Queue) Enqueue(t Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	start := !q.processing
	if start {
		q.processing = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// drain pops tasks in FIFO order. Task errors are logged and never stop the
// loop; one poisoned task must not block the rest.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		// Inter-send pacing: the limiter spaces every two sends by the
		// configured delay, whatever the previous task's outcome was.
		_ = q.limiter.Wait(context.Background())

		if err := q.process(t); err != nil {
			q.log.Error().Err(err).
				Str("task", t.ID).
				Str("session", t.SessionID).
				Str("recipient", t.Recipient).
				Msg("dispatch task failed")
		}
	}
}

func (q *Queue) process(t Task) error {
	switch p := t.Payload.(type) {
	case transport.TextPayload:
		// Queued texts are spintax templates; resolve per send so repeated
		// reminders are not byte-identical.
		p.Text = helper.RenderSpintax(p.Text)
		_, err := q.send(t.SessionID, t.Recipient, p, t.Attempt)
		return err
	case transport.ButtonsPayload:
		_, err := q.send(t.SessionID, t.Recipient, p, t.Attempt)
		return err
	case transport.MediaPayload:
		return q.SendMediaWithFallback(t.SessionID, t.Recipient, p)
	default:
		return fmt.Errorf("unsupported payload type %T", t.Payload)
	}
}

// SendText sends a plain text message. A nil result with nil error means the
// session was absent or not authenticated: undeliverable right now, do not
// retry here.
func (q *Queue) SendText(sessionID, recipient, text string) (*transport.SendResult, error) {
	return q.send(sessionID, recipient, transport.TextPayload{Text: text}, 0)
}

func (q *Queue) SendButtons(sessionID, recipient string, p transport.ButtonsPayload) (*transport.SendResult, error) {
	return q.send(sessionID, recipient, p, 0)
}

func (q *Queue) SendMedia(sessionID, recipient string, p transport.MediaPayload) (*transport.SendResult, error) {
	return q.send(sessionID, recipient, p, 0)
}

// SendMediaWithFallback degrades a failed media send to a plain-text send of
// the caption, so a transient media failure never fully silences a scheduled
// reminder. Corruption is not degraded; it propagates.
func (q *Queue) SendMediaWithFallback(sessionID, recipient string, p transport.MediaPayload) error {
	_, err := q.SendMedia(sessionID, recipient, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionCorrupted) {
		return err
	}
	q.log.Warn().Err(err).
		Str("session", sessionID).
		Str("recipient", recipient).
		Msg("media send failed, falling back to text caption")
	if p.Caption == "" {
		return err
	}
	_, err = q.SendText(sessionID, recipient, p.Caption)
	return err
}

// send resolves the session fresh on every attempt (the task holds only the
// id, never the connection) and applies the retry policy: corruption is
// terminal on the first hit, transient errors retry up to MaxRetries times
// with a fixed delay, and the last underlying error propagates.
func (q *Queue) send(sessionID, recipient string, payload transport.Payload, attempt int) (*transport.SendResult, error) {
	to := helper.NormalizeRecipient(recipient)

	for {
		sess := q.registry.GetSession(sessionID)
		if sess == nil || sess.Socket == nil || !sess.Socket.Connected() {
			q.log.Warn().
				Str("session", sessionID).
				Str("recipient", recipient).
				Msg("session unavailable, message undeliverable")
			return nil, nil
		}

		res, err := sess.Socket.Send(context.Background(), to, payload)
		if err == nil {
			return res, nil
		}

		if transport.IsCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
		}

		if attempt >= q.cfg.MaxRetries {
			return nil, fmt.Errorf("send to %s via session %s: %w", recipient, sessionID, err)
		}

		attempt++
		q.log.Warn().Err(err).
			Str("session", sessionID).
			Str("recipient", recipient).
			Int("attempt", attempt).
			Msg("send failed, retrying")
		time.Sleep(q.cfg.RetryDelay)
	}
}

// Pending reports how many tasks are waiting, including none while the drain
// loop holds the current one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
