// Package transport abstracts the WhatsApp connection behind an event-driven
// socket so the session lifecycle and dispatch layers never touch the wire
// protocol directly.
package transport

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Payload is one outbound message body. Exactly one of the concrete types
// below is passed to Socket.Send.
type Payload interface {
	payload()
}

type TextPayload struct {
	Text string
}

type Button struct {
	ID   string
	Text string
}

type ButtonsPayload struct {
	Text    string
	Footer  string
	Buttons []Button
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaPayload carries either a remote URL or raw bytes. Documents always go
// out with a filename and mimetype; empty values are filled with defaults.
type MediaPayload struct {
	Kind     MediaKind
	URL      string
	Data     []byte
	Caption  string
	FileName string
	MimeType string
}

func (TextPayload) payload()    {}
func (ButtonsPayload) payload() {}
func (MediaPayload) payload()   {}

type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Identity describes the authenticated account behind a connected socket.
type Identity struct {
	PhoneNumber string
	Name        string
	Device      string
}

type GroupInfo struct {
	JID  string
	Name string
}

// CloseKind classifies why a socket dropped. The adapter is the authoritative
// classifier; error-text matching is only a fallback.
type CloseKind int

const (
	// CloseTransient covers network flaps and anything else worth retrying.
	CloseTransient CloseKind = iota
	// CloseLoggedOut means the account was unlinked; reconnecting is futile.
	CloseLoggedOut
	// CloseCorrupted means the encrypted channel desynced (Bad MAC); the
	// session state must be discarded and re-paired.
	CloseCorrupted
)

// Event is one item from a socket's event stream.
type Event interface {
	event()
}

type QREvent struct {
	Code string
}

type ConnectedEvent struct {
	Identity Identity
}

type DisconnectedEvent struct {
	Kind CloseKind
	Err  error
}

// CredsSavedEvent signals that a credential mutation was flushed to disk.
type CredsSavedEvent struct{}

type MessageEvent struct {
	From   string
	Text   string
	FromMe bool
}

// LogLineEvent surfaces a diagnostic log line that matched the corruption
// signature. The failure can show up as a silent internal log instead of a
// close event, so the lifecycle manager watches this path too.
type LogLineEvent struct {
	Line string
}

func (QREvent) event()           {}
func (ConnectedEvent) event()    {}
func (DisconnectedEvent) event() {}
func (CredsSavedEvent) event()   {}
func (MessageEvent) event()      {}
func (LogLineEvent) event()      {}

// Socket is one live connection to the messaging network.
type Socket interface {
	Send(ctx context.Context, recipient string, payload Payload) (*SendResult, error)
	Close()
	Logout(ctx context.Context) error
	QueryAddressExistence(ctx context.Context, recipient string) (bool, error)
	FetchParticipatingGroups(ctx context.Context) ([]GroupInfo, error)
	Identity() *Identity
	Connected() bool
	// Events returns the socket's event stream. The channel is closed when
	// the socket is closed.
	Events() <-chan Event
}

// Config carries everything a factory needs to open one socket.
type Config struct {
	SessionID string
	CredsDir  string
	Version   Version

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	QRTimeout      time.Duration

	// KeepAliveInterval comes from the health monitor's tuning.
	KeepAliveInterval time.Duration
}

type Factory interface {
	NewSocket(ctx context.Context, cfg Config) (Socket, error)
}

// ErrCredsCorrupt marks a credential store that could not be loaded.
// Factories wrap load failures with it so the lifecycle layer knows the
// directory contents are unusable and safe to discard. Connect failures must
// never carry it: those leave the stored credentials intact.
var ErrCredsCorrupt = errors.New("credential store corrupt")

// Bad MAC is the one documented signature of cryptographic session
// corruption. Do not add further patterns.
var corruptionPattern = regexp.MustCompile(`(?i)bad mac`)

func IsCorruptionError(err error) bool {
	return err != nil && corruptionPattern.MatchString(err.Error())
}

func IsCorruptionText(s string) bool {
	return corruptionPattern.MatchString(s)
}
