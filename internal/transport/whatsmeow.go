package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

const credsDBFile = "creds.db"

// eventBuffer sizes the per-socket event channel. The consumer loop only does
// callback work, so this never fills in practice; emit drops on overflow
// rather than blocking whatsmeow's event dispatcher.
const eventBuffer = 256

// WhatsmeowFactory opens whatsmeow-backed sockets with credentials stored in
// one SQLite file per session directory.
type WhatsmeowFactory struct {
	log        zerolog.Logger
	httpClient *http.Client
}

func NewWhatsmeowFactory(log zerolog.Logger) *WhatsmeowFactory {
	return &WhatsmeowFactory{
		log:        log.With().Str("component", "transport").Logger(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *WhatsmeowFactory) NewSocket(ctx context.Context, cfg Config) (Socket, error) {
	if err := os.MkdirAll(cfg.CredsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	slog := f.log.With().Str("session", cfg.SessionID).Logger()

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)",
		filepath.Join(cfg.CredsDir, credsDBFile))
	container, err := sqlstore.New(ctx, "sqlite", dsn, newWALogBridge(slog.With().Str("stream", "db").Logger(), nil))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w: %v", ErrCredsCorrupt, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device credentials: %w: %v", ErrCredsCorrupt, err)
	}

	if cfg.Version != (Version{}) {
		store.SetWAVersion(store.WAVersionContainer(cfg.Version))
	}
	store.DeviceProps.Os = proto.String("wasel")

	// whatsmeow's keepalive knobs are package-level; last writer wins, which
	// is tolerable because every session gets tuning from the same monitor.
	if cfg.KeepAliveInterval > 0 {
		whatsmeow.KeepAliveIntervalMin = cfg.KeepAliveInterval
		whatsmeow.KeepAliveIntervalMax = cfg.KeepAliveInterval + 10*time.Second
	}

	s := &waSocket{
		events:       make(chan Event, eventBuffer),
		log:          slog,
		httpClient:   f.httpClient,
		queryTimeout: cfg.QueryTimeout,
		container:    container,
	}

	clientLog := newWALogBridge(slog, s.tapLogLine)
	client := whatsmeow.NewClient(device, clientLog)
	// The lifecycle manager owns reconnects.
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)
	s.client = client

	if client.Store.ID == nil {
		// Not paired yet: the QR channel must be requested before Connect.
		qrCtx, cancel := context.WithTimeout(context.Background(), cfg.QRTimeout)
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			_ = container.Close()
			return nil, fmt.Errorf("open qr channel: %w", err)
		}
		s.qrCancel = cancel
		go s.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

type waSocket struct {
	client       *whatsmeow.Client
	container    *sqlstore.Container
	log          zerolog.Logger
	httpClient   *http.Client
	queryTimeout time.Duration
	qrCancel     context.CancelFunc

	closeOnce sync.Once
	events    chan Event

	mu        sync.Mutex
	closed    bool
	connected bool
	identity  *Identity
}

func (s *waSocket) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		id := Identity{Name: s.client.Store.PushName}
		if jid := s.client.Store.ID; jid != nil {
			id.PhoneNumber = jid.User
			id.Device = fmt.Sprintf("%s:%d", s.client.Store.Platform, jid.Device)
		}
		s.mu.Lock()
		s.connected = true
		s.identity = &id
		s.mu.Unlock()
		s.emit(ConnectedEvent{Identity: id})

	case *events.PairSuccess:
		// Pairing writes the credential material through sqlstore before the
		// event fires; surface the flush to the lifecycle manager.
		s.emit(CredsSavedEvent{})

	case *events.LoggedOut:
		s.setDisconnected()
		s.emit(DisconnectedEvent{Kind: CloseLoggedOut, Err: fmt.Errorf("logged out: %v", e.Reason)})

	case *events.StreamReplaced:
		s.setDisconnected()
		s.emit(DisconnectedEvent{Kind: CloseTransient, Err: errors.New("stream replaced by another client")})

	case *events.Disconnected:
		s.setDisconnected()
		s.emit(DisconnectedEvent{Kind: CloseTransient, Err: errors.New("connection closed")})

	case *events.Message:
		s.emit(MessageEvent{
			From:   e.Info.Sender.User,
			Text:   extractText(e.Message),
			FromMe: e.Info.IsFromMe,
		})
	}
}

func (s *waSocket) setDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *waSocket) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
		return
	default:
	}

	switch e.(type) {
	case ConnectedEvent, DisconnectedEvent:
		// State transitions must reach the consumer or the lifecycle
		// manager loses track of the session; evict the oldest buffered
		// event to make room.
		select {
		case dropped := <-s.events:
			s.log.Warn().Type("evicted", dropped).Msg("event channel full, evicting oldest event")
		default:
		}
		select {
		case s.events <- e:
		default:
		}
	default:
		s.log.Warn().Type("event", e).Msg("event channel full, dropping event")
	}
}

// tapLogLine feeds diagnostic log lines that carry the corruption signature
// back into the event stream as a fallback detection path.
func (s *waSocket) tapLogLine(line string) {
	if IsCorruptionText(line) {
		s.emit(LogLineEvent{Line: line})
	}
}

func (s *waSocket) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(QREvent{Code: item.Code})
		case "success":
			// Connected event follows from the client handler.
		case "timeout":
			s.emit(DisconnectedEvent{Kind: CloseTransient, Err: errors.New("qr scan timed out")})
		default:
			if item.Error != nil {
				s.log.Warn().Err(item.Error).Str("event", item.Event).Msg("qr channel error")
			}
		}
	}
}

func (s *waSocket) Send(ctx context.Context, recipient string, payload Payload) (*SendResult, error) {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient %q: %w", recipient, err)
	}

	var msg *waE2E.Message
	switch p := payload.(type) {
	case TextPayload:
		msg = &waE2E.Message{Conversation: proto.String(p.Text)}
	case ButtonsPayload:
		msg = buildButtonsMessage(p)
	case MediaPayload:
		msg, err = s.buildMediaMessage(ctx, p)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}

	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, err
	}
	return &SendResult{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func buildButtonsMessage(p ButtonsPayload) *waE2E.Message {
	buttons := make([]*waE2E.ButtonsMessage_Button, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		buttons = append(buttons, &waE2E.ButtonsMessage_Button{
			ButtonID:       proto.String(b.ID),
			ButtonText:     &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(b.Text)},
			Type:           waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
			NativeFlowInfo: &waE2E.ButtonsMessage_Button_NativeFlowInfo{},
		})
	}
	return &waE2E.Message{
		ButtonsMessage: &waE2E.ButtonsMessage{
			ContentText: proto.String(p.Text),
			FooterText:  proto.String(p.Footer),
			Buttons:     buttons,
			HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
		},
	}
}

func (s *waSocket) buildMediaMessage(ctx context.Context, p MediaPayload) (*waE2E.Message, error) {
	data := p.Data
	if len(data) == 0 {
		if p.URL == "" {
			return nil, errors.New("media payload has neither url nor data")
		}
		fetched, err := s.fetchMedia(ctx, p.URL)
		if err != nil {
			return nil, fmt.Errorf("fetch media: %w", err)
		}
		data = fetched
	}

	var mediaType whatsmeow.MediaType
	switch p.Kind {
	case MediaImage:
		mediaType = whatsmeow.MediaImage
	case MediaVideo:
		mediaType = whatsmeow.MediaVideo
	case MediaDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("unsupported media kind %q", p.Kind)
	}

	up, err := s.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	mime := p.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	switch p.Kind {
	case MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(p.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(p.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		name := p.FileName
		if name == "" {
			name = "document"
		}
		if p.MimeType == "" {
			mime = "application/octet-stream"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(name),
			FileName:      proto.String(name),
			Caption:       proto.String(p.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

func (s *waSocket) fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (s *waSocket) Close() {
	s.closeOnce.Do(func() {
		if s.qrCancel != nil {
			s.qrCancel()
		}
		s.client.Disconnect()
		if err := s.container.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close credential store")
		}
		s.mu.Lock()
		s.closed = true
		s.connected = false
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *waSocket) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *waSocket) QueryAddressExistence(ctx context.Context, recipient string) (bool, error) {
	user := recipient
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	resp, err := s.client.IsOnWhatsApp(ctx, []string{user})
	if err != nil {
		return false, fmt.Errorf("query address existence: %w", err)
	}
	return len(resp) > 0 && resp[0].IsIn, nil
}

func (s *waSocket) FetchParticipatingGroups(ctx context.Context) ([]GroupInfo, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{JID: g.JID.String(), Name: g.Name})
	}
	return out, nil
}

func (s *waSocket) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *waSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.client.IsConnected()
}

func (s *waSocket) Events() <-chan Event {
	return s.events
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	return msg.GetExtendedTextMessage().GetText()
}

// waLogBridge adapts whatsmeow's logger to zerolog, optionally teeing every
// line into a sink for the corruption fallback detector.
type waLogBridge struct {
	log  zerolog.Logger
	sink func(line string)
}

func newWALogBridge(log zerolog.Logger, sink func(string)) waLog.Logger {
	return &waLogBridge{log: log, sink: sink}
}

func (l *waLogBridge) line(msg string, args []interface{}) string {
	line := fmt.Sprintf(msg, args...)
	if l.sink != nil {
		l.sink(line)
	}
	return line
}

func (l *waLogBridge) Errorf(msg string, args ...interface{}) {
	l.log.Error().Msg(l.line(msg, args))
}

func (l *waLogBridge) Warnf(msg string, args ...interface{}) {
	l.log.Warn().Msg(l.line(msg, args))
}

func (l *waLogBridge) Infof(msg string, args ...interface{}) {
	l.log.Info().Msg(l.line(msg, args))
}

func (l *waLogBridge) Debugf(msg string, args ...interface{}) {
	l.log.Debug().Msg(l.line(msg, args))
}

func (l *waLogBridge) Sub(module string) waLog.Logger {
	return &waLogBridge{log: l.log.With().Str("module", module).Logger(), sink: l.sink}
}
