package whatsapp

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

	"wa_broadcast/internal/logger"
	"wa_broadcast/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waEvents "go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// maxMediaBytes bounds media downloaded for a campaign attachment.
const maxMediaBytes = 64 << 20

// StoreConfig selects where device credentials live.
type StoreConfig struct {
	Driver      string // sqlite (one file per session) or postgres (shared)
	DSN         string
	SessionsDir string
}

// WhatsmeowFactory opens whatsmeow clients backed by sqlstore.
type WhatsmeowFactory struct {
	cfg  StoreConfig
	log  zerolog.Logger
	http *http.Client

	mu     sync.Mutex
	shared *sqlstore.Container
}

// NewWhatsmeowFactory creates the factory. The shared postgres container is
// opened lazily on first use.
func NewWhatsmeowFactory(cfg StoreConfig, log zerolog.Logger) *WhatsmeowFactory {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	return &WhatsmeowFactory{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *WhatsmeowFactory) usesSharedStore() bool {
	return f.cfg.Driver == "postgres" || f.cfg.Driver == "pgx"
}

func (f *WhatsmeowFactory) sessionDir(sessionID string) string {
	return filepath.Join(f.cfg.SessionsDir, sessionID)
}

// container returns the credential store for a session and whether the caller owns it.
func (f *WhatsmeowFactory) container(ctx context.Context, sessionID string) (*sqlstore.Container, bool, error) {
	dbLog := logger.WhatsApp(f.log, "store")

	if f.usesSharedStore() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.shared == nil {
			c, err := sqlstore.New(ctx, "pgx", f.cfg.DSN, dbLog)
			if err != nil {
				return nil, false, fmt.Errorf("open shared credential store: %w", err)
			}
			f.shared = c
		}
		return f.shared, false, nil
	}

	dir := f.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("create session dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode=WAL&_pragma=synchronous=NORMAL",
		filepath.Join(dir, "store.db"))
	c, err := sqlstore.New(ctx, "sqlite", dsn, dbLog)
	if err != nil {
		return nil, false, fmt.Errorf("open credential store: %w", err)
	}
	return c, true, nil
}

func (f *WhatsmeowFactory) device(ctx context.Context, c *sqlstore.Container, opts OpenOptions) (*store.Device, error) {
	if !f.usesSharedStore() {
		return c.GetFirstDevice(ctx)
	}
	if opts.DeviceJID != "" {
		jid, err := types.ParseJID(opts.DeviceJID)
		if err == nil {
			dev, err := c.GetDevice(ctx, jid)
			if err != nil {
				return nil, err
			}
			if dev != nil {
				return dev, nil
			}
		}
	}
	return c.NewDevice(), nil
}

// Open builds a client for the session. Events are delivered to handle.
func (f *WhatsmeowFactory) Open(ctx context.Context, opts OpenOptions, handle func(Event)) (Conn, error) {
	c, owned, err := f.container(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}
	dev, err := f.device(ctx, c, opts)
	if err != nil {
		if owned {
			_ = c.Close()
		}
		return nil, fmt.Errorf("load device: %w", err)
	}

	log := f.log.With().Str("session_id", opts.SessionID).Logger()
	conn := &whatsmeowConn{
		sessionID: opts.SessionID,
		client:    whatsmeow.NewClient(dev, logger.WhatsApp(log, "client")),
		container: c,
		owned:     owned,
		handle:    handle,
		http:      f.http,
		log:       log,
	}
	conn.client.AddEventHandler(conn.dispatch)
	return conn, nil
}

// Purge removes the credential cache of a session.
func (f *WhatsmeowFactory) Purge(ctx context.Context, opts OpenOptions) error {
	if !f.usesSharedStore() {
		if err := os.RemoveAll(f.sessionDir(opts.SessionID)); err != nil {
			return fmt.Errorf("remove session dir: %w", err)
		}
		return nil
	}
	if opts.DeviceJID == "" {
		return nil
	}
	jid, err := types.ParseJID(opts.DeviceJID)
	if err != nil {
		return fmt.Errorf("parse device jid: %w", err)
	}
	c, _, err := f.container(ctx, opts.SessionID)
	if err != nil {
		return err
	}
	dev, err := c.GetDevice(ctx, jid)
	if err != nil || dev == nil {
		return err
	}
	return c.DeleteDevice(ctx, dev)
}

// Close releases the shared credential store.
func (f *WhatsmeowFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shared == nil {
		return nil
	}
	err := f.shared.Close()
	f.shared = nil
	return err
}

// whatsmeowConn adapts one whatsmeow client to Conn.
type whatsmeowConn struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	owned     bool
	handle    func(Event)
	http      *http.Client
	log       zerolog.Logger

	closeOnce sync.Once
}

func (c *whatsmeowConn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		go c.watchQR(qrChan)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *whatsmeowConn) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.handle(Event{Kind: EventChallenge, Challenge: item.Code})
		case "success":
			// Connected follows.
		case "timeout":
			c.log.Info().Msg("pairing window expired")
			c.handle(Event{Kind: EventDisconnected, Err: errors.New("pairing window expired")})
		default:
			c.log.Warn().Str("event", item.Event).Err(item.Error).Msg("pairing failed")
			c.handle(Event{Kind: EventDisconnected, Err: item.Error})
		}
	}
}

func (c *whatsmeowConn) dispatch(raw interface{}) {
	switch evt := raw.(type) {
	case *waEvents.Connected:
		var device string
		if c.client.Store.ID != nil {
			device = c.client.Store.ID.String()
		}
		c.handle(Event{Kind: EventReady, DeviceJID: device})
	case *waEvents.Disconnected:
		c.handle(Event{Kind: EventDisconnected})
	case *waEvents.StreamReplaced:
		c.handle(Event{Kind: EventDisconnected, Err: errors.New("stream replaced by another connection")})
	case *waEvents.LoggedOut:
		err := fmt.Errorf("logged out: %s", evt.Reason.String())
		c.handle(Event{Kind: EventAuthFailure, Err: err})
		c.handle(Event{Kind: EventDisconnected, Err: err})
	case *waEvents.ConnectFailure:
		err := fmt.Errorf("connect failure: %s %s", evt.Reason.String(), evt.Message)
		if evt.Reason.IsLoggedOut() {
			c.handle(Event{Kind: EventAuthFailure, Err: err})
		}
		c.handle(Event{Kind: EventDisconnected, Err: err})
	case *waEvents.Message:
		if evt.Info.IsFromMe || evt.Info.IsGroup {
			return
		}
		body := evt.Message.GetConversation()
		if body == "" {
			body = evt.Message.GetExtendedTextMessage().GetText()
		}
		c.handle(Event{Kind: EventMessage, Message: &InboundMessage{
			ID:        evt.Info.ID,
			From:      evt.Info.Sender.User,
			Body:      body,
			Timestamp: evt.Info.Timestamp,
		}})
	case *waEvents.Receipt:
		status := receiptStatus(evt.Type)
		if status == "" {
			return
		}
		ids := make([]string, len(evt.MessageIDs))
		for i, id := range evt.MessageIDs {
			ids[i] = string(id)
		}
		c.handle(Event{Kind: EventReceipt, Receipt: &Receipt{MessageIDs: ids, Status: status, Timestamp: evt.Timestamp}})
	}
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return models.MessageDelivered
	case types.ReceiptTypeRead:
		return models.MessageRead
	default:
		return ""
	}
}

func (c *whatsmeowConn) Send(ctx context.Context, target string, msg OutgoingMessage) (SendResult, error) {
	content, err := c.build(ctx, msg)
	if err != nil {
		return SendResult{}, err
	}
	resp, err := c.client.SendMessage(ctx, types.NewJID(target, types.DefaultUserServer), content)
	id := messageIDFromResponse(resp)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrMessageTimedOut) {
			return SendResult{MessageID: id}, fmt.Errorf("%w: %v", ErrAckUnreadable, err)
		}
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

// messageIDFromResponse is the one place a send response is turned into an id.
func messageIDFromResponse(resp whatsmeow.SendResponse) string {
	return strings.TrimSpace(string(resp.ID))
}

func (c *whatsmeowConn) build(ctx context.Context, msg OutgoingMessage) (*waE2E.Message, error) {
	if msg.Type == "" || msg.Type == models.MessageTypeText {
		return &waE2E.Message{Conversation: proto.String(msg.Text)}, nil
	}

	data, mime, err := c.fetch(ctx, msg.MediaURL)
	if err != nil {
		return nil, err
	}

	var mediaType whatsmeow.MediaType
	switch msg.Type {
	case models.MessageTypeImage:
		mediaType = whatsmeow.MediaImage
	case models.MessageTypeVideo:
		mediaType = whatsmeow.MediaVideo
	case models.MessageTypeAudio:
		mediaType = whatsmeow.MediaAudio
	case models.MessageTypeDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("unsupported message type %q", msg.Type)
	}

	up, err := c.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	switch msg.Type {
	case models.MessageTypeImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(msg.Text),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.MessageTypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(msg.Text),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.MessageTypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		name := msg.MediaFilename
		if name == "" {
			name = filepath.Base(msg.MediaURL)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(msg.Text),
			FileName:      proto.String(name),
			Title:         proto.String(name),
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

func (c *whatsmeowConn) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", errors.New("media url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (c *whatsmeowConn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *whatsmeowConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.client.Disconnect()
		if c.owned {
			err = c.container.Close()
		}
	})
	return err
}
