package wa

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blast/internal/authstate"
)

// NewContainer opens the whatsmeow device store on the same database as the
// rest of the system.
func NewContainer(ctx context.Context, dsn string, log zerolog.Logger) (*sqlstore.Container, error) {
	dbLog := waLog.Zerolog(log.With().Str("component", "wa-store").Logger())
	return sqlstore.New(ctx, "sqlite3", dsn, dbLog)
}

// NewClientFactory builds whatsmeow-backed clients. The auth-state store maps
// a connection id to its device JID so an existing registration is resumed
// instead of starting a fresh pairing.
func NewClientFactory(container *sqlstore.Container, auth *authstate.Store, log zerolog.Logger) ClientFactory {
	clientLog := waLog.Zerolog(log.With().Str("component", "wa-client").Logger())
	return func(ctx context.Context, connectionID string) (Client, error) {
		creds, err := auth.Load(ctx, connectionID)
		if err != nil {
			return nil, fmt.Errorf("load auth state for %s: %w", connectionID, err)
		}

		device := container.NewDevice()
		if creds.Registered && creds.DeviceJID != "" {
			jid, err := types.ParseJID(creds.DeviceJID)
			if err == nil {
				if d, err := container.GetDevice(ctx, jid); err == nil && d != nil {
					device = d
				}
			}
		}

		cli := whatsmeow.NewClient(device, clientLog)
		return &meowClient{cli: cli, log: log.With().Str("connection", connectionID).Logger()}, nil
	}
}

// meowClient adapts *whatsmeow.Client to the Client interface, reducing the
// provider event stream to the session state machine's vocabulary.
type meowClient struct {
	cli *whatsmeow.Client
	log zerolog.Logger

	mu      sync.Mutex
	handler func(Event)
	qrOnce  sync.Once
}

func (m *meowClient) SetEventHandler(h func(Event)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()

	m.cli.AddEventHandler(func(raw interface{}) {
		switch evt := raw.(type) {
		case *events.Connected:
			m.emit(Event{Kind: EventConnected, Phone: m.ownPhone()})
		case *events.Disconnected:
			m.emit(Event{Kind: EventDisconnected, Reason: "stream closed"})
		case *events.LoggedOut:
			m.emit(Event{Kind: EventLoggedOut, Reason: fmt.Sprintf("logged out: %v", evt.Reason)})
		case *events.StreamReplaced:
			m.emit(Event{Kind: EventStreamReplaced, Reason: "stream replaced"})
		case *events.KeepAliveTimeout:
			m.emit(Event{Kind: EventKeepAliveTimeout, Reason: fmt.Sprintf("keepalive errors=%d", evt.ErrorCount)})
		case *events.ConnectFailure:
			m.emit(Event{Kind: EventDisconnected, Reason: fmt.Sprintf("connect failure: %s", evt.Reason)})
		}
	})
}

func (m *meowClient) emit(e Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (m *meowClient) ownPhone() string {
	if m.cli.Store != nil && m.cli.Store.ID != nil {
		return m.cli.Store.ID.User
	}
	return ""
}

// Connect opens the socket. For an unpaired device it also forwards QR codes
// from the pairing channel as events; the QR websocket uses a background
// context so it outlives the caller.
func (m *meowClient) Connect() error {
	if m.cli.Store.ID == nil {
		m.qrOnce.Do(func() {
			qrChan, err := m.cli.GetQRChannel(context.Background())
			if err != nil {
				m.log.Error().Err(err).Msg("qr channel unavailable")
				return
			}
			go func() {
				for item := range qrChan {
					if item.Event == "code" && item.Code != "" {
						m.emit(Event{Kind: EventQR, QRCode: item.Code})
					}
				}
			}()
		})
	}
	return m.cli.Connect()
}

func (m *meowClient) Disconnect() { m.cli.Disconnect() }

// Teardown detaches all provider event handlers before dropping the socket,
// so an orphaned client cannot feed events to a superseded session.
func (m *meowClient) Teardown() {
	m.cli.RemoveEventHandlers()
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
	m.cli.Disconnect()
}

func (m *meowClient) Logout(ctx context.Context) error { return m.cli.Logout(ctx) }

func (m *meowClient) IsConnected() bool { return m.cli.IsConnected() }

func (m *meowClient) IsLoggedIn() bool { return m.cli.IsLoggedIn() }

func (m *meowClient) SendText(ctx context.Context, phone, text string) (string, error) {
	jid := types.NewJID(phone, types.DefaultUserServer)
	msg := &waProto.Message{Conversation: strptr(text)}
	resp, err := m.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *meowClient) SendMedia(ctx context.Context, phone string, data []byte, mimeType, caption string) (string, error) {
	jid := types.NewJID(phone, types.DefaultUserServer)

	mediaType := whatsmeow.MediaImage
	if strings.HasPrefix(mimeType, "video/") {
		mediaType = whatsmeow.MediaVideo
	}
	up, err := m.cli.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	length := uint64(len(data))

	var msg *waProto.Message
	if mediaType == whatsmeow.MediaVideo {
		msg = &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimeType),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	} else {
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimeType),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	}
	resp, err := m.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
