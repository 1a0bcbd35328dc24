package wa

import (
	"context"
	"strings"
)

// EventKind enumerates the lifecycle signals a session client surfaces.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLoggedOut
	EventStreamReplaced
	EventKeepAliveTimeout
	EventQR
)

// Event is one lifecycle signal from the provider, already reduced to what
// the session state machine needs.
type Event struct {
	Kind   EventKind
	Phone  string // own number, when known
	QRCode string // pairing code for EventQR
	Reason string
}

// Client is the narrow surface the session state machine drives. The real
// implementation wraps a whatsmeow client; tests use a fake.
type Client interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	IsLoggedIn() bool
	SendText(ctx context.Context, phone, text string) (string, error)
	SendMedia(ctx context.Context, phone string, data []byte, mimeType, caption string) (string, error)
	// SetEventHandler registers the single lifecycle event sink. Must be
	// called before Connect.
	SetEventHandler(func(Event))
	// Teardown drops the socket and detaches the event handler. After
	// Teardown the client emits no further events.
	Teardown()
}

// ClientFactory builds a client for a connection id, resuming persisted
// credentials when they exist.
type ClientFactory func(ctx context.Context, connectionID string) (Client, error)

// IsRateLimitErr reports whether a send error is the provider throttling the
// whole account, as opposed to a per-recipient failure. This is the single
// signal that trips the per-connection cooldown breaker.
func IsRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate-overlimit"),
		strings.Contains(s, "too many"),
		strings.Contains(s, "429"),
		strings.Contains(s, "temporarily banned"):
		return true
	default:
		return false
	}
}
