package broadcast

import "context"

// Outbound is one message as handed to a live session: rendered text, plus
// resolved media bytes when the job is media-typed.
type Outbound struct {
	Text     string
	Media    []byte
	MimeType string
	Caption  string
}

// SendResult is the structured outcome of one send attempt. RateLimited set
// means the provider signalled throttling for the whole connection and the
// worker must trip the cooldown breaker instead of continuing.
type SendResult struct {
	MessageID   string
	RateLimited bool
	Err         error
}

// Sender is the narrow capability the dispatch worker needs from a live
// session. The connection layer implements it; the worker never imports the
// registry.
type Sender interface {
	Send(ctx context.Context, phone string, out Outbound) SendResult
}

// SenderResolver resolves a usable sender for a connection id, or an error
// when no live session exists.
type SenderResolver interface {
	SenderFor(connectionID string) (Sender, error)
}
