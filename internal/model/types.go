package model

import "time"

// Connection lifecycle states.
const (
	StateIdle            = "idle"
	StateConnecting      = "connecting"
	StateOpen            = "open"
	StateReconnecting    = "reconnecting"
	StateLoggedOut       = "logged_out"
	StateReplaced        = "replaced"
	StateReconnectFailed = "reconnect_failed"
)

// Broadcast job statuses.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobDelayed   = "delayed"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Per-recipient ledger statuses. Skipped marks rows that were never
// attempted because the job failed first.
const (
	MsgWaiting = "waiting"
	MsgSent    = "sent"
	MsgFailed  = "failed"
	MsgSkipped = "skipped"
)

// Speed tiers. The tier default applies when the owning account's plan does
// not set an explicit messages-per-minute ceiling.
const (
	SpeedFast   = "fast"
	SpeedNormal = "normal"
	SpeedSlow   = "slow"
)

// RateForSpeed returns the default messages-per-minute rate for a speed tier.
// Unknown tiers fall back to normal.
func RateForSpeed(speed string) int {
	switch speed {
	case SpeedFast:
		return 20
	case SpeedSlow:
		return 6
	default:
		return 10
	}
}

// TriggerFlags selects which event classes a webhook receives.
type TriggerFlags struct {
	Group      bool `json:"group"`
	Private    bool `json:"private"`
	Broadcast  bool `json:"broadcast"`
	Newsletter bool `json:"newsletter"`
}

// WebhookConfig is the outbound notification target for a connection.
type WebhookConfig struct {
	URL      string       `json:"url"`
	Triggers TriggerFlags `json:"triggers"`
}

// AgentConfig points a connection at an optional external agent.
type AgentConfig struct {
	URL     string            `json:"url"`
	Options map[string]string `json:"options,omitempty"`
}

// Connection binds one WhatsApp account to the system.
type Connection struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	OwnerID           string        `json:"owner_id"`
	APIKey            string        `json:"api_key,omitempty"`
	Connected         bool          `json:"connected"`
	State             string        `json:"status"`
	Phone             string        `json:"phone,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	LastSeen          *time.Time    `json:"last_seen,omitempty"`
	Webhook           WebhookConfig `json:"webhook"`
	Agent             *AgentConfig  `json:"agent,omitempty"`
	QRCode            string        `json:"qr_code,omitempty"` // base64 PNG while pairing is pending
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Recipient is one target of a broadcast: a digits-only phone number plus the
// data row used for template substitution.
type Recipient struct {
	Phone string            `json:"phone"`
	Data  map[string]string `json:"data,omitempty"`
}

// MediaRef points at broadcast media, either by URL or by asset id.
type MediaRef struct {
	URL     string `json:"url,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
}

// IsZero reports whether no media is referenced.
func (m MediaRef) IsZero() bool { return m.URL == "" && m.AssetID == "" }

// BroadcastJob is one queued unit of work: a full request, or a single batch
// of a request that was split.
type BroadcastJob struct {
	ID           string     `json:"id"`
	ParentJobID  string     `json:"parent_job_id,omitempty"`
	ConnectionID string     `json:"connection_id"`
	OwnerID      string     `json:"owner_id"`
	Type         string     `json:"type"` // "text" or "media"
	Message      string     `json:"message"`
	Media        MediaRef   `json:"media"`
	Speed        string     `json:"speed"`
	DedupKey     string     `json:"deduplication_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Total        int        `json:"total"`
	Sent         int        `json:"sent"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MessageRecord is one ledger row: the outcome of one recipient in one job.
type MessageRecord struct {
	JobID             string    `json:"job_id"`
	Recipient         string    `json:"recipient"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// JobPayload is the queue entry for one job. The ledger in the database is
// the source of truth for per-recipient state; the payload carries everything
// the dispatch worker needs without a registry lookup.
type JobPayload struct {
	JobID        string      `json:"job_id"`
	ParentJobID  string      `json:"parent_job_id,omitempty"`
	ConnectionID string      `json:"connection_id"`
	OwnerID      string      `json:"owner_id"`
	CredentialID string      `json:"credential_id"`
	Type         string      `json:"type"`
	Message      string      `json:"message"`
	Media        MediaRef    `json:"media"`
	Recipients   []Recipient `json:"recipients"`
	Speed        string      `json:"speed"`
	DedupKey     string      `json:"deduplication_id"`
	Attempts     int         `json:"attempts"`
}
