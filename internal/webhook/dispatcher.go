// Package webhook delivers job lifecycle notifications to per-connection
// webhook URLs. Delivery is fire-and-forget: a full queue or a dead endpoint
// never stalls dispatch.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blast/internal/events"
	"blast/internal/model"
	"blast/internal/storage"
)

const (
	queueSize    = 256
	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	Event        string              `json:"event"`
	ConnectionID string              `json:"connection_id"`
	Job          *model.BroadcastJob `json:"job"`
	Timestamp    time.Time           `json:"timestamp"`
}

// Dispatcher buffers notifications and delivers them asynchronously. Webhook
// URLs are cached per connection and refreshed from config-change events.
type Dispatcher struct {
	store  *storage.Store
	client *http.Client
	log    zerolog.Logger

	mu   sync.RWMutex
	urls map[string]string // connection id -> webhook URL, "" means looked up and absent

	ch    chan Payload
	unsub func()
	wg    sync.WaitGroup
}

func NewDispatcher(store *storage.Store, bus *events.Bus, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "webhook").Logger(),
		urls:   make(map[string]string),
		ch:     make(chan Payload, queueSize),
	}
	if bus != nil {
		var updates <-chan events.ConfigUpdated
		updates, d.unsub = bus.Subscribe(16)
		go func() {
			for e := range updates {
				d.mu.Lock()
				d.urls[e.ConnectionID] = e.Webhook.URL
				d.mu.Unlock()
			}
		}()
	}
	return d
}

// Run drains the notification buffer until ctx is cancelled, then flushes
// what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case p := <-d.ch:
			d.deliver(ctx, p)
		case <-ctx.Done():
			for {
				select {
				case p := <-d.ch:
					d.deliver(context.Background(), p)
				default:
					if d.unsub != nil {
						d.unsub()
					}
					return
				}
			}
		}
	}
}

// NotifyJob implements broadcast.Notifier. The payload is dropped when the
// buffer is full.
func (d *Dispatcher) NotifyJob(connectionID string, job *model.BroadcastJob) {
	p := Payload{
		Event:        "broadcast." + job.Status,
		ConnectionID: connectionID,
		Job:          job,
		Timestamp:    time.Now(),
	}
	select {
	case d.ch <- p:
	default:
		d.log.Warn().Str("connection", connectionID).Str("job", job.ID).
			Msg("webhook buffer full, dropping notification")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload) {
	url := d.urlFor(p.ConnectionID)
	if url == "" {
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		d.log.Error().Err(err).Msg("encode payload")
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = d.post(ctx, url, body); err == nil {
			return
		}
		d.log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("webhook delivery failed")
		if attempt < maxAttempts {
			select {
			case <-time.After(retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}
	d.log.Error().Str("url", url).Str("job", p.Job.ID).Msg("webhook delivery abandoned")
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &statusError{code: res.StatusCode}
	}
	return nil
}

func (d *Dispatcher) urlFor(connectionID string) string {
	d.mu.RLock()
	url, ok := d.urls[connectionID]
	d.mu.RUnlock()
	if ok {
		return url
	}

	conn, err := d.store.GetConnection(connectionID)
	if err != nil {
		d.log.Warn().Err(err).Str("connection", connectionID).Msg("webhook config lookup failed")
		return ""
	}
	d.mu.Lock()
	d.urls[connectionID] = conn.Webhook.URL
	d.mu.Unlock()
	return conn.Webhook.URL
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code) + " from webhook endpoint"
}
