package wa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"blast/internal/authstate"
	"blast/internal/broadcast"
	"blast/internal/cache"
	"blast/internal/events"
	"blast/internal/model"
	"blast/internal/storage"
)

// ErrNoSession is returned when an operation needs a live session for a
// connection that has none.
var ErrNoSession = errors.New("no live session for connection")

// Registry owns the connection-id -> live session mapping for one process.
// It is constructed once at startup and passed by reference; there is at most
// one live session per connection id.
type Registry struct {
	store   *storage.Store
	cache   *cache.ConnCache
	auth    *authstate.Store
	factory ClientFactory
	bus     *events.Bus
	cfg     SessionConfig
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(store *storage.Store, connCache *cache.ConnCache, auth *authstate.Store,
	factory ClientFactory, bus *events.Bus, cfg SessionConfig, log zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		cache:    connCache,
		auth:     auth,
		factory:  factory,
		bus:      bus,
		cfg:      cfg,
		log:      log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// CreateConnection registers a new WhatsApp binding. It does not connect.
func (r *Registry) CreateConnection(name, ownerID string) (*model.Connection, error) {
	return r.store.CreateConnection(name, ownerID)
}

// Connect opens (or resumes) the session for a connection. Connecting an
// already-open connection is a no-op. Auth-state load errors abort the
// attempt and are reported, not retried.
func (r *Registry) Connect(ctx context.Context, id string) error {
	if _, err := r.store.GetConnection(id); err != nil {
		return err
	}

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok && sess.State() == model.StateOpen {
		r.mu.Unlock()
		return nil
	}
	if !ok {
		client, err := r.factory(ctx, id)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("connect %s: %w", id, err)
		}
		sess = NewSession(id, client, r.cfg, r.hooks(), r.log)
		r.sessions[id] = sess
	}
	r.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	return nil
}

// Disconnect logs a connection out, purging its persisted auth state.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	err := sess.Disconnect(ctx)
	sess.Close()
	return err
}

// Refresh tears the session down locally (keeping credentials) and opens it
// again.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		sess.Close()
	}
	r.mu.Unlock()
	return r.Connect(ctx, id)
}

// GetConnectionData returns connection metadata, cache-first with a
// read-through to the primary store. Cache failures degrade to the store
// rather than failing the lookup.
func (r *Registry) GetConnectionData(ctx context.Context, id string) (*model.Connection, error) {
	if conn, ok, err := r.cache.Get(ctx, id); err == nil && ok {
		return conn, nil
	} else if err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache read failed, falling through")
	}
	conn, err := r.store.GetConnection(id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, conn); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache repopulate failed")
	}
	return conn, nil
}

// SenderFor implements broadcast.SenderResolver: it resolves the live
// session for a connection, or fails when none is open.
func (r *Registry) SenderFor(connectionID string) (broadcast.Sender, error) {
	r.mu.Lock()
	sess, ok := r.sessions[connectionID]
	r.mu.Unlock()
	if !ok || sess.State() != model.StateOpen {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, connectionID)
	}
	return sess, nil
}

// UpdateConfig replaces a connection's webhook/agent configuration and
// publishes the change on the config bus.
func (r *Registry) UpdateConfig(ctx context.Context, id string, webhook model.WebhookConfig, agent *model.AgentConfig) error {
	if err := r.store.UpdateConnectionConfig(id, webhook, agent); err != nil {
		return err
	}
	if err := r.cache.Invalidate(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache invalidate failed")
	}
	r.bus.Publish(events.ConfigUpdated{ConnectionID: id, Webhook: webhook, Agent: agent})
	return nil
}

// LoadAll reconstructs every known connection at startup and re-opens
// sessions for those previously marked connected. One bad connection never
// blocks the rest.
func (r *Registry) LoadAll(ctx context.Context) error {
	conns, err := r.store.ListConnections()
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	for _, c := range conns {
		if !c.Connected {
			continue
		}
		if err := r.Connect(ctx, c.ID); err != nil {
			r.log.Error().Err(err).Str("connection", c.ID).Msg("startup reconnect failed")
			if serr := r.store.UpdateConnectionState(c.ID, model.StateIdle, false, "", 0); serr != nil {
				r.log.Error().Err(serr).Str("connection", c.ID).Msg("recording failed reconnect")
			}
		}
	}
	return nil
}

// Shutdown closes all local sessions without logging them out remotely.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		sess.Close()
		delete(r.sessions, id)
	}
}

func (r *Registry) hooks() Hooks {
	return Hooks{
		OnStateChange: r.onStateChange,
		OnQR:          r.onQR,
		OnLoggedOut:   r.onLoggedOut,
	}
}

// onStateChange persists every lifecycle transition and keeps the metadata
// cache coherent. The cache entry is a restatement of current status, so
// last-writer-wins is fine.
func (r *Registry) onStateChange(id, state string, connected bool, phone string, attempts int) {
	ctx := context.Background()
	if err := r.store.UpdateConnectionState(id, state, connected, phone, attempts); err != nil {
		r.log.Error().Err(err).Str("connection", id).Msg("persisting state change")
	}
	if err := r.cache.Invalidate(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache invalidate failed")
	}

	if connected {
		// Pairing is done; drop any stale QR and refresh session material.
		if err := r.store.SetConnectionQR(id, ""); err != nil {
			r.log.Warn().Err(err).Str("connection", id).Msg("clearing qr")
		}
		creds, err := r.auth.Load(ctx, id)
		if err != nil {
			r.log.Error().Err(err).Str("connection", id).Msg("refreshing auth state")
			return
		}
		creds.Registered = true
		if phone != "" {
			creds.DeviceJID = phone + "@s.whatsapp.net"
		}
		if err := r.auth.Save(ctx, creds); err != nil {
			r.log.Error().Err(err).Str("connection", id).Msg("saving auth state")
		}
	}
}

// onQR stores a scannable PNG for the API to surface.
func (r *Registry) onQR(id, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		r.log.Error().Err(err).Str("connection", id).Msg("encoding qr")
		return
	}
	if err := r.store.SetConnectionQR(id, base64.StdEncoding.EncodeToString(png)); err != nil {
		r.log.Error().Err(err).Str("connection", id).Msg("storing qr")
	}
	if err := r.cache.Invalidate(context.Background(), id); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache invalidate failed")
	}
}

// onLoggedOut purges credentials; a logged-out session cannot resume.
func (r *Registry) onLoggedOut(id string) {
	ctx := context.Background()
	if err := r.auth.Clear(ctx, id); err != nil {
		r.log.Error().Err(err).Str("connection", id).Msg("clearing auth state")
	}
	if err := r.store.SetConnectionQR(id, ""); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("clearing qr")
	}
	if err := r.cache.Invalidate(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("connection", id).Msg("cache invalidate failed")
	}
}
