package wa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blast/internal/broadcast"
	"blast/internal/model"
)

// ErrNotConnected is returned when a send is attempted against a session that
// has no open socket.
var ErrNotConnected = errors.New("session not connected")

// SessionConfig tunes the per-connection lifecycle.
type SessionConfig struct {
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectMax      int
	HeartbeatInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Hooks are the registry's callbacks out of a session. All are optional.
// Hooks run on session goroutines and must not call back into the session.
type Hooks struct {
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(connectionID, state string, connected bool, phone string, attempts int)
	// OnQR fires with each pairing code while the session awaits a scan.
	OnQR func(connectionID, code string)
	// OnLoggedOut fires on a permanent logout; the registry purges
	// persisted credentials here.
	OnLoggedOut func(connectionID string)
}

// Session is the state machine for one connection's live provider link:
//
//	idle -> connecting -> open
//	open -> (close) -> reconnecting -> connecting -> open
//	open -> (logout) -> logged_out        (terminal, credentials purged)
//	open -> (stream replaced) -> replaced (terminal, credentials kept)
//	reconnecting xN  -> reconnect_failed  (terminal until manual connect)
//
// A heartbeat ticker monitors liveness while open and injects a synthetic
// close when the socket went away without an event.
type Session struct {
	id     string
	client Client
	cfg    SessionConfig
	hooks  Hooks
	log    zerolog.Logger

	mu           sync.Mutex
	state        string
	attempts     int
	phone        string
	connecting   bool
	reconnecting bool
	hbStop       chan struct{}

	done chan struct{}

	// sleep is swapped out in tests.
	sleep func(d time.Duration) bool
}

func NewSession(id string, client Client, cfg SessionConfig, hooks Hooks, log zerolog.Logger) *Session {
	s := &Session{
		id:     id,
		client: client,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		log:    log.With().Str("connection", id).Logger(),
		state:  model.StateIdle,
		done:   make(chan struct{}),
	}
	s.sleep = func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-s.done:
			return false
		}
	}
	client.SetEventHandler(s.handleEvent)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the reconnect attempt counter.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect opens the provider socket. A second call while already open or
// mid-connect is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == model.StateOpen || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.setStateLocked(model.StateConnecting)
	s.mu.Unlock()

	err := s.client.Connect()

	s.mu.Lock()
	s.connecting = false
	if err != nil && s.state == model.StateConnecting {
		s.setStateLocked(model.StateIdle)
	}
	s.mu.Unlock()
	return err
}

// Disconnect gracefully logs the session out and purges its credentials.
func (s *Session) Disconnect(ctx context.Context) error {
	s.stopHeartbeat()
	err := s.client.Logout(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("logout returned error, disconnecting anyway")
		s.client.Disconnect()
	}

	s.mu.Lock()
	s.setStateLocked(model.StateIdle)
	s.mu.Unlock()

	if s.hooks.OnLoggedOut != nil {
		s.hooks.OnLoggedOut(s.id)
	}
	return nil
}

// Close tears the session down locally: background goroutines stop, the
// client socket is dropped and its event handler detached, and any event
// still in flight is ignored. The remote registration is untouched, so a
// successor session can resume the same credentials.
func (s *Session) Close() {
	s.stopHeartbeat()
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	close(s.done)
	s.mu.Unlock()
	s.client.Teardown()
}

// Send implements broadcast.Sender over the live socket. Provider errors are
// returned as structured results, never panics or crashes past the caller.
func (s *Session) Send(ctx context.Context, phone string, out broadcast.Outbound) broadcast.SendResult {
	s.mu.Lock()
	open := s.state == model.StateOpen
	s.mu.Unlock()
	if !open || !s.client.IsConnected() {
		return broadcast.SendResult{Err: ErrNotConnected}
	}

	var id string
	var err error
	if len(out.Media) > 0 {
		id, err = s.client.SendMedia(ctx, phone, out.Media, out.MimeType, out.Caption)
	} else {
		id, err = s.client.SendText(ctx, phone, out.Text)
	}
	if err != nil {
		return broadcast.SendResult{Err: err, RateLimited: IsRateLimitErr(err)}
	}
	return broadcast.SendResult{MessageID: id}
}

func (s *Session) handleEvent(e Event) {
	// A closed session is an orphan; whatever its old client still emits
	// must not reach the hooks.
	select {
	case <-s.done:
		return
	default:
	}

	switch e.Kind {
	case EventConnected:
		s.mu.Lock()
		s.attempts = 0
		s.reconnecting = false
		if e.Phone != "" {
			s.phone = e.Phone
		}
		s.setStateLocked(model.StateOpen)
		s.startHeartbeatLocked()
		s.mu.Unlock()

	case EventQR:
		if s.hooks.OnQR != nil {
			s.hooks.OnQR(s.id, e.QRCode)
		}

	case EventLoggedOut:
		s.log.Warn().Str("reason", e.Reason).Msg("session logged out")
		s.stopHeartbeat()
		s.client.Disconnect()
		s.mu.Lock()
		s.setStateLocked(model.StateLoggedOut)
		s.mu.Unlock()
		if s.hooks.OnLoggedOut != nil {
			s.hooks.OnLoggedOut(s.id)
		}

	case EventStreamReplaced:
		// Another client took over the stream. The registration is still
		// valid, so credentials stay; only a manual connect resumes.
		s.log.Warn().Str("reason", e.Reason).Msg("stream replaced by another client")
		s.stopHeartbeat()
		s.client.Disconnect()
		s.mu.Lock()
		s.setStateLocked(model.StateReplaced)
		s.mu.Unlock()

	case EventDisconnected, EventKeepAliveTimeout:
		s.log.Warn().Str("reason", e.Reason).Msg("session closed")
		s.maybeReconnect()
	}
}

// maybeReconnect starts the backoff loop unless the disconnect was permanent
// or a loop is already running. Reconnect attempts for one connection are
// serialized.
func (s *Session) maybeReconnect() {
	s.mu.Lock()
	if s.state == model.StateLoggedOut || s.state == model.StateReplaced || s.state == model.StateIdle || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.setStateLocked(model.StateReconnecting)
	s.mu.Unlock()

	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if !s.reconnecting { // connected in the meantime
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		if attempt > s.cfg.ReconnectMax {
			s.reconnecting = false
			s.setStateLocked(model.StateReconnectFailed)
			s.mu.Unlock()
			s.log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			return
		}
		s.mu.Unlock()

		delay := s.backoff(attempt)
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if !s.sleep(delay) {
			return
		}

		s.mu.Lock()
		if !s.reconnecting {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(model.StateConnecting)
		s.mu.Unlock()

		if err := s.client.Connect(); err == nil && s.client.IsConnected() {
			// EventConnected finishes the transition to open.
			return
		}

		s.mu.Lock()
		if s.reconnecting {
			s.setStateLocked(model.StateReconnecting)
		}
		s.mu.Unlock()
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.ReconnectCap {
			return s.cfg.ReconnectCap
		}
	}
	if d > s.cfg.ReconnectCap {
		d = s.cfg.ReconnectCap
	}
	return d
}

// startHeartbeatLocked launches the liveness ticker. Caller holds s.mu.
func (s *Session) startHeartbeatLocked() {
	if s.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	s.hbStop = stop
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				if !s.client.IsConnected() {
					s.log.Warn().Msg("heartbeat missed, forcing close")
					s.stopHeartbeat()
					s.handleEvent(Event{Kind: EventDisconnected, Reason: "heartbeat miss"})
					return
				}
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.hbStop
	s.hbStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// setStateLocked records a transition and fires the hook. Caller holds s.mu.
func (s *Session) setStateLocked(state string) {
	if s.state == state {
		return
	}
	s.state = state
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(s.id, state, state == model.StateOpen, s.phone, s.attempts)
	}
}
