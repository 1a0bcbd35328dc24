package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/events"
	"blast/internal/model"
	"blast/internal/storage"
)

type receiver struct {
	mu       sync.Mutex
	payloads []Payload
	srv      *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p Payload
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *receiver) first() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[0]
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func finishedJob(connID string) *model.BroadcastJob {
	return &model.BroadcastJob{
		ID:           "job-1",
		ConnectionID: connID,
		Status:       model.JobCompleted,
		Sent:         3,
	}
}

func TestDeliversToConfiguredWebhook(t *testing.T) {
	store := testStore(t)
	rcv := newReceiver(t)

	conn, err := store.CreateConnection("c", "o")
	require.NoError(t, err)
	require.NoError(t, store.UpdateConnectionConfig(conn.ID, model.WebhookConfig{URL: rcv.srv.URL}, nil))

	d := NewDispatcher(store, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	d.NotifyJob(conn.ID, finishedJob(conn.ID))

	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	p := rcv.first()
	assert.Equal(t, "broadcast.completed", p.Event)
	assert.Equal(t, conn.ID, p.ConnectionID)
	assert.Equal(t, 3, p.Job.Sent)

	cancel()
	<-done
}

func TestNoWebhookConfiguredIsSilent(t *testing.T) {
	store := testStore(t)
	conn, err := store.CreateConnection("c", "o")
	require.NoError(t, err)

	d := NewDispatcher(store, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	d.NotifyJob(conn.ID, finishedJob(conn.ID))
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
}

func TestConfigUpdateEventRefreshesURL(t *testing.T) {
	store := testStore(t)
	rcv := newReceiver(t)

	conn, err := store.CreateConnection("c", "o")
	require.NoError(t, err)

	bus := events.NewBus()
	d := NewDispatcher(store, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	// First lookup caches "no webhook"; the event must replace it.
	d.NotifyJob(conn.ID, finishedJob(conn.ID))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, rcv.count())

	bus.Publish(events.ConfigUpdated{
		ConnectionID: conn.ID,
		Webhook:      model.WebhookConfig{URL: rcv.srv.URL},
	})
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.urls[conn.ID] == rcv.srv.URL
	}, time.Second, 5*time.Millisecond)

	d.NotifyJob(conn.ID, finishedJob(conn.ID))
	require.Eventually(t, func() bool { return rcv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestBufferOverflowDropsInsteadOfBlocking(t *testing.T) {
	store := testStore(t)
	conn, err := store.CreateConnection("c", "o")
	require.NoError(t, err)

	d := NewDispatcher(store, nil, zerolog.Nop())
	// Run is never started; the buffer fills and NotifyJob must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*2; i++ {
			d.NotifyJob(conn.ID, finishedJob(conn.ID))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyJob blocked on a full buffer")
	}
}
