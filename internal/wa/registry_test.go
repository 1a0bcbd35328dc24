package wa

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/authstate"
	"blast/internal/cache"
	"blast/internal/events"
	"blast/internal/model"
	"blast/internal/storage"
)

type registryFixture struct {
	registry *Registry
	store    *storage.Store
	auth     *authstate.Store
	cache    *cache.ConnCache
	bus      *events.Bus
	clients  map[string]*fakeClient
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	store, err := storage.Open("file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &registryFixture{
		store:   store,
		auth:    authstate.New(rdb, time.Hour),
		cache:   cache.New(rdb, time.Hour),
		bus:     events.NewBus(),
		clients: map[string]*fakeClient{},
	}
	factory := func(_ context.Context, id string) (Client, error) {
		c := &fakeClient{}
		f.clients[id] = c
		return c, nil
	}
	f.registry = NewRegistry(store, f.cache, f.auth, factory, f.bus, SessionConfig{}, zerolog.Nop())
	t.Cleanup(f.registry.Shutdown)
	return f
}

func (f *registryFixture) createAndConnect(t *testing.T) (*model.Connection, *fakeClient) {
	t.Helper()
	conn, err := f.registry.CreateConnection("primary", "owner-1")
	require.NoError(t, err)
	require.NoError(t, f.registry.Connect(context.Background(), conn.ID))
	client := f.clients[conn.ID]
	require.NotNil(t, client)
	client.emit(Event{Kind: EventConnected, Phone: "628123"})
	return conn, client
}

func TestConnectOpensSessionAndPersistsState(t *testing.T) {
	f := newRegistryFixture(t)
	conn, _ := f.createAndConnect(t)

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, got.State)
	assert.True(t, got.Connected)
	assert.Equal(t, "628123", got.Phone)
}

func TestConnectUnknownConnection(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.registry.Connect(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectTwiceReusesSession(t *testing.T) {
	f := newRegistryFixture(t)
	conn, client := f.createAndConnect(t)

	require.NoError(t, f.registry.Connect(context.Background(), conn.ID))
	assert.Equal(t, 1, client.calls())
}

func TestConnectMarksRegisteredCreds(t *testing.T) {
	f := newRegistryFixture(t)
	conn, _ := f.createAndConnect(t)

	creds, err := f.auth.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, creds.Registered)
	assert.Equal(t, "628123@s.whatsapp.net", creds.DeviceJID)
}

func TestSenderForRequiresOpenSession(t *testing.T) {
	f := newRegistryFixture(t)
	conn, err := f.registry.CreateConnection("primary", "owner-1")
	require.NoError(t, err)

	_, err = f.registry.SenderFor(conn.ID)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, f.registry.Connect(context.Background(), conn.ID))
	f.clients[conn.ID].emit(Event{Kind: EventConnected})

	sender, err := f.registry.SenderFor(conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, sender)
}

func TestDisconnectPurgesAuthState(t *testing.T) {
	f := newRegistryFixture(t)
	conn, client := f.createAndConnect(t)

	require.NoError(t, f.registry.Disconnect(context.Background(), conn.ID))
	assert.Equal(t, 1, client.logoutCalls)

	_, err := f.registry.SenderFor(conn.ID)
	assert.ErrorIs(t, err, ErrNoSession)

	// Fresh creds after the purge, not the registered ones.
	creds, err := f.auth.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.False(t, creds.Registered)
}

func TestRefreshKeepsCredentials(t *testing.T) {
	f := newRegistryFixture(t)
	conn, oldClient := f.createAndConnect(t)

	require.NoError(t, f.registry.Refresh(context.Background(), conn.ID))
	newClient := f.clients[conn.ID]
	require.NotSame(t, oldClient, newClient, "refresh builds a fresh client")
	newClient.emit(Event{Kind: EventConnected, Phone: "628123"})

	// The orphaned predecessor losing its stream (which is what happens
	// once the new client connects with the same device) must not touch
	// the refreshed session or its credentials.
	oldClient.emit(Event{Kind: EventStreamReplaced})
	oldClient.emit(Event{Kind: EventLoggedOut})

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, got.State)
	assert.True(t, got.Connected)

	creds, err := f.auth.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, creds.Registered, "refresh must keep credentials")

	sender, err := f.registry.SenderFor(conn.ID)
	require.NoError(t, err)
	assert.NotNil(t, sender)
}

func TestDisconnectWithoutSession(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.registry.Disconnect(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestProviderLogoutPurgesCredentials(t *testing.T) {
	f := newRegistryFixture(t)
	conn, client := f.createAndConnect(t)

	client.emit(Event{Kind: EventLoggedOut, Reason: "device removed"})

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateLoggedOut, got.State)

	creds, err := f.auth.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.False(t, creds.Registered)
}

func TestStreamReplacedKeepsCredentials(t *testing.T) {
	f := newRegistryFixture(t)
	conn, client := f.createAndConnect(t)

	client.emit(Event{Kind: EventStreamReplaced})

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReplaced, got.State)
	assert.False(t, got.Connected)

	creds, err := f.auth.Load(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, creds.Registered)
}

func TestGetConnectionDataReadThrough(t *testing.T) {
	f := newRegistryFixture(t)
	conn, err := f.registry.CreateConnection("primary", "owner-1")
	require.NoError(t, err)
	ctx := context.Background()

	// First read populates the cache.
	got, err := f.registry.GetConnectionData(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)

	cached, ok, err := f.cache.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conn.ID, cached.ID)
}

func TestQRCodeStoredWhilePairing(t *testing.T) {
	f := newRegistryFixture(t)
	conn, err := f.registry.CreateConnection("primary", "owner-1")
	require.NoError(t, err)
	require.NoError(t, f.registry.Connect(context.Background(), conn.ID))

	f.clients[conn.ID].emit(Event{Kind: EventQR, QRCode: "2@pairing-payload"})

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.QRCode, "base64 PNG stored while pairing is pending")

	// Successful pairing clears it.
	f.clients[conn.ID].emit(Event{Kind: EventConnected, Phone: "628123"})
	got, err = f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Empty(t, got.QRCode)
}

func TestUpdateConfigPublishesEvent(t *testing.T) {
	f := newRegistryFixture(t)
	conn, err := f.registry.CreateConnection("primary", "owner-1")
	require.NoError(t, err)

	ch, unsub := f.bus.Subscribe(1)
	defer unsub()

	webhook := model.WebhookConfig{URL: "https://hooks.example/x", Triggers: model.TriggerFlags{Broadcast: true}}
	require.NoError(t, f.registry.UpdateConfig(context.Background(), conn.ID, webhook, nil))

	select {
	case e := <-ch:
		assert.Equal(t, conn.ID, e.ConnectionID)
		assert.Equal(t, webhook.URL, e.Webhook.URL)
	case <-time.After(time.Second):
		t.Fatal("config event never published")
	}

	got, err := f.store.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.URL, got.Webhook.URL)
	assert.True(t, got.Webhook.Triggers.Broadcast)
}

func TestLoadAllReconnectsPreviouslyConnected(t *testing.T) {
	f := newRegistryFixture(t)
	conn, err := f.registry.CreateConnection("was-up", "owner-1")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateConnectionState(conn.ID, model.StateOpen, true, "628123", 0))

	idle, err := f.registry.CreateConnection("was-down", "owner-1")
	require.NoError(t, err)

	require.NoError(t, f.registry.LoadAll(context.Background()))

	assert.Contains(t, f.clients, conn.ID)
	assert.NotContains(t, f.clients, idle.ID)
}

func TestLoadAllIsolatesFailures(t *testing.T) {
	f := newRegistryFixture(t)
	bad, err := f.registry.CreateConnection("bad", "owner-1")
	require.NoError(t, err)
	good, err := f.registry.CreateConnection("good", "owner-1")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateConnectionState(bad.ID, model.StateOpen, true, "", 0))
	require.NoError(t, f.store.UpdateConnectionState(good.ID, model.StateOpen, true, "", 0))

	orig := f.registry.factory
	f.registry.factory = func(ctx context.Context, id string) (Client, error) {
		if id == bad.ID {
			return nil, errors.New("device store unavailable")
		}
		return orig(ctx, id)
	}

	require.NoError(t, f.registry.LoadAll(context.Background()))

	assert.Contains(t, f.clients, good.ID)

	got, err := f.store.GetConnection(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, got.State)
	assert.False(t, got.Connected)
}
