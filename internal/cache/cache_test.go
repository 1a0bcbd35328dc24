package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/model"
)

func testCache(t *testing.T) (*ConnCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Minute), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	conn := &model.Connection{ID: "conn-1", Name: "primary", State: model.StateOpen, Connected: true, Phone: "628123"}
	require.NoError(t, c.Set(ctx, conn))

	got, ok, err := c.Get(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "primary", got.Name)
	assert.Equal(t, model.StateOpen, got.State)
	assert.True(t, got.Connected)
}

func TestGetMiss(t *testing.T) {
	c, _ := testCache(t)

	got, ok, err := c.Get(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestCorruptEntryBehavesLikeMiss(t *testing.T) {
	c, mr := testCache(t)
	require.NoError(t, mr.Set("connection:conn-1", "{not json"))

	got, ok, err := c.Get(context.Background(), "conn-1")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestInvalidate(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &model.Connection{ID: "conn-1"}))
	require.NoError(t, c.Invalidate(ctx, "conn-1"))

	_, ok, err := c.Get(ctx, "conn-1")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &model.Connection{ID: "conn-1"}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "conn-1")
	assert.NoError(t, err)
	assert.False(t, ok)
}
