package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careerbot/internal/model"
)

func newTestCache(t *testing.T) (*HistoryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHistoryCache(client, time.Minute, 5*time.Second), mr
}

func TestHistoryRoundTripPerLimit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, hit, err := c.GetHistory(ctx, 7, 50)
	require.NoError(t, err)
	assert.False(t, hit)

	page := []model.Message{{ID: 1, SessionID: 7, Role: model.RoleUser, Content: "hi"}}
	require.NoError(t, c.SetHistory(ctx, 7, 50, page))

	got, hit, err := c.GetHistory(ctx, 7, 50)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, model.RoleUser, got[0].Role)

	_, hit, err = c.GetHistory(ctx, 7, 10)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestHistoryExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetHistory(ctx, 1, 50, []model.Message{{ID: 1}}))
	mr.FastForward(2 * time.Minute)

	_, hit, err := c.GetHistory(ctx, 1, 50)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateDropsPagesAndMarksDirty(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetHistory(ctx, 3, 50, []model.Message{{ID: 1}}))
	require.NoError(t, c.SetHistory(ctx, 3, 10, []model.Message{{ID: 1}}))
	require.NoError(t, c.Invalidate(ctx, 3))

	_, hit, err := c.GetHistory(ctx, 3, 50)
	require.NoError(t, err)
	assert.False(t, hit)

	dirty, err := c.IsDirty(ctx, 3)
	require.NoError(t, err)
	assert.True(t, dirty)

	mr.FastForward(6 * time.Second)
	dirty, err = c.IsDirty(ctx, 3)
	require.NoError(t, err)
	assert.False(t, dirty)
}
