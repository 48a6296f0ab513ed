package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheClaim(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1_760_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.ClaimPublish(ctx, "job:out", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.ClaimPublish(ctx, "job:out", time.Minute)
	assert.False(t, ok, "未过期的占位不能重复获取")

	now = now.Add(2 * time.Minute)
	ok, _ = c.ClaimPublish(ctx, "job:out", time.Minute)
	assert.True(t, ok, "过期后可以重新占位")

	require.NoError(t, c.ReleasePublish(ctx, "job:out"))
	ok, _ = c.ClaimPublish(ctx, "job:out", time.Minute)
	assert.True(t, ok)
}
