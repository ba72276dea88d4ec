package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	assert.True(t, l.Allow(context.Background(), "alice"))
	assert.True(t, NewLimiter(nil, "join", time.Second).Allow(context.Background(), "alice"))
}

func TestLimiter(t *testing.T) {
	url := os.Getenv("MATCHMAKING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MATCHMAKING_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	l := NewLimiter(rdb, "test_join_rate:"+uuid.NewString(), 200*time.Millisecond)
	assert.True(t, l.Allow(ctx, "alice"))
	assert.False(t, l.Allow(ctx, "alice"))
	assert.True(t, l.Allow(ctx, "bob"))

	assert.Eventually(t, func() bool { return l.Allow(ctx, "alice") }, 2*time.Second, 50*time.Millisecond)
}
