package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueTwiceReturnsExistingEntry(t *testing.T) {
	clock := newFakeClock()
	q := NewQueueManager(store.NewMemoryStoreWithClock(clock.Now), clock.Now)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "alice", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusActive, first.Status)
	assert.Equal(t, clock.Now(), first.CreatedAt)

	second, err := q.Enqueue(ctx, "alice", JoinRequest{GameMode: models.GameModeVersus})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.GameModeToybox, second.GameMode)
}

func TestCancelIsIdempotent(t *testing.T) {
	q := NewQueueManager(store.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "alice", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, cancelled.Status)

	_, err = q.Cancel(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotQueued)

	_, err = q.Active(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestMarkMatchedLeavesCancelledEntries(t *testing.T) {
	q := NewQueueManager(store.NewMemoryStore(), nil)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "a", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "b", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, "b")
	require.NoError(t, err)

	n, err := q.MarkMatched(ctx, []string{a.ID, b.ID}, "session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.MarkMatched(ctx, []string{a.ID, b.ID}, "session-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Active(ctx, "b")
	assert.ErrorIs(t, err, ErrNotQueued, "cancelled entry is not resurrected")
}

func TestCancelStale(t *testing.T) {
	clock := newFakeClock()
	q := NewQueueManager(store.NewMemoryStoreWithClock(clock.Now), clock.Now)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "old", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)
	clock.Advance(40 * time.Minute)
	_, err = q.Enqueue(ctx, "fresh", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)

	n, err := q.CancelStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Active(ctx, "old")
	assert.ErrorIs(t, err, ErrNotQueued)
	_, err = q.Active(ctx, "fresh")
	assert.NoError(t, err)
}
