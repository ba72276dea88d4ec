package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankBySkill(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	candidates := []models.QueueEntry{
		{UserID: "c1", SkillLevel: 3, CreatedAt: base},
		{UserID: "c2", SkillLevel: 7, CreatedAt: base.Add(time.Second)},
		{UserID: "c3", SkillLevel: 5, CreatedAt: base.Add(2 * time.Second)},
		{UserID: "c4", SkillLevel: 10, CreatedAt: base.Add(3 * time.Second)},
		{UserID: "c5", SkillLevel: 4, CreatedAt: base.Add(4 * time.Second)},
	}

	rankBySkill(candidates, 5)

	got := pie.Map(candidates, func(e models.QueueEntry) string { return e.UserID })
	assert.Equal(t, []string{"c3", "c5", "c1", "c2", "c4"}, got)
}

func TestFindMatchWithEmptyPartition(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMatcher(st, 10, 10, nil)
	q := NewQueueManager(st, nil)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "alone", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)

	// Other partitions never contribute candidates.
	_, err = q.Enqueue(ctx, "elsewhere", JoinRequest{GameMode: models.GameModeToybox, Region: "eu"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "smaller", JoinRequest{GameMode: models.GameModeToybox, MaxPlayers: intPtr(2)})
	require.NoError(t, err)

	result, err := m.FindMatch(ctx, entry)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFindMatchCapsGroupAtMaxPlayersMinusOne(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemoryStoreWithClock(clock.Now)
	m := NewMatcher(st, 10, 10, nil)
	q := NewQueueManager(st, clock.Now)
	ctx := context.Background()

	for _, uid := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(ctx, uid, JoinRequest{GameMode: models.GameModeToybox})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	entry, err := q.Enqueue(ctx, "req", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)

	result, err := m.FindMatch(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, MatchFullGroup, result.Kind)
	members := pie.Map(result.Members, func(e *models.QueueEntry) string { return e.UserID })
	assert.Equal(t, []string{"a", "b", "c"}, members, "equal skill falls back to queue seniority")
}

func TestFindMatchReportsConsumedRequester(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMatcher(st, 10, 10, nil)
	q := NewQueueManager(st, nil)
	ctx := context.Background()

	open := &models.Session{
		ID: "open", HostUserID: "host", GameMode: models.GameModeToybox, Region: DefaultRegion,
		MaxPlayers: 4, CurrentPlayers: 1, PlayerIDs: []string{"host"}, Status: models.SessionStatusWaiting,
	}
	require.NoError(t, st.CreateSessionWithMembers(ctx, open, nil))

	entry, err := q.Enqueue(ctx, "late", JoinRequest{GameMode: models.GameModeToybox})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, "late")
	require.NoError(t, err)

	_, err = m.FindMatch(ctx, entry)
	assert.ErrorIs(t, err, errEntryConsumed)

	sess, err := st.GetSession(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentPlayers, "failed add leaves the session untouched")
}
