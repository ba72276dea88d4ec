package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func init() {
	logrus.SetLevel(logrus.ErrorLevel)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notification struct {
	UserID  string
	Event   string
	Payload SessionEvent
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) NotifyUser(ctx context.Context, userID, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev, _ := payload.(SessionEvent)
	n.sent = append(n.sent, notification{UserID: userID, Event: event, Payload: ev})
	return nil
}

func (n *recordingNotifier) eventsFor(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s.Event)
		}
	}
	return out
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Event == event {
			c++
		}
	}
	return c
}

type fixture struct {
	store    *store.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryStoreWithClock(clock.Now)
	notifier := &recordingNotifier{}
	opts.Now = clock.Now
	opts.Notifier = notifier
	f := &fixture{store: st, clock: clock, notifier: notifier, svc: NewService(st, opts)}
	t.Cleanup(f.svc.Wait)
	return f
}

func intPtr(n int) *int { return &n }

func toybox(skill, maxPlayers int) JoinRequest {
	return JoinRequest{GameMode: models.GameModeToybox, SkillLevel: intPtr(skill), MaxPlayers: intPtr(maxPlayers)}
}

// enqueueOnly puts a player in the queue without running the matcher.
func (f *fixture) enqueueOnly(t *testing.T, userID string, req JoinRequest) *models.QueueEntry {
	t.Helper()
	entry, err := f.svc.Queue().Enqueue(context.Background(), userID, req)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return entry
}

// seedSession stores a waiting toybox session already holding players.
func (f *fixture) seedSession(t *testing.T, maxPlayers int, players ...string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:             "seed-" + players[0],
		HostUserID:     players[0],
		GameMode:       models.GameModeToybox,
		Region:         DefaultRegion,
		MaxPlayers:     maxPlayers,
		CurrentPlayers: len(players),
		PlayerIDs:      players,
		Status:         models.SessionStatusWaiting,
	}
	require.NoError(t, f.store.CreateSessionWithMembers(context.Background(), sess, nil))
	f.clock.Advance(time.Second)
	return sess
}

// conflictStore fails the first n session creations with a write conflict.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
	calls     int
}

func (s *conflictStore) CreateSessionWithMembers(ctx context.Context, sess *models.Session, entryIDs []string) error {
	s.mu.Lock()
	s.calls++
	fail := s.remaining != 0
	if s.remaining > 0 {
		s.remaining--
	}
	s.mu.Unlock()
	if fail {
		return store.ErrWriteConflict
	}
	return s.Store.CreateSessionWithMembers(ctx, sess, entryIDs)
}

// brokenStore fails every queue insert.
type brokenStore struct {
	store.Store
	err error
}

func (s *brokenStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	return s.err
}
