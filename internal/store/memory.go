package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/lib/pq"
	"github.com/playmatatu/matchmaker/internal/models"
)

// MemoryStore keeps everything in process. One mutex serialises every operation, which gives the
// same all-or-nothing guarantees the postgres driver gets from transactions. It backs tests and
// single-instance development runs (STORE_DRIVER=memory).
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	entries  map[string]*memEntry
	sessions map[string]*memSession
	members  map[string][]models.SessionPlayer
}

type memEntry struct {
	models.QueueEntry
	seq int64
}

type memSession struct {
	models.Session
	seq int64
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store stamping rows with now().
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:      now,
		entries:  make(map[string]*memEntry),
		sessions: make(map[string]*memSession),
		members:  make(map[string][]models.SessionPlayer),
	}
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) activeEntryFor(userID string) *memEntry {
	for _, e := range s.entries {
		if e.UserID == userID && e.Status == models.QueueStatusActive {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeEntryFor(entry.UserID) != nil {
		return ErrAlreadyQueued
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Status = models.QueueStatusActive
	s.entries[entry.ID] = &memEntry{QueueEntry: *entry, seq: s.nextSeq()}
	return nil
}

func (s *MemoryStore) FindActiveQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.activeEntryFor(userID)
	if e == nil {
		return nil, ErrNotFound
	}
	out := e.QueueEntry
	return &out, nil
}

func (s *MemoryStore) markMatchedLocked(ids []string, sessionID string) int {
	now := s.now()
	n := 0
	for _, id := range pie.Unique(ids) {
		e, ok := s.entries[id]
		if !ok || e.Status != models.QueueStatusActive {
			continue
		}
		e.Status = models.QueueStatusMatched
		e.SessionID = sql.NullString{String: sessionID, Valid: sessionID != ""}
		e.MatchedAt = models.NewNullTime(now)
		n++
	}
	return n
}

func (s *MemoryStore) MarkQueueEntriesMatched(ctx context.Context, ids []string, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markMatchedLocked(ids, sessionID), nil
}

func (s *MemoryStore) CancelQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.activeEntryFor(userID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.Status = models.QueueStatusCancelled
	out := e.QueueEntry
	return &out, nil
}

func (s *MemoryStore) ListActiveQueueEntries(ctx context.Context, filter QueueFilter, limit int) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*memEntry
	for _, e := range s.entries {
		if e.Status != models.QueueStatusActive || e.UserID == filter.ExcludeUserID {
			continue
		}
		if e.GameMode != filter.GameMode || e.Region != filter.Region || e.MaxPlayers != filter.MaxPlayers {
			continue
		}
		found = append(found, e)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].CreatedAt.Before(found[j].CreatedAt)
		}
		return found[i].seq < found[j].seq
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return pie.Map(found, func(e *memEntry) models.QueueEntry { return e.QueueEntry }), nil
}

func (s *MemoryStore) CancelStaleQueueEntries(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == models.QueueStatusActive && e.CreatedAt.Before(cutoff) {
			e.Status = models.QueueStatusCancelled
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindOpenSessions(ctx context.Context, filter SessionFilter, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*memSession
	for _, sess := range s.sessions {
		if sess.Status != models.SessionStatusWaiting || sess.CurrentPlayers >= sess.MaxPlayers {
			continue
		}
		if sess.GameMode != filter.GameMode || sess.Region != filter.Region || sess.MaxPlayers != filter.MaxPlayers {
			continue
		}
		found = append(found, sess)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].CreatedAt.Before(found[j].CreatedAt)
		}
		return found[i].seq < found[j].seq
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return pie.Map(found, func(m *memSession) models.Session { return copySession(&m.Session) }), nil
}

func (s *MemoryStore) ConditionalAddPlayerToSession(ctx context.Context, sessionID, userID string, expectedVersion int, entryID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Version != expectedVersion ||
		sess.Status != models.SessionStatusWaiting ||
		sess.CurrentPlayers >= sess.MaxPlayers ||
		pie.Contains([]string(sess.PlayerIDs), userID) {
		return nil, ErrWriteConflict
	}
	if entryID != "" {
		e, ok := s.entries[entryID]
		if !ok || e.Status != models.QueueStatusActive {
			return nil, ErrEntryNotActive
		}
	}

	now := s.now()
	sess.PlayerIDs = append(append(pq.StringArray(nil), sess.PlayerIDs...), userID)
	sess.CurrentPlayers++
	sess.Version++
	if sess.CurrentPlayers == sess.MaxPlayers {
		sess.Status = models.SessionStatusActive
		sess.StartedAt = models.NewNullTime(now)
	}
	s.members[sessionID] = append(s.members[sessionID], models.SessionPlayer{SessionID: sessionID, UserID: userID, JoinedAt: now})
	if entryID != "" {
		s.markMatchedLocked([]string{entryID}, sessionID)
	}

	out := copySession(&sess.Session)
	return &out, nil
}

func (s *MemoryStore) CreateSessionWithMembers(ctx context.Context, session *models.Session, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrWriteConflict
	}
	for _, id := range entryIDs {
		e, ok := s.entries[id]
		if !ok || e.Status != models.QueueStatusActive {
			return ErrWriteConflict
		}
	}

	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.Status == models.SessionStatusActive && !session.StartedAt.Valid {
		session.StartedAt = models.NewNullTime(now)
	}
	session.Version = 1

	stored := &memSession{Session: copySession(session), seq: s.nextSeq()}
	s.sessions[session.ID] = stored
	rows := make([]models.SessionPlayer, 0, len(session.PlayerIDs))
	for _, uid := range session.PlayerIDs {
		rows = append(rows, models.SessionPlayer{SessionID: session.ID, UserID: uid, JoinedAt: now})
	}
	s.members[session.ID] = rows
	s.markMatchedLocked(entryIDs, session.ID)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copySession(&sess.Session)
	return &out, nil
}

func (s *MemoryStore) FindSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memSession
	for _, sess := range s.sessions {
		if sess.Status.Terminal() || !pie.Contains([]string(sess.PlayerIDs), userID) {
			continue
		}
		if best == nil || sess.seq > best.seq {
			best = sess
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := copySession(&best.Session)
	return &out, nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !sess.Status.Terminal() {
		sess.Status = status
		sess.EndedAt = models.NewNullTime(s.now())
		sess.Version++
	}
	out := copySession(&sess.Session)
	return &out, nil
}

func (s *MemoryStore) ListSessionPlayers(ctx context.Context, sessionID string) ([]models.SessionPlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.SessionPlayer(nil), s.members[sessionID]...), nil
}

func (s *MemoryStore) QueueStats(ctx context.Context) ([]models.QueueModeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byMode := make(map[models.GameMode]*models.QueueModeStats)
	for _, e := range s.entries {
		if e.Status != models.QueueStatusActive {
			continue
		}
		st, ok := byMode[e.GameMode]
		if !ok {
			st = &models.QueueModeStats{GameMode: e.GameMode}
			byMode[e.GameMode] = st
		}
		st.Depth++
		st.AvgWaitSeconds += now.Sub(e.CreatedAt).Seconds()
	}

	out := make([]models.QueueModeStats, 0, len(byMode))
	for _, st := range byMode {
		st.AvgWaitSeconds /= float64(st.Depth)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameMode < out[j].GameMode })
	return out, nil
}

func (s *MemoryStore) SessionStats(ctx context.Context) ([]models.SessionModeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMode := make(map[models.GameMode]*models.SessionModeStats)
	for _, sess := range s.sessions {
		if sess.Status.Terminal() {
			continue
		}
		st, ok := byMode[sess.GameMode]
		if !ok {
			st = &models.SessionModeStats{GameMode: sess.GameMode}
			byMode[sess.GameMode] = st
		}
		switch sess.Status {
		case models.SessionStatusActive:
			st.ActiveSessions++
			st.ActivePlayers += sess.CurrentPlayers
			st.ActiveCapacity += sess.MaxPlayers
		case models.SessionStatusWaiting:
			st.WaitingSessions++
		}
	}

	out := make([]models.SessionModeStats, 0, len(byMode))
	for _, st := range byMode {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameMode < out[j].GameMode })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copySession(in *models.Session) models.Session {
	out := *in
	out.PlayerIDs = append(pq.StringArray(nil), in.PlayerIDs...)
	return out
}
