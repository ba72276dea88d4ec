package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/elliotchance/pie/v2"
	"github.com/playmatatu/matchmaker/internal/metrics"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

// MatchKind tells the orchestrator what the matcher found.
type MatchKind string

const (
	// MatchJoinedSession means the requester was already added to an existing waiting session.
	MatchJoinedSession MatchKind = "joined_session"
	// MatchFullGroup means max_players-1 queued candidates were selected; the session is created active.
	MatchFullGroup MatchKind = "full_group"
	// MatchPartialGroup means some, but not enough, candidates were selected; the session is created waiting.
	MatchPartialGroup MatchKind = "partial_group"
)

// MatchResult is either a session the requester joined, or a group of queued entries the caller
// turns into a new session with the requester as host.
type MatchResult struct {
	Kind    MatchKind
	Session *models.Session
	Members []*models.QueueEntry
}

// errEntryConsumed means the requester's own entry was matched or cancelled by a concurrent
// request while the matcher was running.
var errEntryConsumed = errors.New("queue entry consumed concurrently")

// Matcher implements the two step search: join the oldest open session, else assemble a group
// from the queue by skill proximity.
type Matcher struct {
	store     store.Store
	scanLimit int
	window    int
	metrics   metrics.Recorder
}

func NewMatcher(st store.Store, scanLimit, window int, rec metrics.Recorder) *Matcher {
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Matcher{store: st, scanLimit: scanLimit, window: window, metrics: rec}
}

// FindMatch returns nil, nil when the requester should stay queued.
func (m *Matcher) FindMatch(ctx context.Context, entry *models.QueueEntry) (*MatchResult, error) {
	result, err := m.joinOpenSession(ctx, entry)
	if err != nil || result != nil {
		return result, err
	}
	return m.assembleFromQueue(ctx, entry)
}

func (m *Matcher) joinOpenSession(ctx context.Context, entry *models.QueueEntry) (*MatchResult, error) {
	open, err := m.store.FindOpenSessions(ctx, store.SessionFilter{Partition: entry.Partition()}, m.scanLimit)
	if err != nil {
		return nil, unavailable("find open sessions", err)
	}

	for i := range open {
		candidate := &open[i]
		if pie.Contains([]string(candidate.PlayerIDs), entry.UserID) {
			continue
		}

		sess, err := m.store.ConditionalAddPlayerToSession(ctx, candidate.ID, entry.UserID, candidate.Version, entry.ID)
		switch {
		case err == nil:
			if sess.CurrentPlayers != len(sess.PlayerIDs) || sess.CurrentPlayers > sess.MaxPlayers {
				logrus.WithFields(logrus.Fields{
					"session_id":      sess.ID,
					"current_players": sess.CurrentPlayers,
					"player_ids":      len(sess.PlayerIDs),
					"max_players":     sess.MaxPlayers,
				}).Error("[MATCH] Session occupancy out of bounds after conditional add")
				return nil, fmt.Errorf("session %s: %w", sess.ID, ErrInvariantViolation)
			}
			return &MatchResult{Kind: MatchJoinedSession, Session: sess}, nil

		case errors.Is(err, store.ErrWriteConflict), errors.Is(err, store.ErrNotFound):
			m.metrics.WriteConflict(string(entry.GameMode), "join_session")
			logrus.WithFields(logrus.Fields{
				"session_id": candidate.ID,
				"user_id":    entry.UserID,
			}).Debug("[MATCH] Lost race for open session, trying next candidate")

		case errors.Is(err, store.ErrEntryNotActive):
			return nil, errEntryConsumed

		default:
			return nil, unavailable("add player to session", err)
		}
	}
	return nil, nil
}

func (m *Matcher) assembleFromQueue(ctx context.Context, entry *models.QueueEntry) (*MatchResult, error) {
	need := entry.MaxPlayers - 1
	if need <= 0 {
		return nil, nil
	}
	window := m.window
	if window < need {
		window = need
	}

	candidates, err := m.store.ListActiveQueueEntries(ctx, store.QueueFilter{
		Partition:     entry.Partition(),
		ExcludeUserID: entry.UserID,
	}, window)
	if err != nil {
		return nil, unavailable("list queue candidates", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	rankBySkill(candidates, entry.SkillLevel)
	if len(candidates) > need {
		candidates = candidates[:need]
	}

	members := make([]*models.QueueEntry, len(candidates))
	for i := range candidates {
		members[i] = &candidates[i]
	}

	kind := MatchPartialGroup
	if len(members) == need {
		kind = MatchFullGroup
	}
	return &MatchResult{Kind: kind, Members: members}, nil
}

// rankBySkill orders candidates by distance from skill, then by queue seniority.
func rankBySkill(candidates []models.QueueEntry, skill int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := abs(candidates[i].SkillLevel-skill), abs(candidates[j].SkillLevel-skill)
		if di != dj {
			return di < dj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
