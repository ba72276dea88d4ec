package matchmaking

import (
	"context"
	"errors"
	"fmt"

	"github.com/elliotchance/pie/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

// SessionController creates sessions from matched groups and closes them when play ends.
type SessionController struct {
	store store.Store
}

func NewSessionController(st store.Store) *SessionController {
	return &SessionController{store: st}
}

// CreateSession persists a session hosted by host with members as the other players. The
// session starts active when the group fills it, waiting otherwise. All queue entries involved are
// consumed in the same write; if any of them is gone the call fails with store.ErrWriteConflict
// and nothing is persisted.
func (c *SessionController) CreateSession(ctx context.Context, host *models.QueueEntry, members []*models.QueueEntry) (*models.Session, error) {
	players := make([]string, 0, len(members)+1)
	entryIDs := make([]string, 0, len(members)+1)
	players = append(players, host.UserID)
	entryIDs = append(entryIDs, host.ID)

	for _, m := range members {
		if m.Partition() != host.Partition() {
			return nil, fmt.Errorf("member %s is in partition %+v, host in %+v: %w", m.UserID, m.Partition(), host.Partition(), ErrInvariantViolation)
		}
		if pie.Contains(players, m.UserID) {
			return nil, fmt.Errorf("user %s listed twice: %w", m.UserID, ErrInvariantViolation)
		}
		players = append(players, m.UserID)
		entryIDs = append(entryIDs, m.ID)
	}
	if len(players) > host.MaxPlayers {
		return nil, fmt.Errorf("group of %d exceeds max_players %d: %w", len(players), host.MaxPlayers, ErrInvariantViolation)
	}

	sess := &models.Session{
		ID:             uuid.NewString(),
		HostUserID:     host.UserID,
		GameMode:       host.GameMode,
		Region:         host.Region,
		MaxPlayers:     host.MaxPlayers,
		CurrentPlayers: len(players),
		PlayerIDs:      pq.StringArray(players),
		Status:         models.SessionStatusWaiting,
	}
	if sess.Full() {
		sess.Status = models.SessionStatusActive
	}

	if err := c.store.CreateSessionWithMembers(ctx, sess, entryIDs); err != nil {
		if errors.Is(err, store.ErrWriteConflict) {
			return nil, err
		}
		return nil, unavailable("create session", err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"host":       sess.HostUserID,
		"game_mode":  sess.GameMode,
		"players":    sess.CurrentPlayers,
		"status":     sess.Status,
	}).Info("[MATCH] Session created")
	return sess, nil
}

// Close moves the session to outcome. Closing an already closed session returns it unchanged.
func (c *SessionController) Close(ctx context.Context, sessionID string, outcome models.SessionStatus) (*models.Session, error) {
	if !outcome.Terminal() {
		return nil, invalid("outcome", "must be one of completed, abandoned, cancelled")
	}

	sess, err := c.store.CloseSession(ctx, sessionID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("close session", err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"status":     sess.Status,
	}).Info("[MATCH] Session closed")
	return sess, nil
}

// Get returns a session by id.
func (c *SessionController) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return sess, nil
}
