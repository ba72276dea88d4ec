package matchmaking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

// QueueManager owns the lifecycle of queue entries.
type QueueManager struct {
	store store.Store
	now   func() time.Time
}

func NewQueueManager(st store.Store, now func() time.Time) *QueueManager {
	if now == nil {
		now = time.Now
	}
	return &QueueManager{store: st, now: now}
}

// Enqueue validates req and inserts an active entry for userID. When the user is already queued
// the existing entry is returned together with ErrAlreadyQueued.
func (q *QueueManager) Enqueue(ctx context.Context, userID string, req JoinRequest) (*models.QueueEntry, error) {
	t, err := req.validate()
	if err != nil {
		return nil, err
	}
	return q.enqueue(ctx, userID, t)
}

func (q *QueueManager) enqueue(ctx context.Context, userID string, t ticket) (*models.QueueEntry, error) {
	entry := &models.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		GameMode:    t.GameMode,
		Region:      t.Region,
		SkillLevel:  t.SkillLevel,
		MaxPlayers:  t.MaxPlayers,
		Preferences: t.Preferences,
		Status:      models.QueueStatusActive,
		CreatedAt:   q.now().UTC(),
	}

	err := q.store.InsertQueueEntry(ctx, entry)
	if errors.Is(err, store.ErrAlreadyQueued) {
		existing, findErr := q.store.FindActiveQueueEntry(ctx, userID)
		if findErr != nil {
			if errors.Is(findErr, store.ErrNotFound) {
				// The competing entry was matched or cancelled in between.
				return nil, ErrAlreadyQueued
			}
			return nil, unavailable("find active queue entry", findErr)
		}
		return existing, ErrAlreadyQueued
	}
	if err != nil {
		return nil, unavailable("insert queue entry", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"entry_id":  entry.ID,
		"game_mode": entry.GameMode,
		"region":    entry.Region,
	}).Info("[QUEUE] Player enqueued")
	return entry, nil
}

// Active returns the user's active entry or ErrNotQueued.
func (q *QueueManager) Active(ctx context.Context, userID string) (*models.QueueEntry, error) {
	entry, err := q.store.FindActiveQueueEntry(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, unavailable("find active queue entry", err)
	}
	return entry, nil
}

// Cancel moves the user's active entry to cancelled.
func (q *QueueManager) Cancel(ctx context.Context, userID string) (*models.QueueEntry, error) {
	entry, err := q.store.CancelQueueEntry(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, unavailable("cancel queue entry", err)
	}

	logrus.WithFields(logrus.Fields{"user_id": userID, "entry_id": entry.ID}).Info("[QUEUE] Player left queue")
	return entry, nil
}

// MarkMatched moves the given entries from active to matched. Entries that are no longer active
// are skipped, so calling it twice is harmless.
func (q *QueueManager) MarkMatched(ctx context.Context, ids []string, sessionID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := q.store.MarkQueueEntriesMatched(ctx, ids, sessionID)
	if err != nil {
		return 0, unavailable("mark queue entries matched", err)
	}
	return n, nil
}

// CancelStale cancels active entries older than maxAge and reports how many were cancelled.
func (q *QueueManager) CancelStale(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := q.store.CancelStaleQueueEntries(ctx, q.now().Add(-maxAge))
	if err != nil {
		return 0, unavailable("cancel stale queue entries", err)
	}
	return n, nil
}
