// Package store is the persistence port of the matchmaking core: queue entries, sessions and
// session membership. Every capacity mutation goes through a conditional write; a lost race is
// reported as ErrWriteConflict, never as a hard failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/playmatatu/matchmaker/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist (or is not in the expected state).
	ErrNotFound = errors.New("store: not found")
	// ErrWriteConflict is returned when a conditional write loses to a concurrent writer.
	ErrWriteConflict = errors.New("store: write conflict")
	// ErrAlreadyQueued is returned when inserting a second active queue entry for a user.
	ErrAlreadyQueued = errors.New("store: user already has an active queue entry")
	// ErrEntryNotActive is returned when the requester's own queue entry was consumed or cancelled
	// before its conditional write committed.
	ErrEntryNotActive = errors.New("store: queue entry is no longer active")
)

// QueueFilter selects active queue entries of one partition.
type QueueFilter struct {
	models.Partition
	ExcludeUserID string
}

// SessionFilter selects waiting sessions of one partition that still have room.
type SessionFilter struct {
	models.Partition
}

// Store is implemented by the postgres and memory drivers.
type Store interface {
	// InsertQueueEntry persists a new active entry; ErrAlreadyQueued when the user has one.
	InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error
	// FindActiveQueueEntry returns the user's active entry or ErrNotFound.
	FindActiveQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error)
	// MarkQueueEntriesMatched moves active entries to matched and returns how many moved.
	// Cancelled or already matched entries are left untouched.
	MarkQueueEntriesMatched(ctx context.Context, ids []string, sessionID string) (int, error)
	// CancelQueueEntry cancels the user's active entry or returns ErrNotFound.
	CancelQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error)
	// ListActiveQueueEntries returns active entries of a partition, oldest first.
	ListActiveQueueEntries(ctx context.Context, filter QueueFilter, limit int) ([]models.QueueEntry, error)
	// CancelStaleQueueEntries cancels active entries created before cutoff.
	CancelStaleQueueEntries(ctx context.Context, cutoff time.Time) (int, error)

	// FindOpenSessions returns waiting sessions with free slots, oldest first.
	FindOpenSessions(ctx context.Context, filter SessionFilter, limit int) ([]models.Session, error)
	// ConditionalAddPlayerToSession appends userID if the session is still at expectedVersion,
	// still waiting, has room and does not contain the user. It promotes the session to active
	// when the last slot is filled, writes the membership row and consumes entryID, all in one
	// atomic step. ErrWriteConflict when the guard fails, ErrEntryNotActive when entryID is no
	// longer active.
	ConditionalAddPlayerToSession(ctx context.Context, sessionID, userID string, expectedVersion int, entryID string) (*models.Session, error)
	// CreateSessionWithMembers inserts the session, one membership row per player and consumes
	// entryIDs atomically. ErrWriteConflict when any entry is no longer active.
	CreateSessionWithMembers(ctx context.Context, session *models.Session, entryIDs []string) error
	// GetSession returns a session by id or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// FindSessionForUser returns the user's newest waiting or active session or ErrNotFound.
	FindSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	// CloseSession moves a non-terminal session to status and stamps ended_at. A session that is
	// already terminal is returned unchanged.
	CloseSession(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error)
	// ListSessionPlayers returns membership rows in join order.
	ListSessionPlayers(ctx context.Context, sessionID string) ([]models.SessionPlayer, error)

	// QueueStats aggregates active entries per game mode.
	QueueStats(ctx context.Context) ([]models.QueueModeStats, error)
	// SessionStats aggregates waiting and active sessions per game mode.
	SessionStats(ctx context.Context) ([]models.SessionModeStats, error)

	Close() error
}
