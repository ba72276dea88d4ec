package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/playmatatu/matchmaker/internal/models"
)

const (
	queueColumns   = `id, user_id, game_mode, region, skill_level, max_players, preferences, status, session_id, created_at, matched_at`
	sessionColumns = `id, host_user_id, game_mode, region, max_players, current_players, player_ids, status, version, created_at, started_at, ended_at`

	// partial unique index enforcing one active entry per user
	activeEntryIndex = "matchmaking_queue_one_active_per_user"
	uniqueViolation  = "23505"
)

// PostgresStore implements Store on PostgreSQL through sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isActiveEntryViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation && pqErr.Constraint == activeEntryIndex
	}
	return false
}

func (s *PostgresStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO matchmaking_queue (id, user_id, game_mode, region, skill_level, max_players, preferences, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', NOW())
		RETURNING status, created_at
	`, entry.ID, entry.UserID, entry.GameMode, entry.Region, entry.SkillLevel, entry.MaxPlayers, entry.Preferences).
		Scan(&entry.Status, &entry.CreatedAt)
	if err != nil {
		if isActiveEntryViolation(err) {
			return ErrAlreadyQueued
		}
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActiveQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.GetContext(ctx, &e, `SELECT `+queueColumns+` FROM matchmaking_queue WHERE user_id = $1 AND status = 'active'`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active queue entry: %w", err)
	}
	return &e, nil
}

func markMatched(ctx context.Context, ext sqlx.ExtContext, ids []string, sessionID string) (int, error) {
	res, err := ext.ExecContext(ctx, `
		UPDATE matchmaking_queue
		SET status = 'matched', matched_at = NOW(), session_id = NULLIF($2, '')
		WHERE id = ANY($1) AND status = 'active'
	`, pq.Array(ids), sessionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) MarkQueueEntriesMatched(ctx context.Context, ids []string, sessionID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := markMatched(ctx, s.db, pie.Unique(ids), sessionID)
	if err != nil {
		return 0, fmt.Errorf("mark queue entries matched: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CancelQueueEntry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.GetContext(ctx, &e, `
		UPDATE matchmaking_queue SET status = 'cancelled'
		WHERE user_id = $1 AND status = 'active'
		RETURNING `+queueColumns, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cancel queue entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListActiveQueueEntries(ctx context.Context, filter QueueFilter, limit int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+queueColumns+`
		FROM matchmaking_queue
		WHERE status = 'active'
		  AND game_mode = $1
		  AND region = $2
		  AND max_players = $3
		  AND user_id <> $4
		ORDER BY created_at, id
		LIMIT $5
	`, filter.GameMode, filter.Region, filter.MaxPlayers, filter.ExcludeUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active queue entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) CancelStaleQueueEntries(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE matchmaking_queue SET status = 'cancelled' WHERE status = 'active' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cancel stale queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) FindOpenSessions(ctx context.Context, filter SessionFilter, limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+`
		FROM game_sessions
		WHERE status = 'waiting'
		  AND game_mode = $1
		  AND region = $2
		  AND max_players = $3
		  AND current_players < max_players
		ORDER BY created_at, id
		LIMIT $4
	`, filter.GameMode, filter.Region, filter.MaxPlayers, limit)
	if err != nil {
		return nil, fmt.Errorf("find open sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) ConditionalAddPlayerToSession(ctx context.Context, sessionID, userID string, expectedVersion int, entryID string) (*models.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Capacity is re-validated by the row itself, never from the caller's snapshot.
	var sess models.Session
	err = tx.GetContext(ctx, &sess, `
		UPDATE game_sessions
		SET player_ids      = array_append(player_ids, $2),
		    current_players = current_players + 1,
		    version         = version + 1,
		    status          = CASE WHEN current_players + 1 = max_players THEN 'active' ELSE status END,
		    started_at      = CASE WHEN current_players + 1 = max_players THEN NOW() ELSE started_at END
		WHERE id = $1
		  AND version = $3
		  AND status = 'waiting'
		  AND current_players < max_players
		  AND NOT ($2 = ANY(player_ids))
		RETURNING `+sessionColumns, sessionID, userID, expectedVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWriteConflict
		}
		return nil, fmt.Errorf("conditional add player: %w", err)
	}

	if entryID != "" {
		n, err := markMatched(ctx, tx, []string{entryID}, sessionID)
		if err != nil {
			return nil, fmt.Errorf("consume queue entry: %w", err)
		}
		if n == 0 {
			return nil, ErrEntryNotActive
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO session_players (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`, sessionID, userID); err != nil {
		return nil, fmt.Errorf("insert session player: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSessionWithMembers(ctx context.Context, session *models.Session, entryIDs []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := pie.Unique(entryIDs)
	if len(ids) > 0 {
		n, err := markMatched(ctx, tx, ids, session.ID)
		if err != nil {
			return fmt.Errorf("consume queue entries: %w", err)
		}
		if n != len(ids) {
			return ErrWriteConflict
		}
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO game_sessions (id, host_user_id, game_mode, region, max_players, current_players, player_ids, status, version, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), CASE WHEN $8 = 'active' THEN NOW() END)
		RETURNING version, created_at, started_at
	`, session.ID, session.HostUserID, session.GameMode, session.Region, session.MaxPlayers,
		session.CurrentPlayers, session.PlayerIDs, session.Status).
		Scan(&session.Version, &session.CreatedAt, &session.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	members := pie.Map([]string(session.PlayerIDs), func(uid string) models.SessionPlayer {
		return models.SessionPlayer{SessionID: session.ID, UserID: uid, JoinedAt: session.CreatedAt}
	})
	if len(members) > 0 {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO session_players (session_id, user_id, joined_at) VALUES (:session_id, :user_id, :joined_at)`, members); err != nil {
			return fmt.Errorf("insert session players: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) FindSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT `+sessionColumns+`
		FROM game_sessions
		WHERE $1 = ANY(player_ids) AND status IN ('waiting', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find session for user: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `
		UPDATE game_sessions
		SET status = $2, ended_at = NOW(), version = version + 1
		WHERE id = $1 AND status IN ('waiting', 'active')
		RETURNING `+sessionColumns, sessionID, status)
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("close session: %w", err)
	}
	// already terminal (or missing)
	return s.GetSession(ctx, sessionID)
}

func (s *PostgresStore) ListSessionPlayers(ctx context.Context, sessionID string) ([]models.SessionPlayer, error) {
	var rows []models.SessionPlayer
	if err := s.db.SelectContext(ctx, &rows, `SELECT session_id, user_id, joined_at FROM session_players WHERE session_id = $1 ORDER BY joined_at, user_id`, sessionID); err != nil {
		return nil, fmt.Errorf("list session players: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) ([]models.QueueModeStats, error) {
	var out []models.QueueModeStats
	err := s.db.SelectContext(ctx, &out, `
		SELECT game_mode,
		       COUNT(*) AS depth,
		       COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - created_at))), 0)::float8 AS avg_wait_seconds
		FROM matchmaking_queue
		WHERE status = 'active'
		GROUP BY game_mode
		ORDER BY game_mode
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SessionStats(ctx context.Context) ([]models.SessionModeStats, error) {
	var out []models.SessionModeStats
	err := s.db.SelectContext(ctx, &out, `
		SELECT game_mode,
		       COUNT(*) FILTER (WHERE status = 'active') AS active_sessions,
		       COUNT(*) FILTER (WHERE status = 'waiting') AS waiting_sessions,
		       COALESCE(SUM(current_players) FILTER (WHERE status = 'active'), 0) AS active_players,
		       COALESCE(SUM(max_players) FILTER (WHERE status = 'active'), 0) AS active_capacity
		FROM game_sessions
		WHERE status IN ('waiting', 'active')
		GROUP BY game_mode
		ORDER BY game_mode
	`)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
