package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// GameMode selects which partition of the queue a player is matched in.
type GameMode string

const (
	GameModeToybox      GameMode = "toybox"
	GameModeAdventure   GameMode = "adventure"
	GameModeVersus      GameMode = "versus"
	GameModeCooperative GameMode = "cooperative"
)

// GameModes lists every supported mode in display order.
var GameModes = []GameMode{GameModeToybox, GameModeAdventure, GameModeVersus, GameModeCooperative}

func (m GameMode) Valid() bool {
	switch m {
	case GameModeToybox, GameModeAdventure, GameModeVersus, GameModeCooperative:
		return true
	}
	return false
}

type QueueStatus string

const (
	QueueStatusActive    QueueStatus = "active"
	QueueStatusMatched   QueueStatus = "matched"
	QueueStatusCancelled QueueStatus = "cancelled"
)

type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned || s == SessionStatusCancelled
}

// QueueEntry is one player's open matchmaking request
type QueueEntry struct {
	ID          string         `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"user_id"`
	GameMode    GameMode       `db:"game_mode" json:"game_mode"`
	Region      string         `db:"region" json:"region"`
	SkillLevel  int            `db:"skill_level" json:"skill_level"`
	MaxPlayers  int            `db:"max_players" json:"max_players"`
	Preferences Preferences    `db:"preferences" json:"preferences,omitempty"`
	Status      QueueStatus    `db:"status" json:"status"`
	SessionID   sql.NullString `db:"session_id" json:"-"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	MatchedAt   NullTime       `db:"matched_at" json:"matched_at"`
}

// Partition returns the bucket the entry is matched within.
func (e *QueueEntry) Partition() Partition {
	return Partition{GameMode: e.GameMode, Region: e.Region, MaxPlayers: e.MaxPlayers}
}

// NullTime is a nullable timestamp column that encodes as a JSON time or null.
type NullTime struct {
	sql.NullTime
}

func NewNullTime(t time.Time) NullTime {
	return NullTime{sql.NullTime{Time: t, Valid: true}}
}

func (t NullTime) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

func (t *NullTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = NullTime{}
		return nil
	}
	if err := json.Unmarshal(data, &t.Time); err != nil {
		return err
	}
	t.Valid = true
	return nil
}

// Preferences is an opaque JSON document supplied by the client. Matching never reads it; it is
// stored and echoed back byte for byte.
type Preferences []byte

func (p Preferences) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Preferences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (p Preferences) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return []byte(p), nil
}

func (p *Preferences) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Preferences(nil), v...)
	case string:
		*p = Preferences(v)
	default:
		return fmt.Errorf("preferences: unsupported scan type %T", src)
	}
	return nil
}

// Session is a reserved slot for a running or forming match
type Session struct {
	ID             string         `db:"id" json:"id"`
	HostUserID     string         `db:"host_user_id" json:"host_user_id"`
	GameMode       GameMode       `db:"game_mode" json:"game_mode"`
	Region         string         `db:"region" json:"region"`
	MaxPlayers     int            `db:"max_players" json:"max_players"`
	CurrentPlayers int            `db:"current_players" json:"current_players"`
	PlayerIDs      pq.StringArray `db:"player_ids" json:"player_ids"`
	Status         SessionStatus  `db:"status" json:"status"`
	Version        int            `db:"version" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      NullTime       `db:"started_at" json:"started_at"`
	EndedAt        NullTime       `db:"ended_at" json:"ended_at"`
}

func (s *Session) Partition() Partition {
	return Partition{GameMode: s.GameMode, Region: s.Region, MaxPlayers: s.MaxPlayers}
}

// Full reports whether every slot is taken.
func (s *Session) Full() bool {
	return s.CurrentPlayers >= s.MaxPlayers
}

// SessionPlayer is the membership row written alongside every player added to a session
type SessionPlayer struct {
	SessionID string    `db:"session_id" json:"session_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	JoinedAt  time.Time `db:"joined_at" json:"joined_at"`
}

// Partition identifies the (mode, region, size) bucket players are matched within.
type Partition struct {
	GameMode   GameMode
	Region     string
	MaxPlayers int
}

// QueueModeStats aggregates the active queue for one game mode.
type QueueModeStats struct {
	GameMode       GameMode `db:"game_mode" json:"game_mode"`
	Depth          int      `db:"depth" json:"queue_depth"`
	AvgWaitSeconds float64  `db:"avg_wait_seconds" json:"average_wait_seconds"`
}

// SessionModeStats aggregates non-terminal sessions for one game mode.
type SessionModeStats struct {
	GameMode        GameMode `db:"game_mode" json:"game_mode"`
	ActiveSessions  int      `db:"active_sessions" json:"active_sessions"`
	WaitingSessions int      `db:"waiting_sessions" json:"waiting_sessions"`
	ActivePlayers   int      `db:"active_players" json:"active_players"`
	ActiveCapacity  int      `db:"active_capacity" json:"active_capacity"`
}
