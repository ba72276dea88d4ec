package matchmaking

import (
	"regexp"
	"strings"
	"time"

	"github.com/playmatatu/matchmaker/internal/models"
)

const (
	DefaultRegion     = "global"
	DefaultSkillLevel = 5
	DefaultMaxPlayers = 4

	MinSkillLevel = 1
	MaxSkillLevel = 10
	MinMaxPlayers = 2
	MaxMaxPlayers = 4

	maxPreferencesBytes = 4096
)

var regionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// estimatedWaits is a placeholder heuristic per game mode, not an SLA.
var estimatedWaits = map[models.GameMode]time.Duration{
	models.GameModeToybox:      30 * time.Second,
	models.GameModeAdventure:   60 * time.Second,
	models.GameModeVersus:      45 * time.Second,
	models.GameModeCooperative: 90 * time.Second,
}

// EstimatedWait returns the static wait estimate for mode.
func EstimatedWait(mode models.GameMode) time.Duration {
	return estimatedWaits[mode]
}

// JoinRequest is the caller-supplied part of a join. Nil fields take their defaults.
type JoinRequest struct {
	GameMode    models.GameMode    `json:"game_mode"`
	Region      string             `json:"region,omitempty"`
	SkillLevel  *int               `json:"skill_level,omitempty"`
	MaxPlayers  *int               `json:"max_players,omitempty"`
	Preferences models.Preferences `json:"preferences,omitempty"`
}

// ticket is a validated join request with defaults applied.
type ticket struct {
	models.Partition
	SkillLevel  int
	Preferences models.Preferences
}

func (r JoinRequest) validate() (ticket, error) {
	t := ticket{
		Partition: models.Partition{
			GameMode:   models.GameMode(strings.ToLower(strings.TrimSpace(string(r.GameMode)))),
			Region:     strings.ToLower(strings.TrimSpace(r.Region)),
			MaxPlayers: DefaultMaxPlayers,
		},
		SkillLevel:  DefaultSkillLevel,
		Preferences: r.Preferences,
	}

	if t.GameMode == "" {
		return t, invalid("game_mode", "required")
	}
	if !t.GameMode.Valid() {
		return t, invalid("game_mode", "must be one of toybox, adventure, versus, cooperative")
	}

	if t.Region == "" {
		t.Region = DefaultRegion
	}
	if !regionPattern.MatchString(t.Region) {
		return t, invalid("region", "must be 1-32 lowercase letters, digits, '-' or '_'")
	}

	if r.SkillLevel != nil {
		t.SkillLevel = *r.SkillLevel
	}
	if t.SkillLevel < MinSkillLevel || t.SkillLevel > MaxSkillLevel {
		return t, invalid("skill_level", "must be between %d and %d", MinSkillLevel, MaxSkillLevel)
	}

	if r.MaxPlayers != nil {
		t.MaxPlayers = *r.MaxPlayers
	}
	if t.MaxPlayers < MinMaxPlayers || t.MaxPlayers > MaxMaxPlayers {
		return t, invalid("max_players", "must be between %d and %d", MinMaxPlayers, MaxMaxPlayers)
	}

	if len(t.Preferences) > maxPreferencesBytes {
		return t, invalid("preferences", "must be at most %d bytes", maxPreferencesBytes)
	}
	if len(t.Preferences) > 0 && !strings.HasPrefix(strings.TrimSpace(string(t.Preferences)), "{") {
		return t, invalid("preferences", "must be a JSON object")
	}

	return t, nil
}
