package matchmaking

import "context"

// Events pushed through the Notifier.
const (
	EventMatchFound     = "match_found"
	EventSessionUpdated = "session_updated"
	EventSessionStarted = "session_started"
	EventSessionClosed  = "session_closed"
)

// Notifier delivers an event to one user. Delivery is best effort: an error means the user was
// not reached, never that the matchmaking state change failed.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string, payload interface{}) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyUser(context.Context, string, string, interface{}) error { return nil }
