// Package matchmaking pairs players into game sessions. The Service is the entry point; it
// composes the QueueManager, Matcher and SessionController on top of a store.Store, and pushes
// lifecycle events through a Notifier after every committed change.
package matchmaking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/playmatatu/matchmaker/internal/metrics"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/sirupsen/logrus"
)

const notifyTimeout = 5 * time.Second

// JoinStatus is the outcome reported to a joining player.
type JoinStatus string

const (
	JoinStatusQueued  JoinStatus = "queued"
	JoinStatusMatched JoinStatus = "matched"
	JoinStatusInQueue JoinStatus = "in_queue"
)

// Options tunes the Service. Zero values take the defaults used by the server.
type Options struct {
	OpenSessionScanLimit int
	QueueCandidateWindow int
	MatchRetryLimit      int
	Notifier             Notifier
	Metrics              metrics.Recorder
	Now                  func() time.Time
}

func (o *Options) applyDefaults() {
	if o.OpenSessionScanLimit <= 0 {
		o.OpenSessionScanLimit = 10
	}
	if o.QueueCandidateWindow <= 0 {
		o.QueueCandidateWindow = 10
	}
	if o.MatchRetryLimit <= 0 {
		o.MatchRetryLimit = 3
	}
	if o.Notifier == nil {
		o.Notifier = noopNotifier{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Service struct {
	store      store.Store
	queue      *QueueManager
	matcher    *Matcher
	sessions   *SessionController
	notifier   Notifier
	metrics    metrics.Recorder
	retryLimit int
	now        func() time.Time

	pending sync.WaitGroup
}

func NewService(st store.Store, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:      st,
		queue:      NewQueueManager(st, opts.Now),
		matcher:    NewMatcher(st, opts.OpenSessionScanLimit, opts.QueueCandidateWindow, opts.Metrics),
		sessions:   NewSessionController(st),
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		retryLimit: opts.MatchRetryLimit,
		now:        opts.Now,
	}
}

// Queue exposes the queue manager for maintenance jobs.
func (s *Service) Queue() *QueueManager { return s.queue }

// Wait blocks until every in-flight notification has been handed to the Notifier.
func (s *Service) Wait() { s.pending.Wait() }

// JoinResult is returned by Join. Session fields are set when Status is matched, queue fields
// otherwise.
type JoinResult struct {
	Status               JoinStatus           `json:"status"`
	Message              string               `json:"message"`
	GameMode             models.GameMode      `json:"game_mode"`
	Region               string               `json:"region"`
	Entry                *models.QueueEntry   `json:"queue_entry,omitempty"`
	ElapsedSeconds       int                  `json:"elapsed_seconds,omitempty"`
	EstimatedWaitSeconds int                  `json:"estimated_wait_seconds,omitempty"`
	SessionID            string               `json:"session_id,omitempty"`
	SessionStatus        models.SessionStatus `json:"session_status,omitempty"`
	Players              []string             `json:"players,omitempty"`
	MaxPlayers           int                  `json:"max_players"`
}

// Join places userID in the queue and immediately tries to match them. Repeating a join is safe:
// a queued user gets their queue status back, and a user already placed in a session of the
// requested partition gets that session.
func (s *Service) Join(ctx context.Context, userID string, req JoinRequest) (*JoinResult, error) {
	return s.join(ctx, userID, req, true)
}

// Rejoin answers a repeated join from existing state only. It returns nil, nil when the request
// would have to enqueue.
func (s *Service) Rejoin(ctx context.Context, userID string, req JoinRequest) (*JoinResult, error) {
	return s.join(ctx, userID, req, false)
}

func (s *Service) join(ctx context.Context, userID string, req JoinRequest, enqueue bool) (*JoinResult, error) {
	t, err := req.validate()
	mode := string(t.GameMode)
	if !t.GameMode.Valid() {
		mode = "unknown"
	}
	if err != nil {
		s.metrics.JoinOutcome(mode, "invalid")
		return nil, err
	}

	res, err := s.existingState(ctx, userID, t.Partition)
	if err == nil && res == nil {
		if !enqueue {
			return nil, nil
		}
		res, err = s.enqueueAndMatch(ctx, userID, t)
	}
	if err != nil {
		s.metrics.JoinOutcome(mode, "error")
		return nil, err
	}
	s.metrics.JoinOutcome(mode, string(res.Status))
	return res, nil
}

// existingState reports the user's active queue entry, or their open session when it belongs to
// partition p. Nil means the user should be enqueued.
func (s *Service) existingState(ctx context.Context, userID string, p models.Partition) (*JoinResult, error) {
	entry, err := s.queue.Active(ctx, userID)
	if err == nil {
		return s.inQueueResult(entry), nil
	}
	if !errors.Is(err, ErrNotQueued) {
		return nil, err
	}

	sess, err := s.store.FindSessionForUser(ctx, userID)
	if err == nil {
		if sess.Partition() != p {
			return nil, nil
		}
		return matchedResult(sess, "Already in a session"), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable("find session for user", err)
	}
	return nil, nil
}

func (s *Service) enqueueAndMatch(ctx context.Context, userID string, t ticket) (*JoinResult, error) {
	entry, err := s.queue.enqueue(ctx, userID, t)
	if errors.Is(err, ErrAlreadyQueued) {
		// A concurrent join for the same user won the insert.
		if entry != nil {
			return s.inQueueResult(entry), nil
		}
		res, err := s.existingState(ctx, userID, t.Partition)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, unavailable("enqueue", errors.New("queue entry changed concurrently"))
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := s.match(ctx, entry)
	s.metrics.MatchDuration(string(entry.GameMode), time.Since(started))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return s.queuedResult(entry), nil
	}
	return res, nil
}

// match runs the matcher, retrying when a session write loses a race. It returns nil when the
// player should stay queued.
func (s *Service) match(ctx context.Context, entry *models.QueueEntry) (*JoinResult, error) {
	fields := logrus.Fields{"user_id": entry.UserID, "entry_id": entry.ID, "game_mode": entry.GameMode}

	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		result, err := s.matcher.FindMatch(ctx, entry)
		if errors.Is(err, errEntryConsumed) {
			return s.consumedResult(ctx, entry)
		}
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}

		if result.Kind == MatchJoinedSession {
			s.reconcile(ctx, []string{entry.ID}, result.Session.ID)
			s.notifySession(result.Session, []string{entry.UserID})
			logrus.WithFields(fields).WithField("session_id", result.Session.ID).Info("[MATCH] Player joined open session")
			return matchedResult(result.Session, "Joined an open session"), nil
		}

		sess, err := s.sessions.CreateSession(ctx, entry, result.Members)
		if errors.Is(err, store.ErrWriteConflict) {
			s.metrics.WriteConflict(string(entry.GameMode), "create_session")
			logrus.WithFields(fields).WithField("attempt", attempt).Info("[MATCH] Group was taken by a concurrent match, retrying")
			if _, activeErr := s.store.FindActiveQueueEntry(ctx, entry.UserID); errors.Is(activeErr, store.ErrNotFound) {
				return s.consumedResult(ctx, entry)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		ids := append([]string{entry.ID}, pie.Map(result.Members, func(m *models.QueueEntry) string { return m.ID })...)
		s.reconcile(ctx, ids, sess.ID)
		s.notifySession(sess, []string(sess.PlayerIDs))

		msg := "Match found"
		if result.Kind == MatchPartialGroup {
			msg = "Session created, waiting for more players"
		}
		logrus.WithFields(fields).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"kind":       result.Kind,
			"players":    sess.CurrentPlayers,
		}).Info("[MATCH] Group assembled from queue")
		return matchedResult(sess, msg), nil
	}

	logrus.WithFields(fields).Warn("[MATCH] Retry limit reached, player stays queued")
	return nil, nil
}

// consumedResult handles a requester whose entry was taken by another request: either someone
// else's match placed them in a session, or they left the queue meanwhile.
func (s *Service) consumedResult(ctx context.Context, entry *models.QueueEntry) (*JoinResult, error) {
	sess, err := s.store.FindSessionForUser(ctx, entry.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, unavailable("find session for user", err)
	}
	return matchedResult(sess, "Match found"), nil
}

// reconcile re-applies the active to matched transition. The session writes already consumed the
// entries, so any non-zero count here is worth a log line.
func (s *Service) reconcile(ctx context.Context, ids []string, sessionID string) {
	n, err := s.queue.MarkMatched(ctx, ids, sessionID)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Warn("[QUEUE] Mark matched failed")
		return
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{"session_id": sessionID, "count": n}).Warn("[QUEUE] Entries were still active after session write")
	}
}

// LeaveResult is returned by Leave.
type LeaveResult struct {
	Status  string             `json:"status"`
	Message string             `json:"message"`
	Entry   *models.QueueEntry `json:"queue_entry"`
}

// Leave cancels the user's active queue entry. ErrNotQueued when there is none.
func (s *Service) Leave(ctx context.Context, userID string) (*LeaveResult, error) {
	entry, err := s.queue.Cancel(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &LeaveResult{Status: "left_queue", Message: "Left the matchmaking queue", Entry: entry}, nil
}

// StatusResult is returned by Status. Session is set when the user is not queued but belongs to a
// waiting or active session.
type StatusResult struct {
	InQueue              bool               `json:"in_queue"`
	Entry                *models.QueueEntry `json:"queue_entry,omitempty"`
	ElapsedSeconds       int                `json:"elapsed_seconds,omitempty"`
	EstimatedWaitSeconds int                `json:"estimated_wait_seconds,omitempty"`
	Session              *models.Session    `json:"session,omitempty"`
}

func (s *Service) Status(ctx context.Context, userID string) (*StatusResult, error) {
	entry, err := s.queue.Active(ctx, userID)
	if err == nil {
		return &StatusResult{
			InQueue:              true,
			Entry:                entry,
			ElapsedSeconds:       s.elapsedSeconds(entry),
			EstimatedWaitSeconds: int(EstimatedWait(entry.GameMode).Seconds()),
		}, nil
	}
	if !errors.Is(err, ErrNotQueued) {
		return nil, err
	}

	res := &StatusResult{InQueue: false}
	sess, err := s.store.FindSessionForUser(ctx, userID)
	switch {
	case err == nil:
		res.Session = sess
	case !errors.Is(err, store.ErrNotFound):
		return nil, unavailable("find session for user", err)
	}
	return res, nil
}

// ModeStats is the per game mode part of a StatsSnapshot.
type ModeStats struct {
	GameMode           models.GameMode `json:"game_mode"`
	QueueDepth         int             `json:"queue_depth"`
	AverageWaitSeconds float64         `json:"average_wait_seconds"`
	ActiveSessions     int             `json:"active_sessions"`
	WaitingSessions    int             `json:"waiting_sessions"`
	ActivePlayers      int             `json:"active_players"`
	Occupancy          float64         `json:"occupancy"`
}

type StatsSnapshot struct {
	Modes               []ModeStats `json:"game_modes"`
	TotalQueued         int         `json:"total_queued"`
	TotalActiveSessions int         `json:"total_active_sessions"`
	GeneratedAt         time.Time   `json:"generated_at"`
}

// Stats aggregates queue and session counts per game mode. Every supported mode is listed, with
// zeros when idle.
func (s *Service) Stats(ctx context.Context) (*StatsSnapshot, error) {
	queueStats, err := s.store.QueueStats(ctx)
	if err != nil {
		return nil, unavailable("queue stats", err)
	}
	sessionStats, err := s.store.SessionStats(ctx)
	if err != nil {
		return nil, unavailable("session stats", err)
	}

	byMode := make(map[models.GameMode]*ModeStats, len(models.GameModes))
	snapshot := &StatsSnapshot{GeneratedAt: s.now().UTC()}
	for _, mode := range models.GameModes {
		snapshot.Modes = append(snapshot.Modes, ModeStats{GameMode: mode})
	}
	for i := range snapshot.Modes {
		byMode[snapshot.Modes[i].GameMode] = &snapshot.Modes[i]
	}

	for _, q := range queueStats {
		ms, ok := byMode[q.GameMode]
		if !ok {
			continue
		}
		ms.QueueDepth = q.Depth
		ms.AverageWaitSeconds = q.AvgWaitSeconds
		snapshot.TotalQueued += q.Depth
	}
	for _, st := range sessionStats {
		ms, ok := byMode[st.GameMode]
		if !ok {
			continue
		}
		ms.ActiveSessions = st.ActiveSessions
		ms.WaitingSessions = st.WaitingSessions
		ms.ActivePlayers = st.ActivePlayers
		if st.ActiveCapacity > 0 {
			ms.Occupancy = float64(st.ActivePlayers) / float64(st.ActiveCapacity)
		}
		snapshot.TotalActiveSessions += st.ActiveSessions
	}

	for _, ms := range snapshot.Modes {
		s.metrics.QueueDepth(string(ms.GameMode), ms.QueueDepth)
	}
	return snapshot, nil
}

// CloseSession ends a session on behalf of one of its players. Non-members get ErrSessionNotFound.
func (s *Service) CloseSession(ctx context.Context, userID, sessionID string, outcome models.SessionStatus) (*models.Session, error) {
	current, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !pie.Contains([]string(current.PlayerIDs), userID) {
		return nil, ErrSessionNotFound
	}

	sess, err := s.sessions.Close(ctx, sessionID, outcome)
	if err != nil {
		return nil, err
	}
	if !current.Status.Terminal() {
		s.notifyAll(sess, EventSessionClosed)
	}
	return sess, nil
}

// SessionEvent is the payload of every session notification.
type SessionEvent struct {
	SessionID      string               `json:"session_id"`
	HostUserID     string               `json:"host_user_id"`
	GameMode       models.GameMode      `json:"game_mode"`
	Region         string               `json:"region"`
	Status         models.SessionStatus `json:"status"`
	Players        []string             `json:"players"`
	CurrentPlayers int                  `json:"current_players"`
	MaxPlayers     int                  `json:"max_players"`
}

func newSessionEvent(sess *models.Session) SessionEvent {
	return SessionEvent{
		SessionID:      sess.ID,
		HostUserID:     sess.HostUserID,
		GameMode:       sess.GameMode,
		Region:         sess.Region,
		Status:         sess.Status,
		Players:        append([]string(nil), sess.PlayerIDs...),
		CurrentPlayers: sess.CurrentPlayers,
		MaxPlayers:     sess.MaxPlayers,
	}
}

// notifySession tells newcomers they were matched and everyone else that the session changed.
// Every player also gets session_started when the session became active.
func (s *Service) notifySession(sess *models.Session, newcomers []string) {
	event := newSessionEvent(sess)
	s.dispatch(func(ctx context.Context) {
		for _, uid := range event.Players {
			name := EventSessionUpdated
			if pie.Contains(newcomers, uid) {
				name = EventMatchFound
			}
			s.send(ctx, uid, name, event)
		}
		if event.Status == models.SessionStatusActive {
			for _, uid := range event.Players {
				s.send(ctx, uid, EventSessionStarted, event)
			}
		}
	})
}

func (s *Service) notifyAll(sess *models.Session, name string) {
	event := newSessionEvent(sess)
	s.dispatch(func(ctx context.Context) {
		for _, uid := range event.Players {
			s.send(ctx, uid, name, event)
		}
	})
}

// dispatch runs fn off the request path; the request context may already be gone.
func (s *Service) dispatch(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) send(ctx context.Context, userID, event string, payload interface{}) {
	err := s.notifier.NotifyUser(ctx, userID, event, payload)
	s.metrics.NotificationSent(event, err == nil)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": userID, "event": event}).Debug("[WS] Notification not delivered")
	}
}

func (s *Service) elapsedSeconds(entry *models.QueueEntry) int {
	elapsed := s.now().Sub(entry.CreatedAt)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Seconds())
}

func (s *Service) inQueueResult(entry *models.QueueEntry) *JoinResult {
	return &JoinResult{
		Status:               JoinStatusInQueue,
		Message:              "Already in queue",
		GameMode:             entry.GameMode,
		Region:               entry.Region,
		Entry:                entry,
		ElapsedSeconds:       s.elapsedSeconds(entry),
		EstimatedWaitSeconds: int(EstimatedWait(entry.GameMode).Seconds()),
		MaxPlayers:           entry.MaxPlayers,
	}
}

func (s *Service) queuedResult(entry *models.QueueEntry) *JoinResult {
	return &JoinResult{
		Status:               JoinStatusQueued,
		Message:              "Added to matchmaking queue",
		GameMode:             entry.GameMode,
		Region:               entry.Region,
		Entry:                entry,
		EstimatedWaitSeconds: int(EstimatedWait(entry.GameMode).Seconds()),
		MaxPlayers:           entry.MaxPlayers,
	}
}

func matchedResult(sess *models.Session, msg string) *JoinResult {
	return &JoinResult{
		Status:        JoinStatusMatched,
		Message:       msg,
		GameMode:      sess.GameMode,
		Region:        sess.Region,
		SessionID:     sess.ID,
		SessionStatus: sess.Status,
		Players:       append([]string(nil), sess.PlayerIDs...),
		MaxPlayers:    sess.MaxPlayers,
	}
}
