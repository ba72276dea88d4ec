package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives matchmaking measurements.
type Recorder interface {
	JoinOutcome(gameMode, outcome string)
	WriteConflict(gameMode, stage string)
	MatchDuration(gameMode string, elapsed time.Duration)
	StaleEntriesCancelled(count int)
	NotificationSent(event string, delivered bool)
	QueueDepth(gameMode string, depth int)
}

type prometheusMetrics struct {
	joinOutcomes      *prometheus.CounterVec
	writeConflicts    *prometheus.CounterVec
	matchDuration     *prometheus.HistogramVec
	staleCancelled    prometheus.Counter
	notificationsSent *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
}

// NewPrometheus registers the matchmaking collectors on registry.
func NewPrometheus(registry prometheus.Registerer) Recorder {
	factory := promauto.With(registry)

	return &prometheusMetrics{
		joinOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaking_join_total",
				Help: "Join requests by game mode and outcome (queued, matched, in_queue, error)",
			}, []string{"game_mode", "outcome"}),
		writeConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaking_write_conflicts_total",
				Help: "Conditional writes lost to a concurrent request",
			}, []string{"game_mode", "stage"}),
		matchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchmaking_match_duration_ms",
				Help:    "Time spent searching for a match in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}, []string{"game_mode"}),
		staleCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "matchmaking_stale_entries_cancelled_total",
				Help: "Queue entries cancelled by the stale sweep",
			}),
		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchmaking_notifications_total",
				Help: "Notifications pushed to users by event and delivery result",
			}, []string{"event", "delivered"}),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchmaking_queue_depth",
				Help: "Active queue entries per game mode at the last stats snapshot",
			}, []string{"game_mode"}),
	}
}

func (m *prometheusMetrics) JoinOutcome(gameMode, outcome string) {
	m.joinOutcomes.With(prometheus.Labels{"game_mode": gameMode, "outcome": outcome}).Inc()
}

func (m *prometheusMetrics) WriteConflict(gameMode, stage string) {
	m.writeConflicts.With(prometheus.Labels{"game_mode": gameMode, "stage": stage}).Inc()
}

func (m *prometheusMetrics) MatchDuration(gameMode string, elapsed time.Duration) {
	m.matchDuration.With(prometheus.Labels{"game_mode": gameMode}).Observe(float64(elapsed.Milliseconds()))
}

func (m *prometheusMetrics) StaleEntriesCancelled(count int) {
	m.staleCancelled.Add(float64(count))
}

func (m *prometheusMetrics) NotificationSent(event string, delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	m.notificationsSent.With(prometheus.Labels{"event": event, "delivered": label}).Inc()
}

func (m *prometheusMetrics) QueueDepth(gameMode string, depth int) {
	m.queueDepth.With(prometheus.Labels{"game_mode": gameMode}).Set(float64(depth))
}

type noop struct{}

// Noop discards everything.
func Noop() Recorder { return noop{} }

func (noop) JoinOutcome(string, string) {}
func (noop) WriteConflict(string, string) {}
func (noop) MatchDuration(string, time.Duration) {}
func (noop) StaleEntriesCancelled(int) {}
func (noop) NotificationSent(string, bool) {}
func (noop) QueueDepth(string, int) {}
