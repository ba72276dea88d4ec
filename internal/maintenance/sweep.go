// Package maintenance runs background jobs that keep the queue healthy.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/playmatatu/matchmaker/internal/metrics"
	"github.com/sirupsen/logrus"
)

// StaleCanceller cancels queue entries older than a cutoff age.
type StaleCanceller interface {
	CancelStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Sweeper periodically cancels queue entries nobody matched in time.
type Sweeper struct {
	queue    StaleCanceller
	maxAge   time.Duration
	interval time.Duration
	metrics  metrics.Recorder
	sched    gocron.Scheduler
}

func NewSweeper(queue StaleCanceller, maxAge, interval time.Duration, rec metrics.Recorder) *Sweeper {
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Sweeper{queue: queue, maxAge: maxAge, interval: interval, metrics: rec}
}

// Start schedules the sweep every interval. The first run happens immediately.
func (s *Sweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			defer cancel()
			s.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		sched.Shutdown()
		return fmt.Errorf("schedule stale sweep: %w", err)
	}

	sched.Start()
	s.sched = sched
	logrus.Infof("[SWEEP] Stale queue sweep every %s (max age %s)", s.interval, s.maxAge)
	return nil
}

// RunOnce performs a single sweep and returns the number of cancelled entries.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.queue.CancelStale(ctx, s.maxAge)
	if err != nil {
		logrus.WithError(err).Error("[SWEEP] Stale queue sweep failed")
		return 0
	}
	if n > 0 {
		s.metrics.StaleEntriesCancelled(n)
		logrus.WithField("count", n).Info("[SWEEP] Cancelled stale queue entries")
	}
	return n
}

// Stop waits for a running sweep and stops the scheduler.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}
