// Package scheduler runs the daily maintenance of xonrelay: history
// retention, log rotation and a traffic summary.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/util"
)

// Pruner deletes history older than a retention period.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration, now time.Time) (db.PruneResult, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	history  Pruner
	logger   zerolog.Logger

	lastCounts map[events.EventType]uint64
}

// NewScheduler creates a new task scheduler. history may be nil when
// history is disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, history Pruner) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		eventBus:   eventBus,
		history:    history,
		logger:     log.With().Str("component", "scheduler").Logger(),
		lastCounts: make(map[events.EventType]uint64),
	}
}

// Start runs the daily maintenance at the configured cleanup time until ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	for {
		nextRun := s.nextCleanup(time.Now())
		s.logger.Info().Time("next_run", nextRun).Msg("daily maintenance scheduled")

		timer := time.NewTimer(time.Until(nextRun))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.RunMaintenance(ctx, time.Now())
		}
	}
}

// RunMaintenance performs one round of daily maintenance.
func (s *Scheduler) RunMaintenance(ctx context.Context, now time.Time) {
	app := s.cfg.GetApplicationData()

	if s.history != nil && app.History.Enabled && app.History.RetentionDays > 0 {
		retention := time.Duration(app.History.RetentionDays) * 24 * time.Hour
		res, err := s.history.Prune(ctx, retention, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("history pruning failed")
		} else {
			s.logger.Info().
				Int64("chat", res.Chat).
				Int64("rcon", res.Rcon).
				Int64("alerts", res.Alerts).
				Int("retention_days", app.History.RetentionDays).
				Msg("history pruned")
		}
	}

	if removed := util.CleanOldLogs(app.Logging.Directory, app.Logging.MaxBackups); removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("old log files removed")
	}

	s.logTrafficSummary()
}

// logTrafficSummary logs how many events of each type were emitted since
// the previous summary.
func (s *Scheduler) logTrafficSummary() {
	counts := s.eventBus.Emitted()

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	dict := zerolog.Dict()
	for _, t := range types {
		et := events.EventType(t)
		dict = dict.Uint64(t, counts[et]-s.lastCounts[et])
	}
	s.lastCounts = counts

	s.logger.Info().Dict("events", dict).Msg("daily traffic summary")
}

func (s *Scheduler) nextCleanup(now time.Time) time.Time {
	hour, minute, err := config.ParseClock(s.cfg.GetApplicationData().History.CleanupTime)
	if err != nil {
		hour, minute = 4, 0
	}
	return NextRun(now, hour, minute)
}

// NextRun returns the first time at hour:minute strictly after now, in
// now's location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
