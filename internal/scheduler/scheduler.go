// Package scheduler runs the admission-controlled launch loop: every poll
// interval it snapshots the fleet, admits due bots up to the concurrency cap
// and submits them to the capacity boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"botherd/internal/config"
	"botherd/internal/metrics"
	"botherd/internal/model"
	"botherd/internal/provisioner"
	"botherd/internal/store"
	logx "botherd/pkg/logx"
)

type Scheduler struct {
	st   store.Store
	prov provisioner.Provisioner
	met  *metrics.Metrics
	log  logx.Logger

	clock func() time.Time

	mu       sync.Mutex
	settings config.SchedulerSettings
	cr       *cron.Cron
	entry    cron.EntryID

	// cycleMu serializes cycles so a slow cycle is never overlapped by the
	// next tick or by an Apply-triggered run.
	cycleMu sync.Mutex
}

func New(st store.Store, prov provisioner.Provisioner, met *metrics.Metrics, settings config.SchedulerSettings, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		st:       st,
		prov:     prov,
		met:      met,
		log:      log.With(logx.String("component", "scheduler")),
		clock:    time.Now,
		settings: settings,
	}
}

// Start begins ticking. The loop stops when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cr != nil {
		return errors.New("scheduler already started")
	}
	cr := cron.New(cron.WithLogger(cronLogger{s.log}))
	id, err := cr.AddFunc(everySpec(s.settings.PollInterval), func() { s.RunCycle(ctx) })
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.cr = cr
	s.entry = id
	cr.Start()

	context.AfterFunc(ctx, s.Stop)
	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.settings.PollInterval),
		logx.Duration("lead_time", s.settings.LeadTime),
		logx.Duration("grace_period", s.settings.GracePeriod),
		logx.Int("max_concurrent", s.settings.MaxConcurrent))
	return nil
}

// Stop halts ticking. A cycle in flight finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	s.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}

// Apply swaps the admission settings at runtime. A changed poll interval
// reschedules the ticker in place.
func (s *Scheduler) Apply(ctx context.Context, settings config.SchedulerSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.settings
	s.settings = settings
	if s.cr == nil || old.PollInterval == settings.PollInterval {
		return
	}
	s.cr.Remove(s.entry)
	id, err := s.cr.AddFunc(everySpec(settings.PollInterval), func() { s.RunCycle(ctx) })
	if err != nil {
		// settings are pre-validated; this should be unreachable
		s.log.Error("reschedule failed", logx.Err(err))
		return
	}
	s.entry = id
	s.log.Info("scheduler rescheduled", logx.Duration("poll_interval", settings.PollInterval))
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// RunCycle executes one admission pass. Each pass works from a fresh
// snapshot; nothing carries over between cycles, so transient failures heal
// on the next tick.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	cfg := s.settings
	s.mu.Unlock()

	start := s.clock()
	if s.met != nil {
		s.met.SchedulerCycles.Inc()
		defer func() {
			s.met.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
		}()
	}

	now := start
	active, err := s.st.CountActiveBots(ctx)
	if err != nil {
		s.log.Error("cycle aborted: active count", logx.Err(err))
		return
	}
	budget := cfg.MaxConcurrent - active

	due, err := s.st.ListDueBots(ctx, now.Add(-cfg.GracePeriod), now.Add(cfg.LeadTime))
	if err != nil {
		s.log.Error("cycle aborted: due list", logx.Err(err))
		return
	}

	launched, deferred, failed := 0, 0, 0
	for _, b := range due {
		if budget <= 0 {
			deferred++
			if s.met != nil {
				s.met.LaunchDeferred.Inc()
			}
			continue
		}
		switch err := s.launch(ctx, b, now); {
		case err == nil:
			launched++
			budget--
		case errors.Is(err, errSkipped):
			// lost the bot to a concurrent actor; not a failure
		default:
			failed++
			s.log.Warn("launch failed",
				logx.String("bot_id", b.BotID),
				logx.Time("join_at", b.JoinAt),
				logx.Err(err))
		}
	}

	s.observeFleet(ctx, now, cfg)

	if launched > 0 || deferred > 0 || failed > 0 {
		s.log.Info("admission cycle",
			logx.Int("due", len(due)),
			logx.Int("launched", launched),
			logx.Int("deferred", deferred),
			logx.Int("failed", failed),
			logx.Int("active_before", active),
			logx.Duration("took", time.Since(start)))
	}
}

// errSkipped marks a bot that was no longer launchable when we got to it.
var errSkipped = errors.New("bot no longer launchable")

// launch submits one bot: the state flip and the capacity request are
// recorded atomically first, then the provisioner is called. If the call
// fails the submission is reverted and the bot retries on a later cycle.
func (s *Scheduler) launch(ctx context.Context, b model.Bot, now time.Time) error {
	req := model.CapacityRequest{
		RequestID:   uuid.NewString(),
		BotID:       b.BotID,
		RequestedAt: now,
		Status:      model.CapacityPending,
	}
	ok, err := s.st.SubmitForLaunch(ctx, b.BotID, req)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errSkipped
		}
		return fmt.Errorf("submit: %w", err)
	}
	if !ok {
		return errSkipped
	}

	if err := s.prov.Request(ctx, req, b); err != nil {
		if s.met != nil {
			s.met.LaunchFailures.Inc()
		}
		if rerr := s.st.RevertLaunch(ctx, b.BotID, req.RequestID); rerr != nil {
			s.log.Error("revert failed after provisioning error",
				logx.String("bot_id", b.BotID),
				logx.String("request_id", req.RequestID),
				logx.Err(rerr))
		}
		return fmt.Errorf("provision: %w", err)
	}

	if err := s.st.SetCapacityRequestStatus(ctx, req.RequestID, model.CapacitySatisfied); err != nil {
		s.log.Warn("capacity request status update failed",
			logx.String("request_id", req.RequestID), logx.Err(err))
	}
	if s.met != nil {
		s.met.Launches.Inc()
	}
	s.log.Info("bot launch submitted",
		logx.String("bot_id", b.BotID),
		logx.String("request_id", req.RequestID),
		logx.Time("join_at", b.JoinAt))
	return nil
}

// observeFleet refreshes the fleet gauges. Failures here only degrade
// visibility, never the cycle.
func (s *Scheduler) observeFleet(ctx context.Context, now time.Time, cfg config.SchedulerSettings) {
	if s.met == nil {
		return
	}
	if stale, err := s.st.CountStaleScheduled(ctx, now.Add(-cfg.GracePeriod)); err == nil {
		s.met.StaleScheduled.Set(float64(stale))
		if stale > 0 {
			s.log.Debug("stale scheduled bots present", logx.Int("count", stale))
		}
	}
	counts, err := s.st.CountBotsByState(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, st := range model.States {
		n := counts[st]
		s.met.BotsByState.WithLabelValues(string(st)).Set(float64(n))
		if st.Active() {
			active += n
		}
	}
	s.met.ActiveBots.Set(float64(active))
}

// cronLogger adapts the cron library's logger to ours.
type cronLogger struct{ log logx.Logger }

func (c cronLogger) Info(string, ...interface{}) {}

func (c cronLogger) Error(err error, msg string, _ ...interface{}) {
	c.log.Error("cron: "+msg, logx.Err(err))
}
