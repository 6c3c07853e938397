// Package scheduler implements declarative job scheduling (spec §4.J):
// a small, fixed table of recurring jobs gated by market hours, each
// running on its own ticker with single-instance locking so a slow run
// never overlaps its own next tick. Grounded on the teacher's
// internal/scheduler/scheduler.go ticker-driven job loop, completed
// here with real cadence/gating logic in place of its TODOs.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/metrics"
	"github.com/sawpanic/biasengine/internal/model"
)

// Puller is the external data-acquisition contract a pull-cadence job
// invokes; the concrete market-data, VIX and CAPE REST pullers live in
// internal/composition and are wired in at the composition root, the
// same pattern as outcome.PriceProvider.
type Puller interface {
	Pull(ctx context.Context) error
}

// Recomputer triggers a composite bias recompute without importing
// internal/bias directly.
type Recomputer interface {
	Trigger(ctx context.Context)
}

// OutcomeReplayer runs the daily outcome replay.
type OutcomeReplayer interface {
	RunDaily(ctx context.Context, now time.Time) error
}

type jobFunc func(ctx context.Context, now time.Time) error

type job struct {
	name      string
	interval  time.Duration
	gate      func(clock *MarketClock, now time.Time) bool
	run       jobFunc
	mu        sync.Mutex
	lastDate  string // for once-per-day jobs, the market DateKey last run
	onceDaily bool
}

// Scheduler drives the fixed job table declared in NewScheduler. Each
// job is its own goroutine; a job that is still running when its next
// tick arrives skips that tick rather than overlapping (spec §4.J:
// "per-job timeout and single-instance locking required").
type Scheduler struct {
	clock   *MarketClock
	jobs    []*job
	metrics *metrics.Registry
}

// Config wires the external collaborators the fixed job table invokes.
type Config struct {
	MarketDataPuller Puller          // price-derived factors, regular hours only
	VIXPuller        Puller          // extended hours only
	CAPEPuller       Puller          // every 4h, unconditional
	OutcomeReplay    OutcomeReplayer // 21:00 ET Mon-Fri
	Recompute        Recomputer      // composite safety net, every 15min
	EventLog         gateway.EventLog
	Metrics          *metrics.Registry // optional; nil disables instrumentation
}

func NewScheduler(config Config) (*Scheduler, error) {
	clock, err := NewMarketClock()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{clock: clock, metrics: config.Metrics}

	s.jobs = []*job{
		{
			name:     "market_data_pull",
			interval: 15 * time.Minute,
			gate:     func(c *MarketClock, now time.Time) bool { return c.IsRegularHours(now) },
			run:      func(ctx context.Context, now time.Time) error { return config.MarketDataPuller.Pull(ctx) },
		},
		{
			name:     "vix_pull",
			interval: 15 * time.Minute,
			gate:     func(c *MarketClock, now time.Time) bool { return c.IsExtendedHours(now) },
			run:      func(ctx context.Context, now time.Time) error { return config.VIXPuller.Pull(ctx) },
		},
		{
			name:     "cape_pull",
			interval: 4 * time.Hour,
			gate:     func(c *MarketClock, now time.Time) bool { return true },
			run:      func(ctx context.Context, now time.Time) error { return config.CAPEPuller.Pull(ctx) },
		},
		{
			name:      "signal_outcome_scoring",
			interval:  time.Minute, // polled every minute; fires once the 21:00 ET threshold is crossed
			onceDaily: true,
			gate:      func(c *MarketClock, now time.Time) bool { return c.AtOrAfterDailyTime(now, 21, 0) },
			run:       func(ctx context.Context, now time.Time) error { return config.OutcomeReplay.RunDaily(ctx, now) },
		},
		{
			name:     "composite_safety_recompute",
			interval: 15 * time.Minute,
			gate:     func(c *MarketClock, now time.Time) bool { return true },
			run: func(ctx context.Context, now time.Time) error {
				config.Recompute.Trigger(ctx)
				return nil
			},
		},
		{
			name:     "heartbeat",
			interval: 5 * time.Minute,
			gate:     func(c *MarketClock, now time.Time) bool { return true },
			run: func(ctx context.Context, now time.Time) error {
				payload, err := json.Marshal(map[string]interface{}{"emitted_at": now.UTC()})
				if err != nil {
					return err
				}
				_, err = gateway.AppendOrFail(ctx, config.EventLog, model.TopicSystemHeartbeat, payload)
				return err
			},
		},
	}

	return s, nil
}

// Run starts every job's ticker loop and blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.runJobLoop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) runJobLoop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j *job) {
	now := time.Now()
	if !j.gate(s.clock, now) {
		return
	}
	if j.onceDaily {
		dateKey := s.clock.DateKey(now)
		if j.lastDate == dateKey {
			return
		}
	}
	if !j.mu.TryLock() {
		log.Warn().Str("job", j.name).Msg("scheduler: previous run still in flight, skipping tick")
		if s.metrics != nil {
			s.metrics.SchedulerJobSkipped.WithLabelValues(j.name).Inc()
		}
		return
	}
	defer j.mu.Unlock()

	if j.onceDaily {
		j.lastDate = s.clock.DateKey(now)
	}

	result := "success"
	if err := j.run(ctx, now); err != nil {
		log.Error().Err(err).Str("job", j.name).Msg("scheduler: job run failed")
		result = "error"
	}
	if s.metrics != nil {
		s.metrics.SchedulerJobRuns.WithLabelValues(j.name, result).Inc()
	}
}

// RunOnce executes a named job immediately, bypassing its gate and
// interval. An unknown name is a no-op that returns nil.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name != name {
			continue
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.run(ctx, time.Now())
	}
	return nil
}
