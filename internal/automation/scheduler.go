package automation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"gridstone/internal/config"
)

// Scheduler drives time-based rules. Rules scheduled "always" run on every
// interval tick; rules scheduled "daily" run once per cron boundary.
// Anything else, including unrecognized schedule values, never runs here.
type Scheduler struct {
	engine   *Engine
	rules    *RuleStore
	queue    TaskQueue
	cron     *cronexpr.Expression
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(engine *Engine, rules *RuleStore, queue TaskQueue, cfg config.AutomationConfig) (*Scheduler, error) {
	cron, err := cronexpr.Parse(cfg.DailyCron)
	if err != nil {
		return nil, fmt.Errorf("parse daily cron %q: %w", cfg.DailyCron, err)
	}
	interval := time.Duration(cfg.AlwaysIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		rules:    rules,
		queue:    queue,
		cron:     cron,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop shuts the loop down and waits for it to exit. Submitted rule runs
// may still be in flight on the queue.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	nextDaily := s.cron.Next(time.Now())
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			nextDaily = s.tick(ctx, now, nextDaily)
		}
	}
}

// tick runs the "always" rules and, when the cron boundary has passed, the
// "daily" rules. Returns the next daily boundary.
func (s *Scheduler) tick(ctx context.Context, now, nextDaily time.Time) time.Time {
	s.runDue(ctx, ScheduleAlways)
	if now.Before(nextDaily) {
		return nextDaily
	}
	s.runDue(ctx, ScheduleDaily)
	return s.cron.Next(now)
}

// runDue submits every rule with the given schedule to the task queue.
func (s *Scheduler) runDue(ctx context.Context, schedule string) {
	rules, err := s.rules.List(ctx, "")
	if err != nil {
		log.Printf("WARN: scheduled rules lookup failed: %v", err)
		return
	}
	for _, r := range rules {
		if r.Schedule != schedule {
			continue
		}
		rule := r
		s.queue.Submit("rule:"+rule.ID, func() {
			if _, err := s.engine.Run(ctx, rule); err != nil {
				log.Printf("WARN: scheduled rule %s failed: %v", rule.ID, err)
			}
		})
	}
}
