package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bgricker/dispatch/internal/trigger"
	"github.com/bgricker/dispatch/internal/workflow"
)

// Clock is the time source of the schedule loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Watch evaluates the schedules of defs at every minute boundary and starts a
// run for each definition whose cron fires. Runs of one tick start without
// waiting for earlier ticks; overlapping runs meet at the concurrency gate.
// Watch returns once ctx is done and every started run has finished.
func (d *Dispatcher) Watch(ctx context.Context, defs []*workflow.Definition, clock Clock) error {
	if clock == nil {
		clock = SystemClock{}
	}
	var scheduled []*workflow.Definition
	for _, def := range defs {
		if _, ok := def.Trigger(workflow.EventSchedule); ok {
			scheduled = append(scheduled, def)
		}
	}
	d.log.Info("watching schedules", zap.Int("workflows", len(scheduled)))

	var wg sync.WaitGroup
	defer wg.Wait()

	next := clock.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("schedule loop stopped", zap.Error(context.Cause(ctx)))
			return nil
		case <-clock.After(next.Sub(clock.Now())):
		}

		tick := next
		next = next.Add(time.Minute)

		ev := trigger.Event{Kind: workflow.EventSchedule, Time: tick}
		var firing []*workflow.Definition
		for _, def := range scheduled {
			if m, err := trigger.Match(def, ev); err == nil && m.Matched {
				firing = append(firing, def)
			}
		}
		if len(firing) == 0 {
			continue
		}
		d.log.Debug("schedule tick", zap.Time("at", tick), zap.Int("firing", len(firing)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, firing, ev); err != nil {
				d.log.Warn("scheduled dispatch failed", zap.Time("at", tick), zap.Error(err))
			}
		}()
	}
}
