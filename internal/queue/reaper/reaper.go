// Package reaper deletes completed messages on a cron schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/pkg/logger"
)

// DefaultSchedule runs a pass every minute.
const DefaultSchedule = "@every 60s"

// Target is a queue the reaper cleans. *queue.Engine satisfies it.
type Target interface {
	Name() string
	Reap(ctx context.Context) (queue.ReapResult, error)
}

type Reaper struct {
	targets  []Target
	spec     string
	schedule cron.Schedule
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 30s"); an empty spec means DefaultSchedule.
func New(spec string, targets ...Target) (*Reaper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reap schedule %q: %w", spec, err)
	}

	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	return &Reaper{
		targets:  sorted,
		spec:     spec,
		schedule: schedule,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start blocks, reaping on every tick, until ctx is cancelled or Stop is
// called.
func (r *Reaper) Start(ctx context.Context) {
	logger.Info("reaper started", zap.String("schedule", r.spec), zap.Int("queues", len(r.targets)))

	for {
		wait := time.Until(r.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("reaper stopped", zap.String("reason", "context cancelled"))
			return
		case <-r.stopCh:
			timer.Stop()
			logger.Info("reaper stopped", zap.String("reason", "stop signal"))
			return
		case <-timer.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}

// Stop ends Start. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce reaps every target once. A failing queue does not keep the others
// from being reaped; all failures are returned joined.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, t := range r.targets {
		res, err := t.Reap(ctx)
		if err != nil {
			logger.Error("reap failed", zap.String("queue", t.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("reap %s: %w", t.Name(), err))
			continue
		}
		if res.DeletedCount > 0 {
			logger.Info("reaped done messages", zap.String("queue", t.Name()), zap.Int64("deleted", res.DeletedCount))
		}
		total += res.DeletedCount
	}
	return total, errors.Join(errs...)
}
