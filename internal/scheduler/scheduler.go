// Package scheduler drives the automated weekly rollover. Every pass fires
// the rollover of each org with a cron trigger; the engine decides per role
// and per site whether anything is due, so frequent passes are harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"weekline/internal/domain"
	"weekline/internal/engine"
)

const (
	DefaultInterval = time.Minute
	defaultWorkers  = 4
)

type Options struct {
	Interval time.Duration
	// Workers bounds how many orgs roll over at once.
	Workers int
	// RunOnStart fires a pass before waiting for the first tick.
	RunOnStart bool
	Logger     *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

type Scheduler struct {
	engine engine.Engine
	opts   Options
}

func New(e engine.Engine, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{engine: e, opts: opts}
}

// Run blocks until ctx is done, firing one pass per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.RunOnStart {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.opts.Logger.WithError(err).Warn("scheduler: pass failed")
		}
	}
}

// RunOnce rolls over every org. A failing org is logged and never stops the
// others; the error only reports that listing the orgs failed.
func (s *Scheduler) RunOnce(ctx context.Context) ([]engine.RolloverResult, error) {
	orgs, err := s.engine.Repo.ListOrgs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	results := make([]engine.RolloverResult, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, o := range orgs {
		g.Go(func() error {
			log := s.opts.Logger.WithField("org_id", o.ID)
			res, err := s.engine.RunRollover(gctx, engine.RolloverOptions{
				OrgID:   o.ID,
				Trigger: domain.TriggerCron,
				ActorID: "scheduler",
			})
			if err != nil {
				log.WithError(err).Warn("scheduler: rollover failed")
				if res.Status == "" {
					res.Status = engine.RolloverFailed
				}
			}
			res.OrgID = o.ID
			results[i] = res
			log.WithField("status", res.Status).Debug("scheduler: rollover done")
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
