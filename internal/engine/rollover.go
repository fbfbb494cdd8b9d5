package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"weekline/internal/domain"
	"weekline/internal/ledger"
	"weekline/internal/metrics"
)

const (
	RolloverDisabled = "disabled"
	RolloverOK       = "ok"
	RolloverPartial  = "partial"
	RolloverFailed   = "failed"
)

type RolloverOptions struct {
	OrgID string
	// Roles limits the pipeline ticks; empty means every configured role.
	Roles []int64
	// AsOf simulates the run at another instant; zero means now.
	AsOf    time.Time
	DryRun  bool
	Trigger string
	ActorID string
	// SkipReconcile runs only the pipeline ticks.
	SkipReconcile bool
}

type RolloverResult struct {
	OrgID      string            `json:"org_id"`
	Status     string            `json:"status"`
	AsOf       time.Time         `json:"as_of"`
	DryRun     bool              `json:"dry_run"`
	Ticks      []TickResult      `json:"ticks,omitempty"`
	Reconciles []ReconcileResult `json:"reconciles,omitempty"`
}

// RunRollover is the single trigger surface. It ticks every requested role
// concurrently, each under its own deadline and ledger entry, then reconciles
// the org's sites. A failing role or site never aborts the others.
func (e Engine) RunRollover(ctx context.Context, opts RolloverOptions) (RolloverResult, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	if opts.Trigger == "" {
		opts.Trigger = domain.TriggerManual
	}
	res := RolloverResult{OrgID: opts.OrgID, AsOf: asOf, DryRun: opts.DryRun}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return res, fmt.Errorf("org %s: %w", opts.OrgID, err)
	}
	log := e.log().WithField("org_id", opts.OrgID).WithField("trigger", opts.Trigger)

	cfg, err := e.orgConfig(ctx, opts.OrgID)
	if err != nil {
		res.Status = RolloverFailed
		metrics.ObserveRollover(opts.OrgID, opts.Trigger, res.Status)
		return res, err
	}
	if !cfg.Rollover.Enabled {
		log.Info("automated rollover disabled")
		res.Status = RolloverDisabled
		metrics.ObserveRollover(opts.OrgID, opts.Trigger, res.Status)
		return res, nil
	}

	roles := opts.Roles
	if len(roles) == 0 {
		roles = cfg.RoleIDs()
	}
	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	res.Ticks = make([]TickResult, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, roleID := range roles {
		g.Go(func() error {
			tick, err := e.tickRole(gctx, cfg, TickOptions{
				OrgID:   opts.OrgID,
				RoleID:  roleID,
				AsOf:    asOf,
				DryRun:  opts.DryRun,
				Trigger: opts.Trigger,
				ActorID: opts.ActorID,
			})
			res.Ticks[i] = tick
			return err
		})
	}
	if err := g.Wait(); err != nil {
		res.Status = RolloverFailed
		metrics.ObserveRollover(opts.OrgID, opts.Trigger, res.Status)
		return res, fmt.Errorf("record pipeline run: %w", err)
	}

	if !opts.SkipReconcile {
		sites, err := e.Repo.ListSites(ctx, opts.OrgID)
		if err != nil {
			res.Status = RolloverFailed
			return res, err
		}
		for _, s := range sites {
			// A site behind by several weeks is reconciled oldest week first.
			for pass := 0; pass <= maxCatchUpWeeks; pass++ {
				rec, err := e.ReconcileSite(ctx, ReconcileOptions{
					SiteID:  s.ID,
					AsOf:    asOf,
					DryRun:  opts.DryRun,
					Trigger: opts.Trigger,
					ActorID: opts.ActorID,
					Workers: workers,
				})
				if err != nil {
					log.WithField("site_id", s.ID).WithError(err).Warn("reconcile failed")
					rec.Outcome = string(ledger.Classify(err))
					rec.Success = false
				}
				res.Reconciles = append(res.Reconciles, rec)
				if err != nil || opts.DryRun || !rec.Success || rec.Pending == 0 {
					break
				}
			}
		}
	}

	res.Status = summarize(res)
	metrics.ObserveRollover(opts.OrgID, opts.Trigger, res.Status)
	log.WithField("status", res.Status).Info("rollover finished")
	return res, nil
}

func summarize(res RolloverResult) string {
	total, ok := 0, 0
	for _, t := range res.Ticks {
		total++
		if t.Success {
			ok++
		}
	}
	for _, r := range res.Reconciles {
		total++
		if r.Success {
			ok++
		}
	}
	switch {
	case ok == total:
		return RolloverOK
	case ok == 0:
		return RolloverFailed
	default:
		return RolloverPartial
	}
}
