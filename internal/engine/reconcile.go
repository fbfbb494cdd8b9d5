package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"weekline/internal/domain"
	"weekline/internal/events"
	"weekline/internal/ledger"
	"weekline/internal/metrics"
	"weekline/internal/repo"
	"weekline/internal/weeks"
)

const (
	ReconcileCompleted = "completed"
	ReconcilePartial   = "partial"
	ReconcileSkipped   = "skipped"
	ReconcileNotDue    = "not_due"
	ReconcileFailed    = "failed"

	defaultWorkers = 4
	// maxCatchUpWeeks bounds how far back a site with a stale marker is
	// reconciled after the scheduler was down.
	maxCatchUpWeeks = 12
)

type ReconcileOptions struct {
	SiteID  string
	AsOf    time.Time
	DryRun  bool
	Trigger string
	ActorID string
	// Workers bounds concurrent staff reconciliations; zero uses the org config.
	Workers int
}

// StaffOutcome is the isolated result of one staff member's reconciliation.
type StaffOutcome struct {
	StaffID          string  `json:"staff_id"`
	Assignments      int     `json:"assignments"`
	Complete         bool    `json:"complete"`
	BacklogAdded     []int64 `json:"backlog_added,omitempty"`
	ConfidenceResets int     `json:"confidence_resets"`
	Error            string  `json:"error,omitempty"`
}

type ReconcileResult struct {
	RunID            string         `json:"run_id,omitempty"`
	OrgID            string         `json:"org_id"`
	SiteID           string         `json:"site_id"`
	Week             weeks.Date     `json:"week"`
	Cycle            int            `json:"cycle"`
	WeekInCycle      int            `json:"week_in_cycle"`
	Status           string         `json:"status"`
	StaffTotal       int            `json:"staff_total"`
	StaffFailed      int            `json:"staff_failed"`
	BacklogAdded     int            `json:"backlog_added"`
	ConfidenceResets int            `json:"confidence_resets"`
	Staff            []StaffOutcome `json:"staff,omitempty"`
	DryRun           bool           `json:"dry_run"`
	// Pending counts rolled-over weeks after Week still waiting to be reconciled.
	Pending int `json:"pending"`
	Outcome string   `json:"outcome"`
	Success bool     `json:"success"`
	Lines   []string `json:"lines,omitempty"`
}

// ReconcileSite closes out one week of a site whose rollover instant has
// passed: the week after the site's newest marker, or the most recent week
// when the site has none. Each staff member is reconciled in an isolated
// transaction; a failing staff member leaves the site run partial and is
// picked up again by the next invocation while that week is the latest.
func (e Engine) ReconcileSite(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	res := ReconcileResult{SiteID: opts.SiteID, DryRun: opts.DryRun}
	site, err := e.Repo.GetSite(ctx, opts.SiteID)
	if err != nil {
		return res, fmt.Errorf("site %s: %w", opts.SiteID, err)
	}
	res.OrgID = site.OrgID
	trigger := opts.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	siteID := site.ID

	cal, err := weeks.NewCalendar(site.TimeZone, site.ProgramStartDate, site.CycleLength)
	if err != nil {
		run := e.startReconcile(site, siteID, weeks.DateOf(asOf), trigger, opts.DryRun)
		run.Fail("anchor", err)
		res.Status = ReconcileFailed
		return e.finishReconcile(ctx, run, res)
	}
	last := cal.LastRolledOver(asOf)
	if last.WeeksSinceStart < 0 {
		res.Week = last.WeekStart
		res.Status = ReconcileNotDue
		res.Outcome = string(ledger.Skipped)
		res.Success = true
		return res, nil
	}
	anchor := last
	prev, err := e.Repo.LatestSiteRollover(ctx, site.ID, last.WeekStart)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return res, err
	case prev.WeekStart.Before(last.WeekStart):
		next := prev.WeekStart.AddWeeks(1)
		if floor := last.WeekStart.AddWeeks(-maxCatchUpWeeks); next.Before(floor) {
			next = floor
		}
		anchor = cal.ForWeek(next)
	}
	res.Week = anchor.WeekStart
	res.Cycle = anchor.Cycle
	res.WeekInCycle = anchor.WeekInCycle
	res.Pending = last.WeekStart.DaysSince(anchor.WeekStart) / 7

	marker, err := e.Repo.GetSiteRollover(ctx, site.ID, anchor.WeekStart)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err == nil && marker.Status == ReconcileCompleted {
		res.Status = ReconcileSkipped
		res.StaffTotal = marker.StaffTotal
		res.Outcome = string(ledger.Skipped)
		res.Success = true
		if trigger == domain.TriggerManual {
			run := e.startReconcile(site, siteID, anchor.WeekStart, trigger, opts.DryRun)
			run.Logf("marker", "week %s already reconciled at %s", anchor.WeekStart, marker.UpdatedAt)
			run.SetOutcome(ledger.Skipped)
			return e.finishReconcile(ctx, run, res)
		}
		return res, nil
	}

	run := e.startReconcile(site, siteID, anchor.WeekStart, trigger, opts.DryRun)
	run.Logf("anchor", "reconciling week %s (cycle %d week %d)", anchor.WeekStart, anchor.Cycle, anchor.WeekInCycle)
	if res.Pending > 0 {
		run.Logf("anchor", "catching up: %d later week(s) pending through %s", res.Pending, last.WeekStart)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
		if cfg, err := e.orgConfig(ctx, site.OrgID); err == nil {
			workers = cfg.Pipeline.Workers
		}
	}

	staff, err := e.Repo.ListActiveStaff(ctx, site.ID)
	if err != nil {
		run.Fail("load_staff", err)
		res.Status = ReconcileFailed
		return e.finishReconcile(ctx, run, res)
	}
	res.StaffTotal = len(staff)

	outcomes := make([]StaffOutcome, len(staff))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, st := range staff {
		g.Go(func() error {
			outcomes[i] = e.reconcileStaff(gctx, site, anchor, st, opts, run)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, o := range outcomes {
		if o.Error != "" {
			failed = append(failed, o.StaffID)
			continue
		}
		res.BacklogAdded += len(o.BacklogAdded)
		res.ConfidenceResets += o.ConfidenceResets
	}
	res.Staff = outcomes
	res.StaffFailed = len(failed)
	res.Status = ReconcileCompleted
	if len(failed) > 0 {
		res.Status = ReconcilePartial
		run.Logf("reconcile", "%d of %d staff failed: %v", len(failed), len(staff), failed)
		run.SetOutcome(ledger.Partial)
	}
	run.Logf("summary", "%d staff, %d backlog items added, %d confidence resets", len(staff), res.BacklogAdded, res.ConfidenceResets)

	if !opts.DryRun {
		details, _ := json.Marshal(map[string]any{"failed": failed, "run_id": run.ID()})
		err := e.Repo.SaveSiteRollover(context.WithoutCancel(ctx), e.DB, domain.SiteRollover{
			SiteID:      site.ID,
			WeekStart:   anchor.WeekStart,
			Status:      res.Status,
			StaffTotal:  len(staff),
			StaffFailed: len(failed),
			DetailsJSON: string(details),
			UpdatedAt:   e.stamp(),
		})
		if err != nil {
			run.Fail("marker", err)
		}
	}
	return e.finishReconcile(ctx, run, res)
}

func (e Engine) reconcileStaff(ctx context.Context, site domain.Site, anchor weeks.Anchor, st domain.Staff, opts ReconcileOptions, run *ledger.Run) StaffOutcome {
	out := StaffOutcome{StaffID: st.ID}
	err := func() error {
		tx, err := e.DB.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		assignments, err := e.Repo.ListStaffWeek(ctx, tx, st.ID, anchor.WeekStart)
		if err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		out.Assignments = len(assignments)
		out.Complete = true
		for _, a := range assignments {
			if !a.Performed() {
				out.Complete = false
				break
			}
		}
		if out.Complete {
			return nil
		}
		actor := opts.ActorID
		if actor == "" {
			actor = "scheduler"
		}
		for _, a := range assignments {
			if a.Performed() || a.SelfSelect || a.ActionID == nil {
				continue
			}
			item := domain.BacklogItem{
				ID:                uuid.NewString(),
				StaffID:           st.ID,
				ActionID:          *a.ActionID,
				SiteID:            site.ID,
				AssignedOn:        anchor.WeekStart,
				SourceCycle:       anchor.Cycle,
				SourceWeekInCycle: anchor.WeekInCycle,
				SourceWeekStart:   anchor.WeekStart,
			}
			added, err := e.Repo.AddBacklog(ctx, tx, item)
			if err != nil {
				return fmt.Errorf("add backlog action %d: %w", item.ActionID, err)
			}
			if !added {
				continue
			}
			out.BacklogAdded = append(out.BacklogAdded, item.ActionID)
			if err := e.events().Append(ctx, tx, events.BacklogAdded, site.OrgID, "backlog_item", item.ID, actor, events.Payload{
				"staff_id":     st.ID,
				"action_id":    item.ActionID,
				"source_week":  anchor.WeekStart.String(),
				"source_cycle": anchor.Cycle,
			}); err != nil {
				return err
			}
		}
		n, err := e.Repo.ResetUnperformedConfidence(ctx, tx, st.ID, anchor.WeekStart)
		if err != nil {
			return fmt.Errorf("reset confidence: %w", err)
		}
		out.ConfidenceResets = n
		if n > 0 {
			if err := e.events().Append(ctx, tx, events.ConfidenceReset, site.OrgID, "staff", st.ID, actor, events.Payload{
				"week": anchor.WeekStart.String(),
				"rows": n,
			}); err != nil {
				return err
			}
		}
		if opts.DryRun {
			return nil
		}
		return tx.Commit()
	}()
	if err != nil {
		out.Error = err.Error()
		run.Logf("staff "+st.ID, "failed: %v", err)
		return out
	}
	switch {
	case out.Assignments == 0:
		run.Logf("staff "+st.ID, "no locked assignments")
	case out.Complete:
		run.Logf("staff "+st.ID, "all %d assignments performed", out.Assignments)
	default:
		run.Logf("staff "+st.ID, "backlog +%v, %d confidence resets", out.BacklogAdded, out.ConfidenceResets)
	}
	return out
}

func (e Engine) startReconcile(site domain.Site, siteID string, week weeks.Date, trigger string, dryRun bool) *ledger.Run {
	return ledger.Start(ledger.Options{
		Kind:       domain.RunKindReconcile,
		OrgID:      site.OrgID,
		SiteID:     &siteID,
		TargetWeek: week,
		Trigger:    trigger,
		DryRun:     dryRun,
		Config:     site,
		Now:        e.now,
		Logger:     e.log(),
	})
}

func (e Engine) finishReconcile(ctx context.Context, run *ledger.Run, res ReconcileResult) (ReconcileResult, error) {
	entry, err := run.Write(context.WithoutCancel(ctx), e.DB, e.Repo)
	res.RunID = entry.ID
	res.Outcome = entry.Outcome
	res.Success = entry.Success
	res.Lines = entry.Lines
	metrics.ObserveReconcile(res.SiteID, entry.Outcome, res.StaffFailed, res.BacklogAdded, res.ConfidenceResets)
	return res, err
}
