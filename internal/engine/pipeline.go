package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"weekline/internal/config"
	"weekline/internal/domain"
	"weekline/internal/events"
	"weekline/internal/ledger"
	"weekline/internal/metrics"
	"weekline/internal/rank"
	"weekline/internal/weeks"
)

// TickOptions select one org/role pipeline tick.
type TickOptions struct {
	OrgID   string
	RoleID  int64
	AsOf    time.Time
	DryRun  bool
	Trigger string
	ActorID string
}

// WeekAction describes what a tick did to one week of the window.
type WeekAction struct {
	Week      weeks.Date    `json:"week"`
	Action    string        `json:"action"`
	Written   int           `json:"written"`
	Picks     []domain.Pick `json:"picks,omitempty"`
	SkipCause string        `json:"skip_cause,omitempty"`
}

const (
	weekGenerated = "generated"
	weekUnchanged = "unchanged"
	weekLocked    = "locked"
	weekSkipped   = "skipped"
)

type TickResult struct {
	RunID       string       `json:"run_id"`
	OrgID       string       `json:"org_id"`
	RoleID      int64        `json:"role_id"`
	CurrentWeek weeks.Date   `json:"current_week"`
	StateBefore string       `json:"state_before"`
	StateAfter  string       `json:"state_after"`
	Weeks       []WeekAction `json:"weeks,omitempty"`
	DryRun      bool         `json:"dry_run"`
	Outcome     string       `json:"outcome"`
	Success     bool         `json:"success"`
	Lines       []string     `json:"lines"`
}

// TickRole runs one pipeline tick for an org/role using the stored org config.
func (e Engine) TickRole(ctx context.Context, opts TickOptions) (TickResult, error) {
	cfg, err := e.orgConfig(ctx, opts.OrgID)
	if err != nil {
		run := e.startTick(opts, nil, weeks.DateOf(opts.asOf(e.now())))
		run.Fail("config", err)
		return e.finishTick(ctx, run, TickResult{OrgID: opts.OrgID, RoleID: opts.RoleID, DryRun: opts.DryRun}, time.Now())
	}
	return e.tickRole(ctx, cfg, opts)
}

func (o TickOptions) asOf(now time.Time) time.Time {
	if o.AsOf.IsZero() {
		return now
	}
	return o.AsOf
}

func (e Engine) startTick(opts TickOptions, cfg *config.Config, week weeks.Date) *ledger.Run {
	roleID := opts.RoleID
	trigger := opts.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	var snapshot any
	if cfg != nil {
		snapshot = cfg
	}
	return ledger.Start(ledger.Options{
		Kind:       domain.RunKindPipeline,
		OrgID:      opts.OrgID,
		RoleID:     &roleID,
		TargetWeek: week,
		Trigger:    trigger,
		DryRun:     opts.DryRun,
		Config:     snapshot,
		Now:        e.now,
		Logger:     e.log(),
	})
}

// plannedWeek is one week of the sliding window after the read phase.
type plannedWeek struct {
	week     weeks.Date
	lock     bool
	generate bool
	picks    []domain.Pick
	skip     string
}

// tickRole reads and ranks outside any transaction, then applies every write
// of the tick in one transaction. Dry runs roll that transaction back.
func (e Engine) tickRole(parent context.Context, cfg *config.Config, opts TickOptions) (TickResult, error) {
	started := time.Now()
	asOf := opts.asOf(e.now())
	res := TickResult{OrgID: opts.OrgID, RoleID: opts.RoleID, DryRun: opts.DryRun}

	loc, err := cfg.Location()
	if err != nil {
		run := e.startTick(opts, cfg, weeks.DateOf(asOf))
		run.Fail("anchor", fmt.Errorf("%w: %v", weeks.ErrInvalidTimeZone, err))
		return e.finishTick(parent, run, res, started)
	}
	current := weeks.WeekStart(asOf, loc)
	res.CurrentWeek = current
	run := e.startTick(opts, cfg, current)

	ctx, cancel := context.WithTimeout(parent, cfg.TickTimeout())
	defer cancel()

	roleCfg, ok := cfg.Role(opts.RoleID)
	if !ok {
		run.Fail("config", fmt.Errorf("%w: role %d is not configured for org %s", ledger.ErrConfig, opts.RoleID, opts.OrgID))
		return e.finishTick(parent, run, res, started)
	}

	ready, err := e.feasible(ctx, opts.OrgID, cfg.Pipeline.StartCycle, asOf)
	if err != nil {
		run.Fail("feasibility", err)
		return e.finishTick(parent, run, res, started)
	}
	if !ready {
		run.Logf("feasibility", "no site has reached cycle %d; tick skipped", cfg.Pipeline.StartCycle)
		run.SetOutcome(ledger.NotReady)
		return e.finishTick(parent, run, res, started)
	}

	state, err := e.Repo.GetPipeline(ctx, e.DB, opts.OrgID, opts.RoleID)
	if err != nil {
		run.Fail("load_state", err)
		return e.finishTick(parent, run, res, started)
	}
	res.StateBefore = state.State
	next, targets := transition(state, current)
	if next.State == "" {
		run.Logf("state", "as-of week %s precedes seeded week %s; nothing to do", current, state.SeededWeek)
		run.SetOutcome(ledger.Skipped)
		res.StateAfter = state.State
		return e.finishTick(parent, run, res, started)
	}
	run.Logf("state", "%s -> %s, window %s", state.State, next.State, describeWindow(targets))

	plan, err := e.planWindow(ctx, cfg, roleCfg, opts, targets, run)
	if err != nil {
		run.Fail("rank", err)
		return e.finishTick(parent, run, res, started)
	}

	next.UpdatedAt = e.stamp()
	actions, err := e.applyWindow(ctx, opts, plan, next, run)
	if err != nil {
		run.Fail("write", err)
		return e.finishTick(parent, run, res, started)
	}
	res.Weeks = actions
	res.StateAfter = next.State
	return e.finishTick(parent, run, res, started)
}

// transition decides the next pipeline state and the weeks to process. An
// empty next state means the tick has nothing to do.
func transition(p domain.Pipeline, current weeks.Date) (domain.Pipeline, []plannedWeek) {
	next := p
	seed := func() (domain.Pipeline, []plannedWeek) {
		next.State = domain.PipelineFirstRunSeeded
		next.SeededWeek = current
		next.LastWeek = current
		return next, []plannedWeek{
			{week: current.AddWeeks(1)},
			{week: current.AddWeeks(2)},
		}
	}
	switch p.State {
	case domain.PipelineUninitialized, "":
		return seed()
	case domain.PipelineFirstRunSeeded:
		if current.Equal(p.SeededWeek) {
			return seed()
		}
		if current.Before(p.SeededWeek) {
			return domain.Pipeline{}, nil
		}
	default:
		if !p.SeededWeek.IsZero() && current.Before(p.SeededWeek) {
			return domain.Pipeline{}, nil
		}
	}
	next.State = domain.PipelineSteadyState
	if next.LastWeek.Before(current) {
		next.LastWeek = current
	}
	return next, []plannedWeek{
		{week: current, lock: true},
		{week: current.AddWeeks(1)},
		{week: current.AddWeeks(2)},
	}
}

func describeWindow(ws []plannedWeek) string {
	s := ""
	for i, w := range ws {
		if i > 0 {
			s += ","
		}
		s += w.week.String()
		if w.lock {
			s += "(lock)"
		}
	}
	return s
}

// feasible reports whether at least one site of the org has reached the
// configured start cycle.
func (e Engine) feasible(ctx context.Context, orgID string, startCycle int, asOf time.Time) (bool, error) {
	sites, err := e.Repo.ListSites(ctx, orgID)
	if err != nil {
		return false, err
	}
	for _, s := range sites {
		cal, err := weeks.NewCalendar(s.TimeZone, s.ProgramStartDate, s.CycleLength)
		if err != nil {
			e.log().WithField("site_id", s.ID).WithError(err).Warn("site calendar invalid")
			continue
		}
		if cal.At(asOf).Cycle >= startCycle {
			return true, nil
		}
	}
	return false, nil
}

// planWindow resolves the final content of each window week in order. Weeks
// that already hold rows keep them; absent or proposed weeks are ranked with
// the history before the window plus the picks of the earlier window weeks.
func (e Engine) planWindow(ctx context.Context, cfg *config.Config, roleCfg config.RoleConfig, opts TickOptions, window []plannedWeek, run *ledger.Run) ([]plannedWeek, error) {
	base, err := e.Repo.ListCandidates(ctx, opts.OrgID, opts.RoleID, window[0].week)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	history := newHistory(base)
	out := make([]plannedWeek, 0, len(window))
	for _, w := range window {
		rows, err := e.Repo.ListPlanWeek(ctx, e.DB, opts.OrgID, opts.RoleID, w.week)
		if err != nil {
			return nil, fmt.Errorf("load week %s: %w", w.week, err)
		}
		existing := picksOf(rows)
		switch {
		case anyOverridden(rows):
			w.skip = "overridden"
			w.picks = existing
		case w.lock && len(rows) > 0:
			w.picks = existing
		case allLocked(rows):
			w.skip = "locked"
			w.picks = existing
		default:
			picks, err := e.rankWeek(ctx, cfg, roleCfg, opts.RoleID, w.week, history.snapshot())
			if err != nil {
				return nil, fmt.Errorf("week %s: %w", w.week, err)
			}
			w.generate = true
			w.picks = picks
		}
		if w.skip != "" {
			run.Logf("plan", "week %s %s; regeneration skipped", w.week, w.skip)
		}
		history.use(w.week, w.picks)
		out = append(out, w)
	}
	return out, nil
}

// rankWeek asks the scorer for a week's picks under the tick deadline. A
// scorer that ignores its context cannot hold the tick past the deadline.
func (e Engine) rankWeek(ctx context.Context, cfg *config.Config, roleCfg config.RoleConfig, roleID int64, week weeks.Date, candidates []rank.Candidate) ([]domain.Pick, error) {
	req := rank.Request{
		RoleID:        roleID,
		EffectiveDate: week,
		Candidates:    candidates,
		Config:        cfg.RankConfig(roleID),
	}
	type result struct {
		ranked []rank.Ranked
		err    error
	}
	done := make(chan result, 1)
	scorer := e.scorer()
	go func() {
		ranked, err := scorer.Rank(ctx, req)
		done <- result{ranked, err}
	}()
	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return nil, r.err
	}
	return assignSlots(roleCfg, r.ranked)
}

// assignSlots fills display orders 1..3; self-select slots carry no action.
func assignSlots(roleCfg config.RoleConfig, ranked []rank.Ranked) ([]domain.Pick, error) {
	if len(ranked) < rank.MinCandidates {
		return nil, fmt.Errorf("%w: scorer returned %d", rank.ErrInsufficientCandidates, len(ranked))
	}
	picks := make([]domain.Pick, 0, 3)
	next := 0
	for order := 1; order <= 3; order++ {
		if roleCfg.IsSelfSelect(order) {
			picks = append(picks, domain.Pick{DisplayOrder: order, SelfSelect: true})
			continue
		}
		id := ranked[next].ActionID
		next++
		picks = append(picks, domain.Pick{DisplayOrder: order, ActionID: &id})
	}
	return picks, nil
}

func (e Engine) applyWindow(ctx context.Context, opts TickOptions, plan []plannedWeek, next domain.Pipeline, run *ledger.Run) ([]WeekAction, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	now := e.stamp()
	verb := ""
	if opts.DryRun {
		verb = "would be "
	}
	var actions []WeekAction
	for _, w := range plan {
		act := WeekAction{Week: w.week, Picks: w.picks, SkipCause: w.skip}
		if w.generate {
			n, err := e.Repo.UpsertProposed(ctx, tx, opts.OrgID, opts.RoleID, w.week, w.picks, now)
			if err != nil {
				return nil, err
			}
			act.Written = n
			if n > 0 {
				act.Action = weekGenerated
				run.Logf("generate", "week %s: %d rows %swritten as proposed %s", w.week, n, verb, describePicks(w.picks))
				if err := e.appendPlanEvent(ctx, tx, events.PlanGenerated, opts, w, n); err != nil {
					return nil, err
				}
			} else {
				act.Action = weekUnchanged
				run.Logf("generate", "week %s unchanged", w.week)
			}
		} else if w.skip != "" {
			act.Action = weekSkipped
		} else {
			act.Action = weekUnchanged
		}
		if w.lock {
			if err := e.lockWeek(ctx, tx, opts, &act, w, now, verb, run); err != nil {
				return nil, err
			}
		}
		actions = append(actions, act)
	}
	if err := e.Repo.SavePipeline(ctx, tx, next); err != nil {
		return nil, fmt.Errorf("save pipeline state: %w", err)
	}
	if opts.DryRun {
		run.Logf("commit", "dry run; changes rolled back")
		return actions, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return actions, nil
}

func (e Engine) lockWeek(ctx context.Context, tx *sqlx.Tx, opts TickOptions, act *WeekAction, w plannedWeek, now, verb string, run *ledger.Run) error {
	overridden, err := e.Repo.WeekOverridden(ctx, tx, opts.OrgID, opts.RoleID, w.week)
	if err != nil {
		return err
	}
	if overridden {
		act.Action = weekSkipped
		act.SkipCause = ErrOverridden.Error()
		run.Logf("lock", "week %s is overridden; lock skipped", w.week)
		return nil
	}
	n, err := e.Repo.LockWeek(ctx, tx, opts.OrgID, opts.RoleID, w.week, now)
	if err != nil {
		return err
	}
	if n == 0 {
		run.Logf("lock", "week %s already locked", w.week)
		return nil
	}
	act.Action = weekLocked
	act.Written += n
	run.Logf("lock", "week %s: %d rows %slocked", w.week, n, verb)
	return e.appendPlanEvent(ctx, tx, events.PlanLocked, opts, w, n)
}

func (e Engine) appendPlanEvent(ctx context.Context, tx *sqlx.Tx, evt string, opts TickOptions, w plannedWeek, rows int) error {
	actor := opts.ActorID
	if actor == "" {
		actor = "scheduler"
	}
	return e.events().Append(ctx, tx, evt, opts.OrgID, "plan_week", planEntityID(opts.RoleID, w.week), actor, events.Payload{
		"role_id": opts.RoleID,
		"week":    w.week.String(),
		"rows":    rows,
		"picks":   w.picks,
	})
}

func planEntityID(roleID int64, week weeks.Date) string {
	return fmt.Sprintf("%d:%s", roleID, week)
}

func (e Engine) finishTick(ctx context.Context, run *ledger.Run, res TickResult, started time.Time) (TickResult, error) {
	if res.DryRun {
		// A dry run never moves the pipeline; report it unchanged.
		res.StateAfter = res.StateBefore
	}
	entry, err := run.Write(context.WithoutCancel(ctx), e.DB, e.Repo)
	res.RunID = entry.ID
	res.Outcome = entry.Outcome
	res.Success = entry.Success
	res.Lines = entry.Lines
	metrics.ObserveTick(res.OrgID, res.RoleID, entry.Outcome, time.Since(started))
	return res, err
}

func picksOf(rows []domain.PlanRow) []domain.Pick {
	out := make([]domain.Pick, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Pick{DisplayOrder: r.DisplayOrder, ActionID: r.ActionID, SelfSelect: r.SelfSelect})
	}
	return out
}

func anyOverridden(rows []domain.PlanRow) bool {
	for _, r := range rows {
		if r.Overridden {
			return true
		}
	}
	return false
}

func allLocked(rows []domain.PlanRow) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if r.Status != domain.StatusLocked {
			return false
		}
	}
	return true
}

func describePicks(picks []domain.Pick) string {
	s := "["
	for i, p := range picks {
		if i > 0 {
			s += " "
		}
		if p.SelfSelect || p.ActionID == nil {
			s += fmt.Sprintf("%d:self", p.DisplayOrder)
			continue
		}
		s += fmt.Sprintf("%d:%d", p.DisplayOrder, *p.ActionID)
	}
	return s + "]"
}

// history overlays window picks on the candidate base so later weeks see the
// earlier weeks as used.
type history struct {
	base []rank.Candidate
	idx  map[int64]int
}

func newHistory(base []rank.Candidate) *history {
	h := &history{base: append([]rank.Candidate(nil), base...), idx: map[int64]int{}}
	for i, c := range h.base {
		h.idx[c.ActionID] = i
	}
	return h
}

func (h *history) use(week weeks.Date, picks []domain.Pick) {
	for _, p := range picks {
		if p.ActionID == nil {
			continue
		}
		i, ok := h.idx[*p.ActionID]
		if !ok {
			continue
		}
		c := &h.base[i]
		if c.LastUsed == nil || c.LastUsed.Before(week) {
			w := week
			c.LastUsed = &w
		}
		c.UseCount++
	}
}

func (h *history) snapshot() []rank.Candidate {
	return append([]rank.Candidate(nil), h.base...)
}
