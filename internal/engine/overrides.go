package engine

import (
	"context"
	"fmt"

	"weekline/internal/domain"
	"weekline/internal/events"
	"weekline/internal/ledger"
	"weekline/internal/validation"
	"weekline/internal/weeks"
)

type OverrideOptions struct {
	OrgID   string
	RoleID  int64
	Week    weeks.Date
	Picks   []domain.Pick
	ActorID string
}

// ApplyOverride is the manual write path. The week's three slots are replaced
// by the given picks, locked and flagged overridden.
func (e Engine) ApplyOverride(ctx context.Context, opts OverrideOptions) ([]domain.PlanRow, error) {
	if err := weeks.ValidateProgramStart(opts.Week); err != nil {
		return nil, fmt.Errorf("override week: %w", err)
	}
	if err := e.validatePicks(ctx, opts.RoleID, opts.Picks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPicks, err)
	}
	cfg, err := e.orgConfig(ctx, opts.OrgID)
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Role(opts.RoleID); !ok {
		return nil, fmt.Errorf("%w: role %d is not configured for org %s", ledger.ErrConfig, opts.RoleID, opts.OrgID)
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.ApplyOverride(ctx, tx, opts.OrgID, opts.RoleID, opts.Week, opts.Picks, e.stamp()); err != nil {
		return nil, err
	}
	if err := e.events().Append(ctx, tx, events.PlanOverridden, opts.OrgID, "plan_week", planEntityID(opts.RoleID, opts.Week), opts.ActorID, events.Payload{
		"role_id": opts.RoleID,
		"week":    opts.Week.String(),
		"picks":   opts.Picks,
	}); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListPlanWeek(ctx, tx, opts.OrgID, opts.RoleID, opts.Week)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

// validatePicks requires exactly display orders 1..3, each either self-select
// or an active action available to the role.
func (e Engine) validatePicks(ctx context.Context, roleID int64, picks []domain.Pick) error {
	if len(picks) != 3 {
		return fmt.Errorf("override needs 3 picks, got %d", len(picks))
	}
	actions, err := e.Repo.ListActions(ctx, roleID)
	if err != nil {
		return err
	}
	available := map[int64]bool{}
	for _, a := range actions {
		available[a.ID] = a.Active
	}
	seenOrder := map[int]bool{}
	seenAction := map[int64]bool{}
	for _, p := range picks {
		if err := validation.Struct(p); err != nil {
			return fmt.Errorf("invalid pick: %w", err)
		}
		if seenOrder[p.DisplayOrder] {
			return fmt.Errorf("display order %d given twice", p.DisplayOrder)
		}
		seenOrder[p.DisplayOrder] = true
		switch {
		case p.SelfSelect && p.ActionID != nil:
			return fmt.Errorf("display order %d: self-select slot cannot carry an action", p.DisplayOrder)
		case p.SelfSelect:
		case p.ActionID == nil:
			return fmt.Errorf("display order %d: action required", p.DisplayOrder)
		case !available[*p.ActionID]:
			return fmt.Errorf("display order %d: action %d is not an active action for role %d", p.DisplayOrder, *p.ActionID, roleID)
		case seenAction[*p.ActionID]:
			return fmt.Errorf("action %d assigned twice", *p.ActionID)
		default:
			seenAction[*p.ActionID] = true
		}
	}
	return nil
}

// ClearOverride hands a week back to automation. Weeks that have not started
// return to proposed; the current and past weeks stay locked.
func (e Engine) ClearOverride(ctx context.Context, orgID string, roleID int64, week weeks.Date, actorID string) ([]domain.PlanRow, error) {
	cfg, err := e.orgConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	current := weeks.WeekStart(e.now(), loc)
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	n, err := e.Repo.ClearOverride(ctx, tx, orgID, roleID, week, current, e.stamp())
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoOverride
	}
	if err := e.events().Append(ctx, tx, events.OverrideCleared, orgID, "plan_week", planEntityID(roleID, week), actorID, events.Payload{
		"role_id": roleID,
		"week":    week.String(),
		"rows":    n,
	}); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListPlanWeek(ctx, tx, orgID, roleID, week)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

// PlanView is the read model served to dashboards: one week with its window.
type PlanView struct {
	OrgID   string          `json:"org_id"`
	RoleID  int64           `json:"role_id"`
	Current weeks.Date      `json:"current_week"`
	Weeks   []PlanWeekView  `json:"weeks"`
	State   domain.Pipeline `json:"pipeline"`
}

type PlanWeekView struct {
	Week  weeks.Date       `json:"week"`
	Label string           `json:"label"`
	Rows  []domain.PlanRow `json:"rows"`
}

// PlanWindow returns the current, next and preview weeks of an org/role. A
// non-zero week replaces the clock-derived current week.
func (e Engine) PlanWindow(ctx context.Context, orgID string, roleID int64, week weeks.Date) (PlanView, error) {
	cfg, err := e.orgConfig(ctx, orgID)
	if err != nil {
		return PlanView{}, err
	}
	if week.IsZero() {
		loc, err := cfg.Location()
		if err != nil {
			return PlanView{}, err
		}
		week = weeks.WeekStart(e.now(), loc)
	}
	rows, err := e.Repo.ListPlanRange(ctx, orgID, roleID, week, week.AddWeeks(2))
	if err != nil {
		return PlanView{}, err
	}
	state, err := e.Repo.GetPipeline(ctx, e.DB, orgID, roleID)
	if err != nil {
		return PlanView{}, err
	}
	view := PlanView{OrgID: orgID, RoleID: roleID, Current: week, State: state}
	labels := []string{"current", "next", "preview"}
	for i, label := range labels {
		w := week.AddWeeks(i)
		wv := PlanWeekView{Week: w, Label: label, Rows: []domain.PlanRow{}}
		for _, r := range rows {
			if r.WeekStart.Equal(w) {
				wv.Rows = append(wv.Rows, r)
			}
		}
		view.Weeks = append(view.Weeks, wv)
	}
	return view, nil
}
