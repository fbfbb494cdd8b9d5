package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"weekline/internal/domain"
	"weekline/internal/events"
	"weekline/internal/repo"
	"weekline/internal/validation"
	"weekline/internal/weeks"
)

const (
	ScoreConfidence  = "confidence"
	ScorePerformance = "performance"
)

type ScoreInput struct {
	StaffID      string     `json:"staff_id" validate:"required"`
	Week         weeks.Date `json:"week" validate:"monday"`
	DisplayOrder int        `json:"display_order" validate:"min=1,max=3"`
	Kind         string     `json:"kind" validate:"oneof=confidence performance"`
	Score        int        `json:"score" validate:"min=1,max=4"`
	// ActionID names the staff member's pick on a self-select slot.
	ActionID *int64 `json:"action_id,omitempty"`
	ActorID  string `json:"-"`
}

type ScoreResult struct {
	Score           domain.Score `json:"score"`
	BacklogResolved int          `json:"backlog_resolved"`
}

// RecordScore stores one half of a staff member's weekly score. Late flags
// follow the site's deadlines. A performance score closes open backlog items
// for the same action carried from earlier weeks. Confidence is refused once
// the week has rolled over or been reconciled.
func (e Engine) RecordScore(ctx context.Context, in ScoreInput) (ScoreResult, error) {
	if err := validation.Struct(in); err != nil {
		return ScoreResult{}, fmt.Errorf("invalid score: %w", err)
	}
	staff, err := e.Repo.GetStaff(ctx, in.StaffID)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("staff %s: %w", in.StaffID, err)
	}
	site, err := e.Repo.GetSite(ctx, staff.SiteID)
	if err != nil {
		return ScoreResult{}, err
	}
	cal, err := weeks.NewCalendar(site.TimeZone, site.ProgramStartDate, site.CycleLength)
	if err != nil {
		return ScoreResult{}, err
	}
	anchor := cal.ForWeek(in.Week)
	now := e.now()
	if now.Before(anchor.CheckInOpen) {
		return ScoreResult{}, fmt.Errorf("%w: %s", ErrWeekNotOpen, in.Week)
	}

	assignments, err := e.Repo.ListStaffWeek(ctx, e.DB, staff.ID, in.Week)
	if err != nil {
		return ScoreResult{}, err
	}
	var slot *domain.Assignment
	for i := range assignments {
		if assignments[i].DisplayOrder == in.DisplayOrder {
			slot = &assignments[i]
		}
	}
	if slot == nil {
		return ScoreResult{}, fmt.Errorf("%w: %s week %s slot %d", ErrNotAssigned, staff.ID, in.Week, in.DisplayOrder)
	}
	actionID := slot.ActionID
	switch {
	case slot.SelfSelect && in.ActionID != nil:
		actionID = in.ActionID
	case slot.SelfSelect:
		actionID = slot.EffectiveActionID()
	case in.ActionID != nil && (actionID == nil || *in.ActionID != *actionID):
		return ScoreResult{}, fmt.Errorf("%w: slot %d is assigned action %v, not %d", ErrSlotAction, in.DisplayOrder, derefAction(actionID), *in.ActionID)
	}
	if slot.SelfSelect && actionID == nil {
		return ScoreResult{}, fmt.Errorf("%w: slot %d is self-select; action_id required", ErrSlotAction, in.DisplayOrder)
	}
	if in.Kind == ScoreConfidence {
		closed := !now.Before(anchor.Rollover)
		if !closed {
			_, err := e.Repo.GetSiteRollover(ctx, site.ID, in.Week)
			switch {
			case err == nil:
				closed = true
			case !errors.Is(err, repo.ErrNotFound):
				return ScoreResult{}, err
			}
		}
		if closed {
			return ScoreResult{}, fmt.Errorf("%w: %s", ErrWeekClosed, in.Week)
		}
	}

	stamp := now.UTC().Format(time.RFC3339)
	score := in.Score
	s := domain.Score{
		StaffID:      staff.ID,
		WeekStart:    in.Week,
		DisplayOrder: in.DisplayOrder,
		ActionID:     actionID,
		SelfSelect:   slot.SelfSelect,
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return ScoreResult{}, err
	}
	defer tx.Rollback()
	res := ScoreResult{}
	if in.Kind == ScoreConfidence {
		s.ConfidenceScore = &score
		s.ConfidenceDate = &stamp
		s.ConfidenceLate = now.After(anchor.ConfidenceDeadline)
		if err := e.Repo.UpsertConfidence(ctx, tx, s); err != nil {
			return ScoreResult{}, err
		}
	} else {
		s.PerformanceScore = &score
		s.PerformanceDate = &stamp
		s.PerformanceLate = now.After(anchor.PerformanceDeadline)
		if err := e.Repo.UpsertPerformance(ctx, tx, s); err != nil {
			return ScoreResult{}, err
		}
		if actionID != nil {
			n, err := e.Repo.ResolveBacklog(ctx, tx, staff.ID, *actionID, in.Week, stamp)
			if err != nil {
				return ScoreResult{}, fmt.Errorf("resolve backlog: %w", err)
			}
			res.BacklogResolved = n
			if n > 0 {
				if err := e.events().Append(ctx, tx, events.BacklogResolved, site.OrgID, "staff", staff.ID, in.ActorID, events.Payload{
					"action_id": *actionID,
					"week":      in.Week.String(),
					"items":     n,
				}); err != nil {
					return ScoreResult{}, err
				}
			}
		}
	}
	if err := e.events().Append(ctx, tx, events.ScoreRecorded, site.OrgID, "staff", staff.ID, in.ActorID, events.Payload{
		"week":          in.Week.String(),
		"display_order": in.DisplayOrder,
		"kind":          in.Kind,
		"score":         in.Score,
	}); err != nil {
		return ScoreResult{}, err
	}
	scores, err := e.Repo.ListStaffWeek(ctx, tx, staff.ID, in.Week)
	if err != nil {
		return ScoreResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScoreResult{}, err
	}
	for _, a := range scores {
		if a.DisplayOrder == in.DisplayOrder && a.Score != nil {
			res.Score = *a.Score
		}
	}
	return res, nil
}

func derefAction(id *int64) any {
	if id == nil {
		return "none"
	}
	return *id
}

// ClearBacklogItem resolves a backlog item by hand. Items are never deleted.
func (e Engine) ClearBacklogItem(ctx context.Context, id, actorID string) (domain.BacklogItem, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.BacklogItem{}, err
	}
	defer tx.Rollback()
	item, err := e.Repo.ClearBacklog(ctx, tx, id, actorID, e.stamp())
	if err != nil {
		return item, err
	}
	site, err := e.Repo.GetSiteTx(ctx, tx, item.SiteID)
	if err != nil {
		return item, err
	}
	if err := e.events().Append(ctx, tx, events.BacklogCleared, site.OrgID, "backlog_item", item.ID, actorID, events.Payload{
		"staff_id":  item.StaffID,
		"action_id": item.ActionID,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}
