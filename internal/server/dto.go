package server

import (
	"time"

	"weekline/internal/domain"
	"weekline/internal/weeks"
)

// Request payloads

type RolloverRequest struct {
	// AsOf replays the rollover at another instant; omitted means now.
	AsOf          *time.Time `json:"as_of,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
	Roles         []int64    `json:"roles,omitempty"`
	SkipReconcile bool       `json:"skip_reconcile,omitempty"`
}

type ReconcileRequest struct {
	AsOf   *time.Time `json:"as_of,omitempty"`
	DryRun bool       `json:"dry_run,omitempty"`
}

type OverrideRequest struct {
	Picks []domain.Pick `json:"picks" minItems:"3" maxItems:"3"`
}

type ScoreRequest struct {
	Week         string `json:"week" format:"date" example:"2025-01-13"`
	DisplayOrder int    `json:"display_order" minimum:"1" maximum:"3"`
	Kind         string `json:"kind" enum:"confidence,performance"`
	Score        int    `json:"score" minimum:"1" maximum:"4"`
	ActionID     *int64 `json:"action_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Permissions []string `json:"permissions"`
}

type RunsResponse struct {
	Items []domain.RunEntry `json:"items"`
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}

type BacklogResponse struct {
	StaffID string               `json:"staff_id"`
	Items   []domain.BacklogItem `json:"items"`
}

type PlanRowsResponse struct {
	Week weeks.Date       `json:"week"`
	Rows []domain.PlanRow `json:"rows"`
}

type SiteWeekResponse struct {
	Site   domain.Site  `json:"site"`
	Anchor weeks.Anchor `json:"anchor"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
