package domain

import "weekline/internal/weeks"

const (
	StatusProposed = "proposed"
	StatusLocked   = "locked"

	GeneratedAuto   = "auto"
	GeneratedManual = "manual"

	PipelineUninitialized  = "uninitialized"
	PipelineFirstRunSeeded = "first_run_seeded"
	PipelineSteadyState    = "steady_state"

	TriggerCron   = "cron"
	TriggerManual = "manual"

	RunKindPipeline  = "pipeline"
	RunKindReconcile = "reconcile"
)

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Site is an organization location with its own program calendar.
type Site struct {
	ID               string     `json:"id" validate:"required"`
	OrgID            string     `json:"org_id" validate:"required"`
	Name             string     `json:"name"`
	TimeZone         string     `json:"time_zone" validate:"required,timezone"`
	ProgramStartDate weeks.Date `json:"program_start_date" validate:"monday"`
	CycleLength      int        `json:"cycle_length" validate:"min=1,max=12"`
	CreatedAt        string     `json:"created_at" format:"date-time"`
}

type Role struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

type Competency struct {
	ID         int64  `json:"id"`
	DomainName string `json:"domain_name"`
	Name       string `json:"name"`
}

// Action is a Pro-Move. RoleID nil means the action applies to every role.
type Action struct {
	ID           int64  `json:"id"`
	CompetencyID int64  `json:"competency_id"`
	RoleID       *int64 `json:"role_id,omitempty"`
	Statement    string `json:"statement"`
	Active       bool   `json:"active"`
}

type Staff struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	RoleID    int64  `json:"role_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PlanRow is one assigned slot of an org/role week.
type PlanRow struct {
	OrgID        string     `json:"org_id"`
	RoleID       int64      `json:"role_id"`
	WeekStart    weeks.Date `json:"week_start"`
	DisplayOrder int        `json:"display_order"`
	ActionID     *int64     `json:"action_id,omitempty"`
	SelfSelect   bool       `json:"self_select"`
	Status       string     `json:"status" enum:"proposed,locked"`
	Overridden   bool       `json:"overridden"`
	GeneratedBy  string     `json:"generated_by" enum:"auto,manual"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
	LockedAt     *string    `json:"locked_at,omitempty" format:"date-time"`
}

// Pick is the desired content of one plan slot.
type Pick struct {
	DisplayOrder int    `json:"display_order" validate:"min=1,max=3"`
	ActionID     *int64 `json:"action_id,omitempty"`
	SelfSelect   bool   `json:"self_select"`
}

// Pipeline tracks the sequencing state of one org/role.
type Pipeline struct {
	OrgID      string     `json:"org_id"`
	RoleID     int64      `json:"role_id"`
	State      string     `json:"state"`
	SeededWeek weeks.Date `json:"seeded_week"`
	LastWeek   weeks.Date `json:"last_week"`
	UpdatedAt  string     `json:"updated_at"`
}

// Score is one staff member's ratings of one assigned slot in one week.
type Score struct {
	StaffID          string     `json:"staff_id"`
	WeekStart        weeks.Date `json:"week_start"`
	DisplayOrder     int        `json:"display_order"`
	ActionID         *int64     `json:"action_id,omitempty"`
	SelfSelect       bool       `json:"self_select"`
	ConfidenceScore  *int       `json:"confidence_score,omitempty"`
	ConfidenceDate   *string    `json:"confidence_date,omitempty" format:"date-time"`
	ConfidenceLate   bool       `json:"confidence_late"`
	PerformanceScore *int       `json:"performance_score,omitempty"`
	PerformanceDate  *string    `json:"performance_date,omitempty" format:"date-time"`
	PerformanceLate  bool       `json:"performance_late"`
}

// Performed reports whether the observer half has been submitted.
func (s Score) Performed() bool { return s.PerformanceScore != nil }

// Assignment joins a plan slot with the staff member's score row, if any.
type Assignment struct {
	DisplayOrder int    `json:"display_order"`
	ActionID     *int64 `json:"action_id,omitempty"`
	SelfSelect   bool   `json:"self_select"`
	Score        *Score `json:"score,omitempty"`
}

// Performed reports whether the assignment has a performance score.
func (a Assignment) Performed() bool { return a.Score != nil && a.Score.Performed() }

// EffectiveActionID is the plan's action, or the staff pick for self-select slots.
func (a Assignment) EffectiveActionID() *int64 {
	if a.ActionID != nil {
		return a.ActionID
	}
	if a.Score != nil {
		return a.Score.ActionID
	}
	return nil
}

type BacklogItem struct {
	ID                string     `json:"id"`
	StaffID           string     `json:"staff_id"`
	ActionID          int64      `json:"action_id"`
	SiteID            string     `json:"site_id"`
	AssignedOn        weeks.Date `json:"assigned_on"`
	SourceCycle       int        `json:"source_cycle"`
	SourceWeekInCycle int        `json:"source_week_in_cycle"`
	SourceWeekStart   weeks.Date `json:"source_week_start"`
	ResolvedAt        *string    `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedWeekStart *string    `json:"resolved_week_start,omitempty"`
	ClearedBy         *string    `json:"cleared_by,omitempty"`
}

// Open reports whether the item still awaits resolution.
func (b BacklogItem) Open() bool { return b.ResolvedAt == nil }

// RunEntry is one Run Ledger row. Entries are append-only.
type RunEntry struct {
	ID         string   `json:"id"`
	OrgID      string   `json:"org_id"`
	RoleID     *int64   `json:"role_id,omitempty"`
	SiteID     *string  `json:"site_id,omitempty"`
	Kind       string   `json:"kind" enum:"pipeline,reconcile"`
	TargetWeek string   `json:"target_week"`
	Trigger    string   `json:"trigger" enum:"cron,manual"`
	DryRun     bool     `json:"dry_run"`
	Success    bool     `json:"success"`
	Outcome    string   `json:"outcome"`
	LogJSON    string   `json:"log_json"`
	ConfigJSON string   `json:"config_json,omitempty"`
	StartedAt  string   `json:"started_at" format:"date-time"`
	FinishedAt string   `json:"finished_at" format:"date-time"`
	Lines      []string `json:"lines,omitempty"`
}

// SiteRollover marks a reconciled week for a site.
type SiteRollover struct {
	SiteID      string     `json:"site_id"`
	WeekStart   weeks.Date `json:"week_start"`
	Status      string     `json:"status"`
	StaffTotal  int        `json:"staff_total"`
	StaffFailed int        `json:"staff_failed"`
	DetailsJSON string     `json:"details_json,omitempty"`
	UpdatedAt   string     `json:"updated_at"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	OrgID      string `json:"org_id,omitempty" db:"org_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload"`
}
