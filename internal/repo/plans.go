package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
	"weekline/internal/rank"
	"weekline/internal/weeks"
)

type planRow struct {
	OrgID        string         `db:"org_id"`
	RoleID       int64          `db:"role_id"`
	WeekStart    weeks.Date     `db:"week_start"`
	DisplayOrder int            `db:"display_order"`
	ActionID     sql.NullInt64  `db:"action_id"`
	SelfSelect   bool           `db:"self_select"`
	Status       string         `db:"status"`
	Overridden   bool           `db:"overridden"`
	GeneratedBy  string         `db:"generated_by"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
	LockedAt     sql.NullString `db:"locked_at"`
}

func (p planRow) toDomain() domain.PlanRow {
	return domain.PlanRow{
		OrgID:        p.OrgID,
		RoleID:       p.RoleID,
		WeekStart:    p.WeekStart,
		DisplayOrder: p.DisplayOrder,
		ActionID:     int64Ptr(p.ActionID),
		SelfSelect:   p.SelfSelect,
		Status:       p.Status,
		Overridden:   p.Overridden,
		GeneratedBy:  p.GeneratedBy,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		LockedAt:     stringPtr(p.LockedAt),
	}
}

const planColumns = `org_id,role_id,week_start,display_order,action_id,self_select,status,overridden,generated_by,created_at,updated_at,locked_at`

// UpsertProposed writes automated picks for one week in a single statement per
// slot. Rows are only inserted or refreshed while the week carries no override
// and the existing row is still proposed; identical content is left untouched
// so repeated runs do not bump updated_at. It returns the number of rows written.
func (r Repo) UpsertProposed(ctx context.Context, x sqlx.ExtContext, orgID string, roleID int64, week weeks.Date, picks []domain.Pick, now string) (int, error) {
	written := 0
	for _, p := range picks {
		res, err := x.ExecContext(ctx, `INSERT INTO weekly_plan(org_id,role_id,week_start,display_order,action_id,self_select,status,overridden,generated_by,created_at,updated_at)
SELECT ?,?,?,?,?,?,'proposed',0,'auto',?,?
WHERE NOT EXISTS (SELECT 1 FROM weekly_plan WHERE org_id=? AND role_id=? AND week_start=? AND overridden=1)
ON CONFLICT(org_id,role_id,week_start,display_order) DO UPDATE SET
  action_id=excluded.action_id,
  self_select=excluded.self_select,
  generated_by='auto',
  updated_at=excluded.updated_at
WHERE weekly_plan.status='proposed' AND weekly_plan.overridden=0
  AND (weekly_plan.action_id IS NOT excluded.action_id OR weekly_plan.self_select != excluded.self_select)`,
			orgID, roleID, week, p.DisplayOrder, nullableInt64Ptr(p.ActionID), p.SelfSelect, now, now,
			orgID, roleID, week)
		if err != nil {
			return written, fmt.Errorf("upsert plan slot %d: %w", p.DisplayOrder, err)
		}
		n, _ := res.RowsAffected()
		written += int(n)
	}
	return written, nil
}

// LockWeek promotes proposed, non-overridden rows of a week in one conditional
// update and returns how many rows changed.
func (r Repo) LockWeek(ctx context.Context, x sqlx.ExtContext, orgID string, roleID int64, week weeks.Date, now string) (int, error) {
	res, err := x.ExecContext(ctx, `UPDATE weekly_plan SET status='locked', locked_at=?, updated_at=?
WHERE org_id=? AND role_id=? AND week_start=? AND status='proposed' AND overridden=0`,
		now, now, orgID, roleID, week)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ApplyOverride replaces a week with manual picks. The rows are locked and
// flagged overridden so automation leaves them alone.
func (r Repo) ApplyOverride(ctx context.Context, x sqlx.ExtContext, orgID string, roleID int64, week weeks.Date, picks []domain.Pick, now string) error {
	for _, p := range picks {
		_, err := x.ExecContext(ctx, `INSERT INTO weekly_plan(org_id,role_id,week_start,display_order,action_id,self_select,status,overridden,generated_by,created_at,updated_at,locked_at)
VALUES (?,?,?,?,?,?,'locked',1,'manual',?,?,?)
ON CONFLICT(org_id,role_id,week_start,display_order) DO UPDATE SET
  action_id=excluded.action_id,
  self_select=excluded.self_select,
  status='locked',
  overridden=1,
  generated_by='manual',
  updated_at=excluded.updated_at,
  locked_at=COALESCE(weekly_plan.locked_at, excluded.locked_at)`,
			orgID, roleID, week, p.DisplayOrder, nullableInt64Ptr(p.ActionID), p.SelfSelect, now, now, now)
		if err != nil {
			return fmt.Errorf("override slot %d: %w", p.DisplayOrder, err)
		}
	}
	return nil
}

// ClearOverride removes the override flag from a week. Weeks that have not
// started yet return to proposed so the pipeline can regenerate them; started
// weeks stay locked.
func (r Repo) ClearOverride(ctx context.Context, x sqlx.ExtContext, orgID string, roleID int64, week weeks.Date, current weeks.Date, now string) (int, error) {
	status := domain.StatusLocked
	if week.After(current) {
		status = domain.StatusProposed
	}
	res, err := x.ExecContext(ctx, `UPDATE weekly_plan SET overridden=0, status=?, locked_at=CASE WHEN ?='proposed' THEN NULL ELSE locked_at END, updated_at=?
WHERE org_id=? AND role_id=? AND week_start=? AND overridden=1`,
		status, status, now, orgID, roleID, week)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) ListPlanWeek(ctx context.Context, x sqlx.QueryerContext, orgID string, roleID int64, week weeks.Date) ([]domain.PlanRow, error) {
	var rows []planRow
	if err := sqlx.SelectContext(ctx, x, &rows, `SELECT `+planColumns+` FROM weekly_plan
WHERE org_id=? AND role_id=? AND week_start=? ORDER BY display_order`, orgID, roleID, week); err != nil {
		return nil, err
	}
	return mapPlanRows(rows), nil
}

// ListPlanRange returns rows with from <= week_start <= to.
func (r Repo) ListPlanRange(ctx context.Context, orgID string, roleID int64, from, to weeks.Date) ([]domain.PlanRow, error) {
	var rows []planRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+planColumns+` FROM weekly_plan
WHERE org_id=? AND role_id=? AND week_start>=? AND week_start<=? ORDER BY week_start, display_order`, orgID, roleID, from, to); err != nil {
		return nil, err
	}
	return mapPlanRows(rows), nil
}

// ListOrgPlans dumps every plan row of an org in key order.
func (r Repo) ListOrgPlans(ctx context.Context, orgID string) ([]domain.PlanRow, error) {
	var rows []planRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+planColumns+` FROM weekly_plan
WHERE org_id=? ORDER BY role_id, week_start, display_order`, orgID); err != nil {
		return nil, err
	}
	return mapPlanRows(rows), nil
}

func mapPlanRows(rows []planRow) []domain.PlanRow {
	res := make([]domain.PlanRow, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res
}

func (r Repo) WeekOverridden(ctx context.Context, x sqlx.QueryerContext, orgID string, roleID int64, week weeks.Date) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, x, &n, `SELECT COUNT(1) FROM weekly_plan WHERE org_id=? AND role_id=? AND week_start=? AND overridden=1`, orgID, roleID, week)
	return n > 0, err
}

func (r Repo) CountPlanRows(ctx context.Context, x sqlx.QueryerContext, orgID string, roleID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, x, &n, `SELECT COUNT(1) FROM weekly_plan WHERE org_id=? AND role_id=?`, orgID, roleID)
	return n, err
}

type pipelineRow struct {
	OrgID      string     `db:"org_id"`
	RoleID     int64      `db:"role_id"`
	State      string     `db:"state"`
	SeededWeek weeks.Date `db:"seeded_week"`
	LastWeek   weeks.Date `db:"last_week"`
	UpdatedAt  string     `db:"updated_at"`
}

// GetPipeline returns the sequencing state of an org/role; a missing row is
// reported as uninitialized.
func (r Repo) GetPipeline(ctx context.Context, x sqlx.QueryerContext, orgID string, roleID int64) (domain.Pipeline, error) {
	var row pipelineRow
	err := sqlx.GetContext(ctx, x, &row, `SELECT org_id,role_id,state,seeded_week,last_week,updated_at FROM plan_pipelines WHERE org_id=? AND role_id=?`, orgID, roleID)
	if err == sql.ErrNoRows {
		return domain.Pipeline{OrgID: orgID, RoleID: roleID, State: domain.PipelineUninitialized}, nil
	}
	if err != nil {
		return domain.Pipeline{}, err
	}
	return domain.Pipeline(row), nil
}

func (r Repo) SavePipeline(ctx context.Context, x sqlx.ExtContext, p domain.Pipeline) error {
	_, err := x.ExecContext(ctx, `INSERT INTO plan_pipelines(org_id,role_id,state,seeded_week,last_week,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(org_id,role_id) DO UPDATE SET state=excluded.state, seeded_week=excluded.seeded_week, last_week=excluded.last_week, updated_at=excluded.updated_at`,
		p.OrgID, p.RoleID, p.State, p.SeededWeek, p.LastWeek, p.UpdatedAt)
	return err
}

type candidateRow struct {
	ActionID      int64           `db:"action_id"`
	CompetencyID  int64           `db:"competency_id"`
	DomainName    string          `db:"domain_name"`
	LastUsed      sql.NullString  `db:"last_used"`
	UseCount      int             `db:"use_count"`
	AvgConfidence sql.NullFloat64 `db:"avg_confidence"`
}

// ListCandidates loads the active action pool of a role with its usage history
// in the org's plans before the given week.
func (r Repo) ListCandidates(ctx context.Context, orgID string, roleID int64, before weeks.Date) ([]rank.Candidate, error) {
	var rows []candidateRow
	err := r.DB.SelectContext(ctx, &rows, `SELECT a.id AS action_id, a.competency_id, c.domain_name,
  (SELECT MAX(p.week_start) FROM weekly_plan p WHERE p.org_id=? AND p.role_id=? AND p.action_id=a.id AND p.week_start<?) AS last_used,
  (SELECT COUNT(1) FROM weekly_plan p WHERE p.org_id=? AND p.role_id=? AND p.action_id=a.id AND p.week_start<?) AS use_count,
  (SELECT AVG(ss.confidence_score) FROM staff_scores ss
     JOIN staff st ON st.id=ss.staff_id
     JOIN sites s ON s.id=st.site_id
   WHERE s.org_id=? AND st.role_id=? AND ss.action_id=a.id AND ss.confidence_score IS NOT NULL) AS avg_confidence
FROM actions a JOIN competencies c ON c.id=a.competency_id
WHERE a.active=1 AND (a.role_id IS NULL OR a.role_id=?)
ORDER BY a.id`,
		orgID, roleID, before,
		orgID, roleID, before,
		orgID, roleID,
		roleID)
	if err != nil {
		return nil, err
	}
	res := make([]rank.Candidate, 0, len(rows))
	for _, row := range rows {
		c := rank.Candidate{
			ActionID:     row.ActionID,
			CompetencyID: row.CompetencyID,
			DomainName:   row.DomainName,
			UseCount:     row.UseCount,
		}
		if row.LastUsed.Valid {
			d, err := weeks.ParseDate(row.LastUsed.String)
			if err != nil {
				return nil, fmt.Errorf("action %d last used: %w", row.ActionID, err)
			}
			c.LastUsed = &d
		}
		if row.AvgConfidence.Valid {
			v := row.AvgConfidence.Float64
			c.AvgConfidence = &v
		}
		res = append(res, c)
	}
	return res, nil
}
