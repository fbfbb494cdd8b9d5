package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
	"weekline/internal/weeks"
)

type runRow struct {
	ID         string         `db:"id"`
	OrgID      string         `db:"org_id"`
	RoleID     sql.NullInt64  `db:"role_id"`
	SiteID     sql.NullString `db:"site_id"`
	Kind       string         `db:"kind"`
	TargetWeek string         `db:"target_week"`
	Trigger    string         `db:"trigger_mode"`
	DryRun     bool           `db:"dry_run"`
	Success    bool           `db:"success"`
	Outcome    string         `db:"outcome"`
	LogJSON    string         `db:"log_json"`
	ConfigJSON sql.NullString `db:"config_json"`
	StartedAt  string         `db:"started_at"`
	FinishedAt string         `db:"finished_at"`
}

func (r runRow) toDomain() domain.RunEntry {
	e := domain.RunEntry{
		ID:         r.ID,
		OrgID:      r.OrgID,
		RoleID:     int64Ptr(r.RoleID),
		SiteID:     stringPtr(r.SiteID),
		Kind:       r.Kind,
		TargetWeek: r.TargetWeek,
		Trigger:    r.Trigger,
		DryRun:     r.DryRun,
		Success:    r.Success,
		Outcome:    r.Outcome,
		LogJSON:    r.LogJSON,
		ConfigJSON: r.ConfigJSON.String,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	_ = json.Unmarshal([]byte(r.LogJSON), &e.Lines)
	return e
}

const runColumns = `id,org_id,role_id,site_id,kind,target_week,trigger_mode,dry_run,success,outcome,log_json,config_json,started_at,finished_at`

// InsertRun appends a ledger entry. The table rejects updates and deletes.
func (r Repo) InsertRun(ctx context.Context, x sqlx.ExecerContext, e domain.RunEntry) error {
	_, err := x.ExecContext(ctx, `INSERT INTO run_ledger(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, nullableInt64Ptr(e.RoleID), nullableStringPtr(e.SiteID), e.Kind, e.TargetWeek, e.Trigger,
		e.DryRun, e.Success, e.Outcome, e.LogJSON, nullable(e.ConfigJSON), e.StartedAt, e.FinishedAt)
	return err
}

type RunFilter struct {
	OrgID  string
	RoleID int64
	Kind   string
	Limit  int
}

// ListRuns returns ledger entries newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.RunEntry, error) {
	query := `SELECT ` + runColumns + ` FROM run_ledger WHERE org_id=?`
	args := []any{f.OrgID}
	if f.RoleID > 0 {
		query += ` AND role_id=?`
		args = append(args, f.RoleID)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	var rows []runRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.RunEntry, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.RunEntry, error) {
	var row runRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+runColumns+` FROM run_ledger WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return domain.RunEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.RunEntry{}, err
	}
	return row.toDomain(), nil
}

type siteRolloverRow struct {
	SiteID      string         `db:"site_id"`
	WeekStart   weeks.Date     `db:"week_start"`
	Status      string         `db:"status"`
	StaffTotal  int            `db:"staff_total"`
	StaffFailed int            `db:"staff_failed"`
	DetailsJSON sql.NullString `db:"details_json"`
	UpdatedAt   string         `db:"updated_at"`
}

// GetSiteRollover returns the reconciliation marker of a site week.
func (r Repo) GetSiteRollover(ctx context.Context, siteID string, week weeks.Date) (domain.SiteRollover, error) {
	var row siteRolloverRow
	err := r.DB.GetContext(ctx, &row, `SELECT site_id,week_start,status,staff_total,staff_failed,details_json,updated_at FROM site_rollovers WHERE site_id=? AND week_start=?`, siteID, week)
	if err == sql.ErrNoRows {
		return domain.SiteRollover{}, ErrNotFound
	}
	if err != nil {
		return domain.SiteRollover{}, err
	}
	return row.toDomain(), nil
}

func (row siteRolloverRow) toDomain() domain.SiteRollover {
	return domain.SiteRollover{
		SiteID:      row.SiteID,
		WeekStart:   row.WeekStart,
		Status:      row.Status,
		StaffTotal:  row.StaffTotal,
		StaffFailed: row.StaffFailed,
		DetailsJSON: row.DetailsJSON.String,
		UpdatedAt:   row.UpdatedAt,
	}
}

// LatestSiteRollover returns the newest marker of a site at or before week.
func (r Repo) LatestSiteRollover(ctx context.Context, siteID string, week weeks.Date) (domain.SiteRollover, error) {
	var row siteRolloverRow
	err := r.DB.GetContext(ctx, &row, `SELECT site_id,week_start,status,staff_total,staff_failed,details_json,updated_at FROM site_rollovers
WHERE site_id=? AND week_start<=? ORDER BY week_start DESC LIMIT 1`, siteID, week)
	if err == sql.ErrNoRows {
		return domain.SiteRollover{}, ErrNotFound
	}
	if err != nil {
		return domain.SiteRollover{}, err
	}
	return row.toDomain(), nil
}

// SaveSiteRollover upserts the marker. A completed marker is never downgraded.
func (r Repo) SaveSiteRollover(ctx context.Context, x sqlx.ExecerContext, m domain.SiteRollover) error {
	_, err := x.ExecContext(ctx, `INSERT INTO site_rollovers(site_id,week_start,status,staff_total,staff_failed,details_json,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(site_id,week_start) DO UPDATE SET status=excluded.status, staff_total=excluded.staff_total,
  staff_failed=excluded.staff_failed, details_json=excluded.details_json, updated_at=excluded.updated_at
WHERE site_rollovers.status!='completed'`,
		m.SiteID, m.WeekStart, m.Status, m.StaffTotal, m.StaffFailed, nullable(m.DetailsJSON), m.UpdatedAt)
	return err
}
