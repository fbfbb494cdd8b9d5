package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
	"weekline/internal/weeks"
)

var ErrAlreadyResolved = errors.New("backlog item already resolved")

type backlogRow struct {
	ID                string         `db:"id"`
	StaffID           string         `db:"staff_id"`
	ActionID          int64          `db:"action_id"`
	SiteID            string         `db:"site_id"`
	AssignedOn        weeks.Date     `db:"assigned_on"`
	SourceCycle       int            `db:"source_cycle"`
	SourceWeekInCycle int            `db:"source_week_in_cycle"`
	SourceWeekStart   weeks.Date     `db:"source_week_start"`
	ResolvedAt        sql.NullString `db:"resolved_at"`
	ResolvedWeekStart sql.NullString `db:"resolved_week_start"`
	ClearedBy         sql.NullString `db:"cleared_by"`
}

func (b backlogRow) toDomain() domain.BacklogItem {
	return domain.BacklogItem{
		ID:                b.ID,
		StaffID:           b.StaffID,
		ActionID:          b.ActionID,
		SiteID:            b.SiteID,
		AssignedOn:        b.AssignedOn,
		SourceCycle:       b.SourceCycle,
		SourceWeekInCycle: b.SourceWeekInCycle,
		SourceWeekStart:   b.SourceWeekStart,
		ResolvedAt:        stringPtr(b.ResolvedAt),
		ResolvedWeekStart: stringPtr(b.ResolvedWeekStart),
		ClearedBy:         stringPtr(b.ClearedBy),
	}
}

const backlogColumns = `id,staff_id,action_id,site_id,assigned_on,source_cycle,source_week_in_cycle,source_week_start,resolved_at,resolved_week_start,cleared_by`

// AddBacklog opens a backlog item unless the staff member already has an open
// one for the action. It reports whether a row was inserted.
func (r Repo) AddBacklog(ctx context.Context, x sqlx.ExtContext, b domain.BacklogItem) (bool, error) {
	res, err := x.ExecContext(ctx, `INSERT INTO backlog_items(id,staff_id,action_id,site_id,assigned_on,source_cycle,source_week_in_cycle,source_week_start)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(staff_id,action_id) WHERE resolved_at IS NULL DO NOTHING`,
		b.ID, b.StaffID, b.ActionID, b.SiteID, b.AssignedOn, b.SourceCycle, b.SourceWeekInCycle, b.SourceWeekStart)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResolveBacklog closes open items for an action whose source week precedes
// the week of the closing submission.
func (r Repo) ResolveBacklog(ctx context.Context, x sqlx.ExtContext, staffID string, actionID int64, week weeks.Date, now string) (int, error) {
	res, err := x.ExecContext(ctx, `UPDATE backlog_items SET resolved_at=?, resolved_week_start=?
WHERE staff_id=? AND action_id=? AND resolved_at IS NULL AND source_week_start<?`,
		now, week, staffID, actionID, week)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearBacklog resolves an item by hand, recording who cleared it.
func (r Repo) ClearBacklog(ctx context.Context, x sqlx.ExtContext, id, clearedBy, now string) (domain.BacklogItem, error) {
	res, err := x.ExecContext(ctx, `UPDATE backlog_items SET resolved_at=?, cleared_by=? WHERE id=? AND resolved_at IS NULL`, now, clearedBy, id)
	if err != nil {
		return domain.BacklogItem{}, err
	}
	item, err := r.getBacklog(ctx, x, id)
	if err != nil {
		return domain.BacklogItem{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return item, ErrAlreadyResolved
	}
	return item, nil
}

func (r Repo) GetBacklog(ctx context.Context, id string) (domain.BacklogItem, error) {
	return r.getBacklog(ctx, r.DB, id)
}

func (r Repo) getBacklog(ctx context.Context, x sqlx.QueryerContext, id string) (domain.BacklogItem, error) {
	var row backlogRow
	err := sqlx.GetContext(ctx, x, &row, `SELECT `+backlogColumns+` FROM backlog_items WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return domain.BacklogItem{}, ErrNotFound
	}
	if err != nil {
		return domain.BacklogItem{}, err
	}
	return row.toDomain(), nil
}

// ListBacklog lists a staff member's backlog, oldest first.
func (r Repo) ListBacklog(ctx context.Context, staffID string, openOnly bool) ([]domain.BacklogItem, error) {
	query := `SELECT ` + backlogColumns + ` FROM backlog_items WHERE staff_id=?`
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY source_week_start, action_id, id`
	var rows []backlogRow
	if err := r.DB.SelectContext(ctx, &rows, query, staffID); err != nil {
		return nil, err
	}
	res := make([]domain.BacklogItem, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}
