package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
	"weekline/internal/weeks"
)

type scoreRow struct {
	StaffID          string         `db:"staff_id"`
	WeekStart        weeks.Date     `db:"week_start"`
	DisplayOrder     int            `db:"display_order"`
	ActionID         sql.NullInt64  `db:"action_id"`
	SelfSelect       bool           `db:"self_select"`
	ConfidenceScore  sql.NullInt64  `db:"confidence_score"`
	ConfidenceDate   sql.NullString `db:"confidence_date"`
	ConfidenceLate   bool           `db:"confidence_late"`
	PerformanceScore sql.NullInt64  `db:"performance_score"`
	PerformanceDate  sql.NullString `db:"performance_date"`
	PerformanceLate  bool           `db:"performance_late"`
}

func (s scoreRow) toDomain() domain.Score {
	return domain.Score{
		StaffID:          s.StaffID,
		WeekStart:        s.WeekStart,
		DisplayOrder:     s.DisplayOrder,
		ActionID:         int64Ptr(s.ActionID),
		SelfSelect:       s.SelfSelect,
		ConfidenceScore:  intPtr(s.ConfidenceScore),
		ConfidenceDate:   stringPtr(s.ConfidenceDate),
		ConfidenceLate:   s.ConfidenceLate,
		PerformanceScore: intPtr(s.PerformanceScore),
		PerformanceDate:  stringPtr(s.PerformanceDate),
		PerformanceLate:  s.PerformanceLate,
	}
}

const scoreColumns = `staff_id,week_start,display_order,action_id,self_select,confidence_score,confidence_date,confidence_late,performance_score,performance_date,performance_late`

type assignmentRow struct {
	DisplayOrder int           `db:"display_order"`
	ActionID     sql.NullInt64 `db:"action_id"`
	SelfSelect   bool          `db:"self_select"`

	ScoreStaffID     sql.NullString `db:"score_staff_id"`
	ScoreActionID    sql.NullInt64  `db:"score_action_id"`
	ConfidenceScore  sql.NullInt64  `db:"confidence_score"`
	ConfidenceDate   sql.NullString `db:"confidence_date"`
	ConfidenceLate   sql.NullBool   `db:"confidence_late"`
	PerformanceScore sql.NullInt64  `db:"performance_score"`
	PerformanceDate  sql.NullString `db:"performance_date"`
	PerformanceLate  sql.NullBool   `db:"performance_late"`
}

// ListStaffWeek returns the locked plan slots assigned to a staff member for a
// week, each joined with the staff member's score row when one exists.
func (r Repo) ListStaffWeek(ctx context.Context, x sqlx.QueryerContext, staffID string, week weeks.Date) ([]domain.Assignment, error) {
	var rows []assignmentRow
	err := sqlx.SelectContext(ctx, x, &rows, `SELECT p.display_order, p.action_id, p.self_select,
  ss.staff_id AS score_staff_id, ss.action_id AS score_action_id,
  ss.confidence_score, ss.confidence_date, ss.confidence_late,
  ss.performance_score, ss.performance_date, ss.performance_late
FROM staff st
JOIN sites s ON s.id=st.site_id
JOIN weekly_plan p ON p.org_id=s.org_id AND p.role_id=st.role_id AND p.week_start=? AND p.status='locked'
LEFT JOIN staff_scores ss ON ss.staff_id=st.id AND ss.week_start=p.week_start AND ss.display_order=p.display_order
WHERE st.id=?
ORDER BY p.display_order`, week, staffID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Assignment, 0, len(rows))
	for _, row := range rows {
		a := domain.Assignment{
			DisplayOrder: row.DisplayOrder,
			ActionID:     int64Ptr(row.ActionID),
			SelfSelect:   row.SelfSelect,
		}
		if row.ScoreStaffID.Valid {
			a.Score = &domain.Score{
				StaffID:          row.ScoreStaffID.String,
				WeekStart:        week,
				DisplayOrder:     row.DisplayOrder,
				ActionID:         int64Ptr(row.ScoreActionID),
				SelfSelect:       row.SelfSelect,
				ConfidenceScore:  intPtr(row.ConfidenceScore),
				ConfidenceDate:   stringPtr(row.ConfidenceDate),
				ConfidenceLate:   row.ConfidenceLate.Bool,
				PerformanceScore: intPtr(row.PerformanceScore),
				PerformanceDate:  stringPtr(row.PerformanceDate),
				PerformanceLate:  row.PerformanceLate.Bool,
			}
		}
		res = append(res, a)
	}
	return res, nil
}

// UpsertConfidence records the self-rated half of a score.
func (r Repo) UpsertConfidence(ctx context.Context, x sqlx.ExtContext, s domain.Score) error {
	_, err := x.ExecContext(ctx, `INSERT INTO staff_scores(staff_id,week_start,display_order,action_id,self_select,confidence_score,confidence_date,confidence_late)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(staff_id,week_start,display_order) DO UPDATE SET
  action_id=COALESCE(excluded.action_id, staff_scores.action_id),
  confidence_score=excluded.confidence_score,
  confidence_date=excluded.confidence_date,
  confidence_late=excluded.confidence_late`,
		s.StaffID, s.WeekStart, s.DisplayOrder, nullableInt64Ptr(s.ActionID), s.SelfSelect,
		nullableIntPtr(s.ConfidenceScore), nullableStringPtr(s.ConfidenceDate), s.ConfidenceLate)
	return err
}

// UpsertPerformance records the observer-rated half of a score.
func (r Repo) UpsertPerformance(ctx context.Context, x sqlx.ExtContext, s domain.Score) error {
	_, err := x.ExecContext(ctx, `INSERT INTO staff_scores(staff_id,week_start,display_order,action_id,self_select,performance_score,performance_date,performance_late)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(staff_id,week_start,display_order) DO UPDATE SET
  action_id=COALESCE(excluded.action_id, staff_scores.action_id),
  performance_score=excluded.performance_score,
  performance_date=excluded.performance_date,
  performance_late=excluded.performance_late`,
		s.StaffID, s.WeekStart, s.DisplayOrder, nullableInt64Ptr(s.ActionID), s.SelfSelect,
		nullableIntPtr(s.PerformanceScore), nullableStringPtr(s.PerformanceDate), s.PerformanceLate)
	return err
}

// ResetUnperformedConfidence nulls the confidence half of every score row of
// the week that never received a performance score. Rows already reset are
// not counted again.
func (r Repo) ResetUnperformedConfidence(ctx context.Context, x sqlx.ExtContext, staffID string, week weeks.Date) (int, error) {
	res, err := x.ExecContext(ctx, `UPDATE staff_scores SET confidence_score=NULL, confidence_date=NULL
WHERE staff_id=? AND week_start=? AND performance_score IS NULL
  AND (confidence_score IS NOT NULL OR confidence_date IS NOT NULL)`, staffID, week)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) ListScores(ctx context.Context, staffID string, week weeks.Date) ([]domain.Score, error) {
	var rows []scoreRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+scoreColumns+` FROM staff_scores WHERE staff_id=? AND week_start=? ORDER BY display_order`, staffID, week); err != nil {
		return nil, err
	}
	res := make([]domain.Score, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}
