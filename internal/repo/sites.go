package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
	"weekline/internal/weeks"
)

type siteRow struct {
	ID               string     `db:"id"`
	OrgID            string     `db:"org_id"`
	Name             string     `db:"name"`
	TimeZone         string     `db:"time_zone"`
	ProgramStartDate weeks.Date `db:"program_start_date"`
	CycleLength      int        `db:"cycle_length"`
	CreatedAt        string     `db:"created_at"`
}

func (s siteRow) toDomain() domain.Site {
	return domain.Site{
		ID:               s.ID,
		OrgID:            s.OrgID,
		Name:             s.Name,
		TimeZone:         s.TimeZone,
		ProgramStartDate: s.ProgramStartDate,
		CycleLength:      s.CycleLength,
		CreatedAt:        s.CreatedAt,
	}
}

const siteColumns = `id,org_id,name,time_zone,program_start_date,cycle_length,created_at`

func (r Repo) InsertSite(ctx context.Context, x sqlx.ExtContext, s domain.Site) error {
	_, err := x.ExecContext(ctx, `INSERT INTO sites(`+siteColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, s.Name, s.TimeZone, s.ProgramStartDate, s.CycleLength, s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	return r.GetSiteTx(ctx, r.DB, id)
}

func (r Repo) GetSiteTx(ctx context.Context, x sqlx.QueryerContext, id string) (domain.Site, error) {
	var row siteRow
	err := sqlx.GetContext(ctx, x, &row, `SELECT `+siteColumns+` FROM sites WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return domain.Site{}, ErrNotFound
	}
	if err != nil {
		return domain.Site{}, err
	}
	return row.toDomain(), nil
}

func (r Repo) ListSites(ctx context.Context, orgID string) ([]domain.Site, error) {
	var rows []siteRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+siteColumns+` FROM sites WHERE org_id=? ORDER BY id`, orgID); err != nil {
		return nil, err
	}
	res := make([]domain.Site, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

type staffRow struct {
	ID        string `db:"id"`
	SiteID    string `db:"site_id"`
	RoleID    int64  `db:"role_id"`
	Name      string `db:"name"`
	Active    bool   `db:"active"`
	CreatedAt string `db:"created_at"`
}

func (s staffRow) toDomain() domain.Staff {
	return domain.Staff{ID: s.ID, SiteID: s.SiteID, RoleID: s.RoleID, Name: s.Name, Active: s.Active, CreatedAt: s.CreatedAt}
}

func (r Repo) InsertStaff(ctx context.Context, x sqlx.ExtContext, s domain.Staff) error {
	_, err := x.ExecContext(ctx, `INSERT INTO staff(id,site_id,role_id,name,active,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.SiteID, s.RoleID, s.Name, s.Active, s.CreatedAt)
	return err
}

func (r Repo) GetStaff(ctx context.Context, id string) (domain.Staff, error) {
	var row staffRow
	err := r.DB.GetContext(ctx, &row, `SELECT id,site_id,role_id,name,active,created_at FROM staff WHERE id=?`, id)
	if err == sql.ErrNoRows {
		return domain.Staff{}, ErrNotFound
	}
	if err != nil {
		return domain.Staff{}, err
	}
	return row.toDomain(), nil
}

// ListActiveStaff returns the active staff of a site.
func (r Repo) ListActiveStaff(ctx context.Context, siteID string) ([]domain.Staff, error) {
	var rows []staffRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,site_id,role_id,name,active,created_at FROM staff WHERE site_id=? AND active=1 ORDER BY id`, siteID); err != nil {
		return nil, err
	}
	res := make([]domain.Staff, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var res []domain.Role
	err := r.DB.SelectContext(ctx, &res, `SELECT id,name FROM roles ORDER BY id`)
	return res, err
}

// EnsureRole registers a configured role id.
func (r Repo) EnsureRole(ctx context.Context, x sqlx.ExtContext, role domain.Role) error {
	_, err := x.ExecContext(ctx, `INSERT INTO roles(id,name) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`, role.ID, role.Name)
	return err
}

func (r Repo) InsertCompetency(ctx context.Context, x sqlx.ExtContext, c domain.Competency) error {
	_, err := x.ExecContext(ctx, `INSERT INTO competencies(id,domain_name,name) VALUES (?,?,?)`, c.ID, c.DomainName, c.Name)
	return err
}

func (r Repo) InsertAction(ctx context.Context, x sqlx.ExtContext, a domain.Action) error {
	_, err := x.ExecContext(ctx, `INSERT INTO actions(id,competency_id,role_id,statement,active) VALUES (?,?,?,?,?)`,
		a.ID, a.CompetencyID, nullableInt64Ptr(a.RoleID), a.Statement, a.Active)
	return err
}

func (r Repo) SetActionActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type actionRow struct {
	ID           int64         `db:"id"`
	CompetencyID int64         `db:"competency_id"`
	RoleID       sql.NullInt64 `db:"role_id"`
	Statement    string        `db:"statement"`
	Active       bool          `db:"active"`
}

// ListActions lists actions available to a role; roleID 0 lists all.
func (r Repo) ListActions(ctx context.Context, roleID int64) ([]domain.Action, error) {
	query := `SELECT id,competency_id,role_id,statement,active FROM actions`
	var args []any
	if roleID > 0 {
		query += ` WHERE role_id IS NULL OR role_id=?`
		args = append(args, roleID)
	}
	query += ` ORDER BY id`
	var rows []actionRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Action, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.Action{
			ID:           row.ID,
			CompetencyID: row.CompetencyID,
			RoleID:       int64Ptr(row.RoleID),
			Statement:    row.Statement,
			Active:       row.Active,
		})
	}
	return res, nil
}
