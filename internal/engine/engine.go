package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"weekline/internal/config"
	"weekline/internal/domain"
	"weekline/internal/events"
	"weekline/internal/ledger"
	"weekline/internal/rank"
	"weekline/internal/repo"
	"weekline/internal/validation"
	"weekline/internal/weeks"
)

var (
	// ErrOverridden reports a week carrying a manual override. Automation
	// treats it as a skip, never as a failure.
	ErrOverridden  = errors.New("week is overridden")
	ErrNotAssigned = errors.New("display order not assigned to staff for week")
	ErrWeekNotOpen = errors.New("week has not started yet")
	// ErrWeekClosed rejects self-ratings for a week past its rollover, whose
	// unperformed confidence has already been reset.
	ErrWeekClosed   = errors.New("week is closed for confidence scores")
	ErrSlotAction   = errors.New("action does not match slot")
	ErrNoOverride   = errors.New("week has no override to clear")
	ErrInvalidPicks = errors.New("invalid override picks")
)

type Engine struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Events events.Writer
	Scorer rank.Scorer
	Logger *logrus.Entry
	Now    func() time.Time
}

func New(db *sqlx.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Scorer: rank.NeedScorer{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) log() *logrus.Entry {
	if e.Logger != nil {
		return e.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func (e Engine) scorer() rank.Scorer {
	if e.Scorer != nil {
		return e.Scorer
	}
	return rank.NeedScorer{}
}

// orgConfig loads the stored rollover configuration of an org. Decode and
// validation problems are configuration errors.
func (e Engine) orgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: org %s has no config", ledger.ErrConfig, orgID)
	}
	if err != nil {
		if cfg != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrConfig, err)
		}
		return nil, err
	}
	return cfg, nil
}

// InitOrg creates an org with its rollover configuration. A nil config seeds
// the default template.
func (e Engine) InitOrg(ctx context.Context, orgID, name string, cfg *config.Config, actorID string) (domain.Org, error) {
	if orgID == "" {
		return domain.Org{}, errors.New("org id is required")
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return domain.Org{}, err
	}
	o := domain.Org{ID: orgID, Name: name, CreatedAt: e.stamp()}
	if o.Name == "" {
		o.Name = orgID
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Org{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Org{}, fmt.Errorf("insert org: %w", err)
	}
	if err := e.storeConfig(ctx, tx, orgID, cfg, actorID); err != nil {
		return domain.Org{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Org{}, err
	}
	return o, nil
}

// UpdateOrgConfig replaces the rollover configuration of an existing org.
func (e Engine) UpdateOrgConfig(ctx context.Context, orgID string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.storeConfig(ctx, tx, orgID, cfg, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) storeConfig(ctx context.Context, tx *sqlx.Tx, orgID string, cfg *config.Config, actorID string) error {
	if err := e.Repo.UpsertOrgConfig(ctx, tx, orgID, cfg, e.stamp()); err != nil {
		return fmt.Errorf("store org config: %w", err)
	}
	for _, r := range cfg.Roles {
		if err := e.Repo.EnsureRole(ctx, tx, domain.Role{ID: r.ID, Name: r.Name}); err != nil {
			return fmt.Errorf("register role %d: %w", r.ID, err)
		}
	}
	return e.events().Append(ctx, tx, events.OrgConfigUpdated, orgID, "org", orgID, actorID, events.Payload{
		"enabled":   cfg.Rollover.Enabled,
		"time_zone": cfg.Rollover.TimeZone,
		"roles":     cfg.RoleIDs(),
	})
}

// CreateSite validates the program calendar before storing the site.
func (e Engine) CreateSite(ctx context.Context, s domain.Site, actorID string) (domain.Site, error) {
	if err := validation.Struct(s); err != nil {
		return domain.Site{}, fmt.Errorf("invalid site: %w", err)
	}
	if _, err := weeks.NewCalendar(s.TimeZone, s.ProgramStartDate, s.CycleLength); err != nil {
		return domain.Site{}, err
	}
	if _, err := e.Repo.GetOrg(ctx, s.OrgID); err != nil {
		return domain.Site{}, fmt.Errorf("org %s: %w", s.OrgID, err)
	}
	s.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Site{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSite(ctx, tx, s); err != nil {
		return domain.Site{}, fmt.Errorf("insert site: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.SiteCreated, s.OrgID, "site", s.ID, actorID, events.Payload{
		"time_zone":          s.TimeZone,
		"program_start_date": s.ProgramStartDate.String(),
		"cycle_length":       s.CycleLength,
	}); err != nil {
		return domain.Site{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Site{}, err
	}
	return s, nil
}

// SiteWeek anchors an instant on a site's program calendar.
func (e Engine) SiteWeek(ctx context.Context, siteID string, at time.Time) (domain.Site, weeks.Anchor, error) {
	site, err := e.Repo.GetSite(ctx, siteID)
	if err != nil {
		return domain.Site{}, weeks.Anchor{}, fmt.Errorf("site %s: %w", siteID, err)
	}
	cal, err := weeks.NewCalendar(site.TimeZone, site.ProgramStartDate, site.CycleLength)
	if err != nil {
		return site, weeks.Anchor{}, err
	}
	if at.IsZero() {
		at = e.now()
	}
	return site, cal.At(at), nil
}

func (e Engine) AddStaff(ctx context.Context, s domain.Staff) (domain.Staff, error) {
	if s.ID == "" || s.SiteID == "" || s.RoleID <= 0 {
		return domain.Staff{}, errors.New("staff id, site and role are required")
	}
	if _, err := e.Repo.GetSite(ctx, s.SiteID); err != nil {
		return domain.Staff{}, fmt.Errorf("site %s: %w", s.SiteID, err)
	}
	s.Active = true
	s.CreatedAt = e.stamp()
	if err := e.Repo.InsertStaff(ctx, e.DB, s); err != nil {
		return domain.Staff{}, fmt.Errorf("insert staff: %w", err)
	}
	return s, nil
}

func (e Engine) AddCompetency(ctx context.Context, c domain.Competency) error {
	if c.ID <= 0 || c.Name == "" {
		return errors.New("competency id and name are required")
	}
	return e.Repo.InsertCompetency(ctx, e.DB, c)
}

func (e Engine) AddAction(ctx context.Context, a domain.Action) (domain.Action, error) {
	if a.ID <= 0 || a.CompetencyID <= 0 || a.Statement == "" {
		return domain.Action{}, errors.New("action id, competency and statement are required")
	}
	a.Active = true
	if err := e.Repo.InsertAction(ctx, e.DB, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}
