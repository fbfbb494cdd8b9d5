// Package ledger builds Run Ledger entries. A Run collects the log lines of
// one pipeline tick or site reconciliation and is written once, at the end.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"weekline/internal/domain"
	"weekline/internal/rank"
	"weekline/internal/weeks"
)

type Outcome string

const (
	OK             Outcome = "ok"
	Skipped        Outcome = "skipped"
	NotReady       Outcome = "not_ready"
	Partial        Outcome = "partial"
	ConfigError    Outcome = "config_error"
	TransientError Outcome = "transient_error"
	Timeout        Outcome = "timeout"
)

// Success reports whether the run as a whole succeeded. A partial run
// succeeds; its failed units are listed in the log lines and retried by the
// next invocation.
func (o Outcome) Success() bool {
	switch o {
	case OK, Skipped, NotReady, Partial:
		return true
	}
	return false
}

// ErrConfig marks an error as an operator-facing configuration problem.
var ErrConfig = errors.New("configuration error")

// Classify maps an error onto the outcome recorded in the ledger.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrConfig),
		errors.Is(err, rank.ErrInsufficientCandidates),
		errors.Is(err, weeks.ErrInvalidTimeZone),
		errors.Is(err, weeks.ErrInvalidProgramStart),
		errors.Is(err, weeks.ErrInvalidCycleLength):
		return ConfigError
	default:
		return TransientError
	}
}

type Store interface {
	InsertRun(ctx context.Context, x sqlx.ExecerContext, e domain.RunEntry) error
}

// Run accumulates one ledger entry. It is safe for concurrent use so that
// per-staff workers can log into the same site run.
type Run struct {
	mu      sync.Mutex
	entry   domain.RunEntry
	lines   []string
	outcome Outcome
	config  any
	started time.Time
	now     func() time.Time
	log     *logrus.Entry
}

type Options struct {
	Kind       string
	OrgID      string
	RoleID     *int64
	SiteID     *string
	TargetWeek weeks.Date
	Trigger    string
	DryRun     bool
	Config     any
	Now        func() time.Time
	Logger     *logrus.Entry
}

func Start(opts Options) *Run {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = nopLogger()
	}
	fields := logrus.Fields{
		"run_id":     id,
		"kind":       opts.Kind,
		"org_id":     opts.OrgID,
		"week_start": opts.TargetWeek.String(),
		"dry_run":    opts.DryRun,
	}
	if opts.RoleID != nil {
		fields["role_id"] = *opts.RoleID
	}
	if opts.SiteID != nil {
		fields["site_id"] = *opts.SiteID
	}
	return &Run{
		entry: domain.RunEntry{
			ID:         id,
			OrgID:      opts.OrgID,
			RoleID:     opts.RoleID,
			SiteID:     opts.SiteID,
			Kind:       opts.Kind,
			TargetWeek: opts.TargetWeek.String(),
			Trigger:    opts.Trigger,
			DryRun:     opts.DryRun,
		},
		outcome: OK,
		config:  opts.Config,
		started: now(),
		now:     now,
		log:     log.WithFields(fields),
	}
}

func (r *Run) ID() string { return r.entry.ID }

// Logf appends a line tagged with the pipeline stage.
func (r *Run) Logf(stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	r.lines = append(r.lines, stage+": "+msg)
	r.mu.Unlock()
	r.log.WithField("stage", stage).Info(msg)
}

// Fail records an error at a stage and downgrades the outcome. The first
// failure wins over later ones.
func (r *Run) Fail(stage string, err error) Outcome {
	o := Classify(err)
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf("%s: %s: %v", stage, o, err))
	if r.outcome.Success() {
		r.outcome = o
	}
	r.mu.Unlock()
	r.log.WithField("stage", stage).WithError(err).Warn(string(o))
	return o
}

// SetOutcome overrides the outcome unless a failure was already recorded.
func (r *Run) SetOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome.Success() {
		r.outcome = o
	}
}

func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Entry finalizes the ledger row.
func (r *Run) Entry() (domain.RunEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry
	e.Outcome = string(r.outcome)
	e.Success = r.outcome.Success()
	e.Lines = append([]string{}, r.lines...)
	logJSON, err := json.Marshal(e.Lines)
	if err != nil {
		return e, err
	}
	e.LogJSON = string(logJSON)
	if r.config != nil {
		cfgJSON, err := json.Marshal(r.config)
		if err != nil {
			return e, fmt.Errorf("marshal config snapshot: %w", err)
		}
		e.ConfigJSON = string(cfgJSON)
	}
	e.StartedAt = r.started.UTC().Format(time.RFC3339Nano)
	e.FinishedAt = r.now().UTC().Format(time.RFC3339Nano)
	return e, nil
}

// Write appends the finished entry through the store.
func (r *Run) Write(ctx context.Context, x sqlx.ExecerContext, store Store) (domain.RunEntry, error) {
	e, err := r.Entry()
	if err != nil {
		return e, err
	}
	if err := store.InsertRun(ctx, x, e); err != nil {
		return e, fmt.Errorf("append run ledger: %w", err)
	}
	r.log.WithField("outcome", e.Outcome).Debug("run recorded")
	return e, nil
}

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
