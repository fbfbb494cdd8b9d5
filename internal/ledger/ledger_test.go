package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekline/internal/domain"
	"weekline/internal/ledger"
	"weekline/internal/rank"
	"weekline/internal/weeks"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ledger.Outcome
	}{
		{nil, ledger.OK},
		{fmt.Errorf("tick: %w", context.DeadlineExceeded), ledger.Timeout},
		{fmt.Errorf("%w: org has no config", ledger.ErrConfig), ledger.ConfigError},
		{fmt.Errorf("week 2025-01-13: %w", rank.ErrInsufficientCandidates), ledger.ConfigError},
		{weeks.ErrInvalidTimeZone, ledger.ConfigError},
		{errors.New("database is locked"), ledger.TransientError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ledger.Classify(c.err), "%v", c.err)
	}
	assert.True(t, ledger.NotReady.Success())
	assert.True(t, ledger.Skipped.Success())
	assert.True(t, ledger.Partial.Success())
	assert.False(t, ledger.Timeout.Success())
}

type memStore struct {
	entries []domain.RunEntry
}

func (s *memStore) InsertRun(_ context.Context, _ sqlx.ExecerContext, e domain.RunEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestRunRecordsFirstFailure(t *testing.T) {
	clock := time.Date(2025, 1, 13, 6, 1, 0, 0, time.UTC)
	role := int64(1)
	run := ledger.Start(ledger.Options{
		Kind:       domain.RunKindPipeline,
		OrgID:      "org-x",
		RoleID:     &role,
		TargetWeek: weeks.MustParseDate("2025-01-13"),
		Trigger:    domain.TriggerCron,
		Config:     map[string]int{"start_cycle": 1},
		Now:        func() time.Time { return clock },
	})
	run.Logf("load", "window %s", "2025-01-13..2025-01-27")
	run.Fail("rank", rank.ErrInsufficientCandidates)
	run.Fail("write", errors.New("disk full"))
	run.SetOutcome(ledger.Skipped)
	assert.Equal(t, ledger.ConfigError, run.Outcome())

	clock = clock.Add(2 * time.Second)
	store := &memStore{}
	e, err := run.Write(context.Background(), nil, store)
	require.NoError(t, err)
	require.Len(t, store.entries, 1)

	assert.Equal(t, run.ID(), e.ID)
	assert.Equal(t, "config_error", e.Outcome)
	assert.False(t, e.Success)
	assert.Equal(t, "2025-01-13", e.TargetWeek)
	assert.Equal(t, "2025-01-13T06:01:00Z", e.StartedAt)
	assert.Equal(t, "2025-01-13T06:01:02Z", e.FinishedAt)
	assert.JSONEq(t, `{"start_cycle":1}`, e.ConfigJSON)
	require.Len(t, e.Lines, 3)
	assert.Equal(t, "load: window 2025-01-13..2025-01-27", e.Lines[0])
	assert.Contains(t, e.Lines[1], "rank: config_error")
	assert.Contains(t, e.LogJSON, "disk full")
}

func TestPartialRunStillRecordsLaterFailure(t *testing.T) {
	run := ledger.Start(ledger.Options{Kind: domain.RunKindReconcile, OrgID: "org-x"})
	run.SetOutcome(ledger.Partial)
	e, err := run.Entry()
	require.NoError(t, err)
	assert.Equal(t, "partial", e.Outcome)
	assert.True(t, e.Success)

	run.Fail("marker", errors.New("database is locked"))
	assert.Equal(t, ledger.TransientError, run.Outcome())
}

func TestRunSetOutcome(t *testing.T) {
	run := ledger.Start(ledger.Options{Kind: domain.RunKindReconcile, OrgID: "org-x"})
	run.SetOutcome(ledger.NotReady)
	e, err := run.Entry()
	require.NoError(t, err)
	assert.Equal(t, "not_ready", e.Outcome)
	assert.True(t, e.Success)
	assert.Empty(t, e.ConfigJSON)
	assert.Empty(t, e.Lines)
}
