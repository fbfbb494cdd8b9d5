package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"weekline/internal/config"
	"weekline/internal/db"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/migrate"
	"weekline/internal/repo"
	"weekline/internal/scheduler"
	"weekline/internal/weeks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn.DB)
	require.NoError(t, err)

	eng := engine.New(conn)
	now := weeks.MustParseDate("2025-01-14").At(time.UTC, 18, 0, 0, 0)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now

	ctx := context.Background()
	_, err = eng.InitOrg(ctx, "org-a", "A", nil, "tester")
	require.NoError(t, err)
	off := config.Default("org-b")
	off.Rollover.Enabled = false
	_, err = eng.InitOrg(ctx, "org-b", "B", off, "tester")
	require.NoError(t, err)
	_, err = eng.CreateSite(ctx, domain.Site{
		ID: "site-a", OrgID: "org-a", TimeZone: "America/Chicago",
		ProgramStartDate: weeks.MustParseDate("2025-01-06"), CycleLength: 6,
	}, "tester")
	require.NoError(t, err)

	require.NoError(t, eng.AddCompetency(ctx, domain.Competency{ID: 1, Name: "Chairside"}))
	for i := int64(1); i <= 15; i++ {
		_, err := eng.AddAction(ctx, domain.Action{ID: i, CompetencyID: 1, Statement: "action"})
		require.NoError(t, err)
	}
	return eng
}

func TestRunOnceRollsOverEveryOrg(t *testing.T) {
	eng := newEngine(t)
	s := scheduler.New(eng, scheduler.Options{Workers: 2})

	results, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "org-a", results[0].OrgID)
	assert.Equal(t, engine.RolloverOK, results[0].Status)
	assert.Len(t, results[0].Ticks, 2)
	assert.Equal(t, "org-b", results[1].OrgID)
	assert.Equal(t, engine.RolloverDisabled, results[1].Status)

	runs, err := eng.Repo.ListRuns(context.Background(), repo.RunFilter{OrgID: "org-a"})
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, domain.TriggerCron, r.Trigger)
	}
	plans, err := eng.Repo.ListOrgPlans(context.Background(), "org-b")
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := newEngine(t)
	s := scheduler.New(eng, scheduler.Options{Interval: 5 * time.Millisecond, RunOnStart: true})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
