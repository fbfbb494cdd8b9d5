package weeklinesdk_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekline/internal/db"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/migrate"
	"weekline/internal/server"
	"weekline/internal/weeks"
	weeklinesdk "weekline/sdk/go"
)

const secret = "sdk-secret"

func newClient(t *testing.T) (*weeklinesdk.Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(conn.DB)
	require.NoError(t, err)

	e := engine.New(conn)
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	now := weeks.MustParseDate("2025-01-14").At(loc, 10, 0, 0, 0)
	e.Now = func() time.Time { return now }
	e.Events.Now = e.Now

	ctx := context.Background()
	_, err = e.InitOrg(ctx, "org-x", "Org X", nil, "tester")
	require.NoError(t, err)
	_, err = e.CreateSite(ctx, domain.Site{
		ID: "site-1", OrgID: "org-x", TimeZone: "America/Chicago",
		ProgramStartDate: weeks.MustParseDate("2025-01-06"), CycleLength: 6,
	}, "tester")
	require.NoError(t, err)
	require.NoError(t, e.AddCompetency(ctx, domain.Competency{ID: 1, Name: "Chairside"}))
	for i := int64(1); i <= 15; i++ {
		_, err := e.AddAction(ctx, domain.Action{ID: i, CompetencyID: 1, Statement: fmt.Sprintf("action %d", i)})
		require.NoError(t, err)
	}
	_, err = e.AddStaff(ctx, domain.Staff{ID: "s1", SiteID: "site-1", RoleID: 1})
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	tok, err := server.SignToken(secret, "sdk-user", "org-x", []string{server.PermAll}, time.Hour)
	require.NoError(t, err)
	return weeklinesdk.New(srv.URL, "org-x", tok), e
}

func id(v int64) *int64 { return &v }

func TestClientRolloverAndPlans(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	res, err := c.Rollover(ctx, weeklinesdk.RolloverRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Len(t, res.Ticks, 2)

	view, err := c.PlanWindow(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-13", view.Current)
	require.Len(t, view.Weeks, 3)
	assert.Equal(t, "next", view.Weeks[1].Label)
	assert.Len(t, view.Weeks[1].Rows, 3)
	assert.Equal(t, domain.PipelineFirstRunSeeded, view.Pipeline.State)

	runs, err := c.Runs(ctx, "pipeline", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	run, err := c.Run(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, run.ID)
	assert.Equal(t, "manual", run.Trigger)

	evts, err := c.Events(ctx, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}

func TestClientOverrides(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	picks := []weeklinesdk.Pick{
		{DisplayOrder: 1, ActionID: id(4)},
		{DisplayOrder: 2, SelfSelect: true},
		{DisplayOrder: 3, ActionID: id(9)},
	}

	rows, err := c.SetOverride(ctx, 1, "2025-01-27", picks)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.True(t, r.Overridden)
		assert.Equal(t, "locked", r.Status)
	}
	assert.True(t, rows[1].SelfSelect)

	rows, err = c.ClearOverride(ctx, 1, "2025-01-27")
	require.NoError(t, err)
	assert.Equal(t, "proposed", rows[0].Status)

	_, err = c.ClearOverride(ctx, 1, "2025-01-27")
	var apiErr *weeklinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestClientScoresAndBacklog(t *testing.T) {
	c, e := newClient(t)
	ctx := context.Background()
	_, err := e.ApplyOverride(ctx, engine.OverrideOptions{
		OrgID: "org-x", RoleID: 1, Week: weeks.MustParseDate("2025-01-13"),
		Picks: []domain.Pick{
			{DisplayOrder: 1, ActionID: id(1)},
			{DisplayOrder: 2, ActionID: id(2)},
			{DisplayOrder: 3, ActionID: id(3)},
		},
	})
	require.NoError(t, err)

	scored, err := c.RecordScore(ctx, "s1", weeklinesdk.ScoreRequest{Week: "2025-01-13", DisplayOrder: 2, Kind: "confidence", Score: 4})
	require.NoError(t, err)
	require.NotNil(t, scored.Score.ConfidenceScore)
	assert.Equal(t, 4, *scored.Score.ConfidenceScore)
	assert.False(t, scored.Score.ConfidenceLate)

	items, err := c.Backlog(ctx, "s1", true)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = c.ClearBacklog(ctx, "missing")
	var apiErr *weeklinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
