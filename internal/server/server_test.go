package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"weekline/internal/db"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/migrate"
	"weekline/internal/weeks"
)

const (
	testSecret = "test-secret"
	testOrg    = "org-x"
)

type testServer struct {
	*httptest.Server
	engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	loc, _ := time.LoadLocation("America/Chicago")
	now := weeks.MustParseDate("2025-01-14").At(loc, 10, 0, 0, 0)
	e.Now = func() time.Time { return now }
	e.Events.Now = e.Now

	ctx := context.Background()
	if _, err := e.InitOrg(ctx, testOrg, "Org X", nil, "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if _, err := e.CreateSite(ctx, domain.Site{
		ID: "site-1", OrgID: testOrg, TimeZone: "America/Chicago",
		ProgramStartDate: weeks.MustParseDate("2025-01-06"), CycleLength: 6,
	}, "tester"); err != nil {
		t.Fatalf("create site: %v", err)
	}
	if err := e.AddCompetency(ctx, domain.Competency{ID: 1, Name: "Chairside"}); err != nil {
		t.Fatalf("competency: %v", err)
	}
	for i := int64(1); i <= 15; i++ {
		if _, err := e.AddAction(ctx, domain.Action{ID: i, CompetencyID: 1, Statement: fmt.Sprintf("action %d", i)}); err != nil {
			t.Fatalf("action: %v", err)
		}
	}
	if _, err := e.AddStaff(ctx, domain.Staff{ID: "s1", SiteID: "site-1", RoleID: 1, Name: "Sam"}); err != nil {
		t.Fatalf("staff: %v", err)
	}

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, engine: e}
}

func token(t *testing.T, org string, perms ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, "coach", org, perms, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, url, tok string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func picks(ids ...int64) []domain.Pick {
	out := make([]domain.Pick, 0, len(ids))
	for i, id := range ids {
		out = append(out, domain.Pick{DisplayOrder: i + 1, ActionID: &id})
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/me", "not-a-jwt", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", token(t, testOrg, PermPlansRead), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, body)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "coach" || who.OrgID != testOrg {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestPermissionsAreScopedToOrg(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/orgs/" + testOrg + "/roles/1/plans"

	res, _ := doJSON(t, http.MethodGet, url, token(t, "other-org", PermAll), nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign org, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/orgs/"+testOrg+"/rollover", token(t, testOrg, PermPlansRead), nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without rollover permission, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, url, token(t, AllOrgs, PermPlansRead), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wildcard org token rejected: %d", res.StatusCode)
	}
}

func TestRolloverThenReadPlanWindow(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, testOrg, PermAll)

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/orgs/"+testOrg+"/rollover", tok, RolloverRequest{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollover: %d %s", res.StatusCode, body)
	}
	var rolled engine.RolloverResult
	if err := json.Unmarshal(body, &rolled); err != nil {
		t.Fatal(err)
	}
	if rolled.Status != engine.RolloverOK || len(rolled.Ticks) != 2 {
		t.Fatalf("unexpected rollover %+v", rolled)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/orgs/"+testOrg+"/roles/1/plans", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plans: %d %s", res.StatusCode, body)
	}
	var view engine.PlanView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	if view.Current.String() != "2025-01-13" || len(view.Weeks) != 3 {
		t.Fatalf("unexpected window %+v", view)
	}
	if len(view.Weeks[0].Rows) != 0 || len(view.Weeks[1].Rows) != 3 || len(view.Weeks[2].Rows) != 3 {
		t.Fatalf("expected seeded next and preview weeks, got %d/%d/%d rows",
			len(view.Weeks[0].Rows), len(view.Weeks[1].Rows), len(view.Weeks[2].Rows))
	}
	if view.State.State != domain.PipelineFirstRunSeeded {
		t.Fatalf("pipeline state %s", view.State.State)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/orgs/"+testOrg+"/runs?kind=pipeline", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs: %d %s", res.StatusCode, body)
	}
	var runs RunsResponse
	if err := json.Unmarshal(body, &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs.Items) != 2 || runs.Items[0].Trigger != domain.TriggerManual {
		t.Fatalf("unexpected runs %+v", runs.Items)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/orgs/"+testOrg+"/runs/"+runs.Items[0].ID, tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d", res.StatusCode)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "weekline_pipeline_tick_total") {
		t.Fatalf("metrics not exposed: %d", res.StatusCode)
	}
}

func TestOverrideEndpoints(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, testOrg, PermPlansOverride, PermPlansRead)
	url := srv.URL + "/v1/orgs/" + testOrg + "/roles/1/plans/2025-01-27/override"

	res, body := doJSON(t, http.MethodPut, url, tok, OverrideRequest{Picks: picks(13, 14, 15)})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set override: %d %s", res.StatusCode, body)
	}
	var set PlanRowsResponse
	if err := json.Unmarshal(body, &set); err != nil {
		t.Fatal(err)
	}
	for _, r := range set.Rows {
		if !r.Overridden || r.Status != domain.StatusLocked || r.GeneratedBy != domain.GeneratedManual {
			t.Fatalf("override row not locked: %+v", r)
		}
	}

	res, body = doJSON(t, http.MethodPut, url, tok, OverrideRequest{Picks: picks(1, 2, 99)})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, http.MethodPut, srv.URL+"/v1/orgs/"+testOrg+"/roles/1/plans/2025-01-28/override", tok, OverrideRequest{Picks: picks(1, 2, 3)})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-Monday week, got %d", res.StatusCode)
	}

	res, body = doJSON(t, http.MethodDelete, url, tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear override: %d %s", res.StatusCode, body)
	}
	var cleared PlanRowsResponse
	if err := json.Unmarshal(body, &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.Rows[0].Overridden || cleared.Rows[0].Status != domain.StatusProposed {
		t.Fatalf("future week should return to proposed: %+v", cleared.Rows[0])
	}
	res, _ = doJSON(t, http.MethodDelete, url, tok, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 clearing twice, got %d", res.StatusCode)
	}
}

func TestScoresAndBacklog(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, testOrg, PermAll)
	ctx := context.Background()
	if _, err := srv.engine.ApplyOverride(ctx, engine.OverrideOptions{
		OrgID: testOrg, RoleID: 1, Week: weeks.MustParseDate("2025-01-13"), Picks: picks(1, 2, 3), ActorID: "coach",
	}); err != nil {
		t.Fatal(err)
	}

	scoreURL := srv.URL + "/v1/staff/s1/scores"
	res, body := doJSON(t, http.MethodPost, scoreURL, tok, ScoreRequest{Week: "2025-01-13", DisplayOrder: 1, Kind: "confidence", Score: 3})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("score: %d %s", res.StatusCode, body)
	}
	var scored engine.ScoreResult
	if err := json.Unmarshal(body, &scored); err != nil {
		t.Fatal(err)
	}
	if scored.Score.ConfidenceScore == nil || *scored.Score.ConfidenceScore != 3 || scored.Score.ConfidenceLate {
		t.Fatalf("unexpected score %+v", scored.Score)
	}
	res, _ = doJSON(t, http.MethodPost, scoreURL, tok, ScoreRequest{Week: "2025-01-27", DisplayOrder: 1, Kind: "confidence", Score: 3})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unopened week, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, scoreURL, tok, ScoreRequest{Week: "2025-01-13", DisplayOrder: 1, Kind: "confidence", Score: 9})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range score, got %d", res.StatusCode)
	}

	// Reconcile the week a week later: slots 1-3 were never performed.
	loc, _ := time.LoadLocation("America/Chicago")
	asOf := weeks.MustParseDate("2025-01-20").At(loc, 0, 5, 0, 0)
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/sites/site-1/reconcile", tok, ReconcileRequest{AsOf: &asOf})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile: %d %s", res.StatusCode, body)
	}
	var rec engine.ReconcileResult
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.BacklogAdded != 3 || rec.ConfidenceResets != 1 {
		t.Fatalf("unexpected reconcile %+v", rec)
	}
	res, body = doJSON(t, http.MethodPost, scoreURL, tok, ScoreRequest{Week: "2025-01-13", DisplayOrder: 1, Kind: "confidence", Score: 4})
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), "week_closed") {
		t.Fatalf("expected 409 week_closed after reconcile, got %d %s", res.StatusCode, body)
	}
	foreign := int64(9)
	res, body = doJSON(t, http.MethodPost, scoreURL, tok, ScoreRequest{Week: "2025-01-13", DisplayOrder: 2, Kind: "performance", Score: 3, ActionID: &foreign})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a foreign action, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/staff/s1/backlog", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("backlog: %d %s", res.StatusCode, body)
	}
	var backlog BacklogResponse
	if err := json.Unmarshal(body, &backlog); err != nil {
		t.Fatal(err)
	}
	if len(backlog.Items) != 3 {
		t.Fatalf("expected 3 open items, got %d", len(backlog.Items))
	}
	clearURL := srv.URL + "/v1/backlog/" + backlog.Items[0].ID + "/clear"
	res, body = doJSON(t, http.MethodPost, clearURL, tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear: %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, http.MethodPost, clearURL, tok, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 clearing twice, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/staff/s1/backlog", token(t, "other-org", PermAll), nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign org, got %d", res.StatusCode)
	}
}

func TestSiteWeekAndDevLogin(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", "", DevLoginRequest{ActorID: "dev", OrgID: testOrg})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, body)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatal(err)
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/sites/site-1/week?at=2025-02-18T15:00:00Z", login.Token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("site week: %d %s", res.StatusCode, body)
	}
	var sw SiteWeekResponse
	if err := json.Unmarshal(body, &sw); err != nil {
		t.Fatal(err)
	}
	if sw.Anchor.WeekStart.String() != "2025-02-17" || sw.Anchor.Cycle != 2 || sw.Anchor.WeekInCycle != 1 {
		t.Fatalf("unexpected anchor %+v", sw.Anchor)
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/sites/site-1/week?at=yesterday", login.Token, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad instant, got %d", res.StatusCode)
	}
}
