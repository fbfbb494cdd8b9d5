package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/repo"
	"weekline/internal/weeks"
)

// assign pins a week for role 1 through the override path so the staff week
// has locked assignments.
func (env *testEnv) assign(t *testing.T, week string, picks ...domain.Pick) {
	t.Helper()
	if _, err := env.Engine.ApplyOverride(env.Ctx, engine.OverrideOptions{
		OrgID: orgID, RoleID: 1, Week: weeks.MustParseDate(week), Picks: picks, ActorID: "coach",
	}); err != nil {
		t.Fatalf("assign %s: %v", week, err)
	}
}

func (env *testEnv) score(t *testing.T, at time.Time, staff, week string, order int, kind string, v int, action *int64) engine.ScoreResult {
	t.Helper()
	env.at(at)
	res, err := env.Engine.RecordScore(env.Ctx, engine.ScoreInput{
		StaffID: staff, Week: weeks.MustParseDate(week), DisplayOrder: order, Kind: kind, Score: v, ActionID: action, ActorID: staff,
	})
	if err != nil {
		t.Fatalf("score %s slot %d %s: %v", week, order, kind, err)
	}
	return res
}

func (env *testEnv) reconcile(t *testing.T, asOf time.Time) engine.ReconcileResult {
	t.Helper()
	env.at(asOf)
	res, err := env.Engine.ReconcileSite(env.Ctx, engine.ReconcileOptions{SiteID: siteID, Trigger: domain.TriggerCron})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return res
}

func (env *testEnv) openBacklog(t *testing.T, staff string) []domain.BacklogItem {
	t.Helper()
	items, err := env.Engine.Repo.ListBacklog(env.Ctx, staff, true)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func (env *testEnv) scores(t *testing.T, staff, week string) []domain.Score {
	t.Helper()
	s, err := env.Engine.Repo.ListScores(env.Ctx, staff, weeks.MustParseDate(week))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sitePicks(ids ...int64) []domain.Pick {
	picks := make([]domain.Pick, 0, len(ids))
	for i, a := range ids {
		if a == 0 {
			picks = append(picks, domain.Pick{DisplayOrder: i + 1, SelfSelect: true})
			continue
		}
		picks = append(picks, domain.Pick{DisplayOrder: i + 1, ActionID: id(a)})
	}
	return picks
}

// rateWeek submits confidence on every slot and performance on the given slots.
func (env *testEnv) rateWeek(t *testing.T, staff, week string, performed ...int) {
	t.Helper()
	start := weeks.MustParseDate(week)
	for order := 1; order <= 3; order++ {
		env.score(t, start.AddDays(1).At(chicago, 9, 0, 0, 0), staff, week, order, engine.ScoreConfidence, 3, nil)
	}
	for _, order := range performed {
		env.score(t, start.AddDays(3).At(chicago, 15, 0, 0, 0), staff, week, order, engine.ScorePerformance, 4, nil)
	}
}

func TestReconcileCarriesUnperformedActionIntoBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2)

	res := env.reconcile(t, local("2025-01-20", 0, 1))
	if !res.Week.Equal(weeks.MustParseDate("2025-01-13")) || res.Status != engine.ReconcileCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.BacklogAdded != 1 || res.ConfidenceResets != 1 {
		t.Fatalf("expected 1 backlog item and 1 reset, got %d and %d", res.BacklogAdded, res.ConfidenceResets)
	}
	items := env.openBacklog(t, "s1")
	if len(items) != 1 {
		t.Fatalf("expected one open item, got %d", len(items))
	}
	want := domain.BacklogItem{
		ID:                items[0].ID,
		StaffID:           "s1",
		ActionID:          3,
		SiteID:            siteID,
		AssignedOn:        weeks.MustParseDate("2025-01-13"),
		SourceCycle:       1,
		SourceWeekInCycle: 2,
		SourceWeekStart:   weeks.MustParseDate("2025-01-13"),
	}
	if diff := cmp.Diff(want, items[0]); diff != "" {
		t.Fatalf("backlog item (-want +got):\n%s", diff)
	}
	scores := env.scores(t, "s1", "2025-01-13")
	for _, s := range scores[:2] {
		if s.ConfidenceScore == nil || s.ConfidenceDate == nil {
			t.Fatalf("performed slot %d lost its confidence", s.DisplayOrder)
		}
	}
	if scores[2].ConfidenceScore != nil || scores[2].ConfidenceDate != nil {
		t.Fatalf("unperformed slot kept confidence: %+v", scores[2])
	}
}

func TestReconcileNeverFiresEarly(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.rateWeek(t, "s1", "2025-01-13")

	env.at(local("2025-01-20", 0, 0).Add(30 * time.Second))
	res, err := env.Engine.ReconcileSite(env.Ctx, engine.ReconcileOptions{SiteID: siteID})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Week.Equal(weeks.MustParseDate("2025-01-06")) {
		t.Fatalf("reconciled %s before its rollover instant", res.Week)
	}
	if len(env.openBacklog(t, "s1")) != 0 {
		t.Fatalf("backlog written before rollover")
	}

	env.at(local("2025-01-05", 12, 0))
	res, err = env.Engine.ReconcileSite(env.Ctx, engine.ReconcileOptions{SiteID: siteID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.ReconcileNotDue {
		t.Fatalf("expected not_due before program start, got %s", res.Status)
	}
}

func TestReconcileIsIdempotentAndDeduplicatesBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.assign(t, "2025-01-20", sitePicks(3, 4, 5)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2)

	first := env.reconcile(t, local("2025-01-20", 0, 1))
	again := env.reconcile(t, local("2025-01-20", 6, 0))
	if first.BacklogAdded != 1 || again.Status != engine.ReconcileSkipped {
		t.Fatalf("retry should be a no-op: first=%+v again=%+v", first, again)
	}

	// Action 3 is missed again the following week; it stays a single open item.
	res := env.reconcile(t, local("2025-01-27", 0, 5))
	if res.BacklogAdded != 2 {
		t.Fatalf("expected actions 4 and 5 added, got %d", res.BacklogAdded)
	}
	counts := map[int64]int{}
	for _, it := range env.openBacklog(t, "s1") {
		counts[it.ActionID]++
	}
	if diff := cmp.Diff(map[int64]int{3: 1, 4: 1, 5: 1}, counts); diff != "" {
		t.Fatalf("open backlog (-want +got):\n%s", diff)
	}
}

func TestReconcileSkipsFullyPerformedStaff(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2, 3)
	before := env.scores(t, "s1", "2025-01-13")

	res := env.reconcile(t, local("2025-01-20", 0, 1))
	if res.BacklogAdded != 0 || res.ConfidenceResets != 0 || !res.Staff[0].Complete {
		t.Fatalf("complete staff touched: %+v", res)
	}
	if diff := cmp.Diff(before, env.scores(t, "s1", "2025-01-13")); diff != "" {
		t.Fatalf("scores changed (-before +after):\n%s", diff)
	}
}

func TestReconcileSelfSelectOnlyResetsConfidence(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 0)...)
	at := local("2025-01-14", 9, 0)
	env.score(t, at, "s1", "2025-01-13", 1, engine.ScoreConfidence, 2, nil)
	env.score(t, at, "s1", "2025-01-13", 2, engine.ScoreConfidence, 2, nil)
	env.score(t, at, "s1", "2025-01-13", 3, engine.ScoreConfidence, 2, id(7))
	later := local("2025-01-16", 9, 0)
	env.score(t, later, "s1", "2025-01-13", 1, engine.ScorePerformance, 3, nil)
	env.score(t, later, "s1", "2025-01-13", 2, engine.ScorePerformance, 3, nil)

	res := env.reconcile(t, local("2025-01-20", 0, 1))
	if res.BacklogAdded != 0 || res.ConfidenceResets != 1 {
		t.Fatalf("self-select slot: backlog %d resets %d", res.BacklogAdded, res.ConfidenceResets)
	}
	if s := env.scores(t, "s1", "2025-01-13")[2]; s.ConfidenceScore != nil || s.ActionID == nil || *s.ActionID != 7 {
		t.Fatalf("unexpected self-select score %+v", s)
	}
}

func TestPerformanceResolvesEarlierBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.assign(t, "2025-01-20", sitePicks(3, 4, 5)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2)
	env.reconcile(t, local("2025-01-20", 0, 1))

	res := env.score(t, local("2025-01-23", 10, 0), "s1", "2025-01-20", 1, engine.ScorePerformance, 3, nil)
	if res.BacklogResolved != 1 {
		t.Fatalf("expected one resolved item, got %d", res.BacklogResolved)
	}
	if open := env.openBacklog(t, "s1"); len(open) != 0 {
		t.Fatalf("backlog still open: %+v", open)
	}
	all, err := env.Engine.Repo.ListBacklog(env.Ctx, "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ResolvedAt == nil || all[0].ResolvedWeekStart == nil || *all[0].ResolvedWeekStart != "2025-01-20" {
		t.Fatalf("resolved item not kept: %+v", all)
	}
}

func TestClearBacklogItemKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2)
	env.reconcile(t, local("2025-01-20", 0, 1))
	item := env.openBacklog(t, "s1")[0]

	cleared, err := env.Engine.ClearBacklogItem(env.Ctx, item.ID, "coach")
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Open() || cleared.ClearedBy == nil || *cleared.ClearedBy != "coach" {
		t.Fatalf("item not cleared: %+v", cleared)
	}
	if _, err := env.Engine.ClearBacklogItem(env.Ctx, item.ID, "coach"); !errors.Is(err, repo.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := env.Engine.ClearBacklogItem(env.Ctx, "missing", "coach"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordScoreDeadlines(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)

	res := env.score(t, local("2025-01-15", 8, 0), "s1", "2025-01-13", 1, engine.ScoreConfidence, 2, nil)
	if !res.Score.ConfidenceLate {
		t.Fatalf("Wednesday confidence should be late")
	}
	res = env.score(t, local("2025-01-17", 23, 0), "s1", "2025-01-13", 1, engine.ScorePerformance, 2, nil)
	if res.Score.PerformanceLate {
		t.Fatalf("Friday performance should be on time")
	}

	env.at(local("2025-01-14", 8, 0))
	_, err := env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-27"), DisplayOrder: 1, Kind: engine.ScoreConfidence, Score: 2})
	if !errors.Is(err, engine.ErrWeekNotOpen) {
		t.Fatalf("expected ErrWeekNotOpen, got %v", err)
	}
	_, err = env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-06"), DisplayOrder: 1, Kind: engine.ScoreConfidence, Score: 2})
	if !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	_, err = env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-13"), DisplayOrder: 1, Kind: engine.ScoreConfidence, Score: 5})
	if err == nil {
		t.Fatalf("expected validation error for score 5")
	}
}

func TestReconciledWeekRefusesConfidence(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.assign(t, "2025-01-20", sitePicks(4, 5, 6)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2)
	if res := env.reconcile(t, local("2025-01-20", 0, 1)); res.ConfidenceResets != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	env.at(local("2025-01-21", 9, 0))
	_, err := env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-13"), DisplayOrder: 3, Kind: engine.ScoreConfidence, Score: 4})
	if !errors.Is(err, engine.ErrWeekClosed) {
		t.Fatalf("expected ErrWeekClosed, got %v", err)
	}
	for _, s := range env.scores(t, "s1", "2025-01-13") {
		if s.DisplayOrder == 3 && s.ConfidenceScore != nil {
			t.Fatalf("reset confidence came back: %+v", s)
		}
	}
	// Late performance on a closed week is still accepted.
	if res := env.score(t, local("2025-01-21", 9, 5), "s1", "2025-01-13", 3, engine.ScorePerformance, 2, nil); !res.Score.PerformanceLate {
		t.Fatalf("expected late performance, got %+v", res.Score)
	}

	// A week reconciled ahead of the clock is closed by its marker.
	if _, err := env.Engine.ReconcileSite(env.Ctx, engine.ReconcileOptions{SiteID: siteID, AsOf: local("2025-01-27", 0, 1), Trigger: domain.TriggerManual}); err != nil {
		t.Fatal(err)
	}
	env.at(local("2025-01-21", 9, 10))
	_, err = env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-20"), DisplayOrder: 1, Kind: engine.ScoreConfidence, Score: 3})
	if !errors.Is(err, engine.ErrWeekClosed) {
		t.Fatalf("expected ErrWeekClosed after marker, got %v", err)
	}
}

func TestRecordScoreRejectsForeignAction(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 0)...)
	env.at(local("2025-01-14", 9, 0))

	_, err := env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-13"), DisplayOrder: 1, Kind: engine.ScoreConfidence, Score: 3, ActionID: id(9)})
	if !errors.Is(err, engine.ErrSlotAction) {
		t.Fatalf("expected ErrSlotAction for a foreign action, got %v", err)
	}
	_, err = env.Engine.RecordScore(env.Ctx, engine.ScoreInput{StaffID: "s1", Week: weeks.MustParseDate("2025-01-13"), DisplayOrder: 3, Kind: engine.ScoreConfidence, Score: 3})
	if !errors.Is(err, engine.ErrSlotAction) {
		t.Fatalf("expected ErrSlotAction for a self-select slot without a pick, got %v", err)
	}
}

func TestReconcileIsolatesStaffFailures(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.addStaff(t, "s2", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.rateWeek(t, "s1", "2025-01-13", 1)
	env.rateWeek(t, "s2", "2025-01-13", 1)

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_s2 BEFORE INSERT ON backlog_items
		WHEN NEW.staff_id='s2' BEGIN SELECT RAISE(ABORT, 'backlog unavailable'); END`); err != nil {
		t.Fatal(err)
	}
	res := env.reconcile(t, local("2025-01-20", 0, 1))
	if res.Status != engine.ReconcilePartial || res.StaffFailed != 1 || res.StaffTotal != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Success || res.Outcome != "partial" {
		t.Fatalf("a partial run should count as success: %+v", res)
	}
	if got := len(env.openBacklog(t, "s1")); got != 2 {
		t.Fatalf("s1 open backlog = %d, want 2", got)
	}
	if got := len(env.openBacklog(t, "s2")); got != 0 {
		t.Fatalf("s2 open backlog = %d, want 0", got)
	}
	// The failed staff transaction rolled back, confidence included.
	for _, s := range env.scores(t, "s2", "2025-01-13") {
		if s.ConfidenceScore == nil {
			t.Fatalf("s2 slot %d confidence reset despite rollback", s.DisplayOrder)
		}
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER fail_s2`); err != nil {
		t.Fatal(err)
	}
	res = env.reconcile(t, local("2025-01-20", 1, 0))
	if !res.Week.Equal(weeks.MustParseDate("2025-01-13")) || res.Status != engine.ReconcileCompleted || res.StaffFailed != 0 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if res.BacklogAdded != 2 {
		t.Fatalf("retry added %d items, want 2", res.BacklogAdded)
	}
	if got := len(env.openBacklog(t, "s2")); got != 2 {
		t.Fatalf("s2 open backlog after retry = %d, want 2", got)
	}
	if got := len(env.openBacklog(t, "s1")); got != 2 {
		t.Fatalf("s1 open backlog after retry = %d, want 2", got)
	}
	if res := env.reconcile(t, local("2025-01-20", 2, 0)); res.Status != engine.ReconcileSkipped {
		t.Fatalf("completed week reconciled again: %+v", res)
	}
}

func TestReconcileCatchesUpMissedWeeks(t *testing.T) {
	env := newTestEnv(t)
	env.addStaff(t, "s1", 1)
	env.assign(t, "2025-01-13", sitePicks(1, 2, 3)...)
	env.assign(t, "2025-01-20", sitePicks(4, 5, 6)...)
	env.rateWeek(t, "s1", "2025-01-13", 1, 2, 3)
	if res := env.reconcile(t, local("2025-01-20", 0, 1)); res.Status != engine.ReconcileCompleted || res.Pending != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	env.rateWeek(t, "s1", "2025-01-20", 1, 2)

	// Nothing ran on 2025-01-27; the next run starts from the oldest open week.
	res := env.reconcile(t, local("2025-02-03", 0, 1))
	if !res.Week.Equal(weeks.MustParseDate("2025-01-20")) || res.Pending != 1 || res.BacklogAdded != 1 {
		t.Fatalf("unexpected first catch-up %+v", res)
	}
	res = env.reconcile(t, local("2025-02-03", 0, 2))
	if !res.Week.Equal(weeks.MustParseDate("2025-01-27")) || res.Pending != 0 || res.Status != engine.ReconcileCompleted {
		t.Fatalf("unexpected second catch-up %+v", res)
	}
	if res := env.reconcile(t, local("2025-02-03", 0, 3)); res.Status != engine.ReconcileSkipped {
		t.Fatalf("expected skipped once caught up, got %+v", res)
	}
	items := env.openBacklog(t, "s1")
	if len(items) != 1 || items[0].ActionID != 6 {
		t.Fatalf("unexpected backlog %+v", items)
	}
}
