package engine_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"weekline/internal/config"
	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/repo"
)

func (env *testEnv) runs(t *testing.T, kind string) []domain.RunEntry {
	t.Helper()
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilter{OrgID: orgID, Kind: kind})
	if err != nil {
		t.Fatal(err)
	}
	return runs
}

func TestRolloverDisabledIsNoop(t *testing.T) {
	env := newTestEnvWith(t, func(c *config.Config) { c.Rollover.Enabled = false })
	env.at(local("2025-01-14", 10, 0))
	res, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.RolloverDisabled || len(res.Ticks) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rows := env.plans(t); len(rows) != 0 {
		t.Fatalf("disabled rollover wrote %d plan rows", len(rows))
	}
	if runs := env.runs(t, ""); len(runs) != 0 {
		t.Fatalf("disabled rollover wrote %d ledger entries", len(runs))
	}
}

func TestRolloverTicksEveryRoleAndReconcilesSites(t *testing.T) {
	env := newTestEnv(t)
	env.at(local("2025-01-14", 10, 0))
	res, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.RolloverOK {
		t.Fatalf("status %s: %+v", res.Status, res)
	}
	if len(res.Ticks) != 2 || res.Ticks[0].RoleID != 1 || res.Ticks[1].RoleID != 2 {
		t.Fatalf("unexpected ticks %+v", res.Ticks)
	}
	for _, tick := range res.Ticks {
		if tick.StateAfter != domain.PipelineFirstRunSeeded {
			t.Fatalf("role %d state %s", tick.RoleID, tick.StateAfter)
		}
	}
	if len(res.Reconciles) != 1 || res.Reconciles[0].Status != engine.ReconcileCompleted {
		t.Fatalf("unexpected reconciles %+v", res.Reconciles)
	}
	if got := len(env.runs(t, domain.RunKindPipeline)); got != 2 {
		t.Fatalf("expected one pipeline entry per role, got %d", got)
	}
	if got := len(env.runs(t, domain.RunKindReconcile)); got != 1 {
		t.Fatalf("expected one reconcile entry, got %d", got)
	}
	if got := len(env.plans(t)); got != 12 {
		t.Fatalf("expected 2 roles x 2 weeks x 3 slots, got %d rows", got)
	}
}

func TestRolloverRepeatsWithoutChanges(t *testing.T) {
	env := newTestEnv(t)
	env.at(local("2025-01-21", 0, 5))
	if _, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron}); err != nil {
		t.Fatal(err)
	}
	before := env.plans(t)

	env.at(local("2025-01-21", 7, 0))
	res, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.RolloverOK || res.Reconciles[0].Status != engine.ReconcileSkipped {
		t.Fatalf("unexpected second run %+v", res)
	}
	if diff := cmp.Diff(before, env.plans(t)); diff != "" {
		t.Fatalf("second rollover changed plans (-before +after):\n%s", diff)
	}
	if got := len(env.runs(t, domain.RunKindReconcile)); got != 1 {
		t.Fatalf("cron retry of a reconciled week should not add ledger entries, got %d", got)
	}
}

func TestRolloverCatchesUpMissedWeeks(t *testing.T) {
	env := newTestEnv(t)
	env.at(local("2025-01-14", 10, 0))
	if _, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron}); err != nil {
		t.Fatal(err)
	}

	env.at(local("2025-02-03", 0, 5))
	res, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Trigger: domain.TriggerCron})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, rec := range res.Reconciles {
		if rec.Status != engine.ReconcileCompleted {
			t.Fatalf("unexpected reconcile %+v", rec)
		}
		got = append(got, rec.Week.String())
	}
	want := []string{"2025-01-13", "2025-01-20", "2025-01-27"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reconciled weeks (-want +got):\n%s", diff)
	}
	if n := len(env.runs(t, domain.RunKindReconcile)); n != 4 {
		t.Fatalf("expected one reconcile entry per week, got %d", n)
	}
}

func TestRolloverDryRunOnlyRecordsLedger(t *testing.T) {
	env := newTestEnv(t)
	env.at(local("2025-01-14", 10, 0))
	res, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: orgID, Roles: []int64{1}, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || len(res.Ticks) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rows := env.plans(t); len(rows) != 0 {
		t.Fatalf("dry run wrote %d plan rows", len(rows))
	}
	runs := env.runs(t, domain.RunKindPipeline)
	if len(runs) != 1 || !runs[0].DryRun || runs[0].Trigger != domain.TriggerManual {
		t.Fatalf("unexpected ledger %+v", runs)
	}
}

func TestRolloverUnknownOrg(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunRollover(env.Ctx, engine.RolloverOptions{OrgID: "ghost"}); err == nil {
		t.Fatal("expected error for unknown org")
	}
}
