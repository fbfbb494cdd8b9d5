package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/weeks"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func renderOrgs(orgs []domain.Org) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Created"})
	for _, o := range orgs {
		tw.AppendRow(table.Row{o.ID, o.Name, o.CreatedAt})
	}
	tw.Render()
}

func renderSites(sites []domain.Site) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Time zone", "Program start", "Cycle"})
	for _, s := range sites {
		tw.AppendRow(table.Row{s.ID, s.Name, s.TimeZone, s.ProgramStartDate, s.CycleLength})
	}
	tw.Render()
}

func renderActions(actions []domain.Action) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Competency", "Role", "Active", "Statement"})
	for _, a := range actions {
		role := "all"
		if a.RoleID != nil {
			role = fmt.Sprint(*a.RoleID)
		}
		tw.AppendRow(table.Row{a.ID, a.CompetencyID, role, a.Active, a.Statement})
	}
	tw.Render()
}

func renderAnchor(site domain.Site, a weeks.Anchor) {
	loc, err := time.LoadLocation(site.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	stamp := func(t time.Time) string { return t.In(loc).Format("Mon 2006-01-02 15:04") }
	tw := newTable()
	tw.SetTitle("%s (%s)", site.ID, site.TimeZone)
	tw.AppendRows([]table.Row{
		{"Week start", a.WeekStart},
		{"Cycle / week", fmt.Sprintf("%d / %d", a.Cycle, a.WeekInCycle)},
		{"Check-in opens", stamp(a.CheckInOpen)},
		{"Confidence due", stamp(a.ConfidenceDeadline)},
		{"Performance opens", stamp(a.PerformanceOpen)},
		{"Performance due", stamp(a.PerformanceDeadline)},
		{"Rollover", stamp(a.Rollover)},
	})
	tw.Render()
}

func renderPlanView(v engine.PlanView) {
	tw := newTable()
	tw.SetTitle("org %s role %d, pipeline %s", v.OrgID, v.RoleID, v.State.State)
	tw.AppendHeader(table.Row{"Window", "Week", "Slot", "Action", "Status", "By", "Overridden"})
	for _, w := range v.Weeks {
		if len(w.Rows) == 0 {
			tw.AppendRow(table.Row{w.Label, w.Week, "-", "", "", "", ""})
			continue
		}
		for _, r := range w.Rows {
			tw.AppendRow(table.Row{w.Label, w.Week, r.DisplayOrder, slotLabel(r.ActionID, r.SelfSelect), r.Status, r.GeneratedBy, r.Overridden})
		}
		tw.AppendSeparator()
	}
	tw.Render()
}

func renderPlanRows(rows []domain.PlanRow) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Week", "Slot", "Action", "Status", "By", "Overridden"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.WeekStart, r.DisplayOrder, slotLabel(r.ActionID, r.SelfSelect), r.Status, r.GeneratedBy, r.Overridden})
	}
	tw.Render()
}

func slotLabel(actionID *int64, selfSelect bool) string {
	if selfSelect || actionID == nil {
		return "self-select"
	}
	return fmt.Sprint(*actionID)
}

func renderRollover(res engine.RolloverResult) {
	fmt.Printf("org %s: %s (as of %s", res.OrgID, res.Status, res.AsOf.Format(time.RFC3339))
	if res.DryRun {
		fmt.Print(", dry run")
	}
	fmt.Println(")")
	if len(res.Ticks) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Role", "Week", "State", "Outcome", "Run"})
		for _, t := range res.Ticks {
			tw.AppendRow(table.Row{t.RoleID, t.CurrentWeek, t.StateBefore + " -> " + t.StateAfter, t.Outcome, t.RunID})
		}
		tw.Render()
	}
	renderReconciles(res.Reconciles)
}

func renderReconciles(rs []engine.ReconcileResult) {
	if len(rs) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Site", "Week", "Cycle", "Status", "Staff", "Failed", "Backlog", "Resets", "Run"})
	for _, r := range rs {
		tw.AppendRow(table.Row{r.SiteID, r.Week, fmt.Sprintf("%d/%d", r.Cycle, r.WeekInCycle), r.Status, r.StaffTotal, r.StaffFailed, r.BacklogAdded, r.ConfidenceResets, r.RunID})
	}
	tw.Render()
}

func renderRuns(runs []domain.RunEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Scope", "Week", "Trigger", "Outcome", "Started"})
	for _, r := range runs {
		scope := ""
		switch {
		case r.RoleID != nil:
			scope = fmt.Sprintf("role %d", *r.RoleID)
		case r.SiteID != nil:
			scope = "site " + *r.SiteID
		}
		outcome := r.Outcome
		if r.DryRun {
			outcome += " (dry run)"
		}
		tw.AppendRow(table.Row{r.ID, r.Kind, scope, r.TargetWeek, r.Trigger, outcome, r.StartedAt})
	}
	tw.Render()
}

func renderBacklog(items []domain.BacklogItem) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Action", "Source week", "Cycle/week", "Resolved"})
	for _, b := range items {
		resolved := ""
		if b.ResolvedAt != nil {
			resolved = *b.ResolvedAt
			if b.ClearedBy != nil {
				resolved += " by " + *b.ClearedBy
			}
		}
		tw.AppendRow(table.Row{b.ID, b.ActionID, b.SourceWeekStart, fmt.Sprintf("%d/%d", b.SourceCycle, b.SourceWeekInCycle), strings.TrimSpace(resolved)})
	}
	tw.Render()
}
