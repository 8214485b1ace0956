package phase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/phase"
	"stageline/internal/repo"
)

type testEnv struct {
	Repo   repo.Repo
	Engine *phase.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	eng := phase.New(r, zap.NewNop())
	eng.SetClock(func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) })
	return testEnv{Repo: r, Engine: eng, Ctx: context.Background()}
}

func strPtr(s string) *string { return &s }

func (env testEnv) seedProject(t *testing.T, p domain.Project) domain.Project {
	t.Helper()
	if p.ID == "" {
		p.ID = "prod-1"
	}
	if p.OrgID == "" {
		p.OrgID = "org-1"
	}
	if p.Name == "" {
		p.Name = "Spring Gala"
	}
	if p.Phase == "" {
		p.Phase = domain.PhasePrep
	}
	if p.CreatedAt == "" {
		p.CreatedAt = "2025-01-01T00:00:00Z"
	}
	if p.PhaseChangedAt == "" {
		p.PhaseChangedAt = p.CreatedAt
	}
	if err := env.Repo.EnsureOrg(env.Ctx, p.OrgID, "Test Org", "", p.CreatedAt); err != nil {
		t.Fatalf("ensure org: %v", err)
	}
	if err := env.Repo.InsertProject(env.Ctx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return p
}

func TestPrepBlockedThenAdvances(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{AutoTransitions: true})

	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.CanTransition {
		t.Fatalf("expected blocked prep, got %+v", res)
	}
	if res.TargetPhase != domain.PhaseStaffing {
		t.Fatalf("expected target staffing, got %s", res.TargetPhase)
	}
	if len(res.Blockers) == 0 {
		t.Fatalf("expected blockers")
	}

	// fill in everything preparation requires
	desc := "Annual spring gala"
	tzID := "America/New_York"
	rehearsal := "2025-06-10"
	showEnd := "2025-06-20"
	err = env.Repo.UpdateProject(env.Ctx, p.ID, repo.ProjectUpdate{
		Description:    &desc,
		Timezone:       &tzID,
		RehearsalStart: &rehearsal,
		ShowEnd:        &showEnd,
	})
	if err != nil {
		t.Fatalf("update project: %v", err)
	}
	if err := env.Repo.InsertLocation(env.Ctx, domain.Location{ID: "loc-1", ProjectID: p.ID, Name: "Main Hall"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertRoleTemplate(env.Ctx, domain.RoleTemplate{ID: "role-1", ProjectID: p.ID, Name: "supervisor"}); err != nil {
		t.Fatal(err)
	}

	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.CanTransition {
		t.Fatalf("expected prep complete, blockers: %v", res.Blockers)
	}
	if err := env.Engine.Execute(env.Ctx, p.ID, domain.PhaseStaffing, domain.TriggerManual, "tester", ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := env.Engine.CurrentPhase(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != domain.PhaseStaffing {
		t.Fatalf("expected staffing, got %s", got)
	}
}

func TestExecuteWrongTargetRefusedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{})

	err := env.Engine.Execute(env.Ctx, p.ID, domain.PhaseActive, domain.TriggerManual, "tester", "")
	if err == nil {
		t.Fatalf("expected refusal")
	}
	var na phase.NotAllowedError
	if !errors.As(err, &na) {
		t.Fatalf("expected NotAllowedError, got %v", err)
	}
	if !errors.Is(err, phase.ErrTransitionNotAllowed) {
		t.Fatalf("expected ErrTransitionNotAllowed sentinel")
	}
	got, _ := env.Engine.CurrentPhase(env.Ctx, p.ID)
	if got != domain.PhasePrep {
		t.Fatalf("phase must not move on refusal, got %s", got)
	}
	records, err := env.Repo.ListAuditRecords(env.Ctx, repo.AuditFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failed audit record, got %+v", records)
	}
}

func TestStaffingRequiresCoreRoles(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{Phase: domain.PhaseStaffing})
	if err := env.Repo.InsertTeamAssignment(env.Ctx, domain.TeamAssignment{ID: "ta-1", ProjectID: p.ID, MemberID: "m1", Role: "supervisor"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertTalent(env.Ctx, domain.TalentEntry{ID: "tal-1", ProjectID: p.ID, Name: "Ada"}); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("coordinator missing, should block")
	}

	if err := env.Repo.InsertTeamAssignment(env.Ctx, domain.TeamAssignment{ID: "ta-2", ProjectID: p.ID, MemberID: "m2", Role: "coordinator"}); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhasePreShow {
		t.Fatalf("expected staffing complete, got %+v", res)
	}
}

func TestPreShowSchedulesActivation(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{
		Phase:          domain.PhasePreShow,
		Timezone:       strPtr("UTC"),
		RehearsalStart: strPtr("2025-06-10"),
		ShowEnd:        strPtr("2025-06-20"),
	})

	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("rehearsal in the future, should not transition yet")
	}
	if res.ScheduledAt == nil {
		t.Fatalf("expected scheduled instant, blockers: %v", res.Blockers)
	}
	want := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	if !res.ScheduledAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, res.ScheduledAt)
	}

	env.Engine.SetClock(func() time.Time { return want.Add(time.Minute) })
	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhaseActive {
		t.Fatalf("expected due transition, got %+v", res)
	}
}

func TestPreShowPastRehearsalActivatesUnconditionally(t *testing.T) {
	env := newTestEnv(t)
	// no settings row, checklist untouched, nothing on the roster: activation
	// depends only on the rehearsal date having passed
	p := env.seedProject(t, domain.Project{
		Phase:          domain.PhasePreShow,
		Timezone:       strPtr("UTC"),
		RehearsalStart: strPtr("2025-04-01"),
	})
	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhaseActive {
		t.Fatalf("past rehearsal date must approve activation, got %+v", res)
	}
	if res.ScheduledAt != nil {
		t.Fatalf("a due transition carries no scheduled instant, got %s", res.ScheduledAt)
	}
	if len(res.Blockers) != 0 {
		t.Fatalf("unexpected blockers: %v", res.Blockers)
	}
	if err := env.Engine.Execute(env.Ctx, p.ID, domain.PhaseActive, domain.TriggerAutomatic, "", ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := env.Engine.CurrentPhase(env.Ctx, p.ID)
	if got != domain.PhaseActive {
		t.Fatalf("expected active, got %s", got)
	}
}

func TestPreShowMissingRehearsalDateBlocks(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{Phase: domain.PhasePreShow, Timezone: strPtr("UTC")})
	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition || res.ScheduledAt != nil {
		t.Fatalf("no rehearsal date, nothing to schedule: %+v", res)
	}
	if len(res.Blockers) == 0 {
		t.Fatalf("expected a blocker naming the missing date")
	}
}

func TestActiveWrapsAfterShowEnd(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{
		Phase:    domain.PhaseActive,
		Timezone: strPtr("UTC"),
		ShowEnd:  strPtr("2025-06-20"),
	})

	// day after show end at the default post-show hour
	due := time.Date(2025, 6, 21, 6, 0, 0, 0, time.UTC)

	env.Engine.SetClock(func() time.Time { return due.Add(-time.Hour) })
	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition || res.ScheduledAt == nil || !res.ScheduledAt.Equal(due) {
		t.Fatalf("expected wrap scheduled at %s, got %+v", due, res)
	}

	env.Engine.SetClock(func() time.Time { return due })
	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhasePostShow {
		t.Fatalf("expected due wrap, got %+v", res)
	}
}

func TestPostShowTimecardGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{Phase: domain.PhasePostShow})

	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("no timecards at all must block")
	}

	if err := env.Repo.InsertTeamAssignment(env.Ctx, domain.TeamAssignment{ID: "ta-1", ProjectID: p.ID, MemberID: "m1", MemberName: "Sam", Role: "supervisor"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertTimecard(env.Ctx, domain.Timecard{ID: "tc-1", ProjectID: p.ID, MemberID: "m1", Status: domain.TimecardRejected}); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("rejected timecard must block")
	}

	if err := env.Repo.UpdateTimecardStatus(env.Ctx, "tc-1", domain.TimecardPaid); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhaseComplete {
		t.Fatalf("expected timecards complete, got %+v", res)
	}
}

func TestArchiveYearGate(t *testing.T) {
	env := newTestEnv(t)
	// created this calendar year: never archivable
	current := env.seedProject(t, domain.Project{ID: "prod-now", Phase: domain.PhaseComplete, CreatedAt: "2025-01-15T00:00:00Z"})
	res, err := env.Engine.Evaluate(env.Ctx, current.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("current-year project must not archive")
	}

	// prior-year project archives once the window opens (clock is May 1)
	old := env.seedProject(t, domain.Project{ID: "prod-old", Phase: domain.PhaseComplete, CreatedAt: "2024-03-01T00:00:00Z"})
	res, err = env.Engine.Evaluate(env.Ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanTransition || res.TargetPhase != domain.PhaseArchived {
		t.Fatalf("expected archive due, got %+v", res)
	}
	if err := env.Engine.Execute(env.Ctx, old.ID, domain.PhaseArchived, domain.TriggerAutomatic, "", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// archived is terminal
	res, err = env.Engine.Evaluate(env.Ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("archived must be terminal")
	}
}

func TestArchiveWaitsForWindow(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.SetClock(func() time.Time { return time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC) })
	p := env.seedProject(t, domain.Project{Phase: domain.PhaseComplete, CreatedAt: "2024-03-01T00:00:00Z"})

	res, err := env.Engine.Evaluate(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CanTransition {
		t.Fatalf("archive window not open yet")
	}
	want := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if res.ScheduledAt == nil || !res.ScheduledAt.Equal(want) {
		t.Fatalf("expected archive scheduled %s, got %+v", want, res.ScheduledAt)
	}
}

func TestActionItemsFollowPhase(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, domain.Project{Phase: domain.PhasePrep})
	items, err := env.Engine.ActionItems(env.Ctx, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) == 0 {
		t.Fatalf("prep should carry action items")
	}
	archivedItems, err := env.Engine.ActionItems(env.Ctx, p.ID, domain.PhaseArchived)
	if err != nil {
		t.Fatal(err)
	}
	if len(archivedItems) != 0 {
		t.Fatalf("archived has nothing left to do")
	}
	if _, err := env.Engine.ActionItems(env.Ctx, p.ID, domain.Phase("bogus")); err == nil {
		t.Fatalf("unknown phase override must fail")
	}
}
