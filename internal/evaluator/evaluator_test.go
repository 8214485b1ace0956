package evaluator_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/evaluator"
	"stageline/internal/migrate"
	"stageline/internal/phase"
	"stageline/internal/repo"
)

type batchEnv struct {
	Repo      repo.Repo
	Evaluator *evaluator.Evaluator
	Ctx       context.Context
}

func newBatchEnv(t *testing.T) batchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	log := zap.NewNop()
	eng := phase.New(r, log)
	clock := func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	eng.SetClock(clock)
	ev := evaluator.New(eng, r, log)
	ev.Now = clock
	return batchEnv{Repo: r, Evaluator: ev, Ctx: context.Background()}
}

func (env batchEnv) seed(t *testing.T, p domain.Project) domain.Project {
	t.Helper()
	if p.CreatedAt == "" {
		p.CreatedAt = "2024-06-01T00:00:00Z"
	}
	if p.PhaseChangedAt == "" {
		p.PhaseChangedAt = p.CreatedAt
	}
	p.OrgID = "org-1"
	p.AutoTransitions = true
	if err := env.Repo.EnsureOrg(env.Ctx, p.OrgID, "Test Org", "", p.CreatedAt); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertProject(env.Ctx, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBatchIsolatesFailures(t *testing.T) {
	env := newBatchEnv(t)
	// unparseable creation timestamp makes the archive evaluation fail
	bad := env.seed(t, domain.Project{ID: "bad", Name: "Broken", Phase: domain.PhaseComplete, CreatedAt: "not-a-date"})
	good := env.seed(t, domain.Project{ID: "good", Name: "Fine", Phase: domain.PhaseComplete})

	res, err := env.Evaluator.EvaluateAll(env.Ctx, false)
	if err != nil {
		t.Fatalf("batch must survive per-project failures: %v", err)
	}
	if res.Total != 2 || res.Evaluated != 2 {
		t.Fatalf("expected both projects evaluated, got %+v", res)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].ProjectID != bad.ID {
		t.Fatalf("expected isolated error for %s, got %+v", bad.ID, res.Errors)
	}

	p, err := env.Repo.GetProject(env.Ctx, good.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseArchived {
		t.Fatalf("good project should have archived, got %s", p.Phase)
	}
}

func TestDryRunDoesNotExecute(t *testing.T) {
	env := newBatchEnv(t)
	p := env.seed(t, domain.Project{ID: "good", Name: "Fine", Phase: domain.PhaseComplete})

	res, err := env.Evaluator.EvaluateAll(env.Ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || res.Succeeded != 1 {
		t.Fatalf("expected dry-run success count, got %+v", res)
	}
	got, err := env.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != domain.PhaseComplete {
		t.Fatalf("dry run must not change the phase, got %s", got.Phase)
	}
	records, err := env.Repo.ListAuditRecords(env.Ctx, repo.AuditFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("dry run must not reach the audit trail, got %d records", len(records))
	}
}

func TestScheduledCountingAndLookAhead(t *testing.T) {
	env := newBatchEnv(t)
	tzID := "UTC"
	rehearsal := "2025-05-03"
	p := env.seed(t, domain.Project{
		ID: "pending", Name: "Waiting", Phase: domain.PhasePreShow,
		Timezone: &tzID, RehearsalStart: &rehearsal,
	})
	// blocked on criteria only; neither succeeded nor scheduled
	env.seed(t, domain.Project{ID: "stuck", Name: "Stuck", Phase: domain.PhasePrep})

	res, err := env.Evaluator.EvaluateAll(env.Ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scheduled != 1 || res.Succeeded != 0 || res.Failed != 0 {
		t.Fatalf("expected exactly one scheduled project, got %+v", res)
	}

	// rehearsal midnight is ~36h out from the pinned clock
	within, err := env.Evaluator.ScheduledTransitions(env.Ctx, 48)
	if err != nil {
		t.Fatal(err)
	}
	if len(within) != 1 || within[0].ProjectID != p.ID || within[0].TargetPhase != domain.PhaseActive {
		t.Fatalf("expected one upcoming transition, got %+v", within)
	}
	beyond, err := env.Evaluator.ScheduledTransitions(env.Ctx, 12)
	if err != nil {
		t.Fatal(err)
	}
	if len(beyond) != 0 {
		t.Fatalf("12h horizon must exclude it, got %+v", beyond)
	}
}
