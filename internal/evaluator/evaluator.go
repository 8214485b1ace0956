package evaluator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/phase"
	"stageline/internal/repo"
)

// BatchError records one isolated per-project failure.
type BatchError struct {
	ProjectID string    `json:"project_id"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// BatchResult aggregates one full pass over the eligible project set.
type BatchResult struct {
	Total      int          `json:"total"`
	Evaluated  int          `json:"evaluated"`
	Succeeded  int          `json:"succeeded"`
	Scheduled  int          `json:"scheduled"`
	Failed     int          `json:"failed"`
	Errors     []BatchError `json:"errors,omitempty"`
	DryRun     bool         `json:"dry_run"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Evaluator drives the engine over every eligible project. One project's
// failure never stops the rest of the batch.
type Evaluator struct {
	Engine *phase.Engine
	Repo   repo.Repo
	Log    *zap.Logger
	Now    func() time.Time
}

func New(engine *phase.Engine, r repo.Repo, log *zap.Logger) *Evaluator {
	return &Evaluator{Engine: engine, Repo: r, Log: log, Now: time.Now}
}

func (ev *Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

// EvaluateAll runs one batch. In dry-run mode intended executions are logged
// but not performed. Cancellation is honored between projects.
func (ev *Evaluator) EvaluateAll(ctx context.Context, dryRun bool) (BatchResult, error) {
	res := BatchResult{DryRun: dryRun, StartedAt: ev.now()}
	projects, err := ev.Repo.ListAutoTransitionProjects(ctx)
	if err != nil {
		return res, err
	}
	res.Total = len(projects)
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			res.FinishedAt = ev.now()
			return res, err
		}
		ev.evaluateOne(ctx, p, dryRun, &res)
	}
	res.FinishedAt = ev.now()
	ev.Log.Info("evaluation batch finished",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("scheduled", res.Scheduled),
		zap.Int("failed", res.Failed),
		zap.Bool("dry_run", dryRun))
	return res, nil
}

func (ev *Evaluator) evaluateOne(ctx context.Context, p domain.Project, dryRun bool, res *BatchResult) {
	result, err := ev.Engine.Evaluate(ctx, p.ID)
	res.Evaluated++
	if err != nil {
		ev.fail(res, p.ID, err)
		return
	}
	switch {
	case result.CanTransition:
		if dryRun {
			ev.Log.Info("dry run: would execute transition",
				zap.String("project_id", p.ID),
				zap.String("from", string(result.CurrentPhase)),
				zap.String("to", string(result.TargetPhase)))
			res.Succeeded++
			return
		}
		if err := ev.Engine.Execute(ctx, p.ID, result.TargetPhase, domain.TriggerAutomatic, "", ""); err != nil {
			ev.fail(res, p.ID, err)
			return
		}
		res.Succeeded++
	case result.ScheduledAt != nil:
		res.Scheduled++
	default:
		// blocked on criteria; nothing to do this tick
	}
}

func (ev *Evaluator) fail(res *BatchResult, projectID string, err error) {
	res.Failed++
	res.Errors = append(res.Errors, BatchError{ProjectID: projectID, Message: err.Error(), At: ev.now()})
	ev.Log.Error("project evaluation failed", zap.String("project_id", projectID), zap.Error(err))
}

// EvaluateProject is the single-project variant of the batch path.
func (ev *Evaluator) EvaluateProject(ctx context.Context, projectID string) (phase.TransitionResult, error) {
	return ev.Engine.Evaluate(ctx, projectID)
}

// ScheduledTransitions reports transitions scheduled within the next
// hoursAhead hours, derived on demand and never stored.
func (ev *Evaluator) ScheduledTransitions(ctx context.Context, hoursAhead int) ([]domain.ScheduledTransition, error) {
	projects, err := ev.Repo.ListAutoTransitionProjects(ctx)
	if err != nil {
		return nil, err
	}
	horizon := ev.now().Add(time.Duration(hoursAhead) * time.Hour)
	var out []domain.ScheduledTransition
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		result, err := ev.Engine.Evaluate(ctx, p.ID)
		if err != nil {
			ev.Log.Warn("skipping project in look-ahead", zap.String("project_id", p.ID), zap.Error(err))
			continue
		}
		if result.ScheduledAt == nil || result.ScheduledAt.After(horizon) {
			continue
		}
		out = append(out, domain.ScheduledTransition{
			ProjectID:    p.ID,
			ProjectName:  p.Name,
			CurrentPhase: result.CurrentPhase,
			TargetPhase:  result.TargetPhase,
			ScheduledAt:  result.ScheduledAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}
