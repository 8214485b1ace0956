package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/audit"
	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/tz"
)

// ErrTransitionNotAllowed is returned when an execution request disagrees
// with a fresh evaluation. The wrapping NotAllowedError carries the blockers.
var ErrTransitionNotAllowed = errors.New("transition not allowed")

type NotAllowedError struct {
	ProjectID string
	Target    domain.Phase
	Blockers  []string
}

func (e NotAllowedError) Error() string {
	return fmt.Sprintf("transition of %s to %s not allowed: %s", e.ProjectID, e.Target, strings.Join(e.Blockers, "; "))
}

func (e NotAllowedError) Unwrap() error { return ErrTransitionNotAllowed }

// TransitionResult is constructed fresh on every evaluation and never
// persisted as-is; only executed attempts reach the audit trail.
type TransitionResult struct {
	ProjectID     string       `json:"project_id"`
	CurrentPhase  domain.Phase `json:"current_phase"`
	CanTransition bool         `json:"can_transition"`
	TargetPhase   domain.Phase `json:"target_phase,omitempty"`
	Blockers      []string     `json:"blockers,omitempty"`
	ScheduledAt   *time.Time   `json:"scheduled_at,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// Engine is the state machine: it reports the current phase, evaluates
// whether/when/to-what a project may transition, and executes approved
// transitions with an audit record.
type Engine struct {
	Repo     repo.Repo
	Audit    audit.Writer
	TZ       tz.Resolver
	Criteria criteria.Validator
	Config   ConfigResolver
	Log      *zap.Logger
	Now      func() time.Time
}

func New(r repo.Repo, log *zap.Logger) *Engine {
	resolver := tz.Resolver{Log: log}
	return &Engine{
		Repo:     r,
		Audit:    audit.Writer{Repo: r, Log: log},
		TZ:       resolver,
		Criteria: criteria.Validator{Repo: r, Log: log},
		Config:   ConfigResolver{Repo: r, TZ: resolver},
		Log:      log,
		Now:      time.Now,
	}
}

// SetClock pins the engine and its timezone resolver to a fixed clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.TZ.NowFn = now
	e.Config.TZ.NowFn = now
	e.Audit.Now = now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CurrentPhase reads the stored phase for a project.
func (e *Engine) CurrentPhase(ctx context.Context, projectID string) (domain.Phase, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return p.Phase, nil
}

// Evaluate dispatches to the evaluator for the project's current phase.
// ARCHIVED is terminal and always refuses.
func (e *Engine) Evaluate(ctx context.Context, projectID string) (TransitionResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return TransitionResult{}, err
	}
	cfg, err := e.Config.Resolve(ctx, p)
	if err != nil {
		return TransitionResult{}, err
	}
	return e.evaluate(ctx, p, cfg)
}

func (e *Engine) evaluate(ctx context.Context, p domain.Project, cfg Configuration) (TransitionResult, error) {
	res := TransitionResult{ProjectID: p.ID, CurrentPhase: p.Phase}
	switch p.Phase {
	case domain.PhasePrep:
		return e.evalPrep(ctx, p, res)
	case domain.PhaseStaffing:
		return e.evalStaffing(ctx, p, res)
	case domain.PhasePreShow:
		return e.evalPreShow(p, cfg, res)
	case domain.PhaseActive:
		return e.evalActive(p, cfg, res)
	case domain.PhasePostShow:
		return e.evalPostShow(ctx, p, res)
	case domain.PhaseComplete:
		return e.evalComplete(p, cfg, res)
	case domain.PhaseArchived:
		res.CanTransition = false
		res.Blockers = []string{"project is already archived"}
		res.Reason = "archived is terminal"
		return res, nil
	default:
		return res, fmt.Errorf("project %s in unknown phase %q", p.ID, p.Phase)
	}
}

// evalPrep: criteria-gated on preparation completeness.
func (e *Engine) evalPrep(ctx context.Context, p domain.Project, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhaseStaffing
	check, err := e.Criteria.PrepCompletion(ctx, p)
	if err != nil {
		return res, err
	}
	return fromCriteria(res, check, "preparation"), nil
}

// evalStaffing: criteria-gated on team and talent roster.
func (e *Engine) evalStaffing(ctx context.Context, p domain.Project, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhasePreShow
	check, err := e.Criteria.StaffingCompletion(ctx, p.ID)
	if err != nil {
		return res, err
	}
	return fromCriteria(res, check, "staffing"), nil
}

// evalPreShow: time-gated on midnight of the rehearsal start date in the
// project timezone. Activation is unconditional once that instant passes;
// readiness reporting lives on the action-item surface and never blocks it.
func (e *Engine) evalPreShow(p domain.Project, cfg Configuration, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhaseActive
	if p.RehearsalStart == nil {
		res.Blockers = []string{"rehearsal start date not set"}
		res.Reason = "cannot schedule activation without a rehearsal start date"
		return res, nil
	}
	instant, err := e.TZ.ComputeInstant(*p.RehearsalStart, "00:00", cfg.Timezone)
	if err != nil {
		return res, err
	}
	return e.timeGate(res, instant, "rehearsal begins"), nil
}

// evalActive: time-gated on the configured post-show hour, the day after the
// show end date.
func (e *Engine) evalActive(p domain.Project, cfg Configuration, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhasePostShow
	if p.ShowEnd == nil {
		res.Blockers = []string{"show end date not set"}
		res.Reason = "cannot schedule wrap without a show end date"
		return res, nil
	}
	end, err := e.TZ.ComputeInstant(*p.ShowEnd, "00:00", cfg.Timezone)
	if err != nil {
		return res, err
	}
	dayAfter := end.AddDate(0, 0, 1)
	instant := e.TZ.InstantOn(dayAfter.Year(), dayAfter.Month(), dayAfter.Day(), cfg.PostShowHour, cfg.Timezone)
	return e.timeGate(res, instant, "show wrap completes"), nil
}

// evalPostShow: criteria-gated on timecard completion.
func (e *Engine) evalPostShow(ctx context.Context, p domain.Project, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhaseComplete
	check, err := e.Criteria.TimecardCompletion(ctx, p.ID)
	if err != nil {
		return res, err
	}
	return fromCriteria(res, check, "timecard approval"), nil
}

// evalComplete: year-gated, then time-gated on the archive month/day of the
// current year. Projects created this calendar year are never archivable.
func (e *Engine) evalComplete(p domain.Project, cfg Configuration, res TransitionResult) (TransitionResult, error) {
	res.TargetPhase = domain.PhaseArchived
	now := e.TZ.Now(cfg.Timezone)
	created, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return res, fmt.Errorf("project %s created_at: %w", p.ID, err)
	}
	if created.In(now.Location()).Year() >= now.Year() {
		res.Blockers = []string{"project must be from a previous year to archive"}
		res.Reason = "archiving only applies to prior-year productions"
		return res, nil
	}
	instant := e.TZ.InstantOn(now.Year(), time.Month(cfg.ArchiveMonth), cfg.ArchiveDay, 0, cfg.Timezone)
	return e.timeGate(res, instant, "archive window opens"), nil
}

func (e *Engine) timeGate(res TransitionResult, instant time.Time, what string) TransitionResult {
	if e.TZ.IsDue(instant) {
		res.CanTransition = true
		res.Reason = fmt.Sprintf("%s at %s; due", what, instant.Format(time.RFC3339))
		return res
	}
	scheduled := instant
	res.ScheduledAt = &scheduled
	res.Blockers = []string{fmt.Sprintf("scheduled: %s at %s", what, instant.Format(time.RFC3339))}
	res.Reason = "waiting for scheduled instant"
	return res
}

func fromCriteria(res TransitionResult, check criteria.ValidationResult, what string) TransitionResult {
	if check.IsComplete {
		res.CanTransition = true
		res.Reason = what + " complete"
		return res
	}
	res.Blockers = check.Blockers
	if len(res.Blockers) == 0 {
		res.Blockers = check.PendingItems
	}
	res.Reason = what + " incomplete"
	return res
}

// Execute re-evaluates and, if the fresh result approves the requested
// target, writes the phase change and an audit record. The audit write is
// best-effort: its failure is logged, never rolled into the transition.
func (e *Engine) Execute(ctx context.Context, projectID string, target domain.Phase, trigger, actorID, reason string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	cfg, err := e.Config.Resolve(ctx, p)
	if err != nil {
		return err
	}
	res, err := e.evaluate(ctx, p, cfg)
	if err != nil {
		return err
	}
	if reason != "" {
		res.Reason = reason
	}
	if !res.CanTransition || res.TargetPhase != target {
		notAllowed := NotAllowedError{ProjectID: projectID, Target: target, Blockers: res.Blockers}
		e.recordAttempt(ctx, p, target, trigger, actorID, res, false, notAllowed.Error())
		return notAllowed
	}
	changedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProjectPhase(ctx, projectID, p.Phase, target, changedAt); err != nil {
		if errors.Is(err, repo.ErrPhaseConflict) {
			notAllowed := NotAllowedError{ProjectID: projectID, Target: target, Blockers: []string{err.Error()}}
			e.recordAttempt(ctx, p, target, trigger, actorID, res, false, notAllowed.Error())
			return notAllowed
		}
		return err
	}
	e.Log.Info("phase transition executed",
		zap.String("project_id", projectID),
		zap.String("from", string(p.Phase)),
		zap.String("to", string(target)),
		zap.String("trigger", trigger))
	e.recordAttempt(ctx, p, target, trigger, actorID, res, true, "")
	return nil
}

func (e *Engine) recordAttempt(ctx context.Context, p domain.Project, target domain.Phase, trigger, actorID string, res TransitionResult, success bool, errText string) {
	snapshot, _ := json.Marshal(res)
	rec := domain.TransitionAuditRecord{
		ProjectID: p.ID,
		FromPhase: p.Phase,
		ToPhase:   target,
		Trigger:   trigger,
		ActorID:   actorID,
		Success:   success,
		Snapshot:  string(snapshot),
	}
	if errText != "" {
		rec.Error = &errText
	}
	if res.ScheduledAt != nil {
		s := res.ScheduledAt.UTC().Format(time.RFC3339)
		rec.ScheduledAt = &s
	}
	e.Audit.BestEffort(ctx, rec)
}
