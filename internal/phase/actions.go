package phase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
)

// ActionItems builds a phase-appropriate operator checklist from static
// guidance plus live counts. A failed read degrades to the conservative
// "nothing assigned yet" default instead of failing the call.
func (e *Engine) ActionItems(ctx context.Context, projectID string, override domain.Phase) ([]domain.ActionItem, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	phase := p.Phase
	if override != "" {
		if !override.Valid() {
			return nil, fmt.Errorf("unknown phase %q", override)
		}
		phase = override
	}
	switch phase {
	case domain.PhasePrep:
		return e.prepItems(ctx, p), nil
	case domain.PhaseStaffing:
		return e.staffingItems(ctx, p), nil
	case domain.PhasePreShow:
		return e.preShowItems(ctx, p), nil
	case domain.PhaseActive:
		return []domain.ActionItem{
			{Title: "Monitor daily timecard submissions"},
			{Title: "Keep escort assignments current"},
			{Title: "Confirm show end date", Done: p.ShowEnd != nil},
		}, nil
	case domain.PhasePostShow:
		return e.postShowItems(ctx, p), nil
	case domain.PhaseComplete:
		return []domain.ActionItem{
			{Title: "Confirm final payroll run"},
			{Title: "Project archives automatically next archive window", Detail: "no action required"},
		}, nil
	case domain.PhaseArchived:
		return []domain.ActionItem{}, nil
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
}

func (e *Engine) prepItems(ctx context.Context, p domain.Project) []domain.ActionItem {
	roles := e.countOrZero(ctx, p.ID, func(ctx context.Context, id string) (int, error) {
		list, err := e.Repo.ListRoleTemplates(ctx, id)
		return len(list), err
	})
	locations := e.countOrZero(ctx, p.ID, func(ctx context.Context, id string) (int, error) {
		list, err := e.Repo.ListLocations(ctx, id)
		return len(list), err
	})
	return []domain.ActionItem{
		{Title: "Set rehearsal and show dates", Done: p.RehearsalStart != nil && p.ShowEnd != nil},
		{Title: "Set project timezone", Done: p.Timezone != nil && *p.Timezone != ""},
		{Title: "Define role templates", Detail: fmt.Sprintf("%d defined", roles), Done: roles > 0},
		{Title: "Define locations", Detail: fmt.Sprintf("%d defined", locations), Done: locations > 0},
	}
}

func (e *Engine) staffingItems(ctx context.Context, p domain.Project) []domain.ActionItem {
	staff := e.countOrZero(ctx, p.ID, func(ctx context.Context, id string) (int, error) {
		list, err := e.Repo.ListTeamAssignments(ctx, id)
		return len(list), err
	})
	talent := e.countOrZero(ctx, p.ID, func(ctx context.Context, id string) (int, error) {
		list, err := e.Repo.ListTalent(ctx, id)
		return len(list), err
	})
	return []domain.ActionItem{
		{Title: "Assign team members", Detail: fmt.Sprintf("%d assigned", staff), Done: staff > 0},
		{Title: "Build talent roster", Detail: fmt.Sprintf("%d on roster", talent), Done: talent > 0},
		{Title: "Fill supervisor and coordinator roles"},
	}
}

// preShowItems is the readiness report: the full checklist with escort
// coverage, rendered as operator guidance. Activation itself is time-gated
// and does not wait on any of these.
func (e *Engine) preShowItems(ctx context.Context, p domain.Project) []domain.ActionItem {
	cfg, err := e.Config.Resolve(ctx, p)
	if err != nil {
		e.Log.Warn("action items: configuration unavailable", zap.String("project_id", p.ID), zap.Error(err))
		cfg = Configuration{Timezone: "UTC"}
	}
	settings := &config.Settings{Checklist: cfg.Checklist}
	check, err := e.Criteria.PreShowReadiness(ctx, p, settings, e.TZ.Now(cfg.Timezone))
	if err != nil {
		e.Log.Warn("action items: readiness unavailable", zap.String("project_id", p.ID), zap.Error(err))
		return []domain.ActionItem{
			{Title: "Finalize setup checklist"},
			{Title: "Confirm rehearsal start date", Done: p.RehearsalStart != nil},
		}
	}
	items := make([]domain.ActionItem, 0, len(check.CompletedItems)+len(check.PendingItems))
	for _, it := range check.CompletedItems {
		items = append(items, domain.ActionItem{Title: it, Done: true})
	}
	for _, it := range check.PendingItems {
		items = append(items, domain.ActionItem{Title: it})
	}
	return items
}

func (e *Engine) postShowItems(ctx context.Context, p domain.Project) []domain.ActionItem {
	counts, err := e.Repo.CountTimecardsByStatus(ctx, p.ID)
	if err != nil {
		e.Log.Warn("action items: timecard counts unavailable", zap.String("project_id", p.ID), zap.Error(err))
		counts = map[string]int{}
	}
	open := 0
	for status, n := range counts {
		if !domain.TimecardComplete(status) {
			open += n
		}
	}
	return []domain.ActionItem{
		{Title: "Approve outstanding timecards", Detail: fmt.Sprintf("%d open", open), Done: open == 0 && len(counts) > 0},
		{Title: "Correct rejected timecards", Detail: fmt.Sprintf("%d rejected", counts[domain.TimecardRejected]), Done: counts[domain.TimecardRejected] == 0},
	}
}

func (e *Engine) countOrZero(ctx context.Context, projectID string, fetch func(context.Context, string) (int, error)) int {
	n, err := fetch(ctx, projectID)
	if err != nil {
		e.Log.Warn("action items: count unavailable, assuming none", zap.String("project_id", projectID), zap.Error(err))
		return 0
	}
	return n
}
