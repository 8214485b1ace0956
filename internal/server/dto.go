package server

import (
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/phase"
)

// Request payloads

type CreateProjectRequest struct {
	ID              *string `json:"id,omitempty"`
	OrgID           string  `json:"org_id"`
	Name            string  `json:"name"`
	Description     *string `json:"description,omitempty"`
	Timezone        *string `json:"timezone,omitempty"`
	RehearsalStart  *string `json:"rehearsal_start,omitempty" format:"date"`
	ShowEnd         *string `json:"show_end,omitempty" format:"date"`
	AutoTransitions *bool   `json:"auto_transitions,omitempty"`
}

type UpdateProjectRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	Timezone        *string `json:"timezone,omitempty"`
	RehearsalStart  *string `json:"rehearsal_start,omitempty" format:"date"`
	ShowEnd         *string `json:"show_end,omitempty" format:"date"`
	AutoTransitions *bool   `json:"auto_transitions,omitempty"`
}

type ExecuteTransitionRequest struct {
	TargetPhase string `json:"target_phase" enum:"prep,staffing,pre_show,active,post_show,complete,archived"`
	ActorID     string `json:"actor_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type SettingsRequest struct {
	Timezone        string            `json:"timezone,omitempty"`
	AutoTransitions *bool             `json:"auto_transitions,omitempty"`
	ArchiveMonth    int               `json:"archive_month,omitempty" minimum:"0" maximum:"12"`
	ArchiveDay      int               `json:"archive_day,omitempty" minimum:"0" maximum:"31"`
	PostShowHour    *int              `json:"post_show_hour,omitempty" minimum:"0" maximum:"23"`
	Checklist       *config.Checklist `json:"checklist,omitempty"`
}

// Response payloads

type TransitionResultResponse struct {
	ProjectID     string   `json:"project_id"`
	CurrentPhase  string   `json:"current_phase"`
	CanTransition bool     `json:"can_transition"`
	TargetPhase   string   `json:"target_phase,omitempty"`
	Blockers      []string `json:"blockers"`
	ScheduledAt   *string  `json:"scheduled_at,omitempty" format:"date-time"`
	Reason        string   `json:"reason,omitempty"`
}

type PhaseResponse struct {
	ProjectID      string `json:"project_id"`
	Phase          string `json:"phase" enum:"prep,staffing,pre_show,active,post_show,complete,archived"`
	PhaseChangedAt string `json:"phase_changed_at" format:"date-time"`
	NextPhase      string `json:"next_phase,omitempty"`
}

type SettingsResponse struct {
	ProjectID string          `json:"project_id"`
	Settings  config.Settings `json:"settings"`
}

// Conversion helpers

func transitionResponse(res phase.TransitionResult) TransitionResultResponse {
	out := TransitionResultResponse{
		ProjectID:     res.ProjectID,
		CurrentPhase:  string(res.CurrentPhase),
		CanTransition: res.CanTransition,
		TargetPhase:   string(res.TargetPhase),
		Blockers:      nonNilSlice(res.Blockers),
		Reason:        res.Reason,
	}
	if res.ScheduledAt != nil {
		s := res.ScheduledAt.UTC().Format(time.RFC3339)
		out.ScheduledAt = &s
	}
	return out
}

func settingsFromRequest(req SettingsRequest) *config.Settings {
	s := &config.Settings{
		Timezone:        req.Timezone,
		AutoTransitions: req.AutoTransitions,
		ArchiveMonth:    req.ArchiveMonth,
		ArchiveDay:      req.ArchiveDay,
		PostShowHour:    req.PostShowHour,
	}
	if req.Checklist != nil {
		s.Checklist = *req.Checklist
	}
	return s
}

func projectFromCreate(req CreateProjectRequest) domain.Project {
	p := domain.Project{
		OrgID:           req.OrgID,
		Name:            req.Name,
		Phase:           domain.PhasePrep,
		Timezone:        req.Timezone,
		RehearsalStart:  req.RehearsalStart,
		ShowEnd:         req.ShowEnd,
		AutoTransitions: true,
	}
	if req.ID != nil {
		p.ID = *req.ID
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.AutoTransitions != nil {
		p.AutoTransitions = *req.AutoTransitions
	}
	return p
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
