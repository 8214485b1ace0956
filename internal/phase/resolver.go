package phase

import (
	"context"
	"errors"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/tz"
)

// Configuration is the effective phase configuration for one project after
// merging project-level overrides, stored settings and system defaults. It is
// computed per request and never persisted.
type Configuration struct {
	Timezone        string           `json:"timezone"`
	AutoTransitions bool             `json:"auto_transitions"`
	ArchiveMonth    int              `json:"archive_month"`
	ArchiveDay      int              `json:"archive_day"`
	PostShowHour    int              `json:"post_show_hour"`
	Checklist       config.Checklist `json:"checklist"`
}

// ConfigResolver merges the layers left to right: project override, project
// settings, system default. Each layer is a pure function of its inputs —
// nothing is mutated or cached.
type ConfigResolver struct {
	Repo repo.Repo
	TZ   tz.Resolver
}

// Resolve computes the effective configuration for a project. A missing
// settings row is not an error; the defaults cover everything.
func (cr ConfigResolver) Resolve(ctx context.Context, p domain.Project) (Configuration, error) {
	settings, err := cr.Repo.GetSettings(ctx, p.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Configuration{}, err
	}
	return cr.merge(ctx, p, settings), nil
}

func (cr ConfigResolver) merge(ctx context.Context, p domain.Project, settings *config.Settings) Configuration {
	cfg := Configuration{
		AutoTransitions: config.DefaultAutoEnabled,
		ArchiveMonth:    config.DefaultArchiveMonth,
		ArchiveDay:      config.DefaultArchiveDay,
		PostShowHour:    config.DefaultPostShowHour,
	}

	orgTZ := ""
	if org, err := cr.Repo.GetOrg(ctx, p.OrgID); err == nil {
		orgTZ = org.Timezone
	}
	projectTZ := ""
	if p.Timezone != nil {
		projectTZ = *p.Timezone
	}
	if projectTZ == "" && settings != nil {
		projectTZ = settings.Timezone
	}
	cfg.Timezone = cr.TZ.ResolveProjectTimezone(projectTZ, orgTZ)

	if settings != nil {
		if settings.AutoTransitions != nil {
			cfg.AutoTransitions = *settings.AutoTransitions
		}
		if settings.ArchiveMonth != 0 {
			cfg.ArchiveMonth = settings.ArchiveMonth
		}
		if settings.ArchiveDay != 0 {
			cfg.ArchiveDay = settings.ArchiveDay
		}
		if settings.PostShowHour != nil {
			cfg.PostShowHour = *settings.PostShowHour
		}
		cfg.Checklist = settings.Checklist
	}
	// The project row carries the operator-facing switch; off wins over
	// whatever the settings say.
	if !p.AutoTransitions {
		cfg.AutoTransitions = false
	}
	return cfg
}
