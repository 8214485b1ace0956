package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// System-wide defaults applied when neither the project nor its settings
// override a field.
const (
	DefaultArchiveMonth = 4
	DefaultArchiveDay   = 1
	DefaultPostShowHour = 6
	DefaultAutoEnabled  = true
	DefaultTimezone     = "UTC"
)

// Settings models the per-project configuration stored in project_settings.
// Zero/nil fields fall through to the system defaults at resolve time; values
// that are present must validate — they are rejected at write time, never
// silently clamped.
type Settings struct {
	Timezone        string    `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	AutoTransitions *bool     `yaml:"auto_transitions,omitempty" json:"auto_transitions,omitempty"`
	ArchiveMonth    int       `yaml:"archive_month,omitempty" json:"archive_month,omitempty"`
	ArchiveDay      int       `yaml:"archive_day,omitempty" json:"archive_day,omitempty"`
	PostShowHour    *int      `yaml:"post_show_hour,omitempty" json:"post_show_hour,omitempty"`
	Checklist       Checklist `yaml:"checklist" json:"checklist"`
}

// Checklist carries the pre-show setup flags reviewed during readiness checks.
type Checklist struct {
	RolesFinalized     bool `yaml:"roles_finalized" json:"roles_finalized"`
	LocationsFinalized bool `yaml:"locations_finalized" json:"locations_finalized"`
	TeamFinalized      bool `yaml:"team_finalized" json:"team_finalized"`
	TalentFinalized    bool `yaml:"talent_finalized" json:"talent_finalized"`
}

// Validate checks every explicitly set field.
func (s *Settings) Validate() error {
	if s.ArchiveMonth != 0 && (s.ArchiveMonth < 1 || s.ArchiveMonth > 12) {
		return fmt.Errorf("archive_month %d out of range 1-12", s.ArchiveMonth)
	}
	if s.ArchiveDay != 0 && (s.ArchiveDay < 1 || s.ArchiveDay > 31) {
		return fmt.Errorf("archive_day %d out of range 1-31", s.ArchiveDay)
	}
	month := s.ArchiveMonth
	if month == 0 {
		month = DefaultArchiveMonth
	}
	day := s.ArchiveDay
	if day == 0 {
		day = DefaultArchiveDay
	}
	if !validMonthDay(month, day) {
		return fmt.Errorf("archive date %d/%d is not a valid calendar date", month, day)
	}
	if s.PostShowHour != nil && (*s.PostShowHour < 0 || *s.PostShowHour > 23) {
		return fmt.Errorf("post_show_hour %d out of range 0-23", *s.PostShowHour)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone %q not recognized: %w", s.Timezone, err)
		}
	}
	return nil
}

// validMonthDay checks the pair against a non-leap year. Feb 29 is rejected:
// it only exists in some years and would otherwise normalize to Mar 1 in the
// rest, which counts as silent clamping.
func validMonthDay(month, day int) bool {
	d := time.Date(2025, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return int(d.Month()) == month && d.Day() == day
}

// Default returns the settings blob seeded for a new project.
func Default() *Settings {
	return &Settings{}
}

// FromYAML parses and validates a settings blob.
func FromYAML(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid settings yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ToYAML serializes settings for storage.
func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}
