package config

import (
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		s    Settings
		want string
	}{
		{"month too large", Settings{ArchiveMonth: 13}, "archive_month"},
		{"day too large", Settings{ArchiveDay: 32}, "archive_day"},
		{"impossible date", Settings{ArchiveMonth: 2, ArchiveDay: 30}, "not a valid calendar date"},
		{"leap-only date", Settings{ArchiveMonth: 2, ArchiveDay: 29}, "not a valid calendar date"},
		{"hour too large", Settings{PostShowHour: intPtr(24)}, "post_show_hour"},
		{"hour negative", Settings{PostShowHour: intPtr(-1)}, "post_show_hour"},
		{"unknown timezone", Settings{Timezone: "Not/AZone"}, "not recognized"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.s.Validate()
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	cases := []Settings{
		{},
		{ArchiveMonth: 2, ArchiveDay: 28},
		{Timezone: "America/New_York", ArchiveMonth: 12, ArchiveDay: 31, PostShowHour: intPtr(0)},
	}
	for _, s := range cases {
		if err := s.Validate(); err != nil {
			t.Errorf("settings %+v rejected: %v", s, err)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	in := &Settings{
		Timezone:     "Europe/Paris",
		ArchiveMonth: 6,
		ArchiveDay:   15,
		PostShowHour: intPtr(8),
		Checklist:    Checklist{RolesFinalized: true, TeamFinalized: true},
	}
	payload, err := in.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	out, err := FromYAML(payload)
	if err != nil {
		t.Fatal(err)
	}
	if out.Timezone != in.Timezone || out.ArchiveMonth != in.ArchiveMonth || out.ArchiveDay != in.ArchiveDay {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.PostShowHour == nil || *out.PostShowHour != 8 {
		t.Fatalf("post_show_hour lost: %+v", out.PostShowHour)
	}
	if !out.Checklist.RolesFinalized || out.Checklist.LocationsFinalized {
		t.Fatalf("checklist mismatch: %+v", out.Checklist)
	}
}

func TestFromYAMLValidates(t *testing.T) {
	if _, err := FromYAML([]byte("archive_month: 13\n")); err == nil {
		t.Fatalf("invalid stored settings must be rejected on read")
	}
	if _, err := FromYAML([]byte(":::not yaml")); err == nil {
		t.Fatalf("malformed yaml must fail")
	}
}
