package criteria

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ErrDataSource wraps failures of the underlying store so callers can tell a
// failed read from a failed business rule.
var ErrDataSource = errors.New("data source error")

// Escort coverage thresholds: below the hard floor staffing is a blocker,
// between floor and target it is pending work only.
const (
	escortCoverageFloor  = 0.5
	escortCoverageTarget = 0.8
)

// rehearsalSoonWindow flags an informational item when rehearsal is close.
const rehearsalSoonWindow = 7 * 24 * time.Hour

// ValidationResult is the structured completion report for one check.
type ValidationResult struct {
	IsComplete     bool     `json:"is_complete"`
	CompletedItems []string `json:"completed_items,omitempty"`
	PendingItems   []string `json:"pending_items,omitempty"`
	Blockers       []string `json:"blockers,omitempty"`
}

func (v *ValidationResult) complete(item string) {
	v.CompletedItems = append(v.CompletedItems, item)
}

func (v *ValidationResult) pending(item string) {
	v.PendingItems = append(v.PendingItems, item)
}

func (v *ValidationResult) block(item string) {
	v.PendingItems = append(v.PendingItems, item)
	v.Blockers = append(v.Blockers, item)
}

func (v *ValidationResult) finish() {
	v.IsComplete = len(v.PendingItems) == 0 && len(v.Blockers) == 0
}

// Validator inspects related entities and reports completion per phase.
type Validator struct {
	Repo repo.Repo
	Log  *zap.Logger
}

// PrepCompletion checks the preparation groundwork: identity fields, schedule
// dates, timezone, and at least one location and role template. Missing
// schedule-critical fields are blockers, the rest stay pending items.
func (v Validator) PrepCompletion(ctx context.Context, p domain.Project) (ValidationResult, error) {
	var res ValidationResult
	if p.Name == "" {
		res.block("project name is required")
	} else {
		res.complete("project name set")
	}
	if p.Description == "" {
		res.pending("project description is empty")
	} else {
		res.complete("project description set")
	}
	if p.RehearsalStart == nil {
		res.block("rehearsal start date not set")
	} else {
		res.complete("rehearsal start date set")
	}
	if p.ShowEnd == nil {
		res.block("show end date not set")
	} else {
		res.complete("show end date set")
	}
	if p.Timezone == nil || *p.Timezone == "" {
		res.block("project timezone not set")
	} else {
		res.complete("project timezone set")
	}
	locations, err := v.Repo.ListLocations(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("list locations: %w: %v", ErrDataSource, err)
	}
	if len(locations) == 0 {
		res.block("no locations defined")
	} else {
		res.complete(fmt.Sprintf("%d location(s) defined", len(locations)))
	}
	roles, err := v.Repo.ListRoleTemplates(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("list role templates: %w: %v", ErrDataSource, err)
	}
	if len(roles) == 0 {
		res.block("no role templates defined")
	} else {
		res.complete(fmt.Sprintf("%d role template(s) defined", len(roles)))
	}
	res.finish()
	return res, nil
}

// Required roles that must appear among team assignments before staffing is
// considered complete.
var requiredStaffRoles = []string{"supervisor", "coordinator"}

// StaffingCompletion checks that the team and talent roster have substance.
func (v Validator) StaffingCompletion(ctx context.Context, projectID string) (ValidationResult, error) {
	var res ValidationResult
	assignments, err := v.Repo.ListTeamAssignments(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("list team assignments: %w: %v", ErrDataSource, err)
	}
	if len(assignments) == 0 {
		res.block("no team assignments")
	} else {
		res.complete(fmt.Sprintf("%d team assignment(s)", len(assignments)))
	}
	talent, err := v.Repo.ListTalent(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("list talent: %w: %v", ErrDataSource, err)
	}
	if len(talent) == 0 {
		res.block("talent roster is empty")
	} else {
		res.complete(fmt.Sprintf("%d talent roster entries", len(talent)))
	}
	present := map[string]bool{}
	for _, a := range assignments {
		present[a.Role] = true
	}
	for _, role := range requiredStaffRoles {
		if !present[role] {
			res.block(fmt.Sprintf("required role %q not assigned", role))
		} else {
			res.complete(fmt.Sprintf("role %q assigned", role))
		}
	}
	res.finish()
	return res, nil
}

// PreShowReadiness reports on the setup checklist, the rehearsal date, and
// escort coverage. It feeds the action-item surface; activation itself is
// time-gated and never waits on this report. now must already be expressed in
// the project timezone.
//
// Role templates and locations count as finalized when either the stored
// checklist flag is set or every row carries its own finalized mark.
func (v Validator) PreShowReadiness(ctx context.Context, p domain.Project, settings *config.Settings, now time.Time) (ValidationResult, error) {
	var res ValidationResult
	checklist := config.Checklist{}
	if settings != nil {
		checklist = settings.Checklist
	}
	roles, err := v.Repo.ListRoleTemplates(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("list role templates: %w: %v", ErrDataSource, err)
	}
	locations, err := v.Repo.ListLocations(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("list locations: %w: %v", ErrDataSource, err)
	}
	checkFlag(&res, checklist.RolesFinalized || allRolesFinalized(roles), "role templates finalized")
	checkFlag(&res, checklist.LocationsFinalized || allLocationsFinalized(locations), "locations finalized")
	checkFlag(&res, checklist.TeamFinalized, "team assignments finalized")
	checkFlag(&res, checklist.TalentFinalized, "talent roster finalized")

	if p.RehearsalStart == nil {
		res.block("rehearsal start date not set")
	} else {
		res.complete("rehearsal start date set")
		if start, err := time.ParseInLocation("2006-01-02", *p.RehearsalStart, now.Location()); err == nil {
			until := start.Sub(now)
			if until > 0 && until <= rehearsalSoonWindow {
				// informational only, not a blocker
				res.complete(fmt.Sprintf("rehearsal starts within 7 days (%s)", *p.RehearsalStart))
			}
		}
	}

	talent, err := v.Repo.ListTalent(ctx, p.ID)
	if err != nil {
		return res, fmt.Errorf("list talent: %w: %v", ErrDataSource, err)
	}
	if len(talent) > 0 {
		escorted, err := v.Repo.CountEscortedTalent(ctx, p.ID)
		if err != nil {
			return res, fmt.Errorf("count escorts: %w: %v", ErrDataSource, err)
		}
		coverage := float64(escorted) / float64(len(talent))
		switch {
		case coverage < escortCoverageFloor:
			res.block(fmt.Sprintf("escort coverage %.0f%% below required 50%%", coverage*100))
		case coverage < escortCoverageTarget:
			res.pending(fmt.Sprintf("escort coverage %.0f%% below target 80%%", coverage*100))
		default:
			res.complete(fmt.Sprintf("escort coverage %.0f%%", coverage*100))
		}
	}
	res.finish()
	return res, nil
}

func allRolesFinalized(roles []domain.RoleTemplate) bool {
	if len(roles) == 0 {
		return false
	}
	for _, r := range roles {
		if !r.Finalized {
			return false
		}
	}
	return true
}

func allLocationsFinalized(locations []domain.Location) bool {
	if len(locations) == 0 {
		return false
	}
	for _, l := range locations {
		if !l.Finalized {
			return false
		}
	}
	return true
}

func checkFlag(res *ValidationResult, ok bool, item string) {
	if ok {
		res.complete(item)
	} else {
		res.block(item + " pending")
	}
}

// TimecardCompletion requires every timecard in a terminal approved/paid
// state and a timecard from every team member. Rejections must be corrected
// before completion.
func (v Validator) TimecardCompletion(ctx context.Context, projectID string) (ValidationResult, error) {
	var res ValidationResult
	cards, err := v.Repo.ListTimecards(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("list timecards: %w: %v", ErrDataSource, err)
	}
	if len(cards) == 0 {
		res.block("no timecards submitted")
		res.finish()
		return res, nil
	}
	var done, pending, rejected int
	byMember := map[string]bool{}
	for _, tc := range cards {
		byMember[tc.MemberID] = true
		switch {
		case domain.TimecardComplete(tc.Status):
			done++
		case tc.Status == domain.TimecardRejected:
			rejected++
		default:
			pending++
		}
	}
	if rejected > 0 {
		res.block(fmt.Sprintf("%d rejected timecard(s) need correction", rejected))
	}
	if pending > 0 {
		res.pending(fmt.Sprintf("%d timecard(s) awaiting approval", pending))
	}
	if done == len(cards) {
		res.complete(fmt.Sprintf("all %d timecard(s) approved or paid", done))
	}
	team, err := v.Repo.ListTeamAssignments(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("list team assignments: %w: %v", ErrDataSource, err)
	}
	for _, member := range team {
		if !byMember[member.MemberID] {
			name := member.MemberName
			if name == "" {
				name = member.MemberID
			}
			res.block(fmt.Sprintf("no timecard from %s", name))
		}
	}
	res.finish()
	return res, nil
}
