package domain

import "fmt"

// Phase is one of the seven ordered lifecycle states a production occupies.
type Phase string

const (
	PhasePrep     Phase = "prep"
	PhaseStaffing Phase = "staffing"
	PhasePreShow  Phase = "pre_show"
	PhaseActive   Phase = "active"
	PhasePostShow Phase = "post_show"
	PhaseComplete Phase = "complete"
	PhaseArchived Phase = "archived"
)

// PhaseOrder is the total order of phases. There are no cycles; ARCHIVED is terminal.
var PhaseOrder = []Phase{
	PhasePrep,
	PhaseStaffing,
	PhasePreShow,
	PhaseActive,
	PhasePostShow,
	PhaseComplete,
	PhaseArchived,
}

// Valid reports whether p is one of the enumerated phases.
func (p Phase) Valid() bool {
	for _, q := range PhaseOrder {
		if p == q {
			return true
		}
	}
	return false
}

// Next returns the single phase immediately following p. ok is false for ARCHIVED
// and for unknown values.
func (p Phase) Next() (Phase, bool) {
	for i, q := range PhaseOrder {
		if p == q && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1], true
		}
	}
	return "", false
}

// ParsePhase validates a raw phase string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

type Project struct {
	ID              string  `json:"id"`
	OrgID           string  `json:"org_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	Phase           Phase   `json:"phase" enum:"prep,staffing,pre_show,active,post_show,complete,archived"`
	PhaseChangedAt  string  `json:"phase_changed_at" format:"date-time"`
	Timezone        *string `json:"timezone,omitempty"`
	RehearsalStart  *string `json:"rehearsal_start,omitempty" format:"date"`
	ShowEnd         *string `json:"show_end,omitempty" format:"date"`
	AutoTransitions bool    `json:"auto_transitions"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleTemplate struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Finalized bool   `json:"finalized"`
}

type Location struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Finalized bool   `json:"finalized"`
}

type TeamAssignment struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name,omitempty"`
	Role       string `json:"role"`
}

type TalentEntry struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type EscortAssignment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TalentID  string `json:"talent_id"`
	EscortID  string `json:"escort_id"`
}

// Timecard statuses. Paid and approved are the terminal "complete" states.
const (
	TimecardDraft     = "draft"
	TimecardSubmitted = "submitted"
	TimecardPending   = "pending"
	TimecardApproved  = "approved"
	TimecardRejected  = "rejected"
	TimecardPaid      = "paid"
)

type Timecard struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	MemberID    string `json:"member_id"`
	Status      string `json:"status" enum:"draft,submitted,pending,approved,rejected,paid"`
	SubmittedAt string `json:"submitted_at,omitempty" format:"date-time"`
}

// TimecardComplete reports whether a timecard is in a terminal approved state.
func TimecardComplete(status string) bool {
	return status == TimecardApproved || status == TimecardPaid
}

// Trigger kinds recorded on audit entries.
const (
	TriggerAutomatic = "automatic"
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// TransitionAuditRecord is append-only: one row per execution attempt, success
// or failure, never mutated after creation.
type TransitionAuditRecord struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	FromPhase   Phase   `json:"from_phase"`
	ToPhase     Phase   `json:"to_phase"`
	Trigger     string  `json:"trigger" enum:"automatic,manual,scheduled"`
	ActorID     string  `json:"actor_id,omitempty"`
	Success     bool    `json:"success"`
	Error       *string `json:"error,omitempty"`
	ScheduledAt *string `json:"scheduled_at,omitempty" format:"date-time"`
	Snapshot    string  `json:"snapshot,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Alert severities.
const (
	AlertSeverityCritical = "critical"
	AlertSeverityHigh     = "high"
	AlertSeverityMedium   = "medium"
	AlertSeverityLow      = "low"
)

type Alert struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity" enum:"critical,high,medium,low"`
	Message   string `json:"message"`
	ProjectID string `json:"project_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActionItem is one entry of a phase-appropriate operator checklist.
type ActionItem struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Done   bool   `json:"done"`
}

// ScheduledTransition is derived on demand from project + configuration and
// never stored.
type ScheduledTransition struct {
	ProjectID    string `json:"project_id"`
	ProjectName  string `json:"project_name"`
	CurrentPhase Phase  `json:"current_phase"`
	TargetPhase  Phase  `json:"target_phase"`
	ScheduledAt  string `json:"scheduled_at" format:"date-time"`
}
