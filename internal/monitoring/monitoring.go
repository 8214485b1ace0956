package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/audit"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/evaluator"
	"stageline/internal/repo"
)

// Error categories derived from audit error text by keyword matching.
const (
	CategoryDatabase      = "database"
	CategoryTimezone      = "timezone"
	CategoryConfiguration = "configuration"
	CategoryAuthorization = "authorization"
	CategoryValidation    = "validation"
	CategoryUnknown       = "unknown"
)

// Batch failure-rate alert thresholds.
const (
	criticalFailureRate = 0.5
	highFailureRate     = 0.2
)

// Metrics summarizes the audit trail inside a window.
type Metrics struct {
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	Attempts        int            `json:"attempts"`
	Transitions     int            `json:"transitions"`
	Failures        int            `json:"failures"`
	ByTargetPhase   map[string]int `json:"by_target_phase"`
	ByErrorCategory map[string]int `json:"by_error_category"`
}

// CheckResult is one entry of the health battery.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type HealthReport struct {
	Status string        `json:"status" enum:"healthy,degraded,unhealthy"`
	Checks []CheckResult `json:"checks"`
}

// Monitor computes health and metrics from the same audit trail the engine
// writes to; it never consults engine state directly.
type Monitor struct {
	Repo  repo.Repo
	Audit audit.Writer
	Log   *zap.Logger
	Now   func() time.Time
}

func New(r repo.Repo, log *zap.Logger) *Monitor {
	return &Monitor{Repo: r, Audit: audit.Writer{Repo: r, Log: log}, Log: log, Now: time.Now}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// TransitionMetrics counts attempts in [start, end), broken down by target
// phase and categorized error type.
func (m *Monitor) TransitionMetrics(ctx context.Context, start, end time.Time) (Metrics, error) {
	records, err := m.Repo.ListAuditRecords(ctx, repo.AuditFilters{
		Start: start.UTC().Format(time.RFC3339),
		End:   end.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{
		WindowStart:     start,
		WindowEnd:       end,
		ByTargetPhase:   map[string]int{},
		ByErrorCategory: map[string]int{},
	}
	for _, rec := range records {
		metrics.Attempts++
		if rec.Success {
			metrics.Transitions++
			metrics.ByTargetPhase[string(rec.ToPhase)]++
			continue
		}
		metrics.Failures++
		msg := ""
		if rec.Error != nil {
			msg = *rec.Error
		}
		metrics.ByErrorCategory[CategorizeError(msg)]++
	}
	return metrics, nil
}

// CategorizeError buckets an audit error message by keyword.
func CategorizeError(msg string) string {
	lowered := strings.ToLower(msg)
	switch {
	case lowered == "":
		return CategoryUnknown
	case containsAny(lowered, "database", "sql", "connection", "locked", "no such table"):
		return CategoryDatabase
	case containsAny(lowered, "timezone", "time format", "location", "clock"):
		return CategoryTimezone
	case containsAny(lowered, "config", "settings", "archive_month", "archive_day", "post_show_hour"):
		return CategoryConfiguration
	case containsAny(lowered, "unauthorized", "forbidden", "permission"):
		return CategoryAuthorization
	case containsAny(lowered, "not allowed", "blocker", "validation", "required", "incomplete"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HealthCheck runs the fixed battery: store reachable, recent automatic
// activity, low recent failure count, stored configuration parseable.
func (m *Monitor) HealthCheck(ctx context.Context) HealthReport {
	now := m.now()
	var checks []CheckResult

	storeOK := true
	if err := m.Repo.DB.PingContext(ctx); err != nil {
		storeOK = false
		checks = append(checks, CheckResult{Name: "data_store", Healthy: false, Detail: err.Error()})
	} else {
		checks = append(checks, CheckResult{Name: "data_store", Healthy: true})
	}

	activityOK := false
	failuresOK := true
	if storeOK {
		// only automatic attempts count here; manual transitions must not
		// mask a dead scheduler
		dayAgo := now.Add(-24 * time.Hour).UTC().Format(time.RFC3339)
		attempts, err := m.Repo.CountAutomaticAttemptsSince(ctx, dayAgo)
		switch {
		case err != nil:
			checks = append(checks, CheckResult{Name: "recent_activity", Healthy: false, Detail: err.Error()})
		case attempts == 0:
			checks = append(checks, CheckResult{Name: "recent_activity", Healthy: false, Detail: "no automatic transition attempts in the last 24h"})
		default:
			activityOK = true
			checks = append(checks, CheckResult{Name: "recent_activity", Healthy: true, Detail: fmt.Sprintf("%d automatic attempt(s) in the last 24h", attempts)})
		}

		hourAgo := now.Add(-time.Hour).UTC().Format(time.RFC3339)
		_, failures, err := m.Repo.CountAuditSince(ctx, hourAgo)
		switch {
		case err != nil:
			failuresOK = false
			checks = append(checks, CheckResult{Name: "failure_rate", Healthy: false, Detail: err.Error()})
		case failures >= 5:
			failuresOK = false
			checks = append(checks, CheckResult{Name: "failure_rate", Healthy: false, Detail: fmt.Sprintf("%d failures in the last hour", failures)})
		default:
			checks = append(checks, CheckResult{Name: "failure_rate", Healthy: true})
		}
	}

	configOK := true
	if storeOK {
		blobs, err := m.Repo.ListSettings(ctx)
		if err != nil {
			configOK = false
			checks = append(checks, CheckResult{Name: "configuration", Healthy: false, Detail: err.Error()})
		} else {
			bad := 0
			for id, payload := range blobs {
				if _, err := config.FromYAML([]byte(payload)); err != nil {
					bad++
					m.Log.Warn("stored settings invalid", zap.String("project_id", id), zap.Error(err))
				}
			}
			if bad > 0 {
				configOK = false
				checks = append(checks, CheckResult{Name: "configuration", Healthy: false, Detail: fmt.Sprintf("%d invalid settings blob(s)", bad)})
			} else {
				checks = append(checks, CheckResult{Name: "configuration", Healthy: true})
			}
		}
	}

	status := StatusHealthy
	switch {
	case !storeOK:
		status = StatusUnhealthy
	case !failuresOK:
		status = StatusUnhealthy
	case !activityOK || !configOK:
		status = StatusDegraded
	}
	return HealthReport{Status: status, Checks: checks}
}

// CreateAlert writes an alert entry through the audit mechanism.
func (m *Monitor) CreateAlert(ctx context.Context, kind, severity, message, projectID string) error {
	return m.Audit.Alert(ctx, kind, severity, message, projectID)
}

// RecentAlerts returns alerts raised within the last N hours.
func (m *Monitor) RecentAlerts(ctx context.Context, hours int) ([]domain.Alert, error) {
	since := m.now().Add(-time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)
	return m.Repo.ListAlertsSince(ctx, since)
}

// MonitorBatch inspects one batch result and raises alerts on elevated
// failure rates plus per-error alerts for database/configuration failures.
// Alert-write failures are logged and swallowed.
func (m *Monitor) MonitorBatch(ctx context.Context, res evaluator.BatchResult) {
	if res.Evaluated > 0 {
		rate := float64(res.Failed) / float64(res.Evaluated)
		switch {
		case rate > criticalFailureRate:
			m.alertBestEffort(ctx, "batch_failure_rate", "critical",
				fmt.Sprintf("batch failure rate %.0f%% (%d of %d)", rate*100, res.Failed, res.Evaluated), "")
		case rate > highFailureRate:
			m.alertBestEffort(ctx, "batch_failure_rate", "high",
				fmt.Sprintf("batch failure rate %.0f%% (%d of %d)", rate*100, res.Failed, res.Evaluated), "")
		}
	}
	for _, be := range res.Errors {
		category := CategorizeError(be.Message)
		if category == CategoryDatabase || category == CategoryConfiguration {
			m.alertBestEffort(ctx, "transition_error_"+category, "high", be.Message, be.ProjectID)
		}
	}
}

func (m *Monitor) alertBestEffort(ctx context.Context, kind, severity, message, projectID string) {
	if err := m.Audit.Alert(ctx, kind, severity, message, projectID); err != nil {
		m.Log.Warn("alert write failed", zap.String("kind", kind), zap.Error(err))
	}
}
