package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

// The transition audit trail is append-only; rows are never updated or
// deleted. Monitoring treats it as the sole source of truth.

func (r Repo) InsertAuditRecord(ctx context.Context, rec domain.TransitionAuditRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO transition_audit(id,project_id,from_phase,to_phase,trigger_kind,actor_id,success,error,scheduled_at,snapshot_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, string(rec.FromPhase), string(rec.ToPhase), rec.Trigger, nullable(rec.ActorID),
		boolInt(rec.Success), nullableStringPtr(rec.Error), nullableStringPtr(rec.ScheduledAt), nullable(rec.Snapshot), rec.CreatedAt)
	return err
}

type AuditFilters struct {
	ProjectID string
	Trigger   string
	Start     string
	End       string
	Limit     int
}

func (r Repo) ListAuditRecords(ctx context.Context, f AuditFilters) ([]domain.TransitionAuditRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Trigger != "" {
		clauses = append(clauses, "trigger_kind=?")
		args = append(args, f.Trigger)
	}
	if f.Start != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Start)
	}
	if f.End != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.End)
	}
	query := `SELECT id,project_id,from_phase,to_phase,trigger_kind,actor_id,success,error,scheduled_at,snapshot_json,created_at
FROM transition_audit WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionAuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanAuditRecord(rows *sql.Rows) (domain.TransitionAuditRecord, error) {
	var rec domain.TransitionAuditRecord
	var from, to string
	var actor, errText, scheduled, snapshot sql.NullString
	var success int
	if err := rows.Scan(&rec.ID, &rec.ProjectID, &from, &to, &rec.Trigger, &actor, &success, &errText, &scheduled, &snapshot, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.FromPhase = domain.Phase(from)
	rec.ToPhase = domain.Phase(to)
	if actor.Valid {
		rec.ActorID = actor.String
	}
	rec.Success = success != 0
	if errText.Valid {
		rec.Error = &errText.String
	}
	if scheduled.Valid {
		rec.ScheduledAt = &scheduled.String
	}
	if snapshot.Valid {
		rec.Snapshot = snapshot.String
	}
	return rec, nil
}

// CountAuditSince returns total attempts and failures recorded at or after
// the given RFC3339 timestamp.
func (r Repo) CountAuditSince(ctx context.Context, since string) (attempts, failures int, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(SUM(CASE WHEN success=0 THEN 1 ELSE 0 END),0) FROM transition_audit WHERE created_at>=?`,
		since).Scan(&attempts, &failures)
	return attempts, failures, err
}

// CountAutomaticAttemptsSince counts automatic-trigger attempts recorded at
// or after the given RFC3339 timestamp. Manual and scheduled attempts do not
// count: the health check uses this to tell whether the scheduler is alive.
func (r Repo) CountAutomaticAttemptsSince(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM transition_audit WHERE trigger_kind=? AND created_at>=?`,
		domain.TriggerAutomatic, since).Scan(&n)
	return n, err
}

func (r Repo) InsertAlert(ctx context.Context, a domain.Alert) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO alerts(id,kind,severity,message,project_id,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Kind, a.Severity, a.Message, nullable(a.ProjectID), a.CreatedAt)
	return err
}

func (r Repo) ListAlertsSince(ctx context.Context, since string) ([]domain.Alert, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,severity,message,COALESCE(project_id,''),created_at FROM alerts WHERE created_at>=? ORDER BY created_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.Severity, &a.Message, &a.ProjectID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
