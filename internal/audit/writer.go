package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Writer appends transition audit records and alerts. Record returns the
// insert error; BestEffort logs and swallows it so an audit failure can never
// mask a phase change that already committed.
type Writer struct {
	Repo repo.Repo
	Log  *zap.Logger
	Now  func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Record(ctx context.Context, rec domain.TransitionAuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = w.now().UTC().Format(time.RFC3339)
	}
	return w.Repo.InsertAuditRecord(ctx, rec)
}

func (w Writer) BestEffort(ctx context.Context, rec domain.TransitionAuditRecord) {
	if err := w.Record(ctx, rec); err != nil {
		w.Log.Warn("audit write failed",
			zap.String("project_id", rec.ProjectID),
			zap.String("to_phase", string(rec.ToPhase)),
			zap.Error(err))
	}
}

func (w Writer) Alert(ctx context.Context, kind, severity, message, projectID string) error {
	a := domain.Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		ProjectID: projectID,
		CreatedAt: w.now().UTC().Format(time.RFC3339),
	}
	return w.Repo.InsertAlert(ctx, a)
}
