package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,org_id,name,COALESCE(description,'') AS description,phase,phase_changed_at,timezone,rehearsal_start,show_end,auto_transitions,created_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var phase string
	var timezone, rehearsal, showEnd sql.NullString
	var auto int
	err := scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &phase, &p.PhaseChangedAt, &timezone, &rehearsal, &showEnd, &auto, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Phase = domain.Phase(phase)
	if timezone.Valid {
		p.Timezone = &timezone.String
	}
	if rehearsal.Valid {
		p.RehearsalStart = &rehearsal.String
	}
	if showEnd.Valid {
		p.ShowEnd = &showEnd.String
	}
	p.AutoTransitions = auto != 0
	return p, nil
}

func (r Repo) EnsureOrg(ctx context.Context, id, name, timezone, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO orgs(id,name,timezone,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO NOTHING`, id, name, nullable(timezone), now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	var timezone sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,timezone,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &timezone, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if timezone.Valid {
		o.Timezone = timezone.String
	}
	return o, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,description,phase,phase_changed_at,timezone,rehearsal_start,show_end,auto_transitions,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), string(p.Phase), p.PhaseChangedAt,
		nullableStringPtr(p.Timezone), nullableStringPtr(p.RehearsalStart), nullableStringPtr(p.ShowEnd), boolInt(p.AutoTransitions), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListAutoTransitionProjects returns projects eligible for automatic
// evaluation: auto-transitions on and not yet archived.
func (r Repo) ListAutoTransitionProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE auto_transitions=1 AND phase != ? ORDER BY created_at ASC`,
		string(domain.PhaseArchived))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type ProjectUpdate struct {
	Name            *string
	Description     *string
	Timezone        *string
	RehearsalStart  *string
	ShowEnd         *string
	AutoTransitions *bool
}

func (r Repo) UpdateProject(ctx context.Context, id string, u ProjectUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.Timezone != nil {
		fields = append(fields, "timezone=?")
		args = append(args, nullable(*u.Timezone))
	}
	if u.RehearsalStart != nil {
		fields = append(fields, "rehearsal_start=?")
		args = append(args, nullable(*u.RehearsalStart))
	}
	if u.ShowEnd != nil {
		fields = append(fields, "show_end=?")
		args = append(args, nullable(*u.ShowEnd))
	}
	if u.AutoTransitions != nil {
		fields = append(fields, "auto_transitions=?")
		args = append(args, boolInt(*u.AutoTransitions))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectPhase writes the new phase guarded by the expected current
// phase. A zero rows-affected result means the project moved underneath the
// caller (or does not exist) and the write is rejected.
func (r Repo) UpdateProjectPhase(ctx context.Context, id string, from, to domain.Phase, changedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET phase=?, phase_changed_at=? WHERE id=? AND phase=?`,
		string(to), changedAt, id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s no longer in phase %s: %w", id, from, ErrPhaseConflict)
	}
	return nil
}

var ErrPhaseConflict = errors.New("phase conflict")

func (r Repo) UpsertSettings(ctx context.Context, projectID string, s *config.Settings) error {
	if s == nil {
		return fmt.Errorf("settings nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	payload, err := s.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_settings(project_id,settings_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET settings_yaml=excluded.settings_yaml, updated_at=excluded.updated_at`,
		projectID, string(payload), now, now)
	return err
}

func (r Repo) GetSettings(ctx context.Context, projectID string) (*config.Settings, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT settings_yaml FROM project_settings WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// ListSettings returns every stored settings blob keyed by project id.
func (r Repo) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, settings_yaml FROM project_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		res[id] = payload
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
