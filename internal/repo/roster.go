package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// Reads and writes for the entities the completion checks inspect: role
// templates, locations, team assignments, talent roster, escort coverage and
// timecards.

func (r Repo) InsertRoleTemplate(ctx context.Context, rt domain.RoleTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO role_templates(id,project_id,name,finalized) VALUES (?,?,?,?)`,
		rt.ID, rt.ProjectID, rt.Name, boolInt(rt.Finalized))
	return err
}

func (r Repo) ListRoleTemplates(ctx context.Context, projectID string) ([]domain.RoleTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,finalized FROM role_templates WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleTemplate
	for rows.Next() {
		var rt domain.RoleTemplate
		var fin int
		if err := rows.Scan(&rt.ID, &rt.ProjectID, &rt.Name, &fin); err != nil {
			return nil, err
		}
		rt.Finalized = fin != 0
		res = append(res, rt)
	}
	return res, rows.Err()
}

func (r Repo) InsertLocation(ctx context.Context, l domain.Location) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO locations(id,project_id,name,finalized) VALUES (?,?,?,?)`,
		l.ID, l.ProjectID, l.Name, boolInt(l.Finalized))
	return err
}

func (r Repo) ListLocations(ctx context.Context, projectID string) ([]domain.Location, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,finalized FROM locations WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Location
	for rows.Next() {
		var l domain.Location
		var fin int
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &fin); err != nil {
			return nil, err
		}
		l.Finalized = fin != 0
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertTeamAssignment(ctx context.Context, a domain.TeamAssignment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_assignments(id,project_id,member_id,member_name,role) VALUES (?,?,?,?,?)`,
		a.ID, a.ProjectID, a.MemberID, nullable(a.MemberName), a.Role)
	return err
}

func (r Repo) ListTeamAssignments(ctx context.Context, projectID string) ([]domain.TeamAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,member_id,COALESCE(member_name,''),role FROM team_assignments WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamAssignment
	for rows.Next() {
		var a domain.TeamAssignment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.MemberID, &a.MemberName, &a.Role); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertTalent(ctx context.Context, t domain.TalentEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO talent(id,project_id,name) VALUES (?,?,?)`, t.ID, t.ProjectID, t.Name)
	return err
}

func (r Repo) ListTalent(ctx context.Context, projectID string) ([]domain.TalentEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM talent WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TalentEntry
	for rows.Next() {
		var t domain.TalentEntry
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertEscortAssignment(ctx context.Context, e domain.EscortAssignment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO escort_assignments(id,project_id,talent_id,escort_id) VALUES (?,?,?,?)`,
		e.ID, e.ProjectID, e.TalentID, e.EscortID)
	return err
}

// CountEscortedTalent counts distinct roster entries with at least one escort.
func (r Repo) CountEscortedTalent(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT talent_id) FROM escort_assignments WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) InsertTimecard(ctx context.Context, tc domain.Timecard) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO timecards(id,project_id,member_id,status,submitted_at) VALUES (?,?,?,?,?)`,
		tc.ID, tc.ProjectID, tc.MemberID, tc.Status, nullable(tc.SubmittedAt))
	return err
}

func (r Repo) UpdateTimecardStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE timecards SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTimecards(ctx context.Context, projectID string) ([]domain.Timecard, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,member_id,status,submitted_at FROM timecards WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timecard
	for rows.Next() {
		var tc domain.Timecard
		var submitted sql.NullString
		if err := rows.Scan(&tc.ID, &tc.ProjectID, &tc.MemberID, &tc.Status, &submitted); err != nil {
			return nil, err
		}
		if submitted.Valid {
			tc.SubmittedAt = submitted.String
		}
		res = append(res, tc)
	}
	return res, rows.Err()
}

// CountTimecardsByStatus tallies a project's timecards per status.
func (r Repo) CountTimecardsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM timecards WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
