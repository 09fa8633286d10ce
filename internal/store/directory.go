package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// --- Directory Operations ---
//
// Users, teams and projects are owned by other services; these tables hold
// the copy the permission evaluator reads.

// GetProject returns a project's configuration, or nil if it does not exist.
func (s *Store) GetProject(ctx context.Context, projectID int64) (*models.ProjectConfig, error) {
	p := &models.ProjectConfig{ID: projectID}
	var private bool
	var license sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, status, private, mapping_permission, validation_permission, required_level, license_id
		 FROM projects WHERE id = ?`,
		projectID,
	).Scan(&p.Name, &p.Status, &private, &p.MappingPermission, &p.ValidationPermission, &p.RequiredLevel, &license)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	p.Private = private
	p.LicenseID = nullInt(license)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM project_allowed_users WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query allowed users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan allowed user: %w", err)
		}
		p.AllowedUserIDs = append(p.AllowedUserIDs, id)
	}
	return p, rows.Err()
}

// IsBlocked reports whether a user is blocked. Unknown users are not.
func (s *Store) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx, `SELECT blocked FROM users WHERE id = ?`, userID).Scan(&blocked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return blocked, nil
}

// MappingLevel returns a user's level. Unknown users are beginners.
func (s *Store) MappingLevel(ctx context.Context, userID int64) (models.MappingLevel, error) {
	var level models.MappingLevel
	err := s.db.QueryRowContext(ctx, `SELECT mapping_level FROM users WHERE id = ?`, userID).Scan(&level)
	if err == sql.ErrNoRows {
		return models.MappingLevelBeginner, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query mapping level: %w", err)
	}
	return level, nil
}

// HasAcceptedLicense reports whether a user accepted a license.
func (s *Store) HasAcceptedLicense(ctx context.Context, userID, licenseID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM license_acceptances WHERE user_id = ? AND license_id = ?`, userID, licenseID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query license acceptance: %w", err)
	}
	return n > 0, nil
}

// IsProjectManager reports whether a user is an admin or belongs to a team
// holding the PROJECT_MANAGER role on the project.
func (s *Store) IsProjectManager(ctx context.Context, userID, projectID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE id = ? AND is_admin = 1) +
			(SELECT COUNT(*) FROM project_teams pt
			 JOIN team_members tm ON tm.team_id = pt.team_id
			 WHERE pt.project_id = ? AND pt.role = ? AND tm.user_id = ?)`,
		userID, projectID, models.TeamRoleProjectManager, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query project manager: %w", err)
	}
	return n > 0, nil
}

// ProjectTeams returns the teams attached to a project.
func (s *Store) ProjectTeams(ctx context.Context, projectID int64) ([]models.ProjectTeam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT team_id, role FROM project_teams WHERE project_id = ? ORDER BY team_id, role`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query project teams: %w", err)
	}
	defer rows.Close()

	var teams []models.ProjectTeam
	for rows.Next() {
		var t models.ProjectTeam
		if err := rows.Scan(&t.TeamID, &t.Role); err != nil {
			return nil, fmt.Errorf("scan project team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// IsMember reports whether a user belongs to a team.
func (s *Store) IsMember(ctx context.Context, teamID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query team membership: %w", err)
	}
	return n > 0, nil
}
