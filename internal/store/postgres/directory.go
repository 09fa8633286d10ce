package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// GetProject returns a project's configuration, or nil if it does not exist.
func (s *Store) GetProject(ctx context.Context, projectID int64) (*models.ProjectConfig, error) {
	db := s.db.WithContext(ctx)
	var row projectRow
	err := db.Where("id = ?", projectID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}

	p := &models.ProjectConfig{
		ID:                   row.ID,
		Name:                 row.Name,
		Status:               models.ProjectStatus(row.Status),
		Private:              row.Private,
		MappingPermission:    models.Permission(row.MappingPermission),
		ValidationPermission: models.Permission(row.ValidationPermission),
		RequiredLevel:        models.MappingLevel(row.RequiredLevel),
		LicenseID:            row.LicenseID,
	}
	err = db.Model(&allowedUserRow{}).Where("project_id = ?", projectID).
		Order("user_id").Pluck("user_id", &p.AllowedUserIDs).Error
	if err != nil {
		return nil, fmt.Errorf("query allowed users: %w", err)
	}
	return p, nil
}

// IsBlocked reports whether a user is blocked. Unknown users are not.
func (s *Store) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ? AND blocked", userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return n > 0, nil
}

// MappingLevel returns a user's level. Unknown users are beginners.
func (s *Store) MappingLevel(ctx context.Context, userID int64) (models.MappingLevel, error) {
	var u userRow
	err := s.db.WithContext(ctx).Select("mapping_level").Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MappingLevelBeginner, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query mapping level: %w", err)
	}
	return models.MappingLevel(u.MappingLevel), nil
}

// HasAcceptedLicense reports whether a user accepted a license.
func (s *Store) HasAcceptedLicense(ctx context.Context, userID, licenseID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&licenseAcceptanceRow{}).
		Where("user_id = ? AND license_id = ?", userID, licenseID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query license acceptance: %w", err)
	}
	return n > 0, nil
}

// IsProjectManager reports whether a user is an admin or belongs to a team
// holding the PROJECT_MANAGER role on the project.
func (s *Store) IsProjectManager(ctx context.Context, userID, projectID int64) (bool, error) {
	db := s.db.WithContext(ctx)
	var admins int64
	if err := db.Model(&userRow{}).Where("id = ? AND is_admin", userID).Count(&admins).Error; err != nil {
		return false, fmt.Errorf("query admin: %w", err)
	}
	if admins > 0 {
		return true, nil
	}
	var n int64
	err := db.Table("project_teams AS pt").
		Joins("JOIN team_members tm ON tm.team_id = pt.team_id").
		Where("pt.project_id = ? AND pt.role = ? AND tm.user_id = ?", projectID, string(models.TeamRoleProjectManager), userID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query project manager: %w", err)
	}
	return n > 0, nil
}

// ProjectTeams returns the teams attached to a project.
func (s *Store) ProjectTeams(ctx context.Context, projectID int64) ([]models.ProjectTeam, error) {
	var rows []projectTeamRow
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("team_id, role").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query project teams: %w", err)
	}
	teams := make([]models.ProjectTeam, 0, len(rows))
	for _, r := range rows {
		teams = append(teams, models.ProjectTeam{TeamID: r.TeamID, Role: models.TeamRole(r.Role)})
	}
	return teams, nil
}

// IsMember reports whether a user belongs to a team.
func (s *Store) IsMember(ctx context.Context, teamID, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&teamMemberRow{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("query team membership: %w", err)
	}
	return n > 0, nil
}
