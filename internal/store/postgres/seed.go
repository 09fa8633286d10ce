package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
)

func upsert(columns ...string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}
}

// Seed loads a fixture in one transaction, replacing rows with the same
// ids. Lifetime user counters are kept. Tasks with history get an IMPORT
// entry whatever their seeded status.
func (s *Store) Seed(ctx context.Context, f *store.Fixture) error {
	if err := f.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, l := range f.Licenses {
			if err := tx.Clauses(upsert("name")).Create(&licenseRow{ID: l.ID, Name: l.Name}).Error; err != nil {
				return fmt.Errorf("seed license %d: %w", l.ID, err)
			}
		}

		for _, u := range f.Users {
			row := userRow{ID: u.ID, Username: u.Username, MappingLevel: int(u.MappingLevel), Blocked: u.Blocked, IsAdmin: u.Admin}
			if err := tx.Clauses(upsert("username", "mapping_level", "blocked", "is_admin")).Create(&row).Error; err != nil {
				return fmt.Errorf("seed user %d: %w", u.ID, err)
			}
			for _, lid := range u.AcceptedLicenses {
				err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&licenseAcceptanceRow{UserID: u.ID, LicenseID: lid}).Error
				if err != nil {
					return fmt.Errorf("seed license acceptance: %w", err)
				}
			}
		}

		for _, t := range f.Teams {
			if err := tx.Clauses(upsert("name")).Create(&teamRow{ID: t.ID, Name: t.Name}).Error; err != nil {
				return fmt.Errorf("seed team %d: %w", t.ID, err)
			}
			for _, uid := range t.Members {
				err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&teamMemberRow{TeamID: t.ID, UserID: uid}).Error
				if err != nil {
					return fmt.Errorf("seed team member: %w", err)
				}
			}
		}

		for i := range f.Projects {
			if err := seedProject(tx, &f.Projects[i], now); err != nil {
				return err
			}
		}
		return nil
	})
}

func seedProject(tx *gorm.DB, p *store.FixtureProject, now time.Time) error {
	mapped, validated, badImagery := p.ProjectBuckets()
	row := projectRow{
		ID:                   p.ID,
		Name:                 p.Name,
		Status:               string(p.Status),
		Private:              p.Private,
		MappingPermission:    string(p.MappingPermission),
		ValidationPermission: string(p.ValidationPermission),
		RequiredLevel:        int(p.RequiredLevel),
		LicenseID:            p.LicenseID,
		TasksMapped:          mapped,
		TasksValidated:       validated,
		TasksBadImagery:      badImagery,
	}
	cols := upsert("name", "status", "private", "mapping_permission", "validation_permission",
		"required_level", "license_id", "tasks_mapped", "tasks_validated", "tasks_bad_imagery")
	if err := tx.Clauses(cols).Create(&row).Error; err != nil {
		return fmt.Errorf("seed project %d: %w", p.ID, err)
	}

	if err := tx.Where("project_id = ?", p.ID).Delete(&allowedUserRow{}).Error; err != nil {
		return fmt.Errorf("reset allowed users: %w", err)
	}
	for _, uid := range p.AllowedUserIDs {
		if err := tx.Create(&allowedUserRow{ProjectID: p.ID, UserID: uid}).Error; err != nil {
			return fmt.Errorf("seed allowed user: %w", err)
		}
	}

	if err := tx.Where("project_id = ?", p.ID).Delete(&projectTeamRow{}).Error; err != nil {
		return fmt.Errorf("reset project teams: %w", err)
	}
	for _, pt := range p.Teams {
		if err := tx.Create(&projectTeamRow{ProjectID: p.ID, TeamID: pt.TeamID, Role: string(pt.Role)}).Error; err != nil {
			return fmt.Errorf("seed project team: %w", err)
		}
	}

	taskConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "locked_by", "mapped_by", "validated_by", "geometry", "updated_at"}),
	}
	for _, t := range p.AllTasks() {
		task := taskRow{ProjectID: p.ID, ID: t.ID, Status: string(t.Status), MappedBy: t.MappedBy, UpdatedAt: now}
		if t.Geometry != "" {
			geometry := t.Geometry
			task.Geometry = &geometry
		}
		var prior int64
		if err := tx.Model(&historyRow{}).Where("project_id = ? AND task_id = ?", p.ID, t.ID).Count(&prior).Error; err != nil {
			return fmt.Errorf("seed task %d/%d: %w", p.ID, t.ID, err)
		}
		if err := tx.Clauses(taskConflict).Create(&task).Error; err != nil {
			return fmt.Errorf("seed task %d/%d: %w", p.ID, t.ID, err)
		}
		// reseeding over history needs an entry to cut it off
		if t.Status == models.TaskStatusReady && prior == 0 {
			continue
		}

		var actor int64
		if t.MappedBy != nil {
			actor = *t.MappedBy
		}
		text := string(t.Status)
		origin := string(models.OriginImport)
		entry := historyRow{
			ProjectID:  p.ID,
			TaskID:     t.ID,
			UserID:     actor,
			Action:     string(models.ActionStateChange),
			ActionText: &text,
			ActionDate: now,
			Origin:     &origin,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("seed task %d/%d history: %w", p.ID, t.ID, err)
		}
	}
	return nil
}
