package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Fixture is a YAML document describing projects, tasks and the directory
// data the permission evaluator reads.
type Fixture struct {
	Licenses []FixtureLicense `yaml:"licenses"`
	Users    []FixtureUser    `yaml:"users"`
	Teams    []FixtureTeam    `yaml:"teams"`
	Projects []FixtureProject `yaml:"projects"`
}

// FixtureLicense is a project license.
type FixtureLicense struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

// FixtureUser is a user record.
type FixtureUser struct {
	ID               int64               `yaml:"id"`
	Username         string              `yaml:"username"`
	MappingLevel     models.MappingLevel `yaml:"mapping_level"`
	Blocked          bool                `yaml:"blocked"`
	Admin            bool                `yaml:"admin"`
	AcceptedLicenses []int64             `yaml:"accepted_licenses"`
}

// FixtureTeam is a team and its members.
type FixtureTeam struct {
	ID      int64   `yaml:"id"`
	Name    string  `yaml:"name"`
	Members []int64 `yaml:"members"`
}

// FixtureProject is a project with its teams and tasks. TaskCount adds
// READY tasks numbered after the listed ones.
type FixtureProject struct {
	models.ProjectConfig `yaml:",inline"`
	Teams                []models.ProjectTeam `yaml:"teams"`
	Tasks                []FixtureTask        `yaml:"tasks"`
	TaskCount            int                  `yaml:"task_count"`
}

// FixtureTask is a task in a settled status.
type FixtureTask struct {
	ID       int64             `yaml:"id"`
	Status   models.TaskStatus `yaml:"status"`
	MappedBy *int64            `yaml:"mapped_by"`
	Geometry string            `yaml:"geometry"`
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the fixture and fills defaults.
func (f *Fixture) Validate() error {
	for i := range f.Users {
		if f.Users[i].MappingLevel == 0 {
			f.Users[i].MappingLevel = models.MappingLevelBeginner
		}
	}
	for i := range f.Projects {
		p := &f.Projects[i]
		if p.ID <= 0 {
			return fmt.Errorf("project %d: id must be positive", i)
		}
		if p.Status == "" {
			p.Status = models.ProjectStatusPublished
		}
		if p.MappingPermission == "" {
			p.MappingPermission = models.PermissionNone
		}
		if p.ValidationPermission == "" {
			p.ValidationPermission = models.PermissionNone
		}
		if p.RequiredLevel == 0 {
			p.RequiredLevel = models.MappingLevelIntermediate
		}
		seen := make(map[int64]bool)
		for j := range p.Tasks {
			t := &p.Tasks[j]
			if t.Status == "" {
				t.Status = models.TaskStatusReady
			}
			if !t.Status.IsSettled() {
				return fmt.Errorf("project %d task %d: cannot seed status %q", p.ID, t.ID, t.Status)
			}
			if seen[t.ID] {
				return fmt.Errorf("project %d: duplicate task %d", p.ID, t.ID)
			}
			seen[t.ID] = true
		}
	}
	return nil
}

// AllTasks returns listed tasks followed by TaskCount generated READY tasks.
func (p *FixtureProject) AllTasks() []FixtureTask {
	tasks := append([]FixtureTask(nil), p.Tasks...)
	var next int64
	for _, t := range tasks {
		if t.ID > next {
			next = t.ID
		}
	}
	for i := 0; i < p.TaskCount; i++ {
		next++
		tasks = append(tasks, FixtureTask{ID: next, Status: models.TaskStatusReady})
	}
	return tasks
}

// ProjectBuckets counts a project's seeded tasks per counter bucket.
func (p *FixtureProject) ProjectBuckets() (mapped, validated, badImagery int64) {
	for _, t := range p.AllTasks() {
		switch t.Status {
		case models.TaskStatusMapped:
			mapped++
		case models.TaskStatusValidated:
			validated++
		case models.TaskStatusBadImagery:
			badImagery++
		}
	}
	return mapped, validated, badImagery
}

// now is the clock seeded rows are stamped with.
var now = func() time.Time { return time.Now().UTC() }

// Seed loads a fixture, replacing rows with the same ids. A task that
// already has history gets an IMPORT entry even when reseeded READY, so
// settles from before the seed no longer drive its state.
func (s *Store) Seed(ctx context.Context, f *Fixture) error {
	if err := f.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range f.Licenses {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO licenses (id, name) VALUES (?, ?)`, l.ID, l.Name); err != nil {
			return fmt.Errorf("seed license %d: %w", l.ID, err)
		}
	}

	for _, u := range f.Users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, mapping_level, blocked, is_admin) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET username = excluded.username, mapping_level = excluded.mapping_level,
				blocked = excluded.blocked, is_admin = excluded.is_admin`,
			u.ID, u.Username, int(u.MappingLevel), u.Blocked, u.Admin,
		); err != nil {
			return fmt.Errorf("seed user %d: %w", u.ID, err)
		}
		for _, lid := range u.AcceptedLicenses {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO license_acceptances (user_id, license_id) VALUES (?, ?)`, u.ID, lid,
			); err != nil {
				return fmt.Errorf("seed license acceptance: %w", err)
			}
		}
	}

	for _, t := range f.Teams {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO teams (id, name) VALUES (?, ?)`, t.ID, t.Name); err != nil {
			return fmt.Errorf("seed team %d: %w", t.ID, err)
		}
		for _, uid := range t.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO team_members (team_id, user_id) VALUES (?, ?)`, t.ID, uid,
			); err != nil {
				return fmt.Errorf("seed team member: %w", err)
			}
		}
	}

	for i := range f.Projects {
		p := &f.Projects[i]
		mapped, validated, badImagery := p.ProjectBuckets()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, name, status, private, mapping_permission, validation_permission, required_level, license_id,
				tasks_mapped, tasks_validated, tasks_bad_imagery)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status, private = excluded.private,
				mapping_permission = excluded.mapping_permission, validation_permission = excluded.validation_permission,
				required_level = excluded.required_level, license_id = excluded.license_id,
				tasks_mapped = excluded.tasks_mapped, tasks_validated = excluded.tasks_validated,
				tasks_bad_imagery = excluded.tasks_bad_imagery`,
			p.ID, p.Name, p.Status, p.Private, p.MappingPermission, p.ValidationPermission, int(p.RequiredLevel),
			intArg(p.LicenseID), mapped, validated, badImagery,
		); err != nil {
			return fmt.Errorf("seed project %d: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM project_allowed_users WHERE project_id = ?`, p.ID); err != nil {
			return fmt.Errorf("reset allowed users: %w", err)
		}
		for _, uid := range p.AllowedUserIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO project_allowed_users (project_id, user_id) VALUES (?, ?)`, p.ID, uid,
			); err != nil {
				return fmt.Errorf("seed allowed user: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM project_teams WHERE project_id = ?`, p.ID); err != nil {
			return fmt.Errorf("reset project teams: %w", err)
		}
		for _, pt := range p.Teams {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO project_teams (project_id, team_id, role) VALUES (?, ?, ?)`, p.ID, pt.TeamID, pt.Role,
			); err != nil {
				return fmt.Errorf("seed project team: %w", err)
			}
		}

		for _, t := range p.AllTasks() {
			var hasHistory bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM task_history WHERE project_id = ? AND task_id = ?)`, p.ID, t.ID,
			).Scan(&hasHistory); err != nil {
				return fmt.Errorf("seed task %d/%d: %w", p.ID, t.ID, err)
			}
			var geometry interface{}
			if t.Geometry != "" {
				geometry = t.Geometry
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (project_id, id, status, mapped_by, geometry, updated_at) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(project_id, id) DO UPDATE SET status = excluded.status, locked_by = NULL,
					mapped_by = excluded.mapped_by, validated_by = NULL, geometry = excluded.geometry,
					updated_at = excluded.updated_at`,
				p.ID, t.ID, t.Status, intArg(t.MappedBy), geometry, now(),
			); err != nil {
				return fmt.Errorf("seed task %d/%d: %w", p.ID, t.ID, err)
			}
			if t.Status == models.TaskStatusReady && !hasHistory {
				continue
			}
			var actor int64
			if t.MappedBy != nil {
				actor = *t.MappedBy
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_history (project_id, task_id, user_id, action, action_text, action_date, origin)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID, t.ID, actor, models.ActionStateChange, string(t.Status), now(), models.OriginImport,
			); err != nil {
				return fmt.Errorf("seed task %d/%d history: %w", p.ID, t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
