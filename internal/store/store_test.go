package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

func int64p(v int64) *int64 { return &v }

// newTestStore creates a temporary store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testFixture() *Fixture {
	return &Fixture{
		Licenses: []FixtureLicense{{ID: 1, Name: "ODbL"}},
		Users: []FixtureUser{
			{ID: 10, Username: "mapper", MappingLevel: models.MappingLevelIntermediate, AcceptedLicenses: []int64{1}},
			{ID: 20, Username: "validator", MappingLevel: models.MappingLevelAdvanced},
			{ID: 30, Username: "blocked", Blocked: true},
			{ID: 40, Username: "admin", Admin: true},
		},
		Teams: []FixtureTeam{
			{ID: 5, Name: "validators", Members: []int64{20}},
			{ID: 6, Name: "managers", Members: []int64{10}},
		},
		Projects: []FixtureProject{
			{
				ProjectConfig: models.ProjectConfig{
					ID:                   1,
					Name:                 "Flood response",
					Status:               models.ProjectStatusPublished,
					Private:              true,
					ValidationPermission: models.PermissionTeams,
					LicenseID:            int64p(1),
					AllowedUserIDs:       []int64{10, 20},
				},
				Teams: []models.ProjectTeam{
					{TeamID: 5, Role: models.TeamRoleValidator},
					{TeamID: 6, Role: models.TeamRoleProjectManager},
				},
				Tasks: []FixtureTask{
					{ID: 1},
					{ID: 2, Status: models.TaskStatusMapped, MappedBy: int64p(10)},
				},
				TaskCount: 2,
			},
		},
	}
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	if err := s.Seed(context.Background(), testFixture()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return s
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSeed_ProjectsAndTasks(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	p, err := s.GetProject(ctx, 1)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if p == nil || p.Name != "Flood response" || !p.Private {
		t.Fatalf("Unexpected project: %+v", p)
	}
	if p.RequiredLevel != models.MappingLevelIntermediate {
		t.Errorf("Expected default required level, got %v", p.RequiredLevel)
	}
	if !p.Allows(20) || p.Allows(30) {
		t.Errorf("Unexpected allowed list: %v", p.AllowedUserIDs)
	}

	tasks, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("Expected 4 tasks, got %d", len(tasks))
	}
	if tasks[1].Status != models.TaskStatusMapped || tasks[1].MappedBy == nil || *tasks[1].MappedBy != 10 {
		t.Errorf("Unexpected seeded task: %+v", tasks[1])
	}

	c, err := s.ProjectCounters(ctx, 1)
	if err != nil {
		t.Fatalf("ProjectCounters failed: %v", err)
	}
	if c.TotalTasks != 4 || c.TasksMapped != 1 {
		t.Errorf("Unexpected counters: %+v", c)
	}

	history, err := s.ListHistory(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Origin != models.OriginImport {
		t.Errorf("Expected one import entry, got %+v", history)
	}

	if got, _ := s.GetProject(ctx, 99); got != nil {
		t.Error("Expected nil for unknown project")
	}
	if got, _ := s.GetTask(ctx, 1, 99); got != nil {
		t.Error("Expected nil for unknown task")
	}
}

func TestSeed_Idempotent(t *testing.T) {
	s := seededStore(t)
	if err := s.Seed(context.Background(), testFixture()); err != nil {
		t.Fatalf("Second seed failed: %v", err)
	}
	c, _ := s.ProjectCounters(context.Background(), 1)
	if c.TotalTasks != 4 || c.TasksMapped != 1 {
		t.Errorf("Unexpected counters after reseed: %+v", c)
	}
}

func TestSeed_ReadyOverHistoryWritesImport(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	text := string(models.TaskStatusMapped)
	if _, err := s.AppendHistory(ctx, &models.TaskHistory{
		ProjectID: 1, TaskID: 1, UserID: 10, Action: models.ActionStateChange,
		ActionText: &text, ActionDate: time.Now().UTC(), Origin: models.OriginUser,
	}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := s.Seed(ctx, testFixture()); err != nil {
		t.Fatalf("Reseed failed: %v", err)
	}

	entries, err := s.ListHistory(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	last := entries[1]
	if last.Origin != models.OriginImport || last.ActionText == nil || *last.ActionText != string(models.TaskStatusReady) {
		t.Errorf("Expected a READY import entry, got %+v", last)
	}

	// untouched READY tasks stay without history
	if entries, _ := s.ListHistory(ctx, 1, 3); len(entries) != 0 {
		t.Errorf("Expected no history for task 3, got %d entries", len(entries))
	}
}

func TestHistory_PriorMappedByRoundTrip(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	text := string(models.TaskStatusMapped)
	if _, err := s.AppendHistory(ctx, &models.TaskHistory{
		ProjectID: 1, TaskID: 2, UserID: 20, Action: models.ActionStateChange, ActionText: &text,
		ActionDate: time.Now().UTC(), Origin: models.OriginUser, PriorMappedBy: int64p(10),
	}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	entries, err := s.ListHistory(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	last := entries[len(entries)-1]
	if last.PriorMappedBy == nil || *last.PriorMappedBy != 10 {
		t.Errorf("Expected prior mapper 10, got %v", last.PriorMappedBy)
	}
	if entries[0].PriorMappedBy != nil {
		t.Errorf("Expected no prior mapper on import entry, got %v", *entries[0].PriorMappedBy)
	}
}

func TestNew_AddsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := s.db.Exec(`ALTER TABLE task_history DROP COLUMN prior_mapped_by`); err != nil {
		t.Fatalf("Drop column failed: %v", err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('task_history') WHERE name = 'prior_mapped_by'`,
	).Scan(&n); err != nil || n != 1 {
		t.Errorf("Expected prior_mapped_by to be restored: n=%d err=%v", n, err)
	}
}

func TestDirectory(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	if blocked, _ := s.IsBlocked(ctx, 30); !blocked {
		t.Error("Expected user 30 to be blocked")
	}
	if blocked, _ := s.IsBlocked(ctx, 999); blocked {
		t.Error("Unknown users should not be blocked")
	}
	if level, _ := s.MappingLevel(ctx, 20); level != models.MappingLevelAdvanced {
		t.Errorf("Expected ADVANCED, got %v", level)
	}
	if level, _ := s.MappingLevel(ctx, 999); level != models.MappingLevelBeginner {
		t.Errorf("Expected BEGINNER for unknown user, got %v", level)
	}
	if ok, _ := s.HasAcceptedLicense(ctx, 10, 1); !ok {
		t.Error("Expected user 10 to have accepted license 1")
	}
	if ok, _ := s.HasAcceptedLicense(ctx, 20, 1); ok {
		t.Error("User 20 has not accepted license 1")
	}
	if pm, _ := s.IsProjectManager(ctx, 10, 1); !pm {
		t.Error("Expected user 10 to manage project 1 through team 6")
	}
	if pm, _ := s.IsProjectManager(ctx, 40, 1); !pm {
		t.Error("Expected admin to manage every project")
	}
	if pm, _ := s.IsProjectManager(ctx, 20, 1); pm {
		t.Error("User 20 is not a project manager")
	}

	teams, err := s.ProjectTeams(ctx, 1)
	if err != nil || len(teams) != 2 {
		t.Fatalf("Expected 2 project teams, got %v (%v)", teams, err)
	}
	if member, _ := s.IsMember(ctx, 5, 20); !member {
		t.Error("Expected user 20 in team 5")
	}
}

func TestUpdateTask_Conditional(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.UpdateTask(ctx, models.TaskUpdate{
		ProjectID: 1, TaskID: 1,
		FromStatuses: []models.TaskStatus{models.TaskStatusMapped},
		Status:       models.TaskStatusLockedForValidation, LockedBy: int64p(20), UpdatedAt: now,
	})
	if err != nil || ok {
		t.Fatalf("Expected no match for wrong status, got ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateTask(ctx, models.TaskUpdate{
		ProjectID: 1, TaskID: 1,
		FromStatuses: []models.TaskStatus{models.TaskStatusReady, models.TaskStatusInvalidated},
		Status:       models.TaskStatusLockedForMapping, LockedBy: int64p(10), UpdatedAt: now,
	})
	if err != nil || !ok {
		t.Fatalf("Expected lock to apply, got ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateTask(ctx, models.TaskUpdate{
		ProjectID: 1, TaskID: 1,
		FromStatuses:   []models.TaskStatus{models.TaskStatusLockedForMapping},
		ExpectLockedBy: int64p(20),
		Status:         models.TaskStatusMapped, UpdatedAt: now,
	})
	if err != nil || ok {
		t.Fatalf("Expected no match for wrong holder, got ok=%v err=%v", ok, err)
	}

	task, _ := s.GetTask(ctx, 1, 1)
	if task.Status != models.TaskStatusLockedForMapping || task.LockedBy == nil || *task.LockedBy != 10 {
		t.Errorf("Unexpected task after updates: %+v", task)
	}
	if n, _ := s.ActiveLockCount(ctx, 10); n != 1 {
		t.Errorf("Expected 1 active lock, got %d", n)
	}
	if n, _ := s.ProjectLockCount(ctx, 1); n != 1 {
		t.Errorf("Expected 1 project lock, got %d", n)
	}
}

func TestUpdateTask_OneLockPerUser(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	lock := func(taskID int64) (bool, error) {
		return s.UpdateTask(ctx, models.TaskUpdate{
			ProjectID: 1, TaskID: taskID,
			FromStatuses: []models.TaskStatus{models.TaskStatusReady},
			Status:       models.TaskStatusLockedForMapping, LockedBy: int64p(10), UpdatedAt: time.Now(),
		})
	}
	if ok, err := lock(1); err != nil || !ok {
		t.Fatalf("First lock failed: ok=%v err=%v", ok, err)
	}
	if _, err := lock(3); !errors.Is(err, ErrUserHasLock) {
		t.Fatalf("Expected ErrUserHasLock, got %v", err)
	}
}

func TestHistory_AppendAndAmend(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	id, err := s.AppendHistory(ctx, &models.TaskHistory{
		ProjectID: 1, TaskID: 1, UserID: 10, Action: models.ActionLockedForMapping, ActionDate: at,
	})
	if err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	ok, err := s.SetActionText(ctx, id, "00:10:00.000000")
	if err != nil || !ok {
		t.Fatalf("First amend failed: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetActionText(ctx, id, "00:20:00.000000")
	if err != nil || ok {
		t.Fatalf("Second amend should not apply: ok=%v err=%v", ok, err)
	}

	entries, err := s.ListHistory(ctx, 1, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d (%v)", len(entries), err)
	}
	e := entries[0]
	if e.ActionText == nil || *e.ActionText != "00:10:00.000000" {
		t.Errorf("Unexpected text: %v", e.ActionText)
	}
	if !e.ActionDate.Equal(at) {
		t.Errorf("Expected action date %v, got %v", at, e.ActionDate)
	}
}

func TestLockedTasks(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := s.UpdateTask(ctx, models.TaskUpdate{
		ProjectID: 1, TaskID: 2,
		FromStatuses: []models.TaskStatus{models.TaskStatusMapped},
		Status:       models.TaskStatusLockedForValidation, LockedBy: int64p(20), MappedBy: int64p(10), UpdatedAt: at,
	}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if _, err := s.AppendHistory(ctx, &models.TaskHistory{
		ProjectID: 1, TaskID: 2, UserID: 20, Action: models.ActionLockedForValidation, ActionDate: at,
	}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	locks, err := s.LockedTasks(ctx)
	if err != nil {
		t.Fatalf("LockedTasks failed: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("Expected 1 locked task, got %d", len(locks))
	}
	l := locks[0]
	if l.TaskID != 2 || l.LockedBy != 20 || l.Status != models.TaskStatusLockedForValidation || !l.LockedAt.Equal(at) {
		t.Errorf("Unexpected lock: %+v", l)
	}

	if stale := StaleLocks(locks, at); len(stale) != 0 {
		t.Error("Lock at cutoff is not stale")
	}
	if stale := StaleLocks(locks, at.Add(time.Second)); len(stale) != 1 {
		t.Error("Expected lock to be stale")
	}
}

func TestCounters(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	if err := s.AdjustProjectCounters(ctx, 1, 1, 0, 0); err != nil {
		t.Fatalf("AdjustProjectCounters failed: %v", err)
	}
	if err := s.AdjustProjectCounters(ctx, 1, 0, -1, 0); !errors.Is(err, ErrCounterUnderflow) {
		t.Errorf("Expected ErrCounterUnderflow, got %v", err)
	}
	if err := s.AdjustProjectCounters(ctx, 99, 1, 0, 0); !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Expected ErrUnknownProject, got %v", err)
	}

	if err := s.AdjustUserCounters(ctx, 77, 1, 0, 0); err != nil {
		t.Fatalf("AdjustUserCounters failed: %v", err)
	}
	uc, _ := s.UserCounters(ctx, 77)
	if uc.TasksMapped != 1 {
		t.Errorf("Expected 1 mapped, got %d", uc.TasksMapped)
	}
	if err := s.AdjustUserCounters(ctx, 77, 0, 0, -1); !errors.Is(err, ErrCounterUnderflow) {
		t.Errorf("Expected ErrCounterUnderflow, got %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.UpdateTask(ctx, models.TaskUpdate{
			ProjectID: 1, TaskID: 1,
			FromStatuses: []models.TaskStatus{models.TaskStatusReady},
			Status:       models.TaskStatusLockedForMapping, LockedBy: int64p(10), UpdatedAt: time.Now(),
		}); err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, 1, 1)
		if err != nil || task.Status != models.TaskStatusLockedForMapping {
			t.Errorf("Expected tx to see its own write, got %+v (%v)", task, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	task, _ := s.GetTask(ctx, 1, 1)
	if task.Status != models.TaskStatusReady || task.LockedBy != nil {
		t.Errorf("Expected rollback, got %+v", task)
	}
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	doc := `
licenses:
  - id: 1
    name: ODbL
users:
  - id: 10
    username: ana
    mapping_level: ADVANCED
projects:
  - id: 3
    name: Roads
    mapping_permission: LEVEL
    required_level: ADVANCED
    allowed_users: [10]
    teams:
      - team_id: 5
        role: VALIDATOR
    tasks:
      - id: 1
        status: BADIMAGERY
    task_count: 5
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture failed: %v", err)
	}
	if f.Users[0].MappingLevel != models.MappingLevelAdvanced {
		t.Errorf("Expected ADVANCED, got %v", f.Users[0].MappingLevel)
	}
	p := f.Projects[0]
	if p.Status != models.ProjectStatusPublished || p.MappingPermission != models.PermissionLevel {
		t.Errorf("Unexpected project defaults: %+v", p.ProjectConfig)
	}
	if p.RequiredLevel != models.MappingLevelAdvanced || !p.Allows(10) {
		t.Errorf("Unexpected project config: %+v", p.ProjectConfig)
	}
	if got := len(p.AllTasks()); got != 6 {
		t.Errorf("Expected 6 tasks, got %d", got)
	}
	if _, _, bad := p.ProjectBuckets(); bad != 1 {
		t.Errorf("Expected 1 bad imagery task, got %d", bad)
	}
}

func TestLoadFixture_RejectsLockedStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	doc := "projects:\n  - id: 1\n    tasks:\n      - id: 1\n        status: LOCKED_FOR_MAPPING\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("Expected error for locked status")
	}
}
