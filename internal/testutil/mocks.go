// Package testutil provides shared test utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// MockClock is a settable clock.
type MockClock struct {
	mu      sync.Mutex
	NowTime time.Time
}

// NewMockClock creates a clock fixed at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{NowTime: t}
}

// Now returns the configured time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.NowTime = m.NowTime.Add(d)
	m.mu.Unlock()
}

// MockHistoryStore is an in-memory audit.Store.
type MockHistoryStore struct {
	Entries   []models.TaskHistory
	AppendErr error
	ListErr   error
	nextID    int64
}

// NewMockHistoryStore creates an empty history store.
func NewMockHistoryStore() *MockHistoryStore {
	return &MockHistoryStore{nextID: 1}
}

// AppendHistory stores a copy of entry with a fresh id.
func (m *MockHistoryStore) AppendHistory(_ context.Context, entry *models.TaskHistory) (int64, error) {
	if m.AppendErr != nil {
		return 0, m.AppendErr
	}
	if m.nextID == 0 {
		m.nextID = 1
	}
	e := *entry
	e.ID = m.nextID
	m.nextID++
	m.Entries = append(m.Entries, e)
	return e.ID, nil
}

// ListHistory returns a task's entries oldest first.
func (m *MockHistoryStore) ListHistory(_ context.Context, projectID, taskID int64) ([]models.TaskHistory, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []models.TaskHistory
	for _, e := range m.Entries {
		if e.ProjectID == projectID && e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// SetActionText fills the text of an open entry.
func (m *MockHistoryStore) SetActionText(_ context.Context, historyID int64, text string) (bool, error) {
	for i := range m.Entries {
		if m.Entries[i].ID == historyID && m.Entries[i].ActionText == nil {
			t := text
			m.Entries[i].ActionText = &t
			return true, nil
		}
	}
	return false, nil
}

// Push appends a pre-built entry, for arranging history in tests.
func (m *MockHistoryStore) Push(e models.TaskHistory) int64 {
	id, _ := m.AppendHistory(context.Background(), &e)
	return id
}

type taskKey struct {
	project int64
	task    int64
}

// MockTaskStore is an in-memory taskstate.Store.
type MockTaskStore struct {
	*MockHistoryStore
	Tasks     map[taskKey]*models.Task
	UpdateErr error
}

// NewMockTaskStore creates an empty task store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		MockHistoryStore: NewMockHistoryStore(),
		Tasks:            make(map[taskKey]*models.Task),
	}
}

// Put stores a copy of task.
func (m *MockTaskStore) Put(task models.Task) {
	m.Tasks[taskKey{task.ProjectID, task.ID}] = &task
}

// Task returns the stored task or nil.
func (m *MockTaskStore) Task(projectID, taskID int64) *models.Task {
	return m.Tasks[taskKey{projectID, taskID}]
}

// UpdateTask applies a conditional write.
func (m *MockTaskStore) UpdateTask(_ context.Context, u models.TaskUpdate) (bool, error) {
	if m.UpdateErr != nil {
		return false, m.UpdateErr
	}
	t, ok := m.Tasks[taskKey{u.ProjectID, u.TaskID}]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range u.FromStatuses {
		if t.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if u.ExpectLockedBy != nil && (t.LockedBy == nil || *t.LockedBy != *u.ExpectLockedBy) {
		return false, nil
	}
	t.Status = u.Status
	t.LockedBy = u.LockedBy
	t.MappedBy = u.MappedBy
	t.ValidatedBy = u.ValidatedBy
	t.UpdatedAt = u.UpdatedAt
	return true, nil
}

// MockCounterStore is an in-memory stats.Store.
type MockCounterStore struct {
	Projects  map[int64]*models.ProjectCounters
	Users     map[int64]*models.UserCounters
	AdjustErr error
}

// NewMockCounterStore creates an empty counter store.
func NewMockCounterStore() *MockCounterStore {
	return &MockCounterStore{
		Projects: make(map[int64]*models.ProjectCounters),
		Users:    make(map[int64]*models.UserCounters),
	}
}

// AdjustProjectCounters adds the given amounts to a project's buckets.
func (m *MockCounterStore) AdjustProjectCounters(_ context.Context, projectID, mapped, validated, badImagery int64) error {
	if m.AdjustErr != nil {
		return m.AdjustErr
	}
	p, ok := m.Projects[projectID]
	if !ok {
		p = &models.ProjectCounters{ProjectID: projectID}
		m.Projects[projectID] = p
	}
	p.TasksMapped += mapped
	p.TasksValidated += validated
	p.TasksBadImagery += badImagery
	return nil
}

// AdjustUserCounters adds the given amounts to a user's counters.
func (m *MockCounterStore) AdjustUserCounters(_ context.Context, userID, mapped, validated, invalidated int64) error {
	if m.AdjustErr != nil {
		return m.AdjustErr
	}
	u, ok := m.Users[userID]
	if !ok {
		u = &models.UserCounters{UserID: userID}
		m.Users[userID] = u
	}
	u.TasksMapped += mapped
	u.TasksValidated += validated
	u.TasksInvalidated += invalidated
	return nil
}

// Project returns a project's counters, zero when untouched.
func (m *MockCounterStore) Project(projectID int64) models.ProjectCounters {
	if p, ok := m.Projects[projectID]; ok {
		return *p
	}
	return models.ProjectCounters{ProjectID: projectID}
}

// User returns a user's counters, zero when untouched.
func (m *MockCounterStore) User(userID int64) models.UserCounters {
	if u, ok := m.Users[userID]; ok {
		return *u
	}
	return models.UserCounters{UserID: userID}
}

// MockUserService is a test double for permission.UserService.
type MockUserService struct {
	Blocked         map[int64]bool
	Levels          map[int64]models.MappingLevel
	Licenses        map[int64]map[int64]bool
	ProjectManagers map[int64]bool
	Err             error
}

// NewMockUserService creates a user service where everyone is an
// unblocked beginner.
func NewMockUserService() *MockUserService {
	return &MockUserService{
		Blocked:         make(map[int64]bool),
		Levels:          make(map[int64]models.MappingLevel),
		Licenses:        make(map[int64]map[int64]bool),
		ProjectManagers: make(map[int64]bool),
	}
}

// AcceptLicense records that userID accepted licenseID.
func (m *MockUserService) AcceptLicense(userID, licenseID int64) {
	if m.Licenses[userID] == nil {
		m.Licenses[userID] = make(map[int64]bool)
	}
	m.Licenses[userID][licenseID] = true
}

func (m *MockUserService) IsBlocked(_ context.Context, userID int64) (bool, error) {
	return m.Blocked[userID], m.Err
}

func (m *MockUserService) MappingLevel(_ context.Context, userID int64) (models.MappingLevel, error) {
	if level, ok := m.Levels[userID]; ok {
		return level, m.Err
	}
	return models.MappingLevelBeginner, m.Err
}

func (m *MockUserService) HasAcceptedLicense(_ context.Context, userID, licenseID int64) (bool, error) {
	return m.Licenses[userID][licenseID], m.Err
}

// IsProjectManager ignores the project; managers are configured per user.
func (m *MockUserService) IsProjectManager(_ context.Context, userID, _ int64) (bool, error) {
	return m.ProjectManagers[userID], m.Err
}

// MockTeamService is a test double for permission.TeamService.
type MockTeamService struct {
	Teams   map[int64][]models.ProjectTeam
	Members map[int64]map[int64]bool
	Err     error
}

// NewMockTeamService creates a team service with no teams.
func NewMockTeamService() *MockTeamService {
	return &MockTeamService{
		Teams:   make(map[int64][]models.ProjectTeam),
		Members: make(map[int64]map[int64]bool),
	}
}

// AddMember puts userID into teamID.
func (m *MockTeamService) AddMember(teamID, userID int64) {
	if m.Members[teamID] == nil {
		m.Members[teamID] = make(map[int64]bool)
	}
	m.Members[teamID][userID] = true
}

func (m *MockTeamService) ProjectTeams(_ context.Context, projectID int64) ([]models.ProjectTeam, error) {
	return m.Teams[projectID], m.Err
}

func (m *MockTeamService) IsMember(_ context.Context, teamID, userID int64) (bool, error) {
	return m.Members[teamID][userID], m.Err
}

// MockLockIndex is a test double for permission.LockIndex.
type MockLockIndex struct {
	Counts map[int64]int
	Err    error
}

// NewMockLockIndex creates an index where nobody holds a lock.
func NewMockLockIndex() *MockLockIndex {
	return &MockLockIndex{Counts: make(map[int64]int)}
}

func (m *MockLockIndex) ActiveLockCount(_ context.Context, userID int64) (int, error) {
	return m.Counts[userID], m.Err
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}
