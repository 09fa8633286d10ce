// Package permission decides whether a user may lock a task for mapping or
// validation on a project.
package permission

import (
	"context"
	"fmt"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Reason names why a permission check failed.
type Reason string

const (
	UserBlocked                Reason = "UserBlocked"
	ProjectNotPublished        Reason = "ProjectNotPublished"
	UserAlreadyHasTaskLocked   Reason = "UserAlreadyHasTaskLocked"
	UserNotOnAllowedList       Reason = "UserNotOnAllowedList"
	UserNotCorrectMappingLevel Reason = "UserNotCorrectMappingLevel"
	UserIsBeginner             Reason = "UserIsBeginner"
	ProjectHasNoTeam           Reason = "ProjectHasNoTeam"
	UserNotTeamMember          Reason = "UserNotTeamMember"
	UserNotAcceptedLicense     Reason = "UserNotAcceptedLicense"
	UserNotPermittedToUndo     Reason = "UserNotPermittedToUndo"
)

// Decision is the result of a permission check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allow = Decision{Allowed: true}

func deny(r Reason) Decision {
	return Decision{Reason: r}
}

// UserService answers questions about users.
type UserService interface {
	IsBlocked(ctx context.Context, userID int64) (bool, error)
	MappingLevel(ctx context.Context, userID int64) (models.MappingLevel, error)
	HasAcceptedLicense(ctx context.Context, userID, licenseID int64) (bool, error)
	IsProjectManager(ctx context.Context, userID, projectID int64) (bool, error)
}

// TeamService answers questions about teams.
type TeamService interface {
	ProjectTeams(ctx context.Context, projectID int64) ([]models.ProjectTeam, error)
	IsMember(ctx context.Context, teamID, userID int64) (bool, error)
}

// ProjectRepository loads project configuration. GetProject returns nil
// when the project does not exist.
type ProjectRepository interface {
	GetProject(ctx context.Context, projectID int64) (*models.ProjectConfig, error)
}

// LockIndex counts the tasks a user currently holds locked.
type LockIndex interface {
	ActiveLockCount(ctx context.Context, userID int64) (int, error)
}

// request carries what the guards look at, loaded lazily.
type request struct {
	project *models.ProjectConfig
	userID  int64
	kind    models.LockKind

	isManager *bool
}

type guard func(ctx context.Context, e *Evaluator, r *request) (Decision, error)

// Evaluator runs an ordered list of guards; the first denial wins.
type Evaluator struct {
	users UserService
	teams TeamService
	locks LockIndex
}

// NewEvaluator creates an evaluator.
func NewEvaluator(users UserService, teams TeamService, locks LockIndex) *Evaluator {
	return &Evaluator{users: users, teams: teams, locks: locks}
}

var guards = []guard{
	guardBlocked,
	guardPublished,
	guardSingleLock,
	guardAllowedList,
	guardProjectPermission,
	guardLicense,
}

// CanMap reports whether userID may lock a task of project for mapping.
func (e *Evaluator) CanMap(ctx context.Context, project *models.ProjectConfig, userID int64) (Decision, error) {
	return e.evaluate(ctx, &request{project: project, userID: userID, kind: models.LockMapping})
}

// CanValidate reports whether userID may lock a task of project for validation.
func (e *Evaluator) CanValidate(ctx context.Context, project *models.ProjectConfig, userID int64) (Decision, error) {
	return e.evaluate(ctx, &request{project: project, userID: userID, kind: models.LockValidation})
}

// Can dispatches on kind.
func (e *Evaluator) Can(ctx context.Context, kind models.LockKind, project *models.ProjectConfig, userID int64) (Decision, error) {
	if kind == models.LockValidation {
		return e.CanValidate(ctx, project, userID)
	}
	return e.CanMap(ctx, project, userID)
}

// CanUndo reports whether userID may reverse a settle performed by actorID.
func (e *Evaluator) CanUndo(ctx context.Context, projectID, userID, actorID int64) (Decision, error) {
	if userID == actorID {
		return allow, nil
	}
	pm, err := e.users.IsProjectManager(ctx, userID, projectID)
	if err != nil {
		return Decision{}, fmt.Errorf("check project manager: %w", err)
	}
	if pm {
		return allow, nil
	}
	return deny(UserNotPermittedToUndo), nil
}

func (e *Evaluator) evaluate(ctx context.Context, r *request) (Decision, error) {
	for _, g := range guards {
		d, err := g(ctx, e, r)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return allow, nil
}

func (e *Evaluator) isManager(ctx context.Context, r *request) (bool, error) {
	if r.isManager == nil {
		pm, err := e.users.IsProjectManager(ctx, r.userID, r.project.ID)
		if err != nil {
			return false, fmt.Errorf("check project manager: %w", err)
		}
		r.isManager = &pm
	}
	return *r.isManager, nil
}

func guardBlocked(ctx context.Context, e *Evaluator, r *request) (Decision, error) {
	blocked, err := e.users.IsBlocked(ctx, r.userID)
	if err != nil {
		return Decision{}, fmt.Errorf("check blocked: %w", err)
	}
	if blocked {
		return deny(UserBlocked), nil
	}
	return allow, nil
}

func guardPublished(ctx context.Context, e *Evaluator, r *request) (Decision, error) {
	if r.project.Status == models.ProjectStatusPublished {
		return allow, nil
	}
	pm, err := e.isManager(ctx, r)
	if err != nil {
		return Decision{}, err
	}
	if !pm {
		return deny(ProjectNotPublished), nil
	}
	return allow, nil
}

func guardSingleLock(ctx context.Context, e *Evaluator, r *request) (Decision, error) {
	n, err := e.locks.ActiveLockCount(ctx, r.userID)
	if err != nil {
		return Decision{}, fmt.Errorf("count active locks: %w", err)
	}
	if n > 0 {
		return deny(UserAlreadyHasTaskLocked), nil
	}
	return allow, nil
}

func guardAllowedList(_ context.Context, _ *Evaluator, r *request) (Decision, error) {
	if r.project.Private && !r.project.Allows(r.userID) {
		return deny(UserNotOnAllowedList), nil
	}
	return allow, nil
}

func guardProjectPermission(ctx context.Context, e *Evaluator, r *request) (Decision, error) {
	perm := r.project.MappingPermission
	if r.kind == models.LockValidation {
		perm = r.project.ValidationPermission
	}

	if perm.RequiresLevel() {
		d, err := e.checkLevel(ctx, r)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	if perm.RequiresTeams() {
		return e.checkTeams(ctx, r)
	}
	return allow, nil
}

func (e *Evaluator) checkLevel(ctx context.Context, r *request) (Decision, error) {
	level, err := e.users.MappingLevel(ctx, r.userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load mapping level: %w", err)
	}
	required := r.project.RequiredLevel
	if required == 0 {
		required = models.MappingLevelIntermediate
	}
	if level.AtLeast(required) {
		return allow, nil
	}
	if r.kind == models.LockValidation {
		return deny(UserIsBeginner), nil
	}
	return deny(UserNotCorrectMappingLevel), nil
}

func qualifyingRoles(kind models.LockKind) []models.TeamRole {
	if kind == models.LockValidation {
		return []models.TeamRole{models.TeamRoleValidator, models.TeamRoleProjectManager}
	}
	return []models.TeamRole{models.TeamRoleMapper, models.TeamRoleValidator, models.TeamRoleProjectManager}
}

func (e *Evaluator) checkTeams(ctx context.Context, r *request) (Decision, error) {
	if r.kind == models.LockValidation {
		pm, err := e.isManager(ctx, r)
		if err != nil {
			return Decision{}, err
		}
		if pm {
			return allow, nil
		}
	}

	teams, err := e.teams.ProjectTeams(ctx, r.project.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load project teams: %w", err)
	}
	roles := qualifyingRoles(r.kind)

	found := false
	for _, t := range teams {
		if !hasRole(roles, t.Role) {
			continue
		}
		found = true
		member, err := e.teams.IsMember(ctx, t.TeamID, r.userID)
		if err != nil {
			return Decision{}, fmt.Errorf("check team %d membership: %w", t.TeamID, err)
		}
		if member {
			return allow, nil
		}
	}
	if !found {
		return deny(ProjectHasNoTeam), nil
	}
	return deny(UserNotTeamMember), nil
}

func hasRole(roles []models.TeamRole, role models.TeamRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func guardLicense(ctx context.Context, e *Evaluator, r *request) (Decision, error) {
	if r.project.LicenseID == nil {
		return allow, nil
	}
	ok, err := e.users.HasAcceptedLicense(ctx, r.userID, *r.project.LicenseID)
	if err != nil {
		return Decision{}, fmt.Errorf("check license: %w", err)
	}
	if !ok {
		return deny(UserNotAcceptedLicense), nil
	}
	return allow, nil
}
