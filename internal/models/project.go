package models

import "fmt"

// ProjectStatus is the publication state of a project.
type ProjectStatus string

const (
	ProjectStatusDraft     ProjectStatus = "DRAFT"
	ProjectStatusPublished ProjectStatus = "PUBLISHED"
	ProjectStatusArchived  ProjectStatus = "ARCHIVED"
)

// MappingLevel is a user's self-declared or earned experience level.
type MappingLevel int

const (
	MappingLevelBeginner MappingLevel = iota + 1
	MappingLevelIntermediate
	MappingLevelAdvanced
)

var mappingLevelNames = map[MappingLevel]string{
	MappingLevelBeginner:     "BEGINNER",
	MappingLevelIntermediate: "INTERMEDIATE",
	MappingLevelAdvanced:     "ADVANCED",
}

func (l MappingLevel) String() string {
	if name, ok := mappingLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// AtLeast reports whether l meets the required level.
func (l MappingLevel) AtLeast(required MappingLevel) bool {
	return l >= required
}

// ParseMappingLevel converts a level name to a MappingLevel.
func ParseMappingLevel(s string) (MappingLevel, bool) {
	for level, name := range mappingLevelNames {
		if name == s {
			return level, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (l MappingLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *MappingLevel) UnmarshalText(text []byte) error {
	level, ok := ParseMappingLevel(string(text))
	if !ok {
		return fmt.Errorf("unknown mapping level %q", text)
	}
	*l = level
	return nil
}

// TeamRole is the role a team plays on a project.
type TeamRole string

const (
	TeamRoleMapper         TeamRole = "MAPPER"
	TeamRoleValidator      TeamRole = "VALIDATOR"
	TeamRoleProjectManager TeamRole = "PROJECT_MANAGER"
)

// Permission restricts who may lock tasks for mapping or validation.
type Permission string

const (
	PermissionNone          Permission = "NONE"
	PermissionLevel         Permission = "LEVEL"
	PermissionTeams         Permission = "TEAMS"
	PermissionTeamsAndLevel Permission = "TEAMS_AND_LEVEL"
)

// RequiresLevel reports whether the permission includes a level check.
func (p Permission) RequiresLevel() bool {
	return p == PermissionLevel || p == PermissionTeamsAndLevel
}

// RequiresTeams reports whether the permission includes a team check.
func (p Permission) RequiresTeams() bool {
	return p == PermissionTeams || p == PermissionTeamsAndLevel
}

// ProjectConfig is the subset of a project the permission evaluator reads.
type ProjectConfig struct {
	ID                   int64         `json:"id" yaml:"id"`
	Name                 string        `json:"name" yaml:"name"`
	Status               ProjectStatus `json:"status" yaml:"status"`
	Private              bool          `json:"private" yaml:"private"`
	MappingPermission    Permission    `json:"mapping_permission" yaml:"mapping_permission"`
	ValidationPermission Permission    `json:"validation_permission" yaml:"validation_permission"`
	RequiredLevel        MappingLevel  `json:"required_level" yaml:"required_level"`
	LicenseID            *int64        `json:"license_id,omitempty" yaml:"license_id"`
	AllowedUserIDs       []int64       `json:"allowed_user_ids,omitempty" yaml:"allowed_users"`
}

// Allows reports whether userID is on the project's allowed list.
func (p *ProjectConfig) Allows(userID int64) bool {
	for _, id := range p.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ProjectTeam is a team attached to a project with a role.
type ProjectTeam struct {
	TeamID int64    `json:"team_id" yaml:"team_id"`
	Role   TeamRole `json:"role" yaml:"role"`
}
