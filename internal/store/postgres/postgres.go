// Package postgres provides a PostgreSQL implementation of the tasking
// store using GORM.
//
// The schema matches the SQLite backend: counters carry CHECK constraints
// so an adjustment below zero fails the transaction, and a partial unique
// index on tasks.locked_by enforces one active lock per user. Reads made
// through a transaction take a row lock on the task they load, so two
// concurrent operations on the same task serialize on that row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
)

// Store is a PostgreSQL-backed store.Backend.
type Store struct {
	queries
	db *gorm.DB
}

var _ store.Backend = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{queries: queries{db: db}, db: db}
	if err := s.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate creates missing tables, columns and indexes. It is safe to run
// repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&projectRow{},
		&taskRow{},
		&historyRow{},
		&userRow{},
		&teamRow{},
		&teamMemberRow{},
		&projectTeamRow{},
		&allowedUserRow{},
		&licenseRow{},
		&licenseAcceptanceRow{},
	); err != nil {
		return err
	}
	// GORM cannot express partial indexes in struct tags.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_locked_by
		ON tasks (locked_by) WHERE locked_by IS NOT NULL`).Error
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&queries{db: tx, lockRows: true})
	})
}

// isCheckViolation reports a PostgreSQL check_violation (23514). GORM's
// error translation does not cover it.
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

// --- Rows ---

type projectRow struct {
	ID                   int64  `gorm:"primaryKey;autoIncrement:false"`
	Name                 string `gorm:"not null;default:''"`
	Status               string `gorm:"not null;default:DRAFT"`
	Private              bool   `gorm:"not null;default:false"`
	MappingPermission    string `gorm:"not null;default:NONE"`
	ValidationPermission string `gorm:"not null;default:NONE"`
	RequiredLevel        int    `gorm:"not null;default:2"`
	LicenseID            *int64
	TasksMapped          int64 `gorm:"not null;default:0;check:chk_projects_tasks_mapped,tasks_mapped >= 0"`
	TasksValidated       int64 `gorm:"not null;default:0;check:chk_projects_tasks_validated,tasks_validated >= 0"`
	TasksBadImagery      int64 `gorm:"not null;default:0;check:chk_projects_tasks_bad_imagery,tasks_bad_imagery >= 0"`
}

func (projectRow) TableName() string { return "projects" }

type taskRow struct {
	ProjectID   int64  `gorm:"primaryKey;autoIncrement:false;index:idx_tasks_project_status,priority:1"`
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	Status      string `gorm:"not null;default:READY;index:idx_tasks_project_status,priority:2"`
	LockedBy    *int64
	MappedBy    *int64
	ValidatedBy *int64
	Geometry    *string   `gorm:"type:text"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (taskRow) TableName() string { return "tasks" }

type historyRow struct {
	ID            int64     `gorm:"primaryKey"`
	ProjectID     int64     `gorm:"not null;index:idx_task_history_task,priority:1"`
	TaskID        int64     `gorm:"not null;index:idx_task_history_task,priority:2"`
	UserID        int64     `gorm:"not null"`
	Action        string    `gorm:"not null"`
	ActionText    *string   `gorm:"type:text"`
	ActionDate    time.Time `gorm:"not null"`
	Origin        *string
	CountedUserID *int64
	PriorMappedBy *int64
}

func (historyRow) TableName() string { return "task_history" }

type userRow struct {
	ID               int64  `gorm:"primaryKey;autoIncrement:false"`
	Username         string `gorm:"not null;default:''"`
	MappingLevel     int    `gorm:"not null;default:1"`
	Blocked          bool   `gorm:"not null;default:false"`
	IsAdmin          bool   `gorm:"not null;default:false"`
	TasksMapped      int64  `gorm:"not null;default:0;check:chk_users_tasks_mapped,tasks_mapped >= 0"`
	TasksValidated   int64  `gorm:"not null;default:0;check:chk_users_tasks_validated,tasks_validated >= 0"`
	TasksInvalidated int64  `gorm:"not null;default:0;check:chk_users_tasks_invalidated,tasks_invalidated >= 0"`
}

func (userRow) TableName() string { return "users" }

type teamRow struct {
	ID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"not null;default:''"`
}

func (teamRow) TableName() string { return "teams" }

type teamMemberRow struct {
	TeamID int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (teamMemberRow) TableName() string { return "team_members" }

type projectTeamRow struct {
	ProjectID int64  `gorm:"primaryKey;autoIncrement:false"`
	TeamID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Role      string `gorm:"primaryKey"`
}

func (projectTeamRow) TableName() string { return "project_teams" }

type allowedUserRow struct {
	ProjectID int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (allowedUserRow) TableName() string { return "project_allowed_users" }

type licenseRow struct {
	ID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"not null;default:''"`
}

func (licenseRow) TableName() string { return "licenses" }

type licenseAcceptanceRow struct {
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
	LicenseID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (licenseAcceptanceRow) TableName() string { return "license_acceptances" }
