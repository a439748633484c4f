// Package store provides storage backends for the SMS agent.
//
// It includes an in-memory store for tests and local runs, and SQLite and PostgreSQL
// backends sharing one SQL implementation.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/habitkit/smsagent/internal/models"
)

// ErrNotFound is returned when an update or delete targets a row that does not exist.
var ErrNotFound = errors.New("store: record not found")

// ProfileRepo reads profiles and flips the SMS opt-in flag.
type ProfileRepo interface {
	// GetProfileByPhone returns nil, nil when no profile owns the phone number.
	GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error)
	SetSMSOptIn(ctx context.Context, userID string, optIn bool) error
}

// HabitRepo covers the weekly schedule, tracking config and entries tables.
type HabitRepo interface {
	// ListScheduleRows returns every schedule row for the user ordered by habit name, then weekday.
	ListScheduleRows(ctx context.Context, userID string) ([]models.ScheduleRow, error)
	// ListHabitScheduleRows returns the rows of one habit ordered by weekday.
	ListHabitScheduleRows(ctx context.Context, userID, habitName string) ([]models.ScheduleRow, error)
	DeleteScheduleRows(ctx context.Context, ids []string) error
	DeleteHabitSchedules(ctx context.Context, userID, habitName string) error
	ListTrackingConfigs(ctx context.Context, userID string) ([]models.TrackingConfig, error)
	UpdateTrackingTarget(ctx context.Context, userID, habitName string, target float64) error
	DisableTracking(ctx context.Context, userID, habitName string) error
	// RenameHabit renames the habit across schedules, tracking configs and entries.
	RenameHabit(ctx context.Context, userID, oldName, newName string) error
}

// SessionRepo persists backup-plan conversation sessions.
type SessionRepo interface {
	// ReplaceBackupSession deletes every session of the user and inserts s.
	ReplaceBackupSession(ctx context.Context, s models.BackupSession) error
	// GetLatestBackupSession returns the newest session expiring after now, or nil.
	GetLatestBackupSession(ctx context.Context, userID string, now time.Time) (*models.BackupSession, error)
	UpdateBackupSession(ctx context.Context, id string, step models.BackupStep, context []byte) error
	DeleteBackupSession(ctx context.Context, id string) error
	DeleteExpiredBackupSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepo stores backup-plan audit entries. Entries are never updated or deleted.
type AuditRepo interface {
	InsertBackupPlanLog(ctx context.Context, entry models.BackupPlanLog) error
	ListBackupPlanLogs(ctx context.Context, userID string) ([]models.BackupPlanLog, error)
}

// MessageLogRepo stores one row per SMS sent or received.
type MessageLogRepo interface {
	InsertMessageLog(ctx context.Context, entry models.MessageLog) error
	ListMessageLogs(ctx context.Context, phone string) ([]models.MessageLog, error)
}

// Seeder writes the externally owned profile and habit data. The agent itself never
// creates habits; seeding exists for tests and local fixtures.
type Seeder interface {
	UpsertProfile(ctx context.Context, p models.Profile) error
	InsertScheduleRow(ctx context.Context, row models.ScheduleRow) error
	UpsertTrackingConfig(ctx context.Context, cfg models.TrackingConfig) error
	InsertHabitEntry(ctx context.Context, entry models.HabitEntry) error
	ListHabitEntries(ctx context.Context, userID string) ([]models.HabitEntry, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	ProfileRepo
	HabitRepo
	SessionRepo
	AuditRepo
	MessageLogRepo
	DedupRepo
	Seeder
	Ping(ctx context.Context) error
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend for the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
