package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"slotbooker/internal/model"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrSlotNotFound          = errors.New("slot not found")
	ErrSlotFull              = errors.New("slot is full")
	ErrAlreadyProcessed      = errors.New("registration already processed")
	ErrDuplicateRegistration = errors.New("duplicate registration")
)

type Repository interface {
	// events and slots
	CreateEvent(ctx context.Context, e *model.Event) (int64, error)
	GetEventByID(ctx context.Context, id int64) (*model.Event, error)
	GetAllEvents(ctx context.Context) ([]model.Event, error)
	CreateSlot(ctx context.Context, s *model.EventSlot) (int64, error)
	GetSlotByID(ctx context.Context, id int64) (*model.EventSlot, error)
	GetSlotsByEventID(ctx context.Context, eventID int64) ([]model.EventSlot, error)
	CountActiveRegistrations(ctx context.Context, slotID int64) (int, error)
	GetRegistrationsBySlotID(ctx context.Context, slotID int64) ([]model.EventRegistration, error)

	// registrations
	BookSlotTx(ctx context.Context, reg *model.EventRegistration) (int64, bool, error)
	GetRegistrationByID(ctx context.Context, id int64) (*model.EventRegistration, error)
	GetRegistrationBySignature(ctx context.Context, signature string) (*model.EventRegistration, error)
	ConfirmRegistrationTx(ctx context.Context, regID int64, actor string) (*model.EventRegistration, bool, error)
	UpdateStatusTx(ctx context.Context, regID int64, from, to model.RegistrationStatus, actor string) (model.RegistrationStatus, error)
	CancelTx(ctx context.Context, regID int64, actor string, allowCheckedIn bool) (model.RegistrationStatus, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]model.EventRegistration, error)

	// identities
	GetIdentityByID(ctx context.Context, id uuid.UUID) (*model.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error)
	CreateAnonymousIdentity(ctx context.Context) (*model.Identity, error)
	ClaimIdentityTx(ctx context.Context, anonymousID uuid.UUID, email string) (*model.Identity, bool, error)

	// audit log
	RecentLogs(ctx context.Context, limit int) ([]model.RegistrationLog, error)

	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

// isRetryable reports whether the error is a postgres serialization failure
// or deadlock, which a single transaction retry may resolve.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// isUniqueViolation matches the partial unique index on
// (created_by, slot_id) WHERE status <> 'cancelled'.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}
