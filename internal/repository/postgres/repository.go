// Package postgres implements the service repositories on PostgreSQL with
// pgx and squirrel. Delivery items are claimed with FOR UPDATE SKIP LOCKED,
// so several dispatcher replicas can share one queue.
package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

const (
	_pgUniqueViolation     = "23505"
	_pgForeignKeyViolation = "23503"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Store hands out repositories that share one pool.
type Store struct {
	db *storage.Postgres
}

func New(db *storage.Postgres) *Store {
	return &Store{db: db}
}

func (s *Store) Notifications() *NotificationRepository { return &NotificationRepository{db: s.db} }
func (s *Store) Queue() *QueueRepository { return &QueueRepository{db: s.db} }
func (s *Store) Templates() *TemplateRepository { return &TemplateRepository{db: s.db} }
func (s *Store) Rules() *RuleRepository { return &RuleRepository{db: s.db} }
func (s *Store) Settings() *SettingsRepository { return &SettingsRepository{db: s.db} }
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{db: s.db} }
func (s *Store) Devices() *DeviceRepository { return &DeviceRepository{db: s.db} }
func (s *Store) Directory() *Directory { return &Directory{db: s.db} }

// wrap maps driver errors onto domain errors.
func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case _pgUniqueViolation:
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, entity.ErrConflict)
		case _pgForeignKeyViolation:
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, entity.ErrNotFound)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func fromStrings[T ~string](in []string) []T {
	if len(in) == 0 {
		return nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = T(v)
	}
	return out
}
