// Package repository holds the durable stores: gorm-backed ledger, audit,
// outbox and reconciliation tables, scheduler leases, the Mongo booking
// collection and the Redis webhook dedupe set.
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrStaleState means a conditional update lost a race: the row no
	// longer holds the state the caller read.
	ErrStaleState = errors.New("record changed concurrently")
)

// Store groups the gorm repositories and runs them inside one transaction
// when a state transition must be all-or-nothing.
type Store interface {
	Payments() PaymentRepository
	Audit() AuditRepository
	Outbox() OutboxRepository
	Reconciliation() ReconciliationRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Payments() PaymentRepository { return NewGormPaymentRepository(s.db) }
func (s *gormStore) Audit() AuditRepository      { return NewGormAuditRepository(s.db) }
func (s *gormStore) Outbox() OutboxRepository    { return NewGormOutboxRepository(s.db) }

func (s *gormStore) Reconciliation() ReconciliationRepository {
	return NewGormReconciliationRepository(s.db)
}

func (s *gormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// notFound maps gorm's sentinel to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// paginate clamps page/limit and returns the offset.
func paginate(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	return page, limit, (page - 1) * limit
}
