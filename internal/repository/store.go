package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by Get* lookups that match no row.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a write hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

// Repositories groups every entity repository bound to one *gorm.DB, either
// the root connection or an open transaction.
type Repositories struct {
	Sessions     SessionRepository
	Transactions TransactionRepository
	Balances     BalanceRepository
	Inventory    InventoryRepository
	SessionKeys  SessionKeyRepository
	Withdrawals  WithdrawalRepository
	IntentLogs   IntentLogRepository
}

// NewRepositories binds all repositories to db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Sessions:     NewSessionRepository(db),
		Transactions: NewTransactionRepository(db),
		Balances:     NewBalanceRepository(db),
		Inventory:    NewInventoryRepository(db),
		SessionKeys:  NewSessionKeyRepository(db),
		Withdrawals:  NewWithdrawalRepository(db),
		IntentLogs:   NewIntentLogRepository(db),
	}
}

// Store is the transactional record store used by the services.
type Store struct {
	*Repositories
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{Repositories: NewRepositories(db), db: db}
}

// DB exposes the root connection for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn with repositories bound to a single database
// transaction. A non-nil return rolls everything back. Inside fn only the
// passed repositories may be used.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// forUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}
