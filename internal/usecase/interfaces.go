package usecase

import (
	"context"
	"time"

	"github.com/iho/casledger/internal/domain"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks

// AccountStore is the optimistic-concurrency view of account balances.
//
// CompareAndSwap is the only mutation primitive: it writes newBalance and
// increments the version only when the stored version equals
// expectedVersion. It returns domain.ErrVersionConflict when the version
// moved and domain.ErrAccountNotFound when the account does not exist.
// Failures of the backend itself wrap domain.ErrStorageUnavailable.
type AccountStore interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error
}

// LedgerTotals aggregates balances across all accounts.
type LedgerTotals struct {
	TotalBalance int64
	TotalOpening int64
	Accounts     int64
}

// AccountRepository defines data access for accounts.
type AccountRepository interface {
	AccountStore
	Create(ctx context.Context, account *domain.Account) error
	List(ctx context.Context, limit, offset int) ([]*domain.Account, error)
	Totals(ctx context.Context) (LedgerTotals, error)
}

// TransferRepository defines data access for transfer records.
type TransferRepository interface {
	Create(ctx context.Context, transfer *domain.Transfer) error
	// Finalize persists the terminal status of a pending transfer. A record
	// that is no longer pending yields domain.ErrTransferFinalized.
	Finalize(ctx context.Context, transfer *domain.Transfer) error
	// Advance replaces the stage marker of a pending transfer only when the
	// stored marker equals from, which makes it a claim on the next write.
	// Any other marker yields domain.ErrProgressConflict; a terminal record
	// yields domain.ErrTransferFinalized.
	Advance(ctx context.Context, id string, from, to domain.Progress, at time.Time) error
	// ListPending returns pending transfers last updated before cutoff,
	// oldest first.
	ListPending(ctx context.Context, before time.Time, limit int) ([]*domain.Transfer, error)
	GetByID(ctx context.Context, id string) (*domain.Transfer, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error)
}

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// MetricsRecorder receives transfer engine observations.
type MetricsRecorder interface {
	ObserveTransfer(transfer *domain.Transfer, duration time.Duration)
	IncRetry()
	IncCompensation()
}

// IdempotencyStore handles idempotency key storage.
type IdempotencyStore interface {
	// CheckAndSet atomically checks if key exists, sets if not.
	// Returns (exists, existingValue, error).
	CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	// Update updates an existing key with the final response.
	Update(ctx context.Context, key string, response []byte, ttl time.Duration) error
	// Release drops a key whose request did not complete successfully.
	Release(ctx context.Context, key string) error
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransfer(*domain.Transfer, time.Duration) {}
func (noopMetrics) IncRetry()                                      {}
func (noopMetrics) IncCompensation()                               {}
