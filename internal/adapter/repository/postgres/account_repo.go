package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

const (
	accountColumns = `id, balance, opening_balance, version, created_at, updated_at`

	insertAccountSQL = `INSERT INTO accounts (` + accountColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)`

	selectAccountSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	casAccountSQL = `UPDATE accounts
SET balance = $3, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2`

	accountExistsSQL = `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`

	listAccountsSQL = `SELECT ` + accountColumns + ` FROM accounts
ORDER BY created_at, id
LIMIT $1 OFFSET $2`

	accountTotalsSQL = `SELECT COALESCE(SUM(balance), 0)::BIGINT, COALESCE(SUM(opening_balance), 0)::BIGINT, COUNT(*)
FROM accounts`
)

// AccountRepository implements usecase.AccountRepository.
type AccountRepository struct {
	pool    pgxPool
	retrier *Retrier
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool, logger zerolog.Logger) *AccountRepository {
	return newAccountRepositoryWithPool(pool, NewRetrier(logger))
}

func newAccountRepositoryWithPool(pool pgxPool, retrier *Retrier) *AccountRepository {
	return &AccountRepository{pool: pool, retrier: retrier}
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	err := r.retrier.Retry(ctx, func() error {
		_, err := r.pool.Exec(ctx, insertAccountSQL,
			account.ID,
			account.Balance,
			account.OpeningBalance,
			account.Version,
			account.CreatedAt,
			account.UpdatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return domain.ErrAccountExists
	}

	return classify(err, "create account")
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	var account *domain.Account

	err := r.retrier.Retry(ctx, func() error {
		var err error
		account, err = scanAccount(r.pool.QueryRow(ctx, selectAccountSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}

	if err != nil {
		return nil, classify(err, "get account")
	}

	return account, nil
}

// CompareAndSwap writes newBalance only if the row still carries
// expectedVersion. A miss is resolved into not-found or a version conflict
// with a second read; the miss itself wrote nothing, so a race between the
// two statements cannot corrupt the row.
func (r *AccountRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	var affected int64

	err := r.retrier.Retry(ctx, func() error {
		tag, err := r.pool.Exec(ctx, casAccountSQL, id, expectedVersion, newBalance)
		if err != nil {
			return err
		}

		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return classify(err, "compare and swap")
	}

	if affected == 1 {
		return nil
	}

	var exists bool

	err = r.retrier.Retry(ctx, func() error {
		return r.pool.QueryRow(ctx, accountExistsSQL, id).Scan(&exists)
	})
	if err != nil {
		return classify(err, "read account version")
	}

	if !exists {
		return domain.ErrAccountNotFound
	}

	return domain.ErrVersionConflict
}

// List lists accounts in creation order.
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	var accounts []*domain.Account

	err := r.retrier.Retry(ctx, func() error {
		rows, err := r.pool.Query(ctx, listAccountsSQL, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		accounts = make([]*domain.Account, 0, limit)

		for rows.Next() {
			account, err := scanAccount(rows)
			if err != nil {
				return err
			}

			accounts = append(accounts, account)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, classify(err, "list accounts")
	}

	return accounts, nil
}

// Totals sums balances and opening balances over all accounts.
func (r *AccountRepository) Totals(ctx context.Context) (usecase.LedgerTotals, error) {
	var totals usecase.LedgerTotals

	err := r.retrier.Retry(ctx, func() error {
		return r.pool.QueryRow(ctx, accountTotalsSQL).Scan(&totals.TotalBalance, &totals.TotalOpening, &totals.Accounts)
	})
	if err != nil {
		return usecase.LedgerTotals{}, classify(err, "ledger totals")
	}

	return totals, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account

	if err := row.Scan(&a.ID, &a.Balance, &a.OpeningBalance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	return &a, nil
}
