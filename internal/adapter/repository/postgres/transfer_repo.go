package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/iho/casledger/internal/domain"
)

const (
	transferColumns = `id, sender_id, receiver_id, amount, status, reason, stage, stage_version, attempts, compensated, created_at, updated_at`

	insertTransferSQL = `INSERT INTO transfers (` + transferColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	finalizeTransferSQL = `UPDATE transfers
SET status = $2, reason = $3, attempts = $4, compensated = $5, updated_at = $6
WHERE id = $1 AND status = 'pending'`

	transferStatusSQL = `SELECT status FROM transfers WHERE id = $1`

	advanceTransferSQL = `UPDATE transfers
SET stage = $4, stage_version = $5, updated_at = $6
WHERE id = $1 AND status = 'pending' AND stage = $2 AND stage_version = $3`

	transferProgressSQL = `SELECT status, stage, stage_version FROM transfers WHERE id = $1`

	listPendingTransfersSQL = `SELECT ` + transferColumns + ` FROM transfers
WHERE status = 'pending' AND updated_at < $1
ORDER BY updated_at, id
LIMIT $2`

	selectTransferSQL = `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	listTransfersByAccountSQL = `SELECT ` + transferColumns + ` FROM transfers
WHERE sender_id = $1 OR receiver_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
)

// TransferRepository implements usecase.TransferRepository.
type TransferRepository struct {
	pool    pgxPool
	retrier *Retrier
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(pool *pgxpool.Pool, logger zerolog.Logger) *TransferRepository {
	return newTransferRepositoryWithPool(pool, NewRetrier(logger))
}

func newTransferRepositoryWithPool(pool pgxPool, retrier *Retrier) *TransferRepository {
	return &TransferRepository{pool: pool, retrier: retrier}
}

// Create inserts a transfer record.
func (r *TransferRepository) Create(ctx context.Context, transfer *domain.Transfer) error {
	err := r.retrier.Retry(ctx, func() error {
		_, err := r.pool.Exec(ctx, insertTransferSQL,
			transfer.ID,
			transfer.SenderID,
			transfer.ReceiverID,
			transfer.Amount,
			string(transfer.Status),
			string(transfer.Reason),
			string(transfer.Stage),
			transfer.StageVersion,
			transfer.Attempts,
			transfer.Compensated,
			transfer.CreatedAt,
			transfer.UpdatedAt,
		)
		return err
	})

	return classify(err, "create transfer")
}

// Finalize moves a pending record to its terminal state.
func (r *TransferRepository) Finalize(ctx context.Context, transfer *domain.Transfer) error {
	var affected int64

	err := r.retrier.Retry(ctx, func() error {
		tag, err := r.pool.Exec(ctx, finalizeTransferSQL,
			transfer.ID,
			string(transfer.Status),
			string(transfer.Reason),
			transfer.Attempts,
			transfer.Compensated,
			transfer.UpdatedAt,
		)
		if err != nil {
			return err
		}

		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return classify(err, "finalize transfer")
	}

	if affected == 1 {
		return nil
	}

	var status string

	err = r.retrier.Retry(ctx, func() error {
		return r.pool.QueryRow(ctx, transferStatusSQL, transfer.ID).Scan(&status)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTransferNotFound
	}

	if err != nil {
		return classify(err, "read transfer status")
	}

	return domain.ErrTransferFinalized
}

// Advance moves the stage marker of a pending transfer.
func (r *TransferRepository) Advance(ctx context.Context, id string, from, to domain.Progress, at time.Time) error {
	var affected int64

	err := r.retrier.Retry(ctx, func() error {
		tag, err := r.pool.Exec(ctx, advanceTransferSQL,
			id,
			string(from.Stage),
			from.Version,
			string(to.Stage),
			to.Version,
			at,
		)
		if err != nil {
			return err
		}

		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return classify(err, "advance transfer")
	}

	if affected == 1 {
		return nil
	}

	var (
		status  string
		stage   string
		version int64
	)

	err = r.retrier.Retry(ctx, func() error {
		return r.pool.QueryRow(ctx, transferProgressSQL, id).Scan(&status, &stage, &version)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTransferNotFound
	}

	if err != nil {
		return classify(err, "read transfer stage")
	}

	if status != string(domain.TransferStatusPending) {
		return domain.ErrTransferFinalized
	}

	return domain.ErrProgressConflict
}

// ListPending returns pending transfers last updated before cutoff.
func (r *TransferRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*domain.Transfer, error) {
	transfers, err := r.query(ctx, limit, listPendingTransfersSQL, before, limit)
	if err != nil {
		return nil, classify(err, "list pending transfers")
	}

	return transfers, nil
}

// GetByID retrieves a transfer by ID.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	var transfer *domain.Transfer

	err := r.retrier.Retry(ctx, func() error {
		var err error
		transfer, err = scanTransfer(r.pool.QueryRow(ctx, selectTransferSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransferNotFound
	}

	if err != nil {
		return nil, classify(err, "get transfer")
	}

	return transfer, nil
}

// ListByAccount lists transfers sent or received by an account, newest first.
func (r *TransferRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	transfers, err := r.query(ctx, limit, listTransfersByAccountSQL, accountID, limit, offset)
	if err != nil {
		return nil, classify(err, "list transfers")
	}

	return transfers, nil
}

func (r *TransferRepository) query(ctx context.Context, capacity int, sql string, args ...any) ([]*domain.Transfer, error) {
	var transfers []*domain.Transfer

	err := r.retrier.Retry(ctx, func() error {
		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		transfers = make([]*domain.Transfer, 0, capacity)

		for rows.Next() {
			transfer, err := scanTransfer(rows)
			if err != nil {
				return err
			}

			transfers = append(transfers, transfer)
		}

		return rows.Err()
	})

	return transfers, err
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t      domain.Transfer
		status string
		reason string
		stage  string
	)

	err := row.Scan(
		&t.ID,
		&t.SenderID,
		&t.ReceiverID,
		&t.Amount,
		&status,
		&reason,
		&stage,
		&t.StageVersion,
		&t.Attempts,
		&t.Compensated,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TransferStatus(status)
	t.Reason = domain.RejectReason(reason)
	t.Stage = domain.TransferStage(stage)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	return &t, nil
}
