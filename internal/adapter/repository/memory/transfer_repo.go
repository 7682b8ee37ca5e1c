package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iho/casledger/internal/domain"
)

// TransferRepository keeps transfer records in memory.
type TransferRepository struct {
	mu        sync.RWMutex
	transfers map[string]*domain.Transfer
	byAccount map[string][]string
}

// NewTransferRepository creates an empty TransferRepository.
func NewTransferRepository() *TransferRepository {
	return &TransferRepository{
		transfers: make(map[string]*domain.Transfer),
		byAccount: make(map[string][]string),
	}
}

// Create stores a new transfer record.
func (r *TransferRepository) Create(ctx context.Context, transfer *domain.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transfers[transfer.ID]; ok {
		return fmt.Errorf("transfer %s already exists", transfer.ID)
	}

	stored := *transfer
	r.transfers[transfer.ID] = &stored

	r.byAccount[transfer.SenderID] = append(r.byAccount[transfer.SenderID], transfer.ID)
	if transfer.ReceiverID != transfer.SenderID {
		r.byAccount[transfer.ReceiverID] = append(r.byAccount[transfer.ReceiverID], transfer.ID)
	}

	return nil
}

// Finalize records the terminal state of a pending transfer.
func (r *TransferRepository) Finalize(ctx context.Context, transfer *domain.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.transfers[transfer.ID]
	if !ok {
		return domain.ErrTransferNotFound
	}

	if stored.IsFinal() {
		return domain.ErrTransferFinalized
	}

	stored.Status = transfer.Status
	stored.Reason = transfer.Reason
	stored.Attempts = transfer.Attempts
	stored.Compensated = transfer.Compensated
	stored.UpdatedAt = transfer.UpdatedAt

	return nil
}

// Advance moves the stage marker of a pending transfer.
func (r *TransferRepository) Advance(ctx context.Context, id string, from, to domain.Progress, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.transfers[id]
	if !ok {
		return domain.ErrTransferNotFound
	}

	if stored.IsFinal() {
		return domain.ErrTransferFinalized
	}

	if stored.Progress() != from {
		return domain.ErrProgressConflict
	}

	stored.Stage = to.Stage
	stored.StageVersion = to.Version
	stored.UpdatedAt = at

	return nil
}

// ListPending returns pending transfers untouched since before, oldest first.
func (r *TransferRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Transfer

	for _, stored := range r.transfers {
		if stored.IsFinal() || !stored.UpdatedAt.Before(before) {
			continue
		}

		t := *stored
		out = append(out, &t)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// GetByID returns a copy of the stored transfer.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}

	out := *stored

	return &out, nil
}

// ListByAccount returns transfers touching the account, newest first.
func (r *TransferRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byAccount[accountID]
	out := make([]*domain.Transfer, 0, min(limit, len(ids)))

	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		t := *r.transfers[ids[i]]
		out = append(out, &t)
	}

	return out, nil
}
