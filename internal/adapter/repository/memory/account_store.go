// Package memory provides in-process implementations of the repositories.
// They honor the same compare-and-swap contract as the durable backends and
// back the default server mode and the engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

type slot struct {
	mu      sync.Mutex
	account domain.Account
}

// AccountStore keeps accounts in memory. Each account sits behind its own
// mutex, so compare-and-swap calls on different accounts never contend.
type AccountStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
	order []string
	now   func() time.Time
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		slots: make(map[string]*slot),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *AccountStore) lookup(id string) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[id]
	return sl, ok
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if account.Balance < 0 {
		return domain.ErrNegativeBalance
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slots[account.ID]; ok {
		return domain.ErrAccountExists
	}

	s.slots[account.ID] = &slot{account: *account}
	s.order = append(s.order, account.ID)

	return nil
}

// Get returns a snapshot of the account.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sl, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	sl.mu.Lock()
	account := sl.account
	sl.mu.Unlock()

	return &account, nil
}

// CompareAndSwap sets the balance when the stored version still equals
// expectedVersion and bumps the version by one.
func (s *AccountStore) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sl, ok := s.lookup(id)
	if !ok {
		return domain.ErrAccountNotFound
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.account.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	if newBalance < 0 {
		return domain.ErrNegativeBalance
	}

	sl.account.Balance = newBalance
	sl.account.Version++
	sl.account.UpdatedAt = s.now()

	return nil
}

// List returns accounts in creation order.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	if offset >= len(ids) {
		return []*domain.Account{}, nil
	}

	end := min(offset+limit, len(ids))
	accounts := make([]*domain.Account, 0, end-offset)

	for _, id := range ids[offset:end] {
		account, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}

// Totals sums balances and opening balances over all accounts.
func (s *AccountStore) Totals(ctx context.Context) (usecase.LedgerTotals, error) {
	if err := ctx.Err(); err != nil {
		return usecase.LedgerTotals{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals usecase.LedgerTotals

	for _, sl := range s.slots {
		sl.mu.Lock()
		totals.TotalBalance += sl.account.Balance
		totals.TotalOpening += sl.account.OpeningBalance
		sl.mu.Unlock()
		totals.Accounts++
	}

	return totals, nil
}

// Snapshot returns every account sorted by ID.
func (s *AccountStore) Snapshot() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.slots))
	for _, sl := range s.slots {
		sl.mu.Lock()
		out = append(out, sl.account)
		sl.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}
