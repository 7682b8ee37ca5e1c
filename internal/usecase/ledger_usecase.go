package usecase

import (
	"context"
	"errors"
)

// ErrInconsistentLedger is returned when account balances no longer add up
// to the funds the ledger was opened with.
var ErrInconsistentLedger = errors.New("ledger is inconsistent: total balance differs from total opening balance")

// ConsistencyReport summarizes a conservation check.
type ConsistencyReport struct {
	TotalBalance int64
	TotalOpening int64
	Accounts     int64
	Consistent   bool
}

// LedgerUseCase handles ledger-wide operations.
type LedgerUseCase struct {
	accountRepo AccountRepository
}

// NewLedgerUseCase creates a new LedgerUseCase.
func NewLedgerUseCase(accountRepo AccountRepository) *LedgerUseCase {
	return &LedgerUseCase{
		accountRepo: accountRepo,
	}
}

// CheckConsistency verifies that transfers only moved money around: the sum
// of all balances must equal the sum of all opening balances. The report is
// returned alongside ErrInconsistentLedger when they differ.
//
// The totals are read without stopping writers, so a check that overlaps a
// transfer between its debit and credit may observe a transient shortfall.
func (uc *LedgerUseCase) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	totals, err := uc.accountRepo.Totals(ctx)
	if err != nil {
		return nil, err
	}

	report := &ConsistencyReport{
		TotalBalance: totals.TotalBalance,
		TotalOpening: totals.TotalOpening,
		Accounts:     totals.Accounts,
		Consistent:   totals.TotalBalance == totals.TotalOpening,
	}

	if !report.Consistent {
		return report, ErrInconsistentLedger
	}

	return report, nil
}
