package usecase

import (
	"context"
	"errors"
	"testing"
)

func TestLedgerUseCase_CheckConsistency(t *testing.T) {
	tests := []struct {
		name        string
		repo        *fakeTotalsRepository
		want        bool
		expectedErr error
	}{
		{
			name: "balanced ledger",
			repo: &fakeTotalsRepository{totals: LedgerTotals{TotalBalance: 300, TotalOpening: 300, Accounts: 3}},
			want: true,
		},
		{
			name: "empty ledger",
			repo: &fakeTotalsRepository{},
			want: true,
		},
		{
			name:        "money lost",
			repo:        &fakeTotalsRepository{totals: LedgerTotals{TotalBalance: 260, TotalOpening: 300, Accounts: 3}},
			expectedErr: ErrInconsistentLedger,
		},
		{
			name:        "money created",
			repo:        &fakeTotalsRepository{totals: LedgerTotals{TotalBalance: 301, TotalOpening: 300, Accounts: 3}},
			expectedErr: ErrInconsistentLedger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := NewLedgerUseCase(tt.repo)
			report, err := uc.CheckConsistency(context.Background())

			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Fatalf("expected error %v, got %v", tt.expectedErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if report.Consistent != tt.want {
				t.Fatalf("Consistent = %v, want %v", report.Consistent, tt.want)
			}

			if report.TotalBalance != tt.repo.totals.TotalBalance || report.Accounts != tt.repo.totals.Accounts {
				t.Errorf("report does not carry totals: %+v", report)
			}
		})
	}
}

func TestLedgerUseCase_RepositoryError(t *testing.T) {
	repo := &fakeTotalsRepository{err: errors.New("db down")}
	uc := NewLedgerUseCase(repo)

	report, err := uc.CheckConsistency(context.Background())
	if err == nil || report != nil {
		t.Fatalf("expected error and no report, got %+v, %v", report, err)
	}

	if repo.calls != 1 {
		t.Fatalf("expected one Totals call, got %d", repo.calls)
	}
}

type fakeTotalsRepository struct {
	AccountRepository

	totals LedgerTotals
	err    error
	calls  int
}

func (f *fakeTotalsRepository) Totals(context.Context) (LedgerTotals, error) {
	f.calls++
	return f.totals, f.err
}
