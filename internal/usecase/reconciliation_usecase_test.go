package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/iho/casledger/internal/adapter/repository/memory"
	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
	"github.com/iho/casledger/internal/usecase/mocks"
)

var reconcileBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// unreachableAccount fails every write to one account before it reaches
// the store.
type unreachableAccount struct {
	*memory.AccountStore
	id string
}

func (s unreachableAccount) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	if id == s.id {
		return errConnRefused
	}

	return s.AccountStore.CompareAndSwap(ctx, id, expectedVersion, newBalance)
}

type reconcileLedger struct {
	accounts  *memory.AccountStore
	transfers *memory.TransferRepository
	engine    *usecase.TransferUseCase
	uc        *usecase.ReconciliationUseCase
	clock     time.Time
}

func newReconcileLedger(t *testing.T, balances map[string]int64) *reconcileLedger {
	t.Helper()

	l := &reconcileLedger{
		accounts:  memory.NewAccountStore(),
		transfers: memory.NewTransferRepository(),
		clock:     reconcileBase.Add(10 * time.Minute),
	}

	for id, balance := range balances {
		if err := l.accounts.Create(context.Background(), &domain.Account{ID: id, Balance: balance, OpeningBalance: balance}); err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
	}

	l.engine = usecase.NewTransferUseCase(l.accounts, l.transfers, mocks.NewSequenceIDGenerator("tx"),
		usecase.WithTransferConfig(testTransferConfig(3)),
		usecase.WithClock(func() time.Time { return l.clock }),
	)
	l.uc = usecase.NewReconciliationUseCase(l.engine, usecase.ReconcileConfig{MinAge: time.Minute}, zerolog.Nop())

	return l
}

// stranded stores a pending transfer whose last recorded write is marker.
func (l *reconcileLedger) stranded(t *testing.T, sender, receiver string, amount int64, marker domain.Progress) {
	t.Helper()

	ctx := context.Background()
	tr := domain.NewTransfer("tx-stranded", sender, receiver, amount, reconcileBase)
	if err := l.transfers.Create(ctx, tr); err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	if marker.Stage == domain.StageInitiated {
		return
	}

	if err := l.transfers.Advance(ctx, tr.ID, tr.Progress(), marker, reconcileBase); err != nil {
		t.Fatalf("advance transfer: %v", err)
	}
}

// move applies delta to an account the way a landed engine write would.
func (l *reconcileLedger) move(t *testing.T, id string, delta int64) {
	t.Helper()

	acc, err := l.accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}

	if err := l.accounts.CompareAndSwap(context.Background(), id, acc.Version, acc.Balance+delta); err != nil {
		t.Fatalf("move %s: %v", id, err)
	}
}

func (l *reconcileLedger) balance(t *testing.T, id string) int64 {
	t.Helper()

	acc, err := l.accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}

	return acc.Balance
}

func TestReconciliationUseCase_ResolvesByStage(t *testing.T) {
	tests := []struct {
		name            string
		receiver        string
		setup           func(t *testing.T, l *reconcileLedger)
		marker          domain.Progress
		wantResolution  usecase.Resolution
		wantStatus      domain.TransferStatus
		wantReason      domain.RejectReason
		wantCompensated bool
		wantA, wantB    int64
	}{
		{
			name:           "never debited",
			receiver:       "B",
			marker:         domain.Progress{Stage: domain.StageInitiated},
			wantResolution: usecase.ResolutionRejected,
			wantStatus:     domain.TransferStatusRejected,
			wantReason:     domain.ReasonStorageUnavailable,
			wantA:          100,
		},
		{
			name:           "debit never landed",
			receiver:       "B",
			marker:         domain.Progress{Stage: domain.StageDebiting},
			wantResolution: usecase.ResolutionRejected,
			wantStatus:     domain.TransferStatusRejected,
			wantReason:     domain.ReasonStorageUnavailable,
			wantA:          100,
		},
		{
			name:           "debit may have landed",
			receiver:       "B",
			setup:          func(t *testing.T, l *reconcileLedger) { l.move(t, "A", -30) },
			marker:         domain.Progress{Stage: domain.StageDebiting},
			wantResolution: usecase.ResolutionUnresolved,
			wantStatus:     domain.TransferStatusPending,
			wantA:          70,
		},
		{
			name:            "credit never landed",
			receiver:        "B",
			setup:           func(t *testing.T, l *reconcileLedger) { l.move(t, "A", -30) },
			marker:          domain.Progress{Stage: domain.StageCrediting},
			wantResolution:  usecase.ResolutionCompensated,
			wantStatus:      domain.TransferStatusRejected,
			wantReason:      domain.ReasonStorageUnavailable,
			wantCompensated: true,
			wantA:           100,
		},
		{
			name:     "credit may have landed",
			receiver: "B",
			setup: func(t *testing.T, l *reconcileLedger) {
				l.move(t, "A", -30)
				l.move(t, "B", 30)
			},
			marker:         domain.Progress{Stage: domain.StageCrediting},
			wantResolution: usecase.ResolutionUnresolved,
			wantStatus:     domain.TransferStatusPending,
			wantA:          70,
			wantB:          30,
		},
		{
			name:            "receiver vanished before credit",
			receiver:        "ghost",
			setup:           func(t *testing.T, l *reconcileLedger) { l.move(t, "A", -30) },
			marker:          domain.Progress{Stage: domain.StageCrediting},
			wantResolution:  usecase.ResolutionCompensated,
			wantStatus:      domain.TransferStatusRejected,
			wantReason:      domain.ReasonAccountNotFound,
			wantCompensated: true,
			wantA:           100,
		},
		{
			name:            "refund never landed",
			receiver:        "B",
			setup:           func(t *testing.T, l *reconcileLedger) { l.move(t, "A", -30) },
			marker:          domain.Progress{Stage: domain.StageRefunding, Version: 1},
			wantResolution:  usecase.ResolutionCompensated,
			wantStatus:      domain.TransferStatusRejected,
			wantReason:      domain.ReasonStorageUnavailable,
			wantCompensated: true,
			wantA:           100,
		},
		{
			name:     "refund may have landed",
			receiver: "B",
			setup: func(t *testing.T, l *reconcileLedger) {
				l.move(t, "A", -30)
				l.move(t, "A", 30)
			},
			marker:         domain.Progress{Stage: domain.StageRefunding, Version: 1},
			wantResolution: usecase.ResolutionUnresolved,
			wantStatus:     domain.TransferStatusPending,
			wantA:          100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newReconcileLedger(t, map[string]int64{"A": 100, "B": 0})
			if tt.setup != nil {
				tt.setup(t, l)
			}
			l.stranded(t, "A", tt.receiver, 30, tt.marker)

			report, err := l.uc.ReconcilePending(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if report.Scanned != 1 || len(report.Results) != 1 {
				t.Fatalf("expected one handled record, got %+v", report)
			}

			if got := report.Results[0].Resolution; got != tt.wantResolution {
				t.Fatalf("expected %s, got %s", tt.wantResolution, got)
			}

			stored, err := l.transfers.GetByID(context.Background(), "tx-stranded")
			if err != nil {
				t.Fatalf("get transfer: %v", err)
			}

			if stored.Status != tt.wantStatus || stored.Reason != tt.wantReason || stored.Compensated != tt.wantCompensated {
				t.Errorf("unexpected record %s/%s compensated=%v", stored.Status, stored.Reason, stored.Compensated)
			}

			if got := l.balance(t, "A"); got != tt.wantA {
				t.Errorf("expected A=%d, got %d", tt.wantA, got)
			}

			if got := l.balance(t, "B"); got != tt.wantB {
				t.Errorf("expected B=%d, got %d", tt.wantB, got)
			}
		})
	}
}

func TestReconciliationUseCase_ReturnsDebitHeldByFailedCredit(t *testing.T) {
	l := newReconcileLedger(t, map[string]int64{"A": 100, "B": 0})
	l.clock = reconcileBase

	engine := usecase.NewTransferUseCase(unreachableAccount{AccountStore: l.accounts, id: "B"}, l.transfers,
		mocks.NewSequenceIDGenerator("tx"),
		usecase.WithTransferConfig(testTransferConfig(3)),
		usecase.WithClock(func() time.Time { return l.clock }),
	)
	reconciler := usecase.NewReconciliationUseCase(engine, usecase.ReconcileConfig{MinAge: time.Minute}, zerolog.Nop())

	transfer, err := engine.Transfer(context.Background(), usecase.TransferInput{SenderID: "A", ReceiverID: "B", Amount: 30})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}

	if transfer.Status != domain.TransferStatusPending || transfer.Stage != domain.StageCrediting {
		t.Fatalf("expected pending at crediting, got %s at %s", transfer.Status, transfer.Stage)
	}

	if got := l.balance(t, "A"); got != 70 {
		t.Fatalf("expected the debit to be held, A=%d", got)
	}

	// a pass inside the settle window leaves the record alone
	report, err := reconciler.ReconcilePending(context.Background())
	if err != nil || report.Scanned != 0 {
		t.Fatalf("expected an empty pass, got %+v, %v", report, err)
	}

	l.clock = l.clock.Add(5 * time.Minute)

	report, err = reconciler.ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Compensated != 1 {
		t.Fatalf("expected the debit to be returned, got %+v", report)
	}

	if got := l.balance(t, "A"); got != 100 {
		t.Errorf("expected A=100 after reconciliation, got %d", got)
	}

	stored, err := engine.GetTransfer(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}

	if stored.Status != domain.TransferStatusRejected || !stored.Compensated {
		t.Errorf("expected rejected and compensated, got %s compensated=%v", stored.Status, stored.Compensated)
	}

	totals, err := l.accounts.Totals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}

	if totals.TotalBalance != totals.TotalOpening {
		t.Errorf("ledger unbalanced: %d != %d", totals.TotalBalance, totals.TotalOpening)
	}
}

func TestReconciliationUseCase_SkipsRecentRecords(t *testing.T) {
	l := newReconcileLedger(t, map[string]int64{"A": 100, "B": 0})

	tr := domain.NewTransfer("tx-live", "A", "B", 10, l.clock.Add(-30*time.Second))
	if err := l.transfers.Create(context.Background(), tr); err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	report, err := l.uc.ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Scanned != 0 {
		t.Fatalf("expected the live record to be skipped, got %+v", report)
	}

	stored, err := l.transfers.GetByID(context.Background(), "tx-live")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}

	if stored.Status != domain.TransferStatusPending {
		t.Errorf("expected pending, got %s", stored.Status)
	}
}

func TestReconciliationUseCase_ConcurrentPassesRefundOnce(t *testing.T) {
	for _, marker := range []domain.Progress{
		{Stage: domain.StageCrediting},
		{Stage: domain.StageRefunding, Version: 1},
	} {
		t.Run(string(marker.Stage), func(t *testing.T) {
			l := newReconcileLedger(t, map[string]int64{"A": 100, "B": 0})
			l.move(t, "A", -30)
			l.stranded(t, "A", "B", 30, marker)

			const passes = 8

			var (
				wg          sync.WaitGroup
				mu          sync.Mutex
				compensated int
			)

			for i := 0; i < passes; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					uc := usecase.NewReconciliationUseCase(l.engine, usecase.ReconcileConfig{MinAge: time.Minute}, zerolog.Nop())
					report, err := uc.ReconcilePending(context.Background())
					if err != nil {
						t.Errorf("pass failed: %v", err)
						return
					}

					mu.Lock()
					compensated += report.Compensated
					mu.Unlock()
				}()
			}

			wg.Wait()

			if compensated != 1 {
				t.Errorf("expected exactly one compensation, got %d", compensated)
			}

			if got := l.balance(t, "A"); got != 100 {
				t.Errorf("expected A=100, got %d", got)
			}
		})
	}
}

func TestReconciliationUseCase_StorageFailureStopsPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine, accounts, transfers, _ := newStrictMockTransferUseCase(ctrl, 3)
	uc := usecase.NewReconciliationUseCase(engine, usecase.ReconcileConfig{MinAge: time.Minute, BatchSize: 10}, zerolog.Nop())

	first := domain.NewTransfer("tx-1", "A", "B", 10, reconcileBase)
	first.Stage = domain.StageDebiting
	second := domain.NewTransfer("tx-2", "C", "D", 10, reconcileBase)

	transfers.EXPECT().ListPending(gomock.Any(), gomock.Any(), 10).Return([]*domain.Transfer{first, second}, nil)
	accounts.EXPECT().Get(gomock.Any(), "A").Return(nil, errConnRefused)

	report, err := uc.ReconcilePending(context.Background())
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}

	if report.Scanned != 1 || len(report.Results) != 0 {
		t.Errorf("expected the pass to stop at the first record, got %+v", report)
	}
}

func TestReconciliationUseCase_ListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine, _, transfers, _ := newStrictMockTransferUseCase(ctrl, 3)
	uc := usecase.NewReconciliationUseCase(engine, usecase.ReconcileConfig{}, zerolog.Nop())

	transfers.EXPECT().ListPending(gomock.Any(), gomock.Any(), usecase.DefaultReconcileBatchSize).Return(nil, errors.New("connection reset"))

	report, err := uc.ReconcilePending(context.Background())
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}

	if report == nil || report.Scanned != 0 {
		t.Errorf("expected an empty report, got %+v", report)
	}
}

func TestReconciliationUseCase_RecordSettledElsewhereIsSkipped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine, _, transfers, _ := newStrictMockTransferUseCase(ctrl, 3)
	uc := usecase.NewReconciliationUseCase(engine, usecase.ReconcileConfig{MinAge: time.Minute}, zerolog.Nop())

	stale := domain.NewTransfer("tx-1", "A", "B", 10, reconcileBase)

	transfers.EXPECT().ListPending(gomock.Any(), gomock.Any(), gomock.Any()).Return([]*domain.Transfer{stale}, nil)
	transfers.EXPECT().Finalize(gomock.Any(), gomock.Any()).Return(domain.ErrTransferFinalized)

	report, err := uc.ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Skipped != 1 || report.Rejected != 0 {
		t.Errorf("expected the record to be skipped, got %+v", report)
	}
}
