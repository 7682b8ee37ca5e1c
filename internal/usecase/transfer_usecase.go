package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/iho/casledger/internal/domain"
)

// TransferConfig tunes the transfer retry policy.
type TransferConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SettleTimeout  time.Duration
}

// DefaultTransferConfig returns the production retry policy.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		SettleTimeout:  DefaultSettleTimeout,
	}
}

// TransferUseCase moves funds between accounts.
//
// It holds no locks. Every balance mutation goes through
// AccountStore.CompareAndSwap, so transfers over disjoint account pairs run
// fully in parallel and transfers sharing an account resolve contention by
// retrying from a fresh read.
type TransferUseCase struct {
	accounts  AccountStore
	transfers TransferRepository
	idGen     IDGenerator
	metrics   MetricsRecorder
	logger    zerolog.Logger
	cfg       TransferConfig
	now       func() time.Time
}

// TransferOption configures a TransferUseCase.
type TransferOption func(*TransferUseCase)

// WithTransferConfig overrides the retry policy.
func WithTransferConfig(cfg TransferConfig) TransferOption {
	return func(uc *TransferUseCase) { uc.cfg = cfg }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) TransferOption {
	return func(uc *TransferUseCase) {
		if m != nil {
			uc.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) TransferOption {
	return func(uc *TransferUseCase) { uc.logger = l }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) TransferOption {
	return func(uc *TransferUseCase) { uc.now = now }
}

// NewTransferUseCase creates a new TransferUseCase.
func NewTransferUseCase(
	accounts AccountStore,
	transfers TransferRepository,
	idGen IDGenerator,
	opts ...TransferOption,
) *TransferUseCase {
	uc := &TransferUseCase{
		accounts:  accounts,
		transfers: transfers,
		idGen:     idGen,
		metrics:   noopMetrics{},
		logger:    zerolog.Nop(),
		cfg:       DefaultTransferConfig(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// TransferInput represents input for creating a transfer.
type TransferInput struct {
	SenderID   string
	ReceiverID string
	Amount     int64
}

// outcome is the result of the balance phase. An empty reason means the
// transfer committed.
type outcome struct {
	reason      domain.RejectReason
	compensated bool
}

// Transfer moves input.Amount from sender to receiver.
//
// Business rejections are returned as a rejected record with a nil error.
// A canceled context before any balance was touched yields a rejected
// record together with an error wrapping domain.ErrTransferCanceled. Errors
// wrapping domain.ErrStorageUnavailable mean the outcome could not be
// determined; the stored record is left pending with a stage marker that
// ReconciliationUseCase resolves later.
func (uc *TransferUseCase) Transfer(ctx context.Context, input TransferInput) (*domain.Transfer, error) {
	start := time.Now()

	transfer := domain.NewTransfer(uc.idGen.Generate(), input.SenderID, input.ReceiverID, input.Amount, uc.now())
	log := uc.logger.With().
		Str("transfer_id", transfer.ID).
		Str("sender_id", transfer.SenderID).
		Str("receiver_id", transfer.ReceiverID).
		Int64("amount", transfer.Amount).
		Logger()

	if err := uc.transfers.Create(ctx, transfer); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransferCanceled, ctx.Err())
		}

		return nil, asStorageError(fmt.Errorf("create transfer record: %w", err))
	}

	res, err := uc.run(ctx, transfer, log)
	if err != nil && res.reason != domain.ReasonCanceled {
		log.Error().Err(err).Int("attempts", transfer.Attempts).Msg("transfer left pending")
		uc.metrics.ObserveTransfer(transfer, time.Since(start))

		return transfer, err
	}

	transfer.Compensated = res.compensated
	if res.reason == domain.ReasonNone {
		_ = transfer.Commit(uc.now())
	} else {
		_ = transfer.Reject(res.reason, uc.now())
	}

	if ferr := uc.finalize(ctx, transfer); ferr != nil {
		log.Error().Err(ferr).Str("status", string(transfer.Status)).Msg("failed to persist transfer status")
		uc.metrics.ObserveTransfer(transfer, time.Since(start))

		return transfer, errors.Join(err, ferr)
	}

	uc.metrics.ObserveTransfer(transfer, time.Since(start))
	log.Info().
		Str("status", string(transfer.Status)).
		Str("reason", string(transfer.Reason)).
		Int("attempts", transfer.Attempts).
		Bool("compensated", transfer.Compensated).
		Msg("transfer finalized")

	return transfer, err
}

func (uc *TransferUseCase) run(ctx context.Context, t *domain.Transfer, log zerolog.Logger) (outcome, error) {
	if err := t.Validate(); err != nil {
		log.Debug().Err(err).Msg("transfer rejected by validation")
		return outcome{reason: domain.ReasonInvalidRequest}, nil
	}

	b := uc.newBackOff()

	for attempt := 0; attempt <= uc.cfg.MaxRetries; attempt++ {
		t.Attempts = attempt + 1

		if attempt > 0 {
			uc.metrics.IncRetry()

			if err := sleep(ctx, b.NextBackOff()); err != nil {
				return canceled(err)
			}
		}

		if err := ctx.Err(); err != nil {
			return canceled(err)
		}

		sender, receiver, reason, err := uc.load(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return canceled(ctx.Err())
			}

			return outcome{}, asStorageError(err)
		}

		if reason != domain.ReasonNone {
			return outcome{reason: reason}, nil
		}

		if !sender.CanDebit(t.Amount) {
			return outcome{reason: domain.ReasonInsufficientFunds}, nil
		}

		if !receiver.CanCredit(t.Amount) {
			return outcome{reason: domain.ReasonBalanceOverflow}, nil
		}

		if err := uc.advance(ctx, t, domain.StageDebiting, sender.Version); err != nil {
			if ctx.Err() != nil {
				return canceled(ctx.Err())
			}

			return outcome{}, err
		}

		// From here on the caller can no longer cancel.
		err = uc.swap(ctx, sender.ID, sender.Version, sender.ApplyDebit(t.Amount))

		switch {
		case err == nil:
			log.Debug().Int("attempt", t.Attempts).Msg("sender debited")
			return uc.settle(ctx, t, receiver, attempt, b, log)
		case errors.Is(err, domain.ErrVersionConflict):
			log.Debug().Int("attempt", t.Attempts).Msg("sender version conflict, retrying")
		case errors.Is(err, domain.ErrAccountNotFound):
			return outcome{reason: domain.ReasonAccountNotFound}, nil
		case errors.Is(err, domain.ErrNegativeBalance):
			return outcome{reason: domain.ReasonInsufficientFunds}, nil
		case errors.Is(err, domain.ErrNotAttempted):
			log.Warn().Err(err).Msg("account store refused the debit")
			return outcome{reason: domain.ReasonStorageUnavailable}, nil
		default:
			return outcome{}, asStorageError(fmt.Errorf("debit sender: %w", err))
		}
	}

	log.Warn().Int("attempts", t.Attempts).Msg("retry budget exhausted")

	return outcome{reason: domain.ReasonContention}, nil
}

// settle credits the receiver once the sender debit is applied. The debit
// stays held while the credit is retried; if the credit cannot complete the
// debit is compensated.
func (uc *TransferUseCase) settle(
	ctx context.Context,
	t *domain.Transfer,
	receiver *domain.Account,
	attempt int,
	b backoff.BackOff,
	log zerolog.Logger,
) (outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SettleTimeout)
	defer cancel()

	for {
		if !receiver.CanCredit(t.Amount) {
			return uc.compensate(ctx, t, domain.ReasonBalanceOverflow, log)
		}

		if err := uc.advance(ctx, t, domain.StageCrediting, receiver.Version); err != nil {
			log.Error().Err(err).Msg("cannot record credit progress, sender debit is held")
			return outcome{}, err
		}

		err := uc.accounts.CompareAndSwap(ctx, receiver.ID, receiver.Version, receiver.ApplyCredit(t.Amount))

		switch {
		case err == nil:
			return outcome{}, nil
		case errors.Is(err, domain.ErrAccountNotFound):
			return uc.compensate(ctx, t, domain.ReasonAccountNotFound, log)
		case errors.Is(err, domain.ErrNegativeBalance):
			// the store refused the balance, nothing was written
			return uc.compensate(ctx, t, domain.ReasonBalanceOverflow, log)
		case errors.Is(err, domain.ErrNotAttempted):
			log.Warn().Err(err).Msg("account store refused the credit, waiting")

			if err := sleep(ctx, b.NextBackOff()); err != nil {
				return outcome{}, fmt.Errorf("%w: settle window closed, sender debit is held: %w", domain.ErrStorageUnavailable, err)
			}

			continue
		case !errors.Is(err, domain.ErrVersionConflict):
			log.Error().Err(err).Msg("receiver credit outcome unknown, sender debit is held")
			return outcome{}, asStorageError(fmt.Errorf("credit receiver: %w", err))
		}

		if attempt >= uc.cfg.MaxRetries {
			log.Warn().Int("attempts", t.Attempts).Msg("retry budget exhausted with debit applied, compensating")
			return uc.compensate(ctx, t, domain.ReasonContention, log)
		}

		attempt++
		t.Attempts = attempt + 1
		uc.metrics.IncRetry()
		log.Debug().Int("attempt", t.Attempts).Msg("receiver version conflict, retrying credit")

		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return outcome{}, fmt.Errorf("%w: settle window closed, sender debit is held: %w", domain.ErrStorageUnavailable, err)
		}

		receiver, err = uc.reload(ctx, t.ReceiverID)
		if errors.Is(err, domain.ErrAccountNotFound) {
			return uc.compensate(ctx, t, domain.ReasonAccountNotFound, log)
		}

		if err != nil {
			log.Error().Err(err).Msg("cannot reload receiver, sender debit is held")
			return outcome{}, fmt.Errorf("reload receiver: %w", err)
		}
	}
}

// compensate returns the held debit to the sender. Version conflicts only
// mean the read was stale, and a refused request never reached the store,
// so both are retried from a fresh read until the refund lands or the
// settle window closes.
func (uc *TransferUseCase) compensate(
	ctx context.Context,
	t *domain.Transfer,
	reason domain.RejectReason,
	log zerolog.Logger,
) (outcome, error) {
	uc.metrics.IncCompensation()

	if err := uc.refund(ctx, t); err != nil {
		log.Error().Err(err).Msg("compensation failed, sender debit is held")
		return outcome{}, asStorageError(fmt.Errorf("compensate sender: %w", err))
	}

	log.Warn().Str("reason", string(reason)).Msg("sender debit compensated")

	return outcome{reason: reason, compensated: true}, nil
}

func (uc *TransferUseCase) refund(ctx context.Context, t *domain.Transfer) error {
	return backoff.Retry(func() error {
		sender, err := uc.accounts.Get(ctx, t.SenderID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return backoff.Permanent(err)
			}

			return err
		}

		if !sender.CanCredit(t.Amount) {
			return backoff.Permanent(fmt.Errorf("refund to %s: %w", sender.ID, domain.ErrBalanceOverflow))
		}

		if err := uc.advance(ctx, t, domain.StageRefunding, sender.Version); err != nil {
			return backoff.Permanent(err)
		}

		err = uc.accounts.CompareAndSwap(ctx, sender.ID, sender.Version, sender.ApplyCredit(t.Amount))
		if err == nil || errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrNotAttempted) {
			return err
		}

		// A failed write may still have landed; retrying could refund twice.
		return backoff.Permanent(err)
	}, backoff.WithContext(uc.newBackOff(), ctx))
}

// advance records the next stage marker before its balance write is sent.
// Storage failures are retried until ctx or the settle timeout expires. A
// retry after a lost response sees its own marker as a conflict; the write
// is then skipped and the record is left to reconciliation.
func (uc *TransferUseCase) advance(ctx context.Context, t *domain.Transfer, stage domain.TransferStage, version int64) error {
	from := t.Progress()
	to := domain.Progress{Stage: stage, Version: version}

	if from == to {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, uc.cfg.SettleTimeout)
	defer cancel()

	at := uc.now()

	err := backoff.Retry(func() error {
		err := uc.transfers.Advance(ctx, t.ID, from, to, at)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrProgressConflict),
			errors.Is(err, domain.ErrTransferFinalized),
			errors.Is(err, domain.ErrTransferNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(uc.newBackOff(), ctx))
	if err != nil {
		return asStorageError(fmt.Errorf("record %s stage: %w", stage, err))
	}

	t.Stage = stage
	t.StageVersion = version
	t.UpdatedAt = at

	return nil
}

// finalize persists the terminal status. It runs detached from the caller
// so that a committed transfer is recorded even if the caller went away.
func (uc *TransferUseCase) finalize(ctx context.Context, t *domain.Transfer) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SettleTimeout)
	defer cancel()

	tries := 0

	err := backoff.Retry(func() error {
		tries++

		err := uc.transfers.Finalize(ctx, t)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrTransferFinalized) && tries > 1:
			// an earlier try landed
			return nil
		case errors.Is(err, domain.ErrTransferFinalized), errors.Is(err, domain.ErrTransferNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(uc.newBackOff(), ctx))
	if err != nil {
		return asStorageError(fmt.Errorf("finalize transfer %s: %w", t.ID, err))
	}

	return nil
}

func (uc *TransferUseCase) load(ctx context.Context, t *domain.Transfer) (*domain.Account, *domain.Account, domain.RejectReason, error) {
	sender, err := uc.accounts.Get(ctx, t.SenderID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, nil, domain.ReasonAccountNotFound, nil
	}

	if err != nil {
		return nil, nil, domain.ReasonNone, fmt.Errorf("read sender: %w", err)
	}

	receiver, err := uc.accounts.Get(ctx, t.ReceiverID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, nil, domain.ReasonAccountNotFound, nil
	}

	if err != nil {
		return nil, nil, domain.ReasonNone, fmt.Errorf("read receiver: %w", err)
	}

	return sender, receiver, domain.ReasonNone, nil
}

// reload reads an account, retrying storage failures until ctx expires.
func (uc *TransferUseCase) reload(ctx context.Context, id string) (*domain.Account, error) {
	var account *domain.Account

	err := backoff.Retry(func() error {
		var err error

		account, err = uc.accounts.Get(ctx, id)
		if errors.Is(err, domain.ErrAccountNotFound) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(uc.newBackOff(), ctx))
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, asStorageError(err)
	}

	return account, err
}

// swap runs a compare-and-swap detached from the caller's cancellation, so
// an interrupted request never leaves the write in an unknown state.
func (uc *TransferUseCase) swap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SettleTimeout)
	defer cancel()

	return uc.accounts.CompareAndSwap(ctx, id, expectedVersion, newBalance)
}

func (uc *TransferUseCase) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.InitialBackoff
	b.MaxInterval = uc.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// GetTransfer retrieves a transfer by ID.
func (uc *TransferUseCase) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return uc.transfers.GetByID(ctx, id)
}

// ListTransfersByAccountInput represents input for listing transfers.
type ListTransfersByAccountInput struct {
	AccountID string
	Limit     int
	Offset    int
}

// ListTransfersByAccount lists transfers sent or received by an account.
func (uc *TransferUseCase) ListTransfersByAccount(ctx context.Context, input ListTransfersByAccountInput) ([]*domain.Transfer, error) {
	limit, offset := domain.ValidatePagination(input.Limit, input.Offset)

	return uc.transfers.ListByAccount(ctx, input.AccountID, limit, offset)
}

func canceled(err error) (outcome, error) {
	return outcome{reason: domain.ReasonCanceled}, fmt.Errorf("%w: %w", domain.ErrTransferCanceled, err)
}

func asStorageError(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
