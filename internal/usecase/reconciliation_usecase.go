package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/casledger/internal/domain"
)

const (
	// DefaultReconcileMinAge is how long a pending transfer must sit
	// untouched before reconciliation may take it over. It has to exceed the
	// engine's settle timeout so that no write of the original request can
	// still be in flight.
	DefaultReconcileMinAge = 5 * time.Minute

	// DefaultReconcileBatchSize bounds the records handled per pass.
	DefaultReconcileBatchSize = 100
)

// Resolution is what reconciliation did with one pending transfer.
type Resolution string

const (
	// ResolutionRejected means no balance had moved; the record was rejected.
	ResolutionRejected Resolution = "rejected"
	// ResolutionCompensated means the held debit was returned to the sender.
	ResolutionCompensated Resolution = "compensated"
	// ResolutionUnresolved means the outcome of the last write cannot be
	// proven from the accounts; the record needs manual review.
	ResolutionUnresolved Resolution = "unresolved"
	// ResolutionSkipped means another process settled the record first.
	ResolutionSkipped Resolution = "skipped"
)

// ReconcileConfig tunes reconciliation passes.
type ReconcileConfig struct {
	MinAge    time.Duration
	BatchSize int
}

// ReconcileResult describes one handled transfer.
type ReconcileResult struct {
	TransferID string
	Stage      domain.TransferStage
	Resolution Resolution
	Reason     domain.RejectReason
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Scanned     int
	Rejected    int
	Compensated int
	Unresolved  int
	Skipped     int
	Results     []ReconcileResult
	CheckedAt   time.Time
}

func (r *ReconcileReport) add(res ReconcileResult) {
	r.Results = append(r.Results, res)

	switch res.Resolution {
	case ResolutionRejected:
		r.Rejected++
	case ResolutionCompensated:
		r.Compensated++
	case ResolutionUnresolved:
		r.Unresolved++
	case ResolutionSkipped:
		r.Skipped++
	}
}

// ReconciliationUseCase settles transfers left pending by a storage failure
// or a crashed process.
//
// The stage marker of a pending record names the last balance write the
// engine sent and the account version it expected. If that account still
// carries the expected version, the write never landed and the transfer can
// be settled safely: a transfer that never debited is rejected, one whose
// credit never landed has its debit refunded. When the version moved, the
// write may or may not have landed and the record is reported as unresolved.
type ReconciliationUseCase struct {
	engine *TransferUseCase
	cfg    ReconcileConfig
	logger zerolog.Logger
}

// NewReconciliationUseCase creates a new ReconciliationUseCase that shares
// the engine's stores and retry policy.
func NewReconciliationUseCase(engine *TransferUseCase, cfg ReconcileConfig, logger zerolog.Logger) *ReconciliationUseCase {
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultReconcileMinAge
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatchSize
	}

	return &ReconciliationUseCase{
		engine: engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "reconciliation").Logger(),
	}
}

// ReconcilePending settles one batch of stale pending transfers. A storage
// failure stops the pass; the report covers the records handled so far.
func (uc *ReconciliationUseCase) ReconcilePending(ctx context.Context) (*ReconcileReport, error) {
	now := uc.engine.now()
	report := &ReconcileReport{CheckedAt: now}

	pending, err := uc.engine.transfers.ListPending(ctx, now.Add(-uc.cfg.MinAge), uc.cfg.BatchSize)
	if err != nil {
		return report, asStorageError(fmt.Errorf("list pending transfers: %w", err))
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Scanned++

		res, err := uc.resolve(ctx, t)
		if err != nil {
			return report, fmt.Errorf("reconcile transfer %s: %w", t.ID, err)
		}

		report.add(res)
	}

	if report.Scanned > 0 {
		uc.logger.Info().
			Int("scanned", report.Scanned).
			Int("rejected", report.Rejected).
			Int("compensated", report.Compensated).
			Int("unresolved", report.Unresolved).
			Int("skipped", report.Skipped).
			Msg("reconciliation pass finished")
	}

	return report, nil
}

// Run reconciles every interval until ctx is done.
func (uc *ReconciliationUseCase) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.ReconcilePending(ctx); err != nil && ctx.Err() == nil {
				uc.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

func (uc *ReconciliationUseCase) resolve(ctx context.Context, t *domain.Transfer) (ReconcileResult, error) {
	res := ReconcileResult{TransferID: t.ID, Stage: t.Stage}
	log := uc.logger.With().
		Str("transfer_id", t.ID).
		Str("stage", string(t.Stage)).
		Int64("stage_version", t.StageVersion).
		Logger()

	var (
		accountID string
		refund    bool
	)

	switch t.Stage {
	case domain.StageInitiated, "":
		return uc.settle(ctx, t, res, false, domain.ReasonStorageUnavailable, log)
	case domain.StageDebiting:
		accountID = t.SenderID
	case domain.StageCrediting:
		accountID, refund = t.ReceiverID, true
	case domain.StageRefunding:
		accountID = t.SenderID
	default:
		log.Warn().Msg("unknown stage, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	}

	account, err := uc.engine.accounts.Get(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound) && t.Stage == domain.StageCrediting:
		return uc.settle(ctx, t, res, true, domain.ReasonAccountNotFound, log)
	case errors.Is(err, domain.ErrAccountNotFound) && t.Stage == domain.StageDebiting:
		return uc.settle(ctx, t, res, false, domain.ReasonAccountNotFound, log)
	case err != nil && !errors.Is(err, domain.ErrAccountNotFound):
		return res, asStorageError(fmt.Errorf("read account %s: %w", accountID, err))
	case err != nil:
		log.Warn().Str("account_id", accountID).Msg("account vanished, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	}

	if account.Version != t.StageVersion {
		log.Warn().
			Str("account_id", accountID).
			Int64("account_version", account.Version).
			Msg("last write may have landed, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	}

	if t.Stage == domain.StageRefunding {
		return uc.redoRefund(ctx, t, account, res, log)
	}

	return uc.settle(ctx, t, res, refund, domain.ReasonStorageUnavailable, log)
}

// redoRefund retries an interrupted refund with a single write at the
// recorded version. The marker already names that write, so the version
// check is the only claim: of two competing passes at most one can land.
func (uc *ReconciliationUseCase) redoRefund(
	ctx context.Context,
	t *domain.Transfer,
	sender *domain.Account,
	res ReconcileResult,
	log zerolog.Logger,
) (ReconcileResult, error) {
	res.Reason = domain.ReasonStorageUnavailable

	if !sender.CanCredit(t.Amount) {
		log.Warn().Msg("refund would overflow the sender, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	}

	err := uc.engine.swap(ctx, sender.ID, sender.Version, sender.ApplyCredit(t.Amount))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrVersionConflict):
		log.Warn().Msg("sender moved during refund, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrNegativeBalance):
		log.Warn().Err(err).Msg("refund refused, leaving transfer for review")
		res.Resolution = ResolutionUnresolved
		return res, nil
	default:
		return res, asStorageError(fmt.Errorf("refund sender: %w", err))
	}

	uc.engine.metrics.IncCompensation()
	t.Compensated = true
	res.Resolution = ResolutionCompensated

	return uc.finish(ctx, t, res, log)
}

func (uc *ReconciliationUseCase) settle(
	ctx context.Context,
	t *domain.Transfer,
	res ReconcileResult,
	refund bool,
	reason domain.RejectReason,
	log zerolog.Logger,
) (ReconcileResult, error) {
	res.Reason = reason
	res.Resolution = ResolutionRejected

	if refund {
		ctx, cancel := context.WithTimeout(ctx, uc.engine.cfg.SettleTimeout)
		defer cancel()

		_, err := uc.engine.compensate(ctx, t, reason, log)
		switch {
		case errors.Is(err, domain.ErrProgressConflict),
			errors.Is(err, domain.ErrTransferFinalized),
			errors.Is(err, domain.ErrTransferNotFound):
			res.Resolution = ResolutionSkipped
			return res, nil
		case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrBalanceOverflow):
			log.Warn().Err(err).Msg("debit cannot be returned, leaving transfer for review")
			res.Resolution = ResolutionUnresolved
			return res, nil
		case err != nil:
			return res, err
		}

		t.Compensated = true
		res.Resolution = ResolutionCompensated
	}

	return uc.finish(ctx, t, res, log)
}

// finish rejects the record. A record finalized elsewhere is only skipped
// when no balance was moved by this pass.
func (uc *ReconciliationUseCase) finish(ctx context.Context, t *domain.Transfer, res ReconcileResult, log zerolog.Logger) (ReconcileResult, error) {
	if err := t.Reject(res.Reason, uc.engine.now()); err != nil {
		return res, err
	}

	if err := uc.engine.finalize(ctx, t); err != nil {
		if errors.Is(err, domain.ErrTransferFinalized) && res.Resolution == ResolutionRejected {
			res.Resolution = ResolutionSkipped
			return res, nil
		}

		return res, err
	}

	uc.engine.metrics.ObserveTransfer(t, t.UpdatedAt.Sub(t.CreatedAt))
	log.Info().
		Str("resolution", string(res.Resolution)).
		Str("reason", string(res.Reason)).
		Msg("pending transfer settled")

	return res, nil
}
