package domain

import "time"

// TransferStatus is the lifecycle state of a transfer record.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusCommitted TransferStatus = "committed"
	TransferStatusRejected  TransferStatus = "rejected"
)

// RejectReason explains why a transfer was rejected. A rejected transfer
// leaves every balance as it found it; Compensated tells whether a debit had
// to be returned to get there.
type RejectReason string

const (
	ReasonNone               RejectReason = ""
	ReasonInvalidRequest     RejectReason = "invalid_request"
	ReasonAccountNotFound    RejectReason = "account_not_found"
	ReasonInsufficientFunds  RejectReason = "insufficient_funds"
	ReasonContention         RejectReason = "contention"
	ReasonCanceled           RejectReason = "canceled"
	ReasonBalanceOverflow    RejectReason = "balance_overflow"
	ReasonStorageUnavailable RejectReason = "storage_unavailable"
)

// TransferStage names the balance write a pending transfer issued last.
//
// Each stage is recorded before its write is sent, together with the account
// version the write expects. A write that landed always moves that version,
// so an unchanged version proves the write never took effect.
type TransferStage string

const (
	StageInitiated TransferStage = "initiated"
	StageDebiting  TransferStage = "debiting"
	StageCrediting TransferStage = "crediting"
	StageRefunding TransferStage = "refunding"
)

// Progress is a stage marker: the stage and the version its write expects.
type Progress struct {
	Stage   TransferStage
	Version int64
}

// Transfer records a single movement of funds from sender to receiver.
//
// A transfer is created pending and moves exactly once to committed or
// rejected. Terminal records never change again.
type Transfer struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ID           string
	SenderID     string
	ReceiverID   string
	Status       TransferStatus
	Reason       RejectReason
	Amount       int64
	Stage        TransferStage
	StageVersion int64
	Attempts     int
	Compensated  bool
}

// NewTransfer creates a pending transfer.
func NewTransfer(id, senderID, receiverID string, amount int64, at time.Time) *Transfer {
	return &Transfer{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     TransferStatusPending,
		Stage:      StageInitiated,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

// Progress returns the current stage marker.
func (t *Transfer) Progress() Progress {
	return Progress{Stage: t.Stage, Version: t.StageVersion}
}

// Validate validates transfer request.
func (t *Transfer) Validate() error {
	if err := ValidateAccountID(t.SenderID); err != nil {
		return err
	}

	if err := ValidateAccountID(t.ReceiverID); err != nil {
		return err
	}

	if t.SenderID == t.ReceiverID {
		return ErrSameAccount
	}

	return ValidateAmount(t.Amount)
}

// IsFinal reports whether the transfer reached a terminal status.
func (t *Transfer) IsFinal() bool {
	return t.Status == TransferStatusCommitted || t.Status == TransferStatusRejected
}

// Commit marks the transfer as committed.
func (t *Transfer) Commit(at time.Time) error {
	if t.IsFinal() {
		return ErrTransferFinalized
	}

	t.Status = TransferStatusCommitted
	t.Reason = ReasonNone
	t.UpdatedAt = at

	return nil
}

// Reject marks the transfer as rejected with reason.
func (t *Transfer) Reject(reason RejectReason, at time.Time) error {
	if t.IsFinal() {
		return ErrTransferFinalized
	}

	t.Status = TransferStatusRejected
	t.Reason = reason
	t.UpdatedAt = at

	return nil
}

// Err returns the sentinel error matching a rejected transfer, or nil.
func (t *Transfer) Err() error {
	if t.Status != TransferStatusRejected {
		return nil
	}

	switch t.Reason {
	case ReasonInvalidRequest:
		return ErrInvalidRequest
	case ReasonAccountNotFound:
		return ErrAccountNotFound
	case ReasonInsufficientFunds:
		return ErrInsufficientFunds
	case ReasonContention:
		return ErrContention
	case ReasonCanceled:
		return ErrTransferCanceled
	case ReasonBalanceOverflow:
		return ErrBalanceOverflow
	case ReasonStorageUnavailable:
		return ErrStorageUnavailable
	default:
		return ErrInvalidRequest
	}
}

// ParseTransferStatus converts a stored status string.
func ParseTransferStatus(s string) (TransferStatus, bool) {
	switch TransferStatus(s) {
	case TransferStatusPending, TransferStatusCommitted, TransferStatusRejected:
		return TransferStatus(s), true
	default:
		return "", false
	}
}
