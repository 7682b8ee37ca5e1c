package domain

import (
	"errors"
	"fmt"
)

var (
	// Request errors
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSameAccount      = fmt.Errorf("%w: cannot transfer to same account", ErrInvalidRequest)
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	ErrInvalidAccountID = fmt.Errorf("%w: invalid account ID", ErrInvalidRequest)

	// Account errors
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNegativeBalance   = errors.New("balance cannot be negative")
	ErrBalanceOverflow   = errors.New("balance would overflow")

	// Concurrency and storage errors
	ErrVersionConflict    = errors.New("account version conflict")
	ErrContention         = errors.New("transfer retry budget exhausted")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotAttempted marks a storage call that was refused before reaching
	// the backend, so it is known to have had no effect.
	ErrNotAttempted = fmt.Errorf("%w: request not attempted", ErrStorageUnavailable)

	// Transfer errors
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrTransferFinalized = errors.New("transfer already finalized")
	ErrTransferCanceled  = errors.New("transfer canceled")
	ErrProgressConflict  = errors.New("transfer progress changed concurrently")
)
