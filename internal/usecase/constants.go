package usecase

import "time"

const (
	// DefaultMaxRetries caps automatic transfer retries after version conflicts.
	DefaultMaxRetries = 5

	// DefaultInitialBackoff is the first delay between transfer attempts.
	DefaultInitialBackoff = 5 * time.Millisecond

	// DefaultMaxBackoff bounds the delay between transfer attempts.
	DefaultMaxBackoff = 200 * time.Millisecond

	// DefaultSettleTimeout bounds how long a transfer with an applied debit
	// keeps driving itself to a terminal state once the caller is gone.
	DefaultSettleTimeout = 30 * time.Second

	// IdempotencyKeyTTL is how long idempotency keys are cached
	IdempotencyKeyTTL = 24 * time.Hour
)
