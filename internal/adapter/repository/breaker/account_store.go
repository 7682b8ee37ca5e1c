// Package breaker guards a storage backend with a circuit breaker so that a
// failing backend is reported as unavailable immediately instead of making
// every transfer wait out its own timeouts.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

// Config tunes when the breaker opens and how long it stays open.
type Config struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// StateObserver is told about every state change.
type StateObserver func(name string, from, to gobreaker.State)

// AccountRepository decorates a usecase.AccountRepository.
type AccountRepository struct {
	next usecase.AccountRepository
	cb   *gobreaker.CircuitBreaker
}

// NewAccountRepository wraps next. Only failures wrapping
// domain.ErrStorageUnavailable count against the breaker; business
// outcomes such as version conflicts are successes.
func NewAccountRepository(next usecase.AccountRepository, cfg Config, logger zerolog.Logger, observers ...StateObserver) *AccountRepository {
	if cfg.Name == "" {
		cfg.Name = "account-store"
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	log := logger.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrStorageUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")

			for _, observe := range observers {
				observe(name, from, to)
			}
		},
	}

	return &AccountRepository{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// State reports the current breaker state.
func (r *AccountRepository) State() gobreaker.State {
	return r.cb.State()
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) {
		return fn()
	})

	// The call never reached the backend, so callers may safely retry it.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: circuit breaker %s: %w", domain.ErrNotAttempted, cb.Name(), err)
	}

	if err != nil {
		var zero T
		return zero, err
	}

	return res.(T), nil
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	return execute(r.cb, func() (*domain.Account, error) {
		return r.next.Get(ctx, id)
	})
}

func (r *AccountRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	_, err := execute(r.cb, func() (struct{}, error) {
		return struct{}{}, r.next.CompareAndSwap(ctx, id, expectedVersion, newBalance)
	})
	return err
}

func (r *AccountRepository) Create(ctx context.Context, account *domain.Account) error {
	_, err := execute(r.cb, func() (struct{}, error) {
		return struct{}{}, r.next.Create(ctx, account)
	})
	return err
}

func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	return execute(r.cb, func() ([]*domain.Account, error) {
		return r.next.List(ctx, limit, offset)
	})
}

func (r *AccountRepository) Totals(ctx context.Context) (usecase.LedgerTotals, error) {
	return execute(r.cb, func() (usecase.LedgerTotals, error) {
		return r.next.Totals(ctx)
	})
}
