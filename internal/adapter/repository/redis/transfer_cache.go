package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

// DefaultTransferCacheTTL bounds how long a terminal record stays cached.
const DefaultTransferCacheTTL = 10 * time.Minute

type cachedTransfer struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"sender_id"`
	ReceiverID   string    `json:"receiver_id"`
	Amount       int64     `json:"amount"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Stage        string    `json:"stage"`
	StageVersion int64     `json:"stage_version"`
	Attempts     int       `json:"attempts"`
	Compensated  bool      `json:"compensated"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TransferCache decorates a TransferRepository with a read-through cache.
// Only committed and rejected records are cached: they never change again,
// so the cache needs no invalidation.
type TransferCache struct {
	usecase.TransferRepository

	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewTransferCache wraps next with a cache stored in client.
func NewTransferCache(next usecase.TransferRepository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *TransferCache {
	if ttl <= 0 {
		ttl = DefaultTransferCacheTTL
	}

	return &TransferCache{
		TransferRepository: next,
		client:             client,
		prefix:             "cache:transfer:",
		ttl:                ttl,
		logger:             logger.With().Str("component", "transfer_cache").Logger(),
	}
}

// GetByID serves terminal records from the cache and fills it on a miss.
// Cache failures fall through to the wrapped repository.
func (c *TransferCache) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	raw, err := c.client.Get(ctx, c.prefix+id).Bytes()
	switch {
	case err == nil:
		var ct cachedTransfer
		if jerr := json.Unmarshal(raw, &ct); jerr == nil {
			return ct.toDomain(), nil
		}
		c.logger.Warn().Str("transfer_id", id).Msg("dropping undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Msg("transfer cache read failed")
	}

	t, err := c.TransferRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.store(ctx, t)

	return t, nil
}

// Finalize persists the terminal state and primes the cache with it.
func (c *TransferCache) Finalize(ctx context.Context, t *domain.Transfer) error {
	if err := c.TransferRepository.Finalize(ctx, t); err != nil {
		return err
	}

	c.store(ctx, t)

	return nil
}

func (c *TransferCache) store(ctx context.Context, t *domain.Transfer) {
	if !t.IsFinal() {
		return
	}

	raw, err := json.Marshal(fromDomain(t))
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.prefix+t.ID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("transfer cache write failed")
	}
}

func fromDomain(t *domain.Transfer) cachedTransfer {
	return cachedTransfer{
		ID:           t.ID,
		SenderID:     t.SenderID,
		ReceiverID:   t.ReceiverID,
		Amount:       t.Amount,
		Status:       string(t.Status),
		Reason:       string(t.Reason),
		Stage:        string(t.Stage),
		StageVersion: t.StageVersion,
		Attempts:     t.Attempts,
		Compensated:  t.Compensated,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (ct cachedTransfer) toDomain() *domain.Transfer {
	return &domain.Transfer{
		ID:           ct.ID,
		SenderID:     ct.SenderID,
		ReceiverID:   ct.ReceiverID,
		Amount:       ct.Amount,
		Status:       domain.TransferStatus(ct.Status),
		Reason:       domain.RejectReason(ct.Reason),
		Stage:        domain.TransferStage(ct.Stage),
		StageVersion: ct.StageVersion,
		Attempts:     ct.Attempts,
		Compensated:  ct.Compensated,
		CreatedAt:    ct.CreatedAt,
		UpdatedAt:    ct.UpdatedAt,
	}
}
