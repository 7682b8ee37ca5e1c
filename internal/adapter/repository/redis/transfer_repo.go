package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iho/casledger/internal/domain"
)

const (
	transferKeyPrefix         = "transfer:"
	accountTransfersKeyPrefix = "account_transfers:"
	pendingTransfersKey       = "transfers:pending"
)

// KEYS[1] transfer hash, KEYS[2] sender index, KEYS[3] receiver index,
// KEYS[4] pending index.
// ARGV: id, sender, receiver, amount, status, reason, stage, stage version,
// attempts, compensated, timestamp, index score.
var createTransferScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'sender_id', ARGV[2], 'receiver_id', ARGV[3], 'amount', ARGV[4],
  'status', ARGV[5], 'reason', ARGV[6], 'stage', ARGV[7], 'stage_version', ARGV[8],
  'attempts', ARGV[9], 'compensated', ARGV[10], 'created_at', ARGV[11], 'updated_at', ARGV[11])
redis.call('ZADD', KEYS[2], ARGV[12], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[12], ARGV[1])
if ARGV[5] == 'pending' then
  redis.call('ZADD', KEYS[4], ARGV[12], ARGV[1])
end
return 1
`)

// KEYS[1] transfer hash, KEYS[2] pending index.
// ARGV: id, status, reason, attempts, compensated, timestamp.
// Returns 1 applied, 0 already final, -1 missing.
var finalizeTransferScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
  return -1
end
if s ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1],
  'status', ARGV[2], 'reason', ARGV[3], 'attempts', ARGV[4],
  'compensated', ARGV[5], 'updated_at', ARGV[6])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] transfer hash, KEYS[2] pending index.
// ARGV: id, from stage, from version, to stage, to version, timestamp, score.
// Returns 1 applied, 0 already final, -1 missing, -2 conflict.
var advanceTransferScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'stage', 'stage_version')
if not cur[1] then
  return -1
end
if cur[1] ~= 'pending' then
  return 0
end
if cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] then
  return -2
end
redis.call('HSET', KEYS[1], 'stage', ARGV[4], 'stage_version', ARGV[5], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return 1
`)

// TransferRepository implements usecase.TransferRepository on Redis hashes
// with a per-account sorted set for history and a sorted set of pending
// records keyed by their last update.
type TransferRepository struct {
	client *redis.Client
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(client *redis.Client) *TransferRepository {
	return &TransferRepository{client: client}
}

func transferKey(id string) string {
	return transferKeyPrefix + id
}

func accountTransfersKey(accountID string) string {
	return accountTransfersKeyPrefix + accountID
}

// Create stores a transfer record and indexes it under both accounts.
func (r *TransferRepository) Create(ctx context.Context, t *domain.Transfer) error {
	created, err := createTransferScript.Run(ctx, r.client,
		[]string{transferKey(t.ID), accountTransfersKey(t.SenderID), accountTransfersKey(t.ReceiverID), pendingTransfersKey},
		t.ID,
		t.SenderID,
		t.ReceiverID,
		strconv.FormatInt(t.Amount, 10),
		string(t.Status),
		string(t.Reason),
		string(t.Stage),
		strconv.FormatInt(t.StageVersion, 10),
		strconv.Itoa(t.Attempts),
		strconv.FormatBool(t.Compensated),
		formatTime(t.CreatedAt),
		t.CreatedAt.UnixMicro(),
	).Int()
	if err != nil {
		return unavailable("create transfer", err)
	}

	if created == 0 {
		return fmt.Errorf("transfer %s already exists", t.ID)
	}

	return nil
}

// Finalize moves a pending record to its terminal state.
func (r *TransferRepository) Finalize(ctx context.Context, t *domain.Transfer) error {
	res, err := finalizeTransferScript.Run(ctx, r.client,
		[]string{transferKey(t.ID), pendingTransfersKey},
		t.ID,
		string(t.Status),
		string(t.Reason),
		strconv.Itoa(t.Attempts),
		strconv.FormatBool(t.Compensated),
		formatTime(t.UpdatedAt),
	).Int()
	if err != nil {
		return unavailable("finalize transfer", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrTransferFinalized
	default:
		return domain.ErrTransferNotFound
	}
}

// Advance moves the stage marker of a pending transfer.
func (r *TransferRepository) Advance(ctx context.Context, id string, from, to domain.Progress, at time.Time) error {
	res, err := advanceTransferScript.Run(ctx, r.client,
		[]string{transferKey(id), pendingTransfersKey},
		id,
		string(from.Stage),
		strconv.FormatInt(from.Version, 10),
		string(to.Stage),
		strconv.FormatInt(to.Version, 10),
		formatTime(at),
		at.UnixMicro(),
	).Int()
	if err != nil {
		return unavailable("advance transfer", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrTransferFinalized
	case -1:
		return domain.ErrTransferNotFound
	default:
		return domain.ErrProgressConflict
	}
}

// GetByID retrieves a transfer by ID.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	fields, err := r.client.HGetAll(ctx, transferKey(id)).Result()
	if err != nil {
		return nil, unavailable("get transfer", err)
	}

	if len(fields) == 0 {
		return nil, domain.ErrTransferNotFound
	}

	return decodeTransfer(id, fields)
}

// ListByAccount lists transfers sent or received by an account, newest first.
func (r *TransferRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	ids, err := r.client.ZRevRange(ctx, accountTransfersKey(accountID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, unavailable("list transfers", err)
	}

	return r.load(ctx, ids, "list transfers")
}

// ListPending returns pending transfers last updated before cutoff, oldest
// first.
func (r *TransferRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*domain.Transfer, error) {
	ids, err := r.client.ZRangeByScore(ctx, pendingTransfersKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMicro(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("list pending transfers", err)
	}

	transfers, err := r.load(ctx, ids, "list pending transfers")
	if err != nil {
		return nil, err
	}

	pending := transfers[:0]
	for _, t := range transfers {
		if !t.IsFinal() {
			pending = append(pending, t)
		}
	}

	return pending, nil
}

func (r *TransferRepository) load(ctx context.Context, ids []string, op string) ([]*domain.Transfer, error) {
	transfers := make([]*domain.Transfer, 0, len(ids))
	if len(ids) == 0 {
		return transfers, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, transferKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(op, err)
	}

	for i, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}

		t, err := decodeTransfer(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, t)
	}

	return transfers, nil
}

func decodeTransfer(id string, fields map[string]string) (*domain.Transfer, error) {
	t := &domain.Transfer{
		ID:         id,
		SenderID:   fields["sender_id"],
		ReceiverID: fields["receiver_id"],
		Status:     domain.TransferStatus(fields["status"]),
		Reason:     domain.RejectReason(fields["reason"]),
		Stage:      domain.TransferStage(fields["stage"]),
	}

	var err error

	if t.Amount, err = parseInt(fields, "amount"); err != nil {
		return nil, unavailable("decode transfer", err)
	}

	if t.StageVersion, err = parseInt(fields, "stage_version"); err != nil {
		return nil, unavailable("decode transfer", err)
	}

	attempts, err := parseInt(fields, "attempts")
	if err != nil {
		return nil, unavailable("decode transfer", err)
	}
	t.Attempts = int(attempts)

	if t.Compensated, err = strconv.ParseBool(fields["compensated"]); err != nil {
		return nil, unavailable("decode transfer", err)
	}

	if t.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, unavailable("decode transfer", err)
	}

	if t.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, unavailable("decode transfer", err)
	}

	return t, nil
}
