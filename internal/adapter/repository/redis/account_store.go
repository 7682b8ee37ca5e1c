package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iho/casledger/internal/domain"
	"github.com/iho/casledger/internal/usecase"
)

const (
	accountKeyPrefix = "account:"
	accountIndexKey  = "accounts"
)

// KEYS[1] account hash, KEYS[2] creation index.
// ARGV: id, balance, opening balance, version, timestamp, index score.
var createAccountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'balance', ARGV[2], 'opening_balance', ARGV[3], 'version', ARGV[4],
  'created_at', ARGV[5], 'updated_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
return 1
`)

// KEYS[1] account hash. ARGV: expected version, new balance, timestamp.
// Returns 1 applied, 0 version conflict, -1 missing, -2 negative balance.
var casAccountScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if v ~= ARGV[1] then
  return 0
end
if string.sub(ARGV[2], 1, 1) == '-' then
  return -2
end
redis.call('HSET', KEYS[1], 'balance', ARGV[2], 'updated_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// AccountStore implements usecase.AccountRepository on Redis hashes.
type AccountStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewAccountStore creates a new AccountStore.
func NewAccountStore(client *redis.Client) *AccountStore {
	return &AccountStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func accountKey(id string) string {
	return accountKeyPrefix + id
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	if account.Balance < 0 {
		return domain.ErrNegativeBalance
	}

	created, err := createAccountScript.Run(ctx, s.client,
		[]string{accountKey(account.ID), accountIndexKey},
		account.ID,
		strconv.FormatInt(account.Balance, 10),
		strconv.FormatInt(account.OpeningBalance, 10),
		strconv.FormatInt(account.Version, 10),
		formatTime(account.CreatedAt),
		account.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("create account", err)
	}

	if created == 0 {
		return domain.ErrAccountExists
	}

	return nil
}

// Get returns the account stored under id.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	fields, err := s.client.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, unavailable("get account", err)
	}

	if len(fields) == 0 {
		return nil, domain.ErrAccountNotFound
	}

	return decodeAccount(id, fields)
}

// CompareAndSwap runs the version check and the write as one script.
func (s *AccountStore) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) error {
	res, err := casAccountScript.Run(ctx, s.client,
		[]string{accountKey(id)},
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(newBalance, 10),
		formatTime(s.now()),
	).Int()
	if err != nil {
		return unavailable("compare and swap", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrVersionConflict
	case -1:
		return domain.ErrAccountNotFound
	case -2:
		return domain.ErrNegativeBalance
	default:
		return unavailable("compare and swap", fmt.Errorf("unexpected script result %d", res))
	}
}

// List returns accounts in creation order.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	ids, err := s.client.ZRange(ctx, accountIndexKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, unavailable("list accounts", err)
	}

	return s.fetch(ctx, ids)
}

// Totals sums balances and opening balances over all accounts.
func (s *AccountStore) Totals(ctx context.Context) (usecase.LedgerTotals, error) {
	ids, err := s.client.ZRange(ctx, accountIndexKey, 0, -1).Result()
	if err != nil {
		return usecase.LedgerTotals{}, unavailable("ledger totals", err)
	}

	accounts, err := s.fetch(ctx, ids)
	if err != nil {
		return usecase.LedgerTotals{}, err
	}

	var totals usecase.LedgerTotals
	for _, a := range accounts {
		totals.TotalBalance += a.Balance
		totals.TotalOpening += a.OpeningBalance
		totals.Accounts++
	}

	return totals, nil
}

func (s *AccountStore) fetch(ctx context.Context, ids []string) ([]*domain.Account, error) {
	accounts := make([]*domain.Account, 0, len(ids))
	if len(ids) == 0 {
		return accounts, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, accountKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("fetch accounts", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}

		account, err := decodeAccount(ids[i], fields)
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}

func decodeAccount(id string, fields map[string]string) (*domain.Account, error) {
	a := &domain.Account{ID: id}

	var err error

	if a.Balance, err = parseInt(fields, "balance"); err != nil {
		return nil, unavailable("decode account", err)
	}

	if a.OpeningBalance, err = parseInt(fields, "opening_balance"); err != nil {
		return nil, unavailable("decode account", err)
	}

	if a.Version, err = parseInt(fields, "version"); err != nil {
		return nil, unavailable("decode account", err)
	}

	if a.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, unavailable("decode account", err)
	}

	if a.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, unavailable("decode account", err)
	}

	return a, nil
}
