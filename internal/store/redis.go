package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every write bumps a per-user generation key. A read only fills the cache
// if that generation did not move while it was loading from the primary, so
// a value read just before a concurrent settle never outlives the write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	amount, err := s.primary.AdjustBalance(ctx, userID, asset, delta)
	if err != nil {
		return amount, err
	}
	s.invalidate(ctx, userID, []model.Delta{{UserID: userID, Asset: asset}})
	return amount, nil
}

func (s *CachedStore) OpenPosition(ctx context.Context, pos *model.Position, deltas []model.Delta) error {
	if err := s.primary.OpenPosition(ctx, pos, deltas); err != nil {
		return err
	}
	s.invalidate(ctx, pos.UserID, deltas)
	return nil
}

func (s *CachedStore) SettlePosition(ctx context.Context, st model.Settlement) error {
	if err := s.primary.SettlePosition(ctx, st); err != nil {
		return err
	}
	s.invalidate(ctx, st.Position.UserID, st.Deltas)
	return nil
}

func (s *CachedStore) PutSetting(ctx context.Context, key, value string) error {
	if err := s.primary.PutSetting(ctx, key, value); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(settingsGen))
	pipe.Del(ctx, settingKey(key))
	pipe.Exec(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	if cached, err := s.rdb.Get(ctx, balanceCacheKey(userID, asset)).Result(); err == nil {
		if amount, err := decimal.NewFromString(cached); err == nil {
			return amount, nil
		}
	}

	return readThrough(ctx, s, userID, balanceCacheKey(userID, asset),
		func() (decimal.Decimal, error) { return s.primary.GetBalance(ctx, userID, asset) },
		func(d decimal.Decimal) (any, error) { return d.String(), nil })
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	data, err := s.rdb.Get(ctx, balancesKey(userID)).Bytes()
	if err == nil {
		var balances []model.Balance
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	return readThrough(ctx, s, userID, balancesKey(userID),
		func() ([]model.Balance, error) { return s.primary.ListBalances(ctx, userID) },
		marshalJSON[[]model.Balance])
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	return readThrough(ctx, s, userID, positionsKey(userID),
		func() ([]model.Position, error) { return s.primary.ListUserPositions(ctx, userID) },
		marshalJSON[[]model.Position])
}

func (s *CachedStore) GetSetting(ctx context.Context, key string) (string, error) {
	if v, err := s.rdb.Get(ctx, settingKey(key)).Result(); err == nil {
		return v, nil
	}

	return readThrough(ctx, s, settingsGen, settingKey(key),
		func() (string, error) { return s.primary.GetSetting(ctx, key) },
		func(v string) (any, error) { return v, nil })
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListActivePositions(ctx)
}

func (s *CachedStore) ListHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	return s.primary.ListHistory(ctx, userID, limit)
}

// --- Cache helpers ---

// settingsGen is the generation scope shared by all engine settings.
const settingsGen = "_settings"

// invalidate drops every key a position write can make stale (the owner's
// position list and each touched balance) and bumps the generation of every
// user involved, in one MULTI.
func (s *CachedStore) invalidate(ctx context.Context, userID string, deltas []model.Delta) {
	keys := []string{positionsKey(userID), balancesKey(userID)}
	users := map[string]bool{userID: true}
	for _, d := range deltas {
		keys = append(keys, balanceCacheKey(d.UserID, d.Asset))
		if !users[d.UserID] {
			users[d.UserID] = true
			keys = append(keys, balancesKey(d.UserID))
		}
	}

	pipe := s.rdb.TxPipeline()
	for u := range users {
		pipe.Incr(ctx, genKey(u))
	}
	pipe.Del(ctx, keys...)
	pipe.Exec(ctx)
}

// readThrough loads from the primary inside a WATCH on the scope's
// generation key and caches the result only if no write bumped it
// meanwhile. Cache failures never fail the read.
func readThrough[T any](ctx context.Context, s *CachedStore, scope, key string, load func() (T, error), encode func(T) (any, error)) (T, error) {
	var (
		v       T
		loadErr error
		loaded  bool
	)
	// A write racing the fill makes EXEC fail with redis.TxFailedErr and
	// nothing is cached; the loaded value is still returned.
	s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, loadErr = load()
		loaded = true
		if loadErr != nil {
			return loadErr
		}
		enc, err := encode(v)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, s.ttl)
			return nil
		})
		return err
	}, genKey(scope))

	if !loaded {
		// Redis unavailable; serve from the primary.
		return load()
	}
	return v, loadErr
}

func marshalJSON[T any](v T) (any, error) {
	return json.Marshal(v)
}

func balanceCacheKey(uid, asset string) string { return fmt.Sprintf("balance:%s:%s", uid, asset) }
func balancesKey(uid string) string            { return fmt.Sprintf("balances:%s", uid) }
func positionsKey(uid string) string           { return fmt.Sprintf("positions:%s", uid) }
func settingKey(key string) string             { return fmt.Sprintf("setting:%s", key) }
func genKey(scope string) string               { return fmt.Sprintf("cachegen:%s", scope) }
