package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

type balanceKey struct {
	userID string
	asset  string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[balanceKey]model.Balance
	positions map[string]*model.Position
	order     []string // position IDs in insertion order
	history   []model.HistoryEntry
	settings  map[string]string
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[balanceKey]model.Balance),
		positions: make(map[string]*model.Position),
		settings:  make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[balanceKey{userID, asset}].Amount, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Balance
	for k, b := range s.balances {
		if k.userID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := []model.Delta{{UserID: userID, Asset: asset, Amount: delta}}
	if err := s.checkDeltasLocked(d); err != nil {
		return decimal.Zero, err
	}
	s.applyDeltasLocked(d)
	return s.balances[balanceKey{userID, asset}].Amount, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, pos *model.Position, deltas []model.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	if err := s.checkDeltasLocked(deltas); err != nil {
		return err
	}
	s.applyDeltasLocked(deltas)

	s.positions[pos.ID] = copyPosition(pos)
	s.order = append(s.order, pos.ID)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, id)
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, id := range s.order {
		if p := s.positions[id]; !p.State.Terminal() {
			out = append(out, *copyPosition(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, id := range s.order {
		if p := s.positions[id]; p.UserID == userID && !p.State.Terminal() {
			out = append(out, *copyPosition(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, st model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[st.Position.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPositionNotFound, st.Position.ID)
	}
	if existing.State.Terminal() {
		return model.ErrAlreadySettled
	}
	if err := s.checkDeltasLocked(st.Deltas); err != nil {
		return err
	}

	s.applyDeltasLocked(st.Deltas)
	s.positions[st.Position.ID] = copyPosition(st.Position)
	s.history = append(s.history, st.Entry)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID != userID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.settings[key], nil
}

func (s *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

// checkDeltasLocked verifies no balance would go negative. Deltas touching
// the same key are summed first.
func (s *MemoryStore) checkDeltasLocked(deltas []model.Delta) error {
	net := make(map[balanceKey]decimal.Decimal)
	for _, d := range deltas {
		k := balanceKey{d.UserID, d.Asset}
		net[k] = net[k].Add(d.Amount)
	}
	for k, amt := range net {
		if s.balances[k].Amount.Add(amt).IsNegative() {
			return fmt.Errorf("%w: %s needs %s, has %s",
				model.ErrInsufficientFunds, k.asset, amt.Neg(), s.balances[k].Amount)
		}
	}
	return nil
}

func (s *MemoryStore) applyDeltasLocked(deltas []model.Delta) {
	now := s.now().UTC()
	for _, d := range deltas {
		k := balanceKey{d.UserID, d.Asset}
		b := s.balances[k]
		b.UserID = d.UserID
		b.Asset = d.Asset
		b.Amount = b.Amount.Add(d.Amount)
		b.UpdatedAt = now
		s.balances[k] = b
	}
}

// copyPosition stores and returns copies so callers cannot mutate store state.
func copyPosition(p *model.Position) *model.Position {
	cp := *p
	if p.Result != nil {
		r := *p.Result
		cp.Result = &r
	}
	return &cp
}
