// Package ledger is the only path through which balances change. Every
// mutation is serialized per (user, asset) and persisted before it returns.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

type key struct {
	userID string
	asset  string
}

func (k key) less(o key) bool {
	if k.userID != o.userID {
		return k.userID < o.userID
	}
	return k.asset < o.asset
}

// Ledger serializes balance mutations and writes them through to a Store.
type Ledger struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[key]*sync.Mutex
}

// New creates a Ledger over s. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger,
		locks:  make(map[key]*sync.Mutex),
	}
}

// Balance returns the persisted balance of (userID, asset).
func (l *Ledger) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	return l.store.GetBalance(ctx, userID, asset)
}

// Balances returns every balance userID holds.
func (l *Ledger) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return l.store.ListBalances(ctx, userID)
}

// Credit adds a non-negative amount and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: credit %s", model.ErrInvalidAmount, amount)
	}
	return l.adjust(ctx, userID, asset, amount)
}

// Debit subtracts a non-negative amount and returns the new balance. It
// fails with model.ErrInsufficientFunds, leaving the balance untouched,
// when the balance is smaller than amount.
func (l *Ledger) Debit(ctx context.Context, userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: debit %s", model.ErrInvalidAmount, amount)
	}
	return l.adjust(ctx, userID, asset, amount.Neg())
}

func (l *Ledger) adjust(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	unlock := l.lock([]model.Delta{{UserID: userID, Asset: asset}})
	defer unlock()

	bal, err := l.store.AdjustBalance(ctx, userID, asset, delta)
	if err != nil {
		return decimal.Zero, err
	}
	l.logger.Debug("balance adjusted",
		"user_id", userID,
		"asset", asset,
		"delta", delta.String(),
		"balance", bal.String(),
	)
	return bal, nil
}

// Open applies the opening deltas of pos and persists it as one unit.
func (l *Ledger) Open(ctx context.Context, pos *model.Position, deltas []model.Delta) error {
	unlock := l.lock(deltas)
	defer unlock()

	return l.store.OpenPosition(ctx, pos, deltas)
}

// Settle persists a settlement. Returns model.ErrAlreadySettled, with no
// balance effect, when the position was settled before.
func (l *Ledger) Settle(ctx context.Context, s model.Settlement) error {
	unlock := l.lock(s.Deltas)
	defer unlock()

	return l.store.SettlePosition(ctx, s)
}

// lock acquires the mutex of every key touched by deltas in sorted order,
// so two multi-key operations can never deadlock, and returns the release.
func (l *Ledger) lock(deltas []model.Delta) func() {
	seen := make(map[key]bool, len(deltas))
	keys := make([]key, 0, len(deltas))
	for _, d := range deltas {
		k := key{d.UserID, d.Asset}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	l.mu.Lock()
	mus := make([]*sync.Mutex, len(keys))
	for i, k := range keys {
		m, ok := l.locks[k]
		if !ok {
			m = &sync.Mutex{}
			l.locks[k] = m
		}
		mus[i] = m
	}
	l.mu.Unlock()

	for _, m := range mus {
		m.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}
