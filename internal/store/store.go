// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-file
// local persistence), Redis (read-through cache over a primary), and
// in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// SettingOutcomeMode is the settings key the operator override is stored under.
const SettingOutcomeMode = "outcome_mode"

// Store is the persistence interface. Every mutating call is atomic: it
// either applies all of its effects or none of them.
type Store interface {
	// --- Balances ---

	// GetBalance returns the balance of (userID, asset); zero if none exists.
	GetBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error)

	// ListBalances returns every balance a user holds.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// AdjustBalance adds a signed delta and returns the new balance. Fails with
	// model.ErrInsufficientFunds, leaving the balance unchanged, if the result
	// would be negative.
	AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error)

	// --- Positions ---

	// OpenPosition applies the open deltas and inserts the position as one unit.
	OpenPosition(ctx context.Context, pos *model.Position, deltas []model.Delta) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListActivePositions returns every non-settled position, for recovery.
	ListActivePositions(ctx context.Context) ([]model.Position, error)

	// ListUserPositions returns a user's non-settled positions, oldest first.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// SettlePosition checks the persisted state, marks the position settled,
	// applies the deltas, and appends the history entry, as one unit. Returns
	// model.ErrAlreadySettled without side effects if the position is terminal.
	SettlePosition(ctx context.Context, s model.Settlement) error

	// --- Append-only history ---

	// ListHistory returns a user's history entries, newest first. limit <= 0
	// returns all of them.
	ListHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error)

	// --- Engine settings ---

	// GetSetting returns a stored setting, or "" if unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// PutSetting stores a setting.
	PutSetting(ctx context.Context, key, value string) error
}
