package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

const pgPositionColumns = `id, user_id, instrument, kind, side, asset,
	stake::TEXT, leverage::TEXT, payout_rate::TEXT, profit_rate::TEXT, ltv::TEXT, principal::TEXT,
	loan_asset, entry_price::TEXT, entry_time, expiry_time, state,
	outcome, settle_trigger, settled_amount::TEXT, exit_price::TEXT, settled_at`

const pgHistoryColumns = `id, position_id, user_id, kind, instrument, side, asset,
	stake::TEXT, outcome, settle_trigger, amount::TEXT, realized::TEXT,
	realized_asset, entry_price::TEXT, exit_price::TEXT, entry_time, settled_at`

func (s *PostgresStore) GetBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE user_id = $1 AND asset = $2`,
		userID, asset).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}
	return decimal.NewFromString(amount)
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, amount::TEXT, updated_at
		 FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var amount string
		if err := rows.Scan(&b.UserID, &b.Asset, &amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	var result decimal.Decimal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		result, err = applyDeltaPG(ctx, tx, model.Delta{UserID: userID, Asset: asset, Amount: delta}, time.Now().UTC())
		return err
	})
	return result, err
}

func (s *PostgresStore) OpenPosition(ctx context.Context, pos *model.Position, deltas []model.Delta) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, d := range netDeltas(deltas) {
			if _, err := applyDeltaPG(ctx, tx, d, now); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO positions (id, user_id, instrument, kind, side, asset,
				stake, leverage, payout_rate, profit_rate, ltv, principal,
				loan_asset, entry_price, entry_time, expiry_time, state)
			 VALUES ($1, $2, $3, $4, $5, $6,
				$7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
				$13, $14::NUMERIC, $15, $16, $17)`,
			positionArgs(pos)...,
		)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions
		 WHERE state <> 'settled' ORDER BY entry_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions
		 WHERE user_id = $1 AND state <> 'settled' ORDER BY entry_time, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

// SettlePosition runs the terminal transition as one transaction. The
// conditional UPDATE is the idempotence guard: a second attempt matches no
// row and rolls back before any balance is touched.
func (s *PostgresStore) SettlePosition(ctx context.Context, st model.Settlement) error {
	p := st.Position
	if p.Result == nil {
		return fmt.Errorf("%w: settlement for %s has no result", model.ErrInvalidPosition, p.ID)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET state = 'settled', outcome = $2, settle_trigger = $3,
			     settled_amount = $4::NUMERIC, exit_price = $5::NUMERIC, settled_at = $6
			 WHERE id = $1 AND state <> 'settled'`,
			p.ID, string(p.Result.Outcome), string(p.Result.Trigger),
			p.Result.Amount.String(), p.Result.ExitPrice.String(), p.Result.SettledAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("settle position %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM positions WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s", model.ErrPositionNotFound, p.ID)
			}
			return model.ErrAlreadySettled
		}

		now := time.Now().UTC()
		for _, d := range netDeltas(st.Deltas) {
			if _, err := applyDeltaPG(ctx, tx, d, now); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO history (id, position_id, user_id, kind, instrument, side, asset,
				stake, outcome, settle_trigger, amount, realized,
				realized_asset, entry_price, exit_price, entry_time, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7,
				$8::NUMERIC, $9, $10, $11::NUMERIC, $12::NUMERIC,
				$13, $14::NUMERIC, $15::NUMERIC, $16, $17)`,
			historyArgs(st.Entry)...,
		)
		if err != nil {
			return fmt.Errorf("insert history for %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) ListHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	query := `SELECT ` + pgHistoryColumns + ` FROM history WHERE user_id = $1 ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// applyDeltaPG applies one delta inside tx. Credits upsert; debits are a
// conditional UPDATE so the check and the decrement are one statement.
func applyDeltaPG(ctx context.Context, tx pgx.Tx, d model.Delta, now time.Time) (decimal.Decimal, error) {
	var amount string
	var err error

	if d.Amount.IsNegative() {
		err = tx.QueryRow(ctx,
			`UPDATE balances SET amount = amount + $3::NUMERIC, updated_at = $4
			 WHERE user_id = $1 AND asset = $2 AND amount + $3::NUMERIC >= 0
			 RETURNING amount::TEXT`,
			d.UserID, d.Asset, d.Amount.String(), now).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %s needs %s", model.ErrInsufficientFunds, d.Asset, d.Amount.Neg())
		}
	} else {
		err = tx.QueryRow(ctx,
			`INSERT INTO balances (user_id, asset, amount, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4)
			 ON CONFLICT (user_id, asset)
			 DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
			 RETURNING amount::TEXT`,
			d.UserID, d.Asset, d.Amount.String(), now).Scan(&amount)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance %s/%s: %w", d.UserID, d.Asset, err)
	}
	return decimal.NewFromString(amount)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
