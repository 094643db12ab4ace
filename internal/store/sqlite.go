package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. It is the durable
// option for single-node hosts that want positions to survive restarts
// without running a database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqlitePositionColumns = `id, user_id, instrument, kind, side, asset,
	stake, leverage, payout_rate, profit_rate, ltv, principal,
	loan_asset, entry_price, entry_time, expiry_time, state,
	outcome, settle_trigger, settled_amount, exit_price, settled_at`

const sqliteHistoryColumns = `id, position_id, user_id, kind, instrument, side, asset,
	stake, outcome, settle_trigger, amount, realized,
	realized_asset, entry_price, exit_price, entry_time, settled_at`

func (s *SQLiteStore) GetBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	return balanceSQLite(ctx, s.db, userID, asset)
}

func (s *SQLiteStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, asset, amount, updated_at FROM balances WHERE user_id = ? ORDER BY asset`, userID)
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

func (s *SQLiteStore) AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	var result decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = applyDeltaSQLite(ctx, tx, model.Delta{UserID: userID, Asset: asset, Amount: delta}, time.Now().UTC())
		return err
	})
	return result, err
}

func (s *SQLiteStore) OpenPosition(ctx context.Context, pos *model.Position, deltas []model.Delta) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, d := range netDeltas(deltas) {
			if _, err := applyDeltaSQLite(ctx, tx, d, now); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO positions (id, user_id, instrument, kind, side, asset,
				stake, leverage, payout_rate, profit_rate, ltv, principal,
				loan_asset, entry_price, entry_time, expiry_time, state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			positionArgs(pos)...,
		)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE state <> 'settled' ORDER BY entry_time, id`)
}

func (s *SQLiteStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions
		 WHERE user_id = ? AND state <> 'settled' ORDER BY entry_time, id`, userID)
}

func (s *SQLiteStore) SettlePosition(ctx context.Context, st model.Settlement) error {
	p := st.Position
	if p.Result == nil {
		return fmt.Errorf("%w: settlement for %s has no result", model.ErrInvalidPosition, p.ID)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE positions
			 SET state = 'settled', outcome = ?, settle_trigger = ?,
			     settled_amount = ?, exit_price = ?, settled_at = ?
			 WHERE id = ? AND state <> 'settled'`,
			string(p.Result.Outcome), string(p.Result.Trigger),
			p.Result.Amount.String(), p.Result.ExitPrice.String(), p.Result.SettledAt.UTC(), p.ID,
		)
		if err != nil {
			return fmt.Errorf("settle position %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM positions WHERE id = ?`, p.ID).Scan(&count); err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: %s", model.ErrPositionNotFound, p.ID)
			}
			return model.ErrAlreadySettled
		}

		now := time.Now().UTC()
		for _, d := range netDeltas(st.Deltas) {
			if _, err := applyDeltaSQLite(ctx, tx, d, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO history (`+sqliteHistoryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			historyArgs(st.Entry)...,
		)
		if err != nil {
			return fmt.Errorf("insert history for %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListHistory(ctx context.Context, userID string, limit int) ([]model.HistoryEntry, error) {
	query := `SELECT ` + sqliteHistoryColumns + ` FROM history WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceSQLite(ctx context.Context, q sqliteQuerier, userID, asset string) (decimal.Decimal, error) {
	var amount string
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id = ? AND asset = ?`, userID, asset).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}
	return decimal.NewFromString(amount)
}

// applyDeltaSQLite reads, checks and writes inside the caller's immediate
// transaction, which already holds the database write lock.
func applyDeltaSQLite(ctx context.Context, tx *sql.Tx, d model.Delta, now time.Time) (decimal.Decimal, error) {
	current, err := balanceSQLite(ctx, tx, d.UserID, d.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(d.Amount)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s needs %s, has %s",
			model.ErrInsufficientFunds, d.Asset, d.Amount.Neg(), current)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, asset, amount, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, asset) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		d.UserID, d.Asset, next.String(), now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance %s/%s: %w", d.UserID, d.Asset, err)
	}
	return next, nil
}
