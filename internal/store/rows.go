package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// positionRow is the flat column layout shared by the SQL stores. Decimals
// travel as text so neither driver rounds them.
type positionRow struct {
	id, userID, instrument, kind, side, asset string

	stake, leverage, payoutRate, profitRate, ltv, principal string
	loanAsset                                               string

	entryPrice string
	entryTime  time.Time
	expiryTime *time.Time
	state      string

	outcome, trigger, settledAmount, exitPrice *string
	settledAt                                  *time.Time
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var r positionRow
	if err := row.Scan(
		&r.id, &r.userID, &r.instrument, &r.kind, &r.side, &r.asset,
		&r.stake, &r.leverage, &r.payoutRate, &r.profitRate, &r.ltv, &r.principal,
		&r.loanAsset, &r.entryPrice, &r.entryTime, &r.expiryTime, &r.state,
		&r.outcome, &r.trigger, &r.settledAmount, &r.exitPrice, &r.settledAt,
	); err != nil {
		return nil, err
	}
	return r.toModel()
}

func (r *positionRow) toModel() (*model.Position, error) {
	p := &model.Position{
		ID:         r.id,
		UserID:     r.userID,
		Instrument: r.instrument,
		Kind:       model.Kind(r.kind),
		Side:       model.Side(r.side),
		Asset:      r.asset,
		LoanAsset:  r.loanAsset,
		EntryTime:  r.entryTime.UTC(),
		State:      model.State(r.state),
	}
	if r.expiryTime != nil {
		p.ExpiryTime = r.expiryTime.UTC()
	}

	var err error
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Stake, r.stake},
		{&p.Leverage, r.leverage},
		{&p.PayoutRate, r.payoutRate},
		{&p.ProfitRate, r.profitRate},
		{&p.LTV, r.ltv},
		{&p.Principal, r.principal},
		{&p.EntryPrice, r.entryPrice},
	}
	for _, f := range fields {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return nil, fmt.Errorf("position %s: %w", r.id, err)
		}
	}

	if r.outcome != nil && r.settledAt != nil {
		res := &model.Result{
			Outcome:   model.Outcome(*r.outcome),
			SettledAt: r.settledAt.UTC(),
		}
		if r.trigger != nil {
			res.Trigger = model.Trigger(*r.trigger)
		}
		if r.settledAmount != nil {
			if res.Amount, err = parseDecimal(*r.settledAmount); err != nil {
				return nil, fmt.Errorf("position %s: %w", r.id, err)
			}
		}
		if r.exitPrice != nil {
			if res.ExitPrice, err = parseDecimal(*r.exitPrice); err != nil {
				return nil, fmt.Errorf("position %s: %w", r.id, err)
			}
		}
		p.Result = res
	}
	return p, nil
}

func scanHistory(row rowScanner) (model.HistoryEntry, error) {
	var (
		e                                               model.HistoryEntry
		kind, side, outcome, trigger                    string
		stake, amount, realized, entryPrice, exitPrice string
	)
	if err := row.Scan(
		&e.ID, &e.PositionID, &e.UserID, &kind, &e.Instrument, &side, &e.Asset,
		&stake, &outcome, &trigger, &amount, &realized, &e.RealizedAsset, &entryPrice, &exitPrice,
		&e.EntryTime, &e.SettledAt,
	); err != nil {
		return e, err
	}
	e.Kind = model.Kind(kind)
	e.Side = model.Side(side)
	e.Outcome = model.Outcome(outcome)
	e.Trigger = model.Trigger(trigger)
	e.EntryTime = e.EntryTime.UTC()
	e.SettledAt = e.SettledAt.UTC()

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Stake, stake},
		{&e.Amount, amount},
		{&e.Realized, realized},
		{&e.EntryPrice, entryPrice},
		{&e.ExitPrice, exitPrice},
	} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return e, fmt.Errorf("history %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// positionArgs returns insert arguments in positionRow column order,
// with decimals rendered as strings.
func positionArgs(p *model.Position) []any {
	args := []any{
		p.ID, p.UserID, p.Instrument, string(p.Kind), string(p.Side), p.Asset,
		p.Stake.String(), p.Leverage.String(), p.PayoutRate.String(), p.ProfitRate.String(),
		p.LTV.String(), p.Principal.String(), p.LoanAsset,
		p.EntryPrice.String(), p.EntryTime.UTC(), nullableTime(p.ExpiryTime), string(p.State),
	}
	return args
}

func historyArgs(e model.HistoryEntry) []any {
	return []any{
		e.ID, e.PositionID, e.UserID, string(e.Kind), e.Instrument, string(e.Side), e.Asset,
		e.Stake.String(), string(e.Outcome), string(e.Trigger), e.Amount.String(), e.Realized.String(),
		e.RealizedAsset, e.EntryPrice.String(), e.ExitPrice.String(), e.EntryTime.UTC(), e.SettledAt.UTC(),
	}
}

// netDeltas sums deltas per (user, asset) so each key is touched once.
func netDeltas(deltas []model.Delta) []model.Delta {
	idx := make(map[balanceKey]int)
	var out []model.Delta
	for _, d := range deltas {
		k := balanceKey{d.UserID, d.Asset}
		if i, ok := idx[k]; ok {
			out[i].Amount = out[i].Amount.Add(d.Amount)
			continue
		}
		idx[k] = len(out)
		out = append(out, d)
	}
	return out
}
