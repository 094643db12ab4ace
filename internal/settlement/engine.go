// Package settlement runs the generic position state machine.
//
// Positions move open → active → settled. On every tick the engine advances
// the synthetic prices, asks each position's product adapter whether it is
// due, and settles the due ones. Deciding the result, paying it, writing the
// history entry and marking the position settled happen in one store
// transaction, so a position is never observably expired-but-unpaid and a
// repeated attempt is a no-op.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/id"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/product"
	"github.com/atmx/settlement-engine/internal/store"
)

// Clock is the engine's source of "now". Entry and expiry timestamps are
// stamped from it, so recovery compares against the same basis.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// PriceSource is the synthetic feed the engine drives.
type PriceSource interface {
	TickAll() map[string]decimal.Decimal
	Price(symbol string) (decimal.Decimal, error)
	Snapshot() []model.Instrument
}

// Notifier receives engine events for display. Implementations must not block.
type Notifier interface {
	PricesUpdated(prices map[string]decimal.Decimal, at time.Time)
	PositionOpened(p model.Position)
	PositionSettled(p model.Position, entry model.HistoryEntry)
}

// Config holds the evaluation cadence and persistence budget.
type Config struct {
	TickInterval      time.Duration
	SettleConcurrency int
	SettleTimeout     time.Duration
	SettleRetries     int
	RetryBackoff      time.Duration
	Nudge             decimal.Decimal
}

// DefaultConfig returns a 1s cadence with modest persistence limits.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		SettleConcurrency: 8,
		SettleTimeout:     2 * time.Second,
		SettleRetries:     3,
		RetryBackoff:      50 * time.Millisecond,
		Nudge:             outcome.DefaultNudge,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithNotifier attaches a display sink.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLimiter enables exposure caps at open time.
func WithLimiter(l *limits.ExposureLimiter) Option { return func(e *Engine) { e.limiter = l } }

// Engine owns the registry of active positions.
type Engine struct {
	cfg      Config
	store    store.Store
	ledger   *ledger.Ledger
	prices   PriceSource
	products *product.Registry
	clock    Clock
	logger   *slog.Logger
	notifier Notifier
	limiter  *limits.ExposureLimiter

	mu       sync.Mutex
	active   map[string]*model.Position
	settling map[string]bool
	policy   outcome.Policy

	openMu sync.Mutex // serializes exposure checks with the open they guard
}

// New creates an engine. Call Recover before Run to pick up persisted state.
func New(cfg Config, st store.Store, l *ledger.Ledger, prices PriceSource, products *product.Registry, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SettleConcurrency <= 0 {
		cfg.SettleConcurrency = def.SettleConcurrency
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.SettleRetries <= 0 {
		cfg.SettleRetries = def.SettleRetries
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if !cfg.Nudge.IsPositive() {
		cfg.Nudge = def.Nudge
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		ledger:   l,
		prices:   prices,
		products: products,
		clock:    systemClock{},
		logger:   slog.Default(),
		active:   make(map[string]*model.Position),
		settling: make(map[string]bool),
		policy:   outcome.Policy{Mode: outcome.ModeAuto, Nudge: cfg.Nudge},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover loads the persisted outcome mode and every non-settled position.
// Positions whose expiry passed while the process was down settle on the
// next Evaluate.
func (e *Engine) Recover(ctx context.Context) error {
	raw, err := e.store.GetSetting(ctx, store.SettingOutcomeMode)
	if err != nil {
		return fmt.Errorf("load outcome mode: %w", err)
	}
	mode, err := outcome.ParseMode(raw)
	if err != nil {
		e.logger.Warn("ignoring persisted outcome mode", "value", raw, "err", err)
		mode = outcome.ModeAuto
	}

	positions, err := e.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}

	e.mu.Lock()
	e.policy = e.policy.WithMode(mode)
	loaded := 0
	for i := range positions {
		p := positions[i]
		if _, ok := e.active[p.ID]; ok {
			continue
		}
		p.State = model.StateActive
		e.active[p.ID] = &p
		loaded++
	}
	n := len(e.active)
	e.mu.Unlock()

	metrics.OpenPositions.Set(float64(n))
	e.logger.Info("settlement engine recovered",
		"positions", loaded,
		"outcome_mode", string(mode),
	)
	return nil
}

// Run evaluates immediately and then once per tick interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// PassResult summarizes one evaluation pass.
type PassResult struct {
	Evaluated int `json:"evaluated"`
	Due       int `json:"due"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
}

type duePosition struct {
	pos     *model.Position
	trigger model.Trigger
	mark    product.Mark
}

// Evaluate runs one pass: advance prices, check every active position,
// settle the due ones concurrently. Failed settlements stay active and are
// retried on the next pass.
func (e *Engine) Evaluate(ctx context.Context) PassResult {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	prices := e.prices.TickAll()
	now := e.clock.Now()
	for sym, p := range prices {
		metrics.InstrumentPrice.WithLabelValues(sym).Set(p.InexactFloat64())
	}
	if e.notifier != nil {
		e.notifier.PricesUpdated(prices, now)
	}

	e.mu.Lock()
	policy := e.policy
	candidates := make([]*model.Position, 0, len(e.active))
	for pid, p := range e.active {
		if !e.settling[pid] {
			candidates = append(candidates, p)
		}
	}
	e.mu.Unlock()

	var res PassResult
	res.Evaluated = len(candidates)

	var due []duePosition
	for _, p := range candidates {
		adapter, err := e.products.Get(p.Kind)
		if err != nil {
			e.logger.Error("no adapter for position", "position_id", p.ID, "kind", string(p.Kind))
			continue
		}
		price, ok := prices[p.Instrument]
		if !ok {
			if product.NeedsPrice(adapter, p) {
				e.logger.Warn("no price for position instrument", "position_id", p.ID, "instrument", p.Instrument)
				continue
			}
			price = p.EntryPrice
		}
		mark := product.Mark{Price: price, Now: now, Policy: policy}
		trigger, isDue := adapter.Check(p, mark)
		if !isDue || !e.claim(p.ID) {
			continue
		}
		due = append(due, duePosition{pos: p, trigger: trigger, mark: mark})
	}
	res.Due = len(due)

	var settled, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.cfg.SettleConcurrency)
	for _, dp := range due {
		g.Go(func() error {
			if _, err := e.settle(ctx, dp.pos, dp.trigger, dp.mark); err != nil && !errors.Is(err, model.ErrAlreadySettled) {
				failed.Add(1)
				return nil
			}
			settled.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Settled = int(settled.Load())
	res.Failed = int(failed.Load())
	if res.Due > 0 {
		e.logger.Debug("evaluation pass",
			"evaluated", res.Evaluated,
			"due", res.Due,
			"settled", res.Settled,
			"failed", res.Failed,
		)
	}
	return res
}

// settle computes and persists the terminal transition of a claimed position.
// The claim is released on every path.
func (e *Engine) settle(ctx context.Context, p *model.Position, trigger model.Trigger, mark product.Mark) (*model.Position, error) {
	adapter, err := e.products.Get(p.Kind)
	if err != nil {
		e.release(p.ID)
		return nil, err
	}

	result, deltas, err := adapter.Settle(p, trigger, mark)
	if err != nil {
		e.release(p.ID)
		return nil, err
	}

	settled := *p
	settled.State = model.StateSettled
	settled.Result = &result

	realized, realizedAsset := product.Realized(p, result)
	entry := model.HistoryEntry{
		ID:         id.At(result.SettledAt),
		PositionID: p.ID,
		UserID:     p.UserID,
		Kind:       p.Kind,
		Instrument: p.Instrument,
		Side:       p.Side,
		Asset:      p.Asset,
		Stake:      p.Stake,
		Outcome:    result.Outcome,
		Trigger:    result.Trigger,
		Amount:     result.Amount,
		Realized:   realized,
		EntryPrice: p.EntryPrice,
		ExitPrice:  result.ExitPrice,
		EntryTime:  p.EntryTime,
		SettledAt:  result.SettledAt,

		RealizedAsset: realizedAsset,
	}

	start := time.Now()
	err = e.persist(ctx, model.Settlement{Position: &settled, Deltas: deltas, Entry: entry})
	metrics.SettleLatency.WithLabelValues(string(p.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.remove(p.ID)
		metrics.SettlementsTotal.WithLabelValues(string(p.Kind), string(result.Outcome)).Inc()
		e.logger.Info("position settled",
			"position_id", p.ID,
			"user_id", p.UserID,
			"kind", string(p.Kind),
			"outcome", string(result.Outcome),
			"trigger", string(result.Trigger),
			"amount", result.Amount.String(),
			"exit_price", result.ExitPrice.String(),
		)
		if e.notifier != nil {
			e.notifier.PositionSettled(settled, entry)
		}
		return &settled, nil

	case errors.Is(err, model.ErrAlreadySettled):
		e.remove(p.ID)
		metrics.DuplicateSettles.Inc()
		e.logger.Debug("position already settled", "position_id", p.ID)
		return nil, err

	case errors.Is(err, model.ErrPositionNotFound):
		e.remove(p.ID)
		e.logger.Error("active position missing from store", "position_id", p.ID)
		return nil, err

	default:
		e.release(p.ID)
		metrics.SettleFailures.WithLabelValues(string(p.Kind)).Inc()
		e.logger.Error("settlement failed",
			"position_id", p.ID,
			"trigger", string(trigger),
			"err", err,
		)
		return nil, err
	}
}

// persist writes s with a per-attempt timeout and linear backoff. Outcomes
// that retrying cannot change are returned immediately.
func (e *Engine) persist(ctx context.Context, s model.Settlement) error {
	var err error
	for attempt := 0; attempt < e.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		actx, cancel := context.WithTimeout(ctx, e.cfg.SettleTimeout)
		err = e.ledger.Settle(actx, s)
		cancel()

		if err == nil || permanent(err) {
			return err
		}
		e.logger.Warn("settlement attempt failed",
			"position_id", s.Position.ID,
			"attempt", attempt+1,
			"err", err,
		)
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, model.ErrAlreadySettled) ||
		errors.Is(err, model.ErrPositionNotFound) ||
		errors.Is(err, model.ErrInsufficientFunds) ||
		errors.Is(err, model.ErrInvalidPosition)
}

// claim marks an active position as being settled. Only one caller can hold
// the claim, so a user close and a tick cannot both compute a payoff.
func (e *Engine) claim(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[positionID]; !ok || e.settling[positionID] {
		return false
	}
	e.settling[positionID] = true
	return true
}

func (e *Engine) release(positionID string) {
	e.mu.Lock()
	delete(e.settling, positionID)
	e.mu.Unlock()
}

func (e *Engine) remove(positionID string) {
	e.mu.Lock()
	delete(e.settling, positionID)
	delete(e.active, positionID)
	n := len(e.active)
	e.mu.Unlock()

	metrics.OpenPositions.Set(float64(n))
}

func (e *Engine) register(p *model.Position) {
	e.mu.Lock()
	e.active[p.ID] = p
	n := len(e.active)
	e.mu.Unlock()

	metrics.OpenPositions.Set(float64(n))
}

// ActiveCount is the number of positions currently monitored.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
