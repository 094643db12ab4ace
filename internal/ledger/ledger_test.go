package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	bal, err := l.Credit(ctx, "user1", "USDT", d(100))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(100)))

	bal, err = l.Debit(ctx, "user1", "USDT", d(40))
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(60)))

	_, err = l.Debit(ctx, "user1", "USDT", d(61))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	bal, err = l.Balance(ctx, "user1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(60)))
}

func TestRejectsNegativeAmounts(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	_, err := l.Credit(ctx, "user1", "USDT", d(-1))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = l.Debit(ctx, "user1", "USDT", d(-1))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestZeroAmountsAreNoops(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)

	bal, err := l.Debit(ctx, "user1", "USDT", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)
	_, err := l.Credit(ctx, "user1", "USDT", d(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, rejected atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "user1", "USDT", d(10))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, model.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, int64(40), rejected.Load())

	bal, _ := l.Balance(ctx, "user1", "USDT")
	assert.True(t, bal.IsZero(), "balance = %s", bal)
}

func TestOpenAndSettle(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)
	_, err := l.Credit(ctx, "user1", "USDT", d(1000))
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := &model.Position{
		ID: "pos-1", UserID: "user1", Instrument: "BTC/USDT",
		Kind: model.KindBinary, Side: model.SideUp, Asset: "USDT",
		Stake: d(1000), PayoutRate: d(0.85), EntryPrice: d(94500),
		EntryTime: t0, ExpiryTime: t0.Add(time.Minute), State: model.StateActive,
	}
	require.NoError(t, l.Open(ctx, pos, []model.Delta{model.Debit("user1", "USDT", pos.Stake)}))

	bal, _ := l.Balance(ctx, "user1", "USDT")
	assert.True(t, bal.IsZero())

	settled := *pos
	settled.State = model.StateSettled
	settled.Result = &model.Result{Outcome: model.OutcomeWin, Trigger: model.TriggerExpiry, Amount: d(1850), ExitPrice: d(95000), SettledAt: pos.ExpiryTime}
	st := model.Settlement{
		Position: &settled,
		Deltas:   []model.Delta{model.Credit("user1", "USDT", d(1850))},
		Entry:    model.HistoryEntry{ID: "h1", PositionID: pos.ID, UserID: "user1", Amount: d(1850)},
	}
	require.NoError(t, l.Settle(ctx, st))
	assert.ErrorIs(t, l.Settle(ctx, st), model.ErrAlreadySettled)

	bal, _ = l.Balance(ctx, "user1", "USDT")
	assert.True(t, bal.Equal(d(1850)), "balance = %s", bal)

	bals, err := l.Balances(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, bals, 1)
}

func TestLockOrderingAcrossKeys(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), nil)
	_, _ = l.Credit(ctx, "user1", "BTC", d(100))
	_, _ = l.Credit(ctx, "user1", "USDT", d(100))

	// Opposite key orders in parallel must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := l.lock([]model.Delta{{UserID: "user1", Asset: "BTC"}, {UserID: "user1", Asset: "USDT"}})
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := l.lock([]model.Delta{{UserID: "user1", Asset: "USDT"}, {UserID: "user1", Asset: "BTC"}})
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}
}
