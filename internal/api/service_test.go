package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/product"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine *settlement.Engine
	prices *pricefeed.Generator
	router chi.Router
}

// newTestEnv creates a Service over an in-memory engine and a chi router.
func newTestEnv(t *testing.T, hub *api.WSHub) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()

	prices := pricefeed.NewGenerator(7)
	if err := prices.Register("BTC/USDT", d(100000), 0); err != nil {
		t.Fatalf("register instrument: %v", err)
	}

	products := product.NewRegistry(
		product.NewBinary(product.BinaryConfig{Durations: []time.Duration{time.Minute}}),
		product.NewFutures(product.FuturesConfig{}),
		product.NewCycle(product.CycleConfig{Tiers: []product.Tier{
			{Name: "starter", MinStake: d(100), ProfitRate: d(0.012), Duration: 24 * time.Hour},
		}}),
		product.NewLoan(product.LoanConfig{
			LTV:         d(0.65),
			BorrowTerms: []product.Term{{Duration: 7 * 24 * time.Hour, Rate: d(0.05)}},
			LendTerms:   []product.Term{{Duration: 30 * 24 * time.Hour, Rate: d(0.073)}},
		}),
	)

	opts := []settlement.Option{}
	if hub != nil {
		opts = append(opts, settlement.WithNotifier(hub))
	}
	engine := settlement.New(settlement.DefaultConfig(), st, ledger.New(st, nil), prices, products, opts...)
	if err := engine.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	svc := api.NewService(engine, hub, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{engine: engine, prices: prices, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) deposit(t *testing.T, user, asset string, amount float64) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/deposits", api.DepositRequest{UserID: user, Asset: asset, Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (env *testEnv) open(t *testing.T, req api.OpenPositionRequest) api.PositionResponse {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/positions", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.PositionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return resp
}

func futuresReq(user string) api.OpenPositionRequest {
	return api.OpenPositionRequest{
		UserID: user, Kind: model.KindFutures, Instrument: "BTC/USDT",
		Side: model.SideLong, Stake: d(100), Leverage: d(10),
	}
}

// --- Open ---

func TestOpenPosition_Binary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 1000)

	pos := env.open(t, api.OpenPositionRequest{
		UserID: "user1", Kind: model.KindBinary, Instrument: "btc/usdt",
		Side: model.SideUp, Stake: d(250), Duration: "1m",
	})

	if pos.State != model.StateActive {
		t.Errorf("expected state active, got %s", pos.State)
	}
	if pos.Instrument != "BTC/USDT" {
		t.Errorf("expected normalized instrument, got %s", pos.Instrument)
	}
	if !pos.EntryPrice.Equal(d(100000)) {
		t.Errorf("expected entry 100000, got %s", pos.EntryPrice)
	}
	if pos.ExpiryTime.Sub(pos.EntryTime) != time.Minute {
		t.Errorf("expected 1m term, got %s", pos.ExpiryTime.Sub(pos.EntryTime))
	}

	w := env.do(t, "GET", "/api/v1/users/user1/balances", nil)
	var balances []model.Balance
	json.NewDecoder(w.Body).Decode(&balances)
	if len(balances) != 1 || !balances[0].Amount.Equal(d(750)) {
		t.Errorf("expected USDT 750, got %+v", balances)
	}
}

func TestOpenPosition_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    api.OpenPositionRequest
		status int
	}{
		{"missing user", api.OpenPositionRequest{Kind: model.KindBinary}, http.StatusBadRequest},
		{"bad duration", api.OpenPositionRequest{
			UserID: "user1", Kind: model.KindBinary, Instrument: "BTC/USDT",
			Side: model.SideUp, Stake: d(10), Duration: "soon",
		}, http.StatusBadRequest},
		{"unknown instrument", api.OpenPositionRequest{
			UserID: "user1", Kind: model.KindBinary, Instrument: "XRP/USDT",
			Side: model.SideUp, Stake: d(10), Duration: "1m",
		}, http.StatusBadRequest},
		{"unknown kind", api.OpenPositionRequest{
			UserID: "user1", Kind: "swap", Instrument: "BTC/USDT", Stake: d(10),
		}, http.StatusBadRequest},
		{"insufficient funds", api.OpenPositionRequest{
			UserID: "user1", Kind: model.KindBinary, Instrument: "BTC/USDT",
			Side: model.SideUp, Stake: d(5000), Duration: "1m",
		}, http.StatusUnprocessableEntity},
		{"borrow above ltv", api.OpenPositionRequest{
			UserID: "user1", Kind: model.KindLoan, Instrument: "BTC/USDT",
			Side: model.SideBorrow, Stake: d(1), Principal: d(70000), Duration: "168h",
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.deposit(t, "user1", "USDT", 100)

			w := env.do(t, "POST", "/api/v1/positions", tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body map[string]string
			json.NewDecoder(w.Body).Decode(&body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestOpenPosition_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/positions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// --- Settlement actions ---

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 100)
	pos := env.open(t, futuresReq("user1"))

	if err := env.prices.Set("BTC/USDT", d(102000)); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.ActionRequest{UserID: "user2"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("other user close: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var settled api.PositionResponse
	json.NewDecoder(w.Body).Decode(&settled)
	if settled.State != model.StateSettled || settled.Result == nil {
		t.Fatalf("expected settled position with result, got %+v", settled)
	}
	// 2% move at 10x on 100.
	if !settled.Result.Amount.Equal(d(120)) {
		t.Errorf("expected payout 120, got %s", settled.Result.Amount)
	}

	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusConflict {
		t.Errorf("second close: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/users/user1/history", nil)
	var history []model.HistoryEntry
	json.NewDecoder(w.Body).Decode(&history)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if !history[0].Realized.Equal(d(20)) {
		t.Errorf("expected realized 20, got %s", history[0].Realized)
	}
}

func TestClosePosition_UnsupportedForBinary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 100)
	pos := env.open(t, api.OpenPositionRequest{
		UserID: "user1", Kind: model.KindBinary, Instrument: "BTC/USDT",
		Side: model.SideDown, Stake: d(50), Duration: "1m",
	})

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBorrowAndRepay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "BTC", 1)
	env.deposit(t, "user1", "USDT", 3000)

	pos := env.open(t, api.OpenPositionRequest{
		UserID: "user1", Kind: model.KindLoan, Instrument: "BTC/USDT",
		Side: model.SideBorrow, Stake: d(1), Principal: d(50000), Duration: "168h",
	})
	if pos.TotalRepayment == nil || !pos.TotalRepayment.Equal(d(52500)) {
		t.Errorf("expected total repayment 52500, got %v", pos.TotalRepayment)
	}
	if pos.LiquidationPrice == nil || !pos.LiquidationPrice.Round(2).Equal(d(80769.23)) {
		t.Errorf("expected liquidation price 80769.23, got %v", pos.LiquidationPrice)
	}

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/withdraw", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("withdraw on borrow: expected 422, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/repay", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("repay: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/users/user1/balances", nil)
	var balances []model.Balance
	json.NewDecoder(w.Body).Decode(&balances)
	got := make(map[string]decimal.Decimal)
	for _, b := range balances {
		got[b.Asset] = b.Amount
	}
	if !got["BTC"].Equal(d(1)) || !got["USDT"].Equal(d(500)) {
		t.Errorf("expected BTC 1 and USDT 500, got %v", got)
	}
}

func TestWithdrawLend(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 10000)
	pos := env.open(t, api.OpenPositionRequest{
		UserID: "user1", Kind: model.KindLoan, Instrument: "BTC/USDT",
		Side: model.SideLend, Stake: d(10000), Duration: "720h",
	})

	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/withdraw", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var settled api.PositionResponse
	json.NewDecoder(w.Body).Decode(&settled)
	if settled.Result.Outcome != model.OutcomeWithdrawn || !settled.Result.Amount.Equal(d(10000)) {
		t.Errorf("expected early withdrawal of principal, got %+v", settled.Result)
	}
}

// --- Queries ---

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 100)
	pos := env.open(t, futuresReq("user1"))

	w := env.do(t, "GET", "/api/v1/positions/"+pos.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/positions/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListPositions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 300)
	env.open(t, futuresReq("user1"))
	env.open(t, futuresReq("user1"))

	w := env.do(t, "GET", "/api/v1/users/user1/positions", nil)
	var positions []api.PositionResponse
	json.NewDecoder(w.Body).Decode(&positions)
	if len(positions) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(positions))
	}

	w = env.do(t, "GET", "/api/v1/users/nobody/positions", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestListHistory_InvalidLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, limit := range []string{"0", "-3", "ten"} {
		w := env.do(t, "GET", "/api/v1/users/user1/history?limit="+limit, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
		}
	}

	w := env.do(t, "GET", "/api/v1/users/user1/history?limit=5", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected 200 with empty array, got %d %s", w.Code, w.Body.String())
	}
}

func TestDeposit_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/deposits", api.DepositRequest{UserID: "user1", Asset: "USDT", Amount: d(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestInstrumentsAndProducts(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/instruments", nil)
	var instruments []model.Instrument
	json.NewDecoder(w.Body).Decode(&instruments)
	if len(instruments) != 1 || instruments[0].Symbol != "BTC/USDT" {
		t.Errorf("unexpected instruments: %+v", instruments)
	}

	w = env.do(t, "GET", "/api/v1/products", nil)
	var kinds []model.Kind
	json.NewDecoder(w.Body).Decode(&kinds)
	if len(kinds) != 4 {
		t.Errorf("expected 4 products, got %v", kinds)
	}
}

// --- Admin ---

func TestOutcomeMode(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "PUT", "/api/v1/admin/outcome-mode", api.OutcomeModeRequest{Mode: "forceWin"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/admin/outcome-mode", nil)
	var resp api.OutcomeModeRequest
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Mode != "forceWin" {
		t.Errorf("expected forceWin, got %q", resp.Mode)
	}

	for _, bad := range []string{"", "sometimes"} {
		w = env.do(t, "PUT", "/api/v1/admin/outcome-mode", api.OutcomeModeRequest{Mode: bad})
		if w.Code != http.StatusBadRequest {
			t.Errorf("mode %q: expected 400, got %d", bad, w.Code)
		}
	}
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "user1", "USDT", 100)
	env.open(t, futuresReq("user1"))

	// A 12% drop at 10x wipes the margin.
	if err := env.prices.Set("BTC/USDT", d(88000)); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/admin/evaluate", nil)
	var res settlement.PassResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Evaluated != 1 || res.Settled != 1 {
		t.Errorf("expected one liquidation, got %+v", res)
	}
}

// --- WebSocket ---

func TestWebSocket_BroadcastsSettlement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewWSHub(nil)
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.deposit(t, "user1", "USDT", 100)
	pos := env.open(t, futuresReq("user1"))
	w := env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.ActionRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		if msg.PositionID != pos.ID {
			t.Errorf("unexpected position id %q", msg.PositionID)
		}
		types = append(types, msg.Type)
		if msg.Type == api.MsgPositionSettled && (msg.Settlement == nil || msg.Settlement.Outcome != model.OutcomeClosed) {
			t.Errorf("expected closed settlement, got %+v", msg.Settlement)
		}
	}
	if types[0] != api.MsgPositionOpened || types[1] != api.MsgPositionSettled {
		t.Errorf("expected opened then settled, got %v", types)
	}
}

func TestWebSocket_UserFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewWSHub(nil)
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	dial := func(query string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(base+query, nil)
		if err != nil {
			t.Fatalf("dial %q: %v", query, err)
		}
		return conn
	}
	all := dial("")
	defer all.Close()
	onlyUser2 := dial("?user_id=user2")
	defer onlyUser2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.deposit(t, "user1", "USDT", 100)
	env.deposit(t, "user2", "USDT", 100)
	first := env.open(t, futuresReq("user1"))
	second := env.open(t, futuresReq("user2"))

	read := func(conn *websocket.Conn) api.WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(all); msg.PositionID != first.ID {
		t.Errorf("unfiltered client: expected %s first, got %s", first.ID, msg.PositionID)
	}
	if msg := read(all); msg.PositionID != second.ID {
		t.Errorf("unfiltered client: expected %s second, got %s", second.ID, msg.PositionID)
	}

	// Broadcasts are ordered, so user1's event would have arrived first.
	msg := read(onlyUser2)
	if msg.UserID != "user2" || msg.PositionID != second.ID {
		t.Errorf("filtered client got %s for %s", msg.PositionID, msg.UserID)
	}
}
