package core_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const market = "BTC-PERP"

func w(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

func requireWad(t *testing.T, want string, got fpmath.Wad, what string) {
	t.Helper()
	require.Truef(t, got.Equal(w(want)), "%s: got %s, want %s", what, got, want)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *ledger.MemoryStore
	feeds    *state.Feeds
	access   *core.StaticAccess
	charges  *core.MemoryChargeTracker
	engine   *core.Engine
	cfg      *state.MarketConfig
	operator uuid.UUID
	seq      int64
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    ledger.NewMemoryStore(),
		feeds:    state.NewFeeds(),
		charges:  core.NewMemoryChargeTracker(),
		operator: uuid.New(),
	}
	h.access = core.NewStaticAccess(h.operator)
	h.engine = core.NewEngine(h.store, h.feeds, h.feeds, h.access, h.charges)
	h.cfg = &state.MarketConfig{
		MarketID:               market,
		Version:                1,
		InitialMarginRatio:     w("0.1"),
		MaintenanceMarginRatio: w("0.0625"),
		MaxLeverage:            w("10"),
		TickSize:               w("0.01"),
		MakerFeeRate:           fpmath.Zero,
		TakerFeeRate:           fpmath.Zero,
		InsurancePoolRatio:     w("0.5"),
		Liquidators:            map[uuid.UUID]bool{},
		DeleveragingOperator:   uuid.New(),
	}
	require.NoError(t, h.cfg.Validate())
	h.mark("100")
	return h
}

func (h *harness) next() int64 {
	h.seq++
	return h.seq
}

func (h *harness) mark(price string) {
	_, err := h.feeds.UpdateMarkPrice(market, w(price), h.next(), h.seq)
	require.NoError(h.t, err)
}

func (h *harness) fundingIndex(index string) {
	h.feeds.UpdateFundingIndex(market, w(index), h.next(), h.seq)
}

func (h *harness) deposit(account uuid.UUID, amount string) {
	seq := h.next()
	_, err := h.engine.Deposit(h.ctx, core.AccountOp{
		Ref:       fmt.Sprintf("dep-%d", seq),
		Caller:    account,
		Account:   account,
		Amount:    w(amount),
		Sequence:  seq,
		Timestamp: seq,
	})
	require.NoError(h.t, err)
}

// trade builds a normal settle request; isBuy is from the taker's side.
func (h *harness) trade(maker, taker uuid.UUID, isBuy bool, qty, price, makerLev, takerLev string) core.SettleRequest {
	lev := func(s string) fpmath.Wad {
		if s == "" {
			return fpmath.Zero
		}
		return w(s)
	}
	return core.SettleRequest{
		TradeID:  uuid.New(),
		MarketID: market,
		Kind:     core.TradeKindNormal,
		Caller:   h.operator,
		Maker:    maker,
		Taker:    taker,
		Fill: core.Fill{
			Price:         w(price),
			Quantity:      w(qty),
			IsBuy:         isBuy,
			MakerLeverage: lev(makerLev),
			TakerLeverage: lev(takerLev),
		},
	}
}

func (h *harness) settle(req core.SettleRequest) (*core.SettlementResult, error) {
	req.Sequence = h.next()
	req.Timestamp = req.Sequence
	return h.engine.Settle(h.ctx, h.cfg, req)
}

func (h *harness) mustSettle(req core.SettleRequest) *core.SettlementResult {
	h.t.Helper()
	res, err := h.settle(req)
	require.NoError(h.t, err)
	return res
}

func (h *harness) position(account uuid.UUID) state.Position {
	pos, err := h.store.GetPosition(h.ctx, account, market)
	require.NoError(h.t, err)
	return pos
}

// isFlat takes the position by value so the pointer-receiver IsFlat can be called on it.
func isFlat(pos state.Position) bool {
	return pos.IsFlat()
}

func (h *harness) bank(account uuid.UUID) fpmath.Wad {
	b, err := h.store.GetBankBalance(h.ctx, account)
	require.NoError(h.t, err)
	return b
}

func (h *harness) system(key ledger.AccountKey) fpmath.Wad {
	b, err := h.store.GetSystemBalance(h.ctx, key)
	require.NoError(h.t, err)
	return b
}

func (h *harness) requireConserved() {
	h.t.Helper()
	requireWad(h.t, "0", h.store.ComputeGlobalBalance(), "global balance")
}

// =============================================================================
// Normal trades
// =============================================================================

func TestSettle_OpenLocksMarginAndChargesFees(t *testing.T) {
	h := newHarness(t)
	h.cfg.MakerFeeRate, h.cfg.TakerFeeRate = w("0.07"), w("0.07")
	maker, taker := uuid.New(), uuid.New()
	h.deposit(maker, "2050")
	h.deposit(taker, "2050")

	res := h.mustSettle(h.trade(maker, taker, false, "10", "100", "4", "4"))

	pos := h.position(maker)
	requireWad(t, "10", pos.Quantity, "maker quantity")
	requireWad(t, "100", pos.AvgEntryPrice, "maker entry")
	requireWad(t, "250", pos.Margin, "maker margin")
	requireWad(t, "0.25", pos.MarginRatioOpen, "maker margin ratio at open")
	assert.Equal(t, int64(1), pos.Version)
	requireWad(t, "1730", h.bank(maker), "maker bank")

	requireWad(t, "-10", h.position(taker).Quantity, "taker quantity")
	requireWad(t, "1730", h.bank(taker), "taker bank")
	requireWad(t, "140", h.system(ledger.FeePoolKey), "fee pool")

	requireWad(t, "70", res.Maker.Fee, "maker fee")
	requireWad(t, "70", res.Taker.Fee, "taker fee")
	assert.NotEqual(t, [32]byte{}, res.StateHash)

	h.mark("102")
	summary, err := h.engine.EvaluateMargin(h.ctx, h.cfg, maker)
	require.NoError(t, err)
	requireWad(t, "0.264705882352941176", summary.MarginRatio, "maker ratio at 102")
	assert.Equal(t, state.MarginStatusHealthy, summary.Status)

	h.requireConserved()
}

func TestSettle_SelfTradeIsNoOp(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "1000")
	batchesBefore := len(h.store.Batches())

	res := h.mustSettle(h.trade(a, a, true, "1", "100", "10", "10"))

	assert.True(t, res.NoOp)
	assert.Nil(t, res.Batch)
	assert.Len(t, h.store.Batches(), batchesBefore)
	assert.True(t, isFlat(h.position(a)))
	requireWad(t, "1000", h.bank(a), "bank")
}

func TestSettle_FlipEqualsCloseThenOpen(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	setup := func() *harness {
		h := newHarness(t)
		h.deposit(a, "1000")
		h.deposit(b, "1000")
		h.mark("101.13")
		h.mustSettle(h.trade(b, a, true, "2.37", "101.13", "10", "10"))
		h.mark("104.57")
		return h
	}

	// close at a different price than the open, reopen at 3x so the margin
	// division truncates
	flip := setup()
	flip.mustSettle(flip.trade(b, a, false, "3.5", "104.57", "3", "3"))

	split := setup()
	split.mustSettle(split.trade(b, a, false, "2.37", "104.57", "3", "3"))
	split.mustSettle(split.trade(b, a, false, "1.13", "104.57", "3", "3"))

	for _, acct := range []uuid.UUID{a, b} {
		got, want := flip.position(acct), split.position(acct)
		requireWad(t, want.Quantity.String(), got.Quantity, "quantity")
		requireWad(t, want.AvgEntryPrice.String(), got.AvgEntryPrice, "entry")
		requireWad(t, want.Margin.String(), got.Margin, "margin")
		requireWad(t, want.MarginRatioOpen.String(), got.MarginRatioOpen, "mro")
		requireWad(t, split.bank(acct).String(), flip.bank(acct), "bank")
	}
	requireWad(t, "-1.13", flip.position(a).Quantity, "flipped quantity")
	requireWad(t, "104.57", flip.position(a).AvgEntryPrice, "flipped entry")
	// 1.13 * 104.57 / 3, truncated
	requireWad(t, "39.388033333333333333", flip.position(a).Margin, "flipped margin")
	// 1000 - 23.96781 locked + 23.96781 released + 8.1528 pnl - 39.388033333333333333 locked
	requireWad(t, "968.764766666666666667", flip.bank(a), "flipped bank")
	flip.requireConserved()
	split.requireConserved()
}

func TestSettle_FlipWithoutLeverageRejected(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	setup := func() *harness {
		h := newHarness(t)
		h.deposit(a, "1000")
		h.deposit(b, "1000")
		h.mustSettle(h.trade(b, a, true, "2", "100", "10", "10"))
		return h
	}

	// a flat position carries no ratio, so the residual has nothing to open at
	flip := setup()
	_, err := flip.settle(flip.trade(b, a, false, "3", "100", "", ""))
	require.ErrorIs(t, err, core.ErrInvalidLeverage)
	requireWad(t, "2", flip.position(a).Quantity, "quantity after rejected flip")
	requireWad(t, "20", flip.position(a).Margin, "margin after rejected flip")

	split := setup()
	split.mustSettle(split.trade(b, a, false, "2", "100", "", ""))
	_, err = split.settle(split.trade(b, a, false, "1", "100", "", ""))
	require.ErrorIs(t, err, core.ErrInvalidLeverage)
	assert.True(t, isFlat(split.position(a)))
}

func TestSettle_ReleasesMarginAndRealizesPnL(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "10", "100", "5", "10"))

	h.mark("105")
	res := h.mustSettle(h.trade(b, a, false, "4", "105", "", ""))

	requireWad(t, "20", res.Taker.RealizedPnL, "taker pnl")
	requireWad(t, "-20", res.Maker.RealizedPnL, "maker pnl")
	pos := h.position(a)
	requireWad(t, "6", pos.Quantity, "remaining quantity")
	requireWad(t, "60", pos.Margin, "remaining margin")
	// 1000 - 100 locked + 40 released + 20 pnl
	requireWad(t, "960", h.bank(a), "taker bank")
	// 1000 - 200 locked + 80 released - 20 pnl
	requireWad(t, "860", h.bank(b), "maker bank")
	requireWad(t, "120", h.position(b).Margin, "maker margin")
	requireWad(t, "0", h.system(ledger.PnLClearingKey(market)), "pnl clearing")
	h.requireConserved()
}

func TestSettle_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness, req *core.SettleRequest)
		want   error
	}{
		{
			name:   "not an operator",
			mutate: func(h *harness, req *core.SettleRequest) { req.Caller = uuid.New() },
			want:   core.ErrUnauthorized,
		},
		{
			name: "trading halted",
			mutate: func(h *harness, req *core.SettleRequest) {
				h.access.SetTradingAllowed(market, false)
			},
			want: core.ErrTradingDisabled,
		},
		{
			name:   "zero quantity",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.Quantity = fpmath.Zero },
			want:   core.ErrZeroQuantity,
		},
		{
			name:   "zero price",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.Price = fpmath.Zero },
			want:   core.ErrZeroPrice,
		},
		{
			name:   "off tick",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.Price = w("100.005") },
			want:   core.ErrTickMisaligned,
		},
		{
			name:   "leverage above max",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.TakerLeverage = w("11") },
			want:   core.ErrInvalidLeverage,
		},
		{
			name:   "fractional leverage",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.MakerLeverage = w("2.5") },
			want:   core.ErrInvalidLeverage,
		},
		{
			name:   "market mismatch",
			mutate: func(h *harness, req *core.SettleRequest) { req.MarketID = "ETH-PERP" },
			want:   core.ErrMarketMismatch,
		},
		{
			name:   "reduce only on flat",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.TakerReduceOnly = true },
			want:   core.ErrReduceOnlyViolation,
		},
		{
			name:   "bank cannot fund margin",
			mutate: func(h *harness, req *core.SettleRequest) { req.Fill.Quantity = w("200") },
			want:   core.ErrInsufficientBankBalance,
		},
		{
			name:   "opens below initial margin",
			mutate: func(h *harness, req *core.SettleRequest) { h.mark("80") },
			want:   core.ErrBelowInitialMargin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a, b := uuid.New(), uuid.New()
			h.deposit(a, "1000")
			h.deposit(b, "1000")
			req := h.trade(b, a, true, "1", "100", "10", "10")
			tt.mutate(h, &req)

			_, err := h.settle(req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, core.IsRejection(err))
			assert.True(t, isFlat(h.position(a)))
			requireWad(t, "1000", h.bank(a), "bank untouched")
		})
	}
}

func TestSettle_UnpaidFundingBlocksTrade(t *testing.T) {
	h := newHarness(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.deposit(c, "1000")
	h.mustSettle(h.trade(b, a, true, "10", "100", "10", "10"))

	// long 10 owes 1010 against 100 margin + 900 bank
	h.fundingIndex("101")
	_, err := h.settle(h.trade(c, a, false, "1", "100", "10", "10"))
	require.ErrorIs(t, err, core.ErrFundingExceedsCollateral)

	pos := h.position(a)
	requireWad(t, "10", pos.Quantity, "quantity")
	requireWad(t, "100", pos.Margin, "margin")
	requireWad(t, "0", pos.LastFundingIndex, "funding index")
	requireWad(t, "900", h.bank(a), "bank")
	assert.True(t, isFlat(h.position(c)))
	h.requireConserved()
}

func TestSettle_NoMarkPriceRejected(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	eth := *h.cfg
	eth.MarketID = "ETH-PERP"
	req := h.trade(b, a, true, "1", "100", "10", "10")
	req.MarketID = eth.MarketID
	req.Sequence = h.next()

	_, err := h.engine.Settle(h.ctx, &eth, req)
	require.ErrorIs(t, err, core.ErrInvalidMarkPrice)
	assert.True(t, core.IsRejection(err))
	requireWad(t, "1000", h.bank(a), "bank untouched")
}

func TestSettle_LossBeyondMarginFails(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "10", "100", "10", "10"))

	_, err := h.settle(h.trade(b, a, false, "10", "80", "", ""))
	require.ErrorIs(t, err, core.ErrLossExceedsMargin)
	assert.Equal(t, core.KindInsufficientCollateral, core.KindOf(err))

	requireWad(t, "10", h.position(a).Quantity, "position untouched")
	assert.Equal(t, int64(1), h.position(a).Version)
}

func TestSettle_ReduceOnlyAllowsDecrease(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "5", "100", "10", "10"))

	req := h.trade(b, a, false, "2", "100", "", "")
	req.Fill.TakerReduceOnly = true
	h.mustSettle(req)
	requireWad(t, "3", h.position(a).Quantity, "quantity")

	req = h.trade(b, a, false, "4", "100", "", "")
	req.Fill.TakerReduceOnly = true
	_, err := h.settle(req)
	require.ErrorIs(t, err, core.ErrReduceOnlyViolation)
}

func TestSettle_ReMarginsOnLeverageChange(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "10", "100", "10", "10"))
	requireWad(t, "100", h.position(a).Margin, "margin at 10x")

	h.mustSettle(h.trade(b, a, true, "10", "100", "10", "5"))
	pos := h.position(a)
	requireWad(t, "400", pos.Margin, "20 @ 100 at 5x")
	requireWad(t, "0.2", pos.MarginRatioOpen, "ratio at 5x")
	requireWad(t, "600", h.bank(a), "bank")
	h.requireConserved()
}

// =============================================================================
// Fees and gas
// =============================================================================

func TestSettle_WhitelistedTakerFee(t *testing.T) {
	h := newHarness(t)
	h.cfg.MakerFeeRate, h.cfg.TakerFeeRate = w("0.07"), w("0.07")
	a, b := uuid.New(), uuid.New()
	h.cfg.TakerFeeOverrides = map[uuid.UUID]fpmath.Wad{a: w("0.01")}
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	res := h.mustSettle(h.trade(b, a, true, "1", "100", "10", "10"))

	requireWad(t, "1", res.Taker.Fee, "whitelisted taker fee")
	requireWad(t, "7", res.Maker.Fee, "maker fee")
	requireWad(t, "8", h.system(ledger.FeePoolKey), "fee pool")
}

func TestSettle_GasChargedOncePerBatch(t *testing.T) {
	h := newHarness(t)
	h.cfg.GasCharge = w("0.1")
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	for i := 0; i < 2; i++ {
		req := h.trade(b, a, true, "1", "100", "10", "10")
		req.BatchID = "batch-1"
		res := h.mustSettle(req)
		if i == 0 {
			requireWad(t, "0.1", res.Taker.GasCharge, "first fill gas")
		} else {
			requireWad(t, "0", res.Taker.GasCharge, "second fill gas")
		}
	}
	requireWad(t, "0.2", h.system(ledger.GasPoolKey), "gas pool after batch-1")

	req := h.trade(b, a, true, "1", "100", "10", "10")
	req.BatchID = "batch-2"
	h.mustSettle(req)
	requireWad(t, "0.4", h.system(ledger.GasPoolKey), "gas pool after batch-2")
	h.requireConserved()
}

// failingChargeTracker loses every write. With down set it also fails reads.
type failingChargeTracker struct{ down bool }

func (f failingChargeTracker) WasCharged(context.Context, string, uuid.UUID) (bool, error) {
	if f.down {
		return false, fmt.Errorf("tracker unreachable")
	}
	return false, nil
}

func (failingChargeTracker) MarkCharged(context.Context, string, ...uuid.UUID) error {
	return fmt.Errorf("tracker unreachable")
}

func TestSettle_GasChargedOnceWhenTrackerFails(t *testing.T) {
	for _, tc := range []struct {
		name    string
		tracker failingChargeTracker
	}{
		{"forgetful", failingChargeTracker{}},
		{"unreachable", failingChargeTracker{down: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.engine = core.NewEngine(h.store, h.feeds, h.feeds, h.access, tc.tracker)
			h.cfg.GasCharge = w("0.1")
			a, b := uuid.New(), uuid.New()
			h.deposit(a, "1000")
			h.deposit(b, "1000")

			for i := 0; i < 2; i++ {
				req := h.trade(b, a, true, "1", "100", "10", "10")
				req.BatchID = "batch-1"
				res := h.mustSettle(req)
				if i > 0 {
					requireWad(t, "0", res.Maker.GasCharge, "repeat maker gas")
					requireWad(t, "0", res.Taker.GasCharge, "repeat taker gas")
				}
			}
			requireWad(t, "0.2", h.system(ledger.GasPoolKey), "gas pool")
			charged, err := h.store.WasGasCharged(h.ctx, "batch-1", a)
			require.NoError(t, err)
			assert.True(t, charged)
			h.requireConserved()
		})
	}
}

func TestSettle_GaslessAboveNotionalThreshold(t *testing.T) {
	h := newHarness(t)
	h.cfg.GasCharge = w("0.1")
	h.cfg.GaslessNotionalThreshold = w("500")
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	h.mustSettle(h.trade(b, a, true, "10", "100", "10", "10"))
	requireWad(t, "0", h.system(ledger.GasPoolKey), "gas pool")
}

func TestSettle_GasWaivedForReducingLegOnly(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "10")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "1", "100", "10", "10"))
	requireWad(t, "0", h.bank(a), "all collateral locked")

	h.cfg.GasCharge = w("0.1")
	// loss 9.99 leaves a with 0.01, too little for gas on a closing leg
	h.mustSettle(h.trade(b, a, false, "1", "90.01", "", ""))
	requireWad(t, "0.1", h.system(ledger.GasPoolKey), "only the maker paid")
	requireWad(t, "0.01", h.bank(a), "closing taker waived")

	c := uuid.New()
	h.deposit(c, "10")
	_, err := h.settle(h.trade(b, c, true, "1", "100", "10", "10"))
	require.ErrorIs(t, err, core.ErrInsufficientGasBalance)
	requireWad(t, "0.1", h.system(ledger.GasPoolKey), "failed fill charges nothing")
	h.requireConserved()
}

// =============================================================================
// Funding
// =============================================================================

func TestSettle_AccruesFundingBeforeTrading(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.mustSettle(h.trade(b, a, true, "10", "100", "5", "5"))

	h.fundingIndex("1.5")
	res := h.mustSettle(h.trade(b, a, true, "1", "100", "", ""))

	requireWad(t, "15", res.Taker.FundingPayment, "long pays")
	requireWad(t, "-15", res.Maker.FundingPayment, "short receives")
	requireWad(t, "1.5", h.position(a).LastFundingIndex, "taker index")
	requireWad(t, "1.5", h.position(b).LastFundingIndex, "maker index")
	// 200 - 15 funding + 20 for the new unit at 5x
	requireWad(t, "205", h.position(a).Margin, "taker margin")
	requireWad(t, "235", h.position(b).Margin, "maker margin")
	requireWad(t, "0", h.system(ledger.FundingPoolKey(market)), "funding pool")
	h.requireConserved()
}

// =============================================================================
// Liquidation
// =============================================================================

func setupLiquidation(t *testing.T) (h *harness, maker, counterparty, liquidator uuid.UUID) {
	h = newHarness(t)
	maker, counterparty, liquidator = uuid.New(), uuid.New(), uuid.New()
	h.cfg.Liquidators[liquidator] = true
	h.deposit(maker, "1000")
	h.deposit(counterparty, "1000")
	h.deposit(liquidator, "1000")

	h.mark("90")
	h.mustSettle(h.trade(counterparty, maker, true, "10", "90", "6", "6"))
	pos := h.position(maker)
	requireWad(t, "150", pos.Margin, "maker margin")
	return h, maker, counterparty, liquidator
}

func liquidation(maker, liquidator uuid.UUID, qty, price string) core.SettleRequest {
	return core.SettleRequest{
		TradeID:  uuid.New(),
		MarketID: market,
		Kind:     core.TradeKindLiquidation,
		Caller:   liquidator,
		Maker:    maker,
		Taker:    liquidator,
		Fill: core.Fill{
			Price:         w(price),
			Quantity:      w(qty),
			IsBuy:         true,
			TakerLeverage: w("5"),
		},
	}
}

func TestLiquidation_GatedAtMaintenanceMargin(t *testing.T) {
	h, maker, _, liquidator := setupLiquidation(t)

	// (150 - 100) / 800 == 0.0625 exactly: not liquidatable
	h.mark("80")
	_, err := h.settle(liquidation(maker, liquidator, "10", "80"))
	require.ErrorIs(t, err, core.ErrNotUndercollateralized)

	h.mark("79.9")
	res := h.mustSettle(liquidation(maker, liquidator, "10", "80"))

	assert.True(t, isFlat(h.position(maker)))
	requireWad(t, "850", h.bank(maker), "maker keeps only its free bank")
	// proceeds 150 - 100 = 50, half to the insurance pool
	requireWad(t, "25", res.InsurancePremium, "insurance premium")
	requireWad(t, "25", res.LiquidatorPremium, "liquidator premium")
	requireWad(t, "25", h.system(ledger.InsurancePoolKey), "insurance pool")

	lpos := h.position(liquidator)
	requireWad(t, "10", lpos.Quantity, "liquidator quantity")
	requireWad(t, "80", lpos.AvgEntryPrice, "liquidator entry")
	requireWad(t, "160", lpos.Margin, "liquidator margin")
	requireWad(t, "865", h.bank(liquidator), "liquidator bank")
	h.requireConserved()
}

func TestLiquidation_CapsQuantityUnlessAllOrNothing(t *testing.T) {
	h, maker, _, liquidator := setupLiquidation(t)
	h.mark("79")

	req := liquidation(maker, liquidator, "25", "80")
	req.Fill.AllOrNothing = true
	_, err := h.settle(req)
	require.ErrorIs(t, err, core.ErrAllOrNothingUnfillable)

	res := h.mustSettle(liquidation(maker, liquidator, "25", "80"))
	requireWad(t, "10", res.Quantity, "capped quantity")
	assert.True(t, isFlat(h.position(maker)))
}

func TestLiquidation_Preconditions(t *testing.T) {
	t.Run("liquidator not whitelisted", func(t *testing.T) {
		h, maker, _, _ := setupLiquidation(t)
		h.mark("70")
		other := uuid.New()
		_, err := h.settle(liquidation(maker, other, "1", "80"))
		require.ErrorIs(t, err, core.ErrUnauthorized)
	})
	t.Run("caller is not the liquidator", func(t *testing.T) {
		h, maker, _, liquidator := setupLiquidation(t)
		h.mark("70")
		req := liquidation(maker, liquidator, "1", "80")
		req.Caller = uuid.New()
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrUnauthorized)
	})
	t.Run("delegate may act", func(t *testing.T) {
		h, maker, _, liquidator := setupLiquidation(t)
		h.mark("79")
		bot := uuid.New()
		h.access.AddDelegate(liquidator, bot)
		req := liquidation(maker, liquidator, "1", "80")
		req.Caller = bot
		_, err := h.settle(req)
		require.NoError(t, err)
	})
	t.Run("whitelisted maker", func(t *testing.T) {
		h, maker, _, liquidator := setupLiquidation(t)
		h.mark("70")
		h.cfg.Liquidators[maker] = true
		_, err := h.settle(liquidation(maker, liquidator, "1", "80"))
		require.ErrorIs(t, err, core.ErrCannotLiquidateWhitelisted)
	})
	t.Run("flat maker", func(t *testing.T) {
		h, _, _, liquidator := setupLiquidation(t)
		_, err := h.settle(liquidation(uuid.New(), liquidator, "1", "80"))
		require.ErrorIs(t, err, core.ErrMakerZeroPosition)
	})
	t.Run("fill would increase maker", func(t *testing.T) {
		h, maker, _, liquidator := setupLiquidation(t)
		h.mark("70")
		req := liquidation(maker, liquidator, "1", "80")
		req.Fill.IsBuy = false
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrMustDecreasePosition)
	})
	t.Run("liquidator leverage required", func(t *testing.T) {
		h, maker, _, liquidator := setupLiquidation(t)
		h.mark("70")
		req := liquidation(maker, liquidator, "1", "80")
		req.Fill.TakerLeverage = fpmath.Zero
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrInvalidLeverage)
	})
}

func TestLiquidation_NegativePremiumPaidByLiquidator(t *testing.T) {
	h, maker, _, liquidator := setupLiquidation(t)
	h.mark("70")

	// loss 10 * 20 = 200 against margin 150
	res := h.mustSettle(liquidation(maker, liquidator, "10", "70"))

	requireWad(t, "-50", res.LiquidatorPremium, "premium")
	requireWad(t, "0", res.InsurancePremium, "insurance premium")
	requireWad(t, "850", h.bank(maker), "maker bank")
	// 1000 - 140 margin at 5x - 50 premium
	requireWad(t, "810", h.bank(liquidator), "liquidator bank")
	h.requireConserved()
}

// =============================================================================
// ADL
// =============================================================================

func setupADL(t *testing.T) (h *harness, maker, taker uuid.UUID) {
	h = newHarness(t)
	h.cfg.MakerFeeRate, h.cfg.TakerFeeRate = w("0.07"), w("0.07")
	maker, taker = uuid.New(), uuid.New()
	h.deposit(maker, "2050")
	h.deposit(taker, "2050")
	// maker goes long 10 @ 100, taker short
	h.mustSettle(h.trade(maker, taker, false, "10", "100", "4", "4"))
	return h, maker, taker
}

func adl(h *harness, maker, taker uuid.UUID, qty string) core.SettleRequest {
	return core.SettleRequest{
		TradeID:  uuid.New(),
		MarketID: market,
		Kind:     core.TradeKindADL,
		Caller:   h.cfg.DeleveragingOperator,
		Maker:    maker,
		Taker:    taker,
		Fill: core.Fill{
			Quantity: w(qty),
			IsBuy:    true,
		},
	}
}

func TestADL_ClosesAtBankruptcyPrice(t *testing.T) {
	h, maker, taker := setupADL(t)
	requireWad(t, "1730", h.bank(maker), "maker bank after open")

	h.mark("70")
	res := h.mustSettle(adl(h, maker, taker, "10"))

	requireWad(t, "75", res.Price, "bankruptcy price")
	requireWad(t, "10", res.Quantity, "quantity")
	requireWad(t, "-250", res.Maker.RealizedPnL, "maker pnl")
	requireWad(t, "250", res.Taker.RealizedPnL, "taker pnl")
	requireWad(t, "0", res.ADLSettlementAmount, "maker settlement amount")

	assert.True(t, isFlat(h.position(maker)))
	assert.True(t, isFlat(h.position(taker)))
	requireWad(t, "1730", h.bank(maker), "maker bank")
	requireWad(t, "2230", h.bank(taker), "taker bank")
	requireWad(t, "140", h.system(ledger.FeePoolKey), "fee pool")
	requireWad(t, "0", h.system(ledger.InsurancePoolKey), "insurance pool")
	h.requireConserved()
}

func TestADL_Preconditions(t *testing.T) {
	t.Run("wrong operator", func(t *testing.T) {
		h, maker, taker := setupADL(t)
		h.mark("70")
		req := adl(h, maker, taker, "10")
		req.Caller = h.operator
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrUnauthorized)
	})
	t.Run("maker not underwater", func(t *testing.T) {
		h, maker, taker := setupADL(t)
		_, err := h.settle(adl(h, maker, taker, "10"))
		require.ErrorIs(t, err, core.ErrMakerNotUnderwater)
	})
	t.Run("flat taker", func(t *testing.T) {
		h, maker, _ := setupADL(t)
		h.mark("70")
		_, err := h.settle(adl(h, maker, uuid.New(), "10"))
		require.ErrorIs(t, err, core.ErrTakerZeroPosition)
	})
	t.Run("flat maker", func(t *testing.T) {
		h, _, taker := setupADL(t)
		h.mark("70")
		_, err := h.settle(adl(h, uuid.New(), taker, "10"))
		require.ErrorIs(t, err, core.ErrMakerZeroPosition)
	})
	t.Run("fill increases maker", func(t *testing.T) {
		h, maker, taker := setupADL(t)
		h.mark("70")
		req := adl(h, maker, taker, "10")
		req.Fill.IsBuy = false
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrMustNotIncreasePosition)
	})
	t.Run("taker underwater", func(t *testing.T) {
		h, maker, _ := setupADL(t)
		long, short := uuid.New(), uuid.New()
		h.deposit(long, "2050")
		h.deposit(short, "2050")
		h.mustSettle(h.trade(long, short, false, "10", "100", "4", "4"))
		h.mark("70")
		_, err := h.settle(adl(h, maker, long, "10"))
		require.ErrorIs(t, err, core.ErrTakerUnderwater)
	})
	t.Run("same side", func(t *testing.T) {
		h, maker, _ := setupADL(t)
		long, short := uuid.New(), uuid.New()
		h.deposit(long, "2050")
		h.deposit(short, "2050")
		// at 2x the second long still has equity at 70
		h.mustSettle(h.trade(long, short, false, "10", "100", "2", "2"))
		h.mark("70")
		_, err := h.settle(adl(h, maker, long, "10"))
		require.ErrorIs(t, err, core.ErrSameSidePositions)
	})
	t.Run("all or nothing beyond taker", func(t *testing.T) {
		h, maker, _ := setupADL(t)
		long, short := uuid.New(), uuid.New()
		h.deposit(long, "2050")
		h.deposit(short, "2050")
		h.mustSettle(h.trade(long, short, false, "4", "100", "4", "4"))
		h.mark("70")
		req := adl(h, maker, short, "5")
		req.Fill.AllOrNothing = true
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrTakerAllOrNothingUnfillable)
	})
	t.Run("all or nothing beyond maker", func(t *testing.T) {
		h, maker, taker := setupADL(t)
		h.mark("70")
		req := adl(h, maker, taker, "11")
		req.Fill.AllOrNothing = true
		_, err := h.settle(req)
		require.ErrorIs(t, err, core.ErrMakerAllOrNothingUnfillable)
	})
}

// fundInsurance seeds the insurance pool from the external deposits account.
func (h *harness) fundInsurance(amount string) {
	err := h.store.Commit(h.ctx, &ledger.ChangeSet{Balances: map[ledger.AccountKey]fpmath.Wad{
		ledger.InsurancePoolKey:    h.system(ledger.InsurancePoolKey).Add(w(amount)),
		ledger.ExternalDepositsKey: h.system(ledger.ExternalDepositsKey).Sub(w(amount)),
	}})
	require.NoError(h.t, err)
}

func TestADL_UnpaidFundingCoveredByInsurance(t *testing.T) {
	h, maker, taker := setupADL(t)
	h.fundInsurance("50")
	// long 10 owes 2000: 250 margin + 1730 bank leaves 20 unpaid
	h.fundingIndex("200")
	h.mark("90")

	res := h.mustSettle(adl(h, maker, taker, "10"))

	requireWad(t, "100", res.Price, "bankruptcy price with drained margin")
	requireWad(t, "2000", res.Maker.FundingPayment, "maker funding")
	requireWad(t, "-2000", res.Taker.FundingPayment, "taker funding")
	requireWad(t, "-20", res.ADLSettlementAmount, "maker settlement amount")

	assert.True(t, isFlat(h.position(maker)))
	assert.True(t, isFlat(h.position(taker)))
	requireWad(t, "0", h.bank(maker), "maker bank")
	requireWad(t, "3980", h.bank(taker), "taker bank")
	requireWad(t, "30", h.system(ledger.InsurancePoolKey), "insurance pool")
	requireWad(t, "0", h.system(ledger.FundingPoolKey(market)), "funding pool")
	h.requireConserved()
}

func TestADL_UnpaidFundingBeyondInsuranceFails(t *testing.T) {
	h, maker, taker := setupADL(t)
	h.fundInsurance("5")
	h.fundingIndex("200")
	h.mark("90")

	_, err := h.settle(adl(h, maker, taker, "10"))
	require.ErrorIs(t, err, core.ErrInsufficientCollateral)

	requireWad(t, "10", h.position(maker).Quantity, "maker untouched")
	requireWad(t, "250", h.position(maker).Margin, "maker margin untouched")
	requireWad(t, "1730", h.bank(maker), "maker bank untouched")
	requireWad(t, "5", h.system(ledger.InsurancePoolKey), "insurance pool")
	h.requireConserved()
}

func TestADL_CapsAtSmallerPosition(t *testing.T) {
	h, maker, taker := setupADL(t)
	h.mark("70")

	res := h.mustSettle(adl(h, maker, taker, "25"))
	requireWad(t, "10", res.Quantity, "capped quantity")
}

// =============================================================================
// Account operations
// =============================================================================

func TestDeposit_RejectsOverflow(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	maxWad := fpmath.NewWadFromRaw(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1)))

	_, err := h.engine.Deposit(h.ctx, core.AccountOp{Ref: "big-1", Caller: a, Account: a, Amount: maxWad, Sequence: h.next()})
	require.NoError(t, err)

	// the bank is at the ceiling and the deposits account at the floor
	one := fpmath.NewWadFromRaw(big.NewInt(1))
	_, err = h.engine.Deposit(h.ctx, core.AccountOp{Ref: "big-2", Caller: a, Account: a, Amount: one, Sequence: h.next()})
	require.ErrorIs(t, err, core.ErrArithmetic)
	_, err = h.engine.Deposit(h.ctx, core.AccountOp{Ref: "big-3", Caller: b, Account: b, Amount: one, Sequence: h.next()})
	require.ErrorIs(t, err, core.ErrArithmetic)

	assert.True(t, h.bank(a).Equal(maxWad))
	requireWad(t, "0", h.bank(b), "second account bank")
	h.requireConserved()
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "100")

	op := core.AccountOp{Ref: "wd-1", Caller: uuid.New(), Account: a, Amount: w("40")}
	_, err := h.engine.Withdraw(h.ctx, op)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	op.Caller = a
	op.Amount = w("101")
	_, err = h.engine.Withdraw(h.ctx, op)
	require.ErrorIs(t, err, core.ErrInsufficientBankBalance)

	op.Amount = w("40")
	res, err := h.engine.Withdraw(h.ctx, op)
	require.NoError(t, err)
	requireWad(t, "60", res.BankBalance, "bank")
	requireWad(t, "40", h.system(ledger.ExternalWithdrawalsKey), "withdrawn")
	h.requireConserved()
}

func TestMarginOps(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	op := core.AccountOp{Ref: "m-1", Caller: a, Account: a, MarketID: market, Amount: w("50")}
	_, err := h.engine.AddMargin(h.ctx, h.cfg, op)
	require.ErrorIs(t, err, core.ErrNoPosition)

	h.mustSettle(h.trade(b, a, true, "10", "100", "5", "5"))
	requireWad(t, "200", h.position(a).Margin, "margin at 5x")

	op.Amount = w("150")
	_, err = h.engine.RemoveMargin(h.ctx, h.cfg, op)
	require.ErrorIs(t, err, core.ErrBelowInitialMargin)

	op.Amount = w("50")
	res, err := h.engine.RemoveMargin(h.ctx, h.cfg, op)
	require.NoError(t, err)
	requireWad(t, "150", res.Position.Margin, "margin after removal")
	requireWad(t, "850", res.BankBalance, "bank after removal")

	h.fundingIndex("1")
	op.Amount = w("5")
	res, err = h.engine.AddMargin(h.ctx, h.cfg, op)
	require.NoError(t, err)
	// funding 10 is taken before the top-up
	requireWad(t, "145", res.Position.Margin, "margin after funding and add")
	requireWad(t, "1", res.Position.LastFundingIndex, "funding index")
	h.requireConserved()
}
