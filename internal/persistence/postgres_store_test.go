package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"
	"PerpSettle/internal/testutil"

	"github.com/google/uuid"
)

func w(s string) fpmath.Wad { return fpmath.MustParseWad(s) }

func testConfig() *state.MarketConfig {
	return &state.MarketConfig{
		MarketID:               "BTC-PERP",
		Version:                1,
		InitialMarginRatio:     w("0.1"),
		MaintenanceMarginRatio: w("0.05"),
		MaxLeverage:            w("10"),
		TickSize:               w("0.01"),
		TakerFeeRate:           w("0.001"),
		InsurancePoolRatio:     w("0.5"),
		Liquidators:            map[uuid.UUID]bool{},
		DeleveragingOperator:   uuid.New(),
	}
}

// ============================================================================
// Test: engine over Postgres
// ============================================================================

func TestPostgresStore_SettleRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := persistence.NewPostgresStore(db)
	ctx := context.Background()

	feeds := state.NewFeeds()
	feeds.UpdateMarkPrice("BTC-PERP", w("100"), 1, 1)
	operator := uuid.New()
	engine := core.NewEngine(store, feeds, feeds, core.NewStaticAccess(operator), core.NewMemoryChargeTracker())

	maker, taker := uuid.New(), uuid.New()
	for i, acct := range []uuid.UUID{maker, taker} {
		if _, err := engine.Deposit(ctx, core.AccountOp{
			Ref: "dep-" + acct.String(), Caller: acct, Account: acct, Amount: w("1000"), Sequence: int64(i + 1),
		}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	req := core.SettleRequest{
		TradeID:  uuid.New(),
		MarketID: "BTC-PERP",
		Caller:   operator,
		Maker:    maker,
		Taker:    taker,
		Fill: core.Fill{
			Price: w("100"), Quantity: w("2.5"), IsBuy: true,
			MakerLeverage: w("5"), TakerLeverage: w("5"),
		},
		Sequence: 3,
	}
	if _, err := engine.Settle(ctx, testConfig(), req); err != nil {
		t.Fatalf("settle: %v", err)
	}

	pos, err := store.GetPosition(ctx, taker, "BTC-PERP")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Quantity.Equal(w("2.5")) || !pos.Margin.Equal(w("50")) || pos.Version != 1 {
		t.Errorf("taker position: qty %s margin %s version %d", pos.Quantity, pos.Margin, pos.Version)
	}
	short, _ := store.GetPosition(ctx, maker, "BTC-PERP")
	if !short.Quantity.Equal(w("-2.5")) {
		t.Errorf("maker quantity: got %s, want -2.5", short.Quantity)
	}

	// 1000 - 50 margin - 0.25 fee
	bank, _ := store.GetBankBalance(ctx, taker)
	if !bank.Equal(w("949.75")) {
		t.Errorf("taker bank: got %s, want 949.75", bank)
	}
	fees, _ := store.GetSystemBalance(ctx, ledger.FeePoolKey)
	if !fees.Equal(w("0.25")) {
		t.Errorf("fee pool: got %s, want 0.25", fees)
	}

	settled, err := store.IsTradeSettled(ctx, req.TradeID)
	if err != nil || !settled {
		t.Errorf("IsTradeSettled: %v %v", settled, err)
	}
	recent, err := store.RecentTradeIDs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTradeIDs: %v", err)
	}
	if len(recent) != 3 || recent[0] != req.TradeID {
		t.Errorf("recent ids: %v", recent)
	}
	last, _ := store.LastSequence(ctx)
	if last != 3 {
		t.Errorf("last sequence: got %d, want 3", last)
	}

	var journals int
	db.QueryRow(`SELECT COUNT(*) FROM settlement.journal WHERE event_ref = $1`, req.TradeID.String()).Scan(&journals)
	if journals == 0 {
		t.Error("no journals written")
	}
}

func TestPostgresStore_VersionConflictRollsBack(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := persistence.NewPostgresStore(db)
	ctx := context.Background()
	acct := uuid.New()

	pos := state.NewPosition(acct, "BTC-PERP")
	pos.Quantity = w("1")
	pos.AvgEntryPrice = w("100")
	pos.Margin = w("10")
	pos.MarginRatioOpen = w("0.1")
	pos.Version = 1
	if err := store.Commit(ctx, &ledger.ChangeSet{Positions: []state.Position{pos}, TradeID: "first"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// stale writer: version 1 again, plus a balance that must not land
	err := store.Commit(ctx, &ledger.ChangeSet{
		Positions: []state.Position{pos},
		Balances:  map[ledger.AccountKey]fpmath.Wad{ledger.BankKey(acct): w("5")},
		TradeID:   "second",
	})
	if !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	bank, _ := store.GetBankBalance(ctx, acct)
	if !bank.IsZero() {
		t.Errorf("bank written despite rollback: %s", bank)
	}

	pos.Version = 3
	if err := store.Commit(ctx, &ledger.ChangeSet{Positions: []state.Position{pos}, TradeID: "third"}); !errors.Is(err, ledger.ErrVersionConflict) {
		t.Errorf("skipped version: expected ErrVersionConflict, got %v", err)
	}

	pos.Version = 2
	if err := store.Commit(ctx, &ledger.ChangeSet{Positions: []state.Position{pos}, TradeID: "first"}); !errors.Is(err, persistence.ErrDuplicateRef) {
		t.Errorf("reused ref: expected ErrDuplicateRef, got %v", err)
	}
}

func TestPostgresStore_GasChargeRecordedOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := persistence.NewPostgresStore(db)
	ctx := context.Background()
	acct := uuid.New()
	g := ledger.GasCharge{BatchID: "batch-42", Account: acct}

	err := store.Commit(ctx, &ledger.ChangeSet{
		Balances:   map[ledger.AccountKey]fpmath.Wad{ledger.BankKey(acct): w("9.9")},
		GasCharges: []ledger.GasCharge{g},
		TradeID:    "gas-1",
	})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	charged, err := store.WasGasCharged(ctx, "batch-42", acct)
	if err != nil || !charged {
		t.Fatalf("WasGasCharged: %v %v", charged, err)
	}

	err = store.Commit(ctx, &ledger.ChangeSet{
		Balances:   map[ledger.AccountKey]fpmath.Wad{ledger.BankKey(acct): w("9.8")},
		GasCharges: []ledger.GasCharge{g},
		TradeID:    "gas-2",
	})
	if !errors.Is(err, ledger.ErrGasAlreadyCharged) {
		t.Fatalf("expected ErrGasAlreadyCharged, got %v", err)
	}
	bank, _ := store.GetBankBalance(ctx, acct)
	if !bank.Equal(w("9.9")) {
		t.Errorf("bank written despite rollback: %s", bank)
	}
	if other, _ := store.WasGasCharged(ctx, "batch-43", acct); other {
		t.Error("unrelated batch reported as charged")
	}
}

func TestPostgresStore_Checkpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := persistence.NewPostgresStore(db)
	ctx := context.Background()

	cp, err := store.LoadCheckpoint(ctx)
	if err != nil || cp != nil {
		t.Fatalf("empty checkpoint: %v %v", cp, err)
	}

	h := core.NewStateHasher()
	tip := h.ComputeHash(7, []byte("digest"))
	if err := store.SaveCheckpoint(ctx, 7, tip); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	// older sequences never win
	if err := store.SaveCheckpoint(ctx, 5, [32]byte{}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err = store.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Sequence != 7 || cp.StateHash != tip {
		t.Errorf("checkpoint: got seq %d hash %x", cp.Sequence, cp.StateHash)
	}
}

// ============================================================================
// Test: Redis charge tracker
// ============================================================================

func TestRedisChargeTracker(t *testing.T) {
	rdb := testutil.SetupTestRedis(t)
	tracker := persistence.NewRedisChargeTracker(rdb, time.Minute)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	charged, err := tracker.WasCharged(ctx, "blk-1", a)
	if err != nil || charged {
		t.Fatalf("fresh batch: %v %v", charged, err)
	}
	if err := tracker.MarkCharged(ctx, "blk-1", a, b); err != nil {
		t.Fatalf("MarkCharged: %v", err)
	}
	for _, acct := range []uuid.UUID{a, b} {
		if charged, _ := tracker.WasCharged(ctx, "blk-1", acct); !charged {
			t.Errorf("%s not marked", acct)
		}
	}
	if charged, _ := tracker.WasCharged(ctx, "blk-2", a); charged {
		t.Error("charge leaked into another batch")
	}
}
