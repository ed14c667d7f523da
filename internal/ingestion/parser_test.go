package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PerpSettle/internal/admin"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func settlePayload() map[string]interface{} {
	return map[string]interface{}{
		"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
		"market_id":      "BTC-PERP",
		"batch_id":       "blk-1001",
		"kind":           "Normal",
		"caller":         "880e8400-e29b-41d4-a716-446655440003",
		"maker":          "660e8400-e29b-41d4-a716-446655440001",
		"taker":          "770e8400-e29b-41d4-a716-446655440002",
		"price":          "50123.5",
		"quantity":       "0.25",
		"is_buy":         true,
		"maker_leverage": "5",
		"sequence":       int64(42),
		"timestamp_us":   int64(1700000000000000),
	}
}

func TestParseSettleRequest(t *testing.T) {
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, settlePayload()), "SettleRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sr, ok := evt.(*event.SettleRequested)
	if !ok {
		t.Fatalf("expected *event.SettleRequested, got %T", evt)
	}
	req := sr.Request

	if req.MarketID != "BTC-PERP" {
		t.Errorf("market: got %s, want BTC-PERP", req.MarketID)
	}
	if req.Kind != core.TradeKindNormal {
		t.Errorf("kind: got %s, want Normal", req.Kind)
	}
	if req.Fill.Price.String() != "50123.5" {
		t.Errorf("price: got %s, want 50123.5", req.Fill.Price)
	}
	if req.Fill.Quantity.String() != "0.25" {
		t.Errorf("quantity: got %s, want 0.25", req.Fill.Quantity)
	}
	if req.Fill.MakerLeverage.String() != "5" {
		t.Errorf("maker leverage: got %s, want 5", req.Fill.MakerLeverage)
	}
	if !req.Fill.TakerLeverage.IsZero() {
		t.Errorf("taker leverage: got %s, want 0", req.Fill.TakerLeverage)
	}
	if !req.Fill.IsBuy {
		t.Error("is_buy: got false")
	}
	if req.BatchID != "blk-1001" {
		t.Errorf("batch: got %s", req.BatchID)
	}
	if sr.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", sr.SourceSequence())
	}
	if sr.IdempotencyKey() != "settle:550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", sr.IdempotencyKey())
	}
	if sr.EventType() != event.EventTypeSettleRequested {
		t.Errorf("event type: got %v", sr.EventType())
	}
}

func TestParseSettleRequest_ADLWithoutPrice(t *testing.T) {
	p := settlePayload()
	p["kind"] = "ADL"
	delete(p, "price")

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, p), "SettleRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	req := evt.(*event.SettleRequested).Request
	if req.Kind != core.TradeKindADL {
		t.Errorf("kind: got %s, want ADL", req.Kind)
	}
	if !req.Fill.Price.IsZero() {
		t.Errorf("price: got %s, want 0", req.Fill.Price)
	}
}

func TestParseSettleRequest_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value interface{}
		want  string
	}{
		{"bad trade id", "trade_id", "not-a-uuid", "trade_id"},
		{"bad taker", "taker", "", "taker"},
		{"too many decimals", "quantity", "0.0000000000000000001", "quantity"},
		{"float price", "price", 101.5, "SettleRequested"},
		{"unknown kind", "kind", "Auction", "kind"},
		{"empty market", "market_id", "", "market_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := settlePayload()
			p[tt.field] = tt.value
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, p), "SettleRequested")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseMarkPriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"market_id":          "ETH-PERP",
		"mark_price":         "3012.25",
		"price_sequence":     int64(7),
		"price_timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MarkPriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	mp := evt.(*event.MarkPriceUpdate)
	if mp.MarkPrice.String() != "3012.25" {
		t.Errorf("price: got %s", mp.MarkPrice)
	}
	if mp.IdempotencyKey() != "ETH-PERP:price:7" {
		t.Errorf("idempotency key: got %s", mp.IdempotencyKey())
	}
}

func TestParseFundingIndexUpdate_Negative(t *testing.T) {
	payload := map[string]interface{}{
		"market_id":      "ETH-PERP",
		"funding_index":  "-0.0125",
		"index_sequence": int64(3),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "FundingIndexUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	fi := evt.(*event.FundingIndexUpdate)
	if fi.Index.String() != "-0.0125" {
		t.Errorf("index: got %s", fi.Index)
	}
}

func TestParseAccountOperation(t *testing.T) {
	payload := map[string]interface{}{
		"op":        "remove_margin",
		"ref":       "wd-77",
		"account":   "660e8400-e29b-41d4-a716-446655440001",
		"market_id": "BTC-PERP",
		"amount":    "12.5",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AccountOperation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	op := evt.(*event.AccountOperation)
	if op.Op != event.AccountOpRemoveMargin {
		t.Errorf("op: got %s", op.Op)
	}
	if op.Request.Caller != op.Request.Account {
		t.Error("caller should default to the account")
	}

	delete(payload, "market_id")
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AccountOperation"); err == nil {
		t.Error("expected error for margin operation without market")
	}
}

func TestParseConfigCommand(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":     "660e8400-e29b-41d4-a716-446655440001",
		"market_id":  "BTC-PERP",
		"command":    "set_insurance_pool_ratio",
		"payload":    map[string]interface{}{"ratio": "0.3"},
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ConfigCommand")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cc := evt.(*event.ConfigCommand)
	cmd, ok := cc.Command.(admin.SetInsurancePoolRatio)
	if !ok {
		t.Fatalf("command: got %T", cc.Command)
	}
	if cmd.Ratio.String() != "0.3" {
		t.Errorf("ratio: got %s", cmd.Ratio)
	}
}

func TestParseRawEvent_UnknownType(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, map[string]interface{}{}), "TradeFill")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
