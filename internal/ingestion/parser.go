package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpSettle/internal/admin"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "SettleRequested":
		return ParseSettleRequest(raw.Data)
	case "MarkPriceUpdate":
		return parseMarkPriceUpdate(raw.Data)
	case "FundingIndexUpdate":
		return parseFundingIndexUpdate(raw.Data)
	case "AccountOperation":
		return ParseAccountOperation(raw.Data)
	case "ConfigCommand":
		return ParseConfigCommand(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Decimal values
// are strings; JSON numbers would lose precision.

type settleJSON struct {
	TradeID         string `json:"trade_id"`
	MarketID        string `json:"market_id"`
	BatchID         string `json:"batch_id"`
	Kind            string `json:"kind"`
	Caller          string `json:"caller"`
	Maker           string `json:"maker"`
	Taker           string `json:"taker"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
	IsBuy           bool   `json:"is_buy"`
	AllOrNothing    bool   `json:"all_or_nothing"`
	MakerLeverage   string `json:"maker_leverage"`
	TakerLeverage   string `json:"taker_leverage"`
	MakerReduceOnly bool   `json:"maker_reduce_only"`
	TakerReduceOnly bool   `json:"taker_reduce_only"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

// ParseSettleRequest decodes one settle request message.
func ParseSettleRequest(data []byte) (*event.SettleRequested, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleRequested: %w", err)
	}
	if j.MarketID == "" {
		return nil, fmt.Errorf("parse market_id: empty")
	}

	kind, err := core.ParseTradeKind(j.Kind)
	if err != nil {
		return nil, fmt.Errorf("parse kind: %w", err)
	}

	ids := make([]uuid.UUID, 4)
	for i, f := range []struct{ name, v string }{
		{"trade_id", j.TradeID},
		{"caller", j.Caller},
		{"maker", j.Maker},
		{"taker", j.Taker},
	} {
		if ids[i], err = uuid.Parse(f.v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
	}

	// price is ignored for ADL and may be omitted
	price, err := parseOptionalWad("price", j.Price)
	if err != nil {
		return nil, err
	}
	qty, err := fpmath.ParseWad(j.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	makerLev, err := parseOptionalWad("maker_leverage", j.MakerLeverage)
	if err != nil {
		return nil, err
	}
	takerLev, err := parseOptionalWad("taker_leverage", j.TakerLeverage)
	if err != nil {
		return nil, err
	}

	return &event.SettleRequested{
		Request: core.SettleRequest{
			TradeID:  ids[0],
			MarketID: j.MarketID,
			BatchID:  j.BatchID,
			Kind:     kind,
			Caller:   ids[1],
			Maker:    ids[2],
			Taker:    ids[3],
			Fill: core.Fill{
				Price:           price,
				Quantity:        qty,
				IsBuy:           j.IsBuy,
				AllOrNothing:    j.AllOrNothing,
				MakerLeverage:   makerLev,
				TakerLeverage:   takerLev,
				MakerReduceOnly: j.MakerReduceOnly,
				TakerReduceOnly: j.TakerReduceOnly,
			},
			Timestamp: j.TimestampUs,
		},
		Sequence: j.Sequence,
	}, nil
}

type markPriceJSON struct {
	MarketID         string `json:"market_id"`
	MarkPrice        string `json:"mark_price"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func parseMarkPriceUpdate(data []byte) (*event.MarkPriceUpdate, error) {
	var j markPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceUpdate: %w", err)
	}
	price, err := fpmath.ParseWad(j.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("parse mark_price: %w", err)
	}
	return &event.MarkPriceUpdate{
		MarketID:       j.MarketID,
		MarkPrice:      price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

type fundingIndexJSON struct {
	MarketID         string `json:"market_id"`
	FundingIndex     string `json:"funding_index"`
	IndexSequence    int64  `json:"index_sequence"`
	IndexTimestampUs int64  `json:"index_timestamp_us"`
}

func parseFundingIndexUpdate(data []byte) (*event.FundingIndexUpdate, error) {
	var j fundingIndexJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingIndexUpdate: %w", err)
	}
	index, err := fpmath.ParseWad(j.FundingIndex)
	if err != nil {
		return nil, fmt.Errorf("parse funding_index: %w", err)
	}
	return &event.FundingIndexUpdate{
		MarketID:       j.MarketID,
		Index:          index,
		IndexSequence:  j.IndexSequence,
		IndexTimestamp: j.IndexTimestampUs,
	}, nil
}

type accountOpJSON struct {
	Op          string `json:"op"`
	Ref         string `json:"ref"`
	Caller      string `json:"caller"`
	Account     string `json:"account"`
	MarketID    string `json:"market_id"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseAccountOperation decodes a deposit, withdrawal or margin transfer.
func ParseAccountOperation(data []byte) (*event.AccountOperation, error) {
	var j accountOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountOperation: %w", err)
	}
	op, err := event.ParseAccountOpType(j.Op)
	if err != nil {
		return nil, err
	}
	if j.Ref == "" {
		return nil, fmt.Errorf("parse ref: empty")
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	caller := account
	if j.Caller != "" {
		if caller, err = uuid.Parse(j.Caller); err != nil {
			return nil, fmt.Errorf("parse caller: %w", err)
		}
	}
	amount, err := fpmath.ParseWad(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if (op == event.AccountOpAddMargin || op == event.AccountOpRemoveMargin) && j.MarketID == "" {
		return nil, fmt.Errorf("parse market_id: required for %s", op)
	}

	return &event.AccountOperation{
		Op: op,
		Request: core.AccountOp{
			Ref:       j.Ref,
			Caller:    caller,
			Account:   account,
			MarketID:  j.MarketID,
			Amount:    amount,
			Timestamp: j.TimestampUs,
		},
		Sequence: j.Sequence,
	}, nil
}

type configCommandJSON struct {
	CommandID string          `json:"command_id"`
	Caller    string          `json:"caller"`
	MarketID  string          `json:"market_id"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseConfigCommand decodes an admin config command.
func ParseConfigCommand(data []byte) (*event.ConfigCommand, error) {
	var j configCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ConfigCommand: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	cmd, err := admin.DecodeCommand(j.Command, j.Payload)
	if err != nil {
		return nil, err
	}
	return &event.ConfigCommand{
		CommandID: id,
		Caller:    caller,
		MarketID:  j.MarketID,
		Command:   cmd,
	}, nil
}

func parseOptionalWad(field, s string) (fpmath.Wad, error) {
	if s == "" {
		return fpmath.Zero, nil
	}
	v, err := fpmath.ParseWad(s)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}
