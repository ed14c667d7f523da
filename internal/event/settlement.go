package event

import (
	"encoding/hex"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// Outbound payloads. Decimal values marshal as strings.

type LegPayload struct {
	Account        uuid.UUID  `json:"account"`
	Quantity       fpmath.Wad `json:"quantity"`
	AvgEntryPrice  fpmath.Wad `json:"avg_entry_price"`
	Margin         fpmath.Wad `json:"margin"`
	Version        int64      `json:"version"`
	BankBalance    fpmath.Wad `json:"bank_balance"`
	RealizedPnL    fpmath.Wad `json:"realized_pnl"`
	Fee            fpmath.Wad `json:"fee"`
	GasCharge      fpmath.Wad `json:"gas_charge"`
	FundingPayment fpmath.Wad `json:"funding_payment"`
	MarginRatio    fpmath.Wad `json:"margin_ratio"`
}

type JournalPayload struct {
	Debit  string     `json:"debit"`
	Credit string     `json:"credit"`
	Amount fpmath.Wad `json:"amount"`
	Type   string     `json:"type"`
}

// SettlementEvent is published after a settlement commits.
type SettlementEvent struct {
	Sequence            int64            `json:"sequence"`
	TradeID             uuid.UUID        `json:"trade_id"`
	MarketID            string           `json:"market_id"`
	Kind                string           `json:"kind"`
	ConfigVersion       int64            `json:"config_version"`
	NoOp                bool             `json:"no_op"`
	Price               fpmath.Wad       `json:"price"`
	Quantity            fpmath.Wad       `json:"quantity"`
	Maker               LegPayload       `json:"maker"`
	Taker               LegPayload       `json:"taker"`
	InsurancePremium    fpmath.Wad       `json:"insurance_premium"`
	LiquidatorPremium   fpmath.Wad       `json:"liquidator_premium"`
	ADLSettlementAmount fpmath.Wad       `json:"adl_settlement_amount"`
	Journals            []JournalPayload `json:"journals"`
	StateHash           string           `json:"state_hash"`
	Timestamp           int64            `json:"timestamp_us"`
}

// SettlementRejected is published when a settle request fails a rule.
type SettlementRejected struct {
	Sequence int64     `json:"sequence"`
	TradeID  uuid.UUID `json:"trade_id"`
	MarketID string    `json:"market_id"`
	Kind     string    `json:"kind"`
	Code     string    `json:"code"`
	Reason   string    `json:"reason"`
	Message  string    `json:"message"`
}

// AccountEvent is published after a deposit, withdrawal or margin transfer.
type AccountEvent struct {
	Sequence    int64            `json:"sequence"`
	Op          string           `json:"op"`
	Ref         string           `json:"ref"`
	Account     uuid.UUID        `json:"account"`
	MarketID    string           `json:"market_id,omitempty"`
	Amount      fpmath.Wad       `json:"amount"`
	BankBalance fpmath.Wad       `json:"bank_balance"`
	Margin      *fpmath.Wad      `json:"margin,omitempty"`
	Journals    []JournalPayload `json:"journals"`
}

func NewSettlementEvent(seq int64, res *core.SettlementResult, timestamp int64) SettlementEvent {
	ev := SettlementEvent{
		Sequence:            seq,
		TradeID:             res.TradeID,
		MarketID:            res.MarketID,
		Kind:                res.Kind.String(),
		ConfigVersion:       res.ConfigVersion,
		NoOp:                res.NoOp,
		Price:               res.Price,
		Quantity:            res.Quantity,
		Maker:               legPayload(res.Maker),
		Taker:               legPayload(res.Taker),
		InsurancePremium:    res.InsurancePremium,
		LiquidatorPremium:   res.LiquidatorPremium,
		ADLSettlementAmount: res.ADLSettlementAmount,
		Journals:            journalPayloads(res.Batch),
		Timestamp:           timestamp,
	}
	if !res.NoOp {
		ev.StateHash = hex.EncodeToString(res.StateHash[:])
	}
	return ev
}

func NewSettlementRejected(seq int64, req core.SettleRequest, err error) SettlementRejected {
	return SettlementRejected{
		Sequence: seq,
		TradeID:  req.TradeID,
		MarketID: req.MarketID,
		Kind:     req.Kind.String(),
		Code:     core.Code(err),
		Reason:   core.KindOf(err).String(),
		Message:  err.Error(),
	}
}

func NewAccountEvent(seq int64, op *AccountOperation, res *core.AccountOpResult) AccountEvent {
	ev := AccountEvent{
		Sequence:    seq,
		Op:          op.Op.String(),
		Ref:         op.Request.Ref,
		Account:     op.Request.Account,
		MarketID:    op.Request.MarketID,
		Amount:      op.Request.Amount,
		BankBalance: res.BankBalance,
		Journals:    journalPayloads(res.Batch),
	}
	if res.Position != nil {
		m := res.Position.Margin
		ev.Margin = &m
	}
	return ev
}

func legPayload(l core.LegResult) LegPayload {
	return LegPayload{
		Account:        l.Account,
		Quantity:       l.Position.Quantity,
		AvgEntryPrice:  l.Position.AvgEntryPrice,
		Margin:         l.Position.Margin,
		Version:        l.Position.Version,
		BankBalance:    l.BankBalance,
		RealizedPnL:    l.RealizedPnL,
		Fee:            l.Fee,
		GasCharge:      l.GasCharge,
		FundingPayment: l.FundingPayment,
		MarginRatio:    l.MarginRatio,
	}
}

func journalPayloads(b *ledger.Batch) []JournalPayload {
	if b == nil {
		return nil
	}
	out := make([]JournalPayload, 0, len(b.Journals))
	for _, j := range b.Journals {
		out = append(out, JournalPayload{
			Debit:  j.DebitAccount.AccountPath(),
			Credit: j.CreditAccount.AccountPath(),
			Amount: j.Amount,
			Type:   j.JournalType.String(),
		})
	}
	return out
}
