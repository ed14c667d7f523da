package query

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// PositionView is a stored position plus values derived from the current
// mark price. Derived fields are zero when no mark price is known.
type PositionView struct {
	Account          uuid.UUID  `json:"account"`
	MarketID         string     `json:"market_id"`
	Side             string     `json:"side"`
	Quantity         fpmath.Wad `json:"quantity"`
	AvgEntryPrice    fpmath.Wad `json:"avg_entry_price"`
	Margin           fpmath.Wad `json:"margin"`
	MarginRatioOpen  fpmath.Wad `json:"margin_ratio_open"`
	LastFundingIndex fpmath.Wad `json:"last_funding_index"`
	Version          int64      `json:"version"`

	MarkPrice     fpmath.Wad `json:"mark_price"`
	UnrealizedPnL fpmath.Wad `json:"unrealized_pnl"`
	Equity        fpmath.Wad `json:"equity"`
}

// AccountView is everything stored for one account.
type AccountView struct {
	Account      uuid.UUID      `json:"account"`
	BankBalance  fpmath.Wad     `json:"bank_balance"`
	TotalMargin  fpmath.Wad     `json:"total_margin"`
	Positions    []PositionView `json:"positions"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// JournalEntry is one persisted journal line.
type JournalEntry struct {
	JournalID     uuid.UUID  `json:"journal_id"`
	BatchID       uuid.UUID  `json:"batch_id"`
	EventRef      string     `json:"event_ref"`
	Sequence      int64      `json:"sequence"`
	DebitAccount  string     `json:"debit_account"`
	CreditAccount string     `json:"credit_account"`
	Amount        fpmath.Wad `json:"amount"`
	JournalType   string     `json:"journal_type"`
	Timestamp     int64      `json:"timestamp_us"`
}

// FundingPayment is a funding transfer seen from one account. Amount is
// positive when the account paid and negative when it received.
type FundingPayment struct {
	MarketID  string     `json:"market_id"`
	EventRef  string     `json:"event_ref"`
	Sequence  int64      `json:"sequence"`
	Amount    fpmath.Wad `json:"amount"`
	Timestamp int64      `json:"timestamp_us"`
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	IsHealthy bool `json:"is_healthy"`
	// GlobalImbalance is the sum of every stored balance and margin; it is
	// zero when the books balance.
	GlobalImbalance fpmath.Wad `json:"global_imbalance"`
	// Mismatches lists balances that disagree with their journal history.
	Mismatches   []BalanceMismatch `json:"mismatches,omitempty"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// BalanceMismatch is a stored balance that differs from the net of its
// journals.
type BalanceMismatch struct {
	AccountPath string     `json:"account_path"`
	Stored      fpmath.Wad `json:"stored"`
	Journaled   fpmath.Wad `json:"journaled"`
}
