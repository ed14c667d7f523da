package ledger

import (
	"fmt"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginLock
	JournalTypeMarginRelease
	JournalTypeRealizedPnL
	JournalTypeTradeFee
	JournalTypeGasCharge
	JournalTypeFundingPayment
	JournalTypeFundingReceipt
	JournalTypeLiquidationPremium
	JournalTypeInsurancePremium
	JournalTypeInsuranceCover
	JournalTypeADLSettlement
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeGasCharge:
		return "gas_charge"
	case JournalTypeFundingPayment:
		return "funding_payment"
	case JournalTypeFundingReceipt:
		return "funding_receipt"
	case JournalTypeLiquidationPremium:
		return "liquidation_premium"
	case JournalTypeInsurancePremium:
		return "insurance_premium"
	case JournalTypeInsuranceCover:
		return "insurance_cover"
	case JournalTypeADLSettlement:
		return "adl_settlement"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // Idempotency key of the source operation
	DebitAccount  AccountKey // balance increases
	CreditAccount AccountKey // balance decreases
	Amount        fpmath.Wad // ALWAYS positive
	JournalType   JournalType
}

// Batch represents the balanced set of journal entries of one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64 // epoch microseconds
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit to its debit account, so the batch balances per entry.
// An empty batch is valid: a settlement may move no value.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}

// NetChanges sums the signed effect of the batch per account.
func (b *Batch) NetChanges() map[AccountKey]fpmath.Wad {
	net := make(map[AccountKey]fpmath.Wad)
	for _, j := range b.Journals {
		net[j.DebitAccount] = net[j.DebitAccount].Add(j.Amount)
		net[j.CreditAccount] = net[j.CreditAccount].Sub(j.Amount)
	}
	return net
}
