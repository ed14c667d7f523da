package ledger

import (
	"context"
	"errors"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

var (
	ErrVersionConflict   = errors.New("position version conflict")
	ErrGasAlreadyCharged = errors.New("gas already charged in batch")
)

var refNamespace = uuid.MustParse("5b0d8e38-6f0c-4c3e-9a55-0f3c2d6c1e7a")

// RefID maps a commit reference to the id it is deduplicated under. Trade
// ids map to themselves; other references get a name-based UUID.
func RefID(ref string) uuid.UUID {
	if id, err := uuid.Parse(ref); err == nil {
		return id
	}
	return uuid.NewSHA1(refNamespace, []byte(ref))
}

// AccountStore is the persistence boundary of the settlement core.
type AccountStore interface {
	// GetPosition returns the stored position, or a flat version-0
	// position when the account never traded the market.
	GetPosition(ctx context.Context, account uuid.UUID, marketID string) (state.Position, error)
	GetBankBalance(ctx context.Context, account uuid.UUID) (fpmath.Wad, error)
	// GetSystemBalance returns a system or external account balance.
	GetSystemBalance(ctx context.Context, key AccountKey) (fpmath.Wad, error)
	// Commit applies the change set atomically or not at all.
	Commit(ctx context.Context, cs *ChangeSet) error
}

// GasCharge records that an account paid the flat gas charge of a batch.
type GasCharge struct {
	BatchID string
	Account uuid.UUID
}

// GasChargeLedger is implemented by stores that persist gas charges inside
// Commit. Their record is authoritative; a ChargeTracker only caches it.
type GasChargeLedger interface {
	WasGasCharged(ctx context.Context, batchID string, account uuid.UUID) (bool, error)
}

// ChangeSet is the complete outcome of one operation.
type ChangeSet struct {
	// Positions carry their new Version; the store rejects the whole set
	// unless each equals the stored version + 1.
	Positions []state.Position
	// Balances holds absolute bank, system and external balances. Margin
	// balances travel inside Positions.
	Balances map[AccountKey]fpmath.Wad
	Batch    *Batch
	TradeID  string
	// GasCharges commit with the rest; a pair already recorded fails the
	// whole set with ErrGasAlreadyCharged.
	GasCharges []GasCharge
}

// NewChangeSet builds a change set from a workspace and the updated positions.
func NewChangeSet(ws *Workspace, tradeID string, positions ...state.Position) *ChangeSet {
	balances := make(map[AccountKey]fpmath.Wad, len(ws.Balances()))
	for k, v := range ws.Balances() {
		if k.SubType == SubTypeMargin {
			continue
		}
		balances[k] = v
	}
	return &ChangeSet{
		Positions: positions,
		Balances:  balances,
		Batch:     ws.Batch(),
		TradeID:   tradeID,
	}
}
