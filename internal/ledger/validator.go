package ledger

import (
	"errors"
	"fmt"

	fpmath "PerpSettle/internal/math"
)

var ErrLedgerInvariant = errors.New("ledger invariant violated")

// ValidateWorkspace checks a staged operation before it may be committed:
// the batch is well-formed, every touched account was seeded, each account's
// seeded balance plus its journal net equals the staged balance, and no
// account that must stay non-negative went below zero.
func ValidateWorkspace(ws *Workspace) error {
	if err := ws.Batch().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerInvariant, err)
	}

	net := ws.Batch().NetChanges()
	for key, after := range ws.Balances() {
		before, seeded := ws.Before()[key]
		if !seeded {
			return fmt.Errorf("%w: account %s touched without being seeded", ErrLedgerInvariant, key.AccountPath())
		}
		if !before.Add(net[key]).Equal(after) {
			return fmt.Errorf("%w: account %s moved from %s to %s but journals net %s",
				ErrLedgerInvariant, key.AccountPath(), before, after, net[key])
		}
	}
	return nil
}

// ValidateNonNegative checks that every balance which must stay
// non-negative does.
func ValidateNonNegative(balances map[AccountKey]fpmath.Wad) error {
	for key, v := range balances {
		if key.MustStayNonNegative() && v.Sign() < 0 {
			return fmt.Errorf("%w: account %s is negative: %s", ErrLedgerInvariant, key.AccountPath(), v)
		}
	}
	return nil
}

// ValidateConservation checks that the batch moved value only between
// accounts: the sum of all net changes is zero.
func ValidateConservation(batch *Batch) error {
	total := fpmath.Zero
	for _, v := range batch.NetChanges() {
		total = total.Add(v)
	}
	if !total.IsZero() {
		return fmt.Errorf("%w: batch %s nets to %s", ErrLedgerInvariant, batch.BatchID, total)
	}
	return nil
}
