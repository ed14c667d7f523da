package ledger

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// Workspace stages the balance changes of one operation. Every mutation is
// a journaled transfer, so the staged balances and the batch can never
// disagree. Nothing is visible outside until the owner commits.
type Workspace struct {
	before   map[AccountKey]fpmath.Wad
	balances map[AccountKey]fpmath.Wad
	batch    *Batch
}

// NewWorkspace opens a workspace for eventRef. Batch and journal ids are
// name-based on the ref, so replaying an event reproduces them exactly.
func NewWorkspace(eventRef string, sequence, timestamp int64) *Workspace {
	return &Workspace{
		before:   make(map[AccountKey]fpmath.Wad),
		balances: make(map[AccountKey]fpmath.Wad),
		batch: &Batch{
			BatchID:   uuid.NewSHA1(refNamespace, []byte("batch:"+eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Seed sets the starting balance of an account. Seeding twice is an error
// because the second value would silently overwrite staged transfers.
func (w *Workspace) Seed(key AccountKey, balance fpmath.Wad) error {
	if _, ok := w.before[key]; ok {
		return fmt.Errorf("account %s seeded twice", key.AccountPath())
	}
	w.before[key] = balance
	w.balances[key] = balance
	return nil
}

// Balance returns the staged balance.
func (w *Workspace) Balance(key AccountKey) fpmath.Wad {
	return w.balances[key]
}

// Transfer moves amount from one account to another. A negative amount
// moves in the opposite direction; zero is a no-op.
func (w *Workspace) Transfer(from, to AccountKey, amount fpmath.Wad, jt JournalType) {
	switch amount.Sign() {
	case 0:
		return
	case -1:
		from, to = to, from
		amount = amount.Abs()
	}

	w.balances[to] = w.balances[to].Add(amount)
	w.balances[from] = w.balances[from].Sub(amount)

	w.batch.Journals = append(w.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(w.batch.BatchID, []byte(strconv.Itoa(len(w.batch.Journals)))),
		BatchID:       w.batch.BatchID,
		EventRef:      w.batch.EventRef,
		DebitAccount:  to,
		CreditAccount: from,
		Amount:        amount,
		JournalType:   jt,
	})
}

// Before returns the seeded balances.
func (w *Workspace) Before() map[AccountKey]fpmath.Wad {
	return w.before
}

// Balances returns every staged balance, seeded or touched.
func (w *Workspace) Balances() map[AccountKey]fpmath.Wad {
	return w.balances
}

// Batch returns the journal batch accumulated so far.
func (w *Workspace) Batch() *Batch {
	return w.batch
}

// Touched returns every staged account ordered by account path.
func (w *Workspace) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(w.balances))
	for k := range w.balances {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b AccountKey) int {
		return strings.Compare(a.AccountPath(), b.AccountPath())
	})
	return keys
}
