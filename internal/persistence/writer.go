package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
)

// insertJournals writes a batch with one multi-row INSERT.
func insertJournals(ctx context.Context, tx *sql.Tx, batch *ledger.Batch) error {
	if len(batch.Journals) == 0 {
		return nil
	}

	const cols = 9
	values := make([]string, 0, len(batch.Journals))
	args := make([]interface{}, 0, len(batch.Journals)*cols)

	for i, j := range batch.Journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, batch.Sequence,
			j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(),
			j.Amount.RawString(), int32(j.JournalType), batch.Timestamp,
		)
	}

	query := `INSERT INTO settlement.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp_us)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (journal_id) DO NOTHING`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert journals of %s: %w", batch.EventRef, err)
	}
	return nil
}

// upsertBalances writes absolute balances. Keys are sorted so concurrent
// transactions lock rows in the same order.
func upsertBalances(ctx context.Context, tx *sql.Tx, balances map[ledger.AccountKey]fpmath.Wad) error {
	if len(balances) == 0 {
		return nil
	}

	paths := make([]string, 0, len(balances))
	byPath := make(map[string]fpmath.Wad, len(balances))
	for k, v := range balances {
		p := k.AccountPath()
		paths = append(paths, p)
		byPath[p] = v
	}
	sort.Strings(paths)

	values := make([]string, 0, len(paths))
	args := make([]interface{}, 0, len(paths)*2)
	for i, p := range paths {
		values = append(values, placeholders(i*2, 2))
		args = append(args, p, byPath[p].RawString())
	}

	query := `INSERT INTO settlement.balances (account_path, balance)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (account_path) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert balances: %w", err)
	}
	return nil
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
