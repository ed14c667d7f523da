package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// ErrNotFound is returned for a position that was never opened.
var ErrNotFound = errors.New("not found")

// PriceSource supplies mark prices for derived values.
type PriceSource interface {
	MarkPrice(marketID string) (fpmath.Wad, error)
}

// QueryService provides read-only access to the settlement tables. Every
// response carries as_of_sequence, the newest committed sequence at the
// time of the read.
type QueryService struct {
	db     *sql.DB
	prices PriceSource
}

func NewQueryService(db *sql.DB, prices PriceSource) *QueryService {
	return &QueryService{db: db, prices: prices}
}

// GetAccount returns the bank balance and every open position of an account.
func (qs *QueryService) GetAccount(ctx context.Context, account uuid.UUID) (*AccountView, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var raw string
	err = qs.db.QueryRowContext(ctx,
		`SELECT balance FROM settlement.balances WHERE account_path = $1`,
		ledger.BankKey(account).AccountPath(),
	).Scan(&raw)
	bank := fpmath.Zero
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query bank balance: %w", err)
	default:
		if bank, err = fpmath.ParseRawWad(raw); err != nil {
			return nil, err
		}
	}

	positions, err := qs.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	total := fpmath.Zero
	for _, p := range positions {
		total = total.Add(p.Margin)
	}

	return &AccountView{
		Account:      account,
		BankBalance:  bank,
		TotalMargin:  total,
		Positions:    positions,
		AsOfSequence: asOfSeq,
	}, nil
}

// ListPositions returns the account's non-flat positions ordered by market.
func (qs *QueryService) ListPositions(ctx context.Context, account uuid.UUID) ([]PositionView, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, quantity, avg_entry_price, margin, margin_ratio_open,
		       last_funding_index, version
		FROM settlement.positions
		WHERE account_id = $1 AND quantity <> 0
		ORDER BY market_id
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionView
	for rows.Next() {
		pos := state.NewPosition(account, "")
		if err := scanPosition(rows, &pos); err != nil {
			return nil, err
		}
		positions = append(positions, qs.derive(pos))
	}
	return positions, rows.Err()
}

// GetPosition returns ErrNotFound when the account never held the market.
func (qs *QueryService) GetPosition(ctx context.Context, account uuid.UUID, marketID string) (*PositionView, error) {
	row := qs.db.QueryRowContext(ctx, `
		SELECT market_id, quantity, avg_entry_price, margin, margin_ratio_open,
		       last_funding_index, version
		FROM settlement.positions
		WHERE account_id = $1 AND market_id = $2
	`, account, marketID)

	pos := state.NewPosition(account, marketID)
	if err := scanPosition(row, &pos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", account, marketID, ErrNotFound)
		}
		return nil, err
	}
	view := qs.derive(pos)
	return &view, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner, pos *state.Position) error {
	var qty, entry, margin, mro, idx string
	if err := row.Scan(&pos.MarketID, &qty, &entry, &margin, &mro, &idx, &pos.Version); err != nil {
		return err
	}
	fields := []struct {
		dst *fpmath.Wad
		raw string
	}{
		{&pos.Quantity, qty},
		{&pos.AvgEntryPrice, entry},
		{&pos.Margin, margin},
		{&pos.MarginRatioOpen, mro},
		{&pos.LastFundingIndex, idx},
	}
	for _, f := range fields {
		v, err := fpmath.ParseRawWad(f.raw)
		if err != nil {
			return fmt.Errorf("decode position %s/%s: %w", pos.Account, pos.MarketID, err)
		}
		*f.dst = v
	}
	return nil
}

// derive fills the mark-price dependent fields. A missing mark price leaves
// them zero rather than failing the read.
func (qs *QueryService) derive(pos state.Position) PositionView {
	view := PositionView{
		Account:          pos.Account,
		MarketID:         pos.MarketID,
		Side:             pos.Side().String(),
		Quantity:         pos.Quantity,
		AvgEntryPrice:    pos.AvgEntryPrice,
		Margin:           pos.Margin,
		MarginRatioOpen:  pos.MarginRatioOpen,
		LastFundingIndex: pos.LastFundingIndex,
		Version:          pos.Version,
	}
	if qs.prices == nil {
		return view
	}
	mark, err := qs.prices.MarkPrice(pos.MarketID)
	if err != nil {
		return view
	}
	view.MarkPrice = mark
	if upnl, err := state.UnrealizedPnL(&pos, mark); err == nil {
		view.UnrealizedPnL = upnl
	}
	if eq, err := state.Equity(&pos, mark); err == nil {
		view.Equity = eq
	}
	return view
}

// ListJournals returns journal lines touching any of the account's
// balances, newest first. beforeSequence > 0 pages backwards.
func (qs *QueryService) ListJournals(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence int64,
) ([]JournalEntry, error) {
	return qs.journals(ctx, account, limit, beforeSequence)
}

// ListFundingPayments returns the account's funding transfers, newest first.
func (qs *QueryService) ListFundingPayments(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence int64,
) ([]FundingPayment, error) {
	entries, err := qs.journals(ctx, account, limit, beforeSequence,
		ledger.JournalTypeFundingPayment, ledger.JournalTypeFundingReceipt)
	if err != nil {
		return nil, err
	}

	prefix := userPrefix(account)
	payments := make([]FundingPayment, 0, len(entries))
	for _, e := range entries {
		amount, counter := e.Amount, e.DebitAccount
		if strings.HasPrefix(e.DebitAccount, prefix) {
			amount, counter = amount.Neg(), e.CreditAccount
		}
		key, err := ledger.ParseAccountPath(counter)
		if err != nil {
			return nil, err
		}
		payments = append(payments, FundingPayment{
			MarketID:  key.Market,
			EventRef:  e.EventRef,
			Sequence:  e.Sequence,
			Amount:    amount,
			Timestamp: e.Timestamp,
		})
	}
	return payments, nil
}

func (qs *QueryService) journals(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence int64,
	types ...ledger.JournalType,
) ([]JournalEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp_us
		FROM settlement.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{userPrefix(account) + "%"}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, jt := range types {
			marks[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, int32(jt))
			argIdx++
		}
		query += " AND journal_type IN (" + strings.Join(marks, ", ") + ")"
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e      JournalEntry
			amount string
			jt     int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = fpmath.ParseRawWad(amount); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that the books sum to zero and that every stored
// balance, margin included, equals the net of its journals.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	var global string
	if err := qs.db.QueryRowContext(ctx, `
		SELECT (SELECT COALESCE(SUM(balance), 0) FROM settlement.balances)
		     + (SELECT COALESCE(SUM(margin), 0) FROM settlement.positions)
	`).Scan(&global); err != nil {
		return nil, fmt.Errorf("global balance: %w", err)
	}
	if report.GlobalImbalance, err = fpmath.ParseRawWad(global); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		WITH flows AS (
			SELECT debit_account AS path, amount FROM settlement.journal
			UNION ALL
			SELECT credit_account, -amount FROM settlement.journal
		), net AS (
			SELECT path, SUM(amount) AS total FROM flows GROUP BY path
		), stored AS (
			SELECT account_path AS path, balance FROM settlement.balances
			UNION ALL
			SELECT 'user:' || account_id || ':margin:' || market_id, margin FROM settlement.positions
		)
		SELECT s.path, s.balance, COALESCE(n.total, 0)
		FROM stored s LEFT JOIN net n ON n.path = s.path
		WHERE s.balance <> COALESCE(n.total, 0)
		ORDER BY s.path
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("journal reconciliation: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, stored, journaled string
		if err := rows.Scan(&path, &stored, &journaled); err != nil {
			return nil, err
		}
		m := BalanceMismatch{AccountPath: path}
		if m.Stored, err = fpmath.ParseRawWad(stored); err != nil {
			return nil, err
		}
		if m.Journaled, err = fpmath.ParseRawWad(journaled); err != nil {
			return nil, err
		}
		report.Mismatches = append(report.Mismatches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = report.GlobalImbalance.IsZero() && len(report.Mismatches) == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM settlement.settled_refs`,
	).Scan(&seq)
	return seq.Int64, err
}

func userPrefix(account uuid.UUID) string {
	return "user:" + account.String() + ":"
}
