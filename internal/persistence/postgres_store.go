package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrDuplicateRef is returned when a change set's reference was already
// committed. The whole change set is rolled back.
var ErrDuplicateRef = errors.New("reference already committed")

// PostgresStore is the durable ledger.AccountStore. Every amount is kept as
// an 18-decimal base-unit integer in a NUMERIC(78,0) column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPosition(ctx context.Context, account uuid.UUID, marketID string) (state.Position, error) {
	var qty, entry, margin, mro, fundingIdx string
	pos := state.NewPosition(account, marketID)
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity, avg_entry_price, margin, margin_ratio_open, last_funding_index, version
		FROM settlement.positions
		WHERE account_id = $1 AND market_id = $2`,
		account, marketID,
	).Scan(&qty, &entry, &margin, &mro, &fundingIdx, &pos.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return pos, nil
	}
	if err != nil {
		return state.Position{}, fmt.Errorf("query position %s/%s: %w", account, marketID, err)
	}

	fields := []struct {
		dst *fpmath.Wad
		raw string
	}{
		{&pos.Quantity, qty},
		{&pos.AvgEntryPrice, entry},
		{&pos.Margin, margin},
		{&pos.MarginRatioOpen, mro},
		{&pos.LastFundingIndex, fundingIdx},
	}
	for _, f := range fields {
		if *f.dst, err = fpmath.ParseRawWad(f.raw); err != nil {
			return state.Position{}, fmt.Errorf("decode position %s/%s: %w", account, marketID, err)
		}
	}
	return pos, nil
}

func (s *PostgresStore) GetBankBalance(ctx context.Context, account uuid.UUID) (fpmath.Wad, error) {
	return s.GetSystemBalance(ctx, ledger.BankKey(account))
}

// GetSystemBalance reads any non-margin balance; missing rows are zero.
func (s *PostgresStore) GetSystemBalance(ctx context.Context, key ledger.AccountKey) (fpmath.Wad, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM settlement.balances WHERE account_path = $1`,
		key.AccountPath(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fpmath.Zero, nil
	}
	if err != nil {
		return fpmath.Zero, fmt.Errorf("query balance %s: %w", key.AccountPath(), err)
	}
	return fpmath.ParseRawWad(raw)
}

// Commit writes positions, balances, journals and the settled reference in
// one transaction. Position writes are conditional on the stored version,
// so a concurrent writer makes the whole change set fail with
// ledger.ErrVersionConflict.
func (s *PostgresStore) Commit(ctx context.Context, cs *ledger.ChangeSet) error {
	if cs.Batch != nil {
		if err := cs.Batch.Validate(); err != nil {
			return fmt.Errorf("invalid batch: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, pos := range cs.Positions {
		if err := writePosition(ctx, tx, pos); err != nil {
			return err
		}
	}
	if err := upsertBalances(ctx, tx, cs.Balances); err != nil {
		return err
	}
	if cs.Batch != nil {
		if err := insertJournals(ctx, tx, cs.Batch); err != nil {
			return err
		}
	}
	if err := insertGasCharges(ctx, tx, cs); err != nil {
		return err
	}
	if cs.TradeID != "" {
		var seq int64
		if cs.Batch != nil {
			seq = cs.Batch.Sequence
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.settled_refs (ref_id, ref, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (ref_id) DO NOTHING`,
			ledger.RefID(cs.TradeID), cs.TradeID, seq,
		)
		if err != nil {
			return fmt.Errorf("record ref %s: %w", cs.TradeID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateRef, cs.TradeID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func writePosition(ctx context.Context, tx *sql.Tx, pos state.Position) error {
	args := []interface{}{
		pos.Account, pos.MarketID,
		pos.Quantity.RawString(), pos.AvgEntryPrice.RawString(), pos.Margin.RawString(),
		pos.MarginRatioOpen.RawString(), pos.LastFundingIndex.RawString(), pos.Version,
	}

	if pos.Version == 1 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.positions
				(account_id, market_id, quantity, avg_entry_price, margin, margin_ratio_open, last_funding_index, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s/%s already exists", ledger.ErrVersionConflict, pos.Account, pos.MarketID)
		}
		if err != nil {
			return fmt.Errorf("insert position %s/%s: %w", pos.Account, pos.MarketID, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE settlement.positions
		SET quantity = $3, avg_entry_price = $4, margin = $5, margin_ratio_open = $6,
			last_funding_index = $7, version = $8, updated_at = NOW()
		WHERE account_id = $1 AND market_id = $2 AND version = $8 - 1`, args...)
	if err != nil {
		return fmt.Errorf("update position %s/%s: %w", pos.Account, pos.MarketID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s/%s expected stored version %d",
			ledger.ErrVersionConflict, pos.Account, pos.MarketID, pos.Version-1)
	}
	return nil
}

func insertGasCharges(ctx context.Context, tx *sql.Tx, cs *ledger.ChangeSet) error {
	var seq int64
	if cs.Batch != nil {
		seq = cs.Batch.Sequence
	}
	for _, g := range cs.GasCharges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.gas_charges (batch_id, account_id, sequence)
			VALUES ($1, $2, $3)`, g.BatchID, g.Account, seq)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s/%s", ledger.ErrGasAlreadyCharged, g.BatchID, g.Account)
		}
		if err != nil {
			return fmt.Errorf("record gas charge %s/%s: %w", g.BatchID, g.Account, err)
		}
	}
	return nil
}

// WasGasCharged reports whether a committed change set recorded the charge.
func (s *PostgresStore) WasGasCharged(ctx context.Context, batchID string, account uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlement.gas_charges WHERE batch_id = $1 AND account_id = $2)`,
		batchID, account,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query gas charge %s/%s: %w", batchID, account, err)
	}
	return exists, nil
}

// Ping backs the readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
