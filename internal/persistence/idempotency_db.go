package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// IsTradeSettled is tier 2 of trade deduplication: it checks the settled
// references written by Commit.
func (s *PostgresStore) IsTradeSettled(ctx context.Context, tradeID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM settlement.settled_refs WHERE ref_id = $1`,
		tradeID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentTradeIDs returns the newest committed reference ids, newest first,
// for warming the LRU on startup.
func (s *PostgresStore) RecentTradeIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_id FROM settlement.settled_refs ORDER BY committed_at DESC, sequence DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
