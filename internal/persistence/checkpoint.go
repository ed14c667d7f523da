package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint is the last committed sequence and the hash chain tip after it.
type Checkpoint struct {
	Sequence  int64
	StateHash [32]byte
}

// SaveCheckpoint overwrites the single checkpoint row. Sequences only move
// forward; an older checkpoint never replaces a newer one.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, sequence int64, stateHash [32]byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.checkpoint (id, sequence, state_hash)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET sequence = EXCLUDED.sequence, state_hash = EXCLUDED.state_hash, updated_at = NOW()
		WHERE settlement.checkpoint.sequence < EXCLUDED.sequence`,
		sequence, stateHash[:],
	)
	if err != nil {
		return fmt.Errorf("save checkpoint at %d: %w", sequence, err)
	}
	return nil
}

// LoadCheckpoint returns nil when nothing was ever checkpointed.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cp   Checkpoint
		hash []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM settlement.checkpoint WHERE id = 1`,
	).Scan(&cp.Sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(hash) != len(cp.StateHash) {
		return nil, fmt.Errorf("load checkpoint: state hash has %d bytes", len(hash))
	}
	copy(cp.StateHash[:], hash)
	return &cp, nil
}

// LastSequence is the highest sequence any committed change set used. It
// can be ahead of the checkpoint when a checkpoint write failed.
func (s *PostgresStore) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM settlement.settled_refs`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return seq.Int64, nil
}
