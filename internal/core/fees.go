package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// chargeFees debits notional * rate from each side's bank into the fee pool.
// Whitelisted accounts pay their override rate.
func chargeFees(ws *ledger.Workspace, cfg *state.MarketConfig, notional fpmath.Wad, maker, taker *side) error {
	c := &calc{}
	maker.fee = c.mul(notional, cfg.MakerFeeRateFor(maker.account))
	taker.fee = c.mul(notional, cfg.TakerFeeRateFor(taker.account))
	if err := c.check(); err != nil {
		return err
	}

	ws.Transfer(maker.bank, ledger.FeePoolKey, maker.fee, ledger.JournalTypeTradeFee)
	ws.Transfer(taker.bank, ledger.FeePoolKey, taker.fee, ledger.JournalTypeTradeFee)
	return nil
}

// chargeGas takes the flat gas charge once per account per batch and
// returns the charges, which commit together with the workspace.
//
// Fills at or above the gasless notional threshold are exempt. An account
// whose bank cannot pay is waived when its leg only reduced risk and
// rejected otherwise.
func (e *Engine) chargeGas(ctx context.Context, ws *ledger.Workspace, cfg *state.MarketConfig, batchID string, notional fpmath.Wad, sides ...*side) ([]ledger.GasCharge, error) {
	if cfg.GasCharge.Sign() <= 0 {
		return nil, nil
	}
	if cfg.GaslessNotionalThreshold.Sign() > 0 && notional.Cmp(cfg.GaslessNotionalThreshold) >= 0 {
		return nil, nil
	}

	var charged []ledger.GasCharge
	for _, s := range sides {
		done, err := e.wasGasCharged(ctx, batchID, s.account)
		if err != nil {
			return nil, fmt.Errorf("gas charge lookup: %w", err)
		}
		if done {
			continue
		}

		if ws.Balance(s.bank).LessThan(cfg.GasCharge) {
			if !s.opened {
				continue
			}
			return nil, fmt.Errorf("%w: %s holds %s, charge %s", ErrInsufficientGasBalance, s.role, ws.Balance(s.bank), cfg.GasCharge)
		}

		ws.Transfer(s.bank, ledger.GasPoolKey, cfg.GasCharge, ledger.JournalTypeGasCharge)
		s.gas = cfg.GasCharge
		charged = append(charged, ledger.GasCharge{BatchID: batchID, Account: s.account})
	}
	return charged, nil
}

// wasGasCharged asks the tracker first. On a miss or a tracker error it
// falls back to the store's committed record when the store keeps one.
func (e *Engine) wasGasCharged(ctx context.Context, batchID string, account uuid.UUID) (bool, error) {
	done, trackerErr := e.charges.WasCharged(ctx, batchID, account)
	if trackerErr == nil && done {
		return true, nil
	}
	durable, ok := e.store.(ledger.GasChargeLedger)
	if !ok {
		return done, trackerErr
	}
	if trackerErr != nil {
		e.logger.Warn().Err(trackerErr).Str("batch_id", batchID).Msg("charge tracker unavailable, reading store")
	}
	return durable.WasGasCharged(ctx, batchID, account)
}

// markGasCharged refreshes the tracker after a commit. The store already
// holds the charge, so a failure here only costs a slower lookup.
func (e *Engine) markGasCharged(ctx context.Context, charged []ledger.GasCharge) {
	if len(charged) == 0 {
		return
	}
	accounts := make([]uuid.UUID, len(charged))
	for i, g := range charged {
		accounts[i] = g.Account
	}
	batchID := charged[0].BatchID
	if err := e.charges.MarkCharged(ctx, batchID, accounts...); err != nil {
		e.logger.Warn().Err(err).Str("batch_id", batchID).Msg("gas charge not cached after commit")
	}
}
