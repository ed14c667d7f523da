package core

import (
	"context"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// AccountOp is a collateral movement requested outside a trade.
type AccountOp struct {
	Ref       string
	Caller    uuid.UUID
	Account   uuid.UUID
	MarketID  string // margin operations only
	Amount    fpmath.Wad
	Sequence  int64
	Timestamp int64
}

// AccountOpResult is the committed state after an account operation.
type AccountOpResult struct {
	BankBalance fpmath.Wad
	Position    *state.Position // nil for deposits and withdrawals
	Batch       *ledger.Batch
}

// Deposit credits external collateral to the account's bank.
func (e *Engine) Deposit(ctx context.Context, op AccountOp) (*AccountOpResult, error) {
	if op.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ws := ledger.NewWorkspace(op.Ref, op.Sequence, op.Timestamp)
	bank := ledger.BankKey(op.Account)
	if err := e.seedBalances(ctx, ws, op.Account, ledger.ExternalDepositsKey); err != nil {
		return nil, err
	}
	if _, err := fpmath.AddWad(ws.Balance(bank), op.Amount); err != nil {
		return nil, fmt.Errorf("%w: deposit of %s: %w", ErrArithmetic, op.Amount, err)
	}
	if _, err := fpmath.SubWad(ws.Balance(ledger.ExternalDepositsKey), op.Amount); err != nil {
		return nil, fmt.Errorf("%w: deposit of %s: %w", ErrArithmetic, op.Amount, err)
	}

	ws.Transfer(ledger.ExternalDepositsKey, bank, op.Amount, ledger.JournalTypeDeposit)

	if err := e.commit(ctx, ws, op.Ref, nil); err != nil {
		return nil, err
	}
	e.logAccountOp("deposit", op)
	return &AccountOpResult{BankBalance: ws.Balance(bank), Batch: ws.Batch()}, nil
}

// Withdraw moves free collateral out of the bank. The caller must be the
// account or one of its delegates.
func (e *Engine) Withdraw(ctx context.Context, op AccountOp) (*AccountOpResult, error) {
	if op.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !e.access.IsDelegate(op.Account, op.Caller) {
		return nil, fmt.Errorf("%w: %s may not withdraw for %s", ErrUnauthorized, op.Caller, op.Account)
	}
	ws := ledger.NewWorkspace(op.Ref, op.Sequence, op.Timestamp)
	bank := ledger.BankKey(op.Account)
	if err := e.seedBalances(ctx, ws, op.Account, ledger.ExternalWithdrawalsKey); err != nil {
		return nil, err
	}

	if ws.Balance(bank).LessThan(op.Amount) {
		return nil, fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientBankBalance, ws.Balance(bank), op.Amount)
	}
	ws.Transfer(bank, ledger.ExternalWithdrawalsKey, op.Amount, ledger.JournalTypeWithdrawal)

	if err := e.commit(ctx, ws, op.Ref, nil); err != nil {
		return nil, err
	}
	e.logAccountOp("withdraw", op)
	return &AccountOpResult{BankBalance: ws.Balance(bank), Batch: ws.Batch()}, nil
}

// AddMargin moves collateral from the bank into an open position's margin.
func (e *Engine) AddMargin(ctx context.Context, cfg *state.MarketConfig, op AccountOp) (*AccountOpResult, error) {
	return e.moveMargin(ctx, cfg, op, true)
}

// RemoveMargin releases margin to the bank as long as the position stays at
// or above the initial margin ratio.
func (e *Engine) RemoveMargin(ctx context.Context, cfg *state.MarketConfig, op AccountOp) (*AccountOpResult, error) {
	return e.moveMargin(ctx, cfg, op, false)
}

func (e *Engine) moveMargin(ctx context.Context, cfg *state.MarketConfig, op AccountOp, add bool) (*AccountOpResult, error) {
	if op.MarketID != cfg.MarketID {
		return nil, fmt.Errorf("%w: request %q, config %q", ErrMarketMismatch, op.MarketID, cfg.MarketID)
	}
	if op.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !e.access.IsDelegate(op.Account, op.Caller) {
		return nil, fmt.Errorf("%w: %s may not move margin for %s", ErrUnauthorized, op.Caller, op.Account)
	}

	mark, err := e.prices.MarkPrice(op.MarketID)
	if err != nil || mark.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s (%v)", ErrInvalidMarkPrice, mark, err)
	}
	index, err := e.funding.FundingIndex(op.MarketID)
	if err != nil {
		return nil, fmt.Errorf("funding index: %w", err)
	}

	ws := ledger.NewWorkspace(op.Ref, op.Sequence, op.Timestamp)
	s, err := e.loadSide(ctx, ws, "account", op.Account, op.MarketID)
	if err != nil {
		return nil, err
	}
	if s.pos.IsFlat() {
		return nil, ErrNoPosition
	}
	fundingPool := ledger.FundingPoolKey(op.MarketID)
	bal, err := e.store.GetSystemBalance(ctx, fundingPool)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fundingPool.AccountPath(), err)
	}
	if err := ws.Seed(fundingPool, bal); err != nil {
		return nil, err
	}

	if err := s.accrue(ws, index, false); err != nil {
		return nil, err
	}

	if add {
		if ws.Balance(s.bank).LessThan(op.Amount) {
			return nil, fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientBankBalance, ws.Balance(s.bank), op.Amount)
		}
		ws.Transfer(s.bank, s.margin, op.Amount, ledger.JournalTypeMarginLock)
	} else {
		if ws.Balance(s.margin).LessThan(op.Amount) {
			return nil, fmt.Errorf("%w: margin %s, requested %s", ErrBelowInitialMargin, ws.Balance(s.margin), op.Amount)
		}
		ws.Transfer(s.margin, s.bank, op.Amount, ledger.JournalTypeMarginRelease)
	}
	s.syncMargin(ws)

	if !add {
		ratio, err := state.MarginRatio(&s.pos, mark)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArithmetic, err)
		}
		if ratio.LessThan(cfg.InitialMarginRatio) {
			return nil, fmt.Errorf("%w: ratio %s after removal", ErrBelowInitialMargin, ratio)
		}
	}

	if err := e.commit(ctx, ws, op.Ref, nil, s); err != nil {
		return nil, err
	}
	name := "remove_margin"
	if add {
		name = "add_margin"
	}
	e.logAccountOp(name, op)
	pos := s.pos
	return &AccountOpResult{BankBalance: ws.Balance(s.bank), Position: &pos, Batch: ws.Batch()}, nil
}

// seedBalances seeds the account bank and the given system accounts.
func (e *Engine) seedBalances(ctx context.Context, ws *ledger.Workspace, account uuid.UUID, system ...ledger.AccountKey) error {
	bank, err := e.store.GetBankBalance(ctx, account)
	if err != nil {
		return fmt.Errorf("load bank: %w", err)
	}
	if err := ws.Seed(ledger.BankKey(account), bank); err != nil {
		return err
	}
	for _, k := range system {
		bal, err := e.store.GetSystemBalance(ctx, k)
		if err != nil {
			return fmt.Errorf("load %s: %w", k.AccountPath(), err)
		}
		if err := ws.Seed(k, bal); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) logAccountOp(op string, req AccountOp) {
	e.logger.Info().
		Str("op", op).
		Str("ref", req.Ref).
		Str("account", req.Account.String()).
		Str("market", req.MarketID).
		Str("amount", req.Amount.String()).
		Msg("account operation committed")
}
