package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine settles matched trades against an AccountStore. Each call is one
// all-or-nothing transaction: either both legs and every pool change commit,
// or nothing does. The engine is a single writer; callers serialize calls.
type Engine struct {
	store   ledger.AccountStore
	prices  PriceOracle
	funding FundingOracle
	access  AccessControl
	charges ChargeTracker
	hasher  *StateHasher
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type EngineOption func(*Engine)

func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithStateHasher resumes the hash chain from a persisted tip.
func WithStateHasher(h *StateHasher) EngineOption {
	return func(e *Engine) { e.hasher = h }
}

func NewEngine(
	store ledger.AccountStore,
	prices PriceOracle,
	funding FundingOracle,
	access AccessControl,
	charges ChargeTracker,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:   store,
		prices:  prices,
		funding: funding,
		access:  access,
		charges: charges,
		hasher:  NewStateHasher(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle applies one matched trade under cfg.
func (e *Engine) Settle(ctx context.Context, cfg *state.MarketConfig, req SettleRequest) (*SettlementResult, error) {
	start := time.Now()
	kind := req.Kind.String()

	res, err := e.settle(ctx, cfg, &req)

	if e.metrics != nil {
		e.metrics.SettleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.SettlementsRejected.WithLabelValues(kind, KindOf(err).String()).Inc()
		}
		e.logger.Debug().
			Str("trade_id", req.TradeID.String()).
			Str("kind", kind).
			Str("market", req.MarketID).
			Str("code", Code(err)).
			Err(err).
			Msg("settlement rejected")
		return nil, err
	}

	if res.NoOp {
		if e.metrics != nil {
			e.metrics.SettlementNoOps.Inc()
		}
		return res, nil
	}

	e.recordApplied(res)
	e.logger.Info().
		Str("trade_id", res.TradeID.String()).
		Str("kind", kind).
		Str("market", res.MarketID).
		Str("price", res.Price.String()).
		Str("quantity", res.Quantity.String()).
		Int("journals", len(res.Batch.Journals)).
		Msg("settlement committed")
	return res, nil
}

func (e *Engine) settle(ctx context.Context, cfg *state.MarketConfig, req *SettleRequest) (*SettlementResult, error) {
	if cfg.MarketID != req.MarketID {
		return nil, fmt.Errorf("%w: request %q, config %q", ErrMarketMismatch, req.MarketID, cfg.MarketID)
	}
	if err := e.authorize(cfg, req); err != nil {
		return nil, err
	}
	if req.Maker == req.Taker {
		return &SettlementResult{
			TradeID:       req.TradeID,
			MarketID:      req.MarketID,
			Kind:          req.Kind,
			ConfigVersion: cfg.Version,
			NoOp:          true,
		}, nil
	}
	if !e.access.IsTradingAllowed(req.MarketID) {
		return nil, ErrTradingDisabled
	}
	if err := validateFill(cfg, req); err != nil {
		return nil, err
	}

	mark, err := e.prices.MarkPrice(req.MarketID)
	if err != nil || mark.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s (%v)", ErrInvalidMarkPrice, mark, err)
	}
	index, err := e.funding.FundingIndex(req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("funding index: %w", err)
	}

	ws := ledger.NewWorkspace(req.TradeID.String(), req.Sequence, req.Timestamp)
	maker, err := e.loadSide(ctx, ws, "maker", req.Maker, req.MarketID)
	if err != nil {
		return nil, err
	}
	taker, err := e.loadSide(ctx, ws, "taker", req.Taker, req.MarketID)
	if err != nil {
		return nil, err
	}
	if err := e.seedSystem(ctx, ws, req.MarketID); err != nil {
		return nil, err
	}

	maker.leverage, maker.reduceOnly = req.Fill.MakerLeverage, req.Fill.MakerReduceOnly
	taker.leverage, taker.reduceOnly = req.Fill.TakerLeverage, req.Fill.TakerReduceOnly

	// funding first: every solvency check below sees current positions
	if err := maker.accrue(ws, index, req.Kind == TradeKindADL); err != nil {
		return nil, err
	}
	if err := taker.accrue(ws, index, false); err != nil {
		return nil, err
	}

	qty, price := req.Fill.Quantity, req.Fill.Price
	makerRoute := &legRouting{mode: shortfallFail}
	takerRoute := &legRouting{mode: shortfallFail}

	switch req.Kind {
	case TradeKindLiquidation:
		maker.leverage = fpmath.Zero
		if qty, err = checkLiquidation(cfg, mark, maker, taker, &req.Fill); err != nil {
			return nil, err
		}
		makerRoute = &legRouting{
			mode:           shortfallLiquidator,
			liquidatorBank: taker.bank,
			insuranceRatio: cfg.InsurancePoolRatio,
		}
		takerRoute.mode = shortfallBank
	case TradeKindADL:
		maker.leverage, taker.leverage = fpmath.Zero, fpmath.Zero
		if qty, price, err = checkADL(cfg, mark, maker, taker, &req.Fill); err != nil {
			return nil, err
		}
		makerRoute.mode = shortfallInsurance
		takerRoute.mode = shortfallBank
	}

	takerDelta := qty
	if !req.Fill.IsBuy {
		takerDelta = qty.Neg()
	}
	makerDelta := takerDelta.Neg()

	if req.Kind == TradeKindNormal {
		if err := checkReduceOnly(maker, makerDelta); err != nil {
			return nil, err
		}
		if err := checkReduceOnly(taker, takerDelta); err != nil {
			return nil, err
		}
	}

	for _, s := range []*side{maker, taker} {
		if s.ratioBefore, err = state.MarginRatio(&s.pos, mark); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArithmetic, err)
		}
	}

	if err := maker.applyFill(ws, makerDelta, price, makerRoute); err != nil {
		return nil, err
	}
	if err := taker.applyFill(ws, takerDelta, price, takerRoute); err != nil {
		return nil, err
	}

	// the ADL maker's unpaid funding is part of its settlement amount
	if req.Kind == TradeKindADL && maker.shortfall.Sign() > 0 {
		if err := maker.coverFromBankThenInsurance(ws, maker.shortfall, ledger.FundingPoolKey(req.MarketID), makerRoute); err != nil {
			return nil, err
		}
	}

	notional, err := fpmath.MulWad(qty, price)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}

	var charged []ledger.GasCharge
	switch req.Kind {
	case TradeKindNormal:
		if err := checkCollateral(cfg, mark, maker); err != nil {
			return nil, err
		}
		if err := checkCollateral(cfg, mark, taker); err != nil {
			return nil, err
		}
		if err := chargeFees(ws, cfg, notional, maker, taker); err != nil {
			return nil, err
		}
		batchID := req.BatchID
		if batchID == "" {
			batchID = req.TradeID.String()
		}
		if charged, err = e.chargeGas(ctx, ws, cfg, batchID, notional, maker, taker); err != nil {
			return nil, err
		}
	case TradeKindLiquidation:
		if err := checkCollateral(cfg, mark, taker); err != nil {
			return nil, err
		}
	}

	for _, s := range []*side{maker, taker} {
		if ws.Balance(s.bank).Sign() < 0 {
			return nil, fmt.Errorf("%w: %s short by %s", ErrInsufficientBankBalance, s.role, ws.Balance(s.bank).Neg())
		}
	}

	if err := e.commit(ctx, ws, req.TradeID.String(), charged, maker, taker); err != nil {
		return nil, err
	}
	e.markGasCharged(ctx, charged)

	res := &SettlementResult{
		TradeID:           req.TradeID,
		MarketID:          req.MarketID,
		Kind:              req.Kind,
		ConfigVersion:     cfg.Version,
		Price:             price,
		Quantity:          qty,
		Maker:             maker.legResult(ws, mark),
		Taker:             taker.legResult(ws, mark),
		InsurancePremium:  makerRoute.insurancePremium,
		LiquidatorPremium: makerRoute.liquidatorPremium,
		Batch:             ws.Batch(),
	}
	if req.Kind == TradeKindADL {
		res.ADLSettlementAmount = maker.proceeds.Sub(maker.shortfall)
	}
	res.StateHash = e.hasher.ComputeHash(req.Sequence, stateDigest(ws, maker, taker))
	return res, nil
}

// loadSide reads one account's position and bank and seeds the workspace.
func (e *Engine) loadSide(ctx context.Context, ws *ledger.Workspace, role string, account uuid.UUID, marketID string) (*side, error) {
	pos, err := e.store.GetPosition(ctx, account, marketID)
	if err != nil {
		return nil, fmt.Errorf("load %s position: %w", role, err)
	}
	bank, err := e.store.GetBankBalance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load %s bank: %w", role, err)
	}

	s := newSide(role, pos)
	if err := ws.Seed(s.bank, bank); err != nil {
		return nil, err
	}
	if err := ws.Seed(s.margin, pos.Margin); err != nil {
		return nil, err
	}
	return s, nil
}

// seedSystem seeds every pool a settlement in marketID may touch.
func (e *Engine) seedSystem(ctx context.Context, ws *ledger.Workspace, marketID string) error {
	keys := []ledger.AccountKey{
		ledger.FeePoolKey,
		ledger.InsurancePoolKey,
		ledger.GasPoolKey,
		ledger.FundingPoolKey(marketID),
		ledger.PnLClearingKey(marketID),
	}
	for _, k := range keys {
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

// commit validates the staged state and hands it to the store. Any
// invariant failure here is a bug in the leg math, never a user error.
func (e *Engine) commit(ctx context.Context, ws *ledger.Workspace, ref string, gas []ledger.GasCharge, sides ...*side) error {
	positions := make([]state.Position, 0, len(sides))
	for _, s := range sides {
		s.syncMargin(ws)
		if err := s.pos.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStateInvariant, s.role, err)
		}
		s.pos.Version++
		positions = append(positions, s.pos)
	}
	if err := ledger.ValidateWorkspace(ws); err != nil {
		return fmt.Errorf("%w: %w", ErrStateInvariant, err)
	}
	if err := ledger.ValidateNonNegative(ws.Balances()); err != nil {
		return fmt.Errorf("%w: %w", ErrStateInvariant, err)
	}

	start := time.Now()
	cs := ledger.NewChangeSet(ws, ref, positions...)
	cs.GasCharges = gas
	err := e.store.Commit(ctx, cs)
	if e.metrics != nil {
		e.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.CommitErrors.Inc()
		}
		for _, s := range sides {
			s.pos.Version--
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EvaluateMargin is the read-only margin view of an account's position at
// the current mark price. Funding accrued since the last settlement is not
// applied.
func (e *Engine) EvaluateMargin(ctx context.Context, cfg *state.MarketConfig, account uuid.UUID) (state.MarginSummary, error) {
	mark, err := e.prices.MarkPrice(cfg.MarketID)
	if err != nil || mark.Sign() <= 0 {
		return state.MarginSummary{}, fmt.Errorf("%w: %s (%v)", ErrInvalidMarkPrice, mark, err)
	}
	pos, err := e.store.GetPosition(ctx, account, cfg.MarketID)
	if err != nil {
		return state.MarginSummary{}, fmt.Errorf("load position: %w", err)
	}
	summary, err := state.Evaluate(&pos, mark, cfg)
	if err != nil {
		return state.MarginSummary{}, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	return summary, nil
}

// StateHash returns the current tip of the settlement hash chain.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

func (e *Engine) recordApplied(res *SettlementResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.SettlementsApplied.WithLabelValues(res.Kind.String()).Inc()
	for _, j := range res.Batch.Journals {
		e.metrics.JournalsWritten.WithLabelValues(j.JournalType.String()).Inc()
		switch j.JournalType {
		case ledger.JournalTypeTradeFee:
			observability.AddWad(e.metrics.FeesCollected.WithLabelValues(res.MarketID), j.Amount.Decimal())
		case ledger.JournalTypeGasCharge:
			observability.AddWad(e.metrics.GasCharged.WithLabelValues(res.MarketID), j.Amount.Decimal())
		case ledger.JournalTypeInsurancePremium:
			observability.AddWad(e.metrics.InsurancePremium.WithLabelValues(res.MarketID), j.Amount.Decimal())
		case ledger.JournalTypeInsuranceCover:
			observability.AddWad(e.metrics.InsuranceCoverage.WithLabelValues(res.MarketID), j.Amount.Decimal())
		case ledger.JournalTypeFundingPayment:
			observability.AddWad(e.metrics.FundingPaid.WithLabelValues(res.MarketID), j.Amount.Decimal())
		}
	}
}

// IsRejection reports whether err is a typed settlement rejection as opposed
// to an infrastructure failure (store, tracker, oracle transport).
func IsRejection(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
