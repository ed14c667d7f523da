package core

import (
	"errors"
	"fmt"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// calc keeps the first arithmetic error so leg math reads top to bottom.
type calc struct {
	err error
}

func (c *calc) mul(a, b fpmath.Wad) fpmath.Wad {
	if c.err != nil {
		return fpmath.Zero
	}
	r, err := fpmath.MulWad(a, b)
	c.err = err
	return r
}

func (c *calc) div(a, b fpmath.Wad) fpmath.Wad {
	if c.err != nil {
		return fpmath.Zero
	}
	r, err := fpmath.DivWad(a, b)
	c.err = err
	return r
}

func (c *calc) check() error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, c.err)
	}
	return nil
}

// shortfallMode decides who absorbs negative proceeds on a reducing leg.
type shortfallMode int

const (
	// margin absorbs; loss beyond margin fails the trade
	shortfallFail shortfallMode = iota
	// margin absorbs; the account's bank covers the rest
	shortfallBank
	// the liquidator pays the negative premium
	shortfallLiquidator
	// bank then insurance pool cover the ADL settlement amount
	shortfallInsurance
)

// side is one account's working state during a settlement.
type side struct {
	role       string
	account    uuid.UUID
	pos        state.Position
	bank       ledger.AccountKey
	margin     ledger.AccountKey
	leverage   fpmath.Wad
	reduceOnly bool

	ratioBefore fpmath.Wad
	funding     fpmath.Wad
	shortfall   fpmath.Wad // unpaid funding, ADL maker only
	realized    fpmath.Wad
	proceeds    fpmath.Wad
	fee         fpmath.Wad
	gas         fpmath.Wad
	opened      bool // the leg opened or increased exposure
}

func newSide(role string, pos state.Position) *side {
	return &side{
		role:    role,
		account: pos.Account,
		pos:     pos,
		bank:    ledger.BankKey(pos.Account),
		margin:  ledger.MarginKey(pos.Account, pos.MarketID),
	}
}

func (s *side) syncMargin(ws *ledger.Workspace) {
	s.pos.Margin = ws.Balance(s.margin)
}

// accrue brings the position current with the funding index. Payments go to
// the market funding pool; receipts come from it.
func (s *side) accrue(ws *ledger.Workspace, index fpmath.Wad, allowShortfall bool) error {
	fundingPool := ledger.FundingPoolKey(s.pos.MarketID)

	out, err := state.AccrueFunding(s.pos, ws.Balance(s.bank), index)
	if err != nil && !(allowShortfall && errors.Is(err, state.ErrFundingExceedsCollateral)) {
		if errors.Is(err, state.ErrFundingExceedsCollateral) {
			return fmt.Errorf("%w: %s owes %s", ErrFundingExceedsCollateral, s.role, out.Shortfall)
		}
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}

	if out.Payment.Sign() < 0 {
		ws.Transfer(fundingPool, s.margin, out.Payment.Abs(), ledger.JournalTypeFundingReceipt)
	}
	ws.Transfer(s.margin, fundingPool, out.FromMargin, ledger.JournalTypeFundingPayment)
	ws.Transfer(s.bank, fundingPool, out.FromBank, ledger.JournalTypeFundingPayment)

	s.pos.LastFundingIndex = out.Position.LastFundingIndex
	s.syncMargin(ws)
	s.funding = out.Payment
	s.shortfall = out.Shortfall
	return nil
}

// legRouting carries the kind-specific destinations of a reducing leg.
type legRouting struct {
	mode           shortfallMode
	liquidatorBank ledger.AccountKey
	insuranceRatio fpmath.Wad
	// filled by the router
	insurancePremium  fpmath.Wad
	liquidatorPremium fpmath.Wad
	insuranceCover    fpmath.Wad
}

// applyFill applies a signed quantity at price to the side. A fill against
// the position's sign first reduces or closes it; any residual opens the
// opposite side exactly as a separate open would.
func (s *side) applyFill(ws *ledger.Workspace, delta, price fpmath.Wad, route *legRouting) error {
	mroBefore := s.pos.MarginRatioOpen
	remaining := delta

	if !s.pos.IsFlat() && s.pos.Quantity.Sign() != delta.Sign() {
		closeQty := fpmath.Min(delta.Abs(), s.pos.Quantity.Abs())
		if err := s.reduce(ws, closeQty, price, route); err != nil {
			return err
		}
		if delta.Sign() > 0 {
			remaining = delta.Sub(closeQty)
		} else {
			remaining = delta.Add(closeQty)
		}
	}

	if !remaining.IsZero() {
		if err := s.open(ws, remaining, price); err != nil {
			return err
		}
		s.opened = true
	}

	return s.remargin(ws, mroBefore)
}

// reduce closes closeQty of the position at price.
func (s *side) reduce(ws *ledger.Workspace, closeQty, price fpmath.Wad, route *legRouting) error {
	clearing := ledger.PnLClearingKey(s.pos.MarketID)

	pnl, err := fpmath.ComputeRealizedPnL(s.pos.SideSign(), price, s.pos.AvgEntryPrice, closeQty)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	// proportional margin release, truncated toward zero
	released, err := fpmath.Scale(s.pos.Margin, closeQty, s.pos.Quantity.Abs())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	proceeds := released.Add(pnl)

	ws.Transfer(clearing, s.margin, pnl, ledger.JournalTypeRealizedPnL)
	s.realized = s.realized.Add(pnl)
	s.proceeds = s.proceeds.Add(proceeds)

	if s.pos.Quantity.Sign() > 0 {
		s.pos.Quantity = s.pos.Quantity.Sub(closeQty)
	} else {
		s.pos.Quantity = s.pos.Quantity.Add(closeQty)
	}

	if err := s.routeProceeds(ws, proceeds, route); err != nil {
		return err
	}
	s.syncMargin(ws)

	if s.pos.IsFlat() {
		// dust left by truncation goes back to the bank with the close
		ws.Transfer(s.margin, s.bank, ws.Balance(s.margin), ledger.JournalTypeMarginRelease)
		s.pos.Reset()
		s.syncMargin(ws)
	}
	return nil
}

func (s *side) routeProceeds(ws *ledger.Workspace, proceeds fpmath.Wad, route *legRouting) error {
	switch route.mode {
	case shortfallLiquidator:
		if proceeds.Sign() > 0 {
			insurance, err := fpmath.MulWad(proceeds, route.insuranceRatio)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrArithmetic, err)
			}
			ws.Transfer(s.margin, ledger.InsurancePoolKey, insurance, ledger.JournalTypeInsurancePremium)
			ws.Transfer(s.margin, route.liquidatorBank, proceeds.Sub(insurance), ledger.JournalTypeLiquidationPremium)
			route.insurancePremium = route.insurancePremium.Add(insurance)
			route.liquidatorPremium = route.liquidatorPremium.Add(proceeds.Sub(insurance))
		} else {
			ws.Transfer(route.liquidatorBank, s.margin, proceeds.Abs(), ledger.JournalTypeLiquidationPremium)
			route.liquidatorPremium = route.liquidatorPremium.Add(proceeds)
		}
		return nil

	case shortfallInsurance:
		if proceeds.Sign() >= 0 {
			ws.Transfer(s.margin, s.bank, proceeds, ledger.JournalTypeADLSettlement)
			return nil
		}
		return s.coverFromBankThenInsurance(ws, proceeds.Abs(), s.margin, route)
	}

	if proceeds.Sign() >= 0 {
		ws.Transfer(s.margin, s.bank, proceeds, ledger.JournalTypeMarginRelease)
		return nil
	}

	// negative proceeds stay in margin; beyond margin the mode decides
	deficit := ws.Balance(s.margin).Neg()
	if deficit.Sign() <= 0 {
		return nil
	}
	if route.mode == shortfallFail {
		return fmt.Errorf("%w: %s short by %s", ErrLossExceedsMargin, s.role, deficit)
	}
	if ws.Balance(s.bank).LessThan(deficit) {
		return fmt.Errorf("%w: %s short by %s", ErrInsufficientCollateral, s.role, deficit)
	}
	ws.Transfer(s.bank, s.margin, deficit, ledger.JournalTypeMarginLock)
	return nil
}

// coverFromBankThenInsurance moves amount into dest, drawing on the side's
// bank first and the insurance pool for the rest.
func (s *side) coverFromBankThenInsurance(ws *ledger.Workspace, amount fpmath.Wad, dest ledger.AccountKey, route *legRouting) error {
	fromBank := fpmath.Min(amount, fpmath.Max(ws.Balance(s.bank), fpmath.Zero))
	ws.Transfer(s.bank, dest, fromBank, ledger.JournalTypeADLSettlement)

	rest := amount.Sub(fromBank)
	if rest.Sign() <= 0 {
		return nil
	}
	covered, uncovered := state.InsuranceCoverage(ws.Balance(ledger.InsurancePoolKey), rest)
	if !uncovered.IsZero() {
		return fmt.Errorf("%w: %s deficit %s exceeds insurance pool by %s", ErrInsufficientCollateral, s.role, rest, uncovered)
	}
	ws.Transfer(ledger.InsurancePoolKey, dest, covered, ledger.JournalTypeInsuranceCover)
	route.insuranceCover = route.insuranceCover.Add(covered)
	return nil
}

// open adds signed qty at price, locking margin from the bank. Without an
// explicit leverage the position keeps its ratio. A flat position has none,
// so opening from flat (including a flip residual) needs a leverage.
func (s *side) open(ws *ledger.Workspace, qty, price fpmath.Wad) error {
	c := &calc{}
	notional := c.mul(qty.Abs(), price)

	mro := s.pos.MarginRatioOpen

	var marginDelta fpmath.Wad
	switch {
	case !s.leverage.IsZero():
		marginDelta = c.div(notional, s.leverage)
		mro = c.div(fpmath.One, s.leverage)
	case mro.Sign() > 0:
		marginDelta = c.mul(notional, mro)
	default:
		return fmt.Errorf("%w: %s opens without a leverage", ErrInvalidLeverage, s.role)
	}

	if err := c.check(); err != nil {
		return err
	}
	entry, err := fpmath.ComputeAvgEntryPrice(s.pos.Quantity, s.pos.AvgEntryPrice, qty, price)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}

	s.pos.Quantity = s.pos.Quantity.Add(qty)
	s.pos.AvgEntryPrice = entry
	s.pos.MarginRatioOpen = mro
	ws.Transfer(s.bank, s.margin, marginDelta, ledger.JournalTypeMarginLock)
	s.syncMargin(ws)
	return nil
}

// remargin rebalances an open position to the leg's leverage when it differs
// from the leverage the position had before the leg.
func (s *side) remargin(ws *ledger.Workspace, mroBefore fpmath.Wad) error {
	if s.pos.IsFlat() || s.leverage.IsZero() {
		return nil
	}
	c := &calc{}
	mro := c.div(fpmath.One, s.leverage)
	if err := c.check(); err != nil {
		return err
	}
	if mro.Equal(mroBefore) {
		return nil
	}

	oi, err := s.pos.OpenNotional()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	target := c.div(oi, s.leverage)
	if err := c.check(); err != nil {
		return err
	}

	diff := target.Sub(ws.Balance(s.margin))
	if diff.Sign() > 0 {
		ws.Transfer(s.bank, s.margin, diff, ledger.JournalTypeMarginLock)
	} else {
		ws.Transfer(s.margin, s.bank, diff.Abs(), ledger.JournalTypeMarginRelease)
	}
	s.pos.MarginRatioOpen = mro
	s.syncMargin(ws)
	return nil
}

func (s *side) legResult(ws *ledger.Workspace, mark fpmath.Wad) LegResult {
	ratio, err := state.MarginRatio(&s.pos, mark)
	if err != nil {
		ratio = fpmath.Zero
	}
	return LegResult{
		Account:        s.account,
		Position:       s.pos,
		BankBalance:    ws.Balance(s.bank),
		RealizedPnL:    s.realized,
		Fee:            s.fee,
		GasCharge:      s.gas,
		FundingPayment: s.funding,
		MarginRatio:    ratio,
	}
}
