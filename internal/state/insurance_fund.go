package state

import fpmath "PerpSettle/internal/math"

// InsuranceCoverage splits a deficit between what the insurance pool can
// absorb and what is left uncovered. Negative pool balances cover nothing.
func InsuranceCoverage(poolBalance, deficit fpmath.Wad) (covered, remaining fpmath.Wad) {
	if deficit.Sign() <= 0 {
		return fpmath.Zero, fpmath.Zero
	}
	available := fpmath.Max(poolBalance, fpmath.Zero)
	if !available.LessThan(deficit) {
		return deficit, fpmath.Zero
	}
	return available, deficit.Sub(available)
}

// CanCoverDeficit reports whether the pool holds at least deficit.
func CanCoverDeficit(poolBalance, deficit fpmath.Wad) bool {
	_, remaining := InsuranceCoverage(poolBalance, deficit)
	return remaining.IsZero()
}
