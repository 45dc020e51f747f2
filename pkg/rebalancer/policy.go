// Package rebalancer decides how collateral should move between loan
// positions. It performs no I/O.
package rebalancer

import (
	"github.com/gregtusar/ltvbot/pkg/models"
)

// Decide evaluates one snapshot of positions.
//
// With two or more positions the highest and lowest LTV positions are
// compared first; a spread at or above SpreadThreshold yields a single
// ArbitrageSwap from the lower-LTV position to the higher one and nothing
// else. Otherwise each position is checked against the LTV band on its own,
// producing one decision per position in input order.
func Decide(positions []models.LoanPosition, cfg Config) []models.Decision {
	if swap, ok := arbitrage(positions, cfg); ok {
		return []models.Decision{swap}
	}

	decisions := make([]models.Decision, 0, len(positions))
	for _, p := range positions {
		decisions = append(decisions, bandCorrection(p, cfg))
	}
	return decisions
}

func arbitrage(positions []models.LoanPosition, cfg Config) (models.ArbitrageSwap, bool) {
	if len(positions) < 2 {
		return models.ArbitrageSwap{}, false
	}

	hi, lo := 0, 0
	for i := 1; i < len(positions); i++ {
		if positions[i].CurrentLTV.GreaterThan(positions[hi].CurrentLTV) {
			hi = i
		}
		if positions[i].CurrentLTV.LessThan(positions[lo].CurrentLTV) {
			lo = i
		}
	}

	spread := positions[hi].CurrentLTV.Sub(positions[lo].CurrentLTV)
	if spread.IsZero() || spread.LessThan(cfg.SpreadThreshold) {
		return models.ArbitrageSwap{}, false
	}

	from, to := positions[lo], positions[hi]
	return models.ArbitrageSwap{
		FromPositionID: from.ID,
		ToPositionID:   to.ID,
		FromLoanAsset:  from.LoanAsset,
		ToLoanAsset:    to.LoanAsset,
		FromAsset:      from.CollateralAsset,
		ToAsset:        to.CollateralAsset,
		Amount:         cfg.AdjustPercent.Mul(from.CollateralAmount),
		Spread:         spread,
	}, true
}

func bandCorrection(p models.LoanPosition, cfg Config) models.Decision {
	amount := cfg.AdjustPercent.Mul(p.CollateralAmount)
	switch {
	case p.CurrentLTV.GreaterThan(cfg.LTVUpperBound):
		return models.AddCollateral{
			PositionID:      p.ID,
			LoanAsset:       p.LoanAsset,
			CollateralAsset: p.CollateralAsset,
			Amount:          amount,
		}
	case p.CurrentLTV.LessThan(cfg.LTVLowerBound):
		return models.ReduceCollateral{
			PositionID:      p.ID,
			LoanAsset:       p.LoanAsset,
			CollateralAsset: p.CollateralAsset,
			Amount:          amount,
		}
	default:
		return models.NoAction{PositionID: p.ID}
	}
}
