package rebalancer

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the thresholds the policy works with. LTVTarget is not used by
// Decide directly; it anchors the band and is validated against it.
type Config struct {
	LTVUpperBound   decimal.Decimal
	LTVLowerBound   decimal.Decimal
	LTVTarget       decimal.Decimal
	SpreadThreshold decimal.Decimal
	MaxSlippage     decimal.Decimal
	AdjustPercent   decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		LTVUpperBound:   decimal.RequireFromString("0.79"),
		LTVLowerBound:   decimal.RequireFromString("0.77"),
		LTVTarget:       decimal.RequireFromString("0.78"),
		SpreadThreshold: decimal.RequireFromString("0.02"),
		MaxSlippage:     decimal.RequireFromString("0.001"),
		AdjustPercent:   decimal.RequireFromString("0.02"),
	}
}

func (c Config) Validate() error {
	if !c.LTVLowerBound.LessThan(c.LTVTarget) {
		return fmt.Errorf("ltv lower bound %s must be below target %s", c.LTVLowerBound, c.LTVTarget)
	}
	if !c.LTVTarget.LessThan(c.LTVUpperBound) {
		return fmt.Errorf("ltv target %s must be below upper bound %s", c.LTVTarget, c.LTVUpperBound)
	}
	if c.LTVLowerBound.IsNegative() || c.LTVUpperBound.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ltv band [%s, %s] must lie within [0, 1]", c.LTVLowerBound, c.LTVUpperBound)
	}
	if !c.SpreadThreshold.IsPositive() {
		return fmt.Errorf("spread threshold must be > 0, got %s", c.SpreadThreshold)
	}
	if c.MaxSlippage.IsNegative() {
		return fmt.Errorf("max slippage must be >= 0, got %s", c.MaxSlippage)
	}
	if !c.AdjustPercent.IsPositive() || c.AdjustPercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("adjust percent must be in (0, 1], got %s", c.AdjustPercent)
	}
	return nil
}
