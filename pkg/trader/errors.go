package trader

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrAuthHalted is returned by Monitor.Run once authentication has failed for
// too many consecutive cycles.
var ErrAuthHalted = errors.New("halted after repeated authentication failures")

// SlippageExceededError aborts a swap before either leg is submitted.
type SlippageExceededError struct {
	FromSymbol string
	ToSymbol   string
	Slippage   decimal.Decimal
	Max        decimal.Decimal
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("round-trip slippage %s for %s -> %s exceeds max %s",
		e.Slippage.StringFixed(6), e.FromSymbol, e.ToSymbol, e.Max)
}

// PartialSwapFailure means the SELL leg filled but the BUY leg did not. The
// sold asset has been converted to Proceeds of the quote currency and still
// has to be bought into TargetAsset.
type PartialSwapFailure struct {
	SoldAsset     string
	SoldAmount    decimal.Decimal
	SellOrderID   string
	SellPrice     decimal.Decimal
	QuoteCurrency string
	Proceeds      decimal.Decimal
	TargetAsset   string
	Err           error
}

func (e *PartialSwapFailure) Error() string {
	return fmt.Sprintf("partial swap: sold %s %s (order %s) for %s %s but buying %s failed: %v",
		e.SoldAmount, e.SoldAsset, e.SellOrderID, e.Proceeds, e.QuoteCurrency, e.TargetAsset, e.Err)
}

func (e *PartialSwapFailure) Unwrap() error {
	return e.Err
}
