package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type DecisionKind string

const (
	DecisionNoAction         DecisionKind = "no_action"
	DecisionAddCollateral    DecisionKind = "add_collateral"
	DecisionReduceCollateral DecisionKind = "reduce_collateral"
	DecisionArbitrageSwap    DecisionKind = "arbitrage_swap"
)

// Decision is one of NoAction, AddCollateral, ReduceCollateral or ArbitrageSwap.
type Decision interface {
	Kind() DecisionKind
	String() string
}

type NoAction struct {
	PositionID string
}

func (NoAction) Kind() DecisionKind { return DecisionNoAction }

func (d NoAction) String() string {
	return fmt.Sprintf("no action for %s", d.PositionID)
}

type AddCollateral struct {
	PositionID      string
	LoanAsset       string
	CollateralAsset string
	Amount          decimal.Decimal
}

func (AddCollateral) Kind() DecisionKind { return DecisionAddCollateral }

func (d AddCollateral) String() string {
	return fmt.Sprintf("add %s %s to %s", d.Amount, d.CollateralAsset, d.PositionID)
}

func (d AddCollateral) Request() AdjustmentRequest {
	return AdjustmentRequest{
		PositionID:      d.PositionID,
		LoanAsset:       d.LoanAsset,
		CollateralAsset: d.CollateralAsset,
		Direction:       AdjustAdd,
		Amount:          d.Amount,
	}
}

type ReduceCollateral struct {
	PositionID      string
	LoanAsset       string
	CollateralAsset string
	Amount          decimal.Decimal
}

func (ReduceCollateral) Kind() DecisionKind { return DecisionReduceCollateral }

func (d ReduceCollateral) String() string {
	return fmt.Sprintf("reduce %s %s from %s", d.Amount, d.CollateralAsset, d.PositionID)
}

func (d ReduceCollateral) Request() AdjustmentRequest {
	return AdjustmentRequest{
		PositionID:      d.PositionID,
		LoanAsset:       d.LoanAsset,
		CollateralAsset: d.CollateralAsset,
		Direction:       AdjustReduce,
		Amount:          d.Amount,
	}
}

// ArbitrageSwap moves Amount of FromAsset collateral out of the lower-LTV
// position, converts it to ToAsset and pledges the proceeds to the higher-LTV
// position.
type ArbitrageSwap struct {
	FromPositionID string
	ToPositionID   string
	FromLoanAsset  string
	ToLoanAsset    string
	FromAsset      string
	ToAsset        string
	Amount         decimal.Decimal
	Spread         decimal.Decimal
}

func (ArbitrageSwap) Kind() DecisionKind { return DecisionArbitrageSwap }

func (d ArbitrageSwap) String() string {
	return fmt.Sprintf("swap %s %s from %s into %s for %s (spread %s)",
		d.Amount, d.FromAsset, d.FromPositionID, d.ToAsset, d.ToPositionID, d.Spread)
}
