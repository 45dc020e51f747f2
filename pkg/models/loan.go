package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanPosition is a point-in-time view of one flexible loan. CurrentLTV is
// reported by the exchange and is never recomputed locally.
type LoanPosition struct {
	ID               string          `json:"id"`
	LoanAsset        string          `json:"loan_asset"`
	BorrowedAmount   decimal.Decimal `json:"borrowed_amount"`
	CollateralAsset  string          `json:"collateral_asset"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	CurrentLTV       decimal.Decimal `json:"current_ltv"`
	Timestamp        time.Time       `json:"timestamp"`
	Status           string          `json:"status"`
}

type AdjustDirection string

const (
	AdjustAdd    AdjustDirection = "ADD"
	AdjustReduce AdjustDirection = "REDUCE"
)

type AdjustmentRequest struct {
	PositionID      string
	LoanAsset       string
	CollateralAsset string
	Direction       AdjustDirection
	Amount          decimal.Decimal
}

type Adjustment struct {
	PositionID      string
	LoanAsset       string
	CollateralAsset string
	Direction       AdjustDirection
	Amount          decimal.Decimal
	CurrentLTV      decimal.Decimal
	Status          string
}
