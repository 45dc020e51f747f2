package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal
	Status        OrderStatus
	TransactTime  time.Time
}

// AvgPrice is the volume weighted fill price, zero when nothing filled.
func (o *Order) AvgPrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return o.QuoteQty.Div(o.ExecutedQty)
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	// ClientOrderID lets a submission whose outcome is unknown be looked up
	// instead of sent again.
	ClientOrderID string
}

// Unfilled reports whether the order reached a final state without any fill.
func (o *Order) Unfilled() bool {
	if o.ExecutedQty.IsPositive() {
		return false
	}
	switch o.Status {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// SwapResult describes a completed two-leg collateral conversion.
type SwapResult struct {
	FromAsset      string
	ToAsset        string
	SoldAmount     decimal.Decimal
	AcquiredAmount decimal.Decimal
	SellPrice      decimal.Decimal
	BuyPrice       decimal.Decimal
	SellFilled     bool
	BuyFilled      bool
	SellOrderID    string
	BuyOrderID     string
}
