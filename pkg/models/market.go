package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ticker struct {
	Symbol    string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	LastPrice decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// Symbol joins a base asset with the quote currency, e.g. BTC + USDT = BTCUSDT.
func Symbol(base, quote string) string {
	return base + quote
}
