package trader

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultQuantityPrecision is used when the exchange does not report a lot
// step for a symbol.
const DefaultQuantityPrecision int32 = 6

// Market is the slice of the exchange gateway the swap executor needs.
type Market interface {
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.Order, error)
	GetQuantityStep(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SwapExecutor converts one collateral asset into another through the quote
// currency with two market orders, SELL first and BUY second.
type SwapExecutor struct {
	market      Market
	quote       string
	maxSlippage decimal.Decimal
	logger      *logrus.Logger
}

func NewSwapExecutor(market Market, quote string, maxSlippage decimal.Decimal, logger *logrus.Logger) *SwapExecutor {
	if quote == "" {
		quote = "USDT"
	}
	return &SwapExecutor{
		market:      market,
		quote:       quote,
		maxSlippage: maxSlippage,
		logger:      logger,
	}
}

// leg is one side of a swap. A leg in the quote currency itself has no
// symbol, trades at 1 and places no order.
type leg struct {
	asset  string
	symbol string
	ticker *models.Ticker
	step   decimal.Decimal
	cash   bool
}

// quotePrecision bounds amounts of the quote currency.
const quotePrecision int32 = 8

// clientOrderID names one order submission. Binance accepts up to 36
// characters from [.A-Za-z0-9:/_-].
func clientOrderID(side models.OrderSide) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ltv-" + id[:24] + "-" + strings.ToLower(string(side))
}

type fill struct {
	qty      decimal.Decimal
	proceeds decimal.Decimal
	price    decimal.Decimal
	orderID  string
}

func (s *SwapExecutor) Swap(ctx context.Context, from, to string, amount decimal.Decimal) (*models.SwapResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("swap amount must be positive, got %s", amount)
	}
	if from == to {
		return &models.SwapResult{
			FromAsset:      from,
			ToAsset:        to,
			SoldAmount:     amount,
			AcquiredAmount: amount,
			SellFilled:     true,
			BuyFilled:      true,
		}, nil
	}

	sell, err := s.quoteLeg(ctx, from)
	if err != nil {
		return nil, err
	}
	buy, err := s.quoteLeg(ctx, to)
	if err != nil {
		return nil, err
	}

	slippage := roundTripSlippage(sell.ticker, buy.ticker)
	if slippage.GreaterThan(s.maxSlippage) {
		return nil, &SlippageExceededError{
			FromSymbol: sell.symbol,
			ToSymbol:   buy.symbol,
			Slippage:   slippage,
			Max:        s.maxSlippage,
		}
	}

	sellQty := roundDown(amount, sell.step)
	if !sellQty.IsPositive() {
		return nil, fmt.Errorf("swap amount %s %s is below the minimum tradable step %s", amount, from, sell.step)
	}
	proceeds := sellQty.Mul(sell.ticker.LastPrice)
	expected := roundDown(proceeds.Div(buy.ticker.LastPrice), buy.step)

	log := s.logger.WithFields(logrus.Fields{
		"from":              from,
		"to":                to,
		"sell_qty":          sellQty.String(),
		"expected_proceeds": proceeds.String(),
		"expected_acquired": expected.String(),
		"slippage":          slippage.StringFixed(6),
	})
	log.Info("Executing collateral swap")

	sold, err := s.sell(ctx, sell, sellQty)
	if err != nil {
		return nil, err
	}
	proceeds = sold.proceeds

	partial := func(err error) *PartialSwapFailure {
		return &PartialSwapFailure{
			SoldAsset:     from,
			SoldAmount:    sold.qty,
			SellOrderID:   sold.orderID,
			SellPrice:     sold.price,
			QuoteCurrency: s.quote,
			Proceeds:      proceeds,
			TargetAsset:   to,
			Err:           err,
		}
	}

	buyQty := roundDown(proceeds.Div(buy.ticker.LastPrice), buy.step)
	if !buyQty.IsPositive() {
		return nil, partial(fmt.Errorf("proceeds %s %s buy less than one step of %s", proceeds, s.quote, buy.symbol))
	}

	result, err := s.buy(ctx, buy, buyQty)
	if err != nil {
		log.WithError(err).Error("Buy leg failed after sell leg filled")
		return nil, partial(err)
	}

	result.FromAsset = from
	result.SoldAmount = sold.qty
	result.SellPrice = sold.price
	result.SellFilled = true
	result.SellOrderID = sold.orderID

	log.WithField("acquired", result.AcquiredAmount.String()).Info("Collateral swap completed")
	return result, nil
}

// CompleteBuy retries only the BUY leg of a swap whose SELL leg already
// filled, spending the stranded proceeds.
func (s *SwapExecutor) CompleteBuy(ctx context.Context, pf *PartialSwapFailure) (*models.SwapResult, error) {
	buy, err := s.quoteLeg(ctx, pf.TargetAsset)
	if err != nil {
		return nil, err
	}

	buyQty := roundDown(pf.Proceeds.Div(buy.ticker.LastPrice), buy.step)
	if !buyQty.IsPositive() {
		return nil, fmt.Errorf("proceeds %s %s buy less than one step of %s", pf.Proceeds, pf.QuoteCurrency, buy.symbol)
	}

	result, err := s.buy(ctx, buy, buyQty)
	if err != nil {
		return nil, err
	}

	result.FromAsset = pf.SoldAsset
	result.SoldAmount = pf.SoldAmount
	result.SellPrice = pf.SellPrice
	result.SellFilled = true
	result.SellOrderID = pf.SellOrderID
	return result, nil
}

func (s *SwapExecutor) sell(ctx context.Context, sell leg, qty decimal.Decimal) (fill, error) {
	if sell.cash {
		return fill{qty: qty, proceeds: qty, price: decimal.NewFromInt(1)}, nil
	}

	order, err := s.market.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:        sell.symbol,
		Side:          models.OrderSideSell,
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: clientOrderID(models.OrderSideSell),
	})
	if err != nil {
		return fill{}, fmt.Errorf("sell %s %s: %w", qty, sell.symbol, err)
	}

	f := fill{qty: qty, orderID: order.OrderID}
	if order.ExecutedQty.IsPositive() {
		f.qty = order.ExecutedQty
	}
	if order.QuoteQty.IsPositive() {
		f.proceeds = order.QuoteQty
	} else {
		f.proceeds = f.qty.Mul(sell.ticker.LastPrice)
	}
	f.price = order.AvgPrice()
	if f.price.IsZero() {
		f.price = sell.ticker.LastPrice
	}
	return f, nil
}

func (s *SwapExecutor) buy(ctx context.Context, buy leg, qty decimal.Decimal) (*models.SwapResult, error) {
	if buy.cash {
		return &models.SwapResult{
			ToAsset:        buy.asset,
			AcquiredAmount: qty,
			BuyPrice:       decimal.NewFromInt(1),
			BuyFilled:      true,
		}, nil
	}

	order, err := s.market.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:        buy.symbol,
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: clientOrderID(models.OrderSideBuy),
	})
	if err != nil {
		return nil, fmt.Errorf("buy %s %s: %w", qty, buy.symbol, err)
	}

	acquired := qty
	if order.ExecutedQty.IsPositive() {
		acquired = order.ExecutedQty
	}
	price := order.AvgPrice()
	if price.IsZero() {
		price = buy.ticker.LastPrice
	}

	return &models.SwapResult{
		ToAsset:        buy.asset,
		AcquiredAmount: roundDown(acquired, buy.step),
		BuyPrice:       price,
		BuyFilled:      true,
		BuyOrderID:     order.OrderID,
	}, nil
}

func (s *SwapExecutor) quoteLeg(ctx context.Context, asset string) (leg, error) {
	if asset == s.quote {
		one := decimal.NewFromInt(1)
		return leg{
			asset:  asset,
			ticker: &models.Ticker{Symbol: asset, BidPrice: one, AskPrice: one, LastPrice: one},
			step:   decimal.New(1, -quotePrecision),
			cash:   true,
		}, nil
	}

	symbol := models.Symbol(asset, s.quote)

	ticker, err := s.market.GetTicker(ctx, symbol)
	if err != nil {
		return leg{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if !ticker.LastPrice.IsPositive() {
		return leg{}, fmt.Errorf("quote %s: no last price", symbol)
	}

	step, err := s.market.GetQuantityStep(ctx, symbol)
	if err != nil || !step.IsPositive() {
		s.logger.WithError(err).WithField("symbol", symbol).
			Warn("No lot step available, using default precision")
		step = decimal.New(1, -DefaultQuantityPrecision)
	}

	return leg{asset: asset, symbol: symbol, ticker: ticker, step: step}, nil
}

// roundTripSlippage is the fraction lost by selling at the source bid and
// buying at the target ask instead of both last prices.
func roundTripSlippage(from, to *models.Ticker) decimal.Decimal {
	bid := from.BidPrice
	if !bid.IsPositive() {
		bid = from.LastPrice
	}
	ask := to.AskPrice
	if !ask.IsPositive() {
		ask = to.LastPrice
	}
	retained := bid.Div(from.LastPrice).Mul(to.LastPrice.Div(ask))
	return decimal.NewFromInt(1).Sub(retained)
}

func roundDown(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty.RoundDown(DefaultQuantityPrecision)
	}
	return qty.Div(step).Floor().Mul(step)
}
