package trader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeMarket struct {
	mu      sync.Mutex
	tickers map[string]*models.Ticker
	steps   map[string]decimal.Decimal
	orders  []models.OrderRequest
	// fail returns an error for the given side instead of filling.
	fail map[models.OrderSide]error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		tickers: map[string]*models.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", BidPrice: dec("59990"), AskPrice: dec("60010"), LastPrice: dec("60000")},
			"ETHUSDT": {Symbol: "ETHUSDT", BidPrice: dec("2999.5"), AskPrice: dec("3000.5"), LastPrice: dec("3000")},
		},
		steps: map[string]decimal.Decimal{
			"BTCUSDT": dec("0.00001"),
			"ETHUSDT": dec("0.0001"),
		},
		fail: map[models.OrderSide]error{},
	}
}

func (f *fakeMarket) GetTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, errors.New("unknown symbol " + symbol)
	}
	return t, nil
}

func (f *fakeMarket) GetQuantityStep(_ context.Context, symbol string) (decimal.Decimal, error) {
	step, ok := f.steps[symbol]
	if !ok {
		return decimal.Zero, errors.New("no lot size for " + symbol)
	}
	return step, nil
}

func (f *fakeMarket) PlaceMarketOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)

	if err := f.fail[req.Side]; err != nil {
		return nil, err
	}
	price := f.tickers[req.Symbol].LastPrice
	return &models.Order{
		OrderID:     req.Symbol + "-" + string(req.Side),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		ExecutedQty: req.Quantity,
		QuoteQty:    req.Quantity.Mul(price),
		Status:      models.OrderStatusFilled,
	}, nil
}

func TestSwapSellsThenBuys(t *testing.T) {
	market := newFakeMarket()
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	result, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))
	require.NoError(t, err)

	require.Len(t, market.orders, 2)
	assert.Equal(t, "BTCUSDT", market.orders[0].Symbol)
	assert.Equal(t, models.OrderSideSell, market.orders[0].Side)
	assert.True(t, market.orders[0].Quantity.Equal(dec("2")))
	assert.Equal(t, "ETHUSDT", market.orders[1].Symbol)
	assert.Equal(t, models.OrderSideBuy, market.orders[1].Side)
	assert.True(t, market.orders[1].Quantity.Equal(dec("40")))

	assert.Equal(t, "BTC", result.FromAsset)
	assert.Equal(t, "ETH", result.ToAsset)
	assert.True(t, result.SoldAmount.Equal(dec("2")))
	assert.True(t, result.AcquiredAmount.Equal(dec("40")))
	assert.True(t, result.SellFilled)
	assert.True(t, result.BuyFilled)
	assert.Equal(t, "BTCUSDT-SELL", result.SellOrderID)
	assert.Equal(t, "ETHUSDT-BUY", result.BuyOrderID)
}

func TestSwapRoundsSellDownToLotStep(t *testing.T) {
	market := newFakeMarket()
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	result, err := exec.Swap(context.Background(), "BTC", "ETH", dec("0.123456789"))
	require.NoError(t, err)

	assert.True(t, market.orders[0].Quantity.Equal(dec("0.12345")), "sell qty %s", market.orders[0].Quantity)
	assert.True(t, result.SoldAmount.Equal(dec("0.12345")))
	// 0.12345 * 60000 / 3000 = 2.469
	assert.True(t, result.AcquiredAmount.Equal(dec("2.469")), "acquired %s", result.AcquiredAmount)
}

func TestSwapFallsBackToDefaultPrecision(t *testing.T) {
	market := newFakeMarket()
	delete(market.steps, "BTCUSDT")
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("0.123456789"))
	require.NoError(t, err)
	assert.True(t, market.orders[0].Quantity.Equal(dec("0.123456")), "sell qty %s", market.orders[0].Quantity)
}

func TestSwapRejectsExcessiveSlippage(t *testing.T) {
	market := newFakeMarket()
	market.tickers["ETHUSDT"].AskPrice = dec("3030")
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))
	var slip *SlippageExceededError
	require.ErrorAs(t, err, &slip)
	assert.Equal(t, "BTCUSDT", slip.FromSymbol)
	assert.Equal(t, "ETHUSDT", slip.ToSymbol)
	assert.Empty(t, market.orders, "no order may be placed when slippage is exceeded")
}

func TestSwapSellFailureIsNotPartial(t *testing.T) {
	market := newFakeMarket()
	market.fail[models.OrderSideSell] = errors.New("insufficient balance")
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))
	require.Error(t, err)

	var pf *PartialSwapFailure
	assert.False(t, errors.As(err, &pf))
	assert.Len(t, market.orders, 1)
}

func TestSwapBuyFailureReportsStrandedLeg(t *testing.T) {
	market := newFakeMarket()
	buyErr := errors.New("exchange unavailable")
	market.fail[models.OrderSideBuy] = buyErr
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))

	var pf *PartialSwapFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "BTC", pf.SoldAsset)
	assert.True(t, pf.SoldAmount.Equal(dec("2")))
	assert.Equal(t, "BTCUSDT-SELL", pf.SellOrderID)
	assert.Equal(t, "USDT", pf.QuoteCurrency)
	assert.True(t, pf.Proceeds.Equal(dec("120000")))
	assert.Equal(t, "ETH", pf.TargetAsset)
	assert.ErrorIs(t, err, buyErr)
}

func TestCompleteBuyRetriesOnlyBuyLeg(t *testing.T) {
	market := newFakeMarket()
	market.fail[models.OrderSideBuy] = errors.New("exchange unavailable")
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))
	var pf *PartialSwapFailure
	require.ErrorAs(t, err, &pf)

	delete(market.fail, models.OrderSideBuy)
	result, err := exec.CompleteBuy(context.Background(), pf)
	require.NoError(t, err)

	require.Len(t, market.orders, 3)
	assert.Equal(t, models.OrderSideBuy, market.orders[2].Side)
	assert.Equal(t, "BTC", result.FromAsset)
	assert.Equal(t, "ETH", result.ToAsset)
	assert.True(t, result.SoldAmount.Equal(dec("2")))
	assert.True(t, result.AcquiredAmount.Equal(dec("40")))
}

func TestSwapSameAssetPlacesNoOrders(t *testing.T) {
	market := newFakeMarket()
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	result, err := exec.Swap(context.Background(), "ETH", "ETH", dec("1.5"))
	require.NoError(t, err)
	assert.Empty(t, market.orders)
	assert.True(t, result.AcquiredAmount.Equal(dec("1.5")))
}

func TestSwapFromQuoteCurrencyOnlyBuys(t *testing.T) {
	market := newFakeMarket()
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	result, err := exec.Swap(context.Background(), "USDT", "BTC", dec("6000"))
	require.NoError(t, err)

	require.Len(t, market.orders, 1)
	assert.Equal(t, "BTCUSDT", market.orders[0].Symbol)
	assert.Equal(t, models.OrderSideBuy, market.orders[0].Side)
	assert.True(t, market.orders[0].Quantity.Equal(dec("0.1")), "buy qty %s", market.orders[0].Quantity)

	assert.True(t, result.SoldAmount.Equal(dec("6000")))
	assert.True(t, result.SellPrice.Equal(dec("1")))
	assert.Empty(t, result.SellOrderID)
	assert.True(t, result.AcquiredAmount.Equal(dec("0.1")))
}

func TestSwapIntoQuoteCurrencyOnlySells(t *testing.T) {
	market := newFakeMarket()
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	result, err := exec.Swap(context.Background(), "BTC", "USDT", dec("1"))
	require.NoError(t, err)

	require.Len(t, market.orders, 1)
	assert.Equal(t, "BTCUSDT", market.orders[0].Symbol)
	assert.Equal(t, models.OrderSideSell, market.orders[0].Side)

	assert.Equal(t, "USDT", result.ToAsset)
	assert.True(t, result.AcquiredAmount.Equal(dec("60000")), "acquired %s", result.AcquiredAmount)
	assert.Empty(t, result.BuyOrderID)
	assert.True(t, result.BuyFilled)
}

func TestSwapOrdersCarryDistinctClientIDs(t *testing.T) {
	market := newFakeMarket()
	market.fail[models.OrderSideBuy] = errors.New("exchange unavailable")
	exec := NewSwapExecutor(market, "USDT", dec("0.001"), quietLogger())

	_, err := exec.Swap(context.Background(), "BTC", "ETH", dec("2"))
	var pf *PartialSwapFailure
	require.ErrorAs(t, err, &pf)

	delete(market.fail, models.OrderSideBuy)
	_, err = exec.CompleteBuy(context.Background(), pf)
	require.NoError(t, err)

	require.Len(t, market.orders, 3)
	seen := map[string]bool{}
	for _, o := range market.orders {
		require.NotEmpty(t, o.ClientOrderID)
		assert.LessOrEqual(t, len(o.ClientOrderID), 36)
		assert.Regexp(t, `^[.A-Za-z0-9:/_-]+$`, o.ClientOrderID)
		assert.False(t, seen[o.ClientOrderID], "duplicate client order id %s", o.ClientOrderID)
		seen[o.ClientOrderID] = true
	}
	assert.Contains(t, market.orders[0].ClientOrderID, "sell")
	assert.Contains(t, market.orders[2].ClientOrderID, "buy")
}

func TestSwapRejectsNonPositiveAmount(t *testing.T) {
	exec := NewSwapExecutor(newFakeMarket(), "USDT", dec("0.001"), quietLogger())
	_, err := exec.Swap(context.Background(), "BTC", "ETH", decimal.Zero)
	assert.Error(t, err)
}

func TestRoundTripSlippage(t *testing.T) {
	from := &models.Ticker{BidPrice: dec("99"), LastPrice: dec("100")}
	to := &models.Ticker{AskPrice: dec("10"), LastPrice: dec("10")}
	assert.True(t, roundTripSlippage(from, to).Equal(dec("0.01")))

	flat := &models.Ticker{LastPrice: dec("50")}
	assert.True(t, roundTripSlippage(flat, flat).IsZero())
}
