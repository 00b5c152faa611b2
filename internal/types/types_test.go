package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSide(t *testing.T) {
	assert.True(t, SideLong.Valid())
	assert.True(t, SideShort.Valid())
	assert.False(t, Side("flat").Valid())
	assert.False(t, Side("").Valid())

	assert.True(t, SideLong.Direction().Equal(dec("1")))
	assert.True(t, SideShort.Direction().Equal(dec("-1")))

	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.True(t, OrderFilled.Terminal())
	assert.True(t, OrderCancelled.Terminal())
	assert.True(t, OrderRejected.Terminal())
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderPartiallyFilled.Terminal())
}

func TestOrderBookVolumes(t *testing.T) {
	book := OrderBook{
		Symbol: "BTC-USD",
		Bids: []OrderBookLevel{
			{Price: dec("100"), Quantity: dec("2")},
			{Price: dec("99"), Quantity: dec("1")},
		},
		Asks: []OrderBookLevel{
			{Price: dec("101"), Quantity: dec("1")},
		},
	}

	assert.True(t, book.BidVolume().Equal(dec("3")))
	assert.True(t, book.AskVolume().Equal(dec("1")))
	// (3-1)/(3+1)
	assert.True(t, book.Imbalance().Equal(dec("0.5")), "got %s", book.Imbalance())
}

func TestOrderBookImbalanceEmptyBook(t *testing.T) {
	var book OrderBook
	assert.True(t, book.Imbalance().IsZero())
}

func TestTimeframeDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"30m": 30 * time.Minute,
		"1h":  time.Hour,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for tf, want := range cases {
		got, ok := TimeframeDuration(tf)
		assert.True(t, ok, tf)
		assert.Equal(t, want, got, tf)
	}

	_, ok := TimeframeDuration("3m")
	assert.False(t, ok)
}

func TestSymbolBase(t *testing.T) {
	assert.Equal(t, "BTC", SymbolBase("BTC-USD"))
	assert.Equal(t, "ETH", SymbolBase("ETH/USDT"))
	assert.Equal(t, "SOL", SymbolBase("SOL-USDT"))
	assert.Equal(t, "BTCUSDT", SymbolBase("BTCUSDT"), "no separator returns unchanged")
	assert.Equal(t, "", SymbolBase(""))
}
