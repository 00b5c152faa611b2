package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/types"
)

const (
	binanceRestURL = "https://fapi.binance.com"
	binanceWsURL   = "wss://fstream.binance.com/stream"

	// Marks older than this fall back to REST.
	markFreshness = 10 * time.Second
)

// markPoint is one streamed mark price observation.
type markPoint struct {
	price   decimal.Decimal
	funding decimal.Decimal
	at      time.Time
}

// Binance reads USD-M perpetual futures data. REST covers candles, books
// and funding history; an optional mark price stream keeps tickers hot so
// exit sweeps do not burn a REST call per symbol.
type Binance struct {
	restURL    string
	wsURL      string
	httpClient *http.Client
	symbols    []string // venue notation
	stream     bool

	conn  *websocket.Conn
	marks map[string]markPoint

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// NewBinance creates the adapter for the given operator symbols
// (e.g. "BTC-USD"). With stream=true Start opens the mark price stream.
func NewBinance(symbols []string, stream bool) *Binance {
	venue := make([]string, len(symbols))
	for i, s := range symbols {
		venue[i] = VenueSymbol(s)
	}
	return &Binance{
		restURL:    binanceRestURL,
		wsURL:      binanceWsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		symbols:    venue,
		stream:     stream,
		marks:      make(map[string]markPoint),
		stopCh:     make(chan struct{}),
	}
}

// Name identifies the source in logs and session rows.
func (b *Binance) Name() string { return "binance" }

// VenueSymbol maps operator notation to the Binance futures symbol,
// e.g. "BTC-USD" -> "BTCUSDT". Bare symbols pass through uppercased.
func VenueSymbol(symbol string) string {
	base := types.SymbolBase(symbol)
	if base == symbol && !strings.HasSuffix(strings.ToUpper(symbol), "USDT") {
		return strings.ToUpper(symbol) + "USDT"
	}
	if base == symbol {
		return strings.ToUpper(symbol)
	}
	return strings.ToUpper(base) + "USDT"
}

// Start opens the mark price stream when enabled. REST-only use needs no
// Start/Stop.
func (b *Binance) Start() error {
	if !b.stream || len(b.symbols) == 0 {
		return nil
	}
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	go b.runWebSocket()
	log.Info().Strs("symbols", b.symbols).Msg("📈 Binance mark price stream started")
	return nil
}

// Stop closes the stream.
func (b *Binance) Stop() {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	conn := b.conn
	b.mu.Unlock()

	if !wasRunning {
		return
	}
	close(b.stopCh)
	if conn != nil {
		conn.Close()
	}
}

func (b *Binance) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *Binance) runWebSocket() {
	for b.isRunning() {
		if err := b.connectWebSocket(); err != nil {
			log.Error().Err(err).Msg("mark price stream connect failed")
			select {
			case <-time.After(5 * time.Second):
			case <-b.stopCh:
				return
			}
			continue
		}

		b.readMessages()

		if b.isRunning() {
			log.Warn().Msg("mark price stream disconnected, reconnecting...")
			select {
			case <-time.After(time.Second):
			case <-b.stopCh:
				return
			}
		}
	}
}

func (b *Binance) connectWebSocket() error {
	streams := make([]string, len(b.symbols))
	for i, s := range b.symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	url := fmt.Sprintf("%s?streams=%s", b.wsURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	log.Info().Str("url", url).Msg("🔌 WebSocket connected to Binance futures")
	return nil
}

func (b *Binance) readMessages() {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return
	}
	for b.isRunning() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if b.isRunning() {
				log.Error().Err(err).Msg("mark price stream read error")
			}
			return
		}
		b.handleMessage(message)
	}
}

func (b *Binance) handleMessage(data []byte) {
	var envelope struct {
		Data struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
			Funding   string `json:"r"`
			EventTime int64  `json:"E"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	if envelope.Data.EventType != "markPriceUpdate" {
		return
	}

	price, err := decimal.NewFromString(envelope.Data.MarkPrice)
	if err != nil || price.IsZero() {
		return
	}
	funding, _ := decimal.NewFromString(envelope.Data.Funding)

	b.mu.Lock()
	b.marks[envelope.Data.Symbol] = markPoint{
		price:   price,
		funding: funding,
		at:      time.UnixMilli(envelope.Data.EventTime),
	}
	b.mu.Unlock()
}

func (b *Binance) freshMark(venueSymbol string) (markPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mp, ok := b.marks[venueSymbol]
	if !ok || time.Since(mp.at) > markFreshness {
		return markPoint{}, false
	}
	return mp, true
}

func (b *Binance) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: unexpected status %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchCandles fetches klines via REST, oldest first. The newest bar may
// still be forming.
func (b *Binance) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if _, ok := types.TimeframeDuration(timeframe); !ok {
		return nil, fmt.Errorf("binance: unsupported timeframe %q", timeframe)
	}
	url := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d",
		b.restURL, VenueSymbol(symbol), timeframe, limit)

	var raw [][]any
	if err := b.getJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("klines for %s: %w", symbol, ErrNoData)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		open, err1 := parseKlineField(k[1])
		high, err2 := parseKlineField(k[2])
		low, err3 := parseKlineField(k[3])
		closePrice, err4 := parseKlineField(k[4])
		volume, err5 := parseKlineField(k[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		candles = append(candles, types.Candle{
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("klines for %s: %w", symbol, ErrNoData)
	}
	return candles, nil
}

func parseKlineField(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("binance: unexpected kline field type %T", v)
	}
	return decimal.NewFromString(s)
}

// GetTicker returns the current snapshot. A fresh streamed mark avoids the
// premium index call; bid/ask and volume are fetched best-effort and stay
// zero when their endpoints fail.
func (b *Binance) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	venue := VenueSymbol(symbol)
	ticker := &types.Ticker{Symbol: symbol, Timestamp: time.Now().UTC()}

	if mp, ok := b.freshMark(venue); ok {
		ticker.MarkPrice = mp.price
		ticker.FundingRate = mp.funding
		ticker.Timestamp = mp.at
	} else {
		var premium struct {
			MarkPrice       string `json:"markPrice"`
			LastFundingRate string `json:"lastFundingRate"`
			Time            int64  `json:"time"`
		}
		url := fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", b.restURL, venue)
		if err := b.getJSON(ctx, url, &premium); err != nil {
			return nil, fmt.Errorf("fetch ticker for %s: %w", symbol, err)
		}
		mark, err := decimal.NewFromString(premium.MarkPrice)
		if err != nil || mark.IsZero() {
			return nil, fmt.Errorf("ticker for %s: %w", symbol, ErrNoData)
		}
		ticker.MarkPrice = mark
		ticker.FundingRate, _ = decimal.NewFromString(premium.LastFundingRate)
		if premium.Time > 0 {
			ticker.Timestamp = time.UnixMilli(premium.Time).UTC()
		}
	}

	var book struct {
		Bid string `json:"bidPrice"`
		Ask string `json:"askPrice"`
	}
	bookURL := fmt.Sprintf("%s/fapi/v1/ticker/bookTicker?symbol=%s", b.restURL, venue)
	if err := b.getJSON(ctx, bookURL, &book); err == nil {
		ticker.Bid, _ = decimal.NewFromString(book.Bid)
		ticker.Ask, _ = decimal.NewFromString(book.Ask)
	}

	var day struct {
		QuoteVolume string `json:"quoteVolume"`
	}
	dayURL := fmt.Sprintf("%s/fapi/v1/ticker/24hr?symbol=%s", b.restURL, venue)
	if err := b.getJSON(ctx, dayURL, &day); err == nil {
		ticker.Volume24h, _ = decimal.NewFromString(day.QuoteVolume)
	}

	var oi struct {
		OpenInterest string `json:"openInterest"`
	}
	oiURL := fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", b.restURL, venue)
	if err := b.getJSON(ctx, oiURL, &oi); err == nil {
		ticker.OpenInterest, _ = decimal.NewFromString(oi.OpenInterest)
	}

	return ticker, nil
}

// GetFundingRates fetches the funding history, oldest first.
func (b *Binance) GetFundingRates(ctx context.Context, symbol string, limit int) ([]types.FundingRate, error) {
	url := fmt.Sprintf("%s/fapi/v1/fundingRate?symbol=%s&limit=%d",
		b.restURL, VenueSymbol(symbol), limit)

	var raw []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime int64  `json:"fundingTime"`
	}
	if err := b.getJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("fetch funding for %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("funding for %s: %w", symbol, ErrNoData)
	}

	rates := make([]types.FundingRate, 0, len(raw))
	for _, r := range raw {
		rate, err := decimal.NewFromString(r.FundingRate)
		if err != nil {
			continue
		}
		rates = append(rates, types.FundingRate{
			Symbol:    symbol,
			Rate:      rate,
			Timestamp: time.UnixMilli(r.FundingTime).UTC(),
		})
	}
	return rates, nil
}

// GetOrderBook fetches the book via REST, bids and asks best-first.
func (b *Binance) GetOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	url := fmt.Sprintf("%s/fapi/v1/depth?symbol=%s&limit=%d",
		b.restURL, VenueSymbol(symbol), depth)

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := b.getJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("fetch order book for %s: %w", symbol, err)
	}

	book := &types.OrderBook{
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Bids:      make([]types.OrderBookLevel, 0, len(raw.Bids)),
		Asks:      make([]types.OrderBookLevel, 0, len(raw.Asks)),
	}
	for _, lvl := range raw.Bids {
		if len(lvl) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		book.Bids = append(book.Bids, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	for _, lvl := range raw.Asks {
		if len(lvl) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		book.Asks = append(book.Asks, types.OrderBookLevel{Price: price, Quantity: qty})
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return nil, fmt.Errorf("order book for %s: %w", symbol, ErrNoData)
	}
	return book, nil
}
