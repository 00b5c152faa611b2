// Package sentiment polls the crypto Fear & Greed index and caches the
// latest reading for strategies. Readings are market-wide, not tied to
// one instrument, and each fetch is also recorded to the store so later
// sessions can replay the mood around an entry.
package sentiment

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/storage"
)

// SymbolMarket keys market-wide readings in the sentiment store.
const SymbolMarket = "MARKET"

const defaultURL = "https://api.alternative.me/fng/"

// A reading older than this no longer describes the current market.
const maxAge = 24 * time.Hour

var fifty = decimal.NewFromInt(50)

// Reading is one sentiment observation on a -1 (extreme fear) to
// +1 (extreme greed) scale.
type Reading struct {
	Score decimal.Decimal
	Label string
	At    time.Time
}

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
	} `json:"data"`
}

// Poller fetches the index on an interval and caches the latest reading.
type Poller struct {
	httpClient *http.Client
	url        string
	db         *storage.Database
	interval   time.Duration

	mu      sync.RWMutex
	current Reading
	fetched bool

	stopCh chan struct{}
}

// NewPoller creates a poller. db may be nil to skip recording.
func NewPoller(db *storage.Database, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        defaultURL,
		db:         db,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start fetches once and then polls in the background.
func (p *Poller) Start() {
	p.fetch()

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.fetch()
			case <-p.stopCh:
				return
			}
		}
	}()

	log.Info().Dur("interval", p.interval).Msg("🧭 Sentiment poller started")
}

// Stop ends the polling goroutine.
func (p *Poller) Stop() {
	close(p.stopCh)
}

// fetch pulls the index once. Failures keep the previous reading.
func (p *Poller) fetch() {
	resp, err := p.httpClient.Get(p.url)
	if err != nil {
		log.Debug().Err(err).Msg("Sentiment fetch failed")
		return
	}
	defer resp.Body.Close()

	var data fngResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Debug().Err(err).Msg("Sentiment parse failed")
		return
	}
	if len(data.Data) == 0 {
		return
	}

	raw, err := strconv.Atoi(data.Data[0].Value)
	if err != nil {
		log.Debug().Str("value", data.Data[0].Value).Msg("Sentiment value not numeric")
		return
	}

	reading := Reading{
		Score: NormalizeIndex(raw),
		Label: data.Data[0].Classification,
		At:    time.Now(),
	}

	p.mu.Lock()
	changed := !p.fetched || !p.current.Score.Equal(reading.Score)
	p.current = reading
	p.fetched = true
	p.mu.Unlock()

	if changed {
		log.Debug().
			Str("score", reading.Score.StringFixed(2)).
			Str("label", reading.Label).
			Msg("🧭 Sentiment update")
	}

	if p.db != nil {
		row := &storage.SentimentScore{
			Symbol:    SymbolMarket,
			Timestamp: reading.At,
			Score:     reading.Score,
			Source:    "fear_greed",
			Summary:   reading.Label,
		}
		if err := p.db.SaveSentiment(row); err != nil {
			log.Warn().Err(err).Msg("⚠️ Sentiment record failed")
		}
	}
}

// Latest returns the cached reading. ok is false before the first
// successful fetch and once the reading has gone stale.
func (p *Poller) Latest() (Reading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.fetched || time.Since(p.current.At) > maxAge {
		return Reading{}, false
	}
	return p.current, true
}

// NormalizeIndex maps the 0..100 index onto the -1..+1 score scale,
// 50 reading as neutral.
func NormalizeIndex(value int) decimal.Decimal {
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	return decimal.NewFromInt(int64(value)).Sub(fifty).Div(fifty)
}
