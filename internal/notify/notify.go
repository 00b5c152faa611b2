// Package notify fans trading events out to alert sinks: terminal sound,
// text-to-speech and Telegram. Sinks are fire-and-forget; a broken sink
// never blocks or fails the trading loop.
package notify

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/types"
)

// Sink receives rendered alert lines.
type Sink interface {
	Notify(event, message string)
	Name() string
}

// Hub distributes events to all registered sinks. It satisfies the
// engine's notifier contract.
type Hub struct {
	mu    sync.Mutex
	sinks []Sink
}

// NewHub builds an empty hub. With no sinks every event is a no-op.
func NewHub(sinks ...Sink) *Hub {
	return &Hub{sinks: sinks}
}

// Add registers another sink.
func (h *Hub) Add(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

func (h *Hub) dispatch(event, message string) {
	h.mu.Lock()
	sinks := make([]Sink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.Unlock()

	for _, s := range sinks {
		go func(s Sink) {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Str("sink", s.Name()).Any("panic", r).
						Msg("⚠️ Notification sink panicked")
				}
			}()
			s.Notify(event, message)
		}(s)
	}
}

// PositionOpened announces a fresh entry.
func (h *Hub) PositionOpened(symbol string, side types.Side) {
	h.dispatch("open", fmt.Sprintf("📈 Opened %s %s", strings.ToUpper(string(side)), symbol))
}

// PositionClosedProfit announces a winning close.
func (h *Hub) PositionClosedProfit(symbol string, pnl decimal.Decimal) {
	h.dispatch("profit", fmt.Sprintf("✅ Closed %s for +%s", symbol, pnl.StringFixed(2)))
}

// PositionClosedLoss announces a losing close.
func (h *Hub) PositionClosedLoss(symbol string, pnl decimal.Decimal) {
	h.dispatch("loss", fmt.Sprintf("🔻 Closed %s for %s", symbol, pnl.StringFixed(2)))
}

// SessionStarted announces the session to every sink.
func (h *Hub) SessionStarted(sessionID, strategy string, balance decimal.Decimal) {
	h.dispatch("session", fmt.Sprintf("🚀 Session %s started, strategy %s, balance %s",
		sessionID, strategy, balance.StringFixed(2)))
}

// SessionEnded announces the final outcome.
func (h *Hub) SessionEnded(sessionID string, reason types.EndReason, pnl decimal.Decimal) {
	h.dispatch("session", fmt.Sprintf("🏁 Session %s ended (%s), realized %s",
		sessionID, reason, pnl.StringFixed(2)))
}

// SoundSink rings the terminal bell and optionally speaks through an
// external TTS command. The command receives the message as its last
// argument, e.g. "say" on macOS or "espeak" on Linux.
type SoundSink struct {
	ttsCmd string
}

// NewSoundSink builds the sink; ttsCmd may be empty for bell-only alerts.
func NewSoundSink(ttsCmd string) *SoundSink {
	return &SoundSink{ttsCmd: ttsCmd}
}

func (s *SoundSink) Name() string { return "sound" }

// Notify rings the bell for every event and speaks closes.
func (s *SoundSink) Notify(event, message string) {
	fmt.Fprint(os.Stderr, "\a")

	if s.ttsCmd == "" || (event != "profit" && event != "loss") {
		return
	}
	parts := strings.Fields(s.ttsCmd)
	args := append(parts[1:], spokenText(message))
	if err := exec.Command(parts[0], args...).Run(); err != nil {
		log.Debug().Err(err).Str("cmd", parts[0]).Msg("TTS command failed")
	}
}

// spokenText strips emoji so the TTS engine reads words only.
func spokenText(message string) string {
	var b strings.Builder
	for _, r := range message {
		if r < 0x2190 { // keep everything below arrows/symbols blocks
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
