// Package risk enforces the session limits. The guard is the gatekeeper:
// no entry happens without its approval, and it alone decides when the
// session must stop.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/clock"
	"paperbot/internal/paper"
	"paperbot/internal/storage"
	"paperbot/internal/types"
)

// Limits are the operator-configured session bounds. Zero values disable
// the corresponding check, except TimeLimit which is always enforced.
type Limits struct {
	TimeLimit          time.Duration
	MaxLoss            decimal.Decimal // absolute session loss that stops trading
	MaxDrawdownPercent decimal.Decimal // drawdown that pauses new entries
	CooldownAfterLoss  time.Duration   // entry pause after a losing close
}

// Stop is the guard's verdict that the session must end.
type Stop struct {
	Reason types.EndReason
	Detail string
	At     time.Time
}

// State is a read-only snapshot of the guard's session accounting.
type State struct {
	RealizedPnL       decimal.Decimal
	Trades            int
	Wins              int
	Losses            int
	ConsecutiveLosses int
	CooldownUntil     time.Time
	EntriesPaused     bool
}

// Guard tracks session health and gates every entry.
type Guard struct {
	mu     sync.Mutex
	clock  clock.Clock
	limits Limits

	startedAt time.Time
	stop      *Stop

	realized          decimal.Decimal
	trades            int
	wins              int
	losses            int
	consecutiveLosses int
	cooldownUntil     time.Time
	entriesPaused     bool
}

// NewGuard builds a guard; Start arms the time limit.
func NewGuard(clk clock.Clock, limits Limits) *Guard {
	return &Guard{
		clock:    clk,
		limits:   limits,
		realized: decimal.Zero,
	}
}

// Start marks the session begin time.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startedAt = g.clock.Now()
}

// StartedAt returns the armed session begin time.
func (g *Guard) StartedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startedAt
}

// PreTick runs the stop checks in order before any tick work. A non-nil
// result latches: every later call returns the same verdict.
func (g *Guard) PreTick(summary paper.Summary) *Stop {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stop != nil {
		return g.stop
	}
	now := g.clock.Now()

	// 1. Time limit
	if elapsed := now.Sub(g.startedAt); elapsed >= g.limits.TimeLimit {
		g.stop = &Stop{
			Reason: types.EndTimeLimit,
			Detail: fmt.Sprintf("session ran %s of allowed %s", elapsed.Round(time.Second), g.limits.TimeLimit),
			At:     now,
		}
		log.Info().Str("elapsed", elapsed.Round(time.Second).String()).
			Msg("⏱️ Time limit reached, ending session")
		return g.stop
	}

	// 2. Session loss cap on realized PnL
	if g.limits.MaxLoss.IsPositive() && g.realized.LessThanOrEqual(g.limits.MaxLoss.Neg()) {
		g.stop = &Stop{
			Reason: types.EndMaxLoss,
			Detail: fmt.Sprintf("realized PnL %s breached -%s", g.realized.StringFixed(2), g.limits.MaxLoss.StringFixed(2)),
			At:     now,
		}
		log.Warn().Str("realized_pnl", g.realized.StringFixed(2)).
			Str("max_loss", g.limits.MaxLoss.StringFixed(2)).
			Msg("🛑 Max loss limit reached, ending session")
		return g.stop
	}

	// 3. Drawdown pauses entries but keeps the session and its exits alive
	if g.limits.MaxDrawdownPercent.IsPositive() {
		paused := summary.MaxDrawdown.GreaterThanOrEqual(g.limits.MaxDrawdownPercent)
		if paused && !g.entriesPaused {
			log.Warn().Str("drawdown", summary.MaxDrawdown.StringFixed(2)).
				Str("limit", g.limits.MaxDrawdownPercent.StringFixed(2)).
				Msg("⚠️ Drawdown limit reached, pausing new entries")
		}
		g.entriesPaused = paused
	}

	return nil
}

// AllowEntry reports whether a new position may be opened right now. The
// returned reason is for logging only.
func (g *Guard) AllowEntry() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stop != nil {
		return false, "session is stopping"
	}
	if g.entriesPaused {
		return false, "entries paused by drawdown limit"
	}
	now := g.clock.Now()
	if now.Before(g.cooldownUntil) {
		return false, fmt.Sprintf("cooldown after loss active for %s", g.cooldownUntil.Sub(now).Round(time.Second))
	}
	return true, ""
}

// RecordClose folds a closed trade into the session accounting. Losing
// closes arm the post-loss cooldown.
func (g *Guard) RecordClose(trade *storage.PaperTrade) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.realized = g.realized.Add(trade.NetPnL)
	g.trades++
	if trade.NetPnL.IsPositive() {
		g.wins++
		g.consecutiveLosses = 0
	} else {
		g.losses++
		g.consecutiveLosses++
		if g.limits.CooldownAfterLoss > 0 {
			g.cooldownUntil = g.clock.Now().Add(g.limits.CooldownAfterLoss)
			log.Info().Str("until", g.cooldownUntil.Format(time.RFC3339)).
				Msg("🧊 Post-loss cooldown armed")
		}
	}
}

// Stopped returns the latched verdict, nil while the session may continue.
func (g *Guard) Stopped() *Stop {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stop
}

// ForceStop latches an externally decided end, such as a fatal storage
// error. The first verdict wins.
func (g *Guard) ForceStop(reason types.EndReason, detail string) *Stop {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop == nil {
		g.stop = &Stop{Reason: reason, Detail: detail, At: g.clock.Now()}
	}
	return g.stop
}

// Snapshot returns the session accounting for summaries and the session row.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		RealizedPnL:       g.realized,
		Trades:            g.trades,
		Wins:              g.wins,
		Losses:            g.losses,
		ConsecutiveLosses: g.consecutiveLosses,
		CooldownUntil:     g.cooldownUntil,
		EntriesPaused:     g.entriesPaused,
	}
}
