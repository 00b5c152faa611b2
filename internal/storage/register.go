package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpenRegisterRows returns the account's register rows that never received
// an exit patch, oldest first. On startup these are reconciled against the
// open positions table.
func (d *Database) OpenRegisterRows(accountID uint) ([]*TradeRegister, error) {
	var rows []*TradeRegister
	err := d.db.
		Where("account_id = ? AND exit_timestamp IS NULL", accountID).
		Order("entry_timestamp asc, id asc").
		Find(&rows).Error
	return rows, err
}

// RegisterBySession returns all register rows written during one session,
// entries ordered oldest first.
func (d *Database) RegisterBySession(sessionID string) ([]*TradeRegister, error) {
	var rows []*TradeRegister
	err := d.db.
		Where("session_id = ?", sessionID).
		Order("entry_timestamp asc, id asc").
		Find(&rows).Error
	return rows, err
}

// RegisterByAccount returns the account's full register history.
func (d *Database) RegisterByAccount(accountID uint, limit int) ([]*TradeRegister, error) {
	q := d.db.
		Where("account_id = ?", accountID).
		Order("entry_timestamp desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*TradeRegister
	err := q.Find(&rows).Error
	return rows, err
}

// ExportRegisterJSON renders register rows as a JSON array of flat objects
// for offline analysis. Durations are humanized, timestamps are RFC 3339.
func ExportRegisterJSON(rows []*TradeRegister) ([]byte, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.exportMap())
	}
	return json.MarshalIndent(out, "", "  ")
}

func (r *TradeRegister) exportMap() map[string]any {
	m := map[string]any{
		"register_id":             r.RegisterID,
		"account_id":              r.AccountID,
		"strategy_id":             r.StrategyID,
		"mode":                    string(r.Mode),
		"symbol":                  r.Symbol,
		"side":                    string(r.Side),
		"entry_timestamp":         r.EntryTimestamp.UTC().Format(time.RFC3339),
		"entry_price":             r.EntryPrice.String(),
		"size":                    r.Size.String(),
		"value_usd":               r.ValueUSD.String(),
		"leverage":                r.Leverage.String(),
		"margin_required":         r.MarginRequired.String(),
		"margin_available_before": r.MarginAvailableBefore.String(),
		"fee_entry":               r.FeeEntry.String(),
		"expected_entry_price":    r.ExpectedEntryPrice.String(),
		"actual_entry_price":      r.ActualEntryPrice.String(),
		"entry_slippage_percent":  r.EntrySlippagePercent.String(),
		"market_price_at_entry":   r.MarketPriceAtEntry.String(),
		"volume_24h_at_entry":     r.Volume24hAtEntry.String(),
		"volatility_at_entry":     r.VolatilityAtEntry.String(),
		"rsi_at_entry":            r.RSIAtEntry,
		"macd_at_entry":           r.MACDAtEntry,
		"bollinger_position":      r.BollingerPosition,
		"signal_confidence":       r.SignalConfidence.String(),
		"signal_reason":           r.SignalReason,
		"strategy_parameters":     r.StrategyParameters,
		"flags":                   r.Flags,
		"session_id":              r.SessionID,
		"bot_version":             r.BotVersion,
		"max_loss_limit":          r.MaxLossLimit.String(),
		"time_limit":              FormatDurationHMS(time.Duration(r.TimeLimitSeconds) * time.Second),
		"notes":                   r.Notes,
		"tags":                    r.Tags,
	}
	if r.StopLossPrice.Valid {
		m["stop_loss_price"] = r.StopLossPrice.Decimal.String()
	} else {
		m["stop_loss_price"] = nil
	}
	if r.TakeProfitPrice.Valid {
		m["take_profit_price"] = r.TakeProfitPrice.Decimal.String()
	} else {
		m["take_profit_price"] = nil
	}

	if r.ExitTimestamp == nil {
		m["exit_timestamp"] = nil
		m["status"] = "open"
		return m
	}
	m["status"] = "closed"
	m["exit_timestamp"] = r.ExitTimestamp.UTC().Format(time.RFC3339)
	m["exit_price"] = r.ExitPrice.String()
	m["exit_reason"] = r.ExitReason
	m["fee_exit"] = r.FeeExit.String()
	m["fee_total"] = r.FeeTotal.String()
	m["pnl_gross"] = r.PnLGross.String()
	m["pnl_net"] = r.PnLNet.String()
	m["pnl_percent"] = r.PnLPercent.String()
	m["duration"] = FormatDurationHMS(time.Duration(r.DurationSeconds) * time.Second)
	m["expected_exit_price"] = r.ExpectedExitPrice.String()
	m["actual_exit_price"] = r.ActualExitPrice.String()
	m["exit_slippage_percent"] = r.ExitSlippagePercent.String()
	if r.PaperTradeID != nil {
		m["paper_trade_id"] = *r.PaperTradeID
	}
	return m
}

// FormatDurationHMS renders a duration as "{h}h {m}m {s}s", always with
// all three fields.
func FormatDurationHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
