// Register Export - dumps the trade register for offline analysis.
//
// The register is the audit trail the bot writes alongside every entry
// and exit. This tool prints it as a table or exports it as JSON, read
// only: a typoed account name fails instead of creating an account.
//
// Usage:
//
//	register-export -account sim_main              recent rows as a table
//	register-export -account sim_main -open        rows still missing an exit
//	register-export -session <session-id>          one session's rows
//	register-export -account sim_main -json out.json
//	register-export -account sim_main -json -      raw JSON to stdout
//
// DATABASE_URL selects the store (sqlite path or postgres DSN), the same
// variable the bot uses.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/storage"
	"paperbot/internal/types"
)

func main() {
	account := flag.String("account", "", "paper account name")
	session := flag.String("session", "", "session id (overrides -account)")
	openOnly := flag.Bool("open", false, "only rows without an exit patch")
	limit := flag.Int("limit", 50, "max rows for -account (0 = all)")
	jsonPath := flag.String("json", "", "write JSON export to this path, - for stdout")
	flag.Parse()

	// Table output owns stdout; keep store logs quiet on stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	_ = godotenv.Load()

	if *account == "" && *session == "" {
		fmt.Fprintln(os.Stderr, "Error: -account or -session is required")
		flag.Usage()
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_PATH")
	}
	if dsn == "" {
		dsn = "data/paperbot.db"
	}

	db, err := storage.New(dsn)
	if err != nil {
		fail("opening store", err)
	}
	defer db.Close()

	rows, title, err := loadRows(db, *account, *session, *openOnly, *limit)
	if err != nil {
		fail("loading register", err)
	}

	if *jsonPath == "-" {
		data, err := storage.ExportRegisterJSON(rows)
		if err != nil {
			fail("rendering JSON", err)
		}
		fmt.Println(string(data))
		return
	}

	printTable(rows, title)

	if *jsonPath != "" {
		data, err := storage.ExportRegisterJSON(rows)
		if err != nil {
			fail("rendering JSON", err)
		}
		if err := os.WriteFile(*jsonPath, data, 0o644); err != nil {
			fail("writing JSON", err)
		}
		fmt.Printf("\n📝 Wrote %d rows to %s\n", len(rows), *jsonPath)
	}
}

func loadRows(db *storage.Database, account, session string, openOnly bool, limit int) ([]*storage.TradeRegister, string, error) {
	if session != "" {
		rows, err := db.RegisterBySession(session)
		return rows, "session " + session, err
	}

	acc, err := db.AccountByName(account)
	if err != nil {
		return nil, "", fmt.Errorf("account %q: %w", account, err)
	}
	if openOnly {
		rows, err := db.OpenRegisterRows(acc.ID)
		return rows, "open rows for " + account, err
	}
	rows, err := db.RegisterByAccount(acc.ID, limit)
	return rows, "account " + account, err
}

func printTable(rows []*storage.TradeRegister, title string) {
	fmt.Printf("📊 TRADE REGISTER - %s - %d rows\n\n", title, len(rows))
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ SYMBOL       │ SIDE  │ ENTRY      │ EXIT       │ NET       │ PNL%    │ NOTES")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	var totalNet decimal.Decimal
	wins, losses, open := 0, 0, 0

	for _, r := range rows {
		exit, net, pct := "-", "-", "-"
		notes := "⏳ OPEN"
		if r.ExitTimestamp == nil {
			open++
		} else {
			exit = r.ExitPrice.StringFixed(2)
			net = r.PnLNet.StringFixed(2)
			pct = r.PnLPercent.StringFixed(2)
			totalNet = totalNet.Add(r.PnLNet)
			if r.PnLNet.IsPositive() {
				wins++
				notes = "✅ WIN"
			} else {
				losses++
				notes = "❌ LOSS"
			}
			if tag := reasonTag(types.ExitReason(r.ExitReason)); tag != "" {
				notes += " " + tag
			}
		}
		fmt.Printf("│ %-12s │ %-5s │ %10s │ %10s │ %9s │ %7s │ %s\n",
			r.Symbol, string(r.Side), r.EntryPrice.StringFixed(2), exit, net, pct, notes)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Printf("\n📈 SUMMARY:\n")
	closed := wins + losses
	if closed > 0 {
		fmt.Printf("   Wins: %d | Losses: %d | Win Rate: %.1f%%\n",
			wins, losses, float64(wins)/float64(closed)*100)
		fmt.Printf("   Closed P&L: %s\n", totalNet.StringFixed(2))
	}
	fmt.Printf("   Open rows: %d\n", open)

	if len(rows) > 0 {
		oldest := rows[len(rows)-1].EntryTimestamp
		newest := rows[0].EntryTimestamp
		if oldest.After(newest) {
			oldest, newest = newest, oldest
		}
		fmt.Printf("\n   Date Range: %s to %s\n",
			oldest.Format("Jan 2 15:04"),
			newest.Format("Jan 2 15:04"))
	}
}

// reasonTag marks the exits worth spotting at a glance in the table.
func reasonTag(reason types.ExitReason) string {
	switch reason {
	case types.ExitStopLoss:
		return "🛑 SL"
	case types.ExitTakeProfit:
		return "🎯 TP"
	case types.ExitLiquidation:
		return "💀 LIQ"
	case types.ExitTimeout:
		return "⏱️ TIME"
	case types.ExitStructureNormalized:
		return "♻️"
	}
	return ""
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	os.Exit(1)
}
