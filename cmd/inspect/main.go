package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/conf"
	"github.com/devricklin/autoreply/internal/data"
)

// inspect prints what a poll cycle would see for one account:
// the recent dialogs and the newest message of each.
func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("usage: inspect <account_id> [window]")
		os.Exit(2)
	}
	accountID := os.Args[1]
	window := 10
	if len(os.Args) > 2 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
			window = n
		}
	}

	cfg := conf.LoadFromEnv()
	accounts, err := conf.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		fmt.Printf("Failed to load accounts: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	pool := data.NewSessionPool(accounts, cfg.Reconcile.TransportTimeout, log)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tr, err := pool.Session(ctx, accountID)
	if err != nil {
		fmt.Printf("No session for %s: %v\n", accountID, err)
		os.Exit(1)
	}
	if err := tr.Connect(ctx); err != nil {
		fmt.Printf("Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer tr.Disconnect(context.Background())

	self, err := tr.GetSelf(ctx)
	if err != nil {
		fmt.Printf("Failed to resolve self: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Account %s is %s (@%s)\n\n", accountID, self.ID, self.Handle)

	dialogs, err := tr.ListRecentDialogs(ctx, window)
	if err != nil {
		fmt.Printf("Failed to list dialogs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== %d recent dialogs ===\n", len(dialogs))
	for i, d := range dialogs {
		line := fmt.Sprintf("  %d. [%s] %s %q", i+1, d.Kind, d.ChatID, d.Title)

		msgs, err := tr.FetchMessages(ctx, d.ChatID, 1)
		switch {
		case err != nil:
			line += fmt.Sprintf(" (fetch failed: %v)", err)
		case len(msgs) == 0:
			line += " (empty)"
		default:
			m := msgs[0]
			text := m.Text
			if len(text) > 50 {
				text = text[:50] + "..."
			}
			line += fmt.Sprintf("\n       %s %s outgoing=%v: %s", m.Date.Format("2006-01-02 15:04:05"), m.SenderID, m.Outgoing, text)
		}
		fmt.Println(line)
	}
}
