package main

import (
	"chatrelay/backend/internal/auth"
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/storage"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
)

const usage = `Usage: admin <command> [args]

Commands:
  token <user_id>          issue an identity token
  history <room> [limit]   print the most recent messages of a room
  migrate                  create or update the history schema`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, args []string, out io.Writer) error {
	switch args[0] {
	case "token":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin token <user_id>")
		}
		token, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL).Issue(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil

	case "history":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: admin history <room> [limit]")
		}
		limit := 0
		if len(args) == 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid limit %q", args[2])
			}
			limit = n
		}
		svc, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgs, err := svc.Query(ctx, args[1], limit)
		if err != nil {
			return err
		}
		printHistory(out, msgs)
		return nil

	case "migrate":
		svc, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := storage.Migrate(svc.DB); err != nil {
			return err
		}
		fmt.Fprintln(out, "Migration complete.")
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

// openStore reads history straight from the database; the cache is not
// needed for one-off queries.
func openStore(cfg *config.Config) (*storage.Service, error) {
	db, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return storage.NewStorageService(db, nil, cfg.HistoryLimit, 0, zerolog.Nop()), nil
}

func printHistory(out io.Writer, msgs []models.ChatMessage) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Time", "Sender", "Text", "ID"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, m := range msgs {
		table.Append([]string{
			m.CreatedAt.Format(time.RFC3339),
			m.SenderID,
			m.Text,
			m.ID,
		})
	}
	table.Render()
}
