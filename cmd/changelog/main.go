// Command changelog lets trigger scripts and operators append change events
// and inspect the sync bookkeeping without writing SQL
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-sync-stock/internal/config"
	"github.com/Guizzs26/go-sync-stock/internal/db"
	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/pkg/infra"
)

const usage = `usage: changelog <command> [flags]

commands:
  schema                     create the change log and cursor tables if missing
  record -code N -op UPDATE  append a change event (INSERT, UPDATE, DELETE or I/U/D)
  pending                    print unprocessed change events as JSON
  cursor                     print the sync cursor as JSON
`

var errUsage = errors.New("invalid usage")

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		logger.Error("changelog command failed", "error", err)
		stop()
		infra.CloseLogger()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	code := fs.Int("code", 0, "item code")
	opFlag := fs.String("op", "", "operation tag")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	// Validate before touching the database
	var op models.Operation
	switch cmd {
	case "record":
		var ok bool
		if op, ok = models.ParseOperation(*opFlag); !ok || *code <= 0 {
			return fmt.Errorf("%w: record needs -code > 0 and -op INSERT|UPDATE|DELETE", errUsage)
		}
	case "schema", "pending", "cursor":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	src, err := db.Open(ctx, cfg.SourceDriver, cfg.SourceDSN, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	changeLog := db.NewChangeLog(src, cfg.QueryTimeout, cfg.KeyChunkSize, logger)
	if err := changeLog.EnsureSchema(ctx); err != nil {
		return err
	}

	switch cmd {
	case "schema":
		fmt.Fprintln(out, "change tracking schema ready")
		return nil
	case "record":
		changeLog.RecordChange(ctx, *code, op)
		n, err := changeLog.PendingCount(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"code": *code, "operation": op, "pending": n})
	case "pending":
		events, err := changeLog.PendingChanges(ctx)
		if err != nil {
			return err
		}
		if events == nil {
			events = []models.ChangeEvent{}
		}
		return writeJSON(out, events)
	default:
		cur, err := changeLog.Cursor(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{
			"never_synced":    cur.NeverSynced(),
			"last_sync_time":  cur.LastSyncTime,
			"last_sync_count": cur.LastSyncCount,
		})
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
