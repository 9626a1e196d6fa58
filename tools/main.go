package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"vitals-ingest/internal/config"
	"vitals-ingest/internal/db"
	"vitals-ingest/internal/modules/devices/repository"
	"vitals-ingest/tools/migrate"
)

const usage = `usage: tools [flags] <command>

commands:
  migrate            apply pending schema migrations
  migrate status     list pending migrations
  device add <id>    register a device
  device list        list registered devices

flags:
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flagSet := pflag.NewFlagSet("tools", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&cfg.Driver, "driver", cfg.Driver, "database driver (sqlite3 or pgx)")
	flagSet.StringVar(&cfg.DSN, "dsn", cfg.DSN, "database DSN (required for pgx)")
	flagSet.StringVar(&cfg.Path, "sqlite-path", cfg.Path, "sqlite database file")
	flagSet.BoolVarP(&cfg.LogSQL, "verbose", "v", cfg.LogSQL, "log SQL statements")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(argv); err != nil {
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	level := slog.LevelWarn
	if cfg.LogSQL {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	conn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "err", closeErr)
		}
	}()

	switch args[0] {
	case "migrate":
		return runMigrate(conn, cfg.Driver, args[1:], stdout)
	case "device":
		return runDevice(ctx, conn, cfg.Driver, args[1:], stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runMigrate(conn *db.DB, driver string, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "status" {
		pending, err := migrate.Pending(conn.DB, driver)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(stdout, "schema is up to date")
			return nil
		}
		for _, m := range pending {
			fmt.Fprintf(stdout, "pending %s %s\n", m.Version, m.Name)
		}
		return nil
	}
	if err := migrate.Run(conn.DB, driver); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(stdout, "migrations applied")
	return nil
}

func runDevice(ctx context.Context, conn *db.DB, driver string, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: device add <id> | device list")
	}
	if err := migrate.Run(conn.DB, driver); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repo := repository.NewRepository(conn)

	switch args[0] {
	case "add":
		if len(args) != 2 {
			return errors.New("usage: device add <id>")
		}
		d, err := repo.Create(ctx, args[1], time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "device %s registered\n", d.ID)
		return nil

	case "list":
		list, err := repo.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tSTATUS\tLAST ACTIVE\tWIFI")
		for _, d := range list {
			last := "-"
			if d.LastActiveAt != nil {
				last = d.LastActiveAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Status, last, d.WiFiStatus)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown device command: %s", args[0])
	}
}
