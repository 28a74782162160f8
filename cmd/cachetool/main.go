// Command cachetool inspects and maintains a chat cache store from the
// command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"chatcache/internal/config"
	"chatcache/internal/observability/logging"
	"chatcache/internal/storage"
	"chatcache/internal/storage/badger"
	"chatcache/internal/storage/postgres"
	"chatcache/internal/storage/sqlite"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cachetool [options] <command> [args]

Commands:
  ping                  Check that the configured backend is reachable
  list-rooms            Print all room IDs
  get-room <room-id>    Print a room's stored metadata and live member count
  delete-room <room-id> Remove a room and everything that references it
  search-media <query>  Print event IDs whose media filename matches the query

Options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "cachetool.yaml", "path to the configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.Init(logging.Config{Level: level, Format: cfg.Logging.Format, Writer: os.Stderr})

	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open storage backend", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)
	if err := run(ctx, backend, args); err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		opts := []sqlite.Option{sqlite.WithLogger(logging.WithComponent(logger, "sqlite"))}
		if cfg.BusyTimeout > 0 {
			opts = append(opts, sqlite.WithBusyTimeout(cfg.BusyTimeout))
		}
		if cfg.CacheKiB > 0 {
			opts = append(opts, sqlite.WithCacheSize(cfg.CacheKiB))
		}
		return sqlite.Open(cfg.Path, opts...)
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN,
			postgres.WithLogger(logging.WithComponent(logger, "postgres")),
			postgres.WithPoolLimits(cfg.Pool.MaxConnections, cfg.Pool.MinConnections),
			postgres.WithPoolDurations(cfg.Pool.MaxConnLifetime, cfg.Pool.MaxConnIdleTime, cfg.Pool.HealthCheckInterval),
			postgres.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
			postgres.WithApplicationName(cfg.Pool.ApplicationName),
		)
	case config.DriverBadger:
		return badger.Open(cfg.Path, badger.WithLogger(logging.WithComponent(logger, "badger")))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func run(ctx context.Context, backend storage.Backend, args []string) error {
	command := args[0]
	switch command {
	case "ping":
		if err := backend.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	case "list-rooms":
		return withTxn(ctx, backend, false, func(txn storage.Txn) error {
			ids, err := backend.ListRoomIDs(ctx, txn)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	case "get-room":
		if len(args) != 2 {
			return fmt.Errorf("usage: get-room <room-id>")
		}
		ctx := logging.ContextWithRoomID(ctx, args[1])
		return withTxn(ctx, backend, false, func(txn storage.Txn) error {
			info, err := backend.GetRoom(ctx, txn, args[1])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("room %s not found", args[1])
			}
			fmt.Printf("name: %s\ntopic: %s\navatar: %s\nmembers: %d\n",
				info.Name, info.Topic, info.AvatarURL, info.MemberCount)
			return nil
		})
	case "delete-room":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete-room <room-id>")
		}
		ctx := logging.ContextWithRoomID(ctx, args[1])
		if err := withTxn(ctx, backend, true, func(txn storage.Txn) error {
			return backend.DeleteRoom(ctx, txn, args[1])
		}); err != nil {
			return err
		}
		if logger := logging.WithContext(ctx, logging.LoggerFromContext(ctx)); logger != nil {
			logger.Info("room deleted")
		}
		return nil
	case "search-media":
		if len(args) != 2 {
			return fmt.Errorf("usage: search-media <query>")
		}
		return withTxn(ctx, backend, false, func(txn storage.Txn) error {
			ids, err := backend.SearchMediaFilenames(ctx, txn, args[1])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// withTxn runs fn inside a transaction, committing only when commit is set
// and fn succeeded. The deferred rollback covers every other path.
func withTxn(ctx context.Context, backend storage.Backend, commit bool, fn func(storage.Txn) error) error {
	txn, err := backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()
	if err := fn(txn); err != nil {
		return err
	}
	if commit {
		return txn.Commit()
	}
	return nil
}
