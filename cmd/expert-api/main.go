// The expert-api serves ranked expert search and the skill taxonomy
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	truffle "github.com/trufflehq/truffle"
	"github.com/trufflehq/truffle/internal/config"
	"github.com/trufflehq/truffle/internal/httpapi"
	"github.com/trufflehq/truffle/store/postgres"
	"github.com/trufflehq/truffle/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to truffle.toml")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*verbose)
	cfg := config.Load(*configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("expert-api failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	handler := httpapi.NewExpertHandler(store, logger)
	addr := fmt.Sprintf("%s:%d", cfg.ExpertAPI.Host, cfg.ExpertAPI.Port)
	return httpapi.Serve(ctx, addr, handler.Routes(), logger)
}

// openStore picks postgres when a connection URL is configured, else the
// embedded SQLite file, and initializes the schema.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (truffle.Store, func(), error) {
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return st, pool.Close, nil
	}

	st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	logger.Info("using sqlite store", "path", cfg.Database.Path)
	return st, func() { _ = st.Close() }, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}
