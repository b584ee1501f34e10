// The ingestor polls Slack for recent messages, classifies expertise
// evidence, and keeps aggregated scores fresh. It also serves an
// operations API for monitoring and maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	truffle "github.com/trufflehq/truffle"
	"github.com/trufflehq/truffle/chat/slack"
	"github.com/trufflehq/truffle/classifier/openaicompat"
	"github.com/trufflehq/truffle/internal/config"
	"github.com/trufflehq/truffle/internal/httpapi"
	"github.com/trufflehq/truffle/observer"
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
		logger.Error("ingestor failed", "error", err)
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

	skills, err := ensureTaxonomy(ctx, store, cfg.Ingestor.SkillsDir, logger)
	if err != nil {
		return err
	}
	matcher := truffle.NewMatcher(skills)

	budget := truffle.NewBudget(
		truffle.BatchSize(cfg.Slack.BatchSize),
		truffle.BatchWait(time.Duration(cfg.Slack.BatchWaitSeconds)*time.Second),
	)
	chat := slack.New(cfg.Slack.BotToken,
		slack.WithBudget(budget),
		slack.WithLogger(logger),
	)

	var classifier truffle.Classifier = openaicompat.New(cfg.Classifier.APIKey,
		openaicompat.WithModel(cfg.Classifier.Model),
		openaicompat.WithBaseURL(cfg.Classifier.BaseURL),
	)
	if cfg.Observer.Enabled {
		inst, err := observer.NewInstruments()
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		classifier = observer.WrapClassifier(classifier, inst)
	}
	classifier = truffle.WithRetry(classifier)

	processor := truffle.NewProcessor(matcher, classifier, store,
		truffle.ExtractSkills(cfg.Ingestor.ExtractSkills),
		truffle.ClassifyExpertise(cfg.Ingestor.ClassifyExpertise),
		truffle.ProcessorLogger(logger),
	)
	queue := truffle.NewQueue()
	pool := truffle.NewPool(queue, processor.Process,
		truffle.PoolSize(cfg.Ingestor.Workers),
		truffle.PoolLogger(logger),
	)
	ingestion := truffle.NewIngestion(chat, store, queue,
		truffle.IngestInterval(time.Duration(cfg.Ingestor.IntervalMinutes)*time.Minute),
		truffle.IngestLogger(logger),
	)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()
	go func() { _ = ingestion.Start(ctx) }()
	go func() { _ = ingestion.StartCleanup(ctx, time.Hour) }()

	handler := httpapi.NewIngestorHandler(ctx, store, queue, pool, ingestion, cfg.Ingestor.SkillsDir, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Ingestor.Host, cfg.Ingestor.Port)
	return httpapi.Serve(ctx, addr, handler.Routes(), logger)
}

// ensureTaxonomy imports the seed taxonomy on first start and returns
// the stored skill set.
func ensureTaxonomy(ctx context.Context, store truffle.Store, dir string, logger *slog.Logger) ([]truffle.Skill, error) {
	skills, err := store.ListSkills(ctx)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	if len(skills) > 0 {
		return skills, nil
	}

	seeded, err := truffle.LoadTaxonomyDir(dir)
	if err != nil {
		if len(seeded) == 0 {
			return nil, fmt.Errorf("load taxonomy: %w", err)
		}
		logger.Warn("some taxonomy files were skipped", "error", err)
	}
	if err := store.UpsertSkills(ctx, seeded); err != nil {
		return nil, fmt.Errorf("import taxonomy: %w", err)
	}
	logger.Info("taxonomy imported", "dir", dir, "skills", len(seeded))
	return store.ListSkills(ctx)
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
