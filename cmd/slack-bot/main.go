// The slack-bot receives Slack events, extracts expert queries from
// natural language questions, and answers with results from the Expert
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	slackapi "github.com/slack-go/slack"

	"github.com/trufflehq/truffle/internal/bot"
	"github.com/trufflehq/truffle/internal/config"
	"github.com/trufflehq/truffle/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to truffle.toml")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*verbose)
	cfg := config.Load(*configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("slack-bot failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parser := bot.NewParser()
	client := bot.NewClient(cfg.Bot.ExpertAPIURL)
	cache := bot.NewSkillCache(client, logger)

	var poster httpapi.MessagePoster
	if cfg.Slack.BotToken != "" {
		poster = slackapi.New(cfg.Slack.BotToken)
	} else {
		logger.Warn("no slack token configured, replies disabled")
	}

	handler := httpapi.NewBotHandler(parser, cache, client, poster, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Bot.Host, cfg.Bot.Port)
	return httpapi.Serve(ctx, addr, handler.Routes(), logger)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}
