package truffle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Ingestion polls the chat workspace on an interval, enqueues recent
// messages for the worker pool, and triggers score aggregation after the
// first backfill drains. A run never overlaps itself.
type Ingestion struct {
	chat  ChatClient
	store Store
	queue *Queue

	interval       time.Duration
	firstRunWindow time.Duration
	steadyWindow   time.Duration
	drainPoll      time.Duration
	drainCap       time.Duration
	importPreWait  time.Duration
	logger         *slog.Logger

	running atomic.Bool
}

// IngestionOption configures an Ingestion.
type IngestionOption func(*Ingestion)

// IngestInterval sets the time between runs (default: 1h).
func IngestInterval(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.interval = d }
}

// FirstRunWindow sets the look-back used when the database has no
// evidence yet (default: 30 days).
func FirstRunWindow(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.firstRunWindow = d }
}

// SteadyWindow sets the look-back for every run after the first
// (default: 1h, matching the run interval).
func SteadyWindow(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.steadyWindow = d }
}

// DrainPoll sets how often the first run polls the queue while waiting
// for the backfill to drain (default: 10s).
func DrainPoll(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.drainPoll = d }
}

// DrainCap bounds the drain wait (default: 60min). Aggregation runs
// even when the cap is hit; the next run picks up the rest.
func DrainCap(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.drainCap = d }
}

// ImportPreWait sets the pause before a single-channel import (default:
// 61s). Bot joins arrive in bursts; the pause keeps the first import
// from landing inside a spent rate batch.
func ImportPreWait(d time.Duration) IngestionOption {
	return func(s *Ingestion) { s.importPreWait = d }
}

// IngestLogger sets the structured logger (default: no output).
func IngestLogger(l *slog.Logger) IngestionOption {
	return func(s *Ingestion) { s.logger = l }
}

// NewIngestion creates the scheduler.
func NewIngestion(chat ChatClient, store Store, queue *Queue, opts ...IngestionOption) *Ingestion {
	s := &Ingestion{
		chat:           chat,
		store:          store,
		queue:          queue,
		interval:       time.Hour,
		firstRunWindow: 30 * 24 * time.Hour,
		steadyWindow:   time.Hour,
		drainPoll:      10 * time.Second,
		drainCap:       60 * time.Minute,
		importPreWait:  61 * time.Second,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the polling loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Ingestion) Start(ctx context.Context) error {
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("ingestion run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// StartCleanup periodically purges the completed-task archive. Blocks
// until ctx is cancelled.
func (s *Ingestion) StartCleanup(ctx context.Context, every time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(every):
		}
		if n := s.queue.ClearCompleted(); n > 0 {
			s.logger.Info("cleared completed tasks", "count", n)
		}
	}
}

// RunOnce performs one ingestion run: pick the window, sync users,
// enqueue every channel's recent messages, and on a first run wait for
// the queue to drain before rebuilding scores. Overlapping calls return
// immediately.
func (s *Ingestion) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("ingestion run already in progress, skipping")
		return nil
	}
	defer s.running.Store(false)

	firstRun, err := s.store.IsEmpty(ctx)
	if err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	window := s.steadyWindow
	if firstRun {
		window = s.firstRunWindow
	}
	s.logger.Info("ingestion run starting", "first_run", firstRun, "window", window)

	channels, err := s.chat.ListChannels(ctx, true)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	users, err := s.chat.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if err := s.store.UpsertUsers(ctx, users); err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}

	var enqueued int
	for _, channel := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.ingestChannel(ctx, channel, users, window)
		if err != nil {
			// One bad channel must not sink the run.
			s.logger.Error("channel ingestion failed",
				"channel", channel.Name, "error", err)
			continue
		}
		enqueued += n
	}
	s.logger.Info("ingestion run enqueued", "channels", len(channels), "messages", enqueued)

	if firstRun && enqueued > 0 {
		s.awaitDrain(ctx)
		stats, err := s.store.AggregateAllScores(ctx)
		if err != nil {
			return fmt.Errorf("aggregate scores: %w", err)
		}
		s.logger.Info("initial aggregation complete",
			"evidence", stats.TotalEvidence, "scores", stats.TotalScores)
	}
	return nil
}

// ImportChannel backfills one channel, for bot-join events. The pre-wait
// respects the rate budget when joins come in bursts.
func (s *Ingestion) ImportChannel(ctx context.Context, channel Channel) error {
	s.logger.Info("channel import scheduled", "channel", channel.Name, "wait", s.importPreWait)
	if err := sleepContext(ctx, s.importPreWait); err != nil {
		return err
	}
	users, err := s.chat.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if err := s.store.UpsertUsers(ctx, users); err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	n, err := s.ingestChannel(ctx, channel, users, s.firstRunWindow)
	if err != nil {
		return err
	}
	s.logger.Info("channel import enqueued", "channel", channel.Name, "messages", n)
	return nil
}

// ingestChannel streams one channel's window and enqueues each message
// with mentions rewritten. The batch counter is reset first so every
// channel starts a fresh rate batch.
func (s *Ingestion) ingestChannel(ctx context.Context, channel Channel, users map[string]User, window time.Duration) (int, error) {
	s.chat.ResetBatchCounter()
	var n int
	err := s.chat.RecentMessages(ctx, channel.ID, window, func(msg Message) error {
		msg.Text = ReplaceUserMentions(msg.Text, users)
		s.queue.Enqueue(msg, channel, users)
		n++
		return nil
	})
	return n, err
}

// awaitDrain polls queue stats until pending and processing are both
// zero, or the cap elapses.
func (s *Ingestion) awaitDrain(ctx context.Context) {
	deadline := time.Now().Add(s.drainCap)
	for {
		stats := s.queue.Stats()
		if stats.Pending+stats.Processing == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("drain wait capped",
				"pending", stats.Pending, "processing", stats.Processing)
			return
		}
		if sleepContext(ctx, s.drainPoll) != nil {
			return
		}
	}
}
