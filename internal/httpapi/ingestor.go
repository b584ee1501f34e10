package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	truffle "github.com/trufflehq/truffle"
)

// IngestorHandler serves the ingestor's operations endpoints: queue and
// worker monitoring plus maintenance actions. Maintenance writes return
// 202 and run on background goroutines tied to the service lifetime, not
// the request.
type IngestorHandler struct {
	store     truffle.Store
	queue     *truffle.Queue
	pool      *truffle.Pool
	ingestion *truffle.Ingestion
	skillsDir string
	logger    *slog.Logger

	// baseCtx outlives requests; background maintenance runs on it.
	baseCtx context.Context
}

// NewIngestorHandler creates the operations handler. baseCtx should be
// the service's root context so maintenance stops on shutdown.
func NewIngestorHandler(baseCtx context.Context, store truffle.Store, queue *truffle.Queue, pool *truffle.Pool, ingestion *truffle.Ingestion, skillsDir string, logger *slog.Logger) *IngestorHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &IngestorHandler{
		store:     store,
		queue:     queue,
		pool:      pool,
		ingestion: ingestion,
		skillsDir: skillsDir,
		logger:    logger,
		baseCtx:   baseCtx,
	}
}

// Routes returns the operations router.
func (h *IngestorHandler) Routes() http.Handler {
	r := newRouter()
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/queue/stats", h.handleQueueStats)
	r.Get("/workers/stats", h.handleWorkerStats)
	r.Get("/scores/stats", h.handleScoreStats)
	r.Post("/queue/clear", h.handleQueueClear)
	r.Post("/database/reset", h.handleReset)
	r.Post("/slack/reimport", h.handleReimport)
	r.Post("/import/channel", h.handleImportChannel)
	r.Post("/database/reset-and-reimport", h.handleResetAndReimport)
	return r
}

func (h *IngestorHandler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "truffle-ingestor",
		"status":  "running",
	})
}

func (h *IngestorHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.store.Health(r.Context())
	status := http.StatusOK
	state := "ok"
	if err != nil {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":   state,
		"database": health,
		"queue":    h.queue.Stats(),
	})
}

func (h *IngestorHandler) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        h.queue.Stats(),
		"recent_tasks": h.queue.RecentTasks(20),
	})
}

func (h *IngestorHandler) handleWorkerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": h.pool.Stats(),
	})
}

func (h *IngestorHandler) handleScoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.ScoreStats(r.Context())
	if err != nil {
		h.logger.Error("score stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *IngestorHandler) handleQueueClear(w http.ResponseWriter, _ *http.Request) {
	n := h.queue.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *IngestorHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	importSkills := r.URL.Query().Get("import_skills") == "true"
	go h.resetDatabase(importSkills)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"import_skills": importSkills,
	})
}

func (h *IngestorHandler) handleReimport(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := h.ingestion.RunOnce(h.baseCtx); err != nil {
			h.logger.Error("reimport failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type importChannelRequest struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

func (h *IngestorHandler) handleImportChannel(w http.ResponseWriter, r *http.Request) {
	var req importChannelRequest
	if err := readJSON(r, &req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id is required"})
		return
	}
	channel := truffle.Channel{ID: req.ChannelID, Name: req.ChannelName}
	go func() {
		if err := h.ingestion.ImportChannel(h.baseCtx, channel); err != nil {
			h.logger.Error("channel import failed", "channel", channel.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"channel": req.ChannelID,
	})
}

func (h *IngestorHandler) handleResetAndReimport(w http.ResponseWriter, _ *http.Request) {
	go func() {
		h.resetDatabase(true)
		if err := h.ingestion.RunOnce(h.baseCtx); err != nil {
			h.logger.Error("reimport failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *IngestorHandler) resetDatabase(importSkills bool) {
	if err := h.store.Reset(h.baseCtx); err != nil {
		h.logger.Error("database reset failed", "error", err)
		return
	}
	h.logger.Info("database reset")
	if !importSkills {
		return
	}
	if err := h.importTaxonomy(); err != nil {
		h.logger.Error("taxonomy import failed", "error", err)
	}
}

func (h *IngestorHandler) importTaxonomy() error {
	skills, err := truffle.LoadTaxonomyDir(h.skillsDir)
	if err != nil {
		return err
	}
	if err := h.store.UpsertSkills(h.baseCtx, skills); err != nil {
		return err
	}
	h.logger.Info("taxonomy imported", "skills", len(skills))
	return nil
}
