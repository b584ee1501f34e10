package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	truffle "github.com/trufflehq/truffle"
)

// ExpertHandler serves the Expert API: ranked search and the taxonomy.
type ExpertHandler struct {
	store  truffle.Store
	logger *slog.Logger
}

// NewExpertHandler creates the Expert API handler.
func NewExpertHandler(store truffle.Store, logger *slog.Logger) *ExpertHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExpertHandler{store: store, logger: logger}
}

// Routes returns the Expert API router.
func (h *ExpertHandler) Routes() http.Handler {
	r := newRouter()
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/skills", h.handleSkills)
	r.Post("/experts/search", h.handleSearch)
	return r
}

type searchRequest struct {
	Skills            []string `json:"skills"`
	Limit             int      `json:"limit"`
	MinConfidence     float64  `json:"min_confidence"`
	IncludeConfidence bool     `json:"include_confidence"`
	SortBy            string   `json:"sort_by"`
}

type expertHit struct {
	UserID          string   `json:"user_id"`
	UserName        string   `json:"user_name"`
	DisplayName     string   `json:"display_name"`
	Skills          []string `json:"skills"`
	ConfidenceScore float64  `json:"confidence_score"`
	EvidenceCount   int      `json:"evidence_count"`
	TotalMessages   int      `json:"total_messages"`
}

type searchResponse struct {
	Results          []expertHit `json:"results"`
	TotalFound       int         `json:"total_found"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
	SearchStrategy   string      `json:"search_strategy"`
}

// handleSearch runs a ranked search. Storage failures degrade to an
// empty result set rather than a 500; the bot depends on that.
func (h *ExpertHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Skills) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skills is required"})
		return
	}

	query := truffle.DefaultExpertQuery()
	for _, s := range req.Skills {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			query.SkillKeys = append(query.SkillKeys, s)
		}
	}
	if req.Limit > 0 {
		query.Limit = req.Limit
	}
	if req.MinConfidence > 0 {
		query.MinConfidence = req.MinConfidence
	}
	if req.SortBy != "" {
		query.SortBy = truffle.SortBy(req.SortBy)
	}

	start := time.Now()
	rows, err := h.store.SearchExperts(r.Context(), query)
	if err != nil {
		h.logger.Error("expert search failed", "error", err)
		rows = nil
	}

	hits := groupByUser(rows, req.IncludeConfidence)
	writeJSON(w, http.StatusOK, searchResponse{
		Results:          hits,
		TotalFound:       len(hits),
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		SearchStrategy:   "skill_based",
	})
}

// groupByUser folds per-(user, skill) rows into one hit per user,
// preserving rank order. The hit's confidence is the user's best skill
// score; evidence and message counts are summed across skills.
func groupByUser(rows []truffle.ExpertResult, includeConfidence bool) []expertHit {
	hits := []expertHit{}
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		i, ok := index[row.ExternalID]
		if !ok {
			i = len(hits)
			index[row.ExternalID] = i
			hits = append(hits, expertHit{
				UserID:      row.ExternalID,
				UserName:    row.DisplayName,
				DisplayName: row.DisplayName,
			})
		}
		hit := &hits[i]
		hit.Skills = append(hit.Skills, row.SkillName)
		if includeConfidence && row.Score > hit.ConfidenceScore {
			hit.ConfidenceScore = row.Score
		}
		hit.EvidenceCount += row.EvidenceCount
		hit.TotalMessages += row.PositiveCount + row.NegativeCount + row.NeutralCount
	}
	return hits
}

type skillEntry struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	Aliases     []string `json:"aliases"`
	ExpertCount int      `json:"expert_count"`
}

type skillsResponse struct {
	Skills     []skillEntry `json:"skills"`
	TotalCount int          `json:"total_count"`
	Domains    []string     `json:"domains"`
}

func (h *ExpertHandler) handleSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := h.store.ListSkills(r.Context())
	if err != nil {
		h.logger.Error("list skills failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}
	counts, err := h.store.ExpertCounts(r.Context())
	if err != nil {
		h.logger.Warn("expert counts unavailable", "error", err)
		counts = nil
	}

	resp := skillsResponse{Skills: []skillEntry{}}
	domains := make(map[string]struct{})
	for _, sk := range skills {
		resp.Skills = append(resp.Skills, skillEntry{
			Key:         sk.Key,
			Name:        sk.Name,
			Domain:      sk.Domain,
			Aliases:     sk.Aliases,
			ExpertCount: counts[sk.Key],
		})
		domains[sk.Domain] = struct{}{}
	}
	resp.TotalCount = len(resp.Skills)
	resp.Domains = make([]string, 0, len(domains))
	for d := range domains {
		resp.Domains = append(resp.Domains, d)
	}
	sort.Strings(resp.Domains)

	writeJSON(w, http.StatusOK, resp)
}

func (h *ExpertHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.store.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": truffle.StoreHealth{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": health,
	})
}

func (h *ExpertHandler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "truffle-expert-api",
		"status":  "running",
	})
}
