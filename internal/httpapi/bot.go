package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/trufflehq/truffle/internal/bot"
)

// MessagePoster posts a reply back to the workspace. *slack.Client
// satisfies it.
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// BotHandler receives Slack events, parses expert queries out of them,
// and replies with search results from the Expert API.
type BotHandler struct {
	parser *bot.Parser
	cache  *bot.SkillCache
	client *bot.Client
	poster MessagePoster
	logger *slog.Logger

	eventsReceived atomic.Int64
	queriesParsed  atomic.Int64
	searchesRun    atomic.Int64
	repliesSent    atomic.Int64
	errorCount     atomic.Int64
}

var mentionTag = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]+)?>`)

const (
	searchLimit         = 5
	searchMinConfidence = 0.7
)

// NewBotHandler creates the bot's HTTP handler. poster may be nil in
// tests; replies are then dropped.
func NewBotHandler(parser *bot.Parser, cache *bot.SkillCache, client *bot.Client, poster MessagePoster, logger *slog.Logger) *BotHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BotHandler{
		parser: parser,
		cache:  cache,
		client: client,
		poster: poster,
		logger: logger,
	}
}

// Routes returns the bot service router.
func (h *BotHandler) Routes() http.Handler {
	r := newRouter()
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Post("/slack/events", h.handleEvents)
	r.Get("/debug/stats", h.handleDebugStats)
	r.Post("/debug/parse", h.handleDebugParse)
	return r
}

// handleEvents acknowledges within Slack's 3 second deadline and does
// the actual work on a goroutine. URL verification challenges are echoed
// as plain text.
func (h *BotHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.Error("failed to parse event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.eventsReceived.Add(1)

	switch event.Type {
	case slackevents.URLVerification:
		var challenge string
		if v, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent); ok {
			challenge = v.Challenge
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge))
		return

	case slackevents.CallbackEvent:
		channel, threadTS, text, fromBot := extractMessage(event.InnerEvent)
		w.WriteHeader(http.StatusOK)
		if channel == "" || fromBot {
			return
		}
		go h.respond(channel, threadTS, text)
		return

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// extractMessage pulls the reply target and text out of the inner event.
// fromBot marks messages the bot should never answer (its own replies,
// other bots, message edits).
func extractMessage(inner slackevents.EventsAPIInnerEvent) (channel, threadTS, text string, fromBot bool) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		threadTS = ev.ThreadTimeStamp
		if threadTS == "" {
			threadTS = ev.TimeStamp
		}
		return ev.Channel, threadTS, ev.Text, ev.BotID != ""
	case *slackevents.MessageEvent:
		threadTS = ev.ThreadTimeStamp
		if threadTS == "" {
			threadTS = ev.TimeStamp
		}
		return ev.Channel, threadTS, ev.Text, ev.BotID != "" || ev.SubType != ""
	default:
		return "", "", "", false
	}
}

// respond parses the message and posts either search results or a
// friendly failure reply. Messages with no recognizable query get no
// reply at all.
func (h *BotHandler) respond(channel, threadTS, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clean := strings.TrimSpace(mentionTag.ReplaceAllString(text, ""))
	query := h.parser.Parse(clean, h.cache.Terms())
	if query == nil {
		return
	}
	h.queriesParsed.Add(1)

	h.searchesRun.Add(1)
	resp, err := h.client.SearchExperts(ctx, bot.SearchRequest{
		Skills:            query.Skills,
		Limit:             searchLimit,
		MinConfidence:     searchMinConfidence,
		IncludeConfidence: true,
	})
	reply := ""
	if err != nil {
		h.errorCount.Add(1)
		h.logger.Error("expert search failed", "skills", query.Skills, "error", err)
		reply = bot.ErrorReply
	} else {
		reply = bot.FormatReply(query.Skills, resp)
	}

	h.post(ctx, channel, threadTS, reply)
}

func (h *BotHandler) post(ctx context.Context, channel, threadTS, reply string) {
	if h.poster == nil {
		return
	}
	opts := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := h.poster.PostMessageContext(ctx, channel, opts...); err != nil {
		h.errorCount.Add(1)
		h.logger.Error("failed to post reply", "channel", channel, "error", err)
		return
	}
	h.repliesSent.Add(1)
}

func (h *BotHandler) handleDebugStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	apiStatus := "ok"
	if err := h.client.Health(ctx); err != nil {
		apiStatus = "unreachable"
	}

	supported := h.parser.SupportedSkills()
	if len(supported) > 20 {
		supported = supported[:20]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processing": map[string]int64{
			"events_received": h.eventsReceived.Load(),
			"queries_parsed":  h.queriesParsed.Load(),
			"searches_run":    h.searchesRun.Load(),
			"replies_sent":    h.repliesSent.Load(),
			"errors":          h.errorCount.Load(),
		},
		"skill_cache":       h.cache.Stats(),
		"expert_api_status": apiStatus,
		"supported_skills":  supported,
	})
}

type debugParseRequest struct {
	Text string `json:"text"`
}

func (h *BotHandler) handleDebugParse(w http.ResponseWriter, r *http.Request) {
	var req debugParseRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	query := h.parser.Parse(req.Text, h.cache.Terms())
	if query == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"input":   req.Text,
			"message": "No expert query found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"input": req.Text,
		"extracted_query": map[string]any{
			"skills":     query.Skills,
			"query_type": query.Type,
			"confidence": query.Confidence,
		},
	})
}

func (h *BotHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	apiStatus := "ok"
	if err := h.client.Health(ctx); err != nil {
		apiStatus = "unreachable"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"expert_api": apiStatus,
	})
}

func (h *BotHandler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "truffle-slack-bot",
		"status":  "running",
	})
}
