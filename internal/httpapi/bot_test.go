package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/trufflehq/truffle/internal/bot"
)

type postedMessage struct {
	channel string
	values  url.Values
}

// fakePoster records replies; message options are flattened to form
// values so tests can read the text back out.
type fakePoster struct {
	posts chan postedMessage
}

func newFakePoster() *fakePoster {
	return &fakePoster{posts: make(chan postedMessage, 4)}
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts <- postedMessage{channel: channelID, values: values}
	return channelID, "1.0", nil
}

// fakeExpertAPI is a minimal Expert API for the bot to talk to.
func fakeExpertAPI(t *testing.T, searchStatus int, resp bot.SearchResponse) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/experts/search", func(w http.ResponseWriter, _ *http.Request) {
		if searchStatus != http.StatusOK {
			w.WriteHeader(searchStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/skills", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(bot.SkillsResponse{})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestBot(t *testing.T, searchStatus int, resp bot.SearchResponse) (*BotHandler, *fakePoster) {
	t.Helper()
	srv := fakeExpertAPI(t, searchStatus, resp)
	client := bot.NewClient(srv.URL)
	poster := newFakePoster()
	h := NewBotHandler(bot.NewParser(), bot.NewSkillCache(client, nil), client, poster, nil)
	return h, poster
}

func awaitPost(t *testing.T, poster *fakePoster) postedMessage {
	t.Helper()
	select {
	case p := <-poster.posts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no reply posted")
		return postedMessage{}
	}
}

func assertNoPost(t *testing.T, poster *fakePoster) {
	t.Helper()
	select {
	case p := <-poster.posts:
		t.Fatalf("unexpected reply: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBotHandler_URLVerification(t *testing.T) {
	h, _ := newTestBot(t, http.StatusOK, bot.SearchResponse{})

	rec := postJSON(t, h.Routes(), "/slack/events",
		`{"type": "url_verification", "token": "t", "challenge": "abc123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "abc123" {
		t.Errorf("body = %q, want challenge echoed", rec.Body.String())
	}
}

func TestBotHandler_MentionGetsThreadedReply(t *testing.T) {
	h, poster := newTestBot(t, http.StatusOK, bot.SearchResponse{
		Results: []bot.ExpertHit{
			{DisplayName: "Alice", ConfidenceScore: 0.9, EvidenceCount: 4},
		},
		TotalFound: 1,
	})

	rec := postJSON(t, h.Routes(), "/slack/events", `{
		"type": "event_callback",
		"event": {
			"type": "app_mention",
			"user": "U2",
			"text": "<@U0BOT> who knows golang?",
			"ts": "123.450",
			"channel": "C1"
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 ack", rec.Code)
	}

	post := awaitPost(t, poster)
	if post.channel != "C1" {
		t.Errorf("channel = %q, want C1", post.channel)
	}
	text := post.values.Get("text")
	if !strings.Contains(text, "Found 1 expert for golang") || !strings.Contains(text, "Alice") {
		t.Errorf("reply = %q", text)
	}
	if ts := post.values.Get("thread_ts"); ts != "123.450" {
		t.Errorf("thread_ts = %q, want 123.450", ts)
	}
}

func TestBotHandler_SearchFailureGetsApology(t *testing.T) {
	h, poster := newTestBot(t, http.StatusInternalServerError, bot.SearchResponse{})

	postJSON(t, h.Routes(), "/slack/events", `{
		"type": "event_callback",
		"event": {
			"type": "app_mention",
			"text": "who knows golang?",
			"ts": "1.0",
			"channel": "C1"
		}
	}`)

	post := awaitPost(t, poster)
	if got := post.values.Get("text"); got != bot.ErrorReply {
		t.Errorf("reply = %q, want error reply", got)
	}
}

func TestBotHandler_IgnoresBotMessages(t *testing.T) {
	h, poster := newTestBot(t, http.StatusOK, bot.SearchResponse{})

	postJSON(t, h.Routes(), "/slack/events", `{
		"type": "event_callback",
		"event": {
			"type": "message",
			"bot_id": "B9",
			"text": "who knows golang?",
			"ts": "1.0",
			"channel": "C1"
		}
	}`)
	assertNoPost(t, poster)
}

func TestBotHandler_IgnoresNonQueries(t *testing.T) {
	h, poster := newTestBot(t, http.StatusOK, bot.SearchResponse{})

	postJSON(t, h.Routes(), "/slack/events", `{
		"type": "event_callback",
		"event": {
			"type": "app_mention",
			"text": "<@U0BOT> good morning everyone",
			"ts": "1.0",
			"channel": "C1"
		}
	}`)
	assertNoPost(t, poster)
}

func TestBotHandler_DebugParse(t *testing.T) {
	h, _ := newTestBot(t, http.StatusOK, bot.SearchResponse{})

	rec := postJSON(t, h.Routes(), "/debug/parse", `{"text": "who knows golang?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Input          string `json:"input"`
		ExtractedQuery *struct {
			Skills     []string `json:"skills"`
			QueryType  string   `json:"query_type"`
			Confidence float64  `json:"confidence"`
		} `json:"extracted_query"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ExtractedQuery == nil {
		t.Fatal("no extracted query")
	}
	if len(resp.ExtractedQuery.Skills) != 1 || resp.ExtractedQuery.Skills[0] != "golang" {
		t.Errorf("skills = %v", resp.ExtractedQuery.Skills)
	}
	if resp.ExtractedQuery.QueryType != "who_knows" {
		t.Errorf("type = %q", resp.ExtractedQuery.QueryType)
	}

	rec = postJSON(t, h.Routes(), "/debug/parse", `{"text": "good morning"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message != "No expert query found" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestBotHandler_DebugStats(t *testing.T) {
	h, _ := newTestBot(t, http.StatusOK, bot.SearchResponse{})

	var resp struct {
		Processing      map[string]int64 `json:"processing"`
		ExpertAPIStatus string           `json:"expert_api_status"`
		SupportedSkills []string         `json:"supported_skills"`
	}
	rec := getJSON(t, h.Routes(), "/debug/stats", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.ExpertAPIStatus != "ok" {
		t.Errorf("api status = %q, want ok", resp.ExpertAPIStatus)
	}
	if len(resp.SupportedSkills) != 20 {
		t.Errorf("supported skills = %d, want capped at 20", len(resp.SupportedSkills))
	}
}
