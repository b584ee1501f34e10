// Package openaicompat implements truffle.Classifier over any
// OpenAI-compatible chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral,
// Ollama, vLLM, and any other endpoint that implements the OpenAI chat
// completions wire format.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	truffle "github.com/trufflehq/truffle"
)

const (
	// DefaultBaseURL is the OpenAI API base; the /chat/completions path
	// is appended automatically.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model option is given.
	DefaultModel = "gpt-4o"
)

const systemPrompt = "You are an expert annotator. For each listed skill, classify whether the " +
	"author demonstrates knowledge in THIS message." +
	"\nLabel rules:\n" +
	"- positive_expertise: the author provides guidance/solution/clear prior use " +
	"or explains the concept/tool.\n" +
	"- negative_expertise: the author states they don't know / are unsure / are " +
	"new to the skill.\n" +
	"- neutral: question asking, quoting others, off-topic mentions.\n" +
	"Consider negation and quotes; do not attribute quoted text to the author."

// Classifier sends one chat completion per candidate, temperature 0,
// and parses the strict-JSON verdict.
type Classifier struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

var _ truffle.Classifier = (*Classifier)(nil)

// Option configures a Classifier.
type Option func(*Classifier)

// WithModel sets the model (default "gpt-4o").
func WithModel(model string) Option {
	return func(c *Classifier) { c.model = model }
}

// WithBaseURL sets the API base URL (default OpenAI's).
func WithBaseURL(u string) Option {
	return func(c *Classifier) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client (default http.DefaultClient
// semantics with no extra timeout; pair with a request context).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Classifier) { c.client = h }
}

// WithName overrides the name used in logs and error messages
// (default "openai").
func WithName(name string) Option {
	return func(c *Classifier) { c.name = name }
}

// New creates a Classifier. A missing API key is not an error here;
// Classify reports ErrConfig per call so the service can start degraded.
func New(apiKey string, opts ...Option) *Classifier {
	c := &Classifier{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured provider name.
func (c *Classifier) Name() string { return c.name }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the completions response we read.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify evaluates one candidate. A malformed completion yields no
// evaluations and no error; transport failures return ErrHTTP so retry
// middleware can act on 429/503.
func (c *Classifier) Classify(ctx context.Context, cand truffle.Candidate) ([]truffle.Evaluation, error) {
	if c.apiKey == "" {
		return nil, &truffle.ErrConfig{Name: "OPENAI_API_KEY"}
	}

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(cand)},
		},
		Temperature: 0,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &truffle.ErrLLM{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &truffle.ErrLLM{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &truffle.ErrLLM{Provider: c.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &truffle.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: truffle.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &truffle.ErrLLM{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, nil
	}
	return parseCompletion(chatResp.Choices[0].Message.Content), nil
}

// buildUserPrompt lists the message, the optional parent, and the skills
// to classify, and pins the expected JSON shape.
func buildUserPrompt(cand truffle.Candidate) string {
	var b strings.Builder
	b.WriteString("Message:\n")
	b.WriteString(cand.Text)
	b.WriteString("\n\n")
	if cand.ParentText != "" {
		b.WriteString("Parent:\n")
		b.WriteString(cand.ParentText)
		b.WriteString("\n\n")
	}
	b.WriteString("Classify these skills: ")
	b.WriteString(strings.Join(cand.SkillKeys, ", "))
	b.WriteString("\n")
	b.WriteString(`Return strict JSON: {"results": [{"skill_key": str, "label": one of ` +
		`[positive_expertise, negative_expertise, neutral], "confidence": float 0..1, "rationale": str} ... ]}`)
	return b.String()
}

// completionResult is one item of the model's results list. Fields are
// raw so each can default independently when missing or mistyped.
type completionResult struct {
	SkillKey   string          `json:"skill_key"`
	Label      string          `json:"label"`
	Confidence json.RawMessage `json:"confidence"`
	Rationale  string          `json:"rationale"`
}

// parseCompletion parses the strict-JSON completion. Malformed JSON
// yields nil; per-item defaults are label neutral, confidence 0.5,
// empty rationale. Items with an empty skill key are dropped.
func parseCompletion(raw string) []truffle.Evaluation {
	var parsed struct {
		Results []completionResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return nil
	}

	var out []truffle.Evaluation
	for _, item := range parsed.Results {
		key := strings.TrimSpace(item.SkillKey)
		if key == "" {
			continue
		}
		confidence := 0.5
		if len(item.Confidence) > 0 {
			var f float64
			if err := json.Unmarshal(item.Confidence, &f); err == nil {
				confidence = f
			}
		}
		out = append(out, truffle.Evaluation{
			SkillKey:   key,
			Label:      truffle.ParseLabel(item.Label),
			Confidence: confidence,
			Rationale:  strings.TrimSpace(item.Rationale),
		})
	}
	return out
}
