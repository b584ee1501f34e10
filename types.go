package truffle

import (
	"strings"
	"time"
)

// Label is the classifier's verdict on a (message, skill) pair.
type Label string

const (
	LabelPositive Label = "positive_expertise"
	LabelNegative Label = "negative_expertise"
	LabelNeutral  Label = "neutral"
)

// ParseLabel maps a raw string to a Label, defaulting to neutral.
func ParseLabel(s string) Label {
	switch Label(strings.TrimSpace(s)) {
	case LabelPositive:
		return LabelPositive
	case LabelNegative:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

// Channel is a chat channel the workspace bot is a member of.
type Channel struct {
	ID   string
	Name string
}

// User is a normalized workspace member. ExternalID is the chat
// workspace's opaque identifier; Name is the handle used when rewriting
// mentions.
type User struct {
	ExternalID  string
	DisplayName string
	Name        string
	Timezone    string
}

// Message is one chat message: a top-level channel message or a thread
// reply. TS and ThreadTS are the workspace's opaque timestamps.
type Message struct {
	ChannelID  string
	TS         string
	ThreadTS   string
	AuthorID   string
	Text       string
	ReplyCount int
}

// IsReply reports whether m is a thread reply (as opposed to a thread
// parent or a plain channel message).
func (m Message) IsReply() bool {
	return m.ThreadTS != "" && m.TS != m.ThreadTS
}

// ThreadID returns the identifier of the thread this message belongs to.
func (m Message) ThreadID() string {
	if m.ThreadTS != "" {
		return m.ThreadTS
	}
	return m.TS
}

// Candidate is one message prepared for expertise classification.
type Candidate struct {
	MessageID  string
	AuthorID   string
	ChannelID  string
	Text       string
	ParentText string
	SkillKeys  []string
}

// Evaluation is the classifier's verdict for a single skill.
type Evaluation struct {
	SkillKey   string
	Label      Label
	Confidence float64
	Rationale  string
}

// MessageEvaluation groups the per-skill results for one candidate.
type MessageEvaluation struct {
	MessageID string
	AuthorID  string
	Results   []Evaluation
}

// Contribution converts an evaluation into its signed score value:
// +confidence for positive evidence, -confidence*negativeWeight for
// negative, 0 for neutral.
func (e Evaluation) Contribution(negativeWeight float64) float64 {
	switch e.Label {
	case LabelPositive:
		return e.Confidence
	case LabelNegative:
		return -e.Confidence * negativeWeight
	default:
		return 0
	}
}

// Clamp01 bounds v to [0, 1]. Classifier confidences are clamped at
// ingest; the model occasionally returns values outside the documented
// range.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SortBy selects the ordering of expert search results.
type SortBy string

const (
	SortByScore         SortBy = "score"
	SortByRecent        SortBy = "recent"
	SortByEvidenceCount SortBy = "evidence_count"
	SortByAlphabetical  SortBy = "alphabetical"
)

// ExpertQuery configures a ranked expert search.
type ExpertQuery struct {
	SkillKeys        []string
	MinConfidence    float64
	MinEvidenceCount int
	WindowDays       int
	IncludeNegative  bool
	ExcludeNeutral   bool
	DecayFactor      float64 // per-day multiplier applied to confidence
	NegativeWeight   float64
	SortBy           SortBy
	Limit            int
	Offset           int
}

// DefaultExpertQuery returns the query defaults shared by the services.
func DefaultExpertQuery() ExpertQuery {
	return ExpertQuery{
		MinConfidence:    0.1,
		MinEvidenceCount: 1,
		WindowDays:       180,
		ExcludeNeutral:   true,
		DecayFactor:      0.95,
		NegativeWeight:   0.5,
		SortBy:           SortByScore,
		Limit:            10,
	}
}

// ExpertResult is one ranked (user, skill) row from an expert search.
type ExpertResult struct {
	ExternalID      string
	DisplayName     string
	Timezone        string
	SkillKey        string
	SkillName       string
	Score           float64
	ConfidenceLevel string
	EvidenceCount   int
	PositiveCount   int
	NegativeCount   int
	NeutralCount    int
	LastActivity    time.Time
}

// ConfidenceLevel buckets a numeric expertise score for display.
func ConfidenceLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
