package truffle

import (
	"context"
	"time"
)

// AggregateStats summarizes one full score rebuild.
type AggregateStats struct {
	TotalEvidence   int     `json:"total_evidence"`
	TotalScores     int     `json:"total_scores"`
	UsersWithScores int     `json:"users_with_scores"`
	ScoreRatio      float64 `json:"score_ratio"` // scores per evidence row
}

// StoreHealth reports connection status and table totals for the health
// endpoints.
type StoreHealth struct {
	Connected     bool `json:"connected"`
	UserCount     int  `json:"user_count"`
	SkillCount    int  `json:"skill_count"`
	EvidenceCount int  `json:"evidence_count"`
	ScoreCount    int  `json:"score_count"`
}

// Store is relational persistence for users, skills, evidence, and
// aggregated scores. Implementations live in store/; both must satisfy
// the same dedup and aggregation semantics so services can swap them.
type Store interface {
	// UpsertUsers inserts or updates one row per external id. Users are
	// never deleted by this system.
	UpsertUsers(ctx context.Context, users map[string]User) error

	// UpsertSkills is idempotent on skill key; aliases are serialized as
	// JSON text.
	UpsertSkills(ctx context.Context, skills []Skill) error

	// IsEmpty reports whether no evidence rows exist. The scheduler uses
	// it to pick the first-run window.
	IsEmpty(ctx context.Context) (bool, error)

	// StoreEvidence appends one evidence row per evaluation whose skill
	// exists. A row whose (user, skill, message hash) already exists is
	// skipped; missing user or skill silently skips that evaluation.
	// Confidence is clamped to [0, 1]. Returns how many rows were
	// actually inserted.
	StoreEvidence(ctx context.Context, externalID string, evals []Evaluation, date time.Time, messageHash string) (int, error)

	// SearchExperts runs the ranked expert query.
	SearchExperts(ctx context.Context, q ExpertQuery) ([]ExpertResult, error)

	// AggregateAllScores rebuilds user_skill_scores from evidence inside
	// the query window. Must not run concurrently with itself.
	AggregateAllScores(ctx context.Context) (AggregateStats, error)

	// UpdateUserSkillScore folds one new evidence row into the score via
	// an exponential moving average, inserting when no row exists.
	UpdateUserSkillScore(ctx context.Context, externalID, skillKey string, label Label, confidence float64, date time.Time) error

	// ListSkills returns the stored taxonomy.
	ListSkills(ctx context.Context) ([]Skill, error)

	// ExpertCounts returns, per skill key, how many distinct users hold
	// an aggregated score for that skill.
	ExpertCounts(ctx context.Context) (map[string]int, error)

	// ScoreStats returns current aggregation totals.
	ScoreStats(ctx context.Context) (AggregateStats, error)

	// Health pings the database and counts rows.
	Health(ctx context.Context) (StoreHealth, error)

	// Reset drops all rows. Skills are reimported separately when asked.
	Reset(ctx context.Context) error
}
