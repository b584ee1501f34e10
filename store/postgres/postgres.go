// Package postgres implements truffle.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	truffle "github.com/trufflehq/truffle"
)

// Store implements truffle.Store backed by PostgreSQL. Evidence dedup
// rides on a partial unique index over (user_id, skill_id, message_hash);
// a conflicting insert is treated as success.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	windowDays     int     // full-rebuild look-back
	emitThreshold  float64 // minimum score for a rebuilt row
	alpha          float64 // EMA weight for incremental updates
	negativeWeight float64 // contribution multiplier for negative labels
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithRebuildWindow sets the full-rebuild look-back in days (default: 180).
func WithRebuildWindow(days int) Option {
	return func(c *pgConfig) { c.windowDays = days }
}

// WithEmitThreshold sets the minimum score a full rebuild keeps (default: 0.1).
func WithEmitThreshold(t float64) Option {
	return func(c *pgConfig) { c.emitThreshold = t }
}

// WithAlpha sets the EMA weight for incremental score updates (default: 0.1).
func WithAlpha(a float64) Option {
	return func(c *pgConfig) { c.alpha = a }
}

// WithNegativeWeight sets the multiplier for negative-evidence
// contributions (default: 0.5).
func WithNegativeWeight(w float64) Option {
	return func(c *pgConfig) { c.negativeWeight = w }
}

var _ truffle.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	cfg := pgConfig{
		windowDays:     180,
		emitThreshold:  0.1,
		alpha:          0.1,
		negativeWeight: 0.5,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			external_id TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL,
			timezone TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS skills (
			skill_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			skill_key TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			domain TEXT NOT NULL,
			aliases TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS expertise_evidence (
			evidence_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(user_id),
			skill_id BIGINT NOT NULL REFERENCES skills(skill_id),
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			evidence_date DATE NOT NULL,
			message_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS evidence_dedup_idx
			ON expertise_evidence(user_id, skill_id, message_hash)
			WHERE message_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS evidence_user_skill_idx
			ON expertise_evidence(user_id, skill_id)`,
		`CREATE INDEX IF NOT EXISTS evidence_date_idx
			ON expertise_evidence(evidence_date)`,

		`CREATE TABLE IF NOT EXISTS user_skill_scores (
			user_id BIGINT NOT NULL REFERENCES users(user_id),
			skill_id BIGINT NOT NULL REFERENCES skills(skill_id),
			score REAL NOT NULL,
			evidence_count INT NOT NULL,
			last_evidence_date DATE NOT NULL,
			PRIMARY KEY (user_id, skill_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// UpsertUsers inserts or updates one row per external id.
func (s *Store) UpsertUsers(ctx context.Context, users map[string]truffle.User) error {
	for externalID, u := range users {
		var tz any
		if u.Timezone != "" {
			tz = u.Timezone
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO users (external_id, display_name, timezone)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (external_id) DO UPDATE SET
			   display_name = EXCLUDED.display_name,
			   timezone = EXCLUDED.timezone,
			   updated_at = now()`,
			externalID, u.DisplayName, tz)
		if err != nil {
			return fmt.Errorf("postgres: upsert user %s: %w", externalID, err)
		}
	}
	return nil
}

// UpsertSkills is idempotent on skill key. Aliases are stored as JSON text.
func (s *Store) UpsertSkills(ctx context.Context, skills []truffle.Skill) error {
	for _, skill := range skills {
		aliases, err := json.Marshal(skill.Aliases)
		if err != nil {
			return fmt.Errorf("postgres: marshal aliases for %s: %w", skill.Key, err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO skills (skill_key, name, domain, aliases)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (skill_key) DO UPDATE SET
			   name = EXCLUDED.name,
			   domain = EXCLUDED.domain,
			   aliases = EXCLUDED.aliases,
			   updated_at = now()`,
			skill.Key, skill.Name, skill.Domain, string(aliases))
		if err != nil {
			return fmt.Errorf("postgres: upsert skill %s: %w", skill.Key, err)
		}
	}
	return nil
}

// IsEmpty reports whether no evidence rows exist.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM expertise_evidence)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check empty: %w", err)
	}
	return !exists, nil
}

// StoreEvidence appends one row per evaluation whose skill exists. Rows
// whose dedup key already exists are skipped; a missing user or skill
// silently skips that evaluation. Returns the number of rows inserted.
func (s *Store) StoreEvidence(ctx context.Context, externalID string, evals []truffle.Evaluation, date time.Time, messageHash string) (int, error) {
	var userID int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM users WHERE external_id = $1`, externalID).Scan(&userID)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: resolve user %s: %w", externalID, err)
	}

	var hash any
	if messageHash != "" {
		hash = messageHash
	}
	var inserted int
	for _, eval := range evals {
		var skillID int64
		err := s.pool.QueryRow(ctx,
			`SELECT skill_id FROM skills WHERE skill_key = $1`, eval.SkillKey).Scan(&skillID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("postgres: resolve skill %s: %w", eval.SkillKey, err)
		}
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO expertise_evidence (user_id, skill_id, label, confidence, evidence_date, message_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			userID, skillID, string(eval.Label), truffle.Clamp01(eval.Confidence), date, hash)
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert evidence: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// contributionSQL is the per-row signed score expression shared by the
// rebuild and the ranked query. Positional args: label column is fixed;
// decayExpr multiplies the confidence (pass "1" for no decay).
func contributionSQL(decayExpr string, negativeWeight float64) string {
	return fmt.Sprintf(`CASE e.label
		WHEN 'positive_expertise' THEN e.confidence * %s
		WHEN 'negative_expertise' THEN -e.confidence * %g * %s
		ELSE 0 END`, decayExpr, negativeWeight, decayExpr)
}

// AggregateAllScores rebuilds user_skill_scores from evidence inside the
// configured window, keeping only rows above the emit threshold. Runs in
// one transaction so readers never see a half-built table.
func (s *Store) AggregateAllScores(ctx context.Context) (truffle.AggregateStats, error) {
	var stats truffle.AggregateStats
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_skill_scores`); err != nil {
			return fmt.Errorf("clear scores: %w", err)
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO user_skill_scores (user_id, skill_id, score, evidence_count, last_evidence_date)
			 SELECT e.user_id, e.skill_id, AVG(%[1]s), COUNT(*), MAX(e.evidence_date)
			 FROM expertise_evidence e
			 WHERE e.evidence_date >= CURRENT_DATE - $1::int
			 GROUP BY e.user_id, e.skill_id
			 HAVING AVG(%[1]s) > $2`, contributionSQL("1", s.cfg.negativeWeight)),
			s.cfg.windowDays, s.cfg.emitThreshold)
		if err != nil {
			return fmt.Errorf("rebuild scores: %w", err)
		}
		stats.TotalScores = int(tag.RowsAffected())

		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM expertise_evidence`).Scan(&stats.TotalEvidence); err != nil {
			return fmt.Errorf("count evidence: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(DISTINCT user_id) FROM user_skill_scores`).Scan(&stats.UsersWithScores); err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		return nil
	})
	if err != nil {
		return truffle.AggregateStats{}, fmt.Errorf("postgres: aggregate: %w", err)
	}
	if stats.TotalEvidence > 0 {
		stats.ScoreRatio = float64(stats.TotalScores) / float64(stats.TotalEvidence)
	}
	return stats, nil
}

// UpdateUserSkillScore folds one evidence row into the score via an EMA,
// inserting the raw contribution when no row exists. Missing user or
// skill is a silent no-op, matching StoreEvidence.
func (s *Store) UpdateUserSkillScore(ctx context.Context, externalID, skillKey string, label truffle.Label, confidence float64, date time.Time) error {
	v := truffle.Evaluation{Label: label, Confidence: confidence}.Contribution(s.cfg.negativeWeight)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO user_skill_scores (user_id, skill_id, score, evidence_count, last_evidence_date)
		 SELECT u.user_id, sk.skill_id, $3, 1, $4::date
		 FROM users u, skills sk
		 WHERE u.external_id = $1 AND sk.skill_key = $2
		 ON CONFLICT (user_id, skill_id) DO UPDATE SET
		   score = user_skill_scores.score * %[1]g + EXCLUDED.score * %[2]g,
		   evidence_count = user_skill_scores.evidence_count + 1,
		   last_evidence_date = GREATEST(user_skill_scores.last_evidence_date, EXCLUDED.last_evidence_date)`,
		1-s.cfg.alpha, s.cfg.alpha),
		externalID, skillKey, v, date)
	if err != nil {
		return fmt.Errorf("postgres: update score %s/%s: %w", externalID, skillKey, err)
	}
	return nil
}

// SearchExperts runs the ranked expert query: per (user, skill) the
// average time-decayed contribution over the window, filtered and
// ordered per the query.
func (s *Store) SearchExperts(ctx context.Context, q truffle.ExpertQuery) ([]truffle.ExpertResult, error) {
	if len(q.SkillKeys) == 0 {
		return nil, nil
	}

	decay := `POWER($3::float8, CURRENT_DATE - e.evidence_date)`
	weight := q.NegativeWeight
	if weight == 0 {
		// Zero means unset; the store default applies.
		weight = s.cfg.negativeWeight
	}
	contribution := contributionSQL(decay, weight)

	labelFilter := ""
	if q.ExcludeNeutral {
		labelFilter += ` AND e.label <> 'neutral'`
	}
	if !q.IncludeNegative {
		labelFilter += ` AND e.label <> 'negative_expertise'`
	}

	order := map[truffle.SortBy]string{
		truffle.SortByScore:         `expertise_score DESC`,
		truffle.SortByRecent:        `last_activity DESC NULLS LAST`,
		truffle.SortByEvidenceCount: `evidence_count DESC`,
		truffle.SortByAlphabetical:  `display_name ASC`,
	}[q.SortBy]
	if order == "" {
		order = `expertise_score DESC`
	}

	query := fmt.Sprintf(
		`SELECT u.external_id, u.display_name, COALESCE(u.timezone, ''),
		        s.skill_key, s.name,
		        AVG(%[1]s) AS expertise_score,
		        COUNT(*) AS evidence_count,
		        COUNT(*) FILTER (WHERE e.label = 'positive_expertise') AS positive_count,
		        COUNT(*) FILTER (WHERE e.label = 'negative_expertise') AS negative_count,
		        COUNT(*) FILTER (WHERE e.label = 'neutral') AS neutral_count,
		        MAX(e.evidence_date) AS last_activity
		 FROM expertise_evidence e
		 JOIN users u ON u.user_id = e.user_id
		 JOIN skills s ON s.skill_id = e.skill_id
		 WHERE s.skill_key = ANY($1)
		   AND e.evidence_date >= CURRENT_DATE - $2::int%[2]s
		 GROUP BY u.external_id, u.display_name, u.timezone, s.skill_key, s.name
		 HAVING COUNT(*) >= $4 AND AVG(%[1]s) >= $5
		 ORDER BY %[3]s
		 LIMIT $6 OFFSET $7`,
		contribution, labelFilter, order)

	rows, err := s.pool.Query(ctx, query,
		q.SkillKeys, q.WindowDays, q.DecayFactor,
		q.MinEvidenceCount, q.MinConfidence, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: search experts: %w", err)
	}
	defer rows.Close()

	var results []truffle.ExpertResult
	for rows.Next() {
		var r truffle.ExpertResult
		var lastActivity time.Time
		if err := rows.Scan(&r.ExternalID, &r.DisplayName, &r.Timezone,
			&r.SkillKey, &r.SkillName, &r.Score, &r.EvidenceCount,
			&r.PositiveCount, &r.NegativeCount, &r.NeutralCount, &lastActivity); err != nil {
			return nil, fmt.Errorf("postgres: scan expert: %w", err)
		}
		r.LastActivity = lastActivity
		r.ConfidenceLevel = truffle.ConfidenceLevel(r.Score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate experts: %w", err)
	}
	return results, nil
}

// ListSkills returns the stored taxonomy.
func (s *Store) ListSkills(ctx context.Context) ([]truffle.Skill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT skill_key, name, domain, COALESCE(aliases, '[]') FROM skills ORDER BY skill_key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list skills: %w", err)
	}
	defer rows.Close()

	var skills []truffle.Skill
	for rows.Next() {
		var sk truffle.Skill
		var aliases string
		if err := rows.Scan(&sk.Key, &sk.Name, &sk.Domain, &aliases); err != nil {
			return nil, fmt.Errorf("postgres: scan skill: %w", err)
		}
		if err := json.Unmarshal([]byte(aliases), &sk.Aliases); err != nil {
			sk.Aliases = nil
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

// ExpertCounts counts distinct scored users per skill key.
func (s *Store) ExpertCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sk.skill_key, COUNT(DISTINCT us.user_id)
		 FROM user_skill_scores us
		 JOIN skills sk ON sk.skill_id = us.skill_id
		 GROUP BY sk.skill_key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: expert counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan expert count: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// ScoreStats returns current aggregation totals without rebuilding.
func (s *Store) ScoreStats(ctx context.Context) (truffle.AggregateStats, error) {
	var stats truffle.AggregateStats
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM expertise_evidence),
		        (SELECT COUNT(*) FROM user_skill_scores),
		        (SELECT COUNT(DISTINCT user_id) FROM user_skill_scores)`).
		Scan(&stats.TotalEvidence, &stats.TotalScores, &stats.UsersWithScores)
	if err != nil {
		return truffle.AggregateStats{}, fmt.Errorf("postgres: score stats: %w", err)
	}
	if stats.TotalEvidence > 0 {
		stats.ScoreRatio = float64(stats.TotalScores) / float64(stats.TotalEvidence)
	}
	return stats, nil
}

// Health pings the database and counts rows.
func (s *Store) Health(ctx context.Context) (truffle.StoreHealth, error) {
	var h truffle.StoreHealth
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM users),
		        (SELECT COUNT(*) FROM skills),
		        (SELECT COUNT(*) FROM expertise_evidence),
		        (SELECT COUNT(*) FROM user_skill_scores)`).
		Scan(&h.UserCount, &h.SkillCount, &h.EvidenceCount, &h.ScoreCount)
	if err != nil {
		return truffle.StoreHealth{}, fmt.Errorf("postgres: health: %w", err)
	}
	h.Connected = true
	return h, nil
}

// Reset drops all rows and restarts the id sequences.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE user_skill_scores, expertise_evidence, skills, users RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("postgres: reset: %w", err)
	}
	return nil
}
