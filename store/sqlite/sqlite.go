// Package sqlite implements truffle.Store using pure-Go SQLite.
// Zero CGO required. Intended for local development and tests; the
// semantics match store/postgres so services can swap stores freely.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	truffle "github.com/trufflehq/truffle"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const dateLayout = "2006-01-02"

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithRebuildWindow sets the full-rebuild look-back in days (default: 180).
func WithRebuildWindow(days int) StoreOption {
	return func(s *Store) { s.windowDays = days }
}

// WithEmitThreshold sets the minimum score a full rebuild keeps (default: 0.1).
func WithEmitThreshold(t float64) StoreOption {
	return func(s *Store) { s.emitThreshold = t }
}

// WithAlpha sets the EMA weight for incremental score updates (default: 0.1).
func WithAlpha(a float64) StoreOption {
	return func(s *Store) { s.alpha = a }
}

// WithNegativeWeight sets the multiplier for negative-evidence
// contributions (default: 0.5).
func WithNegativeWeight(w float64) StoreOption {
	return func(s *Store) { s.negativeWeight = w }
}

// Store implements truffle.Store backed by a local SQLite file.
// Evidence dates are stored as ISO 'YYYY-MM-DD' text so date arithmetic
// and ordering work with SQLite's date functions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	windowDays     int
	emitThreshold  float64
	alpha          float64
	negativeWeight float64
}

var _ truffle.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath (":memory:"
// works for tests). A single shared connection serializes all writers,
// eliminating SQLITE_BUSY errors from concurrent workers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:             db,
		logger:         nopLogger,
		windowDays:     180,
		emitThreshold:  0.1,
		alpha:          0.1,
		negativeWeight: 0.5,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL,
			timezone TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			skill_id INTEGER PRIMARY KEY AUTOINCREMENT,
			skill_key TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			domain TEXT NOT NULL,
			aliases TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE TABLE IF NOT EXISTS expertise_evidence (
			evidence_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(user_id),
			skill_id INTEGER NOT NULL REFERENCES skills(skill_id),
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			evidence_date TEXT NOT NULL,
			message_hash TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS evidence_dedup_idx
			ON expertise_evidence(user_id, skill_id, message_hash)
			WHERE message_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS evidence_user_skill_idx
			ON expertise_evidence(user_id, skill_id)`,
		`CREATE INDEX IF NOT EXISTS evidence_date_idx
			ON expertise_evidence(evidence_date)`,
		`CREATE TABLE IF NOT EXISTS user_skill_scores (
			user_id INTEGER NOT NULL REFERENCES users(user_id),
			skill_id INTEGER NOT NULL REFERENCES skills(skill_id),
			score REAL NOT NULL,
			evidence_count INTEGER NOT NULL,
			last_evidence_date TEXT NOT NULL,
			PRIMARY KEY (user_id, skill_id)
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }

// UpsertUsers inserts or updates one row per external id.
func (s *Store) UpsertUsers(ctx context.Context, users map[string]truffle.User) error {
	for externalID, u := range users {
		var tz any
		if u.Timezone != "" {
			tz = u.Timezone
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (external_id, display_name, timezone)
			 VALUES (?, ?, ?)
			 ON CONFLICT(external_id) DO UPDATE SET
			   display_name = excluded.display_name,
			   timezone = excluded.timezone,
			   updated_at = unixepoch()`,
			externalID, u.DisplayName, tz)
		if err != nil {
			return fmt.Errorf("sqlite: upsert user %s: %w", externalID, err)
		}
	}
	return nil
}

// UpsertSkills is idempotent on skill key. Aliases are stored as JSON text.
func (s *Store) UpsertSkills(ctx context.Context, skills []truffle.Skill) error {
	for _, skill := range skills {
		aliases, err := json.Marshal(skill.Aliases)
		if err != nil {
			return fmt.Errorf("sqlite: marshal aliases for %s: %w", skill.Key, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO skills (skill_key, name, domain, aliases)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(skill_key) DO UPDATE SET
			   name = excluded.name,
			   domain = excluded.domain,
			   aliases = excluded.aliases,
			   updated_at = unixepoch()`,
			skill.Key, skill.Name, skill.Domain, string(aliases))
		if err != nil {
			return fmt.Errorf("sqlite: upsert skill %s: %w", skill.Key, err)
		}
	}
	return nil
}

// IsEmpty reports whether no evidence rows exist.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM expertise_evidence)`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: check empty: %w", err)
	}
	return n == 0, nil
}

// StoreEvidence appends one row per evaluation whose skill exists. Rows
// whose dedup key already exists are skipped; a missing user or skill
// silently skips that evaluation. Returns the number of rows inserted.
func (s *Store) StoreEvidence(ctx context.Context, externalID string, evals []truffle.Evaluation, date time.Time, messageHash string) (int, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE external_id = ?`, externalID).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: resolve user %s: %w", externalID, err)
	}

	var hash any
	if messageHash != "" {
		hash = messageHash
	}
	var inserted int
	for _, eval := range evals {
		var skillID int64
		err := s.db.QueryRowContext(ctx,
			`SELECT skill_id FROM skills WHERE skill_key = ?`, eval.SkillKey).Scan(&skillID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("sqlite: resolve skill %s: %w", eval.SkillKey, err)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO expertise_evidence
			 (user_id, skill_id, label, confidence, evidence_date, message_hash)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			userID, skillID, string(eval.Label), truffle.Clamp01(eval.Confidence),
			date.Format(dateLayout), hash)
		if err != nil {
			return inserted, fmt.Errorf("sqlite: insert evidence: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// contributionSQL is the per-row signed score expression. decayExpr
// multiplies the confidence; pass "1" for no decay.
func contributionSQL(decayExpr string, negativeWeight float64) string {
	return fmt.Sprintf(`CASE e.label
		WHEN 'positive_expertise' THEN e.confidence * %[1]s
		WHEN 'negative_expertise' THEN -e.confidence * %[2]g * %[1]s
		ELSE 0 END`, decayExpr, negativeWeight)
}

// windowExpr is the oldest evidence date still inside an n-day window.
func windowExpr() string {
	return `date('now', '-' || CAST(? AS TEXT) || ' days')`
}

// AggregateAllScores rebuilds user_skill_scores from evidence inside the
// configured window, keeping only rows above the emit threshold.
func (s *Store) AggregateAllScores(ctx context.Context) (truffle.AggregateStats, error) {
	var stats truffle.AggregateStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("sqlite: aggregate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_skill_scores`); err != nil {
		return stats, fmt.Errorf("sqlite: clear scores: %w", err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO user_skill_scores (user_id, skill_id, score, evidence_count, last_evidence_date)
		 SELECT e.user_id, e.skill_id, AVG(%[1]s), COUNT(*), MAX(e.evidence_date)
		 FROM expertise_evidence e
		 WHERE e.evidence_date >= %[2]s
		 GROUP BY e.user_id, e.skill_id
		 HAVING AVG(%[1]s) > ?`, contributionSQL("1", s.negativeWeight), windowExpr()),
		s.windowDays, s.emitThreshold)
	if err != nil {
		return stats, fmt.Errorf("sqlite: rebuild scores: %w", err)
	}
	n, _ := res.RowsAffected()
	stats.TotalScores = int(n)

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expertise_evidence`).Scan(&stats.TotalEvidence); err != nil {
		return stats, fmt.Errorf("sqlite: count evidence: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM user_skill_scores`).Scan(&stats.UsersWithScores); err != nil {
		return stats, fmt.Errorf("sqlite: count users: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("sqlite: aggregate commit: %w", err)
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
	v := truffle.Evaluation{Label: label, Confidence: confidence}.Contribution(s.negativeWeight)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO user_skill_scores (user_id, skill_id, score, evidence_count, last_evidence_date)
		 SELECT u.user_id, sk.skill_id, ?, 1, ?
		 FROM users u, skills sk
		 WHERE u.external_id = ? AND sk.skill_key = ?
		 ON CONFLICT(user_id, skill_id) DO UPDATE SET
		   score = user_skill_scores.score * %g + excluded.score * %g,
		   evidence_count = user_skill_scores.evidence_count + 1,
		   last_evidence_date = MAX(user_skill_scores.last_evidence_date, excluded.last_evidence_date)`,
		1-s.alpha, s.alpha),
		v, date.Format(dateLayout), externalID, skillKey)
	if err != nil {
		return fmt.Errorf("sqlite: update score %s/%s: %w", externalID, skillKey, err)
	}
	return nil
}

// SearchExperts runs the ranked expert query. Per-row decay uses
// pow(decay, days-old) with day age from julianday arithmetic.
func (s *Store) SearchExperts(ctx context.Context, q truffle.ExpertQuery) ([]truffle.ExpertResult, error) {
	if len(q.SkillKeys) == 0 {
		return nil, nil
	}

	// Numbered parameters: the decay factor recurs inside the
	// contribution expression in both SELECT and HAVING.
	decay := `pow(?1, CAST(julianday(date('now')) - julianday(e.evidence_date) AS INTEGER))`
	weight := q.NegativeWeight
	if weight == 0 {
		// Zero means unset; the store default applies.
		weight = s.negativeWeight
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
		truffle.SortByRecent:        `last_activity DESC`,
		truffle.SortByEvidenceCount: `evidence_count DESC`,
		truffle.SortByAlphabetical:  `u.display_name ASC`,
	}[q.SortBy]
	if order == "" {
		order = `expertise_score DESC`
	}

	// Args: ?1 decay, ?2..?(n+1) skill keys, then window, min evidence,
	// min confidence, limit, offset.
	n := len(q.SkillKeys)
	keyPlaceholders := make([]string, n)
	for i := range q.SkillKeys {
		keyPlaceholders[i] = fmt.Sprintf("?%d", i+2)
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
		 WHERE s.skill_key IN (%[2]s)
		   AND e.evidence_date >= date('now', '-' || CAST(?%[3]d AS TEXT) || ' days')%[4]s
		 GROUP BY u.external_id, u.display_name, u.timezone, s.skill_key, s.name
		 HAVING COUNT(*) >= ?%[5]d AND AVG(%[1]s) >= ?%[6]d
		 ORDER BY %[7]s
		 LIMIT ?%[8]d OFFSET ?%[9]d`,
		contribution, strings.Join(keyPlaceholders, ", "),
		n+2, labelFilter, n+3, n+4, order, n+5, n+6)

	args := make([]any, 0, n+7)
	args = append(args, q.DecayFactor)
	for _, k := range q.SkillKeys {
		args = append(args, k)
	}
	args = append(args, q.WindowDays, q.MinEvidenceCount, q.MinConfidence, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search experts: %w", err)
	}
	defer rows.Close()

	var results []truffle.ExpertResult
	for rows.Next() {
		var r truffle.ExpertResult
		var lastActivity string
		if err := rows.Scan(&r.ExternalID, &r.DisplayName, &r.Timezone,
			&r.SkillKey, &r.SkillName, &r.Score, &r.EvidenceCount,
			&r.PositiveCount, &r.NegativeCount, &r.NeutralCount, &lastActivity); err != nil {
			return nil, fmt.Errorf("sqlite: scan expert: %w", err)
		}
		r.LastActivity, _ = time.Parse(dateLayout, lastActivity)
		r.ConfidenceLevel = truffle.ConfidenceLevel(r.Score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate experts: %w", err)
	}
	return results, nil
}

// ListSkills returns the stored taxonomy.
func (s *Store) ListSkills(ctx context.Context) ([]truffle.Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT skill_key, name, domain, COALESCE(aliases, '[]') FROM skills ORDER BY skill_key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list skills: %w", err)
	}
	defer rows.Close()

	var skills []truffle.Skill
	for rows.Next() {
		var sk truffle.Skill
		var aliases string
		if err := rows.Scan(&sk.Key, &sk.Name, &sk.Domain, &aliases); err != nil {
			return nil, fmt.Errorf("sqlite: scan skill: %w", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT sk.skill_key, COUNT(DISTINCT us.user_id)
		 FROM user_skill_scores us
		 JOIN skills sk ON sk.skill_id = us.skill_id
		 GROUP BY sk.skill_key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: expert counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan expert count: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// ScoreStats returns current aggregation totals without rebuilding.
func (s *Store) ScoreStats(ctx context.Context) (truffle.AggregateStats, error) {
	var stats truffle.AggregateStats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM expertise_evidence),
		        (SELECT COUNT(*) FROM user_skill_scores),
		        (SELECT COUNT(DISTINCT user_id) FROM user_skill_scores)`).
		Scan(&stats.TotalEvidence, &stats.TotalScores, &stats.UsersWithScores)
	if err != nil {
		return truffle.AggregateStats{}, fmt.Errorf("sqlite: score stats: %w", err)
	}
	if stats.TotalEvidence > 0 {
		stats.ScoreRatio = float64(stats.TotalScores) / float64(stats.TotalEvidence)
	}
	return stats, nil
}

// Health pings the database and counts rows.
func (s *Store) Health(ctx context.Context) (truffle.StoreHealth, error) {
	var h truffle.StoreHealth
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM users),
		        (SELECT COUNT(*) FROM skills),
		        (SELECT COUNT(*) FROM expertise_evidence),
		        (SELECT COUNT(*) FROM user_skill_scores)`).
		Scan(&h.UserCount, &h.SkillCount, &h.EvidenceCount, &h.ScoreCount)
	if err != nil {
		return truffle.StoreHealth{}, fmt.Errorf("sqlite: health: %w", err)
	}
	h.Connected = true
	return h, nil
}

// Reset drops all rows.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"user_skill_scores", "expertise_evidence", "skills", "users"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("sqlite: reset %s: %w", table, err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM sqlite_sequence`)
	return nil
}
