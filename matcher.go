package truffle

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Matcher maps free text to the skill keys whose name or alias occurs as
// a whole token. Matching is case-insensitive; multi-word aliases match
// across any whitespace run. A Matcher is immutable after construction
// and safe for concurrent use.
type Matcher struct {
	patterns []aliasPattern
	byKey    map[string]Skill
}

type aliasPattern struct {
	re  *regexp.Regexp
	key string
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NewMatcher compiles one pattern per distinct alias. For each skill the
// lowercased display name is treated as an alias. Pattern order, and
// therefore result order, follows taxonomy order, names before aliases.
func NewMatcher(skills []Skill) *Matcher {
	m := &Matcher{byKey: make(map[string]Skill, len(skills))}
	seen := make(map[string]struct{})
	for _, skill := range skills {
		m.byKey[skill.Key] = skill
		for _, alias := range append([]string{strings.ToLower(skill.Name)}, skill.Aliases...) {
			alias = strings.ToLower(strings.TrimSpace(alias))
			if alias == "" {
				continue
			}
			if _, dup := seen[alias]; dup {
				continue
			}
			seen[alias] = struct{}{}
			m.patterns = append(m.patterns, aliasPattern{re: compileAlias(alias), key: skill.Key})
		}
	}
	return m
}

// compileAlias builds a case-insensitive pattern for the alias body.
// Internal whitespace becomes \s+ so "machine learning" matches across
// newlines and runs of spaces. Token boundaries are checked separately
// because RE2 has no lookaround.
func compileAlias(alias string) *regexp.Regexp {
	words := strings.Fields(alias)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(words, `\s+`))
}

// Match returns the ordered, deduplicated skill keys found in text.
// The result is stable across runs: keys appear in compiled-pattern
// order, not in text order.
func (m *Matcher) Match(text string) []string {
	if text == "" {
		return nil
	}
	normalized := whitespaceRun.ReplaceAllString(norm.NFC.String(text), " ")

	var keys []string
	seen := make(map[string]struct{})
	for _, p := range m.patterns {
		if _, dup := seen[p.key]; dup {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(normalized, -1) {
			if boundedToken(normalized, loc[0], loc[1]) {
				keys = append(keys, p.key)
				seen[p.key] = struct{}{}
				break
			}
		}
	}
	return keys
}

// Describe returns the skill for a key, if the taxonomy has it.
func (m *Matcher) Describe(key string) (Skill, bool) {
	s, ok := m.byKey[key]
	return s, ok
}

// Skills returns the taxonomy backing this matcher.
func (m *Matcher) Skills() []Skill {
	skills := make([]Skill, 0, len(m.byKey))
	seen := make(map[string]struct{})
	for _, p := range m.patterns {
		if _, dup := seen[p.key]; dup {
			continue
		}
		seen[p.key] = struct{}{}
		skills = append(skills, m.byKey[p.key])
	}
	return skills
}

// boundedToken reports whether the match at [start, end) is a whole
// token: not adjacent to a word character, '-', '/', '#', or '.'. This
// keeps "go" from matching inside "django" or "golang.org".
func boundedToken(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if isTokenRune(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isTokenRune(r) {
			return false
		}
	}
	return true
}

func isTokenRune(r rune) bool {
	switch r {
	case '_', '-', '/', '#', '.':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
