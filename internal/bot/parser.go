// Package bot holds the Slack bot's query understanding: a pattern-based
// natural language parser, a TTL cache of the taxonomy fetched from the
// Expert API, and the HTTP client for that API.
package bot

import (
	"regexp"
	"strings"
)

// Query is an expert search extracted from a natural language message.
type Query struct {
	Skills     []string
	Type       string
	Confidence float64
}

type queryPattern struct {
	re    *regexp.Regexp
	qtype string
}

// Parser extracts skills and intent from questions like "who knows
// terraform?" or "need help with react". Matching is two-stage: an
// intent pattern isolates the skill phrase, then token and compound
// lookups pull known skills out of it.
type Parser struct {
	patterns   []queryPattern
	techSkills map[string]struct{}
	compounds  []string
}

var tokenSplit = regexp.MustCompile(`[,\s/&+]+`)

// stopwords never count as skills even when a taxonomy term collides.
var stopwords = map[string]struct{}{
	"and": {}, "or": {}, "with": {}, "in": {}, "on": {}, "at": {},
	"the": {}, "a": {}, "an": {},
}

// NewParser creates a Parser with the built-in technology vocabulary.
func NewParser() *Parser {
	patterns := []struct{ expr, qtype string }{
		{`who knows?\s+(?:about\s+)?(.+?)(?:\?|$)`, "who_knows"},
		{`who is\s+(?:an?\s+)?expert\s+(?:in|on|with|at)\s+(.+?)(?:\?|$)`, "expert_in"},
		{`who can help\s+(?:me\s+)?(?:with\s+)?(.+?)(?:\?|$)`, "help_with"},
		{`who has experience\s+(?:with\s+)?(.+?)(?:\?|$)`, "experience_with"},
		{`find\s+(?:me\s+)?(?:an?\s+)?expert\s+(?:in|on|with|for)\s+(.+?)(?:\?|$)`, "find_expert"},
		{`need\s+(?:an?\s+)?expert\s+(?:in|on|with|for)\s+(.+?)(?:\?|$)`, "need_expert"},
		{`looking for\s+(?:an?\s+)?expert\s+(?:in|on|with)\s+(.+?)(?:\?|$)`, "looking_for"},
		{`anyone know\s+(?:about\s+)?(.+?)(?:\?|$)`, "anyone_know"},
		{`who should i ask about\s+(.+?)(?:\?|$)`, "who_ask"},
		{`who's\s+(?:the\s+)?(?:best|good)\s+(?:at|with)\s+(.+?)(?:\?|$)`, "best_at"},
		{`(?:i\s+)?need help\s+(?:with\s+)?(.+?)(?:\?|$)`, "need_help"},
		{`(?:can\s+)?(?:someone\s+)?help\s+(?:me\s+)?(?:with\s+)?(.+?)(?:\?|$)`, "help_request"},
		{`advice\s+(?:on\s+)?(.+?)(?:\?|$)`, "advice_on"},
		{`guidance\s+(?:on\s+)?(.+?)(?:\?|$)`, "guidance_on"},
	}

	p := &Parser{
		techSkills: make(map[string]struct{}, len(techSkills)),
		compounds:  compoundSkills,
	}
	for _, spec := range patterns {
		p.patterns = append(p.patterns, queryPattern{
			re:    regexp.MustCompile(`(?i)` + spec.expr),
			qtype: spec.qtype,
		})
	}
	for _, s := range techSkills {
		p.techSkills[s] = struct{}{}
	}
	return p
}

// Parse extracts an expert query from text, or nil when no skills are
// found. extraTerms is the live taxonomy from the skill cache; terms in
// it match alongside the built-in vocabulary. Messages that match no
// intent pattern fall back to a low-confidence scan of the whole text.
func (p *Parser) Parse(text string, extraTerms map[string]struct{}) *Query {
	for _, pattern := range p.patterns {
		m := pattern.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		skills := p.extractSkills(strings.TrimSpace(m[1]), extraTerms)
		if len(skills) == 0 {
			continue
		}
		return &Query{
			Skills:     skills,
			Type:       pattern.qtype,
			Confidence: p.confidence(text, skills, pattern.qtype),
		}
	}

	if skills := p.extractSkills(text, extraTerms); len(skills) > 0 {
		return &Query{Skills: skills, Type: "general_mention", Confidence: 0.3}
	}
	return nil
}

// extractSkills pulls known single-token and compound skills out of a
// phrase, deduplicated in order of first appearance.
func (p *Parser) extractSkills(text string, extraTerms map[string]struct{}) []string {
	lower := strings.ToLower(text)

	var found []string
	for _, token := range tokenSplit.Split(lower, -1) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, ok := p.techSkills[token]; ok {
			found = append(found, token)
			continue
		}
		if _, ok := extraTerms[token]; ok {
			found = append(found, token)
		}
	}
	for _, compound := range p.compounds {
		if strings.Contains(lower, compound) {
			found = append(found, compound)
		}
	}
	for term := range extraTerms {
		if strings.ContainsRune(term, ' ') && strings.Contains(lower, term) {
			found = append(found, term)
		}
	}

	var unique []string
	seen := make(map[string]struct{}, len(found))
	for _, s := range found {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		unique = append(unique, s)
	}
	return unique
}

// confidence is a heuristic on intent strength, skill count, vocabulary
// hits, and phrasing. Capped at 1.0.
func (p *Parser) confidence(text string, skills []string, qtype string) float64 {
	confidence := 0.7
	switch qtype {
	case "who_knows", "expert_in", "find_expert":
		confidence = 0.9
	}
	if len(skills) > 1 {
		confidence += 0.1
	}
	exact := 0
	for _, s := range skills {
		if _, ok := p.techSkills[s]; ok {
			exact++
		}
	}
	if exact > 0 {
		confidence += 0.1 * float64(exact) / float64(len(skills))
	}
	if len(skills) > 3 {
		confidence -= 0.1
	}
	if strings.Contains(text, "?") {
		confidence += 0.05
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// SupportedSkills returns the built-in vocabulary, for the debug endpoint.
func (p *Parser) SupportedSkills() []string {
	out := make([]string, len(techSkills))
	copy(out, techSkills)
	return out
}
