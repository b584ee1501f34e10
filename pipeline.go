package truffle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
)

// threadContext is the cached {text, skills} of a thread parent, kept so
// later replies can inherit the topic.
type threadContext struct {
	Text   string
	Skills []string
}

const threadContextCap = 10_000

// Processor runs the per-message pipeline: gate, skill extraction,
// thread-context enrichment, classification, evidence persistence.
// One Processor is shared by all workers; the thread-context cache is a
// bounded LRU so a long backfill cannot grow it without limit.
type Processor struct {
	matcher    *Matcher
	classifier Classifier
	store      Store

	threads *ttlcache.Cache[string, threadContext]

	extractSkills     bool
	classifyExpertise bool
	logger            *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// ExtractSkills gates the skill-extraction stage (default: on). When
// off, every message is dropped at the gate.
func ExtractSkills(on bool) ProcessorOption {
	return func(p *Processor) { p.extractSkills = on }
}

// ClassifyExpertise gates the classification and persistence stages
// (default: on). When off, matched messages are dropped after the
// thread-context stage; parents are still cached for their replies.
func ClassifyExpertise(on bool) ProcessorOption {
	return func(p *Processor) { p.classifyExpertise = on }
}

// ProcessorLogger sets the structured logger (default: no output).
func ProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor.
func NewProcessor(matcher *Matcher, classifier Classifier, store Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		matcher:    matcher,
		classifier: classifier,
		store:      store,
		threads: ttlcache.New(
			ttlcache.WithCapacity[string, threadContext](threadContextCap),
		),
		extractSkills:     true,
		classifyExpertise: true,
		logger:            nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MessageHash is the evidence deduplication key: the first 16 hex
// characters of SHA-256("channel:ts:text"). Stable across retries and
// across scheduler runs that re-enqueue the same message.
func MessageHash(channelID, ts, text string) string {
	sum := sha256.Sum256([]byte(channelID + ":" + ts + ":" + text))
	return hex.EncodeToString(sum[:])[:16]
}

// Process runs the pipeline on one task. A nil return means the message
// was either fully persisted or deliberately dropped; errors from
// classification or persistence propagate so the worker can retry.
func (p *Processor) Process(ctx context.Context, task *Task) error {
	msg := task.Message
	if msg.AuthorID == "" || msg.Text == "" {
		return nil
	}
	if !p.extractSkills {
		return nil
	}

	skills := p.matcher.Match(msg.Text)

	var parentText string
	if msg.IsReply() {
		if item := p.threads.Get(msg.ThreadID()); item != nil {
			parent := item.Value()
			parentText = parent.Text
			skills = mergeSkills(skills, parent.Skills)
		}
	} else if msg.ReplyCount > 0 {
		p.threads.Set(msg.ThreadID(), threadContext{Text: msg.Text, Skills: skills}, ttlcache.NoTTL)
	}

	if len(skills) == 0 {
		return nil
	}
	if !p.classifyExpertise {
		return nil
	}

	candidate := Candidate{
		MessageID:  msg.TS,
		AuthorID:   msg.AuthorID,
		ChannelID:  msg.ChannelID,
		Text:       msg.Text,
		ParentText: parentText,
		SkillKeys:  skills,
	}
	results, err := p.classifier.Classify(ctx, candidate)
	if err != nil {
		return fmt.Errorf("classify message %s: %w", msg.TS, err)
	}
	if len(results) == 0 {
		return nil
	}

	hash := MessageHash(msg.ChannelID, msg.TS, msg.Text)
	today := Today()
	for _, result := range results {
		inserted, err := p.store.StoreEvidence(ctx, msg.AuthorID, []Evaluation{result}, today, hash)
		if err != nil {
			return fmt.Errorf("store evidence for %s/%s: %w", msg.AuthorID, result.SkillKey, err)
		}
		if inserted == 0 {
			continue
		}
		if err := p.store.UpdateUserSkillScore(ctx, msg.AuthorID, result.SkillKey, result.Label, Clamp01(result.Confidence), today); err != nil {
			// The evidence row is in; the next full rebuild corrects
			// the score. Not worth a task retry.
			p.logger.Warn("incremental score update failed",
				"user", msg.AuthorID, "skill", result.SkillKey, "error", err)
		}
	}
	return nil
}

// ThreadContextLen reports the current cache size, for monitoring.
func (p *Processor) ThreadContextLen() int {
	return p.threads.Len()
}

// mergeSkills appends the parent-only keys to the child's, preserving
// order without duplicates.
func mergeSkills(own, parent []string) []string {
	seen := make(map[string]struct{}, len(own))
	for _, k := range own {
		seen[k] = struct{}{}
	}
	for _, k := range parent {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		own = append(own, k)
	}
	return own
}
