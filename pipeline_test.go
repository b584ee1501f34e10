package truffle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for pipeline and scheduler tests.
type fakeStore struct {
	mu       sync.Mutex
	empty    bool
	evidence map[string]Evaluation // "user|skill|hash" -> evaluation
	updates  []string              // "user|skill" per UpdateUserSkillScore call
	users    map[string]User
	skills   []Skill

	storeErr     error
	updateErr    error
	aggregations int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		empty:    true,
		evidence: make(map[string]Evaluation),
		users:    make(map[string]User),
	}
}

func (f *fakeStore) UpsertUsers(_ context.Context, users map[string]User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range users {
		f.users[id] = u
	}
	return nil
}

func (f *fakeStore) UpsertSkills(_ context.Context, skills []Skill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skills = append(f.skills, skills...)
	return nil
}

func (f *fakeStore) IsEmpty(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty, nil
}

func (f *fakeStore) StoreEvidence(_ context.Context, externalID string, evals []Evaluation, _ time.Time, hash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return 0, f.storeErr
	}
	inserted := 0
	for _, e := range evals {
		key := fmt.Sprintf("%s|%s|%s", externalID, e.SkillKey, hash)
		if _, dup := f.evidence[key]; dup {
			continue
		}
		f.evidence[key] = e
		inserted++
	}
	if inserted > 0 {
		f.empty = false
	}
	return inserted, nil
}

func (f *fakeStore) SearchExperts(context.Context, ExpertQuery) ([]ExpertResult, error) {
	return nil, nil
}

func (f *fakeStore) AggregateAllScores(context.Context) (AggregateStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregations++
	return AggregateStats{TotalEvidence: len(f.evidence)}, nil
}

func (f *fakeStore) UpdateUserSkillScore(_ context.Context, externalID, skillKey string, _ Label, _ float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, externalID+"|"+skillKey)
	return nil
}

func (f *fakeStore) ListSkills(context.Context) ([]Skill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skills, nil
}

func (f *fakeStore) ExpertCounts(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeStore) ScoreStats(context.Context) (AggregateStats, error) {
	return AggregateStats{}, nil
}

func (f *fakeStore) Health(context.Context) (StoreHealth, error) {
	return StoreHealth{Connected: true}, nil
}

func (f *fakeStore) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidence = make(map[string]Evaluation)
	f.updates = nil
	f.empty = true
	return nil
}

func (f *fakeStore) evidenceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evidence)
}

var _ Store = (*fakeStore)(nil)

// echoClassifier labels every candidate skill positive at a fixed
// confidence and records the candidates it saw.
type echoClassifier struct {
	mu         sync.Mutex
	candidates []Candidate
}

func (e *echoClassifier) Name() string { return "echo" }

func (e *echoClassifier) Classify(_ context.Context, c Candidate) ([]Evaluation, error) {
	e.mu.Lock()
	e.candidates = append(e.candidates, c)
	e.mu.Unlock()
	evals := make([]Evaluation, len(c.SkillKeys))
	for i, key := range c.SkillKeys {
		evals[i] = Evaluation{SkillKey: key, Label: LabelPositive, Confidence: 0.9}
	}
	return evals, nil
}

func (e *echoClassifier) seen() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Candidate(nil), e.candidates...)
}

func newTask(msg Message) *Task {
	return &Task{ID: NewID(), Message: msg, Channel: Channel{ID: msg.ChannelID}}
}

func TestProcessor_StoresMatchedMessage(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)

	task := newTask(Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "debugging go generics"})
	if err := p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := store.evidenceCount(); got != 1 {
		t.Errorf("evidence = %d, want 1", got)
	}
	if len(store.updates) != 1 || store.updates[0] != "U1|golang" {
		t.Errorf("updates = %v, want [U1|golang]", store.updates)
	}
}

func TestProcessor_DropsUnmatchedMessage(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)

	task := newTask(Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "lunch anyone?"})
	if err := p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(clf.seen()) != 0 {
		t.Error("classifier called for unmatched message")
	}
	if store.evidenceCount() != 0 {
		t.Error("evidence stored for unmatched message")
	}
}

func TestProcessor_SkipsEmptyAuthorOrText(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)

	for _, msg := range []Message{
		{ChannelID: "C1", TS: "1", Text: "go tips"},
		{ChannelID: "C1", TS: "2", AuthorID: "U1"},
	} {
		if err := p.Process(context.Background(), newTask(msg)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if len(clf.seen()) != 0 {
		t.Error("classifier called for gated message")
	}
}

func TestProcessor_ReplyInheritsParentSkills(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)
	ctx := context.Background()

	parent := Message{ChannelID: "C1", TS: "100.0", ThreadTS: "100.0", AuthorID: "U1",
		Text: "anyone good with python asyncio?", ReplyCount: 2}
	reply := Message{ChannelID: "C1", TS: "101.0", ThreadTS: "100.0", AuthorID: "U2",
		Text: "use a task group and await them all"}

	if err := p.Process(ctx, newTask(parent)); err != nil {
		t.Fatalf("Process parent: %v", err)
	}
	if err := p.Process(ctx, newTask(reply)); err != nil {
		t.Fatalf("Process reply: %v", err)
	}

	seen := clf.seen()
	if len(seen) != 2 {
		t.Fatalf("classifier saw %d candidates, want 2", len(seen))
	}
	got := seen[1]
	if len(got.SkillKeys) != 1 || got.SkillKeys[0] != "python" {
		t.Errorf("reply skills = %v, want [python]", got.SkillKeys)
	}
	if !strings.Contains(got.ParentText, "asyncio") {
		t.Errorf("reply parent text = %q, want the thread parent", got.ParentText)
	}
}

func TestProcessor_ParentCachedEvenWithoutOwnSkills(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)
	ctx := context.Background()

	// The parent matches nothing but still provides context; the reply
	// matches on its own and gets the parent text.
	parent := Message{ChannelID: "C1", TS: "100.0", ThreadTS: "100.0", AuthorID: "U1",
		Text: "my service keeps crashing on startup", ReplyCount: 1}
	reply := Message{ChannelID: "C1", TS: "101.0", ThreadTS: "100.0", AuthorID: "U2",
		Text: "check your go routine leaks"}

	if err := p.Process(ctx, newTask(parent)); err != nil {
		t.Fatalf("Process parent: %v", err)
	}
	if err := p.Process(ctx, newTask(reply)); err != nil {
		t.Fatalf("Process reply: %v", err)
	}

	seen := clf.seen()
	if len(seen) != 1 {
		t.Fatalf("classifier saw %d candidates, want 1 (reply only)", len(seen))
	}
	if !strings.Contains(seen[0].ParentText, "crashing") {
		t.Errorf("parent text = %q, want cached parent", seen[0].ParentText)
	}
}

func TestProcessor_ReplyWithNoSkillsAnywhereIsDropped(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)
	ctx := context.Background()

	parent := Message{ChannelID: "C1", TS: "100.0", ThreadTS: "100.0", AuthorID: "U1",
		Text: "standup moved to 11", ReplyCount: 1}
	reply := Message{ChannelID: "C1", TS: "101.0", ThreadTS: "100.0", AuthorID: "U2",
		Text: "works for me"}

	_ = p.Process(ctx, newTask(parent))
	_ = p.Process(ctx, newTask(reply))

	if len(clf.seen()) != 0 {
		t.Error("classifier called for skill-free thread")
	}
}

func TestProcessor_DuplicateMessageNotDoubleCounted(t *testing.T) {
	store := newFakeStore()
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)
	ctx := context.Background()

	msg := Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "go modules question"}
	for i := 0; i < 2; i++ {
		if err := p.Process(ctx, newTask(msg)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if got := store.evidenceCount(); got != 1 {
		t.Errorf("evidence = %d, want 1 (dedup by message hash)", got)
	}
	// The EMA update only runs for the actual insert.
	if len(store.updates) != 1 {
		t.Errorf("updates = %v, want exactly one", store.updates)
	}
}

func TestProcessor_ClassifierErrorPropagates(t *testing.T) {
	store := newFakeStore()
	boom := &ErrHTTP{Status: 503}
	clf := &stubClassifier{results: []stubResult{{err: boom}}}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)

	task := newTask(Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "go question"})
	err := p.Process(context.Background(), task)
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped classifier error", err)
	}
}

func TestProcessor_ScoreUpdateFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.updateErr = errors.New("db busy")
	clf := &echoClassifier{}
	p := NewProcessor(NewMatcher(testSkills()), clf, store)

	task := newTask(Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "go question"})
	if err := p.Process(context.Background(), task); err != nil {
		t.Fatalf("Process should tolerate score update failure, got %v", err)
	}
	if store.evidenceCount() != 1 {
		t.Error("evidence not stored")
	}
}

func TestProcessor_Gates(t *testing.T) {
	msg := Message{ChannelID: "C1", TS: "100.0", AuthorID: "U1", Text: "go question"}

	t.Run("extraction off", func(t *testing.T) {
		store := newFakeStore()
		clf := &echoClassifier{}
		p := NewProcessor(NewMatcher(testSkills()), clf, store, ExtractSkills(false))
		_ = p.Process(context.Background(), newTask(msg))
		if len(clf.seen()) != 0 || store.evidenceCount() != 0 {
			t.Error("extraction gate did not drop the message")
		}
	})

	t.Run("classification off", func(t *testing.T) {
		store := newFakeStore()
		clf := &echoClassifier{}
		p := NewProcessor(NewMatcher(testSkills()), clf, store, ClassifyExpertise(false))
		_ = p.Process(context.Background(), newTask(msg))
		if len(clf.seen()) != 0 || store.evidenceCount() != 0 {
			t.Error("classification gate did not drop the message")
		}
	})
}

func TestMessageHash(t *testing.T) {
	h1 := MessageHash("C1", "100.0", "hello")
	h2 := MessageHash("C1", "100.0", "hello")
	if h1 != h2 {
		t.Errorf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
	for _, other := range []string{
		MessageHash("C2", "100.0", "hello"),
		MessageHash("C1", "101.0", "hello"),
		MessageHash("C1", "100.0", "hullo"),
	} {
		if other == h1 {
			t.Errorf("distinct inputs produced equal hash %s", h1)
		}
	}
}
