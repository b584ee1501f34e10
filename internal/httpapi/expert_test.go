package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	truffle "github.com/trufflehq/truffle"
)

var errStoreDown = errors.New("store down")

// stubStore is a scripted truffle.Store for handler tests. Mutation
// counters are mutex-guarded since maintenance handlers write from
// background goroutines.
type stubStore struct {
	results   []truffle.ExpertResult
	searchErr error
	gotQuery  truffle.ExpertQuery

	skills    []truffle.Skill
	skillsErr error
	counts    map[string]int
	countsErr error

	health    truffle.StoreHealth
	healthErr error

	stats truffle.AggregateStats
	empty bool

	mu             sync.Mutex
	resets         int
	aggregations   int
	upsertedSkills int
}

func (s *stubStore) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *stubStore) upsertedSkillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertedSkills
}

func (s *stubStore) UpsertUsers(context.Context, map[string]truffle.User) error { return nil }

func (s *stubStore) UpsertSkills(_ context.Context, skills []truffle.Skill) error {
	s.mu.Lock()
	s.upsertedSkills += len(skills)
	s.mu.Unlock()
	return nil
}

func (s *stubStore) IsEmpty(context.Context) (bool, error) { return s.empty, nil }

func (s *stubStore) StoreEvidence(context.Context, string, []truffle.Evaluation, time.Time, string) (int, error) {
	return 0, nil
}

func (s *stubStore) SearchExperts(_ context.Context, q truffle.ExpertQuery) ([]truffle.ExpertResult, error) {
	s.gotQuery = q
	return s.results, s.searchErr
}

func (s *stubStore) AggregateAllScores(context.Context) (truffle.AggregateStats, error) {
	s.mu.Lock()
	s.aggregations++
	s.mu.Unlock()
	return s.stats, nil
}

func (s *stubStore) UpdateUserSkillScore(context.Context, string, string, truffle.Label, float64, time.Time) error {
	return nil
}

func (s *stubStore) ListSkills(context.Context) ([]truffle.Skill, error) {
	return s.skills, s.skillsErr
}

func (s *stubStore) ExpertCounts(context.Context) (map[string]int, error) {
	return s.counts, s.countsErr
}

func (s *stubStore) ScoreStats(context.Context) (truffle.AggregateStats, error) {
	return s.stats, nil
}

func (s *stubStore) Health(context.Context) (truffle.StoreHealth, error) {
	return s.health, s.healthErr
}

func (s *stubStore) Reset(context.Context) error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

var _ truffle.Store = (*stubStore)(nil)

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, handler http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

func TestExpertHandler_Search(t *testing.T) {
	store := &stubStore{results: []truffle.ExpertResult{
		{ExternalID: "U1", DisplayName: "Alice", SkillKey: "golang", SkillName: "Go",
			Score: 0.9, EvidenceCount: 4, PositiveCount: 4},
		{ExternalID: "U1", DisplayName: "Alice", SkillKey: "kubernetes", SkillName: "Kubernetes",
			Score: 0.6, EvidenceCount: 2, PositiveCount: 1, NeutralCount: 1},
		{ExternalID: "U2", DisplayName: "Bob", SkillKey: "golang", SkillName: "Go",
			Score: 0.5, EvidenceCount: 1, PositiveCount: 1},
	}}
	h := NewExpertHandler(store, nil)

	rec := postJSON(t, h.Routes(), "/experts/search",
		`{"skills": [" Golang ", "KUBERNETES"], "limit": 5, "min_confidence": 0.7, "include_confidence": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SearchStrategy != "skill_based" {
		t.Errorf("strategy = %q", resp.SearchStrategy)
	}
	if resp.TotalFound != 2 || len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2 grouped users", len(resp.Results))
	}
	alice := resp.Results[0]
	if alice.UserID != "U1" || alice.ConfidenceScore != 0.9 {
		t.Errorf("first hit = %+v, want U1 at 0.9", alice)
	}
	if len(alice.Skills) != 2 || alice.Skills[0] != "Go" {
		t.Errorf("skills = %v, want [Go Kubernetes]", alice.Skills)
	}
	if alice.EvidenceCount != 6 || alice.TotalMessages != 6 {
		t.Errorf("counts = %d/%d, want 6/6", alice.EvidenceCount, alice.TotalMessages)
	}

	q := store.gotQuery
	if len(q.SkillKeys) != 2 || q.SkillKeys[0] != "golang" || q.SkillKeys[1] != "kubernetes" {
		t.Errorf("skill keys = %v, want normalized lowercase", q.SkillKeys)
	}
	if q.Limit != 5 || q.MinConfidence != 0.7 {
		t.Errorf("limit/min = %d/%v, want 5/0.7", q.Limit, q.MinConfidence)
	}
}

func TestExpertHandler_SearchValidation(t *testing.T) {
	h := NewExpertHandler(&stubStore{}, nil)

	if rec := postJSON(t, h.Routes(), "/experts/search", `{"skills": []}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty skills: status = %d, want 400", rec.Code)
	}
	if rec := postJSON(t, h.Routes(), "/experts/search", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}
}

func TestExpertHandler_SearchDegradesOnStoreError(t *testing.T) {
	store := &stubStore{searchErr: errors.New("db gone")}
	h := NewExpertHandler(store, nil)

	rec := postJSON(t, h.Routes(), "/experts/search", `{"skills": ["golang"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when storage fails", rec.Code)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalFound != 0 || len(resp.Results) != 0 {
		t.Errorf("got %+v, want empty result set", resp)
	}
}

func TestExpertHandler_Skills(t *testing.T) {
	store := &stubStore{
		skills: []truffle.Skill{
			{Key: "golang", Name: "Go", Domain: "engineering", Aliases: []string{"go"}},
			{Key: "terraform", Name: "Terraform", Domain: "infrastructure"},
		},
		counts: map[string]int{"golang": 3},
	}
	h := NewExpertHandler(store, nil)

	var resp skillsResponse
	rec := getJSON(t, h.Routes(), "/skills", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.TotalCount != 2 {
		t.Errorf("total = %d, want 2", resp.TotalCount)
	}
	if resp.Skills[0].ExpertCount != 3 || resp.Skills[1].ExpertCount != 0 {
		t.Errorf("expert counts = %d/%d, want 3/0",
			resp.Skills[0].ExpertCount, resp.Skills[1].ExpertCount)
	}
	if len(resp.Domains) != 2 || resp.Domains[0] != "engineering" {
		t.Errorf("domains = %v, want sorted [engineering infrastructure]", resp.Domains)
	}
}

func TestExpertHandler_SkillsToleratesMissingCounts(t *testing.T) {
	store := &stubStore{
		skills:    []truffle.Skill{{Key: "golang", Name: "Go", Domain: "engineering"}},
		countsErr: errors.New("no scores table"),
	}
	h := NewExpertHandler(store, nil)

	var resp skillsResponse
	if rec := getJSON(t, h.Routes(), "/skills", &resp); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Skills[0].ExpertCount != 0 {
		t.Errorf("expert count = %d, want 0 fallback", resp.Skills[0].ExpertCount)
	}
}

func TestExpertHandler_Health(t *testing.T) {
	h := NewExpertHandler(&stubStore{health: truffle.StoreHealth{Connected: true, UserCount: 2}}, nil)
	if rec := getJSON(t, h.Routes(), "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	h = NewExpertHandler(&stubStore{healthErr: errors.New("down")}, nil)
	if rec := getJSON(t, h.Routes(), "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
