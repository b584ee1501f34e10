package bot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func skillServer(t *testing.T, hits *atomic.Int64, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(SkillsResponse{
			Skills: []SkillInfo{
				{Key: "golang", Name: "Go", Aliases: []string{"GoLang"}},
				{Key: "terraform", Name: "Terraform"},
			},
			TotalCount: 2,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSkillCache_TermsAreLowercased(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	srv := skillServer(t, &hits, &fail)

	sc := NewSkillCache(NewClient(srv.URL), nil)
	terms := sc.Terms()

	for _, want := range []string{"golang", "go", "terraform"} {
		if _, ok := terms[want]; !ok {
			t.Errorf("terms missing %q: %v", want, terms)
		}
	}
	if _, ok := terms["GoLang"]; ok {
		t.Error("alias not lowercased")
	}
}

func TestSkillCache_SecondReadIsCached(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	srv := skillServer(t, &hits, &fail)

	sc := NewSkillCache(NewClient(srv.URL), nil)
	if got := len(sc.Skills()); got != 2 {
		t.Fatalf("got %d skills, want 2", got)
	}
	_ = sc.Skills()
	if hits.Load() != 1 {
		t.Errorf("api hits = %d, want 1", hits.Load())
	}

	stats := sc.Stats()
	if stats.CachedSkills != 2 {
		t.Errorf("cached skills = %d, want 2", stats.CachedSkills)
	}
	if stats.LastRefresh.IsZero() {
		t.Error("last refresh not recorded")
	}
	if stats.LastError != "" {
		t.Errorf("last error = %q, want empty", stats.LastError)
	}
}

func TestSkillCache_RefreshFailureIsRecorded(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	fail.Store(true)
	srv := skillServer(t, &hits, &fail)

	sc := NewSkillCache(NewClient(srv.URL), nil)
	if skills := sc.Skills(); skills != nil {
		t.Errorf("got %v, want nil on failed refresh", skills)
	}
	if sc.Stats().LastError == "" {
		t.Error("refresh failure not recorded")
	}

	// The API coming back fills the cache on the next read.
	fail.Store(false)
	if got := len(sc.Skills()); got != 2 {
		t.Errorf("got %d skills after recovery, want 2", got)
	}
}
