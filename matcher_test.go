package truffle

import (
	"reflect"
	"testing"
)

func testSkills() []Skill {
	return []Skill{
		{Key: "golang", Name: "Go", Domain: "engineering", Aliases: []string{"go", "golang"}},
		{Key: "python", Name: "Python", Domain: "engineering", Aliases: []string{"py"}},
		{Key: "django", Name: "Django", Domain: "engineering", Aliases: []string{}},
		{Key: "machine-learning", Name: "Machine Learning", Domain: "data", Aliases: []string{"ml"}},
	}
}

func TestMatcher_Match(t *testing.T) {
	m := NewMatcher(testSkills())

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"simple token", "I love go", []string{"golang"}},
		{"case insensitive", "GO and PYTHON here", []string{"golang", "python"}},
		{"alias", "py is nice", []string{"python"}},
		{"no match inside word", "django is not go", []string{"golang", "django"}},
		{"no match in compound", "see golang.org for docs", nil},
		{"no match with hyphen", "the go-between", nil},
		{"multi word alias", "machine learning rocks", []string{"machine-learning"}},
		{"multi word across newline", "machine\nlearning rocks", []string{"machine-learning"}},
		{"punctuation boundary ok", "ship it in go!", []string{"golang"}},
		{"empty text", "", nil},
		{"no skills", "just chatting about lunch", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMatcher_MatchIsPure(t *testing.T) {
	m := NewMatcher(testSkills())
	text := "go and python and go again"
	first := m.Match(text)
	second := m.Match(text)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated Match differs: %v then %v", first, second)
	}
}

func TestMatcher_DeduplicatesSharedAlias(t *testing.T) {
	// Two skills claiming the same alias: first in taxonomy order wins.
	m := NewMatcher([]Skill{
		{Key: "golang", Name: "Go", Aliases: []string{"go"}},
		{Key: "go-board-game", Name: "Go (game)", Aliases: []string{"go"}},
	})
	got := m.Match("let's play go")
	want := []string{"golang"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Match = %v, want %v", got, want)
	}
}

func TestMatcher_Describe(t *testing.T) {
	m := NewMatcher(testSkills())
	skill, ok := m.Describe("python")
	if !ok {
		t.Fatal("Describe(python) not found")
	}
	if skill.Name != "Python" {
		t.Errorf("got %q, want %q", skill.Name, "Python")
	}
	if _, ok := m.Describe("cobol"); ok {
		t.Error("Describe(cobol) unexpectedly found")
	}
}

func TestReplaceUserMentions(t *testing.T) {
	users := map[string]User{
		"U123": {ExternalID: "U123", Name: "alice", DisplayName: "Alice A"},
		"U456": {ExternalID: "U456", DisplayName: "Bob B"},
	}
	tests := []struct {
		in, want string
	}{
		{"hey <@U123>", "hey @alice[slack_user_id:U123]"},
		{"<@U456> can help", "@Bob B[slack_user_id:U456] can help"},
		{"<@U999> unknown", "<@U999> unknown"},
		{"no mentions", "no mentions"},
	}
	for _, tt := range tests {
		if got := ReplaceUserMentions(tt.in, users); got != tt.want {
			t.Errorf("ReplaceUserMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
