package bot

import (
	"strings"
	"testing"
)

func TestFormatReply_NoResults(t *testing.T) {
	got := FormatReply([]string{"golang", "kubernetes"}, &SearchResponse{})
	want := "No experts found for golang, kubernetes"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if FormatReply([]string{"golang"}, nil) != "No experts found for golang" {
		t.Error("nil response should read as no results")
	}
}

func TestFormatReply_SingleExpert(t *testing.T) {
	resp := &SearchResponse{
		Results: []ExpertHit{
			{DisplayName: "Alice", ConfidenceScore: 0.85, EvidenceCount: 1},
		},
		TotalFound: 1,
	}
	got := FormatReply([]string{"golang"}, resp)
	want := "Found 1 expert for golang:\n• Alice (high confidence, 1 message)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatReply_TruncatesToThree(t *testing.T) {
	resp := &SearchResponse{
		Results: []ExpertHit{
			{DisplayName: "Alice", ConfidenceScore: 0.9, EvidenceCount: 12},
			{DisplayName: "Bob", ConfidenceScore: 0.6, EvidenceCount: 5},
			{DisplayName: "Carol", ConfidenceScore: 0.4, EvidenceCount: 3},
			{DisplayName: "Dave", ConfidenceScore: 0.2, EvidenceCount: 2},
			{DisplayName: "Erin", ConfidenceScore: 0.15, EvidenceCount: 1},
		},
		TotalFound: 5,
	}
	got := FormatReply([]string{"python"}, resp)

	for _, want := range []string{
		"Found 5 experts for python:",
		"• Alice (high confidence, 12 messages)",
		"• Bob (medium confidence, 5 messages)",
		"• Carol (low confidence, 3 messages)",
		"...and 2 more",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("reply missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Dave") || strings.Contains(got, "Erin") {
		t.Errorf("reply names more than three experts:\n%s", got)
	}
}

func TestFormatReply_FallsBackToUserName(t *testing.T) {
	resp := &SearchResponse{
		Results:    []ExpertHit{{UserName: "bob.b", ConfidenceScore: 0.7, EvidenceCount: 2}},
		TotalFound: 1,
	}
	got := FormatReply([]string{"redis"}, resp)
	if !strings.Contains(got, "bob.b") {
		t.Errorf("reply missing user name fallback:\n%s", got)
	}
}
