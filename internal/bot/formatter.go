package bot

import (
	"fmt"
	"strings"

	truffle "github.com/trufflehq/truffle"
)

// ErrorReply is posted when the Expert API is unreachable.
const ErrorReply = "Sorry, I couldn't search for experts right now. Please try again later."

const maxNamedExperts = 3

// FormatReply renders a search result as a Slack message. The top three
// experts are named with a confidence label; any remainder is summarized.
func FormatReply(skills []string, resp *SearchResponse) string {
	skillList := strings.Join(skills, ", ")
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Sprintf("No experts found for %s", skillList)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d expert%s for %s:\n",
		resp.TotalFound, plural(resp.TotalFound), skillList)

	named := resp.Results
	if len(named) > maxNamedExperts {
		named = named[:maxNamedExperts]
	}
	for _, hit := range named {
		name := hit.DisplayName
		if name == "" {
			name = hit.UserName
		}
		fmt.Fprintf(&b, "• %s (%s confidence, %d message%s)\n",
			name,
			truffle.ConfidenceLevel(hit.ConfidenceScore),
			hit.EvidenceCount, plural(hit.EvidenceCount))
	}
	if rest := resp.TotalFound - len(named); rest > 0 {
		fmt.Fprintf(&b, "...and %d more", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
