package truffle

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// ChatClient is read access to a chat workspace. Implementations live in
// chat/; they own pagination and the rate budget.
type ChatClient interface {
	// ListChannels returns the public channels the bot can read,
	// following pagination cursors until exhausted.
	ListChannels(ctx context.Context, excludeArchived bool) ([]Channel, error)

	// ListUsers returns active human members keyed by external id,
	// excluding deleted users, bots, and the workspace system user.
	ListUsers(ctx context.Context) (map[string]User, error)

	// BotID returns the workspace's external id for the bot itself,
	// cached after the first call.
	BotID(ctx context.Context) (string, error)

	// RecentMessages streams a channel's messages newer than since:
	// top-level messages in channel order, each parent's thread replies
	// in thread order right after it. Messages with a subtype and
	// messages mentioning the bot are filtered out. fn returning an
	// error stops the stream and propagates the error.
	RecentMessages(ctx context.Context, channelID string, since time.Duration, fn func(Message) error) error

	// ResetBatchCounter starts a fresh rate-budget batch. The scheduler
	// calls it between channels.
	ResetBatchCounter()
}

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// ReplaceUserMentions rewrites raw `<@ID>` mentions to
// `@name[slack_user_id:ID]` so the classifier sees who is being
// addressed. Unknown ids keep their raw form.
func ReplaceUserMentions(text string, users map[string]User) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		id := mentionPattern.FindStringSubmatch(m)[1]
		u, ok := users[id]
		if !ok {
			return m
		}
		name := u.Name
		if name == "" {
			name = u.DisplayName
		}
		return fmt.Sprintf("@%s[slack_user_id:%s]", name, id)
	})
}
