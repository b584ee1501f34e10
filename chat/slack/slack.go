// Package slack implements truffle.ChatClient over the Slack Web API.
// All reads go through a shared batch-window rate budget; rate-limited
// responses are retried with the server's Retry-After hint.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	truffle "github.com/trufflehq/truffle"
)

// slackbotUserID is the workspace system user, excluded from user sync.
const slackbotUserID = "USLACKBOT"

const pageLimit = 200

// Client reads channels, users, and message history. Safe for use from
// one ingestion goroutine; the budget itself is concurrency-safe.
type Client struct {
	api         *slack.Client
	budget      *truffle.Budget
	maxAttempts int
	logger      *slog.Logger

	mu    sync.Mutex
	botID string
}

var _ truffle.ChatClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBudget sets the rate budget (default: a fresh truffle.NewBudget()).
func WithBudget(b *truffle.Budget) Option {
	return func(c *Client) { c.budget = b }
}

// WithMaxAttempts sets the per-call attempt cap on rate-limited
// responses (default: 3).
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithLogger sets the structured logger (default: no output).
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client from a bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		api:         slack.New(token),
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.budget == nil {
		c.budget = truffle.NewBudget()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// ResetBatchCounter starts a fresh rate batch.
func (c *Client) ResetBatchCounter() { c.budget.Reset() }

// call waits for the rate budget, then runs fn, retrying rate-limited
// responses. Slack's Retry-After gets a one-second buffer; without a
// hint the delay is 2^attempt seconds.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.budget.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) {
			return fmt.Errorf("%s: %w", op, err)
		}
		last = err
		delay := rle.RetryAfter + time.Second
		if rle.RetryAfter <= 0 {
			delay = time.Duration(1<<attempt) * time.Second
		}
		c.logger.Warn("slack rate limited",
			"op", op, "attempt", attempt+1, "delay", delay)
		if attempt < c.maxAttempts-1 {
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s: %w", op, last)
}

// ListChannels returns public channels, following the cursor until
// exhausted.
func (c *Client) ListChannels(ctx context.Context, excludeArchived bool) ([]truffle.Channel, error) {
	var channels []truffle.Channel
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel"},
		ExcludeArchived: excludeArchived,
		Limit:           pageLimit,
	}
	for {
		var (
			page   []slack.Channel
			cursor string
		)
		err := c.call(ctx, "conversations.list", func() error {
			var err error
			page, cursor, err = c.api.GetConversationsContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range page {
			channels = append(channels, truffle.Channel{ID: ch.ID, Name: ch.Name})
		}
		if cursor == "" {
			return channels, nil
		}
		params.Cursor = cursor
	}
}

// ListUsers returns active human members keyed by Slack user id,
// excluding deleted accounts, bots, and the workspace system user.
func (c *Client) ListUsers(ctx context.Context) (map[string]truffle.User, error) {
	var members []slack.User
	err := c.call(ctx, "users.list", func() error {
		var err error
		members, err = c.api.GetUsersContext(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	users := make(map[string]truffle.User, len(members))
	for _, m := range members {
		if m.Deleted || m.IsBot || m.ID == slackbotUserID {
			continue
		}
		users[m.ID] = normalizeUser(m)
	}
	return users, nil
}

// normalizeUser picks a display name with the fallback chain
// profile.display_name, real_name, name, id.
func normalizeUser(m slack.User) truffle.User {
	display := m.Profile.DisplayName
	if display == "" {
		display = m.RealName
	}
	if display == "" {
		display = m.Name
	}
	if display == "" {
		display = m.ID
	}
	return truffle.User{
		ExternalID:  m.ID,
		DisplayName: display,
		Name:        m.Name,
		Timezone:    m.TZ,
	}
}

// BotID returns the bot's own user id, resolved once via auth.test.
func (c *Client) BotID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botID != "" {
		return c.botID, nil
	}
	var resp *slack.AuthTestResponse
	err := c.call(ctx, "auth.test", func() error {
		var err error
		resp, err = c.api.AuthTestContext(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	c.botID = resp.UserID
	return c.botID, nil
}

// RecentMessages streams a channel's history newer than since. Each
// top-level message is emitted in channel order; a parent with replies
// is followed by its thread replies in thread order. Messages with a
// subtype (joins, edits, bot posts) and messages mentioning the bot are
// skipped.
func (c *Client) RecentMessages(ctx context.Context, channelID string, since time.Duration, fn func(truffle.Message) error) error {
	botID, err := c.BotID(ctx)
	if err != nil {
		return err
	}
	botMention := "<@" + botID + ">"
	oldest := fmt.Sprintf("%d.000000", time.Now().Add(-since).Unix())

	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Limit:     pageLimit,
	}
	for {
		var resp *slack.GetConversationHistoryResponse
		err := c.call(ctx, "conversations.history", func() error {
			var err error
			resp, err = c.api.GetConversationHistoryContext(ctx, params)
			return err
		})
		if err != nil {
			return err
		}

		// History pages are newest first; walk each page oldest first.
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			m := resp.Messages[i]
			if m.SubType != "" || strings.Contains(m.Text, botMention) {
				continue
			}
			msg := toMessage(channelID, m)
			if err := fn(msg); err != nil {
				return err
			}
			if m.ReplyCount > 0 {
				if err := c.threadReplies(ctx, channelID, m.Timestamp, botMention, fn); err != nil {
					return err
				}
			}
		}

		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			return nil
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
}

// threadReplies emits a thread's replies in order, skipping the parent
// duplicate, subtyped messages, and bot mentions.
func (c *Client) threadReplies(ctx context.Context, channelID, threadTS, botMention string, fn func(truffle.Message) error) error {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     pageLimit,
	}
	for {
		var (
			msgs    []slack.Message
			hasMore bool
			cursor  string
		)
		err := c.call(ctx, "conversations.replies", func() error {
			var err error
			msgs, hasMore, cursor, err = c.api.GetConversationRepliesContext(ctx, params)
			return err
		})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Timestamp == threadTS {
				continue
			}
			if m.SubType != "" || strings.Contains(m.Text, botMention) {
				continue
			}
			if err := fn(toMessage(channelID, m)); err != nil {
				return err
			}
		}
		if !hasMore || cursor == "" {
			return nil
		}
		params.Cursor = cursor
	}
}

func toMessage(channelID string, m slack.Message) truffle.Message {
	return truffle.Message{
		ChannelID:  channelID,
		TS:         m.Timestamp,
		ThreadTS:   m.ThreadTimestamp,
		AuthorID:   m.User,
		Text:       m.Text,
		ReplyCount: m.ReplyCount,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
