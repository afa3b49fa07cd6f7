package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/projectwarden/warden/internal/werr"
)

// slackMaxTextLen keeps messages inside Slack's recommended section limit.
const slackMaxTextLen = 3000

// SlackAPI is the minimal Slack API surface needed by the notifier.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications to a Slack channel. Interactive actions are not
// rendered on this channel; replies and callbacks flow through Telegram.
type Slack struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlack creates a Slack notifier for the given bot token and channel.
func NewSlack(token, channel string, logger zerolog.Logger) *Slack {
	return NewSlackWithAPI(slack.New(token), channel, logger)
}

// NewSlackWithAPI creates a Slack notifier around an existing API client.
func NewSlackWithAPI(api SlackAPI, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

func (s *Slack) Name() string    { return "slack" }
func (s *Slack) MaxTextLen() int { return slackMaxTextLen }

// Send posts one message to the configured channel and returns its timestamp.
func (s *Slack) Send(ctx context.Context, text string, _ []Action) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return "", &werr.RateLimitError{Channel: "slack", RetryAfter: rl.RetryAfter}
		}
		return "", &werr.ChannelError{Channel: "slack", Message: "postMessage", Err: err}
	}
	return ts, nil
}
