package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to the configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostBlocks sends a block-kit message with a plain-text fallback.
// Returns the channel ID and message timestamp for tracking.
func (n *Notifier) PostBlocks(ctx context.Context, blocks []goslack.Block, fallback string) (channelID, ts string, err error) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "fallback", fallback)
		return "", "", nil
	}

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fallback, false),
	}

	channelID, ts, err = n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return "", "", fmt.Errorf("posting to slack: %w", err)
	}

	n.logger.Info("posted slack notification", "channel", channelID, "ts", ts)
	return channelID, ts, nil
}

// PostText sends a plain-text message to the configured channel.
func (n *Notifier) PostText(ctx context.Context, text string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "text", text)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}
