// Package notify implements the optional job-completion notifier (C11):
// a thin Slack client that posts a message once a job reaches a terminal
// state. Nil-safe throughout — a disabled or unconfigured notifier is
// simply never constructed, and callers hold a nil-checked job.Notifier.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// client is a thin wrapper around the slack-go SDK, scoped to the one
// operation the notifier needs: posting a message to a fixed channel.
// Unlike an alert-originated notifier, job completions have no inbound
// Slack message to thread against, so there is no history search here.
type client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

func newClient(token, channelID string) *client {
	return &client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "notify-client"),
	}
}

// newClientWithAPIURL targets a custom API URL, for testing against a
// mock server.
func newClientWithAPIURL(token, channelID, apiURL string) *client {
	return &client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "notify-client"),
	}
}

func (c *client) postMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
