package notify

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
	"github.com/jflournoy/beamsearch/pkg/job"
)

// SlackNotifier posts a message to a fixed Slack channel once a job
// reaches a terminal state. The zero value is not usable; use New.
// Satisfies job.Notifier.
type SlackNotifier struct {
	client *client
	logger *slog.Logger
}

// New constructs a SlackNotifier from cfg. Returns nil (not an error) if
// notification is disabled or the channel token is unset, matching the
// teacher's fail-open "nil Service means no-op" pattern — callers never
// need to branch on whether notification is configured.
func New(cfg config.NotifyConfig) *SlackNotifier {
	if !cfg.Enabled || cfg.Channel == "" {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil
	}
	return &SlackNotifier{
		client: newClient(token, cfg.Channel),
		logger: slog.Default().With("component", "notify"),
	}
}

// NotifyJobDone posts a completion/failure/cancellation message.
// Fail-open: a nil receiver or a delivery error is logged, never
// returned — a Slack outage must never fail or retry the job itself.
func (n *SlackNotifier) NotifyJobDone(ctx context.Context, snap job.Snapshot) {
	if n == nil {
		return
	}
	blocks := buildJobDoneMessage(snap)
	if err := n.client.postMessage(ctx, blocks, 10*time.Second); err != nil {
		n.logger.Error("failed to send job notification", "jobId", snap.JobID, "status", snap.Status, "error", err)
	}
}
