package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/jflournoy/beamsearch/pkg/job"
)

const maxBlockTextLength = 2900

var statusEmoji = map[job.Status]string{
	job.StatusCompleted: ":white_check_mark:",
	job.StatusFailed:    ":x:",
	job.StatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[job.Status]string{
	job.StatusCompleted: "Beam search complete",
	job.StatusFailed:    "Beam search failed",
	job.StatusCancelled: "Beam search cancelled",
}

// buildJobDoneMessage renders Block Kit blocks for a terminal job
// notification: the winning candidate's ID and the tokens used on
// success, or the error message on failure/cancellation.
func buildJobDoneMessage(snap job.Snapshot) []goslack.Block {
	emoji := statusEmoji[snap.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[snap.Status]
	if label == "" {
		label = "Beam search " + string(snap.Status)
	}

	prompt, _ := snap.Params["prompt"].(string)
	headerText := fmt.Sprintf("%s *%s*\n*Prompt:* %s\n*Session:* %s", emoji, label, truncate(prompt), snap.SessionID)

	var blocks []goslack.Block
	blocks = append(blocks, goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
		nil, nil,
	))

	switch {
	case snap.Status == job.StatusCompleted && snap.Result != nil:
		detail := fmt.Sprintf("Winner: `%s` · %d tokens used", snap.Result.BestCandidateID, snap.Result.TotalTokens)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false),
			nil, nil,
		))
	case snap.Error != "":
		detail := fmt.Sprintf("*Error:*\n%s", truncate(snap.Error))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false),
			nil, nil,
		))
	}

	return blocks
}

func truncate(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
