package notify

import (
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jflournoy/beamsearch/pkg/job"
	"github.com/jflournoy/beamsearch/pkg/orchestrator"
)

func TestBuildJobDoneMessage_Completed(t *testing.T) {
	snap := job.Snapshot{
		JobID:     "job-1",
		SessionID: "ses-1",
		Status:    job.StatusCompleted,
		Params:    map[string]any{"prompt": "a cat in a garden"},
		Result:    &orchestrator.Result{BestCandidateID: "c3", TotalTokens: 420},
	}
	blocks := buildJobDoneMessage(snap)

	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":white_check_mark:")
	assert.Contains(t, header.Text.Text, "Beam search complete")
	assert.Contains(t, header.Text.Text, "a cat in a garden")
	assert.Contains(t, header.Text.Text, "ses-1")

	detail := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, detail.Text.Text, "c3")
	assert.Contains(t, detail.Text.Text, "420")
}

func TestBuildJobDoneMessage_Failed(t *testing.T) {
	snap := job.Snapshot{
		JobID:     "job-2",
		SessionID: "ses-2",
		Status:    job.StatusFailed,
		Params:    map[string]any{"prompt": "a dog"},
		Error:     "too many candidates failed safety classification",
	}
	blocks := buildJobDoneMessage(snap)

	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":x:")
	assert.Contains(t, header.Text.Text, "Beam search failed")

	detail := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, detail.Text.Text, "too many candidates failed safety classification")
}

func TestBuildJobDoneMessage_Cancelled(t *testing.T) {
	snap := job.Snapshot{
		JobID:     "job-3",
		SessionID: "ses-3",
		Status:    job.StatusCancelled,
		Params:    map[string]any{"prompt": "a horse"},
	}
	blocks := buildJobDoneMessage(snap)

	require.Len(t, blocks, 1)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":no_entry_sign:")
	assert.Contains(t, header.Text.Text, "Beam search cancelled")
}

func TestTruncate(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncate("hello"))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := make([]byte, maxBlockTextLength+100)
		for i := range text {
			text[i] = 'a'
		}
		result := truncate(string(text))
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})
}
