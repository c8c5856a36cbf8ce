// Package httpvision implements providers.Vision by POSTing JSON to the
// local vision (or vlm) service the supervisor starts and health-checks
// (spec §4.1 expansion, §4.6).
package httpvision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/providers"
)

// DefaultTimeout is the soft per-call timeout recommended by spec §5 for
// vision/analysis calls.
const DefaultTimeout = 60 * time.Second

// Client is an HTTP-backed providers.Vision.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://127.0.0.1:8002").
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

type analyzeRequest struct {
	ImageRef    string   `json:"imageRef"`
	Prompt      string   `json:"prompt"`
	FocusAreas  []string `json:"focusAreas,omitempty"`
	Iteration   int      `json:"iteration"`
	CandidateID string   `json:"candidateId,omitempty"`
}

type analyzeResponse struct {
	Analysis       string  `json:"analysis"`
	AlignmentScore float64 `json:"alignmentScore"`
	AestheticScore float64 `json:"aestheticScore,omitempty"`
	Caption        string  `json:"caption,omitempty"`
	Model          string  `json:"model"`
	TokensUsed     int     `json:"tokensUsed"`
	InputTokens    int     `json:"inputTokens"`
	OutputTokens   int     `json:"outputTokens"`
}

// AnalyzeImage implements providers.Vision.
func (c *Client) AnalyzeImage(ctx context.Context, imageRef string, prompt string, opts providers.AnalyzeOptions) (providers.AnalyzeResult, error) {
	req := analyzeRequest{
		ImageRef:    imageRef,
		Prompt:      prompt,
		FocusAreas:  opts.FocusAreas,
		Iteration:   opts.Iteration,
		CandidateID: opts.CandidateID,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return providers.AnalyzeResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return providers.AnalyzeResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return providers.AnalyzeResult{}, errorkind.New(errorkind.Cancelled, "vision call cancelled", ctx.Err())
		}
		return providers.AnalyzeResult{}, errorkind.New(errorkind.Network, "vision service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.AnalyzeResult{}, errorkind.New(errorkind.Network, "reading vision response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return providers.AnalyzeResult{}, errorkind.New(classifyStatus(resp.StatusCode), "vision service returned an error", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var analyzeResp analyzeResponse
	if err := json.Unmarshal(body, &analyzeResp); err != nil {
		return providers.AnalyzeResult{}, fmt.Errorf("decode vision response: %w", err)
	}

	return providers.AnalyzeResult{
		Analysis:       analyzeResp.Analysis,
		AlignmentScore: analyzeResp.AlignmentScore,
		AestheticScore: analyzeResp.AestheticScore,
		Caption:        analyzeResp.Caption,
		Usage: providers.Usage{
			Model:        firstNonEmpty(analyzeResp.Model, c.model),
			TokensUsed:   analyzeResp.TokensUsed,
			InputTokens:  analyzeResp.InputTokens,
			OutputTokens: analyzeResp.OutputTokens,
		},
	}, nil
}

func classifyStatus(status int) errorkind.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return errorkind.RateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errorkind.Auth
	case status == http.StatusNotFound:
		return errorkind.ModelNotFound
	case status == http.StatusServiceUnavailable:
		return errorkind.ServiceUnavailable
	case status >= 500:
		return errorkind.ServiceUnavailable
	default:
		return errorkind.Unknown
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
