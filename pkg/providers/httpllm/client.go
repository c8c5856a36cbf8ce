// Package httpllm implements providers.LLM, providers.Critique and
// providers.Ranker by POSTing JSON to the local llm service the
// supervisor starts and health-checks (spec §4.1 expansion, §4.6). The
// same model backs all three capabilities, so one client satisfies all
// three interfaces against different endpoints of one service.
package httpllm

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
// LLM calls.
const DefaultTimeout = 60 * time.Second

// Client is an HTTP-backed providers.LLM.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://127.0.0.1:8003").
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

type refineRequest struct {
	Prompt       string  `json:"prompt"`
	Dimension    string  `json:"dimension"`
	Temperature  float64 `json:"temperature"`
	Operation    string  `json:"operation"`
	Iteration    int     `json:"iteration"`
	CandidateID  string  `json:"candidateId,omitempty"`
	ParentPrompt string  `json:"parentPrompt,omitempty"`
}

type refineResponse struct {
	RefinedPrompt string `json:"refinedPrompt"`
	Model         string `json:"model"`
	TokensUsed    int    `json:"tokensUsed"`
	InputTokens   int    `json:"inputTokens"`
	OutputTokens  int    `json:"outputTokens"`
}

// RefinePrompt implements providers.LLM.
func (c *Client) RefinePrompt(ctx context.Context, prompt string, opts providers.RefineOptions) (providers.RefineResult, error) {
	req := refineRequest{
		Prompt:       prompt,
		Dimension:    string(opts.Dimension),
		Temperature:  opts.Temperature,
		Operation:    opts.Operation,
		Iteration:    opts.Iteration,
		CandidateID:  opts.CandidateID,
		ParentPrompt: opts.ParentPrompt,
	}
	var resp refineResponse
	if err := c.postJSON(ctx, "/refine", req, &resp); err != nil {
		return providers.RefineResult{}, err
	}
	return providers.RefineResult{
		RefinedPrompt: resp.RefinedPrompt,
		Usage: providers.Usage{
			Model:        firstNonEmpty(resp.Model, c.model),
			TokensUsed:   resp.TokensUsed,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
	}, nil
}

type combineRequest struct {
	What string `json:"what"`
	How  string `json:"how"`
}

type combineResponse struct {
	Combined     string `json:"combined"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokensUsed"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// CombinePrompts implements providers.LLM.
func (c *Client) CombinePrompts(ctx context.Context, what, how string) (providers.CombineResult, error) {
	var resp combineResponse
	if err := c.postJSON(ctx, "/combine", combineRequest{What: what, How: how}, &resp); err != nil {
		return providers.CombineResult{}, err
	}
	return providers.CombineResult{
		Combined: resp.Combined,
		Usage: providers.Usage{
			Model:        firstNonEmpty(resp.Model, c.model),
			TokensUsed:   resp.TokensUsed,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
	}, nil
}

type critiqueRequest struct {
	CandidateID     string           `json:"candidateId"`
	Prompt          string           `json:"prompt"`
	TotalScore      float64          `json:"totalScore"`
	PreviousRanking *rankingWireType `json:"previousRanking,omitempty"`
}

type rankingWireType struct {
	CandidateID string   `json:"candidateId"`
	Rank        int      `json:"rank"`
	Reason      string   `json:"reason"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
}

type critiqueResponse struct {
	SuggestedWhat string `json:"suggestedWhat"`
	SuggestedHow  string `json:"suggestedHow"`
	Rationale     string `json:"rationale"`
	Model         string `json:"model"`
	TokensUsed    int    `json:"tokensUsed"`
}

// GenerateCritique implements providers.Critique.
func (c *Client) GenerateCritique(ctx context.Context, candidate providers.Candidate, previousRanking *providers.Ranking) (providers.CritiqueResult, error) {
	req := critiqueRequest{
		CandidateID: candidate.CandidateID,
		Prompt:      candidate.Prompt,
		TotalScore:  candidate.TotalScore,
	}
	if previousRanking != nil {
		req.PreviousRanking = &rankingWireType{
			CandidateID: previousRanking.CandidateID,
			Rank:        previousRanking.Rank,
			Reason:      previousRanking.Reason,
			Strengths:   previousRanking.Strengths,
			Weaknesses:  previousRanking.Weaknesses,
		}
	}

	var resp critiqueResponse
	if err := c.postJSON(ctx, "/critique", req, &resp); err != nil {
		return providers.CritiqueResult{}, err
	}
	return providers.CritiqueResult{
		SuggestedWhat: resp.SuggestedWhat,
		SuggestedHow:  resp.SuggestedHow,
		Rationale:     resp.Rationale,
		Usage: providers.Usage{
			Model:      firstNonEmpty(resp.Model, c.model),
			TokensUsed: resp.TokensUsed,
		},
	}, nil
}

type rankRequest struct {
	Candidates []rankCandidateWire `json:"candidates"`
}

type rankCandidateWire struct {
	CandidateID string  `json:"candidateId"`
	Prompt      string  `json:"prompt"`
	TotalScore  float64 `json:"totalScore"`
}

type rankResponse struct {
	Rankings []rankingWireType `json:"rankings"`
}

// Rank implements providers.Ranker.
func (c *Client) Rank(ctx context.Context, candidates []providers.Candidate) ([]providers.Ranking, error) {
	req := rankRequest{Candidates: make([]rankCandidateWire, len(candidates))}
	for i, cand := range candidates {
		req.Candidates[i] = rankCandidateWire{CandidateID: cand.CandidateID, Prompt: cand.Prompt, TotalScore: cand.TotalScore}
	}

	var resp rankResponse
	if err := c.postJSON(ctx, "/rank", req, &resp); err != nil {
		return nil, err
	}

	rankings := make([]providers.Ranking, len(resp.Rankings))
	for i, r := range resp.Rankings {
		rankings[i] = providers.Ranking{
			CandidateID: r.CandidateID,
			Rank:        r.Rank,
			Reason:      r.Reason,
			Strengths:   r.Strengths,
			Weaknesses:  r.Weaknesses,
		}
	}
	return rankings, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errorkind.New(errorkind.Cancelled, "llm call cancelled", ctx.Err())
		}
		return errorkind.New(errorkind.Network, "llm service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorkind.New(errorkind.Network, "reading llm response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return errorkind.New(classifyStatus(resp.StatusCode), "llm service returned an error", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
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
