// Package httpimage implements providers.Image by POSTing JSON to the
// local flux service the supervisor starts and health-checks (spec §4.1
// expansion, §4.6). The service returns image bytes base64-encoded in the
// JSON response; the client persists them under the candidate's session
// directory as images/i{iteration}c{candidate}.png (spec §4.4).
package httpimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/providers"
)

// DefaultTimeout is the soft per-call timeout recommended by spec §5 for
// image generation calls.
const DefaultTimeout = 120 * time.Second

// Client is an HTTP-backed providers.Image.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://127.0.0.1:8001").
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

type generateRequest struct {
	Prompt          string  `json:"prompt"`
	Size            string  `json:"size,omitempty"`
	Steps           int     `json:"steps,omitempty"`
	Guidance        float64 `json:"guidance,omitempty"`
	Seed            *int64  `json:"seed,omitempty"`
	InputImage      string  `json:"inputImage,omitempty"`
	DenoiseStrength float64 `json:"denoiseStrength,omitempty"`
}

type generateResponse struct {
	ImageBase64 string `json:"imageBase64"`
	Model       string `json:"model"`
	Size        string `json:"size"`
	Seed        *int64 `json:"seed,omitempty"`
}

// GenerateImage implements providers.Image.
func (c *Client) GenerateImage(ctx context.Context, prompt string, opts providers.GenerateOptions) (providers.GenerateResult, error) {
	req := generateRequest{
		Prompt:          prompt,
		Size:            opts.Size,
		Steps:           opts.Steps,
		Guidance:        opts.Guidance,
		Seed:            opts.Seed,
		InputImage:      opts.InputImage,
		DenoiseStrength: opts.DenoiseStrength,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return providers.GenerateResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return providers.GenerateResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return providers.GenerateResult{}, errorkind.New(errorkind.Cancelled, "image generation cancelled", ctx.Err())
		}
		return providers.GenerateResult{}, errorkind.New(errorkind.Network, "flux service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.GenerateResult{}, errorkind.New(errorkind.Network, "reading image response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return providers.GenerateResult{}, errorkind.New(classifyStatus(resp.StatusCode), "flux service returned an error", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return providers.GenerateResult{}, fmt.Errorf("decode image response: %w", err)
	}

	imageBytes, err := base64.StdEncoding.DecodeString(genResp.ImageBase64)
	if err != nil {
		return providers.GenerateResult{}, fmt.Errorf("decode image base64: %w", err)
	}

	localPath, err := writeImage(opts.OutputDir, opts.Iteration, opts.CandidateID, imageBytes)
	if err != nil {
		return providers.GenerateResult{}, fmt.Errorf("persist generated image: %w", err)
	}

	return providers.GenerateResult{
		URL:       "file://" + localPath,
		LocalPath: localPath,
		Metadata: providers.ImageMetadata{
			Model: firstNonEmpty(genResp.Model, c.model),
			Size:  genResp.Size,
			Seed:  genResp.Seed,
		},
	}, nil
}

// writeImage persists imageBytes as images/i{iteration}c{candidateId}.png
// under outputDir, creating the images subdirectory as needed.
func writeImage(outputDir string, iteration int, candidateID string, data []byte) (string, error) {
	dir := filepath.Join(outputDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("i%dc%s.png", iteration, candidateID)
	path := filepath.Join(dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
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
