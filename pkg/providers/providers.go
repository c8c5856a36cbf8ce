// Package providers defines the uniform capability contracts (spec §4.1)
// that the orchestrator drives: an LLM, an image generator, a vision
// scorer, a critique generator, and a ranker. Concrete implementations
// live in sibling packages (httpllm, httpimage, httpvision, hostedimage)
// and are selected at construction time by the host, never compiled in.
package providers

import "context"

// Dimension is one of the two refinement axes the LLM alternates between.
type Dimension string

const (
	DimensionWhat Dimension = "what"
	DimensionHow  Dimension = "how"
)

// RefineOptions parameterizes a single LLM refinement call.
type RefineOptions struct {
	Dimension    Dimension
	Temperature  float64
	Operation    string // e.g. "seed", "refine", "combine" — recorded by the meter
	Iteration    int
	CandidateID  string
	ParentPrompt string
}

// Usage carries the billing-relevant facts about a provider call, fed
// directly into the token meter's record().
type Usage struct {
	Model        string
	TokensUsed   int
	InputTokens  int
	OutputTokens int
}

// RefineResult is the output of refinePrompt.
type RefineResult struct {
	RefinedPrompt string
	Usage         Usage
}

// CombineResult is the output of combinePrompts.
type CombineResult struct {
	Combined string
	Usage    Usage
}

// LLM is the prompt-refinement capability.
type LLM interface {
	RefinePrompt(ctx context.Context, prompt string, opts RefineOptions) (RefineResult, error)
	CombinePrompts(ctx context.Context, what, how string) (CombineResult, error)
}

// GenerateOptions parameterizes a single image-generation call. When
// InputImage is set, the call operates img2img with DenoiseStrength.
type GenerateOptions struct {
	Size            string
	Steps           int
	Guidance        float64
	Seed            *int64
	InputImage      string
	DenoiseStrength float64
	Iteration       int
	CandidateID     string
	SessionID       string
	OutputDir       string
}

// ImageMetadata describes the model/parameters that actually produced an
// image, for provenance in session metadata.
type ImageMetadata struct {
	Model string
	Size  string
	Seed  *int64
}

// GenerateResult is the output of generateImage.
type GenerateResult struct {
	URL       string
	LocalPath string
	Metadata  ImageMetadata
}

// Image is the image-generation capability.
type Image interface {
	GenerateImage(ctx context.Context, prompt string, opts GenerateOptions) (GenerateResult, error)
}

// AnalyzeOptions parameterizes a single vision-analysis call.
type AnalyzeOptions struct {
	FocusAreas  []string
	Iteration   int
	CandidateID string
}

// AnalyzeResult is the output of analyzeImage. AestheticScore is optional
// (0 means absent): when the vision provider's model does not produce one
// directly, the orchestrator derives a fallback from Caption heuristics.
type AnalyzeResult struct {
	Analysis       string
	AlignmentScore float64 // 0..100
	AestheticScore float64 // 0..10, optional
	Caption        string
	Usage          Usage
}

// Vision is the image-understanding/scoring capability.
type Vision interface {
	AnalyzeImage(ctx context.Context, imageRef string, prompt string, opts AnalyzeOptions) (AnalyzeResult, error)
}

// Ranking is one candidate's prior ranking result, fed back in as
// critique guidance for the next iteration's refinement.
type Ranking struct {
	CandidateID string
	Rank        int
	Reason      string
	Strengths   []string
	Weaknesses  []string
}

// CritiqueResult suggests the next iteration's refinement direction.
type CritiqueResult struct {
	SuggestedWhat string
	SuggestedHow  string
	Rationale     string
	Usage         Usage
}

// Candidate is the minimal view of a scored candidate a critique or
// ranker call needs.
type Candidate struct {
	CandidateID string
	Prompt      string
	ImageRef    string
	TotalScore  float64
}

// Critique is the capability that seeds the next iteration's refinement
// direction from a scored candidate's standing.
type Critique interface {
	GenerateCritique(ctx context.Context, candidate Candidate, previousRanking *Ranking) (CritiqueResult, error)
}

// Ranker produces a human-facing comparative ordering over candidates.
type Ranker interface {
	Rank(ctx context.Context, candidates []Candidate) ([]Ranking, error)
}
