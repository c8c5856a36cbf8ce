package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jflournoy/beamsearch/pkg/progress"
	"github.com/jflournoy/beamsearch/pkg/providers"
	"github.com/jflournoy/beamsearch/pkg/store"
)

// fakeGPU runs every operation inline; no real serialization is needed to
// exercise orchestrator logic, only the call signature.
type fakeGPU struct{}

func (fakeGPU) WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (fakeGPU) WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (fakeGPU) WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeBus records every published message in order, safe for the
// orchestrator's concurrent per-candidate publishes.
type fakeBus struct {
	mu  sync.Mutex
	msg []progress.Message
}

func (b *fakeBus) Publish(jobID string, msg progress.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.JobID = jobID
	b.msg = append(b.msg, msg)
}

func (b *fakeBus) types() []progress.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]progress.Type, len(b.msg))
	for i, m := range b.msg {
		out[i] = m.Type
	}
	return out
}

// fakeStore records iteration frames and the final call in memory,
// satisfying the orchestrator's SessionStore subset.
type fakeStore struct {
	mu         sync.Mutex
	iterations []store.IterationFrame
	finalized  bool
	status     store.Status
	winner     *store.CandidateFrame
	finalists  []store.CandidateFrame
}

func (s *fakeStore) CreateSession(now time.Time, jobID, userPrompt string, cfg store.Config) (string, string, error) {
	return "ses-test", "/tmp/ses-test", nil
}

func (s *fakeStore) AppendIteration(sessionID string, frame store.IterationFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations = append(s.iterations, frame)
	return nil
}

func (s *fakeStore) Finalize(sessionID string, status store.Status, winner *store.CandidateFrame, finalists []store.CandidateFrame, lineage []store.LineageNode, rankerReason, errKind, errMessage string, tokenUsage int, estimatedCost float64, meterJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	s.status = status
	s.winner = winner
	s.finalists = finalists
	return nil
}

// fakeLLM returns deterministic, distinguishable prompts per candidate/
// iteration so tests can assert on lineage and content without caring
// about actual model behavior.
type fakeLLM struct{}

func (fakeLLM) RefinePrompt(ctx context.Context, prompt string, opts providers.RefineOptions) (providers.RefineResult, error) {
	return providers.RefineResult{
		RefinedPrompt: fmt.Sprintf("%s+%s:%s", prompt, opts.Dimension, opts.CandidateID),
		Usage:         providers.Usage{Model: "fake-llm", TokensUsed: 10},
	}, nil
}

func (fakeLLM) CombinePrompts(ctx context.Context, what, how string) (providers.CombineResult, error) {
	return providers.CombineResult{
		Combined: what + "|" + how,
		Usage:    providers.Usage{Model: "fake-llm", TokensUsed: 5},
	}, nil
}

// fakeImage reports a score-bearing URL so fakeVision can derive a stable
// per-candidate alignment score, keeping ranking deterministic in tests.
type fakeImage struct{}

func (fakeImage) GenerateImage(ctx context.Context, prompt string, opts providers.GenerateOptions) (providers.GenerateResult, error) {
	return providers.GenerateResult{
		URL:       "file://" + opts.CandidateID,
		LocalPath: opts.OutputDir + "/" + opts.CandidateID + ".png",
		Metadata:  providers.ImageMetadata{Model: "fake-image"},
	}, nil
}

// fakeVision scores by candidateId so ranking is deterministic: higher
// numeric id gets a higher score, letting tests predict the winner.
type fakeVision struct{}

func (fakeVision) AnalyzeImage(ctx context.Context, imageRef, prompt string, opts providers.AnalyzeOptions) (providers.AnalyzeResult, error) {
	score := 50.0
	switch opts.CandidateID {
	case "1":
		score = 60
	case "2":
		score = 90
	case "3":
		score = 70
	case "4":
		score = 95
	}
	return providers.AnalyzeResult{
		AlignmentScore: score,
		AestheticScore: 7,
		Caption:        "a candidate image",
		Usage:          providers.Usage{Model: "fake-vision", TokensUsed: 8},
	}, nil
}

func testProviders() Providers {
	return Providers{LLM: fakeLLM{}, Image: fakeImage{}, Vision: fakeVision{}}
}

func baseParams() Params {
	return Params{
		Prompt:      "a fox in snow",
		N:           2,
		M:           1,
		Iterations:  1,
		Alpha:       0.5,
		Temperature: 0.8,
	}
}

func TestRun_MinimalHappyPath(t *testing.T) {
	bus := &fakeBus{}
	st := &fakeStore{}
	o := New(testProviders(), fakeGPU{}, bus, st, nil)

	result, err := o.Run(context.Background(), "job-1", baseParams())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != store.StatusComplete {
		t.Errorf("Status = %q, want complete", result.Status)
	}
	if result.BestCandidateID != "2" {
		t.Errorf("BestCandidateID = %q, want 2 (highest alignment score)", result.BestCandidateID)
	}

	got := bus.types()
	want := []progress.Type{
		progress.TypeStarted,
		progress.TypeCandidate, progress.TypeCandidate,
		progress.TypeRanked, progress.TypeRanked,
		progress.TypeIteration,
		progress.TypeComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("progress types = %v, want exactly %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress types = %v, want exactly %v", got, want)
		}
	}

	if !st.finalized || st.status != store.StatusComplete {
		t.Fatalf("store not finalized as complete: %+v", st)
	}
	if st.winner == nil || st.winner.CandidateID != "2" {
		t.Errorf("winner frame = %+v, want candidate 2", st.winner)
	}
	if len(st.iterations) != 1 {
		t.Fatalf("len(iterations) = %d, want 1", len(st.iterations))
	}
	if len(st.iterations[0].Candidates) != 2 {
		t.Errorf("len(candidates) = %d, want 2", len(st.iterations[0].Candidates))
	}
}

func TestRun_TwoIterationsTracksLineage(t *testing.T) {
	bus := &fakeBus{}
	st := &fakeStore{}
	o := New(testProviders(), fakeGPU{}, bus, st, nil)

	params := baseParams()
	params.N = 2
	params.M = 1
	params.Iterations = 2

	result, err := o.Run(context.Background(), "job-2", params)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != store.StatusComplete {
		t.Fatalf("Status = %q, want complete", result.Status)
	}

	if len(st.iterations) != 2 {
		t.Fatalf("len(iterations) = %d, want 2", len(st.iterations))
	}
	// iteration 0 keeps its single survivor (m=1); iteration 1 derives
	// n/m=2 children from it, both sharing the same parentId.
	var iter0Survivor string
	for _, c := range st.iterations[0].Candidates {
		if c.Survived {
			iter0Survivor = c.CandidateID
		}
	}
	for _, c := range st.iterations[1].Candidates {
		if c.ParentID != iter0Survivor {
			t.Errorf("candidate %s ParentID = %q, want %q", c.CandidateID, c.ParentID, iter0Survivor)
		}
	}

	if st.winner == nil {
		t.Fatal("expected a winner frame")
	}
	if st.winner.ParentID != iter0Survivor {
		t.Errorf("winner ParentID = %q, want %q", st.winner.ParentID, iter0Survivor)
	}
}

func TestRun_PermanentCandidateFailureSurvivesIfEnoughRemain(t *testing.T) {
	bus := &fakeBus{}
	st := &fakeStore{}

	failing := &flakyImage{failCandidateID: "1"}
	providers := testProviders()
	providers.Image = failing
	o := New(providers, fakeGPU{}, bus, st, nil)

	params := baseParams()
	params.N = 2
	params.M = 1

	result, err := o.Run(context.Background(), "job-3", params)
	if err != nil {
		t.Fatalf("Run() error = %v, want success since m=1 survivor remains", err)
	}
	if result.BestCandidateID != "2" {
		t.Errorf("BestCandidateID = %q, want the only surviving candidate 2", result.BestCandidateID)
	}
}

func TestRun_TooManyFailuresFailsJob(t *testing.T) {
	bus := &fakeBus{}
	st := &fakeStore{}

	failing := &flakyImage{failAll: true}
	providers := testProviders()
	providers.Image = failing
	o := New(providers, fakeGPU{}, bus, st, nil)

	params := baseParams()
	params.N = 2
	params.M = 1

	_, err := o.Run(context.Background(), "job-4", params)
	if err == nil {
		t.Fatal("expected Run() to fail when every candidate fails")
	}
	if st.status != store.StatusFailed {
		t.Errorf("status = %q, want failed", st.status)
	}

	found := false
	for _, typ := range bus.types() {
		if typ == progress.TypeError {
			found = true
		}
	}
	if !found {
		t.Error("expected an error progress message")
	}
}

func TestRun_CancelledBeforeRefinementIteration(t *testing.T) {
	bus := &fakeBus{}
	st := &fakeStore{}
	o := New(testProviders(), fakeGPU{}, bus, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Run starts its second iteration

	params := baseParams()
	params.Iterations = 2

	result, err := o.Run(ctx, "job-5", params)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result.Status != store.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", result.Status)
	}
	if st.status != store.StatusCancelled {
		t.Errorf("store status = %q, want cancelled", st.status)
	}
}

func TestTotalScore(t *testing.T) {
	cases := []struct {
		alpha, alignment, aesthetic, want float64
	}{
		{1.0, 80, 5, 80},
		{0.0, 80, 5, 50},
		{0.5, 100, 10, 100},
		{0.7, 50, 5, 50},
	}
	for _, c := range cases {
		got := roundToTolerance(totalScore(c.alpha, c.alignment, c.aesthetic))
		want := roundToTolerance(c.want)
		if got != want {
			t.Errorf("totalScore(%v,%v,%v) = %v, want %v", c.alpha, c.alignment, c.aesthetic, got, want)
		}
	}
}

func TestRankLess_TiesBrokenByCandidateID(t *testing.T) {
	a := scoredCandidate{work: candidateWork{candidateID: "2"}, totalScore: 50}
	b := scoredCandidate{work: candidateWork{candidateID: "1"}, totalScore: 50}
	if !rankLess(b, a) {
		t.Error("expected candidate 1 to sort before candidate 2 on a tied score")
	}
	if rankLess(a, b) {
		t.Error("expected candidate 2 to not sort before candidate 1 on a tied score")
	}
}

func TestAestheticFromCaption_KeywordsAndLengthRaiseScore(t *testing.T) {
	base := aestheticFromCaption("a fox")
	longer := aestheticFromCaption("a fox sitting quietly in the deep white snow at dusk")
	withKeyword := aestheticFromCaption("a stunning and vivid fox")

	if longer <= base {
		t.Errorf("longer caption score %v should exceed short caption score %v", longer, base)
	}
	if withKeyword <= base {
		t.Errorf("keyword caption score %v should exceed base score %v", withKeyword, base)
	}
}

func TestAestheticFromCaption_EmptyCaptionIsNeutral(t *testing.T) {
	if got := aestheticFromCaption(""); got != 5.0 {
		t.Errorf("aestheticFromCaption(\"\") = %v, want 5.0", got)
	}
}

// flakyImage fails GenerateImage for specific candidate IDs (or all of
// them), simulating a permanent (non-retryable) provider error.
type flakyImage struct {
	failCandidateID string
	failAll         bool
}

func (f *flakyImage) GenerateImage(ctx context.Context, prompt string, opts providers.GenerateOptions) (providers.GenerateResult, error) {
	if f.failAll || opts.CandidateID == f.failCandidateID {
		return providers.GenerateResult{}, errors.New("content rejected: safety_violation")
	}
	return providers.GenerateResult{
		URL:       "file://" + opts.CandidateID,
		LocalPath: opts.OutputDir + "/" + opts.CandidateID + ".png",
		Metadata:  providers.ImageMetadata{Model: "fake-image"},
	}, nil
}

