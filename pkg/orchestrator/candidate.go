package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/meter"
	"github.com/jflournoy/beamsearch/pkg/progress"
	"github.com/jflournoy/beamsearch/pkg/providers"
	"github.com/jflournoy/beamsearch/pkg/store"
)

// candidateWork is one candidate's prompt material before rendering.
type candidateWork struct {
	iteration   int
	candidateID string
	parentID    string
	whatPrompt  string
	howPrompt   string
	combined    string
}

// scoredCandidate is a candidateWork plus its rendered/scored outcome.
// parent links back to the surviving ancestor it was derived from, for
// lineage reconstruction (spec §3).
type scoredCandidate struct {
	work           candidateWork
	parent         *scoredCandidate
	imageURL       string
	imagePath      string
	alignmentScore float64
	aestheticScore float64
	totalScore     float64
	caption        string

	rank       int
	reason     string
	strengths  []string
	weaknesses []string
}

// runSeedIteration produces iteration 0: n independent candidates, each
// expanded on both the what and how dimensions, combined, rendered and
// scored (spec §4.7).
func (o *Orchestrator) runSeedIteration(ctx context.Context, jobID, sessionID, sessionDir string, params Params, met *meter.Meter) ([]scoredCandidate, error) {
	works := make([]candidateWork, params.N)
	for i := 0; i < params.N; i++ {
		work, err := o.seedCandidate(ctx, jobID, i+1, params, met)
		if err != nil {
			return nil, fmt.Errorf("seed candidate %d: %w", i+1, err)
		}
		works[i] = work
	}

	scored, err := o.scoreCandidates(ctx, jobID, sessionDir, works, params, met, nil)
	if err != nil {
		return nil, err
	}

	return o.finishIteration(jobID, sessionID, 0, scored, params, met)
}

// runRefinementIteration produces iteration n by deriving n/m children
// from each surviving parent via critique-guided LLM refinement (spec
// §4.7).
func (o *Orchestrator) runRefinementIteration(ctx context.Context, jobID, sessionID, sessionDir string, iteration int, parents []scoredCandidate, params Params, met *meter.Meter) ([]scoredCandidate, error) {
	childrenPerParent := params.N / params.M

	o.publish(jobID, progress.TypeOperation, progress.OperationPayload{
		Message: fmt.Sprintf("iteration %d: refining %d candidates from %d survivors", iteration, childrenPerParent*len(parents), len(parents)),
	})
	o.publish(jobID, progress.TypeStep, progress.StepPayload{Phase: "refining"})

	var works []candidateWork
	var parentOf []*scoredCandidate
	nextID := 1
	for pi := range parents {
		parent := &parents[pi]
		for c := 0; c < childrenPerParent; c++ {
			work, err := o.refineCandidate(ctx, jobID, iteration, nextID, parent, params, met)
			if err != nil {
				return nil, fmt.Errorf("refine candidate %d (parent %s): %w", nextID, parent.work.candidateID, err)
			}
			works = append(works, work)
			parentOf = append(parentOf, parent)
			nextID++
		}
	}

	scored, err := o.scoreCandidates(ctx, jobID, sessionDir, works, params, met, parentOf)
	if err != nil {
		return nil, err
	}

	return o.finishIteration(jobID, sessionID, iteration, scored, params, met)
}

// seedCandidate performs one iteration-0 candidate's two independent LLM
// expansions (what, how) and combines them.
func (o *Orchestrator) seedCandidate(ctx context.Context, jobID string, id int, params Params, met *meter.Meter) (candidateWork, error) {
	candidateID := strconv.Itoa(id)

	var whatResult, howResult providers.RefineResult
	err := o.gpu.WithLLMOperation(ctx, func(ctx context.Context) error {
		var err error
		whatResult, err = o.providers.LLM.RefinePrompt(ctx, params.Prompt, providers.RefineOptions{
			Dimension: providers.DimensionWhat, Temperature: params.Temperature, Operation: "seed", CandidateID: candidateID,
		})
		if err != nil {
			return err
		}
		howResult, err = o.providers.LLM.RefinePrompt(ctx, params.Prompt, providers.RefineOptions{
			Dimension: providers.DimensionHow, Temperature: params.Temperature, Operation: "seed", CandidateID: candidateID,
		})
		return err
	})
	if err != nil {
		return candidateWork{}, err
	}
	recordUsage(met, "llm", "seed", 0, whatResult.Usage)
	recordUsage(met, "llm", "seed", 0, howResult.Usage)

	var combineResult providers.CombineResult
	err = o.gpu.WithLLMOperation(ctx, func(ctx context.Context) error {
		var err error
		combineResult, err = o.providers.LLM.CombinePrompts(ctx, whatResult.RefinedPrompt, howResult.RefinedPrompt)
		return err
	})
	if err != nil {
		return candidateWork{}, err
	}
	recordUsage(met, "llm", "combine", 0, combineResult.Usage)

	return candidateWork{
		iteration:   0,
		candidateID: candidateID,
		whatPrompt:  whatResult.RefinedPrompt,
		howPrompt:   howResult.RefinedPrompt,
		combined:    combineResult.Combined,
	}, nil
}

// refineCandidate derives one child of parent: a critique call seeds the
// refinement direction, then both dimensions are re-expanded from it.
func (o *Orchestrator) refineCandidate(ctx context.Context, jobID string, iteration, id int, parent *scoredCandidate, params Params, met *meter.Meter) (candidateWork, error) {
	candidateID := strconv.Itoa(id)

	var critiqueResult providers.CritiqueResult
	if o.providers.Critique != nil {
		var previousRanking *providers.Ranking
		if parent.reason != "" {
			previousRanking = &providers.Ranking{
				CandidateID: parent.work.candidateID,
				Rank:        parent.rank,
				Reason:      parent.reason,
				Strengths:   parent.strengths,
				Weaknesses:  parent.weaknesses,
			}
		}
		err := o.gpu.WithLLMOperation(ctx, func(ctx context.Context) error {
			var err error
			critiqueResult, err = o.providers.Critique.GenerateCritique(ctx, providers.Candidate{
				CandidateID: parent.work.candidateID,
				Prompt:      parent.work.combined,
				ImageRef:    parent.imagePath,
				TotalScore:  parent.totalScore,
			}, previousRanking)
			return err
		})
		if err != nil {
			return candidateWork{}, err
		}
		recordUsage(met, "llm", "critique", iteration, critiqueResult.Usage)
	}

	whatSeed := firstNonEmpty(critiqueResult.SuggestedWhat, parent.work.whatPrompt)
	howSeed := firstNonEmpty(critiqueResult.SuggestedHow, parent.work.howPrompt)

	var whatResult, howResult providers.RefineResult
	err := o.gpu.WithLLMOperation(ctx, func(ctx context.Context) error {
		var err error
		whatResult, err = o.providers.LLM.RefinePrompt(ctx, whatSeed, providers.RefineOptions{
			Dimension: providers.DimensionWhat, Temperature: params.Temperature, Operation: "refine",
			Iteration: iteration, CandidateID: candidateID, ParentPrompt: parent.work.combined,
		})
		if err != nil {
			return err
		}
		howResult, err = o.providers.LLM.RefinePrompt(ctx, howSeed, providers.RefineOptions{
			Dimension: providers.DimensionHow, Temperature: params.Temperature, Operation: "refine",
			Iteration: iteration, CandidateID: candidateID, ParentPrompt: parent.work.combined,
		})
		return err
	})
	if err != nil {
		return candidateWork{}, err
	}
	recordUsage(met, "llm", "refine", iteration, whatResult.Usage)
	recordUsage(met, "llm", "refine", iteration, howResult.Usage)

	var combineResult providers.CombineResult
	err = o.gpu.WithLLMOperation(ctx, func(ctx context.Context) error {
		var err error
		combineResult, err = o.providers.LLM.CombinePrompts(ctx, whatResult.RefinedPrompt, howResult.RefinedPrompt)
		return err
	})
	if err != nil {
		return candidateWork{}, err
	}
	recordUsage(met, "llm", "combine", iteration, combineResult.Usage)

	return candidateWork{
		iteration:   iteration,
		candidateID: candidateID,
		parentID:    parent.work.candidateID,
		whatPrompt:  whatResult.RefinedPrompt,
		howPrompt:   howResult.RefinedPrompt,
		combined:    combineResult.Combined,
	}, nil
}

// scoreCandidates renders and scores every candidate in works
// concurrently (spec §5: candidate work within one iteration may fan
// out in parallel; GPU-touching phases still serialize globally through
// the coordinator). Results are collected into a slice indexed by
// position so emission order is deterministic regardless of completion
// timing. parentOf[i], if non-nil, links works[i] to its surviving
// parent for lineage.
func (o *Orchestrator) scoreCandidates(ctx context.Context, jobID, sessionDir string, works []candidateWork, params Params, met *meter.Meter, parentOf []*scoredCandidate) ([]scoredCandidate, error) {
	results := make([]scoredCandidate, len(works))
	errs := make([]error, len(works))

	var wg sync.WaitGroup
	for i, work := range works {
		wg.Add(1)
		go func(i int, work candidateWork) {
			defer wg.Done()
			sc, err := o.runCandidate(ctx, jobID, sessionDir, work, params, met)
			if err != nil {
				errs[i] = err
				return
			}
			if i < len(parentOf) {
				sc.parent = parentOf[i]
			}
			results[i] = sc
		}(i, work)
	}
	wg.Wait()

	var survivors []scoredCandidate
	var failures int
	for i, err := range errs {
		if err != nil {
			o.logger.Warn("candidate failed permanently", "jobId", jobID, "candidateId", works[i].candidateID, "error", err)
			failures++
			continue
		}
		survivors = append(survivors, results[i])
	}

	if len(survivors) < params.M {
		return nil, fmt.Errorf("only %d of %d candidates produced valid scores, need at least %d", len(survivors), len(works), params.M)
	}

	for _, sc := range survivors {
		o.publish(jobID, progress.TypeCandidate, progress.CandidatePayload{
			Iteration:   sc.work.iteration,
			CandidateID: sc.work.candidateID,
			ParentID:    sc.work.parentID,
			ImageURL:    sc.imageURL,
			WhatPrompt:  sc.work.whatPrompt,
			HowPrompt:   sc.work.howPrompt,
			Combined:    sc.work.combined,
			Score:       sc.totalScore,
		})
	}

	return survivors, nil
}

// runCandidate is one candidate's render→analyze→score pipeline (spec
// §4.7 steps 1-4).
func (o *Orchestrator) runCandidate(ctx context.Context, jobID, sessionDir string, work candidateWork, params Params, met *meter.Meter) (scoredCandidate, error) {
	var genResult providers.GenerateResult
	err := o.withRetry(ctx, func(ctx context.Context) error {
		return o.gpu.WithImageGenOperation(ctx, func(ctx context.Context) error {
			var err error
			genResult, err = o.providers.Image.GenerateImage(ctx, work.combined, providers.GenerateOptions{
				Steps:       params.Steps,
				Guidance:    params.Guidance,
				Seed:        params.Seed,
				Iteration:   work.iteration,
				CandidateID: work.candidateID,
				OutputDir:   sessionDir,
			})
			return err
		})
	})
	if err != nil {
		return scoredCandidate{}, fmt.Errorf("image generation: %w", err)
	}
	recordUsage(met, "image", "generate", work.iteration, providers.Usage{Model: genResult.Metadata.Model})

	var analyzeResult providers.AnalyzeResult
	err = o.withRetry(ctx, func(ctx context.Context) error {
		return o.gpu.WithVLMOperation(ctx, func(ctx context.Context) error {
			var err error
			analyzeResult, err = o.providers.Vision.AnalyzeImage(ctx, genResult.URL, work.combined, providers.AnalyzeOptions{
				Iteration: work.iteration, CandidateID: work.candidateID,
			})
			return err
		})
	})
	if err != nil {
		return scoredCandidate{}, fmt.Errorf("vision analysis: %w", err)
	}
	recordUsage(met, "vision", "analyze", work.iteration, analyzeResult.Usage)

	aesthetic := analyzeResult.AestheticScore
	if aesthetic == 0 {
		aesthetic = aestheticFromCaption(analyzeResult.Caption)
	}

	return scoredCandidate{
		work:           work,
		imageURL:       genResult.URL,
		imagePath:      genResult.LocalPath,
		alignmentScore: analyzeResult.AlignmentScore,
		aestheticScore: aesthetic,
		totalScore:     totalScore(params.Alpha, analyzeResult.AlignmentScore, aesthetic),
		caption:        analyzeResult.Caption,
	}, nil
}

// finishIteration ranks the iteration's survivors, emits ranked and
// iteration progress, persists the frame, and returns the top m
// candidates to seed the next iteration.
func (o *Orchestrator) finishIteration(jobID, sessionID string, iteration int, scored []scoredCandidate, params Params, met *meter.Meter) ([]scoredCandidate, error) {
	sortCandidates(scored)

	if o.providers.Ranker != nil {
		rankCandidates := make([]providers.Candidate, len(scored))
		for i, sc := range scored {
			rankCandidates[i] = providers.Candidate{CandidateID: sc.work.candidateID, Prompt: sc.work.combined, ImageRef: sc.imagePath, TotalScore: sc.totalScore}
		}
		rankings, err := o.providers.Ranker.Rank(context.Background(), rankCandidates)
		if err == nil {
			applyRankings(scored, rankings)
		}
	}
	if scored[0].rank == 0 {
		assignDefaultRanks(scored)
	}

	for _, sc := range scored {
		o.publish(jobID, progress.TypeRanked, progress.RankedPayload{
			Iteration:   sc.work.iteration,
			CandidateID: sc.work.candidateID,
			Rank:        sc.rank,
			Reason:      sc.reason,
			Strengths:   sc.strengths,
			Weaknesses:  sc.weaknesses,
		})
	}

	top := params.M
	if top > len(scored) {
		top = len(scored)
	}
	survivors := scored[:top]

	survivorSet := make(map[string]bool, len(survivors))
	survivorIDs := make([]string, len(survivors))
	for i, sc := range survivors {
		survivorSet[sc.work.candidateID] = true
		survivorIDs[i] = sc.work.candidateID
	}

	frame := store.IterationFrame{
		Iteration:   iteration,
		CompletedAt: time.Now(),
	}
	for _, sc := range scored {
		frame.Candidates = append(frame.Candidates, candidateFrame(sc, survivorSet[sc.work.candidateID]))
	}
	if err := o.store.AppendIteration(sessionID, frame); err != nil {
		return nil, fmt.Errorf("persist iteration %d: %w", iteration, err)
	}

	stats := met.Stats()
	cost := met.EstimatedCost(o.pricing)
	o.publish(jobID, progress.TypeIteration, progress.IterationPayload{
		Iteration:       iteration,
		TotalIterations: params.Iterations,
		CandidatesCount: len(scored),
		SurvivorIDs:     survivorIDs,
		BestScore:       scored[0].totalScore,
		TokenUsage:      stats.Total,
		EstimatedCost:   cost.Total,
	})

	return append([]scoredCandidate(nil), survivors...), nil
}

func sortCandidates(scored []scoredCandidate) {
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && rankLess(scored[j], scored[j-1]); j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
}

func applyRankings(scored []scoredCandidate, rankings []providers.Ranking) {
	byID := make(map[string]providers.Ranking, len(rankings))
	for _, r := range rankings {
		byID[r.CandidateID] = r
	}
	for i := range scored {
		if r, ok := byID[scored[i].work.candidateID]; ok {
			scored[i].rank = r.Rank
			scored[i].reason = r.Reason
			scored[i].strengths = r.Strengths
			scored[i].weaknesses = r.Weaknesses
		}
	}
}

func assignDefaultRanks(scored []scoredCandidate) {
	for i := range scored {
		scored[i].rank = i + 1
	}
}

// withRetry applies spec §4.7's failure-retry policy: a retryable
// classified error is retried with exponential backoff (base 1s, factor
// 2, cap 30s) up to retryMaxAttempts; a non-retryable or exhausted error
// is returned as a classified error.
func (o *Orchestrator) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		kind := errorkind.Classify(err)
		if !kind.Retryable() || attempt == retryMaxAttempts {
			return errorkind.New(kind, messageForKind(err), err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}

func messageForKind(err error) string {
	return errorkind.ToUserFacing(err).Message
}

// aestheticFromCaption derives a 0..10 aesthetic score from a vision
// caption when the provider did not produce one directly (DESIGN.md
// Open Question #2): a short length/keyword heuristic, not a model call,
// so it never touches the GPU lock.
func aestheticFromCaption(caption string) float64 {
	if caption == "" {
		return 5.0
	}

	score := 5.0
	words := strings.Fields(caption)
	if n := len(words); n > 5 {
		bonus := float64(n-5) * 0.15
		if bonus > 2.0 {
			bonus = 2.0
		}
		score += bonus
	}

	lower := strings.ToLower(caption)
	for _, keyword := range []string{"beautiful", "vivid", "stunning", "detailed", "vibrant", "striking"} {
		if strings.Contains(lower, keyword) {
			score += 0.5
		}
	}

	if score > 10 {
		score = 10
	}
	return score
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func recordUsage(met *meter.Meter, provider, operation string, iteration int, usage providers.Usage) {
	met.Record(meter.Record{
		Provider:     provider,
		Operation:    operation,
		Iteration:    iteration,
		Model:        usage.Model,
		Tokens:       usage.TokensUsed,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
}

