// Package orchestrator implements the beam-search iteration state machine
// (spec §4.7): expand, render, score, prune, repeat, until a single
// winner emerges. It is the only component that sequences the other
// five (providers, meter, bus, store, GPU coordinator) into a single run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
	"github.com/jflournoy/beamsearch/pkg/errorkind"
	"github.com/jflournoy/beamsearch/pkg/meter"
	"github.com/jflournoy/beamsearch/pkg/progress"
	"github.com/jflournoy/beamsearch/pkg/providers"
	"github.com/jflournoy/beamsearch/pkg/store"
)

// Params are the validated beam-search submit parameters (spec §3, §6).
type Params struct {
	Prompt       string
	N            int // beam width, 2..8
	M            int // keep-top, 1..n/2, n%m==0
	Iterations   int // 1..5
	Alpha        float64
	Temperature  float64
	Steps        int
	Guidance     float64
	Seed         *int64
	EnsembleSize *int // accepted, unused (spec §9 Open Questions)
}

// AsMap renders Params as the map stored in session metadata and
// reported back in job snapshots.
func (p Params) AsMap() map[string]any {
	m := map[string]any{
		"prompt":      p.Prompt,
		"n":           p.N,
		"m":           p.M,
		"iterations":  p.Iterations,
		"alpha":       p.Alpha,
		"temperature": p.Temperature,
	}
	if p.Steps > 0 {
		m["steps"] = p.Steps
	}
	if p.Guidance > 0 {
		m["guidance"] = p.Guidance
	}
	if p.Seed != nil {
		m["seed"] = *p.Seed
	}
	return m
}

// StoreConfig renders the subset of Params recorded in session metadata's
// nested "config" object (spec §6).
func (p Params) StoreConfig() store.Config {
	return store.Config{
		BeamWidth:     p.N,
		KeepTop:       p.M,
		MaxIterations: p.Iterations,
		Alpha:         p.Alpha,
		Temperature:   p.Temperature,
	}
}

// Providers bundles the five capability sets a run drives (spec §4.1).
type Providers struct {
	LLM      providers.LLM
	Image    providers.Image
	Vision   providers.Vision
	Critique providers.Critique
	Ranker   providers.Ranker
}

// GPUCoordinator is the subset of pkg/gpu.Coordinator the orchestrator
// drives. Injected as an interface so tests run without real model
// processes (spec §9: dependency injection at construction time, not
// mutable late-bound wiring).
type GPUCoordinator interface {
	WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error
	WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error
	WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProgressPublisher is the subset of pkg/progress.Bus the orchestrator
// drives.
type ProgressPublisher interface {
	Publish(jobID string, msg progress.Message)
}

// SessionStore is the subset of pkg/store.Store the orchestrator drives.
type SessionStore interface {
	CreateSession(now time.Time, jobID, userPrompt string, cfg store.Config) (sessionID, dir string, err error)
	AppendIteration(sessionID string, frame store.IterationFrame) error
	Finalize(sessionID string, status store.Status, winner *store.CandidateFrame, finalists []store.CandidateFrame, lineage []store.LineageNode, rankerReason string, errKind, errMessage string, tokenUsage int, estimatedCost float64, meterJSON []byte) error
}

// retryBase, retryFactor and retryMaxAttempts implement spec §4.7's
// failure-retry policy: exponential backoff base 1s, factor 2, cap 30s,
// max 3 attempts.
const (
	retryBase        = 1 * time.Second
	retryFactor      = 2
	retryCap         = 30 * time.Second
	retryMaxAttempts = 3
)

// Orchestrator drives a single beam-search run. The zero value is not
// usable; use New.
type Orchestrator struct {
	providers Providers
	gpu       GPUCoordinator
	bus       ProgressPublisher
	store     SessionStore
	logger    *slog.Logger
	onSession func(jobID, sessionID, sessionDir string)
	pricing   map[string]meter.Pricing
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithSessionHook registers fn to be called with (jobID, sessionID,
// sessionDir) as soon as Run mints the session, before any iteration
// runs. The job manager uses this to learn a job's sessionID early, so
// status/metadata queries work while the job is still in progress.
func WithSessionHook(fn func(jobID, sessionID, sessionDir string)) Option {
	return func(o *Orchestrator) { o.onSession = fn }
}

// WithPricing supplies the per-provider price table (config §Pricing) used
// to compute a run's estimatedCost (spec §4.2, §6). convertPricing adapts
// config's per-1k-token units to meter.Pricing's per-token units.
func WithPricing(pricing map[string]config.ProviderPricing) Option {
	return func(o *Orchestrator) { o.pricing = convertPricing(pricing) }
}

// convertPricing divides config's per-1k-token prices down to meter's
// per-token prices; map keys are provider names ("llm", "image", "vision"),
// matching meter.EstimatedCost's pricing[r.Provider] lookup and the
// provider labels recordUsage assigns.
func convertPricing(pricing map[string]config.ProviderPricing) map[string]meter.Pricing {
	out := make(map[string]meter.Pricing, len(pricing))
	for name, p := range pricing {
		out[name] = meter.Pricing{
			InputPricePerToken:  p.InputPricePer1K / 1000,
			OutputPricePerToken: p.OutputPricePer1K / 1000,
			FlatPricePerCall:    p.ImagePrice,
		}
	}
	return out
}

// New creates an Orchestrator wired to the given collaborators.
func New(p Providers, gpu GPUCoordinator, bus ProgressPublisher, sessionStore SessionStore, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{providers: p, gpu: gpu, bus: bus, store: sessionStore, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the orchestrator's final outcome, surfaced by the job
// manager as the job's result field.
type Result struct {
	SessionID       string
	Status          store.Status
	BestCandidateID string
	TotalTokens     int
}

// Run executes the full beam-search state machine for jobID (spec
// §4.7). ctx carries cancellation: the job manager cancels it on a
// cancel request. ctx is passed to every provider call and GPU-lock
// wait; Run checks ctx.Err() before each refinement iteration, before
// the final ranking, and whenever an iteration fails, and in each case
// publishes cancelled and finalizes the session as cancelled. Bus
// publishes and session-store writes do not consult ctx.
func (o *Orchestrator) Run(ctx context.Context, jobID string, params Params) (Result, error) {
	met := meter.New()

	sessionID, sessionDir, err := o.store.CreateSession(time.Now(), jobID, params.Prompt, params.StoreConfig())
	if err != nil {
		return Result{}, fmt.Errorf("create session: %w", err)
	}
	if o.onSession != nil {
		o.onSession(jobID, sessionID, sessionDir)
	}

	o.publish(jobID, progress.TypeStarted, progress.StartedPayload{
		Params: params.AsMap(),
	})

	survivors, failErr := o.runSeedIteration(ctx, jobID, sessionID, sessionDir, params, met)
	if failErr != nil {
		if ctx.Err() != nil {
			return o.cancel(jobID, sessionID, 0, met)
		}
		return o.fail(jobID, sessionID, met, failErr)
	}

	for iter := 1; iter < params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return o.cancel(jobID, sessionID, iter, met)
		}
		survivors, failErr = o.runRefinementIteration(ctx, jobID, sessionID, sessionDir, iter, survivors, params, met)
		if failErr != nil {
			if ctx.Err() != nil {
				return o.cancel(jobID, sessionID, iter, met)
			}
			return o.fail(jobID, sessionID, met, failErr)
		}
	}

	if err := ctx.Err(); err != nil {
		return o.cancel(jobID, sessionID, params.Iterations, met)
	}

	return o.terminate(ctx, jobID, sessionID, survivors, met)
}

// publish hands msg to the bus, which stamps Seq and Timestamp under its
// per-job lock (see progress.Bus.Publish), so every subscriber receives
// messages in the order their Seq and Timestamp were assigned.
func (o *Orchestrator) publish(jobID string, typ progress.Type, payload any) {
	o.bus.Publish(jobID, progress.Message{
		Type:    typ,
		Payload: payload,
	})
}

func (o *Orchestrator) fail(jobID, sessionID string, met *meter.Meter, err error) (Result, error) {
	kind := errorkind.KindOf(err)
	userFacing := errorkind.ToUserFacing(err)
	o.publish(jobID, progress.TypeError, progress.ErrorPayload{
		Error:   userFacing.Message,
		Details: userFacing.Details,
	})

	stats := met.Stats()
	cost := met.EstimatedCost(o.pricing)
	meterJSON, _ := met.MarshalJSON()
	if finalizeErr := o.store.Finalize(sessionID, store.StatusFailed, nil, nil, nil, "", string(kind), userFacing.Message, stats.Total, cost.Total, meterJSON); finalizeErr != nil {
		o.logger.Error("finalize failed job", "jobId", jobID, "error", finalizeErr)
	}
	return Result{SessionID: sessionID, Status: store.StatusFailed}, err
}

func (o *Orchestrator) cancel(jobID, sessionID string, iteration int, met *meter.Meter) (Result, error) {
	o.publish(jobID, progress.TypeCancelled, progress.CancelledPayload{})

	stats := met.Stats()
	cost := met.EstimatedCost(o.pricing)
	meterJSON, _ := met.MarshalJSON()
	if err := o.store.Finalize(sessionID, store.StatusCancelled, nil, nil, nil, "", string(errorkind.Cancelled), "job cancelled", stats.Total, cost.Total, meterJSON); err != nil {
		o.logger.Error("finalize cancelled job", "jobId", jobID, "error", err)
	}
	return Result{SessionID: sessionID, Status: store.StatusCancelled}, context.Canceled
}

func (o *Orchestrator) terminate(ctx context.Context, jobID, sessionID string, survivors []scoredCandidate, met *meter.Meter) (Result, error) {
	sort.SliceStable(survivors, func(i, j int) bool {
		return rankLess(survivors[i], survivors[j])
	})

	winner := survivors[0]
	finalists := survivors
	if len(finalists) > 2 {
		finalists = finalists[:2]
	}

	rankerReason := ""
	if o.providers.Ranker != nil {
		rankCandidates := make([]providers.Candidate, len(finalists))
		for i, f := range finalists {
			rankCandidates[i] = providers.Candidate{
				CandidateID: f.work.candidateID,
				Prompt:      f.work.combined,
				ImageRef:    f.imagePath,
				TotalScore:  f.totalScore,
			}
		}
		rankings, err := o.providers.Ranker.Rank(ctx, rankCandidates)
		if err == nil && len(rankings) > 0 {
			rankerReason = rankings[0].Reason
		}
	}

	lineage := o.walkLineage(winner)

	winnerFrame := candidateFrame(winner, true)
	finalistFrames := make([]store.CandidateFrame, len(finalists))
	for i, f := range finalists {
		finalistFrames[i] = candidateFrame(f, true)
	}
	lineageNodes := make([]store.LineageNode, len(lineage))
	for i, l := range lineage {
		lineageNodes[i] = store.LineageNode{CandidateID: l.work.candidateID, Iteration: l.work.iteration}
	}

	stats := met.Stats()
	cost := met.EstimatedCost(o.pricing)
	o.publish(jobID, progress.TypeComplete, progress.CompletePayload{
		Result: progress.CompleteResult{
			BestCandidate: progress.BestCandidate{
				What:       winner.work.whatPrompt,
				How:        winner.work.howPrompt,
				Combined:   winner.work.combined,
				TotalScore: winner.totalScore,
				ImageURL:   winner.imageURL,
			},
		},
	})

	meterJSON, _ := met.MarshalJSON()
	if err := o.store.Finalize(sessionID, store.StatusComplete, &winnerFrame, finalistFrames, lineageNodes, rankerReason, "", "", stats.Total, cost.Total, meterJSON); err != nil {
		return Result{}, fmt.Errorf("finalize completed job: %w", err)
	}

	return Result{
		SessionID:       sessionID,
		Status:          store.StatusComplete,
		BestCandidateID: winner.work.candidateID,
		TotalTokens:     stats.Total,
	}, nil
}

// walkLineage follows parentId links from the winner back to its
// iteration-0 ancestor, root first (spec §3).
func (o *Orchestrator) walkLineage(winner scoredCandidate) []scoredCandidate {
	chain := []scoredCandidate{winner}
	current := winner
	for current.parent != nil {
		current = *current.parent
		chain = append(chain, current)
	}
	// reverse into root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// candidateFrame renders c's persisted outcome. survived marks whether c
// was kept into the next iteration's beam (spec §6).
func candidateFrame(c scoredCandidate, survived bool) store.CandidateFrame {
	frame := store.CandidateFrame{
		CandidateID:    c.work.candidateID,
		ParentID:       c.work.parentID,
		WhatPrompt:     c.work.whatPrompt,
		HowPrompt:      c.work.howPrompt,
		Combined:       c.work.combined,
		Image:          store.ImageRef{URL: c.imageURL, LocalPath: c.imagePath},
		AlignmentScore: c.alignmentScore,
		AestheticScore: c.aestheticScore,
		TotalScore:     c.totalScore,
		Survived:       survived,
	}
	if c.reason != "" || c.rank != 0 {
		frame.Ranking = &store.Ranking{
			Rank:       c.rank,
			Reason:     c.reason,
			Strengths:  c.strengths,
			Weaknesses: c.weaknesses,
		}
	}
	return frame
}

// totalScore implements spec §3's invariant:
// totalScore = α·alignment + (1-α)·(aesthetic·10).
func totalScore(alpha, alignment, aesthetic float64) float64 {
	return alpha*alignment + (1-alpha)*(aesthetic*10)
}

// rankLess orders candidates by totalScore descending, ties broken by
// lower candidateId first (spec §3, §8 property 2).
func rankLess(a, b scoredCandidate) bool {
	if a.totalScore != b.totalScore {
		return a.totalScore > b.totalScore
	}
	return a.work.candidateID < b.work.candidateID
}

// roundToTolerance matches spec §8 property 3's "within 1e-6" check; used
// only by tests, kept here so the formula and its rounding live together.
func roundToTolerance(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
