// Package pipeline runs screening, reference fetch, image generation and
// metadata embedding for a collected memory.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/agents/screener"
	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/credentials"
	"github.com/gibbonas/MemAgent/pkg/imagegen"
	"github.com/gibbonas/MemAgent/pkg/llm"
	"github.com/gibbonas/MemAgent/pkg/memory"
	"github.com/gibbonas/MemAgent/pkg/metadata"
)

var (
	ErrContentPolicy = errors.New("content policy violation")
	ErrNoExtraction  = errors.New("pipeline: no extraction")
)

// PolicyError carries the verdict that stopped generation. It matches
// ErrContentPolicy with errors.Is.
type PolicyError struct {
	Verdict screener.Verdict
}

func (e *PolicyError) Error() string {
	if e == nil || len(e.Verdict.Violations) == 0 {
		return ErrContentPolicy.Error()
	}
	return ErrContentPolicy.Error() + ": " + strings.Join(e.Verdict.Violations, ", ")
}

func (e *PolicyError) Unwrap() error { return ErrContentPolicy }

// UpstreamError is a model call that failed after retries. Err is the
// unwrapped model error, suitable for llm.UserMessage.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e == nil || e.Err == nil {
		return "upstream failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ReferenceFetcher downloads reference photo bytes. Failed downloads are
// dropped, never reported as an error.
type ReferenceFetcher interface {
	Fetch(ctx context.Context, token string, urls []string) [][]byte
}

// Deps are the capabilities the pipeline drives. Generator and Tracker are
// required; a nil Screener approves everything, a nil Fetcher or Tokens
// means no references, a nil Embedder skips metadata.
type Deps struct {
	Screener  screener.Screener
	Generator imagegen.Generator
	Fetcher   ReferenceFetcher
	Tokens    credentials.TokenProvider
	Embedder  metadata.Embedder
	Tracker   *budget.Tracker
}

type Options struct {
	// BlockOnViolation stops the run when screening rejects the memory.
	BlockOnViolation bool
}

func DefaultOptions() Options {
	return Options{BlockOnViolation: true}
}

type Pipeline struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Generator == nil {
		return nil, errors.New("pipeline: generator is nil")
	}
	if deps.Tracker == nil {
		return nil, errors.New("pipeline: budget tracker is nil")
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		now:    time.Now,
		logger: log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Input is a snapshot of the session taken before the run. The pipeline
// never touches session state itself.
type Input struct {
	UserID        string
	SessionID     string
	MemoryID      string
	Extraction    *memory.Extraction
	ReferenceIDs  []string
	ReferenceURLs []string
	PhotoContext  string
	// OnStage is told when the run enters screening and generating.
	OnStage func(ctx context.Context, stage memory.Stage)
}

type Outcome struct {
	ImagePath string
	Prompt    string
	Verdict   screener.Verdict
	// ScreeningFailed is set when the screening capability errored and the
	// run continued without a verdict.
	ScreeningFailed     bool
	ReferencesRequested int
	ReferencesUsed      int
	MetadataEmbedded    bool
	Totals              budget.Totals
	// OverBudget is set when recording the generation crossed a ceiling
	// after the image was already produced.
	OverBudget bool
}

// Degraded reports whether the run finished without an image.
func (o Outcome) Degraded() bool { return o.ImagePath == "" }

// Run executes screening, prompt composition, reference fetch, generation and
// metadata embedding in order. Budget and quota checks happen before any
// metered call. Returned errors are *budget.ExceededError,
// budget.ErrMemoryQuotaExceeded, *PolicyError, *UpstreamError or context
// errors; every other failure degrades the outcome instead.
func (p *Pipeline) Run(ctx context.Context, in Input) (Outcome, error) {
	var out Outcome
	if in.Extraction == nil {
		return out, ErrNoExtraction
	}
	lg := p.logger.With().Str("session_id", in.SessionID).Str("user_id", in.UserID).Logger()

	if err := p.deps.Tracker.CheckDailyMemories(ctx, in.UserID); err != nil {
		return out, err
	}
	if _, err := p.deps.Tracker.Check(ctx, in.UserID, in.SessionID, budget.CostScreening+budget.CostGeneration); err != nil {
		return out, err
	}

	p.stage(ctx, in, memory.StageScreening)
	lg.Info().Str("stage", string(memory.StageScreening)).Msg("pipeline_stage")
	verdict, err := p.screen(ctx, in)
	if err != nil {
		return out, err
	}
	out.Verdict = verdict.Verdict
	out.ScreeningFailed = verdict.failed
	if !out.Verdict.Approved {
		lg.Warn().
			Strs("violations", out.Verdict.Violations).
			Str("severity", out.Verdict.Severity).
			Bool("blocking", p.opts.BlockOnViolation).
			Msg("screening rejected memory")
		if p.opts.BlockOnViolation {
			return out, &PolicyError{Verdict: out.Verdict}
		}
	}

	if _, err := p.deps.Tracker.Check(ctx, in.UserID, in.SessionID, budget.CostGeneration); err != nil {
		return out, err
	}

	p.stage(ctx, in, memory.StageGenerating)
	lg.Info().Str("stage", string(memory.StageGenerating)).Msg("pipeline_stage")
	out.ReferencesRequested = len(in.ReferenceURLs)
	out.Prompt = ComposePrompt(in.Extraction, len(in.ReferenceIDs), in.PhotoContext)
	refs := p.fetchReferences(ctx, in.ReferenceURLs)
	out.ReferencesUsed = len(refs)

	path, err := p.deps.Generator.Generate(ctx, imagegen.Request{
		Prompt:     out.Prompt,
		UserID:     in.UserID,
		References: refs,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if llm.IsRetryable(err) {
			return out, &UpstreamError{Op: "image generation", Err: errors.Cause(err)}
		}
		lg.Error().Err(err).Msg("image_generation_failed")
		path = ""
	} else if path == "" {
		lg.Warn().Msg("image_generation_failed")
	}

	totals, err := p.deps.Tracker.Record(ctx, budget.Usage{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		MemoryID:  in.MemoryID,
		Agent:     budget.AgentImageGenerator,
		Operation: budget.OpGeneration,
		Units:     budget.CostGeneration,
	})
	out.Totals = totals
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		out.OverBudget = true
	case err != nil:
		p.logger.Error().Err(err).Str("session_id", in.SessionID).Str("operation", budget.OpGeneration).Msg("usage record failed")
	}

	if path == "" {
		return out, nil
	}
	out.ImagePath = path
	out.MetadataEmbedded = p.embed(ctx, path, in.Extraction)
	return out, nil
}

type screenResult struct {
	screener.Verdict
	failed bool
}

func (p *Pipeline) screen(ctx context.Context, in Input) (screenResult, error) {
	if p.deps.Screener == nil {
		return screenResult{Verdict: screener.Approved()}, nil
	}
	v, ok := BestEffortValue(ctx, "screening_error", func(ctx context.Context) (screener.Verdict, error) {
		return p.deps.Screener.Screen(ctx, in.Extraction.WhatHappened)
	})
	if err := ctx.Err(); err != nil {
		return screenResult{}, err
	}
	if !ok {
		return screenResult{Verdict: screener.Approved(), failed: true}, nil
	}
	if _, err := p.deps.Tracker.Record(ctx, budget.Usage{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		MemoryID:  in.MemoryID,
		Agent:     budget.AgentScreener,
		Operation: budget.OpScreening,
		Units:     budget.CostScreening,
	}); err != nil {
		return screenResult{}, err
	}
	return screenResult{Verdict: v}, nil
}

func (p *Pipeline) fetchReferences(ctx context.Context, urls []string) [][]byte {
	if len(urls) == 0 || p.deps.Fetcher == nil {
		return nil
	}
	token := ""
	if p.deps.Tokens != nil {
		token, _ = BestEffortValue(ctx, "reference_token_unavailable", p.deps.Tokens.AccessToken)
	}
	refs := p.deps.Fetcher.Fetch(ctx, token, urls)
	if len(refs) == 0 {
		p.logger.Warn().Int("requested", len(urls)).Msg("no reference images fetched, generating without references")
	}
	return refs
}

func (p *Pipeline) embed(ctx context.Context, path string, ex *memory.Extraction) bool {
	if p.deps.Embedder == nil || ex == nil {
		return false
	}
	fields := metadata.FieldsFromExtraction(ex, p.now())
	return BestEffort(ctx, "exif_embed_skipped", func(ctx context.Context) error {
		return p.deps.Embedder.Embed(ctx, path, fields)
	})
}

func (p *Pipeline) stage(ctx context.Context, in Input, s memory.Stage) {
	if in.OnStage != nil {
		in.OnStage(ctx, s)
	}
}

// EditInput asks for an edit of a previously generated image.
type EditInput struct {
	UserID      string
	SessionID   string
	MemoryID    string
	ImagePath   string
	Instruction string
	// Extraction, when set, is re-embedded into the edited image.
	Extraction *memory.Extraction
}

// Edit re-runs the image model on the previous image with a new instruction.
// A missing source image returns an error matching
// imagegen.ErrSourceImageMissing. An empty ImagePath in the outcome means
// the model produced no edited image.
func (p *Pipeline) Edit(ctx context.Context, in EditInput) (Outcome, error) {
	var out Outcome
	if strings.TrimSpace(in.ImagePath) == "" {
		return out, errors.WithStack(imagegen.ErrSourceImageMissing)
	}
	if _, err := p.deps.Tracker.Check(ctx, in.UserID, in.SessionID, budget.CostGeneration); err != nil {
		return out, err
	}
	p.logger.Info().Str("session_id", in.SessionID).Str("stage", "editing").Msg("pipeline_stage")

	path, err := p.deps.Generator.Edit(ctx, imagegen.EditRequest{
		ImagePath:   in.ImagePath,
		Instruction: in.Instruction,
		UserID:      in.UserID,
	})
	if err != nil {
		if errors.Is(err, imagegen.ErrSourceImageMissing) {
			return out, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, &UpstreamError{Op: "image edit", Err: errors.Cause(err)}
	}

	totals, err := p.deps.Tracker.Record(ctx, budget.Usage{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		MemoryID:  in.MemoryID,
		Agent:     budget.AgentImageGenerator,
		Operation: budget.OpEdit,
		Units:     budget.CostGeneration,
	})
	out.Totals = totals
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		out.OverBudget = true
	case err != nil:
		p.logger.Error().Err(err).Str("session_id", in.SessionID).Str("operation", budget.OpEdit).Msg("usage record failed")
	}
	if path == "" {
		return out, nil
	}
	out.ImagePath = path
	out.MetadataEmbedded = p.embed(ctx, path, in.Extraction)
	return out, nil
}
