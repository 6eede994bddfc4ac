// Package orchestrator drives one memory conversation per session through
// collection, reference selection, generation and edits.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/agents/collector"
	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/events"
	"github.com/gibbonas/MemAgent/pkg/imagegen"
	"github.com/gibbonas/MemAgent/pkg/intent"
	"github.com/gibbonas/MemAgent/pkg/llm"
	"github.com/gibbonas/MemAgent/pkg/memory"
	"github.com/gibbonas/MemAgent/pkg/picker"
	"github.com/gibbonas/MemAgent/pkg/pipeline"
	"github.com/gibbonas/MemAgent/pkg/session"
)

var ErrInvalidStage = errors.New("orchestrator: operation not valid in current stage")

// Runner is the generation pipeline.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error)
	Edit(ctx context.Context, in pipeline.EditInput) (pipeline.Outcome, error)
}

// Deps wires the orchestrator. Picker and Events may be nil.
type Deps struct {
	Store     session.Store
	Collector collector.Collector
	Pipeline  Runner
	Picker    picker.Service
	Tracker   *budget.Tracker
	Events    events.Publisher
}

type Options struct {
	// ContextWindow is the number of trailing messages given to the
	// collector.
	ContextWindow  int
	PickerMaxItems int
	// AutoStartPicker opens a picker session as soon as a story naming
	// people or pets is collected, instead of offering it first.
	AutoStartPicker bool
}

func DefaultOptions() Options {
	return Options{ContextWindow: memory.ContextWindow, PickerMaxItems: picker.DefaultMaxItems}
}

// Orchestrator owns the per-session state machine. Callers must not run two
// operations for the same session concurrently; different sessions are
// independent.
type Orchestrator struct {
	store     session.Store
	collector collector.Collector
	pipeline  Runner
	picker    picker.Service
	tracker   *budget.Tracker
	events    events.Publisher
	opts      Options
	logger    zerolog.Logger
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: session store is nil")
	case deps.Collector == nil:
		return nil, errors.New("orchestrator: collector is nil")
	case deps.Pipeline == nil:
		return nil, errors.New("orchestrator: pipeline is nil")
	case deps.Tracker == nil:
		return nil, errors.New("orchestrator: budget tracker is nil")
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = memory.ContextWindow
	}
	if opts.PickerMaxItems <= 0 {
		opts.PickerMaxItems = picker.DefaultMaxItems
	}
	return &Orchestrator{
		store:     deps.Store,
		collector: deps.Collector,
		pipeline:  deps.Pipeline,
		picker:    deps.Picker,
		tracker:   deps.Tracker,
		events:    deps.Events,
		opts:      opts,
		logger:    log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// call carries the identifiers of one operation.
type call struct {
	userID    string
	sessionID string
	lastStage memory.Stage
}

func (o *Orchestrator) begin(ctx context.Context, userID, sessionID string) (*memory.State, *call, *Result) {
	if o == nil {
		r := errorResult(memory.StageCollecting, CodeSessionUnavailable, msgSessionUnavailable)
		return nil, nil, &r
	}
	st, err := o.store.Get(ctx, sessionID)
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("session load failed")
		r := errorResult(memory.StageCollecting, CodeSessionUnavailable, msgSessionUnavailable)
		return nil, nil, &r
	}
	return st, &call{userID: userID, sessionID: sessionID, lastStage: st.Stage}, nil
}

// finish persists the state and publishes the transition, if any.
func (o *Orchestrator) finish(ctx context.Context, c *call, st *memory.State, r Result) Result {
	if err := o.store.Save(ctx, c.sessionID, st); err != nil {
		o.logger.Error().Err(err).Str("session_id", c.sessionID).Msg("session save failed")
	}
	if st.Stage != c.lastStage {
		o.publish(ctx, c, c.lastStage, st.Stage, r.Status)
	}
	return r
}

func (o *Orchestrator) publish(ctx context.Context, c *call, from, to memory.Stage, status Status) {
	c.lastStage = to
	if o.events == nil {
		return
	}
	pipeline.BestEffort(ctx, "stage_event_publish_failed", func(ctx context.Context) error {
		return o.events.PublishStage(ctx, events.StageChanged{
			SessionID: c.sessionID,
			UserID:    c.userID,
			From:      string(from),
			To:        string(to),
			Status:    string(status),
			At:        time.Now().UTC(),
		})
	})
}

// ProcessMemory handles one user utterance for the session.
func (o *Orchestrator) ProcessMemory(ctx context.Context, text, userID, sessionID string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}

	if intent.Global().Classify(text) == intent.StartOver {
		st.Reset()
		st.AddMessage(memory.RoleUser, text)
		st.AddMessage(memory.RoleAssistant, msgStartOver)
		o.logger.Info().Str("session_id", sessionID).Msg("session_reset")
		return o.finish(ctx, c, st, newResult(StatusCollecting, memory.StageCollecting, msgStartOver))
	}

	o.logger.Info().Str("session_id", sessionID).Str("stage", string(st.Stage)).Msg("pipeline_stage")

	var r Result
	switch st.Stage {
	case memory.StageCollecting:
		r = o.handleCollecting(ctx, c, st, text)
	case memory.StageReadyForSearch:
		st.AddMessage(memory.RoleUser, text)
		r = o.handleReadyForSearch(ctx, c, st, text)
	case memory.StageSelectingReferences:
		st.AddMessage(memory.RoleUser, text)
		if intent.SelectingReferences().Classify(text) == intent.CancelSelection {
			st.ClearReferences()
		}
		r = o.runPipeline(ctx, c, st)
	case memory.StageReadyToGenerate:
		st.AddMessage(memory.RoleUser, text)
		r = o.handleReadyToGenerate(ctx, c, st, text)
	case memory.StageSearchFailed:
		st.AddMessage(memory.RoleUser, text)
		if intent.SearchFailed().Classify(text) == intent.Skip {
			r = o.say(st, newResult(StatusReady, memory.StageConfirmGeneration, msgSkipReferences))
		} else {
			r = o.startPicker(ctx, c, st, "")
		}
	case memory.StageConfirmGeneration:
		st.AddMessage(memory.RoleUser, text)
		r = o.handleConfirmGeneration(ctx, c, st, text)
	case memory.StageCompleted:
		st.AddMessage(memory.RoleUser, text)
		r = o.handleCompleted(ctx, c, st, text)
	default:
		o.logger.Error().Str("session_id", sessionID).Str("stage", string(st.Stage)).Msg("unexpected session stage")
		r = errorResult(st.Stage, CodeUnexpectedStage, msgUnexpectedStage)
	}
	return o.finish(ctx, c, st, r)
}

// say moves the state to r.Stage and records r.Message as the assistant's
// reply.
func (o *Orchestrator) say(st *memory.State, r Result) Result {
	st.Stage = r.Stage
	st.AddMessage(memory.RoleAssistant, r.Message)
	return r
}

func (o *Orchestrator) handleCollecting(ctx context.Context, c *call, st *memory.State, text string) Result {
	if _, err := o.tracker.Check(ctx, c.userID, c.sessionID, budget.CostCollection); err != nil {
		return o.budgetFailure(c, st.Stage, err)
	}

	// The collector sees the history as it will be once this turn is kept.
	preview := st.Clone()
	preview.AddMessage(memory.RoleUser, text)
	resp, err := o.collector.Collect(ctx, preview.ContextText(o.opts.ContextWindow))
	if err != nil {
		return o.upstreamFailure(ctx, c, st.Stage, "collection_error", err)
	}

	_, err = o.tracker.Record(ctx, budget.Usage{
		UserID:    c.userID,
		SessionID: c.sessionID,
		Agent:     budget.AgentCollector,
		Operation: budget.OpCollection,
		Units:     budget.CostCollection,
	})
	if err != nil {
		return o.budgetFailure(c, st.Stage, err)
	}
	st.AddMessage(memory.RoleUser, text)

	if !resp.IsReady() {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = msgCollectFallback
		}
		return o.say(st, newResult(StatusCollecting, memory.StageCollecting, msg))
	}

	st.Extraction = resp.Extraction.Clone()
	o.logger.Info().
		Str("session_id", c.sessionID).
		Str("what_happened", st.Extraction.WhatHappened).
		Strs("who_people", st.Extraction.WhoPeople).
		Strs("who_pets", st.Extraction.WhoPets).
		Msg("collection_complete")

	confirmation := strings.TrimSpace(resp.Message)
	if confirmation == "" {
		confirmation = msgDefaultConfirm
	}
	if !st.Extraction.HasPeopleOrPets() {
		r := newResult(StatusReady, memory.StageConfirmGeneration, confirmation+"\n\n"+msgReadyToGenerate)
		return o.say(st, r.With(AuxExtraction, st.Extraction.Clone()))
	}

	offer := confirmation + "\n\n" + msgOfferReferences
	if o.opts.AutoStartPicker {
		st.Stage = memory.StageReadyForSearch
		return o.startPicker(ctx, c, st, offer)
	}
	r := newResult(StatusReady, memory.StageReadyForSearch, offer)
	return o.say(st, r.With(AuxExtraction, st.Extraction.Clone()))
}

func (o *Orchestrator) handleReadyForSearch(ctx context.Context, c *call, st *memory.State, text string) Result {
	switch intent.ReadyForSearch().Classify(text) {
	case intent.ChangeStory:
		st.DiscardExtraction()
		return o.say(st, newResult(StatusCollecting, memory.StageCollecting, msgRetellStory))
	case intent.Skip:
		return o.say(st, newResult(StatusReady, memory.StageConfirmGeneration, msgSkipReferences))
	default:
		return o.startPicker(ctx, c, st, "")
	}
}

func (o *Orchestrator) handleReadyToGenerate(ctx context.Context, c *call, st *memory.State, text string) Result {
	switch intent.ConfirmGeneration().Classify(text) {
	case intent.Affirm:
		return o.runPipeline(ctx, c, st)
	case intent.ChangeReferences:
		st.ClearReferences()
		return o.say(st, newResult(StatusReadyForSearch, memory.StageReadyForSearch, msgSearchAgain))
	default:
		// Anything else annotates the stored photos before generating.
		st.PhotoContext = strings.TrimSpace(text)
		return o.runPipeline(ctx, c, st)
	}
}

func (o *Orchestrator) handleConfirmGeneration(ctx context.Context, c *call, st *memory.State, text string) Result {
	switch intent.ConfirmGeneration().Classify(text) {
	case intent.Affirm:
		return o.runPipeline(ctx, c, st)
	case intent.ChangeReferences:
		st.ClearReferences()
		return o.say(st, newResult(StatusReadyForSearch, memory.StageReadyForSearch, msgSearchAgain))
	default:
		st.DiscardExtraction()
		return o.say(st, newResult(StatusCollecting, memory.StageCollecting, msgEditStory))
	}
}

func (o *Orchestrator) handleCompleted(ctx context.Context, c *call, st *memory.State, text string) Result {
	switch intent.Completed().Classify(text) {
	case intent.ChangeReferences:
		st.ClearReferences()
		st.PhotoContext = ""
		if st.Extraction.HasPeopleOrPets() {
			return o.startPicker(ctx, c, st, msgPickerWithRefs)
		}
		r := newResult(StatusReady, memory.StageConfirmGeneration, msgRegenerate)
		return o.say(st, r.With(AuxExtraction, st.Extraction.Clone()))
	case intent.ChangeStory:
		st.DiscardExtraction()
		return o.say(st, newResult(StatusCollecting, memory.StageCollecting, msgChangeStory))
	default:
		return o.edit(ctx, c, st, text)
	}
}

// startPicker opens a picker session. Unauthorized falls back to
// ready_for_search so the story survives; other failures go to search_failed.
func (o *Orchestrator) startPicker(ctx context.Context, c *call, st *memory.State, message string) Result {
	lg := o.logger.With().Str("session_id", c.sessionID).Logger()
	lg.Info().Str("stage", "picker_session").Msg("pipeline_stage")

	var sess *picker.Session
	err := errors.New("photo picker is not configured")
	if o.picker != nil {
		sess, err = o.picker.CreateSession(ctx, o.opts.PickerMaxItems)
	}
	if err != nil {
		// Both fallback stages sit before ready_to_generate, where a stored
		// selection is not allowed.
		st.ClearReferences()
		st.PhotoContext = ""
		if stderrors.Is(err, picker.ErrUnauthorized) {
			lg.Warn().Err(err).Msg("picker_unauthorized")
			r := newResult(StatusSearchFailed, memory.StageReadyForSearch, err.Error()+msgPickerReauthSuffix)
			return o.say(st, r.With(AuxRequiresReauth, true))
		}
		lg.Error().Err(err).Msg("picker_start_error")
		return o.say(st, newResult(StatusSearchFailed, memory.StageSearchFailed, msgPickerFailed))
	}

	if message == "" {
		message = msgPickerDefault
	}
	st.ClearReferences()
	st.PickerSessionID = sess.ID
	r := newResult(StatusSelectingReferences, memory.StageSelectingReferences, message).
		With(AuxPickerURI, picker.PickerURI(sess.PickerURI)).
		With(AuxPickerSessionID, sess.ID).
		With(AuxPollInterval, picker.ParsePollInterval(sess.PollingConfig.PollInterval))
	return o.say(st, r)
}

// StartPickerFlow opens a picker session for a session that already has a
// story.
func (o *Orchestrator) StartPickerFlow(ctx context.Context, userID, sessionID string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}
	if st.Extraction == nil {
		return o.finish(ctx, c, st, o.invalidStage(c, st, msgNoStory))
	}
	return o.finish(ctx, c, st, o.startPicker(ctx, c, st, ""))
}

// StoreReferenceSelection records the picked photos without generating.
func (o *Orchestrator) StoreReferenceSelection(ctx context.Context, userID, sessionID string, ids, urls []string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}
	if st.Stage != memory.StageSelectingReferences {
		return o.finish(ctx, c, st, o.invalidStage(c, st, msgNotSelecting))
	}
	return o.finish(ctx, c, st, o.storeSelection(st, c, ids, urls))
}

func (o *Orchestrator) storeSelection(st *memory.State, c *call, ids, urls []string) Result {
	st.SetReferences(ids, urls)
	st.Stage = memory.StageReadyToGenerate
	o.logger.Info().Str("session_id", c.sessionID).Int("selected_count", len(ids)).Msg("reference_photos_stored")

	photos := make([]ReferencePhoto, 0, len(urls))
	for i := range urls {
		id := fmt.Sprint(i)
		if i < len(ids) {
			id = ids[i]
		}
		photos = append(photos, ReferencePhoto{MediaItemID: id, Index: i})
	}
	return newResult(StatusReady, memory.StageReadyToGenerate, msgStoredReferences).With(AuxReferencePhotos, photos)
}

// ConfirmReferenceSelection stores the selection and runs generation in one
// call. An empty selection generates without references.
func (o *Orchestrator) ConfirmReferenceSelection(ctx context.Context, userID, sessionID string, ids, urls []string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}
	if st.Stage != memory.StageSelectingReferences {
		return o.finish(ctx, c, st, o.invalidStage(c, st, msgNotSelecting))
	}
	o.storeSelection(st, c, ids, urls)
	o.logger.Info().Str("session_id", sessionID).Int("selected_count", len(ids)).Msg("reference_photos_selected")
	return o.finish(ctx, c, st, o.runPipeline(ctx, c, st))
}

// RunGenerationFromStoredRefs generates with the selection stored earlier and
// an optional note about the photos.
func (o *Orchestrator) RunGenerationFromStoredRefs(ctx context.Context, userID, sessionID, photoContext string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}
	if st.Stage != memory.StageReadyToGenerate {
		return o.finish(ctx, c, st, o.invalidStage(c, st, msgNotStored))
	}
	st.PhotoContext = strings.TrimSpace(photoContext)
	return o.finish(ctx, c, st, o.runPipeline(ctx, c, st))
}

// PollPickerSelection checks the open picker session. Once the user has
// finished picking, the picked media are stored as the selection.
func (o *Orchestrator) PollPickerSelection(ctx context.Context, userID, sessionID string) Result {
	st, c, failed := o.begin(ctx, userID, sessionID)
	if failed != nil {
		return *failed
	}
	if st.Stage != memory.StageSelectingReferences || st.PickerSessionID == "" || o.picker == nil {
		return o.finish(ctx, c, st, o.invalidStage(c, st, msgNotSelecting))
	}
	lg := o.logger.With().Str("session_id", sessionID).Str("picker_session_id", st.PickerSessionID).Logger()

	sess, err := o.picker.GetSession(ctx, st.PickerSessionID)
	if err != nil {
		return o.finish(ctx, c, st, o.pickerPollFailure(lg, st, err))
	}
	interval := picker.ParsePollInterval(sess.PollingConfig.PollInterval)
	if !sess.MediaItemsSet {
		r := newResult(StatusSelectingReferences, st.Stage, msgPickerWaiting).
			With(AuxMediaItemsSet, false).
			With(AuxPollInterval, interval).
			With(AuxPickerSessionID, sess.ID)
		return o.finish(ctx, c, st, r)
	}

	items, err := o.picker.AllPickedMedia(ctx, st.PickerSessionID, o.opts.PickerMaxItems)
	if err != nil {
		return o.finish(ctx, c, st, o.pickerPollFailure(lg, st, err))
	}
	ids, urls := picker.MediaIDs(items)
	lg.Info().Int("picked", len(items)).Int("usable", len(urls)).Msg("picker selection received")
	r := o.storeSelection(st, c, ids, urls).With(AuxMediaItemsSet, true)
	return o.finish(ctx, c, st, r)
}

func (o *Orchestrator) pickerPollFailure(lg zerolog.Logger, st *memory.State, err error) Result {
	if stderrors.Is(err, picker.ErrUnauthorized) {
		lg.Warn().Err(err).Msg("picker_unauthorized")
		return errorResult(st.Stage, CodePickerUnavailable, err.Error()+msgPickerReauthSuffix).With(AuxRequiresReauth, true)
	}
	lg.Error().Err(err).Msg("picker poll failed")
	return errorResult(st.Stage, CodePickerUnavailable, msgPickerPollFailed)
}

// invalidStage reports an operation the current stage does not allow. The
// state is left untouched.
func (o *Orchestrator) invalidStage(c *call, st *memory.State, msg string) Result {
	o.logger.Warn().Err(ErrInvalidStage).Str("session_id", c.sessionID).Str("stage", string(st.Stage)).Msg(msg)
	return errorResult(st.Stage, CodeInvalidStage, msg)
}

// SessionSnapshot returns a copy of the session state.
func (o *Orchestrator) SessionSnapshot(ctx context.Context, sessionID string) (*memory.State, error) {
	if o == nil {
		return nil, errors.New("orchestrator: nil")
	}
	st, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// runPipeline generates the image for the current story. State changes only
// after the pipeline returns; failures leave the session at
// confirm_generation so "yes" retries.
func (o *Orchestrator) runPipeline(ctx context.Context, c *call, st *memory.State) Result {
	if st.Extraction == nil {
		return o.invalidStage(c, st, msgNoStory)
	}
	memoryID := uuid.NewString()
	prev := st.Stage
	out, err := o.pipeline.Run(ctx, pipeline.Input{
		UserID:        c.userID,
		SessionID:     c.sessionID,
		MemoryID:      memoryID,
		Extraction:    st.Extraction.Clone(),
		ReferenceIDs:  append([]string(nil), st.SelectedReferenceIDs...),
		ReferenceURLs: append([]string(nil), st.SelectedReferenceURLs...),
		PhotoContext:  st.PhotoContext,
		OnStage: func(ctx context.Context, s memory.Stage) {
			o.publish(ctx, c, prev, s, "")
			prev = s
		},
	})
	if err != nil {
		return o.pipelineFailure(ctx, c, st, err)
	}

	var warnings []string
	if out.ScreeningFailed {
		warnings = append(warnings, WarnScreeningUnavailable)
	}
	if !out.Verdict.Approved {
		warnings = append(warnings, WarnContentPolicy)
	}
	if out.OverBudget {
		warnings = append(warnings, WarnBudgetExceeded)
	}

	msg := msgCreated
	r := newResult(StatusCompleted, memory.StageCompleted, "")
	if out.ImagePath != "" {
		st.LastGeneratedImagePath = out.ImagePath
		msg = msgCreatedWithImage
		r = r.With(AuxImagePath, out.ImagePath)
		if !out.MetadataEmbedded {
			warnings = append(warnings, WarnMetadataNotEmbedded)
		}
	} else {
		warnings = append(warnings, WarnNoImage)
	}
	r.Message = msg
	r = r.With(AuxExtraction, st.Extraction.Clone()).
		With(AuxMemoryID, memoryID).
		With(AuxReferencesUsed, out.ReferencesUsed).
		With(AuxUsage, out.Totals)
	if len(warnings) > 0 {
		r = r.With(AuxWarnings, warnings)
	}
	o.logger.Info().
		Str("session_id", c.sessionID).
		Str("image_path", out.ImagePath).
		Int("references_used", out.ReferencesUsed).
		Strs("warnings", warnings).
		Msg("memory generated")
	return o.say(st, r)
}

func (o *Orchestrator) pipelineFailure(ctx context.Context, c *call, st *memory.State, err error) Result {
	lg := o.logger.With().Str("session_id", c.sessionID).Logger()

	var policy *pipeline.PolicyError
	var upstream *pipeline.UpstreamError
	switch {
	case stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded):
		lg.Warn().Err(err).Msg("generation canceled")
		return o.say(st, errorResult(memory.StageConfirmGeneration, CodeCanceled, msgCanceled))
	case stderrors.Is(err, budget.ErrBudgetExceeded):
		return o.say(st, o.budgetFailure(c, memory.StageConfirmGeneration, err))
	case stderrors.Is(err, budget.ErrMemoryQuotaExceeded):
		lg.Warn().Err(err).Msg("daily memory limit reached")
		limit := o.tracker.Limits().MaxMemoriesPerDay
		msg := fmt.Sprintf("You've reached today's limit of %d memories. Please come back tomorrow.", limit)
		return o.say(st, errorResult(memory.StageConfirmGeneration, CodeDailyMemoryLimit, msg))
	case stderrors.As(err, &policy):
		lg.Warn().Strs("violations", policy.Verdict.Violations).Msg("generation blocked by content policy")
		r := errorResult(memory.StageConfirmGeneration, CodeContentPolicy, policyMessage(policy)).
			With(AuxViolations, policy.Verdict.Violations).
			With(AuxSuggestions, policy.Verdict.Suggestions).
			With(AuxSeverity, policy.Verdict.Severity)
		return o.say(st, r)
	case stderrors.As(err, &upstream):
		lg.Error().Err(err).Msg("generation_error")
		msg := "Image generation failed: " + llm.UserMessage(upstream.Err)
		return o.say(st, errorResult(memory.StageConfirmGeneration, CodeLLMUnavailable, msg))
	default:
		lg.Error().Err(err).Msg("generation_error")
		return o.say(st, errorResult(memory.StageConfirmGeneration, CodePipelineError, msgPipelineFailed))
	}
}

func policyMessage(pe *pipeline.PolicyError) string {
	var b strings.Builder
	b.WriteString("I can't create this image as described because it may break the content policy")
	if len(pe.Verdict.Violations) > 0 {
		b.WriteString(" (" + strings.Join(pe.Verdict.Violations, ", ") + ")")
	}
	b.WriteString(".")
	for _, s := range pe.Verdict.Suggestions {
		b.WriteString(" " + strings.TrimSpace(s))
	}
	b.WriteString(" Tell me what you'd like to change about the memory.")
	return b.String()
}

func (o *Orchestrator) budgetFailure(c *call, stage memory.Stage, err error) Result {
	o.logger.Error().Err(err).Str("session_id", c.sessionID).Str("user_id", c.userID).Msg("token_budget_exceeded")
	msg := err.Error()
	var ee *budget.ExceededError
	if stderrors.As(err, &ee) {
		msg = ee.Error()
	}
	if !stderrors.Is(err, budget.ErrBudgetExceeded) {
		return errorResult(stage, CodePipelineError, msgPipelineFailed)
	}
	return errorResult(stage, CodeBudgetExceeded, msg)
}

func (o *Orchestrator) upstreamFailure(ctx context.Context, c *call, stage memory.Stage, event string, err error) Result {
	if ctx.Err() != nil {
		o.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg(event)
		return errorResult(stage, CodeCanceled, msgCanceled)
	}
	o.logger.Error().Err(err).Str("session_id", c.sessionID).Msg(event)
	return errorResult(stage, CodeLLMUnavailable, llm.UserMessage(err))
}

func (o *Orchestrator) edit(ctx context.Context, c *call, st *memory.State, instruction string) Result {
	noImage := func() Result {
		return o.say(st, newResult(StatusCompleted, memory.StageCompleted, msgNoPriorImage))
	}
	if st.LastGeneratedImagePath == "" {
		return noImage()
	}
	if _, err := os.Stat(st.LastGeneratedImagePath); err != nil {
		o.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("previous image missing")
		return noImage()
	}

	out, err := o.pipeline.Edit(ctx, pipeline.EditInput{
		UserID:      c.userID,
		SessionID:   c.sessionID,
		ImagePath:   st.LastGeneratedImagePath,
		Instruction: instruction,
		Extraction:  st.Extraction.Clone(),
	})
	switch {
	case err == nil:
	case stderrors.Is(err, imagegen.ErrSourceImageMissing):
		return noImage()
	case stderrors.Is(err, budget.ErrBudgetExceeded):
		return o.budgetFailure(c, memory.StageCompleted, err)
	default:
		var upstream *pipeline.UpstreamError
		cause := err
		if stderrors.As(err, &upstream) {
			cause = upstream.Err
		}
		r := o.upstreamFailure(ctx, c, memory.StageCompleted, "edit_request_error", cause)
		if r.ErrorCode() == CodeLLMUnavailable {
			r.Message = "Edit failed: " + r.Message
		}
		return r
	}

	if out.ImagePath == "" {
		return o.say(st, newResult(StatusCompleted, memory.StageCompleted, msgEditNoImage))
	}
	st.LastGeneratedImagePath = out.ImagePath
	r := newResult(StatusCompleted, memory.StageCompleted, msgEdited).
		With(AuxImagePath, out.ImagePath).
		With(AuxExtraction, st.Extraction.Clone()).
		With(AuxUsage, out.Totals)
	if !out.MetadataEmbedded {
		r = r.With(AuxWarnings, []string{WarnMetadataNotEmbedded})
	}
	return o.say(st, r)
}
