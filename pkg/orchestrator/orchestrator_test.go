package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gibbonas/MemAgent/pkg/agents/collector"
	"github.com/gibbonas/MemAgent/pkg/agents/screener"
	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/credentials"
	"github.com/gibbonas/MemAgent/pkg/events"
	"github.com/gibbonas/MemAgent/pkg/imagegen"
	"github.com/gibbonas/MemAgent/pkg/memory"
	"github.com/gibbonas/MemAgent/pkg/picker"
	"github.com/gibbonas/MemAgent/pkg/pipeline"
	"github.com/gibbonas/MemAgent/pkg/session"
)

const (
	userID    = "u1"
	sessionID = "s1"
)

// scriptedCollector answers with the queued responses in order and records
// the context it was given.
type scriptedCollector struct {
	responses []collector.Response
	errs      []error
	contexts  []string
}

func (c *scriptedCollector) Collect(_ context.Context, contextText string) (collector.Response, error) {
	c.contexts = append(c.contexts, contextText)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return collector.Response{}, err
		}
	}
	if len(c.responses) == 0 {
		return collector.NeedsInfo("Tell me more."), nil
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

type fileGenerator struct {
	dir      string
	n        int
	requests []imagegen.Request
	edits    []imagegen.EditRequest
	err      error
	noImage  bool
}

func (g *fileGenerator) write() (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if g.noImage {
		return "", nil
	}
	g.n++
	path := filepath.Join(g.dir, fmt.Sprintf("memory_%d.jpg", g.n))
	return path, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644)
}

func (g *fileGenerator) Generate(_ context.Context, req imagegen.Request) (string, error) {
	g.requests = append(g.requests, req)
	return g.write()
}

func (g *fileGenerator) Edit(_ context.Context, req imagegen.EditRequest) (string, error) {
	g.edits = append(g.edits, req)
	if _, err := os.Stat(req.ImagePath); err != nil {
		return "", errors.Wrap(imagegen.ErrSourceImageMissing, err.Error())
	}
	return g.write()
}

type stubPicker struct {
	createErr error
	created   int
	session   picker.Session
	items     []picker.MediaItem
	getErr    error
}

func (p *stubPicker) CreateSession(_ context.Context, maxItems int) (*picker.Session, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	s := p.session
	return &s, nil
}

func (p *stubPicker) GetSession(_ context.Context, id string) (*picker.Session, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	s := p.session
	s.ID = id
	return &s, nil
}

func (p *stubPicker) AllPickedMedia(_ context.Context, _ string, limit int) ([]picker.MediaItem, error) {
	if len(p.items) > limit {
		return p.items[:limit], nil
	}
	return p.items, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, _ string, urls []string) [][]byte {
	var out [][]byte
	for _, u := range urls {
		out = append(out, []byte(u))
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.StageChanged
}

func (r *recordingEvents) PublishStage(_ context.Context, ev events.StageChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.From+"->"+ev.To)
	}
	return out
}

type harness struct {
	t         *testing.T
	store     *session.MemoryStore
	ledger    *budget.MemoryLedger
	tracker   *budget.Tracker
	collector *scriptedCollector
	screener  screener.Screener
	generator *fileGenerator
	picker    *stubPicker
	events    *recordingEvents
	orch      *Orchestrator
}

func newHarness(t *testing.T, limits budget.Limits, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     session.NewMemoryStore(),
		ledger:    budget.NewMemoryLedger(),
		collector: &scriptedCollector{},
		screener:  screener.KeywordScreener{},
		generator: &fileGenerator{dir: t.TempDir()},
		picker: &stubPicker{session: picker.Session{
			ID:            "ps-1",
			PickerURI:     "https://photos.example/picker/ps-1/",
			PollingConfig: picker.PollingConfig{PollInterval: "5s"},
		}},
		events: &recordingEvents{},
	}
	var err error
	h.tracker, err = budget.NewTracker(h.ledger, limits)
	require.NoError(t, err)
	h.rebuild(opts, pipeline.DefaultOptions())
	return h
}

func (h *harness) rebuild(opts Options, popts pipeline.Options) {
	p, err := pipeline.New(pipeline.Deps{
		Screener:  h.screener,
		Generator: h.generator,
		Fetcher:   stubFetcher{},
		Tokens:    credentials.StaticProvider("tok"),
		Tracker:   h.tracker,
	}, popts)
	require.NoError(h.t, err)
	h.orch, err = New(Deps{
		Store:     h.store,
		Collector: h.collector,
		Pipeline:  p,
		Picker:    h.picker,
		Tracker:   h.tracker,
		Events:    h.events,
	}, opts)
	require.NoError(h.t, err)
}

func (h *harness) say(text string) Result {
	return h.orch.ProcessMemory(context.Background(), text, userID, sessionID)
}

func (h *harness) state() *memory.State {
	st, err := h.orch.SessionSnapshot(context.Background(), sessionID)
	require.NoError(h.t, err)
	return st
}

// seed puts the session directly into stage with a story.
func (h *harness) seed(stage memory.Stage, ex *memory.Extraction) *memory.State {
	st, err := h.store.Get(context.Background(), sessionID)
	require.NoError(h.t, err)
	st.Stage = stage
	if stage != memory.StageCollecting {
		st.Extraction = ex
	}
	return st
}

func weddingStory() *memory.Extraction {
	when := time.Date(2020, 6, 15, 18, 30, 0, 0, time.UTC)
	return &memory.Extraction{
		WhatHappened: "wedding ceremony at sunset with Alex",
		When:         &when,
		WhoPeople:    []string{"Alex"},
		IsComplete:   true,
	}
}

func picnicStory() *memory.Extraction {
	return &memory.Extraction{WhatHappened: "a quiet picnic by the lake", Where: "Lake Tahoe", IsComplete: true}
}

func TestScenarioWeddingCollection(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.responses = []collector.Response{
		collector.NeedsInfo("What moment from the wedding would you like to capture?"),
		collector.Ready(weddingStory(), "Got it: your wedding ceremony at sunset with Alex."),
	}

	r := h.say("I want to remember my wedding with Alex in 2020")
	require.Equal(t, StatusCollecting, r.Status)
	require.Equal(t, memory.StageCollecting, r.Stage)
	require.Equal(t, memory.StageCollecting, h.state().Stage)
	require.Nil(t, h.state().Extraction)

	r = h.say("the ceremony at sunset")
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, memory.StageReadyForSearch, r.Stage)
	st := h.state()
	require.Equal(t, memory.StageReadyForSearch, st.Stage)
	require.NotNil(t, st.Extraction)
	require.Equal(t, []string{"Alex"}, st.Extraction.WhoPeople)
	require.Equal(t, "wedding ceremony at sunset with Alex", st.Extraction.WhatHappened)
	require.Contains(t, r.Message, "Reference photos from Google Photos")
	require.Equal(t, st.Extraction, r.Extraction())

	require.Len(t, h.collector.contexts, 2)
	require.Equal(t, "USER: I want to remember my wedding with Alex in 2020\n"+
		"ASSISTANT: What moment from the wedding would you like to capture?\n"+
		"USER: the ceremony at sunset", h.collector.contexts[1])
	require.Len(t, st.Messages, 4)
	require.NoError(t, st.CheckInvariants())

	total, err := h.ledger.SessionTotal(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, 2*budget.CostCollection, total)
	require.Equal(t, []string{"collecting->ready_for_search"}, h.events.transitions())
}

func TestCollectionWithoutPeopleGoesToConfirmation(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.responses = []collector.Response{collector.Ready(picnicStory(), "")}

	r := h.say("a quiet picnic by the lake at Tahoe last summer")
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
	require.Equal(t, msgDefaultConfirm+"\n\n"+msgReadyToGenerate, r.Message)

	r = h.say("yes")
	require.Equal(t, StatusCompleted, r.Status)
	require.Equal(t, memory.StageCompleted, r.Stage)
	require.NotEmpty(t, r.ImagePath())
	require.Equal(t, msgCreatedWithImage, r.Message)
	require.Equal(t, r.ImagePath(), h.state().LastGeneratedImagePath)
	require.Contains(t, r.Warnings(), WarnMetadataNotEmbedded)
	require.Empty(t, h.generator.requests[0].References)

	require.Equal(t, []string{
		"collecting->confirm_generation",
		"confirm_generation->screening",
		"screening->generating",
		"generating->completed",
	}, h.events.transitions())
}

func TestAutoStartPicker(t *testing.T) {
	opts := DefaultOptions()
	opts.AutoStartPicker = true
	h := newHarness(t, budget.DefaultLimits(), opts)
	h.collector.responses = []collector.Response{collector.Ready(weddingStory(), "Lovely.")}

	r := h.say("my wedding with Alex, the ceremony at sunset")
	require.Equal(t, StatusSelectingReferences, r.Status)
	require.Equal(t, memory.StageSelectingReferences, h.state().Stage)
	require.Contains(t, r.Message, "Lovely.")
}

func TestReadyForSearchTransitions(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageReadyForSearch, weddingStory())
	r := h.say("skip the photos")
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
	require.Equal(t, msgSkipReferences, r.Message)

	h = newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageReadyForSearch, weddingStory())
	r = h.say("actually go back")
	require.Equal(t, StatusCollecting, r.Status)
	require.Nil(t, h.state().Extraction)

	h = newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageReadyForSearch, weddingStory())
	r = h.say("sure, let's pick some")
	require.Equal(t, StatusSelectingReferences, r.Status)
	require.Equal(t, memory.StageSelectingReferences, r.Stage)
	require.Equal(t, "https://photos.example/picker/ps-1/autoclose", r.PickerURI())
	require.Equal(t, "ps-1", r.Aux[AuxPickerSessionID])
	require.Equal(t, 5, r.Aux[AuxPollInterval])
	require.Equal(t, "ps-1", h.state().PickerSessionID)
}

func TestPickerFailures(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.picker.createErr = &picker.UnauthorizedError{Message: "Photo picker access was denied (401)."}
	h.seed(memory.StageReadyForSearch, weddingStory())

	r := h.say("find photos")
	require.Equal(t, StatusSearchFailed, r.Status)
	require.Equal(t, memory.StageReadyForSearch, r.Stage)
	require.True(t, r.RequiresReauth())
	require.Equal(t, "Photo picker access was denied (401)."+msgPickerReauthSuffix, r.Message)
	require.NotNil(t, h.state().Extraction)

	h.picker.createErr = errors.New("connection refused")
	r = h.say("find photos")
	require.Equal(t, StatusSearchFailed, r.Status)
	require.Equal(t, memory.StageSearchFailed, r.Stage)
	require.False(t, r.RequiresReauth())

	h.picker.createErr = nil
	r = h.say("try again")
	require.Equal(t, memory.StageSelectingReferences, r.Stage)

	h.seed(memory.StageSearchFailed, weddingStory())
	r = h.say("skip")
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
}

func TestPickerFailureDropsStoredSelection(t *testing.T) {
	for name, createErr := range map[string]error{
		"unavailable":  errors.New("connection refused"),
		"unauthorized": &picker.UnauthorizedError{Message: "Photo picker access was denied (401)."},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
			h.seed(memory.StageSelectingReferences, weddingStory())
			ctx := context.Background()

			r := h.orch.StoreReferenceSelection(ctx, userID, sessionID, []string{"a"}, []string{"https://p/a"})
			require.Equal(t, memory.StageReadyToGenerate, r.Stage)
			h.seed(memory.StageReadyToGenerate, weddingStory()).PhotoContext = "Alex is on the left"

			h.picker.createErr = createErr
			r = h.orch.StartPickerFlow(ctx, userID, sessionID)
			require.Equal(t, StatusSearchFailed, r.Status)

			st := h.state()
			require.False(t, st.HasReferences())
			require.Empty(t, st.PhotoContext)
			require.NoError(t, st.CheckInvariants())

			require.Equal(t, memory.StageConfirmGeneration, h.say("skip").Stage)
			require.Equal(t, memory.StageCompleted, h.say("yes").Stage)
			require.Len(t, h.generator.requests, 1)
			require.Empty(t, h.generator.requests[0].References)
		})
	}
}

func TestSelectingReferencesAnyInputGenerates(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageSelectingReferences, weddingStory())

	r := h.say("never mind")
	require.Equal(t, StatusCompleted, r.Status)
	require.Empty(t, h.generator.requests[0].References)
}

func TestConfirmReferenceSelectionEmptyIsNotAnError(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageSelectingReferences, weddingStory())

	r := h.orch.ConfirmReferenceSelection(context.Background(), userID, sessionID, nil, nil)
	require.Equal(t, StatusCompleted, r.Status)
	require.Equal(t, memory.StageCompleted, r.Stage)
	require.Len(t, h.generator.requests, 1)
	require.Empty(t, h.generator.requests[0].References)
	require.Equal(t, 0, r.Aux[AuxReferencesUsed])
}

func TestConfirmReferenceSelectionUsesReferences(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageSelectingReferences, weddingStory())

	r := h.orch.ConfirmReferenceSelection(context.Background(), userID, sessionID,
		[]string{"a", "b"}, []string{"https://p/a", "https://p/b"})
	require.Equal(t, StatusCompleted, r.Status)
	require.Len(t, h.generator.requests[0].References, 2)
	require.Contains(t, h.generator.requests[0].Prompt, "Reference photos selected: 2 photos")
	require.Equal(t, []string{"https://p/a", "https://p/b"}, h.state().SelectedReferenceURLs)
}

func TestStoreSelectionThenGenerate(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	ctx := context.Background()

	h.seed(memory.StageReadyForSearch, weddingStory())
	before := h.state()
	r := h.orch.StoreReferenceSelection(ctx, userID, sessionID, []string{"a"}, []string{"https://p/a"})
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeInvalidStage, r.ErrorCode())
	require.Equal(t, msgNotSelecting, r.Message)
	require.Equal(t, before, h.state())

	r = h.orch.RunGenerationFromStoredRefs(ctx, userID, sessionID, "")
	require.Equal(t, CodeInvalidStage, r.ErrorCode())
	require.Equal(t, msgNotStored, r.Message)

	h.seed(memory.StageSelectingReferences, weddingStory())
	r = h.orch.StoreReferenceSelection(ctx, userID, sessionID, []string{"a", "b"}, []string{"https://p/a", "https://p/b"})
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, memory.StageReadyToGenerate, r.Stage)
	require.Equal(t, []ReferencePhoto{{MediaItemID: "a", Index: 0}, {MediaItemID: "b", Index: 1}}, r.Aux[AuxReferencePhotos])
	require.Empty(t, h.generator.requests)

	r = h.orch.RunGenerationFromStoredRefs(ctx, userID, sessionID, "  Alex is on the left ")
	require.Equal(t, StatusCompleted, r.Status)
	require.Contains(t, h.generator.requests[0].Prompt, "User notes about the reference photos: Alex is on the left")
	require.Equal(t, "Alex is on the left", h.state().PhotoContext)
}

func TestPollPickerSelection(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	ctx := context.Background()

	r := h.orch.PollPickerSelection(ctx, userID, sessionID)
	require.Equal(t, CodeInvalidStage, r.ErrorCode())

	st := h.seed(memory.StageSelectingReferences, weddingStory())
	st.PickerSessionID = "ps-1"

	r = h.orch.PollPickerSelection(ctx, userID, sessionID)
	require.Equal(t, StatusSelectingReferences, r.Status)
	require.Equal(t, false, r.Aux[AuxMediaItemsSet])

	h.picker.session.MediaItemsSet = true
	h.picker.items = []picker.MediaItem{
		{ID: "m1", MediaFile: picker.MediaFile{BaseURL: "https://p/m1"}},
		{ID: "m2"},
		{ID: "m3", MediaFile: picker.MediaFile{BaseURL: "https://p/m3"}},
	}
	r = h.orch.PollPickerSelection(ctx, userID, sessionID)
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, memory.StageReadyToGenerate, r.Stage)
	require.Equal(t, []string{"m1", "m3"}, h.state().SelectedReferenceIDs)

	st = h.seed(memory.StageSelectingReferences, weddingStory())
	st.PickerSessionID = "ps-1"
	h.picker.getErr = &picker.UnauthorizedError{Message: "denied"}
	r = h.orch.PollPickerSelection(ctx, userID, sessionID)
	require.Equal(t, CodePickerUnavailable, r.ErrorCode())
	require.True(t, r.RequiresReauth())
	require.Equal(t, memory.StageSelectingReferences, h.state().Stage)
}

func TestConfirmGenerationTransitions(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	st := h.seed(memory.StageConfirmGeneration, weddingStory())
	st.SetReferences([]string{"a"}, []string{"https://p/a"})

	r := h.say("I'd like different photos")
	require.Equal(t, StatusReadyForSearch, r.Status)
	require.Equal(t, memory.StageReadyForSearch, r.Stage)
	require.False(t, h.state().HasReferences())

	h.seed(memory.StageConfirmGeneration, weddingStory())
	r = h.say("hmm, it was actually in the morning")
	require.Equal(t, StatusCollecting, r.Status)
	require.Equal(t, memory.StageCollecting, h.state().Stage)
	require.Nil(t, h.state().Extraction)
}

func TestCompletedChangeStoryKeepsHistory(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.responses = []collector.Response{collector.Ready(picnicStory(), "")}
	h.say("a picnic by the lake")
	h.say("yes")
	require.Equal(t, memory.StageCompleted, h.state().Stage)
	n := len(h.state().Messages)

	r := h.say("change my story")
	require.Equal(t, StatusCollecting, r.Status)
	st := h.state()
	require.Equal(t, memory.StageCollecting, st.Stage)
	require.Nil(t, st.Extraction)
	require.Len(t, st.Messages, n+2)
	require.Equal(t, "a picnic by the lake", st.Messages[0].Content)
}

func TestCompletedReferenceRequests(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageCompleted, weddingStory())
	r := h.say("add photos please")
	require.Equal(t, StatusSelectingReferences, r.Status)
	require.Equal(t, msgPickerWithRefs, r.Message)

	h = newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageCompleted, picnicStory())
	r = h.say("use different photos")
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
	require.Equal(t, msgRegenerate, r.Message)
}

func TestCompletedEdit(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageCompleted, picnicStory())

	r := h.say("make the sky more dramatic")
	require.Equal(t, StatusCompleted, r.Status)
	require.Equal(t, msgNoPriorImage, r.Message)
	require.Empty(t, h.generator.edits)

	st := h.seed(memory.StageCompleted, picnicStory())
	st.LastGeneratedImagePath = filepath.Join(t.TempDir(), "gone.jpg")
	r = h.say("make the sky more dramatic")
	require.Equal(t, msgNoPriorImage, r.Message)

	prev, err := h.generator.write()
	require.NoError(t, err)
	st.LastGeneratedImagePath = prev
	r = h.say("make the sky more dramatic")
	require.Equal(t, StatusCompleted, r.Status)
	require.Equal(t, msgEdited, r.Message)
	require.NotEqual(t, prev, r.ImagePath())
	require.Equal(t, r.ImagePath(), h.state().LastGeneratedImagePath)
	require.Equal(t, "make the sky more dramatic", h.generator.edits[0].Instruction)

	h.generator.noImage = true
	r = h.say("make it night")
	require.Equal(t, msgEditNoImage, r.Message)

	h.generator.noImage = false
	h.generator.err = errors.New(`{"error":{"code":503,"message":"The model is overloaded."}}`)
	r = h.say("make it night")
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeLLMUnavailable, r.ErrorCode())
	require.Equal(t, "Edit failed: The model is overloaded.", r.Message)
	require.Equal(t, memory.StageCompleted, h.state().Stage)
}

func TestStartOverFromAnyStageIsIdempotent(t *testing.T) {
	for _, stage := range memory.AllStages {
		t.Run(string(stage), func(t *testing.T) {
			h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
			st := h.seed(stage, weddingStory())
			st.AddMessage(memory.RoleUser, "earlier")
			if stage.AtOrBeyond(memory.StageReadyToGenerate) {
				st.SetReferences([]string{"a"}, []string{"https://p/a"})
			}
			st.LastGeneratedImagePath = "/tmp/x.jpg"

			r := h.say("start over")
			require.Equal(t, StatusCollecting, r.Status)
			require.Equal(t, memory.StageCollecting, r.Stage)
			once := h.state()
			require.Equal(t, memory.StageCollecting, once.Stage)
			require.Nil(t, once.Extraction)
			require.Empty(t, once.SelectedReferenceIDs)
			require.Empty(t, once.SelectedReferenceURLs)
			require.Empty(t, once.LastGeneratedImagePath)

			h.say("start over")
			require.Equal(t, once, h.state())
		})
	}
}

func TestResetReturnsInitialState(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	st := h.seed(memory.StageCompleted, weddingStory())
	st.SetReferences([]string{"a"}, []string{"u"})

	_, err := h.store.Reset(context.Background(), sessionID)
	require.NoError(t, err)
	got := h.state()
	require.Equal(t, memory.NewState(), got)
}

func TestExtractionPresentBeyondCollecting(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.responses = []collector.Response{collector.Ready(weddingStory(), "")}

	steps := []func() Result{
		func() Result { return h.say("my wedding with Alex at sunset") },
		func() Result { return h.say("yes, search") },
		func() Result {
			return h.orch.StoreReferenceSelection(context.Background(), userID, sessionID, []string{"a"}, []string{"https://p/a"})
		},
		func() Result { return h.orch.RunGenerationFromStoredRefs(context.Background(), userID, sessionID, "") },
		func() Result { return h.say("make it warmer") },
	}
	for i, step := range steps {
		r := step()
		require.NotEqual(t, StatusError, r.Status, "step %d: %s", i, r.Message)
		st := h.state()
		require.NotNil(t, st.Extraction, "step %d", i)
		require.NoError(t, st.CheckInvariants(), "step %d", i)
	}
	require.Equal(t, memory.StageCompleted, h.state().Stage)
}

func TestBudgetExceededIsRecoverable(t *testing.T) {
	limits := budget.DefaultLimits()
	limits.MaxPerSession = 2000
	h := newHarness(t, limits, DefaultOptions())
	h.seed(memory.StageConfirmGeneration, picnicStory())

	r := h.say("yes")
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeBudgetExceeded, r.ErrorCode())
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
	require.Contains(t, r.Message, "Session token limit exceeded")
	st := h.state()
	require.Equal(t, memory.StageConfirmGeneration, st.Stage)
	require.NotNil(t, st.Extraction)
	require.Empty(t, h.generator.requests)
	require.Empty(t, h.ledger.Entries())
}

func TestBudgetExceededDuringCollection(t *testing.T) {
	limits := budget.DefaultLimits()
	limits.MaxPerSession = 1500
	h := newHarness(t, limits, DefaultOptions())

	r := h.say("my birthday")
	require.Equal(t, StatusCollecting, r.Status)
	r = h.say("the cake")
	require.Equal(t, CodeBudgetExceeded, r.ErrorCode())
	require.Equal(t, memory.StageCollecting, r.Stage)
	require.Len(t, h.collector.contexts, 1)
}

func TestDailyMemoryLimit(t *testing.T) {
	limits := budget.DefaultLimits()
	limits.MaxMemoriesPerDay = 1
	h := newHarness(t, limits, DefaultOptions())
	h.seed(memory.StageConfirmGeneration, picnicStory())
	require.Equal(t, StatusCompleted, h.say("yes").Status)

	h.seed(memory.StageConfirmGeneration, picnicStory())
	r := h.say("yes")
	require.Equal(t, CodeDailyMemoryLimit, r.ErrorCode())
	require.Equal(t, memory.StageConfirmGeneration, h.state().Stage)
}

func TestContentPolicyBlocksGeneration(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageConfirmGeneration, &memory.Extraction{WhatHappened: "a sword fight with blood everywhere", IsComplete: true})

	r := h.say("yes")
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeContentPolicy, r.ErrorCode())
	require.Equal(t, memory.StageConfirmGeneration, r.Stage)
	require.Contains(t, r.Aux[AuxViolations], "violence")
	require.Empty(t, h.generator.requests)

	h.rebuild(DefaultOptions(), pipeline.Options{BlockOnViolation: false})
	r = h.say("yes")
	require.Equal(t, StatusCompleted, r.Status)
	require.Contains(t, r.Warnings(), WarnContentPolicy)
}

func TestCollectorFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.errs = []error{errors.New("503 UNAVAILABLE")}
	h.collector.responses = []collector.Response{collector.Ready(picnicStory(), "")}

	r := h.say("a picnic by the lake")
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeLLMUnavailable, r.ErrorCode())
	require.Equal(t, memory.StageCollecting, r.Stage)
	require.Empty(t, h.state().Messages)
	require.Empty(t, h.ledger.Entries())

	r = h.say("a picnic by the lake")
	require.Equal(t, StatusReady, r.Status)
	require.Equal(t, "USER: a picnic by the lake", h.collector.contexts[1])
}

func TestGenerationUpstreamFailure(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.generator.err = errors.New("RESOURCE_EXHAUSTED: quota")
	h.seed(memory.StageConfirmGeneration, picnicStory())

	r := h.say("yes")
	require.Equal(t, CodeLLMUnavailable, r.ErrorCode())
	require.Equal(t, "Image generation failed: RESOURCE_EXHAUSTED: quota", r.Message)
	require.Equal(t, memory.StageConfirmGeneration, h.state().Stage)

	h.generator.err = nil
	r = h.say("yes")
	require.Equal(t, StatusCompleted, r.Status)
}

func TestDegradedGenerationStillCompletes(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.generator.noImage = true
	h.seed(memory.StageConfirmGeneration, picnicStory())

	r := h.say("yes")
	require.Equal(t, StatusCompleted, r.Status)
	require.Equal(t, msgCreated, r.Message)
	require.Empty(t, r.ImagePath())
	require.Contains(t, r.Warnings(), WarnNoImage)
	require.Empty(t, h.state().LastGeneratedImagePath)
}

func TestLedgerTotalsMatchRecordedUnits(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.collector.responses = []collector.Response{collector.Ready(picnicStory(), "")}
	ctx := context.Background()

	last := 0
	for _, text := range []string{"a picnic", "yes", "make it brighter"} {
		h.say(text)
		total, err := h.ledger.SessionTotal(ctx, sessionID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, total, last)
		last = total
	}
	sum := 0
	for _, e := range h.ledger.Entries() {
		sum += e.Units
	}
	require.Equal(t, sum, last)
	require.Equal(t, budget.CostCollection+budget.CostScreening+2*budget.CostGeneration, last)
}

func TestUnexpectedStage(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	h.seed(memory.StageScreening, picnicStory())

	r := h.say("hello?")
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, CodeUnexpectedStage, r.ErrorCode())
	require.Equal(t, msgUnexpectedStage, r.Message)
}

func TestStartPickerFlowNeedsStory(t *testing.T) {
	h := newHarness(t, budget.DefaultLimits(), DefaultOptions())
	r := h.orch.StartPickerFlow(context.Background(), userID, sessionID)
	require.Equal(t, CodeInvalidStage, r.ErrorCode())

	h.seed(memory.StageConfirmGeneration, weddingStory())
	r = h.orch.StartPickerFlow(context.Background(), userID, sessionID)
	require.Equal(t, StatusSelectingReferences, r.Status)
	require.Equal(t, 1, h.picker.created)
}

func TestResultJSONFlattensAux(t *testing.T) {
	r := newResult(StatusCompleted, memory.StageCompleted, "done").With(AuxImagePath, "/tmp/a.jpg")
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, "completed", got["status"])
	require.Equal(t, "done", got["message"])
	require.Equal(t, "completed", got["stage"])
	require.Equal(t, "/tmp/a.jpg", got["image_path"])
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	require.Error(t, err)

	var o *Orchestrator
	r := o.ProcessMemory(context.Background(), "hi", userID, sessionID)
	require.Equal(t, CodeSessionUnavailable, r.ErrorCode())
}
