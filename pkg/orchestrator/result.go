package orchestrator

import (
	"encoding/json"

	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/memory"
)

// Status tells the caller what the user is expected to do next. It is
// distinct from the internal stage.
type Status string

const (
	StatusCollecting          Status = "collecting"
	StatusReady               Status = "ready"
	StatusReadyForSearch      Status = "ready_for_search"
	StatusSelectingReferences Status = "selecting_references"
	StatusSearchFailed        Status = "search_failed"
	StatusCompleted           Status = "completed"
	StatusError               Status = "error"
)

// Error codes carried in Aux[AuxErrorCode].
const (
	CodeBudgetExceeded     = "budget_exceeded"
	CodeDailyMemoryLimit   = "daily_memory_limit"
	CodeContentPolicy      = "content_policy"
	CodeLLMUnavailable     = "llm_unavailable"
	CodeInvalidStage       = "invalid_stage"
	CodeUnexpectedStage    = "unexpected_stage"
	CodePickerUnavailable  = "picker_unavailable"
	CodeSessionUnavailable = "session_unavailable"
	CodeCanceled           = "canceled"
	CodePipelineError      = "pipeline_error"
)

// Aux keys.
const (
	AuxErrorCode       = "error_code"
	AuxImagePath       = "image_path"
	AuxExtraction      = "extraction"
	AuxRequiresReauth  = "requires_reauth"
	AuxPickerURI       = "picker_uri"
	AuxPickerSessionID = "picker_session_id"
	AuxPollInterval    = "polling_interval_seconds"
	AuxMediaItemsSet   = "media_items_set"
	AuxReferencePhotos = "reference_photos"
	AuxReferencesUsed  = "references_used"
	AuxMemoryID        = "memory_id"
	AuxUsage           = "usage"
	AuxWarnings        = "warnings"
	AuxViolations      = "violations"
	AuxSuggestions     = "suggestions"
	AuxSeverity        = "severity"
)

// Warnings carried in Aux[AuxWarnings] for degraded but successful runs.
const (
	WarnScreeningUnavailable = "screening_unavailable"
	WarnContentPolicy        = "content_policy"
	WarnNoImage              = "no_image"
	WarnMetadataNotEmbedded  = "metadata_not_embedded"
	WarnBudgetExceeded       = "budget_exceeded"
)

// ReferencePhoto describes one stored selection for display.
type ReferencePhoto struct {
	MediaItemID string `json:"media_item_id"`
	Index       int    `json:"index"`
}

// Result is returned by every orchestrator operation.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Stage   memory.Stage   `json:"stage"`
	Aux     map[string]any `json:"-"`
}

func newResult(status Status, stage memory.Stage, msg string) Result {
	return Result{Status: status, Stage: stage, Message: msg}
}

func errorResult(stage memory.Stage, code, msg string) Result {
	return newResult(StatusError, stage, msg).With(AuxErrorCode, code)
}

// With returns r with key set in Aux.
func (r Result) With(key string, value any) Result {
	aux := make(map[string]any, len(r.Aux)+1)
	for k, v := range r.Aux {
		aux[k] = v
	}
	aux[key] = value
	r.Aux = aux
	return r
}

func (r Result) IsError() bool { return r.Status == StatusError }

func (r Result) ErrorCode() string {
	s, _ := r.Aux[AuxErrorCode].(string)
	return s
}

func (r Result) ImagePath() string {
	s, _ := r.Aux[AuxImagePath].(string)
	return s
}

func (r Result) Extraction() *memory.Extraction {
	e, _ := r.Aux[AuxExtraction].(*memory.Extraction)
	return e
}

func (r Result) RequiresReauth() bool {
	b, _ := r.Aux[AuxRequiresReauth].(bool)
	return b
}

func (r Result) PickerURI() string {
	s, _ := r.Aux[AuxPickerURI].(string)
	return s
}

func (r Result) Warnings() []string {
	w, _ := r.Aux[AuxWarnings].([]string)
	return w
}

func (r Result) Usage() (budget.Totals, bool) {
	t, ok := r.Aux[AuxUsage].(budget.Totals)
	return t, ok
}

// MarshalJSON flattens Aux next to status, message and stage.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Aux)+3)
	for k, v := range r.Aux {
		out[k] = v
	}
	out["status"] = r.Status
	out["message"] = r.Message
	out["stage"] = r.Stage
	return json.Marshal(out)
}
