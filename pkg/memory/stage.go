package memory

// Stage is the named position of a session in the memory pipeline.
type Stage string

const (
	StageCollecting          Stage = "collecting"
	StageReadyForSearch      Stage = "ready_for_search"
	StageSelectingReferences Stage = "selecting_references"
	StageReadyToGenerate     Stage = "ready_to_generate"
	StageScreening           Stage = "screening"
	StageGenerating          Stage = "generating"
	StageConfirmGeneration   Stage = "confirm_generation"
	StageSearchFailed        Stage = "search_failed"
	StageCompleted           Stage = "completed"
)

// AllStages lists every stage in pipeline order.
var AllStages = []Stage{
	StageCollecting,
	StageReadyForSearch,
	StageSearchFailed,
	StageSelectingReferences,
	StageReadyToGenerate,
	StageConfirmGeneration,
	StageScreening,
	StageGenerating,
	StageCompleted,
}

var stageRank = map[Stage]int{
	StageCollecting:          0,
	StageReadyForSearch:      1,
	StageSearchFailed:        1,
	StageSelectingReferences: 2,
	StageReadyToGenerate:     3,
	StageConfirmGeneration:   3,
	StageScreening:           4,
	StageGenerating:          5,
	StageCompleted:           6,
}

func (s Stage) String() string { return string(s) }

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank orders stages by pipeline progress. Unknown stages rank -1.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtOrBeyond reports whether s has progressed at least as far as other.
func (s Stage) AtOrBeyond(other Stage) bool {
	return s.Valid() && s.Rank() >= other.Rank()
}
