package memory

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ContextWindow is the number of trailing messages handed to the collector.
const ContextWindow = 6

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is the per-session pipeline state. A single orchestrator call owns it
// at a time; callers serialize per session.
type State struct {
	Stage                  Stage       `json:"stage"`
	Messages               []Message   `json:"messages"`
	Extraction             *Extraction `json:"extraction,omitempty"`
	SelectedReferenceIDs   []string    `json:"selected_reference_ids"`
	SelectedReferenceURLs  []string    `json:"selected_reference_urls"`
	PhotoContext           string      `json:"photo_context,omitempty"`
	LastGeneratedImagePath string      `json:"last_generated_image_path,omitempty"`
	PickerSessionID        string      `json:"picker_session_id,omitempty"`
}

// NewState returns the initial state of a fresh session.
func NewState() *State {
	return &State{Stage: StageCollecting}
}

// Reset clears every field, history included, and returns to collecting.
func (s *State) Reset() {
	if s == nil {
		return
	}
	*s = State{Stage: StageCollecting}
}

func (s *State) AddMessage(role, content string) {
	if s == nil {
		return
	}
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// ContextText renders the last n messages as "ROLE: content" lines.
func (s *State) ContextText(n int) string {
	if s == nil || len(s.Messages) == 0 {
		return ""
	}
	msgs := s.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), m.Content))
	}
	return strings.Join(lines, "\n")
}

// DiscardExtraction drops the story and returns to collecting. History is kept.
func (s *State) DiscardExtraction() {
	if s == nil {
		return
	}
	s.Extraction = nil
	s.Stage = StageCollecting
	s.ClearReferences()
	s.PhotoContext = ""
}

func (s *State) ClearReferences() {
	if s == nil {
		return
	}
	s.SelectedReferenceIDs = nil
	s.SelectedReferenceURLs = nil
}

// SetReferences records a selection. A nil urls slice means no references.
func (s *State) SetReferences(ids, urls []string) {
	if s == nil {
		return
	}
	s.SelectedReferenceIDs = append([]string(nil), ids...)
	s.SelectedReferenceURLs = append([]string(nil), urls...)
}

func (s *State) HasReferences() bool {
	return s != nil && len(s.SelectedReferenceURLs) > 0
}

// Clone returns a deep copy suitable for snapshots and durable stores.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Extraction = s.Extraction.Clone()
	out.SelectedReferenceIDs = append([]string(nil), s.SelectedReferenceIDs...)
	out.SelectedReferenceURLs = append([]string(nil), s.SelectedReferenceURLs...)
	return &out
}

// CheckInvariants validates the structural rules every state must satisfy
// between orchestrator calls.
func (s *State) CheckInvariants() error {
	if s == nil {
		return errors.New("memory: nil state")
	}
	if !s.Stage.Valid() {
		return errors.Errorf("memory: unknown stage %q", s.Stage)
	}
	if s.Stage == StageCollecting && s.Extraction != nil {
		return errors.New("memory: extraction present while collecting")
	}
	if s.Stage != StageCollecting && s.Extraction == nil {
		return errors.Errorf("memory: extraction missing in stage %s", s.Stage)
	}
	if len(s.SelectedReferenceURLs) > 0 && !s.Stage.AtOrBeyond(StageReadyToGenerate) {
		return errors.Errorf("memory: references selected in stage %s", s.Stage)
	}
	return nil
}
