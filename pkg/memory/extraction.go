package memory

import (
	"strings"
	"time"
)

// Extraction is the structured description of a memory produced by the
// collection stage. It is replaced wholesale, never edited field by field.
type Extraction struct {
	WhatHappened      string     `json:"what_happened"`
	When              *time.Time `json:"when,omitempty"`
	WhenDescription   string     `json:"when_description,omitempty"`
	WhoPeople         []string   `json:"who_people"`
	WhoPets           []string   `json:"who_pets"`
	Where             string     `json:"where,omitempty"`
	EmotionsMood      string     `json:"emotions_mood,omitempty"`
	AdditionalDetails string     `json:"additional_details,omitempty"`
	IsComplete        bool       `json:"is_complete"`
}

// HasPeopleOrPets reports whether the memory names anyone a reference photo
// could help depict.
func (e *Extraction) HasPeopleOrPets() bool {
	if e == nil {
		return false
	}
	return len(e.WhoPeople) > 0 || len(e.WhoPets) > 0
}

// Description is the scene text followed by any additional details.
func (e *Extraction) Description() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.AdditionalDetails) == "" {
		return e.WhatHappened
	}
	return e.WhatHappened + "\n\n" + e.AdditionalDetails
}

// Clone returns a deep copy.
func (e *Extraction) Clone() *Extraction {
	if e == nil {
		return nil
	}
	out := *e
	if e.When != nil {
		w := *e.When
		out.When = &w
	}
	out.WhoPeople = append([]string(nil), e.WhoPeople...)
	out.WhoPets = append([]string(nil), e.WhoPets...)
	return &out
}
