// Package collector turns a conversation excerpt into either a complete
// memory description or a clarifying question.
package collector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gibbonas/MemAgent/pkg/memory"
)

// ErrEmptyResponse is returned when the model answers with no text at all.
var ErrEmptyResponse = errors.New("collector: empty model response")

type Kind string

const (
	KindReady     Kind = "ready"
	KindNeedsInfo Kind = "needs_info"
)

// Response is either Ready (Extraction set, Message is the confirmation) or
// NeedsInfo (Extraction nil, Message is the question to ask).
type Response struct {
	Kind       Kind
	Extraction *memory.Extraction
	Message    string
}

func Ready(ex *memory.Extraction, confirmation string) Response {
	return Response{Kind: KindReady, Extraction: ex, Message: confirmation}
}

func NeedsInfo(message string) Response {
	return Response{Kind: KindNeedsInfo, Message: message}
}

func (r Response) IsReady() bool { return r.Kind == KindReady && r.Extraction != nil }

// Collector reads the recent conversation and reports what it has.
type Collector interface {
	Collect(ctx context.Context, contextText string) (Response, error)
}

type CollectorFunc func(ctx context.Context, contextText string) (Response, error)

func (f CollectorFunc) Collect(ctx context.Context, contextText string) (Response, error) {
	return f(ctx, contextText)
}

type wireExtraction struct {
	WhatHappened      string   `json:"what_happened"`
	When              *string  `json:"when"`
	WhenDescription   *string  `json:"when_description"`
	WhoPeople         []string `json:"who_people"`
	WhoPets           []string `json:"who_pets"`
	Where             *string  `json:"where"`
	EmotionsMood      *string  `json:"emotions_mood"`
	AdditionalDetails *string  `json:"additional_details"`
}

type wireResponse struct {
	Status              string          `json:"status"`
	Extraction          *wireExtraction `json:"extraction"`
	ConfirmationMessage string          `json:"confirmation_message"`
	Message             *string         `json:"message"`
}

// Parse reads the collector's JSON contract out of free model text. Anything
// that is not a well-formed ready/needs_info object becomes a question
// carrying the raw text.
func Parse(text string) Response {
	raw := jsonSpan(text)
	if raw == "" {
		return NeedsInfo(text)
	}
	var w wireResponse
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return NeedsInfo(text)
	}
	switch w.Status {
	case string(KindReady):
		if w.Extraction == nil {
			return NeedsInfo(text)
		}
		return Ready(w.Extraction.toMemory(), w.ConfirmationMessage)
	case string(KindNeedsInfo):
		if w.Message == nil {
			return NeedsInfo(text)
		}
		return NeedsInfo(*w.Message)
	default:
		return NeedsInfo(text)
	}
}

func jsonSpan(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func (w *wireExtraction) toMemory() *memory.Extraction {
	ex := &memory.Extraction{
		WhatHappened:      w.WhatHappened,
		WhenDescription:   optional(w.WhenDescription),
		WhoPeople:         nonEmpty(w.WhoPeople),
		WhoPets:           nonEmpty(w.WhoPets),
		Where:             optional(w.Where),
		EmotionsMood:      optional(w.EmotionsMood),
		AdditionalDetails: optional(w.AdditionalDetails),
		IsComplete:        true,
	}
	if when := optional(w.When); when != "" {
		if t, ok := ParseWhen(when); ok {
			ex.When = &t
		}
	}
	return ex
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if v == "null" {
		return ""
	}
	return v
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseWhen accepts ISO-8601 timestamps and the "YYYY-MM-DD HH:MM:SS" form
// the instructions ask for. Zone-less values are taken as UTC.
func ParseWhen(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range whenLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
