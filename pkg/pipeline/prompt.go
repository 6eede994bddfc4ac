package pipeline

import (
	"fmt"
	"strings"

	"github.com/gibbonas/MemAgent/pkg/memory"
)

// ComposePrompt builds the image prompt from the extraction. Absent location
// and mood drop their clause entirely.
func ComposePrompt(ex *memory.Extraction, referenceCount int, photoContext string) string {
	if ex == nil {
		ex = &memory.Extraction{}
	}
	people := "no specific people"
	if names := nonBlank(ex.WhoPeople); len(names) > 0 {
		people = strings.Join(names, ", ")
	}
	pets := ""
	if names := nonBlank(ex.WhoPets); len(names) > 0 {
		pets = " with " + strings.Join(names, ", ")
	}
	location := ""
	if w := strings.TrimSpace(ex.Where); w != "" {
		location = " at " + w
	}
	mood := ""
	if m := strings.TrimSpace(ex.EmotionsMood); m != "" {
		mood = ", " + m + " mood"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate a photorealistic image: %s%s.\n", strings.TrimSpace(ex.WhatHappened), location)
	fmt.Fprintf(&b, "People: %s%s.\n", people, pets)
	fmt.Fprintf(&b, "Style: Natural, candid photography%s.\n", mood)
	b.WriteString("High quality, detailed, realistic lighting.")

	if referenceCount > 0 {
		fmt.Fprintf(&b, "\n\nReference photos selected: %d photos to guide style, people, and setting.", referenceCount)
	}
	if c := strings.TrimSpace(photoContext); c != "" {
		b.WriteString("\n\nUser notes about the reference photos: " + c)
	}
	return b.String()
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
