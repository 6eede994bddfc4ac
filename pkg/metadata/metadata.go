// Package metadata writes the memory's details into the generated image.
package metadata

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gibbonas/MemAgent/pkg/memory"
)

const (
	Software = "MemAgent AI Memory Generator"

	maxDescriptionRunes = 2000
	maxArtistBytes      = 100
)

type Fields struct {
	Date        time.Time
	Description string
	Location    string
	People      []string
	Pets        []string
}

// Embedder writes fields into the image at path, in place.
type Embedder interface {
	Embed(ctx context.Context, path string, f Fields) error
}

// FieldsFromExtraction maps an extraction to metadata fields. The memory date
// falls back to now when the extraction has none.
func FieldsFromExtraction(ex *memory.Extraction, now time.Time) Fields {
	if ex == nil {
		return Fields{Date: now.UTC()}
	}
	f := Fields{
		Date:        now.UTC(),
		Description: ex.Description(),
		Location:    strings.TrimSpace(ex.Where),
		People:      append([]string(nil), ex.WhoPeople...),
		Pets:        append([]string(nil), ex.WhoPets...),
	}
	if ex.When != nil && !ex.When.IsZero() {
		f.Date = *ex.When
	}
	return f
}

// UserComment is "Location: ..; People: a, b; Pets: .." with absent parts
// left out.
func (f Fields) UserComment() string {
	var parts []string
	if f.Location != "" {
		parts = append(parts, "Location: "+f.Location)
	}
	if len(f.People) > 0 {
		parts = append(parts, "People: "+strings.Join(f.People, ", "))
	}
	if len(f.Pets) > 0 {
		parts = append(parts, "Pets: "+strings.Join(f.Pets, ", "))
	}
	return strings.Join(parts, "; ")
}

func (f Fields) TruncatedDescription() string {
	if utf8.RuneCountInString(f.Description) <= maxDescriptionRunes {
		return f.Description
	}
	return string([]rune(f.Description)[:maxDescriptionRunes])
}

// Artist is the people list capped at 100 bytes on a rune boundary.
func (f Fields) Artist() string {
	a := strings.Join(f.People, ", ")
	if len(a) <= maxArtistBytes {
		return a
	}
	a = a[:maxArtistBytes]
	for !utf8.ValidString(a) {
		a = a[:len(a)-1]
	}
	return a
}
