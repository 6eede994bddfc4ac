// Package imagegen renders memory images and applies edits to them.
package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/gibbonas/MemAgent/pkg/llm"
)

const (
	MaxReferences = 8

	likenessInstruction = " Use the attached reference photos to match the likeness of the people and pets " +
		"in the scene. Keep their appearance consistent with these references."
)

var ErrSourceImageMissing = errors.New("imagegen: source image missing")

type Request struct {
	Prompt     string
	UserID     string
	References [][]byte
}

type EditRequest struct {
	ImagePath   string
	Instruction string
	UserID      string
}

// Generator produces image files. An empty path with a nil error means the
// model answered without an image.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Edit(ctx context.Context, req EditRequest) (string, error)
}

// GenAIGenerator calls the hosted image model and writes results under Dir.
type GenAIGenerator struct {
	models llm.ContentGenerator
	opts   llm.Options
	Dir    string
	now    func() time.Time
	newID  func() string
}

var _ Generator = &GenAIGenerator{}

func NewGenAIGenerator(models llm.ContentGenerator, dir string, opts llm.Options) *GenAIGenerator {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(".", "tmp", "images")
	}
	return &GenAIGenerator{models: models, opts: opts.WithDefaults(llm.DefaultImageModel), Dir: dir, now: time.Now, newID: shortID}
}

func shortID() string { return uuid.NewString()[:8] }

func (g *GenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	refs := req.References
	if len(refs) > MaxReferences {
		refs = refs[:MaxReferences]
	}
	log.Info().
		Int("prompt_length", len(req.Prompt)).
		Int("reference_count", len(refs)).
		Str("user_id", req.UserID).
		Msg("image generation requested")

	var parts []*genai.Part
	var cfg *genai.GenerateContentConfig
	if len(refs) > 0 {
		parts = append(parts, &genai.Part{Text: strings.TrimRight(req.Prompt, " \t\r\n") + likenessInstruction})
		for _, b := range refs {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: b, MIMEType: SniffMIME(b)}})
		}
		cfg = &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	} else {
		parts = []*genai.Part{{Text: req.Prompt}}
	}
	return g.call(ctx, "generate", req.UserID, parts, cfg)
}

func (g *GenAIGenerator) Edit(ctx context.Context, req EditRequest) (string, error) {
	src, err := os.ReadFile(req.ImagePath)
	if err != nil {
		log.Warn().Err(err).Str("image_path", req.ImagePath).Msg("edit source image missing")
		return "", errors.Wrap(ErrSourceImageMissing, err.Error())
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{Data: src, MIMEType: SniffMIME(src)}},
		{Text: EditPrompt(req.Instruction)},
	}
	cfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	return g.call(ctx, "edit", req.UserID, parts, cfg)
}

func (g *GenAIGenerator) call(ctx context.Context, op, userID string, parts []*genai.Part, cfg *genai.GenerateContentConfig) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	data, err := llm.Retry(ctx, "image "+op, g.opts.Attempts, g.opts.RetryDelay, func(ctx context.Context) ([]byte, error) {
		ctx, cancel := llm.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
		resp, err := g.models.GenerateContent(ctx, g.opts.Model, contents, cfg)
		if err != nil {
			return nil, err
		}
		return FirstImage(resp), nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "image %s", op)
	}
	if len(data) == 0 {
		log.Warn().Str("op", op).Str("user_id", userID).Msg("image model returned no image data")
		return "", nil
	}
	path, err := g.write(userID, data)
	if err != nil {
		return "", err
	}
	log.Info().Str("op", op).Str("output_path", path).Int("file_size", len(data)).Str("user_id", userID).Msg("image written")
	return path, nil
}

func (g *GenAIGenerator) write(userID string, data []byte) (string, error) {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "imagegen: create output dir")
	}
	path := filepath.Join(g.Dir, OutputName(userID, g.now(), g.newID()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "imagegen: write image")
	}
	return path, nil
}

// FirstImage returns the bytes of the first inline image part in any
// candidate.
func FirstImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData.Data
			}
		}
	}
	return nil
}

// OutputName is memory_<user>_<UTC timestamp>_<id>.jpg, or
// memory_<timestamp>_<id>.jpg without a user. The id keeps two generations
// in the same second apart.
func OutputName(userID string, at time.Time, id string) string {
	ts := at.UTC().Format("20060102_150405")
	if userID == "" {
		return fmt.Sprintf("memory_%s_%s.jpg", ts, sanitize(id))
	}
	return fmt.Sprintf("memory_%s_%s_%s.jpg", sanitize(userID), ts, sanitize(id))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, s)
}

var pngMagic = []byte("\x89PNG")

func SniffMIME(b []byte) string {
	if bytes.HasPrefix(b, pngMagic) {
		return "image/png"
	}
	return "image/jpeg"
}

func EditPrompt(instruction string) string {
	return "Apply these changes to the image. Keep the rest of the scene and people the same. " +
		"User requested: " + instruction
}
