package imagegen

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/gibbonas/MemAgent/pkg/llm"
)

type fakeModels struct {
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
	image    []byte
	err      error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents = contents
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	parts := []*genai.Part{{Text: "here you go"}}
	if f.image != nil {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: f.image, MIMEType: "image/jpeg"}})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}}}, nil
}

func newTestGenerator(t *testing.T, fm *fakeModels) *GenAIGenerator {
	t.Helper()
	g := NewGenAIGenerator(fm, filepath.Join(t.TempDir(), "images"), llm.Options{RetryDelay: time.Millisecond})
	g.now = func() time.Time { return time.Date(2026, 3, 4, 10, 11, 12, 0, time.UTC) }
	g.newID = func() string { return "c0ffee42" }
	return g
}

func TestGenerateWithoutReferences(t *testing.T) {
	fm := &fakeModels{image: []byte{0xFF, 0xD8, 0xFF}}
	g := newTestGenerator(t, fm)

	path, err := g.Generate(context.Background(), Request{Prompt: "a picnic", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "memory_u1_20260304_101112_c0ffee42.jpg", filepath.Base(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, fm.image, b)

	require.Nil(t, fm.cfg)
	require.Len(t, fm.contents[0].Parts, 1)
	require.Equal(t, "a picnic", fm.contents[0].Parts[0].Text)
}

func TestGenerateWithReferencesCapsAndSniffs(t *testing.T) {
	fm := &fakeModels{image: []byte{1}}
	g := newTestGenerator(t, fm)

	refs := [][]byte{[]byte("\x89PNG\r\n\x1a\n....")}
	for i := 0; i < 9; i++ {
		refs = append(refs, []byte{0xFF, 0xD8})
	}
	_, err := g.Generate(context.Background(), Request{Prompt: "a picnic  \n", References: refs})
	require.NoError(t, err)

	parts := fm.contents[0].Parts
	require.Len(t, parts, 1+MaxReferences)
	require.Equal(t, "a picnic"+likenessInstruction, parts[0].Text)
	require.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	require.Equal(t, "image/jpeg", parts[2].InlineData.MIMEType)
	require.Equal(t, []string{"TEXT", "IMAGE"}, fm.cfg.ResponseModalities)
}

func TestGenerateNoImageIsEmptyPath(t *testing.T) {
	g := newTestGenerator(t, &fakeModels{})
	path, err := g.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "", path)
}

func TestEdit(t *testing.T) {
	fm := &fakeModels{image: []byte{9, 9}}
	g := newTestGenerator(t, fm)

	src := filepath.Join(t.TempDir(), "prev.jpg")
	require.NoError(t, os.WriteFile(src, []byte{0xFF, 0xD8, 1}, 0o644))

	path, err := g.Edit(context.Background(), EditRequest{ImagePath: src, Instruction: "make the sky more dramatic", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, path)

	parts := fm.contents[0].Parts
	require.NotNil(t, parts[0].InlineData)
	require.True(t, strings.HasSuffix(parts[1].Text, "User requested: make the sky more dramatic"))

	_, err = g.Edit(context.Background(), EditRequest{ImagePath: filepath.Join(t.TempDir(), "missing.jpg")})
	require.ErrorIs(t, err, ErrSourceImageMissing)
}

func TestOutputName(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, "memory_20260102_030405_x1.jpg", OutputName("", at, "x1"))
	require.Equal(t, "memory_a_b_20260102_030405_x1.jpg", OutputName("a/b", at, "x1"))
}

func TestSameSecondGenerationsDoNotCollide(t *testing.T) {
	fm := &fakeModels{image: []byte{0xFF, 0xD8, 0xFF}}
	g := newTestGenerator(t, fm)
	g.newID = shortID

	first, err := g.Generate(context.Background(), Request{Prompt: "a picnic", UserID: "local"})
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), Request{Prompt: "a wedding", UserID: "local"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.FileExists(t, first)
	require.FileExists(t, second)
}
