package screener

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/gibbonas/MemAgent/pkg/llm"
)

const instructions = `You are a content policy specialist for an AI image generation service.

Review memory descriptions and decide whether they can be safely generated as images.

Check for these policy violations:
1. Violence/Gore: blood, weapons, fighting, injuries, death, graphic content
2. Explicit Content: nudity, sexual content, inappropriate material
3. Hate Speech: discriminatory, racist, sexist, homophobic content
4. Copyrighted Characters: Disney, Marvel, DC, Pixar, Star Wars, Harry Potter, etc.
5. Public Figures: politicians, celebrities in sensitive contexts

Be strict but fair; personal memories are often sensitive. If content violates policy, list the
violations and suggest how to modify the description to make it acceptable.

Output format (use this exact structure):
APPROVED: Yes/No
VIOLATIONS: [list violations or write "None"]
SEVERITY: none/low/medium/high
SUGGESTIONS: [provide specific suggestions if violations found]

Keep your response brief and actionable.`

// GenAIScreener asks the hosted text model for a policy verdict.
type GenAIScreener struct {
	models llm.ContentGenerator
	opts   llm.Options
}

var _ Screener = &GenAIScreener{}

func NewGenAIScreener(models llm.ContentGenerator, opts llm.Options) *GenAIScreener {
	return &GenAIScreener{models: models, opts: opts.WithDefaults(llm.DefaultTextModel)}
}

func (s *GenAIScreener) Screen(ctx context.Context, text string) (Verdict, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: llm.SystemInstruction(instructions),
		Temperature:       genai.Ptr(float32(0)),
	}
	prompt := "Review this memory for content policy: " + text
	out, err := llm.Retry(ctx, "screen", s.opts.Attempts, s.opts.RetryDelay, func(ctx context.Context) (string, error) {
		ctx, cancel := llm.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		resp, err := s.models.GenerateContent(ctx, s.opts.Model, llm.UserText(prompt), cfg)
		if err != nil {
			return "", err
		}
		return llm.ResponseText(resp), nil
	})
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(out)
}

// ParseVerdict reads the APPROVED/VIOLATIONS/SEVERITY/SUGGESTIONS format.
func ParseVerdict(text string) (Verdict, error) {
	fields := map[string]string{}
	var current string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "*"))
		if line == "" {
			continue
		}
		if key, val, ok := strings.Cut(line, ":"); ok {
			k := strings.ToUpper(strings.TrimSpace(strings.Trim(key, "* ")))
			switch k {
			case "APPROVED", "VIOLATIONS", "SEVERITY", "SUGGESTIONS":
				current = k
				fields[k] = strings.TrimSpace(val)
				continue
			}
		}
		if current != "" {
			fields[current] = strings.TrimSpace(fields[current] + "\n" + line)
		}
	}
	approved, ok := fields["APPROVED"]
	if !ok {
		return Verdict{}, errors.Errorf("screener: no APPROVED line in %q", text)
	}

	v := Verdict{Severity: SeverityNone}
	v.Approved = strings.HasPrefix(strings.ToLower(strings.Trim(approved, "*[] ")), "yes")
	v.Violations = splitList(fields["VIOLATIONS"])
	v.Suggestions = splitList(fields["SUGGESTIONS"])
	if sev := strings.ToLower(strings.Trim(fields["SEVERITY"], "*[] .")); severityRank[sev] > 0 {
		v.Severity = sev
	}
	if !v.Approved && v.Severity == SeverityNone {
		v.Severity = SeverityMedium
	}
	return v, nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "[]* "))
	if raw == "" || strings.EqualFold(raw, "none") || strings.EqualFold(raw, "n/a") {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-*•"))
			part = strings.Trim(part, `"`)
			if part != "" && !strings.EqualFold(part, "none") {
				out = append(out, strings.TrimSpace(part))
			}
		}
	}
	return out
}
