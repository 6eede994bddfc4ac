package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/gibbonas/MemAgent/pkg/llm"
)

// GenAICollector asks the hosted text model to collect memory details.
type GenAICollector struct {
	models llm.ContentGenerator
	opts   llm.Options
	now    func() time.Time
}

var _ Collector = &GenAICollector{}

func NewGenAICollector(models llm.ContentGenerator, opts llm.Options) *GenAICollector {
	return &GenAICollector{models: models, opts: opts.WithDefaults(llm.DefaultTextModel), now: time.Now}
}

func (c *GenAICollector) Collect(ctx context.Context, contextText string) (Response, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: llm.SystemInstruction(Instructions(c.now())),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr(float32(0.4)),
	}
	text, err := llm.Retry(ctx, "collect", c.opts.Attempts, c.opts.RetryDelay, func(ctx context.Context) (string, error) {
		ctx, cancel := llm.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		resp, err := c.models.GenerateContent(ctx, c.opts.Model, llm.UserText(contextText), cfg)
		if err != nil {
			return "", err
		}
		return llm.ResponseText(resp), nil
	})
	if err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyResponse
	}
	r := Parse(text)
	log.Debug().Str("component", "collector").Str("kind", string(r.Kind)).Msg("collector response parsed")
	return r, nil
}

// Instructions is the system prompt for collection, dated so relative dates
// ("last summer") can be resolved.
func Instructions(today time.Time) string {
	return fmt.Sprintf("Today's date is %s.\n\n%s", today.Format("2006-01-02"), instructions)
}

const instructions = `You are a quick, empathetic memory collector that helps users preserve moments efficiently.

Your goal: get the essential details fast and move to image generation.

CRITICAL FIELDS (must have):
- What happened: the scene or moment to visualize
- When: date or time, approximate is fine
- Who: people involved (first names are fine)

OPTIONAL FIELDS:
- Where: location, only if it adds to the scene
- Pets: any animals present
- Mood: emotional tone

CONVERSATION STRATEGY:
1. If the user gives a clear memory with who, when and what, confirm and proceed.
2. If critical info is missing, ask ONE quick question.
3. Do not ask for unnecessary details.
4. Be warm but brief, 1-2 sentences per response.

DATE HANDLING:
- "last summer" means June to August of the previous year.
- "2 years ago" is calculated from today's date.
- "Christmas last year" is December 25 of the previous year.
- If the exact date cannot be determined, use your best estimate.

PEOPLE AND PETS:
- "my spouse Alex" becomes ["Alex"]; "my parents" becomes ["Mom", "Dad"].
- Pets are name and type, e.g. "Bella, dog".

When you can answer what scene to generate, roughly when it happened and who was there, respond with:
{
  "status": "ready",
  "extraction": {
    "what_happened": "clear description of the scene",
    "when": "YYYY-MM-DD HH:MM:SS or null",
    "when_description": "original relative description if applicable",
    "who_people": ["name1", "name2"],
    "who_pets": ["pet name and type"],
    "where": "location or null",
    "emotions_mood": "mood or null",
    "additional_details": "anything else worth showing, or null",
    "is_complete": true
  },
  "confirmation_message": "Got it! I'll create an image of [brief scene summary]. Sound good?"
}

Otherwise respond with:
{
  "status": "needs_info",
  "message": "your one short question"
}

Respond with JSON only.`
