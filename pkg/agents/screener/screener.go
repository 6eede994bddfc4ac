// Package screener checks a memory description against the image content
// policy before generation.
package screener

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

type Verdict struct {
	Approved    bool     `json:"approved"`
	Violations  []string `json:"violations"`
	Suggestions []string `json:"suggestions"`
	Severity    string   `json:"severity"`
}

func Approved() Verdict {
	return Verdict{Approved: true, Severity: SeverityNone}
}

type Screener interface {
	Screen(ctx context.Context, text string) (Verdict, error)
}

type policy struct {
	name       string
	severity   string
	suggestion string
	patterns   []*regexp.Regexp
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

var policies = []policy{
	{
		name:     "violence",
		severity: SeverityHigh,
		suggestion: "Try describing the scene without violent or graphic details. " +
			"Focus on the emotional aspects rather than physical actions.",
		patterns: mustPatterns(
			`\b(blood|gore|violent|weapon|gun|knife|murder|kill|death)\b`,
			`\b(fight|attack|assault|injure|wound)\b`,
		),
	},
	{
		name:       "explicit",
		severity:   SeverityHigh,
		suggestion: "Please keep descriptions family-friendly and appropriate for all audiences.",
		patterns: mustPatterns(
			`\b(nude|naked|explicit|sexual|xxx)\b`,
			`\b(porn|nsfw|adult content)\b`,
		),
	},
	{
		name:     "copyrighted",
		severity: SeverityMedium,
		suggestion: "Instead of mentioning copyrighted characters, describe original characters " +
			"or use generic descriptors (e.g., 'a magical creature' instead of 'Mickey Mouse').",
		patterns: mustPatterns(
			`\b(disney|marvel|dc comics|warner|pixar|dreamworks)\b`,
			`\b(mickey mouse|superman|batman|spiderman|star wars)\b`,
			`\b(harry potter|lord of the rings|pokemon)\b`,
		),
	},
	{
		name:       "hate_speech",
		severity:   SeverityMedium,
		suggestion: "Please revise to remove any discriminatory or hateful content.",
		patterns: mustPatterns(
			`\b(racist|sexist|homophobic|discriminat)\b`,
		),
	},
}

// KeywordScreener matches the description against fixed policy patterns.
// It never calls out and never fails.
type KeywordScreener struct{}

var _ Screener = KeywordScreener{}

func (KeywordScreener) Screen(_ context.Context, text string) (Verdict, error) {
	return CheckKeywords(text), nil
}

// CheckKeywords reports each violated policy once, with the highest severity
// among them.
func CheckKeywords(text string) Verdict {
	v := Approved()
	for _, p := range policies {
		for _, re := range p.patterns {
			if !re.MatchString(text) {
				continue
			}
			v.Violations = append(v.Violations, p.name)
			v.Suggestions = append(v.Suggestions, p.suggestion)
			v.Severity = maxSeverity(v.Severity, p.severity)
			break
		}
	}
	v.Approved = len(v.Violations) == 0
	if !v.Approved {
		preview := text
		if len(preview) > 100 {
			preview = preview[:100]
		}
		log.Warn().Strs("violations", v.Violations).Str("severity", v.Severity).Str("story_preview", preview).Msg("content_policy_violation")
	}
	return v
}

var severityRank = map[string]int{SeverityNone: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

func maxSeverity(a, b string) string {
	if severityRank[strings.ToLower(b)] > severityRank[strings.ToLower(a)] {
		return strings.ToLower(b)
	}
	return a
}

// Chain runs screeners in order and stops at the first rejection. An error
// from a later screener is returned alongside the verdict gathered so far.
type Chain []Screener

var _ Screener = Chain{}

func (c Chain) Screen(ctx context.Context, text string) (Verdict, error) {
	v := Approved()
	for _, s := range c {
		if s == nil {
			continue
		}
		next, err := s.Screen(ctx, text)
		if err != nil {
			return v, err
		}
		if !next.Approved {
			return next, nil
		}
	}
	return v, nil
}
