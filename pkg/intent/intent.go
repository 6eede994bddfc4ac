// Package intent maps free-text utterances to control intents of the memory
// pipeline. Classification is an ordered list of (predicate, intent) rules;
// the first matching rule wins, so rule order pins priority between
// overlapping phrases.
package intent

import "strings"

type Intent string

const (
	None             Intent = ""
	StartOver        Intent = "start_over"
	ChangeStory      Intent = "change_story"
	ChangeReferences Intent = "change_references"
	Skip             Intent = "skip"
	Affirm           Intent = "affirm"
	CancelSelection  Intent = "cancel_selection"
)

// AddReferences names the WantsAddReferences category. The stage classifiers
// fold it into ChangeReferences and never return it.
const AddReferences Intent = "add_references"

// GoBack names the WantsGoBack category. The stage classifiers fold it into
// ChangeStory or CancelSelection and never return it.
const GoBack Intent = "go_back"

// Predicate tests a normalized (lower-cased, trimmed) utterance.
type Predicate func(normalized string) bool

type Rule struct {
	Intent Intent
	Match  Predicate
}

// Classifier evaluates its rules in order.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Classify returns the intent of the first matching rule, or None.
func (c *Classifier) Classify(text string) Intent {
	if c == nil {
		return None
	}
	n := Normalize(text)
	for _, r := range c.rules {
		if r.Match != nil && r.Match(n) {
			return r.Intent
		}
	}
	return None
}

func (c *Classifier) Rules() []Rule {
	if c == nil {
		return nil
	}
	return append([]Rule(nil), c.rules...)
}

func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func containsAny(phrases ...string) Predicate {
	return func(n string) bool {
		for _, p := range phrases {
			if strings.Contains(n, p) {
				return true
			}
		}
		return false
	}
}

func equalsAny(words ...string) Predicate {
	return func(n string) bool {
		for _, w := range words {
			if n == w {
				return true
			}
		}
		return false
	}
}

func anyOf(ps ...Predicate) Predicate {
	return func(n string) bool {
		for _, p := range ps {
			if p(n) {
				return true
			}
		}
		return false
	}
}

func allOf(ps ...Predicate) Predicate {
	return func(n string) bool {
		for _, p := range ps {
			if !p(n) {
				return false
			}
		}
		return true
	}
}

func not(p Predicate) Predicate {
	return func(n string) bool { return !p(n) }
}
