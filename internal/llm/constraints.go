package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// GenerationConstraints shape how the model may phrase its reply. They come
// out of the shield and evidence gates and feed both prompt composition and
// the post-generation checks.
type GenerationConstraints struct {
	BannedPhrases         []string `json:"banned_phrases,omitempty"`
	MaxPersonalPronouns   int      `json:"max_personal_pronouns"` // -1 = unlimited
	Tone                  string   `json:"tone,omitempty"`
	MustPrepend           string   `json:"must_prepend,omitempty"`
	MustInclude           []string `json:"must_include,omitempty"`
	AllowNumericPrecision bool     `json:"allow_numeric_precision"`
	AllowActionAdvice     bool     `json:"allow_action_advice"`
}

// DefaultConstraints permits everything.
func DefaultConstraints() GenerationConstraints {
	return GenerationConstraints{
		MaxPersonalPronouns:   -1,
		AllowNumericPrecision: true,
		AllowActionAdvice:     true,
	}
}

// ComposeSystemPrompt concatenates the fixed policy prompt with constraint
// fragments and the evidence builder's additions, in that order.
func ComposeSystemPrompt(policy string, gc GenerationConstraints, additions []string) string {
	parts := []string{strings.TrimSpace(policy)}

	if gc.Tone != "" {
		parts = append(parts, "Respond in a "+gc.Tone+" tone.")
	}
	if len(gc.BannedPhrases) > 0 {
		parts = append(parts, "Never use the following phrases: "+strings.Join(gc.BannedPhrases, "; ")+".")
	}
	if gc.MaxPersonalPronouns >= 0 {
		parts = append(parts, fmt.Sprintf(
			"Use at most %d first-person pronouns in the reply.", gc.MaxPersonalPronouns))
	}
	if !gc.AllowNumericPrecision {
		parts = append(parts, "Do not state precise figures; speak in qualitative terms only.")
	}
	if !gc.AllowActionAdvice {
		parts = append(parts, "Do not recommend specific actions; describe considerations instead.")
	}
	for _, a := range additions {
		if a = strings.TrimSpace(a); a != "" {
			parts = append(parts, a)
		}
	}

	return strings.Join(parts, "\n\n")
}

// ApplyPostConstraints enforces the structural rules the model may have
// ignored: a required opening line is prepended when absent, and required
// fragments are appended when missing.
func ApplyPostConstraints(text string, gc GenerationConstraints) string {
	out := text
	if gc.MustPrepend != "" && !strings.Contains(out, gc.MustPrepend) {
		out = gc.MustPrepend + "\n\n" + out
	}
	for _, inc := range gc.MustInclude {
		if inc != "" && !strings.Contains(out, inc) {
			out = out + "\n\n" + inc
		}
	}
	return out
}

var pronounPattern = regexp.MustCompile(`(?i)\b(I|me|my|mine|myself)\b`)

// CheckLinguistic returns the names of constraint rules the text violates.
// Names only; the matching text itself is never recorded.
func CheckLinguistic(text string, gc GenerationConstraints) []string {
	var violations []string
	lower := strings.ToLower(text)

	for _, phrase := range gc.BannedPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			violations = append(violations, "banned_phrase")
			break
		}
	}
	if gc.MaxPersonalPronouns >= 0 {
		if len(pronounPattern.FindAllString(text, -1)) > gc.MaxPersonalPronouns {
			violations = append(violations, "pronoun_limit")
		}
	}
	return violations
}
