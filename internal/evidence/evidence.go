// Package evidence assembles provider results into the pack the model gate
// injects into the prompt: formatted blocks, the set of numeric literals the
// reply may quote, citations, and the constraint level that governs how the
// model may talk about numbers.
package evidence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/novaos/core/internal/livedata"
)

// Constraint levels, strictest first. The level is injected into the system
// prompt and enforced again by the constitutional gate.
const (
	ConstraintQuoteEvidenceOnly  = "quote_evidence_only"
	ConstraintForbidNumericClaim = "forbid_numeric_claims"
	ConstraintQualitativeOnly    = "qualitative_only"
)

// Freshness windows per category. Data older than its window is marked stale
// and generates a freshness warning instead of being silently quoted.
var freshnessWindows = map[string]time.Duration{
	livedata.CategoryStock:     15 * time.Minute,
	livedata.CategoryCrypto:    5 * time.Minute,
	livedata.CategoryFX:        time.Hour,
	livedata.CategoryWeather:   time.Hour,
	livedata.CategoryTime:      time.Minute,
	livedata.CategoryWebSearch: 24 * time.Hour,
}

// ContextItem is one evidence block in the pack.
type ContextItem struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Entity    string    `json:"entity,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	IsStale   bool      `json:"is_stale"`
	Citation  string    `json:"citation,omitempty"`
}

// NumericToken is one numeric literal the reply is allowed to contain under
// quote_evidence_only.
type NumericToken struct {
	Value     string    `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Category  string    `json:"category"`
	Entity    string    `json:"entity,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Pack is the assembled evidence handed to the model gate.
type Pack struct {
	ContextItems          []ContextItem           `json:"context_items"`
	NumericTokens         map[string]NumericToken `json:"numeric_tokens"`
	FormattedContext      string                  `json:"formatted_context"`
	SystemPromptAdditions []string                `json:"system_prompt_additions"`
	RequiredCitations     []string                `json:"required_citations"`
	FreshnessWarnings     []string                `json:"freshness_warnings"`
	ConstraintLevel       string                  `json:"constraint_level"`
	IsComplete            bool                    `json:"is_complete"`
	IncompleteReason      string                  `json:"incomplete_reason,omitempty"`
}

// AllowsNumeric reports whether the literal may appear in the final reply.
// Commas and a trailing percent sign are stripped before lookup so "1,234.5"
// and "1234.5" are the same token.
func (p *Pack) AllowsNumeric(literal string) bool {
	if p.ConstraintLevel != ConstraintQuoteEvidenceOnly {
		return p.ConstraintLevel == ConstraintQualitativeOnly
	}
	_, ok := p.NumericTokens[canonicalNumber(literal)]
	return ok
}

// Builder turns provider results into packs.
type Builder struct {
	nowFunc func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{nowFunc: time.Now}
}

// Input captures what the lens decided the request needs.
type Input struct {
	Results            []*livedata.Result
	Errors             []error
	RequiredCategories []string
	NeedsLiveData      bool
	Qualitative        bool
}

// Build assembles the pack and selects the constraint level:
// all required categories fresh -> quote_evidence_only; some -> the same plus
// an explicit unavailable list; none while live data was needed ->
// forbid_numeric_claims; qualitative queries -> qualitative_only.
func (b *Builder) Build(in Input) *Pack {
	now := b.nowFunc()

	pack := &Pack{
		NumericTokens: make(map[string]NumericToken),
	}

	gotCategories := make(map[string]bool)
	citationSeen := make(map[string]bool)
	var blocks []string

	for i, res := range in.Results {
		window, known := freshnessWindows[res.Category]
		stale := known && now.Sub(res.FetchedAt) > window

		item := ContextItem{
			ID:        fmt.Sprintf("ev-%d", i+1),
			Category:  res.Category,
			Content:   res.Summary,
			Entity:    res.Entity,
			FetchedAt: res.FetchedAt,
			IsStale:   stale,
			Citation:  res.Citation,
		}
		pack.ContextItems = append(pack.ContextItems, item)
		gotCategories[res.Category] = true
		blocks = append(blocks, res.Summary)

		if stale {
			pack.FreshnessWarnings = append(pack.FreshnessWarnings,
				fmt.Sprintf("%s data for %s fetched %s ago exceeds the %s freshness window",
					res.Category, res.Entity, now.Sub(res.FetchedAt).Round(time.Second), window))
		}
		if res.Citation != "" && !citationSeen[res.Citation] {
			citationSeen[res.Citation] = true
			pack.RequiredCitations = append(pack.RequiredCitations, res.Citation)
		}
		for _, tok := range extractNumericTokens(res) {
			pack.NumericTokens[tok.Value] = tok
		}
	}
	pack.FormattedContext = strings.Join(blocks, "\n")

	var missing []string
	for _, cat := range in.RequiredCategories {
		if !gotCategories[cat] {
			missing = append(missing, cat)
		}
	}
	sort.Strings(missing)

	switch {
	case in.Qualitative:
		pack.ConstraintLevel = ConstraintQualitativeOnly
		pack.IsComplete = true
	case in.NeedsLiveData && len(in.Results) == 0:
		pack.ConstraintLevel = ConstraintForbidNumericClaim
		pack.IncompleteReason = "no live data could be fetched"
	case len(missing) > 0:
		pack.ConstraintLevel = ConstraintQuoteEvidenceOnly
		pack.IncompleteReason = "unavailable: " + strings.Join(missing, ", ")
		pack.SystemPromptAdditions = append(pack.SystemPromptAdditions,
			"The following data categories are unavailable and must not be estimated: "+strings.Join(missing, ", ")+".")
	default:
		pack.ConstraintLevel = ConstraintQuoteEvidenceOnly
		pack.IsComplete = true
	}

	switch pack.ConstraintLevel {
	case ConstraintQuoteEvidenceOnly:
		pack.SystemPromptAdditions = append(pack.SystemPromptAdditions,
			"Only use the numbers provided in the evidence below. Do not invent, estimate, or round beyond what is shown.")
	case ConstraintForbidNumericClaim:
		pack.SystemPromptAdditions = append(pack.SystemPromptAdditions,
			"Live data is unavailable. Do not state any specific numbers, prices, or rates; say the data could not be verified.")
	case ConstraintQualitativeOnly:
		pack.SystemPromptAdditions = append(pack.SystemPromptAdditions,
			"Answer qualitatively; this request does not call for precise figures.")
	}

	return pack
}

var numberPattern = regexp.MustCompile(`[+-]?\d[\d,]*(?:\.\d+)?%?`)

// NumericLiterals returns every numeric literal in text in canonical form.
// The constitutional gate uses it to check a reply against the allowed set.
func NumericLiterals(text string) []string {
	matches := numberPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, canonicalNumber(m))
	}
	return out
}

// extractNumericTokens pulls every numeric literal out of the formatted block
// so the validator can check the reply against the allowed set.
func extractNumericTokens(res *livedata.Result) []NumericToken {
	matches := numberPattern.FindAllString(res.Summary, -1)
	tokens := make([]NumericToken, 0, len(matches))
	for _, m := range matches {
		unit := ""
		if strings.HasSuffix(m, "%") {
			unit = "percent"
		}
		tokens = append(tokens, NumericToken{
			Value:     canonicalNumber(m),
			Unit:      unit,
			Category:  res.Category,
			Entity:    res.Entity,
			FetchedAt: res.FetchedAt,
		})
	}
	return tokens
}

func canonicalNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "+")
	return s
}
