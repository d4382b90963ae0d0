// Package intent turns a natural-language query into a structured
// QueryIntent: a prompt/parse round trip against the linguistic model,
// a progressive JSON-repair pipeline (quote normalization, trailing-
// comma removal, literal coercion) with one reprompt on failure, and a
// heuristic keyword-rule classifier as the last-resort fallback.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bruised-ego-labs/nancy/internal/brain"
)

// ConfidenceThreshold is the default intent-confidence threshold, the
// same value config.Config.ConfidenceThreshold falls back to when
// unset. The Router reads its threshold from router.Config, not from
// this constant.
const ConfidenceThreshold = 0.5

// Prompt builds the strict, schema-constrained prompt sent to the
// LinguisticModel.
func Prompt(query, context_ string) string {
	var b strings.Builder
	b.WriteString("Classify the following query into a JSON object with EXACTLY these keys:\n")
	b.WriteString(`{"query_type": one of "semantic"|"author_attribution"|"metadata_filter"|"relationship_discovery"|"temporal_analysis"|"cross_reference"|"hybrid_complex", `)
	b.WriteString(`"semantic_terms": [string], "entities": [string], "time_constraints": {"start": string|null, "end": string|null, "relative": string|null}, `)
	b.WriteString(`"metadata_filters": {string: string}, "relationship_targets": [string], "confidence": number 0..1, "reasoning": string}` + "\n\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	if context_ != "" {
		fmt.Fprintf(&b, "Context: %s\n", context_)
	}
	b.WriteString("\nRespond with JSON only, no commentary.")
	return b.String()
}

// RepromptPrompt builds the shorter "JSON-only" re-prompt carrying the
// original malformed output.
func RepromptPrompt(malformed string) string {
	return "Your previous response was not valid JSON. Return ONLY a single JSON object matching the schema, nothing else.\n\nPrevious response:\n" + malformed
}

type wireIntent struct {
	QueryType       string            `json:"query_type"`
	SemanticTerms   []string          `json:"semantic_terms"`
	Entities        []string          `json:"entities"`
	TimeConstraints *wireTimeConstraint `json:"time_constraints"`
	MetadataFilters map[string]string `json:"metadata_filters"`
	RelationshipTargets []string      `json:"relationship_targets"`
	Confidence      float64           `json:"confidence"`
	Reasoning       string            `json:"reasoning"`
}

type wireTimeConstraint struct {
	Start    *string `json:"start"`
	End      *string `json:"end"`
	Relative *string `json:"relative"`
}

// Reprompter issues the one allowed re-prompt.
type Reprompter func(ctx context.Context, malformed string) (string, error)

// Parse runs the direct-parse-then-progressive-repair pipeline. It
// never fails: if every attempt is exhausted, it falls back to the
// heuristic classifier.
func Parse(ctx context.Context, raw, originalQuery string, reprompt Reprompter) brain.QueryIntent {
	if qi, ok := tryParse(raw); ok {
		return qi
	}

	repaired := repair(raw)
	if qi, ok := tryParse(repaired); ok {
		return qi
	}

	if reprompt != nil {
		second, err := reprompt(ctx, raw)
		if err == nil {
			if qi, ok := tryParse(second); ok {
				return qi
			}
			if qi, ok := tryParse(repair(second)); ok {
				return qi
			}
		}
	}

	return Fallback(originalQuery)
}

func tryParse(s string) (brain.QueryIntent, bool) {
	candidate := ExtractFirstJSONObject(s)
	if candidate == "" {
		return brain.QueryIntent{}, false
	}
	var w wireIntent
	if err := json.Unmarshal([]byte(candidate), &w); err != nil {
		return brain.QueryIntent{}, false
	}
	if w.QueryType == "" {
		return brain.QueryIntent{}, false
	}
	return toDomain(w), true
}

func toDomain(w wireIntent) brain.QueryIntent {
	qi := brain.QueryIntent{
		QueryType:           brain.QueryType(w.QueryType),
		SemanticTerms:       w.SemanticTerms,
		Entities:            w.Entities,
		MetadataFilters:     w.MetadataFilters,
		RelationshipTargets: w.RelationshipTargets,
		Confidence:          w.Confidence,
		Reasoning:           w.Reasoning,
	}
	if w.TimeConstraints != nil {
		tc := &brain.TimeConstraint{}
		if w.TimeConstraints.Relative != nil {
			tc.Relative = *w.TimeConstraints.Relative
		}
		qi.TimeConstraints = tc
	}
	if !validQueryType(qi.QueryType) {
		qi.QueryType = brain.QuerySemantic
	}
	return qi
}

func validQueryType(t brain.QueryType) bool {
	switch t {
	case brain.QuerySemantic, brain.QueryAuthorAttribution, brain.QueryMetadataFilter,
		brain.QueryRelationshipDiscovery, brain.QueryTemporalAnalysis, brain.QueryCrossReference,
		brain.QueryHybridComplex:
		return true
	}
	return false
}

// ExtractFirstJSONObject scans s for the first balanced {...} span,
// tracking quote state so braces inside string literals don't confuse
// the scan. Returns "" if none is found.
func ExtractFirstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "‘", "'", "’", "'",
)

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
var pythonLiteralRe = regexp.MustCompile(`\b(True|False|None)\b`)

// repair applies a fixed sequence of rewrites: extract the first JSON
// object, normalize smart quotes, drop trailing commas, and coerce
// Python literals (True/False/None) to JSON literals. Only the
// extraction step is string-aware; the later rewrites are plain regex
// replacements and also apply inside string values.
func repair(raw string) string {
	candidate := ExtractFirstJSONObject(raw)
	if candidate == "" {
		candidate = raw
	}
	candidate = smartQuoteReplacer.Replace(candidate)
	candidate = trailingCommaRe.ReplaceAllString(candidate, "$1")
	candidate = pythonLiteralRe.ReplaceAllStringFunc(candidate, func(lit string) string {
		switch lit {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})
	return candidate
}

var (
	authorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(who\s+wrote|author|created\s+by|written\s+by)\b`),
		regexp.MustCompile(`(?i)\b(documents?\s+by|files?\s+by)\b`),
	}
	relationshipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(related\s+to|connected\s+to|similar\s+documents?)\b`),
		regexp.MustCompile(`(?i)\b(dependencies|references|links)\b`),
	}
	crossRefPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(cross[\s-]?reference|also\s+discuss(es)?|same\s+topic)\b`),
	}
	temporalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(recent|latest|newest|last\s+\w+)\b`),
		regexp.MustCompile(`(?i)\b(old|oldest|first|earliest)\b`),
		regexp.MustCompile(`(?i)\b(yesterday|today|this\s+week|last\s+month)\b`),
		regexp.MustCompile(`\b(\d{4}|\d{1,2}/\d{1,2})\b`),
	}
	analyticalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(how\s+many|count|number\s+of|statistics)\b`),
		regexp.MustCompile(`(?i)\b(largest|smallest|biggest|most|least)\b`),
	}
	namePattern = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\b`)
)

// Fallback is the heuristic keyword classifier used when every LLM
// parse attempt fails. It always
// returns a well-formed intent with confidence below threshold and
// reasoning "fallback".
func Fallback(query string) brain.QueryIntent {
	qt := brain.QuerySemantic
	switch {
	case anyMatch(authorPatterns, query):
		qt = brain.QueryAuthorAttribution
	case anyMatch(crossRefPatterns, query):
		qt = brain.QueryCrossReference
	case anyMatch(relationshipPatterns, query):
		qt = brain.QueryRelationshipDiscovery
	case anyMatch(temporalPatterns, query):
		qt = brain.QueryTemporalAnalysis
	case anyMatch(analyticalPatterns, query):
		qt = brain.QueryMetadataFilter
	}

	var entities []string
	for _, m := range namePattern.FindAllString(query, -1) {
		if len(strings.Fields(m)) <= 3 {
			entities = append(entities, m)
		}
	}

	return brain.QueryIntent{
		QueryType:     qt,
		SemanticTerms: strings.Fields(strings.ToLower(query)),
		Entities:      entities,
		Confidence:    0.3,
		Reasoning:     "fallback",
	}
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
