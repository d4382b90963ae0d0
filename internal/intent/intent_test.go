package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruised-ego-labs/nancy/internal/brain"
)

func TestExtractFirstJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	raw := `noise before {"query_type": "semantic", "reasoning": "mentions { and } in text"} noise after`
	got := ExtractFirstJSONObject(raw)
	assert.Equal(t, `{"query_type": "semantic", "reasoning": "mentions { and } in text"}`, got)
}

func TestExtractFirstJSONObject_ReturnsEmptyWhenNoBrace(t *testing.T) {
	assert.Equal(t, "", ExtractFirstJSONObject("no json here"))
}

func TestParse_DirectParseSucceedsOnWellFormedJSON(t *testing.T) {
	raw := `{"query_type": "author_attribution", "semantic_terms": [], "entities": ["Alice"], "time_constraints": null, "metadata_filters": {}, "relationship_targets": [], "confidence": 0.9, "reasoning": "asks who wrote"}`
	qi := Parse(context.Background(), raw, "who wrote this?", nil)
	assert.Equal(t, brain.QueryAuthorAttribution, qi.QueryType)
	assert.Equal(t, []string{"Alice"}, qi.Entities)
	assert.Equal(t, 0.9, qi.Confidence)
}

func TestParse_RepairsTrailingCommasAndSmartQuotes(t *testing.T) {
	raw := "{“query_type”: “semantic”, \"semantic_terms\": [\"a\",], \"confidence\": 0.5, \"reasoning\": \"ok\",}"
	qi := Parse(context.Background(), raw, "a query", nil)
	assert.Equal(t, brain.QuerySemantic, qi.QueryType)
	assert.Equal(t, []string{"a"}, qi.SemanticTerms)
}

func TestParse_CoercesPythonLiterals(t *testing.T) {
	raw := `{"query_type": "semantic", "confidence": 0.5, "reasoning": "ok", "metadata_filters": None}`
	qi := Parse(context.Background(), raw, "a query", nil)
	assert.Equal(t, brain.QuerySemantic, qi.QueryType)
}

func TestParse_UnknownQueryTypeCoercesToSemantic(t *testing.T) {
	raw := `{"query_type": "not_a_real_type", "confidence": 0.5, "reasoning": "ok"}`
	qi := Parse(context.Background(), raw, "a query", nil)
	assert.Equal(t, brain.QuerySemantic, qi.QueryType)
}

func TestParse_RepromptsOnceWhenFirstAttemptsFail(t *testing.T) {
	calls := 0
	reprompt := func(ctx context.Context, malformed string) (string, error) {
		calls++
		return `{"query_type": "temporal_analysis", "confidence": 0.7, "reasoning": "repaired via reprompt"}`, nil
	}

	qi := Parse(context.Background(), "complete garbage, not json", "recent docs", reprompt)
	require.Equal(t, 1, calls)
	assert.Equal(t, brain.QueryTemporalAnalysis, qi.QueryType)
}

func TestParse_FallsBackToHeuristicWhenEverythingFails(t *testing.T) {
	reprompt := func(ctx context.Context, malformed string) (string, error) {
		return "still not json", nil
	}
	qi := Parse(context.Background(), "not json", "who wrote the report?", reprompt)
	assert.Equal(t, brain.QueryAuthorAttribution, qi.QueryType)
	assert.Equal(t, "fallback", qi.Reasoning)
	assert.Less(t, qi.Confidence, ConfidenceThreshold)
}

func TestFallback_ClassifiesAuthorAttribution(t *testing.T) {
	qi := Fallback("Who wrote the architecture doc?")
	assert.Equal(t, brain.QueryAuthorAttribution, qi.QueryType)
}

func TestFallback_ClassifiesTemporalAnalysis(t *testing.T) {
	qi := Fallback("What are the most recent design decisions?")
	assert.Equal(t, brain.QueryTemporalAnalysis, qi.QueryType)
}

func TestFallback_ClassifiesMetadataFilter(t *testing.T) {
	qi := Fallback("How many documents mention SQLite?")
	assert.Equal(t, brain.QueryMetadataFilter, qi.QueryType)
}

func TestFallback_DefaultsToSemanticAndExtractsCapitalizedEntities(t *testing.T) {
	qi := Fallback("Tell me about Alice Smith and the roadmap")
	assert.Equal(t, brain.QuerySemantic, qi.QueryType)
	assert.Contains(t, qi.Entities, "Alice Smith")
}

func TestPrompt_IncludesSchemaAndQuery(t *testing.T) {
	p := Prompt("why did we choose SQLite?", "prior turn context")
	assert.Contains(t, p, "query_type")
	assert.Contains(t, p, "why did we choose SQLite?")
	assert.Contains(t, p, "prior turn context")
}

func TestRepromptPrompt_CarriesOriginalMalformedOutput(t *testing.T) {
	p := RepromptPrompt("{bad json")
	assert.Contains(t, p, "{bad json")
	assert.Contains(t, p, "ONLY a single JSON object")
}
