// Package synth fuses a query, the router's ranked results, and the
// classified intent into free-form text, citing only sources present
// in the input, and degrades to a templated summary when the
// LinguisticModel is unavailable rather than propagating the failure
// to the caller.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

// Synthesizer fuses query results into a final answer.
type Synthesizer struct {
	model brain.LinguisticModel
}

// New constructs a Synthesizer. model may be nil, in which case every
// call degrades straight to the templated summary.
func New(model brain.LinguisticModel) *Synthesizer {
	return &Synthesizer{model: model}
}

// Synthesize produces the final response text. It never fails: an LLM
// error is logged and the call degrades to Template. unavailable names
// the brains that failed or timed out during routing, so the caller's
// answer can carry a note about missing data even when the remaining
// results were enough to answer from.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, results []brain.RankedResult, qi brain.QueryIntent, unavailable []string) string {
	if s.model == nil {
		return Template(query, results, qi, unavailable)
	}

	text, err := s.model.Synthesize(ctx, query, results, qi)
	if err != nil {
		nlog.For("synthesizer").Warnw("llm synthesis failed, degrading to template", "err", err)
		return Template(query, results, qi, unavailable)
	}
	return text + unavailableNote(unavailable)
}

// Template builds a deterministic, citation-only summary directly from
// the ranked results, used when the LinguisticModel is unavailable
//. It never mentions a source absent from results.
func Template(query string, results []brain.RankedResult, qi brain.QueryIntent, unavailable []string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.%s", query, unavailableNote(unavailable))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q (%s):\n", query, qi.QueryType)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, truncate(r.Text, 280))
		switch {
		case r.Filename != "" && r.Author != "":
			fmt.Fprintf(&b, " (source: %s, author: %s)", r.Filename, r.Author)
		case r.Filename != "":
			fmt.Fprintf(&b, " (source: %s)", r.Filename)
		case r.Author != "":
			fmt.Fprintf(&b, " (author: %s)", r.Author)
		}
		b.WriteString("\n")
	}
	b.WriteString(unavailableNote(unavailable))
	return b.String()
}

// unavailableNote renders a visible note naming brains that failed or
// timed out while answering the query, so a degraded answer never looks
// complete. Returns "" when every brain responded.
func unavailableNote(unavailable []string) string {
	if len(unavailable) == 0 {
		return ""
	}
	return fmt.Sprintf("\nNote: %s unavailable for this query; the answer above may be incomplete.\n", strings.Join(unavailable, ", "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
