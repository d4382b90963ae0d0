// Package linguistic implements brain.LinguisticModel against Google's
// GenAI chat API: a single client (genai.NewClient, timed calls,
// wrapped errors) used for both intent classification and answer
// synthesis.
package linguistic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/intent"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

func float32Ptr(f float32) *float32 { return &f }

// Model is the GenAI-backed LinguisticModel adapter.
type Model struct {
	client      *genai.Client
	primaryLLM  string
	fallbackLLM string
	temperature float64
	maxTokens   int32
}

var _ brain.LinguisticModel = (*Model)(nil)

// New constructs a linguistic Model.
func New(ctx context.Context, apiKey, primaryLLM, fallbackLLM string, temperature float64, maxTokens int) (*Model, error) {
	if apiKey == "" {
		return nil, &nerr.ConfigurationError{Field: "brains.linguistic.connection", Reason: "genai api key is required"}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, &nerr.ConfigurationError{Field: "brains.linguistic", Reason: err.Error()}
	}
	return &Model{
		client:      client,
		primaryLLM:  primaryLLM,
		fallbackLLM: fallbackLLM,
		temperature: temperature,
		maxTokens:   int32(maxTokens),
	}, nil
}

func (m *Model) generate(ctx context.Context, prompt string) (string, error) {
	timer := nlog.StartTimer("brain.linguistic", "generate")
	defer timer.Stop()

	models := []string{m.primaryLLM}
	if m.fallbackLLM != "" {
		models = append(models, m.fallbackLLM)
	}

	var lastErr error
	for _, model := range models {
		resp, err := m.client.Models.GenerateContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
			&genai.GenerateContentConfig{
				Temperature:     float32Ptr(float32(m.temperature)),
				MaxOutputTokens: m.maxTokens,
			},
		)
		if err != nil {
			lastErr = err
			nlog.For("brain.linguistic").Warnw("generation failed, trying next model", "model", model, "err", err)
			continue
		}
		text := resp.Text()
		if strings.TrimSpace(text) == "" {
			lastErr = fmt.Errorf("model %s returned empty response", model)
			continue
		}
		return text, nil
	}
	return "", &nerr.LLMError{Operation: "generate", Cause: lastErr}
}

// AnalyzeIntent converts a natural-language query into a QueryIntent
// via a schema-constrained prompt and repair pipeline; it never fails
// — the repair pipeline guarantees a well-formed intent.
func (m *Model) AnalyzeIntent(ctx context.Context, query, context_ string) (brain.QueryIntent, error) {
	raw, err := m.generate(ctx, intent.Prompt(query, context_))
	if err != nil {
		nlog.For("brain.linguistic").Warnw("intent LLM call failed, using heuristic fallback", "err", err)
		return intent.Fallback(query), nil
	}
	return intent.Parse(ctx, raw, query, m.reprompt), nil
}

// reprompt implements the one allowed re-prompt with a shorter
// "JSON-only" instruction carrying the original malformed output.
func (m *Model) reprompt(ctx context.Context, malformed string) (string, error) {
	return m.generate(ctx, intent.RepromptPrompt(malformed))
}

// Synthesize fuses ranked results into a grounded natural-language
// answer.
func (m *Model) Synthesize(ctx context.Context, query string, results []brain.RankedResult, qi brain.QueryIntent) (string, error) {
	prompt := synthesisPrompt(query, results, qi)
	text, err := m.generate(ctx, prompt)
	if err != nil {
		return "", &nerr.LLMError{Operation: "synthesize", Cause: err}
	}
	return text, nil
}

func synthesisPrompt(query string, results []brain.RankedResult, qi brain.QueryIntent) string {
	var b strings.Builder
	b.WriteString("You are Nancy, an engineering knowledge assistant. Answer the question using ONLY the sources below. Cite file names and authors when present. Never invent a source that is not listed.\n\n")
	fmt.Fprintf(&b, "Question: %s\nIntent: %s (confidence %.2f)\n\nSources:\n", query, qi.QueryType, qi.Confidence)
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (%s) %s", i+1, r.Source, r.Text)
		if r.Filename != "" {
			fmt.Fprintf(&b, " — file: %s", r.Filename)
		}
		if r.Author != "" {
			fmt.Fprintf(&b, ", author: %s", r.Author)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nWrite a concise, grounded answer.")
	return b.String()
}

// ExtractStory extracts the structured narrative used at ingestion
// time: decisions, meetings, features, eras, collaborations mentioned
// in a document.
func (m *Model) ExtractStory(ctx context.Context, text, docName string) (brain.Story, error) {
	prompt := fmt.Sprintf(`Extract from the document %q a JSON object with keys "decisions", "meetings", "features", "eras", "collaborations", each a list of short strings. Respond with JSON only.

Document:
%s`, docName, text)

	raw, err := m.generate(ctx, prompt)
	if err != nil {
		return brain.Story{}, &nerr.LLMError{Operation: "extract_story", Cause: err}
	}

	story, ok := parseStory(raw)
	if !ok {
		return brain.Story{}, nil
	}
	return story, nil
}

func parseStory(raw string) (brain.Story, bool) {
	cleaned := intent.ExtractFirstJSONObject(raw)
	if cleaned == "" {
		return brain.Story{}, false
	}
	var decoded struct {
		Decisions      []string `json:"decisions"`
		Meetings       []string `json:"meetings"`
		Features       []string `json:"features"`
		Eras           []string `json:"eras"`
		Collaborations []string `json:"collaborations"`
	}
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return brain.Story{}, false
	}
	return brain.Story{
		Decisions:      decoded.Decisions,
		Meetings:       decoded.Meetings,
		Features:       decoded.Features,
		Eras:           decoded.Eras,
		Collaborations: decoded.Collaborations,
	}, true
}

// Health pings the model with a minimal request and reports latency.
func (m *Model) Health(ctx context.Context) brain.Health {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := m.client.Models.GenerateContent(ctx, m.primaryLLM,
		[]*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)},
		&genai.GenerateContentConfig{MaxOutputTokens: 8},
	)
	if err != nil {
		return brain.Health{OK: false, Details: err.Error(), Latency: time.Since(start)}
	}
	return brain.Health{OK: true, Details: "ok", Latency: time.Since(start)}
}
