// Package router classifies a query's intent, plans which brains to
// consult, fans sub-queries out in parallel under a global deadline
// via errgroup, merges the results deterministically, and escalates to
// a multi-step vector-then-graph strategy when the query calls for it.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

// Plan records which brains are enabled for a query.
type Plan struct {
	Vector     bool
	Analytical bool
	Graph      bool
}

func (p Plan) any() bool { return p.Vector || p.Analytical || p.Graph }

// BrainLatency records how long one brain's sub-query took, exposed on
// Response so an external benchmarking harness can consume it without
// the router depending on one.
type BrainLatency struct {
	Brain   string
	Latency time.Duration
	TimedOut bool
	Err     error
}

// Response is the outcome of a routed query.
type Response struct {
	Intent          brain.QueryIntent
	Plan            Plan
	Results         []brain.RankedResult
	BrainLatencies  []BrainLatency
	RoutingFallback bool
	Cancelled       bool
	MultiStep       bool
}

// Router plans and executes multi-brain retrieval.
type Router struct {
	vector     brain.VectorStore
	analytical brain.AnalyticalStore
	graph      brain.GraphStore
	linguistic brain.LinguisticModel

	confidenceThreshold float64
	multiStepThreshold  float64
	topK                int
	globalTimeout       time.Duration
	perBrainTimeout     time.Duration
	maxGraphDepth       int
}

// Config bundles the router's tunables.
type Config struct {
	ConfidenceThreshold float64
	MultiStepThreshold  float64
	TopK                int
	GlobalTimeout       time.Duration
	PerBrainTimeout     time.Duration
	MaxGraphDepth       int
}

// New constructs a Router wired to the four brains.
func New(vector brain.VectorStore, analytical brain.AnalyticalStore, graph brain.GraphStore, linguistic brain.LinguisticModel, cfg Config) *Router {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = 20 * time.Second
	}
	if cfg.PerBrainTimeout <= 0 {
		cfg.PerBrainTimeout = 8 * time.Second
	}
	if cfg.MaxGraphDepth <= 0 {
		cfg.MaxGraphDepth = 3
	}
	return &Router{
		vector:              vector,
		analytical:          analytical,
		graph:               graph,
		linguistic:          linguistic,
		confidenceThreshold: cfg.ConfidenceThreshold,
		multiStepThreshold:  cfg.MultiStepThreshold,
		topK:                cfg.TopK,
		globalTimeout:       cfg.GlobalTimeout,
		perBrainTimeout:     cfg.PerBrainTimeout,
		maxGraphDepth:       cfg.MaxGraphDepth,
	}
}

// plan selects which brains a query intent should consult.
func (r *Router) plan(qi brain.QueryIntent) Plan {
	if qi.QueryType == brain.QueryHybridComplex {
		return Plan{Vector: true, Analytical: true, Graph: true}
	}

	p := Plan{}
	p.Vector = len(qi.SemanticTerms) > 0 || qi.Confidence < r.confidenceThreshold
	p.Analytical = len(qi.MetadataFilters) > 0 || qi.TimeConstraints != nil ||
		qi.QueryType == brain.QueryMetadataFilter || qi.QueryType == brain.QueryTemporalAnalysis
	p.Graph = qi.QueryType == brain.QueryAuthorAttribution || qi.QueryType == brain.QueryRelationshipDiscovery ||
		qi.QueryType == brain.QueryCrossReference || len(qi.Entities) > 0 || len(qi.RelationshipTargets) > 0
	return p
}

// isMultiStep detects "content-plus-relationships" queries: the intent
// names both entities and semantic terms. Questions spanning several
// engineering domains are not detected separately.
func (r *Router) isMultiStep(query string, qi brain.QueryIntent) bool {
	if qi.Confidence >= r.multiStepThreshold && (len(qi.Entities) == 0 || len(qi.SemanticTerms) == 0) {
		return false
	}
	return len(qi.Entities) > 0 && len(qi.SemanticTerms) > 0
}

// Query runs the full pipeline: intent analysis, planning, fan-out,
// merge, and (when applicable) multi-step escalation.
func (r *Router) Query(ctx context.Context, query, context_ string) (*Response, error) {
	qi, err := r.linguistic.AnalyzeIntent(ctx, query, context_)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, r.globalTimeout)
	defer cancel()

	if r.isMultiStep(query, qi) {
		return r.multiStepQuery(gctx, query, qi)
	}

	p := r.plan(qi)
	results, latencies := r.dispatch(gctx, query, p)

	fallback := false
	if p != (Plan{Vector: true, Analytical: true, Graph: true}) && len(results) == 0 {
		fallback = true
		full := Plan{Vector: true, Analytical: true, Graph: true}
		results, latencies = r.dispatch(gctx, query, full)
		p = full
	}

	merged := merge(results, r.topK)
	resp := &Response{
		Intent:          qi,
		Plan:            p,
		Results:         merged,
		BrainLatencies:  latencies,
		RoutingFallback: fallback,
		Cancelled:       gctx.Err() != nil,
	}
	return resp, nil
}

// multiStepQuery escalates in two steps: vector recall to anchor
// context, then graph expansion around the entities that recall
// surfaced, handed to the synthesizer with a combined-analysis framing
// (the framing itself is the caller's job — Response.MultiStep signals
// it).
func (r *Router) multiStepQuery(ctx context.Context, query string, qi brain.QueryIntent) (*Response, error) {
	anchorPlan := Plan{Vector: true}
	anchorResults, latencies := r.dispatch(ctx, query, anchorPlan)

	entities := append([]string{}, qi.Entities...)
	for _, res := range anchorResults {
		if res.Author != "" {
			entities = append(entities, res.Author)
		}
	}
	entities = dedupStrings(entities)

	var graphResults []brain.RankedResult
	if r.graph != nil {
		for _, e := range entities {
			paths, err := r.expandEntity(ctx, e)
			lat := BrainLatency{Brain: "graph", Err: err}
			latencies = append(latencies, lat)
			if err == nil {
				graphResults = append(graphResults, pathsToResults(paths)...)
			}
		}
	}

	merged := merge(append(anchorResults, graphResults...), r.topK)
	return &Response{
		Intent:         qi,
		Plan:           Plan{Vector: true, Graph: len(entities) > 0},
		Results:        merged,
		BrainLatencies: latencies,
		Cancelled:      ctx.Err() != nil,
		MultiStep:      true,
	}, nil
}

// expandEntity explores every relationship family the spec names
// (expertise, authored documents, decision provenance, collaborations,
// cross-references), chosen by heuristic keyword families per the
// entity's apparent role — here simply explored exhaustively since the
// graph brain's reads are cheap bounded-depth traversals.
func (r *Router) expandEntity(ctx context.Context, entity string) ([]brain.Path, error) {
	ctx, cancel := context.WithTimeout(ctx, r.perBrainTimeout)
	defer cancel()

	var all []brain.Path
	if paths, err := r.graph.Neighbors(ctx, "Person", entity, nil, r.maxGraphDepth); err == nil {
		all = append(all, paths...)
	}
	if nodes, err := r.graph.ExpertiseFor(ctx, entity); err == nil {
		all = append(all, nodesToPaths(nodes)...)
	}
	if nodes, err := r.graph.AuthoredDocuments(ctx, entity); err == nil {
		all = append(all, nodesToPaths(nodes)...)
	}
	if paths, err := r.graph.Collaborations(ctx, entity); err == nil {
		all = append(all, paths...)
	}
	if paths, err := r.graph.DecisionProvenance(ctx, entity); err == nil {
		all = append(all, paths...)
	}
	if paths, err := r.graph.CrossReferences(ctx); err == nil {
		all = append(all, paths...)
	}
	return all, nil
}

func nodesToPaths(nodes []brain.NodeRef) []brain.Path {
	out := make([]brain.Path, len(nodes))
	for i, n := range nodes {
		out[i] = brain.Path{Nodes: []brain.NodeRef{n}}
	}
	return out
}

func pathsToResults(paths []brain.Path) []brain.RankedResult {
	out := make([]brain.RankedResult, 0, len(paths))
	for _, p := range paths {
		var names []string
		for _, n := range p.Nodes {
			names = append(names, fmt.Sprintf("%s:%s", n.Label, n.Name))
		}
		out = append(out, brain.RankedResult{
			Source: "graph",
			Text:   strings.Join(names, " -> "),
		})
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// dispatch fans out enabled sub-queries in parallel. A per-brain
// timeout does not fail the whole query: it yields an empty result set
// and a recorded BrainLatency with TimedOut=true.
func (r *Router) dispatch(ctx context.Context, query string, p Plan) ([]brain.RankedResult, []BrainLatency) {
	if !p.any() {
		return nil, nil
	}

	var mu sync.Mutex
	var results []brain.RankedResult
	var latencies []BrainLatency
	g, gctx := errgroup.WithContext(ctx)

	run := func(name string, fn func(ctx context.Context) ([]brain.RankedResult, error)) {
		start := time.Now()
		bctx, cancel := context.WithTimeout(gctx, r.perBrainTimeout)
		defer cancel()

		res, err := fn(bctx)
		lat := BrainLatency{Brain: name, Latency: time.Since(start)}
		if bctx.Err() != nil && err != nil {
			lat.TimedOut = true
			err = &nerr.BackendTimeout{Brain: name, Operation: "query"}
		}
		lat.Err = err
		if err != nil {
			nlog.For("router").Warnw("brain sub-query failed", "brain", name, "err", err)
		}

		mu.Lock()
		latencies = append(latencies, lat)
		if err == nil {
			results = append(results, res...)
		}
		mu.Unlock()
	}

	if p.Vector && r.vector != nil {
		g.Go(func() error {
			run("vector", func(ctx context.Context) ([]brain.RankedResult, error) {
				chunks, err := r.vector.Query(ctx, query, r.topK, nil)
				if err != nil {
					return nil, err
				}
				out := make([]brain.RankedResult, len(chunks))
				for i, c := range chunks {
					out[i] = brain.RankedResult{Source: "vector", Text: c.Text, Distance: c.Distance, DocID: c.DocID, Metadata: c.Metadata}
				}
				return out, nil
			})
			return nil
		})
	}
	if p.Analytical && r.analytical != nil {
		g.Go(func() error {
			run("analytical", func(ctx context.Context) ([]brain.RankedResult, error) {
				docs, err := r.analytical.QueryDocuments(ctx, brain.DocumentFilter{FilenameContains: query})
				if err != nil {
					return nil, err
				}
				out := make([]brain.RankedResult, len(docs))
				for i, d := range docs {
					out[i] = brain.RankedResult{Source: "analytical", Text: d.Filename, Filename: d.Filename, DocID: d.DocID, Metadata: d.Metadata}
				}
				return out, nil
			})
			return nil
		})
	}
	if p.Graph && r.graph != nil {
		g.Go(func() error {
			run("graph", func(ctx context.Context) ([]brain.RankedResult, error) {
				paths, err := r.graph.Neighbors(ctx, "Topic", query, nil, r.maxGraphDepth)
				if err != nil {
					return nil, err
				}
				return pathsToResults(paths), nil
			})
			return nil
		})
	}

	_ = g.Wait()
	return results, latencies
}

// merge sorts by vector ascending distance (analytical/graph results
// at synthetic distance 0), dedups by the first 100 characters of the
// textual rendering (keeping the first occurrence in sort order), and
// truncates to k.
func merge(results []brain.RankedResult, k int) []brain.RankedResult {
	for i := range results {
		if results[i].Source != "vector" {
			results[i].Distance = 0
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})

	seen := map[string]bool{}
	out := make([]brain.RankedResult, 0, k)
	for _, r := range results {
		key := dedupKey(r.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
		if len(out) >= k {
			break
		}
	}
	return out
}

func dedupKey(text string) string {
	if len(text) <= 100 {
		return text
	}
	return text[:100]
}

// QuerySingleBrain is a legacy escape hatch: it bypasses intent
// analysis and planning entirely, querying exactly one brain.
func (r *Router) QuerySingleBrain(ctx context.Context, brainName, query string) ([]brain.RankedResult, error) {
	var p Plan
	switch brainName {
	case "vector":
		p.Vector = true
	case "analytical":
		p.Analytical = true
	case "graph":
		p.Graph = true
	default:
		return nil, fmt.Errorf("unknown brain %q", brainName)
	}
	results, _ := r.dispatch(ctx, query, p)
	return merge(results, r.topK), nil
}
