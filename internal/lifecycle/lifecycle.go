// Package lifecycle loads configuration, constructs the brain
// adapters, starts the Packet Processor and Extractor Host in
// dependency order, wires the Router, aggregates health, and
// coordinates bounded shutdown in reverse order.
//
// The HTTP/CLI façade that would call into a Manager is explicitly out
// of scope; Manager is the library surface such a façade
// would use.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/brain/analytical"
	"github.com/bruised-ego-labs/nancy/internal/brain/graph"
	"github.com/bruised-ego-labs/nancy/internal/brain/linguistic"
	"github.com/bruised-ego-labs/nancy/internal/brain/vector"
	"github.com/bruised-ego-labs/nancy/internal/config"
	"github.com/bruised-ego-labs/nancy/internal/extractor"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
	"github.com/bruised-ego-labs/nancy/internal/processor"
	"github.com/bruised-ego-labs/nancy/internal/router"
	"github.com/bruised-ego-labs/nancy/internal/synth"
)

// State is the aggregate health of the running system.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateUnhealthy State = "unhealthy"
)

const shutdownGrace = 10 * time.Second

// Manager owns the full component graph and its startup/shutdown order.
type Manager struct {
	cfg *config.Config

	Vector     brain.VectorStore
	Analytical brain.AnalyticalStore
	Graph      brain.GraphStore
	Linguistic brain.LinguisticModel

	Processor   *processor.Processor
	Extractors  *extractor.Host
	Router      *router.Router
	Synthesizer *synth.Synthesizer

	querySem *semaphore.Weighted
	started  bool
}

// New takes an already-loaded cfg and constructs every brain adapter (lazily connected —
// no I/O happens until first use). It does not start background
// workers; call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{cfg: cfg}

	var embedder vector.Embedder
	if apiKey := cfg.Brains.Vector.Connection.Options["api_key"]; apiKey != "" {
		e, err := vector.NewGenAIEmbedder(ctx, apiKey, cfg.Brains.Vector.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("constructing vector embedder: %w", err)
		}
		embedder = e
	}
	m.Vector = vector.New(cfg.Brains.Vector.Connection.Path, 10*time.Second, embedder)
	m.Analytical = analytical.New(cfg.Brains.Analytical.Connection.Path, cfg.AnalyticalQueryTimeout())
	m.Graph = graph.New(cfg.Brains.Graph.Connection.Path, 10*time.Second, cfg.Brains.Graph.MaxRelationshipDepth)

	if apiKey := cfg.Brains.Linguistic.Connection.Options["api_key"]; apiKey != "" {
		model, err := linguistic.New(ctx, apiKey,
			cfg.Brains.Linguistic.PrimaryLLM, cfg.Brains.Linguistic.FallbackLLM,
			cfg.Brains.Linguistic.Temperature, cfg.Brains.Linguistic.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("constructing linguistic brain: %w", err)
		}
		m.Linguistic = model
	}

	m.Synthesizer = synth.New(m.Linguistic)
	return m, nil
}

// Start brings up the system in dependency order: config (loaded by
// the caller and handed to New) → brain adapters (already constructed, lazily
// connected) → Packet Processor → Extractor Host → Router.
func (m *Manager) Start(ctx context.Context) error {
	m.Processor = processor.New(m.Vector, m.Analytical, m.Graph, 256, 4)
	m.Processor.Start(ctx)

	host, err := extractor.New(ctx, m.cfg.Extractors, m.cfg.ExtractorTimeout())
	if err != nil {
		return fmt.Errorf("starting extractor host: %w", err)
	}
	m.Extractors = host

	m.Router = router.New(m.Vector, m.Analytical, m.Graph, m.Linguistic, router.Config{
		ConfidenceThreshold: m.cfg.ConfidenceThreshold(),
		MultiStepThreshold:  m.cfg.Orchestration.MultiStepThreshold,
		TopK:                m.cfg.ResultsPerBrain(),
		GlobalTimeout:       m.cfg.QueryTimeout(),
		PerBrainTimeout:     m.cfg.QueryTimeout() / 2,
		MaxGraphDepth:       m.cfg.Brains.Graph.MaxRelationshipDepth,
	})

	m.querySem = semaphore.NewWeighted(m.cfg.MaxConcurrentQueries())

	m.started = true
	nlog.For("lifecycle").Infow("nancy started", "instance", m.cfg.NancyCore.InstanceName)
	return nil
}

// Query bounds concurrent in-flight queries to performance.max_concurrent_queries
// before delegating to the Router, and synthesizes the
// final answer via the Synthesizer.
func (m *Manager) Query(ctx context.Context, query, context_ string) (string, *router.Response, error) {
	if err := m.querySem.Acquire(ctx, 1); err != nil {
		return "", nil, fmt.Errorf("acquiring query slot: %w", err)
	}
	defer m.querySem.Release(1)

	resp, err := m.Router.Query(ctx, query, context_)
	if err != nil {
		return "", nil, err
	}
	text := m.Synthesizer.Synthesize(ctx, query, resp.Results, resp.Intent, unavailableBrains(resp.BrainLatencies))
	return text, resp, nil
}

// unavailableBrains names the brains that failed or timed out during
// routing, so the synthesized answer can say so instead of silently
// answering from whatever did respond.
func unavailableBrains(latencies []router.BrainLatency) []string {
	var names []string
	for _, l := range latencies {
		if l.Err != nil {
			names = append(names, l.Brain)
		}
	}
	return names
}

// Stop shuts the system down in reverse order, each step bounded by
// shutdownGrace; a step that does not respond in time is abandoned
// (not retried) so shutdown always completes.
func (m *Manager) Stop(ctx context.Context) {
	if !m.started {
		return
	}
	log := nlog.For("lifecycle")

	if m.Extractors != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		done := make(chan struct{})
		go func() {
			m.Extractors.Shutdown(sctx)
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			log.Warnw("extractor host did not stop within grace period")
		}
		cancel()
	}
	if m.Processor != nil {
		done := make(chan struct{})
		go func() {
			m.Processor.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			log.Warnw("packet processor did not stop within grace period")
		}
	}

	nlog.Sync()
	m.started = false
	log.Infow("nancy stopped")
}

// Health aggregates per-brain health: healthy iff LinguisticModel is
// healthy AND at least one storage brain is healthy; degraded if
// LinguisticModel is healthy but every configured storage brain is
// unhealthy; unhealthy otherwise.
func (m *Manager) Health(ctx context.Context) (State, map[string]brain.Health) {
	details := map[string]brain.Health{}
	if m.Vector != nil {
		details["vector"] = m.Vector.Health(ctx)
	}
	if m.Analytical != nil {
		details["analytical"] = m.Analytical.Health(ctx)
	}
	if m.Graph != nil {
		details["graph"] = m.Graph.Health(ctx)
	}
	var llmHealthy bool
	if m.Linguistic != nil {
		h := m.Linguistic.Health(ctx)
		details["linguistic"] = h
		llmHealthy = h.OK
	}

	storageHealthy := 0
	storageTotal := 0
	for _, name := range []string{"vector", "analytical", "graph"} {
		h, ok := details[name]
		if !ok {
			continue
		}
		storageTotal++
		if h.OK {
			storageHealthy++
		}
	}

	switch {
	case llmHealthy && storageHealthy > 0:
		return StateHealthy, details
	case llmHealthy && storageHealthy < storageTotal:
		return StateDegraded, details
	default:
		return StateUnhealthy, details
	}
}
