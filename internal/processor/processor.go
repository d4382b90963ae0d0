// Package processor validates a Knowledge Packet, routes its fragments
// to the brains selected by policy, and applies them in parallel using
// golang.org/x/sync/errgroup, with each brain's failure isolated so
// one brain's error never aborts its siblings.
package processor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
	"github.com/bruised-ego-labs/nancy/internal/packet"
)

// Status is the outcome of applying one packet to its selected brains.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Result reports what happened to one packet.
type Result struct {
	PacketID string
	Status   Status
	Errors   map[string]error // brain name -> failure, only for brains that were enabled
	Latency  time.Duration
}

// Metrics are the cumulative counters exposed to the lifecycle manager.
type Metrics struct {
	mu             sync.Mutex
	TotalProcessed int64
	TotalFailed    int64
	RoutingDecisions map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{RoutingDecisions: make(map[string]int64)}
}

func (m *Metrics) recordRouting(brainName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoutingDecisions[brainName]++
}

func (m *Metrics) recordOutcome(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalProcessed++
	if status == StatusFailed {
		m.TotalFailed++
	}
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	routing := make(map[string]int64, len(m.RoutingDecisions))
	for k, v := range m.RoutingDecisions {
		routing[k] = v
	}
	return Metrics{TotalProcessed: m.TotalProcessed, TotalFailed: m.TotalFailed, RoutingDecisions: routing}
}

// Processor applies Knowledge Packets to the brains selected by
// routing policy, through a bounded queue drained by a worker pool of
// configurable size.
type Processor struct {
	vector     brain.VectorStore
	analytical brain.AnalyticalStore
	graph      brain.GraphStore

	queue   chan *packet.Packet
	results chan Result
	workers int
	metrics *Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Processor with a bounded queue of the given
// capacity and a worker pool of the given size.
func New(vector brain.VectorStore, analytical brain.AnalyticalStore, graph brain.GraphStore, queueCapacity, workers int) *Processor {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		vector:     vector,
		analytical: analytical,
		graph:      graph,
		queue:      make(chan *packet.Packet, queueCapacity),
		results:    make(chan Result, queueCapacity),
		workers:    workers,
		metrics:    newMetrics(),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool. Call Stop to drain and shut down.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop closes the queue, waits for in-flight packets to finish, and
// stops the worker pool.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.queue)
	})
	p.wg.Wait()
}

// Submit enqueues a packet. It blocks when the queue is full
// (back-pressure) and returns ctx.Err() if cancelled first.
func (p *Processor) Submit(ctx context.Context, pkt *packet.Packet) error {
	select {
	case p.queue <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel of per-packet outcomes.
func (p *Processor) Results() <-chan Result {
	return p.results
}

// Metrics returns the processor's cumulative counters.
func (p *Processor) Metrics() Metrics {
	return p.metrics.Snapshot()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	log := nlog.For("processor")
	for pkt := range p.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		result := p.apply(ctx, pkt)
		p.metrics.recordOutcome(result.Status)
		log.Debugw("packet processed", "packet_id", result.PacketID, "status", result.Status, "latency", result.Latency)
		select {
		case p.results <- result:
		case <-ctx.Done():
			return
		}
	}
}

// apply validates the packet, plans routing, and invokes the selected
// brain adapters in parallel. Per-brain failures are
// recorded but never abort the other brains.
func (p *Processor) apply(ctx context.Context, pkt *packet.Packet) Result {
	start := time.Now()
	res := Result{PacketID: pkt.PacketID, Errors: map[string]error{}}

	if ok, verr := packet.Validate(pkt); !ok {
		res.Status = StatusFailed
		res.Errors["validation"] = verr
		res.Latency = time.Since(start)
		return res
	}

	enabled := plan(pkt)
	for name := range enabled {
		p.metrics.recordRouting(name)
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	if enabled["vector"] && p.vector != nil {
		g.Go(func() error {
			err := p.applyVector(gctx, pkt)
			if err != nil {
				mu.Lock()
				res.Errors["vector"] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if enabled["analytical"] && p.analytical != nil {
		g.Go(func() error {
			err := p.applyAnalytical(gctx, pkt)
			if err != nil {
				mu.Lock()
				res.Errors["analytical"] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if enabled["graph"] && p.graph != nil {
		g.Go(func() error {
			err := p.applyGraph(gctx, pkt)
			if err != nil {
				mu.Lock()
				res.Errors["graph"] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Latency = time.Since(start)
	res.Status = outcome(enabled, res.Errors)
	return res
}

// plan implements the routing policy:
// 1. Honor processing_hints.priority_brain if set and not auto.
// 2. Otherwise enable a brain iff its sub-type is populated.
// 3. Always persist minimal metadata to the analytical brain.
func plan(pkt *packet.Packet) map[string]bool {
	enabled := map[string]bool{}

	if pkt.ProcessingHints != nil && pkt.ProcessingHints.PriorityBrain != "" && pkt.ProcessingHints.PriorityBrain != packet.PriorityAuto {
		switch pkt.ProcessingHints.PriorityBrain {
		case packet.PriorityVector:
			enabled["vector"] = true
		case packet.PriorityAnalytical:
			enabled["analytical"] = true
		case packet.PriorityGraph:
			enabled["graph"] = true
		}
	} else {
		if pkt.HasVectorData() {
			enabled["vector"] = true
		}
		if pkt.HasAnalyticalData() {
			enabled["analytical"] = true
		}
		if pkt.HasGraphData() {
			enabled["graph"] = true
		}
	}

	// Always persist minimal metadata, regardless of hint/auto-detect.
	enabled["analytical"] = true
	return enabled
}

func outcome(enabled map[string]bool, errs map[string]error) Status {
	total := 0
	failed := 0
	for name, isEnabled := range enabled {
		if !isEnabled {
			continue
		}
		total++
		if _, bad := errs[name]; bad {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case failed == total:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func (p *Processor) docID(pkt *packet.Packet) string {
	return packet.ContentHash(pkt.Source.OriginalLocation, []byte(pkt.Metadata.Title+pkt.Source.ContentType))
}

func (p *Processor) applyVector(ctx context.Context, pkt *packet.Packet) error {
	if !pkt.HasVectorData() {
		return nil
	}
	docID := p.docID(pkt)
	chunks := make([]brain.VectorChunkInput, len(pkt.Content.VectorData.Chunks))
	for i, c := range pkt.Content.VectorData.Chunks {
		chunks[i] = brain.VectorChunkInput{ChunkID: c.ChunkID, Text: c.Text, Metadata: c.ChunkMetadata}
	}
	return p.vector.Upsert(ctx, docID, chunks, flatMetadata(pkt))
}

func (p *Processor) applyAnalytical(ctx context.Context, pkt *packet.Packet) error {
	docID := p.docID(pkt)
	var size int64
	if pkt.Metadata.FileSize != nil {
		size = *pkt.Metadata.FileSize
	}
	if err := p.analytical.UpsertDocumentMetadata(ctx, docID, pkt.Source.OriginalLocation, size, pkt.Source.ContentType, flatMetadata(pkt)); err != nil {
		return err
	}
	if pkt.HasAnalyticalData() {
		for _, t := range pkt.Content.AnalyticalData.TableData {
			cols := columnsOf(t.Rows)
			if err := p.analytical.RegisterTable(ctx, docID, t.Name, brain.TableSchema{Columns: cols}, t.Rows); err != nil {
				return err
			}
		}
	}
	return nil
}

func columnsOf(rows []map[string]interface{}) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

func (p *Processor) applyGraph(ctx context.Context, pkt *packet.Packet) error {
	if !pkt.HasGraphData() {
		return nil
	}
	for _, e := range pkt.Content.GraphData.Entities {
		if err := p.graph.UpsertNode(ctx, e.Type, e.Name, e.Properties); err != nil {
			return err
		}
	}
	for _, r := range pkt.Content.GraphData.Relationships {
		src := brain.NodeRef{Label: r.Source.Type, Name: r.Source.Name}
		dst := brain.NodeRef{Label: r.Target.Type, Name: r.Target.Name}
		if err := p.graph.UpsertEdge(ctx, src, r.Relationship, dst, r.Properties); err != nil {
			return err
		}
	}
	return nil
}

func flatMetadata(pkt *packet.Packet) map[string]string {
	out := map[string]string{"title": pkt.Metadata.Title}
	if pkt.Metadata.Author != "" {
		out["author"] = pkt.Metadata.Author
	}
	for k, v := range pkt.Metadata.Extra {
		out[k] = v
	}
	return out
}
