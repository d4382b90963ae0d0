package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/packet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeVector struct {
	mu      sync.Mutex
	upserts int
	failNext bool
}

func (f *fakeVector) Upsert(ctx context.Context, docID string, chunks []brain.VectorChunkInput, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("vector upsert failed")
	}
	f.upserts++
	return nil
}
func (f *fakeVector) Query(ctx context.Context, text string, k int, filter *brain.VectorFilter) ([]brain.Chunk, error) {
	return nil, nil
}
func (f *fakeVector) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

type fakeAnalytical struct {
	mu           sync.Mutex
	metaUpserts  int
	tablesStored int
}

func (f *fakeAnalytical) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaUpserts++
	return nil
}
func (f *fakeAnalytical) RegisterTable(ctx context.Context, docID, tableName string, schema brain.TableSchema, rows []map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tablesStored++
	return nil
}
func (f *fakeAnalytical) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	return nil, nil
}
func (f *fakeAnalytical) QuerySQL(ctx context.Context, sql string, args ...interface{}) ([]brain.SQLRow, error) {
	return nil, nil
}
func (f *fakeAnalytical) UpsertFileState(ctx context.Context, path, contentHash string, mtime time.Time, size int64, root, rel string) (bool, error) {
	return true, nil
}
func (f *fakeAnalytical) Health(ctx context.Context) brain.Health { return brain.Health{OK: true} }

type fakeGraph struct {
	mu    sync.Mutex
	nodes int
	edges int
}

func (f *fakeGraph) UpsertNode(ctx context.Context, label, name string, properties map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes++
	return nil
}
func (f *fakeGraph) UpsertEdge(ctx context.Context, src brain.NodeRef, edgeType string, dst brain.NodeRef, properties map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges++
	return nil
}
func (f *fakeGraph) Neighbors(ctx context.Context, label, name string, filter *brain.EdgeFilter, depth int) ([]brain.Path, error) {
	return nil, nil
}
func (f *fakeGraph) AuthoredDocuments(ctx context.Context, person string) ([]brain.NodeRef, error) {
	return nil, nil
}
func (f *fakeGraph) ExpertiseFor(ctx context.Context, topicOrPerson string) ([]brain.NodeRef, error) {
	return nil, nil
}
func (f *fakeGraph) DecisionProvenance(ctx context.Context, topic string) ([]brain.Path, error) {
	return nil, nil
}
func (f *fakeGraph) Collaborations(ctx context.Context, person string) ([]brain.Path, error) {
	return nil, nil
}
func (f *fakeGraph) CrossReferences(ctx context.Context) ([]brain.Path, error) { return nil, nil }
func (f *fakeGraph) Health(ctx context.Context) brain.Health                  { return brain.Health{OK: true} }

func testPacket() *packet.Packet {
	return &packet.Packet{
		PacketID:      "p1",
		PacketVersion: "1.0.0",
		Timestamp:     time.Now(),
		Source:        packet.Source{ExtractorName: "text", ExtractorVersion: "1.0.0", OriginalLocation: "/docs/a.txt", ContentType: "text/plain"},
		Metadata:      packet.Metadata{Title: "A"},
		Content: packet.Content{
			VectorData: &packet.VectorData{Chunks: []packet.Chunk{{ChunkID: "p1:0", Text: "hello world"}}},
			GraphData: &packet.GraphData{Entities: []packet.Entity{{Type: "Person", Name: "Alice"}}},
		},
	}
}

func TestApply_RoutesToVectorAnalyticalAndGraphWhenDataPresent(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), testPacket()))
	res := <-p.Results()

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, v.upserts)
	assert.Equal(t, 1, a.metaUpserts)
	assert.Equal(t, 1, g.nodes)
}

func TestApply_AnalyticalAlwaysEnabledRegardlessOfContent(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	pkt := testPacket()
	pkt.Content = packet.Content{AnalyticalData: &packet.AnalyticalData{Statistics: map[string]float64{"n": 1}}}

	require.NoError(t, p.Submit(context.Background(), pkt))
	res := <-p.Results()

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, a.metaUpserts)
	assert.Equal(t, 0, v.upserts)
}

func TestApply_InvalidPacketFailsWithoutTouchingBrains(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	pkt := testPacket()
	pkt.PacketVersion = "not-a-version"

	require.NoError(t, p.Submit(context.Background(), pkt))
	res := <-p.Results()

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Errors, "validation")
	assert.Equal(t, 0, a.metaUpserts)
}

func TestApply_PartialStatusWhenOneBrainFailsButOthersSucceed(t *testing.T) {
	v, a, g := &fakeVector{failNext: true}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), testPacket()))
	res := <-p.Results()

	assert.Equal(t, StatusPartial, res.Status)
	assert.Contains(t, res.Errors, "vector")
	assert.Equal(t, 1, a.metaUpserts) // analytical still applied despite vector failure
	assert.Equal(t, 1, g.nodes)
}

func TestApply_PriorityBrainHintOverridesAutoDetection(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	pkt := testPacket()
	pkt.ProcessingHints = &packet.ProcessingHints{PriorityBrain: packet.PriorityVector}

	require.NoError(t, p.Submit(context.Background(), pkt))
	res := <-p.Results()

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, v.upserts)
	assert.Equal(t, 0, g.nodes) // graph data present but not the priority brain, so skipped
}

func TestMetrics_TracksProcessedAndRoutingDecisions(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 4, 2)
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Submit(context.Background(), testPacket()))
	<-p.Results()

	snap := p.Metrics()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(0), snap.TotalFailed)
	assert.Equal(t, int64(1), snap.RoutingDecisions["vector"])
}

func TestSubmit_BlocksUntilCancelledWhenQueueFull(t *testing.T) {
	v, a, g := &fakeVector{}, &fakeAnalytical{}, &fakeGraph{}
	p := New(v, a, g, 1, 0) // capacity 1, no workers draining it
	// Do not Start the processor so the queue never drains.

	require.NoError(t, p.Submit(context.Background(), testPacket())) // fills the single slot

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, testPacket())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
