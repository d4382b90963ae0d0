package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruised-ego-labs/nancy/internal/brain"
)

func newTestStore(t *testing.T, maxDepth int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.db")
	return New(path, 0, maxDepth)
}

func TestUpsertNode_RejectsEmptyLabelOrName(t *testing.T) {
	s := newTestStore(t, 3)
	err := s.UpsertNode(context.Background(), "", "Alice", nil)
	require.Error(t, err)
}

func TestUpsertNode_MergeSemanticsOverwriteProperties(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, "Person", "Alice", map[string]string{"role": "eng"}))
	require.NoError(t, s.UpsertNode(ctx, "Person", "Alice", map[string]string{"role": "lead"}))

	paths, err := s.Neighbors(ctx, "Person", "Alice", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, paths) // no edges yet, just confirms no duplicate-node error

	var props string
	require.NoError(t, s.db.QueryRow(`SELECT properties FROM nodes WHERE label = ? AND name = ?`, "Person", "Alice").Scan(&props))
	assert.JSONEq(t, `{"role":"lead"}`, props)
}

func TestUpsertEdge_MergeSemanticsOverwriteLastWrite(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()
	src := brain.NodeRef{Label: "Person", Name: "Alice"}
	dst := brain.NodeRef{Label: "Document", Name: "doc1"}
	require.NoError(t, s.UpsertEdge(ctx, src, "AUTHORED", dst, map[string]string{"v": "1"}))
	require.NoError(t, s.UpsertEdge(ctx, src, "AUTHORED", dst, map[string]string{"v": "2"}))

	docs, err := s.AuthoredDocuments(ctx, "Alice")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc1", docs[0].Name)

	var props string
	require.NoError(t, s.db.QueryRow(`SELECT properties FROM edges WHERE src_name = ? AND edge_type = ? AND dst_name = ?`, "Alice", "AUTHORED", "doc1").Scan(&props))
	assert.JSONEq(t, `{"v":"2"}`, props)
}

func TestNeighbors_BoundsDepthToMaxDepth(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	// Chain: A -> B -> C -> D
	nodes := []string{"A", "B", "C", "D"}
	for i := 0; i < len(nodes)-1; i++ {
		src := brain.NodeRef{Label: "Concept", Name: nodes[i]}
		dst := brain.NodeRef{Label: "Concept", Name: nodes[i+1]}
		require.NoError(t, s.UpsertEdge(ctx, src, "RELATED_TO", dst, nil))
	}

	paths, err := s.Neighbors(ctx, "Concept", "A", nil, 10) // request deeper than maxDepth
	require.NoError(t, err)

	var reachedD bool
	for _, p := range paths {
		last := p.Nodes[len(p.Nodes)-1]
		if last.Name == "D" {
			reachedD = true
		}
	}
	assert.False(t, reachedD, "traversal must not exceed the configured maxDepth")
}

func TestNeighbors_AvoidsCyclesViaVisitedSet(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()

	a := brain.NodeRef{Label: "Concept", Name: "A"}
	b := brain.NodeRef{Label: "Concept", Name: "B"}
	require.NoError(t, s.UpsertEdge(ctx, a, "RELATED_TO", b, nil))
	require.NoError(t, s.UpsertEdge(ctx, b, "RELATED_TO", a, nil))

	// With a cycle A<->B, bounded BFS must terminate rather than loop forever.
	paths, err := s.Neighbors(ctx, "Concept", "A", &brain.EdgeFilter{Direction: brain.DirectionBoth}, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(paths), 2)
}

func TestCrossReferences_ReturnsOnlyReferencesEdges(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	doc1 := brain.NodeRef{Label: "Document", Name: "doc1"}
	doc2 := brain.NodeRef{Label: "Document", Name: "doc2"}
	require.NoError(t, s.UpsertEdge(ctx, doc1, "REFERENCES", doc2, nil))
	require.NoError(t, s.UpsertEdge(ctx, doc1, "AUTHORED", doc2, nil))

	refs, err := s.CrossReferences(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "REFERENCES", refs[0].Edges[0])
}

func TestHealth_ReportsOKOnFreshStore(t *testing.T) {
	s := newTestStore(t, 3)
	h := s.Health(context.Background())
	assert.True(t, h.OK)
}
