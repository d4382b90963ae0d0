package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruised-ego-labs/nancy/internal/brain"
)

// fakeEmbedder returns a deterministic vector derived from text length so
// queries and upserts can be compared without a real embedding backend.
type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32(len(text)+i) / float32(f.dims)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func newTestStore(t *testing.T, engine Embedder) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vector.db")
	return New(path, 0, engine)
}

func TestUpsertQuery_NoEmbedderFallsBackToKeyword(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "the quick brown fox"},
		{ChunkID: "doc1:1", Text: "lazy dog sleeps"},
	}, map[string]string{"title": "Doc One"}))

	results, err := s.Query(ctx, "quick fox", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc1:0", results[0].ChunkID)
}

func TestUpsertQuery_WithEmbedderUsesBruteForce(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{dims: 8})
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "alpha"},
		{ChunkID: "doc1:1", Text: "a much longer piece of text than alpha"},
	}, nil))

	results, err := s.Query(ctx, "alpha", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Results must be sorted ascending by distance.
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)
}

func TestUpsert_ReingestReplacesPriorChunks(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "original content"},
		{ChunkID: "doc1:1", Text: "second chunk"},
	}, nil))

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "replaced content"},
	}, nil))

	results, err := s.Query(ctx, "replaced", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "replaced content", results[0].Text)
}

func TestQuery_FiltersByMetadata(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "shared term"},
	}, map[string]string{"project": "alpha"}))
	require.NoError(t, s.Upsert(ctx, "doc2", []brain.VectorChunkInput{
		{ChunkID: "doc2:0", Text: "shared term"},
	}, map[string]string{"project": "beta"}))

	results, err := s.Query(ctx, "shared", 10, &brain.VectorFilter{Metadata: map[string]string{"project": "alpha"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0].DocID)
}

func TestQuery_RespectsKLimit(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc1", []brain.VectorChunkInput{
		{ChunkID: "doc1:0", Text: "match one"},
		{ChunkID: "doc1:1", Text: "match two"},
		{ChunkID: "doc1:2", Text: "match three"},
	}, nil))

	results, err := s.Query(ctx, "match", 2, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestHealth_ReportsOKOnFreshStore(t *testing.T) {
	s := newTestStore(t, nil)
	h := s.Health(context.Background())
	assert.True(t, h.OK)
}

func TestGenAIEmbedder_DimensionsMatchesGoogleUpdate(t *testing.T) {
	e := &GenAIEmbedder{model: "text-embedding-004"}
	assert.Equal(t, 3072, e.Dimensions())
}
