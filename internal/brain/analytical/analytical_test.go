package analytical

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruised-ego-labs/nancy/internal/brain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analytical.db")
	return New(path, time.Second)
}

func TestUpsertDocumentMetadata_DuplicatePrimaryKeyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocumentMetadata(ctx, "doc1", "a.txt", 100, "text", map[string]string{"v": "1"}))
	require.NoError(t, s.UpsertDocumentMetadata(ctx, "doc1", "b.txt", 200, "text", map[string]string{"v": "2"}))

	docs, err := s.QueryDocuments(ctx, brain.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.txt", docs[0].Filename) // first write wins, second is a no-op
}

func TestNormalizeIdentifier_SanitizesColumnNames(t *testing.T) {
	assert.Equal(t, "total_sales", normalizeIdentifier("Total Sales"))
	assert.Equal(t, "c_2024", normalizeIdentifier("2024"))
	assert.Equal(t, "col", normalizeIdentifier("###"))
}

func TestRegisterTable_NormalizesColumnsAndStoresRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RegisterTable(ctx, "doc1", "Sheet 1", brain.TableSchema{Columns: []string{"Name", "Total Sales"}}, []map[string]interface{}{
		{"Name": "Widget", "Total Sales": 42},
	})
	require.NoError(t, err)

	rows, err := s.QuerySQL(ctx, `SELECT name, total_sales FROM tbl_doc1_sheet_1`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, "Widget", rows[0]["name"])
	assert.EqualValues(t, "42", rows[0]["total_sales"])
}

func TestQueryDocuments_FiltersByFileTypeAndSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocumentMetadata(ctx, "doc1", "a.csv", 100, "csv", nil))
	require.NoError(t, s.UpsertDocumentMetadata(ctx, "doc2", "b.txt", 5000, "text", nil))

	var minSize int64 = 1000
	docs, err := s.QueryDocuments(ctx, brain.DocumentFilter{FileTypes: []string{"text"}, MinSize: &minSize})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc2", docs[0].DocID)
}

func TestQuerySQL_ReturnsRowsOfPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertDocumentMetadata(ctx, "doc1", "a.txt", 10, "text", nil))

	rows, err := s.QuerySQL(ctx, "SELECT doc_id, filename FROM documents WHERE doc_id = ?", "doc1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "doc1", rows[0]["doc_id"])
}

func TestUpsertFileState_FirstWriteIsAlwaysChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	changed, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestUpsertFileState_UnchangedHashOnCompletedFileIsNotChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	require.NoError(t, s.MarkFileProcessed(ctx, "/root/a.txt", "doc1", brain.FileStatusCompleted, ""))

	changed, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpsertFileState_HashChangeIsChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	require.NoError(t, s.MarkFileProcessed(ctx, "/root/a.txt", "doc1", brain.FileStatusCompleted, ""))

	changed, err := s.UpsertFileState(ctx, "/root/a.txt", "hash2", time.Now(), 11, "/root", "a.txt")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestUpsertFileState_IncompleteStatusStillCountsAsChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	// processing_status stays "pending" (MarkFileProcessed never called).

	changed, err := s.UpsertFileState(ctx, "/root/a.txt", "hash1", time.Now(), 10, "/root", "a.txt")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestHealth_ReportsOKOnFreshStore(t *testing.T) {
	s := newTestStore(t)
	h := s.Health(context.Background())
	assert.True(t, h.OK)
}
