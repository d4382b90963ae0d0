// Package vector implements brain.VectorStore over SQLite, using the
// asg017/sqlite-vec extension for approximate nearest-neighbor search
// when it loads successfully, a brute-force cosine fallback when it
// doesn't, and a keyword fallback when no embedding engine is
// configured at all.
package vector

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Store is the sqlite-vec-backed VectorStore adapter.
type Store struct {
	path    string
	timeout time.Duration
	engine  Embedder

	mu      sync.RWMutex
	db      *sql.DB
	vecExt  bool
	opened  bool
}

var _ brain.VectorStore = (*Store)(nil)

// New constructs a vector Store. The connection is acquired lazily on
// first use.
func New(path string, queryTimeout time.Duration, engine Embedder) *Store {
	return &Store{path: path, timeout: queryTimeout, engine: engine}
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB,
		metadata TEXT
	)`); err != nil {
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id)`); err != nil {
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	s.db = db
	s.opened = true

	if s.engine != nil {
		dim := s.engine.Dimensions()
		stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d], chunk_id TEXT, doc_id TEXT, metadata TEXT)", dim)
		if _, err := db.Exec(stmt); err == nil {
			s.vecExt = true
		} else {
			nlog.For("brain.vector").Warnw("sqlite-vec extension unavailable, falling back to brute-force cosine", "err", err)
		}
	}
	return nil
}

// Upsert is idempotent on chunk_id; re-ingesting the same doc_id
// replaces its prior chunks.
func (s *Store) Upsert(ctx context.Context, docID string, chunks []brain.VectorChunkInput, metadata map[string]string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	timer := nlog.StartTimer("brain.vector", "Upsert")
	defer timer.Stop()

	metaJSON, _ := json.Marshal(metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}

	// Replace prior chunks for this doc_id so re-ingest does not leave
	// stale fragments behind (Open Question decision: in-place update).
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		_ = tx.Rollback()
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	if s.vecExt {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_index WHERE doc_id = ?`, docID); err != nil {
			_ = tx.Rollback()
			return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunks (chunk_id, doc_id, text, embedding, metadata) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	defer stmt.Close()

	var vecStmt *sql.Stmt
	if s.vecExt {
		vecStmt, err = tx.PrepareContext(ctx, `INSERT INTO vec_index (embedding, chunk_id, doc_id, metadata) VALUES (?, ?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
		}
		defer vecStmt.Close()
	}

	for _, c := range chunks {
		var embeddingBlob []byte
		var vec []float32
		if s.engine != nil {
			var embedErr error
			vec, embedErr = s.engine.Embed(ctx, c.Text)
			if embedErr != nil {
				nlog.For("brain.vector").Warnw("embedding failed, storing chunk without vector", "chunk_id", c.ChunkID, "err", embedErr)
			} else {
				buf, _ := json.Marshal(vec)
				embeddingBlob = buf
			}
		}
		chunkMeta := mergeMetadata(metadata, c.Metadata)
		chunkMetaJSON, _ := json.Marshal(chunkMeta)
		if _, err := stmt.ExecContext(ctx, c.ChunkID, docID, c.Text, embeddingBlob, string(chunkMetaJSON)); err != nil {
			_ = tx.Rollback()
			return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
		}
		if s.vecExt && len(vec) > 0 {
			if _, err := vecStmt.ExecContext(ctx, encodeFloat32Slice(vec), c.ChunkID, docID, string(chunkMetaJSON)); err != nil {
				_ = tx.Rollback()
				return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
			}
		}
	}

	_ = metaJSON
	if err := tx.Commit(); err != nil {
		return &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	return nil
}

func mergeMetadata(docMeta, chunkMeta map[string]string) map[string]string {
	out := make(map[string]string, len(docMeta)+len(chunkMeta))
	for k, v := range docMeta {
		out[k] = v
	}
	for k, v := range chunkMeta {
		out[k] = v
	}
	return out
}

// Query returns results sorted by ascending distance, ties broken by
// chunk_id.
func (s *Store) Query(ctx context.Context, text string, k int, filter *brain.VectorFilter) ([]brain.Chunk, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	timer := nlog.StartTimer("brain.vector", "Query")
	defer timer.Stop()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if k <= 0 {
		k = 10
	}

	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			if s.vecExt {
				results, qerr := s.queryANN(ctx, vec, k, filter)
				if qerr == nil {
					return results, nil
				}
				nlog.For("brain.vector").Warnw("ANN query failed, falling back to brute force", "err", qerr)
			}
			return s.queryBruteForce(ctx, vec, k, filter)
		}
		if err != nil {
			nlog.For("brain.vector").Warnw("query embedding failed, falling back to keyword search", "err", err)
		}
	}
	return s.queryKeyword(ctx, text, k, filter)
}

func (s *Store) queryANN(ctx context.Context, queryVec []float32, k int, filter *brain.VectorFilter) ([]brain.Chunk, error) {
	where, args := buildMetadataWhere(filter, "metadata")
	sqlStr := "SELECT chunk_id, doc_id, metadata, vec_distance_cosine(embedding, ?) AS dist FROM vec_index"
	args = append([]interface{}{encodeFloat32Slice(queryVec)}, args...)
	if where != "" {
		sqlStr += " WHERE " + where
	}
	sqlStr += " ORDER BY dist ASC, chunk_id ASC LIMIT ?"
	args = append(args, k)

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	defer rows.Close()

	var out []brain.Chunk
	for rows.Next() {
		var chunkID, docID, metaJSON string
		var dist float64
		if err := rows.Scan(&chunkID, &docID, &metaJSON, &dist); err != nil {
			continue
		}
		text := s.textFor(chunkID)
		out = append(out, brain.Chunk{
			ChunkID:  chunkID,
			DocID:    docID,
			Text:     text,
			Distance: dist,
			Metadata: decodeMetadata(metaJSON),
		})
	}
	return out, nil
}

func (s *Store) textFor(chunkID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var text string
	_ = s.db.QueryRow(`SELECT text FROM chunks WHERE chunk_id = ?`, chunkID).Scan(&text)
	return text
}

func (s *Store) queryBruteForce(ctx context.Context, queryVec []float32, k int, filter *brain.VectorFilter) ([]brain.Chunk, error) {
	where, args := buildMetadataWhere(filter, "metadata")
	sqlStr := "SELECT chunk_id, doc_id, text, embedding, metadata FROM chunks WHERE embedding IS NOT NULL"
	if where != "" {
		sqlStr += " AND " + where
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	defer rows.Close()

	type scored struct {
		c brain.Chunk
	}
	var all []scored
	for rows.Next() {
		var chunkID, docID, text, metaJSON string
		var embeddingBlob []byte
		if err := rows.Scan(&chunkID, &docID, &text, &embeddingBlob, &metaJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal(embeddingBlob, &vec); err != nil {
			continue
		}
		dist := 1 - cosineSimilarity(queryVec, vec)
		all = append(all, scored{c: brain.Chunk{
			ChunkID:  chunkID,
			DocID:    docID,
			Text:     text,
			Distance: dist,
			Metadata: decodeMetadata(metaJSON),
		}})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].c.Distance != all[j].c.Distance {
			return all[i].c.Distance < all[j].c.Distance
		}
		return all[i].c.ChunkID < all[j].c.ChunkID
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]brain.Chunk, len(all))
	for i, a := range all {
		out[i] = a.c
	}
	return out, nil
}

func (s *Store) queryKeyword(ctx context.Context, text string, k int, filter *brain.VectorFilter) ([]brain.Chunk, error) {
	where, args := buildMetadataWhere(filter, "metadata")
	sqlStr := "SELECT chunk_id, doc_id, text, metadata FROM chunks"
	if where != "" {
		sqlStr += " WHERE " + where
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "vector", Cause: err}
	}
	defer rows.Close()

	terms := strings.Fields(strings.ToLower(text))
	type scored struct {
		c     brain.Chunk
		score int
	}
	var all []scored
	for rows.Next() {
		var chunkID, docID, ctext, metaJSON string
		if err := rows.Scan(&chunkID, &docID, &ctext, &metaJSON); err != nil {
			continue
		}
		lower := strings.ToLower(ctext)
		hits := 0
		for _, t := range terms {
			hits += strings.Count(lower, t)
		}
		dist := 1.0
		if hits > 0 {
			dist = 1.0 / float64(1+hits)
		}
		all = append(all, scored{c: brain.Chunk{
			ChunkID:  chunkID,
			DocID:    docID,
			Text:     ctext,
			Distance: dist,
			Metadata: decodeMetadata(metaJSON),
		}, score: hits})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].c.Distance != all[j].c.Distance {
			return all[i].c.Distance < all[j].c.Distance
		}
		return all[i].c.ChunkID < all[j].c.ChunkID
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]brain.Chunk, len(all))
	for i, a := range all {
		out[i] = a.c
	}
	return out, nil
}

func buildMetadataWhere(filter *brain.VectorFilter, col string) (string, []interface{}) {
	if filter == nil || len(filter.Metadata) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	for k, v := range filter.Metadata {
		clauses = append(clauses, col+" LIKE ?")
		args = append(args, fmt.Sprintf("%%%q:%q%%", k, v))
	}
	return strings.Join(clauses, " AND "), args
}

func decodeMetadata(metaJSON string) map[string]string {
	out := map[string]string{}
	if metaJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(metaJSON), &out)
	return out
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, am, bm float64
	for i := range a {
		dot += float64(a[i] * b[i])
		am += float64(a[i] * a[i])
		bm += float64(b[i] * b[i])
	}
	if am == 0 || bm == 0 {
		return 0
	}
	return dot / (math.Sqrt(am) * math.Sqrt(bm))
}

// Health reports database connectivity. It does not check the
// embedding engine.
func (s *Store) Health(ctx context.Context) brain.Health {
	start := time.Now()
	if err := s.ensureOpen(); err != nil {
		return brain.Health{OK: false, Details: err.Error(), Latency: time.Since(start)}
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if err := db.PingContext(ctx); err != nil {
		return brain.Health{OK: false, Details: err.Error(), Latency: time.Since(start)}
	}
	return brain.Health{OK: true, Details: "ok", Latency: time.Since(start)}
}
