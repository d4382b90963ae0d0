// Package brain defines the four uniform backend contracts: VectorStore, AnalyticalStore, GraphStore, and LinguisticModel.
// Concrete adapters live in the vector/, analytical/, graph/, and
// linguistic/ subpackages. Interfaces are kept narrow and
// operation-centric rather than collapsed into a single fat backend
// interface.
package brain

import (
	"context"
	"time"
)

// Health is the uniform health view every contract exposes.
type Health struct {
	OK      bool
	Details string
	Latency time.Duration
}

// Chunk is a single vector-store entry as returned by a query.
type Chunk struct {
	ChunkID  string
	DocID    string
	Text     string
	Distance float64
	Metadata map[string]string
}

// VectorFilter restricts a vector query to documents matching metadata.
type VectorFilter struct {
	Metadata map[string]string
}

// VectorChunkInput is one chunk to be upserted, paired with its text
// and per-chunk metadata; the embedding is computed by the adapter.
type VectorChunkInput struct {
	ChunkID  string
	Text     string
	Metadata map[string]string
}

// VectorStore is the semantic-similarity brain contract.
type VectorStore interface {
	// Upsert is idempotent on chunk_id; re-ingesting the same doc_id
	// replaces its prior chunks.
	Upsert(ctx context.Context, docID string, chunks []VectorChunkInput, metadata map[string]string) error
	// Query returns results sorted by ascending distance, ties broken
	// by chunk_id.
	Query(ctx context.Context, text string, k int, filter *VectorFilter) ([]Chunk, error)
	Health(ctx context.Context) Health
}

// DocumentRecord is one row of the analytical documents table.
type DocumentRecord struct {
	DocID      string
	Filename   string
	Size       int64
	FileType   string
	IngestedAt time.Time
	Metadata   map[string]string
}

// DocumentFilter restricts query_documents.
type DocumentFilter struct {
	CreatedAfter     *time.Time
	CreatedBefore    *time.Time
	FileTypes        []string
	MinSize          *int64
	MaxSize          *int64
	FilenameContains string
}

// TableSchema describes the shape of one named table fragment.
type TableSchema struct {
	Columns []string
}

// SQLRow is one row of primitives returned by the escape-hatch query.
type SQLRow map[string]interface{}

// FileProcessingStatus tracks directory-watch change detection
//.
type FileProcessingStatus string

const (
	FileStatusPending   FileProcessingStatus = "pending"
	FileStatusCompleted FileProcessingStatus = "completed"
	FileStatusError     FileProcessingStatus = "error"
	FileStatusDeleted   FileProcessingStatus = "deleted"
)

// AnalyticalStore is the structured-metadata/tabular brain contract
//.
type AnalyticalStore interface {
	// UpsertDocumentMetadata is idempotent; a duplicate primary key is
	// a no-op.
	UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]string) error
	// RegisterTable normalizes column names to an identifier-safe form.
	RegisterTable(ctx context.Context, docID, tableName string, schema TableSchema, rows []map[string]interface{}) error
	QueryDocuments(ctx context.Context, filter DocumentFilter) ([]DocumentRecord, error)
	// QuerySQL is an escape hatch for ad-hoc analytics; results must be
	// serializable as rows of primitives. Restricted to internal
	// callers (see DESIGN.md Open Question decisions).
	QuerySQL(ctx context.Context, sql string, args ...interface{}) ([]SQLRow, error)
	// UpsertFileState backs directory-change detection; changed is true
	// iff content_hash differs from the stored value OR the prior
	// processing_status was not completed.
	UpsertFileState(ctx context.Context, path, contentHash string, mtime time.Time, size int64, root, rel string) (changed bool, err error)
	Health(ctx context.Context) Health
}

// NodeRef identifies a graph node by label and name.
type NodeRef struct {
	Label string
	Name  string
}

// Path is one hop sequence returned by Neighbors.
type Path struct {
	Nodes []NodeRef
	Edges []string
}

// EdgeFilter restricts a Neighbors traversal to certain edge kinds.
type EdgeFilter struct {
	EdgeTypes []string
	Direction EdgeDirection
}

// EdgeDirection selects which direction a traversal follows.
type EdgeDirection int

const (
	DirectionOut EdgeDirection = iota
	DirectionIn
	DirectionBoth
)

// GraphStore is the entity/relationship brain contract.
type GraphStore interface {
	// UpsertNode has MERGE semantics on (label, name).
	UpsertNode(ctx context.Context, label, name string, properties map[string]string) error
	// UpsertEdge has MERGE semantics on (src, type, dst); properties
	// are overwritten by the last write.
	UpsertEdge(ctx context.Context, src NodeRef, edgeType string, dst NodeRef, properties map[string]string) error
	// Neighbors bounds depth to [1, maxDepth] to guarantee termination
	// over a cyclic graph.
	Neighbors(ctx context.Context, label, name string, filter *EdgeFilter, depth int) ([]Path, error)

	AuthoredDocuments(ctx context.Context, person string) ([]NodeRef, error)
	ExpertiseFor(ctx context.Context, topicOrPerson string) ([]NodeRef, error)
	DecisionProvenance(ctx context.Context, topic string) ([]Path, error)
	Collaborations(ctx context.Context, person string) ([]Path, error)
	CrossReferences(ctx context.Context) ([]Path, error)

	Health(ctx context.Context) Health
}

// QueryType enumerates the intent classifications.
type QueryType string

const (
	QuerySemantic               QueryType = "semantic"
	QueryAuthorAttribution      QueryType = "author_attribution"
	QueryMetadataFilter         QueryType = "metadata_filter"
	QueryRelationshipDiscovery  QueryType = "relationship_discovery"
	QueryTemporalAnalysis       QueryType = "temporal_analysis"
	QueryCrossReference         QueryType = "cross_reference"
	QueryHybridComplex          QueryType = "hybrid_complex"
)

// TimeConstraint is an optional absolute or relative time bound.
type TimeConstraint struct {
	Start    *time.Time
	End      *time.Time
	Relative string
}

// QueryIntent is the structured classification of a natural-language
// query.
type QueryIntent struct {
	QueryType            QueryType
	SemanticTerms        []string
	Entities             []string
	TimeConstraints      *TimeConstraint
	MetadataFilters      map[string]string
	RelationshipTargets  []string
	Confidence           float64
	Reasoning            string
}

// RankedResult is one fused result fragment, whatever brain produced it.
type RankedResult struct {
	Source   string // "vector" | "analytical" | "graph"
	Text     string
	Distance float64
	DocID    string
	Filename string
	Author   string
	Metadata map[string]string
}

// Story is the structured narrative extracted from a document at
// ingestion time.
type Story struct {
	Decisions     []string
	Meetings      []string
	Features      []string
	Eras          []string
	Collaborations []string
}

// LinguisticModel is the LLM brain contract.
type LinguisticModel interface {
	// AnalyzeIntent must return a parseable intent even when the model
	// response is malformed.
	AnalyzeIntent(ctx context.Context, query string, context_ string) (QueryIntent, error)
	// Synthesize returns a natural-language response grounded in the
	// supplied results.
	Synthesize(ctx context.Context, query string, results []RankedResult, intent QueryIntent) (string, error)
	ExtractStory(ctx context.Context, text, docName string) (Story, error)
	Health(ctx context.Context) Health
}
