// Package graph implements brain.GraphStore over SQLite: node/edge
// MERGE semantics as "INSERT ... ON CONFLICT DO UPDATE" upserts, and
// bounded-depth BFS traversal with a visited set to guarantee
// termination on cyclic graphs.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

// Store is the SQLite-backed GraphStore adapter implementing the
// foundational schema.
type Store struct {
	path     string
	timeout  time.Duration
	maxDepth int

	mu     sync.RWMutex
	db     *sql.DB
	opened bool
}

var _ brain.GraphStore = (*Store)(nil)

// New constructs a graph Store bounding traversal to maxDepth hops so
// a cyclic graph can't cause unbounded exploration.
func New(path string, queryTimeout time.Duration, maxDepth int) *Store {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Store{path: path, timeout: queryTimeout, maxDepth: maxDepth}
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "graph", Cause: err}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			label TEXT NOT NULL,
			name TEXT NOT NULL,
			properties TEXT,
			PRIMARY KEY (label, name)
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			src_label TEXT NOT NULL,
			src_name TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			dst_label TEXT NOT NULL,
			dst_name TEXT NOT NULL,
			properties TEXT,
			PRIMARY KEY (src_label, src_name, edge_type, dst_label, dst_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_label, src_name)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_label, dst_name)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return &nerr.BackendUnavailable{Brain: "graph", Cause: err}
		}
	}
	s.db = db
	s.opened = true
	return nil
}

// UpsertNode has MERGE semantics on (label, name); properties are
// overwritten by the last write.
func (s *Store) UpsertNode(ctx context.Context, label, name string, properties map[string]string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if label == "" || name == "" {
		return &nerr.ValidationError{Path: "node", Reason: "label and name must be non-empty"}
	}
	propJSON, _ := json.Marshal(properties)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (label, name, properties) VALUES (?, ?, ?)
		ON CONFLICT (label, name) DO UPDATE SET properties = excluded.properties
	`, label, name, string(propJSON))
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "graph", Cause: err}
	}
	return nil
}

// UpsertEdge has MERGE semantics on (src, type, dst); properties are
// overwritten by the last write.
func (s *Store) UpsertEdge(ctx context.Context, src brain.NodeRef, edgeType string, dst brain.NodeRef, properties map[string]string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if src.Name == "" || dst.Name == "" || edgeType == "" {
		return &nerr.ValidationError{Path: "edge", Reason: "src, dst, and edge type must be non-empty"}
	}
	propJSON, _ := json.Marshal(properties)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (src_label, src_name, edge_type, dst_label, dst_name, properties)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (src_label, src_name, edge_type, dst_label, dst_name) DO UPDATE SET properties = excluded.properties
	`, src.Label, src.Name, edgeType, dst.Label, dst.Name, string(propJSON))
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "graph", Cause: err}
	}
	return nil
}

type edgeRow struct {
	srcLabel, srcName, edgeType, dstLabel, dstName string
}

// queryEdgesLocked assumes the caller already holds s.mu.RLock(),
// avoiding nested-lock deadlocks from Neighbors' BFS re-querying per
// visited node.
func (s *Store) queryEdgesLocked(ctx context.Context, label, name string, direction brain.EdgeDirection, edgeTypes []string) ([]edgeRow, error) {
	var query string
	args := []interface{}{label, name}
	switch direction {
	case brain.DirectionIn:
		query = `SELECT src_label, src_name, edge_type, dst_label, dst_name FROM edges WHERE dst_label = ? AND dst_name = ?`
	case brain.DirectionBoth:
		query = `SELECT src_label, src_name, edge_type, dst_label, dst_name FROM edges WHERE (src_label = ? AND src_name = ?) OR (dst_label = ? AND dst_name = ?)`
		args = []interface{}{label, name, label, name}
	default:
		query = `SELECT src_label, src_name, edge_type, dst_label, dst_name FROM edges WHERE src_label = ? AND src_name = ?`
	}
	if len(edgeTypes) > 0 {
		placeholders := ""
		for i, t := range edgeTypes {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND edge_type IN (%s)", placeholders)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []edgeRow
	for rows.Next() {
		var r edgeRow
		if err := rows.Scan(&r.srcLabel, &r.srcName, &r.edgeType, &r.dstLabel, &r.dstName); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Neighbors performs a bounded-depth BFS from (label, name), tracking
// visited nodes to support multi-target exploration instead of
// single-target pathfinding.
func (s *Store) Neighbors(ctx context.Context, label, name string, filter *brain.EdgeFilter, depth int) ([]brain.Path, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > s.maxDepth {
		depth = s.maxDepth
	}

	direction := brain.DirectionOut
	var edgeTypes []string
	if filter != nil {
		direction = filter.Direction
		edgeTypes = filter.EdgeTypes
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type frontierItem struct {
		ref  brain.NodeRef
		path brain.Path
	}
	start := brain.NodeRef{Label: label, Name: name}
	visited := map[brain.NodeRef]bool{start: true}
	frontier := []frontierItem{{ref: start, path: brain.Path{Nodes: []brain.NodeRef{start}}}}

	var results []brain.Path
	for d := 0; d < depth; d++ {
		var next []frontierItem
		for _, item := range frontier {
			edges, err := s.queryEdgesLocked(ctx, item.ref.Label, item.ref.Name, direction, edgeTypes)
			if err != nil {
				continue
			}
			for _, e := range edges {
				var other brain.NodeRef
				if direction == brain.DirectionIn ||
					(direction == brain.DirectionBoth && e.dstLabel == item.ref.Label && e.dstName == item.ref.Name) {
					other = brain.NodeRef{Label: e.srcLabel, Name: e.srcName}
				} else {
					other = brain.NodeRef{Label: e.dstLabel, Name: e.dstName}
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				newPath := brain.Path{
					Nodes: append(append([]brain.NodeRef{}, item.path.Nodes...), other),
					Edges: append(append([]string{}, item.path.Edges...), e.edgeType),
				}
				results = append(results, newPath)
				next = append(next, frontierItem{ref: other, path: newPath})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return results, nil
}

// AuthoredDocuments returns documents linked to person via AUTHORED.
func (s *Store) AuthoredDocuments(ctx context.Context, person string) ([]brain.NodeRef, error) {
	paths, err := s.Neighbors(ctx, "Person", person, &brain.EdgeFilter{EdgeTypes: []string{"AUTHORED"}, Direction: brain.DirectionOut}, 1)
	if err != nil {
		return nil, err
	}
	return lastNodes(paths), nil
}

// ExpertiseFor returns entities connected to a topic or person via
// expertise-signaling edges (DISCUSSES, MENTIONED_IN, COLLABORATES_WITH,
// REQUIRES).
func (s *Store) ExpertiseFor(ctx context.Context, topicOrPerson string) ([]brain.NodeRef, error) {
	labels := []string{"Person", "Concept", "TechnicalConcept", "Feature"}
	var out []brain.NodeRef
	for _, label := range labels {
		paths, err := s.Neighbors(ctx, label, topicOrPerson, &brain.EdgeFilter{
			EdgeTypes: []string{"DISCUSSES", "MENTIONED_IN", "COLLABORATES_WITH", "REQUIRES"},
			Direction: brain.DirectionBoth,
		}, 2)
		if err != nil {
			continue
		}
		out = append(out, lastNodes(paths)...)
	}
	return out, nil
}

// DecisionProvenance traces the influences and resulting effects of a
// decision about a topic.
func (s *Store) DecisionProvenance(ctx context.Context, topic string) ([]brain.Path, error) {
	return s.Neighbors(ctx, "Decision", topic, &brain.EdgeFilter{
		EdgeTypes: []string{"DECISION_MADE", "INFLUENCED_BY", "LED_TO", "RESULTED_IN", "AFFECTS"},
		Direction: brain.DirectionBoth,
	}, s.maxDepth)
}

// Collaborations returns a person's collaboration neighborhood.
func (s *Store) Collaborations(ctx context.Context, person string) ([]brain.Path, error) {
	return s.Neighbors(ctx, "Person", person, &brain.EdgeFilter{
		EdgeTypes: []string{"COLLABORATES_WITH"},
		Direction: brain.DirectionBoth,
	}, 2)
}

// CrossReferences returns document-to-document REFERENCES edges across
// the whole graph.
func (s *Store) CrossReferences(ctx context.Context) ([]brain.Path, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT src_label, src_name, edge_type, dst_label, dst_name FROM edges WHERE edge_type = 'REFERENCES'
	`)
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "graph", Cause: err}
	}
	defer rows.Close()

	var out []brain.Path
	for rows.Next() {
		var r edgeRow
		if err := rows.Scan(&r.srcLabel, &r.srcName, &r.edgeType, &r.dstLabel, &r.dstName); err != nil {
			continue
		}
		out = append(out, brain.Path{
			Nodes: []brain.NodeRef{{Label: r.srcLabel, Name: r.srcName}, {Label: r.dstLabel, Name: r.dstName}},
			Edges: []string{r.edgeType},
		})
	}
	return out, nil
}

func lastNodes(paths []brain.Path) []brain.NodeRef {
	out := make([]brain.NodeRef, 0, len(paths))
	for _, p := range paths {
		if len(p.Nodes) > 0 {
			out = append(out, p.Nodes[len(p.Nodes)-1])
		}
	}
	return out
}

// Health reports database connectivity.
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
