// Package analytical implements brain.AnalyticalStore over SQLite:
// document metadata, registered tables, the escape-hatch SQL query,
// and the file-state table backing directory-change detection, with
// idempotent CREATE TABLE IF NOT EXISTS migrations on startup and an
// fsnotify directory watcher with per-path debounce.
package analytical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bruised-ego-labs/nancy/internal/brain"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
)

// Store is the SQLite-backed AnalyticalStore adapter.
type Store struct {
	path    string
	timeout time.Duration

	mu     sync.RWMutex
	db     *sql.DB
	opened bool

	watcher     *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	watching    bool
}

var _ brain.AnalyticalStore = (*Store)(nil)

// New constructs an analytical Store. sqlQueryTimeout bounds QuerySQL
// and QueryDocuments.
func New(path string, sqlQueryTimeout time.Duration) *Store {
	return &Store{
		path:        path,
		timeout:     sqlQueryTimeout,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
	}
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			size INTEGER NOT NULL,
			file_type TEXT NOT NULL,
			ingested_at TIMESTAMP NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS file_state (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			last_modified TIMESTAMP NOT NULL,
			size INTEGER NOT NULL,
			processing_status TEXT NOT NULL,
			doc_id TEXT,
			error_message TEXT,
			root TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS spreadsheet_registry (
			doc_id TEXT NOT NULL,
			sheet_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			column_count INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (doc_id, sheet_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
		}
	}
	s.db = db
	s.opened = true
	return nil
}

// UpsertDocumentMetadata is idempotent; a duplicate primary key is a
// no-op.
func (s *Store) UpsertDocumentMetadata(ctx context.Context, docID, filename string, size int64, fileType string, metadata map[string]string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	metaJSON, _ := json.Marshal(metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, filename, size, file_type, ingested_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id) DO NOTHING
	`, docID, filename, size, fileType, time.Now().UTC(), string(metaJSON))
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	return nil
}

var identifierRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// normalizeIdentifier converts a free-form column name into an
// identifier-safe form for RegisterTable.
func normalizeIdentifier(name string) string {
	n := identifierRe.ReplaceAllString(strings.TrimSpace(name), "_")
	n = strings.Trim(n, "_")
	if n == "" {
		n = "col"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "c_" + n
	}
	return strings.ToLower(n)
}

// RegisterTable normalizes column names and stores a named tabular
// fragment (e.g. one spreadsheet sheet) plus its row data.
func (s *Store) RegisterTable(ctx context.Context, docID, tableName string, schema brain.TableSchema, rows []map[string]interface{}) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	normalizedTable := normalizeIdentifier(tableName)
	normalizedCols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		normalizedCols[i] = normalizeIdentifier(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	quoted := make([]string, len(normalizedCols))
	for i, c := range normalizedCols {
		quoted[i] = fmt.Sprintf("%q TEXT", c)
	}
	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tbl_%s_%s (%s)`, sanitizeForTableName(docID), normalizedTable, strings.Join(quoted, ", "))
	if _, err := s.db.ExecContext(ctx, createStmt); err != nil {
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}

	if len(rows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(normalizedCols)), ", ")
		colNames := make([]string, len(normalizedCols))
		for i, c := range normalizedCols {
			colNames[i] = fmt.Sprintf("%q", c)
		}
		insertStmt := fmt.Sprintf(`INSERT INTO tbl_%s_%s (%s) VALUES (%s)`, sanitizeForTableName(docID), normalizedTable, strings.Join(colNames, ", "), placeholders)
		stmt, err := s.db.PrepareContext(ctx, insertStmt)
		if err != nil {
			return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
		}
		defer stmt.Close()
		for _, row := range rows {
			args := make([]interface{}, len(normalizedCols))
			for i, c := range schema.Columns {
				args[i] = fmt.Sprintf("%v", row[c])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
			}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spreadsheet_registry (doc_id, sheet_name, table_name, row_count, column_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id, sheet_name) DO UPDATE SET
			table_name = excluded.table_name, row_count = excluded.row_count,
			column_count = excluded.column_count
	`, docID, tableName, normalizedTable, len(rows), len(normalizedCols), time.Now().UTC())
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	return nil
}

func sanitizeForTableName(s string) string {
	n := identifierRe.ReplaceAllString(s, "_")
	if len(n) > 32 {
		n = n[:32]
	}
	return n
}

// QueryDocuments supports date ranges, file-type sets, size bounds,
// and filename substring.
func (s *Store) QueryDocuments(ctx context.Context, filter brain.DocumentFilter) ([]brain.DocumentRecord, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var clauses []string
	var args []interface{}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "ingested_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "ingested_at <= ?")
		args = append(args, filter.CreatedBefore.UTC())
	}
	if len(filter.FileTypes) > 0 {
		placeholders := make([]string, len(filter.FileTypes))
		for i, ft := range filter.FileTypes {
			placeholders[i] = "?"
			args = append(args, ft)
		}
		clauses = append(clauses, "file_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.MinSize != nil {
		clauses = append(clauses, "size >= ?")
		args = append(args, *filter.MinSize)
	}
	if filter.MaxSize != nil {
		clauses = append(clauses, "size <= ?")
		args = append(args, *filter.MaxSize)
	}
	if filter.FilenameContains != "" {
		clauses = append(clauses, "filename LIKE ?")
		args = append(args, "%"+filter.FilenameContains+"%")
	}

	query := "SELECT doc_id, filename, size, file_type, ingested_at, metadata_json FROM documents"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ingested_at DESC"

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	defer rows.Close()

	var out []brain.DocumentRecord
	for rows.Next() {
		var rec brain.DocumentRecord
		var metaJSON string
		if err := rows.Scan(&rec.DocID, &rec.Filename, &rec.Size, &rec.FileType, &rec.IngestedAt, &metaJSON); err != nil {
			continue
		}
		rec.Metadata = map[string]string{}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, nil
}

// QuerySQL is the escape hatch for ad-hoc analytics; restricted to
// internal callers per DESIGN.md's Open Question decision — there is
// no end-user-facing entry point that reaches this method.
func (s *Store) QuerySQL(ctx context.Context, query string, args ...interface{}) ([]brain.SQLRow, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}

	var out []brain.SQLRow
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		row := brain.SQLRow{}
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// UpsertFileState backs directory-change detection. changed is true
// iff content_hash differs from the stored value OR the prior
// processing_status was not completed.
func (s *Store) UpsertFileState(ctx context.Context, path, contentHash string, mtime time.Time, size int64, root, rel string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var priorHash, priorStatus string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash, processing_status FROM file_state WHERE path = ?`, path).Scan(&priorHash, &priorStatus)
	changed := true
	now := time.Now().UTC()
	switch err {
	case nil:
		changed = priorHash != contentHash || brain.FileProcessingStatus(priorStatus) != brain.FileStatusCompleted
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE file_state SET content_hash = ?, last_modified = ?, size = ?, root = ?, relative_path = ?, updated_at = ?
			WHERE path = ?
		`, contentHash, mtime.UTC(), size, root, rel, now, path)
		if execErr != nil {
			return false, &nerr.BackendUnavailable{Brain: "analytical", Cause: execErr}
		}
	case sql.ErrNoRows:
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO file_state (path, content_hash, last_modified, size, processing_status, root, relative_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, path, contentHash, mtime.UTC(), size, string(brain.FileStatusPending), root, rel, now, now)
		if execErr != nil {
			return false, &nerr.BackendUnavailable{Brain: "analytical", Cause: execErr}
		}
	default:
		return false, &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	return changed, nil
}

// MarkFileProcessed records the outcome of processing a watched file.
func (s *Store) MarkFileProcessed(ctx context.Context, path, docID string, status brain.FileProcessingStatus, errMsg string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_state SET processing_status = ?, doc_id = ?, error_message = ?, updated_at = ? WHERE path = ?
	`, string(status), docID, errMsg, time.Now().UTC(), path)
	if err != nil {
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	return nil
}

// WatchDirectory starts an fsnotify watch over root, debouncing rapid
// successive events per path. onChange is invoked (outside any lock)
// for each debounced write/create event.
func (s *Store) WatchDirectory(ctx context.Context, root string, onChange func(path string)) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	if err := w.Add(root); err != nil {
		s.mu.Unlock()
		return &nerr.BackendUnavailable{Brain: "analytical", Cause: err}
	}
	s.watcher = w
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.watching = true
	s.mu.Unlock()

	go s.runWatch(ctx, root, onChange)
	return nil
}

func (s *Store) runWatch(ctx context.Context, root string, onChange func(path string)) {
	defer close(s.doneCh)
	log := nlog.For("brain.analytical")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.mu.Lock()
			last, seen := s.debounceMap[event.Name]
			now := time.Now()
			if seen && now.Sub(last) < s.debounceDur {
				s.debounceMap[event.Name] = now
				s.mu.Unlock()
				continue
			}
			s.debounceMap[event.Name] = now
			s.mu.Unlock()
			if onChange != nil {
				onChange(filepath.Clean(event.Name))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("directory watch error", "err", err)
		}
	}
}

// StopWatch stops the directory watcher started by WatchDirectory.
func (s *Store) StopWatch() {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = false
	close(s.stopCh)
	w := s.watcher
	s.mu.Unlock()
	<-s.doneCh
	_ = w.Close()
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
