package graph

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite as the backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed graph store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// writer contention under the pool.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection so the vector index can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		labels TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		author TEXT,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		strength REAL NOT NULL DEFAULT 1.0,
		embedding BLOB,
		status TEXT NOT NULL DEFAULT 'active',
		decay_flagged_at DATETIME,
		subsumed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS node_labels (
		node_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		PRIMARY KEY (node_id, label),
		FOREIGN KEY (node_id) REFERENCES nodes(id)
	);
	CREATE INDEX IF NOT EXISTS idx_node_labels_label ON node_labels(label);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (source_id) REFERENCES nodes(id),
		FOREIGN KEY (target_id) REFERENCES nodes(id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_pair ON edges(source_id, target_id, type);

	CREATE TABLE IF NOT EXISTS node_accesses (
		session_id TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		accessed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accesses_session ON node_accesses(session_id);
	CREATE INDEX IF NOT EXISTS idx_accesses_time ON node_accesses(accessed_at);

	CREATE TABLE IF NOT EXISTS maintenance_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		summary TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

const nodeColumns = "id, labels, title, content, author, created_at, last_accessed_at, strength, embedding, status, decay_flagged_at, subsumed"

// AddNode inserts a new node and returns its assigned monotonic ID.
func (s *SQLiteStore) AddNode(ctx context.Context, node *Node) (int64, error) {
	if err := ValidateLabels(node.Labels); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertNodeTx(ctx, tx, node)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit node: %w", err)
	}
	node.ID = id
	return id, nil
}

func insertNodeTx(ctx context.Context, tx *sql.Tx, node *Node) (int64, error) {
	labelsJSON, err := json.Marshal(node.Labels)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal labels: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (labels, title, content, author, created_at, last_accessed_at, strength, embedding, status, decay_flagged_at, subsumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(labelsJSON), node.Title, node.Content, node.Author,
		node.CreatedAt, node.LastAccessedAt, node.Strength,
		encodeEmbedding(node.Embedding), string(node.Status),
		node.DecayFlaggedAt, boolToInt(node.Subsumed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read node id: %w", err)
	}

	for _, l := range node.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_labels (node_id, label) VALUES (?, ?)`, id, string(l)); err != nil {
			return 0, fmt.Errorf("failed to index label: %w", err)
		}
	}
	return id, nil
}

// UpdateNode rewrites the mutable fields of an existing node.
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *Node) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET strength = ?, status = ?, embedding = ?, last_accessed_at = ?, decay_flagged_at = ?, subsumed = ?
		WHERE id = ?`,
		node.Strength, string(node.Status), encodeEmbedding(node.Embedding),
		node.LastAccessedAt, node.DecayFlaggedAt, boolToInt(node.Subsumed), node.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, node.ID)
	}
	return nil
}

// GetNode retrieves a node by ID. Archived nodes surface as ErrNotFound
// unless includeArchived is set.
func (s *SQLiteStore) GetNode(ctx context.Context, id int64, includeArchived bool) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if node.Status == StatusArchived && !includeArchived {
		return nil, fmt.Errorf("%w: id %d is archived", ErrNotFound, id)
	}
	return node, nil
}

// AddEdge inserts an edge after verifying both endpoints exist.
func (s *SQLiteStore) AddEdge(ctx context.Context, edge *Edge) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEdgeTx(ctx, tx, edge); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEdgeTx(ctx context.Context, tx *sql.Tx, edge *Edge) error {
	for _, id := range []int64{edge.SourceID, edge.TargetID} {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: id %d", ErrDanglingReference, id)
		}
		if err != nil {
			return fmt.Errorf("failed to check endpoint: %w", err)
		}
	}

	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO edges (id, source_id, target_id, type, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		edge.ID, edge.SourceID, edge.TargetID, string(edge.Type), edge.Weight, edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

// EdgeExistsBetween reports whether any edge of the given type connects a and b.
func (s *SQLiteStore) EdgeExistsBetween(ctx context.Context, a, b int64, t EdgeType) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE type = ? AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))`,
		string(t), a, b, b, a).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check edge existence: %w", err)
	}
	return count > 0, nil
}

// EdgesTouching returns all edges incident to a node, optionally filtered by type.
func (s *SQLiteStore) EdgesTouching(ctx context.Context, id int64, types []EdgeType) ([]*Edge, error) {
	query := `SELECT id, source_id, target_id, type, weight, created_at FROM edges WHERE (source_id = ? OR target_id = ?)`
	args := []interface{}{id, id}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		var t string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &t, &e.Weight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = EdgeType(t)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// Neighbors performs BFS from id up to maxHops, recording the edge path that
// first reached each node. Traversal is direction-agnostic.
func (s *SQLiteStore) Neighbors(ctx context.Context, id int64, types []EdgeType, maxHops int) ([]*Reachable, error) {
	if maxHops < 1 {
		return nil, fmt.Errorf("%w: maxHops must be at least 1", ErrValidation)
	}
	if _, err := s.GetNode(ctx, id, true); err != nil {
		return nil, err
	}

	type frontierItem struct {
		id   int64
		path []PathStep
	}
	visited := map[int64]bool{id: true}
	frontier := []frontierItem{{id: id}}
	var reached []*Reachable

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []frontierItem
		for _, item := range frontier {
			edges, err := s.EdgesTouching(ctx, item.id, types)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				neighborID := e.TargetID
				forward := true
				if neighborID == item.id {
					neighborID = e.SourceID
					forward = false
				}
				if visited[neighborID] {
					continue
				}
				visited[neighborID] = true

				path := make([]PathStep, len(item.path), len(item.path)+1)
				copy(path, item.path)
				path = append(path, PathStep{Edge: e, Forward: forward})

				node, err := s.GetNode(ctx, neighborID, true)
				if err != nil {
					return nil, err
				}
				reached = append(reached, &Reachable{Node: node, Path: path, Hops: hop})
				next = append(next, frontierItem{id: neighborID, path: path})
			}
		}
		frontier = next
	}
	return reached, nil
}

// NodesByLabel returns nodes carrying the label via the label index.
func (s *SQLiteStore) NodesByLabel(ctx context.Context, l Label, status Status) ([]*Node, error) {
	query := `
		SELECT ` + prefixed("n", nodeColumns) + `
		FROM nodes n
		JOIN node_labels nl ON nl.node_id = n.id
		WHERE nl.label = ?`
	args := []interface{}{string(l)}
	if status != "" {
		query += ` AND n.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY n.id`
	return s.queryNodes(ctx, query, args...)
}

// AllNodes returns every node with the given status ("" for all).
func (s *SQLiteStore) AllNodes(ctx context.Context, status Status) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`
	return s.queryNodes(ctx, query, args...)
}

// TouchAccess records an access event for each node. Strength is raised
// toward 1.0 and any decay-candidate flag is cleared.
func (s *SQLiteStore) TouchAccess(ctx context.Context, ids []int64, boost float64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, time.Now(), boost)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE nodes
		SET last_accessed_at = ?,
		    strength = MIN(1.0, strength + (1.0 - strength) * ?),
		    decay_flagged_at = NULL
		WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

// RecordAccess appends session co-access bookkeeping rows.
func (s *SQLiteStore) RecordAccess(ctx context.Context, sessionID string, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO node_accesses (session_id, node_id, accessed_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare access insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, sessionID, id, at); err != nil {
			return fmt.Errorf("failed to insert access row: %w", err)
		}
	}
	return tx.Commit()
}

// CoAccessCounts returns distinct-session co-occurrence counts per node pair.
func (s *SQLiteStore) CoAccessCounts(ctx context.Context, since time.Time) (map[[2]int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.node_id, b.node_id, COUNT(DISTINCT a.session_id)
		FROM node_accesses a
		JOIN node_accesses b ON a.session_id = b.session_id AND a.node_id < b.node_id
		WHERE a.accessed_at >= ?
		GROUP BY a.node_id, b.node_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query co-access counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[[2]int64]int)
	for rows.Next() {
		var a, b int64
		var n int
		if err := rows.Scan(&a, &b, &n); err != nil {
			return nil, fmt.Errorf("failed to scan co-access row: %w", err)
		}
		counts[[2]int64{a, b}] = n
	}
	return counts, rows.Err()
}

// TouchedSince returns IDs of active nodes created or accessed since t.
func (s *SQLiteStore) TouchedSince(ctx context.Context, t time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE status = 'active' AND (created_at >= ? OR last_accessed_at >= ?)
		ORDER BY id`, t, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query touched nodes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NodeCount returns the node total, optionally by status.
func (s *SQLiteStore) NodeCount(ctx context.Context, status Status) (int64, error) {
	query := `SELECT COUNT(*) FROM nodes`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// EdgeCount returns the total number of edges.
func (s *SQLiteStore) EdgeCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

// AppendMaintenanceLog appends one entry to the append-only log.
func (s *SQLiteStore) AppendMaintenanceLog(ctx context.Context, op string, startedAt time.Time, summaryJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maintenance_log (operation, started_at, summary) VALUES (?, ?, ?)`,
		op, startedAt, summaryJSON)
	if err != nil {
		return fmt.Errorf("failed to append maintenance log: %w", err)
	}
	return nil
}

// MaintenanceLog returns the most recent entries, newest first.
func (s *SQLiteStore) MaintenanceLog(ctx context.Context, limit int) ([]*MaintenanceEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, started_at, summary FROM maintenance_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance log: %w", err)
	}
	defer rows.Close()

	var entries []*MaintenanceEntry
	for rows.Next() {
		var e MaintenanceEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.StartedAt, &e.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan maintenance entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetState reads a per-identity state record. Missing keys return "".
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes a per-identity state record.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO engine_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(r rowScanner) (*Node, error) {
	var node Node
	var labelsJSON string
	var status string
	var embeddingBytes []byte
	var flagged sql.NullTime
	var subsumed int

	err := r.Scan(
		&node.ID, &labelsJSON, &node.Title, &node.Content, &node.Author,
		&node.CreatedAt, &node.LastAccessedAt, &node.Strength,
		&embeddingBytes, &status, &flagged, &subsumed,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(labelsJSON), &node.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	node.Status = Status(status)
	node.Embedding = decodeEmbedding(embeddingBytes)
	if flagged.Valid {
		t := flagged.Time
		node.DecayFlaggedAt = &t
	}
	node.Subsumed = subsumed != 0
	return &node, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

// encodeEmbedding converts a float32 slice to a little-endian BLOB.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	blob := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// decodeEmbedding converts a BLOB back to a float32 slice.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
