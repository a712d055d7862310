package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/vthunder/delibd/internal/dlog"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite connection backing the decision graph (C1).
// Adapted from the teacher's graph.DB: same WAL/busy-timeout pragma
// string, same "create directory on first open" ergonomics, same
// always-on foreign keys, same migrate-on-open shape (idempotent CREATE
// ... IF NOT EXISTS statements, no schema versioning). The
// optional decision_vec ANN index mirrors the teacher's trace_vec
// table (internal/graph/db.go, internal/graph/activation.go).
type DB struct {
	db   *sql.DB
	path string

	mu sync.Mutex // serializes writes; single-writer per spec §5

	vecAvailable bool
	vecDim       int
}

// Open creates the containing directory if absent, opens the SQLite
// file with WAL journaling and a 5s busy timeout, enables foreign keys,
// and runs migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB, path: dbPath}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var vecVersion string
	if err := sqlDB.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		dlog.Info("graph", "sqlite-vec not available: %v — embedding similarity falls back to full scan", err)
	} else {
		dlog.Info("graph", "sqlite-vec %s loaded", vecVersion)
		d.vecAvailable = true
	}

	return d, nil
}

// ensureVecTable lazily creates the decision_vec ANN index for the
// given embedding dimension, idempotent per dimension (spec §4.2 notes
// the embedding tier may use an index "when available"; here that's
// sqlite-vec). A dimension change from a different embedding model
// disables the index for the process and returns an error, which
// UpsertVecEmbedding logs and swallows, since the fallback full-scan
// path is always correct.
func (d *DB) ensureVecTable(dim int) error {
	if !d.vecAvailable || dim <= 0 {
		return nil
	}
	if d.vecDim == dim {
		return nil
	}
	if d.vecDim != 0 && d.vecDim != dim {
		d.vecAvailable = false
		return fmt.Errorf("embedding dim %d does not match existing decision_vec dim %d, disabling ANN index", dim, d.vecDim)
	}
	if _, err := d.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS decision_vec USING vec0(
			embedding float[%d],
			+decision_id TEXT
		)`, dim)); err != nil {
		return fmt.Errorf("create decision_vec(float[%d]): %w", dim, err)
	}
	d.vecDim = dim
	return nil
}

// UpsertVecEmbedding indexes a decision's embedding in decision_vec for
// fast approximate similarity search, a no-op when sqlite-vec is
// unavailable (spec §4.2's embedding tier degrades silently when ANN
// acceleration cannot be used).
func (d *DB) UpsertVecEmbedding(decisionID string, embedding []float64) error {
	if !d.vecAvailable || len(embedding) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureVecTable(len(embedding)); err != nil {
		dlog.Warn("graph", "decision_vec unavailable: %v", err)
		return nil
	}

	emb32 := normalizeFloat32ForVec(embedding)
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return nil
	}

	rowid := decisionRowID(decisionID)
	d.db.Exec(`DELETE FROM decision_vec WHERE rowid = ?`, rowid)
	if _, err := d.db.Exec(`INSERT INTO decision_vec(rowid, embedding, decision_id) VALUES (?, ?, ?)`, rowid, serialized, decisionID); err != nil {
		dlog.Warn("graph", "decision_vec insert failed for %s: %v", decisionID, err)
	}
	return nil
}

// FindSimilarByVec runs an approximate nearest-neighbor query against
// decision_vec, returning decision ids ordered by ascending L2
// distance. Returns (nil, false) when the ANN index is unavailable so
// callers fall back to the full-scan similarity backend.
func (d *DB) FindSimilarByVec(queryEmbedding []float64, topK int) ([]string, bool) {
	if !d.vecAvailable || d.vecDim == 0 || len(queryEmbedding) != d.vecDim {
		return nil, false
	}
	emb32 := normalizeFloat32ForVec(queryEmbedding)
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return nil, false
	}

	rows, err := d.db.Query(`
		SELECT decision_id FROM decision_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance ASC`, serialized, topK)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, true
}

// decisionRowID derives a stable int64 rowid from a decision's UUID
// string for use as vec0's integer primary key (vec0 does not support
// TEXT primary keys reliably for KNN queries — the teacher's db.go
// notes the same constraint for trace_vec).
func decisionRowID(decisionID string) int64 {
	var h int64
	for i := 0; i < len(decisionID); i++ {
		h = h*31 + int64(decisionID[i])
	}
	if h < 0 {
		h = -h
	}
	return h
}

// normalizeFloat32ForVec returns a unit-length float32 copy of v, so
// that vec0's L2 distance is monotonic with cosine distance
// (cosine_dist = L2_dist^2 / 2 for unit vectors), mirroring the
// teacher's normalizeFloat32 helper.
func normalizeFloat32ForVec(v []float64) []float32 {
	out := make([]float32, len(v))
	norm := vectorNorm(v)
	if norm == 0 {
		for i, x := range v {
			out[i] = float32(x)
		}
		return out
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_nodes (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			consensus TEXT NOT NULL DEFAULT '',
			winning_option TEXT,
			convergence_status TEXT NOT NULL,
			participants TEXT NOT NULL,
			transcript_path TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_nodes_timestamp ON decision_nodes(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_nodes_question ON decision_nodes(question, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS participant_stances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id TEXT NOT NULL REFERENCES decision_nodes(id),
			participant TEXT NOT NULL,
			vote_option TEXT,
			confidence REAL,
			rationale TEXT,
			final_position TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participant_stances_decision ON participant_stances(decision_id)`,

		`CREATE TABLE IF NOT EXISTS decision_similarities (
			source_id TEXT NOT NULL REFERENCES decision_nodes(id),
			target_id TEXT NOT NULL REFERENCES decision_nodes(id),
			similarity_score REAL NOT NULL,
			computed_at DATETIME NOT NULL,
			PRIMARY KEY (source_id, target_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_similarities_source ON decision_similarities(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_similarities_score ON decision_similarities(similarity_score DESC)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("exec migration %q: %w", s, err)
		}
	}
	return nil
}

// SaveNode inserts a new DecisionNode, assigning an id if empty. Fails
// with *IntegrityError on a future timestamp or duplicate id (spec §3, §7).
func (d *DB) SaveNode(n *DecisionNode) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Timestamp.After(time.Now().Add(24 * time.Hour)) {
		return "", &IntegrityError{Msg: "decision timestamp more than one day in the future"}
	}
	if n.Question == "" {
		return "", &IntegrityError{Msg: "question must be non-empty"}
	}
	if len(n.Participants) == 0 {
		return "", &IntegrityError{Msg: "participants must be non-empty"}
	}

	participantsJSON, err := json.Marshal(n.Participants)
	if err != nil {
		return "", fmt.Errorf("marshal participants: %w", err)
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO decision_nodes (id, question, timestamp, consensus, winning_option, convergence_status, participants, transcript_path, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Question, n.Timestamp, n.Consensus, n.WinningOption, string(n.ConvergenceStatus), string(participantsJSON), n.TranscriptPath, string(metaJSON),
	)
	if err != nil {
		return "", &IntegrityError{Msg: fmt.Sprintf("save node: %v", err)}
	}
	return n.ID, nil
}

// GetNode returns the node with the given id, or nil if absent (never
// an error for a missing id, per spec §4.1).
func (d *DB) GetNode(id string) (*DecisionNode, error) {
	row := d.db.QueryRow(
		`SELECT id, question, timestamp, consensus, winning_option, convergence_status, participants, transcript_path, metadata
		 FROM decision_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListNodes returns nodes ordered newest-first by timestamp.
func (d *DB) ListNodes(limit, offset int) ([]*DecisionNode, error) {
	rows, err := d.db.Query(
		`SELECT id, question, timestamp, consensus, winning_option, convergence_status, participants, transcript_path, metadata
		 FROM decision_nodes ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DecisionNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Count returns the total number of decision nodes, used by the
// adaptive-k policy and capacity warnings.
func (d *DB) Count() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM decision_nodes`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*DecisionNode, error) {
	var n DecisionNode
	var status, participantsJSON, metaJSON string
	var winningOption sql.NullString
	if err := row.Scan(&n.ID, &n.Question, &n.Timestamp, &n.Consensus, &winningOption, &status, &participantsJSON, &n.TranscriptPath, &metaJSON); err != nil {
		return nil, err
	}
	n.ConvergenceStatus = ConvergenceStatus(status)
	if winningOption.Valid {
		v := winningOption.String
		n.WinningOption = &v
	}
	if err := json.Unmarshal([]byte(participantsJSON), &n.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &n, nil
}

// SaveStance inserts a ParticipantStance, truncating FinalPosition to
// 500 chars (spec §3). Fails with *IntegrityError if decision_id does
// not resolve.
func (d *DB) SaveStance(s *ParticipantStance) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(s.FinalPosition) > 500 {
		s.FinalPosition = s.FinalPosition[:500]
	}

	res, err := d.db.Exec(
		`INSERT INTO participant_stances (decision_id, participant, vote_option, confidence, rationale, final_position)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.DecisionID, s.Participant, s.VoteOption, s.Confidence, s.Rationale, s.FinalPosition,
	)
	if err != nil {
		return 0, &IntegrityError{Msg: fmt.Sprintf("save stance: %v", err)}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

// ListStances returns stances for a decision, ordered by participant.
func (d *DB) ListStances(decisionID string) ([]*ParticipantStance, error) {
	rows, err := d.db.Query(
		`SELECT id, decision_id, participant, vote_option, confidence, rationale, final_position
		 FROM participant_stances WHERE decision_id = ? ORDER BY participant`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ParticipantStance
	for rows.Next() {
		var s ParticipantStance
		var voteOption, rationale sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.DecisionID, &s.Participant, &voteOption, &confidence, &rationale, &s.FinalPosition); err != nil {
			return nil, err
		}
		if voteOption.Valid {
			v := voteOption.String
			s.VoteOption = &v
		}
		if confidence.Valid {
			v := confidence.Float64
			s.Confidence = &v
		}
		if rationale.Valid {
			v := rationale.String
			s.Rationale = &v
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SaveSimilarity upserts a DecisionSimilarity edge by (SourceID, TargetID)
// (spec P3). Fails with *IntegrityError if the score is out of [0,1] or
// an endpoint does not resolve.
func (d *DB) SaveSimilarity(e *DecisionSimilarity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.SimilarityScore < 0.0 || e.SimilarityScore > 1.0 {
		return &IntegrityError{Msg: fmt.Sprintf("similarity_score %v out of [0,1]", e.SimilarityScore)}
	}
	if e.ComputedAt.IsZero() {
		e.ComputedAt = time.Now()
	}

	_, err := d.db.Exec(
		`INSERT INTO decision_similarities (source_id, target_id, similarity_score, computed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id) DO UPDATE SET similarity_score = excluded.similarity_score, computed_at = excluded.computed_at`,
		e.SourceID, e.TargetID, e.SimilarityScore, e.ComputedAt,
	)
	if err != nil {
		return &IntegrityError{Msg: fmt.Sprintf("save similarity: %v", err)}
	}
	return nil
}

// ListSimilar returns (node, score) pairs for edges sourced at id whose
// score is at least threshold, ordered by score descending.
func (d *DB) ListSimilar(id string, threshold float64, limit int) ([]ScoredNode, error) {
	rows, err := d.db.Query(
		`SELECT target_id, similarity_score FROM decision_similarities
		 WHERE source_id = ? AND similarity_score >= ? ORDER BY similarity_score DESC LIMIT ?`,
		id, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredNode
	for rows.Next() {
		var targetID string
		var score float64
		if err := rows.Scan(&targetID, &score); err != nil {
			return nil, err
		}
		node, err := d.GetNode(targetID)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue // endpoint no longer resolves; drop silently
		}
		out = append(out, ScoredNode{Node: node, Score: score})
	}
	return out, rows.Err()
}

// Transaction runs fn within a SQL transaction, committing on success
// and rolling back on error or panic.
func (d *DB) Transaction(fn func(tx *sql.Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Stats returns row counts for each table, used by graph_stats() (C6).
func (d *DB) Stats() (map[string]int, error) {
	out := map[string]int{}
	for table, key := range map[string]string{
		"decision_nodes":        "nodes",
		"participant_stances":   "stances",
		"decision_similarities": "edges",
	} {
		var n int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, nil
}

func init() {
	dlog.Debug("graph", "sqlite3 driver registered")
}
