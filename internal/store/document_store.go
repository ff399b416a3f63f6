// Package store provides SQLite-backed persistence for livingmemory.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface;
// the dense index lives in a sibling database managed by VectorStore.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
)

// documentSchema defines the document table, its FTS5 mirror and the sync
// triggers that keep the two aligned on every insert/update/delete.
const documentSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at REAL NOT NULL,
    updated_at REAL NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts
    USING fts5(content, doc_id UNINDEXED, tokenize='unicode61');

CREATE TRIGGER IF NOT EXISTS documents_ai
AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(doc_id, content) VALUES (new.id, new.text);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad
AFTER DELETE ON documents BEGIN
    DELETE FROM documents_fts WHERE doc_id = old.id;
END;

CREATE TRIGGER IF NOT EXISTS documents_au
AFTER UPDATE ON documents BEGIN
    DELETE FROM documents_fts WHERE doc_id = old.id;
    INSERT INTO documents_fts(doc_id, content) VALUES (new.id, new.text);
END;

CREATE TABLE IF NOT EXISTS store_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// FTSHit is a raw full-text match before document hydration.
type FTSHit struct {
	ID    int64
	Score float64
}

// DocumentStore is the relational side of the memory store: the documents
// table, the FTS5 mirror and the generation stamp.
type DocumentStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenDocumentStore opens (or creates) the document database at path.
// Use ":memory:" for an in-memory store.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// The connection is shared by the event-loop-style callers; a single
	// underlying conn keeps transactions well-defined.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(documentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create schema: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

// Close closes the database connection.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginTx starts a transaction on the document database. The memory manager
// drives multi-step mutations through this.
func (s *DocumentStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// InsertTx inserts a document row inside tx and returns its auto-assigned id.
func (s *DocumentStore) InsertTx(ctx context.Context, tx *sql.Tx, text string, meta Metadata, now float64) (int64, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: marshal metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (text, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, text, string(raw), now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: last insert id: %w", err)
	}
	return id, nil
}

// UpdateTx rewrites text and/or metadata of a row inside tx. At least one of
// text/meta must be non-nil.
func (s *DocumentStore) UpdateTx(ctx context.Context, tx *sql.Tx, id int64, text *string, meta *Metadata, now float64) error {
	if text == nil && meta == nil {
		return fmt.Errorf("store: update requires text or metadata")
	}
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *text)
	}
	if meta != nil {
		raw, err := json.Marshal(*meta)
		if err != nil {
			return fmt.Errorf("store: marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(raw))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	res, err := tx.ExecContext(ctx,
		"UPDATE documents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("store: update document %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTx removes the given ids inside tx and returns how many rows went.
func (s *DocumentStore) DeleteTx(ctx context.Context, tx *sql.Tx, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM documents WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("store: delete documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetByIDs fetches the given rows. Missing ids are silently absent from the
// result; order follows the input ids.
func (s *DocumentStore) GetByIDs(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, metadata, created_at, updated_at
		FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetPaginated returns rows in stable id order.
func (s *DocumentStore) GetPaginated(ctx context.Context, limit, offset int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, metadata, created_at, updated_at
		FROM documents ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: paginate: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the total number of documents.
func (s *DocumentStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// CountByStatus tallies documents per lifecycle status. Rows whose metadata
// carries no status count as active.
func (s *DocumentStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(json_extract(metadata, '$.status'), ''), 'active'), COUNT(*)
		FROM documents GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// AllIDs returns every document id in ascending order.
func (s *DocumentStore) AllIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("store: all ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMetadataBatch rewrites metadata for many rows in one transaction with
// a single prepared statement rather than N+1 round trips.
func (s *DocumentStore) UpdateMetadataBatch(ctx context.Context, updates []MetaUpdate, now float64) error {
	if len(updates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin metadata batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"UPDATE documents SET metadata = ?, updated_at = ? WHERE id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare metadata batch: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		raw, err := json.Marshal(u.Metadata)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store: marshal metadata for %d: %w", u.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, string(raw), now, u.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: update metadata for %d: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit metadata batch: %w", err)
	}
	return nil
}

// SearchFTS runs a BM25-ranked match over the mirror table. The query must
// already be escaped for the FTS5 query language. Scores are returned as
// positive values where higher is better.
func (s *DocumentStore) SearchFTS(ctx context.Context, match string, limit int) ([]FTSHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, bm25(documents_fts) AS score
		FROM documents_fts
		WHERE documents_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, err
		}
		// bm25() reports smaller-is-better; flip so downstream fusion sees
		// higher-is-better.
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RebuildFTS drops and refills the mirror from the documents table.
func (s *DocumentStore) RebuildFTS(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin fts rebuild: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents_fts"); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO documents_fts(doc_id, content) SELECT id, text FROM documents"); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: refill fts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit fts rebuild: %w", err)
	}
	return nil
}

// Generation reads the generation stamp, or "" when unset.
func (s *DocumentStore) Generation(ctx context.Context) (string, error) {
	return readMeta(ctx, s.db, "generation")
}

// SetGeneration writes the generation stamp.
func (s *DocumentStore) SetGeneration(ctx context.Context, gen string) error {
	return writeMeta(ctx, s.db, "generation", gen)
}

// rowScanner matches both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (Record, error) {
	var rec Record
	var metaRaw string
	if err := r.Scan(&rec.ID, &rec.Content, &metaRaw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("store: scan record: %w", err)
	}
	rec.Metadata = ParseMetadata(metaRaw)
	return rec, nil
}

func readMeta(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx,
		"SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read meta %q: %w", key, err)
	}
	return value, nil
}

func writeMeta(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: write meta %q: %w", key, err)
	}
	return nil
}
