package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	// Registers the sqlite-vec build of SQLite for the ncruces driver.
	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

// VectorHit is one dense-index match.
type VectorHit struct {
	ID         int64
	Distance   float64
	Similarity float64
}

// VectorStore is the dense ANN index: a vec0 virtual table living in its own
// SQLite database file so the pair (documents DB, index DB) can be opened,
// backed up and generation-checked together.
type VectorStore struct {
	mu  sync.Mutex
	db  *sql.DB
	dim int
}

const vectorMetaSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// OpenVectorStore opens (or creates) the index database at path with the
// given embedding dimension. Pass dim 0 to require an existing index and
// reuse its stored dimension. A corrupted file or a dimension mismatch is
// reported as an error, never papered over by reinitializing.
func OpenVectorStore(path string, dim int) (*VectorStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check reported %q", check)
		}
		return nil, fmt.Errorf("store: index snapshot is corrupted: %w", err)
	}

	if _, err := db.Exec(vectorMetaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create index meta: %w", err)
	}

	stored, err := readMeta(context.Background(), db, "dimension")
	if err != nil {
		db.Close()
		return nil, err
	}
	switch {
	case stored == "" && dim > 0:
		if _, err := db.Exec(fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(doc_id INTEGER PRIMARY KEY, embedding FLOAT[%d])", dim)); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to create vec table: %w", err)
		}
		if err := writeMeta(context.Background(), db, "dimension", strconv.Itoa(dim)); err != nil {
			db.Close()
			return nil, err
		}
	case stored == "":
		db.Close()
		return nil, fmt.Errorf("store: index at %s has no dimension and none was given", path)
	default:
		storedDim, err := strconv.Atoi(stored)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: bad stored dimension %q: %w", stored, err)
		}
		if dim > 0 && dim != storedDim {
			db.Close()
			return nil, fmt.Errorf("store: index dimension %d does not match embedder dimension %d", storedDim, dim)
		}
		dim = storedDim
	}

	return &VectorStore{db: db, dim: dim}, nil
}

// Close closes the index database.
func (v *VectorStore) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db != nil {
		return v.db.Close()
	}
	return nil
}

// Dimension returns the embedding dimension the index was created with.
func (v *VectorStore) Dimension() int {
	return v.dim
}

// Add stores a vector under id. Re-adding an id replaces its vector.
func (v *VectorStore) Add(ctx context.Context, id int64, vector []float32) error {
	if len(vector) != v.dim {
		return fmt.Errorf("store: vector has dimension %d, index expects %d", len(vector), v.dim)
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("store: encode vector: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.db.ExecContext(ctx,
		"DELETE FROM vec_memories WHERE doc_id = ?", id); err != nil {
		return fmt.Errorf("store: replace vector %d: %w", id, err)
	}
	if _, err := v.db.ExecContext(ctx,
		"INSERT INTO vec_memories(doc_id, embedding) VALUES (?, ?)", id, string(encoded)); err != nil {
		return fmt.Errorf("store: add vector %d: %w", id, err)
	}
	return nil
}

// Remove deletes the given ids from the index. Missing ids are silent.
func (v *VectorStore) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	stmt, err := v.db.PrepareContext(ctx, "DELETE FROM vec_memories WHERE doc_id = ?")
	if err != nil {
		return fmt.Errorf("store: prepare vector remove: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("store: remove vector %d: %w", id, err)
		}
	}
	return nil
}

// Search returns up to k nearest neighbors ordered by ascending distance.
// Similarity is 1/(1+distance) so downstream scoring sees higher-is-better.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if len(query) != v.dim {
		return nil, fmt.Errorf("store: query has dimension %d, index expects %d", len(query), v.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("store: encode query vector: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.QueryContext(ctx, `
		SELECT doc_id, distance
		FROM vec_memories
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, string(encoded), k)
	if err != nil {
		return nil, fmt.Errorf("store: vector search: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, err
		}
		h.Similarity = 1.0 / (1.0 + h.Distance)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of vectors in the index.
func (v *VectorStore) Count(ctx context.Context) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int64
	if err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: vector count: %w", err)
	}
	return n, nil
}

// Save forces a durability point for the index file. With the index in its
// own SQLite database the snapshot dance reduces to a WAL checkpoint; the
// write is atomic at the SQLite layer.
func (v *VectorStore) Save(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("store: checkpoint index: %w", err)
	}
	return nil
}

// Generation reads the generation stamp, or "" when unset.
func (v *VectorStore) Generation(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return readMeta(ctx, v.db, "generation")
}

// SetGeneration writes the generation stamp.
func (v *VectorStore) SetGeneration(ctx context.Context, gen string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return writeMeta(ctx, v.db, "generation", gen)
}
