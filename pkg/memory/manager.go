// Package memory unifies the document table, the dense index and the FTS
// mirror behind one transactional façade. The manager is the only component
// allowed to mutate memory records; everyone else holds read-only copies.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/provider"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/retrieval"
)

// ErrNotFound reports an unknown record id. It is returned to the caller,
// not logged as an error.
var ErrNotFound = errors.New("memory not found")

// ErrStorageConflict reports a cross-index inconsistency left behind by a
// failed multi-step mutation. Logged at the highest level with the affected
// ids; the operator recovers with an index rebuild.
var ErrStorageConflict = errors.New("storage conflict between document table and dense index")

// DB filenames inside the data directory. The pair must be opened together.
const (
	DocumentsFile = "livingmemory.db"
	IndexFile     = "livingmemory.index"
)

// UpdateFields names the mutable record fields for Update. Nil pointers
// leave a field untouched.
type UpdateFields struct {
	Content    *string
	Importance *float64
	EventType  *string
	Status     *string
}

// Manager owns all memory record mutations and the consistency between the
// substores.
type Manager struct {
	docs *store.DocumentStore
	vecs *store.VectorStore
	emb  provider.Embedder
	log  *slog.Logger
	now  func() time.Time
}

// Open opens the document/index pair under dataDir and verifies their
// generations match. A fresh pair is stamped with a new shared generation.
func Open(dataDir string, emb provider.Embedder, log *slog.Logger) (*Manager, error) {
	docs, err := store.OpenDocumentStore(filepath.Join(dataDir, DocumentsFile))
	if err != nil {
		return nil, err
	}
	dim := 0
	if emb != nil {
		dim = emb.Dimensions()
	}
	vecs, err := store.OpenVectorStore(filepath.Join(dataDir, IndexFile), dim)
	if err != nil {
		docs.Close()
		return nil, err
	}

	m := &Manager{docs: docs, vecs: vecs, emb: emb, log: log, now: time.Now}
	if err := m.checkGenerations(context.Background()); err != nil {
		docs.Close()
		vecs.Close()
		return nil, err
	}
	return m, nil
}

// NewManager wires a manager from already-open substores. Used by tests and
// by callers managing the store lifecycle themselves.
func NewManager(docs *store.DocumentStore, vecs *store.VectorStore, emb provider.Embedder, log *slog.Logger) *Manager {
	return &Manager{docs: docs, vecs: vecs, emb: emb, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Close closes both substores.
func (m *Manager) Close() error {
	err1 := m.docs.Close()
	err2 := m.vecs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (m *Manager) checkGenerations(ctx context.Context) error {
	docGen, err := m.docs.Generation(ctx)
	if err != nil {
		return err
	}
	vecGen, err := m.vecs.Generation(ctx)
	if err != nil {
		return err
	}
	switch {
	case docGen == "" && vecGen == "":
		gen := uuid.NewString()
		if err := m.docs.SetGeneration(ctx, gen); err != nil {
			return err
		}
		return m.vecs.SetGeneration(ctx, gen)
	case docGen != vecGen:
		return fmt.Errorf("%w: document store generation %q does not match index generation %q (run a rebuild)",
			ErrStorageConflict, docGen, vecGen)
	default:
		return nil
	}
}

// Add persists a new memory: embed, insert the document row inside a
// transaction, add the vector, then commit. The rollbackable store is
// committed only after the dense index accepted the vector, so a vector is
// never left without a document row.
func (m *Manager) Add(ctx context.Context, content string, importance float64, sessionID, personaID string, meta *store.Metadata) (int64, error) {
	if m.emb == nil {
		return 0, fmt.Errorf("memory: no embedder configured")
	}
	vector, err := m.emb.Embed(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("memory: embed content: %w", err)
	}

	now := float64(m.now().UnixNano()) / float64(time.Second)
	var md store.Metadata
	if meta != nil {
		md = *meta
	}
	md.Importance = importance
	if md.SessionID == "" {
		md.SessionID = sessionID
	}
	if md.PersonaID == "" {
		md.PersonaID = personaID
	}
	if md.Status == "" {
		md.Status = store.StatusActive
	}
	if md.MemoryID == "" {
		md.MemoryID = uuid.NewString()
	}
	if md.CreateTime == 0 {
		md.CreateTime = now
	}
	if md.LastAccessTime == 0 {
		md.LastAccessTime = md.CreateTime
	}

	tx, err := m.docs.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: begin add: %w", err)
	}
	id, err := m.docs.InsertTx(ctx, tx, content, md, now)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := m.vecs.Add(ctx, id, vector); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("memory: dense index add for %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		// The vector is in but the row is not; undo the vector so the
		// index never leads the document table.
		if rmErr := m.vecs.Remove(ctx, []int64{id}); rmErr != nil {
			m.log.Error("CRITICAL: dense index holds vector without document row",
				"id", id, "commit_error", err, "remove_error", rmErr)
			return 0, fmt.Errorf("%w: id %d", ErrStorageConflict, id)
		}
		return 0, fmt.Errorf("memory: commit add: %w", err)
	}
	if err := m.vecs.Save(ctx); err != nil {
		// Durability only; retried on the next save.
		m.log.Warn("memory: index save failed, will retry on next mutation", "error", err)
	}
	return id, nil
}

// GetByIDs re-reads records by id.
func (m *Manager) GetByIDs(ctx context.Context, ids []int64) ([]store.Record, error) {
	return m.docs.GetByIDs(ctx, ids)
}

// Get returns one record or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id int64) (store.Record, error) {
	recs, err := m.docs.GetByIDs(ctx, []int64{id})
	if err != nil {
		return store.Record{}, err
	}
	if len(recs) == 0 {
		return store.Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return recs[0], nil
}

// Update applies field changes transactionally and appends an update-history
// entry naming what actually changed. A content change recomputes the
// embedding and swaps the vector under the same id. Returns the changed
// field names; a no-op update returns an empty slice.
func (m *Manager) Update(ctx context.Context, id int64, fields UpdateFields, reason string) ([]string, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var changed []string
	md := rec.Metadata
	var newContent *string

	if fields.Content != nil && *fields.Content != rec.Content {
		newContent = fields.Content
		changed = append(changed, "content")
	}
	if fields.Importance != nil && *fields.Importance != md.Importance {
		md.Importance = *fields.Importance
		changed = append(changed, "importance")
	}
	if fields.EventType != nil && *fields.EventType != md.EventType {
		md.EventType = *fields.EventType
		changed = append(changed, "event_type")
	}
	if fields.Status != nil && *fields.Status != md.Status {
		md.Status = *fields.Status
		changed = append(changed, "status")
	}
	if len(changed) == 0 {
		return nil, nil
	}

	now := float64(m.now().UnixNano()) / float64(time.Second)
	if reason == "" {
		reason = "manual update"
	}
	md.UpdateHistory = append(md.UpdateHistory, store.UpdateRecord{
		Timestamp:     now,
		Reason:        reason,
		ChangedFields: append([]string(nil), changed...),
	})
	md.LastUpdatedTime = now

	var vector []float32
	if newContent != nil {
		if m.emb == nil {
			return nil, fmt.Errorf("memory: no embedder configured for content update")
		}
		vector, err = m.emb.Embed(ctx, *newContent)
		if err != nil {
			return nil, fmt.Errorf("memory: embed updated content: %w", err)
		}
	}

	tx, err := m.docs.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: begin update: %w", err)
	}
	if err := m.docs.UpdateTx(ctx, tx, id, newContent, &md, now); err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, err
	}
	if vector != nil {
		if err := m.vecs.Add(ctx, id, vector); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("memory: dense index swap for %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if vector != nil {
			m.log.Error("CRITICAL: dense index updated but document commit failed",
				"id", id, "error", err)
			return nil, fmt.Errorf("%w: id %d", ErrStorageConflict, id)
		}
		return nil, fmt.Errorf("memory: commit update: %w", err)
	}
	if vector != nil {
		if err := m.vecs.Save(ctx); err != nil {
			m.log.Warn("memory: index save failed, will retry on next mutation", "error", err)
		}
	}
	return changed, nil
}

// Delete removes records across both substores. The SQL delete runs first
// inside the transaction (reversible), then the dense removal; a failed
// dense removal rolls back the SQL side, and a failed commit after a
// successful dense removal is reported as a storage conflict.
func (m *Manager) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := m.docs.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("memory: begin delete: %w", err)
	}
	if _, err := m.docs.DeleteTx(ctx, tx, ids); err != nil {
		tx.Rollback()
		return err
	}
	if err := m.vecs.Remove(ctx, ids); err != nil {
		tx.Rollback()
		return fmt.Errorf("memory: dense index remove failed, database rolled back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		m.log.Error("CRITICAL: dense index and document table diverged on delete; run a rebuild",
			"ids", ids, "error", err)
		return fmt.Errorf("%w: ids %v", ErrStorageConflict, ids)
	}
	if err := m.vecs.Save(ctx); err != nil {
		m.log.Warn("memory: index save failed, will retry on next mutation", "error", err)
	}
	return nil
}

// Search embeds the query, runs the dense search with 2k headroom for
// re-ranking, applies metadata filters, and batch-updates last_access_time
// for everything returned. Results carry raw dense similarity.
func (m *Manager) Search(ctx context.Context, query string, k int, filters retrieval.Filters) ([]store.Record, error) {
	if m.emb == nil {
		return nil, fmt.Errorf("memory: no embedder configured")
	}
	if k <= 0 {
		return nil, nil
	}
	vector, err := m.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	hits, err := m.vecs.Search(ctx, vector, 2*k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	sims := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		sims[h.ID] = h.Similarity
	}
	records, err := m.docs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]store.Record, 0, k)
	for _, rec := range records {
		if !filters.Match(rec.Metadata) {
			continue
		}
		rec.Similarity = sims[rec.ID]
		results = append(results, rec)
		if len(results) == k {
			break
		}
	}

	if len(results) > 0 {
		accessed := make([]int64, len(results))
		for i, rec := range results {
			accessed[i] = rec.ID
		}
		if err := m.TouchAccessTimes(ctx, accessed); err != nil {
			m.log.Warn("memory: access-time update failed", "error", err)
		}
	}
	return results, nil
}

// TouchAccessTimes sets last_access_time to now for the given ids with one
// batched statement. The writes are commutative, so overlapping touches from
// concurrent searches are harmless.
func (m *Manager) TouchAccessTimes(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	records, err := m.docs.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	now := float64(m.now().UnixNano()) / float64(time.Second)
	updates := make([]store.MetaUpdate, 0, len(records))
	for _, rec := range records {
		md := rec.Metadata
		md.LastAccessTime = now
		updates = append(updates, store.MetaUpdate{ID: rec.ID, Metadata: md})
	}
	return m.docs.UpdateMetadataBatch(ctx, updates, now)
}

// UpdateMetadataBatch rewrites metadata for many records at once. Used by
// the forgetting agent's decay pass.
func (m *Manager) UpdateMetadataBatch(ctx context.Context, updates []store.MetaUpdate) error {
	now := float64(m.now().UnixNano()) / float64(time.Second)
	return m.docs.UpdateMetadataBatch(ctx, updates, now)
}

// Paginate returns records in stable id order.
func (m *Manager) Paginate(ctx context.Context, pageSize, offset int) ([]store.Record, error) {
	return m.docs.GetPaginated(ctx, pageSize, offset)
}

// Count returns the total number of records.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.docs.Count(ctx)
}

// CountByStatus tallies records per lifecycle status.
func (m *Manager) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return m.docs.CountByStatus(ctx)
}

// WipeAll deletes every record and returns how many went.
func (m *Manager) WipeAll(ctx context.Context) (int64, error) {
	ids, err := m.docs.AllIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// RebuildSparseIndex refills the FTS mirror from the document table.
func (m *Manager) RebuildSparseIndex(ctx context.Context) error {
	return m.docs.RebuildFTS(ctx)
}

// Docs exposes the underlying document store for the sparse retriever.
func (m *Manager) Docs() *store.DocumentStore {
	return m.docs
}
