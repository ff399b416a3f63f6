// Package forgetting runs the background decay-and-prune loop over the
// memory store, modeling a simple forgetting curve: importance decays
// linearly with age, and records that are both old and unimportant are
// deleted.
package forgetting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
)

// ErrBusy reports that a prune run is already in flight. A second trigger
// returns immediately instead of queueing a concurrent run.
var ErrBusy = errors.New("forgetting run already in progress")

// deleteBatchSize bounds each delete statement during the final sweep.
const deleteBatchSize = 100

// errorRetryDelay is how long the loop sleeps after an unexpected failure
// before the next attempt.
const errorRetryDelay = 60 * time.Second

// MemoryStore is the slice of the memory manager the agent drives.
type MemoryStore interface {
	Count(ctx context.Context) (int64, error)
	Paginate(ctx context.Context, pageSize, offset int) ([]store.Record, error)
	UpdateMetadataBatch(ctx context.Context, updates []store.MetaUpdate) error
	Delete(ctx context.Context, ids []int64) error
}

// Agent owns the periodic loop and serializes manual triggers against it.
type Agent struct {
	cfg    config.ForgettingAgent
	memory MemoryStore
	loc    *time.Location
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a forgetting agent.
func New(cfg config.ForgettingAgent, memory MemoryStore, loc *time.Location, log *slog.Logger) *Agent {
	return &Agent{cfg: cfg, memory: memory, loc: loc, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (a *Agent) SetClock(now func() time.Time) {
	a.now = now
}

// Start launches the periodic loop. Disabled agents do nothing.
func (a *Agent) Start(ctx context.Context) {
	if !a.cfg.Enabled {
		a.log.Info("forgetting: agent disabled, background loop not started")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(loopCtx, a.done)
	a.log.Info("forgetting: background loop started",
		"interval_hours", a.cfg.CheckIntervalHours,
		"retention_days", a.cfg.RetentionDays,
		"decay_rate", a.cfg.ImportanceDecayRate,
		"importance_threshold", a.cfg.ImportanceThreshold)
}

// Stop cancels the loop and waits for it to exit.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Info("forgetting: background loop stopped")
}

func (a *Agent) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := time.Duration(a.cfg.CheckIntervalHours) * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := a.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, ErrBusy) {
				continue
			}
			a.log.Error("forgetting: periodic run failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorRetryDelay):
			}
		}
	}
}

// TriggerManualRun runs one prune pass now. If a run is already in flight it
// returns ErrBusy immediately.
func (a *Agent) TriggerManualRun(ctx context.Context) error {
	return a.run(ctx)
}

// run serializes every prune pass behind the running flag.
func (a *Agent) run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrBusy
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()
	return a.Prune(ctx)
}

// Prune is one paginated decay-and-delete pass. Pending metadata updates are
// flushed once two pages' worth (2*batch size) have accumulated; marked ids
// are deleted afterwards in sub-batches.
func (a *Agent) Prune(ctx context.Context) error {
	total, err := a.memory.Count(ctx)
	if err != nil {
		return fmt.Errorf("forgetting: count memories: %w", err)
	}
	if total == 0 {
		a.log.Info("forgetting: store is empty, nothing to prune")
		return nil
	}

	nowSec := float64(a.now().In(a.loc).UnixNano()) / 1e9
	retentionSec := float64(a.cfg.RetentionDays) * 86400
	pageSize := a.cfg.ForgettingBatchSize

	var (
		pendingUpdates []store.MetaUpdate
		idsToDelete    []int64
		processed      int
		decayed        int
	)

	for offset := 0; int64(offset) < total; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := a.memory.Paginate(ctx, pageSize, offset)
		if err != nil {
			a.log.Error("forgetting: failed to load page", "offset", offset, "error", err)
			continue
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			md := rec.Metadata
			createTime := md.CreateTime
			if createTime == 0 {
				createTime = nowSec
			}
			ageSec := nowSec - createTime
			days := ageSec / 86400

			newImportance := md.Importance - days*a.cfg.ImportanceDecayRate
			if newImportance < 0 {
				newImportance = 0
			}
			if newImportance < md.Importance {
				decayed++
				md.Importance = newImportance
				pendingUpdates = append(pendingUpdates, store.MetaUpdate{ID: rec.ID, Metadata: md})
			}

			if ageSec > retentionSec && newImportance < a.cfg.ImportanceThreshold {
				idsToDelete = append(idsToDelete, rec.ID)
			}
		}
		processed += len(batch)

		if len(pendingUpdates) >= 2*pageSize {
			if err := a.memory.UpdateMetadataBatch(ctx, pendingUpdates); err != nil {
				a.log.Error("forgetting: interim importance flush failed", "error", err)
			}
			pendingUpdates = pendingUpdates[:0]
		}
		a.log.Debug("forgetting: page processed", "processed", processed, "total", total)
	}

	if len(pendingUpdates) > 0 {
		if err := a.memory.UpdateMetadataBatch(ctx, pendingUpdates); err != nil {
			a.log.Error("forgetting: importance flush failed", "error", err)
		}
	}

	deletedCount := 0
	for i := 0; i < len(idsToDelete); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(idsToDelete) {
			end = len(idsToDelete)
		}
		if err := a.memory.Delete(ctx, idsToDelete[i:end]); err != nil {
			a.log.Error("forgetting: delete batch failed", "error", err)
			continue
		}
		deletedCount += end - i
	}

	a.log.Info("forgetting: prune finished",
		"processed", processed, "decayed", decayed,
		"marked", len(idsToDelete), "deleted", deletedCount)
	return nil
}
