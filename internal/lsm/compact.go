package lsm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/grabcocque/lsmer/internal/compaction"
	"github.com/grabcocque/lsmer/internal/sstable"
)

// compactWorker drains compactSignal, merging whichever tier has
// accumulated enough tables to trigger the size-tiered policy. After a
// completed merge it checks the policy again in the same wake-up, so a
// cascade (the output pushing the next tier over its trigger count)
// keeps draining without waiting for an unrelated flush to wake it.
func (db *DB) compactWorker() {
	for {
		select {
		case <-db.egCtx.Done():
			return
		case <-db.compactSignal:
			for {
				did, err := db.compactOnce(db.egCtx)
				if err != nil {
					db.logger.Error("background compaction failed", zap.Error(err))
					db.degraded.Store(true)
					break
				}
				if !did {
					break
				}
			}
		}
	}
}

// compactOnce merges the lowest tier that has reached the trigger
// count, if any. It reports whether a merge ran.
func (db *DB) compactOnce(ctx context.Context) (bool, error) {
	db.mu.Lock()
	tier := db.policy.NextTier(db.tiers)
	if tier < 0 {
		db.mu.Unlock()
		return false, nil
	}
	ids := append([]uint64(nil), db.tiers[tier]...)
	dropTombstones := db.tiers.IsBottomTier(tier)
	inputs := make([]*sstable.Table, len(ids))
	for i, id := range ids {
		inputs[i] = db.tables[id]
	}
	db.mu.Unlock()

	if err := db.ioSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer db.ioSem.Release(1)

	db.mu.Lock()
	outID := db.allocTableID()
	db.mu.Unlock()
	outPath := db.sstPath(outID)

	res, err := compaction.Merge(db.dm, inputs, outPath, outID, outID, db.cfg.BlockSizeBytes, db.cfg.BloomFalsePositiveRate, dropTombstones)
	if err != nil {
		return false, fmt.Errorf("compact tier %d: %w", tier, err)
	}
	res.Output.Reader.AttachCache(db.blockCache)

	commitSeq := db.nextSeq()
	if err := db.wal.AppendCompactionCommit(commitSeq, ids, outID); err != nil {
		db.degraded.Store(true)
		return false, err
	}

	db.mu.Lock()
	idSet := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	remaining := db.tiers[tier][:0]
	for _, id := range db.tiers[tier] {
		if !idSet[id] {
			remaining = append(remaining, id)
		}
	}
	db.tiers[tier] = remaining

	outTier := tier + 1
	for outTier >= len(db.tiers) {
		db.tiers = append(db.tiers, nil)
	}
	db.tiers[outTier] = append(db.tiers[outTier], outID)
	db.tables[outID] = res.Output

	stale := make([]*sstable.Table, 0, len(ids))
	for _, id := range ids {
		if t, ok := db.tables[id]; ok {
			stale = append(stale, t)
			delete(db.tables, id)
		}
	}
	db.rebuildLiveEpoch()
	db.mu.Unlock()

	for _, t := range stale {
		path := t.Path
		_ = t.Close()
		if err := db.dm.Delete(path); err != nil {
			db.logger.Warn("failed to unlink compacted sstable", zap.String("path", path), zap.Error(err))
		}
		db.blockCache.DropTable(path)
	}

	db.logger.Debug("compacted tier", zap.Int("tier", tier), zap.Uint64("output_id", outID),
		zap.Int("inputs", len(ids)), zap.Uint64("entries", res.EntryCount))
	return true, nil
}
