package lsm

import (
	"context"

	"go.uber.org/zap"

	"github.com/grabcocque/lsmer/internal/memtable"
	"github.com/grabcocque/lsmer/internal/sstable"
)

// Flush seals the active memtable and synchronously writes every sealed
// memtable to a new SSTable, returning once all of them have reached
// stable storage.
func (db *DB) Flush() error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	return db.flushActive(db.egCtx)
}

// flushActive seals the active memtable (if non-empty) and drains every
// sealed memtable to disk in oldest-first order. On a write failure the
// unflushed memtables are put back so a later retry (or Close) can try
// again rather than losing their contents.
func (db *DB) flushActive(ctx context.Context) error {
	db.mu.Lock()
	if db.active.Size() > 0 {
		db.sealed = append(db.sealed, db.active)
		db.active = memtable.New(db.cfg.MemtableCapacityBytes)
	}
	pending := db.sealed
	db.sealed = nil
	db.mu.Unlock()

	for i, m := range pending {
		if err := db.flushOne(ctx, m); err != nil {
			db.mu.Lock()
			db.sealed = append(pending[i:], db.sealed...)
			db.mu.Unlock()
			return err
		}
	}
	return nil
}

// flushOne drains one sealed memtable into a new level-0 SSTable,
// appends a WAL checkpoint recording that every sequence up to the
// memtable's highest is now durable in that table, and retires any WAL
// segment fully covered by it.
func (db *DB) flushOne(ctx context.Context, m *memtable.Memtable) error {
	if err := db.ioSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer db.ioSem.Release(1)

	entries := m.DrainSorted()
	if len(entries) == 0 {
		return nil
	}

	db.mu.Lock()
	id := db.allocTableID()
	db.mu.Unlock()

	path := db.sstPath(id)
	w, err := sstable.Open(db.dm, path, db.cfg.BlockSizeBytes, uint64(len(entries)), db.cfg.BloomFalsePositiveRate)
	if err != nil {
		return err
	}

	var maxSeq uint64
	for _, e := range entries {
		if err := w.Add(e.Key, e.Value, e.Seq, e.Tombstone); err != nil {
			_ = w.Abandon()
			return err
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if err := w.Finish(); err != nil {
		return err
	}

	table, err := sstable.OpenTable(db.dm, path, id, id, db.blockCache)
	if err != nil {
		return err
	}

	checkpointSeq := db.nextSeq()
	if err := db.wal.AppendCheckpoint(checkpointSeq, maxSeq, id); err != nil {
		db.degraded.Store(true)
		return err
	}
	if err := db.wal.Retire(maxSeq); err != nil {
		db.logger.Warn("wal segment retirement failed", zap.Error(err))
	}

	db.mu.Lock()
	db.tables[id] = table
	db.tiers[0] = append(db.tiers[0], id)
	db.rebuildLiveEpoch()
	db.mu.Unlock()

	db.logger.Debug("flushed memtable", zap.Uint64("table_id", id), zap.Int("entries", len(entries)))
	db.signal(db.compactSignal)
	return nil
}

// flushWorker drains flushSignal in the background so a Put/Delete that
// crosses the memtable capacity never blocks its own caller on disk I/O.
func (db *DB) flushWorker() {
	for {
		select {
		case <-db.egCtx.Done():
			return
		case <-db.flushSignal:
			if err := db.flushActive(db.egCtx); err != nil {
				db.logger.Error("background flush failed", zap.Error(err))
				db.degraded.Store(true)
			}
		}
	}
}
