// Package config provides configuration structures and defaults for
// LSmer's storage engine.
package config

import (
	"time"

	"go.uber.org/zap"
)

// Durability selects how aggressively a write is pushed to stable
// storage before Put/Delete returns to the caller.
type Durability int

const (
	// durabilityUnset is the zero value of Durability: a Config literal
	// that never sets WALDefaultDurability lands here, not on
	// DurabilityNone, so FillDefaults can tell "not set" apart from
	// "explicitly asked for the weakest level" and install the
	// documented default instead of silently downgrading to None.
	durabilityUnset Durability = iota
	// DurabilityNone buffers the write only; it may be lost on crash.
	DurabilityNone
	// DurabilityFlush flushes the userspace buffer to the kernel, but does
	// not fsync. This is the default.
	DurabilityFlush
	// DurabilitySync fsyncs the WAL segment after the record, subject to
	// group-commit batching with concurrent Sync callers.
	DurabilitySync
)

const (
	defaultMemtableCapacityBytes = 4 * 1024 * 1024
	defaultWALSegmentBytes       = 64 * 1024 * 1024
	defaultBloomFalsePositive    = 0.01
	defaultCompactionTrigger     = 4
	defaultBlockSizeBytes        = 4 * 1024
	defaultMaxInflightIO         = 4
	defaultBlockCacheBlocks      = 256
	defaultGroupCommitWindow     = time.Millisecond
)

// Config holds all tunable parameters for LSmer's performance and
// durability behavior. Zero-valued fields are replaced by defaults via
// FillDefaults.
type Config struct {
	// MemtableCapacityBytes is the size at which a flush is triggered.
	MemtableCapacityBytes int
	// WALSegmentBytes is the WAL segment rotation threshold.
	WALSegmentBytes int64
	// WALDefaultDurability is used when a caller does not specify one.
	WALDefaultDurability Durability
	// GroupCommitWindow bounds how long the first Sync writer in a batch
	// waits for followers before fsyncing the segment.
	GroupCommitWindow time.Duration
	// BloomFalsePositiveRate is the target false-positive rate p for
	// SSTable Bloom filters.
	BloomFalsePositiveRate float64
	// CompactionTriggerCount is the number of tables per size tier that
	// triggers a compaction of that tier.
	CompactionTriggerCount int
	// BlockSizeBytes is the SSTable data-block target size.
	BlockSizeBytes int
	// CompactionIntervalMs, if non-zero, runs a periodic compaction check
	// on that interval in addition to trigger-driven compaction.
	CompactionIntervalMs int
	// MaxInflightIO bounds concurrent background flush/compaction I/O via
	// a weighted semaphore.
	MaxInflightIO int64
	// BlockCacheBlocks is the capacity, in blocks, of the SSTable block
	// LRU cache.
	BlockCacheBlocks int
	// Logger receives structured diagnostics from recovery and background
	// workers. A no-op logger is used if nil.
	Logger *zap.Logger
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		MemtableCapacityBytes:  defaultMemtableCapacityBytes,
		WALSegmentBytes:        defaultWALSegmentBytes,
		WALDefaultDurability:   DurabilityFlush,
		GroupCommitWindow:      defaultGroupCommitWindow,
		BloomFalsePositiveRate: defaultBloomFalsePositive,
		CompactionTriggerCount: defaultCompactionTrigger,
		BlockSizeBytes:         defaultBlockSizeBytes,
		MaxInflightIO:          defaultMaxInflightIO,
		BlockCacheBlocks:       defaultBlockCacheBlocks,
	}
}

// FillDefaults sets any zero-value fields in the Config to their
// default values, and installs a no-op logger if none was supplied.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.MemtableCapacityBytes == 0 {
		c.MemtableCapacityBytes = def.MemtableCapacityBytes
	}
	if c.WALSegmentBytes == 0 {
		c.WALSegmentBytes = def.WALSegmentBytes
	}
	if c.GroupCommitWindow == 0 {
		c.GroupCommitWindow = def.GroupCommitWindow
	}
	if c.BloomFalsePositiveRate == 0 {
		c.BloomFalsePositiveRate = def.BloomFalsePositiveRate
	}
	if c.CompactionTriggerCount == 0 {
		c.CompactionTriggerCount = def.CompactionTriggerCount
	}
	if c.BlockSizeBytes == 0 {
		c.BlockSizeBytes = def.BlockSizeBytes
	}
	if c.MaxInflightIO == 0 {
		c.MaxInflightIO = def.MaxInflightIO
	}
	if c.BlockCacheBlocks == 0 {
		c.BlockCacheBlocks = def.BlockCacheBlocks
	}
	if c.WALDefaultDurability == durabilityUnset {
		c.WALDefaultDurability = def.WALDefaultDurability
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
