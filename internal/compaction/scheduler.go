package compaction

// Tiers groups live tables by size order: Tiers[0] is the newest,
// smallest tier produced directly by memtable flushes; compaction output
// lands in progressively higher tiers. This mirrors the teacher's
// `Engine.tiers [][]sstable.Reader` shape, generalized from a fixed
// per-tier table list to one the scheduler can query.
type Tiers [][]uint64 // each inner slice holds table IDs in that tier

// Policy decides when a tier has accumulated enough tables to merge.
type Policy struct {
	TriggerCount int
}

// NewPolicy returns a Policy that merges a tier once it holds at least
// triggerCount tables.
func NewPolicy(triggerCount int) Policy {
	if triggerCount < 2 {
		triggerCount = 2
	}
	return Policy{TriggerCount: triggerCount}
}

// NextTier returns the lowest tier index that has reached the trigger
// count, or -1 if no tier needs compaction.
func (p Policy) NextTier(t Tiers) int {
	for i, tier := range t {
		if len(tier) >= p.TriggerCount {
			return i
		}
	}
	return -1
}

// IsBottomTier reports whether tier is the last non-empty tier, the
// point at which tombstones may be safely dropped because no older
// table remains that a delete could still be shadowing.
func (t Tiers) IsBottomTier(tier int) bool {
	for i := tier + 1; i < len(t); i++ {
		if len(t[i]) > 0 {
			return false
		}
	}
	return true
}
