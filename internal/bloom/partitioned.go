package bloom

import (
	"fmt"
	"io"
)

// numPartitions is fixed per spec's Open Question resolution (a small
// constant beats deriving it from core count, which would make filter
// shape depend on the machine a table was written on).
const numPartitions = 8

// Partitioned is an array of sub-filters selected by the top hash bits
// of the key, so a query touches exactly one sub-filter. Used for
// SSTables above a configured size threshold to bound per-lookup cost.
type Partitioned struct {
	subs [numPartitions]*Filter
}

// NewPartitioned builds a Partitioned filter with n expected total
// insertions spread evenly across numPartitions sub-filters.
func NewPartitioned(n uint64, p float64) *Partitioned {
	perPart := n / numPartitions
	pf := &Partitioned{}
	for i := range pf.subs {
		pf.subs[i] = New(perPart, p)
	}
	return pf
}

func partitionIndex(key []byte) int {
	ha, _ := hashes(key)
	return int(ha>>29) % numPartitions // ha is a 32-bit CRC: top 3 bits
}

// Insert routes key to its partition's sub-filter.
func (pf *Partitioned) Insert(key []byte) {
	pf.subs[partitionIndex(key)].Insert(key)
}

// MayContain consults exactly one sub-filter.
func (pf *Partitioned) MayContain(key []byte) bool {
	return pf.subs[partitionIndex(key)].MayContain(key)
}

// WriteTo serializes each sub-filter in order.
func (pf *Partitioned) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, sub := range pf.subs {
		n, err := sub.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadPartitionedFrom deserializes a Partitioned filter written by
// WriteTo.
func ReadPartitionedFrom(r io.Reader) (*Partitioned, int64, error) {
	pf := &Partitioned{}
	var total int64
	for i := range pf.subs {
		sub, n, err := ReadFrom(r)
		total += n
		if err != nil {
			return nil, total, fmt.Errorf("bloom: partition %d: %w", i, err)
		}
		pf.subs[i] = sub
	}
	return pf, total, nil
}
