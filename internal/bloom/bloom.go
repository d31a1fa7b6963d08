// Package bloom implements a Bloom filter over byte-string keys, tuned
// by expected insertion count and target false-positive rate, plus a
// partitioned variant for large SSTables.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/dchest/siphash"
)

// sipKey0/sipKey1 key the SipHash-2-4 half of the double-hashing scheme.
// The key is fixed engine-wide (not stored per filter) so the on-disk
// format stays exactly m, k, bitmap as the SSTable Bloom block defines.
const (
	sipKey0 = 0x6c736d65722d6b30
	sipKey1 = 0x6c736d65722d6b31
)

// Filter is a bit-array Bloom filter with k hash functions derived by
// double hashing two independent 64-bit hashes.
type Filter struct {
	m    uint64 // number of bits
	k    uint32 // number of hash functions
	bits []byte // ceil(m/8) bytes
}

// New builds a Filter sized for n expected insertions at target
// false-positive rate p. m is rounded up to a multiple of 8.
func New(n uint64, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 8
	}
	if rem := m % 8; rem != 0 {
		m += 8 - rem
	}
	k := uint32(math.Floor((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{m: m, k: k, bits: make([]byte, m/8)}
}

// FromShape reconstructs an empty filter with a given (m, k), used when
// deserializing or when merge requires an identically-shaped target.
func FromShape(m uint64, k uint32) *Filter {
	return &Filter{m: m, k: k, bits: make([]byte, m/8)}
}

// M returns the number of bits in the filter.
func (f *Filter) M() uint64 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint32 { return f.k }

func hashes(key []byte) (uint64, uint64) {
	ha := uint64(crc32.ChecksumIEEE(key))
	hb := siphash.Hash(sipKey0, sipKey1, key)
	return ha, hb
}

// Insert sets the k bits derived from key.
func (f *Filter) Insert(key []byte) {
	ha, hb := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (ha + uint64(i)*hb) % f.m
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain returns true iff all k bits for key are set. False
// positives are possible; false negatives are not.
func (f *Filter) MayContain(key []byte) bool {
	ha, hb := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (ha + uint64(i)*hb) % f.m
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Merge bit-ORs other into f. Both filters must share (m, k); otherwise
// Merge fails.
func (f *Filter) Merge(other *Filter) error {
	if f.m != other.m || f.k != other.k {
		return fmt.Errorf("bloom: shape mismatch (m=%d,k=%d) vs (m=%d,k=%d)", f.m, f.k, other.m, other.k)
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// Clear zeros all bits, leaving shape unchanged.
func (f *Filter) Clear() {
	for i := range f.bits {
		f.bits[i] = 0
	}
}

// WriteTo serializes the filter as little-endian m (u64), k (u32), then
// the bitmap bytes, per the SSTable Bloom block format.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.m)
	binary.LittleEndian.PutUint32(hdr[8:12], f.k)
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	bn, err := w.Write(f.bits)
	return int64(n + bn), err
}

// ReadFrom deserializes a filter previously written by WriteTo.
func ReadFrom(r io.Reader) (*Filter, int64, error) {
	var hdr [12]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, int64(n), err
	}
	m := binary.LittleEndian.Uint64(hdr[0:8])
	k := binary.LittleEndian.Uint32(hdr[8:12])
	bits := make([]byte, m/8)
	bn, err := io.ReadFull(r, bits)
	if err != nil {
		return nil, int64(n + bn), err
	}
	return &Filter{m: m, k: k, bits: bits}, int64(n + bn), nil
}

// SerializedSize returns the exact byte length WriteTo will produce.
func (f *Filter) SerializedSize() int64 {
	return 12 + int64(len(f.bits))
}
