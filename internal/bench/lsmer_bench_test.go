package bench

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grabcocque/lsmer"
)

var writeCfg = &lsmer.Config{
	MemtableCapacityBytes:  32 * 1024 * 1024,
	CompactionTriggerCount: 6,
	BlockSizeBytes:         32 * 1024,
	GroupCommitWindow:      50 * time.Millisecond,
	WALDefaultDurability:   lsmer.DurabilityFlush,
}

var readCfg = &lsmer.Config{
	MemtableCapacityBytes:  64 * 1024 * 1024,
	CompactionTriggerCount: 4,
	BlockSizeBytes:         64 * 1024,
}

func setupBenchDB(b *testing.B, cfg *lsmer.Config) (*lsmer.DB, func()) {
	tmpDir := filepath.Join(os.TempDir(), fmt.Sprintf("lsmer_bench_%d", rand.Int63()))
	db, err := lsmer.Open(tmpDir, cfg)
	if err != nil {
		b.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func generateKey(i int) []byte {
	return fmt.Appendf(nil, "key_%010d", i)
}

func generateValue(size int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(rand.Intn(256))
	}
	return value
}

func BenchmarkWrite(b *testing.B) {
	db, cleanup := setupBenchDB(b, writeCfg)
	defer cleanup()

	value := generateValue(1024)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := generateKey(i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkRead(b *testing.B) {
	db, cleanup := setupBenchDB(b, readCfg)
	defer cleanup()

	value := generateValue(1024)
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		if err := db.Put(generateKey(i), value); err != nil {
			b.Fatalf("Pre-populate put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Pre-populate flush failed: %v", err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := generateKey(i % numKeys)
		if _, err := db.Get(key); err != nil {
			b.Fatalf("key not found: %v", err)
		}
	}
}

func BenchmarkRandomRead(b *testing.B) {
	db, cleanup := setupBenchDB(b, readCfg)
	defer cleanup()

	value := generateValue(1024)
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		if err := db.Put(generateKey(i), value); err != nil {
			b.Fatalf("Pre-populate put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Pre-populate flush failed: %v", err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := generateKey(rand.Intn(numKeys))
		if _, err := db.Get(key); err != nil {
			b.Fatalf("key not found: %v", err)
		}
	}
}

func BenchmarkConcurrentRead(b *testing.B) {
	db, cleanup := setupBenchDB(b, readCfg)
	defer cleanup()

	value := generateValue(1024)
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		if err := db.Put(generateKey(i), value); err != nil {
			b.Fatalf("Pre-populate put failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Pre-populate flush failed: %v", err)
	}

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := generateKey(rand.Intn(numKeys))
			if _, err := db.Get(key); err != nil {
				b.Fatalf("key not found: %v", err)
			}
		}
	})
}

func BenchmarkConcurrentWrite(b *testing.B) {
	db, cleanup := setupBenchDB(b, writeCfg)
	defer cleanup()

	value := generateValue(1024)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Appendf(nil, "key_%d_%d", rand.Int63(), i)
			if err := db.Put(key, value); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
			i++
		}
	})
}
