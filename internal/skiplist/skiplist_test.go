package skiplist

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	l := New()
	l.Put([]byte("b"), []byte("2"), 2, false)
	l.Put([]byte("a"), []byte("1"), 1, false)
	l.Put([]byte("a"), []byte("3"), 3, false)

	v, ok := l.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v.Data)
	assert.EqualValues(t, 3, v.Seq)

	v, ok = l.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v.Data)

	_, ok = l.Get([]byte("c"))
	assert.False(t, ok)
}

func TestDeleteTombstone(t *testing.T) {
	l := New()
	l.Put([]byte("k"), []byte("v1"), 1, false)
	l.Delete([]byte("k"), 2)

	v, ok := l.Get([]byte("k"))
	require.True(t, ok)
	assert.True(t, v.Tombstone)
}

func TestGenerationIncrementsOnReplace(t *testing.T) {
	l := New()
	l.Put([]byte("k"), []byte("v1"), 1, false)
	v1, _ := l.Get([]byte("k"))
	l.Put([]byte("k"), []byte("v2"), 2, false)
	v2, _ := l.Get([]byte("k"))

	assert.Equal(t, uint64(1), v1.Generation)
	assert.Equal(t, uint64(2), v2.Generation)
	// v1 is untouched by the later replace since it is a distinct object.
	assert.Equal(t, []byte("v1"), v1.Data)
}

func TestRangeOrderingAndBounds(t *testing.T) {
	l := New()
	keys := []string{"d", "b", "a", "c", "e"}
	for i, k := range keys {
		l.Put([]byte(k), []byte(k), uint64(i+1), false)
	}

	it := l.Range([]byte("b"), []byte("e"))
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"b", "c", "d"}, got)
}

func TestRangeSnapshotExcludesLaterInserts(t *testing.T) {
	l := New()
	l.Put([]byte("a"), []byte("1"), 1, false)
	l.Put([]byte("c"), []byte("3"), 2, false)

	it := l.Range(nil, nil)
	l.Put([]byte("b"), []byte("2"), 3, false) // inserted after Range() was called

	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestConcurrentPutAndGet(t *testing.T) {
	l := New()
	const n = 2000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("key-%05d", i))
			l.Put(key, []byte(fmt.Sprintf("val-%d", i)), uint64(i), false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, ok := l.Get(key)
		require.True(t, ok, "missing key %s", key)
		assert.Equal(t, fmt.Sprintf("val-%d", i), string(v.Data))
	}
	assert.EqualValues(t, n, l.Len())
}

func TestConcurrentRangeIsSortedAndComplete(t *testing.T) {
	l := New()
	const n = 500
	for i := 0; i < n; i++ {
		l.Put([]byte(fmt.Sprintf("k-%05d", i)), []byte("v"), uint64(i), false)
	}

	it := l.Range(nil, nil)
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Len(t, got, n)
	assert.True(t, sort.StringsAreSorted(got))
}
