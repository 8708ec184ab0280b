package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("peer", "data", "x.key"), ResolvePath("peer", "data/x.key"))
	abs := filepath.Join(t.TempDir(), "x.key")
	assert.Equal(t, abs, ResolvePath("peer", abs))
}

func TestWriteJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 2}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 2, got["a"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBufferConcurrent(t *testing.T) {
	r := NewRingBuffer[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(i)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestRingBufferTail(t *testing.T) {
	r := NewRingBuffer[int](4)
	assert.Empty(t, r.Tail(2))

	for i := 1; i <= 6; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{5, 6}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5, 6}, r.Tail(10))
	assert.Equal(t, []int{3, 4, 5, 6}, r.Tail(-1))
	assert.Empty(t, r.Tail(0))
}

func TestRingBufferClear(t *testing.T) {
	r := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c", "d"} {
		r.Push(s)
	}
	assert.Equal(t, 3, r.Clear())
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
	assert.Zero(t, r.Clear())

	r.Push("e")
	r.Push("f")
	assert.Equal(t, []string{"e", "f"}, r.Snapshot())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}
