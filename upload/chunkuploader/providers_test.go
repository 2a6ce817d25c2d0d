package chunkuploader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumChunks(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		want      int
	}{
		{name: "empty", size: 0, chunkSize: 4, want: 0},
		{name: "smaller than a chunk", size: 3, chunkSize: 4, want: 1},
		{name: "exactly one chunk", size: 4, chunkSize: 4, want: 1},
		{name: "partial last chunk", size: 10, chunkSize: 4, want: 3},
		{name: "10 MiB in 4 MiB chunks", size: 10 * 1024 * 1024, chunkSize: 4 * 1024 * 1024, want: 3},
		{name: "invalid chunk size", size: 10, chunkSize: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NumChunks(tt.size, tt.chunkSize))
		})
	}
}

func TestRangesCoverFile(t *testing.T) {
	const mib = 1024 * 1024
	for _, size := range []int64{4 * mib, 4*mib + 1, 10 * mib, 12 * mib, 12*mib - 1} {
		provider := NewByteSliceChunkProvider(make([]byte, size), 4*mib)

		var next int64
		for i := 0; i < provider.NumChunks(); i++ {
			rng := provider.Range(i)
			require.Equal(t, i, rng.Index)
			require.Equal(t, next, rng.Start, "gap or overlap at chunk %d of %d bytes", i, size)
			require.True(t, rng.End >= rng.Start)
			require.Equal(t, size, rng.Total)
			require.Equal(t, i == provider.NumChunks()-1, rng.IsLast())
			next = rng.End + 1
		}
		require.Equal(t, size, next)
	}
}

func TestTenMiBRanges(t *testing.T) {
	const mib = 1024 * 1024
	provider := NewByteSliceChunkProvider(make([]byte, 10*mib), 4*mib)

	require.Equal(t, 3, provider.NumChunks())
	assert.Equal(t, ChunkRange{Index: 0, Start: 0, End: 4*mib - 1, Total: 10 * mib}, provider.Range(0))
	assert.Equal(t, ChunkRange{Index: 1, Start: 4 * mib, End: 8*mib - 1, Total: 10 * mib}, provider.Range(1))
	assert.Equal(t, ChunkRange{Index: 2, Start: 8 * mib, End: 10*mib - 1, Total: 10 * mib}, provider.Range(2))
	assert.Equal(t, "bytes 8388608-10485759/10485760", provider.Range(2).ContentRange())
}

func TestByteSliceChunkProvider(t *testing.T) {
	provider := NewByteSliceChunkProvider([]byte("first chunk|second"), 12)

	if provider.NumChunks() != 2 {
		t.Errorf("Expected 2 chunks, got %d", provider.NumChunks())
	}

	chunk, err := provider.GetChunk(0)
	require.NoError(t, err)
	assert.Equal(t, "first chunk|", string(chunk))

	chunk, err = provider.GetChunk(1)
	require.NoError(t, err)
	assert.Equal(t, "second", string(chunk))

	_, err = provider.GetChunk(-1)
	if err == nil {
		t.Error("Expected error for negative index")
	}

	_, err = provider.GetChunk(2)
	if err == nil {
		t.Error("Expected error for out of range index")
	}
}

func TestFileChunkProvider(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(testFile, testData, 0644))

	// 30+30+30+10 = 100
	provider, err := NewFileChunkProvider(testFile, 30)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, provider.Close())
	}()

	assert.Equal(t, int64(100), provider.Size())
	require.Equal(t, 4, provider.NumChunks())

	for i := 0; i < provider.NumChunks(); i++ {
		rng := provider.Range(i)
		chunk, err := provider.GetChunk(i)
		require.NoError(t, err)
		assert.Equal(t, testData[rng.Start:rng.End+1], chunk)
	}

	// Rereading a chunk seeks back to its start offset.
	chunk, err := provider.GetChunk(1)
	require.NoError(t, err)
	assert.Equal(t, testData[30:60], chunk)

	_, err = provider.GetChunk(4)
	assert.Error(t, err)
}

func TestFileChunkProvider_Truncated(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.bin")
	require.NoError(t, os.WriteFile(testFile, make([]byte, 100), 0644))

	provider, err := NewFileChunkProvider(testFile, 30)
	require.NoError(t, err)
	defer func() {
		_ = provider.Close()
	}()

	require.NoError(t, os.Truncate(testFile, 50))

	_, err = provider.GetChunk(3)
	assert.Error(t, err)
}

func TestNewFileChunkProvider_Errors(t *testing.T) {
	_, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing"), 30)
	assert.Error(t, err)

	_, err = NewFileChunkProvider(os.Args[0], 0)
	assert.Error(t, err)
}
