package chunkuploader

import (
	"fmt"
	"io"
	"os"
)

// FileChunkProvider reads chunks from a file on disk.
// It holds a single chunk-sized buffer which is reused between reads.
type FileChunkProvider struct {
	file      *os.File
	size      int64
	chunkSize int64
	numChunks int
	buf       []byte
}

// NewFileChunkProvider creates a ChunkProvider that reads from a file.
// The file is expected not to change while the provider is in use.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file:      file,
		size:      info.Size(),
		chunkSize: chunkSize,
		numChunks: NumChunks(info.Size(), chunkSize),
	}, nil
}

// Size returns the size of the file.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// Range returns the byte range of the chunk at the given index.
func (p *FileChunkProvider) Range(index int) ChunkRange {
	return rangeAt(index, p.chunkSize, p.size)
}

// GetChunk seeks to the start of the chunk and reads it into the shared buffer.
func (p *FileChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	rng := p.Range(index)
	if _, err := p.file.Seek(rng.Start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d for chunk %d: %w", rng.Start, index+1, err)
	}

	if p.buf == nil {
		p.buf = make([]byte, p.chunkSize)
	}
	chunk := p.buf[:rng.Len()]
	if _, err := io.ReadFull(p.file, chunk); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}

	return chunk, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks of an in-memory payload.
type ByteSliceChunkProvider struct {
	data      []byte
	chunkSize int64
}

// NewByteSliceChunkProvider creates a ChunkProvider that splits data into chunkSize pieces.
func NewByteSliceChunkProvider(data []byte, chunkSize int64) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{data: data, chunkSize: chunkSize}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return NumChunks(int64(len(p.data)), p.chunkSize)
}

// Range returns the byte range of the chunk at the given index.
func (p *ByteSliceChunkProvider) Range(index int) ChunkRange {
	return rangeAt(index, p.chunkSize, int64(len(p.data)))
}

// GetChunk returns the bytes of the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= p.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.NumChunks())
	}
	rng := p.Range(index)
	return p.data[rng.Start : rng.End+1], nil
}

// NumChunks returns ceil(size / chunkSize).
func NumChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func rangeAt(index int, chunkSize, size int64) ChunkRange {
	start := int64(index) * chunkSize
	end := start + chunkSize - 1
	if end > size-1 {
		end = size - 1
	}
	return ChunkRange{
		Index: index,
		Start: start,
		End:   end,
		Total: size,
	}
}
