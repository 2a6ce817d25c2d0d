// Package chunkuploader splits a local file into fixed-size byte ranges and sends them,
// one range at a time, to a remote upload session with bounded per-chunk retries.
package chunkuploader

import (
	"context"
	"fmt"
	"net/http"
)

// ChunkRange is a contiguous byte range of a file. End is inclusive.
type ChunkRange struct {
	Index int
	Start int64
	End   int64
	Total int64
}

// Len returns the number of bytes covered by the range.
func (r ChunkRange) Len() int64 {
	return r.End - r.Start + 1
}

// IsLast reports whether the range ends at the last byte of the file.
func (r ChunkRange) IsLast() bool {
	return r.End == r.Total-1
}

// ContentRange formats the range as an HTTP Content-Range header value.
func (r ChunkRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

func (r ChunkRange) String() string {
	return fmt.Sprintf("chunk %d [%d-%d]", r.Index+1, r.Start, r.End)
}

// UploadURL represents the request used to send a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// Response is the remote's answer to a chunk request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// Range returns the byte range of the chunk at the given index.
	Range(index int) ChunkRange

	// GetChunk returns the bytes of the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index;
	// the returned slice is only valid until the next call.
	GetChunk(index int) ([]byte, error)
}

// Target is the remote side of an upload session as seen by the transmitter.
type Target interface {
	// Request builds the request that sends rng.
	Request(ctx context.Context, rng ChunkRange) (UploadURL, error)

	// Accept interprets a successful response for rng and reports whether the
	// session is complete.
	Accept(rng ChunkRange, resp *Response) (completed bool, err error)
}

// ProgressFunc receives the number of bytes acknowledged by the remote so far.
type ProgressFunc func(offset, total int64)
