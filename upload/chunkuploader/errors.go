package chunkuploader

import "fmt"

// ChunkTransmitError is a failed attempt of sending a single chunk.
type ChunkTransmitError struct {
	Range   ChunkRange
	Attempt int
	Err     error
}

func (e *ChunkTransmitError) Error() string {
	return fmt.Sprintf("%s attempt %d: %s", e.Range, e.Attempt, e.Err)
}

func (e *ChunkTransmitError) Unwrap() error {
	return e.Err
}

// ChunkUploadExhaustedError is returned when every attempt of a chunk failed.
// Err is the error of the last attempt.
type ChunkUploadExhaustedError struct {
	Range    ChunkRange
	Attempts int
	Err      error
}

func (e *ChunkUploadExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Range, e.Attempts, e.Err)
}

func (e *ChunkUploadExhaustedError) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected HTTP status returned for a chunk request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}
