package chunkuploader

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultChunkSize is the size of a single chunk if not configured otherwise.
const DefaultChunkSize = 4 * 1024 * 1024

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the size of a single chunk in bytes. Files smaller than
	// this are not uploaded in chunks at all.
	// Default: 4 MiB
	ChunkSize int64

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 60
	MaxRetryPerChunk int

	// RetryWindow is spread evenly between the attempts of a chunk, giving a
	// constant delay of RetryWindow / MaxRetryPerChunk.
	// Default: 600 seconds
	RetryWindow time.Duration

	// HTTPClient is the HTTP client to use for chunk requests.
	// If nil, a default client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		MaxRetryPerChunk: 60,
		RetryWindow:      600 * time.Second,
		HTTPClient:       nil, // Will be created by Uploader
	}
}

// RetryDelay returns the constant delay between two attempts of the same chunk.
func (c Config) RetryDelay() time.Duration {
	if c.MaxRetryPerChunk <= 0 {
		return 0
	}
	return c.RetryWindow / time.Duration(c.MaxRetryPerChunk)
}

// Validate checks that the configuration can be used for an upload.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size should be positive, got %d", c.ChunkSize)
	}
	if c.MaxRetryPerChunk < 1 {
		return fmt.Errorf("max chunk retry should be at least 1, got %d", c.MaxRetryPerChunk)
	}
	if c.RetryWindow < 0 {
		return fmt.Errorf("chunk retry window should not be negative, got %s", c.RetryWindow)
	}
	return nil
}

// DefaultHTTPClient creates an HTTP client for chunk uploads.
// Upload session URLs are pre-authenticated, so this client carries no credentials.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - a chunk is only bounded by the retry budget
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxConnsPerHost:     4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
