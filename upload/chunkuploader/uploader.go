package chunkuploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const maxErrorBodySize = 1024

// Uploader sends chunks to an upload session, one at a time, with retry.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
	sleep      func(time.Duration)
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
		sleep:      time.Sleep,
	}
}

// Upload sends every chunk of the provider to target in ascending order.
// It stops at the first chunk which could not be sent within its retry budget.
// The returned flag reports whether the remote completed the session.
func (u *Uploader) Upload(ctx context.Context, target Target, provider ChunkProvider, progress ProgressFunc) (bool, error) {
	numChunks := provider.NumChunks()
	if numChunks == 0 {
		return false, fmt.Errorf("no chunks to upload")
	}

	stats := NewStats()
	completed := false
	for i := 0; i < numChunks; i++ {
		rng := provider.Range(i)

		var err error
		completed, err = u.send(ctx, target, provider, rng, progress, stats)
		if err != nil {
			return false, err
		}

		if completed && !rng.IsLast() {
			return false, fmt.Errorf("remote completed the session early, at %s of %d", rng, numChunks)
		}
	}

	u.logger.Debugf("Uploaded %d chunks [avg=%v] [%s/s]", stats.FinishedCount(),
		stats.Average().Round(time.Millisecond), units.HumanSize(stats.BytesPerSecond()))

	return completed, nil
}

// Send transmits a single chunk, retrying with a constant delay until the chunk is
// accepted or the retry budget is spent.
func (u *Uploader) Send(ctx context.Context, target Target, rng ChunkRange, data []byte, progress ProgressFunc) (bool, error) {
	if int64(len(data)) != rng.Len() {
		return false, fmt.Errorf("%s: expected %d bytes, got %d", rng, rng.Len(), len(data))
	}
	return u.send(ctx, target, bytesChunk(data), rng, progress, nil)
}

// chunkSource rereads the bytes of a range before every attempt.
type chunkSource interface {
	GetChunk(index int) ([]byte, error)
}

type bytesChunk []byte

func (b bytesChunk) GetChunk(int) ([]byte, error) {
	return b, nil
}

// send records accepted chunks on the uploader stats and on callStats, if set.
func (u *Uploader) send(ctx context.Context, target Target, source chunkSource, rng ChunkRange, progress ProgressFunc, callStats *Stats) (bool, error) {
	maxAttempts := u.config.MaxRetryPerChunk
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := u.config.RetryDelay()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%s upload cancelled: %w", rng, err)
		}

		u.logger.Debugf("Uploading %s of %d bytes (attempt %d/%d)", rng, rng.Total, attempt, maxAttempts)

		data, err := source.GetChunk(rng.Index)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", rng, err)
		}

		start := time.Now()
		completed, err := u.transmit(ctx, target, rng, data)
		if err == nil {
			elapsed := time.Since(start)
			u.stats.Update(elapsed, rng.Len())
			if callStats != nil {
				callStats.Update(elapsed, rng.Len())
			}
			report(progress, rng.End+1, rng.Total)
			return completed, nil
		}

		lastErr = &ChunkTransmitError{Range: rng, Attempt: attempt, Err: err}
		report(progress, rng.Start, rng.Total)

		if ctx.Err() != nil {
			return false, fmt.Errorf("%s upload cancelled: %w", rng, ctx.Err())
		}

		if attempt == maxAttempts {
			break
		}

		u.logger.Warnf("Retry %d/%d: %s", attempt, maxAttempts, err)
		if delay > 0 {
			u.sleep(delay)
		}
	}

	return false, &ChunkUploadExhaustedError{Range: rng, Attempts: maxAttempts, Err: lastErr}
}

func (u *Uploader) transmit(ctx context.Context, target Target, rng ChunkRange, data []byte) (bool, error) {
	uploadURL, err := target.Request(ctx, rng)
	if err != nil {
		return false, fmt.Errorf("prepare request: %w", err)
	}

	resp, err := u.do(ctx, uploadURL, data)
	if err != nil {
		return false, err
	}

	return target.Accept(rng, resp)
}

func (u *Uploader) do(ctx context.Context, uploadURL UploadURL, data []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, uploadURL.Method, uploadURL.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range uploadURL.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Stats returns the statistics of every chunk this uploader sent.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.httpClient.CloseIdleConnections()
}

func report(progress ProgressFunc, offset, total int64) {
	if progress != nil {
		progress(offset, total)
	}
}
