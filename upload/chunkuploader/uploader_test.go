package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testTarget struct {
	url      string
	accepted []ChunkRange
}

func (t *testTarget) Request(_ context.Context, rng ChunkRange) (UploadURL, error) {
	return UploadURL{
		Method:  http.MethodPut,
		URL:     t.url,
		Headers: map[string]string{"Content-Range": rng.ContentRange()},
	}, nil
}

func (t *testTarget) Accept(rng ChunkRange, resp *Response) (bool, error) {
	t.accepted = append(t.accepted, rng)
	return resp.StatusCode == http.StatusCreated, nil
}

type sessionServer struct {
	mu       sync.Mutex
	ranges   []string
	received []byte
	failures int32
}

func (s *sessionServer) handler(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("temporary error"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if int64(len(body)) != end-start+1 || r.ContentLength != int64(len(body)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Content-Range"))
	s.received = append(s.received, body...)
	s.mu.Unlock()

	if end == total-1 {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.delays = append(s.delays, d)
}

type progressRecorder struct {
	offsets []int64
}

func (p *progressRecorder) progress(offset, total int64) {
	p.offsets = append(p.offsets, offset)
}

func newTestUploader(config Config) (*Uploader, *sleepRecorder) {
	recorder := &sleepRecorder{}
	uploader := New(config, log.NewLogger())
	uploader.sleep = recorder.sleep
	return uploader, recorder
}

func TestUploader_Upload_Success(t *testing.T) {
	srv := &sessionServer{}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	data := []byte("0123456789")
	provider := NewByteSliceChunkProvider(data, 4)
	target := &testTarget{url: server.URL}
	progress := &progressRecorder{}

	config := DefaultConfig()
	config.ChunkSize = 4
	uploader, sleeps := newTestUploader(config)
	defer uploader.CloseIdleConnections()

	completed, err := uploader.Upload(context.Background(), target, provider, progress.progress)
	require.NoError(t, err)

	assert.True(t, completed)
	assert.Equal(t, []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}, srv.ranges)
	assert.Equal(t, data, srv.received)
	assert.Equal(t, []int64{4, 8, 10}, progress.offsets)
	assert.Len(t, target.accepted, 3)
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, int64(3), uploader.Stats().FinishedCount())
}

func TestUploader_Upload_LogsChunksOfEachCall(t *testing.T) {
	srv := &sessionServer{}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", "Uploading %s of %d bytes (attempt %d/%d)", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	mockLogger.On("Debugf", "Uploaded %d chunks [avg=%v] [%s/s]", int64(3), mock.Anything, mock.Anything).Return().Twice()

	config := DefaultConfig()
	config.ChunkSize = 4
	uploader := New(config, mockLogger)
	defer uploader.CloseIdleConnections()

	for i := 0; i < 2; i++ {
		completed, err := uploader.Upload(context.Background(), &testTarget{url: server.URL}, NewByteSliceChunkProvider([]byte("0123456789"), 4), nil)
		require.NoError(t, err)
		assert.True(t, completed)
	}

	mockLogger.AssertExpectations(t)
	mockLogger.AssertNotCalled(t, "Debugf", "Uploaded %d chunks [avg=%v] [%s/s]", int64(6), mock.Anything, mock.Anything)
	assert.Equal(t, int64(6), uploader.Stats().FinishedCount())
}

func TestUploader_Send_Retry(t *testing.T) {
	srv := &sessionServer{failures: 2}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()

	config := DefaultConfig()
	config.MaxRetryPerChunk = 5
	config.RetryWindow = 50 * time.Second
	uploader, sleeps := newTestUploader(config)
	target := &testTarget{url: server.URL}
	progress := &progressRecorder{}

	rng := ChunkRange{Index: 0, Start: 0, End: 3, Total: 8}
	completed, err := uploader.Send(context.Background(), target, rng, []byte("abcd"), progress.progress)
	require.NoError(t, err)

	assert.False(t, completed)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeps.delays)
	assert.Equal(t, []ChunkRange{rng}, target.accepted)
	assert.Equal(t, []string{"bytes 0-3/8"}, srv.ranges)
	assert.Equal(t, []int64{0, 0, 4}, progress.offsets)
}

func TestUploader_Upload_Exhausted(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("permanent error"))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.MaxRetryPerChunk = 3
	config.RetryWindow = 3 * time.Second
	uploader, sleeps := newTestUploader(config)
	target := &testTarget{url: server.URL}

	provider := NewByteSliceChunkProvider([]byte("0123456789"), 4)
	completed, err := uploader.Upload(context.Background(), target, provider, nil)
	require.Error(t, err)
	assert.False(t, completed)

	var exhausted *ChunkUploadExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 0, exhausted.Range.Index)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "permanent error", statusErr.Body)

	// No further chunks are sent once a chunk is exhausted.
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount))
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeps.delays)
	assert.Empty(t, target.accepted)
}

func TestUploader_Send_SizeMismatch(t *testing.T) {
	uploader, _ := newTestUploader(DefaultConfig())

	_, err := uploader.Send(context.Background(), &testTarget{}, ChunkRange{Start: 0, End: 9, Total: 10}, []byte("short"), nil)
	require.Error(t, err)
}

func TestUploader_Upload_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	config := DefaultConfig()
	uploader, sleeps := newTestUploader(config)
	defer uploader.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	provider := NewByteSliceChunkProvider([]byte("test-data"), 4)
	_, err := uploader.Upload(ctx, &testTarget{url: server.URL}, provider, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, sleeps.delays)
}

func TestUploader_Upload_ReadFault(t *testing.T) {
	uploader, sleeps := newTestUploader(DefaultConfig())

	_, err := uploader.Upload(context.Background(), &testTarget{}, failingProvider{}, nil)
	require.Error(t, err)

	var exhausted *ChunkUploadExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Empty(t, sleeps.delays)
}

type failingProvider struct{}

func (failingProvider) NumChunks() int { return 1 }

func (failingProvider) Range(index int) ChunkRange {
	return ChunkRange{Index: index, Start: 0, End: 9, Total: 10}
}

func (failingProvider) GetChunk(int) ([]byte, error) {
	return nil, errors.New("disk is gone")
}

func TestConfig_RetryDelay(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 10*time.Second, config.RetryDelay())
	assert.NoError(t, config.Validate())

	config.MaxRetryPerChunk = 0
	assert.Equal(t, time.Duration(0), config.RetryDelay())
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.ChunkSize = 0
	assert.Error(t, config.Validate())
}

func TestStats(t *testing.T) {
	stats := NewStats()

	if stats.FinishedCount() != 0 {
		t.Errorf("Expected 0 finished, got %d", stats.FinishedCount())
	}

	if stats.Average() != 0 {
		t.Errorf("Expected 0 average, got %v", stats.Average())
	}

	stats.Update(100*time.Millisecond, 100)
	stats.Update(200*time.Millisecond, 200)
	stats.Update(700*time.Millisecond, 700)

	if stats.FinishedCount() != 3 {
		t.Errorf("Expected 3 finished, got %d", stats.FinishedCount())
	}

	expectedAvg := 1000 * time.Millisecond / 3
	if stats.Average() != expectedAvg {
		t.Errorf("Expected %v average, got %v", expectedAvg, stats.Average())
	}

	if stats.BytesPerSecond() != 1000 {
		t.Errorf("Expected 1000 B/s, got %v", stats.BytesPerSecond())
	}
}
