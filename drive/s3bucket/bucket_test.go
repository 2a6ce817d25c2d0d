package s3bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	uploads      map[string]map[int32][]byte
	completed    []types.CompletedPart
	aborted      []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		uploads:      map[string]map[int32][]byte{},
	}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = body
	f.contentTypes[aws.ToString(params.Key)] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("parts are sent through presigned URLs")
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = map[int32][]byte{}
	f.contentTypes[aws.ToString(params.Key)] = aws.ToString(params.ContentType)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var content []byte
	for _, part := range params.MultipartUpload.Parts {
		data, ok := parts[aws.ToInt32(part.PartNumber)]
		if !ok {
			return nil, fmt.Errorf("missing part %d", aws.ToInt32(part.PartNumber))
		}
		content = append(content, data...)
	}
	f.completed = params.MultipartUpload.Parts
	f.objects[aws.ToString(params.Key)] = content
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted = append(f.aborted, aws.ToString(params.UploadId))
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(content)))}, nil
}

// partServer receives parts sent to presigned URLs.
func (f *fakeS3) partServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "UNSIGNED-PAYLOAD", r.Header.Get("X-Amz-Content-Sha256"))

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var number int32
		if _, err := fmt.Sscanf(r.URL.Query().Get("partNumber"), "%d", &number); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		parts, ok := f.uploads[r.URL.Query().Get("uploadId")]
		if ok {
			parts[number] = body
		}
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, number))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

type fakePresigner struct {
	baseURL string
}

func (p fakePresigner) PresignUploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("%s/%s?partNumber=%d&uploadId=%s", p.baseURL, aws.ToString(params.Key), aws.ToInt32(params.PartNumber), aws.ToString(params.UploadId)),
		Method: http.MethodPut,
		SignedHeader: http.Header{
			"Host":                 []string{"bucket.s3.amazonaws.com"},
			"Content-Length":       []string{fmt.Sprintf("%d", aws.ToInt64(params.ContentLength))},
			"X-Amz-Content-Sha256": []string{"UNSIGNED-PAYLOAD"},
		},
	}, nil
}

func newTestBucket(t *testing.T, fake *fakeS3) *Bucket {
	server := fake.partServer(t)
	bucket, err := NewWithClient(fake, fakePresigner{baseURL: server.URL}, "builds", MinPartSize, log.NewLogger())
	require.NoError(t, err)
	return bucket
}

func TestNewWithClient_PartSize(t *testing.T) {
	_, err := NewWithClient(newFakeS3(), fakePresigner{}, "builds", 4*1024*1024, log.NewLogger())
	require.Error(t, err)
}

func TestBucket_ResolveFolder(t *testing.T) {
	bucket := newTestBucket(t, newFakeS3())

	folder, err := bucket.ResolveFolder(context.Background(), "\\releases//ios/")
	require.NoError(t, err)
	assert.Equal(t, &drive.Item{ID: "releases/ios", Name: "ios", Path: "releases/ios", WebURL: "s3://builds/releases/ios", Folder: true}, folder)

	root, err := bucket.ResolveFolder(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "", root.Path)
	assert.Equal(t, "file.txt", objectKey(root, "file.txt"))
}

func TestBucket_UploadSmall(t *testing.T) {
	fake := newFakeS3()
	bucket := newTestBucket(t, fake)
	folder, err := bucket.ResolveFolder(context.Background(), "reports")
	require.NoError(t, err)

	content := `{"tests": 12, "failures": 0}`
	item, err := bucket.UploadSmall(context.Background(), folder, "summary.json", strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, "s3://builds/reports/summary.json", item.WebURL)
	assert.Equal(t, int64(len(content)), item.Size)
	assert.Equal(t, []byte(content), fake.objects["reports/summary.json"])
	assert.Equal(t, "application/json", fake.contentTypes["reports/summary.json"])
}

func TestBucket_MultipartSession(t *testing.T) {
	fake := newFakeS3()
	bucket := newTestBucket(t, fake)
	folder, err := bucket.ResolveFolder(context.Background(), "builds")
	require.NoError(t, err)

	data := make([]byte, 2*MinPartSize+1024)
	for i := range data {
		data[i] = byte(i % 253)
	}

	session, err := bucket.CreateSession(context.Background(), folder, "manual.pdf", int64(len(data)))
	require.NoError(t, err)

	config := chunkuploader.DefaultConfig()
	config.ChunkSize = MinPartSize
	config.MaxRetryPerChunk = 1
	uploader := chunkuploader.New(config, log.NewLogger())

	completed, err := uploader.Upload(context.Background(), session, chunkuploader.NewByteSliceChunkProvider(data, MinPartSize), nil)
	require.NoError(t, err)
	assert.True(t, completed)

	item, err := session.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3://builds/builds/manual.pdf", item.WebURL)
	assert.Equal(t, int64(len(data)), item.Size)
	assert.Equal(t, data, fake.objects["builds/manual.pdf"])
	assert.Equal(t, "application/pdf", fake.contentTypes["builds/manual.pdf"])

	require.Len(t, fake.completed, 3)
	for i, part := range fake.completed {
		assert.Equal(t, int32(i+1), aws.ToInt32(part.PartNumber))
		assert.Equal(t, fmt.Sprintf(`"part-%d"`, i+1), aws.ToString(part.ETag))
	}
}

func TestMultipartSession_CompleteWithMissingParts(t *testing.T) {
	fake := newFakeS3()
	bucket := newTestBucket(t, fake)

	session, err := bucket.CreateSession(context.Background(), nil, "app.apk", 2*MinPartSize)
	require.NoError(t, err)

	_, err = session.Accept(chunkuploader.ChunkRange{Index: 0, Start: 0, End: MinPartSize - 1, Total: 2 * MinPartSize}, &chunkuploader.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"part-1"`}},
	})
	require.NoError(t, err)

	_, err = session.Complete(context.Background())
	require.EqualError(t, err, "1 of 2 parts uploaded")

	require.NoError(t, session.Abort(context.Background()))
	assert.Equal(t, []string{"upload-1"}, fake.aborted)
}

func TestMultipartSession_AcceptWithoutETag(t *testing.T) {
	session := newMultipartSession(&Bucket{partSize: MinPartSize}, "key", "upload-1", 10)

	completed, err := session.Accept(chunkuploader.ChunkRange{Start: 0, End: 9, Total: 10}, &chunkuploader.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
	})
	require.Error(t, err)
	assert.False(t, completed)
}

func TestBucket_CreateSession_TooManyParts(t *testing.T) {
	bucket := newTestBucket(t, newFakeS3())

	_, err := bucket.CreateSession(context.Background(), nil, "huge.bin", (MaxParts+1)*MinPartSize)
	require.Error(t, err)
}

func TestBucket_GetItem_NotFound(t *testing.T) {
	bucket := newTestBucket(t, newFakeS3())

	_, err := bucket.GetItem(context.Background(), nil, "missing.zip")
	require.Error(t, err)
	assert.ErrorIs(t, err, drive.ErrNotFound)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		header []byte
		want   string
	}{
		{name: "sniffed", file: "archive", header: []byte("PK\x03\x04"), want: "application/zip"},
		{name: "extension", file: "notes.html", want: "text/html; charset=utf-8"},
		{name: "unknown", file: "blob", want: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentType(tt.file, tt.header))
		})
	}
}
