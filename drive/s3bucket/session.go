package s3bucket

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

// multipartSession sends every chunk as one part of a multipart upload. Part numbers are
// 1-based chunk indexes.
type multipartSession struct {
	bucket   *Bucket
	key      string
	uploadID string
	size     int64

	mu        sync.Mutex
	parts     map[int32]string
	completed bool
}

func newMultipartSession(bucket *Bucket, key, uploadID string, size int64) *multipartSession {
	return &multipartSession{
		bucket:   bucket,
		key:      key,
		uploadID: uploadID,
		size:     size,
		parts:    map[int32]string{},
	}
}

func partNumber(rng chunkuploader.ChunkRange) int32 {
	return int32(rng.Index + 1)
}

// Request presigns the UploadPart request of rng.
func (s *multipartSession) Request(ctx context.Context, rng chunkuploader.ChunkRange) (chunkuploader.UploadURL, error) {
	if rng.Total != s.size {
		return chunkuploader.UploadURL{}, fmt.Errorf("%s belongs to a file of %d bytes, session is for %d bytes", rng, rng.Total, s.size)
	}

	req, err := s.bucket.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int32(partNumber(rng)),
		ContentLength: aws.Int64(rng.Len()),
	})
	if err != nil {
		return chunkuploader.UploadURL{}, fmt.Errorf("presign part %d: %w", partNumber(rng), err)
	}

	headers := map[string]string{}
	for name, values := range req.SignedHeader {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Content-Length":
			continue
		}
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	return chunkuploader.UploadURL{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
	}, nil
}

// Accept records the ETag of the uploaded part.
func (s *multipartSession) Accept(rng chunkuploader.ChunkRange, resp *chunkuploader.Response) (bool, error) {
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return false, fmt.Errorf("no ETag in response for part %d", partNumber(rng))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.parts[partNumber(rng)] = etag
	if rng.IsLast() {
		s.completed = true
	}
	return s.completed, nil
}

func (s *multipartSession) completedParts() []types.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]types.CompletedPart, 0, len(s.parts))
	for number, etag := range s.parts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(number),
		})
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts
}

// Complete assembles the parts into the object.
func (s *multipartSession) Complete(ctx context.Context) (*drive.Item, error) {
	parts := s.completedParts()
	if want := chunkuploader.NumChunks(s.size, s.bucket.partSize); len(parts) != want {
		return nil, fmt.Errorf("%d of %d parts uploaded", len(parts), want)
	}

	_, err := s.bucket.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	return s.bucket.headObject(ctx, s.key)
}

// Abort discards the uploaded parts.
func (s *multipartSession) Abort(ctx context.Context) error {
	_, err := s.bucket.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}
