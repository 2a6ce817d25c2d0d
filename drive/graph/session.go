package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

type uploadSession struct {
	client    *Client
	folder    *drive.Item
	name      string
	size      int64
	uploadURL string

	// item is the drive item returned with the last range, if any.
	item *drive.Item
}

type uploadProgressResponse struct {
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// Request sends rng to the pre-authenticated session URL. The Authorization header must
// not be sent to this URL.
func (s *uploadSession) Request(_ context.Context, rng chunkuploader.ChunkRange) (chunkuploader.UploadURL, error) {
	if rng.Total != s.size {
		return chunkuploader.UploadURL{}, fmt.Errorf("%s belongs to a file of %d bytes, session is for %d bytes", rng, rng.Total, s.size)
	}

	return chunkuploader.UploadURL{
		Method: http.MethodPut,
		URL:    s.uploadURL,
		Headers: map[string]string{
			"Content-Range": rng.ContentRange(),
		},
	}, nil
}

// Accept checks that the session moved past rng. Graph answers 202 for intermediate
// ranges and 200 or 201 with the drive item for the last one.
func (s *uploadSession) Accept(rng chunkuploader.ChunkRange, resp *chunkuploader.Response) (bool, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if len(resp.Body) == 0 {
			return true, nil
		}
		var item driveItem
		if err := json.Unmarshal(resp.Body, &item); err != nil {
			return false, fmt.Errorf("decode uploaded item: %w", err)
		}
		if item.ID != "" {
			s.item = item.toItem()
			if s.item.Path == "" && s.folder != nil {
				s.item.Path = path.Join(s.folder.Path, item.Name)
			}
		}
		return true, nil
	case http.StatusAccepted:
		var progress uploadProgressResponse
		if len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, &progress); err != nil {
				return false, fmt.Errorf("decode upload progress: %w", err)
			}
		}
		if len(progress.NextExpectedRanges) > 0 {
			next, err := rangeStart(progress.NextExpectedRanges[0])
			if err != nil {
				return false, err
			}
			if next != rng.End+1 {
				return false, fmt.Errorf("remote expects offset %d after %s", next, rng)
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rng)
	}
}

// Complete returns the uploaded item as it is stored on the drive. The item sent with the
// last range wins, since a rename conflict stores the file under another name.
func (s *uploadSession) Complete(ctx context.Context) (*drive.Item, error) {
	if s.item != nil {
		return s.item, nil
	}
	return s.client.GetItem(ctx, s.folder, s.name)
}

// Abort deletes the upload session.
func (s *uploadSession) Abort(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.uploadURL, nil)
	if err != nil {
		return err
	}

	if err := s.client.doOnce(s.client.uploadHTTPClient, req, nil, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("cancel upload session: %w", err)
	}
	return nil
}

// rangeStart parses the start offset of a "start-end" or "start-" range.
func rangeStart(r string) (int64, error) {
	start := r
	if idx := strings.Index(r, "-"); idx >= 0 {
		start = r[:idx]
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expected range %q: %w", r, err)
	}
	return offset, nil
}
