// Package drive describes the remote storage a file is uploaded to.
package drive

import (
	"context"
	"errors"
	"io"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

// ErrNotFound is returned when the requested remote item does not exist.
var ErrNotFound = errors.New("remote item not found")

// Item is a file or folder on the remote drive.
type Item struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	WebURL string `json:"web_url"`
	Size   int64  `json:"size"`
	Folder bool   `json:"folder,omitempty"`
}

// Drive is the remote storage as used by a file upload.
type Drive interface {
	// ResolveFolder returns the folder at the given path, relative to the drive root.
	ResolveFolder(ctx context.Context, path string) (*Item, error)

	// UploadSmall uploads content with a single request.
	UploadSmall(ctx context.Context, folder *Item, name string, content io.Reader, size int64) (*Item, error)

	// CreateSession starts a resumable upload session for a file of the given size.
	CreateSession(ctx context.Context, folder *Item, name string, size int64) (Session, error)

	// GetItem returns the item named name in folder.
	GetItem(ctx context.Context, folder *Item, name string) (*Item, error)
}

// Session is a remote upload session bound to a single file.
type Session interface {
	chunkuploader.Target

	// Complete finalizes the session once every chunk was accepted.
	Complete(ctx context.Context) (*Item, error)

	// Abort abandons the session.
	Abort(ctx context.Context) error
}
