package graph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
)

type driveItem struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	WebURL          string           `json:"webUrl"`
	Size            int64            `json:"size"`
	Folder          *folderFacet     `json:"folder,omitempty"`
	ParentReference *parentReference `json:"parentReference,omitempty"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type parentReference struct {
	Path string `json:"path"`
}

func (i driveItem) toItem() *drive.Item {
	item := &drive.Item{
		ID:     i.ID,
		Name:   i.Name,
		WebURL: i.WebURL,
		Size:   i.Size,
		Folder: i.Folder != nil,
	}
	if i.ParentReference != nil {
		// parentReference.path looks like /drive/root:/some/folder
		if idx := strings.Index(i.ParentReference.Path, ":"); idx >= 0 {
			item.Path = path.Join(strings.TrimPrefix(i.ParentReference.Path[idx+1:], "/"), i.Name)
		}
	}
	return item
}

type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"`
}

// ResolveFolder returns the folder at remotePath, creating missing folders on the way.
func (c *Client) ResolveFolder(ctx context.Context, remotePath string) (*drive.Item, error) {
	driveURL, err := c.driveURL(ctx)
	if err != nil {
		return nil, err
	}

	remotePath = cleanRemotePath(remotePath)
	if remotePath == "" {
		return c.getItem(ctx, driveURL+"/root")
	}

	item, err := c.getItem(ctx, fmt.Sprintf("%s/root:/%s", driveURL, escapePath(remotePath)))
	if err == nil {
		if !item.Folder {
			return nil, fmt.Errorf("remote path %s is not a folder", remotePath)
		}
		item.Path = remotePath
		return item, nil
	}
	if !isStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("resolve folder %s: %w", remotePath, err)
	}

	parentPath, name := path.Split(remotePath)
	parent, err := c.ResolveFolder(ctx, parentPath)
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("Creating remote folder %s", remotePath)
	folder, err := c.createFolder(ctx, driveURL, parent, name)
	if err != nil {
		return nil, fmt.Errorf("create folder %s: %w", remotePath, err)
	}
	folder.Path = remotePath
	return folder, nil
}

func (c *Client) createFolder(ctx context.Context, driveURL string, parent *drive.Item, name string) (*drive.Item, error) {
	childrenURL := fmt.Sprintf("%s/items/%s/children", driveURL, parent.ID)
	req, err := c.newJSONRequest(ctx, http.MethodPost, childrenURL, createFolderRequest{
		Name:             name,
		ConflictBehavior: ConflictFail,
	})
	if err != nil {
		return nil, err
	}

	var created driveItem
	err = c.do(req, &created, http.StatusCreated, http.StatusOK)
	if err == nil {
		return created.toItem(), nil
	}
	if !isStatus(err, http.StatusConflict) {
		return nil, err
	}

	// Created in the meantime, or by a retried request.
	return c.GetItem(ctx, parent, name)
}

// GetItem returns the item named name in folder.
func (c *Client) GetItem(ctx context.Context, folder *drive.Item, name string) (*drive.Item, error) {
	driveURL, err := c.driveURL(ctx)
	if err != nil {
		return nil, err
	}

	item, err := c.getItem(ctx, fmt.Sprintf("%s/items/%s:/%s", driveURL, folder.ID, url.PathEscape(name)))
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", name, err)
	}
	if item.Path == "" {
		item.Path = path.Join(folder.Path, name)
	}
	return item, nil
}

func (c *Client) getItem(ctx context.Context, itemURL string) (*drive.Item, error) {
	req, err := c.newRequest(ctx, http.MethodGet, itemURL, nil)
	if err != nil {
		return nil, err
	}

	var item driveItem
	if err := c.do(req, &item, http.StatusOK); err != nil {
		return nil, err
	}
	return item.toItem(), nil
}

// UploadSmall uploads content with a single PUT request. Graph accepts this for files up to 4 MB.
func (c *Client) UploadSmall(ctx context.Context, folder *drive.Item, name string, content io.Reader, size int64) (*drive.Item, error) {
	driveURL, err := c.driveURL(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{"@microsoft.graph.conflictBehavior": {c.conflictBehavior}}
	contentURL := fmt.Sprintf("%s/items/%s:/%s:/content?%s", driveURL, folder.ID, url.PathEscape(name), query.Encode())
	req, err := c.newRequest(ctx, http.MethodPut, contentURL, content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	var item driveItem
	if err := c.doOnce(c.httpClient.HTTPClient, req, &item, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	return item.toItem(), nil
}

type uploadSessionRequest struct {
	Item uploadableProperties `json:"item"`
}

type uploadableProperties struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
	Name             string `json:"name"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// CreateSession starts a resumable upload session. The request is not retried:
// creating a session is not idempotent.
func (c *Client) CreateSession(ctx context.Context, folder *drive.Item, name string, size int64) (drive.Session, error) {
	driveURL, err := c.driveURL(ctx)
	if err != nil {
		return nil, err
	}

	sessionURL := fmt.Sprintf("%s/items/%s:/%s:/createUploadSession", driveURL, folder.ID, url.PathEscape(name))
	req, err := c.newJSONRequest(ctx, http.MethodPost, sessionURL, uploadSessionRequest{
		Item: uploadableProperties{
			ConflictBehavior: c.conflictBehavior,
			Name:             name,
		},
	})
	if err != nil {
		return nil, err
	}

	var resp uploadSessionResponse
	if err := c.doOnce(c.httpClient.HTTPClient, req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	if resp.UploadURL == "" {
		return nil, fmt.Errorf("no upload URL in create upload session response")
	}
	c.logger.Debugf("Upload session created, expires at %s", resp.ExpirationDateTime)

	return &uploadSession{
		client:    c,
		folder:    folder,
		name:      name,
		size:      size,
		uploadURL: resp.UploadURL,
	}, nil
}

func cleanRemotePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}
