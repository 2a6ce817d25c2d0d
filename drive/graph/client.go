// Package graph uploads files to a SharePoint document library through Microsoft Graph.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultGraphEndpoint is the Graph host of the global cloud.
	DefaultGraphEndpoint = "graph.microsoft.com"
	// DefaultLoginEndpoint is the token authority host of the global cloud.
	DefaultLoginEndpoint = "login.microsoftonline.com"
	// MaxFragmentSize is the largest range Graph accepts in one upload session request.
	MaxFragmentSize = 60 * 1024 * 1024

	defaultBaseURL = "https://" + DefaultGraphEndpoint + "/v1.0"
)

// Conflict behaviors accepted by Graph when the uploaded name already exists.
const (
	ConflictReplace = "replace"
	ConflictFail    = "fail"
	ConflictRename  = "rename"
)

// ClientParams ...
type ClientParams struct {
	// BaseURL overrides the Graph API root. Defaults to the global cloud.
	BaseURL          string
	HostName         string
	SiteName         string
	ConflictBehavior string
}

// Client is a drive.Drive backed by the default document library of a SharePoint site.
type Client struct {
	httpClient       *retryablehttp.Client
	uploadHTTPClient *http.Client
	baseURL          string
	hostName         string
	siteName         string
	conflictBehavior string
	logger           log.Logger

	mu     sync.Mutex
	siteID string
}

// NewClient creates a Graph client. httpClient must attach credentials to Graph requests;
// uploadHTTPClient is used for the pre-authenticated upload session URLs.
func NewClient(httpClient *retryablehttp.Client, uploadHTTPClient *http.Client, params ClientParams, logger log.Logger) (*Client, error) {
	if params.HostName == "" {
		return nil, fmt.Errorf("SharePoint host name must not be empty")
	}
	if params.SiteName == "" {
		return nil, fmt.Errorf("site name must not be empty")
	}

	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	conflictBehavior := params.ConflictBehavior
	switch conflictBehavior {
	case "":
		conflictBehavior = ConflictReplace
	case ConflictReplace, ConflictFail, ConflictRename:
	default:
		return nil, fmt.Errorf("invalid conflict behavior: %s", conflictBehavior)
	}

	if uploadHTTPClient == nil {
		uploadHTTPClient = http.DefaultClient
	}

	return &Client{
		httpClient:       httpClient,
		uploadHTTPClient: uploadHTTPClient,
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		hostName:         params.HostName,
		siteName:         params.SiteName,
		conflictBehavior: conflictBehavior,
		logger:           logger,
	}, nil
}

type site struct {
	ID     string `json:"id"`
	WebURL string `json:"webUrl"`
}

// SiteID resolves and caches the ID of the configured site.
func (c *Client) SiteID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.siteID != "" {
		return c.siteID, nil
	}

	siteURL := fmt.Sprintf("%s/sites/%s:/sites/%s", c.baseURL, c.hostName, escapePath(c.siteName))
	req, err := c.newRequest(ctx, http.MethodGet, siteURL, nil)
	if err != nil {
		return "", err
	}

	var s site
	if err := c.do(req, &s, http.StatusOK); err != nil {
		return "", fmt.Errorf("resolve site %s/sites/%s: %w", c.hostName, c.siteName, err)
	}
	c.logger.Debugf("Resolved site %s: %s", s.WebURL, s.ID)

	c.siteID = s.ID
	return c.siteID, nil
}

func (c *Client) driveURL(ctx context.Context) (string, error) {
	siteID, err := c.SiteID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/sites/%s/drive", c.baseURL, siteID), nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, v interface{}) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends an idempotent request with the retrying client.
func (c *Client) do(req *http.Request, out interface{}, expected ...int) error {
	retryableReq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(retryableReq)
	if err != nil {
		return err
	}
	return c.decode(resp, out, expected...)
}

// doOnce sends a request exactly once; retrying it is up to the caller.
func (c *Client) doOnce(client *http.Client, req *http.Request, out interface{}, expected ...int) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return c.decode(resp, out, expected...)
}

func (c *Client) decode(resp *http.Response, out interface{}, expected ...int) error {
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	if !statusIn(resp.StatusCode, expected) {
		return unwrapError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusIn(status int, expected []int) bool {
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

// escapePath escapes every segment of a slash separated path.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
