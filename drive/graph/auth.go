package graph

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials of an app registration allowed to write the target site.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// LoginEndpoint is the host of the token authority. Defaults to the global cloud.
	LoginEndpoint string
	// GraphEndpoint is the Graph host. Defaults to the global cloud.
	GraphEndpoint string
}

func (c Credentials) loginEndpoint() string {
	if c.LoginEndpoint == "" {
		return DefaultLoginEndpoint
	}
	return hostOf(c.LoginEndpoint)
}

func (c Credentials) graphEndpoint() string {
	if c.GraphEndpoint == "" {
		return DefaultGraphEndpoint
	}
	return hostOf(c.GraphEndpoint)
}

// BaseURL is the Graph API root on the configured Graph host.
func (c Credentials) BaseURL() string {
	return fmt.Sprintf("https://%s/v1.0", c.graphEndpoint())
}

func (c Credentials) tokenConfig() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", c.loginEndpoint(), c.TenantID),
		Scopes:       []string{fmt.Sprintf("https://%s/.default", c.graphEndpoint())},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
}

// NewAuthenticatedClient returns a retrying HTTP client that attaches an app-only access token
// to every request and sends requests addressed to the global Graph host to the configured one.
func NewAuthenticatedClient(ctx context.Context, creds Credentials, logger log.Logger) (*retryablehttp.Client, error) {
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("tenant ID, client ID and client secret are required")
	}

	base := &endpointRewriter{
		host: creds.graphEndpoint(),
		next: http.DefaultTransport,
	}

	// The token request goes through its own client, without the bearer transport.
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: http.DefaultTransport})
	source := creds.tokenConfig().TokenSource(tokenCtx)

	client := retryhttp.NewClient(logger)
	client.HTTPClient = &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, source),
			Base:   base,
		},
	}
	return client, nil
}

// endpointRewriter sends requests addressed to the global Graph host to a sovereign cloud host.
type endpointRewriter struct {
	host string
	next http.RoundTripper
}

func (t *endpointRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.host == "" || req.URL.Host != DefaultGraphEndpoint || t.host == DefaultGraphEndpoint {
		return t.next.RoundTrip(req)
	}

	rewritten := req.Clone(req.Context())
	rewritten.URL.Host = t.host
	rewritten.Host = t.host
	return t.next.RoundTrip(rewritten)
}

// hostOf accepts both bare hosts and URLs.
func hostOf(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx >= 0 {
		endpoint = endpoint[:idx]
	}
	return endpoint
}
