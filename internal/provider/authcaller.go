package provider

import (
	"net/http"
	"strings"
	"time"
)

// TokenSource returns the current bearer token to attach to outgoing
// requests. It is called once per request, so a TokenSource backed by a
// refreshing credential store can rotate tokens without restarting the
// client.
type TokenSource func() (string, error)

// StaticToken builds a TokenSource that always returns the same token.
func StaticToken(token string) TokenSource {
	return func() (string, error) { return token, nil }
}

// BearerCaller is the default HTTPCaller: it attaches an Authorization
// header via TokenSource and delegates to a plain *http.Client. Grounded on
// the teacher's HTTPNotionWriteClient, which stamps the same header before
// every request rather than baking credentials into a shared transport.
type BearerCaller struct {
	httpClient *http.Client
	tokens     TokenSource
	userAgent  string
}

// BearerCallerOptions configures a BearerCaller. Zero values fall back to
// the documented defaults.
type BearerCallerOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
}

// NewBearerCaller builds an HTTPCaller that stamps every request with a
// bearer token obtained from tokens.
func NewBearerCaller(tokens TokenSource, opts BearerCallerOptions) *BearerCaller {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &BearerCaller{
		httpClient: httpClient,
		tokens:     tokens,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

func (c *BearerCaller) Do(req *http.Request) (*http.Response, error) {
	if c.tokens != nil {
		token, err := c.tokens()
		if err != nil {
			return nil, err
		}
		token = strings.TrimSpace(token)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.httpClient.Do(req)
}
