// Package provider wraps an authenticated HTTP caller with the throttling,
// retry, and failure-classification rules required to talk to a rate-limited
// remote file provider without hammering it during an outage.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidInput is returned when a caller supplies an unusable argument.
var ErrInvalidInput = errors.New("provider: invalid input")

// RateLimitError is returned once retries are exhausted against a
// rate-limited response. It carries the last retry hint the provider sent,
// in case a caller wants to report it upward.
type RateLimitError struct {
	RetryHint time.Duration
	Status    int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider: rate limited (status %d), retry hint %s", e.Status, e.RetryHint)
}

// TransientError wraps a 5xx response that kept failing after max_retries.
type TransientError struct {
	Status int
	Body   string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider: transient remote failure (status %d)", e.Status)
}

// TerminalError wraps any non-retryable 4xx response (excluding 429/403,
// which are classified as rate-limit). It is propagated immediately, with
// no retry at this layer.
type TerminalError struct {
	Status int
	Body   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("provider: terminal remote failure (status %d)", e.Status)
}

// HTTPCaller is the already-authenticated HTTP transport the client is
// built around. Acquiring and refreshing credentials is an external
// collaborator's concern; the client only ever sees a caller that already
// knows how to attach auth to a request.
type HTTPCaller interface {
	Do(req *http.Request) (*http.Response, error)
}

// Descriptor is a single remote file descriptor as returned by the
// provider's listing endpoints.
type Descriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	MimeType     string            `json:"mimeType"`
	Size         int64             `json:"size"`
	ParentID     string            `json:"parentId"`
	ModifiedTime time.Time         `json:"modifiedTime"`
	CreatedTime  time.Time         `json:"createdTime"`
	MD5Checksum  string            `json:"md5Checksum"`
	Trashed      bool              `json:"trashed"`
	Raw          map[string]any    `json:"raw,omitempty"`
	Extra        map[string]string `json:"-"`
}

// ListDescriptorsResult is one page of a full listing.
type ListDescriptorsResult struct {
	Descriptors   []Descriptor `json:"files"`
	NextPageToken string       `json:"nextPageToken"`
}

// Change is a single entry in an incremental change feed: either a removal
// (Removed=true, Descriptor absent) or an upsert carrying a Descriptor.
type Change struct {
	FileID     string      `json:"fileId"`
	Removed    bool        `json:"removed"`
	Descriptor *Descriptor `json:"file,omitempty"`
}

// ListChangesResult is one page of the change feed.
type ListChangesResult struct {
	Changes          []Change `json:"changes"`
	NextPageToken    string   `json:"nextPageToken"`
	NewStartPageTok  string   `json:"newStartPageToken"`
}

// Stats is a point-in-time snapshot of client observability counters.
type Stats struct {
	Requests     int64
	Succeeded    int64
	RateLimited  int64
	Transient    int64
	Terminal     int64
}

// Config controls retry and spacing behaviour. Zero values fall back to
// the documented defaults.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration
	MinSpacing   time.Duration
	Logger       *zap.SugaredLogger
}

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 500 * time.Millisecond
	defaultMinSpacing = 100 * time.Millisecond
	defaultBackoffCap = 60 * time.Second
)

// Client is the single point of contact with the remote provider. Its only
// mutable state is the last-request timestamp (for spacing) and the
// observability counters below; all of those are safe for concurrent use.
type Client struct {
	caller HTTPCaller
	base   string

	maxRetries int
	retryDelay time.Duration
	minSpacing time.Duration
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	lastRequestAt time.Time

	requests    int64
	succeeded   int64
	rateLimited int64
	transient   int64
	terminal    int64
}

// New builds a Client against baseURL using caller for transport.
func New(caller HTTPCaller, baseURL string, cfg Config) (*Client, error) {
	if caller == nil {
		return nil, ErrInvalidInput
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	minSpacing := cfg.MinSpacing
	if minSpacing <= 0 {
		minSpacing = defaultMinSpacing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		caller:     caller,
		base:       baseURL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		minSpacing: minSpacing,
		logger:     logger,
	}, nil
}

// Stats returns a snapshot of the request classification counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    atomic.LoadInt64(&c.requests),
		Succeeded:   atomic.LoadInt64(&c.succeeded),
		RateLimited: atomic.LoadInt64(&c.rateLimited),
		Transient:   atomic.LoadInt64(&c.transient),
		Terminal:    atomic.LoadInt64(&c.terminal),
	}
}

// ListDescriptors fetches one page of the full catalogue, excluding trashed
// entries by default.
func (c *Client) ListDescriptors(ctx context.Context, pageToken string, pageSize int) (ListDescriptorsResult, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	req := func() (*http.Request, error) {
		u := fmt.Sprintf("%s/files?pageSize=%d&trashed=false&fields=id,name,mimeType,size,parentId,modifiedTime,createdTime,md5Checksum,trashed", c.base, pageSize)
		if pageToken != "" {
			u += "&pageToken=" + pageToken
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
	var out ListDescriptorsResult
	err := c.executeWithRetry(ctx, req, &out)
	return out, err
}

// ListChanges fetches one page of the incremental change feed starting at
// cursor, which must be non-empty.
func (c *Client) ListChanges(ctx context.Context, cursor string, pageSize int) (ListChangesResult, error) {
	if strings.TrimSpace(cursor) == "" {
		return ListChangesResult{}, ErrInvalidInput
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	req := func() (*http.Request, error) {
		u := fmt.Sprintf("%s/changes?pageToken=%s&pageSize=%d", c.base, cursor, pageSize)
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
	var out ListChangesResult
	err := c.executeWithRetry(ctx, req, &out)
	return out, err
}

// StartPageToken obtains the cursor to begin an incremental sync from.
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	req := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/changes/startPageToken", nil)
	}
	var out struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.executeWithRetry(ctx, req, &out); err != nil {
		return "", err
	}
	return out.StartPageToken, nil
}

type requestBuilder func() (*http.Request, error)

// executeWithRetry is the shared gate every read operation runs under: it
// waits for the spacing gate, dispatches the request, and classifies the
// response per §4.1 of the design (rate-limit vs. transient vs. terminal).
func (c *Client) executeWithRetry(ctx context.Context, build requestBuilder, out any) error {
	var lastRateLimit *RateLimitError
	var lastTransient *TransientError

	for attempt := 0; ; attempt++ {
		if err := c.waitForSpacing(ctx); err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return err
		}
		atomic.AddInt64(&c.requests, 1)
		resp, err := c.caller.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			atomic.AddInt64(&c.succeeded, 1)
			if out == nil || len(body) == 0 {
				return nil
			}
			return json.Unmarshal(body, out)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
			atomic.AddInt64(&c.rateLimited, 1)
			hint := parseRetryHint(resp.Header.Get("Retry-After"))
			if hint <= 0 {
				hint = c.retryDelay * 2
			}
			lastRateLimit = &RateLimitError{RetryHint: hint, Status: resp.StatusCode}
			if attempt >= c.maxRetries {
				c.logger.Warnw("provider rate limit exhausted retries", "status", resp.StatusCode, "attempts", attempt+1)
				return lastRateLimit
			}
			c.logger.Infow("provider rate limited, backing off", "status", resp.StatusCode, "delay", hint, "attempt", attempt+1)
			if err := sleepWithContext(ctx, hint); err != nil {
				return err
			}
			continue

		case resp.StatusCode >= 500 && resp.StatusCode <= 599:
			atomic.AddInt64(&c.transient, 1)
			lastTransient = &TransientError{Status: resp.StatusCode, Body: string(body)}
			if attempt >= c.maxRetries {
				c.logger.Warnw("provider transient failure exhausted retries", "status", resp.StatusCode, "attempts", attempt+1)
				return lastTransient
			}
			delay := c.retryDelay * time.Duration(1<<uint(attempt))
			if delay > defaultBackoffCap || delay <= 0 {
				delay = defaultBackoffCap
			}
			delay += time.Duration(rand.Int63n(int64(time.Second)))
			c.logger.Infow("provider transient failure, backing off", "status", resp.StatusCode, "delay", delay, "attempt", attempt+1)
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
			continue

		default:
			atomic.AddInt64(&c.terminal, 1)
			return &TerminalError{Status: resp.StatusCode, Body: string(body)}
		}
	}
}

func (c *Client) waitForSpacing(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Duration(0)
	if !c.lastRequestAt.IsZero() {
		elapsed := time.Since(c.lastRequestAt)
		if elapsed < c.minSpacing {
			wait = c.minSpacing - elapsed
		}
	}
	c.lastRequestAt = time.Now().Add(wait)
	c.mu.Unlock()
	return sleepWithContext(ctx, wait)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryHint(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}
