package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const httpRetries = 3

// Error is the typed failure returned by the HTTP client.
type Error struct {
	URL    string
	Method string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: %s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPClient talks JSON over HTTP: RPCs as POST /rpc/<name>, table reads
// and writes PostgREST-style under the base URL. Transient failures
// (connection resets, 429, 5xx) are retried with a linear backoff.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTP returns an HTTPClient for the given base URL. The bearer token is
// attached to every request. A nil logger defaults to no-op.
func NewHTTP(baseURL, token string, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		if strings.Contains(err.Error(), "EOF") {
			return true
		}
		return false
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, response any) error {
	fullURL := c.baseURL + path

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return &Error{URL: fullURL, Method: method, Err: errors.Wrap(err, "encode payload")}
		}
	}

	// Terminal diagnostics: the last retryable response/error seen, so an
	// exhausted retry budget still reports what kept failing.
	var (
		lastStatus int
		lastBody   string
		lastErr    error
	)
	for attempt := 0; attempt < httpRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Error{URL: fullURL, Method: method, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return &Error{URL: fullURL, Method: method, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if shouldRetry(resp, err) {
			lastStatus, lastBody, lastErr = 0, "", err
			if resp != nil {
				lastStatus = resp.StatusCode
				b, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				lastBody = preview(b)
			}
			c.log.Debug("backend retrying",
				zap.String("method", method), zap.String("url", fullURL),
				zap.Int("attempt", attempt+1), zap.Int("status", lastStatus), zap.Error(err))
			continue
		}
		if err != nil {
			return &Error{URL: fullURL, Method: method, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &Error{URL: fullURL, Method: method, Status: resp.StatusCode, Err: readErr}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &Error{URL: fullURL, Method: method, Status: resp.StatusCode, Body: preview(respBody)}
		}
		if response != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, response); err != nil {
				return &Error{URL: fullURL, Method: method, Status: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
			}
		}
		return nil
	}
	exhausted := errors.New("retries exhausted")
	if lastErr != nil {
		exhausted = errors.Wrap(lastErr, "retries exhausted")
	}
	return &Error{URL: fullURL, Method: method, Status: lastStatus, Body: lastBody, Err: exhausted}
}

func preview(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

func (c *HTTPClient) rpc(ctx context.Context, name string, params, out any) error {
	return c.do(ctx, http.MethodPost, "/rpc/"+name, params, out)
}

func (c *HTTPClient) ListingsWithDistance(ctx context.Context, q ListingsQuery) ([]Item, error) {
	var items []Item
	if err := c.rpc(ctx, "get_listings_with_distance", q, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) MarketplaceItemsWithDistance(ctx context.Context, q MarketplaceQuery) ([]Item, error) {
	var items []Item
	if err := c.rpc(ctx, "get_marketplace_items_with_distance", q, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) RequestsHierarchical(ctx context.Context, q RequestsQuery) ([]Item, error) {
	var items []Item
	if err := c.rpc(ctx, "get_requests_hierarchical", q, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// fallbackPath builds the filtered, created_at-descending, offset-paged
// table read used when an RPC errors.
func fallbackPath(table string, q FallbackQuery) string {
	params := url.Values{}
	params.Set("order", "created_at.desc")
	params.Set("limit", fmt.Sprint(q.Limit))
	params.Set("offset", fmt.Sprint(q.Offset))
	if q.Category != "" {
		params.Set("category", "eq."+q.Category)
	}
	if q.VerifiedOnly {
		params.Set("verified", "eq.true")
	}
	if q.Search != "" {
		params.Set("title", "ilike.*"+q.Search+"*")
	}
	return "/" + table + "?" + params.Encode()
}

func (c *HTTPClient) ListingsFallback(ctx context.Context, q FallbackQuery) ([]Item, error) {
	var items []Item
	if err := c.do(ctx, http.MethodGet, fallbackPath("listings", q), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) MarketplaceFallback(ctx context.Context, q FallbackQuery) ([]Item, error) {
	var items []Item
	if err := c.do(ctx, http.MethodGet, fallbackPath("marketplace_items", q), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) RequestsFallback(ctx context.Context, q FallbackQuery) ([]Item, error) {
	var items []Item
	if err := c.do(ctx, http.MethodGet, fallbackPath("requests", q), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HTTPClient) CreateListing(ctx context.Context, draft ListingDraft) error {
	return c.do(ctx, http.MethodPost, "/listings", draft, nil)
}

func (c *HTTPClient) UpdateListing(ctx context.Context, id string, patch ListingPatch) error {
	return c.do(ctx, http.MethodPatch, "/listings?id=eq."+url.QueryEscape(id), patch, nil)
}

func (c *HTTPClient) DeleteListing(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/listings?id=eq."+url.QueryEscape(id), nil, nil)
}

func (c *HTTPClient) CreateRequest(ctx context.Context, draft RequestDraft) error {
	return c.do(ctx, http.MethodPost, "/requests", draft, nil)
}

func (c *HTTPClient) UpdateRequest(ctx context.Context, id string, patch RequestPatch) error {
	return c.do(ctx, http.MethodPatch, "/requests?id=eq."+url.QueryEscape(id), patch, nil)
}

func (c *HTTPClient) SendMessage(ctx context.Context, draft MessageDraft) error {
	return c.do(ctx, http.MethodPost, "/messages", draft, nil)
}

func (c *HTTPClient) SendPing(ctx context.Context, draft PingDraft) error {
	return c.do(ctx, http.MethodPost, "/pings", draft, nil)
}

func (c *HTTPClient) CreateChatFromPing(ctx context.Context, pingID string) (string, error) {
	var result struct {
		ChatID string `json:"chat_id"`
	}
	if err := c.rpc(ctx, "create_chat_from_ping", map[string]string{"ping_id": pingID}, &result); err != nil {
		return "", err
	}
	return result.ChatID, nil
}

func (c *HTTPClient) UpdateProfile(ctx context.Context, patch ProfilePatch) error {
	return c.do(ctx, http.MethodPatch, "/profiles", patch, nil)
}

func (c *HTTPClient) UploadAttachment(ctx context.Context, upload Upload) error {
	return c.do(ctx, http.MethodPost, "/storage/"+upload.Bucket+"/"+upload.Path, upload, nil)
}
