package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storesync/internal/config"
	"storesync/internal/services"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorSnippet       = 512
)

// HTTPDoer describes the HTTP client used by the platform client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenFunc resolves the bearer token for an account.
type TokenFunc func(accountID string) (string, error)

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPDoer overrides the default HTTP client.
func WithHTTPDoer(doer HTTPDoer) Option {
	return func(c *HTTPClient) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithNow overrides the clock used to interpret HTTP-date Retry-After values.
func WithNow(now func() time.Time) Option {
	return func(c *HTTPClient) {
		if now != nil {
			c.now = now
		}
	}
}

// HTTPClient creates listings through a JSON REST endpoint.
type HTTPClient struct {
	name      string
	baseURL   string
	userAgent string
	timeout   time.Duration
	tokens    TokenFunc
	http      HTTPDoer
	now       func() time.Time
}

// NewHTTPClient constructs a client for one platform.
func NewHTTPClient(name string, settings config.Platform, timeout time.Duration, tokens TokenFunc, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := &HTTPClient{
		name:      name,
		baseURL:   strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/"),
		userAgent: strings.TrimSpace(settings.UserAgent),
		timeout:   timeout,
		tokens:    tokens,
		http:      &http.Client{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type listingResponse struct {
	ListingID string `json:"listing_id"`
	ID        string `json:"id"`
}

// CreateListing posts payload to {base_url}/accounts/{id}/listings.
func (c *HTTPClient) CreateListing(ctx context.Context, accountID, payload string) (string, error) {
	if c.baseURL == "" {
		return "", c.wrap(services.ErrConfiguration, "base_url is not configured", nil)
	}
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return "", c.wrap(services.ErrValidation, "payload is not valid JSON", nil)
	}
	token := ""
	if c.tokens != nil {
		var err error
		if token, err = c.tokens(accountID); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/accounts/%s/listings", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(payload))
	if err != nil {
		return "", c.wrap(services.ErrConfiguration, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", c.transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusError(resp, body)
	}

	var decoded listingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", c.wrap(services.ErrPermanent, "decode response", err)
	}
	listingID := strings.TrimSpace(decoded.ListingID)
	if listingID == "" {
		listingID = strings.TrimSpace(decoded.ID)
	}
	if listingID == "" {
		return "", c.wrap(services.ErrPermanent, "response missing listing id", nil)
	}
	return listingID, nil
}

func (c *HTTPClient) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.wrap(services.ErrTimeout, "request timed out", err)
	}
	return c.wrap(services.ErrTransient, "request failed", err)
}

func (c *HTTPClient) statusError(resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(body))
	retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	var marker error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		marker = services.ErrRateLimited
	case resp.StatusCode == http.StatusRequestTimeout:
		marker = services.ErrTimeout
	case resp.StatusCode >= 500:
		marker = services.ErrTransient
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		marker = services.ErrValidation
	default:
		marker = services.ErrPermanent
	}
	return services.WithRetryAfter(c.wrap(marker, msg, nil), retryAfter)
}

func (c *HTTPClient) wrap(marker error, msg string, err error) error {
	return services.Wrap(marker, "platform "+c.name, "create listing", msg, err)
}

func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := when.Sub(now)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorSnippet {
		text = text[:maxErrorSnippet] + "..."
	}
	if text == "" {
		return "(empty body)"
	}
	return text
}
