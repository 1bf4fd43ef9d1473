package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/backoff"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
)

// HeaderProvider supplies the client headers for platform requests.
type HeaderProvider interface {
	Headers() map[string]string
}

// Client is the shared HTTP+GraphQL client. All requests go through the
// single cookie jar and the per-endpoint-class rate limiters; retries
// are bounded and backed off.
type Client struct {
	mu sync.RWMutex

	httpClient *http.Client
	transport  *http.Transport

	headers  HeaderProvider
	limiters *backoff.Limiters
	policy   backoff.Policy
	log      *logger.Logger

	// gqlURL is the GraphQL endpoint; overridable in tests.
	gqlURL string

	maxRetries int
}

// NewClient creates a Client using the given cookie jar and header
// provider. Connection pooling matches the platform's keep-alive
// behavior.
func NewClient(jar http.CookieJar, headers HeaderProvider, limiters *backoff.Limiters, log *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   constants.DefaultGQLTimeout,
		},
		transport:  transport,
		headers:    headers,
		limiters:   limiters,
		policy:     backoff.New(time.Second, 30*time.Second),
		log:        log,
		gqlURL:     constants.GQLURL,
		maxRetries: constants.DefaultMaxRetries,
	}
}

// SetProxy points the transport at an HTTP or SOCKS proxy URL, or
// restores direct connections when raw is empty. SetProxy does not
// probe the URL; VerifyProxy does.
func (c *Client) SetProxy(raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if raw == "" {
		c.transport.Proxy = nil
		c.transport.CloseIdleConnections()
		return nil
	}

	proxyURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing proxy URL: %w", err)
	}

	c.transport.Proxy = http.ProxyURL(proxyURL)
	c.transport.CloseIdleConnections()
	return nil
}

// VerifyProxy probes a proxy URL by routing a lightweight request
// through it. The client's own transport is untouched.
func (c *Client) VerifyProxy(ctx context.Context, raw string) error {
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing proxy URL: %w", err)
	}

	probe := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   constants.DefaultHTTPTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, constants.TwitchURL, nil)
	if err != nil {
		return fmt.Errorf("creating proxy probe request: %w", err)
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("proxy probe failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxy probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Get performs a rate-limited GET with bounded retries for transient
// failures.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, headers)
}

// Post performs a rate-limited POST with bounded retries for transient
// failures.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, headers map[string]string) ([]byte, int, error) {
	return c.do(ctx, http.MethodPost, rawURL, body, headers)
}

// do runs one request through the general web bucket with the shared
// retry loop. 4xx responses other than 429 fail immediately; 429
// honors Retry-After.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) ([]byte, int, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt-1, lastErr); err != nil {
				return nil, 0, err
			}
			c.log.Debug("Retrying request",
				"method", method, "url", rawURL,
				"attempt", fmt.Sprintf("%d/%d", attempt, c.maxRetries))
		}

		if err := c.limiters.Web.Acquire(ctx); err != nil {
			return nil, 0, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		reqCtx, cancelReq := context.WithTimeout(ctx, constants.DefaultHTTPTimeout)
		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
		if err != nil {
			cancelReq()
			return nil, 0, fmt.Errorf("creating %s request: %w", method, err)
		}
		for k, v := range c.headers.Headers() {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		respBody, status, err := c.roundTrip(req, rawURL)
		cancelReq()
		if err == nil {
			return respBody, status, nil
		}
		lastErr = err
		if !retryable(err) {
			return respBody, status, err
		}
	}

	return nil, 0, fmt.Errorf("request %s %s exhausted retries: %w", method, rawURL, lastErr)
}

// roundTrip executes one attempt and classifies the outcome.
func (c *Client) roundTrip(req *http.Request, op string) ([]byte, int, error) {
	c.mu.RLock()
	client := c.httpClient
	c.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &RequestError{Op: op, Err: err}
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, &RequestError{Op: op, Err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return body, resp.StatusCode, &RequestError{Op: op, Status: resp.StatusCode,
			Err: retryAfterErr(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return body, resp.StatusCode, &RequestError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return body, resp.StatusCode, &RequestInvalidError{Op: op, Status: resp.StatusCode,
			Body: truncate(string(body), 256)}
	}

	return body, resp.StatusCode, nil
}

// sleepBackoff waits the backoff delay for the attempt, preferring the
// server-requested Retry-After when one was attached to the last error.
func (c *Client) sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := c.policy.Delay(attempt)
	if ra, ok := retryAfterFrom(lastErr); ok && ra > delay {
		delay = ra
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// retryAfterError carries a server-requested delay through the error chain.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.delay)
}

func retryAfterErr(header string) error {
	if header == "" {
		return nil
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return nil
	}
	return &retryAfterError{delay: time.Duration(secs) * time.Second}
}

func retryAfterFrom(err error) (time.Duration, bool) {
	for err != nil {
		if ra, ok := err.(*retryAfterError); ok {
			return ra.delay, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    *gqlExtensions `json:"extensions,omitempty"`
	Query         string         `json:"query,omitempty"`
}

type gqlExtensions struct {
	PersistedQuery *persistedQuery `json:"persistedQuery"`
}

type persistedQuery struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlErrorBody  `json:"errors,omitempty"`
}

type gqlErrorBody struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// PostGQL sends a single GQL operation and returns the data portion of
// the response. Transient failures and "service error" payloads are
// retried with backoff; other GQL errors are surfaced.
func (c *Client) PostGQL(ctx context.Context, op constants.GQLOperation, variables map[string]any) (json.RawMessage, error) {
	results, err := c.PostGQLBatch(ctx, []constants.GQLOperation{op}, []map[string]any{variables})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// PostGQLBatch sends up to MaxGQLBatch named operations in one POST.
// Each sub-result is matched back to its caller by index.
func (c *Client) PostGQLBatch(ctx context.Context, ops []constants.GQLOperation, varsList []map[string]any) ([]json.RawMessage, error) {
	if len(ops) != len(varsList) {
		return nil, fmt.Errorf("ops and varsList must have the same length")
	}
	if len(ops) == 0 {
		return nil, nil
	}
	if len(ops) > constants.MaxGQLBatch {
		return nil, fmt.Errorf("batch of %d operations exceeds limit %d", len(ops), constants.MaxGQLBatch)
	}

	batch := make([]gqlRequest, len(ops))
	for i, op := range ops {
		batch[i] = buildRequestBody(op, varsList[i])
	}

	jsonBody, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch GQL request: %w", err)
	}

	opName := ops[0].OperationName
	if len(ops) > 1 {
		opName = fmt.Sprintf("batch[%d]", len(ops))
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt-1, lastErr); err != nil {
				return nil, err
			}
			c.log.Debug("Retrying GQL request",
				"operation", opName,
				"attempt", fmt.Sprintf("%d/%d", attempt, c.maxRetries))
		}

		if err := c.limiters.GQL.Acquire(ctx); err != nil {
			return nil, err
		}

		results, err := c.postGQLOnce(ctx, jsonBody, opName, len(ops))
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("gql %s exhausted retries: %w", opName, lastErr)
}

func (c *Client) postGQLOnce(ctx context.Context, jsonBody []byte, opName string, n int) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gqlURL,
		bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creating GQL request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers.Headers() {
		req.Header.Set(k, v)
	}

	body, _, err := c.roundTrip(req, opName)
	if err != nil {
		return nil, err
	}

	var responses []gqlResponse
	if n == 1 {
		var single gqlResponse
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("parsing GQL response for %s: %w", opName, err)
		}
		responses = []gqlResponse{single}
	} else if err := json.Unmarshal(body, &responses); err != nil {
		return nil, fmt.Errorf("parsing batch GQL response for %s: %w", opName, err)
	}

	if len(responses) != n {
		return nil, &RequestError{Op: opName,
			Err: fmt.Errorf("expected %d batch results, got %d", n, len(responses))}
	}

	results := make([]json.RawMessage, n)
	for i, r := range responses {
		if len(r.Errors) > 0 {
			return nil, &GQLError{Op: opName, Message: r.Errors[0].Message}
		}
		results[i] = r.Data
	}
	return results, nil
}

func buildRequestBody(op constants.GQLOperation, variables map[string]any) gqlRequest {
	req := gqlRequest{
		OperationName: op.OperationName,
		Variables:     variables,
	}

	if op.Query != "" {
		req.Query = op.Query
	} else {
		req.Extensions = &gqlExtensions{
			PersistedQuery: &persistedQuery{
				Version:    1,
				SHA256Hash: op.SHA256Hash,
			},
		}
	}

	return req
}
