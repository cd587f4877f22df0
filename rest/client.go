package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/wire"
)

const (
	APIVersion      = "10"
	EndpointDiscord = "https://discord.com/api"

	DefaultRequestTimeout = 30 * time.Second
)

// Response is the outcome of a Do call. Cached reports whether the body was
// served from the response cache without a network send.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cached     bool
}

// Client orchestrates the rate limiter, response cache and retry policy
// around an HTTP transport.
type Client struct {
	Logger *slog.Logger

	httpClient  *http.Client
	token       Token
	userAgent   string
	baseURL     string
	rateLimiter *RateLimiter
	cache       *Cache
	retryPolicy *RetryPolicy

	requestID atomic.Int64
}

func NewClient(logger *slog.Logger, token Token, userAgent string) *Client {
	return &Client{
		Logger: logger,

		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		token:       token,
		userAgent:   userAgent,
		baseURL:     EndpointDiscord + "/v" + APIVersion + "/",
		rateLimiter: NewRateLimiter(),
		cache:       nil,
		retryPolicy: DefaultRetryPolicy(),
	}
}

// WithHTTPClient replaces the underlying HTTP client, for custom timeouts or
// proxy transports.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient

	return c
}

// WithBaseURL points the client at a different API base, for request proxies.
func (c *Client) WithBaseURL(baseURL string) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	c.baseURL = baseURL

	return c
}

// WithCache enables the response cache. Caching is off until this is called.
func (c *Client) WithCache(cache *Cache) *Client {
	c.cache = cache

	return c
}

// WithRetryPolicy replaces the retry policy. The policy must validate.
func (c *Client) WithRetryPolicy(policy *RetryPolicy) *Client {
	if err := policy.Validate(); err != nil {
		panic(err)
	}

	c.retryPolicy = policy

	return c
}

// WithRateLimiter shares a rate limiter between clients of the same token.
func (c *Client) WithRateLimiter(rateLimiter *RateLimiter) *Client {
	c.rateLimiter = rateLimiter

	return c
}

// Token exposes the configured token for the gateway identify payload.
func (c *Client) Token() Token {
	return c.token
}

// Do sends a request through the rate-limit, cache and retry pipeline.
func (c *Client) Do(ctx context.Context, endpoint Endpoint, params map[string]string, queries []Query, payload any) (*Response, error) {
	requestID := c.requestID.Add(1)

	logger := c.Logger.With("request_id", requestID, "endpoint", endpoint.ID)

	var cacheKey string

	cacheable := c.cache != nil && endpoint.CacheIdentity != CacheIdentityNone

	if cacheable {
		cacheKey = c.cache.Key(endpoint.CacheIdentity, queries)

		if response, ok := c.cache.Get(cacheKey); ok {
			logger.Debug("Request served from cache", "url", endpoint.Description(params))

			recordCacheHit(endpoint.ID)

			response.Cached = true

			return &response, nil
		}
	}

	path, err := endpoint.URL(params)
	if err != nil {
		return nil, err
	}

	requestURL := c.baseURL + path

	if queryString := EncodeQueries(queries); queryString != "" {
		requestURL += "?" + queryString
	}

	var body []byte

	if payload != nil {
		body, err = wire.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	attempts := 0
	connectionRetried := false

	for {
		if err := c.rateLimiter.ShouldRequest(endpoint.ID, endpoint.CountsAgainstGlobalLimit); err != nil {
			return nil, err
		}

		response, err := c.execute(ctx, endpoint, requestURL, body)
		if err != nil {
			c.rateLimiter.ObserveFailure(endpoint.ID)

			if c.retryPolicy != nil && c.retryPolicy.RetryConnectionErrors && !connectionRetried {
				connectionRetried = true

				wait, ok := c.retryPolicy.WaitBeforeRetry(attempts, nil)
				if !ok {
					return nil, err
				}

				logger.Debug("Retrying after connection error", "error", err, "wait", wait)

				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}

				continue
			}

			return nil, err
		}

		c.rateLimiter.Observe(endpoint.ID, response.StatusCode, response.Header)

		recordRequest(endpoint.ID, response.StatusCode)

		logger.Debug("Request complete",
			"url", endpoint.Description(params),
			"method", endpoint.Method,
			"status", response.StatusCode,
			"attempts", attempts,
		)

		if c.retryPolicy != nil && c.retryPolicy.ShouldRetry(response.StatusCode, attempts) {
			wait, ok := c.retryPolicy.WaitBeforeRetry(attempts, response.Header)
			if !ok {
				return response, fmt.Errorf("%w: status %d", ErrRetriesExhausted, response.StatusCode)
			}

			recordRetry(endpoint.ID)

			logger.Debug("Retrying request", "status", response.StatusCode, "wait", wait)

			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}

			attempts++

			continue
		}

		if response.StatusCode >= 400 {
			return response, discord.NewRestError(endpoint.Method, endpoint.Description(params), response.StatusCode, response.Body)
		}

		if cacheable {
			c.cache.Put(cacheKey, endpoint.CacheIdentity, *response)
		}

		return response, nil
	}
}

// DoJSON sends a request and unmarshals a successful response body into out.
func (c *Client) DoJSON(ctx context.Context, endpoint Endpoint, params map[string]string, queries []Query, payload, out any) error {
	response, err := c.Do(ctx, endpoint, params, queries, payload)
	if err != nil {
		return err
	}

	if out != nil && len(response.Body) > 0 {
		if err := wire.Unmarshal(response.Body, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// GetGateway returns the websocket URL for unauthenticated gateway discovery.
func (c *Client) GetGateway(ctx context.Context) (*discord.GatewayResponse, error) {
	var gateway discord.GatewayResponse

	if err := c.DoJSON(ctx, EndpointGetGateway, nil, nil, nil, &gateway); err != nil {
		return nil, err
	}

	return &gateway, nil
}

// GetGatewayBot returns the recommended shard count, identify concurrency
// and session start limit for the configured token.
func (c *Client) GetGatewayBot(ctx context.Context) (*discord.GatewayBotResponse, error) {
	var gatewayBot discord.GatewayBotResponse

	if err := c.DoJSON(ctx, EndpointGetGatewayBot, nil, nil, nil, &gatewayBot); err != nil {
		return nil, err
	}

	return &gatewayBot, nil
}

func (c *Client) execute(ctx context.Context, endpoint Endpoint, requestURL string, body []byte) (*Response, error) {
	var reader io.Reader

	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, endpoint.Method, requestURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if endpoint.RequiresAuth {
		if c.token.IsZero() {
			return nil, discord.ErrUnauthorized
		}

		req.Header.Set("Authorization", c.token.Authorization())
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to do request: %w", err)
	}

	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       responseBody,
	}, nil
}

func sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)

	select {
	case <-ctx.Done():
		timer.Stop()

		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewProxyClient creates an HTTP client that redirects all requests through
// a specified host. This is useful when using a proxy such as twilight or
// nirn.
func NewProxyClient(client http.Client, host url.URL) *http.Client {
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	client.Transport = &proxyTransport{
		host:      host,
		transport: client.Transport,
	}

	return &client
}

type proxyTransport struct {
	host      url.URL
	transport http.RoundTripper
}

func (t *proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxyReq := req.Clone(req.Context())

	proxyReq.URL.Host = t.host.Host
	proxyReq.URL.Scheme = t.host.Scheme
	proxyReq.Host = t.host.Host

	resp, err := t.transport.RoundTrip(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to round trip: %w", err)
	}

	return resp, nil
}
