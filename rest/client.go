package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var UserAgent = "DiscordBot (https://github.com/WelcomerTeam/Sandwich-Gateway, 1.0.0)"

const (
	DefaultMaxRetries         = 3
	DefaultMaxThrottleRetries = 5
	DefaultRetryDelay         = 500 * time.Millisecond
	DefaultTimeout            = 30 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTP *http.Client

	// Global state shared with other clients using the same token.
	Global *GlobalRateState

	// BaseURL overrides the URL derived from Channel and APIVersion.
	BaseURL    string
	Channel    APIChannel
	APIVersion int

	Token     string
	TokenType TokenType

	MaxRetries         int
	MaxThrottleRetries int
	GlobalLimit        int
	RetryDelay         time.Duration
	Timeout            time.Duration
}

// Client sends REST requests through the rate limiter.
type Client struct {
	Logger zerolog.Logger

	HTTP        *http.Client
	RateLimiter *RateLimiter

	baseURL       string
	authorization string

	MaxRetries         int
	MaxThrottleRetries int
	RetryDelay         time.Duration
}

// Request is a single REST call. Endpoint is relative to the API root,
// e.g. /gateway/bot.
type Request struct {
	Headers     http.Header
	Method      string
	Endpoint    string
	ContentType string
	Reason      string
	Body        []byte
	NoAuth      bool
}

// Response is a successful REST response.
type Response struct {
	Header     http.Header
	RequestID  string
	Bucket     string
	Body       []byte
	StatusCode int
	Attempts   int
}

// NewClient creates a Client. A zero option falls back to its default.
func NewClient(logger zerolog.Logger, options ClientOptions) *Client {
	logger = logger.With().Str("component", "rest").Logger()

	httpClient := options.HTTP
	if httpClient == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = options.Channel.APIURL(options.APIVersion)
	}

	global := options.Global
	if global == nil {
		global = NewGlobalRateState(options.GlobalLimit)
	}

	client := &Client{
		Logger: logger,

		HTTP:        httpClient,
		RateLimiter: NewRateLimiter(logger, global),

		baseURL:       strings.TrimSuffix(baseURL, "/"),
		authorization: FormatToken(options.TokenType, options.Token),

		MaxRetries:         options.MaxRetries,
		MaxThrottleRetries: options.MaxThrottleRetries,
		RetryDelay:         options.RetryDelay,
	}

	if client.MaxRetries <= 0 {
		client.MaxRetries = DefaultMaxRetries
	}

	if client.MaxThrottleRetries <= 0 {
		client.MaxThrottleRetries = DefaultMaxThrottleRetries
	}

	if client.RetryDelay <= 0 {
		client.RetryDelay = DefaultRetryDelay
	}

	return client
}

// BaseURL returns the API root requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit sends a request, waiting on its bucket and the global ceiling.
// Network failures and 5xx responses are retried with exponential backoff
// and 429 responses are waited out. Other 4xx are returned immediately.
func (c *Client) Submit(ctx context.Context, req *Request) (*Response, error) {
	route := ParseRoute(req.Method, req.Endpoint)
	requestID := uuid.NewString()

	logger := c.Logger.With().
		Str("requestId", requestID).
		Str("route", route.Key).
		Logger()

	start := time.Now()

	defer func() {
		restRequestDuration.WithLabelValues(route.Key).Observe(time.Since(start).Seconds())
	}()

	var failures, throttles int

	for {
		resp, err := c.attempt(ctx, route, req, requestID)
		if err == nil {
			resp.Attempts = failures + throttles + 1

			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctxErr)
		}

		var throttleError *ThrottleError

		var networkError *NetworkError

		var serverError *ServerError

		switch {
		case errors.As(err, &throttleError):
			throttles++

			if throttles > c.MaxThrottleRetries {
				return nil, err
			}

			logger.Debug().
				Dur("retryAfter", throttleError.RetryAfter).
				Bool("global", throttleError.Global).
				Msg("Request was throttled, waiting for bucket")
		case errors.As(err, &networkError), errors.As(err, &serverError):
			failures++

			if failures > c.MaxRetries {
				return nil, err
			}

			delay := c.RetryDelay << (failures - 1)

			logger.Warn().Err(err).
				Int("attempt", failures).
				Dur("retry", delay).
				Msg("Request failed, retrying")

			if err := sleepContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("request cancelled: %w", err)
			}
		default:
			return nil, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, route Route, req *Request, requestID string) (*Response, error) {
	permit, err := c.RateLimiter.Acquire(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire permit: %w", err)
	}

	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		c.RateLimiter.Release(permit, 0, nil)

		return nil, err
	}

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		c.RateLimiter.Release(permit, 0, nil)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &NetworkError{Err: err}
	}

	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(httpResp.Body)

	header := httpResp.Header
	statusCode := httpResp.StatusCode

	if statusCode == http.StatusTooManyRequests {
		applyTooManyRequests(header, body)
	}

	c.RateLimiter.Release(permit, statusCode, header)

	restRequests.WithLabelValues(route.Key, strconv.Itoa(statusCode)).Inc()

	if readErr != nil {
		return nil, &NetworkError{Err: fmt.Errorf("failed to read body: %w", readErr)}
	}

	bucket := permit.Bucket()
	if bucket == "" {
		bucket = header.Get(HeaderRateLimitBucket)
	}

	c.Logger.Trace().
		Str("requestId", requestID).
		Str("route", route.Key).
		Str("bucket", bucket).
		Int("status", statusCode).
		Msg("Received response")

	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return &Response{
			Header:     header,
			RequestID:  requestID,
			Bucket:     bucket,
			Body:       body,
			StatusCode: statusCode,
		}, nil
	case statusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{
			Bucket:     bucket,
			RetryAfter: parseRetryAfter(header),
			Global:     isGlobal(header),
		}
	case statusCode >= http.StatusInternalServerError:
		return nil, &ServerError{StatusCode: statusCode, Body: body}
	default:
		requestError := &RequestError{StatusCode: statusCode, Body: body}

		var restError ErrorBody
		if len(body) > 0 && sandwichjson.Unmarshal(body, &restError) == nil {
			requestError.Discord = &restError
		}

		return nil, requestError
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	httpReq.Header.Set("User-Agent", UserAgent)

	if !req.NoAuth {
		if c.authorization == "" {
			return nil, ErrNoToken
		}

		httpReq.Header.Set("Authorization", c.authorization)
	}

	if req.Body != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}

		httpReq.Header.Set("Content-Type", contentType)
	}

	if req.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Reason))
	}

	return httpReq, nil
}

// applyTooManyRequests prefers the body's retry_after, which has millisecond
// precision, over the rounded Retry-After header.
func applyTooManyRequests(header http.Header, body []byte) {
	var tooManyRequests TooManyRequests

	if len(body) == 0 || sandwichjson.Unmarshal(body, &tooManyRequests) != nil {
		return
	}

	if tooManyRequests.RetryAfter > 0 {
		header.Set(HeaderRetryAfter, strconv.FormatFloat(tooManyRequests.RetryAfter, 'f', -1, 64))
	}

	if tooManyRequests.Global {
		header.Set(HeaderRateLimitGlobal, "true")
	}
}

// Fetch sends a request and returns the response body.
func (c *Client) Fetch(ctx context.Context, method, endpoint string, body []byte, headers http.Header) ([]byte, error) {
	resp, err := c.Submit(ctx, &Request{
		Method:   method,
		Endpoint: endpoint,
		Body:     body,
		Headers:  headers,
	})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// FetchJSON marshals payload as the body, if not nil, and unmarshals the
// response into response, if not nil.
func (c *Client) FetchJSON(ctx context.Context, method, endpoint string, payload, response any) error {
	var body []byte

	if payload != nil {
		var err error

		body, err = sandwichjson.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	resp, err := c.Fetch(ctx, method, endpoint, body, nil)
	if err != nil {
		return err
	}

	if response != nil && len(resp) > 0 {
		err = sandwichjson.Unmarshal(resp, response)
		if err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
