// Package client talks to a bifrost registry over HTTP.
//
// GET requests are retried with exponential backoff on transport errors and
// 5xx responses. Every request passes through a circuit breaker, and hosts
// are resolved through a periodically refreshed DNS cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

// RequestIDHeader carries a per-request ID the server logs.
const RequestIDHeader = "X-Request-Id"

// Client is a registry client. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	noRedirect    *http.Client
	breaker       *circuit.Breaker
	userAgent     string
	maxRetries    uint64
	retryInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default DNS-caching HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxRetries sets how many times a failed GET is retried.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryInterval sets the first backoff delay.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithLogger sets the logger for retries.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the registry at baseURL. Call Close to stop the
// DNS cache refresher.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		userAgent:     "bifrost-client/1.0",
		maxRetries:    3,
		retryInterval: 500 * time.Millisecond,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.http == nil {
		c.http = c.dnsCachingClient()
	}
	if c.breaker == nil {
		c.breaker = newBreaker()
	}

	noRedirect := *c.http
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.noRedirect = &noRedirect
	return c
}

// Close stops background work. The client must not be used afterwards.
func (c *Client) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// BreakerState reports "open" or "closed".
func (c *Client) BreakerState() string {
	if c.breaker.Tripped() {
		return "open"
	}
	return "closed"
}

// newBreaker trips after 5 failures and probes again with exponential
// backoff.
func newBreaker() *circuit.Breaker {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Second
	expBackoff.MaxInterval = 2 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
}

func (c *Client) dnsCachingClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-c.stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var lastErr error
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, fmt.Errorf("dial %s: %w", host, lastErr)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, uuid.New().String())
	return req, nil
}

// send performs one request through the circuit breaker. Transport errors
// and 5xx responses count as failures and come back as errors.
func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Call(func() error {
		r, err := hc.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			return decodeAPIError(r)
		}
		resp = r
		return nil
	}, 0)
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.baseURL)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// get issues a GET, retrying transient failures.
func (c *Client) get(ctx context.Context, hc *http.Client, url string) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()

	var (
		resp    *http.Response
		final   error
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		req, err := c.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			final = err
			return nil
		}
		r, err := c.send(hc, req)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				final = err
				return nil
			}
			c.logger.Debug("request failed, retrying", "url", url, "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	if final != nil {
		return nil, final
	}
	return resp, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// expect returns resp if its status is one of codes, otherwise the decoded
// error.
func expect(resp *http.Response, codes ...int) (*http.Response, error) {
	for _, code := range codes {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	return nil, decodeAPIError(resp)
}
