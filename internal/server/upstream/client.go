// Package upstream talks to the upstream chat server on behalf of a user.
// Every call authenticates with the user's upstream credential and goes
// through a retry policy and a shared circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/dmitrijs2005/chatgate/internal/logging"
)

const (
	DefaultTimeout      = 100 * time.Second
	DefaultUserAgent    = "chatgate/1.0"
	DefaultMaxRetries   = 3
	DefaultBackoffBase  = time.Second
	DefaultFailures     = 5
	DefaultOpenInterval = 30 * time.Second
	DefaultTrialTimeout = 5 * time.Second

	maxBodyBytes = 25 << 20
)

// Credentials authenticate a request with HTTP Basic auth.
type Credentials struct {
	Email  string
	APIKey string
}

// Response is a raw upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client is safe for concurrent use. One breaker is shared by all users since
// it tracks the health of the upstream server, not of a credential.
type Client struct {
	base        *url.URL
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
	userAgent   string
	maxRetries  uint64
	backoffBase time.Duration
	failures    uint32
	openFor     time.Duration
	trialFor    time.Duration
	logger      logging.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets the retry count and the first backoff delay (doubling).
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		cl.backoffBase = base
	}
}

// WithBreaker sets the consecutive failures that open the breaker and how
// long it stays open before a trial request.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(cl *Client) {
		cl.failures = failures
		cl.openFor = openFor
	}
}

// WithTrialTimeout bounds the settings request that long-polls send in
// place of themselves while the breaker is half-open.
func WithTrialTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.trialFor = d }
}

func WithLogger(l logging.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// New builds a Client for the upstream at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		base:        u,
		http:        &http.Client{Timeout: timeout},
		userAgent:   DefaultUserAgent,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		failures:    DefaultFailures,
		openFor:     DefaultOpenInterval,
		trialFor:    DefaultTrialTimeout,
		logger:      logging.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("module", "upstream")

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     c.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn(context.Background(), "circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// BaseURL returns the upstream base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// request describes one logical call; body is rebuilt for every attempt.
type request struct {
	method      string
	target      *url.URL
	creds       *Credentials
	contentType string
	body        []byte
	// longPoll requests never take the half-open trial slot themselves.
	longPoll    bool
}

// do runs req under the breaker with retries on transient failures.
func (c *Client) do(ctx context.Context, req request) (*Response, error) {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoffBase))

	var out *Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if req.longPoll && c.breaker.State() == gobreaker.StateHalfOpen {
			if err := c.trial(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrCircuitOpen
			}
		}
		res, err := c.breaker.Execute(func() (any, error) {
			return c.attempt(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return ErrCircuitOpen
			}
			if ctx.Err() == nil && IsTransient(err) {
				c.logger.Debug(ctx, "retrying upstream call", "method", req.method, "path", req.target.Path, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		out = res.(*Response)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	return out, nil
}

// trial spends the half-open slot on a short server settings request. A
// timeout here counts as a failure.
func (c *Client) trial(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, c.trialFor)
	defer cancel()

	_, err := c.breaker.Execute(func() (any, error) {
		res, err := c.attempt(tctx, request{method: http.MethodGet, target: c.resolve("/api/v1/server_settings", nil)})
		if err != nil && ctx.Err() == nil && tctx.Err() != nil {
			return nil, &transportError{err: err}
		}
		return res, err
	})
	return err
}

func (c *Client) attempt(ctx context.Context, req request) (*Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.target.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.creds != nil {
		httpReq.SetBasicAuth(req.creds.Email, req.creds.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp.StatusCode, data)
	}

	return &Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}

func parseError(status int, body []byte) *UpstreamError {
	ue := &UpstreamError{Status: status}
	var env struct {
		Result string `json:"result"`
		Msg    string `json:"msg"`
		Code   string `json:"code"`
	}
	if json.Unmarshal(body, &env) == nil {
		ue.Code = env.Code
		ue.Msg = env.Msg
	}
	if ue.Msg == "" {
		ue.Msg = http.StatusText(status)
	}
	return ue
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return &u
}

// Get performs an authenticated GET of an upstream API path.
func (c *Client) Get(ctx context.Context, creds Credentials, path string, query url.Values) (*Response, error) {
	return c.do(ctx, request{method: http.MethodGet, target: c.resolve(path, query), creds: &creds})
}

// PostForm performs an authenticated form POST.
func (c *Client) PostForm(ctx context.Context, creds Credentials, path string, form url.Values) (*Response, error) {
	return c.do(ctx, request{
		method:      http.MethodPost,
		target:      c.resolve(path, nil),
		creds:       &creds,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(form.Encode()),
	})
}

// Delete performs an authenticated DELETE with query parameters.
func (c *Client) Delete(ctx context.Context, creds Credentials, path string, query url.Values) (*Response, error) {
	return c.do(ctx, request{method: http.MethodDelete, target: c.resolve(path, query), creds: &creds})
}

// PostFile uploads one file as multipart/form-data.
func (c *Client) PostFile(ctx context.Context, creds Credentials, path, field, filename string, data []byte) (*Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		target:      c.resolve(path, nil),
		creds:       &creds,
		contentType: mw.FormDataContentType(),
		body:        buf.Bytes(),
	})
}

// ErrForeignURL is returned by Fetch for URLs outside the upstream origin.
var ErrForeignURL = errors.New("url is not on the upstream server")

// Fetch downloads a resource referenced by upstream content, such as an
// image in a rendered message. Relative references resolve against the base
// URL; absolute ones must share its origin.
func (c *Client) Fetch(ctx context.Context, creds Credentials, ref string) (*Response, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	target := c.base.ResolveReference(u)
	if target.Scheme != c.base.Scheme || target.Host != c.base.Host {
		return nil, ErrForeignURL
	}
	return c.do(ctx, request{method: http.MethodGet, target: target, creds: &creds})
}
