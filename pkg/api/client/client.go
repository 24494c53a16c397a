package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/forge/pkg/logger"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultUploadTimeout    = 5 * time.Minute
	defaultMaxResponseBytes = 50 << 20
)

var securityHeaders = []string{"X-Content-Type-Options", "X-Frame-Options", "X-Xss-Protection"}

// Client is the hardened HTTP client used for every call the CLI makes to
// the forgekit API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	policy        *HostPolicy
	logger        *slog.Logger
	version       string
	timeout       time.Duration
	uploadTimeout time.Duration
	maxResponse   int64
	now           func() time.Time

	roots          *x509.CertPool
	customHTTP     bool
	allowedDomains []string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the hardened HTTP client. Host allow-listing still
// applies before each request.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.customHTTP = true
		}
	}
}

// WithLogger sets the logger used for security warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAllowedDomains replaces the default domain family allow-list.
func WithAllowedDomains(domains []string) Option {
	return func(c *Client) {
		if len(domains) > 0 {
			c.allowedDomains = domains
		}
	}
}

// WithVersion sets the version advertised in the User-Agent header.
func WithVersion(v string) Option {
	return func(c *Client) {
		if strings.TrimSpace(v) != "" {
			c.version = strings.TrimSpace(v)
		}
	}
}

// WithTimeouts sets per-request and upload timeouts. Zero keeps the default.
func WithTimeouts(request, upload time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.timeout = request
		}
		if upload > 0 {
			c.uploadTimeout = upload
		}
	}
}

// WithMaxResponseBytes caps accepted response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponse = n
		}
	}
}

// WithRootCAs trusts pool instead of the system roots.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.roots = pool
	}
}

// WithClock overrides the time source used for request timestamps and
// certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "https://api.forgekit.ai"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Scheme == "http" && !isLocalHost(parsed.Host) {
		return nil, &SecurityError{Reason: "plain http is only permitted for localhost", Host: parsed.Hostname()}
	}
	cli := &Client{
		baseURL:        strings.TrimRight(trimmed, "/"),
		logger:         logger.Discard(),
		version:        "dev",
		timeout:        defaultTimeout,
		uploadTimeout:  defaultUploadTimeout,
		maxResponse:    defaultMaxResponseBytes,
		now:            time.Now,
		allowedDomains: []string{"forgekit.ai"},
	}
	for _, opt := range opts {
		opt(cli)
	}
	cli.policy = NewHostPolicy(cli.allowedDomains)
	if !cli.customHTTP {
		cli.httpClient = &http.Client{
			Transport:     newTransport(cli.policy, cli.roots, cli.now),
			CheckRedirect: checkRedirect(cli.policy),
		}
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// request describes one outbound call.
type request struct {
	method      string
	path        string
	token       string
	body        io.Reader
	contentType string
	integrity   string
	timeout     time.Duration
}

func jsonRequest(method, path, token string, body any) (request, error) {
	req := request{method: method, path: path, token: token}
	if body == nil {
		return req, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return req, fmt.Errorf("encode request body: %w", err)
	}
	sum := sha256.Sum256(payload)
	req.body = bytes.NewReader(payload)
	req.contentType = "application/json"
	req.integrity = "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
	return req, nil
}

// Get issues a GET and decodes the JSON response into v.
func (c *Client) Get(ctx context.Context, path, token string, v any) error {
	req, _ := jsonRequest(http.MethodGet, path, token, nil)
	_, err := c.do(ctx, req, v)
	return err
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path, token string, body, v any) error {
	req, err := jsonRequest(http.MethodPost, path, token, body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req, v)
	return err
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path, token string, body, v any) error {
	req, err := jsonRequest(http.MethodPut, path, token, body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req, v)
	return err
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path, token string, v any) error {
	req, _ := jsonRequest(http.MethodDelete, path, token, nil)
	_, err := c.do(ctx, req, v)
	return err
}

// do sends r and returns the raw body after validation. When v is non-nil
// the body is also decoded into it.
func (c *Client) do(ctx context.Context, r request, v any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := r.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + r.path
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if !c.policy.Allowed(target.Host) {
		return nil, &SecurityError{Reason: "host not in allow-list", Host: target.Hostname()}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, r.body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, r)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(target.Hostname(), err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxResponse {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, &NetworkError{Op: "read response", Err: err}
	}
	if int64(len(data)) > c.maxResponse {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, c.maxResponse)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newAPIError(resp.StatusCode, extractError(data))
	}
	c.warnMissingHeaders(resp.Header)

	if len(data) == 0 {
		if resp.StatusCode == http.StatusNoContent && v == nil {
			return nil, nil
		}
		return nil, ErrEmptyResponse
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && !json.Valid(data) {
		return nil, ErrMalformedResponse
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request, r request) {
	req.Header.Set("User-Agent", "forge-cli/"+c.version)
	req.Header.Set("X-Requested-With", "forge-cli")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.integrity != "" {
		req.Header.Set("X-Content-Integrity", r.integrity)
	}
	if token := strings.TrimSpace(r.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) warnMissingHeaders(h http.Header) {
	for _, name := range securityHeaders {
		if h.Get(name) == "" {
			c.logger.Warn("response missing security header", "header", strings.ToLower(name))
		}
	}
}

func (c *Client) transportError(host string, err error) error {
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		if secErr.Reason != "" && strings.HasPrefix(secErr.Reason, "certificate") {
			c.logger.Error("certificate validation failed; connection may be intercepted", "host", host, "error", secErr)
		}
		return secErr
	}
	if isCertificateError(err) {
		c.logger.Error("certificate validation failed; connection may be intercepted", "host", host, "error", err)
		return &SecurityError{Reason: "certificate rejected", Host: host, Err: err}
	}
	return &NetworkError{Op: "perform request", Err: err}
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Error != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(payload.Message)
}
