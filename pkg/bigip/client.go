// Package bigip implements the iControl REST session used to talk to an F5
// BIG-IP appliance: token authentication, JSON requests, a streaming client
// for large transfers and the remote shell executor.
package bigip

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/errors"
)

const (
	loginPath  = "/mgmt/shared/authn/login"
	tokensPath = "/mgmt/shared/authz/tokens/"
	tmPath     = "/mgmt/tm/"

	// AuthHeader carries the bearer token on every authenticated request.
	AuthHeader = "X-F5-Auth-Token"

	defaultTimeout       = 30 * time.Second
	defaultTokenLifetime = 36000
	defaultLoginProvider = "tmos"
	maxErrorBody         = 4096
)

// StatusError is returned when the appliance answers with an unexpected
// HTTP status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is an authenticated session against one appliance.
type Client struct {
	host          string
	base          *url.URL
	httpClient    *http.Client
	streamClient  *http.Client
	insecure      bool
	timeout       time.Duration
	loginProvider string
	tokenLifetime int

	token       string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the https://<host> base URL.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.base = u
		}
	}
}

// WithInsecure disables TLS certificate verification.
func WithInsecure(insecure bool) Option {
	return func(c *Client) { c.insecure = insecure }
}

// WithTimeout sets the per-request timeout for regular API calls.
// Streaming transfers are not bounded by it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTokenLifetime sets the lifetime, in seconds, requested when the token
// is extended after login.
func WithTokenLifetime(seconds int) Option {
	return func(c *Client) { c.tokenLifetime = seconds }
}

// NewClient creates an unauthenticated session for host.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:          host,
		base:          &url.URL{Scheme: "https", Host: host},
		insecure:      true,
		timeout:       defaultTimeout,
		loginProvider: defaultLoginProvider,
		tokenLifetime: defaultTokenLifetime,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: c.insecure},
		TLSHandshakeTimeout: 15 * time.Second,
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: c.timeout}
	c.streamClient = &http.Client{Transport: transport.Clone()}
	return c
}

// Host returns the device address this session talks to.
func (c *Client) Host() string { return c.host }

// Token returns the bearer token, or "" when not authenticated.
func (c *Client) Token() string { return c.token }

// IsAuthenticated reports whether a token is currently held.
func (c *Client) IsAuthenticated() bool { return c.token != "" }

// TokenExpiry returns the soft expiry of the current token.
func (c *Client) TokenExpiry() time.Time { return c.tokenExpiry }

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(c.base.String(), "/") + path
}

// ResolveURL turns a URI reported by the appliance into one reachable from
// here. Relative references resolve against the base URL and loopback hosts
// are rewritten to the device address.
func (c *Client) ResolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return c.URL(raw)
	}
	if !u.IsAbs() {
		if !strings.HasPrefix(u.Path, "/") {
			u.Path = "/" + u.Path
		}
		return c.base.ResolveReference(u).String()
	}
	if isLoopback(u.Hostname()) {
		u.Scheme = c.base.Scheme
		u.Host = c.base.Host
	}
	return u.String()
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set(AuthHeader, c.token)
	}
}

// Do issues an authenticated request. A non-nil body is sent as JSON.
// The caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	return c.httpClient.Do(req)
}

// Stream issues an authenticated GET on the streaming client, which has no
// overall timeout. rawURL may be absolute or a path.
func (c *Client) Stream(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResolveURL(rawURL), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build stream request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	c.authorize(req)

	return c.streamClient.Do(req)
}

// GetJSON fetches path and decodes a 200 response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	raw, err := c.GetRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to decode %s", path))
	}
	return nil
}

// GetRaw fetches path and returns the body of a 200 response.
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("GET %s failed", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp, http.MethodGet, path)
	}
	return io.ReadAll(resp.Body)
}

// GetTM fetches a /mgmt/tm/<endpoint> resource.
func (c *Client) GetTM(ctx context.Context, endpoint string) ([]byte, error) {
	return c.GetRaw(ctx, tmPath+strings.TrimPrefix(endpoint, "/"))
}

func newStatusError(resp *http.Response, method, path string) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
