// Package httpx is the HTTP client shared by the API-backed integrations. It
// applies a per-backend request rate limit and maps transport and status
// failures onto the plugin error taxonomy.
package httpx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

const (
	DefaultTimeout = 30 * time.Second

	maxBodySize    = 32 * 1024 * 1024
	maxErrorDetail = 512
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Plugin is recorded on every error.
	Plugin string
	// Token is sent in TokenHeader, or as a bearer token when TokenHeader is empty.
	Token       string
	TokenHeader string
	Timeout     time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	CACert             string
	ClientCert         string
	ClientKey          string
	InsecureSkipVerify bool
}

// Client issues GET requests against one backend.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, pluginerr.Configuration(fmt.Sprintf("%s: invalid server URL %q", cfg.Plugin, cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, pluginerr.Configuration(fmt.Sprintf("%s: %v", cfg.Plugin, err))
	}
	transport.TLSClientConfig = tlsCfg

	c := &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // operator opt-in
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %s contains no certificates", cfg.CACert)
		}
		out.RootCAs = pool
	}
	if cfg.ClientCert != "" || cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string { return c.base.String() }

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &pluginerr.ParseError{
			Message: fmt.Sprintf("decode %s response", path),
			Plugin:  c.cfg.Plugin,
			Raw:     truncate(string(body), maxErrorDetail),
			Err:     err,
		}
	}
	return nil
}

// Get fetches path and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "%s: rate limit wait", c.cfg.Plugin)
		}
	}

	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, pluginerr.Configuration(fmt.Sprintf("%s: build request: %v", c.cfg.Plugin, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		if c.cfg.TokenHeader != "" {
			req.Header.Set(c.cfg.TokenHeader, c.cfg.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp.StatusCode, path, body)
	}
	return body, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &pluginerr.TimeoutError{Timeout: c.cfg.Timeout, Plugin: c.cfg.Plugin}
	}
	e := pluginerr.Connection(fmt.Sprintf("cannot reach %s", c.base.Host), err)
	e.Plugin = c.cfg.Plugin
	return e
}

func (c *Client) statusError(status int, path string, body []byte) error {
	detail := strings.TrimSpace(truncate(string(body), maxErrorDetail))
	msg := fmt.Sprintf("GET %s: status %d", path, status)
	if detail != "" {
		msg += ": " + detail
	}

	var e *pluginerr.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = pluginerr.Authentication(msg, nil)
	case status == http.StatusNotFound:
		e = pluginerr.NotFound(msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e = pluginerr.Query(msg, nil)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		e = pluginerr.Connection(msg, nil)
	default:
		e = pluginerr.Query(msg, nil)
	}
	e.Plugin = c.cfg.Plugin
	e.Details = map[string]any{"status": status}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
