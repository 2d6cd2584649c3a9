package envoy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// maxAttempts bounds a logical GET: the first request plus one retry after
// a forced refresh.
const maxAttempts = 2

// maxResponseBody bounds how much of a gateway response is read.
const maxResponseBody = 8 << 20

// ClientConfig holds configuration for the gateway client.
type ClientConfig struct {
	// BaseURL is the gateway URL, e.g. "https://envoy.local". A bare host
	// gets an https:// scheme.
	BaseURL string

	// Acquirer obtains bearer credentials
	Acquirer Acquirer

	// Timeout is the HTTP request timeout (default: 30s)
	Timeout time.Duration

	// HTTPClient overrides the default client, which skips TLS verification
	// because gateways serve a self-signed certificate.
	HTTPClient *http.Client

	// Logger is optional; a disabled logger is used when nil
	Logger *zerolog.Logger
}

// Client issues authenticated GETs against the gateway, refreshing the
// session and retrying once when the gateway answers 401.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	log        zerolog.Logger
}

// NewClient creates a gateway client with its own Session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.Acquirer == nil {
		return nil, fmt.Errorf("credential acquirer is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed gateway certificate
			},
		}
	}

	c := &Client{
		baseURL:    NormalizeBaseURL(cfg.BaseURL),
		httpClient: httpClient,
		log:        loggerOrNop(cfg.Logger),
	}
	c.session = NewSession(SessionConfig{
		Acquirer: cfg.Acquirer,
		Issuer:   c,
		Logger:   cfg.Logger,
	})
	return c, nil
}

// NormalizeBaseURL adds an https scheme to bare hosts and strips trailing slashes.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// Session returns the client's session manager.
func (c *Client) Session() *Session {
	return c.session
}

// BaseURL returns the normalized gateway URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IssueCookie presents token to /auth/check_jwt and returns the session
// cookie from the response. It implements CookieIssuer.
func (c *Client) IssueCookie(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathCheckJWT, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.log.Debug().Msg("getting a fresh session cookie")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Step: "session", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode != http.StatusOK {
		return "", &AuthenticationError{Step: "session", StatusCode: resp.StatusCode}
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return "", &AuthenticationError{Step: "session", Message: "gateway did not set a session cookie"}
	}
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; "), nil
}

// GetRaw performs an authenticated GET and returns the response body.
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	if err := c.session.EnsureValid(ctx); err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token, cookie, generation := c.session.credentials()

		body, status, err := c.do(ctx, path, token, cookie)
		if err != nil {
			return nil, &APICallError{Path: path, Attempts: attempt, Err: err}
		}

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusUnauthorized && attempt < maxAttempts:
			c.log.Info().Str("path", path).Msg("gateway session rejected, refreshing before retrying")
			metrics.APIRetriesTotal.WithLabelValues(path).Inc()
			if err := c.session.Refresh(ctx, generation); err != nil {
				return nil, &APICallError{Path: path, StatusCode: status, Attempts: attempt, Err: err}
			}
		default:
			return nil, &APICallError{Path: path, StatusCode: status, Attempts: attempt}
		}
	}

	// unreachable: the last attempt always returns from the switch
	return nil, &APICallError{Path: path, StatusCode: http.StatusUnauthorized, Attempts: maxAttempts}
}

// do issues a single GET and returns body and status.
func (c *Client) do(ctx context.Context, path, token, cookie string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(path, "error").Inc()
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Get performs an authenticated GET and decodes the JSON body into T.
func Get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	body, err := c.GetRaw(ctx, path)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return out, nil
}

// GetProduction fetches the production summary.
func (c *Client) GetProduction(ctx context.Context) (*ProdResponse, error) {
	prod, err := Get[ProdResponse](ctx, c, PathProduction)
	if err != nil {
		return nil, err
	}
	return &prod, nil
}

// GetInverters fetches per-inverter readings.
func (c *Client) GetInverters(ctx context.Context) ([]Inverter, error) {
	return Get[[]Inverter](ctx, c, PathInverters)
}
