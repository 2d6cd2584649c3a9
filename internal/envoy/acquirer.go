package envoy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

// Default Enphase cloud endpoints for the exchange flow.
const (
	DefaultEnlightenURL = "https://enlighten.enphaseenergy.com"
	DefaultEntrezURL    = "https://entrez.enphaseenergy.com"
)

// maxTokenBody bounds how much of an identity-provider response is read.
const maxTokenBody = 64 << 10

// Acquirer obtains a fresh bearer credential. Implementations do not retry;
// the session manager and the next poll cycle own retrying. A credential
// returned without Info is decoded by the session.
type Acquirer interface {
	Acquire(ctx context.Context) (*Credential, error)
}

// AcquirerFunc adapts a function into an Acquirer.
type AcquirerFunc func(ctx context.Context) (*Credential, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (*Credential, error) {
	return f(ctx)
}

// StaticAcquirer passes a pre-provisioned long-lived token through after
// checking that it decodes and has not expired.
type StaticAcquirer struct {
	token string
	now   func() time.Time
}

// NewStaticAcquirer creates a pass-through acquirer for token.
func NewStaticAcquirer(token string) *StaticAcquirer {
	return &StaticAcquirer{token: strings.TrimSpace(token), now: time.Now}
}

func (a *StaticAcquirer) Acquire(ctx context.Context) (*Credential, error) {
	info, err := DecodeToken(a.token)
	if err != nil {
		return nil, err
	}
	// A static token cannot be renewed, so handing it out would only loop.
	if info.ExpiresWithin(ExpiryMargin, a.now()) {
		return nil, &AuthenticationError{
			Step:    "static",
			Message: fmt.Sprintf("configured token expired at %s", info.ExpiresAt.Format(time.RFC3339)),
		}
	}
	return &Credential{Token: a.token, Info: info}, nil
}

// EnlightenConfig holds configuration for the username/password exchange flow.
type EnlightenConfig struct {
	// LoginURL is the Enlighten base URL (default: DefaultEnlightenURL)
	LoginURL string

	// TokenURL is the Entrez base URL (default: DefaultEntrezURL)
	TokenURL string

	Username      string
	Password      string
	GatewaySerial string

	// Timeout is the per-request HTTP timeout (default: 20s)
	Timeout time.Duration

	// Logger is optional; a disabled logger is used when nil
	Logger *zerolog.Logger
}

// EnlightenAcquirer logs into Enlighten and exchanges the resulting session
// for a gateway-scoped token at Entrez.
type EnlightenAcquirer struct {
	loginURL   string
	tokenURL   string
	username   string
	password   string
	serial     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEnlightenAcquirer creates an exchange-flow acquirer.
func NewEnlightenAcquirer(cfg EnlightenConfig) (*EnlightenAcquirer, error) {
	if cfg.Username == "" || cfg.Password == "" || cfg.GatewaySerial == "" {
		return nil, fmt.Errorf("enlighten: username, password and gateway serial are required")
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultEnlightenURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultEntrezURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &EnlightenAcquirer{
		loginURL: strings.TrimRight(cfg.LoginURL, "/"),
		tokenURL: strings.TrimRight(cfg.TokenURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		serial:   cfg.GatewaySerial,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		log: loggerOrNop(cfg.Logger),
	}, nil
}

// loginResponse is the body of POST /login/login.json.
type loginResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// tokenRequest is the body of POST /tokens.
type tokenRequest struct {
	SessionID string `json:"session_id"`
	SerialNum string `json:"serial_num"`
	Username  string `json:"username"`
}

func (a *EnlightenAcquirer) Acquire(ctx context.Context) (*Credential, error) {
	a.log.Info().Str("username", a.username).Msg("logging into Enlighten with username/password")
	sessionID, err := a.login(ctx)
	if err != nil {
		return nil, err
	}

	a.log.Debug().Msg("login successful, exchanging session for a gateway token")
	token, err := a.exchange(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	a.log.Info().
		Str("user", info.SubjectLabel).
		Time("expires", info.ExpiresAt).
		Msg("obtained gateway token")

	return &Credential{Token: token, Info: info}, nil
}

// login posts the account credentials and returns the Enlighten session id.
func (a *EnlightenAcquirer) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("user[email]", a.username)
	form.Set("user[password]", a.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL+"/login/login.json", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Step: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthenticationError{Step: "login", StatusCode: resp.StatusCode, Message: readSnippet(resp.Body)}
	}

	var body loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&body); err != nil {
		return "", &AuthenticationError{Step: "login", Message: "failed to parse response", Err: err}
	}
	if body.SessionID == "" {
		return "", &AuthenticationError{Step: "login", Message: "response has no session_id"}
	}
	return body.SessionID, nil
}

// exchange trades an Enlighten session for a token bound to the gateway serial.
func (a *EnlightenAcquirer) exchange(ctx context.Context, sessionID string) (string, error) {
	payload, err := json.Marshal(tokenRequest{
		SessionID: sessionID,
		SerialNum: a.serial,
		Username:  a.username,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL+"/tokens", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Step: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthenticationError{Step: "token", StatusCode: resp.StatusCode, Message: readSnippet(resp.Body)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", &AuthenticationError{Step: "token", Message: "failed to read response", Err: err}
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", &AuthenticationError{Step: "token", Message: "empty token in response"}
	}
	return token, nil
}

// readSnippet returns a short prefix of an error response body for diagnostics.
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

func loggerOrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
