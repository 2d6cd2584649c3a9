package envoy

import (
	"context"
	"sync"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// SessionState is the state of the Session state machine.
type SessionState int

const (
	StateNoCredential SessionState = iota
	StateRefreshing
	StateValid
)

func (s SessionState) String() string {
	switch s {
	case StateNoCredential:
		return "no_credential"
	case StateRefreshing:
		return "refreshing"
	case StateValid:
		return "valid"
	default:
		return "unknown"
	}
}

// CookieIssuer performs the session handshake against the gateway: it
// presents a bearer token and returns the session cookie the gateway sets.
type CookieIssuer interface {
	IssueCookie(ctx context.Context, token string) (string, error)
}

// SessionConfig holds configuration for a Session.
type SessionConfig struct {
	Acquirer Acquirer
	Issuer   CookieIssuer

	// Margin is the safety margin before expiry (default: ExpiryMargin)
	Margin time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time

	// Logger is optional; a disabled logger is used when nil
	Logger *zerolog.Logger
}

// refreshCall is the single in-flight refresh. Late joiners wait on done and
// read err once it is closed.
type refreshCall struct {
	done chan struct{}
	err  error
}

func (c *refreshCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionValues is replaced as a unit; a half-updated pair is never visible.
type sessionValues struct {
	credential *Credential
	cookie     string
	generation uint64
}

// Session owns the current credential and session cookie. It is the only
// writer of that state and guarantees at most one refresh in flight.
type Session struct {
	acquirer Acquirer
	issuer   CookieIssuer
	margin   time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	current     sessionValues
	inflight    *refreshCall
	lastErr     error
	lastRefresh time.Time
	refreshes   uint64
}

// NewSession creates a session manager in the NoCredential state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Margin == 0 {
		cfg.Margin = ExpiryMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		acquirer: cfg.Acquirer,
		issuer:   cfg.Issuer,
		margin:   cfg.Margin,
		now:      cfg.Now,
		log:      loggerOrNop(cfg.Logger),
		state:    StateNoCredential,
	}
}

// EnsureValid makes sure a usable credential and cookie are present,
// refreshing when there is none or the credential is inside the expiry
// margin. Concurrent callers share a single refresh and its outcome.
func (s *Session) EnsureValid(ctx context.Context) error {
	return s.ensure(ctx, false, 0)
}

// Refresh forces a refresh regardless of the credential's expiry. seen is the
// generation the caller used for its rejected request; if the session has
// already moved past it, the caller simply retries with the newer values.
func (s *Session) Refresh(ctx context.Context, seen uint64) error {
	return s.ensure(ctx, true, seen)
}

func (s *Session) ensure(ctx context.Context, force bool, seen uint64) error {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		s.log.Debug().Msg("refresh already in flight, waiting for it")
		return call.wait(ctx)
	}
	if s.state == StateValid {
		if force && s.current.generation != seen {
			s.mu.Unlock()
			return nil
		}
		if !force && !s.expiredLocked() {
			s.mu.Unlock()
			return nil
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.state = StateRefreshing
	reason := s.refreshReasonLocked(force)
	s.mu.Unlock()

	s.log.Info().Str("reason", reason).Msg("refreshing gateway session")

	// The refresh outlives the initiator's cancellation: other callers may be
	// waiting on it.
	next, err := s.refresh(context.WithoutCancel(ctx))

	s.mu.Lock()
	if err != nil {
		s.state = StateNoCredential
		s.lastErr = err
	} else {
		next.generation = s.current.generation + 1
		s.current = next
		s.state = StateValid
		s.lastErr = nil
		s.lastRefresh = s.now()
		s.refreshes++
	}
	s.inflight = nil
	call.err = err
	close(call.done)
	s.mu.Unlock()

	metrics.SessionRefreshTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway session refresh failed")
		return err
	}

	metrics.CredentialExpiryGauge.Set(float64(next.credential.Info.ExpiresAt.Unix()))
	s.log.Info().
		Uint64("generation", next.generation).
		Time("expires", next.credential.Info.ExpiresAt).
		Msg("session cookie set")
	return nil
}

// refresh acquires a credential and trades it for a session cookie. Nothing
// is stored here; the caller commits the result under the lock.
func (s *Session) refresh(ctx context.Context) (sessionValues, error) {
	cred, err := s.acquirer.Acquire(ctx)
	if err != nil {
		return sessionValues{}, err
	}
	if cred == nil {
		return sessionValues{}, &MalformedCredentialError{Reason: "acquirer returned no credential"}
	}
	if cred.Info == nil {
		info, err := DecodeToken(cred.Token)
		if err != nil {
			return sessionValues{}, err
		}
		cred = &Credential{Token: cred.Token, Info: info}
	}
	cookie, err := s.issuer.IssueCookie(ctx, cred.Token)
	if err != nil {
		return sessionValues{}, err
	}
	return sessionValues{credential: cred, cookie: cookie}, nil
}

func (s *Session) expiredLocked() bool {
	cred := s.current.credential
	return cred == nil || cred.Info.ExpiresWithin(s.margin, s.now())
}

func (s *Session) refreshReasonLocked(force bool) string {
	switch {
	case force:
		return "rejected by gateway"
	case s.current.credential == nil:
		return "no credential"
	case s.lastErr != nil:
		return "previous refresh failed"
	default:
		return "credential expiring"
	}
}

// credentials returns the values to attach to a request and the generation
// they belong to.
func (s *Session) credentials() (token, cookie string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.credential != nil {
		token = s.current.credential.Token
	}
	return token, s.current.cookie, s.current.generation
}

// CurrentCookie returns the session cookie to attach to outgoing requests.
// Call EnsureValid first on any path where failure is possible.
func (s *Session) CurrentCookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.cookie
}

// CurrentCredential returns the credential of the last successful refresh,
// or nil.
func (s *Session) CurrentCredential() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.credential
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionSnapshot is a read-only view of the session for diagnostics.
type SessionSnapshot struct {
	State        string     `json:"state"`
	Generation   uint64     `json:"generation"`
	Refreshes    uint64     `json:"refreshes"`
	SubjectLabel string     `json:"subject,omitempty"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		State:      s.state.String(),
		Generation: s.current.generation,
		Refreshes:  s.refreshes,
	}
	if cred := s.current.credential; cred != nil {
		issued, expires := cred.Info.IssuedAt, cred.Info.ExpiresAt
		snap.SubjectLabel = cred.Info.SubjectLabel
		snap.IssuedAt = &issued
		snap.ExpiresAt = &expires
	}
	if !s.lastRefresh.IsZero() {
		last := s.lastRefresh
		snap.LastRefresh = &last
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
