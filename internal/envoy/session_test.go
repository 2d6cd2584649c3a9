package envoy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testClock is a settable clock shared by the session and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingAcquirer mints a credential valid for ttl from the clock's now.
type countingAcquirer struct {
	t     *testing.T
	clock *testClock
	ttl   time.Duration
	calls atomic.Int32
	err   atomic.Pointer[error]

	// started and release, when set, make Acquire block until release is closed
	started chan struct{}
	release chan struct{}
}

func (a *countingAcquirer) Acquire(ctx context.Context) (*Credential, error) {
	n := a.calls.Add(1)
	if a.started != nil && n == 1 {
		close(a.started)
	}
	if a.release != nil {
		<-a.release
	}
	if errp := a.err.Load(); errp != nil {
		return nil, *errp
	}
	now := a.clock.Now()
	token := mintToken(a.t, now, now.Add(a.ttl))
	info, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	return &Credential{Token: token, Info: info}, nil
}

func (a *countingAcquirer) fail(err error) {
	a.err.Store(&err)
}

// countingIssuer hands out a distinct cookie per handshake.
type countingIssuer struct {
	calls atomic.Int32
	err   error
}

func (i *countingIssuer) IssueCookie(ctx context.Context, token string) (string, error) {
	n := i.calls.Add(1)
	if i.err != nil {
		return "", i.err
	}
	return fmt.Sprintf("sessionId=cookie-%d", n), nil
}

func newTestSession(t *testing.T, ttl time.Duration) (*Session, *countingAcquirer, *countingIssuer, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	acq := &countingAcquirer{t: t, clock: clock, ttl: ttl}
	issuer := &countingIssuer{}
	s := NewSession(SessionConfig{Acquirer: acq, Issuer: issuer, Now: clock.Now})
	return s, acq, issuer, clock
}

func TestNewSessionStartsWithoutCredential(t *testing.T) {
	s, _, _, _ := newTestSession(t, time.Hour)

	if s.State() != StateNoCredential {
		t.Errorf("State() = %v, want %v", s.State(), StateNoCredential)
	}
	if s.CurrentCredential() != nil {
		t.Error("CurrentCredential() should be nil before the first refresh")
	}
	if s.CurrentCookie() != "" {
		t.Errorf("CurrentCookie() = %q, want empty", s.CurrentCookie())
	}
}

func TestEnsureValidRefreshesOnce(t *testing.T) {
	s, acq, issuer, _ := newTestSession(t, time.Hour)
	ctx := context.Background()

	if err := s.EnsureValid(ctx); err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if err := s.EnsureValid(ctx); err != nil {
		t.Fatalf("second EnsureValid() error = %v", err)
	}

	if got := acq.calls.Load(); got != 1 {
		t.Errorf("acquirer calls = %d, want 1", got)
	}
	if got := issuer.calls.Load(); got != 1 {
		t.Errorf("handshake calls = %d, want 1", got)
	}
	if s.State() != StateValid {
		t.Errorf("State() = %v, want %v", s.State(), StateValid)
	}
	if s.CurrentCookie() != "sessionId=cookie-1" {
		t.Errorf("CurrentCookie() = %q, want sessionId=cookie-1", s.CurrentCookie())
	}
}

func TestEnsureValidExpiryMargin(t *testing.T) {
	tests := []struct {
		name        string
		advance     time.Duration // applied after the first refresh; ttl is 10m
		wantRefresh bool
	}{
		{"plenty of time left", time.Minute, false},
		{"61s left", 10*time.Minute - 61*time.Second, false},
		{"exactly 60s left", 9 * time.Minute, true},
		{"59s left", 10*time.Minute - 59*time.Second, true},
		{"expired", 11 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, acq, _, clock := newTestSession(t, 10*time.Minute)
			ctx := context.Background()

			if err := s.EnsureValid(ctx); err != nil {
				t.Fatalf("EnsureValid() error = %v", err)
			}
			clock.Advance(tt.advance)
			if err := s.EnsureValid(ctx); err != nil {
				t.Fatalf("EnsureValid() after advance error = %v", err)
			}

			want := int32(1)
			if tt.wantRefresh {
				want = 2
			}
			if got := acq.calls.Load(); got != want {
				t.Errorf("acquirer calls = %d, want %d", got, want)
			}
		})
	}
}

func TestEnsureValidConcurrentCallersShareOneRefresh(t *testing.T) {
	s, acq, issuer, _ := newTestSession(t, time.Hour)
	acq.started = make(chan struct{})
	acq.release = make(chan struct{})

	const callers = 25
	errs := make(chan error, callers)
	var wg sync.WaitGroup

	// The first caller starts the refresh; the rest arrive while it is blocked.
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.EnsureValid(context.Background())
	}()
	<-acq.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureValid(context.Background())
		}()
	}

	if s.State() != StateRefreshing {
		t.Errorf("State() during refresh = %v, want %v", s.State(), StateRefreshing)
	}

	close(acq.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureValid() error = %v", err)
		}
	}
	if got := acq.calls.Load(); got != 1 {
		t.Errorf("acquirer calls = %d, want exactly 1", got)
	}
	if got := issuer.calls.Load(); got != 1 {
		t.Errorf("handshake calls = %d, want exactly 1", got)
	}
}

func TestEnsureValidFailureLeavesPriorValues(t *testing.T) {
	s, acq, _, clock := newTestSession(t, 10*time.Minute)
	ctx := context.Background()

	if err := s.EnsureValid(ctx); err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	prevCred, prevCookie := s.CurrentCredential(), s.CurrentCookie()

	acq.fail(&AuthenticationError{Step: "login", StatusCode: 401})
	clock.Advance(20 * time.Minute)

	err := s.EnsureValid(ctx)
	if !IsAuthenticationFailed(err) {
		t.Fatalf("EnsureValid() error = %v, want AuthenticationFailed", err)
	}
	if s.State() != StateNoCredential {
		t.Errorf("State() = %v, want %v", s.State(), StateNoCredential)
	}
	if s.CurrentCredential() != prevCred || s.CurrentCookie() != prevCookie {
		t.Error("failed refresh should not change the stored credential or cookie")
	}
	if snap := s.Snapshot(); snap.LastError == "" || snap.Generation != 1 {
		t.Errorf("Snapshot() = %+v, want LastError set and generation 1", snap)
	}

	// Recovery on the next call once the provider accepts us again.
	acq.err.Store(nil)
	if err := s.EnsureValid(ctx); err != nil {
		t.Fatalf("EnsureValid() after recovery error = %v", err)
	}
	if s.State() != StateValid {
		t.Errorf("State() = %v, want %v", s.State(), StateValid)
	}
}

func TestEnsureValidHandshakeFailure(t *testing.T) {
	s, acq, issuer, _ := newTestSession(t, time.Hour)
	issuer.err = &AuthenticationError{Step: "session", StatusCode: 401}

	err := s.EnsureValid(context.Background())
	if !IsAuthenticationFailed(err) {
		t.Fatalf("EnsureValid() error = %v, want AuthenticationFailed", err)
	}
	if acq.calls.Load() != 1 {
		t.Errorf("acquirer calls = %d, want 1", acq.calls.Load())
	}
	if s.CurrentCredential() != nil {
		t.Error("credential must not be stored when the handshake fails")
	}
}

func TestEnsureValidCredentialWithoutInfo(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	valid := mintToken(t, clock.Now(), clock.Now().Add(time.Hour))

	tests := []struct {
		name          string
		cred          *Credential
		wantMalformed bool
	}{
		{"token decoded by the session", &Credential{Token: valid}, false},
		{"undecodable token", &Credential{Token: "not-a-token"}, true},
		{"nil credential", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acq := AcquirerFunc(func(ctx context.Context) (*Credential, error) {
				return tt.cred, nil
			})
			s := NewSession(SessionConfig{Acquirer: acq, Issuer: &countingIssuer{}, Now: clock.Now})

			err := s.EnsureValid(context.Background())
			if tt.wantMalformed {
				if !IsMalformedCredential(err) {
					t.Fatalf("EnsureValid() error = %v, want MalformedCredential", err)
				}
				if s.State() != StateNoCredential {
					t.Errorf("State() = %v, want %v", s.State(), StateNoCredential)
				}
				return
			}
			if err != nil {
				t.Fatalf("EnsureValid() error = %v", err)
			}
			cred := s.CurrentCredential()
			if cred == nil || cred.Info == nil || cred.Info.SubjectLabel != "owner" {
				t.Errorf("CurrentCredential() = %+v, want decoded info", cred)
			}
			if tt.cred.Info != nil {
				t.Error("acquirer's credential must not be mutated")
			}
		})
	}
}

func TestRefreshBypassesExpiryCheck(t *testing.T) {
	s, acq, _, _ := newTestSession(t, time.Hour)
	ctx := context.Background()

	if err := s.EnsureValid(ctx); err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	_, _, gen := s.credentials()

	if err := s.Refresh(ctx, gen); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := acq.calls.Load(); got != 2 {
		t.Errorf("acquirer calls = %d, want 2", got)
	}
	if s.CurrentCookie() != "sessionId=cookie-2" {
		t.Errorf("CurrentCookie() = %q, want sessionId=cookie-2", s.CurrentCookie())
	}

	// A stale generation means someone else already refreshed.
	if err := s.Refresh(ctx, gen); err != nil {
		t.Fatalf("Refresh() with stale generation error = %v", err)
	}
	if got := acq.calls.Load(); got != 2 {
		t.Errorf("acquirer calls after stale Refresh = %d, want 2", got)
	}
}

func TestEnsureValidWaiterCancellation(t *testing.T) {
	s, acq, _, _ := newTestSession(t, time.Hour)
	acq.started = make(chan struct{})
	acq.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.EnsureValid(context.Background()) }()
	<-acq.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.EnsureValid(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("waiter error = %v, want context.Canceled", err)
	}

	close(acq.release)
	if err := <-done; err != nil {
		t.Errorf("initiator error = %v", err)
	}
	if acq.calls.Load() != 1 {
		t.Errorf("acquirer calls = %d, want 1", acq.calls.Load())
	}
}

func TestSessionSnapshot(t *testing.T) {
	s, _, _, _ := newTestSession(t, time.Hour)

	if snap := s.Snapshot(); snap.State != "no_credential" || snap.ExpiresAt != nil {
		t.Errorf("initial Snapshot() = %+v", snap)
	}

	if err := s.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.State != "valid" {
		t.Errorf("State = %q, want valid", snap.State)
	}
	if snap.SubjectLabel != "owner" {
		t.Errorf("SubjectLabel = %q, want owner", snap.SubjectLabel)
	}
	if snap.ExpiresAt == nil || snap.LastRefresh == nil {
		t.Error("ExpiresAt and LastRefresh should be set after a refresh")
	}
	if snap.Generation != 1 || snap.Refreshes != 1 {
		t.Errorf("Generation/Refreshes = %d/%d, want 1/1", snap.Generation, snap.Refreshes)
	}
}
