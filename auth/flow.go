package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const stateTTL = 10 * time.Minute

var (
	// ErrStateMismatch means the callback's anti-forgery state did not match
	// the issued one. The exchange must not proceed.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrExchangeFailed means the code-for-token exchange was rejected.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
)

// Flow drives the three-step OAuth dance: issue an authorization URL bound
// to a redirect target and a single-use state token, then exchange the
// returned code for a credential handed to the Store.
type Flow struct {
	registration *ClientRegistration
	store        *Store

	mu     sync.Mutex
	states map[string]time.Time

	endpoint oauth2.Endpoint
}

func NewFlow(registration *ClientRegistration, store *Store) *Flow {
	return &Flow{
		registration: registration,
		store:        store,
		states:       make(map[string]time.Time),
		endpoint:     google.Endpoint,
	}
}

// Begin validates the redirect target against the registered ones and
// returns the provider authorization URL plus the state token correlating
// the eventual callback. Offline access and explicit re-consent are
// requested so a refresh token is issued even on repeat grants.
func (f *Flow) Begin(redirectURI string) (string, string, error) {
	resolved := f.resolveRedirect(redirectURI)
	state, err := generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state token: %w", err)
	}

	f.mu.Lock()
	f.pruneLocked()
	f.states[state] = time.Now().Add(stateTTL)
	f.mu.Unlock()

	cfg := f.registration.OAuthConfig(resolved)
	cfg.Endpoint = f.endpoint
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"))
	return authURL, state, nil
}

// Complete verifies the callback state and exchanges the authorization code
// for a credential, persisting it through the Store. State verification is
// an exact, case-sensitive match and happens before any network call.
func (f *Flow) Complete(ctx context.Context, callbackURL string, expectedState string, redirectURI string) error {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("failed to parse callback URL: %w", err)
	}
	query := parsed.Query()

	gotState := query.Get("state")
	if expectedState == "" || gotState != expectedState {
		return ErrStateMismatch
	}
	if !f.consumeState(gotState) {
		return ErrStateMismatch
	}

	if errMsg := query.Get("error"); errMsg != "" {
		return fmt.Errorf("%w: provider returned %q", ErrExchangeFailed, errMsg)
	}
	code := query.Get("code")
	if code == "" {
		return fmt.Errorf("%w: callback carries no authorization code", ErrExchangeFailed)
	}

	cfg := f.registration.OAuthConfig(f.resolveRedirect(redirectURI))
	cfg.Endpoint = f.endpoint
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if err := f.store.Save(credentialFromToken(tok, Scopes)); err != nil {
		return fmt.Errorf("failed to persist exchanged credential: %w", err)
	}
	return nil
}

// resolveRedirect returns redirectURI when it is registered with the
// provider. Otherwise a registered fallback is substituted, preferring a
// loopback entry, so minor configuration drift does not break the flow. The
// substitution changes where the provider will redirect, so it is logged.
func (f *Flow) resolveRedirect(redirectURI string) string {
	registered := f.registration.RedirectURIs
	if len(registered) == 0 {
		return redirectURI
	}
	for _, uri := range registered {
		if uri == redirectURI {
			return redirectURI
		}
	}
	fallback := registered[0]
	for _, uri := range registered {
		if strings.Contains(uri, "localhost") || strings.Contains(uri, "127.0.0.1") {
			fallback = uri
			break
		}
	}
	slog.Warn("Redirect target not registered, substituting registered fallback",
		"requested", redirectURI,
		"using", fallback)
	return fallback
}

// consumeState checks a state token and removes it so it can only be used
// once.
func (f *Flow) consumeState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.states[state]
	if !ok {
		return false
	}
	delete(f.states, state)
	return time.Now().Before(expiry)
}

func (f *Flow) pruneLocked() {
	now := time.Now()
	for state, expiry := range f.states {
		if now.After(expiry) {
			delete(f.states, state)
		}
	}
}

const stateChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890-"

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = stateChars[int(b[i])%len(stateChars)]
	}
	return string(b), nil
}
