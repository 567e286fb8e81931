package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// expirySkew treats tokens about to expire as already expired so a request
// never goes out with a token that dies in flight.
const expirySkew = 30 * time.Second

var (
	// ErrNoCredential means no credential has been persisted yet. Callers
	// should start the authorization flow, not treat this as a crash.
	ErrNoCredential = errors.New("no stored credential")
	// ErrRefreshFailed means the refresh exchange was rejected or unreachable.
	// The stored credential is kept so the caller can decide what to do.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Credential is the persisted delegated-access token bundle.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Valid reports whether the access token can still be used.
func (c *Credential) Valid() bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return time.Now().Add(expirySkew).Before(c.Expiry)
}

// Token converts the credential into the oauth2 representation.
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

func credentialFromToken(tok *oauth2.Token, scopes []string) *Credential {
	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

// Store holds the current credential and keeps it in sync with a JSON file
// on disk. All mutating operations are serialized by a mutex so a refresh
// can never interleave with a revoke.
type Store struct {
	mu           sync.Mutex
	path         string
	registration *ClientRegistration
	current      *Credential

	// Overridable endpoints. Production values point at Google.
	endpoint   oauth2.Endpoint
	revokeURL  string
	httpClient *http.Client
}

func NewStore(path string, registration *ClientRegistration) *Store {
	return &Store{
		path:         path,
		registration: registration,
		endpoint:     google.Endpoint,
		revokeURL:    googleRevokeURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Load reads the persisted credential. ErrNoCredential signals that the
// authorization flow must run.
func (s *Store) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Credential, error) {
	if s.current != nil {
		return s.current, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to read credential file %q: %w", s.path, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %q: %w", s.path, err)
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, ErrNoCredential
	}
	s.current = &cred
	return s.current, nil
}

// Save persists the credential atomically: the JSON is written to a temp
// file in the same directory and renamed into place, so load never sees a
// torn write.
func (s *Store) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cred)
}

func (s *Store) saveLocked(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace credential file %q: %w", s.path, err)
	}
	s.current = cred
	return nil
}

// EnsureFresh returns a usable credential, refreshing it first when expired.
// A credential that is still valid is returned as-is with no network calls.
// A failed refresh never discards the stored credential.
func (s *Store) EnsureFresh(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if cred.Valid() {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: credential expired and has no refresh token", ErrRefreshFailed)
	}

	cfg := s.registration.OAuthConfig("")
	cfg.Endpoint = s.endpoint
	tok, err := cfg.TokenSource(ctx, cred.Token()).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	refreshed := credentialFromToken(tok, cred.Scopes)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if err := s.saveLocked(refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	slog.Info("Refreshed OAuth credential", "expiry", refreshed.Expiry)
	return refreshed, nil
}

// TokenSource adapts the store to oauth2.TokenSource. Every token draw goes
// through EnsureFresh, so refreshed tokens are always persisted.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s}
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := ts.store.EnsureFresh(ts.ctx)
	if err != nil {
		return nil, err
	}
	return cred.Token(), nil
}

// Connected reports whether a credential is available without touching the
// network.
func (s *Store) Connected() bool {
	_, err := s.Load()
	return err == nil
}

// Revoke invalidates the credential at the provider. The provider answering
// "already invalid" counts as success. The local file is cleared only when
// revocation is confirmed; otherwise the caller is told so it can decide
// whether to keep the credential.
func (s *Store) Revoke(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.loadLocked()
	if errors.Is(err, ErrNoCredential) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach revocation endpoint: %w", err)
	}
	defer res.Body.Close()

	// 200 means revoked, 400 means the token was already invalid.
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusBadRequest {
		return false, fmt.Errorf("revocation endpoint returned status %d", res.StatusCode)
	}

	s.current = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Revoked credential but could not delete token file",
			"path", s.path,
			"error", err)
	}
	return true, nil
}
