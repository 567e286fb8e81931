package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Scopes requested during authorization. Modify is included so the app can
// later mark processed messages.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailModifyScope,
}

// ClientRegistration is the OAuth client material downloaded from the
// provider console. The JSON carries the client under either a "web" or an
// "installed" key.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
}

type clientSecretsFile struct {
	Web       *clientSecrets `json:"web"`
	Installed *clientSecrets `json:"installed"`
}

type clientSecrets struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadClientRegistration reads the client registration JSON from disk.
func LoadClientRegistration(path string) (*ClientRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client registration %q: %w", path, err)
	}
	var file clientSecretsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse client registration %q: %w", path, err)
	}
	secrets := file.Web
	if secrets == nil {
		secrets = file.Installed
	}
	if secrets == nil || secrets.ClientID == "" {
		return nil, fmt.Errorf("client registration %q has no web or installed client", path)
	}
	return &ClientRegistration{
		ClientID:     secrets.ClientID,
		ClientSecret: secrets.ClientSecret,
		RedirectURIs: secrets.RedirectURIs,
	}, nil
}

// OAuthConfig builds the oauth2 config for a given redirect target.
func (c *ClientRegistration) OAuthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
	}
}
