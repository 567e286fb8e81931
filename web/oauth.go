package web

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vishnu0414/email-attachment-download/auth"
	"github.com/vishnu0414/email-attachment-download/collect"
)

const stateCookieName = "mailvault_oauth_state"

func (s *Server) oauth(r *mux.Router) {
	// OAuth routes with smaller body limit (16 KB)
	oauthRouter := r.PathPrefix("/api/gmail/").Subrouter()
	oauthRouter.Use(RequestSizeLimitMiddleware(OAuthCallbackMaxBodySize))
	oauthRouter.HandleFunc("/callback", s.GmailCallbackHandler).Methods("GET")

	authed := r.PathPrefix("/api/gmail/").Subrouter()
	authed.Use(RequestSizeLimitMiddleware(OAuthCallbackMaxBodySize))
	authed.Use(s.requireSession)
	authed.HandleFunc("/auth", s.GmailAuthHandler).Methods("GET")
	authed.HandleFunc("/status", s.GmailStatusHandler).Methods("GET")
}

// callbackURI rebuilds the redirect URI the provider will call back on.
// It must match between the consent request and the code exchange.
func callbackURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/gmail/callback", scheme, r.Host)
}

type GmailAuthResponse struct {
	AuthURL string `json:"auth_url"`
}

func (s *Server) GmailAuthHandler(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := s.flow.Begin(callbackURI(r))
	if err != nil {
		slog.Error("Failed to begin authorization flow", "error", err)
		http.Error(w, "Failed to start Gmail authorization", http.StatusInternalServerError)
		return
	}

	// The state also travels in a short-lived cookie so the callback can
	// bind the response to this browser, not just to this server.
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/api/gmail",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((10 * time.Minute).Seconds()),
	})
	writeJSONResponse(w, GmailAuthResponse{AuthURL: authURL}, http.StatusOK)
}

func (s *Server) GmailCallbackHandler(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil {
		slog.Warn("Authorization callback without state cookie", "error", err)
		http.Error(w, "Authorization state missing", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookieName,
		Value:  "",
		Path:   "/api/gmail",
		MaxAge: -1,
	})

	err = s.flow.Complete(r.Context(), r.URL.String(), stateCookie.Value, callbackURI(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrStateMismatch):
			slog.Warn("Authorization state mismatch")
			http.Error(w, "Authorization state mismatch", http.StatusBadRequest)
		case errors.Is(err, auth.ErrExchangeFailed):
			slog.Error("Authorization code exchange failed", "error", err)
			http.Error(w, "Failed to complete Gmail authorization", http.StatusBadGateway)
		default:
			slog.Error("Failed to complete authorization flow", "error", err)
			http.Error(w, "Failed to complete Gmail authorization", http.StatusInternalServerError)
		}
		return
	}

	// Best-effort: resolve the connected address for the log.
	if client, err := collect.NewClient(r.Context(), s.creds); err == nil {
		if email, err := client.Profile(r.Context()); err == nil {
			slog.Info("Gmail account connected", "email", email)
		} else {
			slog.Info("Gmail account connected")
		}
	} else {
		slog.Info("Gmail account connected")
	}
	w.Header().Set("Location", s.config.FrontendURL+"/settings?gmail=connected")
	w.WriteHeader(http.StatusFound)
}

type GmailStatusResponse struct {
	Authenticated bool `json:"authenticated"`
}

func (s *Server) GmailStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, GmailStatusResponse{Authenticated: s.creds.Connected()}, http.StatusOK)
}
