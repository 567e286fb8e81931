package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/storage"
)

// Size limit constants
const (
	DefaultMaxBodySize       = 512 << 10 // 512 KB
	DownloadRequestMaxSize   = 64 << 10  // 64 KB
	OAuthCallbackMaxBodySize = 16 << 10  // 16 KB
	FormDataMaxBodySize      = 16 << 10  // 16 KB
)

type contextKey string

const userIDKey contextKey = "user_id"

// RequestSizeLimitMiddleware limits the size of request bodies
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Wrap the request body with MaxBytesReader
			// This prevents the server from reading more than maxBytes
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}

// requireSession rejects requests without a valid session cookie and puts
// the authenticated user id on the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.sessions.CookieName())
		if err != nil {
			writeErrorResponse(w, newErrorResponse("UNAUTHENTICATED", "Login required"),
				http.StatusUnauthorized)
			return
		}
		userID, err := s.sessions.Parse(cookie.Value, time.Now())
		if err != nil {
			writeErrorResponse(w, newErrorResponse("UNAUTHENTICATED", "Session expired or invalid"),
				http.StatusUnauthorized)
			return
		}
		if _, err := s.store.GetUserByID(userID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeErrorResponse(w, newErrorResponse("UNAUTHENTICATED", "Unknown user"),
					http.StatusUnauthorized)
				return
			}
			slog.Error("Failed to look up session user",
				"user_id", userID,
				"error", err)
			writeErrorResponse(w, newErrorResponse("INTERNAL", "Internal server error"),
				http.StatusInternalServerError)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionUser(r *http.Request) int {
	userID, _ := r.Context().Value(userIDKey).(int)
	return userID
}

// handleMaxBytesError checks if an error is due to request body being too large
func handleMaxBytesError(w http.ResponseWriter, r *http.Request, err error, maxBytes int64) bool {
	if err == nil {
		return false
	}

	// Check if error message indicates size limit exceeded
	errMsg := err.Error()
	if errMsg == "http: request body too large" ||
		errMsg == "request body too large" {

		// Log the oversized request attempt
		slog.Warn("Request body size limit exceeded",
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"method", r.Method,
			"path", r.URL.Path,
			"max_bytes", maxBytes,
			"max_human", storage.FormatFileSize(maxBytes))

		// Return 413 Payload Too Large with JSON error
		writeErrorResponse(w, ErrorResponse{
			Error: ErrorDetail{
				Code:    "PAYLOAD_TOO_LARGE",
				Message: "Request body exceeds maximum allowed size",
				Details: map[string]interface{}{
					"max_size_bytes": maxBytes,
					"max_size_human": storage.FormatFileSize(maxBytes),
				},
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		}, http.StatusRequestEntityTooLarge)

		return true
	}

	return false
}

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func newErrorResponse(code string, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// writeErrorResponse writes a JSON error response
func writeErrorResponse(w http.ResponseWriter, errResp ErrorResponse, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
