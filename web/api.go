package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/vishnu0414/email-attachment-download/auth"
	"github.com/vishnu0414/email-attachment-download/collect"
	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/storage"
)

const recentWindow = 7 * 24 * time.Hour

func (s *Server) api(r *mux.Router) {
	// Handle API routes
	open := r.PathPrefix("/api/").Subrouter()
	open.Use(RequestSizeLimitMiddleware(FormDataMaxBodySize))
	open.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	open.HandleFunc("/signup", s.SignupHandler).Methods("POST")
	open.HandleFunc("/login", s.LoginHandler).Methods("POST")

	api := r.PathPrefix("/api/").Subrouter()
	api.Use(RequestSizeLimitMiddleware(DownloadRequestMaxSize))
	api.Use(s.requireSession)
	api.HandleFunc("/logout", s.LogoutHandler).Methods("POST")
	api.HandleFunc("/account", s.DeleteAccountHandler).Methods("DELETE")
	api.HandleFunc("/stats", s.StatsHandler).Methods("GET")
	api.HandleFunc("/chart_data", s.ChartDataHandler).Methods("GET")
	api.HandleFunc("/attachments/zip", s.ZipAttachmentsHandler).Methods("GET")
	api.HandleFunc("/attachments/{attachment_id}/file", s.AttachmentFileHandler).Methods("GET")
	api.HandleFunc("/attachments/{attachment_id}", s.DeleteAttachmentHandler).Methods("DELETE")
	api.HandleFunc("/attachments", s.ListAttachmentsHandler).Methods("GET").Queries("page", "{page}")
	api.HandleFunc("/attachments", s.ListAttachmentsHandler).Methods("GET")
	api.HandleFunc("/gmail/download", s.DownloadHandler).Methods("POST")
	api.HandleFunc("/gmail/disconnect", s.DisconnectHandler).Methods("POST")
}

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	Id    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) SignupHandler(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var req SignupRequest
	err := decoder.Decode(&req)
	if handleMaxBytesError(w, r, err, FormDataMaxBodySize) {
		return
	}
	if err != nil {
		slog.Error("Failed to decode signup request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Email == "" {
		writeErrorResponse(w, newErrorResponse("INVALID_REQUEST", "Name and email are required"),
			http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		writeErrorResponse(w, newErrorResponse("INVALID_REQUEST", "Password must be at least 8 characters"),
			http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	userID, err := s.store.CreateUser(req.Name, req.Email, string(hash))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			writeErrorResponse(w, newErrorResponse("EMAIL_TAKEN", "An account with this email already exists"),
				http.StatusConflict)
			return
		}
		slog.Error("Failed to create user", "email", req.Email, "error", err)
		http.Error(w, "Failed to create account", http.StatusInternalServerError)
		return
	}

	slog.Info("Created user", "user_id", userID)
	s.setSessionCookie(w, userID)
	writeJSONResponse(w, UserResponse{Id: userID, Name: req.Name, Email: req.Email}, http.StatusCreated)
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var req LoginRequest
	err := decoder.Decode(&req)
	if handleMaxBytesError(w, r, err, FormDataMaxBodySize) {
		return
	}
	if err != nil {
		slog.Error("Failed to decode login request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByEmail(req.Email)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Error("Failed to look up user", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		// Same response as a wrong password so accounts cannot be enumerated.
		writeErrorResponse(w, newErrorResponse("INVALID_CREDENTIALS", "Invalid email or password"),
			http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeErrorResponse(w, newErrorResponse("INVALID_CREDENTIALS", "Invalid email or password"),
			http.StatusUnauthorized)
		return
	}

	if err := s.store.TouchLastLogin(user.Id); err != nil {
		slog.Warn("Failed to update last login", "user_id", user.Id, "error", err)
	}
	s.setSessionCookie(w, user.Id)
	writeJSONResponse(w, UserResponse{Id: user.Id, Name: user.Name, Email: user.Email}, http.StatusOK)
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSONResponse(w, map[string]bool{"ok": true}, http.StatusOK)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, userID int) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.CookieName(),
		Value:    s.sessions.Issue(userID, time.Now()),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.sessions.MaxAge().Seconds()),
	})
}

// DeleteAccountHandler removes the user, their attachment records, and their
// stored files, then ends the session.
func (s *Server) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	if err := s.store.DeleteUser(userID); err != nil {
		slog.Error("Failed to delete account", "user_id", userID, "error", err)
		http.Error(w, "Failed to delete account", http.StatusInternalServerError)
		return
	}
	s.files.RemoveUserDir(userID)

	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSONResponse(w, map[string]bool{"ok": true}, http.StatusOK)
}

type StatsResponse struct {
	TotalAttachments int    `json:"total_attachments"`
	TotalSize        int64  `json:"total_size"`
	TotalSizeHuman   string `json:"total_size_human"`
	RecentCount      int    `json:"recent_count"`
	GmailConnected   bool   `json:"gmail_connected"`
}

func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	total, err := s.store.CountAttachments(userID)
	if err != nil {
		slog.Error("Failed to count attachments", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	size, err := s.store.SumAttachmentSize(userID)
	if err != nil {
		slog.Error("Failed to sum attachment sizes", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.CountAttachmentsSince(userID, time.Now().Add(-recentWindow))
	if err != nil {
		slog.Error("Failed to count recent attachments", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve stats", http.StatusInternalServerError)
		return
	}

	body := StatsResponse{
		TotalAttachments: total,
		TotalSize:        size,
		TotalSizeHuman:   storage.FormatFileSize(size),
		RecentCount:      recent,
		GmailConnected:   s.creds.Connected(),
	}
	writeJSONResponse(w, body, http.StatusOK)
}

type ChartDataResponse struct {
	FileTypes        []db.TypeCount   `json:"file_types"`
	DailyDownloads   []db.DayCount    `json:"daily_downloads"`
	SizeDistribution []db.BucketCount `json:"size_distribution"`
}

func (s *Server) ChartDataHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	fileTypes, err := s.store.FileTypeCounts(userID)
	if err != nil {
		slog.Error("Failed to get file type counts", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve chart data", http.StatusInternalServerError)
		return
	}
	daily, err := s.store.DailyDownloadCounts(userID, 7)
	if err != nil {
		slog.Error("Failed to get daily download counts", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve chart data", http.StatusInternalServerError)
		return
	}
	buckets, err := s.store.SizeDistribution(userID)
	if err != nil {
		slog.Error("Failed to get size distribution", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve chart data", http.StatusInternalServerError)
		return
	}

	body := ChartDataResponse{
		FileTypes:        fileTypes,
		DailyDownloads:   daily,
		SizeDistribution: buckets,
	}
	writeJSONResponse(w, body, http.StatusOK)
}

type AttachmentsResponse struct {
	PageInfo    PaginationInfo  `json:"pagination_info"`
	Attachments []db.Attachment `json:"attachments"`
	// FileTypes feeds the type filter dropdown.
	FileTypes []string `json:"file_types"`
}

func (s *Server) ListAttachmentsHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)
	pageNo := getPageNumber(mux.Vars(r))
	search := r.URL.Query().Get("search")
	filetype := r.URL.Query().Get("type")

	attachments, totResults, err := s.store.ListAttachments(userID, search, filetype, pageNo)
	if err != nil {
		slog.Error("Failed to list attachments",
			"user_id", userID,
			"page", pageNo,
			"error", err)
		http.Error(w, "Failed to retrieve attachments", http.StatusInternalServerError)
		return
	}

	fileTypes, err := s.store.DistinctFileTypes(userID)
	if err != nil {
		slog.Error("Failed to get file types", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve attachments", http.StatusInternalServerError)
		return
	}

	pageInfo := PaginationInfo{Page: pageNo, Size: totResults}
	body := AttachmentsResponse{
		PageInfo:    pageInfo,
		Attachments: attachments,
		FileTypes:   fileTypes,
	}
	writeJSONResponse(w, body, http.StatusOK)
}

// attachmentForUser loads an attachment and hides other users' records
// behind the same 404 as a missing one.
func (s *Server) attachmentForUser(w http.ResponseWriter, r *http.Request) (db.Attachment, bool) {
	userID := sessionUser(r)
	attachmentID, ok := getIntFromMap(mux.Vars(r), "attachment_id")
	if !ok {
		http.Error(w, "Invalid attachment ID", http.StatusBadRequest)
		return db.Attachment{}, false
	}

	a, err := s.store.GetAttachment(attachmentID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("Failed to get attachment", "attachment_id", attachmentID, "error", err)
		http.Error(w, "Failed to retrieve attachment", http.StatusInternalServerError)
		return db.Attachment{}, false
	}
	if errors.Is(err, db.ErrNotFound) || a.UserID != userID {
		writeErrorResponse(w, newErrorResponse("NOT_FOUND", "Attachment not found"),
			http.StatusNotFound)
		return db.Attachment{}, false
	}
	return a, true
}

// previewableTypes are the file types served inline when ?inline=1 is
// requested. Everything else stays a forced download.
var previewableTypes = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "bmp": true,
	"webp": true, "svg": true, "pdf": true, "txt": true,
}

// fileDisposition picks the Content-Disposition for serving an attachment.
// The second return is false when an inline preview was requested for a
// type that cannot be previewed.
func fileDisposition(filetype string, inline bool) (string, bool) {
	if !inline {
		return "attachment", true
	}
	if !previewableTypes[filetype] {
		return "", false
	}
	return "inline", true
}

func (s *Server) AttachmentFileHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := s.attachmentForUser(w, r)
	if !ok {
		return
	}
	if !s.files.Exists(a.Filepath) {
		slog.Warn("Attachment file missing on disk",
			"attachment_id", a.Id,
			"filepath", a.Filepath)
		writeErrorResponse(w, newErrorResponse("NOT_FOUND", "Attachment file no longer exists"),
			http.StatusNotFound)
		return
	}
	disposition, ok := fileDisposition(a.Filetype, r.URL.Query().Get("inline") == "1")
	if !ok {
		writeErrorResponse(w, newErrorResponse("PREVIEW_UNAVAILABLE",
			"Preview is not available for this file type"), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, a.Filename))
	http.ServeFile(w, r, a.Filepath)
}

func (s *Server) DeleteAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := s.attachmentForUser(w, r)
	if !ok {
		return
	}

	// File removal is best-effort; the row is authoritative.
	if err := s.files.Remove(a.Filepath); err != nil {
		slog.Warn("Failed to remove attachment file",
			"attachment_id", a.Id,
			"filepath", a.Filepath,
			"error", err)
	}
	if err := s.store.DeleteAttachment(a.Id); err != nil {
		slog.Error("Failed to delete attachment", "attachment_id", a.Id, "error", err)
		http.Error(w, "Failed to delete attachment", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) ZipAttachmentsHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	attachments, err := s.store.ListAllAttachments(userID)
	if err != nil {
		slog.Error("Failed to list attachments for zip", "user_id", userID, "error", err)
		http.Error(w, "Failed to retrieve attachments", http.StatusInternalServerError)
		return
	}
	if len(attachments) == 0 {
		writeErrorResponse(w, newErrorResponse("NOT_FOUND", "No attachments to bundle"),
			http.StatusNotFound)
		return
	}

	entries := make([]storage.ZipEntry, 0, len(attachments))
	for _, a := range attachments {
		// Prefix with the record id so duplicate filenames stay distinct.
		entries = append(entries, storage.ZipEntry{
			Name: fmt.Sprintf("%d_%s", a.Id, a.Filename),
			Path: a.Filepath,
		})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="attachments.zip"`)
	if err := storage.WriteZip(w, entries); err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("Failed to stream zip bundle", "user_id", userID, "error", err)
	}
}

type DownloadRequest struct {
	Query      string `json:"query"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Filename   string `json:"filename"`
	After      string `json:"after"`
	Before     string `json:"before"`
	MaxResults int64  `json:"max_results"`
}

const dateLayout = "2006-01-02"

func (req *DownloadRequest) buildQuery() (string, error) {
	if req.Query != "" {
		return req.Query, nil
	}
	filter := collect.DefaultFilter()
	filter.Sender = req.Sender
	filter.Subject = req.Subject
	filter.Filename = req.Filename
	if req.After != "" {
		after, err := time.Parse(dateLayout, req.After)
		if err != nil {
			return "", fmt.Errorf("invalid after date %q: %w", req.After, err)
		}
		filter.After = after
	}
	if req.Before != "" {
		before, err := time.Parse(dateLayout, req.Before)
		if err != nil {
			return "", fmt.Errorf("invalid before date %q: %w", req.Before, err)
		}
		filter.Before = before
	}
	return filter.Query(), nil
}

func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	decoder := json.NewDecoder(r.Body)
	var req DownloadRequest
	err := decoder.Decode(&req)
	if handleMaxBytesError(w, r, err, DownloadRequestMaxSize) {
		return
	}
	if err != nil {
		slog.Error("Failed to decode download request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	query, err := req.buildQuery()
	if err != nil {
		writeErrorResponse(w, newErrorResponse("INVALID_REQUEST", err.Error()),
			http.StatusBadRequest)
		return
	}

	if _, running := s.downloads.LoadOrStore(userID, struct{}{}); running {
		writeErrorResponse(w, newErrorResponse("DOWNLOAD_IN_PROGRESS", "A download batch is already running"),
			http.StatusConflict)
		return
	}
	defer s.downloads.Delete(userID)
	slog.Info("Received download request",
		"user_id", userID,
		"query", query,
		"max_results", req.MaxResults)

	client, err := collect.NewClient(r.Context(), s.creds)
	if err != nil {
		if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrRefreshFailed) {
			writeErrorResponse(w, newErrorResponse("GMAIL_NOT_CONNECTED", "Connect a Gmail account first"),
				http.StatusBadRequest)
			return
		}
		slog.Error("Failed to build mail client", "error", err)
		http.Error(w, "Failed to reach mail provider", http.StatusInternalServerError)
		return
	}

	downloader := collect.NewDownloader(client, s.files, s.store, s.config.DownloadWorkers)
	if s.archiver != nil {
		downloader.WithArchiver(s.archiver)
	}

	result, err := downloader.Run(r.Context(), collect.Request{
		UserID:     userID,
		Query:      query,
		MaxResults: req.MaxResults,
	})
	if err != nil {
		slog.Error("Download batch failed",
			"user_id", userID,
			"query", query,
			"error", err)
		http.Error(w, "Failed to search mailbox", http.StatusBadGateway)
		return
	}
	writeJSONResponse(w, result, http.StatusOK)
}

type DisconnectResponse struct {
	Confirmed bool `json:"confirmed"`
	Removed   int  `json:"removed"`
}

func (s *Server) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	confirmed, err := s.creds.Revoke(r.Context())
	if err != nil {
		slog.Error("Token revocation not confirmed", "error", err)
	}
	if !confirmed {
		// The local credential is kept so the caller can retry.
		writeJSONResponse(w, DisconnectResponse{Confirmed: false}, http.StatusBadGateway)
		return
	}

	removed, err := s.store.DeleteAttachmentsForUser(userID)
	if err != nil {
		slog.Error("Failed to delete attachment records", "user_id", userID, "error", err)
		http.Error(w, "Failed to remove stored attachments", http.StatusInternalServerError)
		return
	}
	s.files.RemoveUserDir(userID)

	slog.Info("Disconnected mail account", "user_id", userID, "removed", removed)
	writeJSONResponse(w, DisconnectResponse{Confirmed: true, Removed: removed}, http.StatusOK)
}

func getIntFromMap(vars map[string]string, field string) (int, bool) {
	field, present := vars[field]
	if !present {
		return 0, false
	}
	fieldInt, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return fieldInt, true
}

func getPageNumber(vars map[string]string) int {
	page, present := getIntFromMap(vars, "page")
	if !present {
		return 1
	}
	return page
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	serializedBody, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)

	if _, err := w.Write(serializedBody); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

type PaginationInfo struct {
	Size int `json:"size"`
	Page int `json:"page"`
}
