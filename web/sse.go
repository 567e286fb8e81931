package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vishnu0414/email-attachment-download/notification"
)

func (s *Server) sse(r *mux.Router) {
	sse := r.PathPrefix("/sse").Subrouter()
	sse.Use(s.requireSession)
	sse.HandleFunc("/progress", s.ProgressHandler)
}

// ProgressHandler streams download progress events for the caller's
// running batch until the batch finishes or the client goes away.
func (s *Server) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	clientGone := r.Context().Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	updates := notification.GetSubscriber(userID)
	slog.Info("Progress client connected.", "user_id", userID)
	start := time.Now()
	for {
		select {
		case <-clientGone:
			slog.Info(fmt.Sprintf("Progress client disconnected. Connection Duration: %s", time.Since(start)))
			return
		case <-ticker.C:
			timestamp := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
			if _, err := fmt.Fprintf(w, "event:ping\nretry: 10000\nid:%s\ndata:%s \n\n", timestamp, time.Now().Format(time.RFC850)); err != nil {
				slog.Warn(fmt.Sprintf("Unable to write keep-alive. user: %d err: %s", userID, err.Error()))
				return
			}
			rc.SetWriteDeadline(time.Time{})
			rc.Flush()
		case progress, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(progress)
			if err != nil {
				slog.Error("Failed to marshal progress event", "error", err)
				continue
			}
			timestamp := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
			if _, err := fmt.Fprintf(w, "event:progress\nretry: 10000\nid:%s\ndata:%s\n\n", timestamp, payload); err != nil {
				slog.Warn(fmt.Sprintf("Unable to write progress. user: %d err: %s", userID, err.Error()))
				return
			}
			rc.SetWriteDeadline(time.Time{})
			rc.Flush()
			if progress.Done {
				slog.Info("Progress stream finished.", "user_id", userID)
				return
			}
		}
	}
}
