package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/vishnu0414/email-attachment-download/auth"
	"github.com/vishnu0414/email-attachment-download/config"
	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/session"
	"github.com/vishnu0414/email-attachment-download/storage"
)

// Server holds the dependencies shared by all handlers. Everything is
// injected so tests can stand up a Server against fakes.
type Server struct {
	config   config.Config
	store    *db.Store
	files    *storage.Store
	sessions *session.Manager
	creds    *auth.Store
	flow     *auth.Flow
	archiver *storage.Archiver

	// One download batch per user at a time; the progress channel is not
	// shareable between batches.
	downloads sync.Map
}

func NewServer(cfg config.Config, store *db.Store, files *storage.Store,
	sessions *session.Manager, creds *auth.Store, flow *auth.Flow) *Server {
	return &Server{
		config:   cfg,
		store:    store,
		files:    files,
		sessions: sessions,
		creds:    creds,
		flow:     flow,
	}
}

// WithArchiver enables remote mirroring of downloaded attachments.
func (s *Server) WithArchiver(a *storage.Archiver) *Server {
	s.archiver = a
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.api(r)
	s.oauth(r)
	s.sse(r)
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.config.FrontendURL},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
	})
	return c.Handler(r)
}

func (s *Server) Run() error {
	slog.Info("Starting web server.", "port", s.config.HTTPPort)
	srv := &http.Server{
		Handler: s.Handler(),
		Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
		// Good practice: enforce timeouts for servers you create!
		// SSE handlers lift the write deadline per write via
		// http.ResponseController.
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return srv.ListenAndServe()
}
