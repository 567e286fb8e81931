package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/vishnu0414/email-attachment-download/auth"
	"github.com/vishnu0414/email-attachment-download/config"
	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/session"
	"github.com/vishnu0414/email-attachment-download/storage"
	"github.com/vishnu0414/email-attachment-download/web"
)

func init() {
	options := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.999"))
			}
			return a
		},
		Level: slog.LevelDebug,
	}

	handler := slog.NewTextHandler(os.Stdout, options)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	cfg := config.Load()

	store, err := db.Open(db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
	})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	files, err := storage.NewStore(cfg.AttachmentDir)
	if err != nil {
		slog.Error("Failed to prepare attachment directory",
			"dir", cfg.AttachmentDir,
			"error", err)
		os.Exit(1)
	}
	slog.Info("Attachment storage ready", "dir", files.Root())

	registration, err := auth.LoadClientRegistration(cfg.CredentialsFile)
	if err != nil {
		slog.Error("Failed to load client registration",
			"path", cfg.CredentialsFile,
			"error", err)
		os.Exit(1)
	}
	creds := auth.NewStore(cfg.TokenFile, registration)
	flow := auth.NewFlow(registration, creds)

	sessions, err := session.New(cfg.SessionSecret, 24*time.Hour)
	if err != nil {
		slog.Error("Failed to initialize session manager", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(cfg, store, files, sessions, creds, flow)
	if cfg.ArchiveBucket != "" {
		archiver, err := storage.NewArchiver(context.Background(), cfg.ArchiveBucket)
		if err != nil {
			slog.Error("Failed to initialize archive bucket",
				"bucket", cfg.ArchiveBucket,
				"error", err)
			os.Exit(1)
		}
		defer archiver.Close()
		server.WithArchiver(archiver)
	}

	if err := server.Run(); err != nil {
		slog.Error("Web server stopped", "error", err)
		os.Exit(1)
	}
}
