package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime settings. Values come from the environment,
// optionally seeded from a .env file loaded in main.
type Config struct {
	HTTPPort    int
	FrontendURL string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// AttachmentDir is the root under which per-user directories are created.
	AttachmentDir string

	// CredentialsFile is the OAuth client registration JSON downloaded from
	// the provider console. TokenFile holds the persisted credential bundle.
	CredentialsFile string
	TokenFile       string

	SessionSecret string

	// ArchiveBucket enables mirroring of downloaded attachments to a GCS
	// bucket when non-empty.
	ArchiveBucket string

	DownloadWorkers int
}

func Load() Config {
	return Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8090),
		FrontendURL:     getEnvString("FRONTEND_URL", "http://localhost:5173"),
		DBHost:          getEnvString("DB_HOST", "localhost"),
		DBPort:          getEnvInt("DB_PORT", 5432),
		DBUser:          getEnvString("DB_USER", "mailvault"),
		DBPassword:      getEnvString("DB_PASSWORD", "mailvault"),
		DBName:          getEnvString("DB_NAME", "mailvault"),
		AttachmentDir:   getEnvString("ATTACHMENT_DIR", "attachments"),
		CredentialsFile: getEnvString("GMAIL_CREDENTIALS_FILE", "credentials.json"),
		TokenFile:       getEnvString("GMAIL_TOKEN_FILE", "token.json"),
		SessionSecret:   getEnvString("SESSION_SECRET", ""),
		ArchiveBucket:   getEnvString("ARCHIVE_BUCKET", ""),
		DownloadWorkers: getEnvInt("DOWNLOAD_WORKERS", 4),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
