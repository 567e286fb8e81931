package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const pageSize = 20

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the relational database. It is passed explicitly to every
// collaborator so tests can inject fakes behind the interfaces they define.
type Store struct {
	db *sqlx.DB
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Open connects to the database and runs migrations.
func Open(cfg Config) (*Store, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s "+
		"password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	conn, err := sqlx.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	slog.Info("Successfully connected to database")

	s := &Store{db: conn}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) CreateUser(name string, email string, passwordHash string) (int, error) {
	insert_row := `insert into users
			(name, email, password_hash, created_on)
		values
			($1, $2, $3, current_timestamp) RETURNING id`
	id := 0
	err := s.db.QueryRow(insert_row, name, email, passwordHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", email, err)
	}
	return id, nil
}

func (s *Store) GetUserByEmail(email string) (User, error) {
	read_row := `select id, name, email, password_hash, created_on, last_login
		from users where email = $1`
	user := User{}
	err := s.db.Get(&user, read_row, email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %s: %w", email, err)
	}
	return user, nil
}

func (s *Store) GetUserByID(id int) (User, error) {
	read_row := `select id, name, email, password_hash, created_on, last_login
		from users where id = $1`
	user := User{}
	err := s.db.Get(&user, read_row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return user, nil
}

func (s *Store) TouchLastLogin(userID int) error {
	update_row := `update users set last_login = current_timestamp where id = $1`
	if _, err := s.db.Exec(update_row, userID); err != nil {
		return fmt.Errorf("failed to update last login for user %d: %w", userID, err)
	}
	return nil
}

// DeleteUser removes a user together with their attachment records.
func (s *Store) DeleteUser(userID int) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`delete from attachments where user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete attachments for user %d: %w", userID, err)
	}
	if _, err := tx.Exec(`delete from users where id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete user %d: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	slog.Info("Deleted user", "user_id", userID)
	return nil
}

// SaveAttachment records one materialized attachment. Size is the number of
// bytes actually written, not the provider's declared size.
func (s *Store) SaveAttachment(a Attachment) (int, error) {
	insert_row := `insert into attachments
			(user_id, email_from, subject, date_received, filename, filepath, filetype, size, created_on)
		values
			($1, $2, $3, $4, $5, $6, $7, $8, current_timestamp) RETURNING id`
	id := 0
	err := s.db.QueryRow(insert_row, a.UserID, substr(a.EmailFrom, 300), substr(a.Subject, 500),
		a.DateReceived, substr(a.Filename, 500), a.Filepath, substr(a.Filetype, 50), a.Size).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save attachment %s for user %d: %w", a.Filename, a.UserID, err)
	}
	return id, nil
}

func (s *Store) GetAttachment(id int) (Attachment, error) {
	read_row := `select id, user_id, email_from, subject, date_received, filename,
			filepath, filetype, size, created_on
		from attachments where id = $1`
	attachment := Attachment{}
	err := s.db.Get(&attachment, read_row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to get attachment %d: %w", id, err)
	}
	return attachment, nil
}

// ListAttachments returns one page of a user's attachments, newest first,
// optionally filtered by a substring over filename/subject/sender and by
// file type. The total match count is returned alongside the page.
func (s *Store) ListAttachments(userID int, search string, filetype string, pageNo int) ([]Attachment, int, error) {
	if pageNo < 1 {
		pageNo = 1
	}
	offset := pageSize * (pageNo - 1)

	where := `where user_id = $1`
	args := []interface{}{userID}
	if strings.TrimSpace(search) != "" {
		args = append(args, "%"+search+"%")
		where += fmt.Sprintf(` and (filename ilike $%d or subject ilike $%d or email_from ilike $%d)`,
			len(args), len(args), len(args))
	}
	if strings.TrimSpace(filetype) != "" {
		args = append(args, strings.ToLower(filetype))
		where += fmt.Sprintf(` and filetype = $%d`, len(args))
	}

	var count int
	if err := s.db.Get(&count, `select count(*) from attachments `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count attachments for user %d: %w", userID, err)
	}

	args = append(args, pageSize, offset)
	read_row := fmt.Sprintf(`select id, user_id, email_from, subject, date_received, filename,
			filepath, filetype, size, created_on
		from attachments %s
		order by created_on desc, id desc limit $%d offset $%d`, where, len(args)-1, len(args))
	attachments := []Attachment{}
	if err := s.db.Select(&attachments, read_row, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list attachments for user %d, page %d: %w", userID, pageNo, err)
	}
	return attachments, count, nil
}

func (s *Store) ListAllAttachments(userID int) ([]Attachment, error) {
	read_row := `select id, user_id, email_from, subject, date_received, filename,
			filepath, filetype, size, created_on
		from attachments where user_id = $1 order by id`
	attachments := []Attachment{}
	if err := s.db.Select(&attachments, read_row, userID); err != nil {
		return nil, fmt.Errorf("failed to list attachments for user %d: %w", userID, err)
	}
	return attachments, nil
}

func (s *Store) DeleteAttachment(id int) error {
	result, err := s.db.Exec(`delete from attachments where id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete attachment %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for attachment %d: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAttachmentsForUser(userID int) (int, error) {
	result, err := s.db.Exec(`delete from attachments where user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete attachments for user %d: %w", userID, err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) CountAttachments(userID int) (int, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from attachments where user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments for user %d: %w", userID, err)
	}
	return count, nil
}

func (s *Store) CountAttachmentsSince(userID int, since time.Time) (int, error) {
	var count int
	err := s.db.Get(&count,
		`select count(*) from attachments where user_id = $1 and created_on >= $2`,
		userID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent attachments for user %d: %w", userID, err)
	}
	return count, nil
}

func (s *Store) SumAttachmentSize(userID int) (int64, error) {
	var total int64
	err := s.db.Get(&total,
		`select coalesce(sum(size), 0) from attachments where user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum attachment sizes for user %d: %w", userID, err)
	}
	return total, nil
}

func (s *Store) DistinctFileTypes(userID int) ([]string, error) {
	types := []string{}
	err := s.db.Select(&types,
		`select distinct filetype from attachments where user_id = $1 order by 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file types for user %d: %w", userID, err)
	}
	return types, nil
}

// FileTypeCounts returns per-filetype attachment counts for chart rendering.
func (s *Store) FileTypeCounts(userID int) ([]TypeCount, error) {
	read_row := `select filetype, count(*) as count
		from attachments where user_id = $1
		group by filetype order by count desc, filetype`
	counts := []TypeCount{}
	if err := s.db.Select(&counts, read_row, userID); err != nil {
		return nil, fmt.Errorf("failed to get file type counts for user %d: %w", userID, err)
	}
	return counts, nil
}

// DailyDownloadCounts returns per-day record counts over the trailing window.
func (s *Store) DailyDownloadCounts(userID int, days int) ([]DayCount, error) {
	read_row := `select date_trunc('day', created_on) as day, count(*) as count
		from attachments
		where user_id = $1 and created_on >= current_timestamp - ($2 || ' days')::interval
		group by 1 order by 1`
	counts := []DayCount{}
	if err := s.db.Select(&counts, read_row, userID, days); err != nil {
		return nil, fmt.Errorf("failed to get daily counts for user %d: %w", userID, err)
	}
	return counts, nil
}

// SizeDistribution buckets a user's attachments by size for chart rendering.
func (s *Store) SizeDistribution(userID int) ([]BucketCount, error) {
	const mb = 1 << 20
	buckets := []struct {
		label string
		min   int64
		max   int64 // 0 means unbounded
	}{
		{"0-1MB", 0, mb},
		{"1-10MB", mb, 10 * mb},
		{"10-50MB", 10 * mb, 50 * mb},
		{"50MB+", 50 * mb, 0},
	}

	counts := make([]BucketCount, 0, len(buckets))
	for _, b := range buckets {
		var count int
		var err error
		if b.max == 0 {
			err = s.db.Get(&count,
				`select count(*) from attachments where user_id = $1 and size >= $2`,
				userID, b.min)
		} else {
			err = s.db.Get(&count,
				`select count(*) from attachments where user_id = $1 and size >= $2 and size < $3`,
				userID, b.min, b.max)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to count size bucket %s for user %d: %w", b.label, userID, err)
		}
		counts = append(counts, BucketCount{Label: b.label, Count: count})
	}
	return counts, nil
}

func (s *Store) migrate() error {
	var count int
	has_table_query := `select count(*)
		from information_schema.tables
		where table_name = $1`
	err := s.db.Get(&count, has_table_query, "schema_version")
	if err != nil {
		return fmt.Errorf("failed to check for schema_version table: %w", err)
	}
	if count > 0 {
		return nil
	}

	statements := []struct {
		name string
		sql  string
	}{
		{"users", create_users_table},
		{"attachments", create_attachments_table},
		{"attachment indexes", create_attachment_indexes},
		{"schema_version", create_schema_version_table},
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
		slog.Info("Created schema object", "object", stmt.name)
	}

	if _, err := s.db.Exec(`insert into schema_version (id) values (1)`); err != nil {
		return fmt.Errorf("failed to insert schema version: %w", err)
	}
	return nil
}

const create_users_table string = `CREATE TABLE IF NOT EXISTS users (
	  id serial PRIMARY KEY,
	  name VARCHAR(120) NOT NULL,
	  email VARCHAR(150) NOT NULL UNIQUE,
	  password_hash VARCHAR(200) NOT NULL,
	  created_on TIMESTAMP NOT NULL,
	  last_login TIMESTAMP
	)`

const create_attachments_table string = `CREATE TABLE IF NOT EXISTS attachments (
	  id serial PRIMARY KEY,
	  user_id INT NOT NULL,
	  email_from VARCHAR(300),
	  subject VARCHAR(500),
	  date_received TIMESTAMP,
	  filename VARCHAR(500) NOT NULL,
	  filepath VARCHAR(1000) NOT NULL,
	  filetype VARCHAR(50),
	  size BIGINT NOT NULL DEFAULT 0,
	  created_on TIMESTAMP NOT NULL,
	  FOREIGN KEY (user_id)
		  REFERENCES users (id)
	)`

const create_attachment_indexes string = `
	CREATE INDEX IF NOT EXISTS idx_attachments_user_created ON attachments (user_id, created_on DESC);
	CREATE INDEX IF NOT EXISTS idx_attachments_filetype ON attachments (filetype);
	CREATE INDEX IF NOT EXISTS idx_attachments_from ON attachments (email_from)`

const create_schema_version_table string = `CREATE TABLE IF NOT EXISTS schema_version (
	  id INT PRIMARY KEY
	)`

func substr(s string, end int) string {
	if len(s) < end {
		return s
	}
	counter := 0
	for i := range s {
		if counter == end {
			return s[0:i]
		}
		counter++
	}
	return s
}
